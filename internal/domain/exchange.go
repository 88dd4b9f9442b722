package domain

import "context"

// Exchange is the order-execution collaborator shared by the strategy engine
// and the stop-loss monitor. Symbols are exchange pairs (BTCUSDT).
type Exchange interface {
	PlaceOrder(ctx context.Context, symbol string, side OrderSide, quantity float64) (OrderResult, error)
	GetPrice(ctx context.Context, symbol string) (float64, error)
	CancelOrder(ctx context.Context, symbol, orderID string) error
}

// BalanceReader is implemented by exchanges that can report free balances.
type BalanceReader interface {
	Balance(ctx context.Context, asset string) (float64, error)
}

// OrderQuerier is implemented by exchanges that can report the current
// state of a submitted order.
type OrderQuerier interface {
	QueryOrder(ctx context.Context, symbol, orderID string) (OrderResult, error)
}
