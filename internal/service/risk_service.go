package service

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/alanyoungcy/sentibot/internal/domain"
)

// RiskService gates every trade signal against the portfolio-level limits.
// Authorize is a pure function of its inputs and is safe for concurrent use.
type RiskService struct {
	limits domain.RiskLimits
	logger *slog.Logger
}

// NewRiskService creates a RiskService enforcing limits.
func NewRiskService(limits domain.RiskLimits, logger *slog.Logger) *RiskService {
	return &RiskService{
		limits: limits,
		logger: logger.With(slog.String("component", "risk_service")),
	}
}

// Limits returns the configured limits.
func (s *RiskService) Limits() domain.RiskLimits {
	return s.limits
}

// Authorize evaluates signal against state. Checks run in order and the
// first failure wins:
//  1. open positions below max_open_positions
//  2. trades today below max_daily_trades
//  3. realized loss today below daily_loss_limit
//  4. no OPEN position already holds the symbol in the same direction
func (s *RiskService) Authorize(signal domain.TradeSignal, state domain.RiskState) domain.Decision {
	switch {
	case state.OpenPositionCount >= s.limits.MaxOpenPositions:
		return domain.Denied(domain.DenyMaxPositions)
	case state.TradesToday >= s.limits.MaxDailyTrades:
		return domain.Denied(domain.DenyDailyTradeLimit)
	case state.RealizedLossToday >= s.limits.DailyLossLimit:
		return domain.Denied(domain.DenyDailyLossLimit)
	case state.Holds(signal.Symbol, signal.Direction):
		return domain.Denied(domain.DenyDuplicatePosition)
	}
	return domain.Authorized()
}

// CheckBalance denies an entry whose cost exceeds the free quote balance.
// Exchanges that cannot report balances always pass.
func (s *RiskService) CheckBalance(ctx context.Context, exchange domain.Exchange, quote string, cost float64) (domain.Decision, error) {
	reader, ok := exchange.(domain.BalanceReader)
	if !ok {
		return domain.Authorized(), nil
	}
	free, err := reader.Balance(ctx, quote)
	if err != nil {
		return domain.Decision{}, fmt.Errorf("risk_service: balance %s: %w", quote, err)
	}
	if free < cost {
		s.logger.InfoContext(ctx, "risk_service: insufficient balance",
			slog.String("asset", quote),
			slog.Float64("free", free),
			slog.Float64("cost", cost),
		)
		return domain.Denied(domain.DenyInsufficientBalance), nil
	}
	return domain.Authorized(), nil
}
