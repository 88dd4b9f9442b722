package service

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/alanyoungcy/sentibot/internal/domain"
	"github.com/alanyoungcy/sentibot/internal/metrics"
)

// OrderService handles the order lifecycle from request to the exchange's
// final answer. It keeps every order in memory for dashboard queries and
// mirrors them to the OrderStore when one is configured.
type OrderService struct {
	exchange domain.Exchange
	store    domain.OrderStore // optional
	bus      domain.SignalBus  // optional
	metrics  *metrics.Metrics
	logger   *slog.Logger

	mu     sync.RWMutex
	orders map[string]*domain.Order
	seq    []string

	now   func() time.Time
	newID func() string
}

// NewOrderService creates an OrderService. store and bus may be nil.
func NewOrderService(
	exchange domain.Exchange,
	store domain.OrderStore,
	bus domain.SignalBus,
	m *metrics.Metrics,
	logger *slog.Logger,
) *OrderService {
	return &OrderService{
		exchange: exchange,
		store:    store,
		bus:      bus,
		metrics:  m,
		logger:   logger.With(slog.String("component", "order_service")),
		orders:   make(map[string]*domain.Order),
		now:      func() time.Time { return time.Now().UTC() },
		newID:    uuid.NewString,
	}
}

// Place creates a PENDING order, submits it to the exchange and finalizes it
// to FILLED or REJECTED. A transport or timeout failure marks the order
// REJECTED and returns an error wrapping domain.ErrTransient; an exchange
// rejection is returned as a REJECTED order with a nil error.
func (s *OrderService) Place(ctx context.Context, req domain.OrderRequest) (domain.Order, error) {
	if req.Quantity <= 0 || req.Pair == "" {
		return domain.Order{}, fmt.Errorf("order_service: place %s qty %f: %w", req.Pair, req.Quantity, domain.ErrInvalidOrder)
	}

	order := domain.Order{
		ID:               s.newID(),
		Symbol:           req.Symbol,
		Pair:             req.Pair,
		Side:             req.Side,
		Quantity:         req.Quantity,
		Status:           domain.OrderStatusPending,
		LinkedPositionID: req.PositionID,
		SourceNewsID:     req.SourceNewsID,
		RequestedAt:      s.now(),
	}
	s.put(order)
	s.persist(ctx, order, true)

	res, err := s.exchange.PlaceOrder(ctx, req.Pair, req.Side, req.Quantity)
	finalized := s.now()
	order.FinalizedAt = &finalized
	if err != nil {
		order.Status = domain.OrderStatusRejected
		order.Message = err.Error()
		s.finish(ctx, order)
		return order, fmt.Errorf("order_service: place %s %s: %w", order.Side, order.Pair, domain.Transient(err))
	}

	order.ExchangeOrderID = res.OrderID
	order.Message = res.Message
	switch res.Status {
	case domain.OrderStatusFilled:
		order.Status = domain.OrderStatusFilled
		order.FillPrice = res.FillPrice
		if res.FilledQty > 0 {
			order.Quantity = res.FilledQty
		}
	case domain.OrderStatusCancelled:
		order.Status = domain.OrderStatusCancelled
	case domain.OrderStatusPending:
		// Accepted but no fill report yet; stays cancellable.
		order.Status = domain.OrderStatusPending
		order.FinalizedAt = nil
	default:
		order.Status = domain.OrderStatusRejected
	}
	s.finish(ctx, order)
	return order, nil
}

// Link records the position an order opened or closed.
func (s *OrderService) Link(ctx context.Context, orderID, positionID string) error {
	s.mu.Lock()
	o, ok := s.orders[orderID]
	if !ok {
		s.mu.Unlock()
		return fmt.Errorf("order_service: link %s: %w", orderID, domain.ErrNotFound)
	}
	o.LinkedPositionID = positionID
	out := *o
	s.mu.Unlock()

	s.persist(ctx, out, false)
	return nil
}

// Cancel cancels an order on the exchange. Only PENDING orders can be
// cancelled; market orders normally fill immediately so this mostly guards
// orders left pending by a live exchange.
func (s *OrderService) Cancel(ctx context.Context, id string) (domain.Order, error) {
	order, err := s.Get(ctx, id)
	if err != nil {
		return domain.Order{}, err
	}
	if order.Status != domain.OrderStatusPending {
		return order, fmt.Errorf("order_service: cancel %s in status %s: %w", id, order.Status, domain.ErrInvalidState)
	}
	ref := order.ExchangeOrderID
	if ref == "" {
		ref = order.ID
	}
	if err := s.exchange.CancelOrder(ctx, order.Pair, ref); err != nil {
		return order, fmt.Errorf("order_service: cancel %s: %w", id, err)
	}

	finalized := s.now()
	order.Status = domain.OrderStatusCancelled
	order.FinalizedAt = &finalized
	s.finish(ctx, order)
	return order, nil
}

// Refresh re-reads a PENDING order from the exchange and records any final
// state it reached. Orders already final, or exchanges that cannot report
// orders, return the stored order unchanged.
func (s *OrderService) Refresh(ctx context.Context, id string) (domain.Order, error) {
	order, err := s.Get(ctx, id)
	if err != nil {
		return domain.Order{}, err
	}
	q, ok := s.exchange.(domain.OrderQuerier)
	if order.Status != domain.OrderStatusPending || !ok {
		return order, nil
	}
	ref := order.ExchangeOrderID
	if ref == "" {
		ref = order.ID
	}
	res, err := q.QueryOrder(ctx, order.Pair, ref)
	if err != nil {
		return order, fmt.Errorf("order_service: refresh %s: %w", id, err)
	}

	switch res.Status {
	case domain.OrderStatusFilled:
		order.Status = domain.OrderStatusFilled
		order.FillPrice = res.FillPrice
		if res.FilledQty > 0 {
			order.Quantity = res.FilledQty
		}
	case domain.OrderStatusRejected, domain.OrderStatusCancelled:
		order.Status = res.Status
	default:
		return order, nil
	}
	if res.Message != "" {
		order.Message = res.Message
	}
	finalized := s.now()
	order.FinalizedAt = &finalized
	s.finish(ctx, order)
	return order, nil
}

// Get returns one order, falling back to the store for orders from a
// previous process.
func (s *OrderService) Get(ctx context.Context, id string) (domain.Order, error) {
	s.mu.RLock()
	o, ok := s.orders[id]
	var out domain.Order
	if ok {
		out = *o
	}
	s.mu.RUnlock()
	if ok {
		return out, nil
	}
	if s.store != nil {
		order, err := s.store.GetByID(ctx, id)
		if err != nil {
			return domain.Order{}, fmt.Errorf("order_service: get %s: %w", id, err)
		}
		s.put(order)
		return order, nil
	}
	return domain.Order{}, fmt.Errorf("order_service: get %s: %w", id, domain.ErrNotFound)
}

// List returns orders newest first. When a store is configured it is the
// source so history survives restarts.
func (s *OrderService) List(ctx context.Context, opts domain.ListOpts) ([]domain.Order, error) {
	if s.store != nil {
		orders, err := s.store.List(ctx, opts)
		if err == nil {
			return orders, nil
		}
		s.logger.WarnContext(ctx, "order_service: store list failed, serving memory",
			slog.String("error", err.Error()),
		)
	}

	s.mu.RLock()
	out := make([]domain.Order, 0, len(s.seq))
	for i := len(s.seq) - 1; i >= 0; i-- {
		o := s.orders[s.seq[i]]
		if opts.Since != nil && o.RequestedAt.Before(*opts.Since) {
			continue
		}
		if opts.Until != nil && !o.RequestedAt.Before(*opts.Until) {
			continue
		}
		out = append(out, *o)
	}
	s.mu.RUnlock()

	sort.SliceStable(out, func(i, j int) bool { return out[i].RequestedAt.After(out[j].RequestedAt) })
	return paginate(out, opts), nil
}

func (s *OrderService) put(o domain.Order) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.orders[o.ID]; !ok {
		s.seq = append(s.seq, o.ID)
	}
	cp := o
	s.orders[o.ID] = &cp
}

// finish stores the final state, then records metrics, the event and a log line.
func (s *OrderService) finish(ctx context.Context, order domain.Order) {
	s.put(order)
	s.persist(ctx, order, false)
	s.metrics.RecordOrder(string(order.Side), string(order.Status))

	if s.bus != nil {
		evt, _ := json.Marshal(map[string]any{
			"event":    "order_" + string(order.Status),
			"order_id": order.ID,
			"symbol":   order.Pair,
			"side":     string(order.Side),
			"quantity": order.Quantity,
			"price":    order.FillPrice,
			"status":   string(order.Status),
		})
		if pubErr := s.bus.Publish(ctx, domain.ChannelOrders, evt); pubErr != nil {
			s.logger.WarnContext(ctx, "order_service: publish event failed",
				slog.String("order_id", order.ID),
				slog.String("error", pubErr.Error()),
			)
		}
	}

	level := slog.LevelInfo
	if order.Status == domain.OrderStatusRejected || order.Status == domain.OrderStatusPending {
		level = slog.LevelWarn
	}
	s.logger.Log(ctx, level, "order_service: order finalized",
		slog.String("order_id", order.ID),
		slog.String("symbol", order.Pair),
		slog.String("side", string(order.Side)),
		slog.Float64("quantity", order.Quantity),
		slog.String("status", string(order.Status)),
		slog.Float64("fill_price", order.FillPrice),
		slog.String("message", order.Message),
	)
}

// persist mirrors the order to the store. Store failures are logged and
// never affect trading.
func (s *OrderService) persist(ctx context.Context, order domain.Order, create bool) {
	if s.store == nil {
		return
	}
	var err error
	if create {
		err = s.store.Create(ctx, order)
	} else {
		err = s.store.Update(ctx, order)
	}
	if err != nil {
		s.logger.WarnContext(ctx, "order_service: persist order failed",
			slog.String("order_id", order.ID),
			slog.String("error", err.Error()),
		)
	}
}

func paginate[T any](items []T, opts domain.ListOpts) []T {
	if opts.Offset > 0 {
		if opts.Offset >= len(items) {
			return []T{}
		}
		items = items[opts.Offset:]
	}
	if opts.Limit > 0 && opts.Limit < len(items) {
		items = items[:opts.Limit]
	}
	return items
}
