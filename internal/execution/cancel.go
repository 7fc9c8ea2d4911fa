package execution

import (
	"context"
	"math"

	"intraday-trader/internal/broker"
	"intraday-trader/internal/models"
)

// CancelOrder requests cancellation. Orders not yet at the broker are
// cancelled locally; orders awaiting an exchange id are marked and cancelled
// once acknowledged. Returns false if the order is unknown or already closed.
func (m *Manager) CancelOrder(ctx context.Context, id, reason string) bool {
	o, ok := m.get(id)
	if !ok || o.Status.IsTerminal() || o.Frozen {
		return false
	}
	if reason == "" {
		reason = "cancelled by user"
	}

	switch {
	case o.IsParent:
		if !m.markCancelRequested(ctx, o) {
			return false
		}
		for _, c := range m.children(id) {
			if c.Status != models.OrderStatusCreated {
				m.CancelOrder(ctx, c.InternalID, reason)
			}
		}
		m.advanceParent(ctx, id)

	case o.Status == models.OrderStatusCreated:
		m.apply(ctx, id, models.OrderUpdate{Status: models.OrderStatusCancelled, Message: reason}, "cancel")

	case o.ExchangeID == "":
		// Still in flight. The cancel goes out when the acknowledgement arrives.
		return m.markCancelRequested(ctx, o)

	default:
		if !m.markCancelRequested(ctx, o) {
			return false
		}
		o.CancelRequested = true
		m.sendCancel(ctx, o)
	}
	return true
}

func (m *Manager) markCancelRequested(ctx context.Context, o *models.Order) bool {
	if o.CancelRequested {
		return true
	}
	next := o.Clone()
	next.CancelRequested = true
	next.UpdatedAt = m.clock.Now()
	if err := m.store.SaveOrder(ctx, next, nil, nil); err != nil {
		m.logger.Error().Err(err).Str("order_id", o.InternalID).Msg("Failed to persist cancel request")
		return false
	}
	m.mu.Lock()
	m.orders[o.InternalID] = next
	m.mu.Unlock()
	return true
}

func (m *Manager) sendCancel(ctx context.Context, o *models.Order) {
	m.mu.Lock()
	if m.cancelSent[o.InternalID] {
		m.mu.Unlock()
		return
	}
	m.cancelSent[o.InternalID] = true
	m.mu.Unlock()

	err := m.router.Dispatch(ctx, broker.Request{Op: broker.OpCancel, OrderID: o.InternalID, ExchangeID: o.ExchangeID})
	if err != nil {
		m.mu.Lock()
		delete(m.cancelSent, o.InternalID)
		m.mu.Unlock()
		m.logger.Error().Err(err).Str("order_id", o.InternalID).Msg("Failed to dispatch cancel")
	}
}

// CancelAll cancels every open top-level order and returns how many were
// affected. Frozen orders are left for manual review.
func (m *Manager) CancelAll(ctx context.Context, reason string) int {
	n := 0
	for _, o := range m.OpenOrders() {
		if o.ParentOrderID != "" || o.Frozen {
			continue
		}
		if m.CancelOrder(ctx, o.InternalID, reason) {
			n++
		}
	}
	if n > 0 {
		m.logger.Warn().Int("orders", n).Str("reason", reason).Msg("Cancelled open orders")
	}
	return n
}

// LiquidateAll sends market orders that flatten every open position, net of
// closing orders already working. Returns the number of orders placed.
func (m *Manager) LiquidateAll(ctx context.Context, reason string) int {
	closing := make(map[models.PositionKey]int)
	for _, o := range m.OpenOrders() {
		// Legs carry the working quantity of an iceberg.
		if o.IsParent {
			continue
		}
		key := models.PositionKey{StrategyID: o.StrategyID, InstrumentID: o.InstrumentID}
		closing[key] += o.Side.Sign() * o.RemainingQuantity()
	}

	n := 0
	for _, p := range m.Positions() {
		residual := p.Quantity + closing[p.Key()]
		if residual == 0 || (residual > 0) != (p.Quantity > 0) {
			continue
		}
		side := models.OrderSideSell
		if residual < 0 {
			side = models.OrderSideBuy
		}
		qty := int(math.Abs(float64(residual)))
		_, err := m.Place(ctx, OrderRequest{
			StrategyID:   p.StrategyID,
			InstrumentID: p.InstrumentID,
			Side:         side,
			Type:         models.OrderTypeMarket,
			Quantity:     qty,
		})
		if err != nil {
			m.logger.Error().Err(err).
				Str("instrument", p.InstrumentID).
				Str("strategy", p.StrategyID).
				Msg("Failed to place liquidation order")
			continue
		}
		n++
	}
	if n > 0 {
		m.logger.Warn().Int("orders", n).Str("reason", reason).Msg("Liquidating positions")
	}
	return n
}
