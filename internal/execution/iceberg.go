package execution

import (
	"context"
	"sort"

	"intraday-trader/internal/models"
)

func (m *Manager) children(parentID string) []*models.Order {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []*models.Order
	for _, o := range m.orders {
		if o.ParentOrderID == parentID {
			out = append(out, o.Clone())
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Sequence < out[j].Sequence })
	return out
}

// advanceParent moves an iceberg forward after a child changed: it sends the
// next leg once the previous one is acknowledged, stops the chain when a leg
// is rejected or the parent is being cancelled, and settles the parent once
// every leg is terminal.
func (m *Manager) advanceParent(ctx context.Context, parentID string) {
	m.mu.Lock()
	if m.advancing[parentID] {
		m.mu.Unlock()
		return
	}
	m.advancing[parentID] = true
	m.mu.Unlock()
	defer func() {
		m.mu.Lock()
		delete(m.advancing, parentID)
		m.mu.Unlock()
	}()

	parent, ok := m.get(parentID)
	if !ok || parent.Status.IsTerminal() || parent.Frozen {
		return
	}

	legs := m.children(parentID)
	stop, pending := parent.CancelRequested, false
	var next *models.Order
	for _, c := range legs {
		switch {
		case c.Status == models.OrderStatusRejected:
			stop = true
		case c.Status == models.OrderStatusPendingBroker:
			pending = true
		case c.Status == models.OrderStatusCreated && next == nil:
			next = c
		}
	}

	switch {
	case stop:
		reason := "iceberg chain stopped after rejected leg"
		if parent.CancelRequested {
			reason = "cancelled before submission"
		}
		for _, c := range legs {
			if c.Status == models.OrderStatusCreated {
				m.apply(ctx, c.InternalID, models.OrderUpdate{Status: models.OrderStatusCancelled, Message: reason}, "iceberg")
			}
		}
	case next != nil && !pending:
		m.apply(ctx, next.InternalID, models.OrderUpdate{Status: models.OrderStatusPendingBroker}, "iceberg")
		if sent, ok := m.get(next.InternalID); ok && sent.Status == models.OrderStatusPendingBroker {
			m.submit(ctx, sent)
		}
	}

	m.settleParent(ctx, parentID)
}

// settleParent closes the parent once all legs are terminal: FILLED when the
// whole quantity traded, else REJECTED if a leg was rejected, else CANCELLED.
// The aggregate fill is carried either way.
func (m *Manager) settleParent(ctx context.Context, parentID string) {
	parent, ok := m.get(parentID)
	legs := m.children(parentID)
	if !ok || len(legs) == 0 {
		return
	}
	filled, notional, rejected := 0, 0.0, false
	var reason string
	for _, c := range legs {
		if !c.Status.IsTerminal() {
			return
		}
		filled += c.FilledQuantity
		notional += c.AveragePrice * float64(c.FilledQuantity)
		if c.Status == models.OrderStatusRejected {
			rejected = true
			reason = c.StatusMessage
		}
	}

	u := models.OrderUpdate{FilledQuantity: filled, Message: reason}
	if filled > 0 {
		u.AveragePrice = notional / float64(filled)
	}
	switch {
	case filled == parent.Quantity:
		u.Status = models.OrderStatusFilled
	case rejected:
		u.Status = models.OrderStatusRejected
	default:
		u.Status = models.OrderStatusCancelled
	}
	m.apply(ctx, parentID, u, "iceberg")
}
