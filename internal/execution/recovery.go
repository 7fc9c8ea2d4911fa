package execution

import (
	"context"
	"fmt"
	"time"

	"github.com/jpillora/backoff"
	"go.uber.org/multierr"

	"intraday-trader/internal/broker"
	"intraday-trader/internal/clock"
	"intraday-trader/internal/errors"
	"intraday-trader/internal/models"
	"intraday-trader/internal/store"
)

// Recover rebuilds the book after a restart. Positions are folded from the
// session's persisted fills, open orders are reloaded, and every order the
// broker may know about is reconciled against it. Reconciling twice yields
// the same state. The session's fills are returned so risk can be restored.
func (m *Manager) Recover(ctx context.Context) ([]models.Fill, error) {
	all, err := m.store.LoadFills(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to load fills: %w", err)
	}
	today := clock.SessionDate(m.clock.Now(), m.cfg.Location)
	var fills []models.Fill
	for _, f := range all {
		if clock.SessionDate(f.Timestamp, m.cfg.Location).Equal(today) {
			fills = append(fills, f)
		}
	}

	open, err := store.LoadOpenOrders(ctx, m.store)
	if err != nil {
		return nil, fmt.Errorf("failed to load open orders: %w", err)
	}
	var parents []*models.Order
	tracked := open
	for _, o := range open {
		if !o.IsParent {
			continue
		}
		parents = append(parents, o)
		legs, err := m.store.ListOrders(ctx, store.OrderFilter{ParentID: o.InternalID})
		if err != nil {
			return nil, fmt.Errorf("failed to load legs of %s: %w", o.InternalID, err)
		}
		tracked = append(tracked, legs...)
	}

	m.mu.Lock()
	m.positions = models.FoldPositions(fills)
	for _, o := range tracked {
		m.trackLocked(o)
	}
	m.mu.Unlock()

	m.logger.Info().
		Int("fills", len(fills)).
		Int("open_orders", len(open)).
		Int("positions", len(m.Positions())).
		Msg("Recovered order book")

	var errs error
	for _, o := range open {
		switch {
		case o.IsParent || o.Frozen:
		case o.Status == models.OrderStatusCreated:
			// Never sent. Iceberg legs are resumed by their parent below.
			if o.ParentOrderID == "" {
				m.apply(ctx, o.InternalID, models.OrderUpdate{
					Status:  models.OrderStatusCancelled,
					Message: "abandoned before submission",
				}, "recovery")
			}
		default:
			res := m.router.Call(ctx, reconcileRequest(o))
			if res.Err != nil && errors.IsTransient(res.Err) {
				errs = multierr.Append(errs, fmt.Errorf("reconcile %s: %w", o.InternalID, res.Err))
				m.scheduleReconcile(o.InternalID)
				continue
			}
			m.HandleResult(ctx, res)
		}
	}
	for _, p := range parents {
		m.advanceParent(ctx, p.InternalID)
	}
	return fills, errs
}

func reconcileRequest(o *models.Order) broker.Request {
	if o.ExchangeID != "" {
		return broker.Request{Op: broker.OpQuery, OrderID: o.InternalID, ExchangeID: o.ExchangeID}
	}
	return broker.Request{Op: broker.OpFindByTag, OrderID: o.InternalID, Tag: o.Tag()}
}

// reconcile asks the broker for the current state of an order whose outcome
// is unknown.
func (m *Manager) reconcile(ctx context.Context, id string) {
	o, ok := m.get(id)
	if !ok || o.Status.IsTerminal() || o.Frozen || o.IsParent {
		return
	}
	if err := m.router.Dispatch(ctx, reconcileRequest(o)); err != nil {
		m.logger.Error().Err(err).Str("order_id", id).Msg("Failed to dispatch reconciliation")
	}
}

// Reconcile queries the broker for every open order.
func (m *Manager) Reconcile(ctx context.Context) int {
	n := 0
	for _, o := range m.OpenOrders() {
		if o.IsParent || o.Frozen || o.Status == models.OrderStatusCreated {
			continue
		}
		m.reconcile(ctx, o.InternalID)
		n++
	}
	return n
}

func (m *Manager) scheduleReconcile(id string) {
	m.scheduleReconcileAfter(id, m.cfg.ReconcileDelay)
}

// lookupDelay backs off between lookups of an order the broker has not
// reported yet.
func (m *Manager) lookupDelay(attempt int) time.Duration {
	b := &backoff.Backoff{Min: m.cfg.ReconcileDelay, Max: 8 * m.cfg.ReconcileDelay, Factor: 2}
	return b.ForAttempt(float64(attempt - 1))
}

func (m *Manager) scheduleReconcileAfter(id string, d time.Duration) {
	if m.scheduler == nil {
		return
	}
	m.mu.Lock()
	if m.reconciling[id] {
		m.mu.Unlock()
		return
	}
	m.reconciling[id] = true
	m.mu.Unlock()

	m.scheduler.AfterFunc(d, func(ctx context.Context) {
		m.mu.Lock()
		delete(m.reconciling, id)
		m.mu.Unlock()
		m.reconcile(ctx, id)
	})
}
