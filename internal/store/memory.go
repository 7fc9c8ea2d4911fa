package store

import (
	"context"
	"sort"
	"sync"

	"intraday-trader/internal/errors"
	"intraday-trader/internal/models"
)

// MemoryStore is an in-process OrderStore used for replays and tests.
type MemoryStore struct {
	mu          sync.RWMutex
	orders      map[string]*models.Order
	transitions map[string][]models.Transition
	fills       []models.Fill
	fillIDs     map[string]bool
	failNext    error
}

// NewMemoryStore creates an empty MemoryStore.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		orders:      make(map[string]*models.Order),
		transitions: make(map[string][]models.Transition),
		fillIDs:     make(map[string]bool),
	}
}

// FailNextWrite makes the next write return err without applying anything.
func (m *MemoryStore) FailNextWrite(err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.failNext = err
}

func (m *MemoryStore) takeFailure() error {
	err := m.failNext
	m.failNext = nil
	return err
}

// CreateOrders inserts orders atomically.
func (m *MemoryStore) CreateOrders(_ context.Context, orders []*models.Order, transitions []models.Transition) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.takeFailure(); err != nil {
		return err
	}
	for _, o := range orders {
		if _, ok := m.orders[o.InternalID]; ok {
			return errors.Wrapf(errors.ErrDuplicateOrder, "order %s", o.InternalID)
		}
	}
	for _, o := range orders {
		m.orders[o.InternalID] = o.Clone()
	}
	for _, t := range transitions {
		m.transitions[t.OrderID] = append(m.transitions[t.OrderID], t)
	}
	return nil
}

// SaveOrder updates an order and appends history atomically.
func (m *MemoryStore) SaveOrder(_ context.Context, o *models.Order, transition *models.Transition, fills []models.Fill) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.takeFailure(); err != nil {
		return err
	}
	prev, ok := m.orders[o.InternalID]
	if !ok {
		return errors.Wrapf(errors.ErrOrderNotFound, "order %s", o.InternalID)
	}
	for _, f := range fills {
		if m.fillIDs[f.FillID] {
			return errors.Wrapf(errors.ErrDuplicateOrder, "fill %s", f.FillID)
		}
	}
	next := o.Clone()
	next.CreatedAt = prev.CreatedAt
	m.orders[o.InternalID] = next
	if transition != nil {
		m.transitions[o.InternalID] = append(m.transitions[o.InternalID], *transition)
	}
	for _, f := range fills {
		m.fillIDs[f.FillID] = true
		m.fills = append(m.fills, f)
	}
	return nil
}

// GetOrder returns a copy of one order.
func (m *MemoryStore) GetOrder(_ context.Context, internalID string) (*models.Order, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	o, ok := m.orders[internalID]
	if !ok {
		return nil, errors.Wrapf(errors.ErrOrderNotFound, "order %s", internalID)
	}
	return o.Clone(), nil
}

// ListOrders returns copies of matching orders, oldest first.
func (m *MemoryStore) ListOrders(_ context.Context, filter OrderFilter) ([]*models.Order, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	statuses := make(map[models.OrderStatus]bool, len(filter.Statuses))
	for _, s := range filter.Statuses {
		statuses[s] = true
	}

	var out []*models.Order
	for _, o := range m.orders {
		if len(statuses) > 0 && !statuses[o.Status] {
			continue
		}
		if filter.StrategyID != "" && o.StrategyID != filter.StrategyID {
			continue
		}
		if filter.InstrumentID != "" && o.InstrumentID != filter.InstrumentID {
			continue
		}
		if filter.ParentID != "" && o.ParentOrderID != filter.ParentID {
			continue
		}
		out = append(out, o.Clone())
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].CreatedAt.Before(out[j].CreatedAt)
		}
		if out[i].Sequence != out[j].Sequence {
			return out[i].Sequence < out[j].Sequence
		}
		return out[i].InternalID < out[j].InternalID
	})
	if filter.Limit > 0 && len(out) > filter.Limit {
		out = out[:filter.Limit]
	}
	return out, nil
}

// Transitions returns an order's history.
func (m *MemoryStore) Transitions(_ context.Context, orderID string) ([]models.Transition, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]models.Transition, len(m.transitions[orderID]))
	copy(out, m.transitions[orderID])
	return out, nil
}

// LoadFills returns the fill log.
func (m *MemoryStore) LoadFills(_ context.Context) ([]models.Fill, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]models.Fill, len(m.fills))
	copy(out, m.fills)
	return out, nil
}

// Close is a no-op.
func (m *MemoryStore) Close() error { return nil }

var _ OrderStore = (*MemoryStore)(nil)
