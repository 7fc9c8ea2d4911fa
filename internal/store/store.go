// Package store provides order and fill persistence.
package store

import (
	"context"

	"intraday-trader/internal/models"
)

// OrderStore persists the order log. Implementations must give read-your-writes
// consistency and apply each call atomically.
type OrderStore interface {
	// CreateOrders inserts new orders with their initial transitions in one
	// transaction. A reused internal id fails with errors.ErrDuplicateOrder.
	CreateOrders(ctx context.Context, orders []*models.Order, transitions []models.Transition) error
	// SaveOrder updates an order's projection and appends its transition and
	// fills in one transaction. transition may be nil.
	SaveOrder(ctx context.Context, order *models.Order, transition *models.Transition, fills []models.Fill) error

	GetOrder(ctx context.Context, internalID string) (*models.Order, error)
	ListOrders(ctx context.Context, filter OrderFilter) ([]*models.Order, error)
	Transitions(ctx context.Context, orderID string) ([]models.Transition, error)
	LoadFills(ctx context.Context) ([]models.Fill, error)

	Close() error
}

// OrderFilter selects orders. Zero fields match everything.
type OrderFilter struct {
	Statuses     []models.OrderStatus
	StrategyID   string
	InstrumentID string
	ParentID     string
	Limit        int
}

// LoadOpenOrders returns every non-terminal order, parents included.
func LoadOpenOrders(ctx context.Context, s OrderStore) ([]*models.Order, error) {
	return s.ListOrders(ctx, OrderFilter{Statuses: models.OpenStatuses})
}
