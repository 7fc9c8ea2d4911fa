// Package execution is the order management system: it owns the order state
// machine, iceberg slicing, fills, positions and crash recovery.
package execution

import (
	"intraday-trader/internal/models"
)

var transitions = map[models.OrderStatus][]models.OrderStatus{
	models.OrderStatusCreated: {
		models.OrderStatusPendingBroker,
		models.OrderStatusRejected,
		models.OrderStatusCancelled,
	},
	models.OrderStatusPendingBroker: {
		models.OrderStatusAcknowledged,
		models.OrderStatusPartiallyFilled,
		models.OrderStatusFilled,
		models.OrderStatusRejected,
		models.OrderStatusCancelled,
	},
	models.OrderStatusAcknowledged: {
		models.OrderStatusPartiallyFilled,
		models.OrderStatusFilled,
		models.OrderStatusRejected,
		models.OrderStatusCancelled,
	},
	models.OrderStatusPartiallyFilled: {
		models.OrderStatusPartiallyFilled,
		models.OrderStatusFilled,
		models.OrderStatusCancelled,
	},
}

// CanTransition reports whether from -> to is a legal lifecycle step.
// Parent orders are bookkeeping only and may go from CREATED to any
// terminal state.
func CanTransition(from, to models.OrderStatus, parent bool) bool {
	if parent && from == models.OrderStatusCreated && to.IsTerminal() {
		return true
	}
	for _, next := range transitions[from] {
		if next == to {
			return true
		}
	}
	return false
}

// SplitQuantity slices qty into legs no larger than freeze, largest first.
func SplitQuantity(qty, freeze int) []int {
	if qty <= 0 {
		return nil
	}
	if freeze <= 0 || qty <= freeze {
		return []int{qty}
	}
	legs := make([]int, 0, (qty+freeze-1)/freeze)
	for remaining := qty; remaining > 0; remaining -= freeze {
		legs = append(legs, min(remaining, freeze))
	}
	return legs
}
