// Package broker provides the order-routing gateway and its live and
// simulated implementations.
package broker

import (
	"context"
	"strings"

	"intraday-trader/internal/models"
)

// Gateway routes orders to a brokerage. Every method may block on the network
// and must honour ctx.
//
// A definitive refusal is returned as *errors.BrokerRejection. Any other error
// means the outcome is unknown and the caller should reconcile instead of
// resubmitting.
type Gateway interface {
	Name() string
	// Submit places an order tagged with order.Tag() and returns the broker ack.
	Submit(ctx context.Context, order *models.Order) (models.OrderUpdate, error)
	// Cancel requests cancellation and returns the latest known status.
	Cancel(ctx context.Context, exchangeID string) (models.OrderUpdate, error)
	QueryStatus(ctx context.Context, exchangeID string) (models.OrderUpdate, error)
	// FindByTag locates an order by tag; errors.ErrOrderNotFound if absent.
	FindByTag(ctx context.Context, tag string) (models.OrderUpdate, error)
	// OnUpdate registers the handler for asynchronous status reports.
	OnUpdate(handler func(models.OrderUpdate))
}

// Kite order statuses.
const (
	kiteOpen           = "OPEN"
	kiteComplete       = "COMPLETE"
	kiteCancelled      = "CANCELLED"
	kiteRejected       = "REJECTED"
	kiteTriggerPending = "TRIGGER PENDING"
	kitePutReceived    = "PUT ORDER REQ RECEIVED"
	kiteValidation     = "VALIDATION PENDING"
	kiteOpenPending    = "OPEN PENDING"
	kiteModifyPending  = "MODIFY PENDING"
	kiteModifyValidate = "MODIFY VALIDATION PENDING"
	kiteCancelPending  = "CANCEL PENDING"
	kiteAMOReceived    = "AMO REQ RECEIVED"
	kiteModified       = "MODIFIED"
)

// MapStatus normalises a broker status string to an OMS status.
func MapStatus(status string, quantity, filled int) models.OrderStatus {
	switch strings.ToUpper(strings.TrimSpace(status)) {
	case kiteComplete:
		return models.OrderStatusFilled
	case kiteCancelled:
		return models.OrderStatusCancelled
	case kiteRejected:
		return models.OrderStatusRejected
	case kitePutReceived, kiteValidation, kiteOpenPending:
		return models.OrderStatusPendingBroker
	case kiteOpen, kiteTriggerPending, kiteModified, kiteModifyPending, kiteModifyValidate,
		kiteCancelPending, kiteAMOReceived:
		if filled > 0 && filled < quantity {
			return models.OrderStatusPartiallyFilled
		}
		return models.OrderStatusAcknowledged
	default:
		if filled > 0 && filled < quantity {
			return models.OrderStatusPartiallyFilled
		}
		return models.OrderStatusAcknowledged
	}
}
