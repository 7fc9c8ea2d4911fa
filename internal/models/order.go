package models

import (
	"strings"
	"time"
)

// OrderStatus represents the lifecycle state of an order.
type OrderStatus string

const (
	OrderStatusCreated         OrderStatus = "CREATED"
	OrderStatusPendingBroker   OrderStatus = "PENDING_BROKER"
	OrderStatusAcknowledged    OrderStatus = "ACKNOWLEDGED"
	OrderStatusPartiallyFilled OrderStatus = "PARTIALLY_FILLED"
	OrderStatusFilled          OrderStatus = "FILLED"
	OrderStatusRejected        OrderStatus = "REJECTED"
	OrderStatusCancelled       OrderStatus = "CANCELLED"
)

// Rank orders statuses along the lifecycle. Terminal states share the top rank.
func (s OrderStatus) Rank() int {
	switch s {
	case OrderStatusCreated:
		return 0
	case OrderStatusPendingBroker:
		return 1
	case OrderStatusAcknowledged:
		return 2
	case OrderStatusPartiallyFilled:
		return 3
	case OrderStatusFilled, OrderStatusRejected, OrderStatusCancelled:
		return 4
	default:
		return -1
	}
}

// IsTerminal reports whether no further transitions are possible.
func (s OrderStatus) IsTerminal() bool {
	return s == OrderStatusFilled || s == OrderStatusRejected || s == OrderStatusCancelled
}

// OpenStatuses lists every non-terminal status.
var OpenStatuses = []OrderStatus{
	OrderStatusCreated,
	OrderStatusPendingBroker,
	OrderStatusAcknowledged,
	OrderStatusPartiallyFilled,
}

// TagLength is the maximum order tag length accepted by the broker.
const TagLength = 20

// Order represents a trading order tracked by the OMS.
type Order struct {
	InternalID    string
	ExchangeID    string
	ParentOrderID string
	InstrumentID  string
	Exchange      Exchange
	Product       ProductType
	Side          OrderSide
	Type          OrderType
	Quantity      int
	Price         float64
	TriggerPrice  float64
	Status        OrderStatus
	StrategyID    string

	FilledQuantity int
	AveragePrice   float64
	StatusMessage  string

	// Frozen orders ignore further updates until reviewed.
	Frozen bool
	// CancelRequested marks an order to be cancelled once it is acknowledged.
	CancelRequested bool
	// IsParent marks iceberg bookkeeping orders that are never sent to the broker.
	IsParent bool
	// Sequence is the 1-based position of an iceberg child within its parent.
	Sequence int

	CreatedAt   time.Time
	UpdatedAt   time.Time
	RawRequest  string
	RawResponse string
}

// Tag derives the broker tag used to find an order that has no exchange id.
func (o *Order) Tag() string {
	return TagFor(o.InternalID)
}

// TagFor derives the broker tag for an internal id.
func TagFor(internalID string) string {
	tag := strings.ReplaceAll(internalID, "-", "")
	if len(tag) > TagLength {
		tag = tag[:TagLength]
	}
	return tag
}

// RemainingQuantity returns the unfilled quantity.
func (o *Order) RemainingQuantity() int {
	return o.Quantity - o.FilledQuantity
}

// Clone returns a copy safe to hand to other goroutines.
func (o *Order) Clone() *Order {
	c := *o
	return &c
}

// OrderUpdate is a broker-side status report normalised to OMS statuses.
// FilledQuantity and AveragePrice are cumulative.
type OrderUpdate struct {
	ExchangeID     string
	Tag            string
	Status         OrderStatus
	FilledQuantity int
	AveragePrice   float64
	Message        string
	Raw            string
	Timestamp      time.Time
}

// Transition is one append-only entry of an order's status history.
type Transition struct {
	OrderID   string
	From      OrderStatus
	To        OrderStatus
	Reason    string
	Timestamp time.Time
}
