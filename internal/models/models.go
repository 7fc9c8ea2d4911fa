// Package models provides domain models for the trading engine.
package models

import (
	"time"
)

// Exchange represents a stock exchange.
type Exchange string

const (
	NSE Exchange = "NSE"
	BSE Exchange = "BSE"
)

// OrderSide represents the side of an order or signal.
type OrderSide string

const (
	OrderSideBuy  OrderSide = "BUY"
	OrderSideSell OrderSide = "SELL"
)

// Sign returns +1 for BUY and -1 for SELL.
func (s OrderSide) Sign() int {
	if s == OrderSideSell {
		return -1
	}
	return 1
}

// OrderType represents the type of an order.
type OrderType string

const (
	OrderTypeMarket    OrderType = "MARKET"
	OrderTypeLimit     OrderType = "LIMIT"
	OrderTypeStopLoss  OrderType = "SL"
	OrderTypeStopLossM OrderType = "SL-M"
)

// ProductType represents the product type of an order.
type ProductType string

const (
	ProductMIS ProductType = "MIS" // Intraday
	ProductCNC ProductType = "CNC" // Delivery
)

// Tick is a single market-data update for one instrument.
// Volume is the quantity traded since the previous tick for the instrument.
type Tick struct {
	InstrumentID string
	Timestamp    time.Time
	LastPrice    float64
	Volume       int64
	Bid          float64
	Ask          float64
	OpenInterest int64
}

// Candle represents OHLCV data for one aggregation bucket.
type Candle struct {
	InstrumentID string
	Interval     time.Duration
	OpenTime     time.Time
	Open         float64
	High         float64
	Low          float64
	Close        float64
	Volume       int64
}

// CloseTime returns the exclusive end of the bucket.
func (c Candle) CloseTime() time.Time {
	return c.OpenTime.Add(c.Interval)
}

// Instrument holds the reference data needed to trade a symbol.
// Circuit limits are zero when unknown.
type Instrument struct {
	InstrumentID string
	Token        uint32
	Exchange     Exchange
	LotSize      int
	TickSize     float64
	FreezeQty    int
	UpperCircuit float64
	LowerCircuit float64
}

// HasCircuitLimits reports whether both circuit bands are known.
func (i Instrument) HasCircuitLimits() bool {
	return i.UpperCircuit > 0 && i.LowerCircuit > 0
}

// Signal is an immutable trade intent produced by a strategy.
type Signal struct {
	StrategyID        string
	InstrumentID      string
	Side              OrderSide
	RequestedQuantity int
	ReferencePrice    float64
	StopLoss          float64
	TakeProfit        float64
	Timestamp         time.Time
	Reason            string
	// Exit marks a signal that only reduces an existing position.
	Exit bool
}
