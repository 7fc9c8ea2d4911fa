package models

import (
	"sort"
	"time"
)

// Charges holds the statutory costs attributed to a fill.
type Charges struct {
	Brokerage float64
	STT       float64
	Exchange  float64
	SEBI      float64
	Stamp     float64
	GST       float64
	Total     float64
}

// Fill is an append-only execution record.
type Fill struct {
	FillID       string
	OrderID      string
	InstrumentID string
	StrategyID   string
	Side         OrderSide
	Price        float64
	Quantity     int
	Timestamp    time.Time
	Charges      Charges
	// RealizedPnL is nil unless the fill reduced an existing position.
	RealizedPnL *float64
}

// Value returns price times quantity.
func (f Fill) Value() float64 {
	return f.Price * float64(f.Quantity)
}

// PositionKey identifies a position.
type PositionKey struct {
	StrategyID   string
	InstrumentID string
}

// Position is the fold of all fills for one strategy and instrument.
// Quantity is signed: positive long, negative short.
type Position struct {
	StrategyID   string
	InstrumentID string
	Quantity     int
	AveragePrice float64
	RealizedPnL  float64
	Turnover     float64
	LastPrice    float64
}

// Key returns the position's key.
func (p *Position) Key() PositionKey {
	return PositionKey{StrategyID: p.StrategyID, InstrumentID: p.InstrumentID}
}

// Apply folds a fill into the position and returns the PnL it realized.
// The boolean is false when the fill did not reduce the position.
func (p *Position) Apply(f Fill) (float64, bool) {
	p.Turnover += f.Value()
	p.LastPrice = f.Price

	signed := f.Quantity * f.Side.Sign()
	if p.Quantity == 0 || sameSign(p.Quantity, signed) {
		total := abs(p.Quantity) + f.Quantity
		p.AveragePrice = (p.AveragePrice*float64(abs(p.Quantity)) + f.Value()) / float64(total)
		p.Quantity += signed
		return 0, false
	}

	closing := min(abs(p.Quantity), f.Quantity)
	direction := 1.0
	if p.Quantity < 0 {
		direction = -1.0
	}
	realized := float64(closing) * (f.Price - p.AveragePrice) * direction
	p.RealizedPnL += realized
	p.Quantity += signed

	switch {
	case p.Quantity == 0:
		p.AveragePrice = 0
	case !sameSign(p.Quantity, -signed):
		// Flipped through zero; the remainder opens at the fill price.
		p.AveragePrice = f.Price
	}
	return realized, true
}

// UnrealizedPnL marks the open quantity at the given price.
func (p *Position) UnrealizedPnL(mark float64) float64 {
	if p.Quantity == 0 || mark <= 0 {
		return 0
	}
	return float64(p.Quantity) * (mark - p.AveragePrice)
}

// FoldPositions rebuilds positions from a fill log. Fills are ordered by
// timestamp, ties broken by fill id, so the result does not depend on input order.
func FoldPositions(fills []Fill) map[PositionKey]*Position {
	ordered := make([]Fill, len(fills))
	copy(ordered, fills)
	sort.SliceStable(ordered, func(i, j int) bool {
		if !ordered[i].Timestamp.Equal(ordered[j].Timestamp) {
			return ordered[i].Timestamp.Before(ordered[j].Timestamp)
		}
		return ordered[i].FillID < ordered[j].FillID
	})

	positions := make(map[PositionKey]*Position)
	for _, f := range ordered {
		key := PositionKey{StrategyID: f.StrategyID, InstrumentID: f.InstrumentID}
		pos, ok := positions[key]
		if !ok {
			pos = &Position{StrategyID: f.StrategyID, InstrumentID: f.InstrumentID}
			positions[key] = pos
		}
		pos.Apply(f)
	}
	return positions
}

// RiskState is the sentinel's session accounting.
type RiskState struct {
	SessionDate        time.Time
	AllocatedCapital   float64
	DailyRealizedPnL   float64
	DailyUnrealizedPnL float64
	Turnover           float64
	EstimatedCharges   float64
	KillSwitchEngaged  bool
	KillReason         string
}

// GrossPnL returns realized plus unrealized PnL.
func (r RiskState) GrossPnL() float64 {
	return r.DailyRealizedPnL + r.DailyUnrealizedPnL
}

// NetPnL returns gross PnL less estimated charges.
func (r RiskState) NetPnL() float64 {
	return r.GrossPnL() - r.EstimatedCharges
}

func sameSign(a, b int) bool {
	return (a > 0 && b > 0) || (a < 0 && b < 0)
}

func abs(v int) int {
	if v < 0 {
		return -v
	}
	return v
}
