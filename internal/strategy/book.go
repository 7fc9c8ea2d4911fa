package strategy

import (
	"time"

	"intraday-trader/internal/models"
)

// positionBook follows the orders one strategy works in one instrument and
// the position they build. Stops and targets are fixed percentages of the
// entry price.
type positionBook struct {
	stopPct   float64
	targetPct float64

	position   int
	entryPrice float64
	stop       float64
	target     float64
	lastExit   time.Time
	exitSentAt time.Time

	filled  map[string]int
	working map[string]bool
}

func newPositionBook(stopPct, targetPct float64) positionBook {
	return positionBook{
		stopPct:   stopPct,
		targetPct: targetPct,
		filled:    make(map[string]int),
		working:   make(map[string]bool),
	}
}

// canEnter reports whether a new entry may be raised at the given time.
func (b *positionBook) canEnter(at time.Time, cooldown time.Duration) bool {
	if b.position != 0 || len(b.working) > 0 {
		return false
	}
	return b.lastExit.IsZero() || at.Sub(b.lastExit) >= cooldown
}

// entry builds an entry signal with the stop and target around price.
func (b *positionBook) entry(strategyID, instrumentID string, side models.OrderSide, qty int, price float64, at time.Time, reason string) models.Signal {
	stop, target := b.levels(price, side == models.OrderSideBuy)
	return models.Signal{
		StrategyID:        strategyID,
		InstrumentID:      instrumentID,
		Side:              side,
		RequestedQuantity: qty,
		ReferencePrice:    price,
		StopLoss:          stop,
		TakeProfit:        target,
		Timestamp:         at,
		Reason:            reason,
	}
}

// exit returns an exit signal once price crosses the stop or the target.
// A repeat is held back for resend after the last one.
func (b *positionBook) exit(strategyID, instrumentID string, price float64, at time.Time, resend time.Duration) *models.Signal {
	if b.position == 0 || price <= 0 || b.entryPrice <= 0 {
		return nil
	}
	if !b.exitSentAt.IsZero() && at.Sub(b.exitSentAt) < resend {
		return nil
	}

	var reason string
	long := b.position > 0
	switch {
	case long && price <= b.stop, !long && price >= b.stop:
		reason = "stop loss"
	case long && price >= b.target, !long && price <= b.target:
		reason = "take profit"
	default:
		return nil
	}

	b.exitSentAt = at
	side := models.OrderSideSell
	if !long {
		side = models.OrderSideBuy
	}
	return &models.Signal{
		StrategyID:        strategyID,
		InstrumentID:      instrumentID,
		Side:              side,
		RequestedQuantity: abs(b.position),
		ReferencePrice:    price,
		Timestamp:         at,
		Reason:            reason,
		Exit:              true,
	}
}

// onOrder tracks working orders and applies new fills.
func (b *positionBook) onOrder(o models.Order) {
	if o.Status.IsTerminal() {
		delete(b.working, o.InternalID)
	} else {
		b.working[o.InternalID] = true
	}

	delta := o.FilledQuantity - b.filled[o.InternalID]
	if delta > 0 {
		b.filled[o.InternalID] = o.FilledQuantity
		b.applyFill(o.Side.Sign()*delta, o.AveragePrice, o.UpdatedAt)
	}
	if o.Status.IsTerminal() {
		delete(b.filled, o.InternalID)
	}
}

func (b *positionBook) applyFill(signed int, price float64, at time.Time) {
	before := b.position
	b.position += signed
	switch {
	case b.position == 0:
		b.lastExit = at
		b.entryPrice, b.stop, b.target = 0, 0, 0
		b.exitSentAt = time.Time{}
	case before == 0 || (before > 0) != (b.position > 0):
		b.setEntry(price, b.position > 0)
	}
}

func (b *positionBook) setEntry(price float64, long bool) {
	b.entryPrice = price
	b.stop, b.target = b.levels(price, long)
}

func (b *positionBook) levels(price float64, long bool) (stop, target float64) {
	if long {
		return price * (1 - b.stopPct/100), price * (1 + b.targetPct/100)
	}
	return price * (1 + b.stopPct/100), price * (1 - b.targetPct/100)
}

// restore seeds a position recovered after a restart.
func (b *positionBook) restore(pos models.Position) {
	if pos.Quantity == 0 {
		return
	}
	b.position = pos.Quantity
	b.setEntry(pos.AveragePrice, pos.Quantity > 0)
}

func abs(v int) int {
	if v < 0 {
		return -v
	}
	return v
}
