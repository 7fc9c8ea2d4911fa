package engine

import (
	"context"
	"time"

	"intraday-trader/internal/bus"
	"intraday-trader/internal/feed"
	"intraday-trader/internal/metrics"
	"intraday-trader/internal/models"
	"intraday-trader/internal/notify"
	"intraday-trader/internal/ratelimit"
)

// Operator commands. Each one runs on the event loop, so they may be called
// from signal handlers or any other goroutine while Run is active.

// EngageKillSwitch latches the kill switch and flattens the book. It returns
// false if the switch was already engaged.
func (e *Engine) EngageKillSwitch(ctx context.Context, reason string) (bool, error) {
	var engaged bool
	err := e.do(ctx, "kill_switch", func(ctx context.Context) error {
		engaged = e.sentinel.EngageKillSwitch(ctx, reason)
		return nil
	})
	return engaged, err
}

// ClearKillSwitch releases the latch so that new entries are accepted again.
func (e *Engine) ClearKillSwitch(ctx context.Context) (bool, error) {
	var cleared bool
	err := e.do(ctx, "resume", func(context.Context) error {
		cleared = e.sentinel.ClearKillSwitch()
		if cleared {
			metrics.SetBool(e.metrics.KillSwitch, false)
			e.notifier.Notify(notify.KillSwitchEvent(false, ""))
		}
		return nil
	})
	return cleared, err
}

// Reconcile queries the broker for every open order and returns how many
// were checked.
func (e *Engine) Reconcile(ctx context.Context) (int, error) {
	var n int
	err := e.do(ctx, "reconcile", func(ctx context.Context) error {
		n = e.reconcileOpen(ctx, "operator")
		return nil
	})
	return n, err
}

// Status is a point-in-time view of the engine.
type Status struct {
	SessionDate   time.Time
	Mode          string
	Gateway       string
	Realized      float64
	Unrealized    float64
	Charges       float64
	NetPnL        float64
	Turnover      float64
	KillSwitch    bool
	KillReason    string
	OpenPositions []models.Position
	OpenOrders    []models.Order
	Feed          feed.State
	FeedStats     feed.Stats
	Bus           bus.Stats
	Candles       uint64
	// Broker call tokens granted per priority.
	RateGrants map[string]uint64
}

// SnapshotStatus collects a Status on the loop.
func (e *Engine) SnapshotStatus(ctx context.Context) (Status, error) {
	var st Status
	err := e.do(ctx, "status", func(context.Context) error {
		st = e.status()
		return nil
	})
	return st, err
}

func (e *Engine) status() Status {
	rs := e.sentinel.Snapshot()
	return Status{
		SessionDate:   rs.SessionDate,
		Mode:          e.cfg.Trading.Mode,
		Gateway:       e.gateway.Name(),
		Realized:      rs.DailyRealizedPnL,
		Unrealized:    rs.DailyUnrealizedPnL,
		Charges:       rs.EstimatedCharges,
		NetPnL:        rs.NetPnL(),
		Turnover:      rs.Turnover,
		KillSwitch:    rs.KillSwitchEngaged,
		KillReason:    rs.KillReason,
		OpenPositions: e.openPositions(),
		OpenOrders:    e.manager.OpenOrders(),
		Feed:          e.feed.State(),
		FeedStats:     e.feed.Stats(),
		Bus:           e.bus.Stats(),
		Candles:       e.aggregator.Emitted(),
		RateGrants: map[string]uint64{
			ratelimit.PriorityCancel.String(): e.limiter.Granted(ratelimit.PriorityCancel),
			ratelimit.PriorityNormal.String(): e.limiter.Granted(ratelimit.PriorityNormal),
		},
	}
}

func (e *Engine) openPositions() []models.Position {
	var open []models.Position
	for _, p := range e.manager.Positions() {
		if p.Quantity != 0 {
			open = append(open, p)
		}
	}
	return open
}

// FinalStatus reads the status directly. Only valid once Run has returned.
func (e *Engine) FinalStatus() Status { return e.status() }
