package strategy

import (
	"context"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"

	"intraday-trader/internal/bus"
	"intraday-trader/internal/logging"
	"intraday-trader/internal/models"
)

// SignalHandler receives the signals produced by strategies.
type SignalHandler interface {
	HandleSignal(ctx context.Context, sig models.Signal)
}

// SignalHandlerFunc adapts a function to SignalHandler.
type SignalHandlerFunc func(ctx context.Context, sig models.Signal)

func (f SignalHandlerFunc) HandleSignal(ctx context.Context, sig models.Signal) { f(ctx, sig) }

// RunnerStats counts what the runner filtered out.
type RunnerStats struct {
	StaleTicks      uint64
	RejectedEntries uint64
	Signals         uint64
}

// Runner fans market data out to strategies. Ticks reach a strategy in
// non-decreasing timestamp order per instrument; older ticks are dropped.
type Runner struct {
	strategies []Strategy
	byID       map[string]Strategy
	byInst     map[string][]Strategy
	handler    SignalHandler
	logger     zerolog.Logger

	lastTick map[string]time.Time

	staleTicks      atomic.Uint64
	rejectedEntries atomic.Uint64
	signals         atomic.Uint64
}

// NewRunner creates a runner for the given strategies.
func NewRunner(strategies []Strategy, handler SignalHandler, logger zerolog.Logger) *Runner {
	r := &Runner{
		strategies: strategies,
		byID:       make(map[string]Strategy, len(strategies)),
		byInst:     make(map[string][]Strategy),
		handler:    handler,
		logger:     logging.WithComponent(logger, "strategy_runner"),
		lastTick:   make(map[string]time.Time),
	}
	for _, s := range strategies {
		r.byID[s.ID()] = s
		for _, inst := range s.Instruments() {
			r.byInst[inst] = append(r.byInst[inst], s)
		}
	}
	return r
}

// Strategies returns the hosted strategies.
func (r *Runner) Strategies() []Strategy { return r.strategies }

// Instruments returns every instrument at least one strategy trades.
func (r *Runner) Instruments() []string {
	out := make([]string, 0, len(r.byInst))
	seen := make(map[string]bool)
	for _, s := range r.strategies {
		for _, inst := range s.Instruments() {
			if !seen[inst] {
				seen[inst] = true
				out = append(out, inst)
			}
		}
	}
	return out
}

// Intervals returns the distinct candle intervals the strategies consume.
func (r *Runner) Intervals() []time.Duration {
	var out []time.Duration
	seen := make(map[time.Duration]bool)
	for _, s := range r.strategies {
		if !seen[s.Interval()] {
			seen[s.Interval()] = true
			out = append(out, s.Interval())
		}
	}
	return out
}

// OnTick delivers a tick. Entry signals raised at tick time are refused.
func (r *Runner) OnTick(ctx context.Context, tick models.Tick) {
	subs := r.byInst[tick.InstrumentID]
	if len(subs) == 0 {
		return
	}
	if last, ok := r.lastTick[tick.InstrumentID]; ok && tick.Timestamp.Before(last) {
		r.staleTicks.Add(1)
		return
	}
	r.lastTick[tick.InstrumentID] = tick.Timestamp

	for _, s := range subs {
		sig := s.OnTick(ctx, tick)
		if sig == nil {
			continue
		}
		if !sig.Exit {
			r.rejectedEntries.Add(1)
			logging.LogRejection(r.logger, s.ID(), tick.InstrumentID, "entry signal raised on tick")
			continue
		}
		r.deliver(ctx, s, *sig)
	}
}

// OnCandle delivers a closed candle to strategies of the same interval.
func (r *Runner) OnCandle(ctx context.Context, c models.Candle) {
	for _, s := range r.byInst[c.InstrumentID] {
		if s.Interval() != c.Interval {
			continue
		}
		for _, sig := range s.OnCandle(ctx, c) {
			r.deliver(ctx, s, sig)
		}
	}
}

// OnOrderUpdate routes an order change to the strategy that owns it.
func (r *Runner) OnOrderUpdate(o models.Order) {
	if s, ok := r.byID[o.StrategyID]; ok {
		s.OnOrderUpdate(o)
	}
}

// Restore hands recovered positions to strategies that track them.
func (r *Runner) Restore(positions []models.Position) {
	for _, p := range positions {
		if s, ok := r.byID[p.StrategyID].(Restorer); ok {
			s.Restore(p)
		}
	}
}

func (r *Runner) deliver(ctx context.Context, s Strategy, sig models.Signal) {
	if sig.StrategyID == "" {
		sig.StrategyID = s.ID()
	}
	r.signals.Add(1)
	r.handler.HandleSignal(ctx, sig)
}

// Attach subscribes the runner to ticks and candles on b.
func (r *Runner) Attach(b *bus.Bus) {
	b.Subscribe(bus.KindTick, func(ctx context.Context, ev bus.Event) {
		r.OnTick(ctx, ev.(bus.TickEvent).Tick)
	})
	b.Subscribe(bus.KindCandle, func(ctx context.Context, ev bus.Event) {
		r.OnCandle(ctx, ev.(bus.CandleEvent).Candle)
	})
}

// Stats returns filter counters.
func (r *Runner) Stats() RunnerStats {
	return RunnerStats{
		StaleTicks:      r.staleTicks.Load(),
		RejectedEntries: r.rejectedEntries.Load(),
		Signals:         r.signals.Load(),
	}
}
