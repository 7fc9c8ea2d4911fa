// Package engine wires the trading pipeline together: market data flows
// through the event loop into candles, strategies, risk and the order
// manager, and broker results come back through the same loop.
package engine

import (
	"context"
	stderrors "errors"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"
	"github.com/sourcegraph/conc/pool"
	"go.uber.org/multierr"

	"intraday-trader/internal/broker"
	"intraday-trader/internal/bus"
	"intraday-trader/internal/candle"
	"intraday-trader/internal/clock"
	"intraday-trader/internal/config"
	"intraday-trader/internal/errors"
	"intraday-trader/internal/execution"
	"intraday-trader/internal/feed"
	"intraday-trader/internal/logging"
	"intraday-trader/internal/metrics"
	"intraday-trader/internal/models"
	"intraday-trader/internal/notify"
	"intraday-trader/internal/ratelimit"
	"intraday-trader/internal/refdata"
	"intraday-trader/internal/risk"
	"intraday-trader/internal/store"
	"intraday-trader/internal/strategy"
)

// Options are the collaborators chosen at startup.
type Options struct {
	Config      *config.Config
	Store       store.OrderStore
	Gateway     broker.Gateway
	Source      feed.Source
	Instruments []models.Instrument
	Logger      zerolog.Logger

	// Clock drives market time. Defaults to the wall clock.
	Clock clock.Clock
	// Replay, when set, is advanced to each tick's timestamp so that a
	// recorded session runs in market time. It must be the same clock as
	// Clock.
	Replay clock.Fake

	Notifier *notify.Notifier
	Metrics  *metrics.Metrics

	// ReconcileOnly makes Run stop once the book is recovered.
	ReconcileOnly bool
}

// Engine is one trading process.
type Engine struct {
	cfg     *config.Config
	clock   clock.Clock
	wall    clock.Clock
	replay  clock.Fake
	loc     *time.Location
	session clock.Session
	logger  zerolog.Logger

	bus        *bus.Bus
	refs       *refdata.Cache
	limiter    *ratelimit.Limiter
	gateway    broker.Gateway
	dispatcher *broker.Dispatcher
	sentinel   *risk.Sentinel
	manager    *execution.Manager
	aggregator *candle.Aggregator
	runner     *strategy.Runner
	feed       *feed.Feed
	notifier   *notify.Notifier
	metrics    *metrics.Metrics
	metricsSrv *metrics.Server

	// Loop-owned.
	sessionDate    time.Time
	squaredOff     bool
	nextHousekeep  time.Time
	lastTick       time.Time
	maxInterval    time.Duration
	droppedTicks   uint64
	feedReconnects uint64
	lostUpdates    uint64
	grants         map[ratelimit.Priority]uint64
	feedLost       bool
	lastReconcile  time.Time

	// Set off the loop when a gateway update could not be queued.
	updateDropped atomic.Bool

	reconcileOnly bool
}

// New builds the pipeline. It fails on anything that must stop the process
// before trading: invalid strategies, unknown instruments or a missing store.
func New(opts Options) (*Engine, error) {
	cfg := opts.Config
	if cfg == nil {
		return nil, fmt.Errorf("config is required")
	}
	if opts.Store == nil {
		return nil, fmt.Errorf("order store is required")
	}
	if opts.Gateway == nil || opts.Source == nil {
		return nil, fmt.Errorf("gateway and market data source are required")
	}
	loc, err := cfg.Location()
	if err != nil {
		return nil, fmt.Errorf("invalid timezone: %w", err)
	}

	clk := opts.Clock
	if clk == nil {
		clk = clock.New()
	}
	if opts.Replay != nil {
		clk = opts.Replay
	}
	logger := logging.WithComponent(opts.Logger, "engine")
	session := clock.NSESession()
	session.Location = loc

	refs := refdata.NewCache(cfg.Risk.DefaultFreezeQty)
	refs.Replace(opts.Instruments)

	strategies, err := strategy.BuildAll(cfg.Strategies, session, opts.Logger)
	if err != nil {
		return nil, err
	}
	for _, s := range strategies {
		for _, sym := range s.Instruments() {
			if _, ok := refs.Lookup(sym); !ok {
				return nil, errors.Wrapf(errors.ErrInstrumentNotFound, "strategy %s trades %s", s.ID(), sym)
			}
		}
	}

	e := &Engine{
		cfg:      cfg,
		clock:    clk,
		wall:     clk,
		replay:   opts.Replay,
		loc:      loc,
		session:  session,
		logger:   logger,
		refs:     refs,
		gateway:  opts.Gateway,
		notifier: opts.Notifier,
		metrics:  opts.Metrics,
		grants:   make(map[ratelimit.Priority]uint64),

		reconcileOnly: opts.ReconcileOnly,
	}
	if e.replay != nil {
		// Rate limiting and watchdogs run in real time even when market
		// time is replayed.
		e.wall = clock.New()
	}
	if e.notifier == nil {
		e.notifier = notify.New(config.NotificationConfig{}, clk, opts.Logger)
	}
	if e.metrics == nil {
		e.metrics = metrics.New()
	}

	e.bus = bus.New(bus.DefaultConfig(), opts.Logger)
	e.limiter = ratelimit.New(cfg.Broker.RateLimit, cfg.Broker.Burst, e.wall)
	e.dispatcher = broker.NewDispatcher(opts.Gateway, e.limiter, e.bus, broker.DispatcherConfig{
		Workers:     cfg.Broker.Workers,
		CallTimeout: cfg.Broker.CallTimeout,
		Observe: func(op broker.Op, latency time.Duration, err error) {
			e.metrics.ObserveBrokerCall(op.String(), latency, err)
		},
	}, e.wall, opts.Logger)

	costs := risk.NewCostEstimator(cfg.Risk.CostModel, cfg.Risk.FlatCostRate)
	e.sentinel = risk.NewSentinel(risk.ConfigFrom(cfg, loc), refs, nil, costs, clk, opts.Logger)
	e.manager = execution.NewManager(execution.Config{
		Exchange:       models.Exchange(cfg.Trading.Exchange),
		Product:        models.ProductType(cfg.Trading.Product),
		ReconcileDelay: cfg.Broker.ReconcileDelay,
		LookupAttempts: cfg.Broker.LookupAttempts,
		Location:       loc,
	}, opts.Store, e.dispatcher, loopScheduler{bus: e.bus, clock: clk}, refs, e.sentinel, clk, opts.Logger)
	e.sentinel.SetExposure(e.manager)
	e.sentinel.SetLiquidator(e.manager)

	e.runner = strategy.NewRunner(strategies, strategy.SignalHandlerFunc(e.handleSignal), opts.Logger)
	intervals := e.runner.Intervals()
	if paper, ok := opts.Gateway.(*broker.PaperBroker); ok {
		intervals = append(intervals, paper.FillInterval())
	}
	for _, iv := range intervals {
		e.maxInterval = max(e.maxInterval, iv)
	}
	e.aggregator = candle.NewAggregator(intervals, loc)

	e.feed = feed.New(feed.Config{
		Staleness:     cfg.Feed.Staleness,
		BackoffBase:   cfg.Feed.BackoffBase,
		BackoffMax:    cfg.Feed.BackoffMax,
		ConfirmWindow: cfg.Feed.ConfirmWindow,
		Backpressure:  e.replay != nil,
	}, opts.Source, e.runner.Instruments(), e.bus, e.wall, opts.Logger)

	e.sessionDate = clock.SessionDate(clk.Now(), loc)
	e.wire()
	return e, nil
}

// Run recovers the book and trades until ctx is done or, in a replay, until
// the recording is exhausted. With ReconcileOnly it returns once recovery
// has settled, without connecting market data.
func (e *Engine) Run(ctx context.Context) error {
	if addr := e.cfg.Metrics.Listen; addr != "" && !e.reconcileOnly {
		srv, err := e.metrics.Serve(addr)
		if err != nil {
			return fmt.Errorf("metrics listener: %w", err)
		}
		e.metricsSrv = srv
		e.logger.Info().Str("addr", srv.Addr()).Msg("Serving metrics")
	}

	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	p := pool.New().WithErrors().WithContext(runCtx)
	p.Go(func(ctx context.Context) error { return quiet(e.bus.Run(ctx)) })
	p.Go(func(ctx context.Context) error {
		e.limiter.Run(ctx)
		return nil
	})
	p.Go(e.notifier.Run)
	p.Go(func(ctx context.Context) error {
		// Recovery runs on the loop before any market data arrives.
		if err := e.do(ctx, "recover", e.recover); err != nil {
			cancel()
			return quiet(err)
		}
		if e.reconcileOnly {
			e.settle(ctx)
			cancel()
			return nil
		}

		e.logger.Info().
			Str("mode", e.cfg.Trading.Mode).
			Str("gateway", e.gateway.Name()).
			Int("instruments", len(e.runner.Instruments())).
			Msg("Engine started")

		if e.replay == nil {
			p.Go(e.housekeeping)
		}
		err := e.feed.Run(ctx)
		if e.replay != nil && ctx.Err() == nil {
			e.finishReplay(ctx)
			cancel()
		}
		return err
	})

	err := p.Wait()
	return multierr.Append(err, e.shutdown())
}

// recover rebuilds positions from today's fills and reconciles open orders
// with the broker. Orders the broker could not be asked about are retried
// later and do not stop the start.
func (e *Engine) recover(ctx context.Context) error {
	fills, err := e.manager.Recover(ctx)
	if err != nil && !errors.IsTransient(err) {
		return fmt.Errorf("recovering order book: %w", err)
	}
	if err != nil {
		e.logger.Warn().Err(err).Msg("Some orders could not be reconciled; retrying in the background")
	}
	e.sentinel.Restore(fills)
	e.runner.Restore(e.manager.Positions())
	e.lastReconcile = e.clock.Now()
	e.logger.Info().
		Int("fills", len(fills)).
		Int("open_orders", len(e.manager.OpenOrders())).
		Msg("Session state recovered")
	return nil
}

func (e *Engine) shutdown() error {
	e.dispatcher.Close()
	// Broker answers queued before the loop stopped still count.
	if n := e.bus.Drain(context.Background(), bus.KindBrokerResult, bus.KindOrderUpdate); n > 0 {
		e.logger.Debug().Int("events", n).Msg("Applied order events queued at shutdown")
	}
	e.notifier.Close()
	var err error
	if e.metricsSrv != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		err = e.metricsSrv.Shutdown(ctx)
	}
	if e.sentinel.KillSwitchEngaged() {
		e.logger.Warn().Msg("Shutting down with kill switch engaged")
	}
	if open := e.manager.OpenOrders(); len(open) > 0 {
		e.logger.Warn().Int("open_orders", len(open)).Msg("Shutting down with open orders; they will be reconciled on restart")
	}
	e.logger.Info().Msg("Engine stopped")
	return err
}

// housekeeping drives the periodic loss check, candle flushes and the
// square-off clock in live trading.
func (e *Engine) housekeeping(ctx context.Context) error {
	interval := min(e.cfg.Risk.EvaluateInterval, e.cfg.Feed.FlushInterval)
	ticker := e.clock.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.Chan():
			e.bus.TryPublish(bus.CallEvent{Name: "housekeeping", Fn: e.housekeep})
		}
	}
}

// housekeep runs on the loop.
func (e *Engine) housekeep(ctx context.Context) {
	now := e.clock.Now()
	if date := clock.SessionDate(now, e.loc); date.After(e.sessionDate) {
		e.sessionDate = date
		e.squaredOff = false
		e.sentinel.ResetSession(date, e.cfg.Trading.Capital)
		e.logger.Info().Time("session", date).Msg("New trading session")
	}

	e.aggregator.FlushInto(e.bus, now)
	e.sentinel.CheckLoss(ctx)
	e.metrics.NetPnL.Set(e.sentinel.Snapshot().NetPnL())
	e.metrics.QueueDepth.Set(float64(e.bus.Pending()))

	stats := e.feed.Stats()
	e.metrics.DroppedTicks.Add(float64(stats.Dropped - e.droppedTicks))
	e.metrics.FeedReconnects.Add(float64(stats.Reconnects - e.feedReconnects))
	e.droppedTicks, e.feedReconnects = stats.Dropped, stats.Reconnects
	for _, p := range []ratelimit.Priority{ratelimit.PriorityCancel, ratelimit.PriorityNormal} {
		g := e.limiter.Granted(p)
		e.metrics.RateGrants.WithLabelValues(p.String()).Add(float64(g - e.grants[p]))
		e.grants[p] = g
	}

	lost := stats.LostUpdates > e.lostUpdates
	e.lostUpdates = stats.LostUpdates
	switch {
	case e.updateDropped.Swap(false):
		e.reconcileOpen(ctx, "dropped_update")
	case lost:
		e.reconcileOpen(ctx, "lost_update")
	case e.cfg.Broker.ReconcileInterval > 0 && now.Sub(e.lastReconcile) >= e.cfg.Broker.ReconcileInterval:
		e.reconcileOpen(ctx, "periodic")
	}

	if e.cfg.Trading.SquareOff && !e.squaredOff && e.session.PastSquareOff(now) {
		e.squareOff(ctx)
	}
}

// reconcileOpen asks the broker about every open order. Runs on the loop.
func (e *Engine) reconcileOpen(ctx context.Context, trigger string) int {
	e.lastReconcile = e.clock.Now()
	n := e.manager.Reconcile(ctx)
	if n > 0 {
		e.metrics.Reconciles.WithLabelValues(trigger).Inc()
		e.logger.Info().Str("trigger", trigger).Int("orders", n).Msg("Reconciling open orders")
	}
	return n
}

func (e *Engine) squareOff(ctx context.Context) {
	e.squaredOff = true
	cancelled := e.manager.CancelAll(ctx, "intraday square-off")
	closing := e.manager.LiquidateAll(ctx, "intraday square-off")
	st := e.sentinel.Snapshot()
	e.logger.Warn().
		Int("cancelled", cancelled).
		Int("closing_orders", closing).
		Float64("net_pnl", st.NetPnL()).
		Msg("Intraday square-off")
	e.notifier.Notify(notify.SummaryEvent(e.sessionDate.Format("2006-01-02"),
		st.DailyRealizedPnL, st.EstimatedCharges, len(e.openPositions())))
}

// finishReplay waits for in-flight orders to reach the simulator, closes
// the last candles so they can fill, and settles the book once more.
func (e *Engine) finishReplay(ctx context.Context) {
	e.settle(ctx)
	e.barrier(ctx, func(context.Context) {
		if !e.lastTick.IsZero() {
			e.aggregator.FlushInto(e.bus, e.lastTick.Add(e.maxInterval))
		}
	})
	e.settle(ctx)
	e.barrier(ctx, e.housekeep)
	e.logger.Info().
		Uint64("ticks", e.feed.Stats().Ticks).
		Int("open_orders", len(e.manager.OpenOrders())).
		Msg("Replay finished")
}

// settle returns once no broker call is in flight and the queue is empty.
func (e *Engine) settle(ctx context.Context) {
	for i := 0; i < 1000 && ctx.Err() == nil; i++ {
		e.barrier(ctx, func(context.Context) {})
		if e.dispatcher.Active() == 0 && e.bus.Pending() == 0 {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
}

// barrier runs fn on the loop after everything queued before it.
func (e *Engine) barrier(ctx context.Context, fn func(ctx context.Context)) {
	_ = e.do(ctx, "barrier", func(ctx context.Context) error {
		fn(ctx)
		return nil
	})
}

// do runs fn on the loop and waits for it.
func (e *Engine) do(ctx context.Context, name string, fn func(ctx context.Context) error) error {
	done := make(chan error, 1)
	err := e.bus.Publish(ctx, bus.CallEvent{Name: name, Fn: func(ctx context.Context) {
		done <- fn(ctx)
	}})
	if err != nil {
		return err
	}
	select {
	case err := <-done:
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}

// loopScheduler runs delayed work on the event loop.
type loopScheduler struct {
	bus   *bus.Bus
	clock clock.Clock
}

func (s loopScheduler) AfterFunc(d time.Duration, fn func(ctx context.Context)) {
	s.clock.AfterFunc(d, func() {
		_ = s.bus.Publish(context.Background(), bus.CallEvent{Name: "scheduled", Fn: fn})
	})
}

func quiet(err error) error {
	if stderrors.Is(err, context.Canceled) {
		return nil
	}
	return err
}

// Manager exposes the order manager for read-only inspection.
func (e *Engine) Manager() *execution.Manager { return e.manager }

// Sentinel exposes the risk sentinel for read-only inspection.
func (e *Engine) Sentinel() *risk.Sentinel { return e.sentinel }
