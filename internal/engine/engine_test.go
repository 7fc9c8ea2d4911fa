package engine

import (
	"context"
	"sync/atomic"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"intraday-trader/internal/broker"
	"intraday-trader/internal/bus"
	"intraday-trader/internal/clock"
	"intraday-trader/internal/config"
	"intraday-trader/internal/errors"
	"intraday-trader/internal/feed"
	"intraday-trader/internal/models"
	"intraday-trader/internal/store"
)

var open = time.Date(2024, 3, 4, 9, 15, 0, 0, clock.IST)

func testConfig() *config.Config {
	return &config.Config{
		Trading: config.TradingConfig{
			Mode: "paper", Capital: 100000, Timezone: "Asia/Kolkata",
			Exchange: "NSE", Product: "MIS", SquareOff: true,
		},
		Risk: config.RiskConfig{
			RiskPerTrade: 0.01, MaxExposureFraction: 0.2, MaxDailyLoss: 2000,
			MaxConcurrentTrades: 3, CircuitBufferPct: 2, FatFingerPct: 5,
			VWAPWindow: 5 * time.Minute, CostModel: "flat", FlatCostRate: 0.00035,
			EvaluateInterval: 5 * time.Second, DefaultFreezeQty: 1800,
		},
		Feed: config.FeedConfig{
			Source: "replay", Staleness: 10 * time.Second, BackoffBase: time.Second,
			BackoffMax: 30 * time.Second, FlushInterval: time.Second,
		},
		Broker: config.BrokerConfig{
			RateLimit: 10, Burst: 10, Workers: 2,
			CallTimeout: 5 * time.Second, ReconcileDelay: 3 * time.Second,
		},
		Strategies: []config.StrategyConfig{{
			ID: "orb-infy", Kind: "orb", Instruments: []string{"INFY"},
			Interval: time.Minute, Params: map[string]float64{"quantity": 10},
		}},
	}
}

// sessionTicks builds an opening range between 100.0 and 100.2 followed by a
// breakout to 101 from 09:30 until last.
func sessionTicks(last time.Time) []models.Tick {
	var ticks []models.Tick
	for ts := open; !ts.After(last); ts = ts.Add(20 * time.Second) {
		price := 101.0
		if ts.Before(open.Add(15 * time.Minute)) {
			price = 100.0
			if ts.Minute()%2 == 0 {
				price = 100.2
			}
		}
		ticks = append(ticks, models.Tick{InstrumentID: "INFY", Timestamp: ts, LastPrice: price, Volume: 100})
	}
	return ticks
}

type harness struct {
	engine *Engine
	store  *store.MemoryStore
	clock  clock.Fake
	paper  *broker.PaperBroker
}

func newHarness(t *testing.T, source feed.Source) *harness {
	return newHarnessWith(t, testConfig(), source, nil)
}

// newHarnessWith builds a replay engine over a paper broker. wrap, if set,
// replaces the gateway the engine sees.
func newHarnessWith(t *testing.T, cfg *config.Config, source feed.Source, wrap func(*broker.PaperBroker) broker.Gateway) *harness {
	t.Helper()
	clk := clock.NewFake(open)
	gw, err := NewGateway(cfg, clk, zerolog.Nop())
	require.NoError(t, err)
	paper := gw.(*broker.PaperBroker)
	if wrap != nil {
		gw = wrap(paper)
	}
	instruments, err := LoadReferenceData(context.Background(), cfg, gw)
	require.NoError(t, err)

	st := store.NewMemoryStore()
	e, err := New(Options{
		Config:      cfg,
		Store:       st,
		Gateway:     gw,
		Source:      source,
		Instruments: instruments,
		Replay:      clk,
		Logger:      zerolog.Nop(),
	})
	require.NoError(t, err)
	return &harness{engine: e, store: st, clock: clk, paper: paper}
}

// start runs the engine until the test ends.
func (h *harness) start(t *testing.T) context.Context {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- h.engine.Run(ctx) }()
	t.Cleanup(func() {
		cancel()
		<-done
	})
	return ctx
}

func TestEngine_ReplayBreakoutFillsPosition(t *testing.T) {
	last := open.Add(25*time.Minute + 40*time.Second)
	src := feed.NewReplaySourceFromTicks(sessionTicks(last), 0, clock.New(), zerolog.Nop())
	h := newHarness(t, src)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	require.NoError(t, h.engine.Run(ctx))
	require.NoError(t, ctx.Err(), "replay should finish on its own")

	positions := h.engine.openPositions()
	require.Len(t, positions, 1)
	assert.Equal(t, "orb-infy", positions[0].StrategyID)
	assert.Equal(t, 10, positions[0].Quantity)
	assert.InDelta(t, 101.0, positions[0].AveragePrice, 1e-9)

	orders, err := h.store.ListOrders(context.Background(), store.OrderFilter{})
	require.NoError(t, err)
	require.Len(t, orders, 1)
	assert.Equal(t, models.OrderStatusFilled, orders[0].Status)
	assert.Equal(t, models.OrderSideBuy, orders[0].Side)
	assert.Equal(t, last, h.clock.Now(), "market time follows the recording")

	st := h.engine.status()
	assert.InDelta(t, 101*10*0.00035, st.Charges, 1e-9)
	assert.False(t, st.KillSwitch)
}

// chanSource is a market data source fed by the test.
type chanSource struct {
	msgs chan feed.Message
	lost atomic.Uint64
}

func (s *chanSource) LostUpdates() uint64 { return s.lost.Load() }

func newChanSource() *chanSource { return &chanSource{msgs: make(chan feed.Message, 256)} }

func (s *chanSource) Name() string { return "test" }

func (s *chanSource) Connect(context.Context, []string) (feed.Session, error) { return s, nil }

func (s *chanSource) Messages() <-chan feed.Message { return s.msgs }
func (s *chanSource) Err() error                    { return nil }
func (s *chanSource) Close() error                  { return nil }

func (s *chanSource) push(ticks ...models.Tick) {
	for i := range ticks {
		s.msgs <- feed.Message{Tick: &ticks[i]}
	}
}

func at(minute int, price float64) models.Tick {
	return models.Tick{InstrumentID: "INFY", Timestamp: open.Add(time.Duration(minute) * time.Minute), LastPrice: price, Volume: 100}
}

func TestEngine_KillSwitchFlattensAndBlocksEntries(t *testing.T) {
	src := newChanSource()
	h := newHarness(t, src)
	ctx := h.start(t)

	src.push(sessionTicks(open.Add(16 * time.Minute))...)
	require.Eventually(t, func() bool {
		orders := h.engine.Manager().OpenOrders()
		return len(orders) == 1 && orders[0].Status == models.OrderStatusAcknowledged
	}, 5*time.Second, 10*time.Millisecond, "breakout entry should be acknowledged")

	src.push(at(17, 101), at(18, 101))
	require.Eventually(t, func() bool {
		st, err := h.engine.SnapshotStatus(ctx)
		return err == nil && len(st.OpenPositions) == 1 && st.OpenPositions[0].Quantity == 10
	}, 5*time.Second, 10*time.Millisecond)

	engaged, err := h.engine.EngageKillSwitch(ctx, "operator")
	require.NoError(t, err)
	assert.True(t, engaged)
	again, err := h.engine.EngageKillSwitch(ctx, "operator")
	require.NoError(t, err)
	assert.False(t, again, "engaging twice is a no-op")

	require.Eventually(t, func() bool {
		orders := h.engine.Manager().OpenOrders()
		return len(orders) == 1 && orders[0].Side == models.OrderSideSell && orders[0].Status == models.OrderStatusAcknowledged
	}, 5*time.Second, 10*time.Millisecond, "liquidation order should be acknowledged")

	src.push(at(19, 101), at(20, 101))
	require.Eventually(t, func() bool {
		st, err := h.engine.SnapshotStatus(ctx)
		return err == nil && len(st.OpenPositions) == 0 && len(st.OpenOrders) == 0
	}, 5*time.Second, 10*time.Millisecond, "book should be flat")

	st, err := h.engine.SnapshotStatus(ctx)
	require.NoError(t, err)
	assert.True(t, st.KillSwitch)
	assert.Equal(t, "operator", st.KillReason)
	assert.Equal(t, "paper", st.Gateway)

	d := h.engine.Sentinel().Evaluate(models.Signal{
		StrategyID: "orb-infy", InstrumentID: "INFY", Side: models.OrderSideBuy,
		ReferencePrice: 101, StopLoss: 100, Timestamp: at(21, 101).Timestamp,
	})
	assert.False(t, d.Approved, "entries are blocked while the switch is engaged")

	cleared, err := h.engine.ClearKillSwitch(ctx)
	require.NoError(t, err)
	assert.True(t, cleared)
	st, err = h.engine.SnapshotStatus(ctx)
	require.NoError(t, err)
	assert.False(t, st.KillSwitch)
}

func TestNew_RejectsUnknownStrategyInstrument(t *testing.T) {
	cfg := testConfig()
	_, err := New(Options{
		Config:  cfg,
		Store:   store.NewMemoryStore(),
		Gateway: broker.NewPaperBroker(broker.PaperBrokerConfig{}, clock.NewFake(open), zerolog.Nop()),
		Source:  newChanSource(),
		Logger:  zerolog.Nop(),
	})
	require.Error(t, err)
	assert.True(t, errors.Is(err, errors.ErrInstrumentNotFound))
	assert.Contains(t, err.Error(), "INFY")
}

func TestNewGateway_PaperFillsOnFinestInterval(t *testing.T) {
	cfg := testConfig()
	cfg.Strategies = append(cfg.Strategies, config.StrategyConfig{
		ID: "orb-5m", Kind: "orb", Instruments: []string{"SBIN"}, Interval: 5 * time.Minute,
	})
	gw, err := NewGateway(cfg, clock.NewFake(open), zerolog.Nop())
	require.NoError(t, err)
	paper, ok := gw.(*broker.PaperBroker)
	require.True(t, ok)
	assert.Equal(t, time.Minute, paper.FillInterval())
}

func TestLoadReferenceData_OverlaysConfiguredInstruments(t *testing.T) {
	cfg := testConfig()
	cfg.Instruments = []config.InstrumentConfig{{Symbol: "INFY", LotSize: 1, FreezeQty: 500, UpperCircuit: 1800, LowerCircuit: 1400}}
	gw, err := NewGateway(cfg, clock.NewFake(open), zerolog.Nop())
	require.NoError(t, err)

	instruments, err := LoadReferenceData(context.Background(), cfg, gw)
	require.NoError(t, err)
	require.Len(t, instruments, 1)
	assert.Equal(t, models.Instrument{
		InstrumentID: "INFY", Exchange: models.NSE, LotSize: 1, TickSize: 0.05,
		FreezeQty: 500, UpperCircuit: 1800, LowerCircuit: 1400,
	}, instruments[0])
}

func TestNewSource_ReplayRequiresFile(t *testing.T) {
	_, err := NewSource(testConfig(), nil, 0, zerolog.Nop())
	assert.ErrorContains(t, err, "replay_file")
}

// mutedGateway loses every asynchronous update the broker sends.
type mutedGateway struct {
	*broker.PaperBroker
}

func (mutedGateway) OnUpdate(func(models.OrderUpdate)) {}

func newMutedHarness(t *testing.T, src feed.Source) *harness {
	h := newHarnessWith(t, testConfig(), src, func(p *broker.PaperBroker) broker.Gateway { return mutedGateway{p} })
	h.engine.bus.Subscribe(bus.KindCandle, func(_ context.Context, ev bus.Event) {
		h.paper.OnCandle(ev.(bus.CandleEvent).Candle)
	})
	return h
}

// enterAndLoseFill runs the breakout entry and returns once the broker has
// filled it without the engine hearing about it.
func (h *harness) enterAndLoseFill(t *testing.T, ctx context.Context, src *chanSource) models.Order {
	t.Helper()
	src.push(sessionTicks(open.Add(16 * time.Minute))...)
	var entry models.Order
	require.Eventually(t, func() bool {
		orders := h.engine.Manager().OpenOrders()
		if len(orders) != 1 || orders[0].Status != models.OrderStatusAcknowledged {
			return false
		}
		entry = orders[0]
		return true
	}, 5*time.Second, 10*time.Millisecond, "breakout entry should be acknowledged")

	src.push(at(17, 101))
	require.Eventually(t, func() bool {
		u, err := h.paper.QueryStatus(ctx, entry.ExchangeID)
		return err == nil && u.Status == models.OrderStatusFilled
	}, 5*time.Second, 10*time.Millisecond)

	_, err := h.engine.SnapshotStatus(ctx)
	require.NoError(t, err)
	got, _ := h.engine.Manager().Order(entry.InternalID)
	require.Equal(t, models.OrderStatusAcknowledged, got.Status, "the fill update was lost")
	return entry
}

func (h *harness) requireFilled(t *testing.T, ctx context.Context, id string) {
	t.Helper()
	require.Eventually(t, func() bool {
		st, err := h.engine.SnapshotStatus(ctx)
		return err == nil && len(st.OpenOrders) == 0 && len(st.OpenPositions) == 1 && st.OpenPositions[0].Quantity == 10
	}, 5*time.Second, 10*time.Millisecond, "reconciliation should record the fill")
	got, _ := h.engine.Manager().Order(id)
	assert.Equal(t, models.OrderStatusFilled, got.Status)
	assert.False(t, got.Frozen)
}

func TestEngine_FeedReconnectReconcilesLostFill(t *testing.T) {
	src := newChanSource()
	h := newMutedHarness(t, src)
	ctx := h.start(t)
	entry := h.enterAndLoseFill(t, ctx, src)

	require.NoError(t, h.engine.bus.Publish(ctx, bus.FeedStateEvent{State: string(feed.StateConnected)}))
	_, err := h.engine.SnapshotStatus(ctx)
	require.NoError(t, err)
	got, _ := h.engine.Manager().Order(entry.InternalID)
	assert.Equal(t, models.OrderStatusAcknowledged, got.Status, "no reconcile without an outage")

	require.NoError(t, h.engine.bus.Publish(ctx, bus.FeedStateEvent{State: string(feed.StateDisconnected), Err: errors.ErrConnectionFailed}))
	require.NoError(t, h.engine.bus.Publish(ctx, bus.FeedStateEvent{State: string(feed.StateConnected)}))
	h.requireFilled(t, ctx, entry.InternalID)
}

func TestEngine_PeriodicReconcileRecoversLostFill(t *testing.T) {
	src := newChanSource()
	h := newMutedHarness(t, src)
	ctx := h.start(t)
	entry := h.enterAndLoseFill(t, ctx, src)

	require.NoError(t, h.engine.do(ctx, "enable_sweep", func(context.Context) error {
		h.engine.cfg.Broker.ReconcileInterval = 30 * time.Second
		return nil
	}))
	src.push(at(18, 101))
	h.requireFilled(t, ctx, entry.InternalID)
}

func TestEngine_LostUpdateTriggersReconcile(t *testing.T) {
	cases := []struct {
		name string
		lose func(h *harness, src *chanSource)
	}{
		{"postback lost by source", func(_ *harness, src *chanSource) { src.lost.Add(1) }},
		{"update dropped on full queue", func(h *harness, _ *chanSource) { h.engine.updateDropped.Store(true) }},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			src := newChanSource()
			h := newMutedHarness(t, src)
			ctx := h.start(t)
			entry := h.enterAndLoseFill(t, ctx, src)

			tc.lose(h, src)
			src.push(at(18, 101))
			h.requireFilled(t, ctx, entry.InternalID)
		})
	}
}
