package execution

import (
	"context"
	stderrors "errors"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"intraday-trader/internal/broker"
	"intraday-trader/internal/clock"
	"intraday-trader/internal/errors"
	"intraday-trader/internal/models"
	"intraday-trader/internal/store"
)

var t0 = time.Date(2024, 3, 4, 9, 30, 0, 0, clock.IST)

type refs map[string]int

func (r refs) Lookup(symbol string) (models.Instrument, bool) {
	return models.Instrument{InstrumentID: symbol, Exchange: models.NSE, LotSize: 1}, true
}

func (r refs) FreezeQty(symbol string) int { return r[symbol] }

// fakeRouter queues dispatched requests and runs them against a gateway when
// pumped, the way the dispatcher would on its workers.
type fakeRouter struct {
	gw       broker.Gateway
	mu       sync.Mutex
	queue    []broker.Request
	sent     []broker.Request
	loseNext bool
	// faults fail the next call of an op before it reaches the gateway.
	faults map[broker.Op]error
}

func (r *fakeRouter) failNext(op broker.Op, err error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.faults == nil {
		r.faults = make(map[broker.Op]error)
	}
	r.faults[op] = err
}

func (r *fakeRouter) Dispatch(_ context.Context, req broker.Request) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.queue = append(r.queue, req)
	r.sent = append(r.sent, req)
	return nil
}

func (r *fakeRouter) Call(ctx context.Context, req broker.Request) broker.Result {
	res := broker.Result{Request: req}
	r.mu.Lock()
	fault, ok := r.faults[req.Op]
	delete(r.faults, req.Op)
	r.mu.Unlock()
	if ok {
		res.Err = fault
		return res
	}
	switch req.Op {
	case broker.OpSubmit:
		res.Update, res.Err = r.gw.Submit(ctx, req.Order)
	case broker.OpCancel:
		res.Update, res.Err = r.gw.Cancel(ctx, req.ExchangeID)
	case broker.OpQuery:
		res.Update, res.Err = r.gw.QueryStatus(ctx, req.ExchangeID)
	case broker.OpFindByTag:
		res.Update, res.Err = r.gw.FindByTag(ctx, req.Tag)
	}
	r.mu.Lock()
	if r.loseNext {
		r.loseNext = false
		res.Update, res.Err = models.OrderUpdate{}, errors.NewTransportError(req.Op.String(), context.DeadlineExceeded)
	}
	r.mu.Unlock()
	return res
}

func (r *fakeRouter) ops() []broker.Op {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []broker.Op
	for _, req := range r.sent {
		out = append(out, req.Op)
	}
	return out
}

// pump runs queued requests until the queue is empty.
func (r *fakeRouter) pump(ctx context.Context, m *Manager) {
	for {
		r.mu.Lock()
		if len(r.queue) == 0 {
			r.mu.Unlock()
			return
		}
		req := r.queue[0]
		r.queue = r.queue[1:]
		r.mu.Unlock()
		m.HandleResult(ctx, r.Call(ctx, req))
	}
}

type manualScheduler struct {
	pending []func(context.Context)
}

func (s *manualScheduler) AfterFunc(_ time.Duration, fn func(context.Context)) {
	s.pending = append(s.pending, fn)
}

func (s *manualScheduler) run(ctx context.Context) {
	fns := s.pending
	s.pending = nil
	for _, fn := range fns {
		fn(ctx)
	}
}

type recordingSink struct {
	fills []models.Fill
}

func (s *recordingSink) Charges(_ models.OrderSide, value float64) models.Charges {
	return models.Charges{Total: value * 0.001}
}

func (s *recordingSink) OnFill(_ context.Context, f models.Fill) { s.fills = append(s.fills, f) }

type harness struct {
	clk    clock.Fake
	store  *store.MemoryStore
	paper  *broker.PaperBroker
	router *fakeRouter
	sched  *manualScheduler
	sink   *recordingSink
	m      *Manager
}

func newHarness(t *testing.T, paperCfg broker.PaperBrokerConfig) *harness {
	t.Helper()
	h := &harness{
		clk:   clock.NewFake(t0),
		store: store.NewMemoryStore(),
		sched: &manualScheduler{},
		sink:  &recordingSink{},
	}
	h.paper = broker.NewPaperBroker(paperCfg, h.clk, zerolog.Nop())
	h.router = &fakeRouter{gw: h.paper}
	h.m = h.restart()
	return h
}

// restart builds a fresh manager over the same store and broker.
func (h *harness) restart() *Manager {
	return NewManager(Config{ReconcileDelay: time.Second}, h.store, h.router, h.sched, refs{"INFY": 1800}, h.sink, h.clk, zerolog.Nop())
}

func (h *harness) candle(open time.Time, o, hi, lo, c float64) []models.OrderUpdate {
	return h.paper.OnCandle(models.Candle{
		InstrumentID: "INFY", Interval: time.Minute, OpenTime: open,
		Open: o, High: hi, Low: lo, Close: c, Volume: 1000,
	})
}

func (h *harness) applyAll(ctx context.Context, m *Manager, updates []models.OrderUpdate) {
	for _, u := range updates {
		m.ApplyUpdate(ctx, u)
	}
}

func buy(qty int) OrderRequest {
	return OrderRequest{StrategyID: "orb", InstrumentID: "INFY", Side: models.OrderSideBuy, Type: models.OrderTypeMarket, Quantity: qty}
}

func legsOf(m *Manager, parentID string) []*models.Order {
	return m.children(parentID)
}

func TestSplitQuantity(t *testing.T) {
	assert.Equal(t, []int{1800, 1800, 400}, SplitQuantity(4000, 1800))
	assert.Equal(t, []int{1800}, SplitQuantity(1800, 1800))
	assert.Equal(t, []int{500}, SplitQuantity(500, 0))
	assert.Nil(t, SplitQuantity(0, 1800))
}

func TestCanTransition(t *testing.T) {
	assert.True(t, CanTransition(models.OrderStatusCreated, models.OrderStatusPendingBroker, false))
	assert.True(t, CanTransition(models.OrderStatusPartiallyFilled, models.OrderStatusPartiallyFilled, false))
	assert.False(t, CanTransition(models.OrderStatusFilled, models.OrderStatusCancelled, false))
	assert.False(t, CanTransition(models.OrderStatusAcknowledged, models.OrderStatusPendingBroker, false))
	assert.False(t, CanTransition(models.OrderStatusCreated, models.OrderStatusFilled, false))
	assert.True(t, CanTransition(models.OrderStatusCreated, models.OrderStatusFilled, true))
}

func TestPlace_IcebergSubmitsLegsSequentially(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, broker.PaperBrokerConfig{})

	parent, err := h.m.Place(ctx, buy(4000))
	require.NoError(t, err)
	assert.True(t, parent.IsParent)
	assert.Equal(t, models.OrderStatusCreated, parent.Status)

	legs := legsOf(h.m, parent.InternalID)
	require.Len(t, legs, 3)
	assert.Equal(t, []int{1800, 1800, 400}, []int{legs[0].Quantity, legs[1].Quantity, legs[2].Quantity})
	assert.Equal(t, models.OrderStatusPendingBroker, legs[0].Status)
	assert.Equal(t, models.OrderStatusCreated, legs[1].Status)

	// Only the first leg goes out before any acknowledgement.
	assert.Equal(t, []broker.Op{broker.OpSubmit}, h.router.ops())

	h.router.pump(ctx, h.m)
	assert.Equal(t, []broker.Op{broker.OpSubmit, broker.OpSubmit, broker.OpSubmit}, h.router.ops())
	for _, leg := range legsOf(h.m, parent.InternalID) {
		assert.Equal(t, models.OrderStatusAcknowledged, leg.Status)
		assert.NotEmpty(t, leg.ExchangeID)
	}

	h.applyAll(ctx, h.m, h.candle(t0, 100, 101, 99, 100))

	got, ok := h.m.Order(parent.InternalID)
	require.True(t, ok)
	assert.Equal(t, models.OrderStatusFilled, got.Status)
	assert.Equal(t, 4000, got.FilledQuantity)
	assert.InDelta(t, 100.0, got.AveragePrice, 1e-9)

	// Parents are bookkeeping only; fills belong to the legs.
	assert.Len(t, h.sink.fills, 3)
	require.Len(t, h.m.Positions(), 1)
	assert.Equal(t, 4000, h.m.Positions()[0].Quantity)
}

func TestIceberg_RejectedLegStopsChain(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, broker.PaperBrokerConfig{
		Reject: func(o *models.Order) string {
			if o.Sequence == 2 {
				return "RMS: margin exceeds"
			}
			return ""
		},
	})

	parent, err := h.m.Place(ctx, buy(4000))
	require.NoError(t, err)
	h.router.pump(ctx, h.m)

	legs := legsOf(h.m, parent.InternalID)
	assert.Equal(t, models.OrderStatusAcknowledged, legs[0].Status)
	assert.Equal(t, models.OrderStatusRejected, legs[1].Status)
	assert.Equal(t, "RMS: margin exceeds", legs[1].StatusMessage)
	assert.Equal(t, models.OrderStatusCancelled, legs[2].Status)
	assert.Len(t, h.router.ops(), 2, "third leg must never be sent")

	got, _ := h.m.Order(parent.InternalID)
	assert.Equal(t, models.OrderStatusCreated, got.Status, "parent waits for the working leg")

	h.applyAll(ctx, h.m, h.candle(t0, 100, 101, 99, 100))
	got, _ = h.m.Order(parent.InternalID)
	assert.Equal(t, models.OrderStatusRejected, got.Status)
	assert.Equal(t, 1800, got.FilledQuantity)
}

func TestHandleResult_LostSubmitResponseIsReconciled(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, broker.PaperBrokerConfig{})

	o, err := h.m.Place(ctx, buy(100))
	require.NoError(t, err)

	// The broker accepts the order but the response never arrives.
	h.router.loseNext = true
	h.router.pump(ctx, h.m)

	got, _ := h.m.Order(o.InternalID)
	assert.Equal(t, models.OrderStatusPendingBroker, got.Status)
	require.Len(t, h.sched.pending, 1)

	h.sched.run(ctx)
	h.router.pump(ctx, h.m)

	assert.Equal(t, []broker.Op{broker.OpSubmit, broker.OpFindByTag}, h.router.ops())
	got, _ = h.m.Order(o.InternalID)
	assert.Equal(t, models.OrderStatusAcknowledged, got.Status)
	assert.Equal(t, "SIM-1", got.ExchangeID)
}

func TestHandleResult_UnreceivedOrderIsCancelled(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, broker.PaperBrokerConfig{})
	h.router.failNext(broker.OpSubmit, errors.NewTransportError("submit", stderrors.New("connection reset")))

	o, err := h.m.Place(ctx, buy(100))
	require.NoError(t, err)
	h.router.pump(ctx, h.m)

	for i := 1; i < 4; i++ {
		h.sched.run(ctx)
		h.router.pump(ctx, h.m)
		got, _ := h.m.Order(o.InternalID)
		require.Equal(t, models.OrderStatusPendingBroker, got.Status, "lookup %d", i)
		require.Len(t, h.sched.pending, 1, "another lookup is scheduled")
	}
	h.sched.run(ctx)
	h.router.pump(ctx, h.m)

	got, _ := h.m.Order(o.InternalID)
	assert.Equal(t, models.OrderStatusCancelled, got.Status)
	assert.Equal(t, "not received by broker", got.StatusMessage)
	assert.Empty(t, h.sched.pending)
}

func TestHandleResult_LateAcceptedOrderIsTracked(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, broker.PaperBrokerConfig{})
	h.router.failNext(broker.OpSubmit, errors.NewTransportError("submit", context.DeadlineExceeded))

	o, err := h.m.Place(ctx, buy(100))
	require.NoError(t, err)
	h.router.pump(ctx, h.m)

	// First lookup: the broker has not registered the order yet.
	h.sched.run(ctx)
	h.router.pump(ctx, h.m)
	got, _ := h.m.Order(o.InternalID)
	require.Equal(t, models.OrderStatusPendingBroker, got.Status)

	// The timed-out submit lands after all and fills.
	sent := got.Clone()
	_, err = h.paper.Submit(ctx, sent)
	require.NoError(t, err)
	h.candle(t0, 100, 101, 99, 100)

	h.sched.run(ctx)
	h.router.pump(ctx, h.m)

	got, _ = h.m.Order(o.InternalID)
	assert.Equal(t, models.OrderStatusFilled, got.Status)
	assert.False(t, got.Frozen)
	assert.Equal(t, "SIM-1", got.ExchangeID)
	require.Len(t, h.sink.fills, 1)
	assert.Equal(t, 100, h.sink.fills[0].Quantity)
	pos := h.m.Positions()
	require.Len(t, pos, 1)
	assert.Equal(t, 100, pos[0].Quantity)
}

func TestReconcile_RecoversLostFillUpdate(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, broker.PaperBrokerConfig{})

	o, err := h.m.Place(ctx, buy(100))
	require.NoError(t, err)
	h.router.pump(ctx, h.m)

	// The fill happens at the broker but its update is never delivered.
	require.Len(t, h.candle(t0, 100, 101, 99, 100), 1)
	got, _ := h.m.Order(o.InternalID)
	require.Equal(t, models.OrderStatusAcknowledged, got.Status)

	assert.Equal(t, 1, h.m.Reconcile(ctx))
	h.router.pump(ctx, h.m)

	got, _ = h.m.Order(o.InternalID)
	assert.Equal(t, models.OrderStatusFilled, got.Status)
	require.Len(t, h.m.Positions(), 1)
	assert.Equal(t, 100, h.m.Positions()[0].Quantity)
	assert.Zero(t, h.m.Reconcile(ctx), "nothing left open")
}

func TestApply_LateAckAfterRejectIsIgnored(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, broker.PaperBrokerConfig{
		Reject: func(*models.Order) string { return "instrument blocked" },
	})

	o, err := h.m.Place(ctx, buy(100))
	require.NoError(t, err)
	h.router.pump(ctx, h.m)

	h.m.ApplyUpdate(ctx, models.OrderUpdate{Tag: o.Tag(), ExchangeID: "X-9", Status: models.OrderStatusAcknowledged})

	got, _ := h.m.Order(o.InternalID)
	assert.Equal(t, models.OrderStatusRejected, got.Status)
	assert.False(t, got.Frozen)

	trs, err := h.store.Transitions(ctx, o.InternalID)
	require.NoError(t, err)
	last := trs[len(trs)-1]
	assert.Equal(t, models.OrderStatusRejected, last.To)
	assert.Equal(t, "instrument blocked", last.Reason)
}

func TestApply_OverfillFreezesOrder(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, broker.PaperBrokerConfig{})

	o, err := h.m.Place(ctx, buy(100))
	require.NoError(t, err)
	h.router.pump(ctx, h.m)

	h.m.ApplyUpdate(ctx, models.OrderUpdate{ExchangeID: "SIM-1", Status: models.OrderStatusPartiallyFilled, FilledQuantity: 150, AveragePrice: 100})
	got, _ := h.m.Order(o.InternalID)
	assert.True(t, got.Frozen)
	assert.Equal(t, models.OrderStatusAcknowledged, got.Status)

	h.m.ApplyUpdate(ctx, models.OrderUpdate{ExchangeID: "SIM-1", Status: models.OrderStatusFilled, FilledQuantity: 100, AveragePrice: 100})
	got, _ = h.m.Order(o.InternalID)
	assert.Equal(t, models.OrderStatusAcknowledged, got.Status, "frozen orders ignore further reports")
	assert.Empty(t, h.sink.fills)
}

func TestApply_FillDeltas(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, broker.PaperBrokerConfig{})

	o, err := h.m.Place(ctx, buy(100))
	require.NoError(t, err)
	h.router.pump(ctx, h.m)

	h.m.ApplyUpdate(ctx, models.OrderUpdate{ExchangeID: "SIM-1", Status: models.OrderStatusPartiallyFilled, FilledQuantity: 40, AveragePrice: 100})
	// A duplicate report changes nothing.
	h.m.ApplyUpdate(ctx, models.OrderUpdate{ExchangeID: "SIM-1", Status: models.OrderStatusPartiallyFilled, FilledQuantity: 40, AveragePrice: 100})
	h.m.ApplyUpdate(ctx, models.OrderUpdate{ExchangeID: "SIM-1", Status: models.OrderStatusFilled, FilledQuantity: 100, AveragePrice: 101})

	require.Len(t, h.sink.fills, 2)
	assert.Equal(t, 40, h.sink.fills[0].Quantity)
	assert.InDelta(t, 100.0, h.sink.fills[0].Price, 1e-9)
	assert.Equal(t, 60, h.sink.fills[1].Quantity)
	assert.InDelta(t, (101.0*100-100.0*40)/60, h.sink.fills[1].Price, 1e-9)
	assert.InDelta(t, h.sink.fills[1].Value()*0.001, h.sink.fills[1].Charges.Total, 1e-9)

	got, _ := h.m.Order(o.InternalID)
	assert.Equal(t, models.OrderStatusFilled, got.Status)

	stored, err := h.store.LoadFills(ctx)
	require.NoError(t, err)
	assert.Len(t, stored, 2)
}

func TestCancelAll(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, broker.PaperBrokerConfig{})

	working, err := h.m.Place(ctx, buy(100))
	require.NoError(t, err)
	h.router.pump(ctx, h.m)

	// Still in flight when the cancel is requested.
	inflight, err := h.m.Place(ctx, buy(50))
	require.NoError(t, err)

	assert.Equal(t, 2, h.m.CancelAll(ctx, "kill switch"))
	got, _ := h.m.Order(inflight.InternalID)
	assert.True(t, got.CancelRequested)
	assert.Equal(t, models.OrderStatusPendingBroker, got.Status)

	h.router.pump(ctx, h.m)

	for _, id := range []string{working.InternalID, inflight.InternalID} {
		got, _ := h.m.Order(id)
		assert.Equal(t, models.OrderStatusCancelled, got.Status, id)
	}
	assert.Empty(t, h.m.OpenOrders())
	assert.Equal(t, 0, h.m.CancelAll(ctx, "again"))
}

func TestCancelOrder_IcebergCancelsUnsentLegs(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, broker.PaperBrokerConfig{})

	parent, err := h.m.Place(ctx, buy(4000))
	require.NoError(t, err)

	require.True(t, h.m.CancelOrder(ctx, parent.InternalID, ""))
	h.router.pump(ctx, h.m)

	legs := legsOf(h.m, parent.InternalID)
	assert.Equal(t, models.OrderStatusCancelled, legs[0].Status)
	assert.Equal(t, models.OrderStatusCancelled, legs[1].Status)
	assert.Equal(t, models.OrderStatusCancelled, legs[2].Status)

	got, _ := h.m.Order(parent.InternalID)
	assert.Equal(t, models.OrderStatusCancelled, got.Status)
	assert.Equal(t, []broker.Op{broker.OpSubmit, broker.OpCancel}, h.router.ops())
}

func TestLiquidateAll(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, broker.PaperBrokerConfig{})

	_, err := h.m.Place(ctx, buy(100))
	require.NoError(t, err)
	h.router.pump(ctx, h.m)
	h.applyAll(ctx, h.m, h.candle(t0, 100, 101, 99, 100))

	assert.Equal(t, 1, h.m.LiquidateAll(ctx, "square off"))
	assert.Equal(t, 0, h.m.LiquidateAll(ctx, "square off"), "closing order already working")

	h.router.pump(ctx, h.m)
	h.applyAll(ctx, h.m, h.candle(t0.Add(time.Minute), 102, 102, 101, 101))

	assert.Empty(t, h.m.Positions())
	last := h.sink.fills[len(h.sink.fills)-1]
	assert.Equal(t, models.OrderSideSell, last.Side)
	require.NotNil(t, last.RealizedPnL)
	assert.InDelta(t, 200.0, *last.RealizedPnL, 1e-9)
}

func TestPlace_PersistFailure(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, broker.PaperBrokerConfig{})
	h.store.FailNextWrite(stderrors.New("disk full"))

	_, err := h.m.Place(ctx, buy(100))
	require.Error(t, err)
	assert.Empty(t, h.m.OpenOrders())
	assert.Empty(t, h.router.ops())

	_, err = h.m.Place(ctx, OrderRequest{InstrumentID: "INFY", Side: models.OrderSideBuy})
	var verr *errors.ValidationError
	assert.True(t, errors.As(err, &verr))
}

func TestRecover_IsIdempotent(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, broker.PaperBrokerConfig{})

	_, err := h.m.Place(ctx, buy(100))
	require.NoError(t, err)
	h.router.pump(ctx, h.m)
	h.applyAll(ctx, h.m, h.candle(t0, 100, 101, 99, 100))

	open, err := h.m.Place(ctx, buy(50))
	require.NoError(t, err)
	h.router.pump(ctx, h.m)

	// The process dies; the broker fills the working order meanwhile.
	h.candle(t0.Add(time.Minute), 102, 103, 101, 102)

	first := h.restart()
	fills, err := first.Recover(ctx)
	require.NoError(t, err)
	assert.Len(t, fills, 1, "fills persisted before the crash")
	h.router.pump(ctx, first)

	got, _ := first.Order(open.InternalID)
	assert.Equal(t, models.OrderStatusFilled, got.Status)
	require.Len(t, first.Positions(), 1)
	assert.Equal(t, 150, first.Positions()[0].Quantity)

	stored, err := h.store.LoadFills(ctx)
	require.NoError(t, err)

	second := h.restart()
	fills, err = second.Recover(ctx)
	require.NoError(t, err)
	h.router.pump(ctx, second)

	assert.Len(t, fills, len(stored))
	assert.Equal(t, first.Positions(), second.Positions())
	again, err := h.store.LoadFills(ctx)
	require.NoError(t, err)
	assert.Equal(t, len(stored), len(again), "replaying recovery must not duplicate fills")
}

func TestRecover_TransientErrorsAreReported(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, broker.PaperBrokerConfig{})

	_, err := h.m.Place(ctx, buy(100))
	require.NoError(t, err)
	h.router.pump(ctx, h.m)

	h.router.failNext(broker.OpQuery, errors.NewTransportError("query", stderrors.New("timeout")))
	m := h.restart()
	_, err = m.Recover(ctx)
	require.Error(t, err)
	assert.Len(t, h.sched.pending, 1)
	assert.Len(t, m.OpenOrders(), 1)
}
