package execution

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"intraday-trader/internal/broker"
	"intraday-trader/internal/clock"
	"intraday-trader/internal/errors"
	"intraday-trader/internal/logging"
	"intraday-trader/internal/models"
	"intraday-trader/internal/store"
)

// Router sends requests to the broker gateway. Dispatch is asynchronous and
// its result comes back through HandleResult; Call blocks.
type Router interface {
	Dispatch(ctx context.Context, req broker.Request) error
	Call(ctx context.Context, req broker.Request) broker.Result
}

// Scheduler runs fn on the event loop after d.
type Scheduler interface {
	AfterFunc(d time.Duration, fn func(ctx context.Context))
}

// InstrumentLookup resolves reference data.
type InstrumentLookup interface {
	Lookup(symbol string) (models.Instrument, bool)
	FreezeQty(symbol string) int
}

// FillSink prices and accounts fills. The risk sentinel implements it.
type FillSink interface {
	Charges(side models.OrderSide, value float64) models.Charges
	OnFill(ctx context.Context, f models.Fill)
}

type nopSink struct{}

func (nopSink) Charges(models.OrderSide, float64) models.Charges { return models.Charges{} }
func (nopSink) OnFill(context.Context, models.Fill)              {}

// Config holds OMS settings.
type Config struct {
	Exchange       models.Exchange
	Product        models.ProductType
	ReconcileDelay time.Duration
	// LookupAttempts is how many times an order the broker does not know
	// is looked up again before it is considered never received.
	LookupAttempts int
	Location       *time.Location
}

// OrderRequest asks for a new order. Quantity is the total; orders above the
// freeze quantity are sliced.
type OrderRequest struct {
	StrategyID   string
	InstrumentID string
	Side         models.OrderSide
	Type         models.OrderType
	Quantity     int
	Price        float64
	TriggerPrice float64
}

// OrderEvent describes one committed order change.
type OrderEvent struct {
	Order    models.Order
	Previous models.OrderStatus
	Fills    []models.Fill
}

// Manager owns every order of the session. Mutations happen on the event
// loop; the read-only views may be called from any goroutine.
type Manager struct {
	cfg       Config
	store     store.OrderStore
	router    Router
	scheduler Scheduler
	refs      InstrumentLookup
	sink      FillSink
	clock     clock.Clock
	logger    zerolog.Logger

	mu          sync.RWMutex
	orders      map[string]*models.Order
	byExchange  map[string]string
	byTag       map[string]string
	positions   map[models.PositionKey]*models.Position
	cancelSent  map[string]bool
	reconciling map[string]bool
	misses      map[string]int
	advancing   map[string]bool
	listeners   []func(OrderEvent)
}

// NewManager creates an order manager.
func NewManager(cfg Config, st store.OrderStore, router Router, scheduler Scheduler, refs InstrumentLookup, sink FillSink, clk clock.Clock, logger zerolog.Logger) *Manager {
	if cfg.Exchange == "" {
		cfg.Exchange = models.NSE
	}
	if cfg.Product == "" {
		cfg.Product = models.ProductMIS
	}
	if cfg.ReconcileDelay <= 0 {
		cfg.ReconcileDelay = 3 * time.Second
	}
	if cfg.LookupAttempts <= 0 {
		cfg.LookupAttempts = 4
	}
	if cfg.Location == nil {
		cfg.Location = clock.IST
	}
	if sink == nil {
		sink = nopSink{}
	}
	return &Manager{
		cfg:         cfg,
		store:       st,
		router:      router,
		scheduler:   scheduler,
		refs:        refs,
		sink:        sink,
		clock:       clk,
		logger:      logging.WithComponent(logger, "oms"),
		orders:      make(map[string]*models.Order),
		byExchange:  make(map[string]string),
		byTag:       make(map[string]string),
		positions:   make(map[models.PositionKey]*models.Position),
		cancelSent:  make(map[string]bool),
		reconciling: make(map[string]bool),
		misses:      make(map[string]int),
		advancing:   make(map[string]bool),
	}
}

// OnOrderEvent registers a listener called on the loop after every commit.
func (m *Manager) OnOrderEvent(fn func(OrderEvent)) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.listeners = append(m.listeners, fn)
}

// Place persists a new order and sends it. Orders above the instrument's
// freeze quantity become a parent with sequentially submitted children.
func (m *Manager) Place(ctx context.Context, req OrderRequest) (*models.Order, error) {
	if req.Quantity <= 0 {
		return nil, errors.NewValidationError("quantity", req.Quantity, "must be positive")
	}
	if req.Type == "" {
		req.Type = models.OrderTypeMarket
	}

	now := m.clock.Now()
	exchange := m.cfg.Exchange
	if inst, ok := m.refs.Lookup(req.InstrumentID); ok && inst.Exchange != "" {
		exchange = inst.Exchange
	}
	legs := SplitQuantity(req.Quantity, m.refs.FreezeQty(req.InstrumentID))

	base := models.Order{
		InstrumentID: req.InstrumentID,
		Exchange:     exchange,
		Product:      m.cfg.Product,
		Side:         req.Side,
		Type:         req.Type,
		Quantity:     req.Quantity,
		Price:        req.Price,
		TriggerPrice: req.TriggerPrice,
		StrategyID:   req.StrategyID,
		CreatedAt:    now,
		UpdatedAt:    now,
	}

	var (
		orders []*models.Order
		trs    []models.Transition
	)
	if len(legs) == 1 {
		o := base
		o.InternalID = uuid.NewString()
		o.Status = models.OrderStatusPendingBroker
		orders = append(orders, &o)
		trs = append(trs, initialTransitions(o.InternalID, now, true)...)
	} else {
		parent := base
		parent.InternalID = uuid.NewString()
		parent.IsParent = true
		parent.Status = models.OrderStatusCreated
		orders = append(orders, &parent)
		trs = append(trs, initialTransitions(parent.InternalID, now, false)...)

		for i, leg := range legs {
			child := base
			child.InternalID = uuid.NewString()
			child.ParentOrderID = parent.InternalID
			child.Quantity = leg
			child.Sequence = i + 1
			child.Status = models.OrderStatusCreated
			if i == 0 {
				child.Status = models.OrderStatusPendingBroker
			}
			orders = append(orders, &child)
			trs = append(trs, initialTransitions(child.InternalID, now, i == 0)...)
		}
	}

	if err := m.store.CreateOrders(ctx, orders, trs); err != nil {
		return nil, fmt.Errorf("failed to persist order: %w", err)
	}

	m.mu.Lock()
	for _, o := range orders {
		m.trackLocked(o)
	}
	m.mu.Unlock()

	top := orders[0]
	m.logger.Info().
		Str("order_id", top.InternalID).
		Str("strategy", top.StrategyID).
		Str("instrument", top.InstrumentID).
		Str("side", string(top.Side)).
		Int("quantity", top.Quantity).
		Int("legs", len(legs)).
		Msg("Order placed")

	m.emit(OrderEvent{Order: *top.Clone()})
	for _, o := range orders {
		if o.Status == models.OrderStatusPendingBroker {
			m.submit(ctx, o)
		}
	}
	return top.Clone(), nil
}

func initialTransitions(id string, at time.Time, pending bool) []models.Transition {
	trs := []models.Transition{{OrderID: id, To: models.OrderStatusCreated, Timestamp: at}}
	if pending {
		trs = append(trs, models.Transition{
			OrderID: id, From: models.OrderStatusCreated, To: models.OrderStatusPendingBroker, Timestamp: at,
		})
	}
	return trs
}

func (m *Manager) trackLocked(o *models.Order) {
	m.orders[o.InternalID] = o.Clone()
	m.byTag[o.Tag()] = o.InternalID
	if o.ExchangeID != "" {
		m.byExchange[o.ExchangeID] = o.InternalID
	}
}

func (m *Manager) submit(ctx context.Context, o *models.Order) {
	err := m.router.Dispatch(ctx, broker.Request{Op: broker.OpSubmit, OrderID: o.InternalID, Order: o.Clone()})
	if err != nil {
		m.logger.Error().Err(err).Str("order_id", o.InternalID).Msg("Failed to dispatch order")
		m.scheduleReconcile(o.InternalID)
	}
}

// HandleResult applies the outcome of a gateway call.
func (m *Manager) HandleResult(ctx context.Context, res broker.Result) {
	id := res.Request.OrderID
	o, ok := m.get(id)
	if !ok {
		m.logger.Warn().Str("order_id", id).Str("op", res.Request.Op.String()).Msg("Result for unknown order")
		return
	}
	if res.Request.Op == broker.OpCancel {
		m.mu.Lock()
		delete(m.cancelSent, id)
		m.mu.Unlock()
	}

	var rejection *errors.BrokerRejection
	switch {
	case res.Err == nil:
		m.mu.Lock()
		delete(m.misses, id)
		m.mu.Unlock()
		m.apply(ctx, id, res.Update, res.Request.Op.String())

	case errors.As(res.Err, &rejection):
		switch res.Request.Op {
		case broker.OpSubmit:
			m.apply(ctx, id, models.OrderUpdate{
				Status:  models.OrderStatusRejected,
				Message: rejection.Reason,
				Raw:     rejection.Raw,
			}, "submit")
		default:
			// The broker refused to act, usually because the order already
			// reached a terminal state. Ask for the truth.
			m.logger.Warn().Err(res.Err).Str("order_id", id).Str("op", res.Request.Op.String()).Msg("Broker refused request")
			m.reconcile(ctx, id)
		}

	case errors.Is(res.Err, errors.ErrOrderNotFound):
		if o.Status.IsTerminal() {
			return
		}
		// A submit that timed out may still be accepted; look again before
		// giving up on it.
		m.mu.Lock()
		m.misses[id]++
		misses := m.misses[id]
		if misses >= m.cfg.LookupAttempts {
			delete(m.misses, id)
		}
		m.mu.Unlock()
		if misses < m.cfg.LookupAttempts {
			m.logger.Info().Str("order_id", id).Int("attempt", misses).Msg("Order not found at broker yet")
			m.scheduleReconcileAfter(id, m.lookupDelay(misses))
			return
		}
		m.apply(ctx, id, models.OrderUpdate{
			Status:  models.OrderStatusCancelled,
			Message: "not received by broker",
		}, "reconcile")

	default:
		m.logger.Warn().Err(res.Err).
			Str("order_id", id).
			Str("op", res.Request.Op.String()).
			Str("status", string(o.Status)).
			Msg("Broker outcome unknown, scheduling reconciliation")
		m.scheduleReconcile(id)
	}
}

// ApplyUpdate applies an asynchronous broker report.
func (m *Manager) ApplyUpdate(ctx context.Context, u models.OrderUpdate) {
	m.mu.RLock()
	id, ok := m.byExchange[u.ExchangeID]
	if !ok && u.Tag != "" {
		id, ok = m.byTag[u.Tag]
	}
	m.mu.RUnlock()
	if !ok {
		m.logger.Debug().Str("exchange_id", u.ExchangeID).Str("tag", u.Tag).Msg("Update for unknown order")
		return
	}
	m.apply(ctx, id, u, "update")
}

// apply moves an order forward. Regressions, conflicting terminal states and
// overfills freeze the order instead.
func (m *Manager) apply(ctx context.Context, id string, u models.OrderUpdate, source string) {
	o, ok := m.get(id)
	if !ok {
		return
	}
	log := logging.WithOrderID(m.logger, id)
	if o.Frozen {
		log.Warn().Str("status", string(u.Status)).Str("source", source).Msg("Ignoring update for frozen order")
		return
	}
	if u.ExchangeID != "" && o.ExchangeID != "" && u.ExchangeID != o.ExchangeID {
		m.freeze(ctx, o, fmt.Sprintf("exchange id changed from %s to %s", o.ExchangeID, u.ExchangeID))
		return
	}

	target := u.Status
	if target == "" {
		target = o.Status
	}
	filled := u.FilledQuantity
	if target == models.OrderStatusFilled && filled == 0 && !o.IsParent {
		filled = o.Quantity
	}
	if o.Status.IsTerminal() && target.Rank() < o.Status.Rank() {
		logging.LogAnomaly(log, id, fmt.Sprintf("late %s after %s ignored", target, o.Status))
		return
	}
	if filled < o.FilledQuantity {
		if target == o.Status || target.Rank() < o.Status.Rank() {
			m.freeze(ctx, o, fmt.Sprintf("stale report: filled %d after %d", filled, o.FilledQuantity))
			return
		}
		filled = o.FilledQuantity
	}
	if filled > o.Quantity {
		m.freeze(ctx, o, fmt.Sprintf("overfill: %d of %d", filled, o.Quantity))
		return
	}

	statusChanged := target != o.Status
	if statusChanged && !CanTransition(o.Status, target, o.IsParent) {
		m.freeze(ctx, o, fmt.Sprintf("illegal transition %s -> %s", o.Status, target))
		return
	}

	now := m.clock.Now()
	next := o.Clone()
	if u.ExchangeID != "" {
		next.ExchangeID = u.ExchangeID
	}
	next.Status = target
	next.FilledQuantity = filled
	if u.AveragePrice > 0 {
		next.AveragePrice = u.AveragePrice
	}
	if u.Message != "" {
		next.StatusMessage = u.Message
	}
	if u.Raw != "" {
		next.RawResponse = u.Raw
	}
	next.UpdatedAt = now

	var fills []models.Fill
	if delta := filled - o.FilledQuantity; delta > 0 && !o.IsParent {
		at := u.Timestamp
		if at.IsZero() {
			at = now
		}
		f := models.Fill{
			FillID:       uuid.NewString(),
			OrderID:      o.InternalID,
			InstrumentID: o.InstrumentID,
			StrategyID:   o.StrategyID,
			Side:         o.Side,
			Price:        deltaPrice(o, next, delta),
			Quantity:     delta,
			Timestamp:    at,
		}
		f.Charges = m.sink.Charges(f.Side, f.Value())
		fills = append(fills, f)
	}

	if !statusChanged && len(fills) == 0 && next.ExchangeID == o.ExchangeID {
		return
	}

	var tr *models.Transition
	if statusChanged {
		reason := u.Message
		if reason == "" {
			reason = source
		}
		tr = &models.Transition{OrderID: id, From: o.Status, To: target, Reason: reason, Timestamp: now}
	}

	key := models.PositionKey{StrategyID: o.StrategyID, InstrumentID: o.InstrumentID}
	m.mu.RLock()
	pos := models.Position{StrategyID: o.StrategyID, InstrumentID: o.InstrumentID}
	if cur, ok := m.positions[key]; ok {
		pos = *cur
	}
	m.mu.RUnlock()
	for i := range fills {
		if realized, reduced := pos.Apply(fills[i]); reduced {
			r := realized
			fills[i].RealizedPnL = &r
		}
	}

	if err := m.store.SaveOrder(ctx, next, tr, fills); err != nil {
		log.Error().Err(err).Str("status", string(target)).Msg("Failed to persist order update")
		m.scheduleReconcile(id)
		return
	}

	m.mu.Lock()
	m.orders[id] = next
	if next.ExchangeID != "" {
		m.byExchange[next.ExchangeID] = id
	}
	if len(fills) > 0 {
		m.positions[key] = &pos
	}
	m.mu.Unlock()

	if statusChanged {
		logging.LogOrder(log, id, o.InstrumentID, string(o.Side), string(target))
	}
	for _, f := range fills {
		logging.LogFill(log, id, f.InstrumentID, string(f.Side), f.Quantity, f.Price)
		m.sink.OnFill(ctx, f)
	}
	m.emit(OrderEvent{Order: *next.Clone(), Previous: o.Status, Fills: fills})

	if next.CancelRequested && next.ExchangeID != "" && !next.Status.IsTerminal() &&
		next.Status != models.OrderStatusPendingBroker {
		m.sendCancel(ctx, next)
	}
	if next.ParentOrderID != "" {
		m.advanceParent(ctx, next.ParentOrderID)
	}
}

// deltaPrice derives the price of the newly filled quantity from cumulative
// averages.
func deltaPrice(prev, next *models.Order, delta int) float64 {
	if next.AveragePrice <= 0 {
		if prev.Price > 0 {
			return prev.Price
		}
		return prev.AveragePrice
	}
	if prev.FilledQuantity == 0 {
		return next.AveragePrice
	}
	price := (next.AveragePrice*float64(next.FilledQuantity) - prev.AveragePrice*float64(prev.FilledQuantity)) / float64(delta)
	if price <= 0 {
		return next.AveragePrice
	}
	return price
}

func (m *Manager) freeze(ctx context.Context, o *models.Order, detail string) {
	next := o.Clone()
	next.Frozen = true
	next.UpdatedAt = m.clock.Now()
	if err := m.store.SaveOrder(ctx, next, nil, nil); err != nil {
		m.logger.Error().Err(err).Str("order_id", o.InternalID).Msg("Failed to persist frozen order")
	}
	m.mu.Lock()
	m.orders[o.InternalID] = next
	m.mu.Unlock()
	logging.LogAnomaly(m.logger, o.InternalID, detail)
	m.emit(OrderEvent{Order: *next.Clone(), Previous: o.Status})
}

func (m *Manager) emit(ev OrderEvent) {
	m.mu.RLock()
	listeners := m.listeners
	m.mu.RUnlock()
	for _, fn := range listeners {
		fn(ev)
	}
}

func (m *Manager) get(id string) (*models.Order, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	o, ok := m.orders[id]
	if !ok {
		return nil, false
	}
	return o.Clone(), true
}

// Order returns a copy of a tracked order.
func (m *Manager) Order(id string) (models.Order, bool) {
	o, ok := m.get(id)
	if !ok {
		return models.Order{}, false
	}
	return *o, true
}

// OpenOrders returns copies of every non-terminal order, oldest first.
func (m *Manager) OpenOrders() []models.Order {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []models.Order
	for _, o := range m.orders {
		if !o.Status.IsTerminal() {
			out = append(out, *o.Clone())
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].CreatedAt.Before(out[j].CreatedAt)
		}
		if out[i].Sequence != out[j].Sequence {
			return out[i].Sequence < out[j].Sequence
		}
		return out[i].InternalID < out[j].InternalID
	})
	return out
}

// OpenCount returns the number of instruments where the strategy has an open
// position or a working order.
func (m *Manager) OpenCount(strategyID string) int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	open := make(map[string]bool)
	for _, p := range m.positions {
		if p.StrategyID == strategyID && p.Quantity != 0 {
			open[p.InstrumentID] = true
		}
	}
	for _, o := range m.orders {
		if o.StrategyID == strategyID && !o.Status.IsTerminal() {
			open[o.InstrumentID] = true
		}
	}
	return len(open)
}

// Positions returns the non-flat positions sorted by strategy and instrument.
func (m *Manager) Positions() []models.Position {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []models.Position
	for _, p := range m.positions {
		if p.Quantity != 0 {
			out = append(out, *p)
		}
	}
	sortPositions(out)
	return out
}

func sortPositions(ps []models.Position) {
	sort.Slice(ps, func(i, j int) bool {
		if ps[i].StrategyID != ps[j].StrategyID {
			return ps[i].StrategyID < ps[j].StrategyID
		}
		return ps[i].InstrumentID < ps[j].InstrumentID
	})
}
