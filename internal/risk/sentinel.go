// Package risk implements the pre-trade checks, position sizing and the
// daily-loss kill switch.
package risk

import (
	"context"
	"fmt"
	"math"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"intraday-trader/internal/clock"
	"intraday-trader/internal/config"
	"intraday-trader/internal/errors"
	"intraday-trader/internal/logging"
	"intraday-trader/internal/models"
)

// Reason is a stable rejection code.
type Reason string

const (
	ReasonKillSwitch    Reason = "KILL_SWITCH"
	ReasonMarketClosed  Reason = "MARKET_CLOSED"
	ReasonCircuitLimit  Reason = "CIRCUIT_LIMIT"
	ReasonFatFinger     Reason = "FAT_FINGER"
	ReasonInvalidStop   Reason = "INVALID_STOP"
	ReasonZeroQuantity  Reason = "ZERO_QUANTITY"
	ReasonMaxConcurrent Reason = "MAX_CONCURRENT"
	ReasonNoPosition    Reason = "NO_POSITION"
)

// Decision is the outcome of a pre-trade evaluation.
type Decision struct {
	Approved     bool
	Quantity     int
	Reason       Reason
	Message      string
	Current      float64
	Limit        float64
	ChecksPassed []string
}

// Err returns the rejection as a *errors.RiskError, or nil when approved.
func (d Decision) Err() error {
	if d.Approved {
		return nil
	}
	return errors.NewRiskError(string(d.Reason), d.Current, d.Limit, d.Message)
}

// Config holds sentinel limits. Percentages are in percent, fractions are 0..1.
type Config struct {
	Capital             float64
	RiskPerTrade        float64
	MaxExposureFraction float64
	MaxDailyLoss        float64
	MaxConcurrentTrades int
	CircuitBufferPct    float64
	FatFingerPct        float64
	VWAPWindow          time.Duration
	// Session, when set, blocks entries outside market hours.
	Session *clock.Session
}

// ConfigFrom builds a sentinel config from the application config. loc is
// the resolved market timezone.
func ConfigFrom(cfg *config.Config, loc *time.Location) Config {
	session := clock.NSESession()
	session.Location = loc
	return Config{
		Capital:             cfg.Trading.Capital,
		RiskPerTrade:        cfg.Risk.RiskPerTrade,
		MaxExposureFraction: cfg.Risk.MaxExposureFraction,
		MaxDailyLoss:        cfg.Risk.MaxDailyLoss,
		MaxConcurrentTrades: cfg.Risk.MaxConcurrentTrades,
		CircuitBufferPct:    cfg.Risk.CircuitBufferPct,
		FatFingerPct:        cfg.Risk.FatFingerPct,
		VWAPWindow:          cfg.Risk.VWAPWindow,
		Session:             &session,
	}
}

// InstrumentLookup resolves reference data.
type InstrumentLookup interface {
	Lookup(symbol string) (models.Instrument, bool)
}

// ExposureView reports a strategy's open orders and positions.
type ExposureView interface {
	OpenCount(strategyID string) int
}

// Liquidator flattens the book once the kill switch engages.
type Liquidator interface {
	CancelAll(ctx context.Context, reason string) int
	LiquidateAll(ctx context.Context, reason string) int
}

// Sentinel is the only component that approves signals and the only owner
// of the session risk state.
type Sentinel struct {
	cfg      Config
	refs     InstrumentLookup
	exposure ExposureView
	costs    CostEstimator
	clock    clock.Clock
	logger   zerolog.Logger

	mu         sync.Mutex
	state      models.RiskState
	positions  map[models.PositionKey]*models.Position
	marks      map[string]float64
	vwap       map[string]*vwapWindow
	liquidator Liquidator
	onKill     []func(reason string, state models.RiskState)
}

// NewSentinel creates a sentinel for the session containing clk.Now().
func NewSentinel(cfg Config, refs InstrumentLookup, exposure ExposureView, costs CostEstimator, clk clock.Clock, logger zerolog.Logger) *Sentinel {
	if costs == nil {
		costs = FlatRate{Rate: DefaultFlatRate}
	}
	if cfg.VWAPWindow <= 0 {
		cfg.VWAPWindow = 5 * time.Minute
	}
	loc := clock.IST
	if cfg.Session != nil && cfg.Session.Location != nil {
		loc = cfg.Session.Location
	}
	return &Sentinel{
		cfg:      cfg,
		refs:     refs,
		exposure: exposure,
		costs:    costs,
		clock:    clk,
		logger:   logging.WithComponent(logger, "risk"),
		state: models.RiskState{
			SessionDate:      clock.SessionDate(clk.Now(), loc),
			AllocatedCapital: cfg.Capital,
		},
		positions: make(map[models.PositionKey]*models.Position),
		marks:     make(map[string]float64),
		vwap:      make(map[string]*vwapWindow),
	}
}

// SetLiquidator registers the component flattened on kill.
func (s *Sentinel) SetLiquidator(l Liquidator) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.liquidator = l
}

// SetExposure registers the open-exposure view.
func (s *Sentinel) SetExposure(e ExposureView) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.exposure = e
}

// OnKill registers a callback run after the kill switch engages.
func (s *Sentinel) OnKill(fn func(reason string, state models.RiskState)) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.onKill = append(s.onKill, fn)
}

// Evaluate runs the pre-trade checks in order and stops at the first failure.
func (s *Sentinel) Evaluate(sig models.Signal) Decision {
	s.mu.Lock()
	defer s.mu.Unlock()

	d := Decision{ChecksPassed: []string{}}
	reject := func(r Reason, current, limit float64, format string, args ...interface{}) Decision {
		d.Reason = r
		d.Current = current
		d.Limit = limit
		d.Message = fmt.Sprintf(format, args...)
		return d
	}

	key := models.PositionKey{StrategyID: sig.StrategyID, InstrumentID: sig.InstrumentID}
	held := 0
	if pos, ok := s.positions[key]; ok {
		held = pos.Quantity
	}
	reducing := held != 0 && sig.Side.Sign()*held < 0

	// Check 1: Kill switch. BUY is always blocked; SELL passes only when it
	// reduces a long. Shorts are covered by liquidation, not by signals.
	if s.state.KillSwitchEngaged && (sig.Side == models.OrderSideBuy || !reducing) {
		return reject(ReasonKillSwitch, 0, 0, "kill switch engaged: %s", s.state.KillReason)
	}
	d.ChecksPassed = append(d.ChecksPassed, "kill_switch")

	if sig.Exit {
		if !reducing {
			return reject(ReasonNoPosition, float64(held), 0, "no %s position to exit", sig.InstrumentID)
		}
		qty := abs(held)
		if sig.RequestedQuantity > 0 && sig.RequestedQuantity < qty {
			qty = sig.RequestedQuantity
		}
		d.Approved = true
		d.Quantity = qty
		return d
	}

	// Check 2: Market hours
	if s.cfg.Session != nil && !s.cfg.Session.AcceptsEntries(sig.Timestamp) {
		return reject(ReasonMarketClosed, 0, 0, "entries not accepted at %s",
			sig.Timestamp.In(s.cfg.Session.Location).Format("15:04:05"))
	}
	d.ChecksPassed = append(d.ChecksPassed, "market_hours")

	price := sig.ReferencePrice
	inst, known := models.Instrument{}, false
	if s.refs != nil {
		inst, known = s.refs.Lookup(sig.InstrumentID)
	}

	// Check 3: Circuit limits
	if known && inst.HasCircuitLimits() {
		buffer := s.cfg.CircuitBufferPct / 100
		if price >= inst.UpperCircuit*(1-buffer) {
			return reject(ReasonCircuitLimit, price, inst.UpperCircuit,
				"price %.2f within %.2f%% of upper circuit %.2f", price, s.cfg.CircuitBufferPct, inst.UpperCircuit)
		}
		if price <= inst.LowerCircuit*(1+buffer) {
			return reject(ReasonCircuitLimit, price, inst.LowerCircuit,
				"price %.2f within %.2f%% of lower circuit %.2f", price, s.cfg.CircuitBufferPct, inst.LowerCircuit)
		}
	}
	d.ChecksPassed = append(d.ChecksPassed, "circuit_limit")

	// Check 4: Fat finger against trailing VWAP
	if w, ok := s.vwap[sig.InstrumentID]; ok && s.cfg.FatFingerPct > 0 {
		if ref, ok := w.value(); ok && ref > 0 {
			deviation := math.Abs(price-ref) / ref * 100
			if deviation > s.cfg.FatFingerPct {
				return reject(ReasonFatFinger, deviation, s.cfg.FatFingerPct,
					"price %.2f deviates %.2f%% from vwap %.2f", price, deviation, ref)
			}
		}
	}
	d.ChecksPassed = append(d.ChecksPassed, "fat_finger")

	// Check 5: Position sizing
	lotSize := 1
	if known && inst.LotSize > 1 {
		lotSize = inst.LotSize
	}
	qty, err := PositionSize(s.cfg.Capital, s.cfg.RiskPerTrade, s.cfg.MaxExposureFraction, price, sig.StopLoss, lotSize)
	if err != nil {
		return reject(ReasonInvalidStop, price, sig.StopLoss, "%v", err)
	}
	if sig.RequestedQuantity > 0 && sig.RequestedQuantity < qty {
		qty = sig.RequestedQuantity / lotSize * lotSize
	}
	if qty <= 0 {
		return reject(ReasonZeroQuantity, 0, 1, "sized quantity is zero for entry %.2f stop %.2f", price, sig.StopLoss)
	}
	d.ChecksPassed = append(d.ChecksPassed, "position_size")

	// Check 6: Concurrency limit
	if s.exposure != nil && s.cfg.MaxConcurrentTrades > 0 {
		open := s.exposure.OpenCount(sig.StrategyID)
		if open >= s.cfg.MaxConcurrentTrades {
			return reject(ReasonMaxConcurrent, float64(open), float64(s.cfg.MaxConcurrentTrades),
				"strategy %s has %d open trades", sig.StrategyID, open)
		}
	}
	d.ChecksPassed = append(d.ChecksPassed, "max_concurrent")

	d.Approved = true
	d.Quantity = qty
	return d
}

// PositionSize returns min(floor(C*r/|E-S|), floor(f*C/E)) floored to lotSize.
func PositionSize(capital, riskPerTrade, maxFraction, entry, stop float64, lotSize int) (int, error) {
	if entry <= 0 || stop <= 0 {
		return 0, fmt.Errorf("entry and stop must be positive")
	}
	perShare := math.Abs(entry - stop)
	if perShare == 0 {
		return 0, fmt.Errorf("stop equals entry")
	}
	byRisk := math.Floor(capital * riskPerTrade / perShare)
	byCapital := math.Floor(maxFraction * capital / entry)
	qty := int(math.Min(byRisk, byCapital))
	if lotSize > 1 {
		qty = qty / lotSize * lotSize
	}
	if qty < 0 {
		qty = 0
	}
	return qty, nil
}

// Charges estimates the statutory costs of a fill.
func (s *Sentinel) Charges(side models.OrderSide, value float64) models.Charges {
	return s.costs.Charges(side, value)
}

// OnTick updates marks and the trailing VWAP.
func (s *Sentinel) OnTick(t models.Tick) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.marks[t.InstrumentID] = t.LastPrice
	w, ok := s.vwap[t.InstrumentID]
	if !ok {
		w = newVWAPWindow(s.cfg.VWAPWindow)
		s.vwap[t.InstrumentID] = w
	}
	w.add(t.Timestamp, t.LastPrice, t.Volume)
}

// OnFill folds a fill into the session accounting and re-checks the loss limit.
func (s *Sentinel) OnFill(ctx context.Context, f models.Fill) {
	s.mu.Lock()
	s.applyFillLocked(f)
	s.mu.Unlock()
	s.CheckLoss(ctx)
}

// Restore replays the session's fills without evaluating the loss limit.
func (s *Sentinel) Restore(fills []models.Fill) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, f := range fills {
		s.applyFillLocked(f)
	}
}

func (s *Sentinel) applyFillLocked(f models.Fill) {
	key := models.PositionKey{StrategyID: f.StrategyID, InstrumentID: f.InstrumentID}
	pos, ok := s.positions[key]
	if !ok {
		pos = &models.Position{StrategyID: f.StrategyID, InstrumentID: f.InstrumentID}
		s.positions[key] = pos
	}
	realized, _ := pos.Apply(f)
	s.state.DailyRealizedPnL += realized
	s.state.Turnover += f.Value()
	charges := f.Charges.Total
	if charges == 0 {
		charges = s.costs.Charges(f.Side, f.Value()).Total
	}
	s.state.EstimatedCharges += charges
	if _, ok := s.marks[f.InstrumentID]; !ok {
		s.marks[f.InstrumentID] = f.Price
	}
}

func (s *Sentinel) unrealizedLocked() float64 {
	total := 0.0
	for _, pos := range s.positions {
		total += pos.UnrealizedPnL(s.marks[pos.InstrumentID])
	}
	return total
}

// CheckLoss recomputes net PnL and engages the kill switch when it breaches
// the daily loss limit. It returns true if this call engaged the switch.
func (s *Sentinel) CheckLoss(ctx context.Context) bool {
	s.mu.Lock()
	s.state.DailyUnrealizedPnL = s.unrealizedLocked()
	net := s.state.NetPnL()
	if s.state.KillSwitchEngaged || s.cfg.MaxDailyLoss <= 0 || net >= -s.cfg.MaxDailyLoss {
		s.mu.Unlock()
		return false
	}
	reason := fmt.Sprintf("net pnl %.2f breached daily loss limit %.2f", net, s.cfg.MaxDailyLoss)
	s.mu.Unlock()
	return s.EngageKillSwitch(ctx, reason)
}

// EngageKillSwitch latches the kill switch, cancels outstanding orders and
// liquidates open positions. Idempotent; returns true only on the first call.
func (s *Sentinel) EngageKillSwitch(ctx context.Context, reason string) bool {
	s.mu.Lock()
	if s.state.KillSwitchEngaged {
		s.mu.Unlock()
		return false
	}
	s.state.KillSwitchEngaged = true
	s.state.KillReason = reason
	s.state.DailyUnrealizedPnL = s.unrealizedLocked()
	snapshot := s.state
	liquidator := s.liquidator
	callbacks := append([]func(string, models.RiskState){}, s.onKill...)
	s.mu.Unlock()

	s.logger.Error().
		Str("event", "kill_switch_engaged").
		Str("reason", reason).
		Float64("net_pnl", snapshot.NetPnL()).
		Float64("turnover", snapshot.Turnover).
		Msg("Kill switch engaged")

	if liquidator != nil {
		cancelled := liquidator.CancelAll(ctx, reason)
		closing := liquidator.LiquidateAll(ctx, reason)
		s.logger.Warn().
			Int("cancelled", cancelled).
			Int("closing_orders", closing).
			Msg("Flattening book")
	}
	for _, fn := range callbacks {
		fn(reason, snapshot)
	}
	return true
}

// ClearKillSwitch releases the latch. Callers must be authorised.
func (s *Sentinel) ClearKillSwitch() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.state.KillSwitchEngaged {
		return false
	}
	s.state.KillSwitchEngaged = false
	s.state.KillReason = ""
	s.logger.Warn().Str("event", "kill_switch_cleared").Msg("Kill switch cleared")
	return true
}

// KillSwitchEngaged reports the latch state.
func (s *Sentinel) KillSwitchEngaged() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state.KillSwitchEngaged
}

// ResetSession starts a new trading day. PnL and positions are cleared; the
// kill switch stays latched until explicitly cleared.
func (s *Sentinel) ResetSession(date time.Time, capital float64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	engaged, reason := s.state.KillSwitchEngaged, s.state.KillReason
	s.state = models.RiskState{
		SessionDate:       date,
		AllocatedCapital:  capital,
		KillSwitchEngaged: engaged,
		KillReason:        reason,
	}
	s.cfg.Capital = capital
	s.positions = make(map[models.PositionKey]*models.Position)
	s.vwap = make(map[string]*vwapWindow)
}

// Snapshot returns a copy of the risk state with unrealized PnL marked now.
func (s *Sentinel) Snapshot() models.RiskState {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.state.DailyUnrealizedPnL = s.unrealizedLocked()
	return s.state
}

func abs(v int) int {
	if v < 0 {
		return -v
	}
	return v
}
