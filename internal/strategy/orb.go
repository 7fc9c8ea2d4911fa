package strategy

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"intraday-trader/internal/clock"
	"intraday-trader/internal/config"
	"intraday-trader/internal/logging"
	"intraday-trader/internal/models"
)

// ORBParams configures the opening range breakout. Percentages are in
// percent, so 0.3 means 0.3%.
type ORBParams struct {
	Range       time.Duration
	BreakoutPct float64
	StopPct     float64
	TargetPct   float64
	Cooldown    time.Duration
	// Quantity fixes the requested size. Zero lets risk size the trade.
	Quantity int
}

// DefaultORBParams returns the stock opening range settings.
func DefaultORBParams() ORBParams {
	return ORBParams{
		Range:       15 * time.Minute,
		BreakoutPct: 0.3,
		StopPct:     0.4,
		TargetPct:   0.7,
		Cooldown:    12 * time.Minute,
	}
}

type orbBook struct {
	day         time.Time
	rangeHigh   float64
	rangeLow    float64
	rangeBars   int
	established bool

	positionBook
}

// ORB trades breakouts of the opening range: long above the range high plus
// a buffer, short below the range low minus the buffer, exiting at a fixed
// stop or target and cooling down after each exit.
type ORB struct {
	id          string
	instruments []string
	interval    time.Duration
	params      ORBParams
	session     clock.Session
	logger      zerolog.Logger

	mu    sync.Mutex
	books map[string]*orbBook
}

// NewORB builds an opening range breakout strategy. Recognised params:
// range_minutes, breakout_pct, stop_pct, target_pct, cooldown_minutes and
// quantity.
func NewORB(cfg config.StrategyConfig, session clock.Session, logger zerolog.Logger) (Strategy, error) {
	def := DefaultORBParams()
	p := ORBParams{
		Range:       time.Duration(param(cfg.Params, "range_minutes", def.Range.Minutes()) * float64(time.Minute)),
		BreakoutPct: param(cfg.Params, "breakout_pct", def.BreakoutPct),
		StopPct:     param(cfg.Params, "stop_pct", def.StopPct),
		TargetPct:   param(cfg.Params, "target_pct", def.TargetPct),
		Cooldown:    time.Duration(param(cfg.Params, "cooldown_minutes", def.Cooldown.Minutes()) * float64(time.Minute)),
		Quantity:    int(param(cfg.Params, "quantity", 0)),
	}
	interval := cfg.Interval
	if interval <= 0 {
		interval = time.Minute
	}
	return newORB(cfg.ID, cfg.Instruments, interval, p, session, logger)
}

func newORB(id string, instruments []string, interval time.Duration, p ORBParams, session clock.Session, logger zerolog.Logger) (*ORB, error) {
	switch {
	case p.Range < interval:
		return nil, fmt.Errorf("range %s shorter than interval %s", p.Range, interval)
	case p.BreakoutPct < 0:
		return nil, fmt.Errorf("breakout_pct must not be negative")
	case p.StopPct <= 0 || p.TargetPct <= 0:
		return nil, fmt.Errorf("stop_pct and target_pct must be positive")
	case p.Quantity < 0:
		return nil, fmt.Errorf("quantity must not be negative")
	}
	books := make(map[string]*orbBook, len(instruments))
	for _, inst := range instruments {
		books[inst] = &orbBook{positionBook: newPositionBook(p.StopPct, p.TargetPct)}
	}
	return &ORB{
		id:          id,
		instruments: instruments,
		interval:    interval,
		params:      p,
		session:     session,
		logger:      logging.WithStrategy(logger, id),
		books:       books,
	}, nil
}

func (s *ORB) ID() string              { return s.id }
func (s *ORB) Instruments() []string   { return s.instruments }
func (s *ORB) Interval() time.Duration { return s.interval }
func (s *ORB) Params() ORBParams       { return s.params }

// OnTick checks the stop and target of an open position.
func (s *ORB) OnTick(_ context.Context, tick models.Tick) *models.Signal {
	s.mu.Lock()
	defer s.mu.Unlock()
	b, ok := s.books[tick.InstrumentID]
	if !ok {
		return nil
	}
	return b.exit(s.id, tick.InstrumentID, tick.LastPrice, tick.Timestamp, s.interval)
}

// OnCandle builds the opening range and looks for breakouts once it is set.
func (s *ORB) OnCandle(_ context.Context, c models.Candle) []models.Signal {
	if c.Interval != s.interval {
		return nil
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	b, ok := s.books[c.InstrumentID]
	if !ok {
		return nil
	}

	day := clock.SessionDate(c.OpenTime, s.session.Location)
	if !day.Equal(b.day) {
		b.day = day
		b.rangeHigh, b.rangeLow, b.rangeBars = 0, 0, 0
		b.established = false
	}
	if !s.session.IsOpen(c.OpenTime) {
		return nil
	}
	if b.position != 0 {
		if sig := b.exit(s.id, c.InstrumentID, c.Close, c.CloseTime(), s.interval); sig != nil {
			return []models.Signal{*sig}
		}
		return nil
	}

	rangeEnd := day.Add(s.session.Open + s.params.Range)
	if c.OpenTime.Before(rangeEnd) {
		if b.rangeBars == 0 {
			b.rangeHigh, b.rangeLow = c.Close, c.Close
		} else {
			b.rangeHigh = max(b.rangeHigh, c.Close)
			b.rangeLow = min(b.rangeLow, c.Close)
		}
		b.rangeBars++
		return nil
	}
	if !b.established {
		if b.rangeBars == 0 {
			// Started after the range closed; sit the day out.
			return nil
		}
		b.established = true
		instLog := logging.WithInstrument(s.logger, c.InstrumentID)
		instLog.Info().
			Float64("high", b.rangeHigh).
			Float64("low", b.rangeLow).
			Int("bars", b.rangeBars).
			Msg("Opening range established")
	}

	if !s.session.AcceptsEntries(c.OpenTime) || !b.canEnter(c.CloseTime(), s.params.Cooldown) {
		return nil
	}

	upper := b.rangeHigh * (1 + s.params.BreakoutPct/100)
	lower := b.rangeLow * (1 - s.params.BreakoutPct/100)
	var sig models.Signal
	switch {
	case c.Close > upper:
		sig = b.entry(s.id, c.InstrumentID, models.OrderSideBuy, s.params.Quantity, c.Close, c.CloseTime(),
			fmt.Sprintf("breakout above %.2f", b.rangeHigh))
	case c.Close < lower:
		sig = b.entry(s.id, c.InstrumentID, models.OrderSideSell, s.params.Quantity, c.Close, c.CloseTime(),
			fmt.Sprintf("breakdown below %.2f", b.rangeLow))
	default:
		return nil
	}
	instLog := logging.WithInstrument(s.logger, c.InstrumentID)
	instLog.Info().
		Str("side", string(sig.Side)).
		Float64("price", c.Close).
		Str("reason", sig.Reason).
		Msg("Breakout signal")
	return []models.Signal{sig}
}

// OnOrderUpdate tracks working orders and the position they build.
func (s *ORB) OnOrderUpdate(o models.Order) {
	if o.IsParent || o.StrategyID != s.id {
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	b, ok := s.books[o.InstrumentID]
	if !ok {
		return
	}
	b.onOrder(o)
}

// Restore seeds the position after a restart.
func (s *ORB) Restore(pos models.Position) {
	if pos.StrategyID != s.id {
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	b, ok := s.books[pos.InstrumentID]
	if !ok {
		return
	}
	b.restore(pos)
}

// Position returns the strategy's view of its position in an instrument.
func (s *ORB) Position(instrumentID string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	if b, ok := s.books[instrumentID]; ok {
		return b.position
	}
	return 0
}
