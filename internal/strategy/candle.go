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

// candleRule decides entries from the closed candles of one instrument.
type candleRule interface {
	// warmup is the number of candles the rule needs before it decides.
	warmup() int
	// decide returns the entry side for the latest candle, or "" for none.
	// day holds the candles of the latest candle's session.
	decide(history, day []models.Candle) (models.OrderSide, string)
}

// CandleParams are the exit and sizing settings shared by the indicator
// strategies. Percentages are in percent.
type CandleParams struct {
	StopPct   float64
	TargetPct float64
	Cooldown  time.Duration
	// Quantity fixes the requested size. Zero lets risk size the trade.
	Quantity int
	// History caps the candles kept per instrument.
	History int
}

func candleParams(cfg config.StrategyConfig, def CandleParams) CandleParams {
	return CandleParams{
		StopPct:   param(cfg.Params, "stop_pct", def.StopPct),
		TargetPct: param(cfg.Params, "target_pct", def.TargetPct),
		Cooldown:  time.Duration(param(cfg.Params, "cooldown_minutes", def.Cooldown.Minutes()) * float64(time.Minute)),
		Quantity:  int(param(cfg.Params, "quantity", 0)),
		History:   int(param(cfg.Params, "history", float64(def.History))),
	}
}

type candleBook struct {
	candles []models.Candle
	positionBook
}

// CandleStrategy runs an indicator rule on closed candles. It enters when
// flat and out of cooldown, and leaves at a fixed stop or target checked on
// every tick and candle.
type CandleStrategy struct {
	id          string
	kind        string
	instruments []string
	interval    time.Duration
	params      CandleParams
	rule        candleRule
	session     clock.Session
	logger      zerolog.Logger

	mu    sync.Mutex
	books map[string]*candleBook
}

func newCandleStrategy(cfg config.StrategyConfig, kind string, p CandleParams, rule candleRule, session clock.Session, logger zerolog.Logger) (*CandleStrategy, error) {
	switch {
	case p.StopPct <= 0 || p.TargetPct <= 0:
		return nil, fmt.Errorf("stop_pct and target_pct must be positive")
	case p.Cooldown < 0:
		return nil, fmt.Errorf("cooldown_minutes must not be negative")
	case p.Quantity < 0:
		return nil, fmt.Errorf("quantity must not be negative")
	case p.History < rule.warmup():
		return nil, fmt.Errorf("history %d shorter than the %d candles %s needs", p.History, rule.warmup(), kind)
	}
	interval := cfg.Interval
	if interval <= 0 {
		interval = time.Minute
	}
	books := make(map[string]*candleBook, len(cfg.Instruments))
	for _, inst := range cfg.Instruments {
		books[inst] = &candleBook{positionBook: newPositionBook(p.StopPct, p.TargetPct)}
	}
	return &CandleStrategy{
		id:          cfg.ID,
		kind:        kind,
		instruments: cfg.Instruments,
		interval:    interval,
		params:      p,
		rule:        rule,
		session:     session,
		logger:      logging.WithStrategy(logger, cfg.ID),
		books:       books,
	}, nil
}

func (s *CandleStrategy) ID() string              { return s.id }
func (s *CandleStrategy) Kind() string            { return s.kind }
func (s *CandleStrategy) Instruments() []string   { return s.instruments }
func (s *CandleStrategy) Interval() time.Duration { return s.interval }
func (s *CandleStrategy) Params() CandleParams    { return s.params }

// OnTick checks the stop and target of an open position.
func (s *CandleStrategy) OnTick(_ context.Context, tick models.Tick) *models.Signal {
	s.mu.Lock()
	defer s.mu.Unlock()
	b, ok := s.books[tick.InstrumentID]
	if !ok {
		return nil
	}
	return b.exit(s.id, tick.InstrumentID, tick.LastPrice, tick.Timestamp, s.interval)
}

// OnCandle records the candle, checks exits and asks the rule for an entry.
func (s *CandleStrategy) OnCandle(_ context.Context, c models.Candle) []models.Signal {
	if c.Interval != s.interval {
		return nil
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	b, ok := s.books[c.InstrumentID]
	if !ok {
		return nil
	}

	b.candles = append(b.candles, c)
	if over := len(b.candles) - s.params.History; over > 0 {
		b.candles = append(b.candles[:0], b.candles[over:]...)
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
	if len(b.candles) < s.rule.warmup() {
		return nil
	}
	if !s.session.AcceptsEntries(c.OpenTime) || !b.canEnter(c.CloseTime(), s.params.Cooldown) {
		return nil
	}

	side, reason := s.rule.decide(b.candles, s.sessionCandles(b.candles))
	if side == "" {
		return nil
	}
	sig := b.entry(s.id, c.InstrumentID, side, s.params.Quantity, c.Close, c.CloseTime(), reason)
	instLog := logging.WithInstrument(s.logger, c.InstrumentID)
	instLog.Info().
		Str("side", string(side)).
		Float64("price", c.Close).
		Str("reason", reason).
		Msgf("%s signal", s.kind)
	return []models.Signal{sig}
}

// sessionCandles is the tail of history that shares the last candle's session.
func (s *CandleStrategy) sessionCandles(history []models.Candle) []models.Candle {
	day := clock.SessionDate(history[len(history)-1].OpenTime, s.session.Location)
	i := len(history) - 1
	for i > 0 && clock.SessionDate(history[i-1].OpenTime, s.session.Location).Equal(day) {
		i--
	}
	return history[i:]
}

// OnOrderUpdate tracks working orders and the position they build.
func (s *CandleStrategy) OnOrderUpdate(o models.Order) {
	if o.IsParent || o.StrategyID != s.id {
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if b, ok := s.books[o.InstrumentID]; ok {
		b.onOrder(o)
	}
}

// Restore seeds the position after a restart.
func (s *CandleStrategy) Restore(pos models.Position) {
	if pos.StrategyID != s.id {
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if b, ok := s.books[pos.InstrumentID]; ok {
		b.restore(pos)
	}
}

// Position returns the strategy's view of its position in an instrument.
func (s *CandleStrategy) Position(instrumentID string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	if b, ok := s.books[instrumentID]; ok {
		return b.position
	}
	return 0
}
