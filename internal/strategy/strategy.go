// Package strategy hosts the signal generators and the runner that feeds
// them market data on the event loop.
package strategy

import (
	"context"
	"fmt"
	"sort"
	"time"

	"github.com/rs/zerolog"

	"intraday-trader/internal/clock"
	"intraday-trader/internal/config"
	"intraday-trader/internal/errors"
	"intraday-trader/internal/models"
)

// Strategy turns market data into trade intents. All methods run on the
// event loop and must not block.
type Strategy interface {
	ID() string
	Instruments() []string
	Interval() time.Duration
	// OnTick may only return exit signals; entries are decided on candles.
	OnTick(ctx context.Context, tick models.Tick) *models.Signal
	OnCandle(ctx context.Context, candle models.Candle) []models.Signal
	OnOrderUpdate(order models.Order)
}

// Restorer is implemented by strategies that rebuild their state from the
// recovered positions after a restart.
type Restorer interface {
	Restore(pos models.Position)
}

// Factory builds a strategy from its configuration.
type Factory func(cfg config.StrategyConfig, session clock.Session, logger zerolog.Logger) (Strategy, error)

var registry = map[string]Factory{
	"orb":            NewORB,
	"momentum":       NewMomentum,
	"mean_reversion": NewMeanReversion,
	"gap_fill":       NewGapFill,
}

// Kinds lists the registered strategy kinds.
func Kinds() []string {
	out := make([]string, 0, len(registry))
	for k := range registry {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}

// New builds the strategy declared by cfg.
func New(cfg config.StrategyConfig, session clock.Session, logger zerolog.Logger) (Strategy, error) {
	factory, ok := registry[cfg.Kind]
	if !ok {
		return nil, errors.Wrapf(errors.ErrUnknownStrategy, "%q (known: %v)", cfg.Kind, Kinds())
	}
	s, err := factory(cfg, session, logger)
	if err != nil {
		return nil, fmt.Errorf("strategy %s: %w", cfg.ID, err)
	}
	return s, nil
}

// BuildAll builds every configured strategy, failing on the first unknown
// kind or invalid parameter set.
func BuildAll(cfgs []config.StrategyConfig, session clock.Session, logger zerolog.Logger) ([]Strategy, error) {
	out := make([]Strategy, 0, len(cfgs))
	for _, c := range cfgs {
		s, err := New(c, session, logger)
		if err != nil {
			return nil, err
		}
		out = append(out, s)
	}
	return out, nil
}

func param(params map[string]float64, name string, def float64) float64 {
	if v, ok := params[name]; ok {
		return v
	}
	return def
}
