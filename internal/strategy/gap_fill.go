package strategy

import (
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"intraday-trader/internal/clock"
	"intraday-trader/internal/config"
	"intraday-trader/internal/indicators"
	"intraday-trader/internal/models"
)

// gapFillRule bets on a close that moved away from the previous one and
// sits on the far side of the moving average drifting back.
type gapFillRule struct {
	smaPeriod int
}

func (r gapFillRule) warmup() int { return r.smaPeriod + 1 }

func (r gapFillRule) decide(history, _ []models.Candle) (models.OrderSide, string) {
	sma, err := indicators.NewSMA(r.smaPeriod).Calculate(history)
	if err != nil {
		return "", ""
	}
	avg := indicators.Last(sma, 0)
	last := history[len(history)-1].Close
	prev := history[len(history)-2].Close

	switch {
	case last < prev && last < avg:
		return models.OrderSideBuy, fmt.Sprintf("gap down from %.2f under sma %.2f", prev, avg)
	case last > prev && last > avg:
		return models.OrderSideSell, fmt.Sprintf("gap up from %.2f over sma %.2f", prev, avg)
	}
	return "", ""
}

// NewGapFill builds the gap fill strategy. Recognised params: sma_period,
// stop_pct, target_pct, cooldown_minutes, quantity and history.
func NewGapFill(cfg config.StrategyConfig, session clock.Session, logger zerolog.Logger) (Strategy, error) {
	rule := gapFillRule{smaPeriod: int(param(cfg.Params, "sma_period", 20))}
	if rule.smaPeriod <= 0 {
		return nil, fmt.Errorf("sma_period must be positive")
	}
	p := candleParams(cfg, CandleParams{StopPct: 0.4, TargetPct: 0.5, Cooldown: 5 * time.Minute, History: 200})
	return newCandleStrategy(cfg, "gap_fill", p, rule, session, logger)
}
