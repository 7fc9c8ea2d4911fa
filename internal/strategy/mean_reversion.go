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

// meanReversionRule fades closes outside the Bollinger bands once RSI
// confirms the stretch.
type meanReversionRule struct {
	bbPeriod   int
	bbWidth    float64
	rsiPeriod  int
	oversold   float64
	overbought float64
}

func (r meanReversionRule) warmup() int { return r.bbPeriod }

func (r meanReversionRule) decide(history, _ []models.Candle) (models.OrderSide, string) {
	bands, err := indicators.NewBollingerBands(r.bbPeriod, r.bbWidth).Calculate(history)
	if err != nil {
		return "", ""
	}
	upper, lower := indicators.Last(bands["upper"], 0), indicators.Last(bands["lower"], 0)
	rsi := indicators.LatestRSI(history, r.rsiPeriod)
	last := history[len(history)-1].Close

	switch {
	case last < lower && rsi < r.oversold:
		return models.OrderSideBuy, fmt.Sprintf("below band %.2f, rsi %.1f", lower, rsi)
	case last > upper && rsi > r.overbought:
		return models.OrderSideSell, fmt.Sprintf("above band %.2f, rsi %.1f", upper, rsi)
	}
	return "", ""
}

// NewMeanReversion builds the Bollinger band fade. Recognised params:
// bb_period, bb_width, rsi_period, oversold, overbought, stop_pct,
// target_pct, cooldown_minutes, quantity and history.
func NewMeanReversion(cfg config.StrategyConfig, session clock.Session, logger zerolog.Logger) (Strategy, error) {
	rule := meanReversionRule{
		bbPeriod:   int(param(cfg.Params, "bb_period", 20)),
		bbWidth:    param(cfg.Params, "bb_width", 2),
		rsiPeriod:  int(param(cfg.Params, "rsi_period", 14)),
		oversold:   param(cfg.Params, "oversold", 30),
		overbought: param(cfg.Params, "overbought", 70),
	}
	switch {
	case rule.bbPeriod < 2 || rule.bbWidth <= 0:
		return nil, fmt.Errorf("bb_period must be at least 2 and bb_width positive")
	case rule.rsiPeriod <= 0:
		return nil, fmt.Errorf("rsi_period must be positive")
	case rule.oversold >= rule.overbought:
		return nil, fmt.Errorf("oversold must be below overbought")
	}
	p := candleParams(cfg, CandleParams{StopPct: 0.35, TargetPct: 0.6, Cooldown: 8 * time.Minute, History: 200})
	return newCandleStrategy(cfg, "mean_reversion", p, rule, session, logger)
}
