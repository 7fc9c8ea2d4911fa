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

// momentumRule follows the trend: long above the EMA and VWAP with strong
// RSI, short below both with weak RSI.
type momentumRule struct {
	emaPeriod int
	rsiPeriod int
	rsiLong   float64
	rsiShort  float64
}

func (r momentumRule) warmup() int { return max(r.emaPeriod, r.rsiPeriod+1) }

func (r momentumRule) decide(history, day []models.Candle) (models.OrderSide, string) {
	ema, err := indicators.NewEMA(r.emaPeriod).Calculate(history)
	if err != nil {
		return "", ""
	}
	vwap, err := indicators.NewVWAP().Calculate(day)
	if err != nil {
		return "", ""
	}
	e, v := indicators.Last(ema, 0), indicators.Last(vwap, 0)
	rsi := indicators.LatestRSI(history, r.rsiPeriod)
	last := history[len(history)-1].Close
	if v == 0 {
		return "", ""
	}

	why := fmt.Sprintf("ema %.2f rsi %.1f vwap %.2f", e, rsi, v)
	switch {
	case last > e && rsi > r.rsiLong && last > v:
		return models.OrderSideBuy, "momentum up, " + why
	case last < e && rsi < r.rsiShort && last < v:
		return models.OrderSideSell, "momentum down, " + why
	}
	return "", ""
}

// NewMomentum builds the EMA, RSI and VWAP trend follower. Recognised
// params: ema_period, rsi_period, rsi_long, rsi_short, stop_pct,
// target_pct, cooldown_minutes, quantity and history.
func NewMomentum(cfg config.StrategyConfig, session clock.Session, logger zerolog.Logger) (Strategy, error) {
	rule := momentumRule{
		emaPeriod: int(param(cfg.Params, "ema_period", 50)),
		rsiPeriod: int(param(cfg.Params, "rsi_period", 14)),
		rsiLong:   param(cfg.Params, "rsi_long", 60),
		rsiShort:  param(cfg.Params, "rsi_short", 40),
	}
	if rule.emaPeriod <= 0 || rule.rsiPeriod <= 0 {
		return nil, fmt.Errorf("ema_period and rsi_period must be positive")
	}
	p := candleParams(cfg, CandleParams{StopPct: 0.3, TargetPct: 0.9, Cooldown: 10 * time.Minute, History: 200})
	return newCandleStrategy(cfg, "momentum", p, rule, session, logger)
}
