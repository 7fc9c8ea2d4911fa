package indicators

import (
	"fmt"

	"intraday-trader/internal/models"
)

// BollingerBands calculates Bollinger Bands around a simple moving average.
type BollingerBands struct {
	period    int
	stdDevMul float64
}

// NewBollingerBands creates a new Bollinger Bands indicator.
func NewBollingerBands(period int, stdDevMul float64) *BollingerBands {
	return &BollingerBands{period: period, stdDevMul: stdDevMul}
}

func (b *BollingerBands) Name() string {
	return fmt.Sprintf("BollingerBands_%d_%.1f", b.period, b.stdDevMul)
}

func (b *BollingerBands) Period() int {
	return b.period
}

// Calculate returns the "upper", "middle" and "lower" series.
func (b *BollingerBands) Calculate(candles []models.Candle) (map[string][]float64, error) {
	if b.period < 2 || b.stdDevMul <= 0 {
		return nil, ErrInvalidPeriod
	}
	if len(candles) < b.period {
		return nil, ErrInsufficientData
	}

	n := len(candles)
	closes := closePrices(candles)
	middle := make([]float64, n)
	upper := make([]float64, n)
	lower := make([]float64, n)
	for i := b.period - 1; i < n; i++ {
		window := closes[i-b.period+1 : i+1]
		sma := mean(window)
		sd := sampleStdDev(window)
		middle[i] = sma
		upper[i] = sma + b.stdDevMul*sd
		lower[i] = sma - b.stdDevMul*sd
	}

	return map[string][]float64{
		"upper":  upper,
		"middle": middle,
		"lower":  lower,
	}, nil
}
