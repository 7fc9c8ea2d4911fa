package indicators

import (
	"fmt"

	"intraday-trader/internal/models"
)

// RSI calculates the Relative Strength Index with Wilder smoothing.
type RSI struct {
	period int
}

// NewRSI creates a new RSI indicator.
func NewRSI(period int) *RSI {
	return &RSI{period: period}
}

func (r *RSI) Name() string {
	return fmt.Sprintf("RSI_%d", r.period)
}

func (r *RSI) Period() int {
	return r.period
}

// Calculate returns values from index period on. A window with neither
// gains nor losses reads 50; one with only gains reads 100.
func (r *RSI) Calculate(candles []models.Candle) ([]float64, error) {
	if r.period <= 0 {
		return nil, ErrInvalidPeriod
	}
	if len(candles) < r.period+1 {
		return nil, ErrInsufficientData
	}

	n := len(candles)
	closes := closePrices(candles)
	gains := make([]float64, n)
	losses := make([]float64, n)
	for i := 1; i < n; i++ {
		change := closes[i] - closes[i-1]
		if change > 0 {
			gains[i] = change
		} else {
			losses[i] = -change
		}
	}

	alpha := 1 / float64(r.period)
	avgGain := smooth(gains, alpha)
	avgLoss := smooth(losses, alpha)

	result := make([]float64, n)
	for i := r.period; i < n; i++ {
		switch {
		case avgLoss[i] == 0 && avgGain[i] == 0:
			result[i] = 50
		case avgLoss[i] == 0:
			result[i] = 100
		default:
			rs := avgGain[i] / avgLoss[i]
			result[i] = 100 - (100 / (1 + rs))
		}
	}
	return result, nil
}

// LatestRSI is the last RSI value, or the neutral 50 when there are too
// few candles to compute one.
func LatestRSI(candles []models.Candle, period int) float64 {
	values, err := NewRSI(period).Calculate(candles)
	if err != nil {
		return 50
	}
	return Last(values, 50)
}
