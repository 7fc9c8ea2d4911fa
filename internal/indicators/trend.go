package indicators

import (
	"fmt"

	"intraday-trader/internal/models"
)

// SMA calculates Simple Moving Average.
type SMA struct {
	period int
}

// NewSMA creates a new SMA indicator.
func NewSMA(period int) *SMA {
	return &SMA{period: period}
}

func (s *SMA) Name() string {
	return fmt.Sprintf("SMA_%d", s.period)
}

func (s *SMA) Period() int {
	return s.period
}

func (s *SMA) Calculate(candles []models.Candle) ([]float64, error) {
	if s.period <= 0 {
		return nil, ErrInvalidPeriod
	}
	if len(candles) < s.period {
		return nil, ErrInsufficientData
	}

	result := make([]float64, len(candles))
	closes := closePrices(candles)
	for i := s.period - 1; i < len(candles); i++ {
		result[i] = mean(closes[i-s.period+1 : i+1])
	}
	return result, nil
}

// EMA calculates Exponential Moving Average. The average starts at the
// first close and folds in every later one with weight 2/(period+1), so
// the value at index i only depends on closes up to i.
type EMA struct {
	period int
}

// NewEMA creates a new EMA indicator.
func NewEMA(period int) *EMA {
	return &EMA{period: period}
}

func (e *EMA) Name() string {
	return fmt.Sprintf("EMA_%d", e.period)
}

func (e *EMA) Period() int {
	return e.period
}

func (e *EMA) Calculate(candles []models.Candle) ([]float64, error) {
	if e.period <= 0 {
		return nil, ErrInvalidPeriod
	}
	if len(candles) < e.period {
		return nil, ErrInsufficientData
	}
	return smooth(closePrices(candles), 2.0/float64(e.period+1)), nil
}

// smooth is an exponentially weighted mean seeded with the first value.
func smooth(values []float64, alpha float64) []float64 {
	result := make([]float64, len(values))
	if len(values) == 0 {
		return result
	}
	result[0] = values[0]
	for i := 1; i < len(values); i++ {
		result[i] = result[i-1] + alpha*(values[i]-result[i-1])
	}
	return result
}
