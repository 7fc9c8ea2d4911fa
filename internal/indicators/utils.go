// Package indicators computes the technical indicators the candle
// strategies read. Every indicator returns one value per input candle;
// slots before the indicator is defined hold zero.
package indicators

import (
	"errors"
	"math"

	"intraday-trader/internal/models"
)

var (
	// ErrInsufficientData is returned when there's not enough data for calculation.
	ErrInsufficientData = errors.New("insufficient data for calculation")
	// ErrInvalidPeriod is returned when the period is invalid.
	ErrInvalidPeriod = errors.New("invalid period")
)

func sum(values []float64) float64 {
	var total float64
	for _, v := range values {
		total += v
	}
	return total
}

func mean(values []float64) float64 {
	if len(values) == 0 {
		return 0
	}
	return sum(values) / float64(len(values))
}

// sampleStdDev divides by n-1, matching the rolling deviation charting
// tools print for Bollinger bands.
func sampleStdDev(values []float64) float64 {
	if len(values) < 2 {
		return 0
	}
	m := mean(values)
	var variance float64
	for _, v := range values {
		diff := v - m
		variance += diff * diff
	}
	return math.Sqrt(variance / float64(len(values)-1))
}

func closePrices(candles []models.Candle) []float64 {
	prices := make([]float64, len(candles))
	for i, c := range candles {
		prices[i] = c.Close
	}
	return prices
}

// Last returns the final value of a series, or def when it is empty.
func Last(values []float64, def float64) float64 {
	if len(values) == 0 {
		return def
	}
	return values[len(values)-1]
}
