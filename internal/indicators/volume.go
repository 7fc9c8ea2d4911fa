package indicators

import (
	"intraday-trader/internal/models"
)

// VWAP calculates the cumulative volume weighted close. Pass the candles of
// one session to get the intraday value.
type VWAP struct{}

// NewVWAP creates a new VWAP indicator.
func NewVWAP() *VWAP {
	return &VWAP{}
}

func (v *VWAP) Name() string {
	return "VWAP"
}

func (v *VWAP) Period() int {
	return 1
}

func (v *VWAP) Calculate(candles []models.Candle) ([]float64, error) {
	if len(candles) == 0 {
		return nil, ErrInsufficientData
	}

	result := make([]float64, len(candles))
	var cumulativePV, cumulativeVol float64
	for i, c := range candles {
		cumulativePV += c.Close * float64(c.Volume)
		cumulativeVol += float64(c.Volume)
		if cumulativeVol != 0 {
			result[i] = cumulativePV / cumulativeVol
		}
	}
	return result, nil
}
