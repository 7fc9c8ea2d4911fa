package candle

import (
	"context"
	"testing"
	"time"

	"github.com/leanovate/gopter"
	"github.com/leanovate/gopter/gen"
	"github.com/leanovate/gopter/prop"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"intraday-trader/internal/bus"
	"intraday-trader/internal/clock"
	"intraday-trader/internal/models"
)

var sessionStart = time.Date(2024, 3, 4, 9, 15, 0, 0, clock.IST)

func tickAt(offset time.Duration, price float64, vol int64) models.Tick {
	return models.Tick{InstrumentID: "RELIANCE", Timestamp: sessionStart.Add(offset), LastPrice: price, Volume: vol}
}

func TestAggregator_ClosesBucketOnCrossingTick(t *testing.T) {
	a := NewAggregator([]time.Duration{time.Minute}, clock.IST)

	assert.Empty(t, a.OnTick(tickAt(5*time.Second, 100, 10)))
	assert.Empty(t, a.OnTick(tickAt(20*time.Second, 103, 5)))
	assert.Empty(t, a.OnTick(tickAt(40*time.Second, 99, 7)))
	assert.Empty(t, a.OnTick(tickAt(59*time.Second, 101, 1)))

	closed := a.OnTick(tickAt(60*time.Second, 102, 3))
	require.Len(t, closed, 1)
	c := closed[0]
	assert.Equal(t, sessionStart, c.OpenTime)
	assert.Equal(t, sessionStart.Add(time.Minute), c.CloseTime())
	assert.Equal(t, 100.0, c.Open)
	assert.Equal(t, 103.0, c.High)
	assert.Equal(t, 99.0, c.Low)
	assert.Equal(t, 101.0, c.Close)
	assert.Equal(t, int64(23), c.Volume)
}

func TestAggregator_DropsLateTicks(t *testing.T) {
	a := NewAggregator([]time.Duration{time.Minute}, clock.IST)

	a.OnTick(tickAt(90*time.Second, 100, 1))
	assert.Empty(t, a.OnTick(tickAt(30*time.Second, 50, 1)))
	assert.Equal(t, uint64(1), a.Dropped())

	closed := a.Flush(sessionStart.Add(2 * time.Minute))
	require.Len(t, closed, 1)
	assert.Equal(t, 100.0, closed[0].Low)

	// The flushed bucket never reopens.
	assert.Empty(t, a.OnTick(tickAt(100*time.Second, 10, 1)))
	assert.Equal(t, uint64(2), a.Dropped())
	assert.Empty(t, a.Flush(sessionStart.Add(time.Hour)))
}

func TestAggregator_GapsProduceNoSyntheticCandles(t *testing.T) {
	a := NewAggregator([]time.Duration{time.Minute}, clock.IST)

	a.OnTick(tickAt(0, 100, 1))
	closed := a.OnTick(tickAt(10*time.Minute, 101, 1))
	require.Len(t, closed, 1)
	assert.Equal(t, sessionStart, closed[0].OpenTime)
}

func TestAggregator_MultipleIntervalsIndependent(t *testing.T) {
	a := NewAggregator([]time.Duration{5 * time.Minute, time.Minute}, clock.IST)

	for i := 0; i < 5; i++ {
		a.OnTick(tickAt(time.Duration(i)*time.Minute, float64(100+i), 1))
	}
	closed := a.OnTick(tickAt(5*time.Minute, 200, 1))
	require.Len(t, closed, 2)
	assert.Equal(t, time.Minute, closed[0].Interval)
	assert.Equal(t, 5*time.Minute, closed[1].Interval)
	assert.Equal(t, 100.0, closed[1].Open)
	assert.Equal(t, 104.0, closed[1].Close)
	assert.Equal(t, int64(5), closed[1].Volume)
}

func TestAggregator_BucketsAlignToLocalMidnight(t *testing.T) {
	ts := time.Date(2024, 3, 4, 9, 17, 42, 0, clock.IST)
	assert.Equal(t, time.Date(2024, 3, 4, 9, 15, 0, 0, clock.IST), BucketStart(ts, 5*time.Minute, clock.IST))
	assert.Equal(t, time.Date(2024, 3, 4, 9, 15, 0, 0, clock.IST), BucketStart(ts, 15*time.Minute, clock.IST))

	// Same instant expressed in UTC lands in the same bucket.
	assert.True(t, BucketStart(ts.UTC(), 5*time.Minute, clock.IST).Equal(time.Date(2024, 3, 4, 9, 15, 0, 0, clock.IST)))
}

func TestAggregator_AttachEmitsCandleBeforeNextTick(t *testing.T) {
	b := bus.New(bus.DefaultConfig(), zerolog.Nop())
	a := NewAggregator([]time.Duration{time.Minute}, clock.IST)
	a.Attach(b)

	var order []string
	b.Subscribe(bus.KindTick, func(_ context.Context, ev bus.Event) {
		order = append(order, "tick")
	})
	b.Subscribe(bus.KindCandle, func(_ context.Context, ev bus.Event) {
		order = append(order, "candle")
	})

	ctx := context.Background()
	b.Process(ctx, bus.TickEvent{Tick: tickAt(0, 100, 1)})
	b.Process(ctx, bus.TickEvent{Tick: tickAt(61*time.Second, 100, 1)})
	b.Process(ctx, bus.TickEvent{Tick: tickAt(62*time.Second, 100, 1)})

	assert.Equal(t, []string{"tick", "tick", "candle", "tick"}, order)
}

// Feature: candle aggregation, Property: OHLCV matches the ticks of each bucket
//
// Property: for any time-ordered tick stream, each emitted candle's open is the
// first tick price of its bucket, close the last, high/low the extremes and
// volume the sum, and every bucket is emitted exactly once.
func TestProperty_CandleMatchesBucketTicks(t *testing.T) {
	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 200
	parameters.Rng.Seed(time.Now().UnixNano())

	properties := gopter.NewProperties(parameters)

	const n = 60
	properties.Property("candles are exact folds of their bucket's ticks", prop.ForAll(
		func(gaps []int, prices []float64, vols []int64, intervalMin int) bool {
			interval := time.Duration(intervalMin) * time.Minute
			a := NewAggregator([]time.Duration{interval}, clock.IST)

			type agg struct {
				open, high, low, close float64
				vol                    int64
				count                  int
			}
			expected := make(map[time.Time]*agg)
			var order []time.Time

			var got []models.Candle
			offset := time.Duration(0)
			for i := 0; i < n; i++ {
				offset += time.Duration(gaps[i]) * time.Second
				tk := tickAt(offset, prices[i], vols[i])
				start := BucketStart(tk.Timestamp, interval, clock.IST)
				e, ok := expected[start]
				if !ok {
					e = &agg{open: tk.LastPrice, high: tk.LastPrice, low: tk.LastPrice}
					expected[start] = e
					order = append(order, start)
				}
				if tk.LastPrice > e.high {
					e.high = tk.LastPrice
				}
				if tk.LastPrice < e.low {
					e.low = tk.LastPrice
				}
				e.close = tk.LastPrice
				e.vol += tk.Volume
				e.count++

				got = append(got, a.OnTick(tk)...)
			}
			got = append(got, a.Flush(sessionStart.Add(24*time.Hour))...)

			if len(got) != len(order) {
				return false
			}
			for i, c := range got {
				if !c.OpenTime.Equal(order[i]) {
					return false
				}
				e := expected[c.OpenTime]
				if c.Open != e.open || c.High != e.high || c.Low != e.low || c.Close != e.close || c.Volume != e.vol {
					return false
				}
				if c.Low > c.Open || c.Low > c.Close || c.High < c.Open || c.High < c.Close {
					return false
				}
			}
			return a.Dropped() == 0
		},
		gen.SliceOfN(n, gen.IntRange(0, 90)),
		gen.SliceOfN(n, gen.Float64Range(100, 200)),
		gen.SliceOfN(n, gen.Int64Range(0, 1000)),
		gen.OneConstOf(1, 3, 5, 15),
	))

	properties.TestingRun(t)
}
