// Package candle folds ticks into fixed-interval OHLCV candles.
package candle

import (
	"context"
	"sort"
	"sync/atomic"
	"time"

	"intraday-trader/internal/bus"
	"intraday-trader/internal/clock"
	"intraday-trader/internal/models"
)

type key struct {
	instrument string
	interval   time.Duration
}

// Aggregator maintains one open candle per (instrument, interval). It is owned
// by the event loop and is not safe for concurrent use, except Dropped.
type Aggregator struct {
	intervals []time.Duration
	loc       *time.Location

	open map[key]*models.Candle
	// closedThrough is the end of the last finalized bucket per key.
	closedThrough map[key]time.Time

	dropped atomic.Uint64
	emitted atomic.Uint64
}

// NewAggregator creates an aggregator for the given intervals. Buckets are
// aligned to midnight in loc.
func NewAggregator(intervals []time.Duration, loc *time.Location) *Aggregator {
	if loc == nil {
		loc = clock.IST
	}
	ivs := make([]time.Duration, 0, len(intervals))
	seen := make(map[time.Duration]bool)
	for _, iv := range intervals {
		if iv > 0 && !seen[iv] {
			seen[iv] = true
			ivs = append(ivs, iv)
		}
	}
	sort.Slice(ivs, func(i, j int) bool { return ivs[i] < ivs[j] })
	return &Aggregator{
		intervals:     ivs,
		loc:           loc,
		open:          make(map[key]*models.Candle),
		closedThrough: make(map[key]time.Time),
	}
}

// BucketStart returns the open time of the bucket containing t.
func BucketStart(t time.Time, interval time.Duration, loc *time.Location) time.Time {
	day := clock.SessionDate(t, loc)
	off := t.Sub(day)
	return day.Add(off - off%interval)
}

// OnTick folds a tick into every interval and returns candles the tick closed.
// A tick belonging to an already finalized or superseded bucket is dropped.
func (a *Aggregator) OnTick(tick models.Tick) []models.Candle {
	var closed []models.Candle
	for _, iv := range a.intervals {
		k := key{instrument: tick.InstrumentID, interval: iv}
		start := BucketStart(tick.Timestamp, iv, a.loc)

		if through, ok := a.closedThrough[k]; ok && start.Before(through) {
			a.dropped.Add(1)
			continue
		}

		cur := a.open[k]
		if cur != nil {
			switch {
			case start.Before(cur.OpenTime):
				a.dropped.Add(1)
				continue
			case start.After(cur.OpenTime):
				closed = append(closed, a.finalize(k, cur))
				cur = nil
			}
		}

		if cur == nil {
			a.open[k] = &models.Candle{
				InstrumentID: tick.InstrumentID,
				Interval:     iv,
				OpenTime:     start,
				Open:         tick.LastPrice,
				High:         tick.LastPrice,
				Low:          tick.LastPrice,
				Close:        tick.LastPrice,
				Volume:       tick.Volume,
			}
			continue
		}

		if tick.LastPrice > cur.High {
			cur.High = tick.LastPrice
		}
		if tick.LastPrice < cur.Low {
			cur.Low = tick.LastPrice
		}
		cur.Close = tick.LastPrice
		cur.Volume += tick.Volume
	}
	return closed
}

// Flush finalizes every open bucket whose close time is at or before now.
// Idle instruments would otherwise hold their last candle until the next tick.
func (a *Aggregator) Flush(now time.Time) []models.Candle {
	var closed []models.Candle
	for k, cur := range a.open {
		if !cur.CloseTime().After(now) {
			closed = append(closed, a.finalize(k, cur))
		}
	}
	sort.Slice(closed, func(i, j int) bool {
		ci, cj := closed[i].CloseTime(), closed[j].CloseTime()
		if !ci.Equal(cj) {
			return ci.Before(cj)
		}
		if closed[i].InstrumentID != closed[j].InstrumentID {
			return closed[i].InstrumentID < closed[j].InstrumentID
		}
		return closed[i].Interval < closed[j].Interval
	})
	return closed
}

func (a *Aggregator) finalize(k key, cur *models.Candle) models.Candle {
	delete(a.open, k)
	a.closedThrough[k] = cur.CloseTime()
	a.emitted.Add(1)
	return *cur
}

// Dropped returns the number of late ticks discarded.
func (a *Aggregator) Dropped() uint64 {
	return a.dropped.Load()
}

// Emitted returns the number of candles finalized.
func (a *Aggregator) Emitted() uint64 {
	return a.emitted.Load()
}

// Attach subscribes the aggregator to ticks on b. Closed candles are emitted
// on the loop so they are handled before the next external event.
func (a *Aggregator) Attach(b *bus.Bus) {
	b.Subscribe(bus.KindTick, func(_ context.Context, ev bus.Event) {
		for _, c := range a.OnTick(ev.(bus.TickEvent).Tick) {
			b.Emit(bus.CandleEvent{Candle: c})
		}
	})
}

// FlushInto finalizes expired buckets and emits them on b. Call on the loop.
func (a *Aggregator) FlushInto(b *bus.Bus, now time.Time) {
	for _, c := range a.Flush(now) {
		b.Emit(bus.CandleEvent{Candle: c})
	}
}
