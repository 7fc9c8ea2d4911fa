package risk

import "time"

type vwapSample struct {
	at     time.Time
	price  float64
	volume int64
}

// vwapWindow is a trailing volume-weighted average over a fixed duration.
type vwapWindow struct {
	window  time.Duration
	samples []vwapSample
	pv      float64
	volume  int64
	prices  float64
}

func newVWAPWindow(window time.Duration) *vwapWindow {
	return &vwapWindow{window: window}
}

func (w *vwapWindow) add(at time.Time, price float64, volume int64) {
	if price <= 0 {
		return
	}
	if volume < 0 {
		volume = 0
	}
	w.samples = append(w.samples, vwapSample{at: at, price: price, volume: volume})
	w.pv += price * float64(volume)
	w.volume += volume
	w.prices += price
	w.evict(at)
}

func (w *vwapWindow) evict(now time.Time) {
	cutoff := now.Add(-w.window)
	n := 0
	for n < len(w.samples) && w.samples[n].at.Before(cutoff) {
		s := w.samples[n]
		w.pv -= s.price * float64(s.volume)
		w.volume -= s.volume
		w.prices -= s.price
		n++
	}
	if n > 0 {
		w.samples = append(w.samples[:0], w.samples[n:]...)
	}
}

// value returns the average; samples without volume fall back to a plain mean.
func (w *vwapWindow) value() (float64, bool) {
	if len(w.samples) == 0 {
		return 0, false
	}
	if w.volume > 0 {
		return w.pv / float64(w.volume), true
	}
	return w.prices / float64(len(w.samples)), true
}
