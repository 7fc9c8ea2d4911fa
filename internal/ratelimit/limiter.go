// Package ratelimit gates broker calls with a priority-aware token bucket.
package ratelimit

import (
	"context"
	"sync"

	"golang.org/x/time/rate"

	"intraday-trader/internal/clock"
)

// Priority is the dequeue class of a waiting request.
type Priority int

const (
	// PriorityCancel requests always dequeue before PriorityNormal ones.
	PriorityCancel Priority = iota
	// PriorityNormal covers new orders and status queries.
	PriorityNormal
	numPriorities
)

func (p Priority) String() string {
	if p == PriorityCancel {
		return "cancel"
	}
	return "normal"
}

type waiter struct {
	ready     chan struct{}
	abandoned bool
}

// Limiter hands out tokens at a fixed rate. When requests wait, tokens are
// granted to cancellations first and FIFO within a class.
type Limiter struct {
	limiter *rate.Limiter
	clock   clock.Clock

	mu     sync.Mutex
	queues [numPriorities][]*waiter
	wake   chan struct{}
	// banked is a reserved token whose waiter left before the grant.
	banked bool

	granted [numPriorities]uint64
}

// New creates a limiter allowing rps tokens per second with the given burst.
func New(rps float64, burst int, clk clock.Clock) *Limiter {
	if burst < 1 {
		burst = 1
	}
	return &Limiter{
		limiter: rate.NewLimiter(rate.Limit(rps), burst),
		clock:   clk,
		wake:    make(chan struct{}, 1),
	}
}

// Acquire blocks until a token is granted or ctx is done. Run must be active
// for waiting requests to be served.
func (l *Limiter) Acquire(ctx context.Context, p Priority) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	l.mu.Lock()
	if l.idleLocked() && (l.takeBankedLocked() || l.limiter.AllowN(l.clock.Now(), 1)) {
		l.granted[p]++
		l.mu.Unlock()
		return nil
	}
	w := &waiter{ready: make(chan struct{})}
	l.queues[p] = append(l.queues[p], w)
	l.mu.Unlock()

	select {
	case l.wake <- struct{}{}:
	default:
	}

	select {
	case <-w.ready:
		return nil
	case <-ctx.Done():
		l.mu.Lock()
		select {
		case <-w.ready:
			// Granted concurrently; keep it.
			l.mu.Unlock()
			return nil
		default:
		}
		w.abandoned = true
		l.mu.Unlock()
		return ctx.Err()
	}
}

// Run serves waiting requests until ctx is done.
func (l *Limiter) Run(ctx context.Context) {
	for {
		if !l.hasWaiters() {
			select {
			case <-ctx.Done():
				return
			case <-l.wake:
				continue
			}
		}

		if !l.useBanked() {
			now := l.clock.Now()
			r := l.limiter.ReserveN(now, 1)
			if delay := r.DelayFrom(now); delay > 0 {
				select {
				case <-ctx.Done():
					return
				case <-l.clock.After(delay):
				}
			}
		}

		// The token goes to whoever has the highest priority now, which may
		// be a cancellation that arrived while we waited.
		l.grantNext()
	}
}

// Waiting returns the number of queued requests.
func (l *Limiter) Waiting() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	n := 0
	for _, q := range l.queues {
		for _, w := range q {
			if !w.abandoned {
				n++
			}
		}
	}
	return n
}

// Granted returns the tokens handed out per priority.
func (l *Limiter) Granted(p Priority) uint64 {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.granted[p]
}

func (l *Limiter) takeBankedLocked() bool {
	if !l.banked {
		return false
	}
	l.banked = false
	return true
}

// useBanked spends the banked token on a live waiter instead of reserving a
// fresh one.
func (l *Limiter) useBanked() bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.idleLocked() {
		return false
	}
	return l.takeBankedLocked()
}

func (l *Limiter) hasWaiters() bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return !l.idleLocked()
}

func (l *Limiter) idleLocked() bool {
	for p := range l.queues {
		l.pruneLocked(Priority(p))
		if len(l.queues[p]) > 0 {
			return false
		}
	}
	return true
}

func (l *Limiter) pruneLocked(p Priority) {
	q := l.queues[p]
	for len(q) > 0 && q[0].abandoned {
		q[0] = nil
		q = q[1:]
	}
	l.queues[p] = q
}

func (l *Limiter) grantNext() {
	l.mu.Lock()
	defer l.mu.Unlock()
	for p := range l.queues {
		l.pruneLocked(Priority(p))
		if len(l.queues[p]) == 0 {
			continue
		}
		w := l.queues[p][0]
		l.queues[p][0] = nil
		l.queues[p] = l.queues[p][1:]
		l.granted[p]++
		close(w.ready)
		return
	}
	// Everyone who asked has gone away; keep the paid-for token.
	l.banked = true
}
