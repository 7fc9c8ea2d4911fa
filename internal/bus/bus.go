// Package bus provides the single-threaded event loop that connects market
// data, strategies, risk and order management.
package bus

import (
	"context"
	"fmt"
	"slices"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"

	"intraday-trader/internal/errors"
	"intraday-trader/internal/models"
)

// Kind identifies an event type.
type Kind int

const (
	KindTick Kind = iota
	KindCandle
	KindOrderUpdate
	KindBrokerResult
	KindFeedState
	KindCall
)

func (k Kind) String() string {
	switch k {
	case KindTick:
		return "tick"
	case KindCandle:
		return "candle"
	case KindOrderUpdate:
		return "order_update"
	case KindBrokerResult:
		return "broker_result"
	case KindFeedState:
		return "feed_state"
	case KindCall:
		return "call"
	default:
		return fmt.Sprintf("kind(%d)", int(k))
	}
}

// Event is anything dispatched by the bus.
type Event interface {
	Kind() Kind
}

// TickEvent carries one market-data tick.
type TickEvent struct{ Tick models.Tick }

func (TickEvent) Kind() Kind { return KindTick }

// CandleEvent carries a finalized candle.
type CandleEvent struct{ Candle models.Candle }

func (CandleEvent) Kind() Kind { return KindCandle }

// OrderUpdateEvent carries a broker-originated order status report.
type OrderUpdateEvent struct{ Update models.OrderUpdate }

func (OrderUpdateEvent) Kind() Kind { return KindOrderUpdate }

// FeedStateEvent reports a market-data connection state change.
type FeedStateEvent struct {
	State     string
	NextRetry time.Duration
	Err       error
}

func (FeedStateEvent) Kind() Kind { return KindFeedState }

// CallEvent runs Fn on the loop goroutine. Timers and operator commands use
// it to mutate loop-owned state without locks.
type CallEvent struct {
	Name string
	Fn   func(ctx context.Context)
}

func (CallEvent) Kind() Kind { return KindCall }

// Handler consumes an event on the loop goroutine.
type Handler func(ctx context.Context, ev Event)

// Config holds bus sizing.
type Config struct {
	// BufferSize bounds the inbound queue shared by all publishers.
	BufferSize int
}

// DefaultConfig returns the default bus configuration.
func DefaultConfig() Config {
	return Config{BufferSize: 4096}
}

// Stats holds bus counters.
type Stats struct {
	Received   uint64
	Dispatched uint64
	Dropped    uint64
	Panics     uint64
}

// Bus dispatches events to subscribers synchronously, in registration order,
// on one goroutine. Events emitted by a handler are processed before the next
// externally published event.
type Bus struct {
	logger  zerolog.Logger
	inbound chan Event
	done    chan struct{}

	mu       sync.RWMutex
	handlers map[Kind][]Handler

	// local is touched only by the loop goroutine.
	local []Event

	running    atomic.Bool
	stopOnce   sync.Once
	received   atomic.Uint64
	dispatched atomic.Uint64
	dropped    atomic.Uint64
	panics     atomic.Uint64
}

// New creates a bus.
func New(cfg Config, logger zerolog.Logger) *Bus {
	if cfg.BufferSize <= 0 {
		cfg.BufferSize = DefaultConfig().BufferSize
	}
	return &Bus{
		logger:   logger.With().Str("component", "bus").Logger(),
		inbound:  make(chan Event, cfg.BufferSize),
		done:     make(chan struct{}),
		handlers: make(map[Kind][]Handler),
	}
}

// Subscribe registers h for events of kind k.
func (b *Bus) Subscribe(k Kind, h Handler) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.handlers[k] = append(b.handlers[k], h)
}

// Publish enqueues ev, blocking until there is room, ctx is done, or the bus stops.
// Safe for concurrent use.
func (b *Bus) Publish(ctx context.Context, ev Event) error {
	select {
	case <-b.done:
		return errors.ErrBusClosed
	default:
	}
	select {
	case b.inbound <- ev:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	case <-b.done:
		return errors.ErrBusClosed
	}
}

// TryPublish enqueues ev without blocking. It returns false and counts a drop
// when the queue is full.
func (b *Bus) TryPublish(ev Event) bool {
	select {
	case <-b.done:
		b.dropped.Add(1)
		return false
	default:
	}
	select {
	case b.inbound <- ev:
		return true
	default:
		b.dropped.Add(1)
		return false
	}
}

// Emit queues a follow-up event from inside a handler. It must only be called
// on the loop goroutine.
func (b *Bus) Emit(ev Event) {
	b.local = append(b.local, ev)
}

// Run processes events until ctx is cancelled.
func (b *Bus) Run(ctx context.Context) error {
	if !b.running.CompareAndSwap(false, true) {
		return fmt.Errorf("bus already running")
	}
	defer b.stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case ev := <-b.inbound:
			b.Process(ctx, ev)
		}
	}
}

// Process dispatches ev and every event emitted while handling it, in FIFO
// order. Only the loop goroutine may call it while Run is active.
func (b *Bus) Process(ctx context.Context, ev Event) {
	b.received.Add(1)
	b.dispatch(ctx, ev)
	for len(b.local) > 0 {
		next := b.local[0]
		b.local[0] = nil
		b.local = b.local[1:]
		b.dispatch(ctx, next)
	}
	b.local = b.local[:0]
}

// Drain processes everything currently queued. With kinds, only events of
// those kinds are processed and the rest are discarded. The loop must not be
// running.
func (b *Bus) Drain(ctx context.Context, kinds ...Kind) int {
	n := 0
	for {
		select {
		case ev := <-b.inbound:
			if len(kinds) > 0 && !slices.Contains(kinds, ev.Kind()) {
				continue
			}
			b.Process(ctx, ev)
			n++
		default:
			return n
		}
	}
}

// Pending returns the number of queued external events.
func (b *Bus) Pending() int {
	return len(b.inbound)
}

func (b *Bus) dispatch(ctx context.Context, ev Event) {
	if call, ok := ev.(CallEvent); ok {
		b.safely(ctx, ev, func(ctx context.Context, _ Event) { call.Fn(ctx) })
		b.dispatched.Add(1)
		return
	}

	b.mu.RLock()
	hs := b.handlers[ev.Kind()]
	b.mu.RUnlock()

	for _, h := range hs {
		b.safely(ctx, ev, h)
	}
	b.dispatched.Add(1)
}

// safely isolates handler panics so one faulty subscriber cannot stop the loop.
func (b *Bus) safely(ctx context.Context, ev Event, h Handler) {
	defer func() {
		if r := recover(); r != nil {
			b.panics.Add(1)
			b.logger.Error().
				Str("event", "handler_panic").
				Str("kind", ev.Kind().String()).
				Interface("panic", r).
				Msg("Event handler panicked")
		}
	}()
	h(ctx, ev)
}

func (b *Bus) stop() {
	b.stopOnce.Do(func() { close(b.done) })
}

// Stats returns a snapshot of the bus counters.
func (b *Bus) Stats() Stats {
	return Stats{
		Received:   b.received.Load(),
		Dispatched: b.dispatched.Load(),
		Dropped:    b.dropped.Load(),
		Panics:     b.panics.Load(),
	}
}
