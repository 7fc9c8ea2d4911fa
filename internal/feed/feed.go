// Package feed maintains the market-data connection: it watches for silence,
// reconnects with exponential backoff and publishes ticks onto the bus.
package feed

import (
	"context"
	stderrors "errors"
	"io"
	"sync"
	"sync/atomic"
	"time"

	"github.com/jpillora/backoff"
	"github.com/rs/zerolog"

	"intraday-trader/internal/bus"
	"intraday-trader/internal/clock"
	"intraday-trader/internal/logging"
	"intraday-trader/internal/models"
)

// State is the connection state of the feed.
type State string

const (
	StateDisconnected State = "DISCONNECTED"
	StateConnecting   State = "CONNECTING"
	StateConnected    State = "CONNECTED"
	StateStale        State = "STALE"
)

// Message is one inbound item. Heartbeats carry neither a tick nor an update
// and only keep the watchdog quiet.
type Message struct {
	Tick   *models.Tick
	Update *models.OrderUpdate
}

// Session is one live connection.
type Session interface {
	// Messages is closed when the connection ends.
	Messages() <-chan Message
	// Err reports why Messages was closed. io.EOF means the source is
	// exhausted and must not be reconnected.
	Err() error
	Close() error
}

// Source opens market-data sessions.
type Source interface {
	Name() string
	Connect(ctx context.Context, instruments []string) (Session, error)
}

// UpdateLossReporter is implemented by sources that can lose order updates
// before handing them to the feed.
type UpdateLossReporter interface {
	LostUpdates() uint64
}

// Publisher is the subset of the bus the feed needs.
type Publisher interface {
	Publish(ctx context.Context, ev bus.Event) error
	TryPublish(ev bus.Event) bool
}

// Config holds watchdog and reconnect settings.
type Config struct {
	Staleness     time.Duration
	BackoffBase   time.Duration
	BackoffMax    time.Duration
	ConfirmWindow time.Duration
	// Backpressure makes tick publishing block instead of dropping. Replays
	// use it so that no tick is lost to a full queue.
	Backpressure bool
}

// DefaultConfig returns the default feed settings.
func DefaultConfig() Config {
	return Config{
		Staleness:     10 * time.Second,
		BackoffBase:   time.Second,
		BackoffMax:    30 * time.Second,
		ConfirmWindow: 30 * time.Second,
	}
}

// StateChange describes a transition.
type StateChange struct {
	State     State
	NextRetry time.Duration
	Err       error
}

// Stats holds feed counters.
type Stats struct {
	Ticks       uint64
	Dropped     uint64
	Updates     uint64
	LostUpdates uint64
	Reconnects  uint64
}

// Feed is the self-healing market-data connection.
type Feed struct {
	cfg         Config
	source      Source
	pub         Publisher
	clock       clock.Clock
	logger      zerolog.Logger
	instruments []string
	backoff     *backoff.Backoff

	mu        sync.RWMutex
	state     State
	listeners []func(StateChange)

	ticks      atomic.Uint64
	dropped    atomic.Uint64
	updates    atomic.Uint64
	lost       atomic.Uint64
	reconnects atomic.Uint64
}

// New creates a feed for the given instruments.
func New(cfg Config, source Source, instruments []string, pub Publisher, clk clock.Clock, logger zerolog.Logger) *Feed {
	def := DefaultConfig()
	if cfg.Staleness <= 0 {
		cfg.Staleness = def.Staleness
	}
	if cfg.BackoffBase <= 0 {
		cfg.BackoffBase = def.BackoffBase
	}
	if cfg.BackoffMax < cfg.BackoffBase {
		cfg.BackoffMax = max(def.BackoffMax, cfg.BackoffBase)
	}
	return &Feed{
		cfg:         cfg,
		source:      source,
		pub:         pub,
		clock:       clk,
		logger:      logging.WithComponent(logger, "feed").With().Str("source", source.Name()).Logger(),
		instruments: instruments,
		backoff:     &backoff.Backoff{Min: cfg.BackoffBase, Max: cfg.BackoffMax, Factor: 2},
		state:       StateDisconnected,
	}
}

// OnStateChange registers a callback invoked on every transition.
func (f *Feed) OnStateChange(fn func(StateChange)) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.listeners = append(f.listeners, fn)
}

// State returns the current connection state.
func (f *Feed) State() State {
	f.mu.RLock()
	defer f.mu.RUnlock()
	return f.state
}

// Stats returns the feed counters.
func (f *Feed) Stats() Stats {
	st := Stats{
		Ticks:       f.ticks.Load(),
		Dropped:     f.dropped.Load(),
		Updates:     f.updates.Load(),
		LostUpdates: f.lost.Load(),
		Reconnects:  f.reconnects.Load(),
	}
	if lr, ok := f.source.(UpdateLossReporter); ok {
		st.LostUpdates += lr.LostUpdates()
	}
	return st
}

// Run connects and keeps the feed alive until ctx is done or a finite source
// is exhausted. Connection failures are never fatal.
func (f *Feed) Run(ctx context.Context) error {
	defer f.setState(StateChange{State: StateDisconnected})

	for attempt := 0; ; attempt++ {
		if ctx.Err() != nil {
			return nil
		}
		if attempt > 0 {
			f.reconnects.Add(1)
		}

		f.setState(StateChange{State: StateConnecting})
		sess, err := f.source.Connect(ctx, f.instruments)
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			f.logger.Warn().Err(err).Msg("Market data connection failed")
			if !f.wait(ctx, err) {
				return nil
			}
			continue
		}

		f.setState(StateChange{State: StateConnected})
		err = f.consume(ctx, sess)
		_ = sess.Close()

		switch {
		case ctx.Err() != nil:
			return nil
		case stderrors.Is(err, io.EOF):
			f.logger.Info().Uint64("ticks", f.ticks.Load()).Msg("Market data source exhausted")
			return nil
		}
		if !f.wait(ctx, err) {
			return nil
		}
	}
}

// wait reports DISCONNECTED with the next retry delay and sleeps it out.
func (f *Feed) wait(ctx context.Context, cause error) bool {
	delay := f.backoff.Duration()
	f.setState(StateChange{State: StateDisconnected, NextRetry: delay, Err: cause})
	select {
	case <-ctx.Done():
		return false
	case <-f.clock.After(delay):
		return true
	}
}

var errStale = stderrors.New("no market data within staleness window")

func (f *Feed) consume(ctx context.Context, sess Session) error {
	watchdog := f.clock.NewTimer(f.cfg.Staleness)
	defer watchdog.Stop()

	var confirm <-chan time.Time
	if f.cfg.ConfirmWindow > 0 {
		t := f.clock.NewTimer(f.cfg.ConfirmWindow)
		defer t.Stop()
		confirm = t.Chan()
	} else {
		f.backoff.Reset()
	}

	msgs := sess.Messages()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()

		case msg, ok := <-msgs:
			if !ok {
				err := sess.Err()
				if err == nil {
					err = stderrors.New("session closed by peer")
				}
				if !stderrors.Is(err, io.EOF) {
					f.logger.Warn().Err(err).Msg("Market data session closed")
				}
				return err
			}
			if !watchdog.Stop() {
				select {
				case <-watchdog.Chan():
				default:
				}
			}
			watchdog.Reset(f.cfg.Staleness)
			f.handle(ctx, msg)

		case <-watchdog.Chan():
			f.logger.Warn().Dur("staleness", f.cfg.Staleness).Msg("Market data went stale, forcing reconnect")
			f.setState(StateChange{State: StateStale, Err: errStale})
			return errStale

		case <-confirm:
			f.backoff.Reset()
			confirm = nil
		}
	}
}

func (f *Feed) handle(ctx context.Context, msg Message) {
	if msg.Update != nil {
		f.updates.Add(1)
		// Order updates are never dropped.
		if err := f.pub.Publish(ctx, bus.OrderUpdateEvent{Update: *msg.Update}); err != nil {
			f.lost.Add(1)
			f.logger.Error().Err(err).Str("exchange_id", msg.Update.ExchangeID).Msg("Failed to publish order update")
		}
	}
	if msg.Tick == nil {
		return
	}
	f.ticks.Add(1)
	ev := bus.TickEvent{Tick: *msg.Tick}
	if f.cfg.Backpressure {
		if err := f.pub.Publish(ctx, ev); err != nil {
			f.dropped.Add(1)
		}
		return
	}
	if !f.pub.TryPublish(ev) {
		if f.dropped.Add(1)%1000 == 1 {
			f.logger.Warn().Uint64("dropped", f.dropped.Load()).Msg("Event queue full, dropping ticks")
		}
	}
}

func (f *Feed) setState(sc StateChange) {
	f.mu.Lock()
	prev := f.state
	f.state = sc.State
	listeners := f.listeners
	f.mu.Unlock()

	if prev == sc.State && sc.NextRetry == 0 {
		return
	}
	ev := f.logger.Info()
	if sc.State == StateStale || (sc.State == StateDisconnected && sc.Err != nil) {
		ev = f.logger.Warn()
	}
	ev.Str("from", string(prev)).Str("to", string(sc.State))
	if sc.NextRetry > 0 {
		ev.Dur("next_retry", sc.NextRetry)
	}
	ev.Msg("Feed state changed")

	f.pub.TryPublish(bus.FeedStateEvent{State: string(sc.State), NextRetry: sc.NextRetry, Err: sc.Err})
	for _, fn := range listeners {
		fn(sc)
	}
}
