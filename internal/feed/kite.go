package feed

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"
	kiteconnect "github.com/zerodha/gokiteconnect/v4"
	kitemodels "github.com/zerodha/gokiteconnect/v4/models"
	kiteticker "github.com/zerodha/gokiteconnect/v4/ticker"

	"intraday-trader/internal/broker"
	"intraday-trader/internal/clock"
	"intraday-trader/internal/errors"
	"intraday-trader/internal/logging"
	"intraday-trader/internal/models"
)

// KiteConfig holds websocket credentials and the instrument token map.
type KiteConfig struct {
	APIKey         string
	AccessToken    string
	Tokens         map[string]uint32
	ConnectTimeout time.Duration
	BufferSize     int
}

// KiteSource streams ticks and order postbacks from the Kite websocket.
// The ticker's own reconnect loop is disabled; the feed owns reconnection.
type KiteSource struct {
	cfg    KiteConfig
	clock  clock.Clock
	logger zerolog.Logger

	mu         sync.Mutex
	lastVolume map[uint32]uint32

	lost atomic.Uint64
}

// NewKiteSource creates a Kite websocket source.
func NewKiteSource(cfg KiteConfig, clk clock.Clock, logger zerolog.Logger) *KiteSource {
	if cfg.ConnectTimeout <= 0 {
		cfg.ConnectTimeout = 15 * time.Second
	}
	if cfg.BufferSize <= 0 {
		cfg.BufferSize = 4096
	}
	return &KiteSource{
		cfg:        cfg,
		clock:      clk,
		logger:     logging.WithComponent(logger, "kite_ticker"),
		lastVolume: make(map[uint32]uint32),
	}
}

// Name returns the source name.
func (k *KiteSource) Name() string { return "kite" }

// LostUpdates counts postbacks that never reached the feed.
func (k *KiteSource) LostUpdates() uint64 { return k.lost.Load() }

// Connect opens a websocket and subscribes the instruments in full mode.
func (k *KiteSource) Connect(ctx context.Context, instruments []string) (Session, error) {
	tokens := make([]uint32, 0, len(instruments))
	symbols := make(map[uint32]string, len(instruments))
	for _, sym := range instruments {
		tok, ok := k.cfg.Tokens[sym]
		if !ok {
			return nil, errors.Wrapf(errors.ErrInstrumentNotFound, "no instrument token for %s", sym)
		}
		tokens = append(tokens, tok)
		symbols[tok] = sym
	}

	t := kiteticker.New(k.cfg.APIKey, k.cfg.AccessToken)
	t.SetAutoReconnect(false)

	s := &kiteSession{
		msgs:   make(chan Message, k.cfg.BufferSize),
		done:   make(chan struct{}),
		logger: k.logger,
		lost:   &k.lost,
	}
	connected := make(chan struct{})
	var connectOnce sync.Once

	t.OnConnect(func() {
		if err := t.Subscribe(tokens); err != nil {
			s.fail(fmt.Errorf("failed to subscribe: %w", err))
			return
		}
		if err := t.SetMode(kiteticker.ModeFull, tokens); err != nil {
			s.fail(fmt.Errorf("failed to set mode: %w", err))
			return
		}
		connectOnce.Do(func() { close(connected) })
	})
	t.OnError(func(err error) {
		k.logger.Warn().Err(err).Msg("Ticker error")
	})
	t.OnClose(func(code int, reason string) {
		s.fail(fmt.Errorf("websocket closed: %d %s", code, reason))
	})
	t.OnMessage(func(_ int, message []byte) {
		// Kite sends a one byte binary frame as heartbeat.
		if len(message) == 1 {
			s.send(Message{})
		}
	})
	t.OnTick(func(tick kitemodels.Tick) {
		sym, ok := symbols[tick.InstrumentToken]
		if !ok {
			return
		}
		mt := k.convertTick(sym, tick)
		s.send(Message{Tick: &mt})
	})
	t.OnOrderUpdate(func(o kiteconnect.Order) {
		u := broker.ConvertOrder(o)
		s.sendUpdate(Message{Update: &u})
	})

	serveCtx, cancel := context.WithCancel(context.Background())
	s.cancel = cancel
	go func() {
		t.ServeWithContext(serveCtx)
		s.fail(errors.ErrConnectionFailed)
	}()

	timeout := k.clock.After(k.cfg.ConnectTimeout)
	select {
	case <-connected:
		k.logger.Info().Int("instruments", len(tokens)).Msg("Ticker connected")
		return s, nil
	case <-s.done:
		_ = s.Close()
		return nil, errors.NewTransportError("connect", s.Err())
	case <-timeout:
		_ = s.Close()
		return nil, errors.NewTransportError("connect", errors.ErrTimeout)
	case <-ctx.Done():
		_ = s.Close()
		return nil, ctx.Err()
	}
}

// convertTick maps a Kite tick, turning cumulative day volume into the
// quantity traded since the previous tick.
func (k *KiteSource) convertTick(symbol string, tick kitemodels.Tick) models.Tick {
	k.mu.Lock()
	prev, seen := k.lastVolume[tick.InstrumentToken]
	k.lastVolume[tick.InstrumentToken] = tick.VolumeTraded
	k.mu.Unlock()

	var delta int64
	switch {
	case !seen:
	case tick.VolumeTraded >= prev:
		delta = int64(tick.VolumeTraded - prev)
	default:
		// New trading day.
		delta = int64(tick.VolumeTraded)
	}

	ts := tick.Timestamp.Time
	if ts.IsZero() {
		ts = tick.LastTradeTime.Time
	}
	if ts.IsZero() {
		ts = k.clock.Now()
	}

	return models.Tick{
		InstrumentID: symbol,
		Timestamp:    ts,
		LastPrice:    tick.LastPrice,
		Volume:       delta,
		Bid:          tick.Depth.Buy[0].Price,
		Ask:          tick.Depth.Sell[0].Price,
		OpenInterest: int64(tick.OI),
	}
}

type kiteSession struct {
	cancel context.CancelFunc
	msgs   chan Message
	logger zerolog.Logger
	lost   *atomic.Uint64

	mu     sync.Mutex
	done   chan struct{}
	closed bool
	err    error
}

func (s *kiteSession) Messages() <-chan Message { return s.msgs }

func (s *kiteSession) Err() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.err
}

func (s *kiteSession) send(m Message) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}
	select {
	case s.msgs <- m:
	default:
		// The consumer is behind; heartbeats and ticks are expendable.
	}
}

// sendUpdate waits briefly for room. An update still lost here is recovered
// by order reconciliation.
func (s *kiteSession) sendUpdate(m Message) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		s.lost.Add(1)
		return
	}
	t := time.NewTimer(time.Second)
	defer t.Stop()
	select {
	case s.msgs <- m:
	case <-t.C:
		s.lost.Add(1)
		s.logger.Error().Str("exchange_id", m.Update.ExchangeID).Msg("Dropped order postback, queue full")
	}
}

func (s *kiteSession) fail(err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}
	s.closed = true
	s.err = err
	close(s.done)
	close(s.msgs)
}

func (s *kiteSession) Close() error {
	s.fail(errors.ErrConnectionFailed)
	if s.cancel != nil {
		s.cancel()
	}
	return nil
}
