package bus

import (
	"context"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"intraday-trader/internal/errors"
	"intraday-trader/internal/models"
)

func TestBus_DispatchOrderAndLocalFIFO(t *testing.T) {
	b := New(Config{BufferSize: 8}, zerolog.Nop())
	ctx := context.Background()

	var seen []string
	b.Subscribe(KindTick, func(ctx context.Context, ev Event) {
		seen = append(seen, "agg:"+ev.(TickEvent).Tick.InstrumentID)
		b.Emit(CandleEvent{Candle: models.Candle{InstrumentID: ev.(TickEvent).Tick.InstrumentID}})
	})
	b.Subscribe(KindTick, func(ctx context.Context, ev Event) {
		seen = append(seen, "strategy:"+ev.(TickEvent).Tick.InstrumentID)
	})
	b.Subscribe(KindCandle, func(ctx context.Context, ev Event) {
		seen = append(seen, "candle:"+ev.(CandleEvent).Candle.InstrumentID)
	})

	require.True(t, b.TryPublish(TickEvent{Tick: models.Tick{InstrumentID: "A"}}))
	require.NoError(t, b.Publish(ctx, TickEvent{Tick: models.Tick{InstrumentID: "B"}}))
	assert.Equal(t, 2, b.Drain(ctx))

	assert.Equal(t, []string{
		"agg:A", "strategy:A", "candle:A",
		"agg:B", "strategy:B", "candle:B",
	}, seen)
}

func TestBus_DrainKeepsOnlyRequestedKinds(t *testing.T) {
	b := New(DefaultConfig(), zerolog.Nop())
	ctx := context.Background()

	var kinds []Kind
	record := func(_ context.Context, ev Event) { kinds = append(kinds, ev.Kind()) }
	b.Subscribe(KindTick, record)
	b.Subscribe(KindOrderUpdate, record)

	require.True(t, b.TryPublish(TickEvent{}))
	require.True(t, b.TryPublish(OrderUpdateEvent{}))
	require.True(t, b.TryPublish(TickEvent{}))

	assert.Equal(t, 1, b.Drain(ctx, KindOrderUpdate))
	assert.Equal(t, []Kind{KindOrderUpdate}, kinds)
	assert.Zero(t, b.Pending())
}

func TestBus_TryPublishDropsWhenFull(t *testing.T) {
	b := New(Config{BufferSize: 2}, zerolog.Nop())

	assert.True(t, b.TryPublish(TickEvent{}))
	assert.True(t, b.TryPublish(TickEvent{}))
	assert.False(t, b.TryPublish(TickEvent{}))
	assert.Equal(t, uint64(1), b.Stats().Dropped)
}

func TestBus_HandlerPanicDoesNotStopLoop(t *testing.T) {
	b := New(DefaultConfig(), zerolog.Nop())
	ctx := context.Background()

	calls := 0
	b.Subscribe(KindTick, func(context.Context, Event) { panic("boom") })
	b.Subscribe(KindTick, func(context.Context, Event) { calls++ })

	b.Process(ctx, TickEvent{})
	b.Process(ctx, TickEvent{})

	assert.Equal(t, 2, calls)
	assert.Equal(t, uint64(2), b.Stats().Panics)
}

func TestBus_RunExecutesCallsAndStops(t *testing.T) {
	b := New(DefaultConfig(), zerolog.Nop())
	ctx, cancel := context.WithCancel(context.Background())

	done := make(chan error, 1)
	go func() { done <- b.Run(ctx) }()

	ran := make(chan struct{})
	require.NoError(t, b.Publish(ctx, CallEvent{Name: "test", Fn: func(context.Context) { close(ran) }}))

	select {
	case <-ran:
	case <-time.After(2 * time.Second):
		t.Fatal("call event not executed")
	}

	cancel()
	select {
	case err := <-done:
		assert.ErrorIs(t, err, context.Canceled)
	case <-time.After(2 * time.Second):
		t.Fatal("bus did not stop")
	}

	assert.ErrorIs(t, b.Publish(context.Background(), TickEvent{}), errors.ErrBusClosed)
	assert.False(t, b.TryPublish(TickEvent{}))
}
