package notify

import (
	"bytes"
	"context"
	"encoding/json"
	stderrors "errors"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/fatih/color"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"intraday-trader/internal/clock"
	"intraday-trader/internal/config"
	"intraday-trader/internal/models"
)

var now = time.Date(2024, 3, 4, 10, 30, 0, 0, clock.IST)

type captureChannel struct {
	mu     sync.Mutex
	events []Event
	err    error
}

func (c *captureChannel) Name() string { return "capture" }

func (c *captureChannel) Send(_ context.Context, ev Event) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.events = append(c.events, ev)
	return c.err
}

func (c *captureChannel) kinds() []Kind {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]Kind, 0, len(c.events))
	for _, ev := range c.events {
		out = append(out, ev.Kind)
	}
	return out
}

func TestNotifier_DeliversInOrderAndFlushesOnClose(t *testing.T) {
	n := New(config.NotificationConfig{}, clock.NewFake(now), zerolog.Nop())
	ch := &captureChannel{}
	failing := &captureChannel{err: stderrors.New("unreachable")}
	n.AddChannel(ch)
	n.AddChannel(failing)

	require.True(t, n.Notify(KillSwitchEvent(true, "daily loss limit breached")))
	require.True(t, n.Notify(FeedEvent(false, 2*time.Second, nil)))
	n.Close()
	assert.False(t, n.Notify(ErrorEvent(stderrors.New("x"), "late")), "closed notifier refuses events")

	require.NoError(t, n.Run(context.Background()))
	assert.Equal(t, []Kind{KindKillSwitchEngaged, KindFeedDisconnected}, ch.kinds())
	assert.Len(t, failing.kinds(), 2, "one failing channel does not stop delivery")
	assert.Equal(t, now, ch.events[0].Timestamp)
}

func TestNotifier_LevelFilter(t *testing.T) {
	n := New(config.NotificationConfig{Level: "trades_only"}, clock.NewFake(now), zerolog.Nop())
	order := models.Order{InternalID: "o-1", InstrumentID: "INFY", Side: models.OrderSideBuy, Quantity: 5, Status: models.OrderStatusFilled, FilledQuantity: 5, AveragePrice: 1500}
	ev, ok := OrderEvent(order)
	require.True(t, ok)

	assert.True(t, n.Notify(ev))
	assert.False(t, n.Notify(FeedEvent(true, 0, nil)))
	assert.False(t, n.Notify(KillSwitchEvent(false, "")))
}

func TestNotifier_DropsWhenQueueFull(t *testing.T) {
	n := New(config.NotificationConfig{}, clock.NewFake(now), zerolog.Nop())
	for i := 0; i < cap(n.queue); i++ {
		require.True(t, n.Notify(ErrorEvent(stderrors.New("boom"), "test")))
	}
	assert.False(t, n.Notify(ErrorEvent(stderrors.New("boom"), "test")))
	assert.Equal(t, uint64(1), n.Dropped())
}

func TestOrderEvent(t *testing.T) {
	_, ok := OrderEvent(models.Order{Status: models.OrderStatusPendingBroker})
	assert.False(t, ok)

	ev, ok := OrderEvent(models.Order{InternalID: "o-2", InstrumentID: "SBIN", Side: models.OrderSideSell, Status: models.OrderStatusRejected, StatusMessage: "RMS: margin exceeds"})
	require.True(t, ok)
	assert.Equal(t, KindOrderRejected, ev.Kind)
	assert.Contains(t, ev.Message, "RMS: margin exceeds")
	assert.Equal(t, "RMS: margin exceeds", ev.Data["reason"])
}

func TestFormatCurrency(t *testing.T) {
	assert.Equal(t, "₹0.00", FormatCurrency(0))
	assert.Equal(t, "₹999.50", FormatCurrency(999.5))
	assert.Equal(t, "₹1,234.00", FormatCurrency(1234))
	assert.Equal(t, "₹12,34,567.89", FormatCurrency(1234567.89))
	assert.Equal(t, "-₹1,00,000.00", FormatCurrency(-100000))
}

func TestWebhookChannel_PostsJSON(t *testing.T) {
	var got map[string]any
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "application/json", r.Header.Get("Content-Type"))
		assert.NoError(t, json.NewDecoder(r.Body).Decode(&got))
		w.WriteHeader(http.StatusNoContent)
	}))
	defer srv.Close()

	ch := NewWebhookChannel(config.WebhookConfig{Enabled: true, URL: srv.URL})
	ev := KillSwitchEvent(true, "manual")
	ev.Timestamp = now
	require.NoError(t, ch.Send(context.Background(), ev))
	assert.Equal(t, "kill_switch_engaged", got["kind"])
	assert.Equal(t, "manual", got["message"])

	bad := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
	}))
	defer bad.Close()
	assert.ErrorContains(t, NewWebhookChannel(config.WebhookConfig{URL: bad.URL}).Send(context.Background(), ev), "502")
}

func TestTelegramChannel_EscapesHTML(t *testing.T) {
	var path string
	var got map[string]any
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		path = r.URL.Path
		assert.NoError(t, json.NewDecoder(r.Body).Decode(&got))
	}))
	defer srv.Close()

	ch := NewTelegramChannel(config.TelegramConfig{BotToken: "123:abc", ChatID: "42"})
	ch.baseURL = srv.URL
	require.NoError(t, ch.Send(context.Background(), Event{Title: "P&L", Message: "<1%"}))
	assert.Equal(t, "/bot123:abc/sendMessage", path)
	assert.Equal(t, "<b>P&amp;L</b>\n\n&lt;1%", got["text"])
	assert.Equal(t, "42", got["chat_id"])
}

func TestTerminalChannel(t *testing.T) {
	color.NoColor = true
	var buf bytes.Buffer
	ch := NewTerminalChannel(&buf)
	ev := SummaryEvent("2024-03-04", 1500, 120.5, 0)
	ev.Timestamp = now
	require.NoError(t, ch.Send(context.Background(), ev))
	assert.Equal(t, "[10:30:00] SUMMARY | Session summary 2024-03-04 | Realized: ₹1,500.00; Charges: ₹120.50; Net: ₹1,379.50; Open positions: 0\n", buf.String())
}
