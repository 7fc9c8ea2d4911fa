// Package notify delivers operator notifications for order, risk and feed
// events. Delivery is asynchronous: callers enqueue and never wait on a
// channel's network round trip.
package notify

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"
	"go.uber.org/multierr"

	"intraday-trader/internal/clock"
	"intraday-trader/internal/config"
	"intraday-trader/internal/logging"
	"intraday-trader/internal/models"
)

// Kind classifies a notification.
type Kind string

const (
	KindOrderPlaced       Kind = "order_placed"
	KindOrderFilled       Kind = "order_filled"
	KindOrderRejected     Kind = "order_rejected"
	KindSignalRejected    Kind = "signal_rejected"
	KindKillSwitchEngaged Kind = "kill_switch_engaged"
	KindKillSwitchCleared Kind = "kill_switch_cleared"
	KindFeedDisconnected  Kind = "feed_disconnected"
	KindFeedConnected     Kind = "feed_connected"
	KindError             Kind = "error"
	KindSummary           Kind = "summary"
)

// Level filters which kinds are delivered.
type Level string

const (
	LevelAll        Level = "all"
	LevelTradesOnly Level = "trades_only"
	LevelErrorsOnly Level = "errors_only"
)

func (l Level) allows(k Kind) bool {
	switch l {
	case LevelTradesOnly:
		return k == KindOrderPlaced || k == KindOrderFilled || k == KindOrderRejected
	case LevelErrorsOnly:
		return k == KindError || k == KindOrderRejected || k == KindKillSwitchEngaged || k == KindFeedDisconnected
	default:
		return true
	}
}

// Event is one notification.
type Event struct {
	Kind      Kind
	Title     string
	Message   string
	Data      map[string]any
	Timestamp time.Time
}

// Channel is a delivery target.
type Channel interface {
	Name() string
	Send(ctx context.Context, ev Event) error
}

// Notifier fans events out to its channels from a single goroutine.
type Notifier struct {
	level       Level
	clock       clock.Clock
	logger      zerolog.Logger
	sendTimeout time.Duration

	mu       sync.RWMutex
	channels []Channel

	queue     chan Event
	done      chan struct{}
	closeOnce sync.Once
	dropped   atomic.Uint64
}

// New builds a notifier from configuration. A disabled configuration yields
// a notifier without channels that still accepts events.
func New(cfg config.NotificationConfig, clk clock.Clock, logger zerolog.Logger) *Notifier {
	n := &Notifier{
		level:       Level(cfg.Level),
		clock:       clk,
		logger:      logging.WithComponent(logger, "notify"),
		sendTimeout: 10 * time.Second,
		queue:       make(chan Event, 256),
		done:        make(chan struct{}),
	}
	if n.level == "" {
		n.level = LevelAll
	}
	if !cfg.Enabled {
		return n
	}
	if cfg.Webhook.Enabled {
		n.channels = append(n.channels, NewWebhookChannel(cfg.Webhook))
	}
	if cfg.Telegram.Enabled {
		n.channels = append(n.channels, NewTelegramChannel(cfg.Telegram))
	}
	return n
}

// AddChannel registers another delivery target.
func (n *Notifier) AddChannel(ch Channel) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.channels = append(n.channels, ch)
}

// Notify enqueues ev without blocking. It returns false when the event was
// filtered out or the queue was full.
func (n *Notifier) Notify(ev Event) bool {
	if !n.level.allows(ev.Kind) {
		return false
	}
	if ev.Timestamp.IsZero() {
		ev.Timestamp = n.clock.Now()
	}
	select {
	case <-n.done:
		return false
	default:
	}
	select {
	case n.queue <- ev:
		return true
	default:
		if n.dropped.Add(1)%100 == 1 {
			n.logger.Warn().Uint64("dropped", n.dropped.Load()).Msg("Notification queue full")
		}
		return false
	}
}

// Dropped returns the number of events lost to a full queue.
func (n *Notifier) Dropped() uint64 { return n.dropped.Load() }

// Run delivers queued events until ctx is done or Close is called, then
// flushes whatever is still queued.
func (n *Notifier) Run(ctx context.Context) error {
	for {
		select {
		case ev := <-n.queue:
			n.deliver(ctx, ev)
		case <-ctx.Done():
			n.flush(context.Background())
			return nil
		case <-n.done:
			n.flush(ctx)
			return nil
		}
	}
}

func (n *Notifier) flush(ctx context.Context) {
	for {
		select {
		case ev := <-n.queue:
			n.deliver(ctx, ev)
		default:
			return
		}
	}
}

// Close stops accepting events.
func (n *Notifier) Close() {
	n.closeOnce.Do(func() { close(n.done) })
}

func (n *Notifier) deliver(ctx context.Context, ev Event) {
	n.mu.RLock()
	channels := n.channels
	n.mu.RUnlock()

	var err error
	for _, ch := range channels {
		sctx, cancel := context.WithTimeout(ctx, n.sendTimeout)
		if serr := ch.Send(sctx, ev); serr != nil {
			err = multierr.Append(err, fmt.Errorf("%s: %w", ch.Name(), serr))
		}
		cancel()
	}
	if err != nil {
		n.logger.Warn().Err(err).Str("kind", string(ev.Kind)).Msg("Notification delivery failed")
	}
}

// OrderEvent describes an order reaching a notable state. It returns false
// for states that are not worth a notification.
func OrderEvent(o models.Order) (Event, bool) {
	data := map[string]any{
		"order_id":   o.InternalID,
		"exchange":   o.ExchangeID,
		"strategy":   o.StrategyID,
		"instrument": o.InstrumentID,
		"side":       string(o.Side),
		"quantity":   o.Quantity,
		"status":     string(o.Status),
	}
	switch o.Status {
	case models.OrderStatusAcknowledged:
		return Event{
			Kind:    KindOrderPlaced,
			Title:   fmt.Sprintf("Order placed: %s %d %s", o.Side, o.Quantity, o.InstrumentID),
			Message: fmt.Sprintf("Order %s acknowledged by exchange as %s", o.InternalID, o.ExchangeID),
			Data:    data,
		}, true
	case models.OrderStatusFilled:
		data["filled"] = o.FilledQuantity
		data["average_price"] = o.AveragePrice
		return Event{
			Kind:  KindOrderFilled,
			Title: fmt.Sprintf("Order filled: %s %d %s", o.Side, o.FilledQuantity, o.InstrumentID),
			Message: fmt.Sprintf("Order %s filled %d @ %s",
				o.InternalID, o.FilledQuantity, FormatCurrency(o.AveragePrice)),
			Data: data,
		}, true
	case models.OrderStatusRejected:
		data["reason"] = o.StatusMessage
		return Event{
			Kind:    KindOrderRejected,
			Title:   fmt.Sprintf("Order rejected: %s %s", o.Side, o.InstrumentID),
			Message: fmt.Sprintf("Order %s rejected: %s", o.InternalID, o.StatusMessage),
			Data:    data,
		}, true
	}
	return Event{}, false
}

// SignalRejectedEvent describes a signal refused by risk checks.
func SignalRejectedEvent(sig models.Signal, rule, reason string) Event {
	return Event{
		Kind:    KindSignalRejected,
		Title:   fmt.Sprintf("Signal rejected: %s %s", sig.Side, sig.InstrumentID),
		Message: fmt.Sprintf("%s signal from %s refused by %s: %s", sig.Side, sig.StrategyID, rule, reason),
		Data: map[string]any{
			"strategy":   sig.StrategyID,
			"instrument": sig.InstrumentID,
			"side":       string(sig.Side),
			"rule":       rule,
			"reason":     reason,
		},
	}
}

// KillSwitchEvent describes the kill switch changing state.
func KillSwitchEvent(engaged bool, reason string) Event {
	if !engaged {
		return Event{Kind: KindKillSwitchCleared, Title: "Kill switch cleared", Message: "New entries are accepted again"}
	}
	return Event{
		Kind:    KindKillSwitchEngaged,
		Title:   "Kill switch engaged",
		Message: reason,
		Data:    map[string]any{"reason": reason},
	}
}

// FeedEvent describes market data connectivity changing.
func FeedEvent(connected bool, nextRetry time.Duration, cause error) Event {
	if connected {
		return Event{Kind: KindFeedConnected, Title: "Market data connected", Message: "Market data feed is live"}
	}
	msg := fmt.Sprintf("Reconnecting in %s", nextRetry)
	if cause != nil {
		msg = fmt.Sprintf("%v; reconnecting in %s", cause, nextRetry)
	}
	return Event{
		Kind:    KindFeedDisconnected,
		Title:   "Market data disconnected",
		Message: msg,
		Data:    map[string]any{"next_retry": nextRetry.String()},
	}
}

// ErrorEvent reports an operational error.
func ErrorEvent(err error, where string) Event {
	return Event{
		Kind:    KindError,
		Title:   "Error",
		Message: fmt.Sprintf("%s: %v", where, err),
		Data:    map[string]any{"context": where, "error": err.Error()},
	}
}

// SummaryEvent reports the end-of-session P&L.
func SummaryEvent(date string, realized, charges float64, openPositions int) Event {
	net := realized - charges
	return Event{
		Kind:  KindSummary,
		Title: fmt.Sprintf("Session summary %s", date),
		Message: fmt.Sprintf("Realized: %s\nCharges: %s\nNet: %s\nOpen positions: %d",
			FormatCurrency(realized), FormatCurrency(charges), FormatCurrency(net), openPositions),
		Data: map[string]any{
			"date":           date,
			"realized_pnl":   realized,
			"charges":        charges,
			"net_pnl":        net,
			"open_positions": openPositions,
		},
	}
}

// FormatCurrency formats an amount in rupees with Indian digit grouping.
func FormatCurrency(amount float64) string {
	negative := amount < 0
	if negative {
		amount = -amount
	}
	parts := strings.SplitN(fmt.Sprintf("%.2f", amount), ".", 2)
	result := "₹" + groupIndian(parts[0]) + "." + parts[1]
	if negative {
		result = "-" + result
	}
	return result
}

// groupIndian groups the last three digits, then pairs: 12,34,567.
func groupIndian(s string) string {
	n := len(s)
	if n <= 3 {
		return s
	}
	result := s[n-3:]
	s = s[:n-3]
	for len(s) > 2 {
		result = s[len(s)-2:] + "," + result
		s = s[:len(s)-2]
	}
	return s + "," + result
}

// WebhookChannel posts events as JSON.
type WebhookChannel struct {
	url    string
	client *http.Client
}

// NewWebhookChannel creates a webhook channel.
func NewWebhookChannel(cfg config.WebhookConfig) *WebhookChannel {
	return &WebhookChannel{
		url:    cfg.URL,
		client: &http.Client{Timeout: 10 * time.Second},
	}
}

// Name returns the channel name.
func (w *WebhookChannel) Name() string { return "webhook" }

// Send posts ev to the webhook URL.
func (w *WebhookChannel) Send(ctx context.Context, ev Event) error {
	payload := map[string]any{
		"kind":      ev.Kind,
		"title":     ev.Title,
		"message":   ev.Message,
		"data":      ev.Data,
		"timestamp": ev.Timestamp.Format(time.RFC3339),
	}
	body, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("marshaling webhook payload: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, w.url, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("creating webhook request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("User-Agent", "IntradayTrader/1.0")

	resp, err := w.client.Do(req)
	if err != nil {
		return fmt.Errorf("sending webhook: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("webhook returned status %d", resp.StatusCode)
	}
	return nil
}

const telegramAPI = "https://api.telegram.org"

// TelegramChannel sends events through a Telegram bot.
type TelegramChannel struct {
	baseURL  string
	botToken string
	chatID   string
	client   *http.Client
}

// NewTelegramChannel creates a Telegram channel.
func NewTelegramChannel(cfg config.TelegramConfig) *TelegramChannel {
	return &TelegramChannel{
		baseURL:  telegramAPI,
		botToken: cfg.BotToken,
		chatID:   cfg.ChatID,
		client:   &http.Client{Timeout: 10 * time.Second},
	}
}

// Name returns the channel name.
func (t *TelegramChannel) Name() string { return "telegram" }

// Send posts ev as an HTML formatted bot message.
func (t *TelegramChannel) Send(ctx context.Context, ev Event) error {
	payload := map[string]any{
		"chat_id":    t.chatID,
		"text":       fmt.Sprintf("<b>%s</b>\n\n%s", escapeHTML(ev.Title), escapeHTML(ev.Message)),
		"parse_mode": "HTML",
	}
	body, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("marshaling telegram payload: %w", err)
	}

	url := fmt.Sprintf("%s/bot%s/sendMessage", t.baseURL, t.botToken)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("creating telegram request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := t.client.Do(req)
	if err != nil {
		return fmt.Errorf("sending telegram message: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("telegram API returned status %d", resp.StatusCode)
	}
	return nil
}

func escapeHTML(s string) string {
	s = strings.ReplaceAll(s, "&", "&amp;")
	s = strings.ReplaceAll(s, "<", "&lt;")
	s = strings.ReplaceAll(s, ">", "&gt;")
	return s
}
