package broker

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"intraday-trader/internal/bus"
	"intraday-trader/internal/clock"
	"intraday-trader/internal/errors"
	"intraday-trader/internal/logging"
	"intraday-trader/internal/models"
)

// PaperBrokerConfig holds configuration for the simulated gateway.
type PaperBrokerConfig struct {
	// FillInterval selects the candle stream that drives fills. Candles of
	// any other interval are ignored.
	FillInterval time.Duration
	// Reject, when set, is consulted on every submit; a non-empty reason
	// rejects the order.
	Reject func(order *models.Order) string
}

type paperOrder struct {
	seq        int
	order      *models.Order
	exchangeID string
	status     models.OrderStatus
	filled     int
	avgPrice   float64
	message    string
	// submitted at; only candles opening at or after it can fill
	after     time.Time
	updatedAt time.Time
}

// PaperBroker is a simulated gateway. Orders fill against candles of the
// configured interval that open at or after the submit time.
type PaperBroker struct {
	cfg    PaperBrokerConfig
	clock  clock.Clock
	logger zerolog.Logger

	mu       sync.Mutex
	seq      int
	orders   map[string]*paperOrder
	byTag    map[string]string
	onUpdate func(models.OrderUpdate)
}

// NewPaperBroker creates a simulated gateway.
func NewPaperBroker(cfg PaperBrokerConfig, clk clock.Clock, logger zerolog.Logger) *PaperBroker {
	if cfg.FillInterval <= 0 {
		cfg.FillInterval = time.Minute
	}
	return &PaperBroker{
		cfg:    cfg,
		clock:  clk,
		logger: logging.WithComponent(logger, "paper_broker"),
		orders: make(map[string]*paperOrder),
		byTag:  make(map[string]string),
	}
}

// Name returns the gateway name.
func (p *PaperBroker) Name() string { return "paper" }

// FillInterval returns the candle interval that drives fills.
func (p *PaperBroker) FillInterval() time.Duration { return p.cfg.FillInterval }

// Submit accepts an order and acknowledges it immediately.
func (p *PaperBroker) Submit(ctx context.Context, order *models.Order) (models.OrderUpdate, error) {
	if err := ctx.Err(); err != nil {
		return models.OrderUpdate{}, errors.NewTransportError("submit", err)
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	if p.cfg.Reject != nil {
		if reason := p.cfg.Reject(order); reason != "" {
			return models.OrderUpdate{}, errors.NewBrokerRejection(order.InternalID, reason, "")
		}
	}

	tag := order.Tag()
	if id, ok := p.byTag[tag]; ok {
		// Same tag twice means a retried submit; answer with the existing order.
		return p.updateLocked(p.orders[id]), nil
	}

	now := p.clock.Now()
	p.seq++
	po := &paperOrder{
		seq:        p.seq,
		order:      order.Clone(),
		exchangeID: fmt.Sprintf("SIM-%d", p.seq),
		status:     models.OrderStatusAcknowledged,
		after:      now,
		updatedAt:  now,
	}
	p.orders[po.exchangeID] = po
	p.byTag[tag] = po.exchangeID

	p.logger.Debug().
		Str("exchange_id", po.exchangeID).
		Str("instrument", order.InstrumentID).
		Str("side", string(order.Side)).
		Int("quantity", order.Quantity).
		Msg("Paper order accepted")

	return p.updateLocked(po), nil
}

// Cancel cancels an open order.
func (p *PaperBroker) Cancel(ctx context.Context, exchangeID string) (models.OrderUpdate, error) {
	if err := ctx.Err(); err != nil {
		return models.OrderUpdate{}, errors.NewTransportError("cancel", err)
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	po, ok := p.orders[exchangeID]
	if !ok {
		return models.OrderUpdate{}, errors.Wrapf(errors.ErrOrderNotFound, "exchange id %s", exchangeID)
	}
	if po.status.IsTerminal() {
		return models.OrderUpdate{}, errors.NewBrokerRejection(po.order.InternalID,
			fmt.Sprintf("order is %s", po.status), "")
	}
	po.status = models.OrderStatusCancelled
	po.message = "cancelled by user"
	po.updatedAt = p.clock.Now()
	return p.updateLocked(po), nil
}

// QueryStatus returns the current state of an order.
func (p *PaperBroker) QueryStatus(ctx context.Context, exchangeID string) (models.OrderUpdate, error) {
	if err := ctx.Err(); err != nil {
		return models.OrderUpdate{}, errors.NewTransportError("query", err)
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	po, ok := p.orders[exchangeID]
	if !ok {
		return models.OrderUpdate{}, errors.Wrapf(errors.ErrOrderNotFound, "exchange id %s", exchangeID)
	}
	return p.updateLocked(po), nil
}

// FindByTag looks an order up by its tag.
func (p *PaperBroker) FindByTag(ctx context.Context, tag string) (models.OrderUpdate, error) {
	if err := ctx.Err(); err != nil {
		return models.OrderUpdate{}, errors.NewTransportError("find", err)
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	id, ok := p.byTag[tag]
	if !ok {
		return models.OrderUpdate{}, errors.Wrapf(errors.ErrOrderNotFound, "tag %s", tag)
	}
	return p.updateLocked(p.orders[id]), nil
}

// OnUpdate registers the handler that receives fills produced by OnCandle.
func (p *PaperBroker) OnUpdate(handler func(models.OrderUpdate)) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.onUpdate = handler
}

// OnCandle matches open orders against a closed candle and returns the
// resulting updates, which are also passed to the update handler.
func (p *PaperBroker) OnCandle(c models.Candle) []models.OrderUpdate {
	if c.Interval != p.cfg.FillInterval {
		return nil
	}

	p.mu.Lock()
	var open []*paperOrder
	for _, po := range p.orders {
		// A candle that opened before the submit carries prices the order
		// never saw.
		if po.order.InstrumentID == c.InstrumentID && !po.status.IsTerminal() && !c.OpenTime.Before(po.after) {
			open = append(open, po)
		}
	}
	sort.Slice(open, func(i, j int) bool { return open[i].seq < open[j].seq })

	var updates []models.OrderUpdate
	for _, po := range open {
		price, ok := fillPrice(po.order, c)
		if !ok {
			continue
		}
		po.status = models.OrderStatusFilled
		po.filled = po.order.Quantity
		po.avgPrice = price
		po.updatedAt = c.CloseTime()
		updates = append(updates, p.updateLocked(po))
	}
	handler := p.onUpdate
	p.mu.Unlock()

	if handler != nil {
		for _, u := range updates {
			handler(u)
		}
	}
	return updates
}

// Attach feeds candles from b into the simulator and emits fills back onto
// the loop.
func (p *PaperBroker) Attach(b *bus.Bus) {
	p.OnUpdate(func(u models.OrderUpdate) {
		b.Emit(bus.OrderUpdateEvent{Update: u})
	})
	b.Subscribe(bus.KindCandle, func(_ context.Context, ev bus.Event) {
		p.OnCandle(ev.(bus.CandleEvent).Candle)
	})
}

// fillPrice decides whether c fills o and at what price.
func fillPrice(o *models.Order, c models.Candle) (float64, bool) {
	switch o.Type {
	case models.OrderTypeMarket:
		return c.Open, true
	case models.OrderTypeLimit:
		if o.Side == models.OrderSideBuy && c.Low <= o.Price {
			return o.Price, true
		}
		if o.Side == models.OrderSideSell && c.High >= o.Price {
			return o.Price, true
		}
	case models.OrderTypeStopLoss, models.OrderTypeStopLossM:
		triggered := (o.Side == models.OrderSideBuy && c.High >= o.TriggerPrice) ||
			(o.Side == models.OrderSideSell && c.Low <= o.TriggerPrice)
		if !triggered {
			return 0, false
		}
		if o.Type == models.OrderTypeStopLoss && o.Price > 0 {
			return o.Price, true
		}
		return o.TriggerPrice, true
	}
	return 0, false
}

func (p *PaperBroker) updateLocked(po *paperOrder) models.OrderUpdate {
	u := models.OrderUpdate{
		ExchangeID:     po.exchangeID,
		Tag:            po.order.Tag(),
		Status:         po.status,
		FilledQuantity: po.filled,
		AveragePrice:   po.avgPrice,
		Message:        po.message,
		Timestamp:      po.updatedAt,
	}
	raw, _ := json.Marshal(u)
	u.Raw = string(raw)
	return u
}

var _ Gateway = (*PaperBroker)(nil)
