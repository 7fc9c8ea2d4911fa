package broker

import (
	"context"
	"encoding/json"
	stderrors "errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/rs/zerolog"
	kiteconnect "github.com/zerodha/gokiteconnect/v4"

	"intraday-trader/internal/clock"
	"intraday-trader/internal/errors"
	"intraday-trader/internal/logging"
	"intraday-trader/internal/models"
)

// kiteClient is the slice of the Kite REST client the gateway uses.
type kiteClient interface {
	PlaceOrder(variety string, params kiteconnect.OrderParams) (kiteconnect.OrderResponse, error)
	CancelOrder(variety string, orderID string, parentOrderID *string) (kiteconnect.OrderResponse, error)
	GetOrderHistory(orderID string) ([]kiteconnect.Order, error)
	GetOrders() (kiteconnect.Orders, error)
	GetInstruments() (kiteconnect.Instruments, error)
}

// ZerodhaConfig holds configuration for the Zerodha gateway.
type ZerodhaConfig struct {
	APIKey      string
	AccessToken string
	// SessionPath is read for an access token when AccessToken is empty.
	SessionPath string
	Breaker     BreakerConfig
}

// ZerodhaBroker routes orders through Kite Connect.
type ZerodhaBroker struct {
	client  kiteClient
	breaker *CircuitBreaker
	clock   clock.Clock
	logger  zerolog.Logger
}

// sessionData represents a persisted login session.
type sessionData struct {
	AccessToken string    `json:"access_token"`
	UserID      string    `json:"user_id"`
	ExpiresAt   time.Time `json:"expires_at"`
}

// NewZerodhaBroker creates a live gateway.
func NewZerodhaBroker(cfg ZerodhaConfig, clk clock.Clock, logger zerolog.Logger) (*ZerodhaBroker, error) {
	token := cfg.AccessToken
	if token == "" && cfg.SessionPath != "" {
		var err error
		if token, err = LoadSession(cfg.SessionPath, clk.Now()); err != nil {
			return nil, err
		}
	}
	if token == "" {
		return nil, errors.ErrNotAuthenticated
	}

	client := kiteconnect.New(cfg.APIKey)
	client.SetAccessToken(token)
	return newZerodhaBroker(client, cfg.Breaker, clk, logger), nil
}

func newZerodhaBroker(client kiteClient, breaker BreakerConfig, clk clock.Clock, logger zerolog.Logger) *ZerodhaBroker {
	if breaker.FailureThreshold == 0 {
		breaker = DefaultBreakerConfig()
	}
	return &ZerodhaBroker{
		client:  client,
		breaker: NewCircuitBreaker("zerodha", breaker, clk),
		clock:   clk,
		logger:  logging.WithComponent(logger, "zerodha"),
	}
}

// LoadSession reads the access token persisted by the login flow. A missing
// file yields an empty token.
func LoadSession(path string, now time.Time) (string, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return "", nil
		}
		return "", fmt.Errorf("failed to read session: %w", err)
	}
	var session sessionData
	if err := json.Unmarshal(data, &session); err != nil {
		return "", fmt.Errorf("failed to parse session: %w", err)
	}
	if !session.ExpiresAt.IsZero() && now.After(session.ExpiresAt) {
		return "", errors.Wrap(errors.ErrNotAuthenticated, "session expired")
	}
	return session.AccessToken, nil
}

// Name returns the gateway name.
func (z *ZerodhaBroker) Name() string { return "zerodha" }

// Submit places a regular-variety order.
func (z *ZerodhaBroker) Submit(ctx context.Context, order *models.Order) (models.OrderUpdate, error) {
	params := kiteconnect.OrderParams{
		Exchange:        string(order.Exchange),
		Tradingsymbol:   order.InstrumentID,
		TransactionType: string(order.Side),
		OrderType:       string(order.Type),
		Product:         string(order.Product),
		Quantity:        order.Quantity,
		Price:           order.Price,
		TriggerPrice:    order.TriggerPrice,
		Validity:        "DAY",
		Tag:             order.Tag(),
	}
	if params.Exchange == "" {
		params.Exchange = string(models.NSE)
	}
	if params.Product == "" {
		params.Product = string(models.ProductMIS)
	}

	start := z.clock.Now()
	resp, err := Execute(z.breaker, ctx, func() (kiteconnect.OrderResponse, error) {
		resp, err := z.client.PlaceOrder(kiteconnect.VarietyRegular, params)
		if err != nil {
			return resp, classify("place", order.InternalID, err)
		}
		return resp, nil
	})
	logging.LogAPICall(z.logger, "POST", "/orders/regular", z.clock.Since(start), err)
	if err != nil {
		return models.OrderUpdate{}, classify("place", order.InternalID, err)
	}

	raw, _ := json.Marshal(resp)
	return models.OrderUpdate{
		ExchangeID: resp.OrderID,
		Tag:        params.Tag,
		Status:     models.OrderStatusAcknowledged,
		Raw:        string(raw),
		Timestamp:  z.clock.Now(),
	}, nil
}

// Cancel cancels an order and reports its status afterwards.
func (z *ZerodhaBroker) Cancel(ctx context.Context, exchangeID string) (models.OrderUpdate, error) {
	start := z.clock.Now()
	_, err := Execute(z.breaker, ctx, func() (kiteconnect.OrderResponse, error) {
		resp, err := z.client.CancelOrder(kiteconnect.VarietyRegular, exchangeID, nil)
		if err != nil {
			return resp, classify("cancel", exchangeID, err)
		}
		return resp, nil
	})
	logging.LogAPICall(z.logger, "DELETE", "/orders/regular/"+exchangeID, z.clock.Since(start), err)
	if err != nil {
		return models.OrderUpdate{}, classify("cancel", exchangeID, err)
	}
	return z.QueryStatus(ctx, exchangeID)
}

// QueryStatus returns the latest history entry for an order.
func (z *ZerodhaBroker) QueryStatus(ctx context.Context, exchangeID string) (models.OrderUpdate, error) {
	history, err := Execute(z.breaker, ctx, func() ([]kiteconnect.Order, error) {
		history, err := z.client.GetOrderHistory(exchangeID)
		if err != nil {
			return nil, classify("query", exchangeID, err)
		}
		return history, nil
	})
	if err != nil {
		return models.OrderUpdate{}, classify("query", exchangeID, err)
	}
	if len(history) == 0 {
		return models.OrderUpdate{}, errors.Wrapf(errors.ErrOrderNotFound, "exchange id %s", exchangeID)
	}
	return ConvertOrder(history[len(history)-1]), nil
}

// FindByTag scans the day's order book for the tag.
func (z *ZerodhaBroker) FindByTag(ctx context.Context, tag string) (models.OrderUpdate, error) {
	orders, err := Execute(z.breaker, ctx, func() (kiteconnect.Orders, error) {
		orders, err := z.client.GetOrders()
		if err != nil {
			return nil, classify("orders", tag, err)
		}
		return orders, nil
	})
	if err != nil {
		return models.OrderUpdate{}, classify("orders", tag, err)
	}
	for i := len(orders) - 1; i >= 0; i-- {
		if orders[i].Tag == tag {
			return ConvertOrder(orders[i]), nil
		}
	}
	return models.OrderUpdate{}, errors.Wrapf(errors.ErrOrderNotFound, "tag %s", tag)
}

// OnUpdate is a no-op: Kite delivers postbacks on the ticker connection and
// the market feed publishes them as order updates.
func (z *ZerodhaBroker) OnUpdate(func(models.OrderUpdate)) {}

// LoadInstruments fetches exchange instruments as reference data.
func (z *ZerodhaBroker) LoadInstruments(ctx context.Context, exchange models.Exchange, symbols []string) ([]models.Instrument, error) {
	all, err := Execute(z.breaker, ctx, func() (kiteconnect.Instruments, error) {
		insts, err := z.client.GetInstruments()
		if err != nil {
			return nil, classify("instruments", "", err)
		}
		return insts, nil
	})
	if err != nil {
		return nil, fmt.Errorf("failed to get instruments: %w", err)
	}

	want := make(map[string]bool, len(symbols))
	for _, s := range symbols {
		want[s] = true
	}

	var out []models.Instrument
	for _, inst := range all {
		if inst.Exchange != string(exchange) {
			continue
		}
		if len(want) > 0 && !want[inst.Tradingsymbol] {
			continue
		}
		out = append(out, models.Instrument{
			InstrumentID: inst.Tradingsymbol,
			Token:        uint32(inst.InstrumentToken),
			Exchange:     models.Exchange(inst.Exchange),
			LotSize:      int(inst.LotSize),
			TickSize:     inst.TickSize,
		})
	}
	return out, nil
}

// ConvertOrder normalises a Kite order into an OMS update.
func ConvertOrder(o kiteconnect.Order) models.OrderUpdate {
	raw, _ := json.Marshal(o)
	qty := int(o.Quantity)
	filled := int(o.FilledQuantity)
	return models.OrderUpdate{
		ExchangeID:     o.OrderID,
		Tag:            o.Tag,
		Status:         MapStatus(o.Status, qty, filled),
		FilledQuantity: filled,
		AveragePrice:   o.AveragePrice,
		Message:        o.StatusMessage,
		Raw:            string(raw),
		Timestamp:      o.OrderTimestamp.Time,
	}
}

// Kite exception types that mean the request was refused outright.
var definitiveKiteErrors = map[string]bool{
	kiteconnect.OrderError:      true,
	kiteconnect.InputError:      true,
	kiteconnect.UserError:       true,
	kiteconnect.TokenError:      true,
	kiteconnect.PermissionError: true,
}

// classify separates broker answers from transport failures. Classification
// happens inside the breaker so that only transport failures trip it.
func classify(op, id string, err error) error {
	var rejection *errors.BrokerRejection
	if stderrors.As(err, &rejection) {
		return err
	}
	if stderrors.Is(err, errors.ErrCircuitOpen) {
		return errors.NewTransportError(op, err)
	}
	var kerr kiteconnect.Error
	if stderrors.As(err, &kerr) {
		if definitiveKiteErrors[kerr.ErrorType] && kerr.Code < 500 {
			return errors.NewBrokerRejection(id, strings.TrimSpace(kerr.Message), kerr.ErrorType)
		}
		return errors.NewTransportError(op, err)
	}
	var transport *errors.TransportError
	if stderrors.As(err, &transport) {
		return err
	}
	return errors.NewTransportError(op, err)
}

var _ Gateway = (*ZerodhaBroker)(nil)
