package broker

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"
	"github.com/sourcegraph/conc/pool"

	"intraday-trader/internal/bus"
	"intraday-trader/internal/clock"
	"intraday-trader/internal/errors"
	"intraday-trader/internal/logging"
	"intraday-trader/internal/models"
	"intraday-trader/internal/ratelimit"
)

// Op is a gateway operation.
type Op int

const (
	OpSubmit Op = iota
	OpCancel
	OpQuery
	OpFindByTag
)

func (o Op) String() string {
	switch o {
	case OpSubmit:
		return "submit"
	case OpCancel:
		return "cancel"
	case OpQuery:
		return "query"
	case OpFindByTag:
		return "find_by_tag"
	default:
		return "unknown"
	}
}

// Request is one gateway call on behalf of an order.
type Request struct {
	Op      Op
	OrderID string
	// Order is a snapshot owned by the dispatcher; set for OpSubmit.
	Order      *models.Order
	ExchangeID string
	Tag        string
}

// Result is the outcome of a Request, delivered back on the event loop.
type Result struct {
	Request Request
	Update  models.OrderUpdate
	Err     error
	Latency time.Duration
}

// Kind implements bus.Event.
func (Result) Kind() bus.Kind { return bus.KindBrokerResult }

// Publisher delivers results to the event loop.
type Publisher interface {
	Publish(ctx context.Context, ev bus.Event) error
}

// DispatcherConfig holds dispatcher settings.
type DispatcherConfig struct {
	Workers     int
	CallTimeout time.Duration
	// Observe, if set, is called after every gateway call.
	Observe func(op Op, latency time.Duration, err error)
}

// Dispatcher runs gateway calls off the event loop. Calls pass the rate
// limiter first, then run on a bounded worker pool; cancels skip the pool
// and go out as soon as they are granted. Results are published back as
// Result events.
type Dispatcher struct {
	gateway   Gateway
	limiter   *ratelimit.Limiter
	publisher Publisher
	cfg       DispatcherConfig
	clock     clock.Clock
	logger    zerolog.Logger
	workers   *pool.Pool

	mu       sync.Mutex
	closed   bool
	inflight sync.WaitGroup

	// active counts requests whose result has not been published yet.
	active atomic.Int64
}

// NewDispatcher creates a dispatcher.
func NewDispatcher(gw Gateway, limiter *ratelimit.Limiter, pub Publisher, cfg DispatcherConfig, clk clock.Clock, logger zerolog.Logger) *Dispatcher {
	if cfg.Workers <= 0 {
		cfg.Workers = 4
	}
	if cfg.CallTimeout <= 0 {
		cfg.CallTimeout = 5 * time.Second
	}
	return &Dispatcher{
		gateway:   gw,
		limiter:   limiter,
		publisher: pub,
		cfg:       cfg,
		clock:     clk,
		logger:    logging.WithComponent(logger, "dispatcher"),
		workers:   pool.New().WithMaxGoroutines(cfg.Workers),
	}
}

// Gateway returns the wrapped gateway.
func (d *Dispatcher) Gateway() Gateway { return d.gateway }

// Dispatch schedules req and returns immediately.
func (d *Dispatcher) Dispatch(ctx context.Context, req Request) error {
	d.mu.Lock()
	if d.closed {
		d.mu.Unlock()
		return errors.ErrBusClosed
	}
	d.inflight.Add(1)
	d.active.Add(1)
	d.mu.Unlock()

	priority := ratelimit.PriorityNormal
	if req.Op == OpCancel {
		priority = ratelimit.PriorityCancel
	}

	go func() {
		defer d.inflight.Done()
		if err := d.limiter.Acquire(ctx, priority); err != nil {
			d.publish(ctx, Result{Request: req, Err: errors.NewTransportError(req.Op.String(), err)})
			d.active.Add(-1)
			return
		}
		if priority == ratelimit.PriorityCancel {
			// A pool slot could go to a newer order first.
			d.publish(ctx, d.Call(ctx, req))
			d.active.Add(-1)
			return
		}
		d.workers.Go(func() {
			d.publish(ctx, d.Call(ctx, req))
			d.active.Add(-1)
		})
	}()
	return nil
}

// Call performs req synchronously, bypassing the limiter and the pool.
func (d *Dispatcher) Call(ctx context.Context, req Request) Result {
	callCtx, cancel := context.WithTimeout(ctx, d.cfg.CallTimeout)
	defer cancel()

	start := d.clock.Now()
	var (
		update models.OrderUpdate
		err    error
	)
	switch req.Op {
	case OpSubmit:
		update, err = d.gateway.Submit(callCtx, req.Order)
	case OpCancel:
		update, err = d.gateway.Cancel(callCtx, req.ExchangeID)
	case OpQuery:
		update, err = d.gateway.QueryStatus(callCtx, req.ExchangeID)
	case OpFindByTag:
		update, err = d.gateway.FindByTag(callCtx, req.Tag)
	}
	latency := d.clock.Since(start)

	if d.cfg.Observe != nil {
		d.cfg.Observe(req.Op, latency, err)
	}
	if err != nil {
		d.logger.Debug().Err(err).
			Str("op", req.Op.String()).
			Str("order_id", req.OrderID).
			Msg("Gateway call failed")
	}
	return Result{Request: req, Update: update, Err: err, Latency: latency}
}

func (d *Dispatcher) publish(ctx context.Context, res Result) {
	if err := d.publisher.Publish(ctx, res); err != nil {
		d.logger.Warn().Err(err).
			Str("op", res.Request.Op.String()).
			Str("order_id", res.Request.OrderID).
			Msg("Dropped gateway result")
	}
}

// Active returns the number of dispatched requests whose result has not yet
// been published.
func (d *Dispatcher) Active() int { return int(d.active.Load()) }

// Close stops accepting requests and waits for in-flight calls.
func (d *Dispatcher) Close() {
	d.mu.Lock()
	if d.closed {
		d.mu.Unlock()
		return
	}
	d.closed = true
	d.mu.Unlock()

	d.inflight.Wait()
	d.workers.Wait()
}
