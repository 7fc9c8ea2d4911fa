package engine

import (
	"context"

	"intraday-trader/internal/broker"
	"intraday-trader/internal/bus"
	"intraday-trader/internal/errors"
	"intraday-trader/internal/execution"
	"intraday-trader/internal/feed"
	"intraday-trader/internal/metrics"
	"intraday-trader/internal/models"
	"intraday-trader/internal/notify"
)

// wire registers every loop handler. Registration order is dispatch order:
// market time moves first, risk marks positions before strategies see the
// tick, and the simulator fills on a candle before strategies react to it.
func (e *Engine) wire() {
	e.bus.Subscribe(bus.KindTick, e.onTick)
	e.bus.Subscribe(bus.KindTick, func(_ context.Context, ev bus.Event) {
		e.sentinel.OnTick(ev.(bus.TickEvent).Tick)
	})
	e.aggregator.Attach(e.bus)

	if paper, ok := e.gateway.(*broker.PaperBroker); ok {
		paper.Attach(e.bus)
	} else {
		e.gateway.OnUpdate(func(u models.OrderUpdate) {
			if !e.bus.TryPublish(bus.OrderUpdateEvent{Update: u}) {
				e.updateDropped.Store(true)
				e.logger.Error().Str("exchange_id", u.ExchangeID).Msg("Event queue full; order update dropped, relying on reconcile")
			}
		})
	}
	e.bus.Subscribe(bus.KindCandle, func(_ context.Context, ev bus.Event) {
		c := ev.(bus.CandleEvent).Candle
		e.metrics.Candles.WithLabelValues(c.InstrumentID, c.Interval.String()).Inc()
	})
	e.runner.Attach(e.bus)

	e.bus.Subscribe(bus.KindOrderUpdate, func(ctx context.Context, ev bus.Event) {
		e.manager.ApplyUpdate(ctx, ev.(bus.OrderUpdateEvent).Update)
	})
	e.bus.Subscribe(bus.KindBrokerResult, func(ctx context.Context, ev bus.Event) {
		e.manager.HandleResult(ctx, ev.(broker.Result))
	})
	e.bus.Subscribe(bus.KindFeedState, e.onFeedState)

	e.manager.OnOrderEvent(e.onOrderEvent)
	e.sentinel.OnKill(func(reason string, st models.RiskState) {
		metrics.SetBool(e.metrics.KillSwitch, true)
		e.metrics.NetPnL.Set(st.NetPnL())
		e.notifier.Notify(notify.KillSwitchEvent(true, reason))
	})
}

func (e *Engine) onTick(ctx context.Context, ev bus.Event) {
	t := ev.(bus.TickEvent).Tick
	e.metrics.Ticks.WithLabelValues(t.InstrumentID).Inc()
	if e.replay == nil {
		return
	}
	if t.Timestamp.After(e.replay.Now()) {
		e.replay.Advance(t.Timestamp.Sub(e.replay.Now()))
	}
	e.lastTick = t.Timestamp

	// Replays have no wall-clock ticker; market time drives housekeeping.
	if e.nextHousekeep.IsZero() {
		e.nextHousekeep = t.Timestamp
	}
	if !t.Timestamp.Before(e.nextHousekeep) {
		e.housekeep(ctx)
		e.nextHousekeep = t.Timestamp.Add(min(e.cfg.Risk.EvaluateInterval, e.cfg.Feed.FlushInterval))
	}
}

// onFeedState tracks connectivity. Postbacks travel on the market data
// connection, so anything that changed while it was down is reconciled once
// it is back.
func (e *Engine) onFeedState(ctx context.Context, ev bus.Event) {
	fs := ev.(bus.FeedStateEvent)
	switch fs.State {
	case string(feed.StateConnected):
		metrics.SetBool(e.metrics.FeedConnected, true)
		e.notifier.Notify(notify.FeedEvent(true, 0, nil))
		if e.feedLost {
			e.feedLost = false
			e.reconcileOpen(ctx, "feed_reconnect")
		}
	case string(feed.StateDisconnected):
		metrics.SetBool(e.metrics.FeedConnected, false)
		e.feedLost = true
		if fs.Err != nil {
			e.notifier.Notify(notify.FeedEvent(false, fs.NextRetry, fs.Err))
		}
	case string(feed.StateStale):
		metrics.SetBool(e.metrics.FeedConnected, false)
		e.feedLost = true
	default:
		metrics.SetBool(e.metrics.FeedConnected, false)
	}
}

func (e *Engine) onOrderEvent(ev execution.OrderEvent) {
	o := ev.Order
	if o.Status != ev.Previous {
		e.metrics.Orders.WithLabelValues(string(o.Status)).Inc()
	}
	for _, f := range ev.Fills {
		e.metrics.Fills.WithLabelValues(f.InstrumentID, string(f.Side)).Inc()
	}
	if o.Frozen && o.Status == ev.Previous {
		e.metrics.OrderAnomalies.Inc()
		e.notifier.Notify(notify.ErrorEvent(
			errors.NewOrderError(o.InternalID, o.InstrumentID, "update", "frozen after inconsistent broker report", nil),
			"order manager"))
		return
	}
	if o.Status == ev.Previous {
		return
	}
	if n, ok := notify.OrderEvent(o); ok {
		e.notifier.Notify(n)
	}
}

// handleSignal runs on the loop for every strategy signal.
func (e *Engine) handleSignal(ctx context.Context, sig models.Signal) {
	d := e.sentinel.Evaluate(sig)
	if !d.Approved {
		e.metrics.Signals.WithLabelValues(sig.StrategyID, "rejected", string(d.Reason)).Inc()
		e.notifier.Notify(notify.SignalRejectedEvent(sig, string(d.Reason), d.Message))
		return
	}
	e.metrics.Signals.WithLabelValues(sig.StrategyID, "approved", "").Inc()

	_, err := e.manager.Place(ctx, execution.OrderRequest{
		StrategyID:   sig.StrategyID,
		InstrumentID: sig.InstrumentID,
		Side:         sig.Side,
		Type:         models.OrderTypeMarket,
		Quantity:     d.Quantity,
	})
	if err != nil {
		e.logger.Error().Err(err).
			Str("strategy", sig.StrategyID).
			Str("instrument", sig.InstrumentID).
			Msg("Order placement failed")
		e.notifier.Notify(notify.ErrorEvent(err, "place order"))
	}
}
