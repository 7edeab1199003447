package monitor

import (
	"context"
	"time"

	"github.com/rs/zerolog"

	"github.com/lsventura/cryptoTrader/internal/events"
	"github.com/lsventura/cryptoTrader/internal/exchange"
	"github.com/lsventura/cryptoTrader/internal/metrics"
)

// Exchange is the part of the gateway a watcher needs
type Exchange interface {
	GetPrice(ctx context.Context, symbol string) (float64, error)
	CreateMarketOrder(ctx context.Context, symbol string, side exchange.Side, amount float64, reduceOnly bool) (*exchange.OrderRef, error)
}

// Options controls watcher timing
type Options struct {
	PollInterval time.Duration // sleep between cycles
	RetryBackoff time.Duration // wait after a failed price fetch
	CloseTimeout time.Duration // deadline for the closing order
}

// DefaultOptions returns the standard polling cadence
func DefaultOptions() Options {
	return Options{
		PollInterval: time.Second,
		RetryBackoff: 2 * time.Second,
		CloseTimeout: 15 * time.Second,
	}
}

func (o Options) withDefaults() Options {
	d := DefaultOptions()
	if o.PollInterval <= 0 {
		o.PollInterval = d.PollInterval
	}
	if o.RetryBackoff <= 0 {
		o.RetryBackoff = d.RetryBackoff
	}
	if o.CloseTimeout <= 0 {
		o.CloseTimeout = d.CloseTimeout
	}
	return o
}

// watcher drives one Monitor until it exits
type watcher struct {
	m        *Monitor
	ex       Exchange
	opts     Options
	logger   zerolog.Logger
	events   events.Publisher
	onChange func(Record)
}

// run polls until an exit condition. It issues at most one close order.
func (w *watcher) run(ctx context.Context) ExitReason {
	m := w.m
	w.logger.Info().
		Float64("entry_price", m.entryPrice).
		Float64("amount", m.amount).
		Float64("stop_loss_price", m.StopLossPrice()).
		Bool("trailing_activated", m.trailingActivated).
		Msg("Monitor started")

	for {
		if ctx.Err() != nil {
			return ExitCancelled
		}

		price, err := w.ex.GetPrice(ctx, m.symbol)
		if err == nil && !(price > 0) {
			err = errInvalidPrice
		}
		if err != nil {
			if ctx.Err() != nil {
				return ExitCancelled
			}
			metrics.PriceFetchErrors.WithLabelValues(m.symbol).Inc()
			w.logger.Warn().Err(err).Dur("backoff", w.opts.RetryBackoff).Msg("Price fetch failed, retrying")
			if !sleep(ctx, w.opts.RetryBackoff) {
				return ExitCancelled
			}
			continue
		}

		ev := m.Evaluate(price)

		if ev.Activated {
			metrics.TrailingActivations.Inc()
			w.logger.Info().
				Float64("price", price).
				Float64("watermark", m.Watermark()).
				Float64("trailing_stop", m.trailingStopPrice).
				Msg("Trailing stop activated")
			w.publish(events.EventTrailingActivated, map[string]interface{}{
				"price":         price,
				"trailing_stop": m.trailingStopPrice,
			})
		}
		if ev.Changed && w.onChange != nil {
			w.onChange(m.Record())
		}

		if ev.Close {
			return w.close(ctx, price, ev.Reason)
		}

		if !sleep(ctx, w.opts.PollInterval) {
			return ExitCancelled
		}
	}
}

// close submits the single reduce-only exit. A failed close still ends the
// watcher; it is reported as close_failed so it can be alerted on.
func (w *watcher) close(ctx context.Context, price float64, reason ExitReason) ExitReason {
	m := w.m
	side := m.side.CloseSide()

	w.logger.Warn().
		Str("reason", string(reason)).
		Float64("price", price).
		Float64("stop_loss_price", m.StopLossPrice()).
		Float64("trailing_stop", m.trailingStopPrice).
		Msg("Exit triggered, closing position")
	w.publish(events.EventExitTriggered, map[string]interface{}{
		"reason": string(reason),
		"price":  price,
	})

	closeCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), w.opts.CloseTimeout)
	defer cancel()

	order, err := w.ex.CreateMarketOrder(closeCtx, m.symbol, side, m.amount, true)
	metrics.Orders.WithLabelValues("close", metrics.OrderResult(err)).Inc()
	if err != nil {
		metrics.CloseFailures.Inc()
		w.logger.Error().
			Err(err).
			Str("reason", string(reason)).
			Float64("amount", m.amount).
			Str("close_side", string(side)).
			Msg("Close order failed, position unprotected")
		w.publish(events.EventCloseFailed, map[string]interface{}{
			"reason": string(reason),
			"price":  price,
			"amount": m.amount,
			"error":  err.Error(),
		})
		return ExitCloseFailed
	}

	w.logger.Info().
		Str("order_id", order.ID).
		Str("reason", string(reason)).
		Float64("price", price).
		Msg("Position closed by monitor")
	return reason
}

func (w *watcher) publish(t events.EventType, data map[string]interface{}) {
	if w.events == nil {
		return
	}
	data["monitor_id"] = w.m.id
	data["symbol"] = w.m.symbol
	data["side"] = string(w.m.side)
	w.events.Publish(events.New(t, data))
}

// sleep waits for d or until ctx is done. Returns false when cancelled.
func sleep(ctx context.Context, d time.Duration) bool {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-t.C:
		return true
	}
}
