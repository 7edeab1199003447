package execution

import (
	"context"
	"errors"
	"fmt"

	"github.com/lsventura/cryptoTrader/internal/events"
	"github.com/lsventura/cryptoTrader/internal/exchange"
	"github.com/lsventura/cryptoTrader/internal/logging"
	"github.com/lsventura/cryptoTrader/internal/metrics"
	"github.com/lsventura/cryptoTrader/internal/monitor"
	"github.com/lsventura/cryptoTrader/internal/risk"
	"github.com/lsventura/cryptoTrader/internal/strategy"
)

// OpenResult reports an entry and the protection attached to it. StopOrder
// and TrailingOrder are nil when the exchange refused them; MonitorID is set
// when a local monitor took over.
type OpenResult struct {
	Side          exchange.PositionSide `json:"side"`
	Amount        float64               `json:"amount"`
	Entry         *exchange.OrderRef    `json:"entry"`
	StopOrder     *exchange.OrderRef    `json:"stop_order,omitempty"`
	TrailingOrder *exchange.OrderRef    `json:"trailing_order,omitempty"`
	MonitorID     string                `json:"monitor_id,omitempty"`
	Attempts      int                   `json:"attempts"`
}

// Open enters a position in the direction of d and protects it
func (o *Orchestrator) Open(ctx context.Context, d strategy.Decision) (res *OpenResult, err error) {
	o.mu.Lock()
	defer o.mu.Unlock()
	defer o.recoverFault("open", &err)

	side, ok := d.Side()
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrNotTradable, d)
	}
	return o.open(ctx, side)
}

func (o *Orchestrator) open(ctx context.Context, side exchange.Side) (*OpenResult, error) {
	symbol := o.cfg.Symbol

	// a watcher left from an earlier position would close the new one
	if stale := o.monitors.ForSymbol(symbol); len(stale) > 0 {
		o.logger.Info().Int("monitors", len(stale)).Msg("Stopping monitors left from a previous position")
		if err := o.monitors.StopSymbol(symbol, o.cfg.JoinTimeout); err != nil {
			return nil, fmt.Errorf("entry aborted, previous monitors still running: %w", err)
		}
	}

	o.ensureLeverage(ctx)

	price, err := o.gw.GetPrice(ctx, symbol)
	if err != nil {
		return nil, fmt.Errorf("failed to get price: %w", err)
	}
	balance, err := o.gw.GetBalance(ctx, o.cfg.QuoteAsset)
	if err != nil {
		return nil, fmt.Errorf("failed to get %s balance: %w", o.cfg.QuoteAsset, err)
	}
	amount, err := o.sizer.CalculatePositionSize(balance, price)
	if err != nil {
		return nil, err
	}

	entry, attempts, err := o.placeEntry(ctx, side, amount)
	if err != nil {
		return nil, err
	}

	posSide := side.PositionSide()
	entryPrice := entry.Price
	if !(entryPrice > 0) {
		entryPrice = price
	}
	filled := entry.Amount
	log := logging.WithPosition(o.logger, symbol, string(posSide), filled, entryPrice)
	log.Info().Int("attempts", attempts).Msg("Position opened")

	res := &OpenResult{Side: posSide, Amount: filled, Entry: entry, Attempts: attempts}
	o.publish(events.EventPositionOpened, map[string]interface{}{
		"side":        string(posSide),
		"amount":      filled,
		"entry_price": entryPrice,
		"order_id":    entry.ID,
	})

	if err := o.gw.CancelOpenOrders(ctx, symbol); err != nil {
		log.Warn().Err(err).Msg("Failed to cancel stale orders")
	}

	closeSide := posSide.CloseSide()
	stopPrice := risk.StopLossPrice(posSide == exchange.Long, entryPrice, o.cfg.StopLossPct)

	stop, err := o.gw.CreateStopOrder(ctx, symbol, closeSide, filled, stopPrice, true)
	metrics.Orders.WithLabelValues("stop_market", metrics.OrderResult(err)).Inc()
	if err != nil {
		log.Warn().Err(err).Float64("stop_price", stopPrice).Msg("Native stop order failed")
	} else {
		res.StopOrder = stop
		o.publishOrder(stop)
	}

	trailing, err := o.gw.CreateTrailingStopOrder(ctx, symbol, closeSide, filled, o.cfg.CallbackRatePct, true)
	metrics.Orders.WithLabelValues("trailing_stop_market", metrics.OrderResult(err)).Inc()
	if err != nil {
		log.Warn().Err(err).Float64("callback_rate", o.cfg.CallbackRatePct).Msg("Native trailing stop order failed")
	} else {
		res.TrailingOrder = trailing
		o.publishOrder(trailing)
	}

	if res.StopOrder != nil && res.TrailingOrder != nil {
		return res, nil
	}

	id, err := o.monitors.Start(monitor.Params{
		Symbol:                symbol,
		Side:                  posSide,
		EntryPrice:            entryPrice,
		Amount:                filled,
		StopLossPct:           o.cfg.StopLossPct,
		TrailingActivationPct: o.cfg.TrailingActivationPct,
		CallbackRatePct:       o.cfg.CallbackRatePct,
		StopOrderCreated:      res.StopOrder != nil,
		TrailingOrderCreated:  res.TrailingOrder != nil,
		Extra:                 map[string]interface{}{"entry_order_id": entry.ID},
	})
	if err != nil {
		log.Error().Err(err).Msg("Failed to start fallback monitor, position unprotected")
		return res, fmt.Errorf("position opened but fallback monitor failed: %w", err)
	}
	res.MonitorID = id
	log.Info().Str("monitor_id", id).
		Bool("stop_order", res.StopOrder != nil).
		Bool("trailing_order", res.TrailingOrder != nil).
		Msg("Local monitor started as fallback protection")
	return res, nil
}

// placeEntry submits the market entry. Only a below-minimum-notional
// rejection is retried, with a larger size; anything else aborts.
func (o *Orchestrator) placeEntry(ctx context.Context, side exchange.Side, amount float64) (*exchange.OrderRef, int, error) {
	var lastErr error
	for attempt := 1; attempt <= o.cfg.MaxEntryAttempts; attempt++ {
		ref, err := o.gw.CreateMarketOrder(ctx, o.cfg.Symbol, side, amount, false)
		metrics.Orders.WithLabelValues("entry", metrics.OrderResult(err)).Inc()
		if err == nil {
			o.publishOrder(ref)
			return ref, attempt, nil
		}
		lastErr = err
		if !errors.Is(err, exchange.ErrBelowMinNotional) {
			return nil, attempt, fmt.Errorf("entry order failed: %w", err)
		}
		next := o.sizer.ScaleUp(amount)
		o.logger.Warn().
			Int("attempt", attempt).
			Float64("amount", amount).
			Float64("next_amount", next).
			Msg("Entry below minimum notional, scaling up")
		amount = next
	}
	return nil, o.cfg.MaxEntryAttempts, fmt.Errorf("entry order failed after %d attempts: %w", o.cfg.MaxEntryAttempts, lastErr)
}

// ensureLeverage sets leverage once per orchestrator. Failures are logged
// and retried on the next entry.
func (o *Orchestrator) ensureLeverage(ctx context.Context) {
	if o.leverageSet {
		return
	}
	setter, ok := o.gw.(LeverageSetter)
	if !ok {
		o.leverageSet = true
		return
	}
	if err := setter.SetLeverage(ctx, o.cfg.Symbol, o.cfg.Leverage); err != nil {
		o.logger.Warn().Err(err).Int("leverage", o.cfg.Leverage).Msg("Failed to set leverage")
		return
	}
	o.leverageSet = true
}

func (o *Orchestrator) publishOrder(ref *exchange.OrderRef) {
	o.publish(events.EventOrderPlaced, map[string]interface{}{
		"symbol":      ref.Symbol,
		"order_id":    ref.ID,
		"type":        ref.Type,
		"side":        string(ref.Side),
		"amount":      ref.Amount,
		"price":       ref.Price,
		"stop_price":  ref.StopPrice,
		"reduce_only": ref.ReduceOnly,
	})
}
