package binance

import (
	"context"
	"errors"
	"fmt"
	"math"
	"strconv"
	"strings"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/lsventura/cryptoTrader/internal/exchange"
	"github.com/lsventura/cryptoTrader/internal/logging"
)

// Gateway adapts a FuturesClient to exchange.Gateway. Symbols are accepted
// in any spelling and sent in the native BTCUSDT form; the account is assumed
// to be in one-way position mode.
type Gateway struct {
	client FuturesClient
	logger zerolog.Logger
}

// NewGateway wraps client
func NewGateway(client FuturesClient, logger zerolog.Logger) *Gateway {
	return &Gateway{
		client: client,
		logger: logger.With().Str("component", "BinanceGateway").Logger(),
	}
}

var _ exchange.Gateway = (*Gateway)(nil)

func (g *Gateway) GetPrice(ctx context.Context, symbol string) (float64, error) {
	price, err := g.client.GetFuturesCurrentPrice(ctx, exchange.NativeSymbol(symbol))
	if err != nil {
		return 0, err
	}
	if !(price > 0) {
		return 0, fmt.Errorf("invalid price %v for %s", price, symbol)
	}
	return price, nil
}

// GetPosition returns the open position for symbol or nil when flat
func (g *Gateway) GetPosition(ctx context.Context, symbol string) (*exchange.Position, error) {
	rows, err := g.client.GetPositionRisk(ctx, exchange.NativeSymbol(symbol))
	if err != nil {
		return nil, err
	}
	for _, row := range rows {
		if row.PositionAmt == 0 {
			continue
		}
		side := exchange.Long
		if row.PositionAmt < 0 {
			side = exchange.Short
		}
		return &exchange.Position{
			Symbol:     symbol,
			Side:       side,
			Amount:     math.Abs(row.PositionAmt),
			EntryPrice: row.EntryPrice,
			MarkPrice:  row.MarkPrice,
		}, nil
	}
	return nil, nil
}

// GetBalance returns the available balance of asset, e.g. USDT
func (g *Gateway) GetBalance(ctx context.Context, asset string) (float64, error) {
	info, err := g.client.GetFuturesAccountInfo(ctx)
	if err != nil {
		return 0, err
	}
	for _, a := range info.Assets {
		if strings.EqualFold(a.Asset, asset) {
			return a.AvailableBalance, nil
		}
	}
	return 0, nil
}

// SetLeverage sets initial leverage for symbol
func (g *Gateway) SetLeverage(ctx context.Context, symbol string, leverage int) error {
	return g.client.SetLeverage(ctx, exchange.NativeSymbol(symbol), leverage)
}

func (g *Gateway) CreateMarketOrder(ctx context.Context, symbol string, side exchange.Side, amount float64, reduceOnly bool) (*exchange.OrderRef, error) {
	clientID := newClientID("mkt")
	resp, err := g.client.PlaceFuturesOrder(ctx, FuturesOrderParams{
		Symbol:           exchange.NativeSymbol(symbol),
		Side:             nativeSide(side),
		Type:             FuturesOrderTypeMarket,
		Quantity:         amount,
		ReduceOnly:       reduceOnly,
		NewClientOrderId: clientID,
	})
	if err != nil {
		return nil, err
	}

	orderLog := logging.WithOrder(g.logger, symbol, string(side), string(FuturesOrderTypeMarket))
	orderLog.Info().
		Float64("amount", amount).
		Float64("avg_price", resp.AvgPrice).
		Bool("reduce_only", reduceOnly).
		Int64("order_id", resp.OrderId).
		Msg("Market order placed")

	filled := resp.ExecutedQty
	if filled == 0 {
		filled = amount
	}
	return &exchange.OrderRef{
		ID:         strconv.FormatInt(resp.OrderId, 10),
		ClientID:   clientID,
		Symbol:     symbol,
		Side:       side,
		Type:       string(FuturesOrderTypeMarket),
		Amount:     filled,
		Price:      resp.AvgPrice,
		ReduceOnly: reduceOnly,
	}, nil
}

// CreateStopOrder places a STOP_MARKET conditional order triggered on mark price
func (g *Gateway) CreateStopOrder(ctx context.Context, symbol string, side exchange.Side, amount, stopPrice float64, reduceOnly bool) (*exchange.OrderRef, error) {
	clientID := newClientID("sl")
	resp, err := g.client.PlaceAlgoOrder(ctx, AlgoOrderParams{
		Symbol:       exchange.NativeSymbol(symbol),
		Side:         nativeSide(side),
		Type:         FuturesOrderTypeStopMarket,
		Quantity:     amount,
		TriggerPrice: stopPrice,
		WorkingType:  WorkingTypeMarkPrice,
		ReduceOnly:   reduceOnly,
		ClientAlgoId: clientID,
	})
	if err != nil {
		return nil, err
	}
	orderLog := logging.WithOrder(g.logger, symbol, string(side), string(FuturesOrderTypeStopMarket))
	orderLog.Info().
		Float64("amount", amount).
		Float64("stop_price", stopPrice).
		Int64("algo_id", resp.AlgoId).
		Msg("Stop order placed")
	return &exchange.OrderRef{
		ID:         strconv.FormatInt(resp.AlgoId, 10),
		ClientID:   clientID,
		Symbol:     symbol,
		Side:       side,
		Type:       string(FuturesOrderTypeStopMarket),
		Amount:     amount,
		StopPrice:  stopPrice,
		ReduceOnly: reduceOnly,
	}, nil
}

// CreateTrailingStopOrder places a TRAILING_STOP_MARKET order. The callback
// rate is in percent, as the exchange expects.
func (g *Gateway) CreateTrailingStopOrder(ctx context.Context, symbol string, side exchange.Side, amount, callbackRatePct float64, reduceOnly bool) (*exchange.OrderRef, error) {
	clientID := newClientID("ts")
	resp, err := g.client.PlaceAlgoOrder(ctx, AlgoOrderParams{
		Symbol:       exchange.NativeSymbol(symbol),
		Side:         nativeSide(side),
		Type:         FuturesOrderTypeTrailingStop,
		Quantity:     amount,
		CallbackRate: callbackRatePct,
		WorkingType:  WorkingTypeMarkPrice,
		ReduceOnly:   reduceOnly,
		ClientAlgoId: clientID,
	})
	if err != nil {
		return nil, err
	}
	orderLog := logging.WithOrder(g.logger, symbol, string(side), string(FuturesOrderTypeTrailingStop))
	orderLog.Info().
		Float64("amount", amount).
		Float64("callback_rate", callbackRatePct).
		Int64("algo_id", resp.AlgoId).
		Msg("Trailing stop order placed")
	return &exchange.OrderRef{
		ID:         strconv.FormatInt(resp.AlgoId, 10),
		ClientID:   clientID,
		Symbol:     symbol,
		Side:       side,
		Type:       string(FuturesOrderTypeTrailingStop),
		Amount:     amount,
		ReduceOnly: reduceOnly,
	}, nil
}

// CancelOpenOrders cancels both regular and conditional orders for symbol
func (g *Gateway) CancelOpenOrders(ctx context.Context, symbol string) error {
	native := exchange.NativeSymbol(symbol)
	return errors.Join(
		g.client.CancelAllFuturesOrders(ctx, native),
		g.client.CancelAllAlgoOrders(ctx, native),
	)
}

func nativeSide(s exchange.Side) string {
	if s == exchange.SideSell {
		return "SELL"
	}
	return "BUY"
}

// newClientID returns a client order id within the exchange's 36 char limit
func newClientID(prefix string) string {
	id := strings.ReplaceAll(uuid.NewString(), "-", "")
	return "rm_" + prefix + "_" + id[:24]
}
