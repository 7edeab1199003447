package binance

import (
	"context"
	"errors"
	"fmt"
	"math"
	"net/http"
	"sync"
	"time"
)

// PaperClient implements FuturesClient in memory for paper trading. Market
// orders fill at the feed price; conditional orders are recorded but never
// triggered.
type PaperClient struct {
	mu          sync.RWMutex
	positions   map[string]*FuturesPosition
	algoOrders  map[int64]*AlgoOrderResponse
	prices      map[string]float64
	balance     float64
	minNotional float64
	feeRate     float64
	nextOrderId int64
	leverage    map[string]int
	failures    map[string]error
	priceFeed   func(ctx context.Context, symbol string) (float64, error)
}

// NewPaperClient creates a paper client. priceFeed may be nil, in which case
// prices come from SetPrice.
func NewPaperClient(initialBalance float64, priceFeed func(ctx context.Context, symbol string) (float64, error)) *PaperClient {
	return &PaperClient{
		positions:   make(map[string]*FuturesPosition),
		algoOrders:  make(map[int64]*AlgoOrderResponse),
		prices:      make(map[string]float64),
		balance:     initialBalance,
		minNotional: 5,
		feeRate:     0.0004, // 0.04% taker
		nextOrderId: 1000,
		leverage:    make(map[string]int),
		failures:    make(map[string]error),
		priceFeed:   priceFeed,
	}
}

// SetPrice sets the static price used when no feed is configured
func (c *PaperClient) SetPrice(symbol string, price float64) {
	c.mu.Lock()
	c.prices[symbol] = price
	c.mu.Unlock()
}

// SetMinNotional changes the notional floor below which orders are rejected
func (c *PaperClient) SetMinNotional(v float64) {
	c.mu.Lock()
	c.minNotional = v
	c.mu.Unlock()
}

// FailNext makes the next call of the named method (e.g. "PlaceAlgoOrder")
// return err.
func (c *PaperClient) FailNext(method string, err error) {
	c.mu.Lock()
	c.failures[method] = err
	c.mu.Unlock()
}

func (c *PaperClient) injected(method string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	err, ok := c.failures[method]
	if ok {
		delete(c.failures, method)
	}
	return err
}

// Leverage returns the leverage last set for symbol, 1 when never set
func (c *PaperClient) Leverage(symbol string) int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if lev, ok := c.leverage[symbol]; ok {
		return lev
	}
	return 1
}

// OpenAlgoOrders returns the resting conditional orders for symbol
func (c *PaperClient) OpenAlgoOrders(symbol string) []AlgoOrderResponse {
	c.mu.RLock()
	defer c.mu.RUnlock()
	var out []AlgoOrderResponse
	for _, o := range c.algoOrders {
		if o.Symbol == symbol && o.AlgoStatus == string(AlgoOrderStatusNew) {
			out = append(out, *o)
		}
	}
	return out
}

// ==================== ACCOUNT ====================

func (c *PaperClient) GetFuturesAccountInfo(ctx context.Context) (*FuturesAccountInfo, error) {
	if err := c.injected("GetFuturesAccountInfo"); err != nil {
		return nil, err
	}
	c.mu.RLock()
	defer c.mu.RUnlock()

	unrealized := 0.0
	for _, pos := range c.positions {
		unrealized += pos.UnrealizedProfit
	}

	return &FuturesAccountInfo{
		CanTrade:              true,
		TotalWalletBalance:    c.balance,
		TotalUnrealizedProfit: unrealized,
		TotalMarginBalance:    c.balance + unrealized,
		AvailableBalance:      c.balance,
		Assets: []FuturesAsset{{
			Asset:            "USDT",
			WalletBalance:    c.balance,
			UnrealizedProfit: unrealized,
			MarginBalance:    c.balance + unrealized,
			AvailableBalance: c.balance,
		}},
	}, nil
}

func (c *PaperClient) GetPositionRisk(ctx context.Context, symbol string) ([]FuturesPosition, error) {
	if err := c.injected("GetPositionRisk"); err != nil {
		return nil, err
	}
	price, priceErr := c.price(ctx, symbol)

	c.mu.Lock()
	defer c.mu.Unlock()

	pos, exists := c.positions[symbol]
	if !exists {
		return []FuturesPosition{{Symbol: symbol, PositionSide: string(PositionSideBoth), Leverage: c.leverageLocked(symbol)}}, nil
	}
	if priceErr == nil {
		pos.MarkPrice = price
		pos.UnrealizedProfit = (price - pos.EntryPrice) * pos.PositionAmt
	}
	return []FuturesPosition{*pos}, nil
}

func (c *PaperClient) SetLeverage(ctx context.Context, symbol string, leverage int) error {
	if err := c.injected("SetLeverage"); err != nil {
		return err
	}
	if leverage < 1 || leverage > 125 {
		return &APIError{Status: http.StatusBadRequest, Code: -4028, Msg: "Leverage is not valid"}
	}
	c.mu.Lock()
	c.leverage[symbol] = leverage
	if pos, ok := c.positions[symbol]; ok {
		pos.Leverage = leverage
	}
	c.mu.Unlock()
	return nil
}

func (c *PaperClient) leverageLocked(symbol string) int {
	if lev, ok := c.leverage[symbol]; ok {
		return lev
	}
	return 1
}

// ==================== TRADING ====================

func (c *PaperClient) PlaceFuturesOrder(ctx context.Context, params FuturesOrderParams) (*FuturesOrderResponse, error) {
	if err := c.injected("PlaceFuturesOrder"); err != nil {
		return nil, err
	}
	if params.Type != FuturesOrderTypeMarket {
		return nil, &APIError{Status: http.StatusBadRequest, Code: -1116, Msg: "paper client only fills MARKET orders"}
	}
	if !(params.Quantity > 0) {
		return nil, &APIError{Status: http.StatusBadRequest, Code: -4003, Msg: "Quantity less than or equal to zero."}
	}

	price, err := c.price(ctx, params.Symbol)
	if err != nil {
		return nil, fmt.Errorf("failed to get current price: %w", err)
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	pos, exists := c.positions[params.Symbol]
	oldAmt := 0.0
	if exists {
		oldAmt = pos.PositionAmt
	}

	qty := params.Quantity
	if params.Side == "SELL" {
		qty = -qty
	}

	if params.ReduceOnly {
		// reduce-only may not open or grow a position
		if oldAmt == 0 || (oldAmt > 0) == (qty > 0) {
			return nil, &APIError{Status: http.StatusBadRequest, Code: -2022, Msg: "ReduceOnly Order is rejected."}
		}
		if math.Abs(qty) > math.Abs(oldAmt) {
			qty = -oldAmt
		}
	} else if price*params.Quantity < c.minNotional {
		return nil, &APIError{
			Status: http.StatusBadRequest,
			Code:   CodeMinNotional,
			Msg:    fmt.Sprintf("Order's notional must be no smaller than %v (unless you choose reduce only).", c.minNotional),
		}
	}

	filled := math.Abs(qty)
	c.balance -= price * filled * c.feeRate

	if !exists {
		pos = &FuturesPosition{Symbol: params.Symbol, PositionSide: string(PositionSideBoth), Leverage: c.leverageLocked(params.Symbol)}
		c.positions[params.Symbol] = pos
	}

	newAmt := oldAmt + qty
	switch {
	case newAmt == 0 || math.Abs(newAmt) < 1e-12:
		c.balance += (price - pos.EntryPrice) * oldAmt
		delete(c.positions, params.Symbol)
	case oldAmt == 0:
		pos.EntryPrice = price
		pos.PositionAmt = newAmt
	case (oldAmt > 0) == (qty > 0):
		// adding: average the entry
		pos.EntryPrice = (pos.EntryPrice*math.Abs(oldAmt) + price*filled) / math.Abs(newAmt)
		pos.PositionAmt = newAmt
	case (oldAmt > 0) != (newAmt > 0):
		// flipped through zero: realize the old leg, open the rest at price
		c.balance += (price - pos.EntryPrice) * oldAmt
		pos.EntryPrice = price
		pos.PositionAmt = newAmt
	default:
		// partial reduce keeps the entry
		c.balance += (price - pos.EntryPrice) * -qty
		pos.PositionAmt = newAmt
	}

	orderId := c.nextOrderId
	c.nextOrderId++
	now := time.Now().UnixMilli()

	return &FuturesOrderResponse{
		OrderId:       orderId,
		Symbol:        params.Symbol,
		Status:        string(FuturesOrderStatusFilled),
		ClientOrderId: params.NewClientOrderId,
		Price:         price,
		AvgPrice:      price,
		OrigQty:       params.Quantity,
		ExecutedQty:   filled,
		Type:          string(params.Type),
		ReduceOnly:    params.ReduceOnly,
		Side:          params.Side,
		PositionSide:  string(PositionSideBoth),
		UpdateTime:    now,
	}, nil
}

func (c *PaperClient) CancelAllFuturesOrders(ctx context.Context, symbol string) error {
	// market orders fill immediately, nothing rests
	return c.injected("CancelAllFuturesOrders")
}

// ==================== ALGO ORDERS ====================

func (c *PaperClient) PlaceAlgoOrder(ctx context.Context, params AlgoOrderParams) (*AlgoOrderResponse, error) {
	if err := c.injected("PlaceAlgoOrder"); err != nil {
		return nil, err
	}
	switch params.Type {
	case FuturesOrderTypeStopMarket:
		if !(params.TriggerPrice > 0) {
			return nil, &APIError{Status: http.StatusBadRequest, Code: -1102, Msg: "Mandatory parameter 'triggerPrice' was not sent."}
		}
	case FuturesOrderTypeTrailingStop:
		if params.CallbackRate < 0.1 || params.CallbackRate > 10 {
			return nil, &APIError{Status: http.StatusBadRequest, Code: -2007, Msg: "Invalid callBack rate."}
		}
	default:
		return nil, &APIError{Status: http.StatusBadRequest, Code: -1116, Msg: "Invalid orderType."}
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	algoId := c.nextOrderId
	c.nextOrderId++

	order := &AlgoOrderResponse{
		AlgoId:        algoId,
		ClientAlgoId:  params.ClientAlgoId,
		AlgoType:      string(AlgoTypeConditional),
		OrderType:     string(params.Type),
		Symbol:        params.Symbol,
		Side:          params.Side,
		AlgoStatus:    string(AlgoOrderStatusNew),
		TriggerPrice:  params.TriggerPrice,
		Quantity:      params.Quantity,
		ReduceOnly:    params.ReduceOnly,
		ActivatePrice: params.ActivatePrice,
		CallbackRate:  params.CallbackRate,
		CreateTime:    time.Now().UnixMilli(),
	}
	c.algoOrders[algoId] = order

	out := *order
	return &out, nil
}

func (c *PaperClient) CancelAllAlgoOrders(ctx context.Context, symbol string) error {
	if err := c.injected("CancelAllAlgoOrders"); err != nil {
		return err
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, o := range c.algoOrders {
		if o.Symbol == symbol && o.AlgoStatus == string(AlgoOrderStatusNew) {
			o.AlgoStatus = string(AlgoOrderStatusCancelled)
		}
	}
	return nil
}

// ==================== MARKET DATA ====================

var errNoPaperPrice = errors.New("no paper price for symbol")

func (c *PaperClient) GetFuturesCurrentPrice(ctx context.Context, symbol string) (float64, error) {
	if err := c.injected("GetFuturesCurrentPrice"); err != nil {
		return 0, err
	}
	return c.price(ctx, symbol)
}

func (c *PaperClient) price(ctx context.Context, symbol string) (float64, error) {
	if c.priceFeed != nil {
		return c.priceFeed(ctx, symbol)
	}
	c.mu.RLock()
	defer c.mu.RUnlock()
	price, ok := c.prices[symbol]
	if !ok {
		return 0, fmt.Errorf("%w: %s", errNoPaperPrice, symbol)
	}
	return price, nil
}
