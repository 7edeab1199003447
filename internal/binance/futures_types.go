package binance

// ==================== ENUMS ====================

// PositionSide represents the position side for futures trading
type PositionSide string

const (
	PositionSideBoth  PositionSide = "BOTH"  // One-way mode
	PositionSideLong  PositionSide = "LONG"  // Hedge mode long
	PositionSideShort PositionSide = "SHORT" // Hedge mode short
)

// FuturesOrderType represents order types for futures
type FuturesOrderType string

const (
	FuturesOrderTypeLimit        FuturesOrderType = "LIMIT"
	FuturesOrderTypeMarket       FuturesOrderType = "MARKET"
	FuturesOrderTypeStopMarket   FuturesOrderType = "STOP_MARKET"
	FuturesOrderTypeTrailingStop FuturesOrderType = "TRAILING_STOP_MARKET"
)

// FuturesOrderStatus represents order status
type FuturesOrderStatus string

const (
	FuturesOrderStatusNew      FuturesOrderStatus = "NEW"
	FuturesOrderStatusFilled   FuturesOrderStatus = "FILLED"
	FuturesOrderStatusCanceled FuturesOrderStatus = "CANCELED"
)

// WorkingType for stop orders
type WorkingType string

const (
	WorkingTypeContractPrice WorkingType = "CONTRACT_PRICE"
	WorkingTypeMarkPrice     WorkingType = "MARK_PRICE"
)

// ==================== ACCOUNT TYPES ====================

// FuturesAccountInfo is the subset of /fapi/v2/account the gateway reads
type FuturesAccountInfo struct {
	CanTrade              bool           `json:"canTrade"`
	TotalWalletBalance    float64        `json:"totalWalletBalance,string"`
	TotalUnrealizedProfit float64        `json:"totalUnrealizedProfit,string"`
	TotalMarginBalance    float64        `json:"totalMarginBalance,string"`
	AvailableBalance      float64        `json:"availableBalance,string"`
	Assets                []FuturesAsset `json:"assets"`
}

// FuturesAsset represents an asset in futures account
type FuturesAsset struct {
	Asset            string  `json:"asset"`
	WalletBalance    float64 `json:"walletBalance,string"`
	UnrealizedProfit float64 `json:"unrealizedProfit,string"`
	MarginBalance    float64 `json:"marginBalance,string"`
	AvailableBalance float64 `json:"availableBalance,string"`
}

// ==================== POSITION TYPES ====================

// FuturesPosition represents a futures position from positionRisk endpoint
type FuturesPosition struct {
	Symbol           string  `json:"symbol"`
	PositionAmt      float64 `json:"positionAmt,string"`
	EntryPrice       float64 `json:"entryPrice,string"`
	MarkPrice        float64 `json:"markPrice,string"`
	UnrealizedProfit float64 `json:"unRealizedProfit,string"`
	LiquidationPrice float64 `json:"liquidationPrice,string"`
	Leverage         int     `json:"leverage,string"`
	MarginType       string  `json:"marginType"`
	PositionSide     string  `json:"positionSide"`
	UpdateTime       int64   `json:"updateTime"`
}

// ==================== ORDER TYPES ====================

// FuturesOrderParams represents parameters for placing a futures order
type FuturesOrderParams struct {
	Symbol           string           `json:"symbol"`
	Side             string           `json:"side"` // BUY or SELL
	PositionSide     PositionSide     `json:"positionSide"`
	Type             FuturesOrderType `json:"type"`
	Quantity         float64          `json:"quantity"`
	Price            float64          `json:"price,omitempty"`
	StopPrice        float64          `json:"stopPrice,omitempty"`
	ReduceOnly       bool             `json:"reduceOnly,omitempty"`
	WorkingType      WorkingType      `json:"workingType,omitempty"`
	NewClientOrderId string           `json:"newClientOrderId,omitempty"`
}

// FuturesOrderResponse represents response from placing an order
type FuturesOrderResponse struct {
	OrderId       int64   `json:"orderId"`
	Symbol        string  `json:"symbol"`
	Status        string  `json:"status"`
	ClientOrderId string  `json:"clientOrderId"`
	Price         float64 `json:"price,string"`
	AvgPrice      float64 `json:"avgPrice,string"`
	OrigQty       float64 `json:"origQty,string"`
	ExecutedQty   float64 `json:"executedQty,string"`
	Type          string  `json:"type"`
	ReduceOnly    bool    `json:"reduceOnly"`
	Side          string  `json:"side"`
	PositionSide  string  `json:"positionSide"`
	StopPrice     float64 `json:"stopPrice,string"`
	UpdateTime    int64   `json:"updateTime"`
}

// ==================== ALGO ORDER TYPES ====================

// AlgoType for algo orders
type AlgoType string

const (
	AlgoTypeConditional AlgoType = "CONDITIONAL"
)

// AlgoOrderStatus represents algo order status
type AlgoOrderStatus string

const (
	AlgoOrderStatusNew       AlgoOrderStatus = "NEW"
	AlgoOrderStatusCancelled AlgoOrderStatus = "CANCELLED"
)

// AlgoOrderParams places conditional orders: STOP_MARKET and TRAILING_STOP_MARKET
type AlgoOrderParams struct {
	Symbol       string           `json:"symbol"`
	Side         string           `json:"side"` // BUY or SELL
	PositionSide PositionSide     `json:"positionSide,omitempty"`
	Type         FuturesOrderType `json:"type"`
	Quantity     float64          `json:"quantity,omitempty"`
	TriggerPrice float64          `json:"triggerPrice,omitempty"`
	WorkingType  WorkingType      `json:"workingType,omitempty"`
	ReduceOnly   bool             `json:"reduceOnly,omitempty"`
	ClientAlgoId string           `json:"clientAlgoId,omitempty"`
	// Trailing stop specific
	ActivatePrice float64 `json:"activatePrice,omitempty"`
	CallbackRate  float64 `json:"callbackRate,omitempty"` // 0.1-10 (%)
}

// AlgoOrderResponse represents response from placing an algo order
type AlgoOrderResponse struct {
	AlgoId        int64   `json:"algoId"`
	ClientAlgoId  string  `json:"clientAlgoId"`
	AlgoType      string  `json:"algoType"`
	OrderType     string  `json:"orderType"`
	Symbol        string  `json:"symbol"`
	Side          string  `json:"side"`
	AlgoStatus    string  `json:"algoStatus"`
	TriggerPrice  float64 `json:"triggerPrice,string"`
	Quantity      float64 `json:"quantity,string"`
	ReduceOnly    bool    `json:"reduceOnly"`
	ActivatePrice float64 `json:"activatePrice,string"`
	CallbackRate  float64 `json:"callbackRate,string"`
	CreateTime    int64   `json:"createTime"`
}

// tickerPrice is the /fapi/v1/ticker/price payload
type tickerPrice struct {
	Symbol string  `json:"symbol"`
	Price  float64 `json:"price,string"`
}
