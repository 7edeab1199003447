package binance

import "context"

// FuturesClient is the slice of the Binance Futures API the gateway uses.
// FuturesClientImpl talks to the exchange; PaperClient simulates it.
type FuturesClient interface {
	// GetFuturesAccountInfo retrieves balances
	GetFuturesAccountInfo(ctx context.Context) (*FuturesAccountInfo, error)

	// GetPositionRisk retrieves position rows for a symbol
	GetPositionRisk(ctx context.Context, symbol string) ([]FuturesPosition, error)

	// SetLeverage changes initial leverage for a symbol
	SetLeverage(ctx context.Context, symbol string, leverage int) error

	// PlaceFuturesOrder places a new futures order
	PlaceFuturesOrder(ctx context.Context, params FuturesOrderParams) (*FuturesOrderResponse, error)

	// CancelAllFuturesOrders cancels all open orders for a symbol
	CancelAllFuturesOrders(ctx context.Context, symbol string) error

	// PlaceAlgoOrder places a conditional order (STOP_MARKET, TRAILING_STOP_MARKET)
	PlaceAlgoOrder(ctx context.Context, params AlgoOrderParams) (*AlgoOrderResponse, error)

	// CancelAllAlgoOrders cancels all open algo orders for a symbol
	CancelAllAlgoOrders(ctx context.Context, symbol string) error

	// GetFuturesCurrentPrice retrieves the current price for a symbol
	GetFuturesCurrentPrice(ctx context.Context, symbol string) (float64, error)
}

var (
	_ FuturesClient = (*FuturesClientImpl)(nil)
	_ FuturesClient = (*PaperClient)(nil)
)
