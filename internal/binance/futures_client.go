package binance

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v4"
	jsoniter "github.com/json-iterator/go"
	"github.com/rs/zerolog"

	"github.com/lsventura/cryptoTrader/internal/metrics"
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

const (
	// FuturesBaseURL is the production Binance Futures API URL
	FuturesBaseURL = "https://fapi.binance.com"
	// FuturesTestnetURL is the testnet Binance Futures API URL
	FuturesTestnetURL = "https://testnet.binancefuture.com"

	defaultMaxRetries = 3
	baseRetryDelay    = 500 * time.Millisecond
	maxRetryDelay     = 5 * time.Second
	recvWindow        = "10000" // clock skew tolerance
)

// ClientConfig configures the REST client
type ClientConfig struct {
	APIKey     string
	SecretKey  string
	Testnet    bool
	BaseURL    string // overrides Testnet when set
	Timeout    time.Duration
	MaxRetries int
	MaxWeight  int
}

// FuturesClientImpl talks to the USDⓈ-M futures REST API
type FuturesClientImpl struct {
	apiKey     string
	secretKey  string
	baseURL    string
	httpClient *http.Client
	limiter    *RateLimiter
	maxRetries uint64
	logger     zerolog.Logger
}

// NewFuturesClient creates a new FuturesClient instance
func NewFuturesClient(cfg ClientConfig, logger zerolog.Logger) *FuturesClientImpl {
	baseURL := FuturesBaseURL
	if cfg.Testnet {
		baseURL = FuturesTestnetURL
	}
	if cfg.BaseURL != "" {
		baseURL = strings.TrimRight(cfg.BaseURL, "/")
	}
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 15 * time.Second
	}
	retries := cfg.MaxRetries
	if retries < 0 {
		retries = 0
	} else if retries == 0 {
		retries = defaultMaxRetries
	}

	log := logger.With().Str("component", "BinanceFutures").Logger()
	// Trim any whitespace from keys - critical for signature generation
	return &FuturesClientImpl{
		apiKey:     strings.TrimSpace(cfg.APIKey),
		secretKey:  strings.TrimSpace(cfg.SecretKey),
		baseURL:    baseURL,
		httpClient: &http.Client{Timeout: timeout},
		limiter:    NewRateLimiter(cfg.MaxWeight, log),
		maxRetries: uint64(retries),
		logger:     log,
	}
}

// RateLimiter exposes the client's limiter for status reporting
func (c *FuturesClientImpl) RateLimiter() *RateLimiter { return c.limiter }

// ==================== ACCOUNT ====================

// GetFuturesAccountInfo retrieves balances
func (c *FuturesClientImpl) GetFuturesAccountInfo(ctx context.Context) (*FuturesAccountInfo, error) {
	resp, err := c.do(ctx, http.MethodGet, "/fapi/v2/account", nil, true)
	if err != nil {
		return nil, fmt.Errorf("error fetching account info: %w", err)
	}

	var info FuturesAccountInfo
	if err := json.Unmarshal(resp, &info); err != nil {
		return nil, fmt.Errorf("error parsing account info: %w", err)
	}
	return &info, nil
}

// GetPositionRisk returns position rows for symbol (two in hedge mode)
func (c *FuturesClientImpl) GetPositionRisk(ctx context.Context, symbol string) ([]FuturesPosition, error) {
	resp, err := c.do(ctx, http.MethodGet, "/fapi/v2/positionRisk", map[string]string{"symbol": symbol}, true)
	if err != nil {
		return nil, fmt.Errorf("error fetching position: %w", err)
	}

	var positions []FuturesPosition
	if err := json.Unmarshal(resp, &positions); err != nil {
		return nil, fmt.Errorf("error parsing position: %w", err)
	}
	return positions, nil
}

// SetLeverage changes initial leverage for symbol
func (c *FuturesClientImpl) SetLeverage(ctx context.Context, symbol string, leverage int) error {
	params := map[string]string{
		"symbol":   symbol,
		"leverage": strconv.Itoa(leverage),
	}
	if _, err := c.do(ctx, http.MethodPost, "/fapi/v1/leverage", params, true); err != nil {
		return fmt.Errorf("error setting leverage: %w", err)
	}
	return nil
}

// ==================== TRADING ====================

// PlaceFuturesOrder places a new futures order
func (c *FuturesClientImpl) PlaceFuturesOrder(ctx context.Context, params FuturesOrderParams) (*FuturesOrderResponse, error) {
	reqParams := map[string]string{
		"symbol":   params.Symbol,
		"side":     params.Side,
		"type":     string(params.Type),
		"quantity": formatFloat(params.Quantity),
	}
	if params.PositionSide != "" {
		reqParams["positionSide"] = string(params.PositionSide)
	}
	if params.Price > 0 {
		reqParams["price"] = formatFloat(params.Price)
	}
	if params.StopPrice > 0 {
		reqParams["stopPrice"] = formatFloat(params.StopPrice)
	}
	if params.ReduceOnly {
		reqParams["reduceOnly"] = "true"
	}
	if params.WorkingType != "" {
		reqParams["workingType"] = string(params.WorkingType)
	}
	if params.NewClientOrderId != "" {
		reqParams["newClientOrderId"] = params.NewClientOrderId
	}
	reqParams["newOrderRespType"] = "RESULT"

	resp, err := c.do(ctx, http.MethodPost, "/fapi/v1/order", reqParams, true)
	if err != nil {
		return nil, fmt.Errorf("error placing order: %w", err)
	}

	var orderResp FuturesOrderResponse
	if err := json.Unmarshal(resp, &orderResp); err != nil {
		return nil, fmt.Errorf("error parsing order response: %w", err)
	}
	return &orderResp, nil
}

// CancelAllFuturesOrders cancels all open regular orders for a symbol
func (c *FuturesClientImpl) CancelAllFuturesOrders(ctx context.Context, symbol string) error {
	if _, err := c.do(ctx, http.MethodDelete, "/fapi/v1/allOpenOrders", map[string]string{"symbol": symbol}, true); err != nil {
		return fmt.Errorf("error canceling all orders: %w", err)
	}
	return nil
}

// ==================== ALGO ORDERS ====================

// PlaceAlgoOrder places a conditional order. Binance serves STOP_MARKET and
// TRAILING_STOP_MARKET through the algo service.
func (c *FuturesClientImpl) PlaceAlgoOrder(ctx context.Context, params AlgoOrderParams) (*AlgoOrderResponse, error) {
	reqParams := map[string]string{
		"algoType": string(AlgoTypeConditional),
		"symbol":   params.Symbol,
		"side":     params.Side,
		"type":     string(params.Type),
	}
	if params.TriggerPrice > 0 {
		reqParams["triggerPrice"] = formatFloat(params.TriggerPrice)
	}
	if params.PositionSide != "" {
		reqParams["positionSide"] = string(params.PositionSide)
	}
	if params.Quantity > 0 {
		reqParams["quantity"] = formatFloat(params.Quantity)
	}
	if params.WorkingType != "" {
		reqParams["workingType"] = string(params.WorkingType)
	}
	if params.ReduceOnly {
		reqParams["reduceOnly"] = "true"
	}
	if params.ClientAlgoId != "" {
		reqParams["clientAlgoId"] = params.ClientAlgoId
	}
	if params.ActivatePrice > 0 {
		reqParams["activatePrice"] = formatFloat(params.ActivatePrice)
	}
	if params.CallbackRate > 0 {
		reqParams["callbackRate"] = formatFloat(params.CallbackRate)
	}

	resp, err := c.do(ctx, http.MethodPost, "/fapi/v1/algoOrder", reqParams, true)
	if err != nil {
		return nil, fmt.Errorf("error placing algo order: %w", err)
	}

	var algoResp AlgoOrderResponse
	if err := json.Unmarshal(resp, &algoResp); err != nil {
		return nil, fmt.Errorf("error parsing algo order response: %w", err)
	}
	return &algoResp, nil
}

// CancelAllAlgoOrders cancels all open algo orders for a symbol
func (c *FuturesClientImpl) CancelAllAlgoOrders(ctx context.Context, symbol string) error {
	if _, err := c.do(ctx, http.MethodDelete, "/fapi/v1/algoOpenOrders", map[string]string{"symbol": symbol}, true); err != nil {
		return fmt.Errorf("error canceling all algo orders: %w", err)
	}
	return nil
}

// ==================== MARKET DATA ====================

// GetFuturesCurrentPrice retrieves the last traded price for a symbol
func (c *FuturesClientImpl) GetFuturesCurrentPrice(ctx context.Context, symbol string) (float64, error) {
	resp, err := c.do(ctx, http.MethodGet, "/fapi/v1/ticker/price", map[string]string{"symbol": symbol}, false)
	if err != nil {
		return 0, fmt.Errorf("error fetching price: %w", err)
	}

	var priceResp tickerPrice
	if err := json.Unmarshal(resp, &priceResp); err != nil {
		return 0, fmt.Errorf("error parsing price: %w", err)
	}
	return priceResp.Price, nil
}

// ==================== HTTP HELPERS ====================

// sign creates a signature for the given query string
func (c *FuturesClientImpl) sign(query string) string {
	mac := hmac.New(sha256.New, []byte(c.secretKey))
	mac.Write([]byte(query))
	return hex.EncodeToString(mac.Sum(nil))
}

// encode builds the query string, refreshing timestamp and signature for
// each attempt.
func (c *FuturesClientImpl) encode(params map[string]string, signed bool) string {
	values := url.Values{}
	for k, v := range params {
		values.Set(k, v)
	}
	if !signed {
		return values.Encode()
	}
	values.Set("timestamp", strconv.FormatInt(time.Now().UnixMilli(), 10))
	values.Set("recvWindow", recvWindow)
	query := values.Encode()
	return query + "&signature=" + c.sign(query)
}

// do performs one REST call with rate limiting and retries. Transport
// errors on POST are not retried since the order may have been accepted.
func (c *FuturesClientImpl) do(ctx context.Context, method, endpoint string, params map[string]string, signed bool) ([]byte, error) {
	policy := backoff.NewExponentialBackOff()
	policy.InitialInterval = baseRetryDelay
	policy.MaxInterval = maxRetryDelay
	policy.MaxElapsedTime = 0
	b := backoff.WithContext(backoff.WithMaxRetries(policy, c.maxRetries), ctx)

	var body []byte
	attempt := 0
	op := func() error {
		attempt++
		if err := c.limiter.Wait(ctx, endpoint); err != nil {
			return backoff.Permanent(err)
		}

		reqURL := c.baseURL + endpoint
		if q := c.encode(params, signed); q != "" {
			reqURL += "?" + q
		}
		req, err := http.NewRequestWithContext(ctx, method, reqURL, nil)
		if err != nil {
			return backoff.Permanent(err)
		}
		if signed {
			req.Header.Set("X-MBX-APIKEY", c.apiKey)
		}

		start := time.Now()
		resp, err := c.httpClient.Do(req)
		metrics.ExchangeRequestDuration.WithLabelValues(endpoint).Observe(time.Since(start).Seconds())
		if err != nil {
			if ctx.Err() != nil || method == http.MethodPost {
				return backoff.Permanent(err)
			}
			c.logger.Warn().Err(err).Str("endpoint", endpoint).Int("attempt", attempt).Msg("Request failed, retrying")
			return err
		}
		defer resp.Body.Close()

		data, err := io.ReadAll(resp.Body)
		if err != nil {
			return backoff.Permanent(err)
		}
		if w := resp.Header.Get("X-MBX-USED-WEIGHT-1M"); w != "" {
			if weight, err := strconv.Atoi(w); err == nil {
				c.limiter.UpdateFromHeaders(weight)
			}
		}

		if resp.StatusCode != http.StatusOK {
			apiErr := parseAPIError(resp.StatusCode, data)
			if apiErr.RateLimited() {
				c.limiter.RecordRateLimitError(ParseBanUntilFromError(apiErr.Msg))
				return backoff.Permanent(apiErr)
			}
			if apiErr.Retryable() {
				c.logger.Warn().
					Str("endpoint", endpoint).
					Int("status", resp.StatusCode).
					Int("code", apiErr.Code).
					Int("attempt", attempt).
					Msg("Transient API error, retrying")
				return apiErr
			}
			return backoff.Permanent(apiErr)
		}

		c.limiter.RecordSuccess()
		body = data
		return nil
	}

	if err := backoff.Retry(op, b); err != nil {
		return nil, err
	}
	return body, nil
}

func formatFloat(v float64) string {
	return strconv.FormatFloat(v, 'f', -1, 64)
}
