package binance

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"github.com/lsventura/cryptoTrader/internal/exchange"
)

func newTestClient(t *testing.T, handler http.HandlerFunc) (*FuturesClientImpl, *httptest.Server) {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)
	client := NewFuturesClient(ClientConfig{
		APIKey:     " key ",
		SecretKey:  "secret",
		BaseURL:    srv.URL,
		Timeout:    2 * time.Second,
		MaxRetries: 2,
	}, zerolog.Nop())
	return client, srv
}

func TestGetPriceUnsigned(t *testing.T) {
	client, _ := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/fapi/v1/ticker/price" {
			t.Errorf("Expected ticker path, got %s", r.URL.Path)
		}
		if r.URL.Query().Get("signature") != "" {
			t.Error("Expected unsigned request")
		}
		fmt.Fprint(w, `{"symbol":"BTCUSDT","price":"43210.5"}`)
	})

	price, err := client.GetFuturesCurrentPrice(context.Background(), "BTCUSDT")
	if err != nil {
		t.Fatalf("Unexpected error: %v", err)
	}
	if price != 43210.5 {
		t.Errorf("Expected 43210.5, got %v", price)
	}
}

func TestSignedRequest(t *testing.T) {
	client, _ := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		if got := r.Header.Get("X-MBX-APIKEY"); got != "key" {
			t.Errorf("Expected trimmed api key, got %q", got)
		}
		raw := r.URL.RawQuery
		i := strings.LastIndex(raw, "&signature=")
		if i < 0 {
			t.Fatalf("Expected signature in %s", raw)
		}
		mac := hmac.New(sha256.New, []byte("secret"))
		mac.Write([]byte(raw[:i]))
		if want := hex.EncodeToString(mac.Sum(nil)); raw[i+len("&signature="):] != want {
			t.Errorf("Expected signature %s, got %s", want, raw[i+len("&signature="):])
		}
		q := r.URL.Query()
		if q.Get("timestamp") == "" || q.Get("recvWindow") == "" {
			t.Error("Expected timestamp and recvWindow")
		}
		fmt.Fprint(w, `[{"symbol":"BTCUSDT","positionAmt":"-0.5","entryPrice":"100","markPrice":"99","unRealizedProfit":"0.5","liquidationPrice":"0","leverage":"10","positionSide":"BOTH"}]`)
	})

	rows, err := client.GetPositionRisk(context.Background(), "BTCUSDT")
	if err != nil {
		t.Fatalf("Unexpected error: %v", err)
	}
	if len(rows) != 1 || rows[0].PositionAmt != -0.5 || rows[0].Leverage != 10 {
		t.Errorf("Unexpected rows: %+v", rows)
	}
}

func TestPlaceOrderParams(t *testing.T) {
	client, _ := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			t.Errorf("Expected POST, got %s", r.Method)
		}
		q := r.URL.Query()
		checks := map[string]string{
			"symbol":           "ETHUSDT",
			"side":             "SELL",
			"type":             "MARKET",
			"quantity":         "0.25",
			"reduceOnly":       "true",
			"newOrderRespType": "RESULT",
		}
		for k, want := range checks {
			if got := q.Get(k); got != want {
				t.Errorf("Expected %s=%s, got %s", k, want, got)
			}
		}
		fmt.Fprint(w, `{"orderId":42,"symbol":"ETHUSDT","status":"FILLED","avgPrice":"2000.5","executedQty":"0.25","side":"SELL"}`)
	})

	resp, err := client.PlaceFuturesOrder(context.Background(), FuturesOrderParams{
		Symbol:     "ETHUSDT",
		Side:       "SELL",
		Type:       FuturesOrderTypeMarket,
		Quantity:   0.25,
		ReduceOnly: true,
	})
	if err != nil {
		t.Fatalf("Unexpected error: %v", err)
	}
	if resp.OrderId != 42 || resp.AvgPrice != 2000.5 {
		t.Errorf("Unexpected response: %+v", resp)
	}
}

func TestAPIErrorMapping(t *testing.T) {
	tests := []struct {
		name       string
		status     int
		body       string
		wantTarget error
	}{
		{"min notional code", 400, `{"code":-4164,"msg":"Order's notional must be no smaller than 5"}`, exchange.ErrBelowMinNotional},
		{"notional message", 400, `{"code":-1013,"msg":"Filter failure: MIN_NOTIONAL"}`, exchange.ErrBelowMinNotional},
		{"other rejection", 400, `{"code":-2019,"msg":"Margin is insufficient."}`, exchange.ErrRejected},
		{"plain text body", 403, `forbidden`, exchange.ErrRejected},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			client, _ := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
				w.WriteHeader(tt.status)
				fmt.Fprint(w, tt.body)
			})
			_, err := client.PlaceFuturesOrder(context.Background(), FuturesOrderParams{
				Symbol: "BTCUSDT", Side: "BUY", Type: FuturesOrderTypeMarket, Quantity: 0.001,
			})
			if !errors.Is(err, tt.wantTarget) {
				t.Errorf("Expected %v, got %v", tt.wantTarget, err)
			}
			apiErr, ok := IsAPIError(err)
			if !ok {
				t.Fatalf("Expected APIError in chain, got %T", err)
			}
			if apiErr.Status != tt.status {
				t.Errorf("Expected status %d, got %d", tt.status, apiErr.Status)
			}
		})
	}
}

func TestRetriesServerErrors(t *testing.T) {
	var calls int32
	client, _ := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		if atomic.AddInt32(&calls, 1) == 1 {
			w.WriteHeader(http.StatusBadGateway)
			fmt.Fprint(w, `{"code":-1001,"msg":"Internal error"}`)
			return
		}
		fmt.Fprint(w, `{"symbol":"BTCUSDT","price":"100"}`)
	})

	price, err := client.GetFuturesCurrentPrice(context.Background(), "BTCUSDT")
	if err != nil {
		t.Fatalf("Unexpected error: %v", err)
	}
	if price != 100 {
		t.Errorf("Expected 100, got %v", price)
	}
	if got := atomic.LoadInt32(&calls); got != 2 {
		t.Errorf("Expected 2 calls, got %d", got)
	}
}

func TestRejectionNotRetried(t *testing.T) {
	var calls int32
	client, _ := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&calls, 1)
		w.WriteHeader(http.StatusBadRequest)
		fmt.Fprint(w, `{"code":-1121,"msg":"Invalid symbol."}`)
	})

	if _, err := client.GetFuturesCurrentPrice(context.Background(), "NOPE"); err == nil {
		t.Fatal("Expected error")
	}
	if got := atomic.LoadInt32(&calls); got != 1 {
		t.Errorf("Expected 1 call, got %d", got)
	}
}

func TestRateLimitOpensCircuit(t *testing.T) {
	var calls int32
	banUntil := time.Now().Add(time.Minute).UnixMilli()
	client, _ := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&calls, 1)
		w.WriteHeader(http.StatusTeapot)
		fmt.Fprintf(w, `{"code":-1003,"msg":"Way too many requests; IP banned until %d."}`, banUntil)
	})

	_, err := client.GetFuturesCurrentPrice(context.Background(), "BTCUSDT")
	if err == nil {
		t.Fatal("Expected error")
	}
	if errors.Is(err, exchange.ErrRejected) {
		t.Error("Rate limit must not map to a rejection")
	}
	if !client.RateLimiter().IsCircuitOpen() {
		t.Fatal("Expected circuit open")
	}

	_, err = client.GetFuturesCurrentPrice(context.Background(), "BTCUSDT")
	if !errors.Is(err, ErrCircuitOpen) {
		t.Errorf("Expected ErrCircuitOpen, got %v", err)
	}
	if got := atomic.LoadInt32(&calls); got != 1 {
		t.Errorf("Expected the banned call to skip the network, got %d calls", got)
	}
}

func TestWeightHeaderUpdatesLimiter(t *testing.T) {
	client, _ := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("X-MBX-USED-WEIGHT-1M", "900")
		fmt.Fprint(w, `{"symbol":"BTCUSDT","price":"1"}`)
	})

	if _, err := client.GetFuturesCurrentPrice(context.Background(), "BTCUSDT"); err != nil {
		t.Fatalf("Unexpected error: %v", err)
	}
	current, limit := client.RateLimiter().Usage()
	if current != 900 {
		t.Errorf("Expected weight 900, got %d", current)
	}
	if limit != 2400 {
		t.Errorf("Expected default limit 2400, got %d", limit)
	}
}

func TestParseBanUntilFromError(t *testing.T) {
	future := time.Now().Add(10 * time.Minute).UnixMilli()
	tests := []struct {
		name string
		msg  string
		want int64
	}{
		{"with deadline", fmt.Sprintf("IP banned until %d. Please use the websocket", future), future},
		{"no deadline", "Too many requests", 0},
		{"past deadline", "banned until 1000", 0},
		{"garbage", "banned until soon", 0},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := ParseBanUntilFromError(tt.msg); got != tt.want {
				t.Errorf("Expected %d, got %d", tt.want, got)
			}
		})
	}
}

func TestRateLimiterWaitsForWindow(t *testing.T) {
	rl := NewRateLimiter(5, zerolog.Nop())
	ctx := context.Background()
	if err := rl.Wait(ctx, "/fapi/v2/account"); err != nil {
		t.Fatalf("Unexpected error: %v", err)
	}

	ctx, cancel := context.WithTimeout(ctx, 20*time.Millisecond)
	defer cancel()
	if err := rl.Wait(ctx, "/fapi/v1/ticker/price"); !errors.Is(err, context.DeadlineExceeded) {
		t.Errorf("Expected deadline while window is full, got %v", err)
	}
}
