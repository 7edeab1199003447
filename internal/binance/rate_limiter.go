package binance

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"
)

// ErrCircuitOpen is returned while an IP ban from the exchange is in effect
var ErrCircuitOpen = errors.New("rate limit: circuit breaker open")

// RateLimiter tracks request weight per minute and opens a circuit breaker
// when the exchange answers with a rate limit or ban.
type RateLimiter struct {
	mu     sync.Mutex
	logger zerolog.Logger

	// Circuit breaker state
	circuitOpen bool
	banUntil    time.Time

	// Weight tracking (Binance uses weight-based limits)
	currentWeight int
	weightResetAt time.Time
	maxWeight     int

	consecutiveErrors int
	now               func() time.Time
}

// Endpoint weights for the Binance Futures endpoints the client calls
var endpointWeights = map[string]int{
	"/fapi/v2/account":        5,
	"/fapi/v2/positionRisk":   5,
	"/fapi/v1/leverage":       1,
	"/fapi/v1/order":          1,
	"/fapi/v1/allOpenOrders":  1,
	"/fapi/v1/algoOrder":      1,
	"/fapi/v1/algoOpenOrders": 1,
	"/fapi/v1/ticker/price":   1,
}

// NewRateLimiter creates a limiter allowing maxWeight per minute
func NewRateLimiter(maxWeight int, logger zerolog.Logger) *RateLimiter {
	if maxWeight <= 0 {
		maxWeight = 2400 // Binance Futures limit
	}
	return &RateLimiter{
		logger:        logger,
		maxWeight:     maxWeight,
		weightResetAt: time.Now().Add(time.Minute),
		now:           time.Now,
	}
}

// Wait blocks until endpoint fits in the current weight window or ctx ends.
// While the circuit is open it fails fast with ErrCircuitOpen.
func (r *RateLimiter) Wait(ctx context.Context, endpoint string) error {
	weight := getEndpointWeight(endpoint)
	for {
		r.mu.Lock()
		now := r.now()
		if r.circuitOpen {
			if now.Before(r.banUntil) {
				until := r.banUntil
				r.mu.Unlock()
				return fmt.Errorf("%w until %s", ErrCircuitOpen, until.Format(time.RFC3339))
			}
			r.circuitOpen = false
			r.logger.Info().Msg("Rate limit circuit breaker closed")
		}
		if now.After(r.weightResetAt) {
			r.currentWeight = 0
			r.weightResetAt = now.Add(time.Minute)
		}
		if r.currentWeight+weight <= r.maxWeight {
			r.currentWeight += weight
			r.mu.Unlock()
			return nil
		}
		wait := r.weightResetAt.Sub(now)
		r.mu.Unlock()

		if wait > 5*time.Second {
			wait = 5 * time.Second
		}
		t := time.NewTimer(wait)
		select {
		case <-ctx.Done():
			t.Stop()
			return ctx.Err()
		case <-t.C:
		}
	}
}

// RecordSuccess resets the consecutive error count
func (r *RateLimiter) RecordSuccess() {
	r.mu.Lock()
	r.consecutiveErrors = 0
	r.mu.Unlock()
}

// RecordRateLimitError opens the circuit until banUntilMs, or for an
// exponentially growing period when the exchange gave no deadline.
func (r *RateLimiter) RecordRateLimitError(banUntilMs int64) {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.consecutiveErrors++
	var banUntil time.Time
	if banUntilMs > 0 {
		banUntil = time.UnixMilli(banUntilMs)
	} else {
		backoff := time.Duration(1<<uint(r.consecutiveErrors)) * time.Second
		if backoff > 5*time.Minute {
			backoff = 5 * time.Minute
		}
		banUntil = r.now().Add(backoff)
	}

	r.circuitOpen = true
	r.banUntil = banUntil
	r.logger.Warn().
		Time("ban_until", banUntil).
		Int("consecutive_errors", r.consecutiveErrors).
		Msg("Rate limit circuit breaker open")
}

// UpdateFromHeaders adopts the exchange-reported weight when it is higher
func (r *RateLimiter) UpdateFromHeaders(usedWeight1m int) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if usedWeight1m > r.currentWeight {
		r.currentWeight = usedWeight1m
	}
}

// IsCircuitOpen returns true while a ban is in effect
func (r *RateLimiter) IsCircuitOpen() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.circuitOpen && r.now().Before(r.banUntil)
}

// Usage returns the weight consumed in the current window
func (r *RateLimiter) Usage() (current, limit int) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.currentWeight, r.maxWeight
}

func getEndpointWeight(endpoint string) int {
	if weight, ok := endpointWeights[endpoint]; ok {
		return weight
	}
	return 1
}

// ParseBanUntilFromError extracts the ban timestamp from an error message
// such as "banned until 1766824120342".
func ParseBanUntilFromError(errMsg string) int64 {
	i := strings.Index(errMsg, "until")
	if i < 0 {
		return 0
	}
	digits := strings.TrimLeft(errMsg[i+len("until"):], " ")
	end := strings.IndexFunc(digits, func(r rune) bool { return r < '0' || r > '9' })
	if end >= 0 {
		digits = digits[:end]
	}
	banUntil, err := strconv.ParseInt(digits, 10, 64)
	if err != nil {
		return 0
	}
	now := time.Now()
	if banUntil > now.UnixMilli() && banUntil < now.Add(24*time.Hour).UnixMilli() {
		return banUntil
	}
	return 0
}
