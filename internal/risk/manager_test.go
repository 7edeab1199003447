package risk

import (
	"errors"
	"math"
	"testing"
)

func TestCalculatePositionSize(t *testing.T) {
	tests := []struct {
		name    string
		config  Config
		balance float64
		price   float64
		want    float64
	}{
		{
			name:    "clamped up to min notional",
			config:  Config{RiskPerTradePct: 1.5, Leverage: 5, MinNotional: 100},
			balance: 1000,
			price:   50,
			want:    2.0,
		},
		{
			name:    "above min notional",
			config:  Config{RiskPerTradePct: 2, Leverage: 10, MinNotional: 100},
			balance: 1000,
			price:   50,
			want:    4.0,
		},
		{
			name:    "zero balance uses min notional",
			config:  Config{RiskPerTradePct: 1.5, Leverage: 5, MinNotional: 100},
			balance: 0,
			price:   25,
			want:    4.0,
		},
		{
			name:    "leverage below one treated as one",
			config:  Config{RiskPerTradePct: 10, Leverage: 0, MinNotional: 5},
			balance: 1000,
			price:   100,
			want:    1.0,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rm := NewRiskManager(tt.config)
			got, err := rm.CalculatePositionSize(tt.balance, tt.price)
			if err != nil {
				t.Fatalf("Unexpected error: %v", err)
			}
			if math.Abs(got-tt.want) > 1e-9 {
				t.Errorf("Expected %v, got %v", tt.want, got)
			}
		})
	}
}

func TestCalculatePositionSizeErrors(t *testing.T) {
	rm := NewRiskManager(Config{RiskPerTradePct: 1, Leverage: 1})

	if _, err := rm.CalculatePositionSize(1000, 0); !errors.Is(err, ErrInvalidSize) {
		t.Errorf("Expected ErrInvalidSize for zero price, got %v", err)
	}
	if _, err := rm.CalculatePositionSize(-1, 100); !errors.Is(err, ErrInvalidSize) {
		t.Errorf("Expected ErrInvalidSize for negative balance, got %v", err)
	}
	if _, err := rm.CalculatePositionSize(0, 100); !errors.Is(err, ErrInvalidSize) {
		t.Errorf("Expected ErrInvalidSize with no balance and no floor, got %v", err)
	}
}

func TestScaleUp(t *testing.T) {
	rm := NewRiskManager(Config{})
	if got := rm.ScaleUp(2); math.Abs(got-2.2) > 1e-9 {
		t.Errorf("Expected default scale 1.1 to give 2.2, got %v", got)
	}
}

func TestStopLossPrice(t *testing.T) {
	if got := StopLossPrice(true, 100, 0.02); math.Abs(got-98) > 1e-9 {
		t.Errorf("Expected 98, got %v", got)
	}
	if got := StopLossPrice(false, 100, 0.02); math.Abs(got-102) > 1e-9 {
		t.Errorf("Expected 102, got %v", got)
	}
}
