// Package strategy turns external strategy output into a Decision the
// execution layer understands. Signal generation itself lives outside this
// service.
package strategy

import (
	"errors"
	"fmt"
	"strings"

	"github.com/lsventura/cryptoTrader/internal/exchange"
)

var (
	ErrUnknownDecision = errors.New("unknown decision")
	ErrMissingDecision = errors.New("missing decision")
)

// Decision is what the strategy asks the executor to do
type Decision string

const (
	DecisionBuy            Decision = "BUY"
	DecisionSell           Decision = "SELL"
	DecisionHold           Decision = "HOLD"
	DecisionNeutral        Decision = "NEUTRAL"
	DecisionWait           Decision = "WAIT"
	DecisionFlipToLong     Decision = "FLIP_TO_LONG"
	DecisionFlipToShort    Decision = "FLIP_TO_SHORT"
	DecisionUpdateStopLoss Decision = "UPDATE_STOP_LOSS"
)

// Sentiment from the sentiment agent
type Sentiment string

const (
	SentimentBullish Sentiment = "BULLISH"
	SentimentBearish Sentiment = "BEARISH"
	SentimentNeutral Sentiment = "NEUTRAL"
)

// decisionKeys are read in order; the first present one wins
var decisionKeys = []string{"final_decision", "decision", "signal", "action"}

var aliases = map[string]Decision{
	"LONG":  DecisionBuy,
	"SHORT": DecisionSell,
}

// IsEntry reports BUY or SELL
func (d Decision) IsEntry() bool {
	return d == DecisionBuy || d == DecisionSell
}

// IsNoop reports decisions that place no orders
func (d Decision) IsNoop() bool {
	switch d {
	case DecisionHold, DecisionNeutral, DecisionWait:
		return true
	}
	return false
}

// Side maps an entry or flip decision onto the order side it opens
func (d Decision) Side() (exchange.Side, bool) {
	switch d {
	case DecisionBuy, DecisionFlipToLong:
		return exchange.SideBuy, true
	case DecisionSell, DecisionFlipToShort:
		return exchange.SideSell, true
	}
	return "", false
}

// Parse validates a single decision string, accepting LONG/SHORT aliases
// in any case.
func Parse(s string) (Decision, error) {
	v := strings.ToUpper(strings.TrimSpace(s))
	if v == "" {
		return "", ErrMissingDecision
	}
	if d, ok := aliases[v]; ok {
		return d, nil
	}
	switch d := Decision(v); d {
	case DecisionBuy, DecisionSell, DecisionHold, DecisionNeutral, DecisionWait,
		DecisionFlipToLong, DecisionFlipToShort, DecisionUpdateStopLoss:
		return d, nil
	}
	return "", fmt.Errorf("%w: %q", ErrUnknownDecision, s)
}

// Normalize extracts the decision from a raw strategy payload. A payload
// without a decision key but carrying agent outputs ("sentiment" with
// "quant" or "technical") is resolved through Confluence or Combine.
func Normalize(raw map[string]any) (Decision, error) {
	for _, key := range decisionKeys {
		v, ok := raw[key]
		if !ok || v == nil {
			continue
		}
		s, ok := v.(string)
		if !ok {
			return "", fmt.Errorf("%w: %s is %T", ErrUnknownDecision, key, v)
		}
		return Parse(s)
	}
	return fromAgents(raw)
}

func fromAgents(raw map[string]any) (Decision, error) {
	s, ok := raw["sentiment"].(string)
	if !ok {
		return "", ErrMissingDecision
	}
	sentiment := Sentiment(strings.ToUpper(strings.TrimSpace(s)))
	switch sentiment {
	case SentimentBullish, SentimentBearish, SentimentNeutral:
	default:
		return "", fmt.Errorf("%w: sentiment %q", ErrUnknownDecision, s)
	}

	if quant, ok := raw["quant"].(string); ok {
		return Confluence(sentiment, quant), nil
	}
	if tech, ok := raw["technical"].(string); ok {
		d, err := Parse(tech)
		if err != nil {
			return "", err
		}
		return Combine(d, sentiment), nil
	}
	return "", ErrMissingDecision
}

// Confluence requires the sentiment and quant agents to agree
func Confluence(sentiment Sentiment, quant string) Decision {
	q := strings.ToUpper(strings.TrimSpace(quant))
	switch {
	case sentiment == SentimentBullish && q == "LONG":
		return DecisionBuy
	case sentiment == SentimentBearish && q == "SHORT":
		return DecisionSell
	}
	return DecisionWait
}

// Combine is the tolerant variant of Confluence: a neutral sentiment lets the
// technical signal through, a contrary one blocks it.
func Combine(tech Decision, sentiment Sentiment) Decision {
	switch {
	case tech == DecisionBuy && (sentiment == SentimentBullish || sentiment == SentimentNeutral):
		return DecisionBuy
	case tech == DecisionSell && (sentiment == SentimentBearish || sentiment == SentimentNeutral):
		return DecisionSell
	}
	return DecisionNeutral
}

// ManagePosition decides what to do with an open position given a fresh
// signal. A contrary signal flips; an agreeing signal with profit beyond
// activationPct tightens the stop. With no position the signal is returned
// unchanged.
func ManagePosition(pos *exchange.Position, price float64, signal Decision, activationPct float64) Decision {
	if pos == nil || pos.Amount == 0 {
		return signal
	}

	switch {
	case pos.Side == exchange.Long && signal == DecisionSell:
		return DecisionFlipToShort
	case pos.Side == exchange.Short && signal == DecisionBuy:
		return DecisionFlipToLong
	}

	agrees := (pos.Side == exchange.Long && signal == DecisionBuy) ||
		(pos.Side == exchange.Short && signal == DecisionSell)
	if agrees && pos.EntryPrice > 0 && PnLRatio(pos.Side, pos.EntryPrice, price) > activationPct {
		return DecisionUpdateStopLoss
	}
	return DecisionHold
}

// PnLRatio is the fractional return of a position, positive when in profit
func PnLRatio(side exchange.PositionSide, entry, price float64) float64 {
	if entry == 0 {
		return 0
	}
	if side == exchange.Short {
		return (entry - price) / entry
	}
	return (price - entry) / entry
}
