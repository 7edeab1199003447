package monitor

import (
	"context"
	"fmt"
	"sort"
	"strconv"
	"strings"
	"time"

	jsoniter "github.com/json-iterator/go"

	"github.com/lsventura/cryptoTrader/internal/exchange"
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

// Record is the persisted metadata of one monitor. It never carries
// execution state, only what is needed to restart the watcher.
type Record struct {
	ID                    string
	Symbol                string
	Side                  exchange.PositionSide
	EntryPrice            float64
	Amount                float64
	StopLossPct           float64
	TrailingActivationPct float64
	CallbackRatePct       float64
	TrailingActivated     bool
	StopOrderCreated      bool
	TrailingOrderCreated  bool
	Watermark             float64
	TrailingStopPrice     float64
	StartedAt             time.Time
	Extra                 map[string]interface{}

	decodeErr error // set by DecodeSnapshot for an unreadable entry
}

// Persisted field names
const (
	keySymbol               = "symbol"
	keyEntryPrice           = "entry_price"
	keyAmount               = "amount"
	keySide                 = "side"
	keyTrailingActivated    = "activated_trailing"
	keyStopOrderCreated     = "stop_order_created"
	keyTrailingOrderCreated = "trailing_order_created"
	keyStopLossPct          = "stop_loss_pct"
	keyActivationPct        = "trailing_activation_pct"
	keyCallbackRate         = "callback_rate"
	keyWatermark            = "watermark"
	keyTrailingStopPrice    = "trailing_stop_price"
	keyStartedAt            = "started_at"

	// accepted on read only
	legacyEntryPrice = "entryPrice"
	legacyAmount     = "qty"
)

var knownKeys = map[string]bool{
	keySymbol: true, keyEntryPrice: true, keyAmount: true, keySide: true,
	keyTrailingActivated: true, keyStopOrderCreated: true, keyTrailingOrderCreated: true,
	keyStopLossPct: true, keyActivationPct: true, keyCallbackRate: true,
	keyWatermark: true, keyTrailingStopPrice: true, keyStartedAt: true,
	legacyEntryPrice: true, legacyAmount: true, "id": true,
}

// MarshalJSON flattens caller extras into the same object as the known fields
func (r Record) MarshalJSON() ([]byte, error) {
	out := make(map[string]interface{}, len(r.Extra)+13)
	for k, v := range r.Extra {
		if !knownKeys[k] {
			out[k] = v
		}
	}
	out[keySymbol] = r.Symbol
	out[keyEntryPrice] = r.EntryPrice
	out[keyAmount] = r.Amount
	out[keySide] = string(r.Side)
	out[keyTrailingActivated] = r.TrailingActivated
	out[keyStopOrderCreated] = r.StopOrderCreated
	out[keyTrailingOrderCreated] = r.TrailingOrderCreated
	out[keyStopLossPct] = r.StopLossPct
	out[keyActivationPct] = r.TrailingActivationPct
	out[keyCallbackRate] = r.CallbackRatePct
	out[keyWatermark] = r.Watermark
	if r.TrailingStopPrice > 0 {
		out[keyTrailingStopPrice] = r.TrailingStopPrice
	}
	if !r.StartedAt.IsZero() {
		out[keyStartedAt] = r.StartedAt.UTC().Format(time.RFC3339Nano)
	}
	return json.Marshal(out)
}

// UnmarshalJSON reads a record, accepting legacy spellings and collecting
// unknown keys into Extra.
func (r *Record) UnmarshalJSON(data []byte) error {
	var raw map[string]interface{}
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}

	rec := Record{}
	rec.Symbol, _ = raw[keySymbol].(string)
	rec.EntryPrice = firstFloat(raw, keyEntryPrice, legacyEntryPrice)
	rec.Amount = firstFloat(raw, keyAmount, legacyAmount)

	sideStr, _ := raw[keySide].(string)
	side, ok := exchange.ParsePositionSide(sideStr)
	if !ok {
		return fmt.Errorf("invalid side %q", sideStr)
	}
	rec.Side = side

	rec.TrailingActivated = boolFromAny(raw[keyTrailingActivated])
	rec.StopOrderCreated = boolFromAny(raw[keyStopOrderCreated])
	rec.TrailingOrderCreated = boolFromAny(raw[keyTrailingOrderCreated])
	rec.StopLossPct = FloatFromAny(raw[keyStopLossPct])
	rec.TrailingActivationPct = FloatFromAny(raw[keyActivationPct])
	rec.CallbackRatePct = FloatFromAny(raw[keyCallbackRate])
	rec.Watermark = FloatFromAny(raw[keyWatermark])
	rec.TrailingStopPrice = FloatFromAny(raw[keyTrailingStopPrice])
	if s, ok := raw[keyStartedAt].(string); ok {
		if ts, err := time.Parse(time.RFC3339Nano, s); err == nil {
			rec.StartedAt = ts
		}
	}
	if id, ok := raw["id"].(string); ok {
		rec.ID = id
	}

	for k, v := range raw {
		if knownKeys[k] {
			continue
		}
		if rec.Extra == nil {
			rec.Extra = make(map[string]interface{})
		}
		rec.Extra[k] = v
	}

	*r = rec
	return nil
}

// Params converts a record back into monitor parameters
func (r Record) Params() Params {
	return Params{
		ID:                    r.ID,
		Symbol:                r.Symbol,
		Side:                  r.Side,
		EntryPrice:            r.EntryPrice,
		Amount:                r.Amount,
		StopLossPct:           r.StopLossPct,
		TrailingActivationPct: r.TrailingActivationPct,
		CallbackRatePct:       r.CallbackRatePct,
		StopOrderCreated:      r.StopOrderCreated,
		TrailingOrderCreated:  r.TrailingOrderCreated,
		TrailingActivated:     r.TrailingActivated,
		Watermark:             r.Watermark,
		TrailingStopPrice:     r.TrailingStopPrice,
		StartedAt:             r.StartedAt,
		Extra:                 copyExtra(r.Extra),
	}
}

// Snapshot maps monitor id to its persisted record
type Snapshot map[string]Record

// IDs returns the snapshot ids in sorted order
func (s Snapshot) IDs() []string {
	ids := make([]string, 0, len(s))
	for id := range s {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// EncodeSnapshot renders the whole snapshot document
func EncodeSnapshot(s Snapshot) ([]byte, error) {
	if s == nil {
		s = Snapshot{}
	}
	return json.MarshalIndent(s, "", "  ")
}

// DecodeSnapshot parses a snapshot document and stamps each record with its
// key. Entries are decoded one by one: an unreadable entry comes back as a
// bare record carrying only its id, so reconciliation discards it as
// incomplete while the rest of the snapshot survives. Only a document that
// is not a JSON object fails as a whole.
func DecodeSnapshot(data []byte) (Snapshot, error) {
	snap := Snapshot{}
	if len(strings.TrimSpace(string(data))) == 0 {
		return snap, nil
	}

	var entries map[string]jsoniter.RawMessage
	if err := json.Unmarshal(data, &entries); err != nil {
		return nil, fmt.Errorf("error parsing monitor snapshot: %w", err)
	}
	for id, raw := range entries {
		var rec Record
		if err := json.Unmarshal(raw, &rec); err != nil {
			rec = Record{decodeErr: err}
		}
		rec.ID = id
		snap[id] = rec
	}
	return snap, nil
}

// DecodeErr reports why the entry could not be read, nil for a good record
func (r Record) DecodeErr() error {
	return r.decodeErr
}

// Store persists whole snapshots. Save must replace the previous snapshot
// atomically.
type Store interface {
	Load(ctx context.Context) (Snapshot, error)
	Save(ctx context.Context, snap Snapshot) error
}

// FloatFromAny converts JSON-decoded numbers and numeric strings to float64
func FloatFromAny(v interface{}) float64 {
	switch val := v.(type) {
	case float64:
		return val
	case float32:
		return float64(val)
	case int:
		return float64(val)
	case int64:
		return float64(val)
	case jsoniter.Number:
		f, _ := val.Float64()
		return f
	case string:
		f, err := strconv.ParseFloat(strings.TrimSpace(val), 64)
		if err != nil {
			return 0
		}
		return f
	}
	return 0
}

func firstFloat(raw map[string]interface{}, keys ...string) float64 {
	for _, k := range keys {
		if v, ok := raw[k]; ok && v != nil {
			if f := FloatFromAny(v); f != 0 {
				return f
			}
		}
	}
	return 0
}

func boolFromAny(v interface{}) bool {
	switch val := v.(type) {
	case bool:
		return val
	case string:
		b, _ := strconv.ParseBool(val)
		return b
	case float64:
		return val != 0
	}
	return false
}
