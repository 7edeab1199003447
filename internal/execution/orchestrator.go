// Package execution turns strategy decisions into protected exchange
// positions: entry sizing, native protective orders and the local monitor
// fallback when the exchange refuses them.
package execution

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/lsventura/cryptoTrader/internal/events"
	"github.com/lsventura/cryptoTrader/internal/exchange"
	"github.com/lsventura/cryptoTrader/internal/logging"
	"github.com/lsventura/cryptoTrader/internal/monitor"
	"github.com/lsventura/cryptoTrader/internal/risk"
	"github.com/lsventura/cryptoTrader/internal/strategy"
)

var (
	// ErrNotTradable is returned for decisions that cannot open a position
	ErrNotTradable = errors.New("decision is not tradable")
	// ErrInvalidSize is returned when no positive order size can be computed
	ErrInvalidSize = risk.ErrInvalidSize
	// ErrFault reports a recovered panic inside an operation
	ErrFault = errors.New("execution fault")
)

// MonitorRegistry is the slice of the monitor registry the orchestrator uses
type MonitorRegistry interface {
	Start(p monitor.Params) (string, error)
	StopSymbol(symbol string, timeout time.Duration) error
	ForSymbol(symbol string) []monitor.Record
	List() []monitor.Record
	Status(id string) (monitor.Status, error)
	SetNativeOrders(id string, stop, trailing bool) error
}

// LeverageSetter is implemented by gateways that can change leverage
type LeverageSetter interface {
	SetLeverage(ctx context.Context, symbol string, leverage int) error
}

// Config holds the per-symbol execution settings
type Config struct {
	Symbol                string
	QuoteAsset            string
	Leverage              int
	StopLossPct           float64
	TrailingActivationPct float64
	CallbackRatePct       float64 // percent, 1.0 = 1%
	MaxEntryAttempts      int
	JoinTimeout           time.Duration
}

func (c Config) withDefaults() Config {
	if c.QuoteAsset == "" {
		c.QuoteAsset = "USDT"
	}
	if c.MaxEntryAttempts <= 0 {
		c.MaxEntryAttempts = 3
	}
	if c.JoinTimeout <= 0 {
		c.JoinTimeout = 5 * time.Second
	}
	if c.Leverage < 1 {
		c.Leverage = 1
	}
	return c
}

// Orchestrator executes decisions for one symbol. Operations are serialized
// so a flip cannot interleave with an entry.
type Orchestrator struct {
	mu       sync.Mutex
	gw       exchange.Gateway
	monitors MonitorRegistry
	sizer    *risk.RiskManager
	cfg      Config
	logger   zerolog.Logger
	events   events.Publisher

	leverageSet bool
}

// New creates an orchestrator. pub may be nil.
func New(gw exchange.Gateway, monitors MonitorRegistry, sizer *risk.RiskManager, cfg Config, logger zerolog.Logger, pub events.Publisher) *Orchestrator {
	return &Orchestrator{
		gw:       gw,
		monitors: monitors,
		sizer:    sizer,
		cfg:      cfg.withDefaults(),
		logger:   logging.WithComponent(logger, "Orchestrator").With().Str("symbol", cfg.Symbol).Logger(),
		events:   pub,
	}
}

// Symbol returns the traded symbol
func (o *Orchestrator) Symbol() string { return o.cfg.Symbol }

// RiskMetrics reports the sizing and protection settings in force
func (o *Orchestrator) RiskMetrics() map[string]interface{} {
	m := o.sizer.GetRiskMetrics()
	m["stop_loss_pct"] = o.cfg.StopLossPct
	m["trailing_activation_pct"] = o.cfg.TrailingActivationPct
	m["callback_rate_pct"] = o.cfg.CallbackRatePct
	return m
}

// Action is what Execute did with a decision
type Action string

const (
	ActionNone        Action = "none"
	ActionOpened      Action = "opened"
	ActionFlipped     Action = "flipped"
	ActionStopUpdated Action = "stop_updated"
)

// ExecResult reports the outcome of Execute
type ExecResult struct {
	Decision strategy.Decision `json:"decision"`
	Action   Action            `json:"action"`
	Reason   string            `json:"reason,omitempty"`
	Open     *OpenResult       `json:"open,omitempty"`
	Close    *CloseResult      `json:"close,omitempty"`
	Stop     *StopUpdateResult `json:"stop,omitempty"`
}

// Execute dispatches a decision. BUY/SELL open a position when flat. With a
// position held, the signal goes through strategy.ManagePosition: an
// opposite signal flips, an agreeing one past the trailing activation moves
// the stop to breakeven, anything else holds.
func (o *Orchestrator) Execute(ctx context.Context, d strategy.Decision) (res *ExecResult, err error) {
	o.mu.Lock()
	defer o.mu.Unlock()
	defer o.recoverFault("execute", &err)

	res = &ExecResult{Decision: d, Action: ActionNone}
	switch {
	case d.IsNoop():
		res.Reason = "no action for " + string(d)
		return res, nil

	case d.IsEntry():
		side, _ := d.Side()
		pos, _, err := exchange.FindPosition(ctx, o.gw, o.cfg.Symbol)
		if err != nil {
			return res, fmt.Errorf("position lookup failed: %w", err)
		}
		if pos != nil {
			price, perr := o.gw.GetPrice(ctx, o.cfg.Symbol)
			if perr != nil {
				o.logger.Warn().Err(perr).Msg("Price unavailable, treating position as flat on pnl")
				price = pos.EntryPrice
			}
			switch strategy.ManagePosition(pos, price, d, o.cfg.TrailingActivationPct) {
			case strategy.DecisionFlipToLong, strategy.DecisionFlipToShort:
				res.Action = ActionFlipped
				res.Close, res.Open, err = o.flip(ctx, side)
			case strategy.DecisionUpdateStopLoss:
				res.Action = ActionStopUpdated
				res.Stop, err = o.updateStopLoss(ctx, 0)
			default:
				res.Reason = fmt.Sprintf("already %s %v", pos.Side, pos.Amount)
			}
			return res, err
		}
		res.Action = ActionOpened
		res.Open, err = o.open(ctx, side)
		return res, err

	case d == strategy.DecisionFlipToLong || d == strategy.DecisionFlipToShort:
		side, _ := d.Side()
		res.Action = ActionFlipped
		res.Close, res.Open, err = o.flip(ctx, side)
		return res, err

	case d == strategy.DecisionUpdateStopLoss:
		res.Action = ActionStopUpdated
		res.Stop, err = o.updateStopLoss(ctx, 0)
		return res, err
	}
	return res, fmt.Errorf("%w: %s", ErrNotTradable, d)
}

// Flip closes whatever is open on the symbol and opens the side named by d
func (o *Orchestrator) Flip(ctx context.Context, d strategy.Decision) (cr *CloseResult, opened *OpenResult, err error) {
	o.mu.Lock()
	defer o.mu.Unlock()
	defer o.recoverFault("flip", &err)

	side, ok := d.Side()
	if !ok {
		return nil, nil, fmt.Errorf("%w: %s", ErrNotTradable, d)
	}
	return o.flip(ctx, side)
}

func (o *Orchestrator) flip(ctx context.Context, side exchange.Side) (*CloseResult, *OpenResult, error) {
	o.logger.Info().Str("to", string(side.PositionSide())).Msg("Flipping position")

	cr, err := o.close(ctx)
	if err != nil {
		return cr, nil, fmt.Errorf("flip aborted, close failed: %w", err)
	}
	opened, err := o.open(ctx, side)
	return cr, opened, err
}

// PanelRow is one line of the status panel
type PanelRow struct {
	MonitorID string  `json:"monitor_id"`
	Symbol    string  `json:"symbol"`
	Side      string  `json:"side"`
	Entry     float64 `json:"entry_price"`
	Amount    float64 `json:"amount"`
	State     string  `json:"state"`    // running|stopped
	Position  string  `json:"position"` // exchange view
	Stop      string  `json:"stop"`     // native|local
	Trailing  string  `json:"trailing"` // activated|waiting
}

// StatusPanel lists every registered monitor with the exchange's view of
// its position
func (o *Orchestrator) StatusPanel(ctx context.Context) ([]PanelRow, error) {
	records := o.monitors.List()
	rows := make([]PanelRow, 0, len(records))
	positions := make(map[string]string)

	for _, rec := range records {
		row := PanelRow{
			MonitorID: rec.ID,
			Symbol:    rec.Symbol,
			Side:      string(rec.Side),
			Entry:     rec.EntryPrice,
			Amount:    rec.Amount,
			State:     "stopped",
			Stop:      "local",
			Trailing:  "waiting",
		}
		if st, err := o.monitors.Status(rec.ID); err == nil && st.Running {
			row.State = "running"
		}
		if rec.StopOrderCreated {
			row.Stop = "native"
		}
		if rec.TrailingActivated {
			row.Trailing = "activated"
		}

		native := exchange.NativeSymbol(rec.Symbol)
		text, ok := positions[native]
		if !ok {
			text = describePosition(exchange.FindPosition(ctx, o.gw, rec.Symbol))
			positions[native] = text
		}
		row.Position = text
		rows = append(rows, row)
	}
	return rows, ctx.Err()
}

func describePosition(pos *exchange.Position, _ []exchange.LookupAttempt, err error) string {
	switch {
	case err != nil:
		return "error: " + err.Error()
	case pos == nil:
		return "none"
	}
	return fmt.Sprintf("%s %g @ %g", pos.Side, pos.Amount, pos.EntryPrice)
}

func (o *Orchestrator) publish(t events.EventType, data map[string]interface{}) {
	if o.events == nil {
		return
	}
	if _, ok := data["symbol"]; !ok {
		data["symbol"] = o.cfg.Symbol
	}
	o.events.Publish(events.New(t, data))
}

// recoverFault converts a panic into an error result
func (o *Orchestrator) recoverFault(op string, err *error) {
	if r := recover(); r != nil {
		o.logger.Error().Str("op", op).Interface("panic", r).Msg("Recovered from panic")
		*err = fmt.Errorf("%w in %s: %v", ErrFault, op, r)
	}
}
