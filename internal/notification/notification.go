package notification

import (
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"github.com/lsventura/cryptoTrader/internal/events"
	"github.com/lsventura/cryptoTrader/internal/logging"
)

// NotificationType represents the type of notification
type NotificationType string

const (
	NotifyTradeOpen  NotificationType = "trade_open"
	NotifyTradeClose NotificationType = "trade_close"
	NotifyExit       NotificationType = "exit"
	NotifyAlert      NotificationType = "alert" // operator action required
	NotifyError      NotificationType = "error"
	NotifyInfo       NotificationType = "info"
)

// Notification represents a notification message
type Notification struct {
	Type      NotificationType
	Title     string
	Message   string
	Symbol    string
	Price     float64
	PnL       float64
	Timestamp time.Time
	Extra     map[string]interface{}
}

// Notifier interface for different notification providers
type Notifier interface {
	Send(notification *Notification) error
	Name() string
	IsEnabled() bool
}

// Manager fans notifications out to every enabled provider
type Manager struct {
	notifiers []Notifier
	logger    zerolog.Logger
}

// NewManager creates a new notification manager
func NewManager(logger zerolog.Logger) *Manager {
	return &Manager{
		notifiers: make([]Notifier, 0),
		logger:    logging.WithComponent(logger, "Notifications"),
	}
}

// AddNotifier adds a notification provider. Disabled providers are skipped.
func (m *Manager) AddNotifier(n Notifier) {
	if n == nil || !n.IsEnabled() {
		return
	}
	m.notifiers = append(m.notifiers, n)
	m.logger.Info().Str("provider", n.Name()).Msg("Notification provider enabled")
}

// Len returns the number of enabled providers
func (m *Manager) Len() int { return len(m.notifiers) }

// Send delivers to every provider and joins their errors
func (m *Manager) Send(notification *Notification) error {
	if notification.Timestamp.IsZero() {
		notification.Timestamp = time.Now()
	}
	var errs []error
	for _, n := range m.notifiers {
		if err := n.Send(notification); err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", n.Name(), err))
		}
	}
	return errors.Join(errs...)
}

// Subscribe forwards the events operators care about to the providers
func (m *Manager) Subscribe(bus *events.EventBus) {
	for _, t := range []events.EventType{
		events.EventPositionOpened,
		events.EventPositionClosed,
		events.EventExitTriggered,
		events.EventCloseFailed,
		events.EventOrphanRemoved,
		events.EventError,
	} {
		bus.Subscribe(t, m.handle)
	}
}

func (m *Manager) handle(ev events.Event) {
	n := FromEvent(ev)
	if n == nil {
		return
	}
	if err := m.Send(n); err != nil {
		m.logger.Warn().Err(err).Str("event", string(ev.Type)).Msg("Notification delivery failed")
	}
}

// FromEvent renders a bus event, or returns nil for events that are not
// worth a message
func FromEvent(ev events.Event) *Notification {
	symbol := str(ev.Data, "symbol")
	side := str(ev.Data, "side")
	n := &Notification{Symbol: symbol, Timestamp: ev.Timestamp, Extra: ev.Data}

	switch ev.Type {
	case events.EventPositionOpened:
		n.Type = NotifyTradeOpen
		n.Price = num(ev.Data, "entry_price")
		n.Title = fmt.Sprintf("Position Opened: %s", symbol)
		n.Message = fmt.Sprintf("%s %s %g @ %.4f", side, symbol, num(ev.Data, "amount"), n.Price)

	case events.EventPositionClosed:
		n.Type = NotifyTradeClose
		entry, exit, amount := num(ev.Data, "entry_price"), num(ev.Data, "exit_price"), num(ev.Data, "amount")
		n.Price = exit
		if side == "short" {
			n.PnL = (entry - exit) * amount
		} else {
			n.PnL = (exit - entry) * amount
		}
		n.Title = fmt.Sprintf("Position Closed: %s", symbol)
		n.Message = fmt.Sprintf("%s %g\nEntry: %.4f -> Exit: %.4f\nP&L: %.4f", side, amount, entry, exit, n.PnL)

	case events.EventExitTriggered:
		n.Type = NotifyExit
		n.Price = num(ev.Data, "price")
		n.Title = fmt.Sprintf("Exit Triggered: %s", symbol)
		n.Message = fmt.Sprintf("%s %s hit %s at %.4f", side, symbol, str(ev.Data, "reason"), n.Price)

	case events.EventCloseFailed:
		n.Type = NotifyAlert
		n.Price = num(ev.Data, "price")
		n.Title = fmt.Sprintf("CLOSE FAILED: %s", symbol)
		n.Message = fmt.Sprintf("%s %s %g is still open after %s at %.4f\nError: %s\nClose it manually.",
			side, symbol, num(ev.Data, "amount"), str(ev.Data, "reason"), n.Price, str(ev.Data, "error"))

	case events.EventOrphanRemoved:
		n.Type = NotifyInfo
		n.Title = fmt.Sprintf("Monitor Removed: %s", symbol)
		n.Message = fmt.Sprintf("Monitor %s had no open position and was dropped", str(ev.Data, "monitor_id"))

	case events.EventError:
		n.Type = NotifyError
		n.Title = fmt.Sprintf("Error in %s", str(ev.Data, "source"))
		n.Message = str(ev.Data, "message")
		if e := str(ev.Data, "error"); e != "" {
			n.Message += "\n" + e
		}

	default:
		return nil
	}
	return n
}

func str(data map[string]interface{}, key string) string {
	if v, ok := data[key]; ok && v != nil {
		return fmt.Sprint(v)
	}
	return ""
}

func num(data map[string]interface{}, key string) float64 {
	switch v := data[key].(type) {
	case float64:
		return v
	case float32:
		return float64(v)
	case int:
		return float64(v)
	case int64:
		return float64(v)
	}
	return 0
}
