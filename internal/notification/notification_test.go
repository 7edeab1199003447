package notification

import (
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"github.com/lsventura/cryptoTrader/internal/events"
)

type recordingNotifier struct {
	mu      sync.Mutex
	name    string
	enabled bool
	err     error
	sent    []*Notification
}

func (r *recordingNotifier) Send(n *Notification) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.sent = append(r.sent, n)
	return r.err
}

func (r *recordingNotifier) Name() string    { return r.name }
func (r *recordingNotifier) IsEnabled() bool { return r.enabled }

func (r *recordingNotifier) count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.sent)
}

func TestFromEvent(t *testing.T) {
	tests := []struct {
		name      string
		event     events.Event
		wantType  NotificationType
		wantTitle string
		wantMsg   string
		wantPnL   float64
	}{
		{
			name: "close failed is an alert",
			event: events.New(events.EventCloseFailed, map[string]interface{}{
				"symbol": "BTC/USDT", "side": "long", "reason": "stop_loss",
				"price": 97.5, "amount": 0.5, "error": "timeout",
			}),
			wantType:  NotifyAlert,
			wantTitle: "CLOSE FAILED: BTC/USDT",
			wantMsg:   "Close it manually",
		},
		{
			name: "long close pnl",
			event: events.New(events.EventPositionClosed, map[string]interface{}{
				"symbol": "BTC/USDT", "side": "long", "amount": 2.0,
				"entry_price": 100.0, "exit_price": 110.0,
			}),
			wantType:  NotifyTradeClose,
			wantTitle: "Position Closed: BTC/USDT",
			wantPnL:   20,
		},
		{
			name: "short close pnl",
			event: events.New(events.EventPositionClosed, map[string]interface{}{
				"symbol": "ETH/USDT", "side": "short", "amount": 1.0,
				"entry_price": 100.0, "exit_price": 110.0,
			}),
			wantType: NotifyTradeClose,
			wantPnL:  -10,
		},
		{
			name: "exit triggered",
			event: events.New(events.EventExitTriggered, map[string]interface{}{
				"symbol": "BTC/USDT", "side": "short", "reason": "trailing_stop", "price": 101.0,
			}),
			wantType: NotifyExit,
			wantMsg:  "trailing_stop",
		},
		{
			name: "error carries cause",
			event: events.New(events.EventError, map[string]interface{}{
				"source": "snapshot", "message": "write failed", "error": "disk full",
			}),
			wantType:  NotifyError,
			wantTitle: "Error in snapshot",
			wantMsg:   "disk full",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			n := FromEvent(tt.event)
			if n == nil {
				t.Fatal("Expected notification, got nil")
			}
			if n.Type != tt.wantType {
				t.Errorf("Expected type %s, got %s", tt.wantType, n.Type)
			}
			if tt.wantTitle != "" && n.Title != tt.wantTitle {
				t.Errorf("Expected title %q, got %q", tt.wantTitle, n.Title)
			}
			if tt.wantMsg != "" && !strings.Contains(n.Message, tt.wantMsg) {
				t.Errorf("Expected message containing %q, got %q", tt.wantMsg, n.Message)
			}
			if n.PnL != tt.wantPnL {
				t.Errorf("Expected PnL %v, got %v", tt.wantPnL, n.PnL)
			}
		})
	}

	if n := FromEvent(events.New(events.EventOrderPlaced, map[string]interface{}{})); n != nil {
		t.Errorf("Expected ORDER_PLACED to be ignored, got %+v", n)
	}
}

func TestManagerSkipsDisabledAndJoinsErrors(t *testing.T) {
	m := NewManager(zerolog.Nop())
	ok := &recordingNotifier{name: "ok", enabled: true}
	bad := &recordingNotifier{name: "bad", enabled: true, err: errors.New("boom")}
	off := &recordingNotifier{name: "off"}
	m.AddNotifier(ok)
	m.AddNotifier(bad)
	m.AddNotifier(off)

	if m.Len() != 2 {
		t.Fatalf("Expected 2 providers, got %d", m.Len())
	}

	err := m.Send(&Notification{Title: "t"})
	if err == nil || !strings.Contains(err.Error(), "bad: boom") {
		t.Errorf("Expected joined error naming the provider, got %v", err)
	}
	if ok.count() != 1 {
		t.Errorf("Expected healthy provider to receive the message, got %d", ok.count())
	}
	if off.count() != 0 {
		t.Errorf("Expected disabled provider to be skipped, got %d", off.count())
	}
}

func TestManagerSubscribe(t *testing.T) {
	bus := events.NewEventBus()
	m := NewManager(zerolog.Nop())
	rec := &recordingNotifier{name: "rec", enabled: true}
	m.AddNotifier(rec)
	m.Subscribe(bus)

	bus.Publish(events.New(events.EventCloseFailed, map[string]interface{}{"symbol": "BTC/USDT"}))
	bus.Publish(events.New(events.EventOrderPlaced, map[string]interface{}{"symbol": "BTC/USDT"}))
	bus.Publish(events.New(events.EventMonitorStarted, map[string]interface{}{"symbol": "BTC/USDT"}))

	if !bus.Drain(time.Second) {
		t.Fatal("Expected bus to drain")
	}
	if rec.count() != 1 {
		t.Errorf("Expected 1 notification, got %d", rec.count())
	}
}

func TestDiscordNotifier(t *testing.T) {
	var body map[string]interface{}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		raw, _ := io.ReadAll(r.Body)
		_ = json.Unmarshal(raw, &body)
		w.WriteHeader(http.StatusNoContent)
	}))
	defer srv.Close()

	d := NewDiscordNotifier(DiscordConfig{WebhookURL: srv.URL, Enabled: true})
	err := d.Send(&Notification{
		Type: NotifyAlert, Title: "CLOSE FAILED", Message: "m",
		Symbol: "BTC/USDT", Price: 100, Timestamp: time.Now(),
	})
	if err != nil {
		t.Fatalf("Unexpected error: %v", err)
	}

	embeds, _ := body["embeds"].([]interface{})
	if len(embeds) != 1 {
		t.Fatalf("Expected 1 embed, got %v", body)
	}
	embed := embeds[0].(map[string]interface{})
	if embed["title"] != "CLOSE FAILED" {
		t.Errorf("Expected title CLOSE FAILED, got %v", embed["title"])
	}
	if embed["color"] != float64(0xFF0000) {
		t.Errorf("Expected red embed, got %v", embed["color"])
	}
}

func TestDiscordNotifierStatus(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadRequest)
	}))
	defer srv.Close()

	d := NewDiscordNotifier(DiscordConfig{WebhookURL: srv.URL, Enabled: true})
	if err := d.Send(&Notification{Title: "x"}); err == nil {
		t.Error("Expected error for 400 response")
	}
	if NewDiscordNotifier(DiscordConfig{Enabled: true}).IsEnabled() {
		t.Error("Expected notifier without webhook to be disabled")
	}
}

func TestTelegramNotifier(t *testing.T) {
	var mu sync.Mutex
	var sent url.Values
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		switch {
		case strings.HasSuffix(r.URL.Path, "/getMe"):
			io.WriteString(w, `{"ok":true,"result":{"id":1,"is_bot":true,"first_name":"riskmon","username":"riskmon_bot"}}`)
		case strings.HasSuffix(r.URL.Path, "/sendMessage"):
			_ = r.ParseForm()
			mu.Lock()
			sent = r.PostForm
			mu.Unlock()
			io.WriteString(w, `{"ok":true,"result":{"message_id":7,"date":0,"chat":{"id":42,"type":"private"},"text":"ok"}}`)
		default:
			http.NotFound(w, r)
		}
	}))
	defer srv.Close()

	tn, err := NewTelegramNotifier(TelegramConfig{
		BotToken:    "token",
		ChatID:      "42",
		Enabled:     true,
		APIEndpoint: srv.URL + "/bot%s/%s",
	})
	if err != nil {
		t.Fatalf("Unexpected error: %v", err)
	}
	if !tn.IsEnabled() {
		t.Fatal("Expected notifier to be enabled")
	}

	if err := tn.Send(&Notification{Title: "Exit <BTC>", Message: "stop_loss"}); err != nil {
		t.Fatalf("Unexpected error: %v", err)
	}

	mu.Lock()
	defer mu.Unlock()
	if sent.Get("chat_id") != "42" {
		t.Errorf("Expected chat_id 42, got %q", sent.Get("chat_id"))
	}
	if !strings.Contains(sent.Get("text"), "<b>Exit &lt;BTC&gt;</b>") {
		t.Errorf("Expected escaped bold title, got %q", sent.Get("text"))
	}
	if sent.Get("parse_mode") != "HTML" {
		t.Errorf("Expected HTML parse mode, got %q", sent.Get("parse_mode"))
	}
}

func TestTelegramNotifierDisabledAndInvalid(t *testing.T) {
	tn, err := NewTelegramNotifier(TelegramConfig{Enabled: false, BotToken: "x", ChatID: "1"})
	if err != nil {
		t.Fatalf("Unexpected error: %v", err)
	}
	if tn.IsEnabled() {
		t.Error("Expected disabled notifier")
	}
	if err := tn.Send(&Notification{}); err != nil {
		t.Errorf("Expected disabled send to be a no-op, got %v", err)
	}

	if _, err := NewTelegramNotifier(TelegramConfig{Enabled: true, BotToken: "x", ChatID: "not-a-number"}); err == nil {
		t.Error("Expected error for invalid chat id")
	}
}
