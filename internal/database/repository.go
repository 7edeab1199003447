package database

import (
	"context"
	"fmt"
	"time"

	jsoniter "github.com/json-iterator/go"
	"github.com/rs/zerolog"

	"github.com/lsventura/cryptoTrader/internal/events"
	"github.com/lsventura/cryptoTrader/internal/logging"
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

// AuditRepository appends bus events to monitor_events
type AuditRepository struct {
	q       Querier
	logger  zerolog.Logger
	timeout time.Duration
}

// NewAuditRepository creates a repository over q (usually DB.Pool)
func NewAuditRepository(q Querier, logger zerolog.Logger) *AuditRepository {
	return &AuditRepository{
		q:       q,
		logger:  logging.WithComponent(logger, "Audit"),
		timeout: 5 * time.Second,
	}
}

// Record inserts one event
func (r *AuditRepository) Record(ctx context.Context, ev events.Event) error {
	data, err := json.Marshal(ev.Data)
	if err != nil {
		return fmt.Errorf("failed to encode event data: %w", err)
	}
	occurred := ev.Timestamp
	if occurred.IsZero() {
		occurred = time.Now()
	}

	query := `
		INSERT INTO monitor_events (event_type, symbol, monitor_id, data, occurred_at)
		VALUES ($1, $2, $3, $4, $5)
	`
	_, err = r.q.Exec(ctx, query,
		string(ev.Type), nullable(ev.Data["symbol"]), nullable(ev.Data["monitor_id"]), string(data), occurred.UTC())
	if err != nil {
		return fmt.Errorf("failed to record %s event: %w", ev.Type, err)
	}
	return nil
}

// Recent returns the newest events, optionally for one monitor
func (r *AuditRepository) Recent(ctx context.Context, monitorID string, limit int) ([]MonitorEvent, error) {
	if limit <= 0 {
		limit = 100
	}
	query := `
		SELECT id, event_type, COALESCE(symbol, ''), COALESCE(monitor_id, ''), data, occurred_at, created_at
		FROM monitor_events
		WHERE ($1 = '' OR monitor_id = $1)
		ORDER BY occurred_at DESC
		LIMIT $2
	`
	rows, err := r.q.Query(ctx, query, monitorID, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []MonitorEvent
	for rows.Next() {
		var e MonitorEvent
		var raw []byte
		if err := rows.Scan(&e.ID, &e.EventType, &e.Symbol, &e.MonitorID, &raw, &e.OccurredAt, &e.CreatedAt); err != nil {
			return nil, err
		}
		if len(raw) > 0 {
			if err := json.Unmarshal(raw, &e.Data); err != nil {
				return nil, fmt.Errorf("failed to decode event %d: %w", e.ID, err)
			}
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

// Subscribe records every bus event. Failures are logged; the audit trail
// never blocks monitoring.
func (r *AuditRepository) Subscribe(bus *events.EventBus) {
	bus.SubscribeAll(func(ev events.Event) {
		ctx, cancel := context.WithTimeout(context.Background(), r.timeout)
		defer cancel()
		if err := r.Record(ctx, ev); err != nil {
			r.logger.Warn().Err(err).Str("event", string(ev.Type)).Msg("Audit write failed")
		}
	})
}

func nullable(v interface{}) *string {
	s, ok := v.(string)
	if !ok || s == "" {
		return nil
	}
	return &s
}
