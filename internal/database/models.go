package database

import (
	"time"
)

// MonitorEvent is one row of the audit trail
type MonitorEvent struct {
	ID         int64                  `json:"id"`
	EventType  string                 `json:"event_type"`
	Symbol     string                 `json:"symbol,omitempty"`
	MonitorID  string                 `json:"monitor_id,omitempty"`
	Data       map[string]interface{} `json:"data"`
	OccurredAt time.Time              `json:"occurred_at"`
	CreatedAt  time.Time              `json:"created_at"`
}
