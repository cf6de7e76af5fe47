package domain

import (
	"encoding/json"
	"time"
)

// OfflineItem is one locally buffered send awaiting network availability.
// Removed on confirmed submission; dropped only after the replay budget is
// exhausted, never silently.
type OfflineItem struct {
	ID             int64           `json:"id"`
	IdempotencyKey string          `json:"idempotency_key"`
	Priority       MessagePriority `json:"priority"`
	DeviceID       string          `json:"device_id"`
	Payload        json.RawMessage `json:"payload"` // serialized send request
	ReplayAttempts int             `json:"replay_attempts"`
	LastError      *string         `json:"last_error,omitempty"`
	EnqueuedAt     time.Time       `json:"enqueued_at"`
}
