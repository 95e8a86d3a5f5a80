package events

import (
	"time"
)

// Type enumerates the pipeline event kinds pushed to live viewers.
type Type string

const (
	TypeConnected      Type = "connected"
	TypeBatchQueued    Type = "batch_queued"
	TypeBatchStarted   Type = "batch_started"
	TypeBatchCompleted Type = "batch_completed"
	TypeBatchRetry     Type = "batch_retry"
)

// Event is an ephemeral pipeline message. Loss is tolerable; delivery must
// never block or fail batch processing.
type Event struct {
	Type      Type           `json:"type"`
	Data      map[string]any `json:"data,omitempty"`
	Timestamp time.Time      `json:"timestamp"`
}

// New builds an event stamped with the current time.
func New(t Type, data map[string]any) Event {
	return Event{Type: t, Data: data, Timestamp: time.Now().UTC()}
}
