package batch

import (
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// Status is the supplier-batch lifecycle state.
type Status string

const (
	StatusPending        Status = "pending"
	StatusQueued         Status = "queued"
	StatusInProgress     Status = "in_progress"
	StatusCompleted      Status = "completed"
	StatusFailed         Status = "failed"
	StatusRetryScheduled Status = "retry_scheduled"
)

// Terminal reports whether no further transition is permitted out of s.
func (s Status) Terminal() bool {
	return s == StatusCompleted || s == StatusFailed
}

// Outcome is the result of one call attempt.
type Outcome string

const (
	OutcomeSuccess       Outcome = "success"
	OutcomePartial       Outcome = "partial"
	OutcomeFailure       Outcome = "failure"
	OutcomeDispatchError Outcome = "dispatch_error"
)

// Valid reports whether o is a known outcome value.
func (o Outcome) Valid() bool {
	switch o {
	case OutcomeSuccess, OutcomePartial, OutcomeFailure, OutcomeDispatchError:
		return true
	}
	return false
}

// SupplierBatch is the unit of work: one supplier's purchase orders grouped
// into a single call.
type SupplierBatch struct {
	ID                uuid.UUID
	SupplierID        uuid.UUID
	ActionTypes       []string
	TotalValue        decimal.Decimal
	Priority          int
	Status            Status
	AttemptCount      int
	MaxAttempts       int
	ScheduledFor      *time.Time
	LastOutcome       *Outcome
	LastOutcomeReason string
	CreatedAt         time.Time
	UpdatedAt         time.Time
	CompletedAt       *time.Time
}

// RunStatus is the lifecycle of one call attempt record.
type RunStatus string

const (
	RunStarted   RunStatus = "started"
	RunCompleted RunStatus = "completed"
	RunAbandoned RunStatus = "abandoned"
)

// AgentRun is one call attempt against a batch. Append-only.
type AgentRun struct {
	ID         uuid.UUID
	BatchID    uuid.UUID
	Status     RunStatus
	Outcome    *Outcome
	Reason     string
	ExternalID string
	StartedAt  time.Time
	EndedAt    *time.Time
}

// Stats is the side-effect-free queue snapshot.
type Stats struct {
	Pending             int `json:"pending"`
	SuppliersInProgress int `json:"suppliersInProgress"`
}

// Summary reports one processing pass to the trigger's caller.
type Summary struct {
	Processed     int `json:"processed"`
	Errors        int `json:"errors"`
	Reclaimed     int `json:"reclaimed"`
	PendingBefore int `json:"pendingBefore"`
	PendingAfter  int `json:"pendingAfter"`
}

// Transition describes a committed batch state change, with enough data for
// a subscriber to update a UI without a follow-up query.
type Transition struct {
	Applied      bool
	BatchID      uuid.UUID
	SupplierID   uuid.UUID
	Status       Status
	Outcome      Outcome
	Reason       string
	AttemptCount int
	ScheduledFor *time.Time
}
