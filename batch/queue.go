package batch

import (
	"context"
	"fmt"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"callflow/caller"
	"callflow/events"
	"callflow/order"
	"callflow/supplier"
)

const (
	// MaxBatchCap is the hard per-pass dispatch ceiling.
	MaxBatchCap = 20
	// DefaultBatchCap is used when the trigger does not specify a budget.
	DefaultBatchCap = 5
)

// Store is the persistence contract the processor schedules against. It is
// satisfied by *Repository and by the in-memory fake used in unit tests.
type Store interface {
	FindEligible(ctx context.Context, limit int, now time.Time, excluding []uuid.UUID) ([]SupplierBatch, error)
	Claim(ctx context.Context, id uuid.UUID, expected Status, now time.Time) (int, bool, error)
	RecordAttempt(ctx context.Context, batchID uuid.UUID, now time.Time) (uuid.UUID, error)
	SetRunExternalID(ctx context.Context, runID uuid.UUID, externalID string) error
	ApplyOutcome(ctx context.Context, params ApplyOutcomeParams) (Transition, error)
	Promote(ctx context.Context, id uuid.UUID, now time.Time) (Transition, error)
	ReclaimStale(ctx context.Context, olderThan, now time.Time) (int, error)
	CountPending(ctx context.Context) (int, error)
	CountSuppliersInProgress(ctx context.Context) (int, error)
}

// SupplierSource resolves supplier contact data for dispatch.
type SupplierSource interface {
	GetByID(ctx context.Context, id uuid.UUID) (supplier.Supplier, error)
}

// OrderSource resolves the purchase-order summary handed to the agent.
type OrderSource interface {
	SummarizeBatch(ctx context.Context, batchID uuid.UUID) ([]order.Summary, error)
}

// Processor composes the store accessor, the concurrency limiter, the call
// dispatcher, the outcome resolver, and the event publisher into one bounded
// processing pass. It has no scheduler of its own; an external trigger
// invokes ProcessQueue on an interval.
type Processor struct {
	store     Store
	suppliers SupplierSource
	orders    OrderSource
	provider  caller.Provider
	publisher events.Publisher
	logger    *slog.Logger

	staleAfter time.Duration
	now        func() time.Time
}

func NewProcessor(store Store, suppliers SupplierSource, orders OrderSource, provider caller.Provider, publisher events.Publisher, logger *slog.Logger) *Processor {
	if publisher == nil {
		publisher = events.NopPublisher{}
	}
	return &Processor{
		store:      store,
		suppliers:  suppliers,
		orders:     orders,
		provider:   provider,
		publisher:  publisher,
		logger:     logger,
		staleAfter: 10 * time.Minute,
		now:        func() time.Time { return time.Now().UTC() },
	}
}

// WithStaleAfter overrides the threshold past which an in_progress batch
// without an outcome is treated as abandoned and reclaimed.
func (p *Processor) WithStaleAfter(d time.Duration) *Processor {
	if d > 0 {
		p.staleAfter = d
	}
	return p
}

// WithClock overrides the time source (tests).
func (p *Processor) WithClock(now func() time.Time) *Processor {
	p.now = now
	return p
}

type dispatchTarget struct {
	batch   SupplierBatch
	runID   uuid.UUID
	attempt int
}

// ProcessQueue runs one bounded pass: reclaim stale batches, select eligible
// candidates, claim and dispatch at most maxBatches of them. Per-batch
// failures are counted without aborting the pass; only store unavailability
// is fatal. maxBatches is clamped to [1, 20]; 0 selects the default of 5.
func (p *Processor) ProcessQueue(ctx context.Context, maxBatches int) (Summary, error) {
	if maxBatches <= 0 {
		maxBatches = DefaultBatchCap
	}
	if maxBatches > MaxBatchCap {
		maxBatches = MaxBatchCap
	}

	now := p.now()
	summary := Summary{}

	reclaimed, err := p.store.ReclaimStale(ctx, now.Add(-p.staleAfter), now)
	if err != nil {
		return Summary{}, fmt.Errorf("process queue: %w", err)
	}
	if reclaimed > 0 {
		p.logger.Warn("reclaimed stale in-progress batches", "count", reclaimed)
	}
	summary.Reclaimed = reclaimed

	if summary.PendingBefore, err = p.store.CountPending(ctx); err != nil {
		return Summary{}, fmt.Errorf("process queue: %w", err)
	}

	var errorCount atomic.Int64

	admitted, err := p.admitCandidates(ctx, maxBatches, &errorCount)
	if err != nil {
		return Summary{}, fmt.Errorf("process queue: %w", err)
	}

	// Dispatch admitted batches with bounded parallelism; the number of
	// concurrently outstanding provider calls never exceeds maxBatches.
	g := new(errgroup.Group)
	g.SetLimit(maxBatches)
	for _, t := range admitted {
		g.Go(func() error {
			p.dispatch(ctx, t, &errorCount)
			return nil
		})
	}
	_ = g.Wait()

	if summary.PendingAfter, err = p.store.CountPending(ctx); err != nil {
		return Summary{}, fmt.Errorf("process queue: %w", err)
	}

	summary.Processed = len(admitted)
	summary.Errors = int(errorCount.Load())

	p.logger.Info("queue pass complete",
		"processed", summary.Processed,
		"errors", summary.Errors,
		"reclaimed", summary.Reclaimed,
		"pending_before", summary.PendingBefore,
		"pending_after", summary.PendingAfter,
	)

	return summary, nil
}

// admitCandidates scans eligibility pages until maxBatches batches are
// claimed or candidates run out. Candidates rejected by the per-supplier
// limiter or lost to a concurrent pass are skipped without consuming the
// budget.
func (p *Processor) admitCandidates(ctx context.Context, maxBatches int, errorCount *atomic.Int64) ([]dispatchTarget, error) {
	admitted := make([]dispatchTarget, 0, maxBatches)
	seen := make([]uuid.UUID, 0, maxBatches*2)

	for len(admitted) < maxBatches {
		now := p.now()
		candidates, err := p.store.FindEligible(ctx, maxBatches, now, seen)
		if err != nil {
			return nil, err
		}
		if len(candidates) == 0 {
			break
		}

		for _, cand := range candidates {
			seen = append(seen, cand.ID)

			attempt, claimed, err := p.store.Claim(ctx, cand.ID, cand.Status, p.now())
			if err != nil {
				p.logger.Error("claim failed", "batch_id", cand.ID, "error", err)
				errorCount.Add(1)
				continue
			}
			if !claimed {
				// Lost race or supplier already on a call; not an error.
				continue
			}

			runID, err := p.store.RecordAttempt(ctx, cand.ID, p.now())
			if err != nil {
				// The batch stays in_progress; the stale-reclaim path on a
				// later pass recovers it.
				p.logger.Error("record attempt failed", "batch_id", cand.ID, "error", err)
				errorCount.Add(1)
				continue
			}

			p.publisher.Publish(ctx, events.New(events.TypeBatchStarted, map[string]any{
				"batch_id":      cand.ID.String(),
				"supplier_id":   cand.SupplierID.String(),
				"status":        string(StatusInProgress),
				"attempt_count": attempt,
				"run_id":        runID.String(),
			}))

			admitted = append(admitted, dispatchTarget{batch: cand, runID: runID, attempt: attempt})
			if len(admitted) == maxBatches {
				break
			}
		}
	}

	return admitted, nil
}

// dispatch performs the outbound provider call for one claimed batch. A
// synchronous provider failure is a dispatch_error outcome, handled by the
// same retry policy as a business failure; it is not a pass error.
func (p *Processor) dispatch(ctx context.Context, t dispatchTarget, errorCount *atomic.Int64) {
	req, err := p.buildRequest(ctx, t.batch)
	if err != nil {
		p.logger.Error("build call request failed", "batch_id", t.batch.ID, "error", err)
		errorCount.Add(1)
		p.failDispatch(ctx, t, "call context unavailable: "+err.Error())
		return
	}

	started, err := p.provider.StartCall(ctx, req)
	if err != nil {
		p.logger.Warn("provider dispatch failed",
			"batch_id", t.batch.ID,
			"supplier_id", t.batch.SupplierID,
			"attempt", t.attempt,
			"error", err,
		)
		p.failDispatch(ctx, t, err.Error())
		return
	}

	if err := p.store.SetRunExternalID(ctx, t.runID, started.ExternalID); err != nil {
		p.logger.Error("record external id failed", "run_id", t.runID, "error", err)
		errorCount.Add(1)
	}
}

// failDispatch applies a dispatch_error outcome for a batch whose provider
// call never got off the ground. The pass context may already be past its
// deadline here, so the store write uses a detached context: the batch must
// not be left stuck in_progress.
func (p *Processor) failDispatch(ctx context.Context, t dispatchTarget, reason string) {
	storeCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 10*time.Second)
	defer cancel()

	transition, err := p.store.ApplyOutcome(storeCtx, ApplyOutcomeParams{
		RunID:   t.runID,
		Outcome: OutcomeDispatchError,
		Reason:  reason,
		Now:     p.now(),
	})
	if err != nil {
		p.logger.Error("apply dispatch error outcome failed", "run_id", t.runID, "error", err)
		return
	}
	p.publishTransition(storeCtx, transition)
}

// buildRequest assembles the supplier contact and purchase-order summary for
// the calling agent.
func (p *Processor) buildRequest(ctx context.Context, b SupplierBatch) (caller.Request, error) {
	s, err := p.suppliers.GetByID(ctx, b.SupplierID)
	if err != nil {
		return caller.Request{}, err
	}

	summaries, err := p.orders.SummarizeBatch(ctx, b.ID)
	if err != nil {
		return caller.Request{}, err
	}

	lines := make([]caller.OrderLine, 0, len(summaries))
	for _, s := range summaries {
		lines = append(lines, caller.OrderLine{
			OrderNumber: s.OrderNumber,
			ActionType:  s.ActionType,
			DueDate:     s.DueDate,
			Quantity:    s.Quantity,
			Total:       s.Total.StringFixed(2),
		})
	}

	return caller.Request{
		BatchID:      b.ID,
		SupplierID:   b.SupplierID,
		SupplierName: s.Name,
		ContactName:  s.ContactName,
		Phone:        s.Phone,
		ActionTypes:  b.ActionTypes,
		TotalValue:   b.TotalValue.StringFixed(2),
		Orders:       lines,
	}, nil
}

// HandleOutcome is the asynchronous outcome entry point (provider webhook or
// poll). The contract matches the synchronous dispatch-error path: idempotent
// per run id, same retry policy.
func (p *Processor) HandleOutcome(ctx context.Context, runID uuid.UUID, outcome Outcome, reason, externalID string) (Transition, error) {
	if !outcome.Valid() {
		return Transition{}, fmt.Errorf("handle outcome: invalid outcome %q", outcome)
	}

	transition, err := p.store.ApplyOutcome(ctx, ApplyOutcomeParams{
		RunID:      runID,
		Outcome:    outcome,
		Reason:     reason,
		ExternalID: externalID,
		Now:        p.now(),
	})
	if err != nil {
		return Transition{}, err
	}

	p.publishTransition(ctx, transition)
	return transition, nil
}

// Promote moves a pending batch to queued ahead of natural pickup and
// announces it to live viewers.
func (p *Processor) Promote(ctx context.Context, id uuid.UUID) (Transition, error) {
	transition, err := p.store.Promote(ctx, id, p.now())
	if err != nil {
		return Transition{}, err
	}

	p.publisher.Publish(ctx, events.New(events.TypeBatchQueued, map[string]any{
		"batch_id":    transition.BatchID.String(),
		"supplier_id": transition.SupplierID.String(),
		"status":      string(transition.Status),
	}))

	return transition, nil
}

// QueueStats is a pure read of the queue's observable state.
func (p *Processor) QueueStats(ctx context.Context) (Stats, error) {
	pending, err := p.store.CountPending(ctx)
	if err != nil {
		return Stats{}, fmt.Errorf("queue stats: %w", err)
	}
	inProgress, err := p.store.CountSuppliersInProgress(ctx)
	if err != nil {
		return Stats{}, fmt.Errorf("queue stats: %w", err)
	}
	return Stats{Pending: pending, SuppliersInProgress: inProgress}, nil
}

func (p *Processor) publishTransition(ctx context.Context, t Transition) {
	if !t.Applied {
		return
	}

	data := map[string]any{
		"batch_id":      t.BatchID.String(),
		"supplier_id":   t.SupplierID.String(),
		"status":        string(t.Status),
		"outcome":       string(t.Outcome),
		"attempt_count": t.AttemptCount,
	}
	if t.Reason != "" {
		data["reason"] = t.Reason
	}

	eventType := events.TypeBatchCompleted
	if t.Status == StatusRetryScheduled {
		eventType = events.TypeBatchRetry
		if t.ScheduledFor != nil {
			data["scheduled_for"] = t.ScheduledFor.UTC().Format(time.RFC3339)
		}
	}

	p.publisher.Publish(ctx, events.New(eventType, data))
}
