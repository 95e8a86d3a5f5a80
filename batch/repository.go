package batch

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/shopspring/decimal"
)

var (
	// ErrBatchNotFound is returned when no batch row exists for the id.
	ErrBatchNotFound = errors.New("batch: not found")
	// ErrRunNotFound is returned when an outcome references an unknown run.
	ErrRunNotFound = errors.New("batch: run not found")
	// ErrNotPromotable signals a promotion attempt on a non-pending batch.
	ErrNotPromotable = errors.New("batch: not promotable")
	// ErrAttemptOutstanding signals a second run insert while one is live.
	ErrAttemptOutstanding = errors.New("batch: attempt already outstanding")
)

const batchColumns = `
	id, supplier_id, action_types, total_value::text, priority, status::text,
	attempt_count, max_attempts, scheduled_for, last_outcome::text,
	last_outcome_reason, created_at, updated_at, completed_at`

// Repository is the typed store accessor for supplier batches and their
// call-attempt runs. Every status-changing operation is a single atomic
// conditional update, so overlapping processing passes can never both claim
// the same batch.
type Repository struct {
	pool   *pgxpool.Pool
	policy RetryPolicy
}

func NewRepository(pool *pgxpool.Pool) *Repository {
	return &Repository{pool: pool, policy: DefaultRetryPolicy}
}

// WithRetryPolicy overrides the backoff applied to retried batches.
func (r *Repository) WithRetryPolicy(policy RetryPolicy) *Repository {
	r.policy = policy
	return r
}

type batchScanner interface {
	Scan(dest ...any) error
}

func scanBatch(row batchScanner) (SupplierBatch, error) {
	var (
		b           SupplierBatch
		totalValue  string
		lastOutcome *string
	)
	err := row.Scan(
		&b.ID, &b.SupplierID, &b.ActionTypes, &totalValue, &b.Priority, &b.Status,
		&b.AttemptCount, &b.MaxAttempts, &b.ScheduledFor, &lastOutcome,
		&b.LastOutcomeReason, &b.CreatedAt, &b.UpdatedAt, &b.CompletedAt,
	)
	if err != nil {
		return SupplierBatch{}, err
	}
	if b.TotalValue, err = decimal.NewFromString(totalValue); err != nil {
		return SupplierBatch{}, fmt.Errorf("batch: parse total value: %w", err)
	}
	if lastOutcome != nil {
		o := Outcome(*lastOutcome)
		b.LastOutcome = &o
	}
	return b, nil
}

// GetByID fetches a single batch.
func (r *Repository) GetByID(ctx context.Context, id uuid.UUID) (SupplierBatch, error) {
	query := `SELECT` + batchColumns + ` FROM supplier_batches WHERE id = $1`

	b, err := scanBatch(r.pool.QueryRow(ctx, query, id))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return SupplierBatch{}, ErrBatchNotFound
		}
		return SupplierBatch{}, fmt.Errorf("batch: get by id: %w", err)
	}
	return b, nil
}

// FindEligible returns up to limit batches eligible for dequeue at `now`,
// ordered by priority tier descending, then scheduled_for ascending (nulls
// first), then total value descending. Batches in `excluding` were already
// examined by the running pass and are skipped.
func (r *Repository) FindEligible(ctx context.Context, limit int, now time.Time, excluding []uuid.UUID) ([]SupplierBatch, error) {
	if limit <= 0 {
		return nil, nil
	}
	if excluding == nil {
		excluding = []uuid.UUID{}
	}

	query := `
		SELECT` + batchColumns + `
		FROM supplier_batches
		WHERE (status IN ('pending', 'queued')
		       OR (status = 'retry_scheduled' AND scheduled_for <= $2))
		  AND NOT (id = ANY($3))
		ORDER BY priority DESC, scheduled_for ASC NULLS FIRST, total_value DESC
		LIMIT $1
	`

	rows, err := r.pool.Query(ctx, query, limit, now, excluding)
	if err != nil {
		return nil, fmt.Errorf("batch: find eligible: %w", err)
	}
	defer rows.Close()

	batches := make([]SupplierBatch, 0, limit)
	for rows.Next() {
		b, err := scanBatch(rows)
		if err != nil {
			return nil, fmt.Errorf("batch: scan eligible: %w", err)
		}
		batches = append(batches, b)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("batch: iterate eligible: %w", err)
	}

	return batches, nil
}

// Claim atomically transitions a batch to in_progress and increments its
// attempt count. The single conditional update is the optimistic-concurrency
// guard: it fails (returns false, no-op) when the status no longer matches
// `expected`, when attempts are exhausted, or when another batch of the same
// supplier is already in_progress.
func (r *Repository) Claim(ctx context.Context, id uuid.UUID, expected Status, now time.Time) (int, bool, error) {
	const query = `
		UPDATE supplier_batches b
		SET status = 'in_progress', attempt_count = attempt_count + 1, updated_at = $3
		WHERE b.id = $1
		  AND b.status = $2::batch_status
		  AND b.attempt_count < b.max_attempts
		  AND NOT EXISTS (
		      SELECT 1 FROM supplier_batches s
		      WHERE s.supplier_id = b.supplier_id
		        AND s.status = 'in_progress'
		        AND s.id <> b.id)
		RETURNING b.attempt_count
	`

	var attempt int
	err := r.pool.QueryRow(ctx, query, id, expected, now).Scan(&attempt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return 0, false, nil
		}
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == "23505" {
			// Lost the partial-unique-index race on in_progress per supplier.
			return 0, false, nil
		}
		return 0, false, fmt.Errorf("batch: claim: %w", err)
	}

	return attempt, true, nil
}

// RecordAttempt appends a new agent run for a freshly claimed batch.
func (r *Repository) RecordAttempt(ctx context.Context, batchID uuid.UUID, now time.Time) (uuid.UUID, error) {
	const query = `
		INSERT INTO agent_runs (batch_id, status, started_at)
		VALUES ($1, 'started', $2)
		RETURNING id
	`

	var runID uuid.UUID
	if err := r.pool.QueryRow(ctx, query, batchID, now).Scan(&runID); err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == "23505" {
			return uuid.Nil, ErrAttemptOutstanding
		}
		return uuid.Nil, fmt.Errorf("batch: record attempt: %w", err)
	}

	return runID, nil
}

// SetRunExternalID stores the provider's call handle on a run.
func (r *Repository) SetRunExternalID(ctx context.Context, runID uuid.UUID, externalID string) error {
	tag, err := r.pool.Exec(ctx, `UPDATE agent_runs SET external_id = $2 WHERE id = $1`, runID, externalID)
	if err != nil {
		return fmt.Errorf("batch: set run external id: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrRunNotFound
	}
	return nil
}

// LatestRun returns the most recent run for a batch.
func (r *Repository) LatestRun(ctx context.Context, batchID uuid.UUID) (AgentRun, error) {
	const query = `
		SELECT id, batch_id, status::text, outcome::text, reason, external_id, started_at, ended_at
		FROM agent_runs
		WHERE batch_id = $1
		ORDER BY started_at DESC
		LIMIT 1
	`

	var (
		run     AgentRun
		outcome *string
	)
	err := r.pool.QueryRow(ctx, query, batchID).Scan(
		&run.ID, &run.BatchID, &run.Status, &outcome, &run.Reason,
		&run.ExternalID, &run.StartedAt, &run.EndedAt,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return AgentRun{}, ErrRunNotFound
		}
		return AgentRun{}, fmt.Errorf("batch: latest run: %w", err)
	}
	if outcome != nil {
		o := Outcome(*outcome)
		run.Outcome = &o
	}
	return run, nil
}

// ApplyOutcomeParams identifies one call attempt result.
type ApplyOutcomeParams struct {
	RunID      uuid.UUID
	Outcome    Outcome
	Reason     string
	ExternalID string
	Now        time.Time
}

// ApplyOutcome finalizes a run and applies the retry/backoff/terminal-state
// policy to its batch, propagating the new status to the batch's purchase
// orders in the same transaction. It is idempotent per run id: finalizing a
// run is itself a compare-and-set on the run's status, so applying the same
// outcome twice is a no-op (Applied=false, no transition).
func (r *Repository) ApplyOutcome(ctx context.Context, params ApplyOutcomeParams) (Transition, error) {
	if !params.Outcome.Valid() {
		return Transition{}, fmt.Errorf("batch: invalid outcome %q", params.Outcome)
	}
	now := params.Now
	if now.IsZero() {
		now = time.Now().UTC()
	}

	tx, err := r.pool.Begin(ctx)
	if err != nil {
		return Transition{}, fmt.Errorf("batch: begin outcome tx: %w", err)
	}
	defer tx.Rollback(ctx)

	const finalizeRun = `
		UPDATE agent_runs
		SET status = 'completed',
		    outcome = $2::call_outcome,
		    reason = $3,
		    external_id = CASE WHEN $4 <> '' THEN $4 ELSE external_id END,
		    ended_at = $5
		WHERE id = $1 AND status = 'started'
		RETURNING batch_id
	`

	var batchID uuid.UUID
	if err := tx.QueryRow(ctx, finalizeRun, params.RunID, params.Outcome, params.Reason, params.ExternalID, now).Scan(&batchID); err != nil {
		if !errors.Is(err, pgx.ErrNoRows) {
			return Transition{}, fmt.Errorf("batch: finalize run: %w", err)
		}

		// Either the run does not exist, or it was already finalized
		// (at-least-once delivery replay).
		var exists bool
		if err := tx.QueryRow(ctx, `SELECT EXISTS (SELECT 1 FROM agent_runs WHERE id = $1)`, params.RunID).Scan(&exists); err != nil {
			return Transition{}, fmt.Errorf("batch: check run: %w", err)
		}
		if !exists {
			return Transition{}, ErrRunNotFound
		}
		return Transition{Applied: false}, nil
	}

	const lockBatch = `
		SELECT supplier_id, status::text, attempt_count, max_attempts
		FROM supplier_batches
		WHERE id = $1
		FOR UPDATE
	`

	var (
		supplierID   uuid.UUID
		current      Status
		attemptCount int
		maxAttempts  int
	)
	if err := tx.QueryRow(ctx, lockBatch, batchID).Scan(&supplierID, &current, &attemptCount, &maxAttempts); err != nil {
		return Transition{}, fmt.Errorf("batch: lock for outcome: %w", err)
	}

	if current.Terminal() {
		// A late outcome for a batch the engine already closed out: keep the
		// run record, leave the batch alone.
		if err := tx.Commit(ctx); err != nil {
			return Transition{}, fmt.Errorf("batch: commit late outcome: %w", err)
		}
		return Transition{Applied: false}, nil
	}

	next := resolveOutcome(params.Outcome, attemptCount, maxAttempts, r.policy, now)

	const updateBatch = `
		UPDATE supplier_batches
		SET status = $2::batch_status,
		    scheduled_for = $3,
		    completed_at = $4,
		    last_outcome = $5::call_outcome,
		    last_outcome_reason = $6,
		    updated_at = $7
		WHERE id = $1
	`
	if _, err := tx.Exec(ctx, updateBatch, batchID, next.status, next.scheduledFor, next.completedAt, params.Outcome, params.Reason, now); err != nil {
		return Transition{}, fmt.Errorf("batch: update status: %w", err)
	}

	if _, err := tx.Exec(ctx, `UPDATE purchase_orders SET status = $2, updated_at = $3 WHERE batch_id = $1`, batchID, string(next.status), now); err != nil {
		return Transition{}, fmt.Errorf("batch: propagate status to orders: %w", err)
	}

	if err := tx.Commit(ctx); err != nil {
		return Transition{}, fmt.Errorf("batch: commit outcome: %w", err)
	}

	return Transition{
		Applied:      true,
		BatchID:      batchID,
		SupplierID:   supplierID,
		Status:       next.status,
		Outcome:      params.Outcome,
		Reason:       params.Reason,
		AttemptCount: attemptCount,
		ScheduledFor: next.scheduledFor,
	}, nil
}

// Promote moves a pending batch to queued ahead of natural pickup.
func (r *Repository) Promote(ctx context.Context, id uuid.UUID, now time.Time) (Transition, error) {
	const query = `
		UPDATE supplier_batches
		SET status = 'queued', updated_at = $2
		WHERE id = $1 AND status = 'pending'
		RETURNING supplier_id, attempt_count
	`

	var t Transition
	err := r.pool.QueryRow(ctx, query, id, now).Scan(&t.SupplierID, &t.AttemptCount)
	if err != nil {
		if !errors.Is(err, pgx.ErrNoRows) {
			return Transition{}, fmt.Errorf("batch: promote: %w", err)
		}
		var exists bool
		if err := r.pool.QueryRow(ctx, `SELECT EXISTS (SELECT 1 FROM supplier_batches WHERE id = $1)`, id).Scan(&exists); err != nil {
			return Transition{}, fmt.Errorf("batch: promote check: %w", err)
		}
		if !exists {
			return Transition{}, ErrBatchNotFound
		}
		return Transition{}, ErrNotPromotable
	}

	t.Applied = true
	t.BatchID = id
	t.Status = StatusQueued
	return t, nil
}

// ReclaimStale forces batches stuck in_progress past olderThan back into the
// queue: their open run is marked abandoned and the batch becomes
// retry_scheduled immediately (failed when attempts are exhausted). The
// attempt that abandoned them was already counted at claim time, so the
// attempt count is left alone.
func (r *Repository) ReclaimStale(ctx context.Context, olderThan, now time.Time) (int, error) {
	const query = `
		WITH stale AS (
		    SELECT id FROM supplier_batches
		    WHERE status = 'in_progress' AND updated_at < $1
		    FOR UPDATE SKIP LOCKED
		),
		abandoned AS (
		    UPDATE agent_runs r
		    SET status = 'abandoned', reason = 'no outcome before stale threshold', ended_at = $2
		    FROM stale s
		    WHERE r.batch_id = s.id AND r.status = 'started'
		)
		UPDATE supplier_batches b
		SET status = CASE WHEN b.attempt_count >= b.max_attempts
		                  THEN 'failed' ELSE 'retry_scheduled' END::batch_status,
		    scheduled_for = CASE WHEN b.attempt_count >= b.max_attempts
		                         THEN NULL ELSE $2 END,
		    last_outcome = 'dispatch_error',
		    last_outcome_reason = 'reclaimed stale in_progress batch',
		    updated_at = $2
		FROM stale s
		WHERE b.id = s.id
	`

	tag, err := r.pool.Exec(ctx, query, olderThan, now)
	if err != nil {
		return 0, fmt.Errorf("batch: reclaim stale: %w", err)
	}
	return int(tag.RowsAffected()), nil
}

// CountPending counts batches waiting for dispatch: pending, queued, and
// retry_scheduled batches whose backoff has elapsed.
func (r *Repository) CountPending(ctx context.Context) (int, error) {
	const query = `
		SELECT COUNT(*)
		FROM supplier_batches
		WHERE status IN ('pending', 'queued')
		   OR (status = 'retry_scheduled' AND scheduled_for <= now())
	`

	var n int
	if err := r.pool.QueryRow(ctx, query).Scan(&n); err != nil {
		return 0, fmt.Errorf("batch: count pending: %w", err)
	}
	return n, nil
}

// CountSuppliersInProgress counts suppliers with a live call.
func (r *Repository) CountSuppliersInProgress(ctx context.Context) (int, error) {
	const query = `
		SELECT COUNT(DISTINCT supplier_id)
		FROM supplier_batches
		WHERE status = 'in_progress'
	`

	var n int
	if err := r.pool.QueryRow(ctx, query).Scan(&n); err != nil {
		return 0, fmt.Errorf("batch: count suppliers in progress: %w", err)
	}
	return n, nil
}
