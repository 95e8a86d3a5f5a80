package actors

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"strings"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/shopspring/decimal"

	"callflow/batch"
	"callflow/caller"
)

// FlakyProvider stands in for the calling agent. It answers with an external
// id after a short delay, errors synchronously some of the time, and records
// every run it accepted so the reporter can close them out.
type FlakyProvider struct {
	FailEveryN int

	calls atomic.Int64
}

func (p *FlakyProvider) StartCall(ctx context.Context, req caller.Request) (caller.Started, error) {
	n := p.calls.Add(1)

	select {
	case <-ctx.Done():
		return caller.Started{}, ctx.Err()
	case <-time.After(time.Duration(5+rand.Intn(30)) * time.Millisecond):
	}

	if p.FailEveryN > 0 && n%int64(p.FailEveryN) == 0 {
		return caller.Started{}, errors.New("provider refused call")
	}
	return caller.Started{ExternalID: fmt.Sprintf("call-%d", n)}, nil
}

// Enqueuer keeps feeding queued batches for random suppliers so passes never
// run dry. Each batch gets a couple of purchase orders attached.
func Enqueuer(ctx context.Context, pool *pgxpool.Pool, supplierIDs []uuid.UUID, stop <-chan struct{}) error {
	actions := []string{"expedite", "confirm_delivery", "resolve_shortage"}
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-stop:
			return nil
		default:
		}

		supplierID := supplierIDs[rand.Intn(len(supplierIDs))]
		action := actions[rand.Intn(len(actions))]
		total := decimal.NewFromInt(int64(100 + rand.Intn(9000)))

		// Batch and orders land in one transaction so a concurrent pass
		// never claims a batch whose orders are still being attached.
		tx, err := pool.Begin(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			return fmt.Errorf("enqueuer begin: %w", err)
		}

		var batchID uuid.UUID
		err = tx.QueryRow(ctx, `INSERT INTO supplier_batches (supplier_id, action_types, total_value, priority, status, max_attempts)
                                VALUES ($1, $2, $3, $4, 'queued', 3) RETURNING id`,
			supplierID, []string{action}, total.StringFixed(2), rand.Intn(10)).Scan(&batchID)
		for i := 0; err == nil && i < 1+rand.Intn(3); i++ {
			_, err = tx.Exec(ctx, `INSERT INTO purchase_orders (supplier_id, batch_id, order_number, action_type, quantity, unit_cost, total)
                                   VALUES ($1, $2, $3, $4, $5, $6, $7)`,
				supplierID, batchID,
				fmt.Sprintf("PO-%s", strings.ToUpper(uuid.NewString()[:8])),
				action, 1+rand.Intn(50), decimal.NewFromInt(int64(1+rand.Intn(200))).StringFixed(2), total.StringFixed(2))
		}
		if err == nil {
			err = tx.Commit(ctx)
		} else {
			_ = tx.Rollback(ctx)
		}
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			return fmt.Errorf("enqueuer insert: %w", err)
		}

		time.Sleep(time.Duration(30+rand.Intn(60)) * time.Millisecond)
	}
}

// Runner drives concurrent processing passes with randomized budgets. Two
// runners racing over the same queue is the interesting case: claims must
// never double-dispatch a batch or put one supplier on two calls. Pass errors
// are tolerated up to a streak; the chaos actor kills backends on purpose.
func Runner(ctx context.Context, processor *batch.Processor, stop <-chan struct{}) error {
	var streak int
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-stop:
			return nil
		default:
		}

		if _, err := processor.ProcessQueue(ctx, 1+rand.Intn(batch.MaxBatchCap)); err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			streak++
			if streak >= 10 {
				return fmt.Errorf("runner pass (%d consecutive failures): %w", streak, err)
			}
			time.Sleep(100 * time.Millisecond)
			continue
		}
		streak = 0
		time.Sleep(time.Duration(20+rand.Intn(50)) * time.Millisecond)
	}
}

// OutcomeReporter plays the provider's webhook: it finds started runs and
// finalizes them with a randomized outcome. Roughly one report in five is
// replayed immediately to exercise idempotency.
func OutcomeReporter(ctx context.Context, pool *pgxpool.Pool, processor *batch.Processor, stop <-chan struct{}) error {
	outcomes := []batch.Outcome{batch.OutcomeSuccess, batch.OutcomeSuccess, batch.OutcomePartial, batch.OutcomeFailure}
	var streak int
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-stop:
			return nil
		default:
		}

		rows, err := pool.Query(ctx, `SELECT id, external_id FROM agent_runs WHERE status = 'started' ORDER BY started_at LIMIT 5`)
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			streak++
			if streak >= 10 {
				return fmt.Errorf("reporter query runs (%d consecutive failures): %w", streak, err)
			}
			time.Sleep(100 * time.Millisecond)
			continue
		}
		streak = 0
		type run struct {
			id         uuid.UUID
			externalID string
		}
		runs := make([]run, 0, 5)
		for rows.Next() {
			var r run
			if err := rows.Scan(&r.id, &r.externalID); err == nil {
				runs = append(runs, r)
			}
		}
		rows.Close()

		for _, r := range runs {
			outcome := outcomes[rand.Intn(len(outcomes))]
			// A concurrent reclaim may finalize the run first, and chaos may
			// drop the connection mid-outcome; both leave the database in a
			// state the oracles verify, so errors here are swallowed.
			if _, err := processor.HandleOutcome(ctx, r.id, outcome, "stress reporter", r.externalID); err != nil {
				continue
			}
			if rand.Intn(5) == 0 {
				_, _ = processor.HandleOutcome(ctx, r.id, outcome, "stress reporter replay", r.externalID)
			}
		}

		time.Sleep(time.Duration(25+rand.Intn(50)) * time.Millisecond)
	}
}

// Promoter creates pending batches and races to promote them, replaying
// promotions to confirm the pending to queued step fires once.
func Promoter(ctx context.Context, pool *pgxpool.Pool, processor *batch.Processor, supplierIDs []uuid.UUID, stop <-chan struct{}) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-stop:
			return nil
		default:
		}

		supplierID := supplierIDs[rand.Intn(len(supplierIDs))]
		var batchID uuid.UUID
		err := pool.QueryRow(ctx, `INSERT INTO supplier_batches (supplier_id, action_types, status)
                                   VALUES ($1, '{expedite}', 'pending') RETURNING id`, supplierID).Scan(&batchID)
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			time.Sleep(100 * time.Millisecond)
			continue
		}

		// Promote twice: the second attempt must conflict once the first
		// lands. Chaos can drop either call, so only the double-fire case
		// is fatal here.
		first, errFirst := processor.Promote(ctx, batchID)
		second, errSecond := processor.Promote(ctx, batchID)
		if errFirst == nil && errSecond == nil && first.Applied && second.Applied {
			return fmt.Errorf("promoter: batch %s promoted twice", batchID)
		}

		time.Sleep(time.Duration(100+rand.Intn(100)) * time.Millisecond)
	}
}
