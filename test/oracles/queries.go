package oracles

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5/pgxpool"
)

type Oracle struct {
	Name string
	SQL  string
}

// All returns the invariant checks run against the live database while actors
// hammer the queue. Each query returns zero rows when the invariant holds.
func All() []Oracle {
	return []Oracle{
		{
			Name: "O1_single_call_per_supplier",
			SQL: `SELECT supplier_id, COUNT(*) FROM supplier_batches
                  WHERE status = 'in_progress'
                  GROUP BY supplier_id HAVING COUNT(*) > 1`,
		},
		{
			Name: "O2_attempts_within_bound",
			SQL: `SELECT id, attempt_count, max_attempts FROM supplier_batches
                  WHERE attempt_count > max_attempts`,
		},
		{
			Name: "O3_single_started_run_per_batch",
			SQL: `SELECT batch_id, COUNT(*) FROM agent_runs
                  WHERE status = 'started'
                  GROUP BY batch_id HAVING COUNT(*) > 1`,
		},
		{
			Name: "O4_started_run_implies_in_progress",
			SQL: `SELECT r.id, r.batch_id, b.status FROM agent_runs r
                  JOIN supplier_batches b ON b.id = r.batch_id
                  WHERE r.status = 'started' AND b.status <> 'in_progress'`,
		},
		{
			Name: "O5_completed_is_stamped",
			SQL: `SELECT id FROM supplier_batches
                  WHERE status = 'completed' AND (completed_at IS NULL OR last_outcome IS NULL)`,
		},
		{
			Name: "O6_retry_has_schedule",
			SQL: `SELECT id FROM supplier_batches
                  WHERE status = 'retry_scheduled' AND scheduled_for IS NULL`,
		},
		{
			Name: "O7_exhausted_never_retried",
			SQL: `SELECT id, attempt_count, max_attempts FROM supplier_batches
                  WHERE status = 'retry_scheduled' AND attempt_count >= max_attempts`,
		},
		{
			Name: "O8_finalized_run_has_outcome",
			SQL: `SELECT id FROM agent_runs
                  WHERE status = 'completed' AND (outcome IS NULL OR ended_at IS NULL)`,
		},
		{
			Name: "O9_orders_follow_terminal_batch",
			SQL: `SELECT o.id, o.status, b.status FROM purchase_orders o
                  JOIN supplier_batches b ON b.id = o.batch_id
                  WHERE b.status IN ('completed', 'failed')
                    AND o.status <> b.status::text`,
		},
	}
}

// Run executes all oracles and returns the first failure (name and sample row text) or empty name if all pass.
func Run(ctx context.Context, pool *pgxpool.Pool) (string, string, error) {
	for _, o := range All() {
		rows, err := pool.Query(ctx, o.SQL)
		if err != nil {
			return o.Name, "", fmt.Errorf("oracle %s: %w", o.Name, err)
		}
		has := rows.Next()
		if has {
			vals, err := rows.Values()
			rows.Close()
			if err != nil {
				return o.Name, "", err
			}
			return o.Name, fmt.Sprintf("%v", vals), nil
		}
		rows.Close()
	}
	return "", "", nil
}
