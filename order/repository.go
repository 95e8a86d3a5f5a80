package order

import (
	"context"
	"fmt"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/shopspring/decimal"
)

// Repository provides read access to purchase orders. Writes happen either
// in the upload flow (out of scope) or as batch-status propagation inside
// the batch repository's transactions.
type Repository struct {
	pool *pgxpool.Pool
}

func NewRepository(pool *pgxpool.Pool) *Repository {
	return &Repository{pool: pool}
}

// ListByBatch returns the purchase orders attached to a batch, oldest first.
func (r *Repository) ListByBatch(ctx context.Context, batchID uuid.UUID) ([]PurchaseOrder, error) {
	const query = `
		SELECT id, supplier_id, batch_id, order_number, action_type, due_date,
		       quantity, unit_cost::text, total::text, status, created_at, updated_at
		FROM purchase_orders
		WHERE batch_id = $1
		ORDER BY created_at ASC
	`

	rows, err := r.pool.Query(ctx, query, batchID)
	if err != nil {
		return nil, fmt.Errorf("order: list by batch: %w", err)
	}
	defer rows.Close()

	orders := make([]PurchaseOrder, 0, 8)
	for rows.Next() {
		var (
			po       PurchaseOrder
			unitCost string
			total    string
		)
		if err := rows.Scan(&po.ID, &po.SupplierID, &po.BatchID, &po.OrderNumber, &po.ActionType,
			&po.DueDate, &po.Quantity, &unitCost, &total, &po.Status, &po.CreatedAt, &po.UpdatedAt); err != nil {
			return nil, fmt.Errorf("order: scan: %w", err)
		}
		if po.UnitCost, err = decimal.NewFromString(unitCost); err != nil {
			return nil, fmt.Errorf("order: parse unit cost: %w", err)
		}
		if po.Total, err = decimal.NewFromString(total); err != nil {
			return nil, fmt.Errorf("order: parse total: %w", err)
		}
		orders = append(orders, po)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("order: iterate: %w", err)
	}

	return orders, nil
}

// SummarizeBatch returns the condensed order view for the calling agent.
func (r *Repository) SummarizeBatch(ctx context.Context, batchID uuid.UUID) ([]Summary, error) {
	const query = `
		SELECT order_number, action_type, due_date, quantity, total::text
		FROM purchase_orders
		WHERE batch_id = $1
		ORDER BY due_date ASC NULLS LAST, created_at ASC
	`

	rows, err := r.pool.Query(ctx, query, batchID)
	if err != nil {
		return nil, fmt.Errorf("order: summarize batch: %w", err)
	}
	defer rows.Close()

	summaries := make([]Summary, 0, 8)
	for rows.Next() {
		var (
			s     Summary
			total string
		)
		if err := rows.Scan(&s.OrderNumber, &s.ActionType, &s.DueDate, &s.Quantity, &total); err != nil {
			return nil, fmt.Errorf("order: scan summary: %w", err)
		}
		if s.Total, err = decimal.NewFromString(total); err != nil {
			return nil, fmt.Errorf("order: parse summary total: %w", err)
		}
		summaries = append(summaries, s)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("order: iterate summaries: %w", err)
	}

	return summaries, nil
}
