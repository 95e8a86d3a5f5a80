package supplier

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// ErrNotFound signals the requested supplier does not exist.
var ErrNotFound = errors.New("supplier: not found")

// Repository provides read access to supplier records.
type Repository struct {
	pool *pgxpool.Pool
}

// NewRepository wires a pgxpool-backed repository implementation.
func NewRepository(pool *pgxpool.Pool) *Repository {
	return &Repository{pool: pool}
}

// GetByID fetches a supplier by its primary key.
func (r *Repository) GetByID(ctx context.Context, id uuid.UUID) (Supplier, error) {
	const query = `
		SELECT id, name, contact_name, phone, email, facility, active, created_at
		FROM suppliers
		WHERE id = $1
	`

	var s Supplier
	err := r.pool.QueryRow(ctx, query, id).Scan(
		&s.ID,
		&s.Name,
		&s.ContactName,
		&s.Phone,
		&s.Email,
		&s.Facility,
		&s.Active,
		&s.CreatedAt,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return Supplier{}, ErrNotFound
		}
		return Supplier{}, fmt.Errorf("supplier: query by id: %w", err)
	}

	return s, nil
}

// List fetches up to limit active suppliers ordered by name.
func (r *Repository) List(ctx context.Context, limit int) ([]Supplier, error) {
	if limit <= 0 || limit > 100 {
		limit = 100
	}

	const query = `
		SELECT id, name, contact_name, phone, email, facility, active, created_at
		FROM suppliers
		WHERE active
		ORDER BY name ASC
		LIMIT $1
	`

	rows, err := r.pool.Query(ctx, query, limit)
	if err != nil {
		return nil, fmt.Errorf("supplier: list: %w", err)
	}
	defer rows.Close()

	suppliers := make([]Supplier, 0, limit)
	for rows.Next() {
		var s Supplier
		if err := rows.Scan(&s.ID, &s.Name, &s.ContactName, &s.Phone, &s.Email, &s.Facility, &s.Active, &s.CreatedAt); err != nil {
			return nil, fmt.Errorf("supplier: scan: %w", err)
		}
		suppliers = append(suppliers, s)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("supplier: iterate: %w", err)
	}

	return suppliers, nil
}
