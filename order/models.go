package order

import (
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// PurchaseOrder mirrors the purchase_orders table columns touched by the
// pipeline. Status mirrors the owning batch but is persisted per order so
// reporting can read it independently.
type PurchaseOrder struct {
	ID          uuid.UUID
	SupplierID  uuid.UUID
	BatchID     *uuid.UUID
	OrderNumber string
	ActionType  string
	DueDate     *time.Time
	Quantity    int
	UnitCost    decimal.Decimal
	Total       decimal.Decimal
	Status      string
	CreatedAt   time.Time
	UpdatedAt   time.Time
}

// Summary is the condensed per-order view handed to the calling agent.
type Summary struct {
	OrderNumber string
	ActionType  string
	DueDate     *time.Time
	Quantity    int
	Total       decimal.Decimal
}
