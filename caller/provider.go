package caller

import (
	"context"
	"time"

	"github.com/google/uuid"
)

// OrderLine is one purchase order condensed for the call script.
type OrderLine struct {
	OrderNumber string     `json:"orderNumber"`
	ActionType  string     `json:"actionType"`
	DueDate     *time.Time `json:"dueDate,omitempty"`
	Quantity    int        `json:"quantity"`
	Total       string     `json:"total"`
}

// Request carries everything the calling agent needs to contact a supplier
// about one batch.
type Request struct {
	BatchID      uuid.UUID   `json:"batchId"`
	SupplierID   uuid.UUID   `json:"supplierId"`
	SupplierName string      `json:"supplierName"`
	ContactName  string      `json:"contactName,omitempty"`
	Phone        string      `json:"phone"`
	ActionTypes  []string    `json:"actionTypes"`
	TotalValue   string      `json:"totalValue"`
	Orders       []OrderLine `json:"orders"`
}

// Started is the provider's acknowledgement of an accepted call.
type Started struct {
	ExternalID string
}

// Provider starts a call for a batch. The outcome arrives asynchronously via
// the provider's webhook, correlated by the run the dispatcher recorded.
type Provider interface {
	StartCall(ctx context.Context, req Request) (Started, error)
}
