package supplier

import (
	"time"

	"github.com/google/uuid"
)

// Supplier captures the contact data the call pipeline needs. Read-only to
// the queue engine; rows are created by the upload/import flow.
type Supplier struct {
	ID          uuid.UUID
	Name        string
	ContactName string
	Phone       string
	Email       string
	Facility    string
	Active      bool
	CreatedAt   time.Time
}
