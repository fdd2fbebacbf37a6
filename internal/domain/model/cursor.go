package model

import (
	"time"

	"github.com/google/uuid"
)

// IngestionCursor is the durable bookmark recording how far ingestion has
// progressed for a named source. LastSlot is monotonically non-decreasing
// across successful scan cycles; it is advanced only after the corresponding
// window's records have been durably written.
type IngestionCursor struct {
	ID            uuid.UUID  `db:"id"`
	Source        string     `db:"source"`
	LastSlot      int64      `db:"last_slot"`
	LastSignature *string    `db:"last_signature"`
	LastRunAt     *time.Time `db:"last_run_at"`
	Active        bool       `db:"active"`
	CreatedAt     time.Time  `db:"created_at"`
	UpdatedAt     time.Time  `db:"updated_at"`
}
