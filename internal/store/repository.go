package store

import (
	"context"
	"database/sql"
	"time"

	"github.com/solwatch/mintwatch/internal/domain/model"
)

// TxBeginner abstracts the ability to begin a database transaction.
type TxBeginner interface {
	BeginTx(ctx context.Context, opts *sql.TxOptions) (*sql.Tx, error)
}

// CursorRepository provides access to per-source ingestion cursors.
type CursorRepository interface {
	Get(ctx context.Context, source string) (*model.IngestionCursor, error)
	EnsureExists(ctx context.Context, source string) error
	// UpsertTx advances the cursor inside the caller's transaction. The
	// stored lastSlot never decreases.
	UpsertTx(ctx context.Context, tx *sql.Tx, source string, lastSlot int64, lastSignature *string) error
}

// TransferRepository provides access to normalized transfer records.
type TransferRepository interface {
	// UpsertTx writes one record, reporting whether it was a first insert.
	UpsertTx(ctx context.Context, tx *sql.Tx, record *model.TransferRecord) (bool, error)
	// BulkUpsertTx writes a batch inside one transaction and returns the
	// number of first inserts.
	BulkUpsertTx(ctx context.Context, tx *sql.Tx, records []*model.TransferRecord) (int, error)
	// Recent returns up to limit records with block_time at or after since,
	// newest first.
	Recent(ctx context.Context, limit int, since time.Time) ([]model.TransferRecord, error)
}
