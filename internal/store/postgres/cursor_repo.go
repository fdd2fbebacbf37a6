package postgres

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/solwatch/mintwatch/internal/domain/model"
)

type CursorRepo struct {
	db *DB
}

func NewCursorRepo(db *DB) *CursorRepo {
	return &CursorRepo{db: db}
}

func (r *CursorRepo) Get(ctx context.Context, source string) (*model.IngestionCursor, error) {
	var c model.IngestionCursor
	err := r.db.QueryRowContext(ctx, `
		SELECT id, source, last_slot, last_signature, last_run_at, active, created_at, updated_at
		FROM ingestion_cursors
		WHERE source = $1
	`, source).Scan(
		&c.ID, &c.Source, &c.LastSlot, &c.LastSignature,
		&c.LastRunAt, &c.Active, &c.CreatedAt, &c.UpdatedAt,
	)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get cursor: %w", err)
	}
	return &c, nil
}

// UpsertTx advances the cursor inside the caller's transaction. GREATEST
// keeps last_slot monotonic even if a caller hands in a stale slot.
func (r *CursorRepo) UpsertTx(ctx context.Context, tx *sql.Tx, source string, lastSlot int64, lastSignature *string) error {
	_, err := tx.ExecContext(ctx, `
		INSERT INTO ingestion_cursors (source, last_slot, last_signature, last_run_at)
		VALUES ($1, $2, $3, now())
		ON CONFLICT (source) DO UPDATE SET
			last_slot = GREATEST(ingestion_cursors.last_slot, EXCLUDED.last_slot),
			last_signature = CASE
				WHEN EXCLUDED.last_slot >= ingestion_cursors.last_slot THEN EXCLUDED.last_signature
				ELSE ingestion_cursors.last_signature
			END,
			last_run_at = now(),
			updated_at = now()
	`, source, lastSlot, lastSignature)
	if err != nil {
		return fmt.Errorf("upsert cursor: %w", err)
	}
	return nil
}

func (r *CursorRepo) EnsureExists(ctx context.Context, source string) error {
	_, err := r.db.ExecContext(ctx, `
		INSERT INTO ingestion_cursors (source)
		VALUES ($1)
		ON CONFLICT (source) DO NOTHING
	`, source)
	if err != nil {
		return fmt.Errorf("ensure cursor exists: %w", err)
	}
	return nil
}
