package postgres

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/lib/pq"
	"github.com/solwatch/mintwatch/internal/domain/model"
)

type TransferRepo struct {
	db *DB
}

func NewTransferRepo(db *DB) *TransferRepo {
	return &TransferRepo{db: db}
}

// UpsertTx writes one transfer record keyed by (signature, instruction_index).
// Re-ingesting the same instruction refreshes the chain-derived columns only;
// risk_score, labels and hints belong to the enrichment consumer and are
// never overwritten here. The returned bool is true on first insert
// (xmax = 0 means the row was not updated by a conflicting write).
func (r *TransferRepo) UpsertTx(ctx context.Context, tx *sql.Tx, t *model.TransferRecord) (bool, error) {
	var inserted bool
	err := tx.QueryRowContext(ctx, `
		INSERT INTO transfers (
			signature, instruction_index, slot, block_time,
			source_address, destination_address, raw_amount, amount, status
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
		ON CONFLICT (signature, instruction_index) DO UPDATE SET
			slot = EXCLUDED.slot,
			block_time = EXCLUDED.block_time,
			source_address = EXCLUDED.source_address,
			destination_address = EXCLUDED.destination_address,
			raw_amount = EXCLUDED.raw_amount,
			amount = EXCLUDED.amount,
			status = EXCLUDED.status,
			updated_at = now()
		RETURNING (xmax = 0)
	`, t.Signature, t.InstructionIndex, t.Slot, t.BlockTime,
		t.Source, t.Destination, t.RawAmount, t.Amount, t.Status,
	).Scan(&inserted)
	if err != nil {
		return false, fmt.Errorf("upsert transfer: %w", err)
	}
	return inserted, nil
}

// BulkUpsertTx writes a batch inside the caller's transaction and returns the
// number of first inserts.
func (r *TransferRepo) BulkUpsertTx(ctx context.Context, tx *sql.Tx, records []*model.TransferRecord) (int, error) {
	insertedCount := 0
	for _, rec := range records {
		inserted, err := r.UpsertTx(ctx, tx, rec)
		if err != nil {
			return insertedCount, fmt.Errorf("bulk upsert transfer %s[%d]: %w", rec.Signature, rec.InstructionIndex, err)
		}
		if inserted {
			insertedCount++
		}
	}
	return insertedCount, nil
}

// Recent returns up to limit records with block_time at or after since,
// newest first.
func (r *TransferRepo) Recent(ctx context.Context, limit int, since time.Time) ([]model.TransferRecord, error) {
	ctx, cancel := context.WithTimeout(ctx, DefaultQueryTimeout)
	defer cancel()

	rows, err := r.db.QueryContext(ctx, `
		SELECT id, signature, instruction_index, slot, block_time,
		       source_address, destination_address, raw_amount, amount,
		       status, risk_score, labels, hints, created_at, updated_at
		FROM transfers
		WHERE block_time >= $1
		ORDER BY block_time DESC, slot DESC, instruction_index ASC
		LIMIT $2
	`, since, limit)
	if err != nil {
		return nil, fmt.Errorf("query recent transfers: %w", err)
	}
	defer rows.Close()

	var out []model.TransferRecord
	for rows.Next() {
		var t model.TransferRecord
		var hints sql.NullString
		if err := rows.Scan(
			&t.ID, &t.Signature, &t.InstructionIndex, &t.Slot, &t.BlockTime,
			&t.Source, &t.Destination, &t.RawAmount, &t.Amount,
			&t.Status, &t.RiskScore, pq.Array(&t.Labels), &hints,
			&t.CreatedAt, &t.UpdatedAt,
		); err != nil {
			return nil, fmt.Errorf("scan transfer: %w", err)
		}
		if hints.Valid {
			t.Hints = []byte(hints.String)
		}
		out = append(out, t)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate transfers: %w", err)
	}
	return out, nil
}
