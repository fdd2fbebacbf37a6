//go:build integration

package postgres_test

import (
	"context"
	"testing"
	"time"

	"github.com/lib/pq"
	"github.com/shopspring/decimal"
	"github.com/solwatch/mintwatch/internal/domain/model"
	"github.com/solwatch/mintwatch/internal/store/postgres"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func sampleRecord(signature string, index int, slot int64, blockTime time.Time) *model.TransferRecord {
	return &model.TransferRecord{
		Signature:        signature,
		InstructionIndex: index,
		Slot:             slot,
		BlockTime:        &blockTime,
		Source:           "srcTokenAcct",
		Destination:      "dstTokenAcct",
		RawAmount:        "250000000",
		Amount:           decimal.RequireFromString("250"),
		Status:           model.TransferStatusConfirmed,
	}
}

func TestTransferRepo_UpsertIsIdempotent(t *testing.T) {
	db := testDB(t)
	ctx := context.Background()
	repo := postgres.NewTransferRepo(db)

	rec := sampleRecord("sigA", 0, 150, time.Now().UTC().Truncate(time.Second))

	tx, err := db.BeginTx(ctx, nil)
	require.NoError(t, err)
	inserted, err := repo.UpsertTx(ctx, tx, rec)
	require.NoError(t, err)
	assert.True(t, inserted)
	require.NoError(t, tx.Commit())

	// Re-ingesting the same instruction must not create a second row.
	tx, err = db.BeginTx(ctx, nil)
	require.NoError(t, err)
	inserted, err = repo.UpsertTx(ctx, tx, rec)
	require.NoError(t, err)
	assert.False(t, inserted)
	require.NoError(t, tx.Commit())

	var count int
	require.NoError(t, db.QueryRowContext(ctx,
		"SELECT count(*) FROM transfers WHERE signature = $1", "sigA",
	).Scan(&count))
	assert.Equal(t, 1, count)
}

func TestTransferRepo_UpsertPreservesEnrichmentColumns(t *testing.T) {
	db := testDB(t)
	ctx := context.Background()
	repo := postgres.NewTransferRepo(db)

	rec := sampleRecord("sigB", 0, 151, time.Now().UTC().Truncate(time.Second))

	tx, err := db.BeginTx(ctx, nil)
	require.NoError(t, err)
	_, err = repo.UpsertTx(ctx, tx, rec)
	require.NoError(t, err)
	require.NoError(t, tx.Commit())

	// The enrichment consumer scores the transfer out of band.
	_, err = db.ExecContext(ctx, `
		UPDATE transfers
		SET risk_score = 87, labels = $1, hints = '{"cluster":"mixer"}'
		WHERE signature = 'sigB'
	`, pq.Array([]string{"mixer", "high-velocity"}))
	require.NoError(t, err)

	// Re-ingestion refreshes chain data but must not clobber the scores.
	tx, err = db.BeginTx(ctx, nil)
	require.NoError(t, err)
	_, err = repo.UpsertTx(ctx, tx, rec)
	require.NoError(t, err)
	require.NoError(t, tx.Commit())

	var riskScore int
	var labels []string
	require.NoError(t, db.QueryRowContext(ctx,
		"SELECT risk_score, labels FROM transfers WHERE signature = 'sigB'",
	).Scan(&riskScore, pq.Array(&labels)))
	assert.Equal(t, 87, riskScore)
	assert.Equal(t, []string{"mixer", "high-velocity"}, labels)
}

func TestTransferRepo_DistinctInstructionIndexes(t *testing.T) {
	db := testDB(t)
	ctx := context.Background()
	repo := postgres.NewTransferRepo(db)

	bt := time.Now().UTC().Truncate(time.Second)
	tx, err := db.BeginTx(ctx, nil)
	require.NoError(t, err)
	insertedCount, err := repo.BulkUpsertTx(ctx, tx, []*model.TransferRecord{
		sampleRecord("sigC", 0, 152, bt),
		sampleRecord("sigC", 2, 152, bt),
	})
	require.NoError(t, err)
	assert.Equal(t, 2, insertedCount)
	require.NoError(t, tx.Commit())

	var count int
	require.NoError(t, db.QueryRowContext(ctx,
		"SELECT count(*) FROM transfers WHERE signature = 'sigC'",
	).Scan(&count))
	assert.Equal(t, 2, count)
}

func TestTransferRepo_Recent(t *testing.T) {
	db := testDB(t)
	ctx := context.Background()
	repo := postgres.NewTransferRepo(db)

	now := time.Now().UTC().Truncate(time.Second)
	tx, err := db.BeginTx(ctx, nil)
	require.NoError(t, err)
	_, err = repo.BulkUpsertTx(ctx, tx, []*model.TransferRecord{
		sampleRecord("old", 0, 100, now.Add(-2*time.Hour)),
		sampleRecord("mid", 0, 150, now.Add(-10*time.Minute)),
		sampleRecord("new", 0, 200, now.Add(-1*time.Minute)),
	})
	require.NoError(t, err)
	require.NoError(t, tx.Commit())

	got, err := repo.Recent(ctx, 10, now.Add(-30*time.Minute))
	require.NoError(t, err)
	require.Len(t, got, 2)
	assert.Equal(t, "new", got[0].Signature)
	assert.Equal(t, "mid", got[1].Signature)

	// Limit caps the result after ordering.
	got, err = repo.Recent(ctx, 1, now.Add(-30*time.Minute))
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, "new", got[0].Signature)
}

func TestCursorRepo_MonotonicAdvance(t *testing.T) {
	db := testDB(t)
	ctx := context.Background()
	repo := postgres.NewCursorRepo(db)

	require.NoError(t, repo.EnsureExists(ctx, "solana"))

	sig1 := "sig-100"
	tx, err := db.BeginTx(ctx, nil)
	require.NoError(t, err)
	require.NoError(t, repo.UpsertTx(ctx, tx, "solana", 100, &sig1))
	require.NoError(t, tx.Commit())

	cursor, err := repo.Get(ctx, "solana")
	require.NoError(t, err)
	require.NotNil(t, cursor)
	assert.Equal(t, int64(100), cursor.LastSlot)
	require.NotNil(t, cursor.LastSignature)
	assert.Equal(t, "sig-100", *cursor.LastSignature)

	// A stale writer must not move the cursor backwards.
	sig2 := "sig-90"
	tx, err = db.BeginTx(ctx, nil)
	require.NoError(t, err)
	require.NoError(t, repo.UpsertTx(ctx, tx, "solana", 90, &sig2))
	require.NoError(t, tx.Commit())

	cursor, err = repo.Get(ctx, "solana")
	require.NoError(t, err)
	assert.Equal(t, int64(100), cursor.LastSlot)
	assert.Equal(t, "sig-100", *cursor.LastSignature)
}

func TestCursorRepo_GetMissingReturnsNil(t *testing.T) {
	db := testDB(t)
	cursor, err := postgres.NewCursorRepo(db).Get(context.Background(), "no-such-source")
	require.NoError(t, err)
	assert.Nil(t, cursor)
}
