package model

import (
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// InstructionKind identifies which SPL token instruction variant produced
// a transfer event.
type InstructionKind string

const (
	// InstructionTransferChecked carries an explicit mint and decimals.
	InstructionTransferChecked InstructionKind = "transferChecked"
	// InstructionTransfer is the untyped variant; the tracked mint is
	// confirmed via the transaction's token balance snapshots.
	InstructionTransfer InstructionKind = "transfer"
)

const TransferStatusConfirmed = "confirmed"

// TransferEvent is the transient, normalized form of one qualifying
// token-transfer instruction. It is discarded once upserted into storage.
type TransferEvent struct {
	Signature        string          `json:"signature"`
	InstructionIndex int             `json:"instructionIndex"`
	Slot             int64           `json:"slot"`
	BlockTime        *time.Time      `json:"blockTime,omitempty"`
	Source           string          `json:"source"`
	Destination      string          `json:"destination"`
	RawAmount        string          `json:"rawAmount"`
	Amount           decimal.Decimal `json:"amount"`
	Kind             InstructionKind `json:"kind"`
}

// TransferRecord is the durable projection of a TransferEvent. Records are
// keyed by (signature, instruction_index); all writes are upserts so repeated
// ingestion of the same instruction is a no-op beyond metadata refresh.
// RiskScore, Labels and Hints are owned by the downstream enrichment step and
// default to empty on first insert.
type TransferRecord struct {
	ID               uuid.UUID       `db:"id" json:"id"`
	Signature        string          `db:"signature" json:"signature"`
	InstructionIndex int             `db:"instruction_index" json:"instructionIndex"`
	Slot             int64           `db:"slot" json:"slot"`
	BlockTime        *time.Time      `db:"block_time" json:"blockTime,omitempty"`
	Source           string          `db:"source_address" json:"source"`
	Destination      string          `db:"destination_address" json:"destination"`
	RawAmount        string          `db:"raw_amount" json:"rawAmount"`
	Amount           decimal.Decimal `db:"amount" json:"amount"`
	Status           string          `db:"status" json:"status"`
	RiskScore        int             `db:"risk_score" json:"riskScore"`
	Labels           []string        `db:"labels" json:"labels,omitempty"`
	Hints            []byte          `db:"hints" json:"hints,omitempty"`
	CreatedAt        time.Time       `db:"created_at" json:"createdAt"`
	UpdatedAt        time.Time       `db:"updated_at" json:"updatedAt"`
}

// Record converts a TransferEvent into its durable projection.
func (e TransferEvent) Record() *TransferRecord {
	return &TransferRecord{
		Signature:        e.Signature,
		InstructionIndex: e.InstructionIndex,
		Slot:             e.Slot,
		BlockTime:        e.BlockTime,
		Source:           e.Source,
		Destination:      e.Destination,
		RawAmount:        e.RawAmount,
		Amount:           e.Amount,
		Status:           TransferStatusConfirmed,
	}
}
