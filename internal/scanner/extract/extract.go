package extract

import (
	"context"
	"encoding/json"
	"log/slog"
	"sync"
	"time"

	"github.com/shopspring/decimal"
	"github.com/solwatch/mintwatch/internal/chain/solana/rpc"
	"github.com/solwatch/mintwatch/internal/domain/model"
	"github.com/solwatch/mintwatch/internal/metrics"
	"github.com/solwatch/mintwatch/internal/scanner/retry"
	"golang.org/x/sync/errgroup"
)

const (
	splTokenProgram = "spl-token"

	defaultWorkers     = 3
	defaultBatchDelay  = 200 * time.Millisecond
	defaultMaxAttempts = 3
	defaultDecimals    = 6
)

// TransactionSource is the subset of the RPC client the extractor needs.
type TransactionSource interface {
	GetTransaction(ctx context.Context, signature string) (*rpc.TransactionResult, error)
}

// Extractor fetches transactions by signature and emits normalized transfer
// events for the one tracked mint. A transaction that cannot be fetched or
// decoded is skipped; it never fails the batch.
type Extractor struct {
	source       TransactionSource
	sourceName   string
	trackedMint  string
	mintDecimals int
	workers      int
	batchDelay   time.Duration
	maxAttempts  int
	backoff      func(int) time.Duration
	sleepFn      func(ctx context.Context, d time.Duration) error
	logger       *slog.Logger
}

type Option func(*Extractor)

func WithWorkers(n int) Option {
	return func(e *Extractor) {
		if n > 0 {
			e.workers = n
		}
	}
}

func WithBatchDelay(d time.Duration) Option {
	return func(e *Extractor) { e.batchDelay = d }
}

// WithMintDecimals sets the fallback decimal count used when the transaction
// payload carries no explicit token amount metadata.
func WithMintDecimals(n int) Option {
	return func(e *Extractor) {
		if n >= 0 {
			e.mintDecimals = n
		}
	}
}

func WithRetryConfig(maxAttempts int, backoff func(int) time.Duration) Option {
	return func(e *Extractor) {
		if maxAttempts > 0 {
			e.maxAttempts = maxAttempts
		}
		if backoff != nil {
			e.backoff = backoff
		}
	}
}

func WithSleepFn(fn func(ctx context.Context, d time.Duration) error) Option {
	return func(e *Extractor) { e.sleepFn = fn }
}

func New(source TransactionSource, sourceName, trackedMint string, logger *slog.Logger, opts ...Option) *Extractor {
	e := &Extractor{
		source:       source,
		sourceName:   sourceName,
		trackedMint:  trackedMint,
		mintDecimals: defaultDecimals,
		workers:      defaultWorkers,
		batchDelay:   defaultBatchDelay,
		maxAttempts:  defaultMaxAttempts,
		backoff:      retry.ExponentialBackoff(300*time.Millisecond, 3*time.Second),
		logger:       logger.With("component", "extract"),
	}
	for _, opt := range opts {
		if opt != nil {
			opt(e)
		}
	}
	return e
}

// ExtractBatch fetches each signature and returns every qualifying transfer,
// preserving signature order. Per-transaction failures are counted and skipped.
func (e *Extractor) ExtractBatch(ctx context.Context, signatures []string) ([]model.TransferEvent, error) {
	if len(signatures) == 0 {
		return []model.TransferEvent{}, nil
	}

	perSig := make([][]model.TransferEvent, len(signatures))
	var mu sync.Mutex
	failed := 0

	for offset := 0; offset < len(signatures); offset += e.workers {
		if offset > 0 {
			if err := e.sleep(ctx, e.batchDelay); err != nil {
				return nil, err
			}
		}

		end := offset + e.workers
		if end > len(signatures) {
			end = len(signatures)
		}

		g, gCtx := errgroup.WithContext(ctx)
		for i := offset; i < end; i++ {
			idx := i
			sig := signatures[i]
			g.Go(func() error {
				tx, err := e.fetchTransaction(gCtx, sig)
				if err != nil {
					if gCtx.Err() != nil {
						return gCtx.Err()
					}
					mu.Lock()
					failed++
					mu.Unlock()
					metrics.TransactionsFailed.WithLabelValues(e.sourceName).Inc()
					e.logger.Warn("transaction skipped", "signature", sig, "error", err)
					return nil
				}
				metrics.TransactionsInspected.WithLabelValues(e.sourceName).Inc()
				events := e.FromTransaction(sig, tx)
				if len(events) > 0 {
					perSig[idx] = events
				}
				return nil
			})
		}
		if err := g.Wait(); err != nil {
			return nil, err
		}
	}

	out := make([]model.TransferEvent, 0, len(signatures))
	for _, events := range perSig {
		out = append(out, events...)
	}
	if failed > 0 {
		e.logger.Info("batch extracted with failures",
			"signatures", len(signatures),
			"failed", failed,
			"transfers", len(out),
		)
	}
	return out, nil
}

func (e *Extractor) fetchTransaction(ctx context.Context, signature string) (*rpc.TransactionResult, error) {
	policy := retry.Policy{
		MaxAttempts: e.maxAttempts,
		Backoff:     e.backoff,
		Sleep:       e.sleepFn,
	}
	var tx *rpc.TransactionResult
	err := policy.Do(ctx, func(ctx context.Context) error {
		var err error
		tx, err = e.source.GetTransaction(ctx, signature)
		return err
	})
	if err != nil {
		return nil, err
	}
	return tx, nil
}

// FromTransaction inspects one fetched transaction and emits a transfer event
// for every qualifying SPL token instruction. Instructions are numbered in
// deterministic traversal order (top-level first, then inner instructions in
// parent order) so re-ingestion always produces the same record keys.
func (e *Extractor) FromTransaction(signature string, tx *rpc.TransactionResult) []model.TransferEvent {
	if tx == nil {
		return nil
	}
	// Failed transactions move no tokens.
	if tx.Meta != nil && tx.Meta.Err != nil {
		return nil
	}

	var blockTime *time.Time
	if tx.BlockTime != nil {
		t := time.Unix(*tx.BlockTime, 0).UTC()
		blockTime = &t
	}

	trackedAccounts := e.trackedMintAccounts(tx)

	var events []model.TransferEvent
	index := 0
	emit := func(raw json.RawMessage) {
		if event, ok := e.matchInstruction(raw, trackedAccounts); ok {
			event.Signature = signature
			event.InstructionIndex = index
			event.Slot = tx.Slot
			event.BlockTime = blockTime
			events = append(events, event)
			metrics.TransfersEmitted.WithLabelValues(e.sourceName, string(event.Kind)).Inc()
		}
		index++
	}

	for _, raw := range tx.Transaction.Message.Instructions {
		emit(raw)
	}
	if tx.Meta != nil {
		for _, inner := range tx.Meta.InnerInstructions {
			for _, raw := range inner.Instructions {
				emit(raw)
			}
		}
	}
	return events
}

// trackedMintAccounts collects the token account addresses that hold the
// tracked mint, according to the transaction's balance snapshots. The untyped
// transfer instruction carries no mint, so membership here is what confirms it.
func (e *Extractor) trackedMintAccounts(tx *rpc.TransactionResult) map[string]int {
	accounts := make(map[string]int)
	if tx.Meta == nil {
		return accounts
	}
	keys := tx.Transaction.Message.AccountKeys
	collect := func(balances []rpc.TokenBalance) {
		for _, b := range balances {
			if b.Mint != e.trackedMint {
				continue
			}
			if b.AccountIndex < 0 || b.AccountIndex >= len(keys) {
				continue
			}
			accounts[keys[b.AccountIndex].Pubkey] = b.UITokenAmount.Decimals
		}
	}
	collect(tx.Meta.PreTokenBalances)
	collect(tx.Meta.PostTokenBalances)
	return accounts
}

func (e *Extractor) matchInstruction(raw json.RawMessage, trackedAccounts map[string]int) (model.TransferEvent, bool) {
	var inst rpc.ParsedInstruction
	if err := json.Unmarshal(raw, &inst); err != nil || inst.Parsed == nil {
		// Unparsed or foreign-program instruction; not a token transfer.
		return model.TransferEvent{}, false
	}
	if inst.Program != splTokenProgram {
		return model.TransferEvent{}, false
	}
	info := inst.Parsed.Info

	switch inst.Parsed.Type {
	case string(model.InstructionTransferChecked):
		if info.Mint != e.trackedMint {
			return model.TransferEvent{}, false
		}
		rawAmount := info.Amount
		decimals := e.mintDecimals
		if info.TokenAmount != nil {
			rawAmount = info.TokenAmount.Amount
			decimals = info.TokenAmount.Decimals
		}
		amount, ok := e.normalize(rawAmount, decimals)
		if !ok {
			return model.TransferEvent{}, false
		}
		return model.TransferEvent{
			Source:      info.Source,
			Destination: info.Destination,
			RawAmount:   rawAmount,
			Amount:      amount,
			Kind:        model.InstructionTransferChecked,
		}, true

	case string(model.InstructionTransfer):
		decimals, ok := e.confirmUntyped(info, trackedAccounts)
		if !ok {
			return model.TransferEvent{}, false
		}
		amount, ok := e.normalize(info.Amount, decimals)
		if !ok {
			return model.TransferEvent{}, false
		}
		return model.TransferEvent{
			Source:      info.Source,
			Destination: info.Destination,
			RawAmount:   info.Amount,
			Amount:      amount,
			Kind:        model.InstructionTransfer,
		}, true
	}
	return model.TransferEvent{}, false
}

// confirmUntyped decides whether an untyped transfer touches the tracked mint
// by checking either side against the balance-snapshot account set. Returns
// the decimals observed in the snapshot, or the configured default.
func (e *Extractor) confirmUntyped(info rpc.InstructionInfo, trackedAccounts map[string]int) (int, bool) {
	if d, ok := trackedAccounts[info.Source]; ok {
		return d, true
	}
	if d, ok := trackedAccounts[info.Destination]; ok {
		return d, true
	}
	return 0, false
}

// normalize converts a raw base-unit amount string into a decimal scaled by
// 10^-decimals, with no float in the path.
func (e *Extractor) normalize(rawAmount string, decimals int) (decimal.Decimal, bool) {
	if rawAmount == "" {
		return decimal.Decimal{}, false
	}
	d, err := decimal.NewFromString(rawAmount)
	if err != nil {
		e.logger.Warn("unparseable amount", "raw_amount", rawAmount, "error", err)
		return decimal.Decimal{}, false
	}
	if decimals < 0 {
		decimals = e.mintDecimals
	}
	return d.Shift(int32(-decimals)), true
}

func (e *Extractor) sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return nil
	}
	if e.sleepFn != nil {
		return e.sleepFn(ctx, d)
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-timer.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
