package blockscan

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/solwatch/mintwatch/internal/chain/solana/rpc"
	"github.com/solwatch/mintwatch/internal/metrics"
	"github.com/solwatch/mintwatch/internal/scanner/retry"
	"golang.org/x/sync/errgroup"
)

const (
	defaultWorkers      = 3
	defaultBatchDelay   = 200 * time.Millisecond
	defaultMaxAttempts  = 3 // 1 call + 2 retries
	defaultFallbackTail = 25
)

// SignatureSource is the subset of the RPC client the scanner needs.
type SignatureSource interface {
	GetBlocks(ctx context.Context, startSlot, endSlot int64) ([]int64, error)
	GetBlockSignatures(ctx context.Context, slot int64) (*rpc.BlockSignatures, error)
}

// SlotSignatures is one slot's retrieved signature list.
type SlotSignatures struct {
	Slot       int64
	BlockTime  *int64
	Signatures []string
}

// Stats summarizes one window scan.
type Stats struct {
	SlotsScanned int
	SlotsSkipped int
	Retries      int
}

// Scanner retrieves signature lists for a slot window under bounded
// concurrency. Failures are contained per slot: a slot that exhausts its
// retries is skipped, never aborting the window.
type Scanner struct {
	source       SignatureSource
	sourceName   string
	workers      int
	batchDelay   time.Duration
	maxAttempts  int
	backoff      func(int) time.Duration
	fallbackTail int64
	sleepFn      func(ctx context.Context, d time.Duration) error
	logger       *slog.Logger
}

type Option func(*Scanner)

// WithWorkers sets the worker pool size. The pool stays small (2-3) on
// purpose: a public node rate-limits long before the process saturates.
func WithWorkers(n int) Option {
	return func(s *Scanner) {
		if n > 0 {
			s.workers = n
		}
	}
}

func WithBatchDelay(d time.Duration) Option {
	return func(s *Scanner) { s.batchDelay = d }
}

func WithRetryConfig(maxAttempts int, backoff func(int) time.Duration) Option {
	return func(s *Scanner) {
		if maxAttempts > 0 {
			s.maxAttempts = maxAttempts
		}
		if backoff != nil {
			s.backoff = backoff
		}
	}
}

// WithSleepFn injects the inter-batch sleep, for tests.
func WithSleepFn(fn func(ctx context.Context, d time.Duration) error) Option {
	return func(s *Scanner) { s.sleepFn = fn }
}

func New(source SignatureSource, sourceName string, logger *slog.Logger, opts ...Option) *Scanner {
	s := &Scanner{
		source:       source,
		sourceName:   sourceName,
		workers:      defaultWorkers,
		batchDelay:   defaultBatchDelay,
		maxAttempts:  defaultMaxAttempts,
		backoff:      retry.ExponentialBackoff(300*time.Millisecond, 3*time.Second),
		fallbackTail: defaultFallbackTail,
		logger:       logger.With("component", "blockscan"),
	}
	for _, opt := range opts {
		if opt != nil {
			opt(s)
		}
	}
	return s
}

// Scan retrieves the signature lists for every retrievable slot in
// [startSlot, endSlot], ordered by slot. It fails only when no candidate
// slots can be enumerated at all.
func (s *Scanner) Scan(ctx context.Context, startSlot, endSlot int64) ([]SlotSignatures, Stats, error) {
	slots, err := s.listSlots(ctx, startSlot, endSlot)
	if err != nil {
		return nil, Stats{}, err
	}
	if len(slots) == 0 {
		return []SlotSignatures{}, Stats{}, nil
	}

	var stats Stats
	var statsMu sync.Mutex
	results := make([]*SlotSignatures, len(slots))

	// Fixed-size batches with a short pause between them keep the call
	// rate under the provider's limit.
	for offset := 0; offset < len(slots); offset += s.workers {
		if offset > 0 {
			if err := s.sleep(ctx, s.batchDelay); err != nil {
				return nil, stats, err
			}
		}

		end := offset + s.workers
		if end > len(slots) {
			end = len(slots)
		}

		g, gCtx := errgroup.WithContext(ctx)
		for i := offset; i < end; i++ {
			idx := i
			slot := slots[i]
			g.Go(func() error {
				block, retries, err := s.fetchSlot(gCtx, slot)
				statsMu.Lock()
				stats.Retries += retries
				if err != nil || block == nil {
					stats.SlotsSkipped++
				} else {
					stats.SlotsScanned++
				}
				statsMu.Unlock()
				if err != nil {
					if gCtx.Err() != nil {
						return gCtx.Err()
					}
					return nil
				}
				if block != nil {
					results[idx] = &SlotSignatures{
						Slot:       slot,
						BlockTime:  block.BlockTime,
						Signatures: block.Signatures,
					}
				}
				return nil
			})
		}
		if err := g.Wait(); err != nil {
			return nil, stats, err
		}
	}

	out := make([]SlotSignatures, 0, len(slots))
	for _, r := range results {
		if r != nil {
			out = append(out, *r)
		}
	}

	s.logger.Info("window scanned",
		"start_slot", startSlot,
		"end_slot", endSlot,
		"candidates", len(slots),
		"scanned", stats.SlotsScanned,
		"skipped", stats.SlotsSkipped,
		"retries", stats.Retries,
	)
	return out, stats, nil
}

// listSlots enumerates candidate slots for the window. Providers reject wide
// getBlocks ranges backed by long-term storage; the documented fallback is a
// fixed-size tail of the most recent slots in the window.
func (s *Scanner) listSlots(ctx context.Context, startSlot, endSlot int64) ([]int64, error) {
	policy := retry.Policy{
		MaxAttempts: s.maxAttempts,
		Backoff:     s.backoff,
		Sleep:       s.sleepFn,
	}

	var slots []int64
	err := policy.Do(ctx, func(ctx context.Context) error {
		var err error
		slots, err = s.source.GetBlocks(ctx, startSlot, endSlot)
		return err
	})
	if err == nil {
		return slots, nil
	}
	if ctx.Err() != nil {
		return nil, ctx.Err()
	}

	s.logger.Warn("slot range enumeration failed, falling back to recent tail",
		"start_slot", startSlot,
		"end_slot", endSlot,
		"error", err,
	)

	tailStart := endSlot - s.fallbackTail + 1
	if tailStart < startSlot {
		tailStart = startSlot
	}
	tail := make([]int64, 0, endSlot-tailStart+1)
	for slot := tailStart; slot <= endSlot; slot++ {
		tail = append(tail, slot)
	}
	if len(tail) == 0 {
		return nil, fmt.Errorf("no candidate slots in [%d, %d]: %w", startSlot, endSlot, err)
	}
	return tail, nil
}

// fetchSlot retrieves one slot's signature list, retrying transient failures.
// Oversized payloads and missing blocks are skipped immediately: retrying
// cannot shrink a response, and a skipped slot never materializes.
func (s *Scanner) fetchSlot(ctx context.Context, slot int64) (*rpc.BlockSignatures, int, error) {
	retries := 0
	policy := retry.Policy{
		MaxAttempts: s.maxAttempts,
		Backoff:     s.backoff,
		Sleep:       s.sleepFn,
		OnRetry: func(attempt int, err error) {
			retries++
			metrics.SlotRetries.WithLabelValues(s.sourceName).Inc()
		},
	}

	var block *rpc.BlockSignatures
	err := policy.Do(ctx, func(ctx context.Context) error {
		var err error
		block, err = s.source.GetBlockSignatures(ctx, slot)
		return err
	})
	if err == nil {
		metrics.SlotsScanned.WithLabelValues(s.sourceName).Inc()
		return block, retries, nil
	}
	if ctx.Err() != nil {
		return nil, retries, ctx.Err()
	}

	d := retry.Classify(err)
	reason := d.Reason
	metrics.SlotsSkipped.WithLabelValues(s.sourceName, reason).Inc()
	if d.IsSkip() && reason == "not_found" {
		// Skipped slot; normal on this chain, not worth logging.
		return nil, retries, err
	}
	s.logger.Warn("slot skipped",
		"slot", slot,
		"reason", reason,
		"retries", retries,
		"error", err,
	)
	return nil, retries, err
}

func (s *Scanner) sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return nil
	}
	if s.sleepFn != nil {
		return s.sleepFn(ctx, d)
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
