package scheduler

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"sort"
	"time"

	"github.com/solwatch/mintwatch/internal/alert"
	"github.com/solwatch/mintwatch/internal/circuitbreaker"
	"github.com/solwatch/mintwatch/internal/domain/model"
	"github.com/solwatch/mintwatch/internal/metrics"
	"github.com/solwatch/mintwatch/internal/scanner/blockscan"
	"github.com/solwatch/mintwatch/internal/scanner/dedup"
	"github.com/solwatch/mintwatch/internal/store"
	"github.com/solwatch/mintwatch/internal/tracing"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
)

const (
	defaultInterval       = 60 * time.Second
	defaultLookback       = 5 * time.Minute
	alertFailureThreshold = 3
	cursorStallThreshold  = 5

	defaultRecentLimit = 50
	maxRecentLimit     = 500
)

// SlotSource reports the current head slot.
type SlotSource interface {
	GetSlot(ctx context.Context) (int64, error)
}

// SlotLocator maps a wall-clock time to the first slot at or after it.
type SlotLocator interface {
	SlotAtTime(ctx context.Context, target time.Time, hi int64) (int64, error)
}

// WindowScanner retrieves signature lists for a slot window.
type WindowScanner interface {
	Scan(ctx context.Context, startSlot, endSlot int64) ([]blockscan.SlotSignatures, blockscan.Stats, error)
}

// BatchExtractor turns signatures into normalized transfer events.
type BatchExtractor interface {
	ExtractBatch(ctx context.Context, signatures []string) ([]model.TransferEvent, error)
}

// TransferPublisher forwards committed transfers to the enrichment consumer.
type TransferPublisher interface {
	PublishTransfer(ctx context.Context, event model.TransferEvent) error
}

// Scheduler drives the scan loop: one cycle at a time, first cycle
// immediately, then on a fixed interval until the context is cancelled.
// It is the single writer of the ingestion cursor.
type Scheduler struct {
	sourceName string
	interval   time.Duration
	lookback   time.Duration

	slots     SlotSource
	locator   SlotLocator
	scanner   WindowScanner
	extractor BatchExtractor
	guard     *dedup.Guard

	db        store.TxBeginner
	cursors   store.CursorRepository
	transfers store.TransferRepository
	publisher TransferPublisher

	breaker *circuitbreaker.Breaker
	alerter alert.Alerter
	tracer  trace.Tracer
	logger  *slog.Logger
	nowFn   func() time.Time

	consecutiveFailures int
	lastHead            int64
	stalledCycles       int
}

type Deps struct {
	Slots     SlotSource
	Locator   SlotLocator
	Scanner   WindowScanner
	Extractor BatchExtractor
	Guard     *dedup.Guard
	DB        store.TxBeginner
	Cursors   store.CursorRepository
	Transfers store.TransferRepository
	Publisher TransferPublisher
	Breaker   *circuitbreaker.Breaker
	Alerter   alert.Alerter
}

type Option func(*Scheduler)

func WithInterval(d time.Duration) Option {
	return func(s *Scheduler) {
		if d > 0 {
			s.interval = d
		}
	}
}

func WithLookback(d time.Duration) Option {
	return func(s *Scheduler) {
		if d > 0 {
			s.lookback = d
		}
	}
}

// WithNowFn injects the clock, for tests.
func WithNowFn(fn func() time.Time) Option {
	return func(s *Scheduler) { s.nowFn = fn }
}

func New(sourceName string, deps Deps, logger *slog.Logger, opts ...Option) *Scheduler {
	s := &Scheduler{
		sourceName: sourceName,
		interval:   defaultInterval,
		lookback:   defaultLookback,
		slots:      deps.Slots,
		locator:    deps.Locator,
		scanner:    deps.Scanner,
		extractor:  deps.Extractor,
		guard:      deps.Guard,
		db:         deps.DB,
		cursors:    deps.Cursors,
		transfers:  deps.Transfers,
		publisher:  deps.Publisher,
		breaker:    deps.Breaker,
		alerter:    deps.Alerter,
		tracer:     tracing.Tracer("scheduler"),
		logger:     logger.With("component", "scheduler", "source", sourceName),
		nowFn:      time.Now,
	}
	if s.alerter == nil {
		s.alerter = &alert.NoopAlerter{}
	}
	for _, opt := range opts {
		if opt != nil {
			opt(s)
		}
	}
	return s
}

// Run executes the first cycle immediately, then one cycle per interval.
// Cycles never overlap: the loop body blocks until the cycle finishes, and
// ticker fires that land mid-cycle coalesce. Run returns when ctx is
// cancelled.
func (s *Scheduler) Run(ctx context.Context) error {
	if err := s.cursors.EnsureExists(ctx, s.sourceName); err != nil {
		return fmt.Errorf("ensure cursor: %w", err)
	}

	s.logger.Info("scheduler starting", "interval", s.interval.String(), "lookback", s.lookback.String())

	s.cycle(ctx)

	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			s.logger.Info("scheduler stopping")
			return ctx.Err()
		case <-ticker.C:
			s.cycle(ctx)
		}
	}
}

// cycle runs one scan pass. Failures are absorbed here: the loop keeps its
// cadence, the breaker and alerter handle escalation.
func (s *Scheduler) cycle(ctx context.Context) {
	if ctx.Err() != nil {
		return
	}

	if s.breaker != nil {
		metrics.CircuitBreakerState.WithLabelValues(s.sourceName).Set(float64(s.breaker.CurrentState()))
		if err := s.breaker.Allow(); err != nil {
			s.logger.Warn("cycle skipped, circuit open")
			metrics.ScanCyclesTotal.WithLabelValues(s.sourceName, "breaker_open").Inc()
			s.alerter.Send(ctx, alert.Alert{
				Type:    alert.AlertTypeCircuitOpen,
				Source:  s.sourceName,
				Title:   "scan cycle skipped",
				Message: "RPC circuit breaker is open",
			})
			return
		}
	}

	ctx, span := s.tracer.Start(ctx, "scheduler.cycle",
		trace.WithAttributes(attribute.String("source", s.sourceName)))
	defer span.End()

	start := s.nowFn()
	err := s.runCycle(ctx)
	metrics.ScanCycleDuration.WithLabelValues(s.sourceName).Observe(s.nowFn().Sub(start).Seconds())

	if err != nil {
		if ctx.Err() != nil {
			return
		}
		span.RecordError(err)
		if s.breaker != nil {
			s.breaker.RecordFailure()
		}
		s.consecutiveFailures++
		metrics.ScanCyclesTotal.WithLabelValues(s.sourceName, "error").Inc()
		s.logger.Error("cycle failed", "error", err, "consecutive_failures", s.consecutiveFailures)
		if s.consecutiveFailures >= alertFailureThreshold {
			s.alerter.Send(ctx, alert.Alert{
				Type:    alert.AlertTypeCycleFailed,
				Source:  s.sourceName,
				Title:   "scan cycles failing",
				Message: err.Error(),
				Fields: map[string]string{
					"consecutive_failures": fmt.Sprintf("%d", s.consecutiveFailures),
				},
			})
		}
		return
	}

	if s.breaker != nil {
		s.breaker.RecordSuccess()
	}
	if s.consecutiveFailures >= alertFailureThreshold {
		s.alerter.Send(ctx, alert.Alert{
			Type:    alert.AlertTypeRecovery,
			Source:  s.sourceName,
			Title:   "scan cycles recovered",
			Message: fmt.Sprintf("recovered after %d failed cycles", s.consecutiveFailures),
		})
	}
	s.consecutiveFailures = 0
	metrics.ScanCyclesTotal.WithLabelValues(s.sourceName, "ok").Inc()
}

func (s *Scheduler) runCycle(ctx context.Context) error {
	head, err := s.slots.GetSlot(ctx)
	if err != nil {
		return fmt.Errorf("get head slot: %w", err)
	}

	s.noteHead(ctx, head)

	startSlot, err := s.windowStart(ctx, head)
	if err != nil {
		return err
	}
	if startSlot > head {
		s.logger.Debug("nothing to scan", "start_slot", startSlot, "head", head)
		return nil
	}

	slots, stats, err := s.scanner.Scan(ctx, startSlot, head)
	if err != nil {
		return fmt.Errorf("scan window [%d, %d]: %w", startSlot, head, err)
	}

	signatures := s.collectSignatures(slots)

	events, err := s.extractor.ExtractBatch(ctx, signatures)
	if err != nil {
		return fmt.Errorf("extract %d signatures: %w", len(signatures), err)
	}

	inserted, err := s.persist(ctx, events, head)
	if err != nil {
		return err
	}

	// Only a committed batch may update the guard; marking earlier could
	// suppress a signature whose write never landed.
	for _, e := range events {
		s.guard.Mark(e.Signature)
	}
	metrics.CursorSlot.WithLabelValues(s.sourceName).Set(float64(head))

	s.publish(ctx, events)

	s.logger.Info("cycle completed",
		"start_slot", startSlot,
		"head", head,
		"slots_scanned", stats.SlotsScanned,
		"slots_skipped", stats.SlotsSkipped,
		"signatures", len(signatures),
		"transfers", len(events),
		"inserted", inserted,
	)
	return nil
}

// noteHead tracks whether the upstream node is producing new slots. A head
// that stays put across several cycles means the cursor cannot advance no
// matter how healthy the cycles look, which is worth paging about.
func (s *Scheduler) noteHead(ctx context.Context, head int64) {
	if head > s.lastHead {
		s.lastHead = head
		s.stalledCycles = 0
		return
	}
	s.stalledCycles++
	if s.stalledCycles >= cursorStallThreshold {
		s.logger.Warn("head slot stalled", "head", head, "stalled_cycles", s.stalledCycles)
		s.alerter.Send(ctx, alert.Alert{
			Type:    alert.AlertTypeCursorStalled,
			Source:  s.sourceName,
			Title:   "ingestion cursor stalled",
			Message: fmt.Sprintf("head slot %d unchanged for %d cycles", head, s.stalledCycles),
		})
	}
}

// windowStart picks the first slot of this cycle's window: just past the
// cursor when one exists, otherwise (or when the cursor has fallen behind
// the lookback horizon) the slot located at now-lookback.
func (s *Scheduler) windowStart(ctx context.Context, head int64) (int64, error) {
	horizon := s.nowFn().Add(-s.lookback)

	cursor, err := s.cursors.Get(ctx, s.sourceName)
	if err != nil {
		return 0, fmt.Errorf("load cursor: %w", err)
	}

	floorSlot, err := s.locator.SlotAtTime(ctx, horizon, head)
	if err != nil {
		return 0, fmt.Errorf("locate slot at %s: %w", horizon.UTC().Format(time.RFC3339), err)
	}

	if cursor != nil && cursor.LastSlot > 0 {
		next := cursor.LastSlot + 1
		if next >= floorSlot {
			return next, nil
		}
		s.logger.Warn("cursor behind lookback horizon, clamping",
			"cursor_slot", cursor.LastSlot,
			"floor_slot", floorSlot,
		)
	}
	return floorSlot, nil
}

func (s *Scheduler) collectSignatures(slots []blockscan.SlotSignatures) []string {
	var out []string
	for _, slot := range slots {
		for _, sig := range slot.Signatures {
			if s.guard.Seen(sig) {
				continue
			}
			out = append(out, sig)
		}
	}
	return out
}

// persist writes the batch and the cursor in one transaction, so the cursor
// never points past work that did not commit.
func (s *Scheduler) persist(ctx context.Context, events []model.TransferEvent, head int64) (int, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback()

	inserted := 0
	if len(events) > 0 {
		records := make([]*model.TransferRecord, len(events))
		for i, e := range events {
			records[i] = e.Record()
		}
		inserted, err = s.transfers.BulkUpsertTx(ctx, tx, records)
		if err != nil {
			return 0, fmt.Errorf("upsert %d transfers: %w", len(records), err)
		}
		metrics.TransfersUpserted.WithLabelValues(s.sourceName).Add(float64(inserted))
	}

	lastSignature := s.lastSignature(events)
	if err := s.cursors.UpsertTx(ctx, tx, s.sourceName, head, lastSignature); err != nil {
		return 0, fmt.Errorf("advance cursor: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return 0, fmt.Errorf("commit: %w", err)
	}
	return inserted, nil
}

func (s *Scheduler) lastSignature(events []model.TransferEvent) *string {
	var best *model.TransferEvent
	for i := range events {
		e := &events[i]
		if best == nil || e.Slot > best.Slot {
			best = e
		}
	}
	if best == nil {
		return nil
	}
	sig := best.Signature
	return &sig
}

// publish forwards committed events to the enrichment stream. Best-effort:
// the durable record is already written, so a publish failure only logs.
func (s *Scheduler) publish(ctx context.Context, events []model.TransferEvent) {
	if s.publisher == nil {
		return
	}
	for _, e := range events {
		if err := s.publisher.PublishTransfer(ctx, e); err != nil {
			s.logger.Warn("stream publish failed",
				"signature", e.Signature,
				"instruction_index", e.InstructionIndex,
				"error", err,
			)
		}
	}
}

// FetchRecent serves the live query path: a fresh scan of the lookback
// window, newest first, up to limit events. It never touches the dedup
// guard, the sink or the cursor, and any failure degrades to an empty
// result so an interactive caller never breaks on an RPC hiccup.
func (s *Scheduler) FetchRecent(ctx context.Context, limit int, lookback time.Duration) []model.TransferEvent {
	if limit <= 0 {
		limit = defaultRecentLimit
	}
	if limit > maxRecentLimit {
		limit = maxRecentLimit
	}
	if lookback <= 0 {
		lookback = s.lookback
	}

	head, err := s.slots.GetSlot(ctx)
	if err != nil {
		s.logger.Warn("live query: head fetch failed", "error", err)
		return []model.TransferEvent{}
	}

	startSlot, err := s.locator.SlotAtTime(ctx, s.nowFn().Add(-lookback), head)
	if err != nil {
		s.logger.Warn("live query: slot locate failed", "error", err)
		return []model.TransferEvent{}
	}
	if startSlot > head {
		return []model.TransferEvent{}
	}

	slots, _, err := s.scanner.Scan(ctx, startSlot, head)
	if err != nil {
		s.logger.Warn("live query: window scan failed", "error", err)
		return []model.TransferEvent{}
	}

	var signatures []string
	for _, slot := range slots {
		signatures = append(signatures, slot.Signatures...)
	}

	events, err := s.extractor.ExtractBatch(ctx, signatures)
	if err != nil {
		s.logger.Warn("live query: extract failed", "error", err)
		return []model.TransferEvent{}
	}

	sort.SliceStable(events, func(i, j int) bool { return events[i].Slot > events[j].Slot })
	if len(events) > limit {
		events = events[:limit]
	}
	if events == nil {
		events = []model.TransferEvent{}
	}
	return events
}

var _ store.TxBeginner = (*sql.DB)(nil)
