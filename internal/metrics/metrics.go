package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Scanner stage counters and histograms, partitioned by ingestion source.

var (
	// Scheduler
	ScanCyclesTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "mintwatch",
		Subsystem: "scheduler",
		Name:      "cycles_total",
		Help:      "Total scan cycles by result",
	}, []string{"source", "result"})

	ScanCycleDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: "mintwatch",
		Subsystem: "scheduler",
		Name:      "cycle_duration_seconds",
		Help:      "Scan cycle processing duration",
		Buckets:   []float64{0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30, 60, 120},
	}, []string{"source"})

	CursorSlot = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: "mintwatch",
		Subsystem: "scheduler",
		Name:      "cursor_slot",
		Help:      "Last durably committed slot per source",
	}, []string{"source"})

	// Block scanner
	SlotsScanned = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "mintwatch",
		Subsystem: "blockscan",
		Name:      "slots_scanned_total",
		Help:      "Total slots with a retrieved signature list",
	}, []string{"source"})

	SlotsSkipped = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "mintwatch",
		Subsystem: "blockscan",
		Name:      "slots_skipped_total",
		Help:      "Total slots skipped after retry exhaustion or oversized payloads",
	}, []string{"source", "reason"})

	SlotRetries = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "mintwatch",
		Subsystem: "blockscan",
		Name:      "slot_retries_total",
		Help:      "Total per-slot fetch retries",
	}, []string{"source"})

	// Extractor
	TransactionsInspected = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "mintwatch",
		Subsystem: "extract",
		Name:      "transactions_inspected_total",
		Help:      "Total transactions fetched and inspected for transfers",
	}, []string{"source"})

	TransactionsFailed = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "mintwatch",
		Subsystem: "extract",
		Name:      "transactions_failed_total",
		Help:      "Total per-transaction fetch failures (skipped, not fatal)",
	}, []string{"source"})

	TransfersEmitted = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "mintwatch",
		Subsystem: "extract",
		Name:      "transfers_emitted_total",
		Help:      "Total transfer events emitted for the tracked mint",
	}, []string{"source", "kind"})

	// Dedup guard
	DedupSize = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: "mintwatch",
		Subsystem: "dedup",
		Name:      "set_size",
		Help:      "Current size of the in-process signature set",
	}, []string{"source"})

	DedupResets = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "mintwatch",
		Subsystem: "dedup",
		Name:      "resets_total",
		Help:      "Total full resets of the signature set",
	}, []string{"source"})

	DedupHits = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "mintwatch",
		Subsystem: "dedup",
		Name:      "hits_total",
		Help:      "Total signatures suppressed by the guard",
	}, []string{"source"})

	// Sink
	TransfersUpserted = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "mintwatch",
		Subsystem: "sink",
		Name:      "transfers_upserted_total",
		Help:      "Total transfer records written to storage",
	}, []string{"source"})

	StreamPublishTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "mintwatch",
		Subsystem: "sink",
		Name:      "stream_publish_total",
		Help:      "Total transfer events published to the enrichment stream",
	}, []string{"result"})

	// RPC transport
	RPCCallsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "mintwatch",
		Subsystem: "rpc",
		Name:      "calls_total",
		Help:      "Total RPC calls by method and outcome",
	}, []string{"method", "outcome"})

	RPCRateLimitWaits = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "mintwatch",
		Subsystem: "rpc",
		Name:      "rate_limit_waits_total",
		Help:      "Total RPC calls delayed by the local token bucket",
	}, []string{"source"})

	CircuitBreakerState = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: "mintwatch",
		Subsystem: "rpc",
		Name:      "circuit_breaker_state",
		Help:      "RPC circuit breaker state (0=closed, 1=open, 2=half-open)",
	}, []string{"source"})

	// Alerting
	AlertsSentTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "mintwatch",
		Subsystem: "alert",
		Name:      "sent_total",
		Help:      "Total alerts sent by channel and type",
	}, []string{"channel", "type"})

	AlertsCooldownSkipped = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "mintwatch",
		Subsystem: "alert",
		Name:      "cooldown_skipped_total",
		Help:      "Total alerts suppressed by cooldown",
	}, []string{"channel", "type"})
)
