package locator

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/solwatch/mintwatch/internal/cache"
	"github.com/solwatch/mintwatch/internal/scanner/retry"
)

const (
	initialBracket = 64
	// backProbeLimit bounds how far the search walks back from a skipped
	// slot before treating the whole region as after-target.
	backProbeLimit = 8

	defaultCacheSize = 4096
	defaultCacheTTL  = 10 * time.Minute
)

// BlockTimeSource provides a slot's wall-clock timestamp, nil for slots the
// chain skipped or the node no longer holds.
type BlockTimeSource interface {
	GetBlockTime(ctx context.Context, slot int64) (*int64, error)
}

// Locator maps a target timestamp to the highest slot whose block time is at
// or before it. The chain has no direct index for this mapping, so the
// locator brackets the target by widening downward from a known upper bound,
// then binary-searches the bracket. Correctness rests on block time being
// non-decreasing in slot number.
type Locator struct {
	source BlockTimeSource
	policy retry.Policy
	probes *cache.LRU[int64, *int64]
	logger *slog.Logger
}

type Option func(*Locator)

// WithRetryPolicy overrides the per-probe retry policy.
func WithRetryPolicy(p retry.Policy) Option {
	return func(l *Locator) { l.policy = p }
}

func New(source BlockTimeSource, logger *slog.Logger, opts ...Option) *Locator {
	l := &Locator{
		source: source,
		policy: retry.Policy{
			MaxAttempts: 3,
			Backoff:     retry.ExponentialBackoff(200*time.Millisecond, 2*time.Second),
		},
		probes: cache.NewLRU[int64, *int64](defaultCacheSize, defaultCacheTTL),
		logger: logger.With("component", "locator"),
	}
	for _, opt := range opts {
		if opt != nil {
			opt(l)
		}
	}
	return l
}

// SlotAtTime returns the highest slot with a non-null block time ≤ target,
// searching at or below the upper bound hi. The result is clamped to ≥ 1.
func (l *Locator) SlotAtTime(ctx context.Context, target time.Time, hi int64) (int64, error) {
	if hi < 1 {
		return 0, fmt.Errorf("upper bound slot %d out of range", hi)
	}
	targetUnix := target.Unix()

	// The head usually postdates the target; when it does not, the head
	// itself is the answer.
	headTime, err := l.blockTime(ctx, hi)
	if err != nil {
		return 0, err
	}
	if headTime != nil && *headTime <= targetUnix {
		return hi, nil
	}

	// Widen the bracket downward with exponentially growing steps until a
	// probed slot's time is at or before the target, or the genesis slot
	// is reached.
	step := int64(initialBracket)
	lo := hi - step
	for lo > 1 {
		slot, t, err := l.probeBack(ctx, lo, 1)
		if err != nil {
			return 0, err
		}
		if slot > 0 && t != nil && *t <= targetUnix {
			break
		}
		step *= 2
		lo -= step
	}
	if lo < 1 {
		lo = 1
	}

	// Standard monotonic-predicate binary search, adapted to sparse slots:
	// a skipped midpoint is resolved by bounded backward probing; when the
	// whole probe window is null, the region counts as after-target.
	var best int64
	searchLo, searchHi := lo, hi
	for searchLo <= searchHi {
		mid := searchLo + (searchHi-searchLo)/2
		slot, t, err := l.probeBack(ctx, mid, searchLo)
		if err != nil {
			return 0, err
		}
		if slot == 0 || t == nil {
			// No usable slot within the probe window; everything in
			// [mid-backProbeLimit, mid] is skipped.
			searchHi = mid - backProbeLimit - 1
			continue
		}
		if *t <= targetUnix {
			if slot > best {
				best = slot
			}
			searchLo = mid + 1
		} else {
			searchHi = slot - 1
		}
	}

	if best < 1 {
		best = 1
	}
	l.logger.Debug("slot located",
		"target", target.UTC().Format(time.RFC3339),
		"upper_bound", hi,
		"slot", best,
	)
	return best, nil
}

// probeBack walks downward from slot looking for a non-null block time,
// bounded by backProbeLimit and by floor. Returns (0, nil, nil) when every
// probed slot is null.
func (l *Locator) probeBack(ctx context.Context, slot, floor int64) (int64, *int64, error) {
	for i := int64(0); i <= backProbeLimit; i++ {
		s := slot - i
		if s < floor {
			break
		}
		t, err := l.blockTime(ctx, s)
		if err != nil {
			return 0, nil, err
		}
		if t != nil {
			return s, t, nil
		}
	}
	return 0, nil, nil
}

// blockTime is a cached, retrying block-time probe. Null results are cached
// too: a skipped slot stays skipped.
func (l *Locator) blockTime(ctx context.Context, slot int64) (*int64, error) {
	if t, ok := l.probes.Get(slot); ok {
		return t, nil
	}

	var t *int64
	err := l.policy.Do(ctx, func(ctx context.Context) error {
		var err error
		t, err = l.source.GetBlockTime(ctx, slot)
		return err
	})
	if err != nil {
		d := retry.Classify(err)
		if d.IsSkip() {
			// Treat unqueryable slots like skipped ones.
			l.probes.Put(slot, nil)
			return nil, nil
		}
		return nil, fmt.Errorf("probe slot %d: %w", slot, err)
	}

	l.probes.Put(slot, t)
	return t, nil
}
