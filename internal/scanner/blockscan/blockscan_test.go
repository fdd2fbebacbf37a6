package blockscan

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/solwatch/mintwatch/internal/chain/solana/rpc"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakeSource scripts per-slot behavior: a slot can fail a number of times
// with a given kind before succeeding, or fail permanently.
type fakeSource struct {
	mu           sync.Mutex
	slots        []int64
	blocksErr    error
	failKind     map[int64]rpc.Kind
	failCount    map[int64]int // remaining scripted failures; -1 = always
	attemptCount map[int64]int
}

func (f *fakeSource) GetBlocks(_ context.Context, startSlot, endSlot int64) ([]int64, error) {
	if f.blocksErr != nil {
		return nil, f.blocksErr
	}
	var out []int64
	for _, s := range f.slots {
		if s >= startSlot && s <= endSlot {
			out = append(out, s)
		}
	}
	return out, nil
}

func (f *fakeSource) GetBlockSignatures(_ context.Context, slot int64) (*rpc.BlockSignatures, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.attemptCount == nil {
		f.attemptCount = make(map[int64]int)
	}
	f.attemptCount[slot]++

	if kind, ok := f.failKind[slot]; ok {
		remaining := f.failCount[slot]
		if remaining != 0 {
			if remaining > 0 {
				f.failCount[slot] = remaining - 1
			}
			return nil, &rpc.Error{Kind: kind, Method: "getBlock", Err: errors.New("scripted failure")}
		}
	}
	bt := int64(1000 + slot)
	return &rpc.BlockSignatures{
		BlockTime:  &bt,
		Signatures: []string{fmt.Sprintf("sig-%d", slot)},
	}, nil
}

func noSleep(context.Context, time.Duration) error { return nil }

func newTestScanner(src *fakeSource, opts ...Option) *Scanner {
	base := []Option{
		WithSleepFn(noSleep),
		WithRetryConfig(3, func(int) time.Duration { return 0 }),
	}
	return New(src, "solana", slog.Default(), append(base, opts...)...)
}

func TestScan_AllSlotsRetrievable(t *testing.T) {
	src := &fakeSource{slots: []int64{10, 11, 12, 13, 14}}
	s := newTestScanner(src)

	got, stats, err := s.Scan(context.Background(), 10, 14)
	require.NoError(t, err)
	require.Len(t, got, 5)
	assert.Equal(t, 5, stats.SlotsScanned)
	assert.Equal(t, 0, stats.SlotsSkipped)
	// Results stay ordered by slot.
	for i, block := range got {
		assert.Equal(t, int64(10+i), block.Slot)
		assert.Equal(t, []string{fmt.Sprintf("sig-%d", block.Slot)}, block.Signatures)
	}
}

func TestScan_RateLimitedSlotRecoversWithOneRetry(t *testing.T) {
	src := &fakeSource{
		slots:     []int64{54, 55, 56},
		failKind:  map[int64]rpc.Kind{55: rpc.KindRateLimited},
		failCount: map[int64]int{55: 1},
	}
	s := newTestScanner(src)

	got, stats, err := s.Scan(context.Background(), 54, 56)
	require.NoError(t, err)
	require.Len(t, got, 3)
	assert.Equal(t, 1, stats.Retries)
	assert.Equal(t, 2, src.attemptCount[55])
	assert.Equal(t, int64(55), got[1].Slot)
}

func TestScan_OversizedSlotSkippedWithoutRetry(t *testing.T) {
	src := &fakeSource{
		slots:     []int64{76, 77, 78},
		failKind:  map[int64]rpc.Kind{77: rpc.KindOversized},
		failCount: map[int64]int{77: -1},
	}
	s := newTestScanner(src)

	got, stats, err := s.Scan(context.Background(), 76, 78)
	require.NoError(t, err)
	require.Len(t, got, 2)
	assert.Equal(t, 1, stats.SlotsSkipped)
	assert.Equal(t, 0, stats.Retries)
	assert.Equal(t, 1, src.attemptCount[77], "oversized responses must not be retried")
	assert.Equal(t, []int64{76, 78}, []int64{got[0].Slot, got[1].Slot})
}

func TestScan_ExhaustedSlotSkippedWindowContinues(t *testing.T) {
	src := &fakeSource{
		slots:     []int64{20, 21, 22},
		failKind:  map[int64]rpc.Kind{21: rpc.KindTransport},
		failCount: map[int64]int{21: -1},
	}
	s := newTestScanner(src)

	got, stats, err := s.Scan(context.Background(), 20, 22)
	require.NoError(t, err)
	require.Len(t, got, 2)
	assert.Equal(t, 2, stats.SlotsScanned)
	assert.Equal(t, 1, stats.SlotsSkipped)
	assert.Equal(t, 3, src.attemptCount[21])
}

func TestScan_FallbackTailWhenRangeCallFails(t *testing.T) {
	src := &fakeSource{
		slots:     []int64{1, 2, 3},
		blocksErr: &rpc.Error{Kind: rpc.KindProtocol, Method: "getBlocks", Err: errors.New("range too wide")},
	}
	s := newTestScanner(src)

	// Enumeration fails, so the scanner probes the most recent slots of
	// the window directly.
	got, stats, err := s.Scan(context.Background(), 1, 10)
	require.NoError(t, err)
	assert.Equal(t, 10, stats.SlotsScanned)
	assert.Len(t, got, 10)
}

func TestScan_EmptyWindow(t *testing.T) {
	src := &fakeSource{slots: nil}
	s := newTestScanner(src)

	got, stats, err := s.Scan(context.Background(), 100, 110)
	require.NoError(t, err)
	assert.Empty(t, got)
	assert.Equal(t, Stats{}, stats)
}
