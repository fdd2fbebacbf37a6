package locator

import (
	"context"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakeBlockTimes serves block times from a sparse map; absent slots are
// skipped (nil time).
type fakeBlockTimes struct {
	mu    sync.Mutex
	times map[int64]int64
	calls int
}

func (f *fakeBlockTimes) GetBlockTime(_ context.Context, slot int64) (*int64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	if t, ok := f.times[slot]; ok {
		return &t, nil
	}
	return nil, nil
}

func denseTimes(lo, hi int64, start int64, step int64) map[int64]int64 {
	m := make(map[int64]int64)
	t := start
	for s := lo; s <= hi; s++ {
		m[s] = t
		t += step
	}
	return m
}

func TestSlotAtTime_SparseChainWithSkippedSlot(t *testing.T) {
	// Only a handful of slots produced blocks; slot 40 was skipped
	// entirely. The highest block time at or before 250 belongs to
	// slot 20.
	src := &fakeBlockTimes{times: map[int64]int64{
		10: 100,
		20: 200,
		30: 300,
		50: 500,
	}}
	loc := New(src, slog.Default())

	slot, err := loc.SlotAtTime(context.Background(), time.Unix(250, 0), 50)
	require.NoError(t, err)
	assert.Equal(t, int64(20), slot)
}

func TestSlotAtTime_HeadAtOrBeforeTarget(t *testing.T) {
	src := &fakeBlockTimes{times: map[int64]int64{100: 1000}}
	loc := New(src, slog.Default())

	slot, err := loc.SlotAtTime(context.Background(), time.Unix(1000, 0), 100)
	require.NoError(t, err)
	assert.Equal(t, int64(100), slot)
	assert.Equal(t, 1, src.calls)
}

func TestSlotAtTime_DenseChain(t *testing.T) {
	// Slots 1..1000 one second apart starting at t=1. Target t=600
	// lands exactly on slot 600.
	src := &fakeBlockTimes{times: denseTimes(1, 1000, 1, 1)}
	loc := New(src, slog.Default())

	slot, err := loc.SlotAtTime(context.Background(), time.Unix(600, 0), 1000)
	require.NoError(t, err)
	assert.Equal(t, int64(600), slot)
}

func TestSlotAtTime_TargetBeforeGenesisClampsToOne(t *testing.T) {
	src := &fakeBlockTimes{times: denseTimes(1, 100, 1000, 10)}
	loc := New(src, slog.Default())

	slot, err := loc.SlotAtTime(context.Background(), time.Unix(5, 0), 100)
	require.NoError(t, err)
	assert.Equal(t, int64(1), slot)
}

func TestSlotAtTime_InvalidUpperBound(t *testing.T) {
	src := &fakeBlockTimes{times: map[int64]int64{}}
	loc := New(src, slog.Default())

	_, err := loc.SlotAtTime(context.Background(), time.Unix(100, 0), 0)
	require.Error(t, err)
}

func TestSlotAtTime_ProbesAreCached(t *testing.T) {
	src := &fakeBlockTimes{times: denseTimes(1, 200, 1, 1)}
	loc := New(src, slog.Default())

	_, err := loc.SlotAtTime(context.Background(), time.Unix(150, 0), 200)
	require.NoError(t, err)
	firstRun := src.calls

	// Re-running the same search should be answered from the probe cache.
	_, err = loc.SlotAtTime(context.Background(), time.Unix(150, 0), 200)
	require.NoError(t, err)
	assert.Equal(t, firstRun, src.calls)
}
