package circuitbreaker

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestOpensAfterConsecutiveFailures(t *testing.T) {
	b := New(Config{FailureThreshold: 3})

	b.RecordFailure()
	b.RecordFailure()
	assert.Equal(t, StateClosed, b.CurrentState())
	require.NoError(t, b.Allow())

	b.RecordFailure()
	assert.Equal(t, StateOpen, b.CurrentState())
	assert.ErrorIs(t, b.Allow(), ErrOpen)
}

func TestSuccessResetsFailureRun(t *testing.T) {
	b := New(Config{FailureThreshold: 3})

	b.RecordFailure()
	b.RecordFailure()
	b.RecordSuccess()
	b.RecordFailure()
	b.RecordFailure()

	assert.Equal(t, StateClosed, b.CurrentState())
}

func TestHalfOpenProbeAfterTimeout(t *testing.T) {
	now := time.Now()
	b := New(Config{FailureThreshold: 1, SuccessThreshold: 2, OpenTimeout: 30 * time.Second})
	b.nowFn = func() time.Time { return now }

	b.RecordFailure()
	assert.ErrorIs(t, b.Allow(), ErrOpen)

	now = now.Add(31 * time.Second)
	require.NoError(t, b.Allow())
	assert.Equal(t, StateHalfOpen, b.CurrentState())

	b.RecordSuccess()
	assert.Equal(t, StateHalfOpen, b.CurrentState())
	b.RecordSuccess()
	assert.Equal(t, StateClosed, b.CurrentState())
}

func TestFailureDuringProbeReopens(t *testing.T) {
	now := time.Now()
	b := New(Config{FailureThreshold: 1, OpenTimeout: 30 * time.Second})
	b.nowFn = func() time.Time { return now }

	b.RecordFailure()
	now = now.Add(31 * time.Second)
	require.NoError(t, b.Allow())

	b.RecordFailure()
	assert.Equal(t, StateOpen, b.CurrentState())
	assert.ErrorIs(t, b.Allow(), ErrOpen)
}

func TestStateChangeCallback(t *testing.T) {
	var transitions []string
	b := New(Config{
		FailureThreshold: 1,
		SuccessThreshold: 1,
		OpenTimeout:      time.Second,
		OnStateChange: func(from, to State) {
			transitions = append(transitions, from.String()+">"+to.String())
		},
	})
	now := time.Now()
	b.nowFn = func() time.Time { return now }

	b.RecordFailure()
	now = now.Add(2 * time.Second)
	require.NoError(t, b.Allow())
	b.RecordSuccess()

	assert.Equal(t, []string{"closed>open", "open>half-open", "half-open>closed"}, transitions)
}
