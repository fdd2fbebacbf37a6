package dedup

import (
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestSeenAndMark(t *testing.T) {
	g := New("solana", 100)

	assert.False(t, g.Seen("sig1"))
	g.Mark("sig1")
	assert.True(t, g.Seen("sig1"))
	assert.False(t, g.Seen("sig2"))
	assert.Equal(t, 1, g.Len())
}

func TestMarkIsIdempotent(t *testing.T) {
	g := New("solana", 100)
	g.Mark("sig1")
	g.Mark("sig1")
	assert.Equal(t, 1, g.Len())
}

func TestFullResetAtCapacity(t *testing.T) {
	g := New("solana", 10)
	for i := 0; i < 10; i++ {
		g.Mark(fmt.Sprintf("sig-%d", i))
	}
	assert.Equal(t, 10, g.Len())
	assert.True(t, g.Seen("sig-0"))

	// The next mark tips the set over capacity and clears it entirely;
	// earlier signatures fall through to the idempotent sink.
	g.Mark("sig-new")
	assert.Equal(t, 1, g.Len())
	assert.False(t, g.Seen("sig-0"))
	assert.True(t, g.Seen("sig-new"))
}

func TestDefaultCapacity(t *testing.T) {
	g := New("solana", 0)
	assert.Equal(t, defaultCapacity, g.capacity)
}
