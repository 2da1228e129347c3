package gnss

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRingPutPop(t *testing.T) {
	r := NewRing()
	r.Put([]byte("abc"))
	assert.Equal(t, 3, r.Unread())

	for _, want := range []byte("abc") {
		b, ok := r.Pop()
		require.True(t, ok)
		assert.Equal(t, want, b)
	}
	_, ok := r.Pop()
	assert.False(t, ok)
	assert.Equal(t, 0, r.Unread())
}

func TestRingReadySignal(t *testing.T) {
	r := NewRing()
	select {
	case <-r.Ready():
		t.Fatal("ready before any data")
	default:
	}

	r.Put([]byte{1})
	r.Put([]byte{2}) // second pulse coalesces

	select {
	case <-r.Ready():
	default:
		t.Fatal("no ready pulse after Put")
	}
	select {
	case <-r.Ready():
		t.Fatal("pulses did not coalesce")
	default:
	}
}

func TestRingWraparound(t *testing.T) {
	r := NewRing()

	// Advance both pointers near the end of the buffer, then write
	// across the seam so head lands numerically below tail.
	pad := make([]byte, RingSize-4)
	r.Put(pad)
	for range pad {
		_, ok := r.Pop()
		require.True(t, ok)
	}

	r.Put([]byte{10, 20, 30, 40, 50, 60})
	assert.Equal(t, 6, r.Unread())
	for _, want := range []byte{10, 20, 30, 40, 50, 60} {
		b, ok := r.Pop()
		require.True(t, ok)
		assert.Equal(t, want, b)
	}
}

func TestRingReset(t *testing.T) {
	r := NewRing()
	r.Put([]byte("stale bytes"))
	r.Reset()

	assert.Equal(t, 0, r.Unread())
	_, ok := r.Pop()
	assert.False(t, ok)
	select {
	case <-r.Ready():
		t.Fatal("ready pulse survived reset")
	default:
	}
}
