package gnss

import "sync/atomic"

// RingSize is the circular receive buffer size. At 9600 baud a worst
// case ~50ms scheduling gap is ~48 bytes, so 512 is ample headroom.
const RingSize = 512

// Ring is the receive ring between the UART reader goroutine (the DMA
// engine stand-in, advancing head) and the main task (owning tail).
// The producer only writes buf and head; the consumer only reads them
// and writes tail, so no lock is needed.
type Ring struct {
	buf   [RingSize]byte
	head  atomic.Uint32 // producer write position
	tail  uint32        // consumer read position, main task only
	ready chan struct{} // binary data-ready signal, stands in for the DMA half/complete IRQs
}

func NewRing() *Ring {
	return &Ring{ready: make(chan struct{}, 1)}
}

// Put appends bytes at head, wrapping like a hardware circular DMA
// buffer (old unread data is overwritten if the consumer lags), then
// pulses the data-ready signal.
func (r *Ring) Put(p []byte) {
	h := r.head.Load()
	for _, b := range p {
		r.buf[h%RingSize] = b
		h++
	}
	r.head.Store(h % RingSize)
	select {
	case r.ready <- struct{}{}:
	default:
	}
}

// Ready returns the data-ready signal channel. The main task waits on
// it between scan iterations instead of busy-polling.
func (r *Ring) Ready() <-chan struct{} {
	return r.ready
}

// Unread returns the number of bytes between tail and head, handling
// wraparound (head may be numerically below tail).
func (r *Ring) Unread() int {
	h := r.head.Load()
	return int((h + RingSize - r.tail) % RingSize)
}

// Pop consumes one byte, or reports false when drained.
func (r *Ring) Pop() (byte, bool) {
	if r.tail == r.head.Load() {
		return 0, false
	}
	b := r.buf[r.tail]
	r.tail = (r.tail + 1) % RingSize
	return b, true
}

// Reset discards all buffered data and any pending ready pulse. Must be
// called before the producer is stopped on standby entry so residual
// bytes are not re-processed on the next wake.
func (r *Ring) Reset() {
	r.head.Store(0)
	r.tail = 0
	select {
	case <-r.ready:
	default:
	}
}
