package gnss

// maxSentenceLen bounds the scratch buffer. NMEA-0183 caps sentences at
// 82 characters; 128 leaves slack for out-of-spec modules.
const maxSentenceLen = 128

type framerState uint8

const (
	frameIdle framerState = iota
	frameInSentence
)

// Framer reassembles NMEA sentences from a raw byte stream. Bytes
// outside '$'...CR/LF are discarded; a sentence that overflows the
// scratch buffer is dropped and the framer resyncs on the next '$'.
type Framer struct {
	state   framerState
	scratch [maxSentenceLen]byte
	n       int
}

// Push feeds one byte. When a complete sentence (starting at '$', not
// including the terminator) is available it is returned with ok=true;
// the returned slice is only valid until the next Push.
func (f *Framer) Push(b byte) (sentence []byte, ok bool) {
	switch f.state {
	case frameIdle:
		if b == '$' {
			f.n = 0
			f.scratch[f.n] = b
			f.n++
			f.state = frameInSentence
		}
	case frameInSentence:
		if b == '\r' || b == '\n' {
			f.state = frameIdle
			if f.n > 1 {
				s := f.scratch[:f.n]
				f.n = 0
				return s, true
			}
			f.n = 0
			return nil, false
		}
		if b == '$' {
			// New start mid-sentence: drop the partial one and resync.
			f.n = 0
			f.scratch[f.n] = b
			f.n++
			return nil, false
		}
		if f.n >= maxSentenceLen-1 {
			// Stuck line with no terminator: drop and resync.
			f.n = 0
			f.state = frameIdle
			return nil, false
		}
		f.scratch[f.n] = b
		f.n++
	}
	return nil, false
}

// Reset drops any partial sentence, for standby entry and wake.
func (f *Framer) Reset() {
	f.state = frameIdle
	f.n = 0
}
