package norflash

import "fmt"

// MemDevice is a RAM-backed Device with real NOR semantics: erase sets
// bytes to 0xFF and programming can only clear bits. FailAfter, when
// positive, cuts power after that many programmed bytes: the write
// stops mid-record and returns an error, leaving a torn write behind,
// which is exactly what the journal's recovery path has to survive.
type MemDevice struct {
	buf       []byte
	FailAfter int // remaining byte budget, <0 means unlimited

	Erases int // sector erase counter
	Writes int // program operation counter
}

func NewMemDevice() *MemDevice {
	m := &MemDevice{buf: make([]byte, FlashSize), FailAfter: -1}
	for i := range m.buf {
		m.buf[i] = 0xFF
	}
	return m
}

// NewMemDeviceFrom wraps a raw flash image, as produced by dumping the
// chip, so the ground tools can walk a journal offline.
func NewMemDeviceFrom(image []byte) (*MemDevice, error) {
	if len(image) != FlashSize {
		return nil, fmt.Errorf("flash image is %d bytes, want %d", len(image), FlashSize)
	}
	buf := make([]byte, FlashSize)
	copy(buf, image)
	return &MemDevice{buf: buf, FailAfter: -1}, nil
}

func (m *MemDevice) Size() uint32 { return uint32(len(m.buf)) }

func (m *MemDevice) Read(addr uint32, buf []byte) error {
	if int(addr)+len(buf) > len(m.buf) {
		return fmt.Errorf("mem read out of range: 0x%06X+%d", addr, len(buf))
	}
	copy(buf, m.buf[addr:])
	return nil
}

func (m *MemDevice) Write(addr uint32, data []byte) error {
	if int(addr)+len(data) > len(m.buf) {
		return fmt.Errorf("mem write out of range: 0x%06X+%d", addr, len(data))
	}
	m.Writes++
	for i, b := range data {
		if m.FailAfter == 0 {
			return fmt.Errorf("mem write power loss at 0x%06X", addr+uint32(i))
		}
		if m.FailAfter > 0 {
			m.FailAfter--
		}
		// NOR programming clears bits only.
		m.buf[addr+uint32(i)] &= b
	}
	return nil
}

func (m *MemDevice) EraseSector(addr uint32) error {
	if int(addr) >= len(m.buf) {
		return fmt.Errorf("mem erase out of range: 0x%06X", addr)
	}
	m.Erases++
	start := addr &^ (SectorSize - 1)
	for i := start; i < start+SectorSize; i++ {
		m.buf[i] = 0xFF
	}
	return nil
}

func (m *MemDevice) EraseAll() error {
	for i := range m.buf {
		m.buf[i] = 0xFF
	}
	return nil
}

// Corrupt flips bits at addr, for integrity tests.
func (m *MemDevice) Corrupt(addr uint32, mask byte) {
	m.buf[addr] ^= mask
}
