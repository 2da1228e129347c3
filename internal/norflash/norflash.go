// Package norflash drives the external W25Q16JV SPI NOR flash that
// holds the telemetry journal, and provides a RAM-backed stand-in with
// the same erase/program semantics for tests.
package norflash

// Geometry of the W25Q16JV (16 Mbit).
const (
	FlashSize   = 2 * 1024 * 1024
	PageSize    = 256
	SectorSize  = 4 * 1024
	SectorCount = FlashSize / SectorSize
)

// Device is the raw flash contract the journal builds on. Write
// assumes the target range is erased; programming can only clear bits.
type Device interface {
	Read(addr uint32, buf []byte) error
	Write(addr uint32, data []byte) error
	EraseSector(addr uint32) error
	EraseAll() error
	Size() uint32
}
