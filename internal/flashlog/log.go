// Copyright (c) 2026 Daniel Alarcon Rubio / Relabs Tech
// SPDX-License-Identifier: MIT
// See LICENSE file for full license text

// Package flashlog is the power-safe telemetry journal on the external
// NOR flash. Records are append-only; journal state lives in a chain of
// alternating header copies in sector 0, so a power cut during any
// single write loses at most one record and never corrupts the log.
package flashlog

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"log"

	"github.com/lunixbochs/struc"
	"github.com/snksoft/crc"

	"github.com/stratotrack/tracker/internal/norflash"
)

const (
	// HeaderMagic marks a valid journal header.
	HeaderMagic   = 0xF1A5DEAD
	HeaderVersion = 1

	// Header copies occupy the 16 page slots of sector 0, written in
	// rotation. NOR cannot reprogram a page without a sector erase, so
	// a plain two-slot ping-pong would need an erase on every update;
	// chaining through the sector defers the erase to one in sixteen
	// updates and wear-levels the sector for free. Slots 0 and 1 are
	// the classic A/B copies; recovery takes the valid slot with the
	// highest sequence wherever it sits.
	headerSlots    = norflash.SectorSize / norflash.PageSize
	headerSlotSize = norflash.PageSize

	// The header is rewritten every N records. On recovery the write
	// pointer may trail reality by up to N-1 records; the record scan
	// fallback can always rebuild it exactly.
	headerUpdateInterval = 10

	// DataStart leaves sector 0 to the headers.
	DataStart = norflash.SectorSize
	// DataEnd is the end of the circular data area.
	DataEnd = norflash.FlashSize
	// MaxRecords is the circular buffer capacity.
	MaxRecords = (DataEnd - DataStart) / RecordSize
)

const headerSize = 48

// header is the on-flash journal state (48 bytes, little-endian).
type header struct {
	Magic       uint32
	Version     uint32
	WriteAddr   uint32
	RecordCount uint32
	Sequence    uint32
	OldestAddr  uint32
	Flags       uint32
	Reserved    [4]uint32
	CRC32       uint32
}

func (h *header) marshal() ([]byte, error) {
	var buf bytes.Buffer
	if err := struc.PackWithOptions(&buf, h, lePack); err != nil {
		return nil, fmt.Errorf("pack header: %w", err)
	}
	b := buf.Bytes()
	if len(b) != headerSize {
		return nil, fmt.Errorf("header packed to %d bytes, want %d", len(b), headerSize)
	}
	h.CRC32 = uint32(crc.CalculateCRC(crc.CRC32, b[:headerSize-4]))
	binary.LittleEndian.PutUint32(b[headerSize-4:], h.CRC32)
	return b, nil
}

func unmarshalHeader(b []byte) (header, bool) {
	var h header
	if len(b) != headerSize {
		return h, false
	}
	if err := struc.UnpackWithOptions(bytes.NewReader(b), &h, lePack); err != nil {
		return h, false
	}
	if h.Magic != HeaderMagic || h.Version != HeaderVersion {
		return h, false
	}
	if uint32(crc.CalculateCRC(crc.CRC32, b[:headerSize-4])) != h.CRC32 {
		return h, false
	}
	return h, true
}

func headerSlotAddr(slot int) uint32 {
	return uint32(slot * headerSlotSize)
}

// Log is the journal handle. Not safe for concurrent use; the
// orchestrator owns it.
type Log struct {
	dev norflash.Device

	writeAddr   uint32
	oldestAddr  uint32
	recordCount uint32
	nextSeq     uint32
	activeSlot  int
}

// Open recovers the journal state from flash. All header slots are
// read and the valid one with the highest sequence wins. If none is
// valid the data area itself is scanned: records are self-describing,
// so even total header loss only costs the time of the scan.
func Open(dev norflash.Device) (*Log, error) {
	l := &Log{dev: dev, activeSlot: -1}

	best := -1
	var bestHdr header
	buf := make([]byte, headerSize)
	for slot := 0; slot < headerSlots; slot++ {
		if err := dev.Read(headerSlotAddr(slot), buf); err != nil {
			return nil, fmt.Errorf("read header slot %d: %w", slot, err)
		}
		h, ok := unmarshalHeader(buf)
		if !ok {
			continue
		}
		if best < 0 || h.Sequence > bestHdr.Sequence {
			best, bestHdr = slot, h
		}
	}

	if best >= 0 {
		l.writeAddr = bestHdr.WriteAddr
		l.recordCount = bestHdr.RecordCount
		l.oldestAddr = bestHdr.OldestAddr
		l.activeSlot = best
		l.nextSeq = l.recordCount
		if err := l.replay(); err != nil {
			return nil, err
		}
		return l, nil
	}

	if err := l.rebuildFromRecords(); err != nil {
		return nil, err
	}
	if err := l.writeHeader(); err != nil {
		return nil, err
	}
	return l, nil
}

// replay walks forward from the header's write pointer and adopts the
// intact records written since the header was last updated. Records
// always land before headers do, so after a crash the pointer can
// trail by up to the update interval; the walk stops at the first
// blank slot or stale record. A slot that is neither blank nor intact
// is a torn write: NOR cells cannot be reprogrammed without an erase,
// so the slot is dead until its sector wraps. It keeps its sequence
// number and the pointer moves past it, which is the at-most-one lost
// record.
func (l *Log) replay() error {
	buf := make([]byte, RecordSize)
	adopted := uint32(0)
	for adopted < MaxRecords {
		if err := l.dev.Read(l.writeAddr, buf); err != nil {
			return fmt.Errorf("replay at 0x%06X: %w", l.writeAddr, err)
		}
		r, err := UnmarshalRecord(buf)
		if err != nil {
			if !isBlank(buf) {
				log.Printf("flashlog: torn record at 0x%06X, skipping slot", l.writeAddr)
				l.advance()
			}
			break
		}
		if r.Sequence != l.nextSeq {
			break
		}
		l.advance()
		adopted++
	}
	if adopted > 0 {
		log.Printf("flashlog: replayed %d records past the header", adopted)
	}
	return nil
}

// advance commits one slot: the pointer, counters and sequence all move
// together so the index to address mapping stays arithmetic.
func (l *Log) advance() {
	l.nextSeq++
	l.recordCount++
	l.writeAddr += RecordSize
	if l.writeAddr >= DataEnd {
		l.writeAddr = DataStart
	}
	if l.recordCount > MaxRecords {
		l.oldestAddr = l.writeAddr
	}
}

func isBlank(b []byte) bool {
	for _, v := range b {
		if v != 0xFF {
			return false
		}
	}
	return true
}

// rebuildFromRecords scans the data area for the record with the
// highest sequence and reconstructs the pointers from it. An empty or
// virgin chip comes out as a fresh journal.
func (l *Log) rebuildFromRecords() error {
	found := false
	var maxSeq uint32
	var maxAddr uint32

	buf := make([]byte, RecordSize)
	for addr := uint32(DataStart); addr < DataEnd; addr += RecordSize {
		if err := l.dev.Read(addr, buf); err != nil {
			return fmt.Errorf("scan record at 0x%06X: %w", addr, err)
		}
		r, err := UnmarshalRecord(buf)
		if err != nil {
			continue
		}
		if !found || r.Sequence > maxSeq {
			found, maxSeq, maxAddr = true, r.Sequence, addr
		}
	}

	if !found {
		l.writeAddr = DataStart
		l.oldestAddr = DataStart
		l.recordCount = 0
		l.nextSeq = 0
		l.activeSlot = -1
		return nil
	}

	log.Printf("flashlog: headers lost, rebuilt from scan: seq %d at 0x%06X", maxSeq, maxAddr)
	l.nextSeq = maxSeq + 1
	l.recordCount = maxSeq + 1
	l.writeAddr = maxAddr + RecordSize
	if l.writeAddr >= DataEnd {
		l.writeAddr = DataStart
	}
	if l.recordCount > MaxRecords {
		l.oldestAddr = l.writeAddr
	} else {
		l.oldestAddr = DataStart
	}
	l.activeSlot = -1
	return nil
}

// writeHeader writes the current state to the next slot in the chain.
// Data always reaches flash before the header does, so a torn header
// write leaves an older slot valid. The sector erase on slot wrap is
// the one window where all slots are gone; rebuildFromRecords covers a
// crash inside it.
func (l *Log) writeHeader() error {
	h := header{
		Magic:       HeaderMagic,
		Version:     HeaderVersion,
		WriteAddr:   l.writeAddr,
		RecordCount: l.recordCount,
		Sequence:    l.recordCount,
		OldestAddr:  l.oldestAddr,
	}
	b, err := h.marshal()
	if err != nil {
		return err
	}

	slot := (l.activeSlot + 1) % headerSlots
	if slot == 0 {
		if err := l.dev.EraseSector(0); err != nil {
			return fmt.Errorf("erase header sector: %w", err)
		}
	}
	if err := l.dev.Write(headerSlotAddr(slot), b); err != nil {
		return fmt.Errorf("write header slot %d: %w", slot, err)
	}
	l.activeSlot = slot
	return nil
}

// Write appends one record. The caller fills the telemetry fields;
// sequence, magic and CRC are assigned here. A new sector is erased
// just before its first record, which is what expires the oldest data
// after wrap.
func (l *Log) Write(r *Record) error {
	if l.writeAddr%norflash.SectorSize == 0 {
		if err := l.dev.EraseSector(l.writeAddr); err != nil {
			return fmt.Errorf("erase data sector: %w", err)
		}
	}

	r.Sequence = l.nextSeq
	b, err := r.Marshal()
	if err != nil {
		return err
	}
	if err := l.dev.Write(l.writeAddr, b); err != nil {
		return fmt.Errorf("write record: %w", err)
	}
	l.nextSeq++

	l.writeAddr += RecordSize
	l.recordCount++
	if l.writeAddr >= DataEnd {
		l.writeAddr = DataStart
	}
	if l.recordCount > MaxRecords {
		l.oldestAddr = l.writeAddr
	}

	if l.recordCount%headerUpdateInterval == 0 {
		return l.writeHeader()
	}
	return nil
}

// recordAddr maps a monotonic record index to its flash address.
func recordAddr(index uint32) uint32 {
	return DataStart + (index%MaxRecords)*RecordSize
}

// Read returns the record at the given LIFO offset: 0 is the newest.
func (l *Log) Read(offset uint32) (Record, error) {
	if offset >= l.Available() {
		return Record{}, fmt.Errorf("journal: no record at offset %d", offset)
	}
	index := l.nextSeq - 1 - offset
	buf := make([]byte, RecordSize)
	if err := l.dev.Read(recordAddr(index), buf); err != nil {
		return Record{}, fmt.Errorf("read record: %w", err)
	}
	return UnmarshalRecord(buf)
}

// ReadBatch fills dst newest-first, starting at startOffset. Returns
// the number of records read; runs short when the journal runs out.
func (l *Log) ReadBatch(dst []Record, startOffset uint32) (int, error) {
	available := l.Available()
	if startOffset >= available {
		return 0, fmt.Errorf("journal: no record at offset %d", startOffset)
	}
	n := 0
	for i := range dst {
		offset := startOffset + uint32(i)
		if offset >= available {
			break
		}
		r, err := l.Read(offset)
		if err != nil {
			return n, err
		}
		dst[i] = r
		n++
	}
	return n, nil
}

// Count is the total records ever written, wrap included.
func (l *Log) Count() uint32 { return l.recordCount }

// Available is the number of records currently readable.
func (l *Log) Available() uint32 {
	if l.recordCount <= MaxRecords {
		return l.recordCount
	}
	return MaxRecords
}

// HasWrapped reports whether old records have been overwritten.
func (l *Log) HasWrapped() bool { return l.recordCount > MaxRecords }

// Stats reports capacity, used and free record counts.
func (l *Log) Stats() (capacity, used, free uint32) {
	capacity = MaxRecords
	used = l.Available()
	if l.recordCount < MaxRecords {
		free = MaxRecords - l.recordCount
	}
	return capacity, used, free
}

// EraseAll wipes the whole journal and writes a fresh header. Takes as
// long as a chip erase takes.
func (l *Log) EraseAll() error {
	if err := l.dev.EraseAll(); err != nil {
		return fmt.Errorf("erase journal: %w", err)
	}
	l.writeAddr = DataStart
	l.oldestAddr = DataStart
	l.recordCount = 0
	l.nextSeq = 0
	l.activeSlot = -1
	return l.writeHeader()
}

// SyncHeader forces the header to flash, called before planned power
// removal so the write pointer is exact on the next boot.
func (l *Log) SyncHeader() error { return l.writeHeader() }

// Close syncs the header. The device stays open; its owner closes it.
func (l *Log) Close() error { return l.SyncHeader() }
