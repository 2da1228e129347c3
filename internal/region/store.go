// Copyright (c) 2026 Daniel Alarcon Rubio / Relabs Tech
// SPDX-License-Identifier: MIT
// See LICENSE file for full license text

package region

import (
	"bytes"
	"encoding/binary"
	"fmt"

	"github.com/lunixbochs/struc"
	"github.com/snksoft/crc"

	"github.com/stratotrack/tracker/internal/pagestore"
)

const (
	// StoreMagic marks a valid region store page.
	StoreMagic   = 0x52454753 // "REGS"
	StoreVersion = 1

	// MaxContexts is the slot count. Four covers a transatlantic or
	// transpacific flight with room to spare.
	MaxContexts = 4

	// NoActiveSlot is the active_slot value when nothing is joined.
	NoActiveSlot = 0xFF
)

const (
	contextSize = 71
	storeSize   = 10 + MaxContexts*contextSize + 4
)

// crc16Params is the reflected 0x8005 polynomial with 0xFFFF init
// (MODBUS style), matching the per-entry checksum the layout uses.
var crc16Params = &crc.Parameters{
	Width:      16,
	Polynomial: 0x8005,
	Init:       0xFFFF,
	ReflectIn:  true,
	ReflectOut: true,
	FinalXor:   0x0000,
}

// Context is one region's frozen LoRaWAN session: everything needed to
// resume as ABP without a new join. 71 bytes packed little-endian.
type Context struct {
	RegionTag  uint8
	DevEUI     [8]byte
	DevAddr    uint32
	AppSKey    [16]byte
	NwkSKey    [16]byte
	FCntUp     uint32
	FCntDown   uint32
	LastRxMIC  uint32
	DataRate   uint8
	TxPower    uint8
	ADREnabled uint8
	RX2Freq    uint32
	RX2DR      uint8
	LastUsed   uint32 // seconds since device start at capture time
	CRC16      uint16 // over the preceding 69 bytes
}

// Region resolves the context's region tag.
func (c *Context) Region() (Region, error) {
	return FromTag(c.RegionTag)
}

// marshal packs the context, sealing the CRC16.
func (c *Context) marshal() ([]byte, error) {
	var buf bytes.Buffer
	if err := struc.PackWithOptions(&buf, c, packLE); err != nil {
		return nil, fmt.Errorf("pack context: %w", err)
	}
	b := buf.Bytes()
	if len(b) != contextSize {
		return nil, fmt.Errorf("context packed to %d bytes, want %d", len(b), contextSize)
	}
	c.CRC16 = uint16(crc.CalculateCRC(crc16Params, b[:contextSize-2]))
	binary.LittleEndian.PutUint16(b[contextSize-2:], c.CRC16)
	return b, nil
}

// Valid reports whether the context holds a usable session: a real
// DevAddr and a matching CRC.
func (c *Context) Valid() bool {
	if c.DevAddr == 0 || c.DevAddr == 0xFFFFFFFF {
		return false
	}
	b, err := c.marshalForCheck()
	if err != nil {
		return false
	}
	return uint16(crc.CalculateCRC(crc16Params, b[:contextSize-2])) == c.CRC16
}

func (c *Context) marshalForCheck() ([]byte, error) {
	var buf bytes.Buffer
	cc := *c
	if err := struc.PackWithOptions(&buf, &cc, packLE); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

var packLE = &struc.Options{Order: binary.LittleEndian}

// storePage is the on-page layout: header, slot table, outer CRC32.
type storePage struct {
	Magic      uint32
	Version    uint32
	ActiveSlot uint8
	NumValid   uint8
	Contexts   [MaxContexts]Context
	CRC32      uint32
}

// Store is the durable per-region session table. One page, rewritten
// whole on every change.
type Store struct {
	page *pagestore.Page

	ActiveSlot uint8
	Contexts   [MaxContexts]Context
}

// OpenStore loads and validates the page. Any validation failure means
// empty store: fresh state, nothing joined.
func OpenStore(page *pagestore.Page) (*Store, error) {
	s := &Store{page: page, ActiveSlot: NoActiveSlot}

	raw, err := page.Load()
	if err != nil {
		return nil, err
	}

	var sp storePage
	if err := struc.UnpackWithOptions(bytes.NewReader(raw[:storeSize]), &sp, packLE); err != nil {
		return s, nil
	}
	if sp.Magic != StoreMagic || sp.Version != StoreVersion {
		return s, nil
	}
	if uint32(crc.CalculateCRC(crc.CRC32, raw[:storeSize-4])) != sp.CRC32 {
		return s, nil
	}
	// Outer CRC passed; entries still verify individually.
	s.Contexts = sp.Contexts
	if sp.ActiveSlot < MaxContexts && s.Contexts[sp.ActiveSlot].Valid() {
		s.ActiveSlot = sp.ActiveSlot
	}
	return s, nil
}

// SaveAll seals every valid context and rewrites the page.
func (s *Store) SaveAll() error {
	sp := storePage{
		Magic:      StoreMagic,
		Version:    StoreVersion,
		ActiveSlot: s.ActiveSlot,
		Contexts:   s.Contexts,
	}
	for i := range sp.Contexts {
		if sp.Contexts[i].DevAddr == 0 || sp.Contexts[i].DevAddr == 0xFFFFFFFF {
			continue
		}
		if _, err := sp.Contexts[i].marshal(); err != nil {
			return err
		}
		sp.NumValid++
	}

	var buf bytes.Buffer
	if err := struc.PackWithOptions(&buf, &sp, packLE); err != nil {
		return fmt.Errorf("pack store: %w", err)
	}
	b := buf.Bytes()
	if len(b) != storeSize {
		return fmt.Errorf("store packed to %d bytes, want %d", len(b), storeSize)
	}
	sp.CRC32 = uint32(crc.CalculateCRC(crc.CRC32, b[:storeSize-4]))
	binary.LittleEndian.PutUint32(b[storeSize-4:], sp.CRC32)

	s.Contexts = sp.Contexts // pick up the sealed CRCs
	return s.page.Store(b)
}

// Find returns the slot holding a valid context for the region.
func (s *Store) Find(r Region) (int, bool) {
	tag, err := r.Tag()
	if err != nil {
		return 0, false
	}
	for i := range s.Contexts {
		if s.Contexts[i].RegionTag == tag && s.Contexts[i].Valid() {
			return i, true
		}
	}
	return 0, false
}

// IsRegionJoined reports whether the region has a stored session.
func (s *Store) IsRegionJoined(r Region) bool {
	_, ok := s.Find(r)
	return ok
}

// Put seals a context and stores it in the region's existing slot or
// the first free one. The caller still has to SaveAll.
func (s *Store) Put(ctx Context) (int, error) {
	if _, err := ctx.marshal(); err != nil {
		return 0, err
	}
	if slot, ok := s.Find(regionOfTag(ctx.RegionTag)); ok {
		s.Contexts[slot] = ctx
		return slot, nil
	}
	for i := range s.Contexts {
		if !s.Contexts[i].Valid() {
			s.Contexts[i] = ctx
			return i, nil
		}
	}
	return 0, fmt.Errorf("region store full (%d slots)", MaxContexts)
}

func regionOfTag(tag uint8) Region {
	r, err := FromTag(tag)
	if err != nil {
		return ""
	}
	return r
}

// Active returns the active context, if any.
func (s *Store) Active() (*Context, bool) {
	if s.ActiveSlot == NoActiveSlot || int(s.ActiveSlot) >= MaxContexts {
		return nil, false
	}
	c := &s.Contexts[s.ActiveSlot]
	if !c.Valid() {
		return nil, false
	}
	return c, true
}

// SetActive marks a slot active. NoActiveSlot clears it.
func (s *Store) SetActive(slot uint8) error {
	if slot != NoActiveSlot && int(slot) >= MaxContexts {
		return fmt.Errorf("active slot %d out of range", slot)
	}
	s.ActiveSlot = slot
	return nil
}

// Erase wipes the page; the next OpenStore sees an empty store.
func (s *Store) Erase() error {
	s.ActiveSlot = NoActiveSlot
	s.Contexts = [MaxContexts]Context{}
	return s.page.Erase()
}
