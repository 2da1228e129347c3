// Copyright (c) 2026 Daniel Alarcon Rubio / Relabs Tech
// SPDX-License-Identifier: MIT
// See LICENSE file for full license text

package flashlog

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"math"

	"github.com/lunixbochs/struc"
	"github.com/snksoft/crc"
)

const (
	// RecordMagic marks a valid journal record.
	RecordMagic = 0xFEEDDA7A
	// RecordSize is fixed at a power of two so records never straddle
	// pages and address math stays cheap.
	RecordSize = 64
)

// Coordinates are stored as signed 24-bit-ranged integers, the same
// scaling the LoRaWAN payload uses, so the journal and the radio agree
// bit for bit.
const (
	latScale = 8388607.0 / 90.0
	lonScale = 8388607.0 / 180.0
)

// lePack fixes the on-flash byte order. struc defaults to big endian.
var lePack = &struc.Options{Order: binary.LittleEndian}

// Record is one 64-byte journal entry. All multi-byte fields are
// little-endian on flash. The layout is frozen: reserved space exists
// for new fields so the size never has to change.
type Record struct {
	Magic    uint32
	Sequence uint32

	Timestamp uint32 // seconds since device start

	Pressure    float32 // mbar
	Temperature float32 // degC
	Humidity    float32 // percent

	Latitude    int32 // scaled by 8388607/90
	Longitude   int32 // scaled by 8388607/180
	AltitudeGPS int16 // meters
	AltitudeBar int16 // meters * 10
	Satellites  uint8
	FixQuality  uint8 // 0=none, 1=GPS, 2=DGPS
	HDOPx10     uint8
	GNSSValid   uint8
	Reserved1   uint8
	Reserved2   uint8

	BatteryMV uint16
	Flags     uint8
	Reserved3 uint8

	Reserved [14]uint8

	CRC32 uint32 // over the preceding 60 bytes
}

// SetPosition stores decimal degrees in the scaled integer fields,
// rounding to nearest.
func (r *Record) SetPosition(lat, lon float64) {
	r.Latitude = int32(math.Round(lat * latScale))
	r.Longitude = int32(math.Round(lon * lonScale))
}

// Position converts the scaled integers back to decimal degrees.
func (r *Record) Position() (lat, lon float64) {
	return float64(r.Latitude) / latScale, float64(r.Longitude) / lonScale
}

// Marshal packs the record, computing and embedding the CRC.
func (r *Record) Marshal() ([]byte, error) {
	r.Magic = RecordMagic
	var buf bytes.Buffer
	if err := struc.PackWithOptions(&buf, r, lePack); err != nil {
		return nil, fmt.Errorf("pack record: %w", err)
	}
	b := buf.Bytes()
	if len(b) != RecordSize {
		return nil, fmt.Errorf("record packed to %d bytes, want %d", len(b), RecordSize)
	}
	r.CRC32 = uint32(crc.CalculateCRC(crc.CRC32, b[:RecordSize-4]))
	binary.LittleEndian.PutUint32(b[RecordSize-4:], r.CRC32)
	return b, nil
}

// UnmarshalRecord decodes and verifies one record. A magic or CRC
// mismatch is an error; the caller decides whether that means torn
// write or corruption.
func UnmarshalRecord(b []byte) (Record, error) {
	var r Record
	if len(b) != RecordSize {
		return r, fmt.Errorf("record is %d bytes, want %d", len(b), RecordSize)
	}
	if err := struc.UnpackWithOptions(bytes.NewReader(b), &r, lePack); err != nil {
		return r, fmt.Errorf("unpack record: %w", err)
	}
	if r.Magic != RecordMagic {
		return r, fmt.Errorf("record magic 0x%08X, want 0x%08X", r.Magic, uint32(RecordMagic))
	}
	if want := uint32(crc.CalculateCRC(crc.CRC32, b[:RecordSize-4])); r.CRC32 != want {
		return r, fmt.Errorf("record crc 0x%08X, want 0x%08X", r.CRC32, want)
	}
	return r, nil
}
