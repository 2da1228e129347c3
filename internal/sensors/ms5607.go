// Copyright (c) 2026 Daniel Alarcon Rubio / Relabs Tech
// SPDX-License-Identifier: MIT
// See LICENSE file for full license text

package sensors

import (
	"fmt"
	"time"

	"periph.io/x/conn/v3/i2c"
)

// MS5607-02BA03 command set.
const (
	ms5607CmdReset     = 0x1E
	ms5607CmdConvertD1 = 0x40 // pressure, OR with OSR bits
	ms5607CmdConvertD2 = 0x50 // temperature, OR with OSR bits
	ms5607CmdADCRead   = 0x00
	ms5607CmdPROMRead  = 0xA0 // OR with word address << 1
)

// osrSetting maps an oversampling ratio to its command bits and the
// datasheet maximum conversion time.
type osrSetting struct {
	bits  uint8
	delay time.Duration
}

var osrSettings = map[int]osrSetting{
	256:  {0x00, 1 * time.Millisecond},
	512:  {0x02, 2 * time.Millisecond},
	1024: {0x04, 3 * time.Millisecond},
	2048: {0x06, 5 * time.Millisecond},
	4096: {0x08, 10 * time.Millisecond},
}

// MS5607 is the barometer, hand-driven over I2C. The device speaks a
// command/response protocol with no registers, so none of the generic
// register-map drivers fit it.
type MS5607 struct {
	dev  i2c.Dev
	osr  osrSetting
	prom [8]uint16
}

// NewMS5607 resets the sensor, loads its factory calibration PROM and
// verifies the PROM CRC-4.
func NewMS5607(bus i2c.Bus, addr uint16, osr int) (*MS5607, error) {
	s, ok := osrSettings[osr]
	if !ok {
		return nil, fmt.Errorf("ms5607: unsupported OSR %d", osr)
	}
	m := &MS5607{dev: i2c.Dev{Bus: bus, Addr: addr}, osr: s}

	if err := m.dev.Tx([]byte{ms5607CmdReset}, nil); err != nil {
		return nil, fmt.Errorf("ms5607 reset: %w", err)
	}
	time.Sleep(20 * time.Millisecond) // datasheet minimum 2.8ms

	for i := 0; i < 8; i++ {
		var buf [2]byte
		cmd := byte(ms5607CmdPROMRead | i<<1)
		if err := m.dev.Tx([]byte{cmd}, buf[:]); err != nil {
			return nil, fmt.Errorf("ms5607 prom word %d: %w", i, err)
		}
		m.prom[i] = uint16(buf[0])<<8 | uint16(buf[1])
	}

	// Coefficients stuck at all-zeros or all-ones mean a dead bus.
	for i := 1; i <= 6; i++ {
		if m.prom[i] == 0 || m.prom[i] == 0xFFFF {
			return nil, fmt.Errorf("ms5607: calibration word %d reads 0x%04X", i, m.prom[i])
		}
	}
	if got, want := ms5607CRC4(m.prom), uint8(m.prom[7]&0x000F); got != want {
		return nil, fmt.Errorf("ms5607: prom crc mismatch, calculated %d stored %d", got, want)
	}
	return m, nil
}

func (m *MS5607) convert(cmd uint8) (uint32, error) {
	if err := m.dev.Tx([]byte{cmd | m.osr.bits}, nil); err != nil {
		return 0, fmt.Errorf("ms5607 convert 0x%02X: %w", cmd, err)
	}
	time.Sleep(m.osr.delay)
	var buf [3]byte
	if err := m.dev.Tx([]byte{ms5607CmdADCRead}, buf[:]); err != nil {
		return 0, fmt.Errorf("ms5607 adc read: %w", err)
	}
	return uint32(buf[0])<<16 | uint32(buf[1])<<8 | uint32(buf[2]), nil
}

// Read returns temperature in degrees C and pressure in mbar, using the
// datasheet first and second order integer compensation.
func (m *MS5607) Read() (tempC, pressureMbar float64, err error) {
	d2, err := m.convert(ms5607CmdConvertD2)
	if err != nil {
		return 0, 0, err
	}
	d1, err := m.convert(ms5607CmdConvertD1)
	if err != nil {
		return 0, 0, err
	}
	t, p := ms5607Compensate(d1, d2, m.prom)
	return float64(t) / 100.0, float64(p) / 100.0, nil
}

// ms5607Compensate runs the datasheet compensation math. Returns
// centidegrees and centibars (temp*100, mbar*100).
func ms5607Compensate(d1, d2 uint32, prom [8]uint16) (int32, int64) {
	dt := int32(d2) - int32(prom[5])<<8
	temp := int32(2000 + ((int64(dt) * int64(prom[6])) >> 23))

	off := int64(prom[2])<<16 + ((int64(prom[4]) * int64(dt)) >> 7)
	sens := int64(prom[1])<<15 + ((int64(prom[3]) * int64(dt)) >> 8)

	// Second order compensation below 20 C, extra terms below -15 C.
	if temp < 2000 {
		t2 := int32((int64(dt) * int64(dt)) >> 31)
		tm := int64(temp - 2000)
		off2 := (61 * tm * tm) >> 4
		sens2 := 2 * tm * tm
		if temp < -1500 {
			tp := int64(temp + 1500)
			off2 += 15 * tp * tp
			sens2 += 8 * tp * tp
		}
		temp -= t2
		off -= off2
		sens -= sens2
	}

	p := (((int64(d1) * sens) >> 21) - off) >> 15
	return temp, p
}

// ms5607CRC4 is the datasheet PROM checksum. The stored CRC nibble is
// masked out of the calculation.
func ms5607CRC4(prom [8]uint16) uint8 {
	prom[0] &= 0x0FFF
	prom[7] = 0

	var rem uint16
	for cnt := 0; cnt < 16; cnt++ {
		if cnt%2 == 1 {
			rem ^= prom[cnt>>1] & 0x00FF
		} else {
			rem ^= prom[cnt>>1] >> 8
		}
		for bit := 0; bit < 8; bit++ {
			if rem&0x8000 != 0 {
				rem = rem<<1 ^ 0x3000
			} else {
				rem <<= 1
			}
		}
	}
	return uint8((rem >> 12) & 0x0F)
}
