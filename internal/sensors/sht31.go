package sensors

import (
	"fmt"
	"time"

	"periph.io/x/conn/v3/i2c"
)

// SHT31 command set (16-bit commands, MSB first on the wire).
const (
	sht31CmdSoftReset   = 0x30A2
	sht31CmdReadStatus  = 0xF32D
	sht31CmdClearStatus = 0x3041
	sht31CmdMeasHighRep = 0x2400 // single shot, high repeatability, no stretch
)

const sht31MeasDelay = 15 * time.Millisecond // high repeatability worst case

// SHT31 is the hygrometer. Like the barometer it has no register map,
// only 16-bit commands followed by CRC-protected data words.
type SHT31 struct {
	dev i2c.Dev
}

// NewSHT31 soft-resets the sensor and verifies communication through a
// status register read.
func NewSHT31(bus i2c.Bus, addr uint16) (*SHT31, error) {
	s := &SHT31{dev: i2c.Dev{Bus: bus, Addr: addr}}

	if err := s.command(sht31CmdSoftReset); err != nil {
		return nil, fmt.Errorf("sht31 soft reset: %w", err)
	}
	time.Sleep(50 * time.Millisecond)

	var buf [3]byte
	if err := s.command(sht31CmdReadStatus); err != nil {
		return nil, fmt.Errorf("sht31 status: %w", err)
	}
	time.Sleep(time.Millisecond)
	if err := s.dev.Tx(nil, buf[:]); err != nil {
		return nil, fmt.Errorf("sht31 status read: %w", err)
	}
	if sht31CRC8(buf[:2]) != buf[2] {
		return nil, fmt.Errorf("sht31 status crc mismatch")
	}
	if err := s.command(sht31CmdClearStatus); err != nil {
		return nil, fmt.Errorf("sht31 clear status: %w", err)
	}
	return s, nil
}

func (s *SHT31) command(cmd uint16) error {
	return s.dev.Tx([]byte{byte(cmd >> 8), byte(cmd)}, nil)
}

// Read returns temperature in degrees C and relative humidity in
// percent from a single-shot high repeatability measurement.
func (s *SHT31) Read() (tempC, humidityPct float64, err error) {
	if err := s.command(sht31CmdMeasHighRep); err != nil {
		return 0, 0, fmt.Errorf("sht31 measure: %w", err)
	}
	time.Sleep(sht31MeasDelay)

	var buf [6]byte
	if err := s.dev.Tx(nil, buf[:]); err != nil {
		return 0, 0, fmt.Errorf("sht31 measurement read: %w", err)
	}
	if sht31CRC8(buf[0:2]) != buf[2] {
		return 0, 0, fmt.Errorf("sht31 temperature crc mismatch")
	}
	if sht31CRC8(buf[3:5]) != buf[5] {
		return 0, 0, fmt.Errorf("sht31 humidity crc mismatch")
	}

	rawT := uint16(buf[0])<<8 | uint16(buf[1])
	rawH := uint16(buf[3])<<8 | uint16(buf[4])
	tempC = -45.0 + 175.0*float64(rawT)/65535.0
	humidityPct = 100.0 * float64(rawH) / 65535.0
	if humidityPct > 100.0 {
		humidityPct = 100.0
	}
	if humidityPct < 0.0 {
		humidityPct = 0.0
	}
	return tempC, humidityPct, nil
}

// sht31CRC8 is the Sensirion checksum: poly 0x31, init 0xFF.
func sht31CRC8(data []byte) byte {
	crc := byte(0xFF)
	for _, b := range data {
		crc ^= b
		for i := 0; i < 8; i++ {
			if crc&0x80 != 0 {
				crc = crc<<1 ^ 0x31
			} else {
				crc <<= 1
			}
		}
	}
	return crc
}
