// Copyright (c) 2026 Daniel Alarcon Rubio / Relabs Tech
// SPDX-License-Identifier: MIT
// See LICENSE file for full license text

package norflash

import (
	"fmt"
	"time"

	"periph.io/x/conn/v3/physic"
	"periph.io/x/conn/v3/spi"
	"periph.io/x/conn/v3/spi/spireg"
)

// W25Q16JV command set.
const (
	cmdWriteEnable  = 0x06
	cmdReadStatus1  = 0x05
	cmdReadData     = 0x03
	cmdPageProgram  = 0x02
	cmdSectorErase  = 0x20
	cmdChipErase    = 0xC7
	cmdPowerDown    = 0xB9
	cmdReleasePower = 0xAB
	cmdReadJEDECID  = 0x9F
	cmdEnableReset  = 0x66
	cmdReset        = 0x99
)

const (
	statusBusy = 0x01

	jedecIDW25Q16JV = 0xEF4015
)

// Datasheet maxima with margin.
const (
	timeoutPageProg  = 5 * time.Millisecond
	timeoutSectorEr  = 500 * time.Millisecond
	timeoutChipErase = 100 * time.Second
	timeoutGeneral   = 100 * time.Millisecond
)

// W25Q is the hardware NOR flash behind an spidev. The kernel driver
// owns chip select; the CS line only appears in the sleep disposition
// table so it stays high while the bus is parked.
type W25Q struct {
	port  spi.PortCloser
	conn  spi.Conn
	jedec uint32
}

// NewW25Q opens the SPI device, wakes the chip from a possible deep
// power-down and verifies the JEDEC ID.
func NewW25Q(device string) (*W25Q, error) {
	port, err := spireg.Open(device)
	if err != nil {
		return nil, fmt.Errorf("spi open %q: %w", device, err)
	}
	conn, err := port.Connect(8*physic.MegaHertz, spi.Mode0, 8)
	if err != nil {
		port.Close()
		return nil, fmt.Errorf("spi connect: %w", err)
	}
	w := &W25Q{port: port, conn: conn}

	// The chip may still be powered down from a previous run.
	if err := w.ReleasePowerDown(); err != nil {
		port.Close()
		return nil, err
	}

	id, err := w.readJEDECID()
	if err != nil {
		port.Close()
		return nil, err
	}
	if id != jedecIDW25Q16JV {
		port.Close()
		return nil, fmt.Errorf("flash jedec id 0x%06X, want 0x%06X", id, jedecIDW25Q16JV)
	}
	w.jedec = id
	return w, nil
}

func (w *W25Q) Size() uint32 { return FlashSize }

// JEDECID returns the cached identification word.
func (w *W25Q) JEDECID() uint32 { return w.jedec }

// tx runs one chip-select cycle: cmd bytes out, then read bytes in.
// SPI is full duplex so both directions share one padded transfer.
func (w *W25Q) tx(out []byte, readLen int) ([]byte, error) {
	total := len(out) + readLen
	txBuf := make([]byte, total)
	rxBuf := make([]byte, total)
	copy(txBuf, out)
	if err := w.conn.Tx(txBuf, rxBuf); err != nil {
		return nil, fmt.Errorf("spi tx: %w", err)
	}
	return rxBuf[len(out):], nil
}

func addr24(addr uint32) [3]byte {
	return [3]byte{byte(addr >> 16), byte(addr >> 8), byte(addr)}
}

func (w *W25Q) readJEDECID() (uint32, error) {
	rx, err := w.tx([]byte{cmdReadJEDECID}, 3)
	if err != nil {
		return 0, err
	}
	return uint32(rx[0])<<16 | uint32(rx[1])<<8 | uint32(rx[2]), nil
}

func (w *W25Q) readStatus1() (byte, error) {
	rx, err := w.tx([]byte{cmdReadStatus1}, 1)
	if err != nil {
		return 0, err
	}
	return rx[0], nil
}

// waitReady polls the busy bit until the operation completes.
func (w *W25Q) waitReady(timeout time.Duration) error {
	deadline := time.Now().Add(timeout)
	for {
		s, err := w.readStatus1()
		if err != nil {
			return err
		}
		if s&statusBusy == 0 {
			return nil
		}
		if time.Now().After(deadline) {
			return fmt.Errorf("flash busy after %v", timeout)
		}
		time.Sleep(time.Millisecond)
	}
}

func (w *W25Q) writeEnable() error {
	if _, err := w.tx([]byte{cmdWriteEnable}, 0); err != nil {
		return err
	}
	return nil
}

// Read fills buf starting at addr.
func (w *W25Q) Read(addr uint32, buf []byte) error {
	if addr+uint32(len(buf)) > FlashSize {
		return fmt.Errorf("flash read out of range: 0x%06X+%d", addr, len(buf))
	}
	a := addr24(addr)
	rx, err := w.tx([]byte{cmdReadData, a[0], a[1], a[2]}, len(buf))
	if err != nil {
		return err
	}
	copy(buf, rx)
	return nil
}

// pageProgram writes up to one page; data must not cross a page
// boundary or the chip wraps inside the page.
func (w *W25Q) pageProgram(addr uint32, data []byte) error {
	if err := w.writeEnable(); err != nil {
		return err
	}
	a := addr24(addr)
	out := make([]byte, 0, 4+len(data))
	out = append(out, cmdPageProgram, a[0], a[1], a[2])
	out = append(out, data...)
	if _, err := w.tx(out, 0); err != nil {
		return err
	}
	return w.waitReady(timeoutPageProg)
}

// Write programs data at addr, splitting across page boundaries. The
// target range must already be erased.
func (w *W25Q) Write(addr uint32, data []byte) error {
	if addr+uint32(len(data)) > FlashSize {
		return fmt.Errorf("flash write out of range: 0x%06X+%d", addr, len(data))
	}
	for len(data) > 0 {
		n := PageSize - int(addr%PageSize)
		if n > len(data) {
			n = len(data)
		}
		if err := w.pageProgram(addr, data[:n]); err != nil {
			return err
		}
		addr += uint32(n)
		data = data[n:]
	}
	return nil
}

// EraseSector erases the 4 KiB sector containing addr.
func (w *W25Q) EraseSector(addr uint32) error {
	if addr >= FlashSize {
		return fmt.Errorf("flash erase out of range: 0x%06X", addr)
	}
	if err := w.writeEnable(); err != nil {
		return err
	}
	a := addr24(addr &^ (SectorSize - 1))
	if _, err := w.tx([]byte{cmdSectorErase, a[0], a[1], a[2]}, 0); err != nil {
		return err
	}
	return w.waitReady(timeoutSectorEr)
}

// EraseAll erases the whole chip. Takes up to 100 seconds.
func (w *W25Q) EraseAll() error {
	if err := w.writeEnable(); err != nil {
		return err
	}
	if _, err := w.tx([]byte{cmdChipErase}, 0); err != nil {
		return err
	}
	return w.waitReady(timeoutChipErase)
}

// PowerDown puts the chip in deep power-down (~1µA) for sleep.
func (w *W25Q) PowerDown() error {
	_, err := w.tx([]byte{cmdPowerDown}, 0)
	return err
}

// ReleasePowerDown wakes the chip from deep power-down.
func (w *W25Q) ReleasePowerDown() error {
	if _, err := w.tx([]byte{cmdReleasePower}, 0); err != nil {
		return err
	}
	time.Sleep(time.Millisecond) // tRES1 is 3µs, timer resolution says 1ms
	return nil
}

// Reset issues the software reset pair and waits for recovery.
func (w *W25Q) Reset() error {
	if _, err := w.tx([]byte{cmdEnableReset}, 0); err != nil {
		return err
	}
	if _, err := w.tx([]byte{cmdReset}, 0); err != nil {
		return err
	}
	time.Sleep(time.Millisecond)
	return w.waitReady(timeoutGeneral)
}

// Close powers the chip down and releases the SPI port.
func (w *W25Q) Close() error {
	if err := w.PowerDown(); err != nil {
		w.port.Close()
		return err
	}
	return w.port.Close()
}
