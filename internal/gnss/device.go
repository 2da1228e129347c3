// Copyright (c) 2026 Daniel Alarcon Rubio / Relabs Tech
// SPDX-License-Identifier: MIT
// See LICENSE file for full license text

package gnss

import (
	"fmt"
	"io"
	"log"
	"time"

	serial "github.com/jacobsa/go-serial/serial"
	"periph.io/x/conn/v3/gpio"
	"periph.io/x/conn/v3/gpio/gpioreg"
)

// ATGM336H CASIC configuration commands, sent best-effort on power-up.
// The byte sequences are load-bearing: the checksums are precomputed
// and the high-altitude command defeats the 18km altitude limit.
const (
	cmdNMEAConfig   = "$PCAS03,1,0,0,1,1,1,0,0*02\r\n" // GGA + RMC + GSV + VTG
	cmdHighAltMode  = "$PCAS04,5*1C\r\n"               // high altitude mode
	cmdUpdateRate   = "$PCAS02,1000*2B\r\n"            // 1 Hz update rate
	cmdSatelliteSys = "$PCAS04,7*1A\r\n"               // GPS + BeiDou + GLONASS
	cmdFixMode      = "$PCAS11,2*1E\r\n"               // auto 2D/3D fix
	cmdSaveConfig   = "$PCAS00*01\r\n"                 // persist config in module flash
	cmdStandby      = "$PCAS12,0*1C\r\n"               // permanent standby (~15µA)
	wakeChar        = "a"                              // any char wakes from standby
)

const (
	bootDelay   = 500 * time.Millisecond // module boot after enable goes high
	settleDelay = 200 * time.Millisecond // UART settle after wake char
	cmdDelay    = 10 * time.Millisecond  // module processing gap between commands
	scanPeriod  = 100 * time.Millisecond // fallback poll while waiting for bytes
)

// Result classifies an acquisition attempt.
type Result int

const (
	// Good: valid fix passing the quality gate (4+ sats, HDOP <= 5.0).
	Good Result = iota
	// Basic: valid fix below the quality gate.
	Basic
	// Timeout: no valid fix within the window.
	Timeout
)

func (r Result) String() string {
	switch r {
	case Good:
		return "good"
	case Basic:
		return "basic"
	default:
		return "timeout"
	}
}

// Options configures a Device.
type Options struct {
	SerialPort            string
	BaudRate              int
	EnablePin             string // active high module enable
	BackupPin             string // backup power keeps ephemeris across standby
	HotStart              bool   // keep BackupPin high during standby
	AcceptMissingChecksum bool
}

// Device drives the GNSS module: power pins, UART, the receive ring and
// the NMEA pipeline. All methods run on the main task.
type Device struct {
	opts   Options
	enable gpio.PinIO
	backup gpio.PinIO

	openPort func() (io.ReadWriteCloser, error)
	port     io.ReadWriteCloser
	done     chan struct{}

	ring    *Ring
	framer  Framer
	parser  Parser
	powered bool
}

// New resolves the control pins and prepares a powered-off device.
func New(opts Options) (*Device, error) {
	d := &Device{
		opts: opts,
		ring: NewRing(),
	}
	d.parser.AcceptMissingChecksum = opts.AcceptMissingChecksum
	d.openPort = func() (io.ReadWriteCloser, error) {
		return serial.Open(serial.OpenOptions{
			PortName:        opts.SerialPort,
			BaudRate:        uint(opts.BaudRate),
			DataBits:        8,
			StopBits:        1,
			MinimumReadSize: 1,
			ParityMode:      serial.PARITY_NONE,
		})
	}

	d.enable = gpioreg.ByName(opts.EnablePin)
	if d.enable == nil {
		return nil, fmt.Errorf("gnss enable pin %q not found", opts.EnablePin)
	}
	if opts.BackupPin != "" {
		d.backup = gpioreg.ByName(opts.BackupPin)
		if d.backup == nil {
			return nil, fmt.Errorf("gnss backup pin %q not found", opts.BackupPin)
		}
	}

	// Both rails off until the first power-on.
	if err := d.enable.Out(gpio.Low); err != nil {
		return nil, fmt.Errorf("gnss enable pin init: %w", err)
	}
	if d.backup != nil {
		if err := d.backup.Out(gpio.Low); err != nil {
			return nil, fmt.Errorf("gnss backup pin init: %w", err)
		}
	}
	return d, nil
}

// newForTest builds a Device around injected port/pins, for tests.
func newForTest(opts Options, open func() (io.ReadWriteCloser, error), enable, backup gpio.PinIO) *Device {
	d := &Device{
		opts:     opts,
		ring:     NewRing(),
		openPort: open,
		enable:   enable,
		backup:   backup,
	}
	d.parser.AcceptMissingChecksum = opts.AcceptMissingChecksum
	return d
}

// runReader is the DMA engine stand-in: it moves bytes from the UART
// into the ring until the port is closed.
func (d *Device) runReader(port io.Reader, done chan struct{}) {
	defer close(done)
	buf := make([]byte, 64)
	for {
		n, err := port.Read(buf)
		if n > 0 {
			d.ring.Put(buf[:n])
		}
		if err != nil {
			return
		}
	}
}

func (d *Device) startReceive() error {
	port, err := d.openPort()
	if err != nil {
		return fmt.Errorf("gnss uart open: %w", err)
	}
	d.port = port
	d.done = make(chan struct{})
	d.ring.Reset()
	d.framer.Reset()
	d.parser.InvalidateFix()
	go d.runReader(port, d.done)
	return nil
}

// stopReceive closes the UART and waits for the reader to drain out.
// Callers must clear ring/framer/parser state *before* this, so stale
// bytes are not re-processed on the next wake.
func (d *Device) stopReceive() {
	if d.port == nil {
		return
	}
	d.port.Close()
	<-d.done
	d.port = nil
}

// PowerOn enables the module, starts reception and sends the
// configuration sequence. Called once at boot.
func (d *Device) PowerOn() error {
	if d.powered {
		return nil
	}
	if d.backup != nil {
		if err := d.backup.Out(gpio.High); err != nil {
			return fmt.Errorf("gnss backup pin: %w", err)
		}
	}
	if err := d.enable.Out(gpio.High); err != nil {
		return fmt.Errorf("gnss enable pin: %w", err)
	}
	time.Sleep(bootDelay)

	if err := d.startReceive(); err != nil {
		return err
	}
	d.powered = true
	d.Configure()
	return nil
}

// Configure sends the module setup commands. Failures are logged but do
// not abort: the module ships with usable defaults.
func (d *Device) Configure() {
	for _, cmd := range []string{
		cmdNMEAConfig,
		cmdHighAltMode,
		cmdUpdateRate,
		cmdSatelliteSys,
		cmdFixMode,
		cmdSaveConfig,
	} {
		if err := d.SendCommand(cmd); err != nil {
			log.Printf("gnss: config command %q failed: %v", cmd[:7], err)
		}
		time.Sleep(cmdDelay)
	}
}

// SendCommand writes one raw command line to the module.
func (d *Device) SendCommand(cmd string) error {
	if d.port == nil {
		return fmt.Errorf("gnss uart not open")
	}
	if _, err := io.WriteString(d.port, cmd); err != nil {
		return fmt.Errorf("gnss uart write: %w", err)
	}
	return nil
}

// EnterStandby puts the module in its ~15µA standby. Parser and ring
// state are cleared before reception stops, per the wake-ordering
// contract. When hot-start is enabled the backup pin stays high so the
// module retains ephemeris and the next fix lands in 1-5s.
func (d *Device) EnterStandby() error {
	if !d.powered {
		return nil
	}
	d.parser.Reset()
	d.framer.Reset()
	d.ring.Reset()

	if err := d.SendCommand(cmdStandby); err != nil {
		log.Printf("gnss: standby command failed: %v", err)
	}
	d.stopReceive()

	if err := d.enable.Out(gpio.Low); err != nil {
		return fmt.Errorf("gnss enable pin: %w", err)
	}
	if d.backup != nil && !d.opts.HotStart {
		if err := d.backup.Out(gpio.Low); err != nil {
			return fmt.Errorf("gnss backup pin: %w", err)
		}
	}
	d.powered = false
	return nil
}

// WakeFromStandby restores reception after EnterStandby.
func (d *Device) WakeFromStandby() error {
	if d.powered {
		return nil
	}
	if d.backup != nil {
		if err := d.backup.Out(gpio.High); err != nil {
			return fmt.Errorf("gnss backup pin: %w", err)
		}
	}
	if err := d.enable.Out(gpio.High); err != nil {
		return fmt.Errorf("gnss enable pin: %w", err)
	}
	time.Sleep(bootDelay)

	if err := d.startReceive(); err != nil {
		return err
	}
	d.powered = true

	if err := d.SendCommand(wakeChar); err != nil {
		log.Printf("gnss: wake char failed: %v", err)
	}
	time.Sleep(settleDelay)
	return nil
}

// drain pushes all buffered bytes through the framer and parser.
func (d *Device) drain() {
	for {
		b, ok := d.ring.Pop()
		if !ok {
			return
		}
		if sentence, complete := d.framer.Push(b); complete {
			d.parser.Accept(sentence)
		}
	}
}

// AcquireFix processes incoming NMEA until a good-quality fix arrives
// or the window expires. The cached fix is invalidated on entry so a
// previous cycle's data can never masquerade as fresh (that would also
// fake a 0ms time-to-fix). Between scans the task blocks on the ring's
// data-ready signal, the light-sleep analog of WFI with UART/DMA alive.
//
// Returns the classification, the fix (meaningful for Good/Basic), and
// the measured time to fix.
func (d *Device) AcquireFix(window time.Duration) (Result, Fix, time.Duration) {
	d.parser.InvalidateFix()
	start := time.Now()

	deadline := time.NewTimer(window)
	defer deadline.Stop()
	tick := time.NewTicker(scanPeriod)
	defer tick.Stop()

	for {
		d.drain()
		if f := d.parser.Fix(); f.GoodQuality() {
			return Good, f, time.Since(start)
		}

		select {
		case <-deadline.C:
			d.drain()
			f := d.parser.Fix()
			if f.GoodQuality() {
				return Good, f, time.Since(start)
			}
			if f.Valid {
				return Basic, f, time.Since(start)
			}
			return Timeout, Fix{}, window
		case <-d.ring.Ready():
		case <-tick.C:
		}
	}
}

// Stats exposes parser counters for the trace channel.
func (d *Device) Stats() Stats { return d.parser.Stats() }

// SatsInView reports the GSV diagnostic count.
func (d *Device) SatsInView() uint8 { return d.parser.Fix().SatsInView }
