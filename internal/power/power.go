// Copyright (c) 2026 Daniel Alarcon Rubio / Relabs Tech
// SPDX-License-Identifier: MIT
// See LICENSE file for full license text

package power

import (
	"errors"
	"fmt"
	"log"
	"time"

	"periph.io/x/conn/v3/gpio"
	"periph.io/x/conn/v3/gpio/gpioreg"
)

// ErrFatalInit marks a peripheral re-init failure after deep sleep. The
// orchestrator treats it as unrecoverable and enters the fault state.
var ErrFatalInit = errors.New("peripheral reinit failed")

// PinMode is a low-power pin disposition.
type PinMode uint8

const (
	// Analog parks the pin as a floating input, the lowest leakage
	// state for pins whose peripheral is powered down (I2C, UART).
	Analog PinMode = iota
	// OutputLow drives the pin low across sleep.
	OutputLow
	// OutputHigh drives the pin high across sleep. Chip-select lines
	// must stay high or the slave wakes on bus noise.
	OutputHigh
)

// PinDisposition names one pin and the state it must hold during deep
// sleep.
type PinDisposition struct {
	Name string
	Mode PinMode
}

// Peripheral is a device the gate powers down before sleep and brings
// back after. Prepare and Resume may be nil when the device needs only
// one of the two.
type Peripheral struct {
	Name    string
	Prepare func() error
	Resume  func() error
}

// Gate sequences the system in and out of deep sleep. Peripherals are
// registered in dependency order: Prepare hooks run in reverse
// registration order, Resume hooks in registration order. The gate
// never touches the radio itself; the session manager registers a
// radio-clock hook that runs first on resume so the MAC sees a live
// clock before anything else restarts.
type Gate struct {
	dispositions []PinDisposition
	peripherals  []Peripheral
	radioClock   func() error
	wake         chan struct{}
}

func NewGate(dispositions []PinDisposition) *Gate {
	return &Gate{
		dispositions: dispositions,
		wake:         make(chan struct{}, 1),
	}
}

// Register adds a peripheral. Order of calls is the dependency order.
func (g *Gate) Register(p Peripheral) {
	g.peripherals = append(g.peripherals, p)
}

// SetRadioClockHook registers the callback that restarts the radio's
// clock source on resume, before any peripheral Resume runs.
func (g *Gate) SetRadioClockHook(fn func() error) {
	g.radioClock = fn
}

// Wake interrupts a sleeping EnterDeepSleep early. Safe from any
// goroutine; extra wakes while awake are coalesced.
func (g *Gate) Wake() {
	select {
	case g.wake <- struct{}{}:
	default:
	}
}

// parkPins applies the disposition table. A missing pin is logged and
// skipped so a bench setup without the full harness still sleeps.
func (g *Gate) parkPins() {
	for _, d := range g.dispositions {
		pin := gpioreg.ByName(d.Name)
		if pin == nil {
			log.Printf("power: pin %q not present, skipping disposition", d.Name)
			continue
		}
		var err error
		switch d.Mode {
		case Analog:
			err = pin.In(gpio.Float, gpio.NoEdge)
		case OutputLow:
			err = pin.Out(gpio.Low)
		case OutputHigh:
			err = pin.Out(gpio.High)
		}
		if err != nil {
			log.Printf("power: parking pin %q: %v", d.Name, err)
		}
	}
}

// PrepareSleep powers peripherals down in reverse dependency order,
// then parks the pins. Prepare errors are logged, not fatal: a device
// that refuses to power down costs energy, not correctness.
func (g *Gate) PrepareSleep() {
	for i := len(g.peripherals) - 1; i >= 0; i-- {
		p := g.peripherals[i]
		if p.Prepare == nil {
			continue
		}
		if err := p.Prepare(); err != nil {
			log.Printf("power: prepare %s: %v", p.Name, err)
		}
	}
	g.parkPins()
}

// EnterDeepSleep blocks until the duration elapses or Wake is called.
// Reports whether the sleep ran to completion.
func (g *Gate) EnterDeepSleep(d time.Duration) bool {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return true
	case <-g.wake:
		return false
	}
}

// ResumeFromSleep restarts the radio clock and re-inits peripherals in
// dependency order. Any failure is fatal: half-initialized hardware
// must not fly.
func (g *Gate) ResumeFromSleep() error {
	if g.radioClock != nil {
		if err := g.radioClock(); err != nil {
			return fmt.Errorf("%w: radio clock: %v", ErrFatalInit, err)
		}
	}
	for _, p := range g.peripherals {
		if p.Resume == nil {
			continue
		}
		if err := p.Resume(); err != nil {
			return fmt.Errorf("%w: %s: %v", ErrFatalInit, p.Name, err)
		}
	}
	return nil
}

// Sleep is the full cycle: prepare, deep sleep, resume.
func (g *Gate) Sleep(d time.Duration) error {
	g.PrepareSleep()
	g.EnterDeepSleep(d)
	return g.ResumeFromSleep()
}
