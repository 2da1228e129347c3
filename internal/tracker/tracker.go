// Copyright (c) 2026 Daniel Alarcon Rubio / Relabs Tech
// SPDX-License-Identifier: MIT
// See LICENSE file for full license text

// Package tracker is the duty-cycle orchestrator: wake, fix, sense,
// transmit, journal, sleep. One cycle at a time, fix before send, send
// before journal, counters saved last, so a crash anywhere costs at
// most the cycle in progress.
package tracker

import (
	"context"
	"fmt"
	"log"
	"math"
	"time"

	"periph.io/x/conn/v3/gpio"

	"github.com/stratotrack/tracker/internal/config"
	"github.com/stratotrack/tracker/internal/flashlog"
	"github.com/stratotrack/tracker/internal/gnss"
	"github.com/stratotrack/tracker/internal/lorawan"
	"github.com/stratotrack/tracker/internal/region"
	"github.com/stratotrack/tracker/internal/sensors"
)

// State is the orchestrator's current phase.
type State int

const (
	StateBoot State = iota
	StateProvisioning
	StateIdle
	StateAcquiring
	StateTransmitting
	StateJournaling
	StateSleeping
	StateFault
)

func (s State) String() string {
	switch s {
	case StateBoot:
		return "boot"
	case StateProvisioning:
		return "provisioning"
	case StateIdle:
		return "idle"
	case StateAcquiring:
		return "acquiring"
	case StateTransmitting:
		return "transmitting"
	case StateJournaling:
		return "journaling"
	case StateSleeping:
		return "sleeping"
	case StateFault:
		return "fault"
	default:
		return "unknown"
	}
}

// Positioner is the GNSS device surface the orchestrator drives.
type Positioner interface {
	PowerOn() error
	WakeFromStandby() error
	EnterStandby() error
	AcquireFix(window time.Duration) (gnss.Result, gnss.Fix, time.Duration)
}

// Telemetry produces the sensor snapshot for a cycle.
type Telemetry interface {
	ReadAll() sensors.Readings
}

// Journal is the flash log surface.
type Journal interface {
	Write(*flashlog.Record) error
	SyncHeader() error
}

// Uplink is the LoRaWAN manager surface.
type Uplink interface {
	Resume() (bool, error)
	ProvisionAll(ctx context.Context, regions []region.Region, spacing time.Duration) error
	JoinRegion(ctx context.Context, r region.Region) error
	SwitchRegion(r region.Region) error
	AutoSwitch(lat, lon float64) (region.Region, bool)
	Send(f lorawan.Frame) lorawan.SendStatus
	CaptureActive() error
	Active() region.Region
}

// Sleeper is the power gate surface.
type Sleeper interface {
	Sleep(d time.Duration) error
}

// Options wire a Tracker.
type Options struct {
	Config  *config.Config
	GNSS    Positioner
	Sensors Telemetry
	Journal Journal
	Link    Uplink
	Gate    Sleeper
	LED     gpio.PinIO // may be nil on a bench setup
}

// Tracker runs the flight loop.
type Tracker struct {
	cfg     *config.Config
	gnss    Positioner
	sensors Telemetry
	journal Journal
	link    Uplink
	gate    Sleeper
	led     gpio.PinIO

	state   State
	started time.Time

	lastFix gnss.Fix
	haveFix bool

	rejoin bool
	cycles uint32
}

func New(opts Options) *Tracker {
	return &Tracker{
		cfg:     opts.Config,
		gnss:    opts.GNSS,
		sensors: opts.Sensors,
		journal: opts.Journal,
		link:    opts.Link,
		gate:    opts.Gate,
		led:     opts.LED,
		started: time.Now(),
	}
}

// State reports the current phase.
func (t *Tracker) State() State { return t.state }

// Cycles reports completed duty cycles.
func (t *Tracker) Cycles() uint32 { return t.cycles }

func (t *Tracker) setState(s State) {
	if s != t.state {
		log.Printf("tracker: %s -> %s", t.state, s)
		t.state = s
	}
}

// fault lights the LED and halts. Half-working hardware must not keep
// flying the loop; a watchdog or ground command is the way back.
func (t *Tracker) fault(ctx context.Context, err error) error {
	t.setState(StateFault)
	log.Printf("tracker: fault: %v", err)
	if t.led != nil {
		if lederr := t.led.Out(gpio.High); lederr != nil {
			log.Printf("tracker: fault led: %v", lederr)
		}
	}
	<-ctx.Done()
	return err
}

// Run is the flight loop: boot, resume or provision, then duty cycles
// until the context ends.
func (t *Tracker) Run(ctx context.Context) error {
	t.setState(StateBoot)
	if err := t.gnss.PowerOn(); err != nil {
		return t.fault(ctx, err)
	}

	resumed, err := t.link.Resume()
	if err != nil {
		return t.fault(ctx, err)
	}
	if !resumed {
		if err := t.provision(ctx); err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			return t.fault(ctx, err)
		}
	}
	t.setState(StateIdle)

	period := time.Duration(t.cfg.DutyCyclePeriod) * time.Second
	for {
		if err := ctx.Err(); err != nil {
			return err
		}
		start := time.Now()
		t.cycle(ctx)

		rest := period - time.Since(start)
		if rest < time.Second {
			rest = time.Second
		}
		t.setState(StateSleeping)
		// Sleep only fails with power.ErrFatalInit: a peripheral that
		// would not come back. That grounds the loop.
		if err := t.gate.Sleep(rest); err != nil {
			return t.fault(ctx, err)
		}
		t.setState(StateIdle)
	}
}

// provision joins every configured region in order, then moves the
// live session to the configured default.
func (t *Tracker) provision(ctx context.Context) error {
	t.setState(StateProvisioning)
	regions := make([]region.Region, 0, len(t.cfg.Regions))
	for _, name := range t.cfg.Regions {
		r, err := region.Parse(name)
		if err != nil {
			return err
		}
		regions = append(regions, r)
	}
	spacing := time.Duration(t.cfg.JoinSpacing) * time.Second
	if err := t.link.ProvisionAll(ctx, regions, spacing); err != nil {
		return fmt.Errorf("provisioning: %w", err)
	}
	def, err := region.Parse(t.cfg.DefaultRegion)
	if err != nil {
		return err
	}
	if def != t.link.Active() {
		if err := t.link.SwitchRegion(def); err != nil {
			log.Printf("tracker: switch to default %s: %v", def, err)
		}
	}
	return nil
}

// cycle is one wake period. Nothing in it is fatal: a cycle that fails
// is a cycle lost, the next one starts clean.
func (t *Tracker) cycle(ctx context.Context) {
	if t.rejoin {
		t.setState(StateProvisioning)
		if err := t.link.JoinRegion(ctx, t.link.Active()); err != nil {
			log.Printf("tracker: re-join: %v", err)
		} else {
			t.rejoin = false
		}
	}

	t.setState(StateAcquiring)
	fix, ttf, fresh := t.acquire()

	readings := t.sensors.ReadAll()

	if fresh && gnss.ValidCoordinates(fix.Latitude, fix.Longitude) {
		t.link.AutoSwitch(fix.Latitude, fix.Longitude)
	}

	t.setState(StateTransmitting)
	status := t.link.Send(buildFrame(fix, readings, ttf))
	switch status {
	case lorawan.SendSuccess:
		t.setState(StateJournaling)
		rec := t.buildRecord(fix, readings, fresh)
		if err := t.journal.Write(&rec); err != nil {
			log.Printf("tracker: journal write: %v", err)
		}
		if err := t.link.CaptureActive(); err != nil {
			log.Printf("tracker: save counters: %v", err)
		}
	case lorawan.SendNotJoined:
		log.Printf("tracker: send: not joined, queueing re-join")
		t.rejoin = true
	case lorawan.SendBusy, lorawan.SendDutyCycle:
		log.Printf("tracker: send deferred: %s", status)
	default:
		log.Printf("tracker: send failed: %s", status)
	}
	t.cycles++
}

// acquire runs the GNSS window and applies the fallback policy on
// timeout: last known position by default, a zeroed triplet when
// configured. Either way the cycle still transmits and journals; a
// balloon with no fix still has sensors worth hearing.
func (t *Tracker) acquire() (fix gnss.Fix, ttf time.Duration, fresh bool) {
	window := time.Duration(t.cfg.GNSSAcquireTimeout) * time.Second
	if err := t.gnss.WakeFromStandby(); err != nil {
		log.Printf("tracker: gnss wake: %v", err)
	}
	res, f, elapsed := t.gnss.AcquireFix(window)
	if err := t.gnss.EnterStandby(); err != nil {
		log.Printf("tracker: gnss standby: %v", err)
	}

	switch res {
	case gnss.Good, gnss.Basic:
		t.lastFix, t.haveFix = f, true
		return f, elapsed, true
	default:
		if t.haveFix && !t.cfg.FallbackZeros {
			log.Printf("tracker: fix timeout, reusing last known position")
			return t.lastFix, 0, false
		}
		log.Printf("tracker: fix timeout, no position")
		return gnss.Fix{}, 0, false
	}
}

func buildFrame(fix gnss.Fix, r sensors.Readings, ttf time.Duration) lorawan.Frame {
	return lorawan.Frame{
		TempC:        r.TempC,
		HumidityPct:  r.HumidityPct,
		PressureMbar: r.PressureMbar,
		Latitude:     fix.Latitude,
		Longitude:    fix.Longitude,
		AltitudeM:    fix.AltitudeM,
		Sats:         fix.SatsUsed,
		BatteryV:     r.BatteryV,
		RailV:        r.RailV,
		HDOP:         fix.HDOP,
		TimeToFix:    ttf,
	}
}

func (t *Tracker) buildRecord(fix gnss.Fix, r sensors.Readings, fresh bool) flashlog.Record {
	rec := flashlog.Record{
		Timestamp:   uint32(time.Since(t.started).Seconds()),
		Pressure:    float32(r.PressureMbar),
		Temperature: float32(r.TempC),
		Humidity:    float32(r.HumidityPct),
		AltitudeGPS: clampI16(math.Round(fix.AltitudeM)),
		AltitudeBar: clampI16(math.Round(baroAltitudeM(r.PressureMbar) * 10)),
		Satellites:  fix.SatsUsed,
		HDOPx10:     clampU8(math.Round(fix.HDOP * 10)),
		BatteryMV:   uint16(clamp(math.Round(r.BatteryV*1000), 0, math.MaxUint16)),
		Flags:       r.Flags,
	}
	rec.SetPosition(fix.Latitude, fix.Longitude)
	if fresh {
		rec.FixQuality = uint8(fix.Quality)
		rec.GNSSValid = 1
	}
	return rec
}

// baroAltitudeM is the international barometric formula against the
// standard atmosphere.
func baroAltitudeM(pressureMbar float64) float64 {
	if pressureMbar <= 0 {
		return 0
	}
	return 44330.0 * (1.0 - math.Pow(pressureMbar/1013.25, 0.1903))
}

func clamp(v, lo, hi float64) float64 {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}

func clampI16(v float64) int16 {
	return int16(clamp(v, math.MinInt16, math.MaxInt16))
}

func clampU8(v float64) uint8 {
	return uint8(clamp(v, 0, math.MaxUint8))
}
