// Package sensors reads the environmental and power telemetry that
// rides along with every position report: MS5607 barometer, SHT31
// hygrometer and an ADS1115 watching the battery and regulator rail.
package sensors

import (
	"fmt"
	"log"

	"periph.io/x/conn/v3/i2c"
	"periph.io/x/conn/v3/i2c/i2creg"
)

// Telemetry validity flag bits. A set bit means the reading is real; a
// clear bit means the default was substituted.
const (
	FlagBaro uint8 = 1 << iota
	FlagHygro
	FlagPower
)

// Substituted when a sensor fails: plausible mid-range values so the
// downstream decoder never sees garbage.
const (
	defaultTempC        = 18.0
	defaultHumidityPct  = 50.0
	defaultPressureMbar = 1000.0
)

// Readings is one telemetry snapshot.
type Readings struct {
	TempC        float64
	HumidityPct  float64
	PressureMbar float64
	BatteryV     float64
	RailV        float64
	Flags        uint8
}

// Baro measures temperature and pressure.
type Baro interface {
	Read() (tempC, pressureMbar float64, err error)
}

// Hygro measures temperature and humidity.
type Hygro interface {
	Read() (tempC, humidityPct float64, err error)
}

// PowerMonitor measures battery and regulator voltages.
type PowerMonitor interface {
	Read() (batteryV, railV float64, err error)
}

// Suite bundles the sensor set. Any member may be nil when its probe
// failed at boot; ReadAll degrades instead of failing.
type Suite struct {
	Baro  Baro
	Hygro Hygro
	Power PowerMonitor

	bus i2c.BusCloser
}

// Options selects the bus and device addresses.
type Options struct {
	I2CBus     string
	BaroAddr   uint16
	BaroOSR    int
	HygroAddr  uint16
	ADCAddr    uint16
	BatteryNum float64
	BatteryDen float64
}

// NewSuite opens the I2C bus and probes each sensor. A sensor that
// fails to probe is logged and left nil; only a bus-level failure is an
// error, since then nothing on the harness can work.
func NewSuite(opts Options) (*Suite, error) {
	bus, err := i2creg.Open(opts.I2CBus)
	if err != nil {
		return nil, fmt.Errorf("i2c bus %q: %w", opts.I2CBus, err)
	}
	s := &Suite{bus: bus}

	if baro, err := NewMS5607(bus, opts.BaroAddr, opts.BaroOSR); err != nil {
		log.Printf("sensors: barometer probe failed: %v", err)
	} else {
		s.Baro = baro
	}
	if hygro, err := NewSHT31(bus, opts.HygroAddr); err != nil {
		log.Printf("sensors: hygrometer probe failed: %v", err)
	} else {
		s.Hygro = hygro
	}
	if pw, err := NewBattery(bus, opts.ADCAddr, opts.BatteryNum, opts.BatteryDen); err != nil {
		log.Printf("sensors: battery adc probe failed: %v", err)
	} else {
		s.Power = pw
	}
	return s, nil
}

// ReadAll never fails the cycle: each failed sensor contributes its
// default and clears its flag bit. Temperature prefers the hygrometer
// and falls back to the barometer's internal sensor.
func (s *Suite) ReadAll() Readings {
	r := Readings{
		TempC:        defaultTempC,
		HumidityPct:  defaultHumidityPct,
		PressureMbar: defaultPressureMbar,
	}

	var baroTemp float64
	baroOK := false
	if s.Baro != nil {
		t, p, err := s.Baro.Read()
		if err != nil {
			log.Printf("sensors: barometer read: %v", err)
		} else {
			r.PressureMbar = p
			baroTemp = t
			baroOK = true
			r.Flags |= FlagBaro
		}
	}

	hygroOK := false
	if s.Hygro != nil {
		t, h, err := s.Hygro.Read()
		if err != nil {
			log.Printf("sensors: hygrometer read: %v", err)
		} else {
			r.TempC = t
			r.HumidityPct = h
			hygroOK = true
			r.Flags |= FlagHygro
		}
	}
	if !hygroOK && baroOK {
		r.TempC = baroTemp
	}

	if s.Power != nil {
		bat, rail, err := s.Power.Read()
		if err != nil {
			log.Printf("sensors: power read: %v", err)
		} else {
			r.BatteryV = bat
			r.RailV = rail
			r.Flags |= FlagPower
		}
	}
	return r
}

// Halt parks the ADC before deep sleep.
func (s *Suite) Halt() {
	if b, ok := s.Power.(*Battery); ok && b != nil {
		b.Halt()
	}
}

// Close releases the bus.
func (s *Suite) Close() error {
	if s.bus == nil {
		return nil
	}
	return s.bus.Close()
}
