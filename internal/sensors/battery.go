package sensors

import (
	"fmt"

	"periph.io/x/conn/v3/analog"
	"periph.io/x/conn/v3/i2c"
	"periph.io/x/conn/v3/physic"
	"periph.io/x/devices/v3/ads1x15"
)

// Battery reads the pack voltage and the regulator rail through an
// ADS1115. The battery sits behind a resistor divider described by
// num/den (Vbat = Vadc * num / den); the rail is measured directly.
type Battery struct {
	adc     *ads1x15.Dev
	battery analog.PinADC
	rail    analog.PinADC
	num     float64
	den     float64
}

// NewBattery opens the ADC and prepares single-ended channels 0
// (battery divider) and 1 (regulator rail).
func NewBattery(bus i2c.Bus, addr uint16, dividerNum, dividerDen float64) (*Battery, error) {
	opts := ads1x15.DefaultOpts
	opts.I2cAddress = addr
	adc, err := ads1x15.NewADS1115(bus, &opts)
	if err != nil {
		return nil, fmt.Errorf("ads1115 init: %w", err)
	}

	battery, err := adc.PinForChannel(ads1x15.Channel0, 5*physic.Volt, 1*physic.Hertz, ads1x15.SaveEnergy)
	if err != nil {
		return nil, fmt.Errorf("ads1115 battery channel: %w", err)
	}
	rail, err := adc.PinForChannel(ads1x15.Channel1, 5*physic.Volt, 1*physic.Hertz, ads1x15.SaveEnergy)
	if err != nil {
		return nil, fmt.Errorf("ads1115 rail channel: %w", err)
	}
	return &Battery{adc: adc, battery: battery, rail: rail, num: dividerNum, den: dividerDen}, nil
}

// Read returns the battery voltage (divider compensated) and the
// regulator rail voltage, both in volts.
func (b *Battery) Read() (batteryV, railV float64, err error) {
	s, err := b.battery.Read()
	if err != nil {
		return 0, 0, fmt.Errorf("ads1115 battery read: %w", err)
	}
	batteryV = float64(s.V) / float64(physic.Volt) * b.num / b.den

	s, err = b.rail.Read()
	if err != nil {
		return 0, 0, fmt.Errorf("ads1115 rail read: %w", err)
	}
	railV = float64(s.V) / float64(physic.Volt)
	return batteryV, railV, nil
}

// Halt stops any continuous conversion before sleep.
func (b *Battery) Halt() {
	b.battery.Halt()
	b.rail.Halt()
}
