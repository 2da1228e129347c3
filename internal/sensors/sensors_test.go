package sensors

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
)

type fakeBaro struct {
	temp, press float64
	err         error
}

func (f fakeBaro) Read() (float64, float64, error) { return f.temp, f.press, f.err }

type fakeHygro struct {
	temp, hum float64
	err       error
}

func (f fakeHygro) Read() (float64, float64, error) { return f.temp, f.hum, f.err }

type fakePower struct {
	bat, rail float64
	err       error
}

func (f fakePower) Read() (float64, float64, error) { return f.bat, f.rail, f.err }

func TestReadAllHealthy(t *testing.T) {
	s := &Suite{
		Baro:  fakeBaro{temp: -12.5, press: 264.3},
		Hygro: fakeHygro{temp: -14.1, hum: 22.0},
		Power: fakePower{bat: 3.91, rail: 3.30},
	}
	r := s.ReadAll()

	assert.Equal(t, FlagBaro|FlagHygro|FlagPower, r.Flags)
	// Hygrometer temperature wins when both sensors answer.
	assert.InDelta(t, -14.1, r.TempC, 1e-9)
	assert.InDelta(t, 22.0, r.HumidityPct, 1e-9)
	assert.InDelta(t, 264.3, r.PressureMbar, 1e-9)
	assert.InDelta(t, 3.91, r.BatteryV, 1e-9)
	assert.InDelta(t, 3.30, r.RailV, 1e-9)
}

func TestReadAllAllDead(t *testing.T) {
	s := &Suite{}
	r := s.ReadAll()

	assert.Equal(t, uint8(0), r.Flags)
	assert.InDelta(t, defaultTempC, r.TempC, 1e-9)
	assert.InDelta(t, defaultHumidityPct, r.HumidityPct, 1e-9)
	assert.InDelta(t, defaultPressureMbar, r.PressureMbar, 1e-9)
	assert.Zero(t, r.BatteryV)
}

func TestReadAllBaroTempFallback(t *testing.T) {
	s := &Suite{
		Baro:  fakeBaro{temp: -30.2, press: 110.0},
		Hygro: fakeHygro{err: errors.New("bus nak")},
	}
	r := s.ReadAll()

	assert.Equal(t, FlagBaro, r.Flags)
	assert.InDelta(t, -30.2, r.TempC, 1e-9)
	assert.InDelta(t, defaultHumidityPct, r.HumidityPct, 1e-9)
	assert.InDelta(t, 110.0, r.PressureMbar, 1e-9)
}

func TestReadAllPartialFailure(t *testing.T) {
	s := &Suite{
		Baro:  fakeBaro{err: errors.New("timeout")},
		Hygro: fakeHygro{temp: 5.0, hum: 80.0},
		Power: fakePower{err: errors.New("adc gone")},
	}
	r := s.ReadAll()

	assert.Equal(t, FlagHygro, r.Flags)
	assert.InDelta(t, 5.0, r.TempC, 1e-9)
	assert.InDelta(t, defaultPressureMbar, r.PressureMbar, 1e-9)
	assert.Zero(t, r.BatteryV)
}
