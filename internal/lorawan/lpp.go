package lorawan

import (
	"math"
	"time"
)

// Cayenne LPP type bytes.
const (
	lppAnalogInput = 0x02 // 2 bytes, signed, 0.01 resolution
	lppTemperature = 0x67 // 2 bytes, signed, 0.1 degC
	lppHumidity    = 0x68 // 1 byte, unsigned, 0.5 %
	lppBarometer   = 0x73 // 2 bytes, unsigned, 0.1 mbar
	lppGPS         = 0x88 // 3x3 bytes signed: lat/lon 0.0001 deg, alt 0.01 m
)

// Fixed channel assignment. Decoders on the ground key on these, so
// the order and numbers are frozen.
const (
	chTemperature = 1
	chHumidity    = 2
	chPressure    = 3
	chGPS         = 4
	chSats        = 5
	chBattery     = 6
	chRail        = 7
	chHDOP        = 8
	chTimeToFix   = 9
)

// Frame is one cycle's telemetry, assembled by the orchestrator and
// consumed by the encoder and the journal.
type Frame struct {
	TempC        float64
	HumidityPct  float64
	PressureMbar float64
	Latitude     float64
	Longitude    float64
	AltitudeM    float64
	Sats         uint8
	BatteryV     float64
	RailV        float64
	HDOP         float64
	TimeToFix    time.Duration
}

// EncodeLPP renders the frame as Cayenne LPP in the fixed channel
// order. The analog channels carry 0.01 resolution and saturate at
// +-327.67, which caps the time-to-fix channel at 327 s.
func EncodeLPP(f Frame) []byte {
	b := make([]byte, 0, 48)

	b = append(b, chTemperature, lppTemperature)
	b = appendI16(b, int16(clamp(math.Round(f.TempC*10), math.MinInt16, math.MaxInt16)))

	b = append(b, chHumidity, lppHumidity)
	b = append(b, uint8(clamp(math.Round(f.HumidityPct*2), 0, 200)))

	b = append(b, chPressure, lppBarometer)
	b = appendU16(b, uint16(clamp(math.Round(f.PressureMbar*10), 0, math.MaxUint16)))

	b = append(b, chGPS, lppGPS)
	b = appendI24(b, int32(clamp(math.Round(f.Latitude*10000), -8388608, 8388607)))
	b = appendI24(b, int32(clamp(math.Round(f.Longitude*10000), -8388608, 8388607)))
	b = appendI24(b, int32(clamp(math.Round(f.AltitudeM*100), -8388608, 8388607)))

	b = appendAnalog(b, chSats, float64(f.Sats))
	b = appendAnalog(b, chBattery, f.BatteryV)
	b = appendAnalog(b, chRail, f.RailV)
	b = appendAnalog(b, chHDOP, f.HDOP)
	b = appendAnalog(b, chTimeToFix, f.TimeToFix.Seconds())

	return b
}

// appendAnalog writes a channel as LPP analog input: signed, big
// endian, 0.01 resolution, saturating.
func appendAnalog(b []byte, ch uint8, v float64) []byte {
	b = append(b, ch, lppAnalogInput)
	return appendI16(b, int16(clamp(math.Round(v*100), math.MinInt16, math.MaxInt16)))
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

func appendI16(b []byte, v int16) []byte {
	return append(b, byte(uint16(v)>>8), byte(uint16(v)))
}

func appendU16(b []byte, v uint16) []byte {
	return append(b, byte(v>>8), byte(v))
}

func appendI24(b []byte, v int32) []byte {
	u := uint32(v)
	return append(b, byte(u>>16), byte(u>>8), byte(u))
}
