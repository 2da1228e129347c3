package flashlog

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRecordMarshalRoundTrip(t *testing.T) {
	r := Record{
		Sequence:    7,
		Timestamp:   3600,
		Pressure:    264.3,
		Temperature: -41.2,
		Humidity:    18.5,
		AltitudeGPS: 10234,
		AltitudeBar: 10180,
		Satellites:  9,
		FixQuality:  1,
		HDOPx10:     12,
		GNSSValid:   1,
		BatteryMV:   3870,
		Flags:       0x07,
	}
	r.SetPosition(51.5074, -0.1278)

	b, err := r.Marshal()
	require.NoError(t, err)
	require.Len(t, b, RecordSize)

	got, err := UnmarshalRecord(b)
	require.NoError(t, err)
	assert.Equal(t, uint32(RecordMagic), got.Magic)
	assert.Equal(t, r.Sequence, got.Sequence)
	assert.Equal(t, r.Timestamp, got.Timestamp)
	assert.Equal(t, r.BatteryMV, got.BatteryMV)
	assert.InDelta(t, -41.2, float64(got.Temperature), 1e-4)

	lat, lon := got.Position()
	assert.InDelta(t, 51.5074, lat, 1e-4)
	assert.InDelta(t, -0.1278, lon, 1e-4)
}

func TestRecordPositionExtremes(t *testing.T) {
	var r Record
	r.SetPosition(90, -180)
	assert.Equal(t, int32(8388607), r.Latitude)
	assert.Equal(t, int32(-8388607), r.Longitude)

	r.SetPosition(-90, 180)
	assert.Equal(t, int32(-8388607), r.Latitude)
	assert.Equal(t, int32(8388607), r.Longitude)
}

func TestUnmarshalRecordRejects(t *testing.T) {
	r := Record{Sequence: 1}
	b, err := r.Marshal()
	require.NoError(t, err)

	t.Run("short buffer", func(t *testing.T) {
		_, err := UnmarshalRecord(b[:10])
		assert.Error(t, err)
	})

	t.Run("bad magic", func(t *testing.T) {
		bad := append([]byte(nil), b...)
		bad[0] ^= 0xFF
		_, err := UnmarshalRecord(bad)
		assert.ErrorContains(t, err, "magic")
	})

	t.Run("bad crc", func(t *testing.T) {
		bad := append([]byte(nil), b...)
		bad[20] ^= 0x01
		_, err := UnmarshalRecord(bad)
		assert.ErrorContains(t, err, "crc")
	})
}
