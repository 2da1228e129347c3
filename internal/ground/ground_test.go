package ground

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/stratotrack/tracker/internal/flashlog"
)

func TestNewRecordView(t *testing.T) {
	r := flashlog.Record{
		Sequence:    12,
		Timestamp:   3600,
		AltitudeGPS: 12345,
		AltitudeBar: 9980,
		Temperature: -41.2,
		Humidity:    18.5,
		Pressure:    264.3,
		Satellites:  9,
		FixQuality:  1,
		HDOPx10:     12,
		GNSSValid:   1,
		BatteryMV:   3870,
		Flags:       0x07,
	}
	r.SetPosition(51.5074, -0.1278)

	v := NewRecordView(r)
	assert.Equal(t, uint32(12), v.Sequence)
	assert.InDelta(t, 51.5074, v.Latitude, 1e-4)
	assert.InDelta(t, -0.1278, v.Longitude, 1e-4)
	assert.Equal(t, 12345, v.AltGPSM)
	assert.InDelta(t, 998.0, v.AltBaroM, 1e-9)
	assert.InDelta(t, 1.2, v.HDOP, 1e-9)
	assert.True(t, v.GNSSValid)
	assert.InDelta(t, 3.87, v.BatteryV, 1e-9)
	assert.False(t, v.ReceivedAt.IsZero())
}

func TestRecordViewJSONKeys(t *testing.T) {
	// The station's web client keys on these names.
	b, err := json.Marshal(NewRecordView(flashlog.Record{}))
	require.NoError(t, err)

	var m map[string]any
	require.NoError(t, json.Unmarshal(b, &m))
	for _, key := range []string{
		"sequence", "timestamp", "latitude", "longitude",
		"alt_gps_m", "alt_baro_m", "temp_c", "humidity_pct",
		"pressure_mbar", "satellites", "fix_quality", "hdop",
		"gnss_valid", "battery_v", "flags", "received_at",
	} {
		assert.Contains(t, m, key)
	}
}
