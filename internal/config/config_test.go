package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const minimalConfig = `# flight config
GNSS_SERIAL_PORT=/dev/ttyS1
GNSS_ENABLE_PIN=GPIO17
RADIO_SERIAL_PORT=/dev/ttyS2
FLASH_SPI_DEVICE=/dev/spidev0.0
I2C_BUS=/dev/i2c-1
REGION_STORE_PATH=/var/lib/tracker/regions.bin
MAC_NVM_PATH=/var/lib/tracker/mac.bin
LORA_REGIONS=EU868,US915

REGION_EU868_DEV_EUI=70B3D57ED0001234
REGION_EU868_JOIN_EUI=70B3D57ED0000001
REGION_EU868_APP_KEY=2B7E151628AED2A6ABF7158809CF4F3C
REGION_US915_DEV_EUI=70:B3:D5:7E:D0:00:56:78
REGION_US915_JOIN_EUI=70B3D57ED0000001
REGION_US915_APP_KEY=2B:7E:15:16:28:AE:D2:A6:AB:F7:15:88:09:CF:4F:3C
`

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "tracker_config.txt")
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
	return path
}

func TestLoadMinimal(t *testing.T) {
	cfg, err := Load(writeConfig(t, minimalConfig))
	require.NoError(t, err)

	assert.Equal(t, "/dev/ttyS1", cfg.GNSSSerialPort)
	assert.Equal(t, []string{"EU868", "US915"}, cfg.Regions)
	assert.Equal(t, "EU868", cfg.DefaultRegion, "default region falls back to the first listed")

	// Defaults hold where the file is silent.
	assert.Equal(t, 9600, cfg.GNSSBaudRate)
	assert.Equal(t, 115200, cfg.RadioBaudRate)
	assert.Equal(t, 600, cfg.DutyCyclePeriod)
	assert.Equal(t, 2, cfg.AppPort)
	assert.Equal(t, uint16(0x77), cfg.BaroI2CAddr)
	assert.True(t, cfg.GNSSHotStart)
	assert.False(t, cfg.FallbackZeros)
	assert.Equal(t, "tracker/cycle", cfg.TopicCycle)
}

func TestLoadIdentities(t *testing.T) {
	cfg, err := Load(writeConfig(t, minimalConfig))
	require.NoError(t, err)

	eu, ok := cfg.Identities["EU868"]
	require.True(t, ok)
	assert.Equal(t, [8]byte{0x70, 0xB3, 0xD5, 0x7E, 0xD0, 0x00, 0x12, 0x34}, eu.DevEUI)

	// Colon-separated hex parses the same as plain hex.
	us, ok := cfg.Identities["US915"]
	require.True(t, ok)
	assert.Equal(t, [8]byte{0x70, 0xB3, 0xD5, 0x7E, 0xD0, 0x00, 0x56, 0x78}, us.DevEUI)
	assert.Equal(t, eu.AppKey, us.AppKey)
}

func TestLoadOverrides(t *testing.T) {
	cfg, err := Load(writeConfig(t, minimalConfig+`
LORA_DEFAULT_REGION=US915
DUTY_CYCLE_PERIOD=120
GNSS_ACQUIRE_TIMEOUT=90
FIX_FALLBACK_ZEROS=true
LORA_DEFAULT_DATA_RATE=5
LED_PIN=GPIO22
`))
	require.NoError(t, err)
	assert.Equal(t, "US915", cfg.DefaultRegion)
	assert.Equal(t, 120, cfg.DutyCyclePeriod)
	assert.Equal(t, 90, cfg.GNSSAcquireTimeout)
	assert.True(t, cfg.FallbackZeros)
	assert.Equal(t, 5, cfg.DefaultDataRate)
	assert.Equal(t, "GPIO22", cfg.LEDPin)
}

func TestLoadRejects(t *testing.T) {
	cases := []struct {
		name    string
		content string
		errLike string
	}{
		{"missing gnss port", "RADIO_SERIAL_PORT=/dev/ttyS2\n", "GNSS_SERIAL_PORT"},
		{"garbage line", minimalConfig + "not a key value pair\n", "invalid config line"},
		{"unknown key", minimalConfig + "WARP_DRIVE=on\n", "unknown config key"},
		{"bad duty cycle", minimalConfig + "DUTY_CYCLE_PERIOD=5\n", "at least 10"},
		{"bad acquire timeout", minimalConfig + "GNSS_ACQUIRE_TIMEOUT=600\n", "1-300"},
		{"bad data rate", minimalConfig + "LORA_DEFAULT_DATA_RATE=16\n", "0-15"},
		{"bad app port", minimalConfig + "LORA_APP_PORT=0\n", "1-223"},
		{"short dev eui", minimalConfig + "REGION_KR920_DEV_EUI=1234\n", "8 bytes"},
		{"bad hex", minimalConfig + "REGION_KR920_APP_KEY=zz7E151628AED2A6ABF7158809CF4F3C\n", "invalid hex"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := Load(writeConfig(t, tc.content))
			assert.ErrorContains(t, err, tc.errLike)
		})
	}
}

func TestLoadRegionWithoutIdentity(t *testing.T) {
	content := minimalConfig + "LORA_REGIONS=KR920\n"
	_, err := Load(writeConfig(t, content))
	assert.ErrorContains(t, err, "no identity keys")
}

func TestLoadMissingFile(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "nope.txt"))
	assert.Error(t, err)
}
