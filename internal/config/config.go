package config

import (
	"bufio"
	"encoding/hex"
	"fmt"
	"os"
	"strconv"
	"strings"
	"sync"
)

// RegionIdentity holds the OTAA identity for one LoRaWAN region. Each
// region joins with its own DevEUI so the network servers keep the
// sessions apart.
type RegionIdentity struct {
	Region  string
	DevEUI  [8]byte
	JoinEUI [8]byte
	AppKey  [16]byte
}

// Config holds all application configuration values.
type Config struct {
	// GNSS
	GNSSSerialPort       string
	GNSSBaudRate         int
	GNSSEnablePin        string
	GNSSBackupPin        string
	GNSSHotStart         bool // keep backup power up across sleep (~15µA, fix in 1-5s)
	GNSSAcquireTimeout   int  // seconds
	GNSSAcceptNoChecksum bool // accept NMEA sentences without *HH

	// Fix fallback on acquisition timeout: false = reuse last known fix,
	// true = send a zeroed GPS triplet.
	FallbackZeros bool

	// Sensors
	I2CBus            string
	BaroI2CAddr       uint16
	BaroOSR           int // 256/512/1024/2048/4096
	HygroI2CAddr      uint16
	ADCI2CAddr        uint16
	BatteryDividerNum float64 // Vbat = Vadc * num / den
	BatteryDividerDen float64

	// Radio co-processor UART
	RadioSerialPort string
	RadioBaudRate   int

	// External flash
	FlashSPIDevice string
	FlashCSPin     string

	// Internal-flash page files
	RegionStorePath string
	MACNVMPath      string

	// LoRaWAN
	DefaultRegion   string
	Regions         []string // regions to provision, in join order
	DefaultDataRate int
	DefaultTxPower  int
	AppPort         int
	Identities      map[string]RegionIdentity

	// Timing
	DutyCyclePeriod int // seconds between wake cycles
	JoinSpacing     int // seconds between provisioning joins

	// Status LED
	LEDPin string

	// Ground tools
	MQTTBroker          string
	MQTTClientGroundlnk string
	MQTTClientStation   string
	TopicCycle          string
	StationPort         int
}

// Package-level unexported variables for the singleton pattern. External
// code must use InitGlobal() to set and Get() to read.
var (
	globalConfig *Config
	configOnce   sync.Once
	configMu     sync.RWMutex
)

// Load reads the configuration file and returns a Config struct.
func Load(configPath string) (*Config, error) {
	file, err := os.Open(configPath)
	if err != nil {
		return nil, fmt.Errorf("failed to open config file: %w", err)
	}
	defer file.Close()

	cfg := &Config{Identities: make(map[string]RegionIdentity)}
	cfg.applyDefaults()

	scanner := bufio.NewScanner(file)
	lineNum := 0

	for scanner.Scan() {
		lineNum++
		line := strings.TrimSpace(scanner.Text())

		// Skip empty lines and comments
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}

		// Parse KEY=VALUE
		parts := strings.SplitN(line, "=", 2)
		if len(parts) != 2 {
			return nil, fmt.Errorf("invalid config line %d: %q", lineNum, line)
		}

		key := strings.TrimSpace(parts[0])
		value := strings.TrimSpace(parts[1])

		if err := cfg.setValue(key, value); err != nil {
			return nil, fmt.Errorf("config line %d: %w", lineNum, err)
		}
	}

	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("error reading config file: %w", err)
	}

	if err := cfg.validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

func (c *Config) applyDefaults() {
	c.GNSSBaudRate = 9600
	c.GNSSAcquireTimeout = 120
	c.GNSSAcceptNoChecksum = true
	c.GNSSHotStart = true
	c.BaroI2CAddr = 0x77
	c.BaroOSR = 4096
	c.HygroI2CAddr = 0x44
	c.ADCI2CAddr = 0x48
	c.BatteryDividerNum = 2
	c.BatteryDividerDen = 1
	c.RadioBaudRate = 115200
	c.DefaultDataRate = 2
	c.DefaultTxPower = 0
	c.AppPort = 2
	c.DutyCyclePeriod = 600
	c.JoinSpacing = 5
	c.TopicCycle = "tracker/cycle"
	c.StationPort = 8080
}

// setValue sets a config value based on the key.
func (c *Config) setValue(key, value string) error {
	switch key {
	// GNSS
	case "GNSS_SERIAL_PORT":
		c.GNSSSerialPort = value
	case "GNSS_BAUD_RATE":
		rate, err := strconv.Atoi(value)
		if err != nil {
			return fmt.Errorf("invalid GNSS_BAUD_RATE %q: %w", value, err)
		}
		c.GNSSBaudRate = rate
	case "GNSS_ENABLE_PIN":
		c.GNSSEnablePin = value
	case "GNSS_BACKUP_PIN":
		c.GNSSBackupPin = value
	case "GNSS_HOT_START":
		b, err := strconv.ParseBool(value)
		if err != nil {
			return fmt.Errorf("invalid GNSS_HOT_START %q: %w", value, err)
		}
		c.GNSSHotStart = b
	case "GNSS_ACQUIRE_TIMEOUT":
		secs, err := strconv.Atoi(value)
		if err != nil {
			return fmt.Errorf("invalid GNSS_ACQUIRE_TIMEOUT %q: %w", value, err)
		}
		if secs < 1 || secs > 300 {
			return fmt.Errorf("GNSS_ACQUIRE_TIMEOUT must be 1-300 seconds, got %d", secs)
		}
		c.GNSSAcquireTimeout = secs
	case "GNSS_ACCEPT_NO_CHECKSUM":
		b, err := strconv.ParseBool(value)
		if err != nil {
			return fmt.Errorf("invalid GNSS_ACCEPT_NO_CHECKSUM %q: %w", value, err)
		}
		c.GNSSAcceptNoChecksum = b
	case "FIX_FALLBACK_ZEROS":
		b, err := strconv.ParseBool(value)
		if err != nil {
			return fmt.Errorf("invalid FIX_FALLBACK_ZEROS %q: %w", value, err)
		}
		c.FallbackZeros = b

	// Sensors
	case "I2C_BUS":
		c.I2CBus = value
	case "BARO_I2C_ADDR":
		addr, err := strconv.ParseUint(value, 0, 16)
		if err != nil {
			return fmt.Errorf("invalid BARO_I2C_ADDR %q: %w", value, err)
		}
		c.BaroI2CAddr = uint16(addr)
	case "BARO_OSR":
		osr, err := strconv.Atoi(value)
		if err != nil {
			return fmt.Errorf("invalid BARO_OSR %q: %w", value, err)
		}
		switch osr {
		case 256, 512, 1024, 2048, 4096:
			c.BaroOSR = osr
		default:
			return fmt.Errorf("BARO_OSR must be one of 256/512/1024/2048/4096, got %d", osr)
		}
	case "HYGRO_I2C_ADDR":
		addr, err := strconv.ParseUint(value, 0, 16)
		if err != nil {
			return fmt.Errorf("invalid HYGRO_I2C_ADDR %q: %w", value, err)
		}
		c.HygroI2CAddr = uint16(addr)
	case "ADC_I2C_ADDR":
		addr, err := strconv.ParseUint(value, 0, 16)
		if err != nil {
			return fmt.Errorf("invalid ADC_I2C_ADDR %q: %w", value, err)
		}
		c.ADCI2CAddr = uint16(addr)
	case "BATTERY_DIVIDER_NUM":
		f, err := strconv.ParseFloat(value, 64)
		if err != nil {
			return fmt.Errorf("invalid BATTERY_DIVIDER_NUM %q: %w", value, err)
		}
		c.BatteryDividerNum = f
	case "BATTERY_DIVIDER_DEN":
		f, err := strconv.ParseFloat(value, 64)
		if err != nil {
			return fmt.Errorf("invalid BATTERY_DIVIDER_DEN %q: %w", value, err)
		}
		if f == 0 {
			return fmt.Errorf("BATTERY_DIVIDER_DEN must be non-zero")
		}
		c.BatteryDividerDen = f

	// Radio co-processor UART
	case "RADIO_SERIAL_PORT":
		c.RadioSerialPort = value
	case "RADIO_BAUD_RATE":
		rate, err := strconv.Atoi(value)
		if err != nil {
			return fmt.Errorf("invalid RADIO_BAUD_RATE %q: %w", value, err)
		}
		c.RadioBaudRate = rate

	// External flash
	case "FLASH_SPI_DEVICE":
		c.FlashSPIDevice = value
	case "FLASH_CS_PIN":
		c.FlashCSPin = value

	// Internal-flash page files
	case "REGION_STORE_PATH":
		c.RegionStorePath = value
	case "MAC_NVM_PATH":
		c.MACNVMPath = value

	// LoRaWAN
	case "LORA_DEFAULT_REGION":
		c.DefaultRegion = value
	case "LORA_REGIONS":
		for _, r := range strings.Split(value, ",") {
			r = strings.TrimSpace(r)
			if r != "" {
				c.Regions = append(c.Regions, r)
			}
		}
	case "LORA_DEFAULT_DATA_RATE":
		dr, err := strconv.Atoi(value)
		if err != nil {
			return fmt.Errorf("invalid LORA_DEFAULT_DATA_RATE %q: %w", value, err)
		}
		if dr < 0 || dr > 15 {
			return fmt.Errorf("LORA_DEFAULT_DATA_RATE must be 0-15, got %d", dr)
		}
		c.DefaultDataRate = dr
	case "LORA_DEFAULT_TX_POWER":
		tp, err := strconv.Atoi(value)
		if err != nil {
			return fmt.Errorf("invalid LORA_DEFAULT_TX_POWER %q: %w", value, err)
		}
		c.DefaultTxPower = tp
	case "LORA_APP_PORT":
		p, err := strconv.Atoi(value)
		if err != nil {
			return fmt.Errorf("invalid LORA_APP_PORT %q: %w", value, err)
		}
		if p < 1 || p > 223 {
			return fmt.Errorf("LORA_APP_PORT must be 1-223, got %d", p)
		}
		c.AppPort = p

	// Timing
	case "DUTY_CYCLE_PERIOD":
		secs, err := strconv.Atoi(value)
		if err != nil {
			return fmt.Errorf("invalid DUTY_CYCLE_PERIOD %q: %w", value, err)
		}
		if secs < 10 {
			return fmt.Errorf("DUTY_CYCLE_PERIOD must be at least 10 seconds, got %d", secs)
		}
		c.DutyCyclePeriod = secs
	case "JOIN_SPACING":
		secs, err := strconv.Atoi(value)
		if err != nil {
			return fmt.Errorf("invalid JOIN_SPACING %q: %w", value, err)
		}
		c.JoinSpacing = secs

	// Status LED
	case "LED_PIN":
		c.LEDPin = value

	// Ground tools
	case "MQTT_BROKER":
		c.MQTTBroker = value
	case "MQTT_CLIENT_ID_GROUNDLINK":
		c.MQTTClientGroundlnk = value
	case "MQTT_CLIENT_ID_STATION":
		c.MQTTClientStation = value
	case "TOPIC_CYCLE":
		c.TopicCycle = value
	case "STATION_PORT":
		port, err := strconv.Atoi(value)
		if err != nil {
			return fmt.Errorf("invalid STATION_PORT %q: %w", value, err)
		}
		c.StationPort = port

	default:
		// Per-region identity keys: REGION_<NAME>_DEV_EUI / _JOIN_EUI / _APP_KEY
		if strings.HasPrefix(key, "REGION_") {
			return c.setIdentityValue(key, value)
		}
		return fmt.Errorf("unknown config key: %q", key)
	}

	return nil
}

func (c *Config) setIdentityValue(key, value string) error {
	rest := strings.TrimPrefix(key, "REGION_")
	var region, field string
	switch {
	case strings.HasSuffix(rest, "_DEV_EUI"):
		region, field = strings.TrimSuffix(rest, "_DEV_EUI"), "dev"
	case strings.HasSuffix(rest, "_JOIN_EUI"):
		region, field = strings.TrimSuffix(rest, "_JOIN_EUI"), "join"
	case strings.HasSuffix(rest, "_APP_KEY"):
		region, field = strings.TrimSuffix(rest, "_APP_KEY"), "key"
	default:
		return fmt.Errorf("unknown config key: %q", key)
	}

	raw, err := hex.DecodeString(strings.ReplaceAll(value, ":", ""))
	if err != nil {
		return fmt.Errorf("invalid hex in %s: %w", key, err)
	}

	id := c.Identities[region]
	id.Region = region
	switch field {
	case "dev":
		if len(raw) != 8 {
			return fmt.Errorf("%s must be 8 bytes, got %d", key, len(raw))
		}
		copy(id.DevEUI[:], raw)
	case "join":
		if len(raw) != 8 {
			return fmt.Errorf("%s must be 8 bytes, got %d", key, len(raw))
		}
		copy(id.JoinEUI[:], raw)
	case "key":
		if len(raw) != 16 {
			return fmt.Errorf("%s must be 16 bytes, got %d", key, len(raw))
		}
		copy(id.AppKey[:], raw)
	}
	c.Identities[region] = id
	return nil
}

// validate checks that all required fields are set.
func (c *Config) validate() error {
	if c.GNSSSerialPort == "" {
		return fmt.Errorf("GNSS_SERIAL_PORT is required")
	}
	if c.GNSSEnablePin == "" {
		return fmt.Errorf("GNSS_ENABLE_PIN is required")
	}
	if c.RadioSerialPort == "" {
		return fmt.Errorf("RADIO_SERIAL_PORT is required")
	}
	if c.FlashSPIDevice == "" {
		return fmt.Errorf("FLASH_SPI_DEVICE is required")
	}
	if c.I2CBus == "" {
		return fmt.Errorf("I2C_BUS is required")
	}
	if c.RegionStorePath == "" {
		return fmt.Errorf("REGION_STORE_PATH is required")
	}
	if c.MACNVMPath == "" {
		return fmt.Errorf("MAC_NVM_PATH is required")
	}
	if len(c.Regions) == 0 {
		return fmt.Errorf("LORA_REGIONS is required")
	}
	if c.DefaultRegion == "" {
		c.DefaultRegion = c.Regions[0]
	}
	for _, r := range c.Regions {
		id, ok := c.Identities[r]
		if !ok {
			return fmt.Errorf("region %s listed in LORA_REGIONS has no identity keys", r)
		}
		if id.DevEUI == ([8]byte{}) {
			return fmt.Errorf("REGION_%s_DEV_EUI is required", r)
		}
		if id.AppKey == ([16]byte{}) {
			return fmt.Errorf("REGION_%s_APP_KEY is required", r)
		}
	}
	return nil
}

// InitGlobal initializes the global configuration from file. Uses
// sync.Once so repeated calls are harmless.
func InitGlobal(configPath string) error {
	var err error
	configOnce.Do(func() {
		configMu.Lock()
		defer configMu.Unlock()
		globalConfig, err = Load(configPath)
	})
	return err
}

// Get returns the global configuration instance. InitGlobal must be
// called first, or this will return nil.
func Get() *Config {
	configMu.RLock()
	defer configMu.RUnlock()
	return globalConfig
}
