// Package config loads the at25ctl JSON configuration.
package config

import (
	"encoding/json"
	"fmt"
	"os"
	"time"

	"periph.io/x/conn/v3/physic"
	"periph.io/x/conn/v3/spi"

	"at25m02/eeprom"
	"at25m02/host/mcu"
	"at25m02/host/serial"
	"at25m02/spibus"
)

// Bus kinds
const (
	BusPeriph     = "periph"      // Linux spidev through periph.io
	BusKlipper    = "klipper"     // SPI bus of a Klipper MCU over serial
	BusSim        = "sim"         // in-process simulated chip
	BusKlipperSim = "klipper-sim" // simulated MCU with a simulated chip
)

// Config is the complete tool configuration
type Config struct {
	Bus     string        `json:"bus"`
	SPI     SPIConfig     `json:"spi"`
	Klipper KlipperConfig `json:"klipper"`
	Driver  DriverConfig  `json:"driver"`
}

// SPIConfig describes a locally attached chip
type SPIConfig struct {
	Port    string `json:"port"`
	ClockHz int64  `json:"clock_hz"`
	Mode    int    `json:"mode"`

	// gpioreg names; empty when not wired
	CSPin   string `json:"cs_pin"`
	WPPin   string `json:"wp_pin"`
	HoldPin string `json:"hold_pin"`
}

// KlipperConfig describes a chip wired to a Klipper MCU
type KlipperConfig struct {
	Device        string `json:"device"`
	Baud          int    `json:"baud"`
	ReadTimeoutMs int    `json:"read_timeout_ms"`
	TimeoutMs     int    `json:"timeout_ms"`

	OID          uint8  `json:"oid"`
	SPIBus       uint32 `json:"spi_bus"`
	CSPin        uint32 `json:"cs_pin"`
	CSActiveHigh bool   `json:"cs_active_high"`
}

// DriverConfig tunes the write sequencer. An explicit 0 for max_polls or
// poll_timeout_ms lifts that bound; leaving the field out keeps the default.
type DriverConfig struct {
	MaxPolls       *int  `json:"max_polls"`
	PollTimeoutMs  *int  `json:"poll_timeout_ms"`
	PollIntervalUs int   `json:"poll_interval_us"`
	MaxTxSize      int   `json:"max_tx_size"`
	Verify         *bool `json:"verify"`
}

// Load reads and parses the file at path
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}
	return LoadConfig(data)
}

// LoadConfig parses a JSON configuration and fills in defaults
func LoadConfig(jsonData []byte) (*Config, error) {
	var config Config
	if err := json.Unmarshal(jsonData, &config); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}

	applyDefaults(&config)

	if err := config.Validate(); err != nil {
		return nil, err
	}
	return &config, nil
}

// Default returns the configuration of the reference board: spidev0.0 at
// 4 MHz, mode 0, WP and HOLD tied high
func Default() *Config {
	config := &Config{}
	applyDefaults(config)
	return config
}

func applyDefaults(config *Config) {
	if config.Bus == "" {
		config.Bus = BusPeriph
	}

	if config.SPI.Port == "" {
		config.SPI.Port = "/dev/spidev0.0"
	}
	if config.SPI.ClockHz == 0 {
		config.SPI.ClockHz = 4000000
	}

	if config.Klipper.Device == "" {
		config.Klipper.Device = "/dev/ttyACM0"
	}
	if config.Klipper.Baud == 0 {
		config.Klipper.Baud = serial.DefaultBaud
	}
	if config.Klipper.ReadTimeoutMs == 0 {
		config.Klipper.ReadTimeoutMs = 100
	}
	if config.Klipper.TimeoutMs == 0 {
		config.Klipper.TimeoutMs = int(mcu.DefaultTimeout / time.Millisecond)
	}
	if config.Klipper.CSPin == 0 {
		config.Klipper.CSPin = 11
	}

	if config.Driver.MaxPolls == nil {
		maxPolls := 100000
		config.Driver.MaxPolls = &maxPolls
	}
	if config.Driver.PollTimeoutMs == nil {
		timeout := 100
		config.Driver.PollTimeoutMs = &timeout
	}
	if config.Driver.Verify == nil {
		verify := true
		config.Driver.Verify = &verify
	}
}

// Validate checks values that have no sensible default
func (c *Config) Validate() error {
	switch c.Bus {
	case BusPeriph, BusKlipper, BusSim, BusKlipperSim:
	default:
		return fmt.Errorf("unknown bus %q", c.Bus)
	}

	if c.SPI.Mode < 0 || c.SPI.Mode > 3 {
		return fmt.Errorf("spi mode %d out of range", c.SPI.Mode)
	}
	if intValue(c.Driver.MaxPolls) < 0 || intValue(c.Driver.PollTimeoutMs) < 0 || c.Driver.PollIntervalUs < 0 {
		return fmt.Errorf("negative poll limits")
	}
	return nil
}

// Periph returns the periph.io port settings
func (s SPIConfig) Periph() spibus.PeriphConfig {
	return spibus.PeriphConfig{
		Port:      s.Port,
		Frequency: physic.Frequency(s.ClockHz) * physic.Hertz,
		Mode:      spi.Mode(s.Mode),
		CS:        s.CSPin,
		WP:        s.WPPin,
		HOLD:      s.HoldPin,
	}
}

// Serial returns the serial port settings
func (k KlipperConfig) Serial() *serial.Config {
	return &serial.Config{
		Device:      k.Device,
		Baud:        k.Baud,
		ReadTimeout: time.Duration(k.ReadTimeoutMs) * time.Millisecond,
	}
}

// SPI returns the MCU side SPI settings
func (k KlipperConfig) SPI(clockHz int64, mode int) mcu.SPIConfig {
	return mcu.SPIConfig{
		OID:          k.OID,
		Pin:          k.CSPin,
		CSActiveHigh: k.CSActiveHigh,
		Bus:          k.SPIBus,
		Mode:         uint32(mode),
		Rate:         uint32(clockHz),
	}
}

// Options returns the driver options
func (d DriverConfig) Options() []eeprom.Option {
	opts := []eeprom.Option{
		eeprom.WithPollInterval(time.Duration(d.PollIntervalUs) * time.Microsecond),
	}
	if d.MaxPolls != nil {
		opts = append(opts, eeprom.WithMaxPolls(*d.MaxPolls))
	}
	if d.PollTimeoutMs != nil {
		opts = append(opts, eeprom.WithPollTimeout(time.Duration(*d.PollTimeoutMs)*time.Millisecond))
	}
	if d.MaxTxSize > 0 {
		opts = append(opts, eeprom.WithMaxTxSize(d.MaxTxSize))
	}
	return opts
}

// VerifyWrites reports whether writes are read back by default
func (d DriverConfig) VerifyWrites() bool {
	return d.Verify == nil || *d.Verify
}

func intValue(p *int) int {
	if p == nil {
		return 0
	}
	return *p
}
