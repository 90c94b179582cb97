// Package serial opens the UART or USB CDC link to a Klipper MCU.
package serial

import (
	"io"
	"time"
)

// Port is an open serial link
type Port interface {
	io.ReadWriteCloser

	// Flush discards anything buffered but not yet read or sent
	Flush() error
}

// Config holds serial port configuration
type Config struct {
	// Device path (e.g., "/dev/ttyACM0", "COM3")
	Device string

	// Baud rate; USB CDC ignores it
	Baud int

	// ReadTimeout bounds a single Read; 0 blocks
	ReadTimeout time.Duration
}

// DefaultBaud is the usual Klipper UART rate
const DefaultBaud = 250000

// DefaultConfig returns the configuration Klipper firmware expects
func DefaultConfig(device string) *Config {
	return &Config{
		Device:      device,
		Baud:        DefaultBaud,
		ReadTimeout: 100 * time.Millisecond,
	}
}
