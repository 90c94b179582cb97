package eeprom

import "time"

// Config holds the driver configuration.
type Config struct {
	// MaxPolls bounds the busy-poll loop after a write (0 = unbounded)
	MaxPolls int

	// PollTimeout bounds the busy-poll loop in wall-clock time (0 = disabled)
	PollTimeout time.Duration

	// PollInterval is slept between two busy polls
	PollInterval time.Duration

	// MaxTxSize caps the length of a single frame (0 = ask the transport)
	MaxTxSize int

	// Debug receives TX/RX dumps and failure messages (optional)
	Debug DebugWriter

	// StageHook is called each time the write sequencer changes stage (optional)
	StageHook func(WriteStage)
}

// The AT25M02 write cycle is 10ms max; the poll bound leaves a wide margin
// even on fast local buses.
func defaultConfig() Config {
	return Config{
		MaxPolls:    100000,
		PollTimeout: 100 * time.Millisecond,
	}
}

// Option is a functional option for configuring a Device.
type Option func(*Config)

// WithMaxPolls bounds the number of LPWP polls per write. Zero restores the
// unbounded loop of the bare protocol.
func WithMaxPolls(n int) Option {
	return func(c *Config) {
		if n >= 0 {
			c.MaxPolls = n
		}
	}
}

// WithPollTimeout bounds the busy wait in wall-clock time. Zero disables it.
func WithPollTimeout(timeout time.Duration) Option {
	return func(c *Config) {
		if timeout >= 0 {
			c.PollTimeout = timeout
		}
	}
}

// WithPollInterval sets the pause between two busy polls.
func WithPollInterval(interval time.Duration) Option {
	return func(c *Config) {
		if interval >= 0 {
			c.PollInterval = interval
		}
	}
}

// WithMaxTxSize caps the frame length, overriding what the transport reports.
//
// Example:
//
//	dev := eeprom.New(bus, eeprom.WithMaxTxSize(64))
func WithMaxTxSize(n int) Option {
	return func(c *Config) {
		if n >= 0 {
			c.MaxTxSize = n
		}
	}
}

// WithDebugWriter routes debug output to w.
func WithDebugWriter(w DebugWriter) Option {
	return func(c *Config) {
		c.Debug = w
	}
}

// WithStageHook registers a callback for write sequencer stage changes.
func WithStageHook(hook func(WriteStage)) Option {
	return func(c *Config) {
		c.StageHook = hook
	}
}
