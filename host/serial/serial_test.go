package serial

import (
	"testing"
	"time"
)

func TestDefaultConfig(t *testing.T) {
	cfg := DefaultConfig("/dev/ttyACM0")

	if cfg.Device != "/dev/ttyACM0" {
		t.Errorf("Expected device /dev/ttyACM0, got %s", cfg.Device)
	}
	if cfg.Baud != 250000 {
		t.Errorf("Expected baud 250000, got %d", cfg.Baud)
	}
	if cfg.ReadTimeout != 100*time.Millisecond {
		t.Errorf("Expected 100ms read timeout, got %v", cfg.ReadTimeout)
	}
}

func TestOpenNilConfig(t *testing.T) {
	if _, err := Open(nil); err == nil {
		t.Error("Expected error for nil config")
	}
}

func TestOpenMissingDevice(t *testing.T) {
	if _, err := Open(DefaultConfig("/dev/does-not-exist-at25")); err == nil {
		t.Error("Expected error for missing device")
	}
}
