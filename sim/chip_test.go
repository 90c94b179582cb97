package sim

import (
	"bytes"
	"testing"

	"at25m02/eeprom"
)

func tx(c *Chip, frame ...byte) []byte {
	rx := make([]byte, len(frame))
	if err := c.Transfer(frame, rx); err != nil {
		panic(err)
	}
	return rx
}

func settle(c *Chip) {
	for c.Status().Busy() {
		tx(c, byte(eeprom.OpWritePoll), 0)
	}
}

func TestNewChipErased(t *testing.T) {
	c := New()
	if got := c.Peek(0, 4); !bytes.Equal(got, []byte{0xFF, 0xFF, 0xFF, 0xFF}) {
		t.Errorf("Expected erased memory, got % X", got)
	}
	if s := c.Status(); s != 0 {
		t.Errorf("Expected clear status, got %v", s)
	}
}

func TestWriteNeedsLatch(t *testing.T) {
	c := New()

	tx(c, byte(eeprom.OpWrite), 0x10, 0, 0, 0xAA)
	if c.Peek(0x10, 1)[0] != 0xFF {
		t.Error("WRITE without WREN changed memory")
	}

	tx(c, byte(eeprom.OpWriteEnable))
	if !c.Status().WriteEnabled() {
		t.Fatal("WREN did not set WEL")
	}
	tx(c, byte(eeprom.OpWriteDisable))
	if c.Status().WriteEnabled() {
		t.Fatal("WRDI did not clear WEL")
	}

	tx(c, byte(eeprom.OpWriteEnable))
	tx(c, byte(eeprom.OpWrite), 0x10, 0, 0, 0xAA)
	if c.Peek(0x10, 1)[0] != 0xAA {
		t.Error("WRITE after WREN did not land")
	}
	if c.Status().WriteEnabled() {
		t.Error("WEL not cleared by WRITE")
	}
}

func TestWriteCycle(t *testing.T) {
	c := New()
	c.WriteCycle = 3

	tx(c, byte(eeprom.OpWriteEnable))
	tx(c, byte(eeprom.OpWrite), 0x00, 0x01, 0, 1, 2)

	// reads are ignored while busy
	if rx := tx(c, byte(eeprom.OpRead), 0x00, 0x01, 0, 0, 0); !bytes.Equal(rx, bytes.Repeat([]byte{0xFF}, 6)) {
		t.Errorf("READ answered during write cycle: % X", rx)
	}
	if rx := tx(c, byte(eeprom.OpReadStatus), 0); !eeprom.Status(rx[1]).Busy() {
		t.Errorf("RDSR did not report busy: % X", rx)
	}
	if rx := tx(c, byte(eeprom.OpWritePoll), 0); rx[1] != eeprom.PollBusy {
		t.Errorf("LPWP did not report busy: % X", rx)
	}
	if rx := tx(c, byte(eeprom.OpWritePoll), 0); rx[1] != eeprom.PollIdle {
		t.Errorf("LPWP did not report idle: % X", rx)
	}

	rx := tx(c, byte(eeprom.OpRead), 0x00, 0x01, 0, 0, 0)
	if !bytes.Equal(rx[eeprom.HeaderLen:], []byte{1, 2}) {
		t.Errorf("Unexpected read % X", rx)
	}
}

func TestWriteWrapsInRow(t *testing.T) {
	c := New()
	tx(c, byte(eeprom.OpWriteEnable))
	tx(c, byte(eeprom.OpWrite), 0xFE, 0x02, 0, 1, 2, 3, 4)
	settle(c)

	if got := c.Peek(0x2FE, 2); !bytes.Equal(got, []byte{1, 2}) {
		t.Errorf("Row tail holds % X", got)
	}
	if got := c.Peek(0x200, 2); !bytes.Equal(got, []byte{3, 4}) {
		t.Errorf("Row head holds % X", got)
	}
	if c.Peek(0x300, 1)[0] != 0xFF {
		t.Error("Write spilled into the next row")
	}
}

func TestStatusWriteProtect(t *testing.T) {
	c := New()

	tx(c, byte(eeprom.OpWriteEnable))
	tx(c, byte(eeprom.OpWriteStatus), byte(eeprom.StatusWPEN|eeprom.StatusBP0|eeprom.StatusWEL))
	settle(c)

	if s := c.Status(); s != eeprom.StatusWPEN|eeprom.StatusBP0 {
		t.Fatalf("Unexpected status %v", s)
	}

	c.WriteProtect = true
	tx(c, byte(eeprom.OpWriteEnable))
	tx(c, byte(eeprom.OpWriteStatus), 0)
	settle(c)

	if s := c.Status(); s != eeprom.StatusWPEN|eeprom.StatusBP0 {
		t.Errorf("WRSR changed status with WP asserted: %v", s)
	}

	// upper quarter is protected
	tx(c, byte(eeprom.OpWriteEnable))
	tx(c, byte(eeprom.OpWrite), 0x00, 0x00, 0x03, 0x55)
	settle(c)
	if c.Peek(0x30000, 1)[0] != 0xFF {
		t.Error("Protected row was written")
	}
}

func TestFaultInjection(t *testing.T) {
	c := New()

	c.FailTransfers(2)
	for i := 0; i < 2; i++ {
		if err := c.Transfer([]byte{byte(eeprom.OpWriteEnable)}, make([]byte, 1)); err != ErrInjected {
			t.Errorf("Transfer %d: expected ErrInjected, got %v", i, err)
		}
	}
	if c.Status().WriteEnabled() {
		t.Error("Failed WREN took effect")
	}
	if len(c.Frames()) != 2 {
		t.Errorf("Failed frames not logged")
	}

	c.ForcePollValue(0x42)
	if rx := tx(c, byte(eeprom.OpWritePoll), 0); rx[1] != 0x42 {
		t.Errorf("Forced poll value ignored: % X", rx)
	}

	if err := c.Transfer([]byte{1, 2}, make([]byte, 1)); err == nil {
		t.Error("Expected length mismatch error")
	}

	c.ResetLog()
	if len(c.Frames()) != 0 {
		t.Error("ResetLog kept frames")
	}
}

func TestLimits(t *testing.T) {
	c := New()
	if c.MaxTxSize() != 0 {
		t.Error("Expected no limit by default")
	}
	c.SetMaxTxSize(32)
	if n := eeprom.New(c).MaxTxSize(); n != 32 {
		t.Errorf("Driver did not pick up the limit: %d", n)
	}
}
