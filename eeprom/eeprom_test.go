package eeprom_test

import (
	"bytes"
	"errors"
	"testing"

	"at25m02/eeprom"
	"at25m02/sim"
)

var demoPayload = []byte{0xEE, 0xCA, 0xDD, 0x32, 0x55}

const demoAddr = 0x0001ABCD

func TestRoundTripAllLengths(t *testing.T) {
	chip := sim.New()
	dev := eeprom.New(chip)

	for n := 1; n <= eeprom.MaxWriteLen; n++ {
		addr := uint32(n) * eeprom.RowSize
		payload := make([]byte, n)
		for i := range payload {
			payload[i] = byte(n + i)
		}

		if err := dev.Write(addr, payload, true); err != nil {
			t.Fatalf("Write of %d bytes failed: %v", n, err)
		}

		got, err := dev.Read(addr, n)
		if err != nil {
			t.Fatalf("Read of %d bytes failed: %v", n, err)
		}
		if !bytes.Equal(got, payload) {
			t.Fatalf("Round trip of %d bytes: got % X", n, got)
		}
	}
}

func TestDemoWrite(t *testing.T) {
	chip := sim.New()
	chip.Load(demoAddr, make([]byte, len(demoPayload)))
	dev := eeprom.New(chip)

	if err := dev.Write(demoAddr, demoPayload, true); err != nil {
		t.Fatalf("Write failed: %v", err)
	}

	frames := chip.Frames()
	if !bytes.Equal(frames[0], []byte{0x06}) {
		t.Errorf("Expected WREN first, got % X", frames[0])
	}
	want := []byte{0x02, 0xCD, 0xAB, 0x01, 0xEE, 0xCA, 0xDD, 0x32, 0x55}
	if !bytes.Equal(frames[1], want) {
		t.Errorf("WRITE frame % X, want % X", frames[1], want)
	}
	if chip.Count(eeprom.OpWriteDisable) != 0 {
		t.Error("Write sent WRDI")
	}
	if chip.Count(eeprom.OpWritePoll) < 1 {
		t.Error("Write never polled for completion")
	}
	if chip.Count(eeprom.OpRead) != 1 {
		t.Errorf("Expected one READ for the check, got %d", chip.Count(eeprom.OpRead))
	}
	if got := chip.Peek(demoAddr, len(demoPayload)); !bytes.Equal(got, demoPayload) {
		t.Errorf("Memory holds % X", got)
	}
	if s := chip.Status(); s.WriteEnabled() || s.Busy() {
		t.Errorf("Unexpected status after write %v", s)
	}
}

func TestWriteWithoutVerifySkipsRead(t *testing.T) {
	chip := sim.New()

	if err := eeprom.New(chip).Write(demoAddr, demoPayload, false); err != nil {
		t.Fatal(err)
	}
	if n := chip.Count(eeprom.OpRead); n != 0 {
		t.Errorf("Expected no READ, got %d", n)
	}
}

func TestVerificationFailure(t *testing.T) {
	chip := sim.New()
	chip.CorruptNextWrite(2, 0x00)

	err := eeprom.New(chip).Write(demoAddr, demoPayload, true)

	var ve *eeprom.VerificationError
	if !errors.As(err, &ve) {
		t.Fatalf("Expected VerificationError, got %v", err)
	}
	want := eeprom.Mismatch{Addr: demoAddr + 2, Want: 0xDD, Got: 0x00}
	if len(ve.Mismatches) != 1 || ve.Mismatches[0] != want {
		t.Errorf("Unexpected mismatches %+v", ve.Mismatches)
	}
	if chip.Count(eeprom.OpWriteDisable) != 0 {
		t.Error("Failed write sent WRDI")
	}
}

func TestTransportFailure(t *testing.T) {
	chip := sim.New()
	chip.FailTransfers(1)

	err := eeprom.New(chip).Write(demoAddr, demoPayload, true)

	var te *eeprom.TransportError
	if !errors.As(err, &te) || te.Op != eeprom.OpWriteEnable {
		t.Fatalf("Expected TransportError on WREN, got %v", err)
	}
	if !errors.Is(err, sim.ErrInjected) {
		t.Errorf("Transport cause lost: %v", err)
	}
	if chip.Count(eeprom.OpWrite) != 0 {
		t.Error("WRITE sent after failed WREN")
	}
}

func TestUnexpectedPollValue(t *testing.T) {
	chip := sim.New()
	chip.ForcePollValue(0x42)

	err := eeprom.New(chip).Write(demoAddr, demoPayload, true)
	if !eeprom.IsProtocolError(err) {
		t.Fatalf("Expected ProtocolError, got %v", err)
	}
	if n := chip.Count(eeprom.OpWritePoll); n != 1 {
		t.Errorf("Expected a single poll, got %d", n)
	}
}

func TestStuckBusy(t *testing.T) {
	chip := sim.New()
	chip.WriteCycle = 1000

	dev := eeprom.New(chip, eeprom.WithMaxPolls(10))
	err := dev.Write(demoAddr, demoPayload, false)
	if !eeprom.IsTimeoutError(err) {
		t.Fatalf("Expected TimeoutError, got %v", err)
	}
	if n := chip.Count(eeprom.OpWritePoll); n != 10 {
		t.Errorf("Expected 10 polls, got %d", n)
	}
}

func TestTransportLimit(t *testing.T) {
	chip := sim.New()
	chip.SetMaxTxSize(20)
	dev := eeprom.New(chip)

	if dev.MaxTxSize() != 20 {
		t.Fatalf("Expected limit 20, got %d", dev.MaxTxSize())
	}

	if err := dev.Write(0, make([]byte, 17), false); !eeprom.IsBoundsError(err) {
		t.Errorf("Expected BoundsError, got %v", err)
	}
	if len(chip.Frames()) != 0 {
		t.Error("Rejected write reached the chip")
	}

	data := make([]byte, 40)
	for i := range data {
		data[i] = byte(0x80 + i)
	}
	chip.Load(0x500, data)

	got, err := dev.Read(0x500, len(data))
	if err != nil {
		t.Fatal(err)
	}
	if !bytes.Equal(got, data) {
		t.Errorf("Chunked read mismatch: % X", got)
	}
	if n := chip.Count(eeprom.OpRead); n != 3 {
		t.Errorf("Expected 3 READ frames, got %d", n)
	}
}

func TestWritePagesAcrossRows(t *testing.T) {
	chip := sim.New()
	dev := eeprom.New(chip)

	data := make([]byte, 600)
	for i := range data {
		data[i] = byte(i)
	}

	n, err := dev.WritePages(0x1F80, data, true)
	if err != nil {
		t.Fatal(err)
	}
	if n != len(data) {
		t.Errorf("Expected %d bytes, got %d", len(data), n)
	}
	if got := chip.Peek(0x1F80, len(data)); !bytes.Equal(got, data) {
		t.Error("Memory does not match")
	}
	// 0x80 + 256 + 216
	if c := chip.Count(eeprom.OpWrite); c != 3 {
		t.Errorf("Expected 3 WRITE frames, got %d", c)
	}
}

func TestBlockProtect(t *testing.T) {
	chip := sim.New()
	dev := eeprom.New(chip)

	if err := dev.WriteStatus(eeprom.StatusBP0 | eeprom.StatusBP1); err != nil {
		t.Fatal(err)
	}

	s, err := dev.ReadStatus()
	if err != nil {
		t.Fatal(err)
	}
	if s.BlockProtect() != 3 || s.ProtectedFrom() != 0 {
		t.Fatalf("Unexpected status %v", s)
	}

	err = dev.Write(demoAddr, demoPayload, true)
	if !errors.Is(err, eeprom.ErrVerification) {
		t.Errorf("Expected protected write to fail verification, got %v", err)
	}
	if got := chip.Peek(demoAddr, len(demoPayload)); !bytes.Equal(got, bytes.Repeat([]byte{0xFF}, len(demoPayload))) {
		t.Errorf("Protected memory changed: % X", got)
	}
}
