package main

import (
	"bytes"
	"strings"
	"testing"

	"at25m02/eeprom"
	"at25m02/host/config"
	"at25m02/sim"
)

func newSession(chip *sim.Chip) (*session, *bytes.Buffer) {
	out := &bytes.Buffer{}
	return &session{dev: eeprom.New(chip), verify: true, out: out}, out
}

func TestDemoCommand(t *testing.T) {
	chip := sim.New()
	s, out := newSession(chip)

	if err := s.run([]string{"demo"}); err != nil {
		t.Fatalf("demo failed: %v", err)
	}

	if !bytes.Equal(chip.Peek(demoAddr, len(demoPayload)), demoPayload) {
		t.Errorf("Expected demo payload in memory, got % X", chip.Peek(demoAddr, len(demoPayload)))
	}
	if !strings.Contains(out.String(), "successful") {
		t.Errorf("Unexpected output %q", out.String())
	}
}

func TestWriteAndRead(t *testing.T) {
	chip := sim.New()
	s, out := newSession(chip)

	if err := s.run([]string{"write", "0x1FE", "01:02:03:04", "-no-verify"}); err != nil {
		t.Fatal(err)
	}
	if chip.Count(eeprom.OpWrite) != 2 {
		t.Errorf("Expected the write split in 2, got %d", chip.Count(eeprom.OpWrite))
	}
	if chip.Count(eeprom.OpRead) != 0 {
		t.Errorf("Expected no read back, got %d", chip.Count(eeprom.OpRead))
	}

	out.Reset()
	if err := s.run([]string{"read", "510", "4"}); err != nil {
		t.Fatal(err)
	}
	if got := strings.TrimSpace(out.String()); got != "01020304" {
		t.Errorf("Expected 01020304, got %s", got)
	}
}

func TestStatusCommands(t *testing.T) {
	chip := sim.New()
	s, out := newSession(chip)

	if err := s.run([]string{"wren"}); err != nil {
		t.Fatal(err)
	}
	if err := s.run([]string{"status"}); err != nil {
		t.Fatal(err)
	}
	if !strings.Contains(out.String(), "WEL") {
		t.Errorf("Expected WEL in %q", out.String())
	}

	if err := s.run([]string{"wrdi"}); err != nil {
		t.Fatal(err)
	}
	if chip.Status().WriteEnabled() {
		t.Error("Expected latch cleared")
	}

	if err := s.run([]string{"wrsr", "0x0C"}); err != nil {
		t.Fatal(err)
	}
	if chip.Status().BlockProtect() != 3 {
		t.Errorf("Expected BP=3, got %s", chip.Status())
	}

	out.Reset()
	if err := s.run([]string{"poll"}); err != nil {
		t.Fatal(err)
	}
	if got := strings.TrimSpace(out.String()); got != "0x00 idle" {
		t.Errorf("Expected idle poll, got %q", got)
	}
}

func TestCommandErrors(t *testing.T) {
	s, _ := newSession(sim.New())

	testCases := [][]string{
		{"erase"},
		{"read", "0x40000", "1"},
		{"read", "0", "x"},
		{"write", "0", "zz"},
		{"write", "0"},
		{"wrsr", "0x100"},
	}

	for _, tc := range testCases {
		if err := s.run(tc); err == nil {
			t.Errorf("Expected error for %v", tc)
		}
	}
}

func TestDump(t *testing.T) {
	var out bytes.Buffer
	data := []byte("AT25M02 eeprom\x00\xff!")
	dump(&out, 0x100, data)

	lines := strings.Split(strings.TrimRight(out.String(), "\n"), "\n")
	if len(lines) != 2 {
		t.Fatalf("Expected 2 lines, got %d", len(lines))
	}
	if !strings.HasPrefix(lines[0], "000100  41 54 32 35") {
		t.Errorf("Unexpected first line %q", lines[0])
	}
	if !strings.HasSuffix(lines[0], "|AT25M02 eeprom..|") {
		t.Errorf("Unexpected ascii column %q", lines[0])
	}
	if !strings.HasPrefix(lines[1], "000110  21") {
		t.Errorf("Unexpected second line %q", lines[1])
	}
}

func TestOpenKlipperSim(t *testing.T) {
	cfg := config.Default()
	cfg.Bus = config.BusKlipperSim

	bus, closeBus, err := openBus(cfg)
	if err != nil {
		t.Fatalf("openBus failed: %v", err)
	}
	defer closeBus()

	s := &session{dev: eeprom.New(bus), verify: true, out: &bytes.Buffer{}}
	if err := s.run([]string{"demo"}); err != nil {
		t.Fatalf("demo over klipper failed: %v", err)
	}
}
