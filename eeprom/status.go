package eeprom

import (
	"fmt"
	"strings"
)

// Status is the value of the AT25M02 status register
type Status byte

// Status register bits
const (
	StatusBusy Status = 1 << 0 // RDY/BSY, set during an internal write cycle
	StatusWEL  Status = 1 << 1 // write enable latch
	StatusBP0  Status = 1 << 2 // block protect
	StatusBP1  Status = 1 << 3
	StatusWPEN Status = 1 << 7 // write protect pin enable

	// StatusWritable is the set of bits WRSR can change
	StatusWritable = StatusBP0 | StatusBP1 | StatusWPEN
)

// Busy reports whether an internal write cycle is in progress
func (s Status) Busy() bool { return s&StatusBusy != 0 }

// WriteEnabled reports whether the write enable latch is set
func (s Status) WriteEnabled() bool { return s&StatusWEL != 0 }

// BlockProtect returns the BP1:BP0 field (0 = none, 1 = upper quarter,
// 2 = upper half, 3 = whole array)
func (s Status) BlockProtect() uint8 { return uint8(s>>2) & 0x03 }

// WritePinEnabled reports whether the WP pin gates status register writes
func (s Status) WritePinEnabled() bool { return s&StatusWPEN != 0 }

// ProtectedFrom returns the first address covered by block protection, or
// Size when nothing is protected.
func (s Status) ProtectedFrom() uint32 {
	switch s.BlockProtect() {
	case 1:
		return Size - Size/4
	case 2:
		return Size / 2
	case 3:
		return 0
	}
	return Size
}

func (s Status) String() string {
	var flags []string
	if s.Busy() {
		flags = append(flags, "BSY")
	}
	if s.WriteEnabled() {
		flags = append(flags, "WEL")
	}
	if s.WritePinEnabled() {
		flags = append(flags, "WPEN")
	}
	flags = append(flags, fmt.Sprintf("BP=%d", s.BlockProtect()))
	return fmt.Sprintf("0x%02X [%s]", byte(s), strings.Join(flags, " "))
}
