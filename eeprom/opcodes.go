package eeprom

import "fmt"

// Opcode is the first byte of every transaction frame
type Opcode byte

// AT25M02 instruction set
const (
	OpWriteStatus  Opcode = 0x01 // WRSR
	OpWrite        Opcode = 0x02 // WRITE
	OpRead         Opcode = 0x03 // READ
	OpWriteDisable Opcode = 0x04 // WRDI
	OpReadStatus   Opcode = 0x05 // RDSR
	OpWriteEnable  Opcode = 0x06 // WREN
	OpWritePoll    Opcode = 0x08 // LPWP
)

// Device geometry
const (
	Size        = 256 * 1024 // 2 Mbit
	RowSize     = 256        // write page
	RowMask     = 0x0003FF00 // row number bits of an address
	MaxWriteLen = RowSize    // payload limit of a single WRITE
	HeaderLen   = 4          // opcode + 24-bit address
	AddressMask = 0x00FFFFFF
)

// Write poll sentinels
const (
	PollBusy byte = 0xFF
	PollIdle byte = 0x00
)

func (o Opcode) String() string {
	switch o {
	case OpWriteStatus:
		return "WRSR"
	case OpWrite:
		return "WRITE"
	case OpRead:
		return "READ"
	case OpWriteDisable:
		return "WRDI"
	case OpReadStatus:
		return "RDSR"
	case OpWriteEnable:
		return "WREN"
	case OpWritePoll:
		return "LPWP"
	default:
		return fmt.Sprintf("OP(0x%02X)", byte(o))
	}
}
