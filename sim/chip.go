// Package sim models an AT25M02 on the far side of an SPI link.
//
// The model keeps the memory array, the write enable latch and the status
// register, and counts down a write cycle over the transactions that follow a
// WRITE or WRSR. During the cycle only RDSR and LPWP are answered, like the
// real part. Faults can be injected to exercise the driver's error paths.
package sim

import (
	"errors"
	"fmt"
	"sync"

	"at25m02/eeprom"
)

// ErrInjected is returned by Transfer when a transport failure was requested
var ErrInjected = errors.New("sim: injected transfer failure")

// DefaultWriteCycle is the number of transactions a write cycle lasts
const DefaultWriteCycle = 2

// Chip is a simulated AT25M02. It implements eeprom.Transport.
type Chip struct {
	mu sync.Mutex

	mem    []byte
	status eeprom.Status // non-volatile bits only
	wel    bool
	busy   int // transactions left in the current write cycle

	// WriteCycle is the number of transactions a write cycle lasts
	WriteCycle int

	// WriteProtect mirrors the WP pin: true when the pin is driven low
	WriteProtect bool

	limit      int
	failNext   int
	pollValue  *byte
	corruption *corruption
	frames     [][]byte
}

type corruption struct {
	offset int
	value  byte
}

// New returns a chip in the erased state (all bytes 0xFF), latch clear and
// no block protection.
func New() *Chip {
	c := &Chip{
		mem:        make([]byte, eeprom.Size),
		WriteCycle: DefaultWriteCycle,
	}
	for i := range c.mem {
		c.mem[i] = 0xFF
	}
	return c
}

// SetMaxTxSize makes the chip announce a frame limit through eeprom.Limits
func (c *Chip) SetMaxTxSize(n int) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.limit = n
}

// MaxTxSize implements eeprom.Limits; zero means unlimited
func (c *Chip) MaxTxSize() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.limit
}

// Load copies data into the memory array at addr, bypassing the protocol
func (c *Chip) Load(addr uint32, data []byte) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for i, b := range data {
		c.mem[(int(addr)+i)%len(c.mem)] = b
	}
}

// Peek returns a copy of n bytes of the memory array at addr
func (c *Chip) Peek(addr uint32, n int) []byte {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]byte, n)
	for i := range out {
		out[i] = c.mem[(int(addr)+i)%len(c.mem)]
	}
	return out
}

// Status returns the status register as RDSR would report it
func (c *Chip) Status() eeprom.Status {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.statusLocked(c.busy > 0)
}

// FailTransfers makes the next n transfers fail with ErrInjected
func (c *Chip) FailTransfers(n int) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.failNext = n
}

// ForcePollValue makes every LPWP answer v
func (c *Chip) ForcePollValue(v byte) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.pollValue = &v
}

// CorruptNextWrite replaces the byte at offset within the next WRITE with
// value once that write lands in the array
func (c *Chip) CorruptNextWrite(offset int, value byte) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.corruption = &corruption{offset: offset, value: value}
}

// Frames returns a copy of every frame received so far
func (c *Chip) Frames() [][]byte {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([][]byte, len(c.frames))
	for i, f := range c.frames {
		out[i] = append([]byte(nil), f...)
	}
	return out
}

// Count returns how many frames carried op
func (c *Chip) Count(op eeprom.Opcode) int {
	c.mu.Lock()
	defer c.mu.Unlock()
	n := 0
	for _, f := range c.frames {
		if len(f) > 0 && eeprom.Opcode(f[0]) == op {
			n++
		}
	}
	return n
}

// ResetLog forgets the recorded frames
func (c *Chip) ResetLog() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.frames = nil
}

func (c *Chip) statusLocked(busy bool) eeprom.Status {
	s := c.status
	if c.wel {
		s |= eeprom.StatusWEL
	}
	if busy {
		s |= eeprom.StatusBusy
	}
	return s
}

// Transfer implements eeprom.Transport
func (c *Chip) Transfer(tx, rx []byte) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if len(tx) != len(rx) {
		return fmt.Errorf("sim: tx/rx length mismatch: %d != %d", len(tx), len(rx))
	}

	c.frames = append(c.frames, append([]byte(nil), tx...))

	if c.failNext > 0 {
		c.failNext--
		return ErrInjected
	}

	// SO is high impedance while the instruction is shifted in
	for i := range rx {
		rx[i] = 0xFF
	}
	if len(tx) == 0 {
		return nil
	}

	busy := c.busy > 0
	if busy {
		c.busy--
	}

	op := eeprom.Opcode(tx[0])
	switch op {
	case eeprom.OpReadStatus:
		s := c.statusLocked(busy)
		for i := 1; i < len(rx); i++ {
			rx[i] = byte(s)
		}

	case eeprom.OpWritePoll:
		v := eeprom.PollIdle
		if busy {
			v = eeprom.PollBusy
		}
		if c.pollValue != nil {
			v = *c.pollValue
		}
		for i := 1; i < len(rx); i++ {
			rx[i] = v
		}

	default:
		if busy {
			// Everything else is ignored during a write cycle
			return nil
		}
		c.execute(op, tx, rx)
	}

	return nil
}

func (c *Chip) execute(op eeprom.Opcode, tx, rx []byte) {
	switch op {
	case eeprom.OpWriteEnable:
		c.wel = true

	case eeprom.OpWriteDisable:
		c.wel = false

	case eeprom.OpWriteStatus:
		if !c.wel || len(tx) < 2 {
			return
		}
		c.wel = false
		if c.status.WritePinEnabled() && c.WriteProtect {
			return
		}
		c.status = eeprom.Status(tx[1]) & eeprom.StatusWritable
		c.busy = c.WriteCycle

	case eeprom.OpWrite:
		if !c.wel || len(tx) <= eeprom.HeaderLen {
			return
		}
		c.wel = false
		c.program(eeprom.DecodeAddress(tx), tx[eeprom.HeaderLen:])
		c.busy = c.WriteCycle

	case eeprom.OpRead:
		if len(tx) < eeprom.HeaderLen {
			return
		}
		addr := int(eeprom.DecodeAddress(tx))
		for i := eeprom.HeaderLen; i < len(rx); i++ {
			rx[i] = c.mem[(addr+i-eeprom.HeaderLen)%len(c.mem)]
		}
	}
}

// program stores data the way the part does: the column address wraps inside
// the row, so bytes past the row end land at its start.
func (c *Chip) program(addr uint32, data []byte) {
	addr %= uint32(len(c.mem))
	row := addr &^ (eeprom.RowSize - 1)
	protectedFrom := c.status.ProtectedFrom()

	if row >= protectedFrom {
		return
	}

	for i, b := range data {
		col := (addr + uint32(i)) % eeprom.RowSize
		c.mem[row+col] = b
	}

	if c.corruption != nil {
		if c.corruption.offset < len(data) {
			col := (addr + uint32(c.corruption.offset)) % eeprom.RowSize
			c.mem[row+col] = c.corruption.value
		}
		c.corruption = nil
	}
}
