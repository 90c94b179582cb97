// Package eeprom drives an AT25M02 2-Mbit SPI EEPROM.
//
// Every command is a single full-duplex transaction:
//
//	[opcode][a0][a1][a2][payload...]   READ / WRITE (address little-endian)
//	[opcode][0x00]                     RDSR / LPWP (answer at offset 1)
//	[opcode]                           WREN / WRDI
//
// The bytes the chip clocks out while the header is being sent carry no data
// and are discarded. Writes go through a small sequencer: set the write enable
// latch, send the frame, poll LPWP until the internal cycle is over and
// optionally read the range back.
//
// A Device borrows the Transport it is given and holds no other state between
// calls. It is not safe for concurrent use; callers sharing a bus must
// serialize access themselves.
package eeprom

// Transport performs one synchronous full-duplex exchange with the chip
// selected for its whole duration. len(tx) == len(rx).
type Transport interface {
	Transfer(tx, rx []byte) error
}

// Limits is implemented by transports that cannot move arbitrarily long
// frames in one transaction.
type Limits interface {
	MaxTxSize() int
}

// Device is an AT25M02 reached through a Transport.
type Device struct {
	bus   Transport
	cfg   Config
	maxTx int
	trace traceRing
}

// New returns a Device using bus. The transport stays owned by the caller.
func New(bus Transport, opts ...Option) *Device {
	cfg := defaultConfig()
	for _, opt := range opts {
		opt(&cfg)
	}

	d := &Device{
		bus: bus,
		cfg: cfg,
	}

	d.maxTx = cfg.MaxTxSize
	if d.maxTx == 0 {
		if l, ok := bus.(Limits); ok {
			d.maxTx = l.MaxTxSize()
		}
	}

	return d
}

// MaxTxSize returns the frame limit in effect (0 = unlimited).
func (d *Device) MaxTxSize() int {
	return d.maxTx
}

// Trace returns the most recent transfers, oldest first.
func (d *Device) Trace() []TraceEvent {
	return d.trace.snapshot()
}

// exchange runs one frame through the transport and returns the response.
func (d *Device) exchange(op Opcode, addr uint32, tx []byte) ([]byte, error) {
	rx := make([]byte, len(tx))

	d.dump("tx", op, tx)
	err := d.bus.Transfer(tx, rx)
	d.trace.record(TraceEvent{Op: op, Addr: addr, Len: len(tx), Err: err})

	if err != nil {
		d.debugf("%s: transfer failed: %v", op, err)
		return nil, &TransportError{Op: op, Err: err}
	}

	d.dump("rx", op, rx)
	return rx, nil
}

// Read returns n bytes starting at addr. When the transport limits the frame
// length the range is fetched with several READ transactions.
func (d *Device) Read(addr uint32, n int) ([]byte, error) {
	if n < 0 {
		return nil, &BoundsError{Addr: addr, Len: n, Reason: "negative length"}
	}

	chunk := n
	if d.maxTx > 0 {
		chunk = d.maxTx - HeaderLen
		if chunk <= 0 {
			return nil, &BoundsError{Addr: addr, Len: n, Reason: "transport limit below frame header"}
		}
	}

	out := make([]byte, 0, n)
	for len(out) < n {
		size := n - len(out)
		if size > chunk {
			size = chunk
		}

		a := addr + uint32(len(out))
		rx, err := d.exchange(OpRead, a, addressFrame(OpRead, a, nil, size))
		if err != nil {
			return nil, err
		}

		out = append(out, rx[HeaderLen:]...)
	}

	return out, nil
}

// WriteFrame sends a single WRITE transaction without the latch and poll
// steps. The request is bounds checked first; a rejected request never
// reaches the transport.
func (d *Device) WriteFrame(addr uint32, payload []byte) error {
	if err := checkWrite(addr, len(payload), d.maxTx); err != nil {
		d.debugf("write rejected: %v", err)
		return err
	}
	return d.writeFrame(addr, payload)
}

func (d *Device) writeFrame(addr uint32, payload []byte) error {
	_, err := d.exchange(OpWrite, addr, addressFrame(OpWrite, addr, payload, 0))
	return err
}

// ReadStatus returns the status register.
func (d *Device) ReadStatus() (Status, error) {
	rx, err := d.exchange(OpReadStatus, 0, commandFrame(OpReadStatus, 0x00))
	if err != nil {
		return 0, err
	}
	return Status(rx[1]), nil
}

// WriteEnable sets the write enable latch.
func (d *Device) WriteEnable() error {
	_, err := d.exchange(OpWriteEnable, 0, commandFrame(OpWriteEnable))
	return err
}

// WriteDisable clears the write enable latch.
func (d *Device) WriteDisable() error {
	_, err := d.exchange(OpWriteDisable, 0, commandFrame(OpWriteDisable))
	return err
}

// PollWriteBusy returns PollBusy while an internal write cycle runs and
// PollIdle once it is over. Any other answer is reported as a ProtocolError.
func (d *Device) PollWriteBusy() (byte, error) {
	rx, err := d.exchange(OpWritePoll, 0, commandFrame(OpWritePoll, 0x00))
	if err != nil {
		return 0, err
	}

	v := rx[1]
	if v != PollBusy && v != PollIdle {
		err := &ProtocolError{Op: OpWritePoll, Value: v}
		d.debugf("%v", err)
		return v, err
	}
	return v, nil
}
