package eeprom

import (
	"fmt"
	"time"
)

// WriteStage is a state of the write sequencer
type WriteStage uint8

const (
	StageIdle WriteStage = iota
	StageLatchEnabled
	StageDataSent
	StagePolling
	StageVerifying
	StageDone
)

func (s WriteStage) String() string {
	switch s {
	case StageIdle:
		return "idle"
	case StageLatchEnabled:
		return "latch-enabled"
	case StageDataSent:
		return "data-sent"
	case StagePolling:
		return "polling"
	case StageVerifying:
		return "verifying"
	case StageDone:
		return "done"
	default:
		return fmt.Sprintf("stage(%d)", uint8(s))
	}
}

func (d *Device) enter(stage WriteStage) {
	if d.cfg.StageHook != nil {
		d.cfg.StageHook(stage)
	}
}

// Write stores payload at addr and waits for the internal write cycle to
// finish. With verify set the range is read back and compared.
//
// The payload must be 1..256 bytes and stay inside one row; otherwise a
// BoundsError is returned before the write enable latch is touched. On any
// later failure the latch is left as the device has it: no WRDI is sent.
func (d *Device) Write(addr uint32, payload []byte, verify bool) error {
	if err := checkWrite(addr, len(payload), d.maxTx); err != nil {
		d.debugf("write rejected: %v", err)
		return err
	}

	defer d.enter(StageIdle)

	if err := d.WriteEnable(); err != nil {
		return err
	}
	d.enter(StageLatchEnabled)

	if err := d.writeFrame(addr, payload); err != nil {
		return err
	}
	d.enter(StageDataSent)

	d.enter(StagePolling)
	if err := d.waitWriteComplete(); err != nil {
		return err
	}

	if verify {
		d.enter(StageVerifying)
		if err := d.verify(addr, payload); err != nil {
			return err
		}
		d.debugf("write check at 0x%06X successful", addr)
	}

	d.enter(StageDone)
	return nil
}

// waitWriteComplete polls LPWP until the device reports idle.
func (d *Device) waitWriteComplete() error {
	start := time.Now()

	for polls := 1; ; polls++ {
		v, err := d.PollWriteBusy()
		if err != nil {
			return err
		}

		if v == PollIdle {
			return nil
		}

		if d.cfg.MaxPolls > 0 && polls >= d.cfg.MaxPolls {
			err := &TimeoutError{Polls: polls, Elapsed: time.Since(start)}
			d.debugf("%v", err)
			return err
		}

		if d.cfg.PollTimeout > 0 {
			if elapsed := time.Since(start); elapsed >= d.cfg.PollTimeout {
				err := &TimeoutError{Polls: polls, Elapsed: elapsed}
				d.debugf("%v", err)
				return err
			}
		}

		if d.cfg.PollInterval > 0 {
			time.Sleep(d.cfg.PollInterval)
		}
	}
}

func (d *Device) verify(addr uint32, payload []byte) error {
	got, err := d.Read(addr, len(payload))
	if err != nil {
		return err
	}

	var mismatches []Mismatch
	for i, want := range payload {
		if got[i] != want {
			a := addr + uint32(i)
			d.debugf("memory value = %02X, write value = %02X at 0x%06X", got[i], want, a)
			mismatches = append(mismatches, Mismatch{Addr: a, Want: want, Got: got[i]})
		}
	}

	if len(mismatches) > 0 {
		return &VerificationError{Addr: addr, Mismatches: mismatches}
	}
	return nil
}

// WritePages stores data of any length starting at addr, splitting it on row
// boundaries and on the transport frame limit. Each piece runs through the
// full Write sequence. It stops at the first error and returns the number of
// bytes committed before it.
func (d *Device) WritePages(addr uint32, data []byte, verify bool) (int, error) {
	limit := MaxWriteLen
	if d.maxTx > 0 && d.maxTx-HeaderLen < limit {
		limit = d.maxTx - HeaderLen
		if limit <= 0 {
			return 0, &BoundsError{Addr: addr, Len: len(data), Reason: "transport limit below frame header"}
		}
	}

	written := 0
	for written < len(data) {
		a := addr + uint32(written)

		n := RowRemaining(a)
		if n > limit {
			n = limit
		}
		if rest := len(data) - written; n > rest {
			n = rest
		}

		if err := d.Write(a, data[written:written+n], verify); err != nil {
			return written, err
		}
		written += n
	}

	return written, nil
}

// WriteStatus writes the status register (BP1, BP0 and WPEN) and waits for
// the cycle to finish. Bits outside StatusWritable are ignored by the chip.
func (d *Device) WriteStatus(s Status) error {
	if err := d.WriteEnable(); err != nil {
		return err
	}

	if _, err := d.exchange(OpWriteStatus, 0, commandFrame(OpWriteStatus, byte(s))); err != nil {
		return err
	}

	return d.waitWriteComplete()
}
