package eeprom

import (
	"encoding/hex"
	"fmt"
)

// DebugWriter is a function type for writing debug messages
type DebugWriter func(string)

// TraceEvent records one transfer for post-mortem analysis
type TraceEvent struct {
	Op   Opcode
	Addr uint32 // only meaningful for READ and WRITE
	Len  int    // frame length
	Err  error
}

// TraceRingSize is the number of transfers kept by a Device
const TraceRingSize = 32

type traceRing struct {
	events [TraceRingSize]TraceEvent
	head   int // next write position
	count  int
}

func (r *traceRing) record(ev TraceEvent) {
	r.events[r.head] = ev
	r.head = (r.head + 1) % TraceRingSize
	if r.count < TraceRingSize {
		r.count++
	}
}

// snapshot returns the recorded events, oldest first
func (r *traceRing) snapshot() []TraceEvent {
	out := make([]TraceEvent, 0, r.count)
	start := (r.head - r.count + TraceRingSize) % TraceRingSize
	for i := 0; i < r.count; i++ {
		out = append(out, r.events[(start+i)%TraceRingSize])
	}
	return out
}

func (d *Device) debugf(format string, args ...interface{}) {
	if d.cfg.Debug == nil {
		return
	}
	d.cfg.Debug(fmt.Sprintf(format, args...))
}

func (d *Device) dump(dir string, op Opcode, buf []byte) {
	if d.cfg.Debug == nil {
		return
	}
	d.cfg.Debug(fmt.Sprintf("%s %s: %s", op, dir, hex.EncodeToString(buf)))
}
