package eeprom

// EncodeAddressCommand packs an opcode and the low 24 bits of addr into the
// frame header. The address goes out least significant byte first. The range
// is not validated.
func EncodeAddressCommand(op Opcode, addr uint32) [HeaderLen]byte {
	return [HeaderLen]byte{
		byte(op),
		byte(addr & 0x0000FF),
		byte((addr & 0x00FF00) >> 8),
		byte((addr & 0xFF0000) >> 16),
	}
}

// DecodeAddress extracts the address from the header of an addressed frame.
func DecodeAddress(frame []byte) uint32 {
	if len(frame) < HeaderLen {
		return 0
	}
	return uint32(frame[1]) | uint32(frame[2])<<8 | uint32(frame[3])<<16
}

// addressFrame returns a header followed by payload, or by n zero pad bytes
// when payload is nil.
func addressFrame(op Opcode, addr uint32, payload []byte, n int) []byte {
	if payload != nil {
		n = len(payload)
	}
	frame := make([]byte, HeaderLen+n)
	hdr := EncodeAddressCommand(op, addr)
	copy(frame, hdr[:])
	copy(frame[HeaderLen:], payload)
	return frame
}

// commandFrame returns a control frame: the opcode and optional argument
// bytes. Status style commands pass a single 0x00 to clock the answer out.
func commandFrame(op Opcode, args ...byte) []byte {
	frame := make([]byte, 1+len(args))
	frame[0] = byte(op)
	copy(frame[1:], args)
	return frame
}

// SameRow reports whether the n bytes starting at addr sit in one row.
func SameRow(addr uint32, n int) bool {
	if n <= 0 {
		return true
	}
	last := addr + uint32(n) - 1
	return last&RowMask == addr&RowMask && last >= addr
}

// RowRemaining returns how many bytes fit between addr and the end of its row.
func RowRemaining(addr uint32) int {
	return RowSize - int(addr%RowSize)
}

// checkWrite validates a WRITE request against the row and length rules and
// against the transport frame limit (0 = unlimited).
func checkWrite(addr uint32, n int, maxTx int) error {
	switch {
	case n == 0:
		return &BoundsError{Addr: addr, Len: n, Reason: "empty payload"}
	case n > MaxWriteLen:
		return &BoundsError{Addr: addr, Len: n, Reason: "payload exceeds 256 bytes"}
	case !SameRow(addr, n):
		return &BoundsError{Addr: addr, Len: n, Reason: "payload crosses a row boundary"}
	case maxTx > 0 && n+HeaderLen > maxTx:
		return &BoundsError{Addr: addr, Len: n, Reason: "frame exceeds transport limit"}
	}
	return nil
}
