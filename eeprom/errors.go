package eeprom

import (
	"errors"
	"fmt"
	"strings"
	"time"
)

// Sentinels matched by the typed errors below through errors.Is.
var (
	ErrTransport    = errors.New("eeprom: transport failure")
	ErrBounds       = errors.New("eeprom: request out of bounds")
	ErrProtocol     = errors.New("eeprom: unexpected device response")
	ErrVerification = errors.New("eeprom: write verification failed")
	ErrTimeout      = errors.New("eeprom: write cycle timeout")
)

// TransportError indicates that the underlying full-duplex exchange failed.
type TransportError struct {
	// Op is the command whose frame could not be exchanged
	Op Opcode

	// Err is the error returned by the transport
	Err error
}

func (e *TransportError) Error() string {
	return fmt.Sprintf("%s transfer failed: %v", e.Op, e.Err)
}

func (e *TransportError) Unwrap() error { return e.Err }

func (e *TransportError) Is(target error) bool { return target == ErrTransport }

// BoundsError indicates a request rejected before any device interaction.
type BoundsError struct {
	Addr   uint32
	Len    int
	Reason string
}

func (e *BoundsError) Error() string {
	return fmt.Sprintf("%d bytes at 0x%06X rejected: %s", e.Len, e.Addr, e.Reason)
}

func (e *BoundsError) Is(target error) bool { return target == ErrBounds }

// ProtocolError indicates a response byte outside the set the command allows.
type ProtocolError struct {
	Op    Opcode
	Value byte
}

func (e *ProtocolError) Error() string {
	return fmt.Sprintf("%s returned unexpected value 0x%02X", e.Op, e.Value)
}

func (e *ProtocolError) Is(target error) bool { return target == ErrProtocol }

// Mismatch is one byte whose read-back differs from what was written.
type Mismatch struct {
	Addr uint32
	Want byte
	Got  byte
}

// VerificationError indicates that the read-back after a completed write did
// not match the payload.
type VerificationError struct {
	Addr       uint32
	Mismatches []Mismatch
}

func (e *VerificationError) Error() string {
	parts := make([]string, 0, len(e.Mismatches))
	for i, m := range e.Mismatches {
		if i == 4 {
			parts = append(parts, fmt.Sprintf("and %d more", len(e.Mismatches)-i))
			break
		}
		parts = append(parts, fmt.Sprintf("0x%06X: wrote 0x%02X, read 0x%02X", m.Addr, m.Want, m.Got))
	}
	return fmt.Sprintf("write check at 0x%06X failed: %s", e.Addr, strings.Join(parts, "; "))
}

func (e *VerificationError) Is(target error) bool { return target == ErrVerification }

// TimeoutError indicates that the device still reported busy when the poll
// bound was reached.
type TimeoutError struct {
	Polls   int
	Elapsed time.Duration
}

func (e *TimeoutError) Error() string {
	return fmt.Sprintf("device still busy after %d polls (%v)", e.Polls, e.Elapsed)
}

func (e *TimeoutError) Is(target error) bool { return target == ErrTimeout }

// IsTransportError returns true if err is or wraps a TransportError.
func IsTransportError(err error) bool {
	var e *TransportError
	return errors.As(err, &e)
}

// IsBoundsError returns true if err is or wraps a BoundsError.
func IsBoundsError(err error) bool {
	var e *BoundsError
	return errors.As(err, &e)
}

// IsProtocolError returns true if err is or wraps a ProtocolError.
func IsProtocolError(err error) bool {
	var e *ProtocolError
	return errors.As(err, &e)
}

// IsVerificationError returns true if err is or wraps a VerificationError.
func IsVerificationError(err error) bool {
	var e *VerificationError
	return errors.As(err, &e)
}

// IsTimeoutError returns true if err is or wraps a TimeoutError.
func IsTimeoutError(err error) bool {
	var e *TimeoutError
	return errors.As(err, &e)
}
