package protocol

import (
	"fmt"
	"sync/atomic"
)

// EncodeMessage wraps payload into a message block carrying seq
func EncodeMessage(seq uint8, payload []byte) ([]byte, error) {
	msgLen := MessageLengthMin + len(payload)
	if msgLen > MessageLengthMax {
		return nil, fmt.Errorf("message too long: %d bytes (max %d)", msgLen, MessageLengthMax)
	}

	msg := make([]byte, 0, msgLen)
	msg = append(msg, uint8(msgLen), seq)
	msg = append(msg, payload...)

	crc := CRC16(msg)
	return append(msg, uint8(crc>>8), uint8(crc), MessageValueSync), nil
}

// frameScanner splits a byte stream into validated message blocks. After a
// framing or CRC error it drops bytes up to the next sync byte.
type frameScanner struct {
	lost      uint32 // atomic bool
	checkDest bool
	onResync  func()
}

func (s *frameScanner) synchronized() bool {
	return atomic.LoadUint32(&s.lost) == 0
}

func (s *frameScanner) setSynchronized(v bool) {
	if v {
		atomic.StoreUint32(&s.lost, 0)
	} else {
		atomic.StoreUint32(&s.lost, 1)
	}
}

// scan calls fn for every complete block in data and returns the number of
// bytes consumed. A trailing partial block is left in place.
func (s *frameScanner) scan(data []byte, fn func(msg *Message)) int {
	total := len(data)

	for len(data) > 0 {
		if !s.synchronized() {
			syncPos := -1
			for i, b := range data {
				if b == MessageValueSync {
					syncPos = i
					break
				}
			}
			if syncPos < 0 {
				data = nil
				break
			}
			data = data[syncPos+1:]
			s.setSynchronized(true)
			if s.onResync != nil {
				s.onResync()
			}
			continue
		}

		if data[0] == MessageValueSync {
			data = data[1:]
			continue
		}

		if len(data) < MessageLengthMin {
			break
		}

		msgLen := int(data[MessagePositionLen])
		if msgLen < MessageLengthMin || msgLen > MessageLengthMax {
			s.setSynchronized(false)
			continue
		}

		seq := data[MessagePositionSeq]
		if s.checkDest && seq&^MessageSeqMask != MessageDest {
			s.setSynchronized(false)
			continue
		}

		if len(data) < msgLen {
			break
		}

		if data[msgLen-MessageTrailerSync] != MessageValueSync {
			s.setSynchronized(false)
			continue
		}

		frameCRC := uint16(data[msgLen-MessageTrailerCRC])<<8 |
			uint16(data[msgLen-MessageTrailerCRC+1])
		if frameCRC != CRC16(data[:msgLen-MessageTrailerSize]) {
			s.setSynchronized(false)
			continue
		}

		payload := make([]byte, msgLen-MessageLengthMin)
		copy(payload, data[MessageHeaderSize:msgLen-MessageTrailerSize])
		data = data[msgLen:]

		fn(&Message{
			Length:   uint8(msgLen),
			Sequence: seq,
			Payload:  payload,
			CRC:      frameCRC,
		})
	}

	return total - len(data)
}
