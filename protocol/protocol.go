// Package protocol implements the Klipper serial protocol: VLQ encoded
// arguments inside CRC16 protected message blocks. Both ends are provided; the
// host end talks to a microcontroller that exposes its SPI buses through
// spi_transfer, and the MCU end lets tests and the simulator play that part.
//
// Message block layout:
//
//	[len][seq][payload...][crc_hi][crc_lo][0x7E]
package protocol

// Version of the protocol implementation
const Version = "0.1.0"

const (
	MessageHeaderSize  = 2
	MessageTrailerSize = 3
	MessageLengthMin   = MessageHeaderSize + MessageTrailerSize
	MessageLengthMax   = 64
	MessagePayloadMax  = MessageLengthMax - MessageLengthMin
	MessagePositionLen = 0
	MessagePositionSeq = 1
	MessageTrailerCRC  = 3
	MessageTrailerSync = 1
	MessageValueSync   = 0x7E
	MessageDest        = 0x10
	MessageSeqMask     = 0x0F

	scratchSize = 512
)

// Message is a validated message block
type Message struct {
	Length   uint8
	Sequence uint8
	Payload  []byte // command ID and arguments, without header and trailer
	CRC      uint16
}

// nextSequence returns the sequence that follows seq
func nextSequence(seq uint8) uint8 {
	return ((seq + 1) & MessageSeqMask) | MessageDest
}
