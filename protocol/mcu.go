package protocol

import "sync/atomic"

// CommandHandler handles one decoded command. It must consume its arguments
// from data.
type CommandHandler func(cmdID uint16, data *[]byte) error

// MCUTransport is the microcontroller end of the link: it checks sequence
// numbers, acknowledges every block and dispatches the commands inside.
type MCUTransport struct {
	scanner       frameScanner
	nextSequence  uint32 // atomic uint8, expected from the host
	output        OutputBuffer
	handler       CommandHandler
	resetCallback func()
	flushCallback func()
}

// NewMCUTransport returns a transport writing ACKs and responses to output
func NewMCUTransport(output OutputBuffer, handler CommandHandler) *MCUTransport {
	t := &MCUTransport{
		nextSequence: MessageDest,
		output:       output,
		handler:      handler,
	}
	t.scanner.checkDest = true
	t.scanner.onResync = t.encodeAckNak
	return t
}

// Receive consumes every complete block available in input
func (t *MCUTransport) Receive(input InputBuffer) {
	n := t.scanner.scan(input.Data(), t.receiveMessage)
	if n > 0 {
		input.Pop(n)
	}
}

func (t *MCUTransport) receiveMessage(msg *Message) {
	expected := uint8(atomic.LoadUint32(&t.nextSequence))

	// a host restarting its sequence is a reconnect
	if msg.Sequence == MessageDest && expected != MessageDest {
		atomic.StoreUint32(&t.nextSequence, MessageDest)
		expected = MessageDest
		if t.resetCallback != nil {
			t.resetCallback()
		}
	}

	if msg.Sequence == expected {
		atomic.StoreUint32(&t.nextSequence, uint32(nextSequence(expected)))
		_ = t.parseFrame(msg.Payload)
	}

	// the ACK follows the block's responses; out of order it carries the
	// sequence we still expect
	t.encodeAckNak()
}

func (t *MCUTransport) parseFrame(frame []byte) (err error) {
	defer func() {
		if r := recover(); r != nil {
			t.scanner.setSynchronized(false)
		}
	}()

	for len(frame) > 0 {
		cmdID, err := DecodeVLQUint(&frame)
		if err != nil {
			t.scanner.setSynchronized(false)
			return err
		}
		if t.handler == nil {
			return nil
		}
		if err := t.handler(uint16(cmdID), &frame); err != nil {
			return err
		}
	}
	return nil
}

func (t *MCUTransport) encodeAckNak() {
	ack, _ := EncodeMessage(uint8(atomic.LoadUint32(&t.nextSequence)), nil)
	t.output.Output(ack)
	t.flush()
}

// SendResponse encodes one response block
func (t *MCUTransport) SendResponse(cmdID uint16, args func(output OutputBuffer)) {
	cursor := t.output.CurPosition()

	t.output.Output([]byte{0, uint8(atomic.LoadUint32(&t.nextSequence))})
	EncodeVLQUint(t.output, uint32(cmdID))
	if args != nil {
		args(t.output)
	}

	changed := len(t.output.DataSince(cursor))
	t.output.Update(cursor, uint8(changed+MessageTrailerSize))

	crc := CRC16(t.output.DataSince(cursor))
	t.output.Output([]byte{uint8(crc >> 8), uint8(crc), MessageValueSync})
	t.flush()
}

func (t *MCUTransport) flush() {
	if t.flushCallback != nil {
		t.flushCallback()
	}
}

// Reset returns to the power-on state
func (t *MCUTransport) Reset() {
	t.scanner.setSynchronized(true)
	atomic.StoreUint32(&t.nextSequence, MessageDest)
	if t.resetCallback != nil {
		t.resetCallback()
	}
}

// SetResetCallback sets a callback run when the host restarts its sequence
func (t *MCUTransport) SetResetCallback(callback func()) {
	t.resetCallback = callback
}

// SetFlushCallback sets a callback run after every ACK and response so the
// output can be pushed out immediately
func (t *MCUTransport) SetFlushCallback(callback func()) {
	t.flushCallback = callback
}
