package protocol

import (
	"errors"
	"fmt"
	"io"
	"sync"
	"sync/atomic"
	"time"
)

// DefaultTimeout bounds how long SendCommand waits for its ACK
const DefaultTimeout = 2 * time.Second

// ErrStopped is returned by calls interrupted by Close
var ErrStopped = errors.New("transport stopped")

// ResponseHandler is called from the reader goroutine for every response
type ResponseHandler func(cmdID uint16, data *[]byte) error

// HostTransport is the host end of the link: it numbers outgoing blocks,
// waits for their ACK and queues responses for the caller.
type HostTransport struct {
	port io.ReadWriteCloser

	currentSeq uint32 // atomic uint8, 0x10-0x1F

	scanner     frameScanner
	inputBuffer *FifoBuffer

	ackChan      chan *Message
	responseChan chan *Message

	handlerMu       sync.Mutex
	responseHandler ResponseHandler

	// cmdMutex keeps one command in flight
	cmdMutex   sync.Mutex
	writeMutex sync.Mutex
	readMutex  sync.Mutex

	stopOnce sync.Once
	stopChan chan struct{}
	doneChan chan struct{}
}

// NewHostTransport starts reading from port. Close stops the reader and
// closes the port.
func NewHostTransport(port io.ReadWriteCloser) *HostTransport {
	t := &HostTransport{
		port:         port,
		currentSeq:   MessageDest,
		inputBuffer:  NewFifoBuffer(scratchSize),
		ackChan:      make(chan *Message, 4),
		responseChan: make(chan *Message, 16),
		stopChan:     make(chan struct{}),
		doneChan:     make(chan struct{}),
	}

	go t.readLoop()

	return t
}

// SendCommand sends a command and waits for the MCU to acknowledge it
func (t *HostTransport) SendCommand(cmdID uint16, args func(output OutputBuffer)) error {
	return t.SendCommandWithTimeout(cmdID, args, DefaultTimeout)
}

// SendCommandWithTimeout is SendCommand with a custom ACK timeout
func (t *HostTransport) SendCommandWithTimeout(cmdID uint16, args func(output OutputBuffer), timeout time.Duration) error {
	t.cmdMutex.Lock()
	defer t.cmdMutex.Unlock()

	scratch := NewScratchOutput()
	EncodeVLQUint(scratch, uint32(cmdID))
	if args != nil {
		args(scratch)
	}

	seq := uint8(atomic.LoadUint32(&t.currentSeq))
	msg, err := EncodeMessage(seq, scratch.Result())
	if err != nil {
		return fmt.Errorf("failed to build command: %w", err)
	}

	if err := t.writeMessage(msg); err != nil {
		return fmt.Errorf("failed to write message: %w", err)
	}

	if err := t.waitForAck(nextSequence(seq), timeout); err != nil {
		return fmt.Errorf("ACK timeout or error: %w", err)
	}

	atomic.StoreUint32(&t.currentSeq, uint32(nextSequence(seq)))
	return nil
}

func (t *HostTransport) writeMessage(msg []byte) error {
	t.writeMutex.Lock()
	defer t.writeMutex.Unlock()

	n, err := t.port.Write(msg)
	if err != nil {
		return err
	}
	if n != len(msg) {
		return fmt.Errorf("incomplete write: %d/%d bytes", n, len(msg))
	}
	return nil
}

// waitForAck waits for an ACK announcing want. ACKs carrying any other
// sequence are NAKs for an older block and are skipped.
func (t *HostTransport) waitForAck(want uint8, timeout time.Duration) error {
	timer := time.NewTimer(timeout)
	defer timer.Stop()

	for {
		select {
		case ack := <-t.ackChan:
			if ack.Sequence == want {
				return nil
			}

		case <-timer.C:
			return fmt.Errorf("no ACK for sequence 0x%02x after %v", want, timeout)

		case <-t.stopChan:
			return ErrStopped
		}
	}
}

// ReceiveResponse returns the next queued response
func (t *HostTransport) ReceiveResponse(timeout time.Duration) (*Message, error) {
	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case resp := <-t.responseChan:
		return resp, nil

	case <-timer.C:
		return nil, fmt.Errorf("response timeout after %v", timeout)

	case <-t.stopChan:
		return nil, ErrStopped
	}
}

// WaitResponse returns the arguments of the next response with cmdID,
// discarding any other responses queued before it.
func (t *HostTransport) WaitResponse(cmdID uint16, timeout time.Duration) ([]byte, error) {
	deadline := time.Now().Add(timeout)

	for {
		remaining := time.Until(deadline)
		if remaining <= 0 {
			return nil, fmt.Errorf("response %d timeout after %v", cmdID, timeout)
		}

		msg, err := t.ReceiveResponse(remaining)
		if err != nil {
			return nil, err
		}

		args := msg.Payload
		id, err := DecodeVLQUint(&args)
		if err != nil {
			continue
		}
		if uint16(id) == cmdID {
			return args, nil
		}
	}
}

// DiscardResponses drops every queued response and returns how many were
// dropped
func (t *HostTransport) DiscardResponses() int {
	n := 0
	for {
		select {
		case <-t.responseChan:
			n++
		default:
			return n
		}
	}
}

// SetResponseHandler sets a callback for responses. Responses are queued for
// ReceiveResponse as well.
func (t *HostTransport) SetResponseHandler(handler ResponseHandler) {
	t.handlerMu.Lock()
	defer t.handlerMu.Unlock()
	t.responseHandler = handler
}

func (t *HostTransport) stopped() bool {
	select {
	case <-t.stopChan:
		return true
	default:
		return false
	}
}

func (t *HostTransport) readLoop() {
	defer close(t.doneChan)

	buffer := make([]byte, 256)

	for !t.stopped() {
		n, err := t.port.Read(buffer)
		if n > 0 {
			t.processMessages(buffer[:n])
		}
		if err != nil {
			// serial read timeouts surface as io.EOF
			time.Sleep(10 * time.Millisecond)
		}
	}
}

func (t *HostTransport) processMessages(data []byte) {
	t.readMutex.Lock()
	defer t.readMutex.Unlock()

	t.inputBuffer.Write(data)

	n := t.scanner.scan(t.inputBuffer.Data(), t.dispatchMessage)
	t.inputBuffer.Pop(n)
}

func (t *HostTransport) dispatchMessage(msg *Message) {
	if len(msg.Payload) == 0 {
		select {
		case t.ackChan <- msg:
		default:
		}
		return
	}

	t.handlerMu.Lock()
	handler := t.responseHandler
	t.handlerMu.Unlock()

	if handler != nil {
		payload := append([]byte(nil), msg.Payload...)
		if cmdID, err := DecodeVLQUint(&payload); err == nil {
			_ = handler(uint16(cmdID), &payload)
		}
	}

	select {
	case t.responseChan <- msg:
	default:
		// full: drop the oldest
		select {
		case <-t.responseChan:
		default:
		}
		t.responseChan <- msg
	}
}

// Close stops the reader and closes the port. The port is closed before
// waiting so a blocked Read returns.
func (t *HostTransport) Close() error {
	var err error
	t.stopOnce.Do(func() {
		close(t.stopChan)
		if t.port != nil {
			err = t.port.Close()
		}
		<-t.doneChan
	})
	return err
}

// Reset restarts the sequence and drops anything buffered
func (t *HostTransport) Reset() {
	t.cmdMutex.Lock()
	defer t.cmdMutex.Unlock()

	t.scanner.setSynchronized(true)
	atomic.StoreUint32(&t.currentSeq, MessageDest)

	for len(t.ackChan) > 0 {
		<-t.ackChan
	}
	for len(t.responseChan) > 0 {
		<-t.responseChan
	}

	t.readMutex.Lock()
	t.inputBuffer.Reset()
	t.readMutex.Unlock()
}

// CurrentSequence returns the sequence the next command will carry
func (t *HostTransport) CurrentSequence() uint8 {
	return uint8(atomic.LoadUint32(&t.currentSeq))
}
