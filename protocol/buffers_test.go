package protocol

import (
	"bytes"
	"testing"
)

func TestSliceInputBufferPop(t *testing.T) {
	buf := NewSliceInputBuffer([]byte{0x10, 0x20, 0x30})

	buf.Pop(1)
	if !bytes.Equal(buf.Data(), []byte{0x20, 0x30}) {
		t.Errorf("Expected 20 30 after Pop(1), got % X", buf.Data())
	}

	// popping more than is left empties the buffer
	buf.Pop(10)
	if buf.Available() != 0 || len(buf.Data()) != 0 {
		t.Errorf("Expected empty buffer, got %d bytes", buf.Available())
	}
}

func TestScratchOutputFrame(t *testing.T) {
	scratch := NewScratchOutput()
	scratch.Output([]byte{0xAA})

	// length byte patched after the body is known
	start := scratch.CurPosition()
	scratch.Output([]byte{0x00, 0x01, 0x02, 0x03})
	scratch.Update(start, byte(len(scratch.DataSince(start))))

	if !bytes.Equal(scratch.Result(), []byte{0xAA, 0x04, 0x01, 0x02, 0x03}) {
		t.Errorf("Unexpected frame % X", scratch.Result())
	}

	// positions past the end are ignored
	scratch.Update(100, 0xFF)
	if scratch.DataSince(100) != nil {
		t.Error("Expected nil DataSince past the end")
	}
	if len(scratch.Result()) != 5 {
		t.Errorf("Update past the end changed the result: % X", scratch.Result())
	}

	scratch.Reset()
	if scratch.CurPosition() != 0 || len(scratch.Result()) != 0 {
		t.Errorf("Expected empty output after Reset, got %d bytes", scratch.CurPosition())
	}
}

func TestScratchOutputOverflow(t *testing.T) {
	scratch := NewScratchOutput()

	scratch.Output(make([]byte, scratchSize-2))
	scratch.Output([]byte{1, 2, 3, 4})

	if scratch.CurPosition() != scratchSize {
		t.Errorf("Expected position %d, got %d", scratchSize, scratch.CurPosition())
	}
	if tail := scratch.DataSince(scratchSize - 2); !bytes.Equal(tail, []byte{1, 2}) {
		t.Errorf("Expected the bytes that fit (01 02), got % X", tail)
	}

	// a full buffer drops everything
	scratch.Output([]byte{5})
	if scratch.CurPosition() != scratchSize {
		t.Errorf("Write to a full buffer moved the position to %d", scratch.CurPosition())
	}
}

func TestFifoBufferFull(t *testing.T) {
	testCases := []struct {
		capacity int
		write    int
		stored   int
	}{
		{10, 5, 5},
		{10, 9, 9},
		{10, 12, 9},
		{2, 3, 1},
	}

	for _, tc := range testCases {
		fifo := NewFifoBuffer(tc.capacity)
		n := fifo.Write(make([]byte, tc.write))
		if n != tc.stored {
			t.Errorf("cap %d: expected %d of %d bytes stored, got %d", tc.capacity, tc.stored, tc.write, n)
		}
		if fifo.Available() != tc.stored {
			t.Errorf("cap %d: expected %d available, got %d", tc.capacity, tc.stored, fifo.Available())
		}
		if want := tc.capacity - 1 - tc.stored; fifo.Free() != want {
			t.Errorf("cap %d: expected %d free, got %d", tc.capacity, want, fifo.Free())
		}
	}

	fifo := NewFifoBuffer(4)
	fifo.Write([]byte{1, 2, 3})
	if fifo.Write([]byte{4}) != 0 {
		t.Error("Expected a full FIFO to refuse writes")
	}
	if fifo.IsEmpty() {
		t.Error("Full FIFO reports empty")
	}
}

func TestFifoBufferDataAcrossWrap(t *testing.T) {
	fifo := NewFifoBuffer(6)

	fifo.Write([]byte{1, 2, 3, 4, 5})
	fifo.Pop(3)

	// 6 and 7 go to the end of the array, 8 wraps to the front
	if n := fifo.Write([]byte{6, 7, 8}); n != 3 {
		t.Fatalf("Expected 3 bytes written, got %d", n)
	}

	data := fifo.Data()
	if !bytes.Equal(data, []byte{4, 5, 6, 7, 8}) {
		t.Fatalf("Expected 04 05 06 07 08, got % X", data)
	}

	// the wrapped view is a copy; the ring keeps its contents
	data[0] = 0xEE
	if fifo.Data()[0] != 4 {
		t.Error("Data across the wrap aliases the ring")
	}

	fifo.Pop(2)
	if !bytes.Equal(fifo.Data(), []byte{6, 7, 8}) {
		t.Errorf("Expected 06 07 08 after Pop(2), got % X", fifo.Data())
	}

	out := make([]byte, 8)
	if n := fifo.Read(out); n != 3 || !bytes.Equal(out[:n], []byte{6, 7, 8}) {
		t.Errorf("Read returned %d bytes % X", n, out[:n])
	}
	if !fifo.IsEmpty() {
		t.Error("Expected empty FIFO after reading everything")
	}
}

func TestFifoBufferPopClamps(t *testing.T) {
	fifo := NewFifoBuffer(8)
	fifo.Write([]byte{1, 2})

	fifo.Pop(5)
	if !fifo.IsEmpty() {
		t.Errorf("Expected Pop past the end to empty the FIFO, %d left", fifo.Available())
	}

	// the read position stays consistent for later writes
	fifo.Write([]byte{9})
	if !bytes.Equal(fifo.Data(), []byte{9}) {
		t.Errorf("Expected 09, got % X", fifo.Data())
	}

	fifo.Reset()
	if !fifo.IsEmpty() || fifo.Free() != 7 {
		t.Errorf("Reset left %d bytes, %d free", fifo.Available(), fifo.Free())
	}
}
