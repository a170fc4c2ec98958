package ringbuffer

import (
	"bytes"
	"testing"
	"time"

	"github.com/fabiokung/shm"
)

func TestBufferOpenClose(t *testing.T) {
	rawName, descName := ShmNames(0x4c01)
	badRaw, badDesc := "does_not_exist", "does_not_exist_either"

	// In case these memory regions exist from earlier tests, remove them.
	for _, name := range []string{rawName, descName, badRaw, badDesc} {
		shm.Unlink(name)
	}

	writebuf, err := NewRingBuffer(rawName, descName)
	if err != nil {
		t.Fatal("Failed NewRingBuffer", err)
	}
	defer writebuf.Unlink()
	if err = writebuf.Create(8192); err != nil {
		t.Fatal("Failed RingBuffer.Create", err)
	}

	// Buffers that should not be Openable.
	r, _ := NewRingBuffer(badRaw, badDesc)
	if err = r.Open(); err == nil {
		t.Errorf("Open(%s, %s) succeeds, should fail", badRaw, badDesc)
	}
	r, _ = NewRingBuffer(badRaw, descName)
	if err = r.Open(); err == nil {
		t.Errorf("Open(%s, %s) succeeds, should fail", badRaw, descName)
	}

	// This buffer should be Openable and Closeable, repeatedly.
	r, _ = NewRingBuffer(rawName, descName)
	for i := 0; i < 4; i++ {
		if err = r.Open(); err != nil {
			t.Fatal("Failed RingBuffer.Open", err)
		}
		if bs := r.BufferSize(); bs != 8192 {
			t.Errorf("BufferSize()=%d, want 8192", bs)
		}
		if err = r.Close(); err != nil {
			t.Error("Failed RingBuffer.Close", err)
		}
		if bs := r.BufferSize(); bs != -1 {
			t.Errorf("Closed RingBuffer BufferSize()=%d, want -1", bs)
		}
	}

	if err = writebuf.Close(); err != nil {
		t.Error("Failed RingBuffer.Close", err)
	}
}

func TestBufferWriteRead(t *testing.T) {
	rawName, descName := ShmNames(0x4c02)
	for _, name := range []string{rawName, descName} {
		shm.Unlink(name)
	}

	writebuf, err := NewRingBuffer(rawName, descName)
	if err != nil {
		t.Fatal("Failed NewRingBuffer", err)
	}
	defer writebuf.Unlink()
	buffersize := 8192
	if err = writebuf.Create(buffersize); err != nil {
		t.Fatal("Failed RingBuffer.Create", err)
	}

	b, _ := NewRingBuffer(rawName, descName)
	if err = b.Open(); err != nil {
		t.Fatal("Failed RingBuffer.Open", err)
	}
	defer b.Close()

	deadbeef := bytes.Repeat([]byte{0xde, 0xad, 0xbe, 0xef}, 500)
	if _, err = writebuf.Write(deadbeef); err != nil {
		t.Fatal("writebuf.Write fails:", err)
	}
	if got := b.BytesReadable(); got != len(deadbeef) {
		t.Errorf("BytesReadable()=%d, want %d", got, len(deadbeef))
	}

	// Peek does not consume.
	head := make([]byte, 16)
	if n, err := b.Peek(head); err != nil || n != 16 {
		t.Errorf("Peek returns (%d, %v), want (16, nil)", n, err)
	}
	if got := b.BytesReadable(); got != len(deadbeef) {
		t.Errorf("BytesReadable()=%d after Peek, want %d", got, len(deadbeef))
	}

	// Read consumes and round-trips the data.
	data := make([]byte, len(deadbeef))
	if n, err := b.Read(data); err != nil || n != len(deadbeef) {
		t.Fatalf("Read returns (%d, %v), want (%d, nil)", n, err, len(deadbeef))
	}
	if !bytes.Equal(data, deadbeef) {
		t.Error("Read returned different bytes than were written")
	}
	if got := b.BytesReadable(); got != 0 {
		t.Errorf("BytesReadable()=%d after drain, want 0", got)
	}

	// Writes wrapping the end of the ring read back intact.
	nwrite := 100 + buffersize - int(writebuf.writePointer())%buffersize
	consec := make([]byte, nwrite)
	for i := range consec {
		consec[i] = byte(i)
	}
	writebuf.Write(consec)
	data = make([]byte, nwrite)
	if n, err := b.Read(data); err != nil || n != nwrite {
		t.Fatalf("wrapped Read returns (%d, %v), want (%d, nil)", n, err, nwrite)
	}
	if !bytes.Equal(data, consec) {
		t.Error("wrapped Read returned different bytes than were written")
	}

	// A write larger than the ring is truncated to the free space.
	zeros := make([]byte, buffersize+20)
	written, err := writebuf.Write(zeros)
	if err != nil {
		t.Error("oversized Write errors:", err)
	}
	if written >= buffersize+20 {
		t.Errorf("oversized Write wrote %d bytes, want < %d", written, buffersize+20)
	}
	b.DiscardAll()
	if got := b.BytesReadable(); got != 0 {
		t.Errorf("BytesReadable()=%d after DiscardAll, want 0", got)
	}

	// AlignReadTo drops the partial leading record.
	writebuf.Write(make([]byte, 700))
	dropped := b.AlignReadTo(512)
	if read := int(b.readPointer()); read%512 != 0 {
		t.Errorf("read pointer %d not aligned to 512 (dropped %d)", read, dropped)
	}

	// A blocked Read completes once the producer catches up.
	b.DiscardAll()
	done := make(chan struct{})
	go func() {
		time.Sleep(5 * time.Millisecond)
		writebuf.Write(consec[:256])
		close(done)
	}()
	data = make([]byte, 256)
	if n, err := b.Read(data); err != nil || n != 256 {
		t.Errorf("blocking Read returns (%d, %v), want (256, nil)", n, err)
	}
	<-done

	// After EndStream, reads drain and then return short.
	writebuf.Write(consec[:100])
	writebuf.EndStream()
	data = make([]byte, 200)
	if n, err := b.Read(data); err != nil || n != 100 {
		t.Errorf("Read after EndStream returns (%d, %v), want (100, nil)", n, err)
	}
	if err = writebuf.Close(); err != nil {
		t.Error("Failed RingBuffer.Close", err)
	}
}
