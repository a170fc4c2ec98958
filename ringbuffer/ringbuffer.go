// Package ringbuffer implements the shared-memory packet queue used to hand
// CEP packet streams between a capture process and the reader. One producer
// fills the buffer, one consumer drains it; both sides memory-map the same
// two POSIX shm regions, a 4096-byte descriptor page and the raw byte ring.
package ringbuffer

import (
	"encoding/binary"
	"fmt"
	"os"
	"syscall"
	"time"

	"github.com/fabiokung/shm"
)

// Descriptor page offsets. All fields are little-endian uint64, written by
// exactly one side: the producer owns writePointer, bufferSize and flags,
// the consumer owns readPointer.
const (
	descOffWrite = 0
	descOffRead  = 8
	descOffSize  = 16
	descOffFlags = 24

	descPageSize = 4096

	// flagWriterDone is set by the producer when the stream has ended.
	flagWriterDone = 1
)

// pollInterval is how long a blocking read sleeps while the ring is empty.
const pollInterval = 500 * time.Microsecond

// ShmNames derives the shared-memory region names for a numeric stream key.
func ShmNames(key int) (rawName, descName string) {
	return fmt.Sprintf("cep_ring_%04x", key), fmt.Sprintf("cep_ring_%04x_desc", key)
}

// RingBuffer describes one end of the shared-memory packet queue.
type RingBuffer struct {
	desc      []byte
	raw       []byte
	rawName   string
	descName  string
	rawFile   *os.File
	descFile  *os.File
	writeable bool // producer end?
}

// NewRingBuffer creates and returns a new RingBuffer object
func NewRingBuffer(rawName, descName string) (rb *RingBuffer, err error) {
	rb = new(RingBuffer)
	rb.rawName = rawName
	rb.descName = descName
	return rb, nil
}

func (rb *RingBuffer) writePointer() uint64 {
	return binary.LittleEndian.Uint64(rb.desc[descOffWrite:])
}

func (rb *RingBuffer) readPointer() uint64 {
	return binary.LittleEndian.Uint64(rb.desc[descOffRead:])
}

// BufferSize returns the capacity of the raw ring in bytes, or -1 if the
// buffer is not open.
func (rb *RingBuffer) BufferSize() int {
	if rb.desc == nil {
		return -1
	}
	return int(binary.LittleEndian.Uint64(rb.desc[descOffSize:]))
}

func (rb *RingBuffer) flags() uint64 {
	return binary.LittleEndian.Uint64(rb.desc[descOffFlags:])
}

// Create makes a writeable buffer of the given capacity. Only the producer
// end (a capture process, a test, or the stream generator) calls this.
func (rb *RingBuffer) Create(bufsize int) (err error) {
	rb.writeable = true
	file, err := shm.Open(rb.descName, os.O_RDWR|os.O_CREATE, 0660)
	if err != nil {
		return err
	}
	rb.descFile = file
	fd := int(rb.descFile.Fd())
	if err = syscall.Ftruncate(fd, int64(descPageSize)); err != nil {
		return err
	}
	rb.desc, err = syscall.Mmap(fd, 0, descPageSize, syscall.PROT_READ|syscall.PROT_WRITE, syscall.MAP_SHARED)
	if err != nil {
		return err
	}

	file, err = shm.Open(rb.rawName, os.O_RDWR|os.O_CREATE, 0660)
	if err != nil {
		return err
	}
	rb.rawFile = file
	fd = int(rb.rawFile.Fd())
	if err = syscall.Ftruncate(fd, int64(bufsize)); err != nil {
		return err
	}
	rb.raw, err = syscall.Mmap(fd, 0, bufsize, syscall.PROT_READ|syscall.PROT_WRITE, syscall.MAP_SHARED)
	if err != nil {
		return err
	}

	binary.LittleEndian.PutUint64(rb.desc[descOffWrite:], 0)
	binary.LittleEndian.PutUint64(rb.desc[descOffRead:], 0)
	binary.LittleEndian.PutUint64(rb.desc[descOffSize:], uint64(bufsize))
	binary.LittleEndian.PutUint64(rb.desc[descOffFlags:], 0)
	return nil
}

// Unlink removes the shared memory regions backing a writeable buffer.
func (rb *RingBuffer) Unlink() (err error) {
	if err = shm.Unlink(rb.rawName); err != nil {
		return err
	}
	return shm.Unlink(rb.descName)
}

// Open opens the ring buffer shared memory regions and memory maps them.
func (rb *RingBuffer) Open() (err error) {
	file, err := shm.Open(rb.descName, os.O_RDWR, 0600)
	if err != nil {
		return err
	}
	rb.descFile = file
	fd := int(rb.descFile.Fd())
	rb.desc, err = syscall.Mmap(fd, 0, descPageSize, syscall.PROT_READ|syscall.PROT_WRITE, syscall.MAP_SHARED)
	if err != nil {
		return err
	}
	size := rb.BufferSize()
	if size <= 0 {
		rb.Close()
		return fmt.Errorf("ring %q has invalid capacity %d", rb.rawName, size)
	}

	file, err = shm.Open(rb.rawName, os.O_RDONLY, 0600)
	if err != nil {
		syscall.Munmap(rb.desc)
		rb.desc = nil
		rb.descFile.Close()
		rb.descFile = nil
		return err
	}
	rb.rawFile = file
	fd = int(rb.rawFile.Fd())
	rb.raw, err = syscall.Mmap(fd, 0, size, syscall.PROT_READ, syscall.MAP_SHARED)
	if err != nil {
		return err
	}
	return nil
}

// BytesReadable returns the number of bytes waiting in the ring.
func (rb *RingBuffer) BytesReadable() int {
	return int(rb.writePointer() - rb.readPointer())
}

// StreamEnded reports whether the producer has marked the stream complete.
func (rb *RingBuffer) StreamEnded() bool {
	return rb.flags()&flagWriterDone != 0
}

// copyOut copies n bytes starting at the read pointer into p, handling the
// wrap at the end of the ring. The read pointer is not advanced.
func (rb *RingBuffer) copyOut(p []byte, n int) {
	size := uint64(len(rb.raw))
	start := rb.readPointer() % size
	first := size - start
	if uint64(n) <= first {
		copy(p[:n], rb.raw[start:start+uint64(n)])
		return
	}
	copy(p[:first], rb.raw[start:])
	copy(p[first:n], rb.raw[:uint64(n)-first])
}

// Read blocks until len(p) bytes have been consumed from the ring, or the
// producer marks the stream done and the remaining bytes run out. It
// returns the number of bytes read; a short count means end of stream.
func (rb *RingBuffer) Read(p []byte) (int, error) {
	if rb.raw == nil {
		return 0, os.ErrClosed
	}
	filled := 0
	for filled < len(p) {
		avail := rb.BytesReadable()
		if avail == 0 {
			if rb.StreamEnded() {
				return filled, nil
			}
			time.Sleep(pollInterval)
			continue
		}
		n := len(p) - filled
		if n > avail {
			n = avail
		}
		rb.copyOut(p[filled:], n)
		binary.LittleEndian.PutUint64(rb.desc[descOffRead:], rb.readPointer()+uint64(n))
		filled += n
	}
	return filled, nil
}

// Peek copies len(p) bytes without consuming them, blocking until that much
// is buffered or the stream ends (in which case the count is short).
func (rb *RingBuffer) Peek(p []byte) (int, error) {
	if rb.raw == nil {
		return 0, os.ErrClosed
	}
	for {
		avail := rb.BytesReadable()
		if avail >= len(p) {
			rb.copyOut(p, len(p))
			return len(p), nil
		}
		if rb.StreamEnded() {
			rb.copyOut(p, avail)
			return avail, nil
		}
		time.Sleep(pollInterval)
	}
}

// AlignReadTo advances the read pointer to the next multiple of n, dropping
// any partial leading record. Returns the number of bytes discarded.
func (rb *RingBuffer) AlignReadTo(n int) int {
	if n <= 0 {
		return 0
	}
	read := rb.readPointer()
	skip := (uint64(n) - read%uint64(n)) % uint64(n)
	if skip == 0 {
		return 0
	}
	// Never skip beyond the write pointer; the producer may still be
	// filling the first record.
	for uint64(rb.BytesReadable()) < skip && !rb.StreamEnded() {
		time.Sleep(pollInterval)
	}
	if avail := uint64(rb.BytesReadable()); skip > avail {
		skip = avail
	}
	binary.LittleEndian.PutUint64(rb.desc[descOffRead:], read+skip)
	return int(skip)
}

// DiscardAll discards all readable bytes in the ring buffer.
func (rb *RingBuffer) DiscardAll() error {
	if rb.desc == nil {
		return os.ErrClosed
	}
	binary.LittleEndian.PutUint64(rb.desc[descOffRead:], rb.writePointer())
	return nil
}

// Write appends p to the ring, up to the free space available. Only valid
// on a writeable buffer. Returns the number of bytes written.
func (rb *RingBuffer) Write(p []byte) (int, error) {
	if !rb.writeable {
		return 0, fmt.Errorf("ring %q is not writeable", rb.rawName)
	}
	size := uint64(len(rb.raw))
	free := size - (rb.writePointer() - rb.readPointer())
	n := uint64(len(p))
	if n > free {
		n = free
	}
	start := rb.writePointer() % size
	first := size - start
	if n <= first {
		copy(rb.raw[start:start+n], p[:n])
	} else {
		copy(rb.raw[start:], p[:first])
		copy(rb.raw[:n-first], p[first:n])
	}
	binary.LittleEndian.PutUint64(rb.desc[descOffWrite:], rb.writePointer()+n)
	return int(n), nil
}

// EndStream marks the stream complete; readers drain whatever remains and
// then observe end-of-stream.
func (rb *RingBuffer) EndStream() {
	if rb.desc != nil {
		binary.LittleEndian.PutUint64(rb.desc[descOffFlags:], rb.flags()|flagWriterDone)
	}
}

// Close closes the ring buffer by munmap and closing the shared memory regions.
func (rb *RingBuffer) Close() (err error) {
	if rb.raw != nil {
		if err = syscall.Munmap(rb.raw); err != nil {
			return
		}
		rb.raw = nil
	}
	if rb.desc != nil {
		if err = syscall.Munmap(rb.desc); err != nil {
			return
		}
		rb.desc = nil
	}
	if rb.rawFile != nil {
		if err = rb.rawFile.Close(); err != nil {
			return
		}
		rb.rawFile = nil
	}
	if rb.descFile != nil {
		if err = rb.descFile.Close(); err != nil {
			return
		}
		rb.descFile = nil
	}
	return nil
}
