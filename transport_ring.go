package lofarudp

import (
	"strconv"

	sysctl "github.com/lorenzosaino/go-sysctl"

	"github.com/lofar-daq/lofarudp/ringbuffer"
)

// defaultRingPacketLength is the historical CEP packet size (122 beamlets,
// 8-bit mode) used to align the ring cursor before the real geometry has
// been parsed from a header.
const defaultRingPacketLength = 7824

// ringTransport consumes packets from an external shared-memory ring.
type ringTransport struct {
	ring *ringbuffer.RingBuffer
}

// openRingTransport attaches to the ring with the given key and aligns the
// read cursor to a packet boundary. packetLength of 0 selects the
// historical default (used only for the pre-geometry header peek).
func openRingTransport(key, packetLength int) (*ringTransport, error) {
	rawName, descName := ringbuffer.ShmNames(key)
	rb, err := ringbuffer.NewRingBuffer(rawName, descName)
	if err != nil {
		return nil, err
	}
	if err := rb.Open(); err != nil {
		return nil, err
	}
	checkShmLimits(rb.BufferSize())
	if packetLength == 0 {
		packetLength = defaultRingPacketLength
	}
	if dropped := rb.AlignReadTo(packetLength); dropped > 0 {
		ProblemLogger.Printf("ring 0x%x: dropped %d bytes aligning to a %d byte packet boundary", key, dropped, packetLength)
	}
	return &ringTransport{ring: rb}, nil
}

// checkShmLimits warns when the kernel's shared-memory ceilings look too
// small for the attached ring; a capture process hitting the limit stalls
// the whole session.
func checkShmLimits(ringSize int) {
	if ringSize <= 0 {
		return
	}
	val, err := sysctl.Get("kernel.shmmax")
	if err != nil {
		return // sysctl unavailable (containers, non-Linux); nothing to check
	}
	shmmax, err := strconv.ParseUint(val, 10, 64)
	if err != nil {
		return
	}
	if shmmax < uint64(ringSize) {
		ProblemLogger.Printf("kernel.shmmax (%d) is below the ring buffer size (%d); raise it before capture", shmmax, ringSize)
	}
}

func (t *ringTransport) readInto(p []byte, want int) (int, error) {
	return t.ring.Read(p[:want])
}

func (t *ringTransport) peekHeader(hdr []byte) error {
	_, err := t.ring.Peek(hdr[:UDPHeaderLen])
	return err
}

func (t *ringTransport) close() error {
	return t.ring.Close()
}
