package lofarudp

// portBuffer owns the backing bytes for one port's sliding packet window.
// The allocation is laid out as
//
//	[zero packet][replay packet][packet 0 .. packet P-1][reserve tail]
//
// so logical packet indices -2 and -1 are addressable. Index -1 holds the
// most recent previously-valid packet for loss replay; index -2 is kept
// zeroed when replay is disabled so kernels can substitute silence.
type portBuffer struct {
	raw          []byte
	packetLength int
	packets      int // window capacity in packets
	reserve      int // extra tail bytes for decompressor overshoot

	// validBytes is the count of bytes already valid from logical index 0,
	// i.e. the offset at which the next read must land. A shift updates it
	// to shiftedPackets*packetLength plus any decompression carry.
	validBytes int
}

const guardPackets = 2

func newPortBuffer(packetLength, packets, reserve int) *portBuffer {
	return &portBuffer{
		raw:          make([]byte, (packets+guardPackets)*packetLength+reserve),
		packetLength: packetLength,
		packets:      packets,
		reserve:      reserve,
	}
}

// data returns the window from logical index 0 through the reserve tail.
func (b *portBuffer) data() []byte {
	return b.raw[guardPackets*b.packetLength:]
}

// packet returns the bytes of the packet at the given logical index, which
// may be -1 (replay guard) or -2 (zero guard).
func (b *portBuffer) packet(index int) []byte {
	off := (index + guardPackets) * b.packetLength
	return b.raw[off : off+b.packetLength]
}

// span returns the byte range [off, off+n) in logical coordinates, where
// negative offsets address the guard region.
func (b *portBuffer) span(off, n int) []byte {
	base := guardPackets*b.packetLength + off
	return b.raw[base : base+n]
}

// zeroGuard wipes the zero packet at logical index -2 so any stale header
// or sample data cannot leak into loss padding.
func (b *portBuffer) zeroGuard() {
	g := b.packet(-2)
	for i := range g {
		g[i] = 0
	}
}

// shift moves the n trailing bytes at logical offset srcOff to logical
// offset dstOff. Overlapping ranges are fine; copy has move semantics.
func (b *portBuffer) shift(dstOff, srcOff, n int) {
	copy(b.span(dstOff, n), b.span(srcOff, n))
}
