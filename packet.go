package lofarudp

import (
	"encoding/binary"
	"fmt"
)

// Wire-format constants for the CEP beamformed packet stream. The header is
// 16 bytes, strictly little-endian, followed by
// beamlets * timeslices * polarisations samples.
const (
	UDPHeaderLen   = 16  // bytes of header per packet
	UDPNPol        = 4   // Xr, Xi, Yr, Yi per sample
	UDPNTimeslice  = 16  // time slices per packet (fixed by the RSP firmware)
	UDPMaxBeamlets = 244 // hardware limit on beamlets per port
	UDPMinVersion  = 3   // minimum accepted RSP packet version

	// MaxNumPorts is the number of simultaneous RSP streams a station emits.
	MaxNumPorts = 4

	// LFREpoch is 2008-01-01T00:00:00Z; no valid observation predates it.
	LFREpoch = 1199145600

	// RSPMaxSeq is the largest intra-second sequence value the 200 MHz
	// clock can produce.
	RSPMaxSeq = 195313
)

// Header byte offsets within the 16-byte CEP header.
const (
	hdrOffVersion   = 0
	hdrOffSource    = 1
	hdrOffStationID = 4
	hdrOffNBeamlets = 6
	hdrOffNTimes    = 7
	hdrOffTimestamp = 8
	hdrOffSequence  = 12
)

// SourceInfo is the packed 16-bit "source" field at header offset 1.
// Bit layout (LSB first): rsp[0:5], padding0[5], errorBit[6], clockBit[7],
// bitMode[8:10], padding1[10:16].
type SourceInfo uint16

func (s SourceInfo) rsp() int        { return int(s & 0x1f) }
func (s SourceInfo) padding0() bool  { return s&(1<<5) != 0 }
func (s SourceInfo) errorBit() bool  { return s&(1<<6) != 0 }
func (s SourceInfo) clockBit() int   { return int(s>>7) & 1 }
func (s SourceInfo) bitModeRaw() int { return int(s>>8) & 0x3 }
func (s SourceInfo) padding1() int   { return int(s>>10) & 0x3f }

// PacketHeader is the decoded view of one CEP packet header.
type PacketHeader struct {
	Version   uint8
	Source    SourceInfo
	StationID uint16 // raw RSP code; divide by 32 for the station number
	NBeamlets int
	NTimes    int
	Timestamp uint32 // UNIX seconds
	Sequence  uint32 // intra-second sample counter
}

// DecodeHeader decodes the first UDPHeaderLen bytes of data. It performs no
// validation beyond the length check; see ParseHeaders for the integrity
// rules.
func DecodeHeader(data []byte) (PacketHeader, error) {
	var h PacketHeader
	if len(data) < UDPHeaderLen {
		return h, fmt.Errorf("header too short: %d bytes, want %d", len(data), UDPHeaderLen)
	}
	h.Version = data[hdrOffVersion]
	h.Source = SourceInfo(binary.LittleEndian.Uint16(data[hdrOffSource:]))
	h.StationID = binary.LittleEndian.Uint16(data[hdrOffStationID:])
	h.NBeamlets = int(data[hdrOffNBeamlets])
	h.NTimes = int(data[hdrOffNTimes])
	h.Timestamp = binary.LittleEndian.Uint32(data[hdrOffTimestamp:])
	h.Sequence = binary.LittleEndian.Uint32(data[hdrOffSequence:])
	return h, nil
}

// EncodeHeader writes h into the first UDPHeaderLen bytes of dst. It is
// the inverse of DecodeHeader, used by the stream generator and the tests.
func EncodeHeader(h PacketHeader, dst []byte) {
	dst[hdrOffVersion] = h.Version
	binary.LittleEndian.PutUint16(dst[hdrOffSource:], uint16(h.Source))
	dst[3] = 0
	binary.LittleEndian.PutUint16(dst[hdrOffStationID:], h.StationID)
	dst[hdrOffNBeamlets] = byte(h.NBeamlets)
	dst[hdrOffNTimes] = byte(h.NTimes)
	binary.LittleEndian.PutUint32(dst[hdrOffTimestamp:], h.Timestamp)
	binary.LittleEndian.PutUint32(dst[hdrOffSequence:], h.Sequence)
}

// MakeSource packs the source field from its components. bitMode is the
// sample width in bits (16, 8 or 4).
func MakeSource(rsp, clockBit, bitMode int) SourceInfo {
	var bm SourceInfo
	switch bitMode {
	case 8:
		bm = 1
	case 4:
		bm = 2
	}
	return SourceInfo(rsp&0x1f) | SourceInfo(clockBit&1)<<7 | bm<<8
}

// ClockBit reports the station clock: 1 for 200 MHz, 0 for 160 MHz.
func (h PacketHeader) ClockBit() int { return h.Source.clockBit() }

// BitMode returns the sample width in bits (16, 8 or 4), or an error for
// the reserved selector.
func (h PacketHeader) BitMode() (int, error) {
	switch h.Source.bitModeRaw() {
	case 0:
		return 16, nil
	case 1:
		return 8, nil
	case 2:
		return 4, nil
	}
	return 0, fmt.Errorf("illegal bitmode selector 3")
}

// StationCode returns the station number encoded in the RSP board ID.
func (h PacketHeader) StationCode() int { return int(h.StationID) / 32 }

// PacketNumber derives the monotonic logical packet index used as the
// alignment key across ports. The sequence counter ticks at clock/1024
// steps per second; 16 time slices make one packet.
func (h PacketHeader) PacketNumber() int64 {
	return packetNumber(int64(h.Timestamp), int64(h.Sequence), h.ClockBit())
}

func packetNumber(timestamp, sequence int64, clockBit int) int64 {
	steps := (timestamp*1000000*(160+40*int64(clockBit)) + 512) / 1024
	return (steps + sequence) / UDPNTimeslice
}

// packetNumberOf reads the packet number straight from a raw header slice.
func packetNumberOf(data []byte) int64 {
	src := SourceInfo(binary.LittleEndian.Uint16(data[hdrOffSource:]))
	ts := int64(binary.LittleEndian.Uint32(data[hdrOffTimestamp:]))
	seq := int64(binary.LittleEndian.Uint32(data[hdrOffSequence:]))
	return packetNumber(ts, seq, src.clockBit())
}

func sequenceBase(timestamp int64, clockBit int) int64 {
	return (timestamp*1000000*(160+40*int64(clockBit)) + 512) / 1024
}

// PacketTimeForNumber inverts PacketNumber: it returns a timestamp and
// sequence whose derived packet number equals pn. Used by the stream
// generator and the tests to synthesise headers.
func PacketTimeForNumber(pn int64, clockBit int) (timestamp, sequence uint32) {
	steps := pn * UDPNTimeslice
	ts := steps * 1024 / (1000000 * (160 + 40*int64(clockBit)))
	for sequenceBase(ts+1, clockBit) <= steps {
		ts++
	}
	for sequenceBase(ts, clockBit) > steps {
		ts--
	}
	return uint32(ts), uint32(steps - sequenceBase(ts, clockBit))
}

// sequenceSteps reports the sequence increments per second for a clock.
func sequenceSteps(clockBit int) float64 {
	if clockBit == 1 {
		return 195312.5 // 200 MHz / 1024
	}
	return 156250.0 // 160 MHz / 1024
}

// sampleTime reports the duration of one time slice in seconds.
func sampleTime(clockBit int) float64 {
	return 1.0 / sequenceSteps(clockBit)
}

// PacketUnixTime converts a packet header into fractional UNIX seconds.
func (h PacketHeader) PacketUnixTime() float64 {
	return float64(h.Timestamp) + float64(h.Sequence)/sequenceSteps(h.ClockBit())
}

// PacketMJD converts a packet header into a Modified Julian Date.
func (h PacketHeader) PacketMJD() float64 {
	// MJD 40587.0 == 1970-01-01T00:00:00Z
	return h.PacketUnixTime()/86400.0 + 40587.0
}

// PacketNumberForTime converts a UNIX timestamp (seconds) into the number of
// the packet that contains it for the given clock (the sample count is
// truncated to a whole packet).
func PacketNumberForTime(unixSeconds float64, clockBit int) int64 {
	steps := unixSeconds * sequenceSteps(clockBit)
	return int64(steps / UDPNTimeslice)
}

// Geometry is the per-session packet geometry derived from the first header
// on every port. Beamlet bookkeeping follows the port order: cumulative
// counts give each port its slot in the merged output spectrum.
type Geometry struct {
	NumPorts     int
	ClockBit     int
	InputBitMode int
	StationID    int // station number (RSP code / 32)

	PortRawBeamlets           []int
	PortRawCumulativeBeamlets []int
	BaseBeamlets              []int // first processed beamlet on the port
	UpperBeamlets             []int // one past the last processed beamlet
	PortCumulativeBeamlets    []int // processed beamlets before this port
	PortPacketLength          []int // bytes per packet, header included

	TotalRawBeamlets  int
	TotalProcBeamlets int
}

// payloadBytes is the packet payload size for a beamlet count and bit
// mode; 4-bit packs two sample components per byte.
func payloadBytes(beamlets, bitMode int) int {
	return beamlets * UDPNTimeslice * UDPNPol * bitMode / 8
}

// ParseHeaders validates the first header from each port and derives the
// session geometry. beamletLimits is the global [lo, hi) processed
// subrange; (0, 0) selects everything.
func ParseHeaders(headers [][]byte, beamletLimits [2]int) (*Geometry, error) {
	numPorts := len(headers)
	if numPorts < 1 || numPorts > MaxNumPorts {
		return nil, fmt.Errorf("%w: %d ports outside 1..%d", ErrParseFailed, numPorts, MaxNumPorts)
	}

	geo := &Geometry{
		NumPorts:                  numPorts,
		PortRawBeamlets:           make([]int, numPorts),
		PortRawCumulativeBeamlets: make([]int, numPorts),
		BaseBeamlets:              make([]int, numPorts),
		UpperBeamlets:             make([]int, numPorts),
		PortCumulativeBeamlets:    make([]int, numPorts),
		PortPacketLength:          make([]int, numPorts),
	}

	for port, raw := range headers {
		hdr, err := DecodeHeader(raw)
		if err != nil {
			return nil, fmt.Errorf("%w: port %d: %v", ErrParseFailed, port, err)
		}

		if hdr.Version < UDPMinVersion {
			return nil, fmt.Errorf("%w: port %d: bad version %d (want >= %d)", ErrParseFailed, port, hdr.Version, UDPMinVersion)
		}
		if hdr.Timestamp < LFREpoch {
			return nil, fmt.Errorf("%w: port %d: timestamp %d precedes the LOFAR epoch", ErrParseFailed, port, hdr.Timestamp)
		}
		if hdr.Sequence > RSPMaxSeq {
			return nil, fmt.Errorf("%w: port %d: sequence %d exceeds the 200 MHz clock maximum %d", ErrParseFailed, port, hdr.Sequence, RSPMaxSeq)
		}
		if hdr.NBeamlets > UDPMaxBeamlets {
			return nil, fmt.Errorf("%w: port %d: %d beamlets exceeds the hardware limit %d", ErrParseFailed, port, hdr.NBeamlets, UDPMaxBeamlets)
		}
		if hdr.NTimes != UDPNTimeslice {
			return nil, fmt.Errorf("%w: port %d: %d time slices per packet, want %d", ErrParseFailed, port, hdr.NTimes, UDPNTimeslice)
		}
		if hdr.Source.padding0() {
			return nil, fmt.Errorf("%w: port %d: reserved bit set", ErrParseFailed, port)
		}
		if hdr.Source.errorBit() {
			return nil, fmt.Errorf("%w: port %d: RSP error bit set", ErrParseFailed, port)
		}
		if pad := hdr.Source.padding1(); pad > 1 {
			return nil, fmt.Errorf("%w: port %d: reserved flag bits set (0x%x)", ErrParseFailed, port, pad)
		} else if pad == 1 {
			ProblemLogger.Printf("port %d: replay-packet warning bit is set, continuing with caution", port)
		}

		bitMode, err := hdr.BitMode()
		if err != nil {
			return nil, fmt.Errorf("%w: port %d: %v", ErrParseFailed, port, err)
		}

		if port == 0 {
			geo.ClockBit = hdr.ClockBit()
			geo.InputBitMode = bitMode
		} else {
			if hdr.ClockBit() != geo.ClockBit {
				return nil, fmt.Errorf("%w: port %d: mixed 160/200 MHz clocks across ports", ErrParseFailed, port)
			}
			if bitMode != geo.InputBitMode {
				return nil, fmt.Errorf("%w: port %d: mixed bit modes across ports (%d vs %d)", ErrParseFailed, port, bitMode, geo.InputBitMode)
			}
		}
		geo.StationID = hdr.StationCode()

		geo.PortRawBeamlets[port] = hdr.NBeamlets
		geo.UpperBeamlets[port] = hdr.NBeamlets
		geo.PortRawCumulativeBeamlets[port] = geo.TotalRawBeamlets
		geo.PortCumulativeBeamlets[port] = geo.TotalProcBeamlets

		// Translate the global beamlet subrange into this port's window.
		portLo := port * hdr.NBeamlets
		portHi := (port + 1) * hdr.NBeamlets
		if beamletLimits[1] != 0 && beamletLimits[1] < portHi && beamletLimits[1] >= portLo {
			geo.UpperBeamlets[port] = beamletLimits[1] - geo.TotalRawBeamlets
		}
		if beamletLimits[0] != 0 && beamletLimits[0] < portHi && beamletLimits[0] >= portLo {
			geo.BaseBeamlets[port] = beamletLimits[0] - geo.TotalRawBeamlets
			geo.TotalProcBeamlets += geo.UpperBeamlets[port] - geo.BaseBeamlets[port]
		} else {
			geo.BaseBeamlets[port] = 0
			geo.TotalProcBeamlets += geo.UpperBeamlets[port]
		}
		geo.TotalRawBeamlets += hdr.NBeamlets

		geo.PortPacketLength[port] = UDPHeaderLen + payloadBytes(hdr.NBeamlets, bitMode)
		if port > 0 && geo.PortPacketLength[port] != geo.PortPacketLength[port-1] {
			ProblemLogger.Printf("packet lengths differ between ports %d and %d (%d vs %d bytes), proceeding with caution",
				port-1, port, geo.PortPacketLength[port-1], geo.PortPacketLength[port])
		}
	}

	return geo, nil
}
