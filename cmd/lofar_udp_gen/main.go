// Command lofar_udp_gen synthesises deterministic CEP packet streams for
// testing the extractor: plain files, zstandard-compressed files, or a
// shared-memory ring another process can consume while this one fills it.
package main

import (
	"flag"
	"fmt"
	"io"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/klauspost/compress/zstd"

	"github.com/lofar-daq/lofarudp"
	"github.com/lofar-daq/lofarudp/ringbuffer"
)

func main() {
	outFormat := flag.String("o", "./%d", "output name format; %d is replaced by the port number")
	numPorts := flag.Int("u", 1, "number of ports to generate")
	numPackets := flag.Int("m", 1024, "packets per port")
	beamlets := flag.Int("b", 122, "beamlets per port")
	bitMode := flag.Int("B", 8, "sample bit mode (16, 8 or 4)")
	startPacket := flag.Int64("S", 0, "starting packet number (0: derived from the LOFAR epoch)")
	station := flag.Int("stn", 613, "station number encoded in the headers")
	clock160 := flag.Bool("z", false, "use the 160 MHz clock")
	compress := flag.Bool("zst", false, "write zstandard-compressed streams")
	ringKeys := flag.String("k", "", "write into shared-memory rings: 'base,offset[,size]'")
	dropEvery := flag.Int("drop", 0, "drop every Nth packet on port 0 (0: no loss)")
	flag.Parse()

	if err := run(*outFormat, *numPorts, *numPackets, *beamlets, *bitMode, *startPacket,
		*station, *clock160, *compress, *ringKeys, *dropEvery); err != nil {
		fmt.Fprintf(os.Stderr, "ERROR: %v\n", err)
		os.Exit(1)
	}
}

func run(outFormat string, numPorts, numPackets, beamlets, bitMode int, startPacket int64,
	station int, clock160, compress bool, ringKeys string, dropEvery int) error {
	if bitMode != 16 && bitMode != 8 && bitMode != 4 {
		return fmt.Errorf("unsupported bit mode %d", bitMode)
	}
	clockBit := 1
	if clock160 {
		clockBit = 0
	}
	if startPacket <= 0 {
		// One hour past the epoch keeps the headers comfortably valid.
		startPacket = lofarudp.PacketNumberForTime(lofarudp.LFREpoch+3600, clockBit)
	}

	for port := 0; port < numPorts; port++ {
		w, cleanup, err := openSink(outFormat, ringKeys, port, compress, beamlets, bitMode, numPackets)
		if err != nil {
			return err
		}
		if err := writePort(w, port, numPackets, beamlets, bitMode, startPacket, station, clockBit, dropEvery); err != nil {
			cleanup()
			return err
		}
		if err := cleanup(); err != nil {
			return err
		}
	}
	return nil
}

// openSink returns the byte sink for one port and its flush/close hook.
func openSink(outFormat, ringKeys string, port int, compress bool, beamlets, bitMode, numPackets int) (io.Writer, func() error, error) {
	if ringKeys != "" {
		parts := strings.Split(ringKeys, ",")
		if len(parts) < 2 {
			return nil, nil, fmt.Errorf("parsing -k %q: want 'base,offset[,size]'", ringKeys)
		}
		base, err1 := strconv.Atoi(parts[0])
		offset, err2 := strconv.Atoi(parts[1])
		if err1 != nil || err2 != nil {
			return nil, nil, fmt.Errorf("parsing -k %q", ringKeys)
		}
		size := 0
		if len(parts) > 2 {
			size, _ = strconv.Atoi(parts[2])
		}
		if size == 0 {
			size = packetLength(beamlets, bitMode) * min(numPackets, 256)
		}
		rawName, descName := ringbuffer.ShmNames(base + port*offset)
		rb, err := ringbuffer.NewRingBuffer(rawName, descName)
		if err != nil {
			return nil, nil, err
		}
		if err := rb.Create(size); err != nil {
			return nil, nil, err
		}
		return ringWriter{rb}, func() error {
			rb.EndStream()
			return rb.Close()
		}, nil
	}

	name := strings.Replace(outFormat, "%d", strconv.Itoa(port), 1)
	f, err := os.Create(name)
	if err != nil {
		return nil, nil, err
	}
	if !compress {
		return f, f.Close, nil
	}
	enc, err := zstd.NewWriter(f)
	if err != nil {
		f.Close()
		return nil, nil, err
	}
	return enc, func() error {
		if err := enc.Close(); err != nil {
			f.Close()
			return err
		}
		return f.Close()
	}, nil
}

// ringWriter blocks until the consumer frees space instead of truncating.
type ringWriter struct {
	rb *ringbuffer.RingBuffer
}

func (w ringWriter) Write(p []byte) (int, error) {
	written := 0
	for written < len(p) {
		n, err := w.rb.Write(p[written:])
		if err != nil {
			return written, err
		}
		if n == 0 {
			time.Sleep(time.Millisecond)
		}
		written += n
	}
	return written, nil
}

func packetLength(beamlets, bitMode int) int {
	return lofarudp.UDPHeaderLen + beamlets*lofarudp.UDPNTimeslice*lofarudp.UDPNPol*bitMode/8
}

// writePort emits numPackets consecutive packets, each payload a
// deterministic function of (port, packet, byte index) so consumers can
// verify reordering kernels byte-for-byte.
func writePort(w io.Writer, port, numPackets, beamlets, bitMode int, startPacket int64, station, clockBit, dropEvery int) error {
	length := packetLength(beamlets, bitMode)
	packet := make([]byte, length)
	for i := 0; i < numPackets; i++ {
		if dropEvery > 0 && port == 0 && i%dropEvery == dropEvery-1 {
			continue
		}
		ts, seq := lofarudp.PacketTimeForNumber(startPacket+int64(i), clockBit)
		hdr := lofarudp.PacketHeader{
			Version:   lofarudp.UDPMinVersion,
			Source:    lofarudp.MakeSource(port, clockBit, bitMode),
			StationID: uint16(station * 32),
			NBeamlets: beamlets,
			NTimes:    lofarudp.UDPNTimeslice,
			Timestamp: ts,
			Sequence:  seq,
		}
		lofarudp.EncodeHeader(hdr, packet)
		for b := lofarudp.UDPHeaderLen; b < length; b++ {
			packet[b] = byte(port + i + b)
		}
		if _, err := w.Write(packet); err != nil {
			return err
		}
	}
	return nil
}
