package lofarudp

// Synthetic CEP stream builders shared by the reader, kernel and transport
// tests. Payload bytes are a deterministic function of the packet number so
// replay and reordering results can be checked byte-for-byte.

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/klauspost/compress/zstd"
	"github.com/stretchr/testify/require"
)

// testStartPacket is a packet number comfortably after the LOFAR epoch
// (one day in, 200 MHz clock).
var testStartPacket = PacketNumberForTime(LFREpoch+86400, 1)

func payloadByte(pn int64, i int) byte {
	return byte(int64(i) + 7*pn)
}

// synthPacket builds one wire packet with the canonical deterministic
// payload.
func synthPacket(t *testing.T, pn int64, rsp, beamlets, bitMode, clockBit int) []byte {
	t.Helper()
	ts, seq := PacketTimeForNumber(pn, clockBit)
	pkt := make([]byte, UDPHeaderLen+payloadBytes(beamlets, bitMode))
	EncodeHeader(PacketHeader{
		Version:   UDPMinVersion,
		Source:    MakeSource(rsp, clockBit, bitMode),
		StationID: 613 * 32,
		NBeamlets: beamlets,
		NTimes:    UDPNTimeslice,
		Timestamp: ts,
		Sequence:  seq,
	}, pkt)
	for i := UDPHeaderLen; i < len(pkt); i++ {
		pkt[i] = payloadByte(pn, i-UDPHeaderLen)
	}
	require.Equal(t, pn, packetNumberOf(pkt), "synthetic packet number must round-trip")
	return pkt
}

// writeStream writes the packets with the given numbers to a file and
// returns its path.
func writeStream(t *testing.T, dir, name string, pns []int64, beamlets, bitMode int) string {
	t.Helper()
	path := filepath.Join(dir, name)
	f, err := os.Create(path)
	require.NoError(t, err)
	defer f.Close()
	for _, pn := range pns {
		_, err := f.Write(synthPacket(t, pn, 0, beamlets, bitMode, 1))
		require.NoError(t, err)
	}
	return path
}

// writeCompressedStream is writeStream behind a zstandard encoder.
func writeCompressedStream(t *testing.T, dir, name string, pns []int64, beamlets, bitMode int) string {
	t.Helper()
	path := filepath.Join(dir, name)
	f, err := os.Create(path)
	require.NoError(t, err)
	defer f.Close()
	enc, err := zstd.NewWriter(f)
	require.NoError(t, err)
	for _, pn := range pns {
		_, err := enc.Write(synthPacket(t, pn, 0, beamlets, bitMode, 1))
		require.NoError(t, err)
	}
	require.NoError(t, enc.Close())
	return path
}

// seqPackets returns n consecutive packet numbers from start, minus any in
// skip.
func seqPackets(start int64, n int, skip ...int64) []int64 {
	skipSet := make(map[int64]bool, len(skip))
	for _, s := range skip {
		skipSet[s] = true
	}
	pns := make([]int64, 0, n)
	for i := 0; i < n; i++ {
		if pn := start + int64(i); !skipSet[pn] {
			pns = append(pns, pn)
		}
	}
	return pns
}

// testConfig returns a small-session configuration for one or more raw
// stream files.
func testConfig(paths []string, mode, packetsPerIteration int) *Config {
	cfg := DefaultConfig()
	cfg.InputPaths = paths
	cfg.NumPorts = len(paths)
	cfg.PacketsPerIteration = packetsPerIteration
	cfg.ProcessingMode = mode
	cfg.StartingPacket = -1
	cfg.PacketsReadMax = -1
	cfg.WorkerThreads = 4
	return cfg
}
