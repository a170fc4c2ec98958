package lofarudp

import (
	"bytes"
	"os"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/lofar-daq/lofarudp/ringbuffer"
)

func TestRawTransportPeekAndRead(t *testing.T) {
	dir := t.TempDir()
	pns := seqPackets(testStartPacket, 3)
	path := writeStream(t, dir, "stream", pns, 2, 8)

	tr, err := openRawTransport(path)
	require.NoError(t, err)
	defer tr.close()

	hdr := make([]byte, UDPHeaderLen)
	require.NoError(t, tr.peekHeader(hdr))
	assert.Equal(t, pns[0], packetNumberOf(hdr))

	// The peek must not consume: the first full read returns the same
	// header bytes.
	pktLen := UDPHeaderLen + payloadBytes(2, 8)
	buf := make([]byte, 3*pktLen)
	got, err := tr.readInto(buf, 2*pktLen)
	require.NoError(t, err)
	assert.Equal(t, 2*pktLen, got)
	assert.Equal(t, hdr, buf[:UDPHeaderLen])

	// Reading past the end returns the short count.
	got, err = tr.readInto(buf, 2*pktLen)
	require.NoError(t, err)
	assert.Equal(t, pktLen, got)
}

func TestZstdTransportDecompressesIntoBuffer(t *testing.T) {
	dir := t.TempDir()
	pns := seqPackets(testStartPacket, 6)
	rawPath := writeStream(t, dir, "raw", pns, 2, 8)
	zstPath := writeCompressedStream(t, dir, "comp.zst", pns, 2, 8)

	want, err := os.ReadFile(rawPath)
	require.NoError(t, err)

	tr, err := openZstdTransport(zstPath)
	require.NoError(t, err)
	defer tr.close()

	hdr := make([]byte, UDPHeaderLen)
	require.NoError(t, tr.peekHeader(hdr))
	assert.Equal(t, pns[0], packetNumberOf(hdr))

	pktLen := UDPHeaderLen + payloadBytes(2, 8)
	buf := make([]byte, 6*pktLen+zstdOutChunk)
	got, err := tr.readInto(buf, 2*pktLen)
	require.NoError(t, err)
	// The decoder may overshoot the request into the reserve tail, but
	// never misorder: whatever arrived is a prefix of the raw stream.
	assert.GreaterOrEqual(t, got, 2*pktLen)
	assert.Equal(t, want[:got], buf[:got])
	assert.Greater(t, tr.readingPos(), int64(0))

	tr.dropConsumed() // advisory only, must not fail the transport
}

func TestRingTransportEndToEnd(t *testing.T) {
	const key = 0x4c10
	pns := seqPackets(testStartPacket, 6)
	pktLen := UDPHeaderLen + payloadBytes(2, 8)

	rawName, descName := ringbuffer.ShmNames(key)
	writer, err := ringbuffer.NewRingBuffer(rawName, descName)
	require.NoError(t, err)
	require.NoError(t, writer.Create(8*pktLen))
	defer writer.Unlink()
	defer writer.Close()

	var want bytes.Buffer
	for _, pn := range pns {
		pkt := synthPacket(t, pn, 0, 2, 8, 1)
		_, err := writer.Write(pkt)
		require.NoError(t, err)
		want.Write(pkt[UDPHeaderLen:])
	}
	writer.EndStream()

	cfg := DefaultConfig()
	cfg.ReaderType = RingBufferReader
	cfg.RingKeyBase = key
	cfg.RingKeyOffset = 10
	cfg.NumPorts = 1
	cfg.PacketsPerIteration = 2
	cfg.ProcessingMode = 1
	cfg.StartingPacket = -1
	cfg.PacketsReadMax = -1
	cfg.WorkerThreads = 4

	reader, err := NewReader(cfg)
	require.NoError(t, err)
	defer reader.Close()

	var got bytes.Buffer
	for {
		result, err := reader.Step()
		require.NoError(t, err)
		got.Write(reader.OutputData(0)[:reader.PacketsPerIteration()*reader.PacketOutputLength(0)])
		if result == StepCapReached {
			break
		}
	}
	assert.Equal(t, want.Bytes(), got.Bytes())
}

// TestCompressedMatchesRaw: the same underlying bytes through the raw and
// compressed transports produce byte-identical outputs.
func TestCompressedMatchesRaw(t *testing.T) {
	dir := t.TempDir()
	pns := seqPackets(testStartPacket, 12, testStartPacket+5) // one hole
	rawPath := writeStream(t, dir, "raw", pns, 3, 16)
	zstPath := writeCompressedStream(t, dir, "comp.zst", pns, 3, 16)

	runAll := func(path string, readerType ReaderType) []byte {
		cfg := testConfig([]string{path}, 30, 4)
		cfg.ReaderType = readerType
		reader, err := NewReader(cfg)
		require.NoError(t, err)
		defer reader.Close()
		var out bytes.Buffer
		for {
			result, err := reader.Step()
			require.NoError(t, err)
			out.Write(reader.OutputData(0)[:reader.PacketsPerIteration()*reader.PacketOutputLength(0)])
			if result == StepCapReached {
				break
			}
		}
		return out.Bytes()
	}

	rawOut := runAll(rawPath, RawReader)
	zstOut := runAll(zstPath, CompressedReader)
	assert.Equal(t, rawOut, zstOut)
}
