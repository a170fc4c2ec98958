package lofarudp

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/sbinet/npyio"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/lofar-daq/lofarudp/internal/getbytes"
)

func TestNpyDumperWritesOutputs(t *testing.T) {
	dir := t.TempDir()
	path := writeStream(t, dir, "port0", seqPackets(testStartPacket, 4), 1, 16)

	reader, err := NewReader(testConfig([]string{path}, 100, 4))
	require.NoError(t, err)
	defer reader.Close()
	_, err = reader.Step()
	require.NoError(t, err)

	dumpDir := filepath.Join(dir, "dumps")
	dumper, err := NewNpyDumper(dumpDir)
	require.NoError(t, err)
	require.NoError(t, dumper.DumpStep(reader))

	f, err := os.Open(filepath.Join(dumpDir, "output0_iter000000.npy"))
	require.NoError(t, err)
	defer f.Close()

	var back []float32
	require.NoError(t, npyio.Read(f, &back))
	assert.Equal(t, getbytes.AsSliceFloat32(reader.OutputData(0)), back)
}
