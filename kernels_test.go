package lofarudp

import (
	"encoding/binary"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gonum.org/v1/gonum/mat"

	"github.com/lofar-daq/lofarudp/internal/getbytes"
)

// writeSamplePackets writes packets whose payload is built by sample: the
// four polarisation component values for (packet, beamlet, time).
func writeSamplePackets(t *testing.T, dir, name string, numPackets, beamlets, bitMode int,
	sample func(pkt, b, ts, c int) int) string {
	t.Helper()
	path := filepath.Join(dir, name)
	f, err := os.Create(path)
	require.NoError(t, err)
	defer f.Close()

	for pkt := 0; pkt < numPackets; pkt++ {
		raw := synthPacket(t, testStartPacket+int64(pkt), 0, beamlets, bitMode, 1)
		pay := raw[UDPHeaderLen:]
		for b := 0; b < beamlets; b++ {
			for ts := 0; ts < UDPNTimeslice; ts++ {
				for c := 0; c < UDPNPol; c++ {
					v := sample(pkt, b, ts, c)
					switch bitMode {
					case 16:
						binary.LittleEndian.PutUint16(pay[((b*UDPNTimeslice+ts)*UDPNPol+c)*2:], uint16(int16(v)))
					case 8:
						pay[(b*UDPNTimeslice+ts)*UDPNPol+c] = byte(int8(v))
					case 4:
						idx := ((b*UDPNTimeslice+ts)*UDPNPol + c) / 2
						nib := byte(v) & 0xf
						if c%2 == 0 {
							pay[idx] = (pay[idx] & 0xf0) | nib
						} else {
							pay[idx] = (pay[idx] & 0x0f) | nib<<4
						}
					}
				}
			}
		}
		_, err = f.Write(raw)
		require.NoError(t, err)
	}
	return path
}

func runSingleStep(t *testing.T, path string, mode, packetsPerIteration int) *Reader {
	t.Helper()
	reader, err := NewReader(testConfig([]string{path}, mode, packetsPerIteration))
	require.NoError(t, err)
	t.Cleanup(reader.Close)
	_, err = reader.Step()
	require.NoError(t, err)
	return reader
}

func TestUnpack4Bit(t *testing.T) {
	src := []byte{0x21, 0xE1, 0xF8, 0x7F}
	dst := make([]byte, 8)
	unpack4bit(dst, src)
	want := []int8{1, 2, 1, -2, -8, -1, -1, 7}
	for i, w := range want {
		assert.Equal(t, w, int8(dst[i]), "nibble %d", i)
	}
}

// TestSplitPolLayout checks mode 2: one plane per polarisation component,
// beamlet-major within each packet.
func TestSplitPolLayout(t *testing.T) {
	dir := t.TempDir()
	sample := func(pkt, b, ts, c int) int { return pkt + 2*b + 4*ts + 32*c }
	path := writeSamplePackets(t, dir, "port0", 2, 2, 8, sample)

	reader := runSingleStep(t, path, 2, 2)
	require.Equal(t, 4, reader.NumOutputs())
	perPkt := reader.PacketOutputLength(0)
	for c := 0; c < UDPNPol; c++ {
		out := reader.OutputData(c)
		for pkt := 0; pkt < 2; pkt++ {
			for b := 0; b < 2; b++ {
				for ts := 0; ts < UDPNTimeslice; ts++ {
					got := int8(out[pkt*perPkt+b*UDPNTimeslice+ts])
					assert.Equal(t, int8(sample(pkt, b, ts, c)), got,
						"pol %d pkt %d beamlet %d t %d", c, pkt, b, ts)
				}
			}
		}
	}
}

// TestTimeMajorLayout checks mode 30: for each time slice all beamlets,
// polarisations interleaved.
func TestTimeMajorLayout(t *testing.T) {
	dir := t.TempDir()
	sample := func(pkt, b, ts, c int) int { return 1 + pkt + 2*b + 3*ts + 5*c }
	path := writeSamplePackets(t, dir, "port0", 2, 2, 8, sample)

	reader := runSingleStep(t, path, 30, 2)
	out := reader.OutputData(0)
	nBeam := reader.Geometry().TotalProcBeamlets
	for pkt := 0; pkt < 2; pkt++ {
		for ts := 0; ts < UDPNTimeslice; ts++ {
			for b := 0; b < nBeam; b++ {
				for c := 0; c < UDPNPol; c++ {
					got := int8(out[((pkt*UDPNTimeslice+ts)*nBeam+b)*UDPNPol+c])
					assert.Equal(t, int8(sample(pkt, b, ts, c)), got)
				}
			}
		}
	}
}

// TestFreqMajorLayout checks modes 10 and 20 (normal and reversed beamlet
// order) over the whole iteration.
func TestFreqMajorLayout(t *testing.T) {
	dir := t.TempDir()
	sample := func(pkt, b, ts, c int) int { return 1 + 16*pkt + 8*b + ts%8 + 64*(c%2) }
	path := writeSamplePackets(t, dir, "port0", 2, 2, 8, sample)

	for _, mode := range []int{10, 20} {
		reader := runSingleStep(t, path, mode, 2)
		out := reader.OutputData(0)
		iters := reader.PacketsPerIteration()
		nBeam := reader.Geometry().TotalProcBeamlets
		for b := 0; b < nBeam; b++ {
			outB := b
			if mode == 20 {
				outB = nBeam - 1 - b
			}
			for pkt := 0; pkt < iters; pkt++ {
				for ts := 0; ts < UDPNTimeslice; ts++ {
					elem := outB*iters*UDPNTimeslice + pkt*UDPNTimeslice + ts
					for c := 0; c < UDPNPol; c++ {
						got := int8(out[elem*UDPNPol+c])
						assert.Equal(t, int8(sample(pkt, b, ts, c)), got,
							"mode %d beamlet %d", mode, b)
					}
				}
			}
		}
	}
}

// TestTimeMajorDualLayout checks mode 32: X and Y complex planes.
func TestTimeMajorDualLayout(t *testing.T) {
	dir := t.TempDir()
	sample := func(pkt, b, ts, c int) int { return 1 + pkt + 2*b + 3*ts + 7*c }
	path := writeSamplePackets(t, dir, "port0", 2, 2, 8, sample)

	reader := runSingleStep(t, path, 32, 2)
	require.Equal(t, 2, reader.NumOutputs())
	nBeam := reader.Geometry().TotalProcBeamlets
	for pkt := 0; pkt < 2; pkt++ {
		for ts := 0; ts < UDPNTimeslice; ts++ {
			for b := 0; b < nBeam; b++ {
				elem := (pkt*UDPNTimeslice+ts)*nBeam + b
				assert.Equal(t, int8(sample(pkt, b, ts, 0)), int8(reader.OutputData(0)[elem*2]))
				assert.Equal(t, int8(sample(pkt, b, ts, 1)), int8(reader.OutputData(0)[elem*2+1]))
				assert.Equal(t, int8(sample(pkt, b, ts, 2)), int8(reader.OutputData(1)[elem*2]))
				assert.Equal(t, int8(sample(pkt, b, ts, 3)), int8(reader.OutputData(1)[elem*2+1]))
			}
		}
	}
}

// TestReorder4BitUnpacks: 4-bit input is expanded to signed 8-bit for
// reordering modes.
func TestReorder4BitUnpacks(t *testing.T) {
	dir := t.TempDir()
	values := [UDPNPol]int{1, -2, 3, -4}
	sample := func(pkt, b, ts, c int) int { return values[c] }
	path := writeSamplePackets(t, dir, "port0", 2, 2, 4, sample)

	reader := runSingleStep(t, path, 30, 2)
	assert.Equal(t, 8, reader.OutputBitMode())
	out := reader.OutputData(0)
	for elem := 0; elem < 2*UDPNTimeslice*2; elem++ {
		for c := 0; c < UDPNPol; c++ {
			assert.Equal(t, int8(values[c]), int8(out[elem*UDPNPol+c]))
		}
	}
}

// TestStokesIReference: mode 100 against the textbook formula, 16-bit
// samples, within one float ULP.
func TestStokesIReference(t *testing.T) {
	dir := t.TempDir()
	// X = (t+1) + 0i, Y = (t+2) + 0i
	sample := func(pkt, b, ts, c int) int {
		switch c {
		case 0:
			return ts + 1
		case 2:
			return ts + 2
		}
		return 0
	}
	path := writeSamplePackets(t, dir, "port0", 2, 1, 16, sample)

	reader := runSingleStep(t, path, 100, 2)
	out := getbytes.AsSliceFloat32(reader.OutputData(0))
	for pkt := 0; pkt < 2; pkt++ {
		for ts := 0; ts < UDPNTimeslice; ts++ {
			want := float32((ts+1)*(ts+1) + (ts+2)*(ts+2))
			assert.Equal(t, want, out[pkt*UDPNTimeslice+ts], "pkt %d t %d", pkt, ts)
		}
	}
}

// TestStokesComponents checks Q, U, V and the multi-component modes
// against the closed forms for a fixed complex sample.
func TestStokesComponents(t *testing.T) {
	dir := t.TempDir()
	// X = 3+4i, Y = 1-2i
	comps := [UDPNPol]int{3, 4, 1, -2}
	sample := func(pkt, b, ts, c int) int { return comps[c] }
	path := writeSamplePackets(t, dir, "port0", 2, 1, 16, sample)

	const (
		wantI = float32(25 + 5)           // |X|^2 + |Y|^2
		wantQ = float32(25 - 5)           // |X|^2 - |Y|^2
		wantU = float32(2 * (3*1 + 4*-2)) // 2 Re(X conj(Y))
		wantV = float32(2 * (4*1 - 3*-2)) // 2 Im(X conj(Y))
	)

	for mode, want := range map[int]float32{100: wantI, 110: wantQ, 120: wantU, 130: wantV} {
		reader := runSingleStep(t, path, mode, 2)
		out := getbytes.AsSliceFloat32(reader.OutputData(0))
		assert.Equal(t, want, out[0], "mode %d", mode)
	}

	// Mode 150 emits all four planes; mode 160 I and V.
	reader := runSingleStep(t, path, 150, 2)
	wants := []float32{wantI, wantQ, wantU, wantV}
	for out, want := range wants {
		got := getbytes.AsSliceFloat32(reader.OutputData(out))
		assert.Equal(t, want, got[0], "mode 150 output %d", out)
	}
	reader = runSingleStep(t, path, 160, 2)
	assert.Equal(t, wantI, getbytes.AsSliceFloat32(reader.OutputData(0))[0])
	assert.Equal(t, wantV, getbytes.AsSliceFloat32(reader.OutputData(1))[0])
}

// TestStokesDecimation: decimated Stokes sums consecutive time samples,
// including across packet boundaries for factors beyond one packet.
func TestStokesDecimation(t *testing.T) {
	dir := t.TempDir()
	// Constant X = 1: every time sample contributes I = 1.
	sample := func(pkt, b, ts, c int) int {
		if c == 0 {
			return 1
		}
		return 0
	}

	t.Run("within_packet", func(t *testing.T) {
		path := writeSamplePackets(t, dir, "in1", 2, 1, 16, sample)
		reader := runSingleStep(t, path, 101, 2) // Stokes I, decimation 8
		out := getbytes.AsSliceFloat32(reader.OutputData(0))
		bins := 2 * UDPNTimeslice / 8
		require.Len(t, out, bins)
		for bin := 0; bin < bins; bin++ {
			assert.Equal(t, float32(8), out[bin], "bin %d", bin)
		}
	})

	t.Run("across_packets", func(t *testing.T) {
		path := writeSamplePackets(t, dir, "in2", 4, 1, 16, sample)
		reader := runSingleStep(t, path, 103, 4) // Stokes I, decimation 32
		out := getbytes.AsSliceFloat32(reader.OutputData(0))
		bins := 4 * UDPNTimeslice / 32
		for bin := 0; bin < bins; bin++ {
			assert.Equal(t, float32(32), out[bin], "bin %d", bin)
		}
	})
}

// TestApplyJonesMatchesGonum verifies the hand-written complex 2x2
// multiply against gonum's matrix product.
func TestApplyJonesMatchesGonum(t *testing.T) {
	row := []float32{0.5, -1.5, 2.0, 0.25, -0.75, 1.0, 3.0, -2.0}
	x := complex(float32(1.5), float32(-2.5))
	y := complex(float32(-0.5), float32(4.0))

	gotX, gotY := applyJones(row, 0, x, y)

	jones := mat.NewCDense(2, 2, []complex128{
		complex(0.5, -1.5), complex(2.0, 0.25),
		complex(-0.75, 1.0), complex(3.0, -2.0),
	})
	vec := mat.NewCDense(2, 1, []complex128{
		complex(1.5, -2.5), complex(-0.5, 4.0),
	})
	var res mat.CDense
	res.Mul(jones, vec)

	assert.InDelta(t, real(res.At(0, 0)), float64(real(gotX)), 1e-5)
	assert.InDelta(t, imag(res.At(0, 0)), float64(imag(gotX)), 1e-5)
	assert.InDelta(t, real(res.At(1, 0)), float64(real(gotY)), 1e-5)
	assert.InDelta(t, imag(res.At(1, 0)), float64(imag(gotY)), 1e-5)
}

// TestBeamletSubrange: a global [lo, hi) subrange narrows the processed
// spectrum across two ports.
func TestBeamletSubrange(t *testing.T) {
	dir := t.TempDir()
	sample := func(pkt, b, ts, c int) int { return 1 + b }
	path0 := writeSamplePackets(t, dir, "port0", 2, 4, 8, sample)
	sample1 := func(pkt, b, ts, c int) int { return 11 + b }
	path1 := writeSamplePackets(t, dir, "port1", 2, 4, 8, sample1)

	cfg := testConfig([]string{path0, path1}, 30, 2)
	cfg.BeamletLimits = [2]int{2, 6} // beamlets 2,3 of port 0 and 0,1 of port 1
	reader, err := NewReader(cfg)
	require.NoError(t, err)
	defer reader.Close()

	require.Equal(t, 4, reader.Geometry().TotalProcBeamlets)
	_, err = reader.Step()
	require.NoError(t, err)

	out := reader.OutputData(0)
	// First time slice: processed beamlets are port0 b2, b3 then port1 b0, b1.
	want := []int8{3, 4, 11, 12}
	for i, w := range want {
		assert.Equal(t, w, int8(out[i*UDPNPol]), "beamlet %d", i)
	}
}
