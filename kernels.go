package lofarudp

import (
	"encoding/binary"

	"golang.org/x/sync/errgroup"
	"gonum.org/v1/gonum/floats"

	"github.com/lofar-daq/lofarudp/internal/getbytes"
)

// packetSrc is one resolved input packet for the current iteration: either
// a real packet from the window, or (for a hole) the replay/zero
// substitute.
type packetSrc struct {
	data    []byte
	dropped bool
}

// resolvePackets walks one port's window against the iteration's expected
// packet numbers. Holes are filled with the most recent valid packet when
// replay is enabled, else with the zero guard. The returned shift is the
// count of unconsumed tail packets (they belong to the next window), drops
// the number of holes encountered.
func (r *Reader) resolvePackets(port int) (srcs []packetSrc, shift, drops int) {
	buf := r.buffers[port]
	iters := r.packetsPerIteration
	srcs = make([]packetSrc, iters)
	iWork := 0
	lastGood := -1
	for iLoop := 0; iLoop < iters; iLoop++ {
		target := r.leadingPacket + int64(iLoop)
		matched := false
		for iWork < iters {
			num := packetNumberOf(buf.packet(iWork))
			if num == target {
				matched = true
				lastGood = iWork
				iWork++
				break
			}
			if num > target {
				break
			}
			// A packet older than the timeline: out-of-order remnant.
			// Discard it and keep scanning.
			ProblemLogger.Printf("port %d: discarding out-of-order packet %d (expected %d)", port, num, target)
			iWork++
		}
		if matched {
			srcs[iLoop] = packetSrc{data: buf.packet(lastGood)}
			continue
		}
		drops++
		switch {
		case !r.config.ReplayDroppedPackets:
			srcs[iLoop] = packetSrc{data: buf.packet(-2), dropped: true}
		case lastGood >= 0:
			srcs[iLoop] = packetSrc{data: buf.packet(lastGood), dropped: true}
		default:
			srcs[iLoop] = packetSrc{data: buf.packet(-1), dropped: true}
		}
	}
	return srcs, iters - iWork, drops
}

// processIteration runs the selected kernel over the freshly-read window,
// fanning out across ports and packet chunks. Each worker owns a disjoint
// beamlet/packet region of the outputs, so no locking is needed.
func (r *Reader) processIteration() error {
	var g errgroup.Group
	g.SetLimit(r.workerThreads)

	// Chunks must not split a decimation bin: bins span decimation/16
	// packets when the factor exceeds one packet.
	gran := 1
	if d := r.plan.decimation; d > UDPNTimeslice {
		gran = d / UDPNTimeslice
	}
	iters := r.packetsPerIteration
	chunk := gran
	if per := iters / (gran * r.workerThreads); per > 1 {
		chunk = gran * per
	}

	for port := 0; port < r.geo.NumPorts; port++ {
		srcs, shift, drops := r.resolvePackets(port)
		r.portLastDropped[port] = shift
		r.portTotalDropped[port] += int64(drops)
		for pkt0 := 0; pkt0 < iters; pkt0 += chunk {
			port, pkt0 := port, pkt0
			pkt1 := min(pkt0+chunk, iters)
			g.Go(func() error {
				r.processChunk(port, pkt0, pkt1, srcs)
				return nil
			})
		}
	}
	return g.Wait()
}

func (r *Reader) processChunk(port, pkt0, pkt1 int, srcs []packetSrc) {
	switch r.plan.op {
	case opCopyFull, opCopyPayload:
		r.copyChunk(port, pkt0, pkt1, srcs)
	case opStokes:
		r.stokesChunk(port, pkt0, pkt1, srcs)
	default:
		if r.plan.calibrate {
			r.reorderChunkCalibrated(port, pkt0, pkt1, srcs)
		} else {
			r.reorderChunk(port, pkt0, pkt1, srcs)
		}
	}
}

// copyChunk implements the equal-I/O modes: one output per port, verbatim
// packet bytes with or without the header.
func (r *Reader) copyChunk(port, pkt0, pkt1 int, srcs []packetSrc) {
	out := r.outputData[port]
	length := r.plan.packetOutputLength[port]
	skip := 0
	if r.plan.op == opCopyPayload {
		skip = UDPHeaderLen
	}
	for pkt := pkt0; pkt < pkt1; pkt++ {
		copy(out[pkt*length:(pkt+1)*length], srcs[pkt].data[skip:])
	}
}

// unpack4bit expands nibble-packed 4-bit samples to signed 8-bit. The low
// nibble of each byte is the earlier component.
func unpack4bit(dst, src []byte) {
	for i, v := range src {
		dst[2*i] = byte(int8(v<<4) >> 4)
		dst[2*i+1] = byte(int8(v) >> 4)
	}
}

// payload returns the packet payload for kernel consumption, unpacking
// 4-bit data into scratch when needed.
func (r *Reader) payload(src packetSrc, scratch []byte) []byte {
	pay := src.data[UDPHeaderLen:]
	if scratch != nil {
		unpack4bit(scratch, pay)
		return scratch
	}
	return pay
}

// scratch4bit allocates the per-worker unpack buffer, or nil when the
// input is already byte-addressable.
func (r *Reader) scratch4bit(port int) []byte {
	if r.geo.InputBitMode != 4 {
		return nil
	}
	return make([]byte, payloadBytes(r.geo.PortRawBeamlets[port], 8))
}

// reorderChunk implements the uncalibrated voltage reorders (modes 2
// through 32) by byte moves on the raw samples.
func (r *Reader) reorderChunk(port, pkt0, pkt1 int, srcs []packetSrc) {
	plan, geo := r.plan, r.geo
	cs := plan.sampleBytes()
	base, upper := geo.BaseBeamlets[port], geo.UpperBeamlets[port]
	cumul := geo.PortCumulativeBeamlets[port]
	nBeam := geo.TotalProcBeamlets
	iters := r.packetsPerIteration
	scratch := r.scratch4bit(port)

	for pkt := pkt0; pkt < pkt1; pkt++ {
		pay := r.payload(srcs[pkt], scratch)
		for b := base; b < upper; b++ {
			procB := cumul + b - base
			outB := procB
			if plan.reversed {
				outB = nBeam - 1 - procB
			}
			for t := 0; t < UDPNTimeslice; t++ {
				in := (b*UDPNTimeslice + t) * UDPNPol * cs
				switch plan.op {
				case opSplitPol:
					elem := outB*UDPNTimeslice + t
					for c := 0; c < UDPNPol; c++ {
						off := pkt*plan.packetOutputLength[c] + elem*cs
						copy(r.outputData[c][off:off+cs], pay[in+c*cs:])
					}
				case opFreqMajor:
					elem := outB*iters*UDPNTimeslice + pkt*UDPNTimeslice + t
					off := elem * UDPNPol * cs
					copy(r.outputData[0][off:off+UDPNPol*cs], pay[in:])
				case opFreqMajorSplit:
					elem := outB*iters*UDPNTimeslice + pkt*UDPNTimeslice + t
					for c := 0; c < UDPNPol; c++ {
						off := elem * cs
						copy(r.outputData[c][off:off+cs], pay[in+c*cs:])
					}
				case opTimeMajor:
					elem := (pkt*UDPNTimeslice+t)*nBeam + outB
					off := elem * UDPNPol * cs
					copy(r.outputData[0][off:off+UDPNPol*cs], pay[in:])
				case opTimeMajorSplit:
					elem := (pkt*UDPNTimeslice+t)*nBeam + outB
					for c := 0; c < UDPNPol; c++ {
						off := elem * cs
						copy(r.outputData[c][off:off+cs], pay[in+c*cs:])
					}
				case opTimeMajorDual:
					elem := (pkt*UDPNTimeslice+t)*nBeam + outB
					off := elem * 2 * cs
					copy(r.outputData[0][off:off+2*cs], pay[in:])
					copy(r.outputData[1][off:off+2*cs], pay[in+2*cs:])
				}
			}
		}
	}
}

// sampleXY decodes the X and Y voltages of one (beamlet, time) cell from a
// byte-addressable payload.
func sampleXY(pay []byte, b, t, bitMode int) (x, y complex64) {
	if bitMode == 16 {
		off := (b*UDPNTimeslice + t) * UDPNPol * 2
		xr := int16(binary.LittleEndian.Uint16(pay[off:]))
		xi := int16(binary.LittleEndian.Uint16(pay[off+2:]))
		yr := int16(binary.LittleEndian.Uint16(pay[off+4:]))
		yi := int16(binary.LittleEndian.Uint16(pay[off+6:]))
		return complex(float32(xr), float32(xi)), complex(float32(yr), float32(yi))
	}
	off := (b*UDPNTimeslice + t) * UDPNPol
	return complex(float32(int8(pay[off])), float32(int8(pay[off+1]))),
		complex(float32(int8(pay[off+2])), float32(int8(pay[off+3])))
}

// applyJones multiplies the (X, Y) pair by the 2x2 complex Jones matrix of
// the given processed beamlet.
func applyJones(row []float32, beamlet int, x, y complex64) (complex64, complex64) {
	o := beamlet * 8
	j00 := complex(row[o], row[o+1])
	j01 := complex(row[o+2], row[o+3])
	j10 := complex(row[o+4], row[o+5])
	j11 := complex(row[o+6], row[o+7])
	return j00*x + j01*y, j10*x + j11*y
}

// reorderChunkCalibrated is the 32-bit float variant of the voltage
// reorders used when calibration is enabled.
func (r *Reader) reorderChunkCalibrated(port, pkt0, pkt1 int, srcs []packetSrc) {
	plan, geo := r.plan, r.geo
	base, upper := geo.BaseBeamlets[port], geo.UpperBeamlets[port]
	cumul := geo.PortCumulativeBeamlets[port]
	nBeam := geo.TotalProcBeamlets
	iters := r.packetsPerIteration
	scratch := r.scratch4bit(port)
	jones := r.jonesRow()

	decodeBit := geo.InputBitMode
	if decodeBit == 4 {
		decodeBit = 8
	}
	outs := make([][]float32, plan.numOutputs)
	for i := range outs {
		outs[i] = getbytes.AsSliceFloat32(r.outputData[i])
	}

	for pkt := pkt0; pkt < pkt1; pkt++ {
		pay := r.payload(srcs[pkt], scratch)
		for b := base; b < upper; b++ {
			procB := cumul + b - base
			outB := procB
			if plan.reversed {
				outB = nBeam - 1 - procB
			}
			for t := 0; t < UDPNTimeslice; t++ {
				x, y := sampleXY(pay, b, t, decodeBit)
				x, y = applyJones(jones, procB, x, y)
				comps := [UDPNPol]float32{real(x), imag(x), real(y), imag(y)}
				switch plan.op {
				case opSplitPol:
					elem := outB*UDPNTimeslice + t
					perPkt := plan.packetOutputLength[0] / 4
					for c := 0; c < UDPNPol; c++ {
						outs[c][pkt*perPkt+elem] = comps[c]
					}
				case opFreqMajor:
					elem := outB*iters*UDPNTimeslice + pkt*UDPNTimeslice + t
					copy(outs[0][elem*UDPNPol:], comps[:])
				case opFreqMajorSplit:
					elem := outB*iters*UDPNTimeslice + pkt*UDPNTimeslice + t
					for c := 0; c < UDPNPol; c++ {
						outs[c][elem] = comps[c]
					}
				case opTimeMajor:
					elem := (pkt*UDPNTimeslice+t)*nBeam + outB
					copy(outs[0][elem*UDPNPol:], comps[:])
				case opTimeMajorSplit:
					elem := (pkt*UDPNTimeslice+t)*nBeam + outB
					for c := 0; c < UDPNPol; c++ {
						outs[c][elem] = comps[c]
					}
				case opTimeMajorDual:
					elem := (pkt*UDPNTimeslice+t)*nBeam + outB
					copy(outs[0][elem*2:], comps[:2])
					copy(outs[1][elem*2:], comps[2:])
				}
			}
		}
	}
}

// stokesOf computes one Stokes parameter from the X/Y voltage pair.
func stokesOf(comp stokesComp, x, y complex64) float64 {
	xr, xi := float64(real(x)), float64(imag(x))
	yr, yi := float64(real(y)), float64(imag(y))
	switch comp {
	case stokesI:
		return xr*xr + xi*xi + yr*yr + yi*yi
	case stokesQ:
		return xr*xr + xi*xi - yr*yr - yi*yi
	case stokesU:
		return 2 * (xr*yr + xi*yi)
	default: // stokesV: 2 Im(X conj(Y))
		return 2 * (xi*yr - xr*yi)
	}
}

// stokesChunk implements every Stokes mode. Outputs are time-major float32
// grids; decimation sums consecutive time samples, accumulating in float64
// so deep decimations do not lose the small samples.
func (r *Reader) stokesChunk(port, pkt0, pkt1 int, srcs []packetSrc) {
	plan, geo := r.plan, r.geo
	base, upper := geo.BaseBeamlets[port], geo.UpperBeamlets[port]
	cumul := geo.PortCumulativeBeamlets[port]
	nLocal := upper - base
	nBeam := geo.TotalProcBeamlets
	dec := plan.decimation
	scratch := r.scratch4bit(port)
	var jones []float32
	if plan.calibrate {
		jones = r.jonesRow()
	}
	decodeBit := geo.InputBitMode
	if decodeBit == 4 {
		decodeBit = 8
	}

	outs := make([][]float32, len(plan.components))
	for i := range outs {
		outs[i] = getbytes.AsSliceFloat32(r.outputData[i])
	}

	if dec == 1 {
		for pkt := pkt0; pkt < pkt1; pkt++ {
			pay := r.payload(srcs[pkt], scratch)
			for t := 0; t < UDPNTimeslice; t++ {
				row := (pkt*UDPNTimeslice + t) * nBeam
				for b := base; b < upper; b++ {
					x, y := sampleXY(pay, b, t, decodeBit)
					procB := cumul + b - base
					if jones != nil {
						x, y = applyJones(jones, procB, x, y)
					}
					for ci, comp := range plan.components {
						outs[ci][row+procB] = float32(stokesOf(comp, x, y))
					}
				}
			}
		}
		return
	}

	acc := make([][]float64, len(plan.components))
	spec := make([][]float64, len(plan.components))
	for i := range acc {
		acc[i] = make([]float64, nLocal)
		spec[i] = make([]float64, nLocal)
	}
	for pkt := pkt0; pkt < pkt1; pkt++ {
		pay := r.payload(srcs[pkt], scratch)
		for t := 0; t < UDPNTimeslice; t++ {
			s := pkt*UDPNTimeslice + t
			for b := base; b < upper; b++ {
				x, y := sampleXY(pay, b, t, decodeBit)
				procB := cumul + b - base
				if jones != nil {
					x, y = applyJones(jones, procB, x, y)
				}
				for ci, comp := range plan.components {
					spec[ci][b-base] = stokesOf(comp, x, y)
				}
			}
			for ci := range acc {
				floats.Add(acc[ci], spec[ci])
			}
			if (s+1)%dec == 0 {
				row := (s / dec) * nBeam
				for ci := range acc {
					for bi, v := range acc[ci] {
						outs[ci][row+cumul+bi] = float32(v)
						acc[ci][bi] = 0
					}
				}
			}
		}
	}
}
