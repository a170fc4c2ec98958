package lofarudp

import "fmt"

// kernelOp is the closed set of reformatting transforms. The processing
// mode IDs kept for configuration compatibility map onto an operation plus
// its parameters (split/reversed/decimation/component set), which keeps the
// reserved IDs unrepresentable internally.
type kernelOp int

const (
	opCopyFull       kernelOp = iota // verbatim copy, header included
	opCopyPayload                    // copy without header, raw bit width
	opSplitPol                       // per-packet polarisation planes
	opFreqMajor                      // beamlet-major over the iteration
	opFreqMajorSplit                 // beamlet-major polarisation planes
	opTimeMajor                      // time-major, pols interleaved
	opTimeMajorSplit                 // time-major polarisation planes
	opTimeMajorDual                  // time-major X and Y complex planes
	opStokes                         // Stokes components, 32-bit floats
)

// stokesComp selects one Stokes parameter.
type stokesComp int

const (
	stokesI stokesComp = iota
	stokesQ
	stokesU
	stokesV
)

// procPlan captures everything the kernel dispatch needs for one session:
// the operation, its geometry-independent parameters, and (after finalize)
// the output layout.
type procPlan struct {
	mode       int
	op         kernelOp
	reversed   bool         // beamlet order flipped (20/21 family)
	components []stokesComp // opStokes only
	decimation int          // time samples summed per output sample

	calibrate     bool
	numOutputs    int
	outputBitMode int
	equalIO       bool

	packetOutputLength []int
}

// planForMode maps a processing-mode ID onto its operation shape. Geometry
// dependent fields are filled by finalize.
func planForMode(mode int) (*procPlan, error) {
	p := &procPlan{mode: mode, decimation: 1}
	switch mode {
	case 0:
		p.op, p.equalIO = opCopyFull, true
	case 1:
		p.op, p.equalIO = opCopyPayload, true
	case 2:
		p.op = opSplitPol
	case 10, 20:
		p.op = opFreqMajor
		p.reversed = mode == 20
	case 11, 21:
		p.op = opFreqMajorSplit
		p.reversed = mode == 21
	case 30:
		p.op = opTimeMajor
	case 31:
		p.op = opTimeMajorSplit
	case 32:
		p.op = opTimeMajorDual

	case 100, 101, 102, 103, 104,
		110, 111, 112, 113, 114,
		120, 121, 122, 123, 124,
		130, 131, 132, 133, 134:
		p.op = opStokes
		p.components = []stokesComp{stokesComp((mode - 100) / 10)}
		if sub := mode % 10; sub > 0 {
			p.decimation = 1 << (sub + 2)
		}

	case 150, 151, 152, 153, 154:
		p.op = opStokes
		p.components = []stokesComp{stokesI, stokesQ, stokesU, stokesV}
		if sub := mode % 10; sub > 0 {
			p.decimation = 1 << sub
		}

	case 160, 161, 162, 163, 164:
		p.op = opStokes
		p.components = []stokesComp{stokesI, stokesV}
		if sub := mode % 10; sub > 0 {
			p.decimation = 1 << (sub + 1)
		}

	default:
		return nil, fmt.Errorf("unknown processing mode %d", mode)
	}
	return p, nil
}

// modeDecimation reports the time-decimation factor of a mode, or 1 when
// the mode is unknown (the mode check itself happens elsewhere).
func modeDecimation(mode int) int {
	p, err := planForMode(mode)
	if err != nil {
		return 1
	}
	return p.decimation
}

// setupProcessing builds the full kernel plan for a session: output count,
// output bit mode and per-output packet lengths. Calibration is
// incompatible with the copy modes and is downgraded with a warning there.
func setupProcessing(geo *Geometry, mode int, calibrate bool) (*procPlan, error) {
	p, err := planForMode(mode)
	if err != nil {
		return nil, err
	}
	if calibrate && p.equalIO {
		ProblemLogger.Printf("modes 0 and 1 cannot be calibrated; disabling calibration")
		calibrate = false
	}
	p.calibrate = calibrate

	switch {
	case p.equalIO:
		p.numOutputs = geo.NumPorts
		p.outputBitMode = geo.InputBitMode // 4-bit stays packed for copies
	case p.op == opStokes:
		p.numOutputs = len(p.components)
		p.outputBitMode = 32
	default:
		switch p.op {
		case opSplitPol, opFreqMajorSplit, opTimeMajorSplit:
			p.numOutputs = UDPNPol
		case opTimeMajorDual:
			p.numOutputs = 2
		default:
			p.numOutputs = 1
		}
		p.outputBitMode = geo.InputBitMode
		if p.outputBitMode == 4 {
			p.outputBitMode = 8 // 4-bit samples are unpacked for reordering
		}
		if calibrate {
			p.outputBitMode = 32
		}
	}

	p.packetOutputLength = make([]int, p.numOutputs)
	if p.equalIO {
		for port := 0; port < geo.NumPorts; port++ {
			p.packetOutputLength[port] = geo.PortPacketLength[port]
			if p.op == opCopyPayload {
				p.packetOutputLength[port] -= UDPHeaderLen
			}
		}
		return p, nil
	}

	if p.op == opStokes {
		// One component grid of float32 per output, time decimated.
		for out := range p.packetOutputLength {
			p.packetOutputLength[out] = geo.TotalProcBeamlets * UDPNTimeslice * 4 / p.decimation
		}
		return p, nil
	}

	// Voltage reorders scale the processed payload by the output/input bit
	// ratio, split across the outputs.
	working := payloadBytes(geo.TotalProcBeamlets, geo.InputBitMode)
	working = working * p.outputBitMode / geo.InputBitMode / p.numOutputs
	for out := range p.packetOutputLength {
		p.packetOutputLength[out] = working
	}
	return p, nil
}

// sampleBytes is the per-component output width in bytes for the voltage
// modes (1 or 2 uncalibrated, 4 calibrated).
func (p *procPlan) sampleBytes() int {
	return p.outputBitMode / 8
}
