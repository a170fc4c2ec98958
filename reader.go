package lofarudp

import (
	"fmt"
	"math"
	"sync"
	"time"

	"github.com/davecgh/go-spew/spew"
	"golang.org/x/sync/errgroup"
)

// StepTiming reports where one timed step spent its wall clock.
type StepTiming struct {
	IO      time.Duration // shift + transport reads
	Compute time.Duration // kernel
}

// Reader owns a full reformatting session: one transport and sliding
// packet window per port, the kernel plan, the output buffers and (when
// enabled) the Jones matrix table. All state lives in this tree; there are
// no back references between the components.
type Reader struct {
	config *Config
	geo    *Geometry
	plan   *procPlan

	transports []streamTransport
	buffers    []*portBuffer

	// outputData holds the session-owned output buffers; callers borrow
	// them read-only between a Step and the next Step or Close.
	outputData [][]byte

	configPacketsPerIteration int
	packetsPerIteration       int // may shrink on short reads
	packetsRead               int64
	packetsReadMax            int64

	// lastPacket is the number of the last processed packet;
	// leadingPacket the first of the current window.
	lastPacket    int64
	leadingPacket int64

	portLastDropped  []int
	portTotalDropped []int64

	inputDataReady  bool
	outputDataReady bool

	calibration     *calibrationTable
	calibrationStep int

	workerThreads int
	iteration     int64

	monitor  *Monitor
	fatalErr error
	closed   bool
}

// NewReader validates the configuration, opens every port, parses the
// first headers into the session geometry, performs the first read and, if
// a starting packet is configured, aligns all ports to it.
func NewReader(cfg *Config) (*Reader, error) {
	conf := *cfg // the reader owns its copy; validation clamps fields
	if conf.Calibration != nil {
		cal := *conf.Calibration
		conf.Calibration = &cal
	}
	if err := conf.validate(); err != nil {
		return nil, err
	}

	geo, err := parseSessionGeometry(&conf)
	if err != nil {
		return nil, err
	}

	plan, err := setupProcessing(geo, conf.ProcessingMode, conf.CalibrateData)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrConfigInvalid, err)
	}

	r := &Reader{
		config:                    &conf,
		geo:                       geo,
		plan:                      plan,
		configPacketsPerIteration: conf.PacketsPerIteration,
		packetsPerIteration:       conf.PacketsPerIteration,
		packetsReadMax:            conf.PacketsReadMax,
		lastPacket:                conf.StartingPacket,
		portLastDropped:           make([]int, geo.NumPorts),
		portTotalDropped:          make([]int64, geo.NumPorts),
		workerThreads:             conf.WorkerThreads,
	}

	for port := 0; port < geo.NumPorts; port++ {
		reserve := 0
		if conf.ReaderType == CompressedReader {
			window := geo.PortPacketLength[port] * conf.PacketsPerIteration
			reserve = zstdOutChunk - window%zstdOutChunk
		}
		r.buffers = append(r.buffers, newPortBuffer(geo.PortPacketLength[port], conf.PacketsPerIteration, reserve))
	}
	r.outputData = make([][]byte, plan.numOutputs)
	for out := range r.outputData {
		r.outputData[out] = make([]byte, plan.packetOutputLength[out]*conf.PacketsPerIteration)
	}

	for port := 0; port < geo.NumPorts; port++ {
		t, err := openTransport(&conf, port, geo)
		if err != nil {
			r.Close()
			return nil, err
		}
		r.transports = append(r.transports, t)
	}

	if conf.Verbose {
		ProblemLogger.Printf("session geometry:\n%s", spew.Sdump(geo))
	}

	// Gulp the first window of raw data.
	if _, err := r.readStep(); err != nil {
		r.Close()
		return nil, err
	}
	r.inputDataReady = false

	if r.lastPacket > LFREpoch {
		if err := r.skipToPacket(); err != nil {
			r.Close()
			return nil, err
		}
	}
	if err := r.firstPacketAlignment(); err != nil {
		r.Close()
		return nil, err
	}

	if conf.StatusAddress != "" {
		m, err := NewMonitor(conf.StatusAddress)
		if err != nil {
			ProblemLogger.Printf("status publisher disabled: %v", err)
		} else {
			r.monitor = m
		}
	}

	r.inputDataReady = true
	r.outputDataReady = false
	return r, nil
}

// parseSessionGeometry peeks the first header on every port and derives
// the geometry, narrowing the port set when a beamlet subrange excludes
// whole ports.
func parseSessionGeometry(cfg *Config) (*Geometry, error) {
	headers := make([][]byte, cfg.NumPorts)
	for port := 0; port < cfg.NumPorts; port++ {
		hdr, err := readFirstHeader(cfg, port)
		if err != nil {
			return nil, err
		}
		headers[port] = hdr
	}

	limits := cfg.BeamletLimits
	if limits[0] == 0 && limits[1] == 0 {
		return ParseHeaders(headers, [2]int{0, 0})
	}

	// First pass without limits establishes the raw beamlet counts so the
	// subrange can be mapped onto ports.
	geo, err := ParseHeaders(headers, [2]int{0, 0})
	if err != nil {
		return nil, err
	}
	lowerPort, upperPort := 0, geo.NumPorts-1
	for port := 0; port < geo.NumPorts; port++ {
		lo := geo.PortRawCumulativeBeamlets[port]
		hi := lo + geo.PortRawBeamlets[port]
		if limits[0] > 0 && limits[0] >= lo && limits[0] < hi {
			lowerPort = port
		}
		if limits[1] > 0 && limits[1] > lo && limits[1] <= hi {
			upperPort = port
		}
	}
	if lowerPort > upperPort {
		return nil, fmt.Errorf("%w: beamlet limits select no ports (%d..%d)", ErrConfigInvalid, lowerPort, upperPort)
	}
	if lowerPort > 0 {
		// Drop the leading ports and rebase the limits onto the survivors.
		if len(cfg.InputPaths) == cfg.NumPorts {
			cfg.InputPaths = cfg.InputPaths[lowerPort:]
		}
		cfg.RingKeyBase += lowerPort * cfg.RingKeyOffset
		headers = headers[lowerPort:]
		limits[0] -= geo.PortRawCumulativeBeamlets[lowerPort]
		if limits[1] > 0 {
			limits[1] -= geo.PortRawCumulativeBeamlets[lowerPort]
		}
	}
	headers = headers[:upperPort+1-lowerPort]
	cfg.NumPorts = len(headers)
	if len(cfg.InputPaths) > cfg.NumPorts {
		cfg.InputPaths = cfg.InputPaths[:cfg.NumPorts]
	}
	return ParseHeaders(headers, limits)
}

// Geometry exposes the parsed session geometry.
func (r *Reader) Geometry() *Geometry { return r.geo }

// NumOutputs reports how many output buffers the selected mode produces.
func (r *Reader) NumOutputs() int { return r.plan.numOutputs }

// OutputBitMode reports the sample width of the outputs in bits.
func (r *Reader) OutputBitMode() int { return r.plan.outputBitMode }

// PacketOutputLength reports the per-packet byte length of one output.
func (r *Reader) PacketOutputLength(out int) int { return r.plan.packetOutputLength[out] }

// OutputData returns the output buffer for one output index. Only the
// first PacketsPerIteration()*PacketOutputLength(out) bytes are meaningful
// after a step.
func (r *Reader) OutputData(out int) []byte { return r.outputData[out] }

// PacketsPerIteration reports the current window size; it narrows when the
// input runs short.
func (r *Reader) PacketsPerIteration() int { return r.packetsPerIteration }

// PacketsRead reports the cumulative packets processed since setup/reuse.
func (r *Reader) PacketsRead() int64 { return r.packetsRead }

// PacketsReadMax reports the cumulative packet cap for this session.
func (r *Reader) PacketsReadMax() int64 { return r.packetsReadMax }

// LastPacket reports the packet number of the last processed packet.
func (r *Reader) LastPacket() int64 { return r.lastPacket }

// LeadingPacket reports the first packet number of the current window.
func (r *Reader) LeadingPacket() int64 { return r.leadingPacket }

// TotalDroppedPackets reports the cumulative dropped packets on one port.
func (r *Reader) TotalDroppedPackets(port int) int64 { return r.portTotalDropped[port] }

// shiftRemainder moves each port's unconsumed tail packets back to the
// start of its window so the next read appends after them. With
// handlePadding the last consumed packet also lands in the replay guard.
func (r *Reader) shiftRemainder(shifts []int, handlePadding bool) {
	for port := range r.buffers {
		r.shiftPort(port, shifts[port], handlePadding)
	}
}

// shiftPort performs the shift protocol for a single port. Any
// decompressed bytes beyond the window (compressed transports overshoot
// into the reserve tail) ride along with the shifted tail packets.
func (r *Reader) shiftPort(port, shift int, handlePadding bool) {
	buf := r.buffers[port]
	length := buf.packetLength
	overshoot := buf.validBytes - r.packetsPerIteration*length
	if overshoot < 0 {
		overshoot = 0
	}
	buf.validBytes = 0

	pad := 0
	if handlePadding {
		pad = 1
	}
	if shift > r.packetsPerIteration {
		ProblemLogger.Printf("port %d: requested shift %d exceeds the window, clamping to %d", port, shift, r.packetsPerIteration)
		shift = r.packetsPerIteration
	}
	if shift < 0 {
		// Out-of-order data on the last gulp; drop the remainder and move on.
		ProblemLogger.Printf("port %d: negative shift %d indicates out-of-order data, continuing", port, shift)
		shift = 0
		if pad == 0 {
			return
		}
	}
	if shift == 0 && pad == 0 && overshoot == 0 {
		return
	}

	srcOff := (r.packetsPerIteration - shift - pad) * length
	dstOff := -pad * length
	n := (shift+pad)*length + overshoot
	if n > 0 {
		buf.shift(dstOff, srcOff, n)
	}
	if !r.config.ReplayDroppedPackets {
		buf.zeroGuard()
	}
	buf.validBytes = dstOff + n
}

// readStep shifts remainders, then fills every port's window in parallel.
// It may narrow packetsPerIteration when the packet cap or a short read
// intervenes; both are tolerable results.
func (r *Reader) readStep() (StepResult, error) {
	if r.packetsPerIteration == 0 {
		return StepOK, fmt.Errorf("packets per iteration reached 0, no work to perform")
	}

	// The packet cap and short reads can lower this; reset to the configured window.
	r.packetsPerIteration = r.configPacketsPerIteration
	r.shiftRemainder(r.portLastDropped, true)

	result := StepOK
	if r.packetsRead+int64(r.packetsPerIteration) > r.packetsReadMax {
		remaining := r.packetsReadMax - r.packetsRead
		if remaining < 0 {
			remaining = 0
		}
		r.packetsPerIteration = int(remaining)
		result = StepCapReached
	}

	var mu sync.Mutex
	var g errgroup.Group
	for port := 0; port < r.geo.NumPorts; port++ {
		port := port
		if r.portLastDropped[port] > r.packetsPerIteration {
			ProblemLogger.Printf("port %d: skipping read due to excessive packet loss", port)
			continue
		}
		g.Go(func() error {
			buf := r.buffers[port]
			want := r.packetsPerIteration*buf.packetLength - buf.validBytes
			if want <= 0 {
				return nil
			}
			got, err := r.transports[port].readInto(buf.data()[buf.validBytes:], want)
			if err != nil {
				return fmt.Errorf("port %d: %v", port, err)
			}
			buf.validBytes += got
			if got < want {
				wholePackets := buf.validBytes / buf.packetLength
				mu.Lock()
				if wholePackets < r.packetsPerIteration {
					if wholePackets < 0 {
						wholePackets = 0
					}
					r.packetsPerIteration = wholePackets
					ProblemLogger.Printf("port %d returned less data than requested, narrowing the window to %d packets", port, wholePackets)
				}
				result = result.worse(StepShortRead)
				mu.Unlock()
			}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return result, err
	}

	r.inputDataReady = true
	return result, nil
}

// Step produces the next window of output data.
func (r *Reader) Step() (StepResult, error) {
	return r.StepTimed(nil)
}

// StepTimed is Step with I/O and compute timings reported through timing
// when it is non-nil.
func (r *Reader) StepTimed(timing *StepTiming) (StepResult, error) {
	if r.closed {
		return StepOK, fmt.Errorf("reader is closed")
	}
	if r.fatalErr != nil {
		return StepOK, fmt.Errorf("reader in fatal state: %w", r.fatalErr)
	}

	if r.plan.calibrate && (r.calibration == nil || r.calibrationStep >= r.calibration.stepsGenerated) {
		if err := r.generateCalibration(); err != nil {
			r.fatalErr = err
			return StepOK, err
		}
	}

	result := StepOK
	tick := time.Now()
	if !r.inputDataReady && r.outputDataReady {
		res, err := r.readStep()
		if err != nil {
			r.fatalErr = err
			return res, err
		}
		result = result.worse(res)
		r.outputDataReady = false
		if r.packetsPerIteration == 0 {
			// Nothing left to process: the input ran dry or the cap was
			// hit exactly. Terminal for the caller, but not an error.
			return result.worse(StepCapReached), nil
		}
		if r.config.ReaderType == CompressedReader {
			for _, t := range r.transports {
				if zt, ok := t.(*zstdTransport); ok {
					zt.dropConsumed()
				}
			}
		}
	}
	ioTime := time.Since(tick)

	tick = time.Now()
	if !r.outputDataReady && r.packetsPerIteration > 0 {
		r.leadingPacket = r.lastPacket + 1
		if err := r.processIteration(); err != nil {
			r.fatalErr = err
			return result, err
		}
		r.lastPacket += int64(r.packetsPerIteration)
		r.packetsRead += int64(r.packetsPerIteration)
		r.outputDataReady = true
		r.inputDataReady = false
		if r.plan.calibrate {
			r.calibrationStep++
		}
		r.iteration++
	}
	if timing != nil {
		timing.IO = ioTime
		timing.Compute = time.Since(tick)
	}

	if r.monitor != nil {
		r.monitor.PublishStep(r.stepStats(result, ioTime))
	}
	return result, nil
}

// Reuse re-targets an existing reader at a later starting packet without
// reopening the transports.
func (r *Reader) Reuse(startingPacket, packetsReadMax int64) error {
	if r.closed {
		return fmt.Errorf("reader is closed")
	}
	localMax := packetsReadMax
	if localMax < 0 {
		localMax = math.MaxInt64
	}

	r.packetsPerIteration = r.configPacketsPerIteration
	r.packetsRead = 0
	// Provisional cap while re-aligning; the alignment reads do not count
	// towards packetsRead, and localMax replaces this once alignment succeeds.
	r.packetsReadMax = startingPacket - r.lastPacket + 2*int64(r.configPacketsPerIteration)
	r.lastPacket = startingPacket
	if r.calibration != nil {
		// Force a matrix regeneration at the new epoch.
		r.calibrationStep = r.calibration.stepsGenerated + 1
	}
	for port := range r.buffers {
		r.buffers[port].validBytes = 0
		r.portLastDropped[port] = 0
	}

	r.inputDataReady = false
	if r.lastPacket > LFREpoch {
		if err := r.skipToPacket(); err != nil {
			r.fatalErr = err
			return err
		}
	}
	if err := r.firstPacketAlignment(); err != nil {
		r.fatalErr = err
		return err
	}

	r.packetsReadMax = localMax
	r.inputDataReady = true
	r.outputDataReady = false
	return nil
}

// Close releases every transport, buffer and the matrix table. It is safe
// to call in any state, and more than once.
func (r *Reader) Close() {
	if r.closed {
		return
	}
	r.closed = true
	for _, t := range r.transports {
		if t != nil {
			if err := t.close(); err != nil {
				ProblemLogger.Printf("closing transport: %v", err)
			}
		}
	}
	r.transports = nil
	r.buffers = nil
	r.outputData = nil
	r.calibration = nil
	if r.monitor != nil {
		r.monitor.Close()
		r.monitor = nil
	}
}
