package lofarudp

import (
	"fmt"
	"math"
)

// ReaderType selects the input transport variant for all ports.
type ReaderType int

const (
	// RawReader reads a plain concatenation of packets from a file.
	RawReader ReaderType = iota
	// CompressedReader streams zstandard-compressed packet data backed by
	// a memory-mapped view of the whole compressed file.
	CompressedReader
	// RingBufferReader consumes packets from an external shared-memory
	// ring addressed by a numeric key.
	RingBufferReader
)

func (t ReaderType) String() string {
	switch t {
	case RawReader:
		return "raw"
	case CompressedReader:
		return "zstandard"
	case RingBufferReader:
		return "ringbuffer"
	}
	return "unknown"
}

// CalibrationConfig describes how to drive the external Jones-matrix
// generator.
type CalibrationConfig struct {
	FifoDir       string     // directory for the communication FIFO
	SubbandSpec   string     // e.g. "HBA,12:499"
	Pointing      [2]float64 // two pointing angles
	PointingBasis string     // coordinate basis, e.g. "J2000"
	Duration      float64    // seconds of matrices to request per generation
	GeneratorPath string     // generator executable; defaults to dreamBeamJonesGenerator.py
}

// Config holds every knob the reader accepts. Zero values are not useful;
// start from DefaultConfig.
type Config struct {
	// InputPaths names the per-port input files (Raw and Compressed
	// readers). Its length fixes NumPorts for those variants.
	InputPaths []string

	NumPorts             int
	PacketsPerIteration  int
	ReplayDroppedPackets bool
	ProcessingMode       int
	StartingPacket       int64 // <= 0 means "do not align"; positive values below LFREpoch are rejected
	PacketsReadMax       int64 // negative means unbounded
	BeamletLimits        [2]int

	ReaderType    ReaderType
	RingKeyBase   int // shared-memory key of port 0
	RingKeyOffset int // key stride between ports

	CalibrateData bool
	Calibration   *CalibrationConfig

	WorkerThreads int
	Verbose       bool

	// StatusAddress, if set, enables the ZMQ monitor publisher
	// (e.g. "tcp://*:5511").
	StatusAddress string
}

// DefaultConfig returns the baseline configuration shared by the CLI and
// the tests.
func DefaultConfig() *Config {
	return &Config{
		NumPorts:            MaxNumPorts,
		PacketsPerIteration: 65536,
		ProcessingMode:      0,
		StartingPacket:      -1,
		PacketsReadMax:      -1,
		ReaderType:          RawReader,
		RingKeyBase:         0x3f10,
		RingKeyOffset:       10,
		WorkerThreads:       8,
	}
}

// validate checks the configuration, applying the documented clamps
// (worker threads, unbounded packet cap). It mutates the receiver.
func (c *Config) validate() error {
	if c.NumPorts < 1 || c.NumPorts > MaxNumPorts {
		return fmt.Errorf("%w: numPorts %d outside 1..%d", ErrConfigInvalid, c.NumPorts, MaxNumPorts)
	}
	if c.ReaderType != RingBufferReader && len(c.InputPaths) != c.NumPorts {
		return fmt.Errorf("%w: %d input paths for %d ports", ErrConfigInvalid, len(c.InputPaths), c.NumPorts)
	}
	if c.PacketsPerIteration < 2 {
		return fmt.Errorf("%w: packetsPerIteration %d, need at least 2", ErrConfigInvalid, c.PacketsPerIteration)
	}
	if _, err := planForMode(c.ProcessingMode); err != nil {
		return fmt.Errorf("%w: %v", ErrConfigInvalid, err)
	}
	if dec := modeDecimation(c.ProcessingMode); dec > 1 {
		if (c.PacketsPerIteration*UDPNTimeslice)%dec != 0 {
			return fmt.Errorf("%w: packetsPerIteration %d x %d time slices is not divisible by the decimation factor %d",
				ErrConfigInvalid, c.PacketsPerIteration, UDPNTimeslice, dec)
		}
	}
	if c.BeamletLimits[0] > 0 && c.BeamletLimits[1] > 0 && c.BeamletLimits[0] > c.BeamletLimits[1] {
		return fmt.Errorf("%w: beamlet limits out of order (%d, %d)", ErrConfigInvalid, c.BeamletLimits[0], c.BeamletLimits[1])
	}
	if (c.BeamletLimits[0] > 0 || c.BeamletLimits[1] > 0) && c.ProcessingMode < 2 {
		return fmt.Errorf("%w: processing modes 0 and 1 do not support beamlet limits", ErrConfigInvalid)
	}
	if c.StartingPacket > 0 && c.StartingPacket < LFREpoch {
		return fmt.Errorf("%w: starting packet %d predates the LOFAR epoch", ErrConfigInvalid, c.StartingPacket)
	}
	if c.PacketsReadMax < 0 {
		c.PacketsReadMax = math.MaxInt64
	}
	if c.PacketsReadMax < 1 {
		return fmt.Errorf("%w: packetsReadMax %d leaves no work", ErrConfigInvalid, c.PacketsReadMax)
	}
	if c.CalibrateData {
		cal := c.Calibration
		if cal == nil {
			return fmt.Errorf("%w: calibration enabled without a calibration configuration", ErrConfigInvalid)
		}
		if cal.FifoDir == "" {
			return fmt.Errorf("%w: calibration enabled without a FIFO directory", ErrConfigInvalid)
		}
		if cal.SubbandSpec == "" {
			return fmt.Errorf("%w: calibration enabled without a subband strategy", ErrConfigInvalid)
		}
		if cal.PointingBasis == "" {
			return fmt.Errorf("%w: calibration enabled without a pointing basis", ErrConfigInvalid)
		}
		if cal.GeneratorPath == "" {
			cal.GeneratorPath = "dreamBeamJonesGenerator.py"
		}
	}
	if c.WorkerThreads < 4 {
		ProblemLogger.Printf("raising worker threads from %d to 4", c.WorkerThreads)
		c.WorkerThreads = 4
	}
	return nil
}
