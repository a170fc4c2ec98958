package lofarudp

import (
	"bufio"
	"fmt"
	"math/rand"
	"os"
	"os/exec"
	"path/filepath"
	"strconv"
	"strings"

	"golang.org/x/sys/unix"
)

// calibrationTable holds the Jones matrices produced by one run of the
// external generator: one row per time step, 8 floats (4 complex entries)
// per processed beamlet.
type calibrationTable struct {
	jones          [][]float32
	stepsGenerated int
}

// jonesRow returns the matrix row for the current calibration step.
func (r *Reader) jonesRow() []float32 {
	return r.calibration.jones[r.calibrationStep]
}

// fifoSuffix builds a short random tag so concurrent sessions cannot
// collide on the FIFO path.
func fifoSuffix() string {
	const letters = "abcdefghijklmnopqrstuvwxyzABCDEFGHIJKLMNOPQRSTUVWXYZ"
	tag := make([]byte, 4)
	for i := range tag {
		tag[i] = letters[rand.Intn(len(letters))]
	}
	return string(tag)
}

// generateCalibration spawns the beam-model helper, reads the framed
// matrix table from its FIFO and installs it as the session's calibration
// table. Any parse failure or beamlet-count mismatch is fatal.
func (r *Reader) generateCalibration() error {
	cal := r.config.Calibration
	fifoPath := filepath.Join(cal.FifoDir, "jones_"+fifoSuffix())
	if _, err := os.Stat(fifoPath); err == nil {
		if err := os.Remove(fifoPath); err != nil {
			return fmt.Errorf("%w: removing stale FIFO %s: %v", ErrCalibrationFailed, fifoPath, err)
		}
	}
	if err := unix.Mkfifo(fifoPath, 0664); err != nil {
		return fmt.Errorf("%w: creating FIFO %s: %v", ErrCalibrationFailed, fifoPath, err)
	}
	defer os.Remove(fifoPath)

	hdr, err := DecodeHeader(r.buffers[0].packet(0))
	if err != nil {
		return fmt.Errorf("%w: %v", ErrCalibrationFailed, err)
	}
	integration := float64(r.configPacketsPerIteration*UDPNTimeslice) * sampleTime(r.geo.ClockBit)

	cmd := exec.Command(cal.GeneratorPath,
		"--stn", StationName(r.geo.StationID),
		"--time", fmt.Sprintf("%.10f", hdr.PacketMJD()),
		"--sub", cal.SubbandSpec,
		"--dur", fmt.Sprintf("%.10f", cal.Duration),
		"--int", fmt.Sprintf("%.10f", integration),
		"--pnt", fmt.Sprintf("%f,%f,%s", cal.Pointing[0], cal.Pointing[1], cal.PointingBasis),
		"--pipe", fifoPath,
	)
	cmd.Env = os.Environ()
	cmd.Stderr = os.Stderr
	if err := cmd.Start(); err != nil {
		return fmt.Errorf("%w: spawning %s: %v", ErrCalibrationFailed, cal.GeneratorPath, err)
	}
	defer cmd.Wait()

	// Opening the read end blocks until the generator opens the pipe.
	fifo, err := os.OpenFile(fifoPath, os.O_RDONLY, 0)
	if err != nil {
		return fmt.Errorf("%w: opening FIFO %s: %v", ErrCalibrationFailed, fifoPath, err)
	}
	defer fifo.Close()

	table, err := parseJonesStream(bufio.NewReader(fifo), r.geo.TotalProcBeamlets)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrCalibrationFailed, err)
	}

	r.calibration = table
	r.calibrationStep = 0
	return nil
}

// parseJonesStream reads the generator's framed output: a "<T>,<B>" header
// line, then T lines of B comma-separated groups of eight floats, the last
// group of each line terminated by '|'.
func parseJonesStream(rd *bufio.Reader, wantBeamlets int) (*calibrationTable, error) {
	header, err := rd.ReadString('\n')
	if err != nil {
		return nil, fmt.Errorf("reading matrix grid header: %v", err)
	}
	var steps, beamlets int
	if _, err := fmt.Sscanf(strings.TrimSpace(header), "%d,%d", &steps, &beamlets); err != nil {
		return nil, fmt.Errorf("parsing matrix grid header %q: %v", strings.TrimSpace(header), err)
	}
	if beamlets != wantBeamlets {
		return nil, fmt.Errorf("calibration strategy returned %d beamlets, session processes %d", beamlets, wantBeamlets)
	}
	if steps < 1 {
		return nil, fmt.Errorf("calibration returned %d time steps", steps)
	}

	table := &calibrationTable{
		jones:          make([][]float32, steps),
		stepsGenerated: steps,
	}
	for step := 0; step < steps; step++ {
		line, err := rd.ReadString('\n')
		if err != nil && line == "" {
			return nil, fmt.Errorf("reading matrix row %d: %v", step, err)
		}
		line = strings.TrimSpace(line)
		body, ok := strings.CutSuffix(line, "|")
		if !ok {
			return nil, fmt.Errorf("matrix row %d is not '|' terminated", step)
		}
		fields := strings.Split(body, ",")
		if len(fields) != 8*beamlets {
			return nil, fmt.Errorf("matrix row %d has %d values, want %d", step, len(fields), 8*beamlets)
		}
		row := make([]float32, 8*beamlets)
		for i, f := range fields {
			v, err := strconv.ParseFloat(strings.TrimSpace(f), 32)
			if err != nil {
				return nil, fmt.Errorf("matrix row %d value %d: %v", step, i, err)
			}
			row[i] = float32(v)
		}
		table.jones[step] = row
	}
	return table, nil
}
