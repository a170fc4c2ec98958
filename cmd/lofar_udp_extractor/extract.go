package main

import (
	"bufio"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/lofar-daq/lofarudp"
	"github.com/lofar-daq/lofarudp/internal/obsdb"
)

type options struct {
	inputFormat         string
	ringKeys            string
	outputFormat        string
	packetsPerIteration int
	numPorts            int
	basePort            int
	beamlets            string
	timeString          string
	seconds             float64
	eventsFile          string
	processingMode      int
	replay              bool
	calStrategy         string
	calPointing         string
	clock160            bool
	silent              bool
	appendMode          bool
	threads             int
	verbose             bool
	statusAddr          string
	dbAddr              string
	npyDir              string
}

// event is one extraction window: a starting packet and a packet budget.
type event struct {
	startTime      time.Time
	startingPacket int64
	maxPackets     int64
}

const timeLayout = "2006-01-02T15:04:05"

func (o *options) clockBit() int {
	if o.clock160 {
		return 0
	}
	return 1
}

// packetsForSeconds converts a duration in seconds into a packet count for
// the session clock.
func packetsForSeconds(seconds float64, clockBit int) int64 {
	if seconds <= 0 {
		return -1
	}
	steps := seconds * 195312.5
	if clockBit == 0 {
		steps = seconds * 156250.0
	}
	return int64(steps / lofarudp.UDPNTimeslice)
}

// parseEvents builds the extraction plan: either the single -t/-s window,
// or the events file. Events must be monotonic and non-overlapping.
func parseEvents(o *options) ([]event, error) {
	if o.eventsFile == "" {
		ev := event{startingPacket: -1, maxPackets: packetsForSeconds(o.seconds, o.clockBit())}
		if o.timeString != "" {
			start, err := time.Parse(timeLayout, o.timeString)
			if err != nil {
				return nil, fmt.Errorf("parsing -t time %q: %v", o.timeString, err)
			}
			ev.startTime = start
			ev.startingPacket = lofarudp.PacketNumberForTime(float64(start.UTC().Unix()), o.clockBit())
		}
		return []event{ev}, nil
	}

	f, err := os.Open(o.eventsFile)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	var events []event
	scanner := bufio.NewScanner(f)
	line := 0
	for scanner.Scan() {
		line++
		text := strings.TrimSpace(scanner.Text())
		if text == "" || strings.HasPrefix(text, "#") {
			continue
		}
		fields := strings.Fields(text)
		if len(fields) != 2 {
			return nil, fmt.Errorf("%s:%d: want 'start-time duration', got %q", o.eventsFile, line, text)
		}
		start, err := time.Parse(timeLayout, fields[0])
		if err != nil {
			return nil, fmt.Errorf("%s:%d: %v", o.eventsFile, line, err)
		}
		seconds, err := strconv.ParseFloat(fields[1], 64)
		if err != nil || seconds <= 0 {
			return nil, fmt.Errorf("%s:%d: invalid duration %q", o.eventsFile, line, fields[1])
		}
		ev := event{
			startTime:      start,
			startingPacket: lofarudp.PacketNumberForTime(float64(start.UTC().Unix()), o.clockBit()),
			maxPackets:     packetsForSeconds(seconds, o.clockBit()),
		}
		if n := len(events); n > 0 {
			prev := events[n-1]
			if ev.startingPacket <= prev.startingPacket {
				return nil, fmt.Errorf("%s:%d: events are not in increasing time order", o.eventsFile, line)
			}
			if prev.startingPacket+prev.maxPackets > ev.startingPacket {
				return nil, fmt.Errorf("%s:%d: event overlaps the previous one", o.eventsFile, line)
			}
		}
		events = append(events, ev)
	}
	if err := scanner.Err(); err != nil {
		return nil, err
	}
	if len(events) == 0 {
		return nil, fmt.Errorf("%s contains no events", o.eventsFile)
	}
	return events, nil
}

// buildConfig translates the CLI surface into a reader configuration.
func buildConfig(o *options) (*lofarudp.Config, error) {
	cfg := lofarudp.DefaultConfig()
	cfg.NumPorts = o.numPorts
	cfg.PacketsPerIteration = o.packetsPerIteration
	cfg.ReplayDroppedPackets = o.replay
	cfg.ProcessingMode = o.processingMode
	cfg.WorkerThreads = o.threads
	cfg.Verbose = o.verbose
	cfg.StatusAddress = o.statusAddr

	if _, err := fmt.Sscanf(o.beamlets, "%d,%d", &cfg.BeamletLimits[0], &cfg.BeamletLimits[1]); err != nil {
		return nil, fmt.Errorf("parsing -b %q: %v", o.beamlets, err)
	}

	switch {
	case o.ringKeys != "":
		cfg.ReaderType = lofarudp.RingBufferReader
		if _, err := fmt.Sscanf(o.ringKeys, "%d,%d", &cfg.RingKeyBase, &cfg.RingKeyOffset); err != nil {
			return nil, fmt.Errorf("parsing -k %q: %v", o.ringKeys, err)
		}
	default:
		if strings.HasSuffix(o.inputFormat, ".zst") {
			cfg.ReaderType = lofarudp.CompressedReader
		}
		for port := 0; port < o.numPorts; port++ {
			path := strings.Replace(o.inputFormat, "%d", strconv.Itoa(o.basePort+port), 1)
			cfg.InputPaths = append(cfg.InputPaths, path)
		}
	}

	if o.calStrategy != "" || o.calPointing != "" {
		if o.calStrategy == "" || o.calPointing == "" {
			return nil, fmt.Errorf("calibration needs both -c and -d")
		}
		cal := &lofarudp.CalibrationConfig{
			FifoDir:     os.TempDir(),
			SubbandSpec: o.calStrategy,
		}
		var basis string
		if _, err := fmt.Sscanf(o.calPointing, "%f,%f,%s", &cal.Pointing[0], &cal.Pointing[1], &basis); err != nil {
			return nil, fmt.Errorf("parsing -d %q: %v", o.calPointing, err)
		}
		cal.PointingBasis = basis
		if o.seconds > 0 {
			cal.Duration = o.seconds
		} else {
			cal.Duration = 3600
		}
		cfg.CalibrateData = true
		cfg.Calibration = cal
	}
	return cfg, nil
}

// outputName fills the output template: %d output index, %s date string,
// %ld starting packet number.
func outputName(format string, out int, date string, startingPacket int64) string {
	name := strings.Replace(format, "%d", strconv.Itoa(out), 1)
	name = strings.Replace(name, "%s", date, 1)
	name = strings.Replace(name, "%ld", strconv.FormatInt(startingPacket, 10), 1)
	return name
}

// openOutputs creates (or appends to) the per-output files for one event.
func openOutputs(o *options, reader *lofarudp.Reader, ev event) ([]*os.File, error) {
	date := ev.startTime.UTC().Format(timeLayout)
	if ev.startTime.IsZero() {
		date = time.Now().UTC().Format(timeLayout)
	}
	files := make([]*os.File, reader.NumOutputs())
	for out := range files {
		name := outputName(o.outputFormat, out, date, ev.startingPacket)
		flags := os.O_WRONLY | os.O_CREATE | os.O_EXCL
		if o.appendMode {
			flags = os.O_WRONLY | os.O_CREATE | os.O_APPEND
		}
		f, err := os.OpenFile(name, flags, 0664)
		if err != nil {
			for _, open := range files[:out] {
				open.Close()
			}
			return nil, fmt.Errorf("opening output %s: %v", name, err)
		}
		files[out] = f
	}
	return files, nil
}

func run(o *options) error {
	events, err := parseEvents(o)
	if err != nil {
		return err
	}
	cfg, err := buildConfig(o)
	if err != nil {
		return err
	}
	cfg.StartingPacket = events[0].startingPacket
	cfg.PacketsReadMax = events[0].maxPackets

	reader, err := lofarudp.NewReader(cfg)
	if err != nil {
		return err
	}
	defer reader.Close()

	var dumper *lofarudp.NpyDumper
	if o.npyDir != "" {
		if dumper, err = lofarudp.NewNpyDumper(o.npyDir); err != nil {
			return err
		}
	}

	abort := make(chan struct{})
	db := obsdb.DummyConnection()
	if o.dbAddr != "" {
		host, _ := os.Hostname()
		db = obsdb.StartSession(o.dbAddr, &obsdb.SessionMessage{
			Hostname:       host,
			Version:        lofarudp.Build.Version,
			StationID:      reader.Geometry().StationID,
			ReaderType:     cfg.ReaderType.String(),
			ProcessingMode: cfg.ProcessingMode,
			NumPorts:       reader.Geometry().NumPorts,
		}, abort)
	}
	defer func() {
		close(abort)
		db.Wait()
	}()

	totalPackets := int64(0)
	for evIdx, ev := range events {
		if evIdx > 0 {
			if err := reader.Reuse(ev.startingPacket, ev.maxPackets); err != nil {
				return fmt.Errorf("re-targeting at event %d: %w", evIdx, err)
			}
		}
		written, err := extractEvent(o, reader, ev, evIdx, db, dumper)
		totalPackets += written
		if err != nil {
			return err
		}
	}

	if !o.silent {
		fmt.Printf("Processed %d packets total.\n", totalPackets)
		for port := 0; port < reader.Geometry().NumPorts; port++ {
			fmt.Printf("Port %d: %d packets dropped.\n", port, reader.TotalDroppedPackets(port))
		}
	}
	return nil
}

// extractEvent steps the reader until the event's packet budget or the
// input is exhausted, writing every output block to its file.
func extractEvent(o *options, reader *lofarudp.Reader, ev event, evIdx int, db *obsdb.Connection, dumper *lofarudp.NpyDumper) (int64, error) {
	files, err := openOutputs(o, reader, ev)
	if err != nil {
		return 0, err
	}
	defer func() {
		for _, f := range files {
			f.Close()
		}
	}()

	var written int64
	iteration := int64(0)
	for {
		var timing lofarudp.StepTiming
		result, err := reader.StepTimed(&timing)
		if err != nil {
			if written > 0 {
				// End of usable input; not an extraction failure.
				if !o.silent {
					fmt.Printf("Event %d: input exhausted after %d packets (%v).\n", evIdx, written, err)
				}
				return written, nil
			}
			return written, fmt.Errorf("event %d: %w", evIdx, err)
		}
		iters := reader.PacketsPerIteration()
		if iters > 0 {
			for out, f := range files {
				block := reader.OutputData(out)[:iters*reader.PacketOutputLength(out)]
				if _, err := f.Write(block); err != nil {
					return written, fmt.Errorf("writing output %d: %v", out, err)
				}
			}
			if dumper != nil {
				if err := dumper.DumpStep(reader); err != nil {
					return written, err
				}
			}
			written += int64(iters)
		}
		var dropped int64
		for port := 0; port < reader.Geometry().NumPorts; port++ {
			dropped += reader.TotalDroppedPackets(port)
		}
		db.RecordStep(&obsdb.StepMessage{
			Iteration:           iteration,
			Result:              result.String(),
			LastPacket:          reader.LastPacket(),
			PacketsRead:         reader.PacketsRead(),
			PacketsPerIteration: iters,
			DroppedPackets:      dropped,
			IOSeconds:           timing.IO.Seconds(),
			ComputeSeconds:      timing.Compute.Seconds(),
		})
		iteration++

		if !o.silent {
			fmt.Printf("\rEvent %d: iteration %d, %d packets, last packet %d (I/O %.3fs, compute %.3fs)",
				evIdx, iteration, written, reader.LastPacket(), timing.IO.Seconds(), timing.Compute.Seconds())
		}
		if result == lofarudp.StepCapReached || iters == 0 {
			if !o.silent {
				fmt.Printf("\nEvent %d: packet budget reached after %d packets.\n", evIdx, written)
			}
			return written, nil
		}
	}
}
