package lofarudp

import (
	"errors"
	"log"
	"os"
	"time"
)

// BuildInfo can contain compile-time information about the build
type BuildInfo struct {
	Version string
	Githash string
	Date    string
}

// Build is a global holding compile-time information about the build
var Build = BuildInfo{
	Version: "0.7.0",
	Githash: "no git hash computed",
	Date:    "no build date computed",
}

// StartTime is a global holding the time init() was run
var StartTime time.Time

// ProblemLogger will log warning messages; the CLI points it at a rotating
// file, library users get stderr.
var ProblemLogger *log.Logger

func init() {
	StartTime = time.Now()

	// The CLI will override this, but at least initialize with a sensible value
	ProblemLogger = log.New(os.Stderr, "", log.LstdFlags)
}

// Fatal error kinds produced by the reader. Tolerable per-step outcomes are
// StepResult values, not errors.
var (
	ErrConfigInvalid     = errors.New("invalid configuration")
	ErrTransportOpen     = errors.New("transport open failed")
	ErrParseFailed       = errors.New("header parse failed")
	ErrAlignFailed       = errors.New("packet alignment failed")
	ErrTargetInPast      = errors.New("target packet precedes the input stream")
	ErrCalibrationFailed = errors.New("calibration failed")
)

// StepResult is the tolerable outcome of one reader step.
type StepResult int

const (
	// StepOK means a full window of data was read and processed.
	StepOK StepResult = iota
	// StepShortRead means at least one port returned fewer bytes than
	// requested; the window was narrowed and the session continues.
	StepShortRead
	// StepCapReached means the cumulative packet cap was hit; this was the
	// final useful step.
	StepCapReached
)

func (r StepResult) String() string {
	switch r {
	case StepOK:
		return "ok"
	case StepShortRead:
		return "short read"
	case StepCapReached:
		return "packet cap reached"
	}
	return "unknown"
}

// worse returns the more severe of two step results.
func (r StepResult) worse(other StepResult) StepResult {
	if other > r {
		return other
	}
	return r
}
