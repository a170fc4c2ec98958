// Command lofar_udp_extractor reads captured CEP packet streams (files,
// zstandard-compressed files, or shared-memory rings), reformats them with
// the selected processing mode and writes the results to templated output
// files.
package main

import (
	"flag"
	"fmt"
	"log"
	"os"
	"path/filepath"
	"runtime"
	"strings"

	"github.com/spf13/viper"
	"gopkg.in/natefinch/lumberjack.v2"

	"github.com/lofar-daq/lofarudp"
)

var githash = "githash not computed"
var buildDate = "build date not computed"

// makeFileExist checks that dir/filename exists, and creates the directory
// and file if it doesn't.
func makeFileExist(dir, filename string) (string, error) {
	if strings.Contains(dir, "$HOME") {
		home, err := os.UserHomeDir()
		if err != nil {
			return "", err
		}
		dir = strings.Replace(dir, "$HOME", home, 1)
	}
	if _, err := os.Stat(dir); err != nil {
		if !os.IsNotExist(err) {
			return "", err
		}
		if err2 := os.MkdirAll(dir, 0775); err2 != nil {
			return "", err2
		}
	}
	fullname := filepath.Join(dir, filename)
	if _, err := os.Stat(fullname); os.IsNotExist(err) {
		f, err2 := os.OpenFile(fullname, os.O_WRONLY|os.O_CREATE, 0664)
		if err2 != nil {
			return "", err2
		}
		f.Close()
	}
	return fullname, nil
}

// setupViper reads the optional config file with the flag defaults.
func setupViper() error {
	viper.SetDefault("Threads", 8)
	viper.SetDefault("StatusAddress", "")
	viper.SetDefault("DatabaseAddress", "")

	home, err := os.UserHomeDir()
	if err != nil {
		return err
	}
	dotDir := filepath.Join(home, ".lofarudp")
	const filename = "config"
	const suffix = ".yaml"
	if _, err := makeFileExist(dotDir, filename+suffix); err != nil {
		return err
	}
	viper.SetConfigName(filename)
	viper.AddConfigPath(filepath.FromSlash("/etc/lofarudp"))
	viper.AddConfigPath(dotDir)
	viper.AddConfigPath(".")
	return viper.ReadInConfig()
}

func startLogger(pfname string) *log.Logger {
	probLogger := log.New(os.Stderr, "", log.LstdFlags)
	probLogger.SetOutput(&lumberjack.Logger{
		Filename:   pfname,
		MaxSize:    10,
		MaxBackups: 4,
		MaxAge:     180,
		Compress:   true,
	})
	return probLogger
}

func main() {
	lofarudp.Build.Githash = githash
	lofarudp.Build.Date = buildDate

	// The config file seeds the flag defaults, so it is read first.
	if err := setupViper(); err != nil {
		fmt.Fprintf(os.Stderr, "Warning: config file not read: %v\n", err)
	}

	var opt options
	flag.StringVar(&opt.inputFormat, "i", "./%d", "input file name format; %d is replaced by the port number")
	flag.StringVar(&opt.ringKeys, "k", "", "input shared-memory ring keys as 'base,offset' (overrides -i)")
	flag.StringVar(&opt.outputFormat, "o", "./output%d_%s_%ld", "output file name format (%d output ID, %s date string, %ld starting packet)")
	flag.IntVar(&opt.packetsPerIteration, "m", 65536, "packets to process per read request")
	flag.IntVar(&opt.numPorts, "u", 4, "number of ports to combine")
	flag.IntVar(&opt.basePort, "n", 0, "base value substituted for the first port in -i")
	flag.StringVar(&opt.beamlets, "b", "0,0", "beamlets to extract as 'lo,hi' (hi exclusive; 0,0 selects all)")
	flag.StringVar(&opt.timeString, "t", "", "time of the first requested packet, YYYY-MM-DDTHH:MM:SS")
	flag.Float64Var(&opt.seconds, "s", 0, "maximum seconds of raw data to process (0: all)")
	flag.StringVar(&opt.eventsFile, "e", "", "file of events to extract: newline-separated start time and duration pairs")
	flag.IntVar(&opt.processingMode, "p", 0, "processing mode")
	flag.BoolVar(&opt.replay, "r", false, "replay the previous packet on packet loss instead of zero padding")
	flag.StringVar(&opt.calStrategy, "c", "", "calibration subband strategy, e.g. 'HBA,12:499' (needs -d)")
	flag.StringVar(&opt.calPointing, "d", "", "calibration pointing, e.g. '0.1,0.2,J2000' (needs -c)")
	flag.BoolVar(&opt.clock160, "z", false, "inputs use the 160 MHz clock (for -t and -s conversions)")
	flag.BoolVar(&opt.silent, "q", false, "silent mode; only library errors are printed")
	flag.BoolVar(&opt.appendMode, "f", false, "append to existing output files instead of exiting")
	flag.IntVar(&opt.threads, "T", viper.GetInt("Threads"), "worker threads for reading and processing")
	flag.BoolVar(&opt.verbose, "v", false, "verbose output")
	flag.StringVar(&opt.statusAddr, "status", viper.GetString("StatusAddress"), "ZMQ endpoint for per-step status publication")
	flag.StringVar(&opt.dbAddr, "db", viper.GetString("DatabaseAddress"), "ClickHouse address for session recording")
	flag.StringVar(&opt.npyDir, "npy", "", "directory for per-iteration .npy dumps of each output")
	printVersion := flag.Bool("version", false, "print version and quit")
	flag.Parse()

	if *printVersion {
		fmt.Printf("This is lofar_udp_extractor version %s\n", lofarudp.Build.Version)
		fmt.Printf("Git commit hash: %s\n", githash)
		fmt.Printf("Built on go version %s\n", runtime.Version())
		os.Exit(0)
	}

	home, err := os.UserHomeDir()
	if err == nil {
		if probName, err := makeFileExist(filepath.Join(home, ".lofarudp", "logs"), "problems.log"); err == nil {
			lofarudp.ProblemLogger = startLogger(probName)
			if !opt.silent {
				fmt.Printf("Logging problems to %s\n", probName)
			}
		}
	}

	if err := run(&opt); err != nil {
		fmt.Fprintf(os.Stderr, "ERROR: %v\n", err)
		os.Exit(1)
	}
}
