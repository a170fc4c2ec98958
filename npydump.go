package lofarudp

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/sbinet/npyio"

	"github.com/lofar-daq/lofarudp/internal/getbytes"
)

// NpyDumper writes each output block of each iteration as a NumPy .npy
// file, for offline inspection of kernel outputs without a full pipeline
// downstream.
type NpyDumper struct {
	dir       string
	iteration int
}

// NewNpyDumper creates the dump directory if needed.
func NewNpyDumper(dir string) (*NpyDumper, error) {
	if err := os.MkdirAll(dir, 0775); err != nil {
		return nil, err
	}
	return &NpyDumper{dir: dir}, nil
}

// DumpStep writes every output buffer of the just-completed step. 32-bit
// outputs are written as float32 arrays, narrower ones as raw bytes.
func (d *NpyDumper) DumpStep(r *Reader) error {
	for out := 0; out < r.NumOutputs(); out++ {
		name := filepath.Join(d.dir, fmt.Sprintf("output%d_iter%06d.npy", out, d.iteration))
		f, err := os.Create(name)
		if err != nil {
			return err
		}
		data := r.OutputData(out)[:r.PacketsPerIteration()*r.PacketOutputLength(out)]
		if r.OutputBitMode() == 32 {
			err = npyio.Write(f, getbytes.AsSliceFloat32(data))
		} else {
			err = npyio.Write(f, data)
		}
		if cerr := f.Close(); err == nil {
			err = cerr
		}
		if err != nil {
			return fmt.Errorf("writing %s: %v", name, err)
		}
	}
	d.iteration++
	return nil
}
