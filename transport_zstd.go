package lofarudp

import (
	"bytes"
	"fmt"
	"io"
	"os"
	"syscall"

	"github.com/klauspost/compress/zstd"
	"golang.org/x/sys/unix"
)

// zstdOutChunk is the decompression granularity: reads are rounded up to
// this size so the decoder can land whole frames in the destination buffer.
// The overshoot past the requested byte count stays in the buffer's reserve
// tail and is carried into the next iteration by the shift protocol.
const zstdOutChunk = 128 * 1024

// mmapReader hands the decoder sequential views of the memory-mapped
// compressed file while tracking how far it has consumed.
type mmapReader struct {
	data []byte
	pos  int64
}

func (r *mmapReader) Read(p []byte) (int, error) {
	if r.pos >= int64(len(r.data)) {
		return 0, io.EOF
	}
	n := copy(p, r.data[r.pos:])
	r.pos += int64(n)
	return n, nil
}

// zstdTransport streams zstandard-decompressed packet data directly into
// the consumer's buffer, backed by a whole-file memory map.
type zstdTransport struct {
	file    *os.File
	mapping []byte
	src     *mmapReader
	dec     *zstd.Decoder

	// advised is how many mapped bytes have already been flagged
	// MADV_DONTNEED.
	advised int64
}

func openZstdTransport(path string) (*zstdTransport, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	info, err := f.Stat()
	if err != nil {
		f.Close()
		return nil, err
	}
	if info.Size() == 0 {
		f.Close()
		return nil, fmt.Errorf("compressed input %s is empty", path)
	}
	mapping, err := syscall.Mmap(int(f.Fd()), 0, int(info.Size()), syscall.PROT_READ, syscall.MAP_SHARED)
	if err != nil {
		f.Close()
		return nil, fmt.Errorf("mmap %s: %v", path, err)
	}
	// Advisory only; decompression is strictly front-to-back.
	if err := unix.Madvise(mapping, unix.MADV_SEQUENTIAL); err != nil {
		ProblemLogger.Printf("madvise(MADV_SEQUENTIAL) on %s failed: %v", path, err)
	}

	src := &mmapReader{data: mapping}
	dec, err := zstd.NewReader(src, zstd.WithDecoderConcurrency(1))
	if err != nil {
		syscall.Munmap(mapping)
		f.Close()
		return nil, err
	}
	return &zstdTransport{file: f, mapping: mapping, src: src, dec: dec}, nil
}

// readingPos reports bytes consumed from the compressed source.
func (t *zstdTransport) readingPos() int64 { return t.src.pos }

func (t *zstdTransport) readInto(p []byte, want int) (int, error) {
	// Decode in zstdOutChunk-aligned strides; the final stride may run past
	// want into the reserve tail of p.
	limit := want + (zstdOutChunk-want%zstdOutChunk)%zstdOutChunk
	if limit > len(p) {
		limit = len(p)
	}
	if limit < want {
		return 0, fmt.Errorf("destination buffer too small: %d bytes for a %d byte read", len(p), want)
	}
	produced := 0
	for produced < want {
		n, err := t.dec.Read(p[produced:limit])
		produced += n
		if err == io.EOF {
			break
		}
		if err != nil {
			return produced, err
		}
	}
	return produced, nil
}

// peekHeader decodes the first packet header through a throwaway decoder;
// it is only meaningful before the first readInto.
func (t *zstdTransport) peekHeader(hdr []byte) error {
	dec, err := zstd.NewReader(bytes.NewReader(t.mapping), zstd.WithDecoderConcurrency(1))
	if err != nil {
		return err
	}
	defer dec.Close()
	_, err = io.ReadFull(dec, hdr[:UDPHeaderLen])
	return err
}

// dropConsumed tells the kernel the already-decompressed prefix of the
// mapping will not be touched again. Failures are logged, not fatal.
func (t *zstdTransport) dropConsumed() {
	pageSize := int64(os.Getpagesize())
	limit := (t.readingPos() / pageSize) * pageSize
	if limit <= t.advised {
		return
	}
	if err := unix.Madvise(t.mapping[t.advised:limit], unix.MADV_DONTNEED); err != nil {
		ProblemLogger.Printf("madvise(MADV_DONTNEED) failed: %v", err)
		return
	}
	t.advised = limit
}

func (t *zstdTransport) close() error {
	if t.dec != nil {
		t.dec.Close()
		t.dec = nil
	}
	var err error
	if t.mapping != nil {
		err = syscall.Munmap(t.mapping)
		t.mapping = nil
	}
	if t.file != nil {
		if cerr := t.file.Close(); err == nil {
			err = cerr
		}
		t.file = nil
	}
	return err
}
