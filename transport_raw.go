package lofarudp

import (
	"io"
	"os"
)

// rawTransport reads a plain concatenation of packets from a file.
type rawTransport struct {
	file *os.File
}

func openRawTransport(path string) (*rawTransport, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	return &rawTransport{file: f}, nil
}

func (t *rawTransport) readInto(p []byte, want int) (int, error) {
	n, err := io.ReadFull(t.file, p[:want])
	if err == io.EOF || err == io.ErrUnexpectedEOF {
		return n, nil
	}
	return n, err
}

func (t *rawTransport) peekHeader(hdr []byte) error {
	if _, err := io.ReadFull(t.file, hdr[:UDPHeaderLen]); err != nil {
		return err
	}
	_, err := t.file.Seek(-UDPHeaderLen, io.SeekCurrent)
	return err
}

func (t *rawTransport) close() error {
	return t.file.Close()
}
