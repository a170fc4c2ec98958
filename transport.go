package lofarudp

import "fmt"

// streamTransport is the uniform capability set over the three input
// variants. One transport serves one port.
type streamTransport interface {
	// readInto fills p[:want] from the stream, blocking as the variant
	// requires. The compressed variant may produce extra decoded bytes
	// beyond want, up to len(p); the return value is the total number of
	// bytes written into p. A count below want means the source is
	// exhausted.
	readInto(p []byte, want int) (int, error)

	// peekHeader reads one packet header without consuming it: the next
	// readInto returns the same bytes.
	peekHeader(hdr []byte) error

	close() error
}

// openTransport creates the configured transport variant for one port.
// geo supplies the packet geometry (already parsed from the first
// headers); the ring variant uses it to align its read cursor.
func openTransport(cfg *Config, port int, geo *Geometry) (streamTransport, error) {
	var (
		t   streamTransport
		err error
	)
	switch cfg.ReaderType {
	case RawReader:
		t, err = openRawTransport(cfg.InputPaths[port])
	case CompressedReader:
		t, err = openZstdTransport(cfg.InputPaths[port])
	case RingBufferReader:
		t, err = openRingTransport(cfg.RingKeyBase+port*cfg.RingKeyOffset, geo.PortPacketLength[port])
	default:
		err = fmt.Errorf("unknown reader type %d", cfg.ReaderType)
	}
	if err != nil {
		return nil, fmt.Errorf("%w: port %d (%s): %v", ErrTransportOpen, port, cfg.ReaderType, err)
	}
	return t, nil
}

// readFirstHeader opens a throwaway view of a port's stream and returns its
// first packet header, leaving the stream unconsumed for the real open.
func readFirstHeader(cfg *Config, port int) ([]byte, error) {
	hdr := make([]byte, UDPHeaderLen)
	switch cfg.ReaderType {
	case RawReader, CompressedReader:
		var (
			t   streamTransport
			err error
		)
		if cfg.ReaderType == RawReader {
			t, err = openRawTransport(cfg.InputPaths[port])
		} else {
			t, err = openZstdTransport(cfg.InputPaths[port])
		}
		if err != nil {
			return nil, fmt.Errorf("%w: port %d (%s): %v", ErrTransportOpen, port, cfg.ReaderType, err)
		}
		defer t.close()
		if err := t.peekHeader(hdr); err != nil {
			return nil, fmt.Errorf("%w: port %d: reading first header: %v", ErrTransportOpen, port, err)
		}
	case RingBufferReader:
		// The attach aligns the (persistent) read cursor to the historical
		// packet length; once the geometry is known the real open refines
		// the alignment to the parsed packet size.
		t, err := openRingTransport(cfg.RingKeyBase+port*cfg.RingKeyOffset, 0)
		if err != nil {
			return nil, fmt.Errorf("%w: port %d (ringbuffer): %v", ErrTransportOpen, port, err)
		}
		defer t.close()
		if err := t.peekHeader(hdr); err != nil {
			return nil, fmt.Errorf("%w: port %d: reading first header: %v", ErrTransportOpen, port, err)
		}
	default:
		return nil, fmt.Errorf("%w: unknown reader type %d", ErrTransportOpen, cfg.ReaderType)
	}
	return hdr, nil
}
