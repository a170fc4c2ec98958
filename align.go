package lofarudp

import (
	"fmt"
	"os"
)

// skipToPacket advances every port's window until r.lastPacket (the target)
// is the packet at logical index 0. The scan tolerates per-port packet
// loss: ports that pass the target early skip further reads, and the final
// in-window position is located by a bounded binary search that widens and
// bumps the target when the exact packet was itself lost.
func (r *Reader) skipToPacket() error {
	iters := r.packetsPerIteration
	lastIdx := iters - 1

	// The target must not be in the past on any port.
	for port := 0; port < r.geo.NumPorts; port++ {
		current := packetNumberOf(r.buffers[port].packet(0))
		if current > r.lastPacket {
			return fmt.Errorf("%w: port %d starts at packet %d, after requested %d", ErrTargetInPast, port, current, r.lastPacket)
		}
	}

	// Initialise the per-port deficits from the current windows.
	for port := 0; port < r.geo.NumPorts; port++ {
		first := packetNumberOf(r.buffers[port].packet(0))
		last := packetNumberOf(r.buffers[port].packet(lastIdx))
		if last >= r.lastPacket {
			r.portLastDropped[port] = iters
		} else {
			r.portLastDropped[port] = clampDeficit(last-(first+int64(iters)), iters)
		}
	}

	// Scan port by port; every read inside the loop advances all ports in
	// lock-step, so later ports usually finish instantly.
	for port := 0; port < r.geo.NumPorts; port++ {
		current := packetNumberOf(r.buffers[port].packet(lastIdx))
		delta := r.lastPacket - current
		scanning := false
		for current < r.lastPacket {
			scanning = true
			if _, err := r.readStep(); err != nil {
				return fmt.Errorf("%w: %v", ErrAlignFailed, err)
			}
			// A short read during the scan narrows the window.
			iters = r.packetsPerIteration
			lastIdx = iters - 1
			current = packetNumberOf(r.buffers[port].packet(lastIdx))

			// Refresh deficits across every port so the next read keeps
			// them in step; ports already past the target skip their read.
			for inner := 0; inner < r.geo.NumPorts; inner++ {
				last := packetNumberOf(r.buffers[inner].packet(lastIdx))
				if last >= r.lastPacket {
					r.portLastDropped[inner] = iters
				} else {
					r.portLastDropped[inner] = clampDeficit(last-(current+int64(iters)), iters)
				}
			}

			if delta > 0 {
				fmt.Fprintf(os.Stderr, "\rScanning to packet %d (~%.02f%% complete, currently at packet %d on port %d, %d to go)",
					r.lastPacket, 100.0-float64(r.lastPacket-current)/float64(delta)*100.0, current, port, r.lastPacket-current)
			}
		}
		if first := packetNumberOf(r.buffers[port].packet(0)); first > r.lastPacket {
			return fmt.Errorf("%w: port %d scanned beyond target packet %d (to %d)", ErrAlignFailed, port, r.lastPacket, first)
		}
		if scanning {
			fmt.Fprintf(os.Stderr, "\nPassed target packet %d on port %d.\n", r.lastPacket, port)
		}
	}

	// Every window now contains the target; locate it on each port and
	// shift it to index 0.
	for port := 0; port < r.geo.NumPorts; port++ {
		if err := r.alignPortToTarget(port); err != nil {
			return err
		}
	}
	return nil
}

// alignPortToTarget binary-searches one port's window for the target
// packet, shifts the tail so the target lands at index 0, and refills the
// window.
func (r *Reader) alignPortToTarget(port int) error {
	iters := r.packetsPerIteration
	buf := r.buffers[port]
	current := packetNumberOf(buf.packet(0))

	idx := int(r.lastPacket - current)
	if idx < 0 || idx >= iters {
		ProblemLogger.Printf("port %d: target offset %d outside the window, restarting search from the middle", port, idx)
		idx = iters / 2
	}

	shift := 0
	guess := packetNumberOf(buf.packet(idx))
	if guess == r.lastPacket {
		shift = iters - idx
	} else {
		// Loss inside the window: binary search. If the search degenerates
		// the target itself was lost; bump the target and widen.
		if guess > r.lastPacket {
			guess = current
		}
		startOff := int(guess - current)
		endOff := iters
		nextOff := startOff
		for guess != r.lastPacket {
			if endOff > iters || endOff < 0 {
				ProblemLogger.Printf("port %d: search end offset %d reset to %d", port, endOff, iters)
				endOff = iters
			}
			if startOff > iters || startOff < 0 {
				ProblemLogger.Printf("port %d: search start offset %d reset to 0", port, startOff)
				startOff = 0
			}
			nextOff = (startOff + endOff) / 2
			if nextOff >= iters {
				return fmt.Errorf("%w: unable to converge on first packet for port %d", ErrAlignFailed, port)
			}
			guess = packetNumberOf(buf.packet(nextOff))
			if guess > r.lastPacket {
				endOff = nextOff - 1
			} else if guess < r.lastPacket {
				startOff = nextOff + 1
			} else {
				continue
			}
			if startOff > endOff {
				ProblemLogger.Printf("port %d: unable to find packet %d in the window, trying %d", port, r.lastPacket, r.lastPacket+1)
				r.lastPacket++
				startOff -= 10
				endOff += 10
			}
		}
		shift = iters - nextOff
	}

	r.shiftPort(port, shift, false)

	// Refill the bytes the shift vacated at the end of the window.
	want := iters*buf.packetLength - buf.validBytes
	if want > 0 {
		got, err := r.transports[port].readInto(buf.data()[buf.validBytes:], want)
		if err != nil {
			return fmt.Errorf("%w: refilling port %d: %v", ErrAlignFailed, port, err)
		}
		buf.validBytes += got
		if got < want {
			return fmt.Errorf("%w: unable to read enough data to fill first buffer on port %d", ErrAlignFailed, port)
		}
	}
	return nil
}

func clampDeficit(v int64, iters int) int {
	if v < 0 {
		return 0
	}
	if v > int64(iters) {
		ProblemLogger.Printf("large packet loss during scan (%d packets), continuing", v)
		return iters
	}
	return int(v)
}

// firstPacketAlignment removes the up-to-one-packet per-port deltas a skip
// can leave behind by repeating it from the maximum packet number observed
// at index 0 across ports.
func (r *Reader) firstPacketAlignment() error {
	for port := 0; port < r.geo.NumPorts; port++ {
		r.portLastDropped[port] = 0
		r.portTotalDropped[port] = 0
		if current := packetNumberOf(r.buffers[port].packet(0)); current > r.lastPacket {
			r.lastPacket = current
		}
	}
	err := r.skipToPacket()
	r.lastPacket--
	return err
}
