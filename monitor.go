package lofarudp

// The Monitor publishes JSON-encoded per-step statistics on a ZMQ PUB
// socket so live observers (plotting tools, the capture dashboard) can
// follow a session without touching its output files.

import (
	"encoding/json"
	"time"

	zmq "github.com/pebbe/zmq4"
)

// StepStats is the message published after every reader step.
type StepStats struct {
	Iteration           int64   `json:"iteration"`
	Result              string  `json:"result"`
	LastPacket          int64   `json:"lastPacket"`
	PacketsRead         int64   `json:"packetsRead"`
	PacketsPerIteration int     `json:"packetsPerIteration"`
	PortDroppedPackets  []int64 `json:"portDroppedPackets"`
	IOSeconds           float64 `json:"ioSeconds"`
}

// Monitor wraps the PUB socket. A nil Monitor is a valid no-op.
type Monitor struct {
	socket *zmq.Socket
}

// NewMonitor binds a PUB socket on the given endpoint, e.g. "tcp://*:5511".
func NewMonitor(endpoint string) (*Monitor, error) {
	socket, err := zmq.NewSocket(zmq.PUB)
	if err != nil {
		return nil, err
	}
	if err := socket.Bind(endpoint); err != nil {
		socket.Close()
		return nil, err
	}
	return &Monitor{socket: socket}, nil
}

// PublishStep sends one statistics frame, tagged for subscriber filtering.
// Publish failures are logged and dropped; monitoring never stalls a step.
func (m *Monitor) PublishStep(stats StepStats) {
	if m == nil || m.socket == nil {
		return
	}
	payload, err := json.Marshal(stats)
	if err != nil {
		ProblemLogger.Printf("status publisher: %v", err)
		return
	}
	if _, err := m.socket.SendMessage("STEP", payload); err != nil {
		ProblemLogger.Printf("status publisher: %v", err)
	}
}

// Close destroys the PUB socket.
func (m *Monitor) Close() {
	if m != nil && m.socket != nil {
		m.socket.Close()
		m.socket = nil
	}
}

// stepStats snapshots the reader state for publication.
func (r *Reader) stepStats(result StepResult, ioTime time.Duration) StepStats {
	drops := make([]int64, len(r.portTotalDropped))
	copy(drops, r.portTotalDropped)
	return StepStats{
		Iteration:           r.iteration,
		Result:              result.String(),
		LastPacket:          r.lastPacket,
		PacketsRead:         r.packetsRead,
		PacketsPerIteration: r.packetsPerIteration,
		PortDroppedPackets:  drops,
		IOSeconds:           ioTime.Seconds(),
	}
}
