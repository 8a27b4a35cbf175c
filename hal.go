package hal

// HAL is the host side of the controller transport
type HAL interface {
	// Start launches the worker and the channel readers
	Start() error

	// Send queues a packet for transmission. Ownership passes to the
	// transport even when an error is returned.
	Send(p *Packet) error

	// SendMessage copies msg into a new packet of kind and queues it
	SendMessage(kind PacketKind, msg []byte) error

	// Signal raises worker signals such as bring-up, LPM or shutdown requests
	Signal(s Signal)

	// Epilog sends the configured shutdown command and stops once it is answered
	Epilog()

	// Exit stops the worker immediately
	Exit()

	// Close stops the worker, waits for it and closes the channels
	Close() error

	// Done is closed once the worker has stopped
	Done() <-chan struct{}

	// GetState returns the current worker state
	GetState() State

	// StartPatchDownload begins a firmware patch download session
	StartPatchDownload(req PatchRequest) error

	// ContinuePatchDownload supplies data requested by a PatchContinue event
	ContinuePatchDownload(data []byte) error

	// SetMaxPatchPayload sets the payload size of patch download commands
	SetMaxPatchPayload(n int) error

	// Allocator returns the allocator packets are built from
	Allocator() Allocator
}

// State represents the state of the transport worker
type State int

const (
	StateIdle State = iota
	StateRunning
	StateDraining
	StateStopped
)

// String returns a string representation of the state
func (s State) String() string {
	switch s {
	case StateIdle:
		return "Idle"
	case StateRunning:
		return "Running"
	case StateDraining:
		return "Draining"
	case StateStopped:
		return "Stopped"
	default:
		return "Unknown"
	}
}

var _ HAL = (*Transport)(nil)
