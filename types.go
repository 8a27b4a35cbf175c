package hal

// LogLevel represents the severity level of a log message
type LogLevel int

const (
	LogLevelNone LogLevel = iota
	LogLevelError
	LogLevelWarning
	LogLevelInfo
	LogLevelDebug
)

// String returns a string representation of the log level
func (l LogLevel) String() string {
	switch l {
	case LogLevelNone:
		return "NONE"
	case LogLevelError:
		return "ERROR"
	case LogLevelWarning:
		return "WARNING"
	case LogLevelInfo:
		return "INFO"
	case LogLevelDebug:
		return "DEBUG"
	default:
		return "UNKNOWN"
	}
}

// LogCallback is a function type for logging messages
type LogCallback func(level LogLevel, message string)

// BringUpStage identifies which bring-up hook ran
type BringUpStage int

const (
	// BringUpPre runs before the controller is reset and configured
	BringUpPre BringUpStage = iota
	// BringUpPost runs once the upper layer has finished controller setup
	BringUpPost
)

// String returns the string representation of the bring-up stage
func (s BringUpStage) String() string {
	switch s {
	case BringUpPre:
		return "PreBringUp"
	case BringUpPost:
		return "PostBringUp"
	default:
		return "Unknown"
	}
}

// Callbacks are the hooks through which the worker reports to the upper layer.
// All of them run on the worker goroutine and must not block.
type Callbacks struct {
	// OnPacket receives every inbound packet not consumed by the transport
	// itself. The callee owns the packet and must Release it.
	OnPacket func(p *Packet)

	// OnPatchEvent receives patch download progress and the terminal outcome.
	OnPatchEvent func(ev PatchEvent)

	// OnTransportError receives non-fatal channel, framing and command window errors.
	OnTransportError func(err error)

	// OnBringUp is notified after a bring-up stage has been applied.
	OnBringUp func(stage BringUpStage)

	// OnStateChange is notified on every worker state transition.
	OnStateChange func(state State)
}
