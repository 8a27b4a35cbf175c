package hal

// Error codes
const (
	// Application error codes
	ErrCodeTransportStopped = -0x100
	ErrCodeInvalidArgument  = -0x101

	// Transient error codes
	ErrCodePoolExhausted = -0x103
	ErrCodePatchBusy     = -0x104

	// Channel error codes (0x200 range)
	ErrCodeChannelOpen     = -0x201
	ErrCodeChannelRead     = -0x202
	ErrCodeChannelWrite    = -0x203
	ErrCodeChannelPoll     = -0x204
	ErrCodeChannelTimeout  = -0x205
	ErrCodeChannelClosed   = -0x206
	ErrCodeChannelCanceled = -0x207
	ErrCodeChannelControl  = -0x208
	ErrCodeChannelClose    = -0x209

	// Framing error codes (0x300 range)
	ErrCodeFramingInvalidHeader    = -0x301
	ErrCodeFramingUnknownType      = -0x302
	ErrCodeFramingOversize         = -0x303
	ErrCodeFramingFragmentMismatch = -0x304
	ErrCodeFramingAlloc            = -0x305

	// Command window error codes (0x400 range)
	ErrCodeCreditViolation = -0x401
	ErrCodeCommandTimeout  = -0x402

	// Patch download error codes (0x500 range)
	ErrCodePatchInvalid      = -0x501
	ErrCodePatchBadSignature = -0x502
	ErrCodePatchNoNVM        = -0x503
	ErrCodePatchTimeout      = -0x504
	ErrCodePatchProtocol     = -0x505
	ErrCodePatchShutdown     = -0x506
)

// NFCError is the base interface for all transport errors
type NFCError interface {
	error
	IsNFCError() bool
	Code() int
}

// HALError represents link-level errors that usually require reopening the channel
type HALError interface {
	NFCError
	IsHALError() bool
}

// ChannelError represents byte channel failures (subclass of HALError)
type ChannelError interface {
	HALError
	IsChannelError() bool
}

// FramingError represents malformed inbound framing (subclass of HALError)
type FramingError interface {
	HALError
	IsFramingError() bool
}

// CreditError represents a violation of the command window
type CreditError interface {
	NFCError
	IsCreditError() bool
}

// TransientError represents temporary errors that can be retried
type TransientError interface {
	NFCError
	IsTransientError() bool
}

// ApplicationError represents expected conditions that should be handled at the application level
type ApplicationError interface {
	NFCError
	IsApplicationError() bool
}

// baseError provides common functionality for all error types
type baseError struct {
	code    int
	message string
}

func (e *baseError) Error() string {
	return e.message
}

func (e *baseError) Code() int {
	return e.code
}

func (e *baseError) IsNFCError() bool {
	return true
}

// channelError represents byte channel errors
type channelError struct {
	baseError
	cause error
}

func (e *channelError) IsHALError() bool {
	return true
}

func (e *channelError) IsChannelError() bool {
	return true
}

func (e *channelError) Error() string {
	if e.cause != nil {
		return e.message + ": " + e.cause.Error()
	}
	return e.message
}

func (e *channelError) Unwrap() error {
	return e.cause
}

// framingError represents inbound framing errors
type framingError struct {
	baseError
}

func (e *framingError) IsHALError() bool {
	return true
}

func (e *framingError) IsFramingError() bool {
	return true
}

// ErrChannelCanceled is returned by ByteChannel.Read after Cancel.
var ErrChannelCanceled error = &channelError{
	baseError: baseError{code: ErrCodeChannelCanceled, message: "channel read canceled"},
}

// ErrChannelClosed is returned by operations on a closed channel.
var ErrChannelClosed error = &channelError{
	baseError: baseError{code: ErrCodeChannelClosed, message: "channel closed"},
}

// Channel error constructors

func NewChannelOpenError(message string, cause error) error {
	return &channelError{
		baseError: baseError{code: ErrCodeChannelOpen, message: message},
		cause:     cause,
	}
}

func NewChannelReadError(message string, cause error) error {
	return &channelError{
		baseError: baseError{code: ErrCodeChannelRead, message: message},
		cause:     cause,
	}
}

func NewChannelWriteError(message string, cause error) error {
	return &channelError{
		baseError: baseError{code: ErrCodeChannelWrite, message: message},
		cause:     cause,
	}
}

func NewChannelPollError(message string, cause error) error {
	return &channelError{
		baseError: baseError{code: ErrCodeChannelPoll, message: message},
		cause:     cause,
	}
}

func NewChannelTimeoutError(message string) error {
	return &channelError{
		baseError: baseError{code: ErrCodeChannelTimeout, message: message},
	}
}

func NewChannelControlError(message string, cause error) error {
	return &channelError{
		baseError: baseError{code: ErrCodeChannelControl, message: message},
		cause:     cause,
	}
}

func NewChannelCloseError(message string, cause error) error {
	return &channelError{
		baseError: baseError{code: ErrCodeChannelClose, message: message},
		cause:     cause,
	}
}

// Framing error constructors

func NewFramingInvalidHeaderError(message string) error {
	return &framingError{
		baseError: baseError{code: ErrCodeFramingInvalidHeader, message: message},
	}
}

func NewFramingUnknownTypeError(message string) error {
	return &framingError{
		baseError: baseError{code: ErrCodeFramingUnknownType, message: message},
	}
}

func NewFramingOversizeError(message string) error {
	return &framingError{
		baseError: baseError{code: ErrCodeFramingOversize, message: message},
	}
}

func NewFramingFragmentMismatchError(message string) error {
	return &framingError{
		baseError: baseError{code: ErrCodeFramingFragmentMismatch, message: message},
	}
}

func NewFramingAllocError(message string) error {
	return &framingError{
		baseError: baseError{code: ErrCodeFramingAlloc, message: message},
	}
}

// creditError represents command window errors
type creditError struct {
	baseError
}

func (e *creditError) IsCreditError() bool {
	return true
}

func NewCreditViolationError(message string) error {
	return &creditError{
		baseError: baseError{code: ErrCodeCreditViolation, message: message},
	}
}

func NewCommandTimeoutError(message string) error {
	return &creditError{
		baseError: baseError{code: ErrCodeCommandTimeout, message: message},
	}
}

// transientError represents temporary errors that should be retried
type transientError struct {
	baseError
}

func (e *transientError) IsTransientError() bool {
	return true
}

// applicationError represents expected application-level conditions
type applicationError struct {
	baseError
}

func (e *applicationError) IsApplicationError() bool {
	return true
}

// NewApplicationError creates a new application error
func NewApplicationError(message string) error {
	return &applicationError{
		baseError: baseError{message: message},
	}
}

// Specific error types

// PoolExhaustedError indicates the allocator has no buffer to hand out
type PoolExhaustedError struct {
	transientError
}

// ErrPoolExhausted is returned by Pool.Alloc when the outstanding limit is reached.
var ErrPoolExhausted error = &PoolExhaustedError{
	transientError: transientError{
		baseError: baseError{code: ErrCodePoolExhausted, message: "buffer pool exhausted"},
	},
}

// PatchBusyError indicates a patch download session is already active
type PatchBusyError struct {
	transientError
}

func NewPatchBusyError(message string) error {
	return &PatchBusyError{
		transientError: transientError{
			baseError: baseError{code: ErrCodePatchBusy, message: message},
		},
	}
}

// TransportStoppedError indicates the worker has already stopped
type TransportStoppedError struct {
	applicationError
}

// ErrTransportStopped is returned when submitting to a stopped transport.
var ErrTransportStopped error = &TransportStoppedError{
	applicationError: applicationError{
		baseError: baseError{code: ErrCodeTransportStopped, message: "transport stopped"},
	},
}

// InvalidArgumentError indicates a caller supplied an unusable value
type InvalidArgumentError struct {
	applicationError
}

func NewInvalidArgumentError(message string) error {
	return &InvalidArgumentError{
		applicationError: applicationError{
			baseError: baseError{code: ErrCodeInvalidArgument, message: message},
		},
	}
}

// PatchError reports the terminal abort reason of a patch download session
type PatchError struct {
	baseError
	Reason AbortReason
}

// NewPatchError creates a PatchError carrying the code that matches reason.
func NewPatchError(reason AbortReason, message string) error {
	return &PatchError{
		baseError: baseError{code: reason.errorCode(), message: message},
		Reason:    reason,
	}
}

// Helper functions for error type checking

// IsHALError checks if an error is a link-level error
func IsHALError(err error) bool {
	if err == nil {
		return false
	}
	halErr, ok := err.(HALError)
	return ok && halErr.IsHALError()
}

// IsChannelError checks if an error is a byte channel error
func IsChannelError(err error) bool {
	if err == nil {
		return false
	}
	chErr, ok := err.(ChannelError)
	return ok && chErr.IsChannelError()
}

// IsFramingError checks if an error is an inbound framing error
func IsFramingError(err error) bool {
	if err == nil {
		return false
	}
	frErr, ok := err.(FramingError)
	return ok && frErr.IsFramingError()
}

// IsCreditError checks if an error concerns the command window
func IsCreditError(err error) bool {
	if err == nil {
		return false
	}
	crErr, ok := err.(CreditError)
	return ok && crErr.IsCreditError()
}

// IsTransientError checks if an error is transient and can be retried
func IsTransientError(err error) bool {
	if err == nil {
		return false
	}
	transErr, ok := err.(TransientError)
	return ok && transErr.IsTransientError()
}

// IsApplicationError checks if an error is an expected application-level condition
func IsApplicationError(err error) bool {
	if err == nil {
		return false
	}
	appErr, ok := err.(ApplicationError)
	return ok && appErr.IsApplicationError()
}

// IsPatchError checks if an error is a patch download abort
func IsPatchError(err error) bool {
	if err == nil {
		return false
	}
	_, ok := err.(*PatchError)
	return ok
}

// ErrorCode returns the code of a coded error, or 0.
func ErrorCode(err error) int {
	if nfcErr, ok := err.(NFCError); ok {
		return nfcErr.Code()
	}
	return 0
}
