package wire

import "fmt"

// ErrorKind enumerates the USP error kinds the core can raise, per spec §7.
// Names are indicative, not wire literals — the record/envelope framing
// codec (out of scope here) is responsible for mapping these onto the
// actual USP protobuf error codes.
type ErrorKind string

const (
	MessageNotUnderstood ErrorKind = "MessageNotUnderstood"
	RegisterFailure      ErrorKind = "RegisterFailure"
	PathAlreadyRegistered ErrorKind = "PathAlreadyRegistered"
	DeregisterFailure    ErrorKind = "DeregisterFailure"
	RequestDenied        ErrorKind = "RequestDenied"
	CommandFailure       ErrorKind = "CommandFailure"
	ResourcesExceeded    ErrorKind = "ResourcesExceeded"
	Internal             ErrorKind = "Internal"
)

// Error is the core's internal error type. It is never silently swallowed
// into a panic — propagation policy (spec §7) is: malformed inbound
// messages become a USP ERROR of kind MessageNotUnderstood, round-trip
// timeouts surface as Internal to the originating operation only, and
// subscription-sync errors are logged and swallowed by the caller.
type Error struct {
	Kind    ErrorKind
	Message string
}

func (e *Error) Error() string {
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

// New creates an *Error with a formatted message.
func New(kind ErrorKind, format string, args ...interface{}) *Error {
	return &Error{Kind: kind, Message: fmt.Sprintf(format, args...)}
}

// ParamError is a per-parameter failure reported inline in a response body
// rather than propagated to the parent call (spec §7).
type ParamError struct {
	Path    string
	Code    ErrorKind
	Message string
}
