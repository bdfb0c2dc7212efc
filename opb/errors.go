package opb

import (
	"errors"
	"fmt"
	"strings"
)

// Sentinel errors for common failure modes.
var (
	ErrTimeout       = errors.New("read timeout")
	ErrNoResponse    = errors.New("no response from device")
	ErrSessionClosed = errors.New("session is closed")
	ErrNoTopology    = errors.New("topology not discovered")
)

// TransportError represents a failure of the serial link itself: open, write
// or read errors, including a read that hit its deadline.
type TransportError struct {
	Op  string // "open", "write", "read"
	Err error
}

func (e *TransportError) Error() string {
	return fmt.Sprintf("transport %s failed: %v", e.Op, e.Err)
}

func (e *TransportError) Unwrap() error {
	return e.Err
}

// ProtocolError represents a response that arrived but does not parse per
// the wire grammar: missing frame start or terminator, missing value
// separator, non-numeric index.
type ProtocolError struct {
	Raw    string
	Reason string
}

func (e *ProtocolError) Error() string {
	return fmt.Sprintf("malformed response %q: %s", e.Raw, e.Reason)
}

// DeviceError represents a well-formed error response ("#E...;"). Payload is
// the device-supplied diagnostic text, verbatim.
type DeviceError struct {
	Payload string
}

func (e *DeviceError) Error() string {
	return fmt.Sprintf("device reported error: %s", strings.TrimSpace(e.Payload))
}

// AckMismatchError is returned when a correctly tagged, correctly indexed
// acknowledgment reports a value that disagrees with the value just
// requested. The affected cache index has been rolled back.
type AckMismatchError struct {
	Index     int
	Requested string
	Reported  string
}

func (e *AckMismatchError) Error() string {
	return fmt.Sprintf("index %d: device acknowledged %q, requested %q",
		e.Index, e.Reported, e.Requested)
}

// IsTimeout returns true if the error is a read timeout or an absent
// response.
func IsTimeout(err error) bool {
	return errors.Is(err, ErrTimeout) || errors.Is(err, ErrNoResponse)
}

// AsDeviceError extracts a DeviceError from an error chain, if present.
func AsDeviceError(err error) (*DeviceError, bool) {
	var devErr *DeviceError
	if errors.As(err, &devErr) {
		return devErr, true
	}
	return nil, false
}

// AsAckMismatch extracts an AckMismatchError from an error chain, if present.
func AsAckMismatch(err error) (*AckMismatchError, bool) {
	var ackErr *AckMismatchError
	if errors.As(err, &ackErr) {
		return ackErr, true
	}
	return nil, false
}
