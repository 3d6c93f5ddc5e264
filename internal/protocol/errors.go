package protocol

import (
	"errors"
	"fmt"
)

// ErrTimeout is wrapped by a ConnectionError when no response arrived in time.
var ErrTimeout = errors.New("response timeout")

// ConnectionError reports a failure to establish or use the socket.
type ConnectionError struct {
	Op      string
	Address string
	Err     error
}

func (e *ConnectionError) Error() string {
	return fmt.Sprintf("connection %s %s: %v", e.Op, e.Address, e.Err)
}

func (e *ConnectionError) Unwrap() error {
	return e.Err
}

// Timeout reports whether the error was caused by an expired response wait.
func (e *ConnectionError) Timeout() bool {
	return errors.Is(e.Err, ErrTimeout)
}

// FrameFormatError reports a malformed outer frame or ADU.
type FrameFormatError struct {
	Reason string
	Err    error
}

func (e *FrameFormatError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("frame format: %s: %v", e.Reason, e.Err)
	}
	return "frame format: " + e.Reason
}

func (e *FrameFormatError) Unwrap() error {
	return e.Err
}

func frameErrorf(format string, args ...interface{}) error {
	return &FrameFormatError{Reason: fmt.Sprintf(format, args...)}
}

// Modbus exception codes.
const (
	ExceptionIllegalFunction    = 0x01
	ExceptionIllegalAddress     = 0x02
	ExceptionIllegalValue       = 0x03
	ExceptionServerFailure      = 0x04
	ExceptionAcknowledge        = 0x05
	ExceptionServerBusy         = 0x06
	ExceptionGatewayPath        = 0x0A
	ExceptionGatewayNoResponder = 0x0B
)

var exceptionNames = map[byte]string{
	ExceptionIllegalFunction:    "illegal function",
	ExceptionIllegalAddress:     "illegal data address",
	ExceptionIllegalValue:       "illegal data value",
	ExceptionServerFailure:      "server device failure",
	ExceptionAcknowledge:        "acknowledge",
	ExceptionServerBusy:         "server device busy",
	ExceptionGatewayPath:        "gateway path unavailable",
	ExceptionGatewayNoResponder: "gateway target failed to respond",
}

// ExceptionError is a Modbus exception response reported by the device.
type ExceptionError struct {
	FunctionCode byte
	Code         byte
}

func (e *ExceptionError) Error() string {
	name, ok := exceptionNames[e.Code]
	if !ok {
		name = "unknown exception"
	}
	return fmt.Sprintf("modbus exception 0x%02X (%s) for function 0x%02X", e.Code, name, e.FunctionCode)
}

// TransportMismatchError reports a response shaped differently from the
// transport mode the request was built for.
type TransportMismatchError struct {
	Assumed  Mode
	Detected Mode
}

func (e *TransportMismatchError) Error() string {
	return fmt.Sprintf("transport mismatch: assumed %s, response is %s", e.Assumed, e.Detected)
}
