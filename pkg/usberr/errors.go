// Package usberr defines the error taxonomy shared by the transport,
// request engine, DFU driver and device facade.
package usberr

import (
	"errors"
	"fmt"
)

// Code classifies an error so callers can branch without string matching.
type Code int

const (
	CodeState              Code = iota + 1 // operation invalid in current lifecycle state
	CodeRange                              // out-of-bound client input
	CodeTimeout                            // per-request or close timeout expired
	CodeUsb                                // transport failure
	CodeUsbStall                           // transport STALL, retriable at the DfuSe layer
	CodeProtocol                           // malformed service reply or unknown status
	CodeMemory                             // device reported NO_MEMORY
	CodeNotFound                           // device not enumerable, or request cancelled device-side
	CodeDfu                                // DFU state machine inconsistency
	CodeProtection                         // segment attributes forbid the operation
	CodeUnsupportedCommand                 // DfuSe command missing from GET_COMMAND list
	CodeRequest                            // application-level non-OK result
	CodeInternal                           // violated engine invariant
)

var codeNames = map[Code]string{
	CodeState:              "state",
	CodeRange:              "range",
	CodeTimeout:            "timeout",
	CodeUsb:                "usb",
	CodeUsbStall:           "usb_stall",
	CodeProtocol:           "protocol",
	CodeMemory:             "memory",
	CodeNotFound:           "not_found",
	CodeDfu:                "dfu",
	CodeProtection:         "protection",
	CodeUnsupportedCommand: "unsupported_command",
	CodeRequest:            "request",
	CodeInternal:           "internal",
}

func (c Code) String() string {
	if s, ok := codeNames[c]; ok {
		return s
	}
	return fmt.Sprintf("code(%d)", int(c))
}

// Error is a structured error carrying a classification code, a message and
// an optional cause. Result is set for CodeRequest errors only.
type Error struct {
	Code    Code
	Message string
	Result  int32
	Cause   error
}

func (e *Error) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("usb: [%s] %s: %v", e.Code, e.Message, e.Cause)
	}
	return fmt.Sprintf("usb: [%s] %s", e.Code, e.Message)
}

func (e *Error) Unwrap() error {
	return e.Cause
}

// New creates an error with the given code and message.
func New(code Code, message string) *Error {
	return &Error{Code: code, Message: message}
}

// Newf creates an error with a formatted message.
func Newf(code Code, format string, args ...interface{}) *Error {
	return &Error{Code: code, Message: fmt.Sprintf(format, args...)}
}

// Wrap attaches a classification code to an underlying error.
func Wrap(code Code, message string, cause error) *Error {
	return &Error{Code: code, Message: message, Cause: cause}
}

// NewRequest creates a CodeRequest error holding the device's result code.
func NewRequest(result int32) *Error {
	return &Error{
		Code:    CodeRequest,
		Message: fmt.Sprintf("request failed with result %d", result),
		Result:  result,
	}
}

// CodeOf extracts the classification code of err, or 0 if err is not an
// Error. Wrapped causes are searched.
func CodeOf(err error) Code {
	var e *Error
	if errors.As(err, &e) {
		return e.Code
	}
	return 0
}

// HasCode reports whether err carries the given code.
func HasCode(err error, code Code) bool {
	return CodeOf(err) == code
}

// IsStall reports whether err is a USB STALL, the condition the DfuSe
// command layer retries on.
func IsStall(err error) bool {
	return HasCode(err, CodeUsbStall)
}
