package pdu

import (
	"errors"
	"fmt"
)

// ErrorCode is a Bluetooth Core Specification error code (Vol 1, Part F).
// The same table is used for HCI status values and LL reject/terminate reasons.
type ErrorCode uint8

const (
	Success                            ErrorCode = 0x00
	ErrUnknownHCICommand               ErrorCode = 0x01
	ErrUnknownConnectionID             ErrorCode = 0x02
	ErrMemoryCapacityExceeded          ErrorCode = 0x07
	ErrConnectionTimeout               ErrorCode = 0x08
	ErrConnectionLimitExceeded         ErrorCode = 0x09
	ErrCommandDisallowed               ErrorCode = 0x0C
	ErrUnsupportedFeature              ErrorCode = 0x11
	ErrInvalidHCIParameters            ErrorCode = 0x12
	ErrRemoteUserTerminated            ErrorCode = 0x13
	ErrTerminatedByLocalHost           ErrorCode = 0x16
	ErrUnknownLMPPDU                   ErrorCode = 0x19
	ErrUnsupportedRemoteFeature        ErrorCode = 0x1A
	ErrInvalidLLParameters             ErrorCode = 0x1E
	ErrUnspecified                     ErrorCode = 0x1F
	ErrUnsupportedLLParameterValue     ErrorCode = 0x20
	ErrLLResponseTimeout               ErrorCode = 0x22
	ErrLLProcedureCollision            ErrorCode = 0x23
	ErrInstantPassed                   ErrorCode = 0x28
	ErrDifferentTransactionCollision   ErrorCode = 0x2A
	ErrUnacceptableConnectionParams    ErrorCode = 0x3B
	ErrAdvertisingTimeout              ErrorCode = 0x3C
	ErrConnectionFailedToBeEstablished ErrorCode = 0x3E
	ErrUnknownAdvertisingID            ErrorCode = 0x42
	ErrLimitReached                    ErrorCode = 0x43
	ErrOperationCancelledByHost        ErrorCode = 0x44
)

// ErrorNames maps error codes to human-readable names
var ErrorNames = map[ErrorCode]string{
	Success:                            "Success",
	ErrUnknownHCICommand:               "Unknown HCI Command",
	ErrUnknownConnectionID:             "Unknown Connection Identifier",
	ErrMemoryCapacityExceeded:          "Memory Capacity Exceeded",
	ErrConnectionTimeout:               "Connection Timeout",
	ErrConnectionLimitExceeded:         "Connection Limit Exceeded",
	ErrCommandDisallowed:               "Command Disallowed",
	ErrUnsupportedFeature:              "Unsupported Feature or Parameter Value",
	ErrInvalidHCIParameters:            "Invalid HCI Command Parameters",
	ErrRemoteUserTerminated:            "Remote User Terminated Connection",
	ErrTerminatedByLocalHost:           "Connection Terminated by Local Host",
	ErrUnknownLMPPDU:                   "Unknown LMP PDU",
	ErrUnsupportedRemoteFeature:        "Unsupported Remote Feature",
	ErrInvalidLLParameters:             "Invalid LMP Parameters / Invalid LL Parameters",
	ErrUnspecified:                     "Unspecified Error",
	ErrUnsupportedLLParameterValue:     "Unsupported LMP Parameter Value / Unsupported LL Parameter Value",
	ErrLLResponseTimeout:               "LMP Response Timeout / LL Response Timeout",
	ErrLLProcedureCollision:            "LMP Error Transaction Collision / LL Procedure Collision",
	ErrInstantPassed:                   "Instant Passed",
	ErrDifferentTransactionCollision:   "Different Transaction Collision",
	ErrUnacceptableConnectionParams:    "Unacceptable Connection Parameters",
	ErrAdvertisingTimeout:              "Advertising Timeout",
	ErrConnectionFailedToBeEstablished: "Connection Failed to be Established",
	ErrUnknownAdvertisingID:            "Unknown Advertising Identifier",
	ErrLimitReached:                    "Limit Reached",
	ErrOperationCancelledByHost:        "Operation Cancelled by Host",
}

func (c ErrorCode) String() string {
	if name, ok := ErrorNames[c]; ok {
		return name
	}
	return fmt.Sprintf("Unknown Error (0x%02X)", uint8(c))
}

// Error is a link layer failure carrying a Core Specification error code.
// Opcode is the control opcode involved, or NoOpcode.
type Error struct {
	Code   ErrorCode
	Opcode uint8
	Handle uint16
}

// NoOpcode marks an Error that is not tied to a control procedure.
const NoOpcode = 0xFF

// Error implements the error interface
func (e *Error) Error() string {
	if e.Opcode == NoOpcode {
		return fmt.Sprintf("LL error: %s (0x%02X, handle %d)", e.Code, uint8(e.Code), e.Handle)
	}
	return fmt.Sprintf("LL error: %s (0x%02X, handle %d, opcode %s)",
		e.Code, uint8(e.Code), e.Handle, OpcodeName(e.Opcode))
}

// NewError creates a new LL error
func NewError(code ErrorCode, opcode uint8, handle uint16) *Error {
	return &Error{
		Code:   code,
		Opcode: opcode,
		Handle: handle,
	}
}

// IsError checks if err (or anything it wraps) is an LL error with the given code
func IsError(err error, code ErrorCode) bool {
	var llErr *Error
	if errors.As(err, &llErr) {
		return llErr.Code == code
	}
	return false
}

// CodeOf returns the LL error code carried by err, or ErrUnspecified if err
// is not an LL error. A nil error maps to Success.
func CodeOf(err error) ErrorCode {
	if err == nil {
		return Success
	}
	var llErr *Error
	if errors.As(err, &llErr) {
		return llErr.Code
	}
	return ErrUnspecified
}
