package core

import (
	"errors"
	"fmt"
	"strings"
)

// ErrorCode is the signaling service's symbolic error string. Policy
// decisions key off the code, never off the Go error type.
type ErrorCode string

const (
	CodeAnonymousForbidden  ErrorCode = "GROUPCALL_ANONYMOUS_FORBIDDEN"
	CodeTooManyParticipants ErrorCode = "GROUPCALL_PARTICIPANTS_TOO_MUCH"
	CodeForbidden           ErrorCode = "GROUPCALL_FORBIDDEN"
	CodeJoinMissing         ErrorCode = "GROUPCALL_JOIN_MISSING"
	CodeSsrcDuplicate       ErrorCode = "GROUPCALL_SSRC_DUPLICATE_MUCH"
	CodeTimeTooBig          ErrorCode = "TIME_TOO_BIG"
)

// SignalError carries the service's symbolic code for a failed request.
type SignalError struct {
	Code    ErrorCode
	Message string
}

func (e *SignalError) Error() string {
	if e.Message == "" {
		return string(e.Code)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

// NewSignalError builds a SignalError from a service code.
func NewSignalError(code ErrorCode, message string) *SignalError {
	return &SignalError{Code: code, Message: message}
}

// Code extracts the symbolic code from err, or "" if err is not a
// signaling failure.
func Code(err error) ErrorCode {
	var se *SignalError
	if errors.As(err, &se) {
		return se.Code
	}
	return ""
}

// IsCode reports whether err is a signaling failure with the given code.
func IsCode(err error, code ErrorCode) bool {
	return Code(err) == code
}

// IsFlood reports a rate-limit failure (FLOOD_WAIT_<n> family).
func IsFlood(err error) bool {
	return strings.HasPrefix(string(Code(err)), "FLOOD_WAIT")
}
