// ABOUTME: Structured error taxonomy shared by the hub, daemons, and client operations.
// ABOUTME: Every failure crossing a process boundary carries a Code plus retry details.

package errcode

import (
	"errors"
	"fmt"
)

// Code identifies a failure class. Codes are stable strings: they appear
// verbatim in CLI JSON output and in error frames on the wire.
type Code string

const (
	InvalidIdentity           Code = "INVALID_IDENTITY"
	IdentityAlreadyRegistered Code = "IDENTITY_ALREADY_REGISTERED"
	HubNotRunning             Code = "HUB_NOT_RUNNING"
	PortInUse                 Code = "PORT_IN_USE"
	RecipientNeverRegistered  Code = "RECIPIENT_NEVER_REGISTERED"
	RecipientDisconnected     Code = "RECIPIENT_DISCONNECTED"
	ConnectionTimeout         Code = "CONNECTION_TIMEOUT"
	SendTimeout               Code = "SEND_TIMEOUT"
	MessageTooLarge           Code = "MESSAGE_TOO_LARGE"
	EmptyMessageNotAllowed    Code = "EMPTY_MESSAGE_NOT_ALLOWED"
	LockTimeout               Code = "LOCK_TIMEOUT"
	DataDirError              Code = "DATA_DIR_ERROR"
	StalePIDCleaned           Code = "STALE_PID_CLEANED"
	Internal                  Code = "INTERNAL"
)

// Error is a structured failure. Details carries the parameters a caller
// needs to retry (port, identity, timeout) and is marshaled into the CLI's
// error object and into wire error frames.
type Error struct {
	Code    Code
	Message string
	Details map[string]any
}

func (e *Error) Error() string {
	if e.Message == "" {
		return string(e.Code)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

// New creates a structured error with no details.
func New(code Code, format string, args ...any) *Error {
	return &Error{Code: code, Message: fmt.Sprintf(format, args...)}
}

// With returns a copy of the error carrying an additional detail entry.
func (e *Error) With(key string, value any) *Error {
	details := make(map[string]any, len(e.Details)+1)
	for k, v := range e.Details {
		details[k] = v
	}
	details[key] = value
	return &Error{Code: e.Code, Message: e.Message, Details: details}
}

// CodeOf extracts the taxonomy code from err, unwrapping as needed.
// Errors that never received a code report Internal.
func CodeOf(err error) Code {
	var e *Error
	if errors.As(err, &e) {
		return e.Code
	}
	return Internal
}

// As unwraps err into a structured Error. Unclassified errors are wrapped
// as Internal so the CLI always has a code to print.
func As(err error) *Error {
	var e *Error
	if errors.As(err, &e) {
		return e
	}
	return &Error{Code: Internal, Message: err.Error()}
}

// Is reports whether err carries the given code.
func Is(err error, code Code) bool {
	return CodeOf(err) == code
}
