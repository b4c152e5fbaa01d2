package worker

import (
	"errors"
	"fmt"
)

// Kind classifies worker failures.
type Kind string

const (
	KindResolutionTimeout  Kind = "resolution_timeout"
	KindDriveNotFound      Kind = "drive_not_found"
	KindConnectFailure     Kind = "connect_failure"
	KindHardwareFault      Kind = "hardware_fault"
	KindPipelineError      Kind = "pipeline_error"
	KindConfigurationError Kind = "configuration_error"
	KindInvalidState       Kind = "invalid_state"
)

// Error is a classified worker failure. Its message is meant to be shown
// to the orchestrator as-is.
type Error struct {
	Kind    Kind
	Message string
	Cause   error
}

// Error returns the message, followed by the cause when there is one.
func (e *Error) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s: %v", e.Message, e.Cause)
	}
	return e.Message
}

// Unwrap returns the underlying cause.
func (e *Error) Unwrap() error {
	return e.Cause
}

// Is reports whether target is an *Error of the same kind.
func (e *Error) Is(target error) bool {
	var other *Error
	if errors.As(target, &other) {
		return e.Kind == other.Kind
	}
	return false
}

// Sentinels for errors.Is matching by kind.
var (
	ErrResolutionTimeout  = &Error{Kind: KindResolutionTimeout}
	ErrDriveNotFound      = &Error{Kind: KindDriveNotFound}
	ErrConnectFailure     = &Error{Kind: KindConnectFailure}
	ErrHardwareFault      = &Error{Kind: KindHardwareFault}
	ErrPipelineError      = &Error{Kind: KindPipelineError}
	ErrConfigurationError = &Error{Kind: KindConfigurationError}
	ErrInvalidState       = &Error{Kind: KindInvalidState}
)

// NewError creates a classified error.
func NewError(kind Kind, message string, cause error) *Error {
	return &Error{Kind: kind, Message: message, Cause: cause}
}

// ResolutionTimeout reports a device path or host name that never resolved.
func ResolutionTimeout(message string, cause error) *Error {
	return NewError(KindResolutionTimeout, message, cause)
}

// DriveNotFound reports that no drive matched a device path.
func DriveNotFound(message string, cause error) *Error {
	return NewError(KindDriveNotFound, message, cause)
}

// ConnectFailure reports an unreachable bridge target.
func ConnectFailure(message string, cause error) *Error {
	return NewError(KindConnectFailure, message, cause)
}

// HardwareFault reports a board or hypervisor failure.
func HardwareFault(message string, cause error) *Error {
	return NewError(KindHardwareFault, message, cause)
}

// PipelineError reports a failed image write or verification.
func PipelineError(message string, cause error) *Error {
	return NewError(KindPipelineError, message, cause)
}

// ConfigurationError reports invalid input or settings.
func ConfigurationError(message string, cause error) *Error {
	return NewError(KindConfigurationError, message, cause)
}

// InvalidState reports an operation the worker cannot perform in its
// current state.
func InvalidState(message string, cause error) *Error {
	return NewError(KindInvalidState, message, cause)
}

// KindOf returns the kind of the first *Error in err's chain, or "" if none.
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return ""
}
