package gpu

import (
	"errors"
	"fmt"
)

// Failure kinds reported by the execution engine. Every error returned by this
// package is a *Error whose Kind is one of these values, so callers can
// classify failures with errors.Is.
var (
	// Environment
	ErrNoDeviceAvailable   = errors.New("no compute device available")
	ErrQueueCreationFailed = errors.New("command queue creation failed")
	ErrSessionClosed       = errors.New("session closed")

	// Compilation
	ErrCompilationFailed   = errors.New("kernel compilation failed")
	ErrEntryPointNotFound  = errors.New("entry point not found")
	ErrPipelineBuildFailed = errors.New("pipeline build failed")

	// Resources
	ErrBufferCreationFailed        = errors.New("buffer creation failed")
	ErrCommandBufferCreationFailed = errors.New("command buffer creation failed")
	ErrEncoderCreationFailed       = errors.New("compute encoder creation failed")

	// Dispatch
	ErrInvalidRequest  = errors.New("invalid dispatch request")
	ErrInvalidGeometry = errors.New("invalid dispatch geometry")
	ErrDeviceMismatch  = errors.New("pipeline belongs to a different device")
	ErrExecutionFailed = errors.New("kernel execution failed")
	ErrWaitAborted     = errors.New("wait for completion aborted")
)

var kindLabels = map[error]string{
	ErrNoDeviceAvailable:           "no_device_available",
	ErrQueueCreationFailed:         "queue_creation_failed",
	ErrSessionClosed:               "session_closed",
	ErrCompilationFailed:           "compilation_failed",
	ErrEntryPointNotFound:          "entry_point_not_found",
	ErrPipelineBuildFailed:         "pipeline_build_failed",
	ErrBufferCreationFailed:        "buffer_creation_failed",
	ErrCommandBufferCreationFailed: "command_buffer_creation_failed",
	ErrEncoderCreationFailed:       "encoder_creation_failed",
	ErrInvalidRequest:              "invalid_request",
	ErrInvalidGeometry:             "invalid_geometry",
	ErrDeviceMismatch:              "device_mismatch",
	ErrExecutionFailed:             "execution_failed",
	ErrWaitAborted:                 "wait_aborted",
}

// Error is a classified failure. Detail carries the diagnostic text reported
// by the compiler or the device, when there is any.
type Error struct {
	Op     string
	Kind   error
	Detail string
}

func (e *Error) Error() string {
	if e.Detail == "" {
		return fmt.Sprintf("%s: %v", e.Op, e.Kind)
	}
	return fmt.Sprintf("%s: %v: %s", e.Op, e.Kind, e.Detail)
}

func (e *Error) Unwrap() error {
	return e.Kind
}

func newError(op string, kind error, detail string) *Error {
	return &Error{Op: op, Kind: kind, Detail: detail}
}

// wrapError builds an *Error from a driver error, using its text as detail.
func wrapError(op string, kind error, err error) *Error {
	if err == nil {
		return newError(op, kind, "")
	}
	return newError(op, kind, err.Error())
}

// KindOf returns a stable snake_case label for the kind of err, "ok" for nil
// and "unknown" for errors that did not originate in this package.
func KindOf(err error) string {
	if err == nil {
		return "ok"
	}
	var gerr *Error
	if errors.As(err, &gerr) {
		if label, ok := kindLabels[gerr.Kind]; ok {
			return label
		}
	}
	return "unknown"
}
