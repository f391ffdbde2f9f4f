package errdefs

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
)

// Code identifies an error kind. Errors cross the IPC boundary as JSON and
// lose their Go type, so callers dispatch on Code, never on concrete type.
type Code string

const (
	CodePermissionDenied     Code = "PermissionDenied"
	CodeHandlerNotFound      Code = "HandlerNotFound"
	CodePluginNotFound       Code = "PluginNotFound"
	CodeTargetInvalid        Code = "TargetInvalid"
	CodeValidation           Code = "ValidationError"
	CodeTimeout              Code = "Timeout"
	CodeAbort                Code = "Aborted"
	CodeQueueFull            Code = "QueueFull"
	CodeAcquireTimeout       Code = "AcquireTimeout"
	CodeWorkerCrashed        Code = "WorkerCrashed"
	CodeCycleDetected        Code = "CycleDetected"
	CodeChainDepthExceeded   Code = "ChainDepthExceeded"
	CodeChainFanOutExceeded  Code = "ChainFanOutExceeded"
	CodeChainTimeExceeded    Code = "ChainTimeExceeded"
	CodePlatform             Code = "PlatformError"
	CodeWorkspace            Code = "WorkspaceError"
	CodeEnvironmentNotAvail  Code = "EnvironmentNotAvailable"
	CodeWorkspaceNotAvail    Code = "WorkspaceNotAvailable"
	CodeInternal             Code = "InternalError"
)

// Error is the canonical error value of the execution subsystem.
type Error struct {
	Code    Code           `json:"code"`
	Message string         `json:"message"`
	Details map[string]any `json:"details,omitempty"`
	Stack   string         `json:"stack,omitempty"`

	cause error
}

// New creates an Error with the given code and message.
func New(code Code, message string) *Error {
	return &Error{Code: code, Message: message}
}

// Newf creates an Error with a formatted message.
func Newf(code Code, format string, args ...any) *Error {
	return &Error{Code: code, Message: fmt.Sprintf(format, args...)}
}

// WithDetail attaches a detail key to the error and returns it.
func (e *Error) WithDetail(key string, value any) *Error {
	if e.Details == nil {
		e.Details = make(map[string]any)
	}
	e.Details[key] = value
	return e
}

// WithDetails merges the given details into the error and returns it.
func (e *Error) WithDetails(details map[string]any) *Error {
	for k, v := range details {
		e.WithDetail(k, v)
	}
	return e
}

func (e *Error) Error() string {
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

// Unwrap returns the wrapped cause, if any.
func (e *Error) Unwrap() error {
	return e.cause
}

// Wrap converts any error (or panic value) into an *Error. Existing *Error
// values pass through unchanged; everything else becomes code with the
// original error as cause.
func Wrap(err error, code Code) *Error {
	if err == nil {
		return nil
	}
	var e *Error
	if errors.As(err, &e) {
		return e
	}
	return &Error{Code: code, Message: err.Error(), cause: err}
}

// FromAny normalizes a recovered panic value into an *Error.
func FromAny(v any) *Error {
	switch t := v.(type) {
	case nil:
		return nil
	case *Error:
		return t
	case error:
		return Wrap(t, CodeInternal)
	default:
		return Newf(CodeInternal, "%v", t)
	}
}

// GetCode extracts the Code from an error, defaulting to InternalError.
func GetCode(err error) Code {
	var e *Error
	if errors.As(err, &e) {
		return e.Code
	}
	return CodeInternal
}

// IsCode reports whether err carries the given code.
func IsCode(err error, code Code) bool {
	return GetCode(err) == code
}

// wireError is the serialized form carried over IPC.
type wireError struct {
	Name    string         `json:"name"`
	Message string         `json:"message"`
	Code    Code           `json:"code"`
	Details map[string]any `json:"details,omitempty"`
	Stack   string         `json:"stack,omitempty"`
}

// ToJSON serializes an error for transport across the IPC boundary.
func ToJSON(err error) json.RawMessage {
	e := Wrap(err, CodeInternal)
	data, marshalErr := json.Marshal(wireError{
		Name:    "PluginError",
		Message: e.Message,
		Code:    e.Code,
		Details: e.Details,
		Stack:   e.Stack,
	})
	if marshalErr != nil {
		// Details contained something unmarshalable; drop them.
		data, _ = json.Marshal(wireError{Name: "PluginError", Message: e.Message, Code: e.Code})
	}
	return data
}

// FromJSON reconstructs an error from its wire form. Code and Details
// survive the round-trip; the Go subtype does not.
func FromJSON(data json.RawMessage) *Error {
	var w wireError
	if err := json.Unmarshal(data, &w); err != nil {
		return Newf(CodeInternal, "malformed error payload: %v", err)
	}
	code := w.Code
	if code == "" {
		code = CodeInternal
	}
	return &Error{Code: code, Message: w.Message, Details: w.Details, Stack: w.Stack}
}

// HTTPStatus maps an error code to the REST host status code.
func HTTPStatus(code Code) int {
	switch code {
	case CodePermissionDenied:
		return http.StatusForbidden
	case CodeValidation, CodeTargetInvalid:
		return http.StatusBadRequest
	case CodeHandlerNotFound, CodePluginNotFound:
		return http.StatusNotFound
	case CodeTimeout, CodeAcquireTimeout:
		return http.StatusGatewayTimeout
	case CodeQueueFull, CodeChainDepthExceeded, CodeChainFanOutExceeded, CodeChainTimeExceeded:
		return http.StatusTooManyRequests
	case CodeAbort:
		return 499 // client closed request
	default:
		return http.StatusInternalServerError
	}
}

// ExitCode maps an error code to the CLI host exit code.
func ExitCode(err error) int {
	if err == nil {
		return 0
	}
	switch GetCode(err) {
	case CodeValidation, CodeTargetInvalid:
		return 2
	case CodeTimeout, CodeAcquireTimeout:
		return 124
	default:
		return 1
	}
}
