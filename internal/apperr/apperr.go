// Package apperr defines the gateway error taxonomy shared by every
// component and mapped to HTTP responses at the API boundary.
package apperr

import (
	"errors"
	"fmt"
)

// Error kinds. Match them with errors.Is.
var (
	ErrValidation        = errors.New("validation error")
	ErrNotFound          = errors.New("not found")
	ErrAgentUnreachable  = errors.New("agent unreachable")
	ErrEngineUnavailable = errors.New("container engine unavailable")
	ErrUpstream          = errors.New("upstream error")
	ErrStream            = errors.New("stream error")
)

// Error is a classified gateway error.
type Error struct {
	Kind   error
	Detail string
	// Status is the backend HTTP status for upstream errors, zero otherwise.
	Status int
	Err    error
}

func (e *Error) Error() string {
	msg := e.Kind.Error()
	if e.Detail != "" {
		msg += ": " + e.Detail
	}
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *Error) Unwrap() []error {
	if e.Err == nil {
		return []error{e.Kind}
	}
	return []error{e.Kind, e.Err}
}

func Validation(format string, args ...any) error {
	return &Error{Kind: ErrValidation, Detail: fmt.Sprintf(format, args...)}
}

func NotFound(format string, args ...any) error {
	return &Error{Kind: ErrNotFound, Detail: fmt.Sprintf(format, args...)}
}

// AgentUnreachable wraps a transport failure talking to a container's agent.
func AgentUnreachable(container string, err error) error {
	return &Error{Kind: ErrAgentUnreachable, Detail: fmt.Sprintf("container %q", container), Err: err}
}

func EngineUnavailable(err error) error {
	return &Error{Kind: ErrEngineUnavailable, Err: err}
}

// Upstream reports a backend that answered with an error payload.
func Upstream(status int, detail string) error {
	return &Error{Kind: ErrUpstream, Status: status, Detail: detail}
}

func Stream(detail string, err error) error {
	return &Error{Kind: ErrStream, Detail: detail, Err: err}
}

// Kind returns the taxonomy kind of err, or nil when err is unclassified.
func Kind(err error) error {
	for _, kind := range []error{ErrValidation, ErrNotFound, ErrAgentUnreachable, ErrEngineUnavailable, ErrUpstream, ErrStream} {
		if errors.Is(err, kind) {
			return kind
		}
	}
	return nil
}

// Detail returns the human readable detail of a classified error, falling
// back to the full message.
func Detail(err error) string {
	var e *Error
	if errors.As(err, &e) {
		if e.Detail != "" && e.Err != nil {
			return e.Detail + ": " + e.Err.Error()
		}
		if e.Detail != "" {
			return e.Detail
		}
		if e.Err != nil {
			return e.Err.Error()
		}
		return ""
	}
	return err.Error()
}

// UpstreamStatus returns the backend status carried by an upstream error.
func UpstreamStatus(err error) int {
	var e *Error
	if errors.As(err, &e) && errors.Is(e.Kind, ErrUpstream) {
		return e.Status
	}
	return 0
}
