package apperr

import (
	"errors"
	"fmt"
)

// Kind classifies failures the engine can surface.
type Kind string

const (
	KindProbeTimeout        Kind = "probe_timeout"
	KindProbeUnreachable    Kind = "probe_unreachable"
	KindRemediationFailed   Kind = "remediation_failed"
	KindRemediationTimedOut Kind = "remediation_timed_out"
	KindConfiguration       Kind = "configuration_error"
	KindNotifierFailed      Kind = "notifier_failed"
)

// Sentinels usable with errors.Is.
var (
	ErrProbeTimeout        = &Error{Kind: KindProbeTimeout}
	ErrProbeUnreachable    = &Error{Kind: KindProbeUnreachable}
	ErrRemediationFailed   = &Error{Kind: KindRemediationFailed}
	ErrRemediationTimedOut = &Error{Kind: KindRemediationTimedOut}
	ErrConfiguration       = &Error{Kind: KindConfiguration}
	ErrNotifierFailed      = &Error{Kind: KindNotifierFailed}
)

// Error wraps an operation, a human-facing message and the underlying cause.
type Error struct {
	Kind Kind
	Op   string
	Msg  string
	Err  error
}

func (e *Error) Error() string {
	prefix := string(e.Kind)
	if e.Op != "" {
		prefix = e.Op
	}
	switch {
	case e.Msg == "" && e.Err == nil:
		return prefix
	case e.Err == nil:
		return fmt.Sprintf("%s: %s", prefix, e.Msg)
	case e.Msg == "":
		return fmt.Sprintf("%s: %v", prefix, e.Err)
	default:
		return fmt.Sprintf("%s: %s: %v", prefix, e.Msg, e.Err)
	}
}

func (e *Error) Unwrap() error {
	return e.Err
}

// Is matches on Kind so callers can compare against the package sentinels.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	return t.Kind == e.Kind
}

// New constructs an Error of the given kind.
func New(kind Kind, op, msg string, err error) error {
	return &Error{Kind: kind, Op: op, Msg: msg, Err: err}
}

// Configuration is shorthand for a fatal configuration error.
func Configuration(msg string, args ...any) error {
	return &Error{Kind: KindConfiguration, Op: "config", Msg: fmt.Sprintf(msg, args...)}
}

// KindOf returns the kind of the first *Error in err's chain, or "".
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return ""
}
