package errors

import (
	"errors"
	"fmt"
	"runtime"
	"strings"
	"time"
)

// Type classifies an error for propagation policy decisions
type Type string

const (
	// TypeVisionMiss is a template or text that was not found on screen.
	// Absorbed locally with bounded retry, escalates to error recovery.
	TypeVisionMiss Type = "vision_miss"

	// TypeSessionExpired means the game silently logged the session out.
	// Handled by the session guard, never surfaces as a post-level error.
	TypeSessionExpired Type = "session_expired"

	// TypeDevice is a device bridge failure. Fatal to the run.
	TypeDevice Type = "device"

	// TypeConfig is a configuration failure. Fatal at startup only.
	TypeConfig Type = "config"

	// TypeStaleGeneration marks an action that arrived after its
	// generation was invalidated. Dropped silently at debug level.
	TypeStaleGeneration Type = "stale_generation"
)

// Severity represents how an error should be surfaced
type Severity string

const (
	SeverityLow      Severity = "low"
	SeverityMedium   Severity = "medium"
	SeverityHigh     Severity = "high"
	SeverityCritical Severity = "critical"
)

// Error is an application error with classification and context
type Error struct {
	Type       Type                   `json:"type"`
	Severity   Severity               `json:"severity"`
	Message    string                 `json:"message"`
	Context    map[string]interface{} `json:"context,omitempty"`
	StackTrace string                 `json:"stack_trace,omitempty"`
	Timestamp  time.Time              `json:"timestamp"`
	wrapped    error
}

// Error implements the error interface
func (e *Error) Error() string {
	if e.wrapped != nil {
		return fmt.Sprintf("%s: %s: %v", e.Type, e.Message, e.wrapped)
	}
	return fmt.Sprintf("%s: %s", e.Type, e.Message)
}

// Unwrap returns the wrapped error
func (e *Error) Unwrap() error {
	return e.wrapped
}

// New creates a classified error
func New(errType Type, severity Severity, message string) *Error {
	return &Error{
		Type:      errType,
		Severity:  severity,
		Message:   message,
		Context:   make(map[string]interface{}),
		Timestamp: time.Now(),
	}
}

// Wrap attaches an underlying error
func (e *Error) Wrap(err error) *Error {
	e.wrapped = err
	return e
}

// With adds a context field
func (e *Error) With(key string, value interface{}) *Error {
	e.Context[key] = value
	return e
}

// WithStack captures the current stack trace. Called at escalation
// points, not at construction, so absorbed retries stay cheap.
func (e *Error) WithStack() *Error {
	buf := make([]byte, 8192)
	n := runtime.Stack(buf, false)
	e.StackTrace = string(buf[:n])
	return e
}

// IsType reports whether err (or anything it wraps) carries the given type
func IsType(err error, errType Type) bool {
	var appErr *Error
	if errors.As(err, &appErr) {
		return appErr.Type == errType
	}
	return false
}

// TypeOf returns the classified type, or "unclassified" for plain
// errors.
func TypeOf(err error) Type {
	var appErr *Error
	if errors.As(err, &appErr) {
		return appErr.Type
	}
	return Type("unclassified")
}

// IsFatal reports whether the error must stop the whole run
func IsFatal(err error) bool {
	var appErr *Error
	if errors.As(err, &appErr) {
		return appErr.Severity == SeverityCritical
	}
	return false
}

// VisionMiss builds a transient vision-miss error for the given target
func VisionMiss(target string) *Error {
	return New(TypeVisionMiss, SeverityLow, fmt.Sprintf("no match for %q on screen", target))
}

// Devicef builds a fatal device error
func Devicef(format string, args ...interface{}) *Error {
	return New(TypeDevice, SeverityCritical, fmt.Sprintf(format, args...))
}

// Configf builds a fatal configuration error
func Configf(format string, args ...interface{}) *Error {
	return New(TypeConfig, SeverityCritical, fmt.Sprintf(format, args...))
}

// StaleGeneration builds the silent drop marker for an invalidated action
func StaleGeneration(postID int, have, want uint64) *Error {
	return New(TypeStaleGeneration, SeverityLow, "action carries stale generation").
		With("post_id", postID).
		With("have", have).
		With("want", want)
}

// StackOf returns the captured stack trace, or empty when the error
// was never escalated through WithStack.
func StackOf(err error) string {
	var appErr *Error
	if errors.As(err, &appErr) {
		return appErr.StackTrace
	}
	return ""
}

// Summary renders a one-line form of the error for log fields
func Summary(err error) string {
	var appErr *Error
	if !errors.As(err, &appErr) {
		return err.Error()
	}
	parts := []string{string(appErr.Type), appErr.Message}
	for k, v := range appErr.Context {
		parts = append(parts, fmt.Sprintf("%s=%v", k, v))
	}
	return strings.Join(parts, " ")
}

// Is, As and Join re-export the standard helpers so callers only
// import this package.
func Is(err, target error) bool     { return errors.Is(err, target) }
func As(err error, target any) bool { return errors.As(err, target) }
func Join(errs ...error) error      { return errors.Join(errs...) }
