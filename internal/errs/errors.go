package errs

import (
	"errors"
	"fmt"
	"sort"
	"strings"
)

type Kind int

const (
	Validation Kind = iota
	Submission
	TransientQuery
	NotFound
	Fetch
	Precondition
	Cancelled
	Config
	Unknown
)

func (k Kind) String() string {
	switch k {
	case Validation:
		return "Validation"
	case Submission:
		return "Submission"
	case TransientQuery:
		return "TransientQuery"
	case NotFound:
		return "NotFound"
	case Fetch:
		return "Fetch"
	case Precondition:
		return "Precondition"
	case Cancelled:
		return "Cancelled"
	case Config:
		return "Config"
	default:
		return "Unknown"
	}
}

// Error is the single error type shared by the client, trackers and
// orchestrator. Message is user-facing; Cause carries the low-level error.
type Error struct {
	Kind    Kind
	Message string
	Context map[string]any
	Cause   error
}

func New(kind Kind, message string) *Error {
	return &Error{
		Kind:    kind,
		Message: message,
		Context: make(map[string]any),
	}
}

func Newf(kind Kind, format string, args ...any) *Error {
	return New(kind, fmt.Sprintf(format, args...))
}

func Wrap(err error, kind Kind, message string) *Error {
	e := New(kind, message)
	e.Cause = err
	return e
}

func (e *Error) Error() string {
	var parts []string
	parts = append(parts, fmt.Sprintf("[%s] %s", e.Kind, e.Message))

	if len(e.Context) > 0 {
		keys := make([]string, 0, len(e.Context))
		for k := range e.Context {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		ctxParts := make([]string, 0, len(keys))
		for _, k := range keys {
			ctxParts = append(ctxParts, fmt.Sprintf("%s=%v", k, e.Context[k]))
		}
		parts = append(parts, fmt.Sprintf("context: %s", strings.Join(ctxParts, ", ")))
	}

	if e.Cause != nil {
		parts = append(parts, fmt.Sprintf("cause: %v", e.Cause))
	}

	return strings.Join(parts, " | ")
}

func (e *Error) Unwrap() error {
	return e.Cause
}

func (e *Error) WithContext(key string, value any) *Error {
	if e.Context == nil {
		e.Context = make(map[string]any)
	}
	e.Context[key] = value
	return e
}

// Is reports whether any error in err's chain is an *Error of the given kind.
func Is(err error, kind Kind) bool {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind == kind
	}
	return false
}

// KindOf returns the kind of the first *Error in the chain, or Unknown.
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return Unknown
}

// UserMessage returns the text to show a user: the Message of the first
// *Error in the chain when present, else fallback.
func UserMessage(err error, fallback string) string {
	var e *Error
	if errors.As(err, &e) && strings.TrimSpace(e.Message) != "" {
		return e.Message
	}
	return fallback
}
