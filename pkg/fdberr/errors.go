// Package fdberr defines the error taxonomy shared by every fdb component:
// a small set of Kinds that callers can switch on with errors.As, each
// wrapping an underlying cause the way the rest of the codebase wraps
// errors with fmt.Errorf("...: %w", err).
package fdberr

import (
	"errors"
	"fmt"
)

// Kind classifies an Error for callers that need to react differently to
// different failure modes (retry, surface to user, treat as fatal, ...).
type Kind string

const (
	// UsageError: request under-specified, missing mandatory key, schema
	// mismatch, over-specified wipe request. Not retried.
	UsageError Kind = "usage"

	// NotFound: DB, Index entry, or Store object absent.
	NotFound Kind = "not_found"

	// AlreadyExists: attempt to create a uniquely-named resource that
	// exists. Usually recoverable by the caller treating it as success.
	AlreadyExists Kind = "already_exists"

	// Corruption: missing start/end marker, unrecognised version,
	// truncated payload. Fatal for the affected DB.
	Corruption Kind = "corruption"

	// Transport: socket read/write truncation, connection reset.
	Transport Kind = "transport"

	// Capacity: port list exhausted, read-limiter request too large.
	Capacity Kind = "capacity"

	// Consistency: flush count mismatch, session ID mismatch, unexpected
	// message kind.
	Consistency Kind = "consistency"
)

// Error is the concrete error type returned by fdb packages.
type Error struct {
	Kind     Kind
	Op       string // the operation that failed, e.g. "catalogue.archive"
	Endpoint string // remote endpoint, when relevant (Transport errors)
	URI      string // affected URI, when relevant
	Err      error  // wrapped cause, may be nil
}

func (e *Error) Error() string {
	msg := fmt.Sprintf("%s: %s", e.Kind, e.Op)
	if e.Endpoint != "" {
		msg += fmt.Sprintf(" (endpoint=%s)", e.Endpoint)
	}
	if e.URI != "" {
		msg += fmt.Sprintf(" (uri=%s)", e.URI)
	}
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *Error) Unwrap() error { return e.Err }

// New builds an *Error of the given kind for operation op, wrapping cause.
func New(kind Kind, op string, cause error) *Error {
	return &Error{Kind: kind, Op: op, Err: cause}
}

// Newf builds an *Error with a formatted cause.
func Newf(kind Kind, op, format string, args ...any) *Error {
	return &Error{Kind: kind, Op: op, Err: fmt.Errorf(format, args...)}
}

// WithEndpoint returns a copy of e annotated with a remote endpoint.
func (e *Error) WithEndpoint(endpoint string) *Error {
	c := *e
	c.Endpoint = endpoint
	return &c
}

// WithURI returns a copy of e annotated with a URI.
func (e *Error) WithURI(uri string) *Error {
	c := *e
	c.URI = uri
	return &c
}

// Is reports whether err carries the given Kind.
func Is(err error, kind Kind) bool {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind == kind
	}
	return false
}

// ExitCode maps an error to the CLI exit code convention:
// 0 on success (never produced here), 1 on usage error, >1 on runtime error.
func ExitCode(err error) int {
	if err == nil {
		return 0
	}
	var e *Error
	if errors.As(err, &e) && e.Kind == UsageError {
		return 1
	}
	return 2
}
