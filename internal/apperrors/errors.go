// Package apperrors defines the closed taxonomy of error kinds the core
// surfaces to a presentation layer, plus a suggestion-wrapping helper for
// turning them into a dismissible UI banner.
package apperrors

import (
	"errors"
	"fmt"
)

// Kind is a closed set of error categories a caller can switch on.
type Kind string

const (
	// KindInvalidFormat marks a VTODO/VCALENDAR the codec could not parse.
	KindInvalidFormat Kind = "invalid_format"
	// KindInvalidInput marks text the smart-input parser or query engine rejected.
	KindInvalidInput Kind = "invalid_input"
	// KindNotFound marks a reference to an unknown UID, href, or calendar.
	KindNotFound Kind = "not_found"
	// KindTransport marks a network or TLS failure talking to the CalDAV server.
	KindTransport Kind = "transport"
	// KindAuth marks a rejected credential.
	KindAuth Kind = "auth"
	// KindPreconditionFailed marks a 412 that survived merge retries.
	KindPreconditionFailed Kind = "precondition_failed"
	// KindConflict marks a 3-way merge that produced a conflict copy; a
	// warning, not a failure — the mutation still applied.
	KindConflict Kind = "conflict"
	// KindCacheIO marks a failure writing or reading the on-disk cache/journal.
	KindCacheIO Kind = "cache_io"
	// KindLockBusy marks a sentinel file lock held by another process.
	KindLockBusy Kind = "lock_busy"
	// KindCancelled marks a cooperatively cancelled sync.
	KindCancelled Kind = "cancelled"
)

// Error is a typed error carrying a Kind and an optional user-facing
// suggestion. It implements errors.Is/As via Unwrap.
type Error struct {
	Kind       Kind
	Err        error
	Suggestion string

	// Line is set by the codec for KindInvalidFormat to point at the
	// offending logical line number (1-indexed). Zero means unknown.
	Line int
}

func (e *Error) Error() string {
	msg := fmt.Sprintf("%s: %s", e.Kind, e.Err.Error())
	if e.Line > 0 {
		msg = fmt.Sprintf("%s (line %d)", msg, e.Line)
	}
	if e.Suggestion != "" {
		msg = fmt.Sprintf("%s\n\nSuggestion: %s", msg, e.Suggestion)
	}
	return msg
}

func (e *Error) Unwrap() error { return e.Err }

// Is reports whether target is an *Error with the same Kind, so callers can
// write errors.Is(err, apperrors.New(apperrors.KindNotFound, nil)).
func (e *Error) Is(target error) bool {
	var te *Error
	if errors.As(target, &te) {
		return te.Kind == e.Kind
	}
	return false
}

// New builds an *Error of the given kind wrapping err.
func New(kind Kind, err error) *Error {
	return &Error{Kind: kind, Err: err}
}

// Newf builds an *Error of the given kind from a format string.
func Newf(kind Kind, format string, args ...any) *Error {
	return &Error{Kind: kind, Err: fmt.Errorf(format, args...)}
}

// WithSuggestion attaches a user-facing suggestion and returns the receiver
// for chaining at the call site.
func (e *Error) WithSuggestion(suggestion string) *Error {
	e.Suggestion = suggestion
	return e
}

// WithLine attaches a 1-indexed logical-line number for codec errors.
func (e *Error) WithLine(line int) *Error {
	e.Line = line
	return e
}

// KindOf extracts the Kind of err if it is (or wraps) an *Error, and ok=false
// otherwise.
func KindOf(err error) (Kind, bool) {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind, true
	}
	return "", false
}

// IsKind reports whether err is (or wraps) an *Error of the given kind.
func IsKind(err error, kind Kind) bool {
	k, ok := KindOf(err)
	return ok && k == kind
}

// Convenience constructors mirroring the common call sites.

func NotFound(format string, args ...any) *Error {
	return Newf(KindNotFound, format, args...).WithSuggestion("check the UID or href and try again")
}

func InvalidInput(format string, args ...any) *Error {
	return Newf(KindInvalidInput, format, args...)
}

func InvalidFormat(line int, format string, args ...any) *Error {
	return Newf(KindInvalidFormat, format, args...).WithLine(line)
}

func CacheIO(err error) *Error {
	return New(KindCacheIO, err).WithSuggestion("check disk space and permissions under the cache directory")
}

func LockBusy(path string) *Error {
	return Newf(KindLockBusy, "cache is locked by another process: %s", path).
		WithSuggestion("wait for the other cfait process to exit, or remove the lock file if it is stale")
}

func Transport(err error) *Error {
	return New(KindTransport, err).WithSuggestion("check your network connection and the server URL")
}

func Auth(err error) *Error {
	return New(KindAuth, err).WithSuggestion("verify your username and password")
}

func Cancelled() *Error {
	return New(KindCancelled, errors.New("operation cancelled"))
}
