// Package errs defines the closed set of error kinds reported by the sync engine
// and its remote backends. Callers branch on Kind instead of matching messages.
package errs

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"
)

// Kind classifies an error. The set is closed; backends map every remote
// failure onto one of these values.
type Kind string

const (
	// KindAuth indicates an invalid or missing credential. Never retried.
	KindAuth Kind = "AUTH"

	// KindNotFound indicates a referenced repository, branch or owner is absent.
	KindNotFound Kind = "NOT_FOUND"

	// KindRateLimit indicates the remote quota is exhausted.
	KindRateLimit Kind = "RATE_LIMIT"

	// KindConcurrentModification indicates a ref moved between read and write.
	KindConcurrentModification Kind = "CONCURRENT_MODIFICATION"

	// KindValidation indicates malformed caller input.
	KindValidation Kind = "VALIDATION"

	// KindNetwork indicates a transient transport failure.
	KindNetwork Kind = "NETWORK"

	// KindAlreadyExists indicates a repository name collision during provisioning.
	KindAlreadyExists Kind = "ALREADY_EXISTS"

	// KindCollection indicates the sync root could not be walked.
	KindCollection Kind = "COLLECTION"

	// KindPath indicates a relative path that cannot be placed in a tree.
	KindPath Kind = "PATH"

	// KindUpload wraps the failure of a single blob upload. The wrapped cause
	// carries the transient or permanent classification.
	KindUpload Kind = "UPLOAD"

	// KindCanceled indicates the run observed cancellation.
	KindCanceled Kind = "CANCELED"

	// KindInternal covers everything the remote reported that fits no other kind.
	KindInternal Kind = "INTERNAL"
)

// Error is the single error type surfaced by the engine.
type Error struct {
	Kind    Kind
	Op      string // operation that failed, e.g. "create blob"
	Path    string // local relative path, when the failure concerns one file
	Message string
	Status  int // remote status code, 0 when unknown
	Err     error

	// RetryAfter is the remote's hint for rate-limit recovery, 0 when unknown.
	RetryAfter time.Duration
}

func (e *Error) Error() string {
	var b strings.Builder
	if e.Op != "" {
		b.WriteString(e.Op)
	}
	if e.Path != "" {
		if b.Len() > 0 {
			b.WriteString(" ")
		}
		b.WriteString(e.Path)
	}
	msg := e.Message
	if msg == "" && e.Err != nil {
		msg = e.Err.Error()
	} else if msg != "" && e.Err != nil {
		msg = msg + ": " + e.Err.Error()
	}
	if msg != "" {
		if b.Len() > 0 {
			b.WriteString(": ")
		}
		b.WriteString(msg)
	}
	if e.Status != 0 {
		fmt.Fprintf(&b, " (status %d)", e.Status)
	}
	if b.Len() == 0 {
		return strings.ToLower(string(e.Kind))
	}
	return b.String()
}

func (e *Error) Unwrap() error {
	return e.Err
}

// New creates an Error of the given kind with a message.
func New(kind Kind, op, message string) *Error {
	return &Error{Kind: kind, Op: op, Message: message}
}

// Errorf creates an Error of the given kind with a formatted message.
func Errorf(kind Kind, op, format string, args ...any) *Error {
	return &Error{Kind: kind, Op: op, Message: fmt.Sprintf(format, args...)}
}

// Wrap wraps err with a kind and operation. It returns nil for a nil err.
func Wrap(kind Kind, op string, err error) error {
	if err == nil {
		return nil
	}
	return &Error{Kind: kind, Op: op, Err: err}
}

// WithStatus records the remote status code and returns e.
func (e *Error) WithStatus(status int) *Error {
	e.Status = status
	return e
}

// WithPath records the local path and returns e.
func (e *Error) WithPath(path string) *Error {
	e.Path = path
	return e
}

// RetryAfterOf returns the first RetryAfter hint in err's chain.
func RetryAfterOf(err error) time.Duration {
	for err != nil {
		var e *Error
		if !errors.As(err, &e) {
			return 0
		}
		if e.RetryAfter > 0 {
			return e.RetryAfter
		}
		err = e.Err
	}
	return 0
}

// KindOf returns the outermost Kind in err's chain, or KindInternal when the
// chain holds no *Error.
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return KindCanceled
	}
	return KindInternal
}

// Cause returns the innermost Kind in err's chain. For an Upload error this is
// the classification of the underlying remote failure.
func Cause(err error) Kind {
	kind := KindOf(err)
	for err != nil {
		var e *Error
		if !errors.As(err, &e) {
			break
		}
		kind = e.Kind
		err = e.Err
	}
	return kind
}

// Is reports whether any error in err's chain has the given kind. Joined
// errors are searched too.
func Is(err error, kind Kind) bool {
	if err == nil {
		return false
	}
	if kind == KindCanceled && (errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded)) {
		return true
	}
	switch x := err.(type) {
	case *Error:
		if x.Kind == kind {
			return true
		}
		return Is(x.Err, kind)
	case interface{ Unwrap() []error }:
		for _, inner := range x.Unwrap() {
			if Is(inner, kind) {
				return true
			}
		}
		return false
	case interface{ Unwrap() error }:
		return Is(x.Unwrap(), kind)
	}
	return false
}

// Retryable reports whether err is worth another attempt: rate limiting and
// transient network failures are, everything else is not.
func Retryable(err error) bool {
	switch Cause(err) {
	case KindRateLimit, KindNetwork:
		return true
	}
	return false
}

// StageError is the orchestrator's aggregation wrapper. It names the failing
// stage and how many files had already synced without reinterpreting the kind.
type StageError struct {
	Stage  string
	Synced int
	Err    error
}

func (e *StageError) Error() string {
	return fmt.Sprintf("%s failed after %d files synced: %v", e.Stage, e.Synced, e.Err)
}

func (e *StageError) Unwrap() error {
	return e.Err
}

// Describe renders err as the one-line diagnosis shown to CLI and agent callers.
func Describe(err error) string {
	if err == nil {
		return ""
	}
	msg := strings.ReplaceAll(err.Error(), "\n", "; ")
	kind := KindOf(err)
	if kind == KindInternal {
		var e *Error
		if !errors.As(err, &e) {
			return msg
		}
	}
	if kind == KindUpload {
		kind = Cause(err)
	}
	return fmt.Sprintf("[%s] %s", strings.ToLower(string(kind)), msg)
}
