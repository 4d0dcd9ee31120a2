package protocol

import (
	"errors"
	"fmt"
	"strings"
	"time"
)

// Kind classifies a failure so that every caller, local or remote, can react to it
// without parsing messages.
type Kind string

const (
	KindBadRequest     Kind = "BadRequest"
	KindNotRunning     Kind = "NotRunning"
	KindAlreadyRunning Kind = "AlreadyRunning"
	KindStartupTimeout Kind = "StartupTimeout"
	KindTimeout        Kind = "Timeout"
	KindAmbiguousMatch Kind = "AmbiguousMatch"
	KindEngine         Kind = "EngineError"
	KindConfiguration  Kind = "ConfigurationError"
	KindTransport      Kind = "TransportError"
)

// Exit statuses. ExitNotFound is the expected negative answer of presence checks
// and is not a failure.
const (
	ExitOK           = 0
	ExitNotFound     = 1
	ExitBadRequest   = 2
	ExitNotRunning   = 3
	ExitAlreadyRun   = 4
	ExitStartupTime  = 5
	ExitTimeout      = 6
	ExitAmbiguous    = 7
	ExitEngine       = 8
	ExitConfig       = 9
	ExitTransport    = 10
	exitUnclassified = ExitEngine
)

var kindExitCodes = map[Kind]int{
	KindBadRequest:     ExitBadRequest,
	KindNotRunning:     ExitNotRunning,
	KindAlreadyRunning: ExitAlreadyRun,
	KindStartupTimeout: ExitStartupTime,
	KindTimeout:        ExitTimeout,
	KindAmbiguousMatch: ExitAmbiguous,
	KindEngine:         ExitEngine,
	KindConfiguration:  ExitConfig,
	KindTransport:      ExitTransport,
}

// ExitCode returns the process exit status reserved for the kind.
func (k Kind) ExitCode() int {
	if code, ok := kindExitCodes[k]; ok {
		return code
	}
	return exitUnclassified
}

// Valid reports whether k is one of the known kinds.
func (k Kind) Valid() bool {
	_, ok := kindExitCodes[k]
	return ok
}

// Error is the typed failure carried across the daemon boundary.
type Error struct {
	Kind     Kind          `json:"kind"`
	Message  string        `json:"message"`
	Selector string        `json:"selector,omitempty"`
	Elapsed  time.Duration `json:"elapsed,omitempty"`
	Err      error         `json:"-"`
}

func (e *Error) Error() string {
	if e.Message == "" && e.Err != nil {
		return e.Err.Error()
	}
	return e.Message
}

func (e *Error) Unwrap() error {
	return e.Err
}

// ExitCode satisfies the exit coder contract used by the command layer.
func (e *Error) ExitCode() int {
	return e.Kind.ExitCode()
}

// Is lets errors.Is match on kind alone, so callers can compare against the
// sentinel values below.
func (e *Error) Is(target error) bool {
	var t *Error
	if !errors.As(target, &t) {
		return false
	}
	return t.Message == "" && t.Kind == e.Kind
}

// Sentinels usable with errors.Is.
var (
	ErrNotRunning     = &Error{Kind: KindNotRunning}
	ErrAlreadyRunning = &Error{Kind: KindAlreadyRunning}
	ErrStartupTimeout = &Error{Kind: KindStartupTimeout}
	ErrTimeout        = &Error{Kind: KindTimeout}
	ErrAmbiguousMatch = &Error{Kind: KindAmbiguousMatch}
	ErrEngine         = &Error{Kind: KindEngine}
	ErrConfiguration  = &Error{Kind: KindConfiguration}
	ErrBadRequest     = &Error{Kind: KindBadRequest}
	ErrTransport      = &Error{Kind: KindTransport}
)

// Errorf builds a typed error with a formatted message.
func Errorf(kind Kind, format string, args ...any) *Error {
	return &Error{Kind: kind, Message: fmt.Sprintf(format, args...)}
}

// Wrap attaches a kind to an underlying error. The message is taken from err.
func Wrap(kind Kind, err error) *Error {
	if err == nil {
		return nil
	}
	return &Error{Kind: kind, Message: err.Error(), Err: err}
}

// NotRunning reports a command addressed to an absent session.
func NotRunning(session string) *Error {
	return Errorf(KindNotRunning, "no session %q running; use 'plwr start' first", session)
}

// AlreadyRunning reports a start request for a live session.
func AlreadyRunning(session string) *Error {
	return Errorf(KindAlreadyRunning, "session %q is already running", session)
}

// StartupTimeout reports a daemon that never signalled readiness.
func StartupTimeout(session string, after time.Duration) *Error {
	return Errorf(KindStartupTimeout, "session %q did not start within %s", session, after)
}

// Timeout reports a selector wait that ran out of time.
func Timeout(selector string, elapsed time.Duration) *Error {
	return &Error{
		Kind:     KindTimeout,
		Message:  fmt.Sprintf("Timeout %dms exceeded. [selector: %s]", elapsed.Milliseconds(), selector),
		Selector: selector,
		Elapsed:  elapsed,
	}
}

// TimeoutMissing reports a multi-selector wait, listing the selectors that never
// matched.
func TimeoutMissing(prefix string, selectors []string, elapsed time.Duration) *Error {
	return &Error{
		Kind:     KindTimeout,
		Message:  fmt.Sprintf("Timeout %dms exceeded. %s: [%s]", elapsed.Milliseconds(), prefix, strings.Join(selectors, ", ")),
		Selector: strings.Join(selectors, ", "),
		Elapsed:  elapsed,
	}
}

// AmbiguousMatch reports a strict mode violation for a single target command.
func AmbiguousMatch(selector string, count int) *Error {
	return &Error{
		Kind: KindAmbiguousMatch,
		Message: fmt.Sprintf("selector resolved to %d elements [selector: %s]\n\n"+
			"Hint: use '>> nth=0' to select the first match, e.g.:\n  plwr <command> \"%s >> nth=0\"",
			count, selector, selector),
		Selector: selector,
	}
}

// KindOf extracts the kind of err, defaulting to EngineError for untyped failures.
func KindOf(err error) Kind {
	var pe *Error
	if errors.As(err, &pe) {
		return pe.Kind
	}
	return KindEngine
}

// AsError converts any error into a typed one without losing an existing kind.
func AsError(err error) *Error {
	if err == nil {
		return nil
	}
	var pe *Error
	if errors.As(err, &pe) {
		return pe
	}
	return Wrap(KindEngine, err)
}
