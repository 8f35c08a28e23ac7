package clientauth

import (
	"errors"
	"strings"

	"github.com/connectauth/connectauth/internal/session"
)

// Kind classifies why an attempt ended.
type Kind string

const (
	// KindConnectionTimeout means the process or window never became attachable in time.
	KindConnectionTimeout Kind = "connection_timeout"
	// KindNetworkUnavailable means the identifier field stayed unreachable.
	KindNetworkUnavailable Kind = "network_unavailable"
	// KindLoginTimeout means the authenticated view never appeared after sign-in.
	// Wrong credentials and lost connectivity both end here.
	KindLoginTimeout Kind = "login_timeout"
	// KindLogoutTimeout means the authenticated view never disappeared after sign-out.
	KindLogoutTimeout Kind = "logout_timeout"
	// KindNotAuthenticated means logout was requested without a live session.
	KindNotAuthenticated Kind = "not_authenticated"
	// KindStaleHandle means a window or control vanished while in use.
	KindStaleHandle Kind = "stale_handle"
	// KindNotFound means a required process, window or control was absent.
	KindNotFound Kind = "not_found"
)

// Retryable reports whether a fresh attempt may plausibly succeed.
func (k Kind) Retryable() bool {
	switch k {
	case KindConnectionTimeout, KindNetworkUnavailable, KindStaleHandle:
		return true
	default:
		return false
	}
}

// Sentinels for errors.Is. They match any *Error of the same kind.
var (
	ErrConnectionTimeout  = &Error{Kind: KindConnectionTimeout}
	ErrNetworkUnavailable = &Error{Kind: KindNetworkUnavailable}
	ErrLoginTimeout       = &Error{Kind: KindLoginTimeout}
	ErrLogoutTimeout      = &Error{Kind: KindLogoutTimeout}
	ErrNotAuthenticated   = &Error{Kind: KindNotAuthenticated}
	ErrStaleHandle        = &Error{Kind: KindStaleHandle}
	ErrNotFound           = &Error{Kind: KindNotFound}
)

// Error is the typed terminal failure of one state machine run.
type Error struct {
	Kind  Kind
	Phase session.Phase
	Op    string
	Err   error
}

func (e *Error) Error() string {
	var b strings.Builder
	if e.Op != "" {
		b.WriteString(e.Op)
		b.WriteString(": ")
	}
	b.WriteString(string(e.Kind))
	if e.Phase != "" {
		b.WriteString(" (phase ")
		b.WriteString(string(e.Phase))
		b.WriteString(")")
	}
	if e.Err != nil {
		b.WriteString(": ")
		b.WriteString(e.Err.Error())
	}
	return b.String()
}

// Unwrap returns the underlying cause.
func (e *Error) Unwrap() error {
	return e.Err
}

// Is matches another *Error of the same kind.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	return ok && t.Kind == e.Kind
}

// KindOf returns the kind carried by err, or "" when err is not a clientauth failure.
func KindOf(err error) Kind {
	var typed *Error
	if errors.As(err, &typed) {
		return typed.Kind
	}
	return ""
}

func newError(kind Kind, op string, phase session.Phase, cause error) *Error {
	return &Error{Kind: kind, Phase: phase, Op: op, Err: cause}
}
