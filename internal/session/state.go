// Package session holds the per-attempt SessionState record and the phase
// lifecycle it is allowed to move through.
package session

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/connectauth/connectauth/internal/automation"
	"github.com/connectauth/connectauth/internal/telemetry/invariants"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

// Phase is one step of the authentication lifecycle.
type Phase string

const (
	PhaseNotStarted     Phase = "not_started"
	PhaseStarting       Phase = "starting"
	PhaseConnected      Phase = "connected"
	PhaseAuthenticating Phase = "authenticating"
	PhaseAuthenticated  Phase = "authenticated"
	PhaseLoggingOut     Phase = "logging_out"
	PhaseLoggedOut      Phase = "logged_out"
	PhaseFailed         Phase = "failed"
)

// HasWindow reports whether a window handle must be held in this phase.
func (p Phase) HasWindow() bool {
	switch p {
	case PhaseConnected, PhaseAuthenticating, PhaseAuthenticated, PhaseLoggingOut, PhaseLoggedOut:
		return true
	default:
		return false
	}
}

// Terminal reports whether no further transition is possible.
func (p Phase) Terminal() bool {
	return p == PhaseFailed
}

var allowedTransitions = map[Phase]map[Phase]struct{}{
	PhaseNotStarted: {
		PhaseStarting:  {},
		PhaseConnected: {},
	},
	PhaseStarting: {
		PhaseConnected: {},
	},
	PhaseConnected: {
		PhaseAuthenticating: {},
		PhaseLoggingOut:     {},
	},
	PhaseAuthenticating: {
		PhaseAuthenticated: {},
	},
	PhaseAuthenticated: {
		PhaseLoggingOut: {},
	},
	PhaseLoggingOut: {
		PhaseLoggedOut: {},
	},
	PhaseLoggedOut: {
		PhaseAuthenticating: {},
	},
}

// TransitionRecord stores transition metadata for local history.
type TransitionRecord struct {
	AttemptID string
	From      Phase
	To        Phase
	Reason    string
	Timestamp time.Time
}

// IllegalTransitionError is returned for a disallowed transition.
type IllegalTransitionError struct {
	AttemptID string
	From      Phase
	To        Phase
	Reason    string
}

func (e *IllegalTransitionError) Error() string {
	reason := strings.TrimSpace(e.Reason)
	if reason == "" {
		reason = "illegal transition for session lifecycle"
	}
	return fmt.Sprintf("cannot transition attempt %q from %q to %q: %s", e.AttemptID, e.From, e.To, reason)
}

// Is enables errors.Is checks for illegal transition failures.
func (e *IllegalTransitionError) Is(target error) bool {
	_, ok := target.(*IllegalTransitionError)
	return ok
}

// Option configures State construction.
type Option func(*State)

// WithTracer configures the tracer used for transition spans.
func WithTracer(tracer trace.Tracer) Option {
	return func(state *State) {
		if tracer == nil {
			return
		}
		state.tracer = tracer
	}
}

// WithObserver registers a callback invoked after every accepted transition.
func WithObserver(observer func(TransitionRecord)) Option {
	return func(state *State) {
		state.observer = observer
	}
}

// WithClock overrides the timestamp source.
func WithClock(now func() time.Time) Option {
	return func(state *State) {
		if now != nil {
			state.now = now
		}
	}
}

// State is the mutable record for one authentication attempt. It is owned by
// a single orchestrator and is not safe for concurrent use.
type State struct {
	attemptID  string
	phase      Phase
	processID  int
	hasProcess bool
	window     automation.WindowHandle
	hasWindow  bool

	tracer   trace.Tracer
	now      func() time.Time
	observer func(TransitionRecord)
	history  []TransitionRecord
}

// New creates a State in PhaseNotStarted.
func New(attemptID string, options ...Option) *State {
	state := &State{
		attemptID: strings.TrimSpace(attemptID),
		phase:     PhaseNotStarted,
		tracer:    otel.Tracer("connectauth/session"),
		now:       time.Now,
		history:   []TransitionRecord{},
	}
	for _, option := range options {
		if option == nil {
			continue
		}
		option(state)
	}
	return state
}

// AttemptID returns the correlation id of the owning attempt.
func (s *State) AttemptID() string {
	return s.attemptID
}

// Phase returns the current lifecycle phase.
func (s *State) Phase() Phase {
	return s.phase
}

// ProcessID returns the resolved client process id, if any.
func (s *State) ProcessID() (int, bool) {
	return s.processID, s.hasProcess
}

// Window returns the attached window handle, if any.
func (s *State) Window() (automation.WindowHandle, bool) {
	return s.window, s.hasWindow
}

// History returns the transitions accepted so far.
func (s *State) History() []TransitionRecord {
	out := make([]TransitionRecord, len(s.history))
	copy(out, s.history)
	return out
}

// SetProcess records a resolved process id.
func (s *State) SetProcess(pid int) {
	s.processID = pid
	s.hasProcess = pid > 0
}

// ClearProcess forgets the process id after it was observed gone.
func (s *State) ClearProcess() {
	s.processID = 0
	s.hasProcess = false
}

// Connect attaches pid and window and enters PhaseConnected.
func (s *State) Connect(ctx context.Context, pid int, window automation.WindowHandle, reason string) error {
	if window.IsZero() {
		return errors.New("window handle must not be empty")
	}
	if !isAllowed(s.phase, PhaseConnected) {
		return s.reject(ctx, PhaseConnected, reason)
	}
	s.SetProcess(pid)
	s.window = window
	s.hasWindow = true
	return s.apply(ctx, PhaseConnected, reason)
}

// Transition moves to a phase that keeps the current window ownership.
func (s *State) Transition(ctx context.Context, to Phase, reason string) error {
	if !isAllowed(s.phase, to) {
		return s.reject(ctx, to, reason)
	}
	if !invariants.WindowMatchesPhase(ctx, "session.State.Transition", string(to), to.HasWindow(), s.hasWindow) {
		return fmt.Errorf("enter %s: window handle held=%t violates phase ownership", to, s.hasWindow)
	}
	return s.apply(ctx, to, reason)
}

// Fail enters PhaseFailed and drops every handle. Failing twice is a no-op.
func (s *State) Fail(ctx context.Context, reason string) error {
	if s.phase == PhaseFailed {
		return nil
	}
	s.invalidate()
	return s.apply(ctx, PhaseFailed, reason)
}

// Reset drops every handle and returns to PhaseNotStarted so a fresh
// connection pass can run. Only the stale-handle restart uses it.
func (s *State) Reset(ctx context.Context, reason string) error {
	if s.phase.Terminal() {
		return s.reject(ctx, PhaseNotStarted, reason)
	}
	s.invalidate()
	return s.apply(ctx, PhaseNotStarted, reason)
}

func (s *State) invalidate() {
	s.ClearProcess()
	s.window = automation.WindowHandle{}
	s.hasWindow = false
}

func (s *State) reject(ctx context.Context, to Phase, reason string) error {
	invariants.LegalTransition(ctx, "session.State.Transition", string(s.phase), string(to), false)
	return &IllegalTransitionError{
		AttemptID: s.attemptID,
		From:      s.phase,
		To:        to,
		Reason:    strings.TrimSpace(reason),
	}
}

func (s *State) apply(ctx context.Context, to Phase, reason string) error {
	if ctx == nil {
		ctx = context.Background()
	}
	_, span := s.tracer.Start(ctx, "session.transition")
	defer span.End()

	record := TransitionRecord{
		AttemptID: s.attemptID,
		From:      s.phase,
		To:        to,
		Reason:    strings.TrimSpace(reason),
		Timestamp: s.now().UTC(),
	}
	span.SetAttributes(
		attribute.String("attempt_id", record.AttemptID),
		attribute.String("from_phase", string(record.From)),
		attribute.String("to_phase", string(record.To)),
		attribute.String("reason", record.Reason),
		attribute.Bool("has_window", s.hasWindow),
	)

	s.phase = to
	s.history = append(s.history, record)
	span.SetStatus(codes.Ok, "phase transition applied")

	if s.observer != nil {
		s.observer(record)
	}
	return nil
}

func isAllowed(from, to Phase) bool {
	next, ok := allowedTransitions[from]
	if !ok {
		return false
	}
	_, ok = next[to]
	return ok
}
