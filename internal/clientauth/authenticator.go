package clientauth

import (
	"context"
	"errors"
	"fmt"

	"github.com/connectauth/connectauth/internal/events"
	"github.com/connectauth/connectauth/internal/logging"
	"github.com/connectauth/connectauth/internal/process"
	"github.com/connectauth/connectauth/internal/session"
	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
)

// Locker claims a client for one attempt and returns the release closure.
type Locker interface {
	Acquire(ctx context.Context, clientKey, attemptID string) (func() error, error)
}

// AuthenticatorOptions carries the optional collaborators of an Authenticator.
type AuthenticatorOptions struct {
	// Locker is skipped when nil.
	Locker Locker
	// Bus receives attempt, transition and verdict events when non-nil.
	Bus events.Publisher
	// NewID defaults to random UUIDs.
	NewID func() string
}

// Authenticator owns one SessionState per attempt and runs the state
// machines in order.
type Authenticator struct {
	cfg       Config
	deps      Deps
	connector *Connector
	login     *LoginMachine
	logout    *LogoutMachine
	locker    Locker
	bus       events.Publisher
	newID     func() string
	clientKey string
}

// Status is a read-only view of the client.
type Status struct {
	Running       bool
	PID           int
	Attached      bool
	Authenticated bool
}

// NewAuthenticator builds the state machines for cfg.
func NewAuthenticator(cfg Config, deps Deps, opts AuthenticatorOptions) (*Authenticator, error) {
	login, err := NewLoginMachine(cfg, deps)
	if err != nil {
		return nil, err
	}
	newID := opts.NewID
	if newID == nil {
		newID = func() string { return uuid.NewString() }
	}
	return &Authenticator{
		cfg:       login.cfg,
		deps:      login.deps,
		connector: login.connector,
		login:     login,
		logout:    login.logout,
		locker:    opts.Locker,
		bus:       opts.Bus,
		newID:     newID,
		clientKey: process.ExecutableName(login.cfg.ExecutablePath),
	}, nil
}

// Authenticate connects to the client and signs in with credential. The
// returned state is nil only when the client lease could not be acquired.
func (a *Authenticator) Authenticate(ctx context.Context, credential session.Credential) (*session.State, error) {
	if a == nil {
		return nil, errors.New("authenticator is nil")
	}
	if credential.IsZero() {
		return nil, errors.New("credential is required")
	}
	return a.run(ctx, opLogin, func(ctx context.Context, state *session.State) error {
		if err := a.connector.Connect(ctx, state); err != nil {
			return err
		}
		return a.login.Login(ctx, state, credential)
	})
}

// Logout attaches to the running client and signs the live session out. It
// never launches the client: with no attachable client there is no session,
// so it fails at once with KindNotAuthenticated.
func (a *Authenticator) Logout(ctx context.Context) (*session.State, error) {
	if a == nil {
		return nil, errors.New("authenticator is nil")
	}
	return a.run(ctx, opLogout, func(ctx context.Context, state *session.State) error {
		attached, err := a.connector.Attach(ctx, state)
		if err != nil {
			return err
		}
		if !attached {
			err := newError(KindNotAuthenticated, opLogout, state.Phase(), errors.New("client is not running"))
			_ = state.Fail(ctx, err.Error())
			return err
		}
		return a.logout.Logout(ctx, state)
	})
}

// Status probes the process table and the client window once. It never
// launches the client and performs no UI action.
func (a *Authenticator) Status(ctx context.Context) (Status, error) {
	if a == nil {
		return Status{}, errors.New("authenticator is nil")
	}
	var status Status
	pid, err := a.deps.Locator.FindProcessID(ctx, a.clientKey)
	if errors.Is(err, process.ErrNotFound) {
		return status, nil
	}
	if err != nil {
		return status, fmt.Errorf("status: locate client: %w", err)
	}
	status.Running = true
	status.PID = pid

	up, err := a.deps.Adapter.WindowExists(ctx, pid)
	if err != nil && !isGone(err) {
		return status, fmt.Errorf("status: window exists: %w", err)
	}
	if err != nil || !up {
		return status, nil
	}
	window, err := a.deps.Adapter.AttachWindow(ctx, pid, a.cfg.WindowTitle)
	if isGone(err) {
		return status, nil
	}
	if err != nil {
		return status, fmt.Errorf("status: attach window: %w", err)
	}
	status.Attached = true

	present, err := markerPresent(ctx, a.deps.Adapter, window, a.cfg.Selectors.AuthenticatedMarker)
	if err != nil {
		return status, fmt.Errorf("status: probe authenticated view: %w", err)
	}
	status.Authenticated = present
	return status, nil
}

func (a *Authenticator) run(ctx context.Context, operation string, body func(context.Context, *session.State) error) (_ *session.State, err error) {
	attemptID := a.newID()
	ctx, span := a.deps.Tracer.Start(ctx, "clientauth.attempt", trace.WithAttributes(
		attribute.String("attempt_id", attemptID),
		attribute.String("operation", operation),
		attribute.String("client", a.clientKey),
	))
	defer func() { endSpan(span, err) }()
	logger := logging.ForAttempt(ctx, a.deps.Logger, attemptID).With("op", operation)
	started := a.deps.Clock.Now()

	if a.locker != nil {
		release, err := a.locker.Acquire(ctx, a.clientKey, attemptID)
		if err != nil {
			logger.Error("client lease unavailable", "client", a.clientKey, "err", err)
			return nil, fmt.Errorf("%s: acquire client lease: %w", operation, err)
		}
		defer func() {
			if err := release(); err != nil {
				logger.Warn("release client lease failed", "err", err)
			}
		}()
	}

	state := session.New(attemptID,
		session.WithTracer(a.deps.Tracer),
		session.WithClock(a.deps.Clock.Now),
		session.WithObserver(func(record session.TransitionRecord) {
			a.onTransition(record)
		}),
	)
	a.publish(events.EventTypeAttemptStarted, attemptID, events.SeverityInfo, operation)
	logger.Info("attempt started", "client", a.clientKey)

	err = body(ctx, state)

	verdict := events.VerdictPayload{
		Operation: operation,
		Phase:     string(state.Phase()),
		Kind:      string(KindOf(err)),
		Duration:  a.deps.Clock.Now().Sub(started),
	}
	severity := events.SeverityInfo
	if err != nil {
		verdict.Message = err.Error()
		severity = events.SeverityError
		logger.Error("attempt failed", "phase", state.Phase(), "kind", verdict.Kind, "duration", verdict.Duration)
	} else {
		logger.Info("attempt succeeded", "phase", state.Phase(), "duration", verdict.Duration)
	}
	a.publish(events.EventTypeVerdict, attemptID, severity, verdict)
	return state, err
}

func (a *Authenticator) onTransition(record session.TransitionRecord) {
	severity := events.SeverityInfo
	if record.To == session.PhaseFailed {
		severity = events.SeverityError
	}
	a.publish(events.EventTypeStateTransition, record.AttemptID, severity, events.TransitionPayload{
		From:   string(record.From),
		To:     string(record.To),
		Reason: record.Reason,
	})
	if record.To == session.PhaseNotStarted {
		a.publish(events.EventTypeStaleRestart, record.AttemptID, events.SeverityWarn, record.Reason)
	}
}

func (a *Authenticator) publish(eventType, attemptID, severity string, payload any) {
	if a.bus == nil {
		return
	}
	a.bus.Publish(events.Event{
		Type:       eventType,
		Timestamp:  a.deps.Clock.Now().UTC(),
		EntityType: "attempt",
		EntityID:   attemptID,
		Payload:    payload,
		Severity:   severity,
	})
}
