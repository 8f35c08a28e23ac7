package clientauth

import (
	"context"
	"errors"
	"fmt"

	"github.com/connectauth/connectauth/internal/poll"
	"github.com/connectauth/connectauth/internal/session"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
)

const opLogout = "logout"

// LogoutMachine signs the client out of a verified authenticated session.
type LogoutMachine struct {
	cfg    Config
	deps   Deps
	poller poll.Poller
}

// NewLogoutMachine validates cfg and deps. Only the adapter is required.
func NewLogoutMachine(cfg Config, deps Deps) (*LogoutMachine, error) {
	cfg = cfg.WithDefaults()
	if err := cfg.Selectors.Validate(); err != nil {
		return nil, err
	}
	deps = deps.withDefaults()
	if deps.Adapter == nil {
		return nil, errors.New("automation adapter is required")
	}
	return &LogoutMachine{
		cfg:    cfg,
		deps:   deps,
		poller: poll.New(cfg.PollInterval, deps.Clock),
	}, nil
}

// Logout requires the authenticated-view marker. Without it the call fails
// with KindNotAuthenticated after a single probe and no UI action. Any
// failure moves state to Failed.
func (m *LogoutMachine) Logout(ctx context.Context, state *session.State) (err error) {
	if m == nil {
		return errors.New("logout machine is nil")
	}
	if state == nil {
		return errors.New("session state is required")
	}
	ctx, span := m.deps.Tracer.Start(ctx, "clientauth.logout", trace.WithAttributes(
		attribute.String("attempt_id", state.AttemptID()),
	))
	defer func() { endSpan(span, err) }()

	if err = m.run(ctx, state); err != nil {
		m.deps.Logger.Error("logout failed", "attempt_id", state.AttemptID(), "phase", state.Phase(), "err", err)
		_ = state.Fail(ctx, err.Error())
		return err
	}
	return nil
}

// run performs the sign-out sequence without failing state, so login can
// still restart after a stale handle here.
func (m *LogoutMachine) run(ctx context.Context, state *session.State) error {
	logger := m.deps.Logger.With("attempt_id", state.AttemptID(), "op", opLogout)
	sel := m.cfg.Selectors
	adapter := m.deps.Adapter

	window, ok := state.Window()
	if !ok {
		return newError(KindNotFound, opLogout, state.Phase(), errors.New("no client window attached"))
	}

	present, err := markerPresent(ctx, adapter, window, sel.AuthenticatedMarker)
	if err != nil {
		return classify(opLogout, state.Phase(), "probe authenticated view", err)
	}
	if !present {
		return newError(KindNotAuthenticated, opLogout, state.Phase(), nil)
	}

	if err := state.Transition(ctx, session.PhaseLoggingOut, "signing out"); err != nil {
		return err
	}
	logger.Info("signing out")

	if err := clickRequired(ctx, adapter, window, SelectorSettings, sel.Settings); err != nil {
		return classify(opLogout, state.Phase(), "open settings", err)
	}
	if err := sleepFor(ctx, m.deps.Clock, m.cfg.LogoutSettleDelay); err != nil {
		return fmt.Errorf("%s: %w", opLogout, err)
	}
	if err := clickRequired(ctx, adapter, window, SelectorSignOut, sel.SignOut); err != nil {
		return classify(opLogout, state.Phase(), "click sign out", err)
	}

	probes, err := m.poller.Until(ctx, m.cfg.LogoutDeadline, func(ctx context.Context) (bool, error) {
		present, err := markerPresent(ctx, adapter, window, sel.AuthenticatedMarker)
		return !present, err
	})
	if errors.Is(err, poll.ErrDeadlineExceeded) {
		return newError(KindLogoutTimeout, opLogout, state.Phase(), err)
	}
	if err != nil {
		return classify(opLogout, state.Phase(), "await sign out", err)
	}

	if err := sleepFor(ctx, m.deps.Clock, m.cfg.PostLogoutDelay); err != nil {
		return fmt.Errorf("%s: %w", opLogout, err)
	}
	if err := state.Transition(ctx, session.PhaseLoggedOut, "authenticated view gone"); err != nil {
		return err
	}
	logger.Info("signed out", "probes", probes)
	return nil
}
