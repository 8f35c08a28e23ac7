package clientauth

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/charmbracelet/log"
	"github.com/connectauth/connectauth/internal/automation"
	"github.com/connectauth/connectauth/internal/poll"
	"github.com/connectauth/connectauth/internal/session"
	"github.com/connectauth/connectauth/internal/telemetry/invariants"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
)

const (
	opLogin = "login"

	// maxStaleRestarts is the number of client restarts a login may spend
	// on stale handles before the attempt fails.
	maxStaleRestarts = 1
)

type prompt int

const (
	promptNone prompt = iota
	promptDismissed
	promptNetworkBanner
)

// LoginMachine drives the interactive sign-in sequence.
type LoginMachine struct {
	cfg       Config
	deps      Deps
	poller    poll.Poller
	connector *Connector
	logout    *LogoutMachine
}

// NewLoginMachine validates cfg and deps and builds the connector and logout
// machine used for pre-login sign-out and the stale-handle restart.
func NewLoginMachine(cfg Config, deps Deps) (*LoginMachine, error) {
	connector, err := NewConnector(cfg, deps)
	if err != nil {
		return nil, err
	}
	logout, err := NewLogoutMachine(cfg, deps)
	if err != nil {
		return nil, err
	}
	return &LoginMachine{
		cfg:       connector.cfg,
		deps:      connector.deps,
		poller:    connector.poller,
		connector: connector,
		logout:    logout,
	}, nil
}

// Login moves a Connected state to Authenticated. An existing session is
// signed out first. A stale handle anywhere in the sequence restarts the
// client and the sequence once; a second one fails with KindStaleHandle.
// Every failure moves state to Failed.
func (m *LoginMachine) Login(ctx context.Context, state *session.State, credential session.Credential) (err error) {
	if m == nil {
		return errors.New("login machine is nil")
	}
	if state == nil {
		return errors.New("session state is required")
	}
	if credential.IsZero() {
		return errors.New("credential is required")
	}
	ctx, span := m.deps.Tracer.Start(ctx, "clientauth.login", trace.WithAttributes(
		attribute.String("attempt_id", state.AttemptID()),
	))
	defer func() { endSpan(span, err) }()

	logger := m.deps.Logger.With("attempt_id", state.AttemptID(), "op", opLogin)
	if phase := state.Phase(); phase != session.PhaseConnected {
		return fmt.Errorf("login requires phase %s, got %s", session.PhaseConnected, phase)
	}

	restarts := 0
	for {
		err = m.attempt(ctx, state, credential, logger)
		if KindOf(err) != KindStaleHandle || restarts >= maxStaleRestarts {
			break
		}
		restarts++
		invariants.RetriesWithin(ctx, "clientauth.LoginMachine.Login", restarts, maxStaleRestarts)
		span.AddEvent("stale_restart", trace.WithAttributes(attribute.String("cause", err.Error())))
		logger.Warn("stale handle, restarting client", "restart", restarts, "err", err)
		if restartErr := m.connector.Restart(ctx, state); restartErr != nil {
			err = restartErr
			break
		}
	}
	span.SetAttributes(attribute.Int("stale_restarts", restarts))

	if err != nil {
		logger.Error("login failed", "phase", state.Phase(), "err", err)
		_ = state.Fail(ctx, err.Error())
		return err
	}
	logger.Info("authenticated")
	return nil
}

func (m *LoginMachine) attempt(ctx context.Context, state *session.State, credential session.Credential, logger *log.Logger) error {
	sel := m.cfg.Selectors
	adapter := m.deps.Adapter

	window, ok := state.Window()
	if !ok {
		return newError(KindNotFound, opLogin, state.Phase(), errors.New("no client window attached"))
	}

	present, err := markerPresent(ctx, adapter, window, sel.AuthenticatedMarker)
	if err != nil {
		return classify(opLogin, state.Phase(), "probe authenticated view", err)
	}
	if present {
		logger.Info("existing session found, signing out first")
		if err := m.logout.run(ctx, state); err != nil {
			return err
		}
	}

	if err := state.Transition(ctx, session.PhaseAuthenticating, "signing in"); err != nil {
		return err
	}
	deadline := m.deps.Clock.Now().Add(m.cfg.LoginDeadline)

	identifier, err := m.locateIdentifier(ctx, state, window, deadline, logger)
	if err != nil {
		return err
	}
	if err := adapter.SetText(ctx, identifier, credential.Identifier()); err != nil {
		return classify(opLogin, state.Phase(), "enter identifier", err)
	}
	if err := m.settle(ctx); err != nil {
		return err
	}

	popup, found, err := automation.Lookup(ctx, adapter, window, sel.SavedInfoPopup)
	if err != nil {
		return classify(opLogin, state.Phase(), "probe saved-information popup", err)
	}
	if found {
		if err := adapter.Click(ctx, popup); err != nil {
			return classify(opLogin, state.Phase(), "dismiss saved-information popup", err)
		}
		logger.Debug("saved-information popup dismissed")
	}
	if err := clickRequired(ctx, adapter, window, SelectorNext, sel.Next); err != nil {
		return classify(opLogin, state.Phase(), "click next", err)
	}
	if err := m.settle(ctx); err != nil {
		return err
	}

	password, err := requireControl(ctx, adapter, window, SelectorPassword, sel.Password)
	if err != nil {
		return classify(opLogin, state.Phase(), "locate password field", err)
	}
	if err := adapter.SetText(ctx, password, credential.Secret()); err != nil {
		return classify(opLogin, state.Phase(), "enter secret", err)
	}
	if err := m.settle(ctx); err != nil {
		return err
	}
	if err := clickRequired(ctx, adapter, window, SelectorSignIn, sel.SignIn); err != nil {
		return classify(opLogin, state.Phase(), "click sign in", err)
	}

	remaining := deadline.Sub(m.deps.Clock.Now())
	if remaining < 0 {
		remaining = 0
	}
	probes, err := m.poller.Until(ctx, remaining, func(ctx context.Context) (bool, error) {
		return markerPresent(ctx, adapter, window, sel.AuthenticatedMarker)
	})
	if errors.Is(err, poll.ErrDeadlineExceeded) {
		return newError(KindLoginTimeout, opLogin, state.Phase(), err)
	}
	if err != nil {
		return classify(opLogin, state.Phase(), "await authenticated view", err)
	}
	logger.Info("authenticated view present", "probes", probes)
	return state.Transition(ctx, session.PhaseAuthenticated, "authenticated view verified")
}

// locateIdentifier searches for the identifier field for up to
// IdentifierRetries structural attempts. Each miss dismisses one transient
// prompt. A network banner waits one interval without spending an attempt,
// bounded by the login deadline.
func (m *LoginMachine) locateIdentifier(ctx context.Context, state *session.State, window automation.WindowHandle, deadline time.Time, logger *log.Logger) (automation.ControlHandle, error) {
	sel := m.cfg.Selectors
	attempts := 0
	bannerWaits := 0
	for attempts < m.cfg.IdentifierRetries {
		control, found, err := automation.Lookup(ctx, m.deps.Adapter, window, sel.Identifier)
		if err != nil {
			return automation.ControlHandle{}, classify(opLogin, state.Phase(), "probe identifier field", err)
		}
		if found {
			return control, nil
		}

		seen, err := m.dismissPrompt(ctx, window)
		if err != nil {
			return automation.ControlHandle{}, classify(opLogin, state.Phase(), "dismiss transient prompt", err)
		}
		if seen == promptNetworkBanner {
			bannerWaits++
			if !m.deps.Clock.Now().Before(deadline) {
				return automation.ControlHandle{}, newError(KindNetworkUnavailable, opLogin, state.Phase(),
					fmt.Errorf("network banner still shown at login deadline after %d waits", bannerWaits))
			}
			logger.Info("network banner shown, waiting", "waits", bannerWaits)
			if err := sleepFor(ctx, m.deps.Clock, m.cfg.PollInterval); err != nil {
				return automation.ControlHandle{}, fmt.Errorf("%s: %w", opLogin, err)
			}
			continue
		}

		attempts++
		invariants.RetriesWithin(ctx, "clientauth.LoginMachine.locateIdentifier", attempts, m.cfg.IdentifierRetries)
		logger.Debug("identifier field missing", "attempt", attempts, "prompt_dismissed", seen == promptDismissed)
		if attempts < m.cfg.IdentifierRetries {
			if err := sleepFor(ctx, m.deps.Clock, m.cfg.PollInterval); err != nil {
				return automation.ControlHandle{}, fmt.Errorf("%s: %w", opLogin, err)
			}
		}
	}
	return automation.ControlHandle{}, newError(KindNetworkUnavailable, opLogin, state.Phase(),
		fmt.Errorf("identifier field not found after %d attempts", attempts))
}

// dismissPrompt handles at most one transient prompt, in priority order.
func (m *LoginMachine) dismissPrompt(ctx context.Context, window automation.WindowHandle) (prompt, error) {
	sel := m.cfg.Selectors
	for _, link := range []automation.Selector{sel.UseAnotherAccount, sel.Back} {
		control, found, err := automation.Lookup(ctx, m.deps.Adapter, window, link)
		if err != nil {
			return promptNone, err
		}
		if found {
			return promptDismissed, m.deps.Adapter.Click(ctx, control)
		}
	}
	_, banner, err := automation.Lookup(ctx, m.deps.Adapter, window, sel.NetworkBanner)
	if err != nil {
		return promptNone, err
	}
	if banner {
		return promptNetworkBanner, nil
	}
	return promptNone, nil
}

func (m *LoginMachine) settle(ctx context.Context) error {
	if err := sleepFor(ctx, m.deps.Clock, m.cfg.SettleDelay); err != nil {
		return fmt.Errorf("%s: %w", opLogin, err)
	}
	return nil
}
