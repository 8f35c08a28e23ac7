package clientauth

import (
	"context"
	"errors"
	"fmt"

	"github.com/charmbracelet/log"
	"github.com/connectauth/connectauth/internal/automation"
	"github.com/connectauth/connectauth/internal/poll"
	"github.com/connectauth/connectauth/internal/process"
	"github.com/connectauth/connectauth/internal/session"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
)

const opConnect = "connect"

// Connector ensures a client process is running with its main window attached.
type Connector struct {
	cfg    Config
	deps   Deps
	poller poll.Poller
	name   string
}

// NewConnector validates cfg and deps.
func NewConnector(cfg Config, deps Deps) (*Connector, error) {
	cfg = cfg.WithDefaults()
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	deps = deps.withDefaults()
	if err := deps.validate(); err != nil {
		return nil, err
	}
	return &Connector{
		cfg:    cfg,
		deps:   deps,
		poller: poll.New(cfg.PollInterval, deps.Clock),
		name:   process.ExecutableName(cfg.ExecutablePath),
	}, nil
}

type attachment struct {
	pid    int
	window automation.WindowHandle
}

// Connect moves state from NotStarted to Connected. An already-running,
// attachable client is reused without launching. Otherwise the executable
// is launched detached and polled until ConnectDeadline; expiry fails the
// state with KindConnectionTimeout.
func (c *Connector) Connect(ctx context.Context, state *session.State) (err error) {
	if c == nil {
		return errors.New("connector is nil")
	}
	if state == nil {
		return errors.New("session state is required")
	}
	ctx, span := c.deps.Tracer.Start(ctx, "clientauth.connect", trace.WithAttributes(
		attribute.String("attempt_id", state.AttemptID()),
		attribute.String("executable", c.name),
	))
	defer func() { endSpan(span, err) }()

	logger := c.deps.Logger.With("attempt_id", state.AttemptID(), "op", opConnect)
	if phase := state.Phase(); phase != session.PhaseNotStarted {
		return fmt.Errorf("connect requires phase %s, got %s", session.PhaseNotStarted, phase)
	}

	found, ok, err := c.probe(ctx, state)
	if err != nil {
		return c.fail(ctx, state, logger, fmt.Errorf("%s: probe running client: %w", opConnect, err))
	}
	if ok {
		span.SetAttributes(attribute.Bool("reused", true))
		logger.Info("reusing running client", "pid", found.pid)
		return c.connected(ctx, state, found, "reused running client")
	}

	pid, err := c.deps.Launcher.Launch(ctx, c.cfg.ExecutablePath)
	if err != nil {
		return c.fail(ctx, state, logger, newError(KindNotFound, opConnect, state.Phase(), err))
	}
	state.SetProcess(pid)
	if err := state.Transition(ctx, session.PhaseStarting, "client launched"); err != nil {
		return c.fail(ctx, state, logger, err)
	}
	span.SetAttributes(attribute.Bool("reused", false), attribute.Int("launched_pid", pid))
	logger.Info("client launched", "pid", pid, "deadline", c.cfg.ConnectDeadline)

	probes, err := c.poller.Until(ctx, c.cfg.ConnectDeadline, func(ctx context.Context) (bool, error) {
		var probeErr error
		found, ok, probeErr = c.probe(ctx, state)
		return ok, probeErr
	})
	span.SetAttributes(attribute.Int("probes", probes))
	switch {
	case errors.Is(err, poll.ErrDeadlineExceeded):
		return c.fail(ctx, state, logger, newError(KindConnectionTimeout, opConnect, state.Phase(), err))
	case err != nil:
		return c.fail(ctx, state, logger, fmt.Errorf("%s: %w", opConnect, err))
	}
	logger.Info("client window attached", "pid", found.pid, "probes", probes)
	return c.connected(ctx, state, found, "client window attached")
}

// Attach connects state to a client that is already running, probing once.
// It never launches and never sleeps. ok is false when no process or window
// is attachable, and state is then left in NotStarted for the caller.
func (c *Connector) Attach(ctx context.Context, state *session.State) (ok bool, err error) {
	if c == nil {
		return false, errors.New("connector is nil")
	}
	if state == nil {
		return false, errors.New("session state is required")
	}
	ctx, span := c.deps.Tracer.Start(ctx, "clientauth.attach", trace.WithAttributes(
		attribute.String("attempt_id", state.AttemptID()),
		attribute.String("executable", c.name),
	))
	defer func() { endSpan(span, err) }()

	logger := c.deps.Logger.With("attempt_id", state.AttemptID(), "op", opConnect)
	if phase := state.Phase(); phase != session.PhaseNotStarted {
		return false, fmt.Errorf("attach requires phase %s, got %s", session.PhaseNotStarted, phase)
	}
	found, ok, err := c.probe(ctx, state)
	if err != nil {
		return false, c.fail(ctx, state, logger, fmt.Errorf("%s: probe running client: %w", opConnect, err))
	}
	span.SetAttributes(attribute.Bool("attached", ok))
	if !ok {
		logger.Info("no attachable client")
		return false, nil
	}
	if err := c.connected(ctx, state, found, "attached running client"); err != nil {
		return false, err
	}
	return true, nil
}

// Restart tears the current client down and runs a fresh Connect. Teardown
// tolerates a window or process that is already gone.
func (c *Connector) Restart(ctx context.Context, state *session.State) error {
	if c == nil {
		return errors.New("connector is nil")
	}
	if state == nil {
		return errors.New("session state is required")
	}
	logger := c.deps.Logger.With("attempt_id", state.AttemptID(), "op", "restart")

	if window, ok := state.Window(); ok {
		if err := c.deps.Adapter.KillWindow(ctx, window); err != nil && !isGone(err) {
			logger.Warn("kill window failed", "err", err)
		}
	}
	if pid, ok := state.ProcessID(); ok && c.deps.Terminator != nil {
		if err := c.deps.Terminator.Terminate(ctx, pid); err != nil {
			logger.Warn("terminate client failed", "pid", pid, "err", err)
		}
	}
	if err := state.Reset(ctx, "restart after stale handle"); err != nil {
		return err
	}
	return c.Connect(ctx, state)
}

// probe resolves the process and attaches its window. Absence is reported as
// ok=false, never as an error, and drops any held pid.
func (c *Connector) probe(ctx context.Context, state *session.State) (attachment, bool, error) {
	pid, err := c.deps.Locator.FindProcessID(ctx, c.name)
	if errors.Is(err, process.ErrNotFound) {
		state.ClearProcess()
		return attachment{}, false, nil
	}
	if err != nil {
		return attachment{}, false, err
	}
	state.SetProcess(pid)

	up, err := c.deps.Adapter.WindowExists(ctx, pid)
	if err != nil && !isGone(err) {
		return attachment{}, false, err
	}
	if err != nil || !up {
		return attachment{}, false, nil
	}

	window, err := c.deps.Adapter.AttachWindow(ctx, pid, c.cfg.WindowTitle)
	if isGone(err) {
		state.ClearProcess()
		return attachment{}, false, nil
	}
	if err != nil {
		return attachment{}, false, err
	}
	return attachment{pid: pid, window: window}, true, nil
}

func (c *Connector) connected(ctx context.Context, state *session.State, found attachment, reason string) error {
	if err := state.Connect(ctx, found.pid, found.window, reason); err != nil {
		_ = state.Fail(ctx, err.Error())
		return err
	}
	return nil
}

func (c *Connector) fail(ctx context.Context, state *session.State, logger *log.Logger, err error) error {
	logger.Error("connect failed", "phase", state.Phase(), "err", err)
	_ = state.Fail(ctx, err.Error())
	return err
}
