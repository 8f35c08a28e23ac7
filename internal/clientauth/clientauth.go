// Package clientauth drives the desktop client through connection, login and
// logout. Every run owns exactly one session.State and ends with nil or a
// typed *Error.
package clientauth

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/charmbracelet/log"
	"github.com/connectauth/connectauth/internal/automation"
	"github.com/connectauth/connectauth/internal/logging"
	"github.com/connectauth/connectauth/internal/poll"
	"github.com/connectauth/connectauth/internal/process"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

const (
	DefaultConnectDeadline   = 20 * time.Second
	DefaultLoginDeadline     = 30 * time.Second
	DefaultLogoutDeadline    = 10 * time.Second
	DefaultSettleDelay       = time.Second
	DefaultLogoutSettleDelay = 2 * time.Second
	DefaultPostLogoutDelay   = 500 * time.Millisecond
	DefaultIdentifierRetries = 3
	DefaultWindowTitle       = "CONNECTION Client"
)

// Config carries the caller-supplied target and time budgets.
type Config struct {
	ExecutablePath    string
	WindowTitle       string
	ConnectDeadline   time.Duration
	LoginDeadline     time.Duration
	LogoutDeadline    time.Duration
	PollInterval      time.Duration
	SettleDelay       time.Duration
	LogoutSettleDelay time.Duration
	PostLogoutDelay   time.Duration
	IdentifierRetries int
	Selectors         Selectors
}

// WithDefaults fills unset fields. Negative settle delays are clamped to zero.
func (c Config) WithDefaults() Config {
	c.ExecutablePath = strings.TrimSpace(c.ExecutablePath)
	if strings.TrimSpace(c.WindowTitle) == "" {
		c.WindowTitle = DefaultWindowTitle
	}
	if c.ConnectDeadline <= 0 {
		c.ConnectDeadline = DefaultConnectDeadline
	}
	if c.LoginDeadline <= 0 {
		c.LoginDeadline = DefaultLoginDeadline
	}
	if c.LogoutDeadline <= 0 {
		c.LogoutDeadline = DefaultLogoutDeadline
	}
	if c.PollInterval <= 0 {
		c.PollInterval = poll.DefaultInterval
	}
	if c.SettleDelay < 0 {
		c.SettleDelay = 0
	}
	if c.LogoutSettleDelay < 0 {
		c.LogoutSettleDelay = 0
	}
	if c.PostLogoutDelay < 0 {
		c.PostLogoutDelay = 0
	}
	if c.IdentifierRetries <= 0 {
		c.IdentifierRetries = DefaultIdentifierRetries
	}
	if c.Selectors == (Selectors{}) {
		c.Selectors = DefaultSelectors()
	}
	return c
}

// DefaultConfig returns defaults for executablePath.
func DefaultConfig(executablePath string) Config {
	return Config{
		ExecutablePath:    executablePath,
		SettleDelay:       DefaultSettleDelay,
		LogoutSettleDelay: DefaultLogoutSettleDelay,
		PostLogoutDelay:   DefaultPostLogoutDelay,
	}.WithDefaults()
}

func (c Config) validate() error {
	if c.ExecutablePath == "" {
		return errors.New("executable path must not be empty")
	}
	return c.Selectors.Validate()
}

// Terminator stops a client process by pid.
type Terminator interface {
	Terminate(ctx context.Context, pid int) error
}

// Deps are the collaborators shared by every state machine.
type Deps struct {
	Locator    process.Locator
	Launcher   process.Launcher
	Terminator Terminator
	Adapter    automation.Adapter
	Clock      poll.Clock
	Logger     *log.Logger
	Tracer     trace.Tracer
}

func (d Deps) withDefaults() Deps {
	if d.Clock == nil {
		d.Clock = poll.SystemClock{}
	}
	d.Logger = logging.OrDiscard(d.Logger)
	if d.Tracer == nil {
		d.Tracer = otel.Tracer("connectauth/clientauth")
	}
	return d
}

func (d Deps) validate() error {
	if d.Locator == nil {
		return errors.New("process locator is required")
	}
	if d.Launcher == nil {
		return errors.New("process launcher is required")
	}
	if d.Adapter == nil {
		return errors.New("automation adapter is required")
	}
	return nil
}

// isGone reports adapter errors that mean the referenced element vanished.
func isGone(err error) bool {
	return errors.Is(err, automation.ErrNotFound) || errors.Is(err, automation.ErrStaleHandle)
}

func endSpan(span trace.Span, err error) {
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		if kind := KindOf(err); kind != "" {
			span.SetAttributes(attribute.String("error_kind", string(kind)))
		}
	} else {
		span.SetStatus(codes.Ok, "completed")
	}
	span.End()
}

func sleepFor(ctx context.Context, clock poll.Clock, d time.Duration) error {
	if d <= 0 {
		return nil
	}
	if err := clock.Sleep(ctx, d); err != nil {
		return fmt.Errorf("settle %s: %w", d, err)
	}
	return nil
}
