package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"

	"github.com/charmbracelet/log"
	"github.com/connectauth/connectauth/internal/automation"
	"github.com/connectauth/connectauth/internal/automation/helper"
	"github.com/connectauth/connectauth/internal/clientauth"
	"github.com/connectauth/connectauth/internal/config"
	"github.com/connectauth/connectauth/internal/events"
	"github.com/connectauth/connectauth/internal/locks"
	"github.com/connectauth/connectauth/internal/logging"
	"github.com/connectauth/connectauth/internal/process"
	"github.com/connectauth/connectauth/internal/session"
	"github.com/connectauth/connectauth/internal/telemetry"
	"github.com/spf13/cobra"
	"go.opentelemetry.io/otel"
)

// Version is set at build time.
var Version = "dev"

// Exit codes. Every clientauth kind has its own so wrappers can branch
// without parsing output.
const (
	exitOK                = 0
	exitFailure           = 1
	exitUsage             = 2
	exitConnectionTimeout = 10
	exitNetwork           = 11
	exitLoginTimeout      = 12
	exitLogoutTimeout     = 13
	exitNotAuthenticated  = 14
	exitStaleHandle       = 15
	exitNotFound          = 16
	exitLeaseConflict     = 20
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
	err := run(ctx, os.Args[1:])
	stop()
	if err != nil {
		var downstream *downstreamExitError
		if !errors.As(err, &downstream) {
			fmt.Fprintf(os.Stderr, "error: %v\n", err)
		}
	}
	os.Exit(exitCode(err))
}

func run(ctx context.Context, args []string) error {
	a := newApp(os.Stdin, os.Stdout, os.Stderr)
	defer a.close()

	cmd := newRootCommand(a)
	cmd.SetArgs(args)
	return cmd.ExecuteContext(ctx)
}

// authenticator is the subset of clientauth.Authenticator the commands use.
type authenticator interface {
	Authenticate(ctx context.Context, credential session.Credential) (*session.State, error)
	Logout(ctx context.Context) (*session.State, error)
	Status(ctx context.Context) (clientauth.Status, error)
}

type app struct {
	configPath string
	verbose    bool

	stdin  io.Reader
	stdout io.Writer
	stderr io.Writer
	getenv func(string) string

	cfg       *config.Config
	logger    *log.Logger
	runtime   *logging.FileLogger
	bus       *events.InMemoryBus
	shutdown  func()
	loadCfg   func(ctx context.Context, explicit string) (*config.Config, error)
	newLogger func(cfg *config.Config) (*logging.FileLogger, error)
	initOTel  func(ctx context.Context, opts telemetry.Options) (func(), error)
	newAuth   func(cfg *config.Config, logger *log.Logger, bus events.Publisher) (authenticator, error)
}

func newApp(stdin io.Reader, stdout, stderr io.Writer) *app {
	return &app{
		stdin:   stdin,
		stdout:  stdout,
		stderr:  stderr,
		getenv:  os.Getenv,
		loadCfg: config.Load,
		newLogger: func(cfg *config.Config) (*logging.FileLogger, error) {
			return logging.New(logging.WithLevel(cfg.LogLevel))
		},
		initOTel: telemetry.Init,
		newAuth:  buildAuthenticator,
	}
}

// setup loads configuration and starts logging, tracing and the event bus.
func (a *app) setup(ctx context.Context) error {
	if a.cfg != nil {
		return nil
	}
	cfg, err := a.loadCfg(ctx, a.configPath)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	a.cfg = cfg

	runtime, err := a.newLogger(cfg)
	if err != nil {
		return fmt.Errorf("initialize logging: %w", err)
	}
	a.runtime = runtime
	a.logger = runtime.Logger
	a.logger.Info("logger initialized", "log_file", runtime.Path(), "version", Version)

	fallback := io.Discard
	if a.verbose {
		fallback = a.stderr
	}
	shutdown, err := a.initOTel(ctx, telemetry.Options{Endpoint: cfg.OTelEndpoint, Version: Version, Fallback: fallback})
	if err != nil {
		a.logger.Warn("telemetry disabled", "err", err)
		shutdown = func() {}
	}
	a.shutdown = shutdown

	a.bus = events.New(events.WithLogger(a.logger))
	if a.verbose {
		a.bus.SubscribeAll(func(event events.Event) {
			fmt.Fprintln(a.stderr, formatEvent(event))
		})
	}
	return nil
}

func (a *app) close() {
	if a.bus != nil {
		a.bus.Close()
	}
	if a.shutdown != nil {
		a.shutdown()
	}
	if a.runtime != nil {
		if err := a.runtime.Close(); err != nil {
			fmt.Fprintf(a.stderr, "failed to close logger: %v\n", err)
		}
	}
}

func (a *app) authenticator() (authenticator, error) {
	var publisher events.Publisher
	if a.bus != nil {
		publisher = a.bus
	}
	return a.newAuth(a.cfg, a.logger, publisher)
}

func newRootCommand(a *app) *cobra.Command {
	root := &cobra.Command{
		Use:           "connectauth",
		Short:         "Keep the desktop licensing client running and signed in",
		SilenceUsage:  true,
		SilenceErrors: true,
		Version:       Version,
	}
	root.SetVersionTemplate("{{printf \"%s\\n\" .Version}}")
	root.SetOut(a.stdout)
	root.SetErr(a.stderr)
	root.PersistentFlags().StringVar(&a.configPath, "config", "", "overlay this TOML file after the home and project config")
	root.PersistentFlags().BoolVar(&a.verbose, "verbose", false, "stream attempt events to stderr")

	root.AddCommand(
		newLoginCommand(a),
		newLogoutCommand(a),
		newStatusCommand(a),
		newExecCommand(a),
		newBugreportCommand(a),
	)

	root.PersistentPreRunE = func(cmd *cobra.Command, _ []string) error {
		if cmd.Name() == "help" || cmd.Name() == "completion" {
			return nil
		}
		if err := a.setup(cmd.Context()); err != nil {
			return err
		}
		a.logger.With("command", cmd.Name()).Debug("command invocation")
		return nil
	}
	return root
}

// buildAuthenticator wires the production collaborators from configuration.
func buildAuthenticator(cfg *config.Config, logger *log.Logger, bus events.Publisher) (authenticator, error) {
	adapter, err := helper.New(helper.Options{
		Path:        cfg.Helper.Path,
		Args:        cfg.Helper.Args,
		CallTimeout: cfg.Helper.Timeout,
	})
	if err != nil {
		return nil, fmt.Errorf("automation helper: %w", err)
	}

	selectors, err := selectorsFromConfig(cfg)
	if err != nil {
		return nil, err
	}

	lockDir, err := locks.DefaultDir()
	if err != nil {
		return nil, err
	}
	store, err := locks.NewFileStore(lockDir)
	if err != nil {
		return nil, err
	}
	manager, err := locks.NewManager(store, locks.ManagerConfig{ExpiryTimeout: cfg.LockTimeout})
	if err != nil {
		return nil, err
	}
	locker, err := locks.NewAttemptLocker(manager)
	if err != nil {
		return nil, err
	}

	return clientauth.NewAuthenticator(clientConfig(cfg, selectors), clientauth.Deps{
		Locator:    process.NewLocator(process.SystemLister{}),
		Launcher:   process.NewLauncher(),
		Terminator: process.NewTerminator(process.TerminatorOptions{}),
		Adapter:    adapter,
		Logger:     logger,
		Tracer:     otel.Tracer("connectauth/clientauth"),
	}, clientauth.AuthenticatorOptions{Locker: locker, Bus: bus})
}

func clientConfig(cfg *config.Config, selectors clientauth.Selectors) clientauth.Config {
	return clientauth.Config{
		ExecutablePath:    cfg.ExecutablePath,
		WindowTitle:       cfg.WindowTitle,
		ConnectDeadline:   cfg.ConnectDeadline,
		LoginDeadline:     cfg.LoginDeadline,
		LogoutDeadline:    cfg.LogoutDeadline,
		PollInterval:      cfg.PollInterval,
		SettleDelay:       cfg.SettleDelay,
		LogoutSettleDelay: cfg.LogoutSettleDelay,
		PostLogoutDelay:   cfg.PostLogoutDelay,
		IdentifierRetries: cfg.IdentifierRetries,
		Selectors:         selectors,
	}
}

func selectorsFromConfig(cfg *config.Config) (clientauth.Selectors, error) {
	selectors := clientauth.DefaultSelectors()
	for _, name := range cfg.SelectorNames() {
		override := cfg.Selectors[name]
		updated, err := selectors.Override(name, automation.Selector{
			Title:        override.Title,
			AutomationID: override.AutomationID,
			ControlType:  override.ControlType,
		})
		if err != nil {
			return clientauth.Selectors{}, fmt.Errorf("selectors.%s: %w", name, err)
		}
		selectors = updated
	}
	return selectors, nil
}

func exitCode(err error) int {
	if err == nil {
		return exitOK
	}
	var downstream *downstreamExitError
	if errors.As(err, &downstream) {
		return downstream.code
	}
	if errors.Is(err, locks.ErrConflict) {
		return exitLeaseConflict
	}
	var usage *usageError
	if errors.As(err, &usage) {
		return exitUsage
	}
	switch clientauth.KindOf(err) {
	case clientauth.KindConnectionTimeout:
		return exitConnectionTimeout
	case clientauth.KindNetworkUnavailable:
		return exitNetwork
	case clientauth.KindLoginTimeout:
		return exitLoginTimeout
	case clientauth.KindLogoutTimeout:
		return exitLogoutTimeout
	case clientauth.KindNotAuthenticated:
		return exitNotAuthenticated
	case clientauth.KindStaleHandle:
		return exitStaleHandle
	case clientauth.KindNotFound:
		return exitNotFound
	default:
		return exitFailure
	}
}

type usageError struct {
	msg string
}

func (e *usageError) Error() string {
	return e.msg
}

func formatEvent(event events.Event) string {
	switch payload := event.Payload.(type) {
	case events.TransitionPayload:
		return fmt.Sprintf("[%s] %s %s -> %s (%s)", event.EntityID, event.Type, payload.From, payload.To, payload.Reason)
	case events.VerdictPayload:
		if payload.Kind == "" {
			return fmt.Sprintf("[%s] %s %s ok in %s", event.EntityID, event.Type, payload.Operation, payload.Duration)
		}
		return fmt.Sprintf("[%s] %s %s failed: %s in %s", event.EntityID, event.Type, payload.Operation, payload.Kind, payload.Duration)
	default:
		return fmt.Sprintf("[%s] %s %v", event.EntityID, event.Type, payload)
	}
}
