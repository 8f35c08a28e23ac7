package main

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/connectauth/connectauth/internal/clientauth"
	"github.com/connectauth/connectauth/internal/events"
	"github.com/connectauth/connectauth/internal/session"
	"github.com/connectauth/connectauth/internal/subprocess"
	"github.com/connectauth/connectauth/internal/theme"
	"github.com/spf13/cobra"
	"golang.org/x/term"
)

const (
	envIdentifier = "CONNECTAUTH_IDENTIFIER"
	envSecret     = "CONNECTAUTH_SECRET"
)

var (
	retryInitialInterval = 5 * time.Second
	retryMaxInterval     = time.Minute
)

type loginFlags struct {
	identifier  string
	secretStdin bool
	attempts    int
}

func (f *loginFlags) register(cmd *cobra.Command) {
	cmd.Flags().StringVar(&f.identifier, "identifier", "", "account identifier (default $"+envIdentifier+")")
	cmd.Flags().BoolVar(&f.secretStdin, "secret-stdin", false, "read the secret from stdin even when $"+envSecret+" is set")
	cmd.Flags().IntVar(&f.attempts, "attempts", 0, "attempts for retryable failures (default from config)")
}

func newLoginCommand(a *app) *cobra.Command {
	flags := &loginFlags{}
	cmd := &cobra.Command{
		Use:   "login",
		Short: "Ensure the client is running and signed in",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			state, err := a.login(cmd.Context(), flags)
			if err != nil {
				return err
			}
			palette := theme.New(a.stdout)
			fmt.Fprintf(a.stdout, "%s (attempt %s)\n", palette.OK("authenticated"), state.AttemptID())
			return nil
		},
	}
	flags.register(cmd)
	return cmd
}

func newLogoutCommand(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "logout",
		Short: "Sign the running client out",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			auth, err := a.authenticator()
			if err != nil {
				return err
			}
			state, err := auth.Logout(cmd.Context())
			if err != nil {
				return err
			}
			palette := theme.New(a.stdout)
			fmt.Fprintf(a.stdout, "%s (attempt %s)\n", palette.OK("signed out"), state.AttemptID())
			return nil
		},
	}
}

func newStatusCommand(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "status",
		Short: "Show whether the client is running, attached and signed in",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			auth, err := a.authenticator()
			if err != nil {
				return err
			}
			status, err := auth.Status(cmd.Context())
			if err != nil {
				return err
			}
			palette := theme.New(a.stdout)
			pid := palette.Caution("-")
			if status.Running {
				pid = fmt.Sprintf("%d", status.PID)
			}
			fmt.Fprintf(a.stdout, "%s %s\n%s %s\n%s %s\n%s %s\n",
				palette.Label("running:"), palette.Flag(status.Running),
				palette.Label("pid:"), pid,
				palette.Label("attached:"), palette.Flag(status.Attached),
				palette.Label("authenticated:"), palette.Flag(status.Authenticated))
			return nil
		},
	}
}

func newExecCommand(a *app) *cobra.Command {
	flags := &loginFlags{}
	cmd := &cobra.Command{
		Use:   "exec -- COMMAND [ARGS...]",
		Short: "Sign in, then run a command and exit with its status",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			state, err := a.login(cmd.Context(), flags)
			if err != nil {
				return err
			}
			return a.runDownstream(cmd.Context(), state, args)
		},
	}
	cmd.Flags().SetInterspersed(false)
	flags.register(cmd)
	return cmd
}

func (a *app) login(ctx context.Context, flags *loginFlags) (*session.State, error) {
	credential, err := a.readCredential(flags)
	if err != nil {
		return nil, err
	}
	auth, err := a.authenticator()
	if err != nil {
		return nil, err
	}
	attempts := flags.attempts
	if attempts <= 0 {
		attempts = a.cfg.Attempts
	}
	return a.authenticateWithRetry(ctx, auth, credential, attempts)
}

// authenticateWithRetry reruns whole attempts for retryable kinds with
// exponential backoff. Other failures stop immediately.
func (a *app) authenticateWithRetry(ctx context.Context, auth authenticator, credential session.Credential, attempts int) (*session.State, error) {
	if attempts < 1 {
		attempts = 1
	}
	policy := backoff.NewExponentialBackOff()
	policy.InitialInterval = retryInitialInterval
	policy.MaxInterval = retryMaxInterval

	tries := 0
	return backoff.Retry(ctx, func() (*session.State, error) {
		tries++
		state, err := auth.Authenticate(ctx, credential)
		if err == nil {
			return state, nil
		}
		if !clientauth.KindOf(err).Retryable() {
			return nil, backoff.Permanent(err)
		}
		return nil, err
	},
		backoff.WithBackOff(policy),
		backoff.WithMaxTries(uint(attempts)),
		backoff.WithNotify(func(err error, wait time.Duration) {
			a.logger.Warn("retrying login", "try", tries, "of", attempts, "wait", wait, "kind", clientauth.KindOf(err))
		}),
	)
}

func (a *app) runDownstream(ctx context.Context, state *session.State, args []string) error {
	logger := a.logger.With("attempt_id", state.AttemptID(), "command", subprocess.FormatCommand(args[0], subprocess.RedactArgs(args[1:])))
	logger.Info("running downstream command")

	result, err := subprocess.Run(ctx, subprocess.Command{
		Path:      args[0],
		SpanName:  "downstream.exec",
		Args:      args[1:],
		AttemptID: state.AttemptID(),
		Stdout:    a.stdout,
		Stderr:    a.stderr,
		DropEnv:   []string{envSecret},
	})
	logger.Info("downstream command finished", "exit_code", result.ExitCode, "duration", result.Duration)
	if a.bus != nil {
		a.bus.Publish(downstreamEvent(state.AttemptID(), result))
	}

	if result.ExitCode > 0 {
		return &downstreamExitError{code: result.ExitCode}
	}
	return err
}

func downstreamEvent(attemptID string, result subprocess.Result) events.Event {
	severity := events.SeverityInfo
	if result.ExitCode != 0 {
		severity = events.SeverityWarn
	}
	return events.Event{
		Type:       events.EventTypeDownstreamExit,
		Timestamp:  time.Now().UTC(),
		EntityType: "attempt",
		EntityID:   attemptID,
		Payload:    result.ExitCode,
		Severity:   severity,
	}
}

// downstreamExitError carries a non-zero exit status of the exec'd command.
type downstreamExitError struct {
	code int
}

func (e *downstreamExitError) Error() string {
	return fmt.Sprintf("downstream command exited with status %d", e.code)
}

func (a *app) readCredential(flags *loginFlags) (session.Credential, error) {
	identifier := strings.TrimSpace(flags.identifier)
	if identifier == "" {
		identifier = strings.TrimSpace(a.getenv(envIdentifier))
	}
	if identifier == "" {
		return session.Credential{}, &usageError{msg: "identifier required: pass --identifier or set " + envIdentifier}
	}

	secret := ""
	if !flags.secretStdin {
		secret = a.getenv(envSecret)
	}
	if secret == "" {
		read, err := a.readSecret()
		if err != nil {
			return session.Credential{}, err
		}
		secret = read
	}
	credential, err := session.NewCredential(identifier, secret)
	if err != nil {
		return session.Credential{}, &usageError{msg: err.Error()}
	}
	return credential, nil
}

// readSecret prompts without echo on a terminal and reads one line otherwise.
func (a *app) readSecret() (string, error) {
	if file, ok := a.stdin.(*os.File); ok && term.IsTerminal(int(file.Fd())) {
		fmt.Fprint(a.stderr, "Secret: ")
		secret, err := term.ReadPassword(int(file.Fd()))
		fmt.Fprintln(a.stderr)
		if err != nil {
			return "", fmt.Errorf("read secret: %w", err)
		}
		return string(secret), nil
	}
	if a.stdin == nil {
		return "", &usageError{msg: "secret required: set " + envSecret + " or pipe it on stdin"}
	}
	line, err := bufio.NewReader(a.stdin).ReadString('\n')
	if err != nil && !errors.Is(err, io.EOF) {
		return "", fmt.Errorf("read secret: %w", err)
	}
	line = strings.TrimRight(line, "\r\n")
	if line == "" {
		return "", &usageError{msg: "secret required: set " + envSecret + " or pipe it on stdin"}
	}
	return line, nil
}
