// Package subprocess runs child commands under a span: the automation helper
// for every UI call and the command handed to `connectauth exec`. Output
// streams straight through to the caller while a bounded tail of each stream
// is attached to the span.
package subprocess

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"strings"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

const (
	tailBytes = 1024
	redacted  = "<redacted>"

	defaultSpanName = "subprocess.exec"
)

// Command describes one child process.
type Command struct {
	Path string
	Args []string
	// SpanName defaults to subprocess.exec.
	SpanName string
	// AttemptID links the span to a sign-in attempt when set.
	AttemptID string
	// Stdin, Stdout and Stderr default to nothing, io.Discard and io.Discard.
	Stdin  io.Reader
	Stdout io.Writer
	Stderr io.Writer
	// Env is the environment to start from; nil means os.Environ.
	Env []string
	// DropEnv names variables removed before the command starts.
	DropEnv []string
}

// Result is the outcome of a run. ExitCode is -1 when the command never
// produced an exit status.
type Result struct {
	ExitCode int
	Duration time.Duration
}

// Run starts cmd, waits for it and records a span around it. A
// non-zero exit is reported in Result and as an error wrapping *exec.ExitError.
func Run(ctx context.Context, cmd Command) (Result, error) {
	if ctx == nil {
		ctx = context.Background()
	}
	path := strings.TrimSpace(cmd.Path)
	if path == "" {
		return Result{ExitCode: -1}, errors.New("command path must not be empty")
	}

	spanName := strings.TrimSpace(cmd.SpanName)
	if spanName == "" {
		spanName = defaultSpanName
	}
	shown := RedactArgs(cmd.Args)
	attrs := []attribute.KeyValue{attribute.String("command", FormatCommand(path, shown))}
	if cmd.AttemptID != "" {
		attrs = append(attrs, attribute.String("attempt_id", cmd.AttemptID))
	}
	ctx, span := otel.Tracer("connectauth/subprocess").Start(ctx, spanName, trace.WithAttributes(attrs...))
	defer span.End()

	stdoutTail := &tail{limit: tailBytes}
	stderrTail := &tail{limit: tailBytes}

	// #nosec G204 -- the operator supplies the command through config or the exec command line.
	proc := exec.CommandContext(ctx, path, cmd.Args...)
	proc.Stdin = cmd.Stdin
	proc.Stdout = io.MultiWriter(orDiscard(cmd.Stdout), stdoutTail)
	proc.Stderr = io.MultiWriter(orDiscard(cmd.Stderr), stderrTail)
	proc.Env = FilterEnv(cmd.Env, cmd.DropEnv)

	started := time.Now()
	err := proc.Run()
	result := Result{ExitCode: exitCode(ctx, proc, err), Duration: time.Since(started)}

	span.SetAttributes(
		attribute.Int("exit_code", result.ExitCode),
		attribute.Int64("duration_ms", result.Duration.Milliseconds()),
	)
	for name, t := range map[string]*tail{"stdout": stdoutTail, "stderr": stderrTail} {
		if text := t.String(); text != "" {
			span.AddEvent(name, trace.WithAttributes(attribute.String("tail", text)))
		}
	}

	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return result, fmt.Errorf("run %s: %w", FormatCommand(path, shown), err)
	}
	span.SetStatus(codes.Ok, "exited 0")
	return result, nil
}

func exitCode(ctx context.Context, proc *exec.Cmd, err error) int {
	if err == nil {
		return 0
	}
	if ctx.Err() != nil {
		return -1
	}
	var exitErr *exec.ExitError
	if errors.As(err, &exitErr) {
		return exitErr.ExitCode()
	}
	if proc.ProcessState != nil {
		return proc.ProcessState.ExitCode()
	}
	return -1
}

// FilterEnv returns env, or os.Environ when env is nil, without the named
// variables. Names match case-insensitively so Windows spellings are covered.
func FilterEnv(env []string, drop []string) []string {
	if env == nil {
		env = os.Environ()
	}
	out := make([]string, 0, len(env))
	for _, entry := range env {
		name, _, _ := strings.Cut(entry, "=")
		if !containsFold(drop, name) {
			out = append(out, entry)
		}
	}
	return out
}

func containsFold(names []string, name string) bool {
	for _, candidate := range names {
		if strings.EqualFold(strings.TrimSpace(candidate), name) {
			return true
		}
	}
	return false
}

// RedactArgs masks values that follow, or are attached to, secret-looking flags.
func RedactArgs(args []string) []string {
	out := make([]string, 0, len(args))
	maskNext := false
	for _, arg := range args {
		arg = strings.TrimSpace(arg)
		switch {
		case maskNext:
			out = append(out, redacted)
			maskNext = false
		case strings.Contains(arg, "="):
			key, _, _ := strings.Cut(arg, "=")
			if Sensitive(key) {
				out = append(out, key+"="+redacted)
			} else {
				out = append(out, arg)
			}
		default:
			maskNext = strings.HasPrefix(arg, "-") && Sensitive(arg)
			out = append(out, arg)
		}
	}
	return out
}

// Sensitive reports whether a flag or key name looks like it carries a secret.
func Sensitive(name string) bool {
	name = strings.ToLower(name)
	for _, marker := range []string{"token", "password", "passwd", "secret", "api-key", "apikey", "credential", "bearer"} {
		if strings.Contains(name, marker) {
			return true
		}
	}
	return false
}

// FormatCommand joins path and args for logs and span attributes.
func FormatCommand(path string, args []string) string {
	parts := make([]string, 0, len(args)+1)
	for _, part := range append([]string{path}, args...) {
		if part = strings.TrimSpace(part); part != "" {
			parts = append(parts, part)
		}
	}
	return strings.Join(parts, " ")
}

func orDiscard(w io.Writer) io.Writer {
	if w == nil {
		return io.Discard
	}
	return w
}

// tail keeps the last limit bytes written to it.
type tail struct {
	limit int
	buf   []byte
}

func (t *tail) Write(p []byte) (int, error) {
	t.buf = append(t.buf, p...)
	if over := len(t.buf) - t.limit; over > 0 {
		t.buf = append(t.buf[:0], t.buf[over:]...)
	}
	return len(p), nil
}

func (t *tail) String() string {
	return strings.TrimSpace(string(t.buf))
}
