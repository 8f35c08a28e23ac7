package process

import (
	"context"
	"errors"
	"fmt"
	"os/exec"
	"strings"
	"time"

	"github.com/shirou/gopsutil/v3/process"
)

const (
	// DefaultTerminationGracePeriod is the terminate grace window before kill.
	DefaultTerminationGracePeriod = 5 * time.Second

	defaultTerminationPollInterval = 100 * time.Millisecond
	defaultForcedExitWait          = 2 * time.Second
)

// Launcher starts the client executable.
type Launcher interface {
	Launch(ctx context.Context, path string, args ...string) (int, error)
}

// DetachedLauncher starts the executable as an independent OS process that
// outlives both the caller's context and connectauth itself.
type DetachedLauncher struct {
	start func(cmd *exec.Cmd) error
}

// NewLauncher builds a launcher backed by os/exec.
func NewLauncher() *DetachedLauncher {
	return &DetachedLauncher{start: func(cmd *exec.Cmd) error { return cmd.Start() }}
}

// Launch starts path detached and returns its pid. The child is released
// immediately; its lifecycle is observed only through the process table.
func (l *DetachedLauncher) Launch(ctx context.Context, path string, args ...string) (int, error) {
	if l == nil {
		return 0, errors.New("launcher is nil")
	}
	path = strings.TrimSpace(path)
	if path == "" {
		return 0, errors.New("executable path must not be empty")
	}
	if err := ctx.Err(); err != nil {
		return 0, err
	}

	// #nosec G204 -- executable path is operator configuration.
	cmd := exec.Command(path, args...)
	detach(cmd)
	if err := l.start(cmd); err != nil {
		return 0, fmt.Errorf("launch %s: %w", path, err)
	}
	pid := cmd.Process.Pid
	if err := cmd.Process.Release(); err != nil {
		return pid, fmt.Errorf("release %s (pid %d): %w", path, pid, err)
	}
	return pid, nil
}

// Handle is the subset of a gopsutil process used for termination.
type Handle interface {
	TerminateWithContext(ctx context.Context) error
	KillWithContext(ctx context.Context) error
	IsRunningWithContext(ctx context.Context) (bool, error)
}

// TerminatorOptions configures a Terminator.
type TerminatorOptions struct {
	GracePeriod    time.Duration
	PollInterval   time.Duration
	ForcedExitWait time.Duration
	Open           func(ctx context.Context, pid int) (Handle, error)
}

// Terminator tears a client process down with terminate, grace, then kill.
type Terminator struct {
	gracePeriod    time.Duration
	pollInterval   time.Duration
	forcedExitWait time.Duration
	open           func(ctx context.Context, pid int) (Handle, error)
	now            func() time.Time
	sleep          func(time.Duration)
}

// NewTerminator builds a terminator with defaults where omitted.
func NewTerminator(opts TerminatorOptions) *Terminator {
	if opts.GracePeriod <= 0 {
		opts.GracePeriod = DefaultTerminationGracePeriod
	}
	if opts.PollInterval <= 0 {
		opts.PollInterval = defaultTerminationPollInterval
	}
	if opts.ForcedExitWait <= 0 {
		opts.ForcedExitWait = defaultForcedExitWait
	}
	if opts.Open == nil {
		opts.Open = openSystemProcess
	}
	return &Terminator{
		gracePeriod:    opts.GracePeriod,
		pollInterval:   opts.PollInterval,
		forcedExitWait: opts.ForcedExitWait,
		open:           opts.Open,
		now:            time.Now,
		sleep:          time.Sleep,
	}
}

// Terminate stops pid. A process that is already gone is not an error.
func (t *Terminator) Terminate(ctx context.Context, pid int) error {
	if t == nil {
		return errors.New("terminator is nil")
	}
	if pid <= 0 {
		return nil
	}

	handle, err := t.open(ctx, pid)
	if err != nil {
		if isProcessGone(err) {
			return nil
		}
		return fmt.Errorf("open pid %d: %w", pid, err)
	}

	if err := handle.TerminateWithContext(ctx); err != nil && !isProcessGone(err) {
		return fmt.Errorf("terminate pid %d: %w", pid, err)
	}
	exited, err := t.waitForExit(ctx, handle, t.gracePeriod)
	if err != nil {
		return fmt.Errorf("wait for pid %d after terminate: %w", pid, err)
	}
	if exited {
		return nil
	}

	if err := handle.KillWithContext(ctx); err != nil && !isProcessGone(err) {
		return fmt.Errorf("kill pid %d: %w", pid, err)
	}
	exited, err = t.waitForExit(ctx, handle, t.forcedExitWait)
	if err != nil {
		return fmt.Errorf("wait for pid %d after kill: %w", pid, err)
	}
	if !exited {
		return fmt.Errorf("pid %d still alive after kill", pid)
	}
	return nil
}

func (t *Terminator) waitForExit(ctx context.Context, handle Handle, window time.Duration) (bool, error) {
	deadline := t.now().Add(window)
	for {
		if err := ctx.Err(); err != nil {
			return false, err
		}
		running, err := handle.IsRunningWithContext(ctx)
		if err != nil {
			if isProcessGone(err) {
				return true, nil
			}
			return false, err
		}
		if !running {
			return true, nil
		}
		if !t.now().Before(deadline) {
			return false, nil
		}
		t.sleep(t.pollInterval)
	}
}

func openSystemProcess(ctx context.Context, pid int) (Handle, error) {
	proc, err := process.NewProcessWithContext(ctx, int32(pid))
	if err != nil {
		return nil, err
	}
	return proc, nil
}

func isProcessGone(err error) bool {
	return errors.Is(err, process.ErrorProcessNotRunning)
}
