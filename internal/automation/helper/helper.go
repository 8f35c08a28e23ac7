// Package helper implements automation.Adapter by shelling out to an external
// UI-automation helper executable. Each adapter operation maps to one helper
// verb; the helper answers with a single YAML document on stdout:
//
//	ok: true
//	exists: true          # window-exists, exists
//	window: "hwnd-0x1f2"  # attach
//	control: "ctl-17"     # find
//
// Failures set ok: false with error: not_found | stale_handle | <other>.
// Text for set-text is written to the helper's stdin and never appears in argv.
package helper

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/connectauth/connectauth/internal/automation"
	"github.com/connectauth/connectauth/internal/subprocess"
	"gopkg.in/yaml.v3"
)

const (
	// DefaultCallTimeout bounds one helper invocation.
	DefaultCallTimeout = 15 * time.Second

	codeNotFound    = "not_found"
	codeStaleHandle = "stale_handle"
)

// Runner executes the helper binary.
type Runner interface {
	Run(ctx context.Context, name string, args []string, stdin string) (string, error)
}

// Response is the helper's YAML reply.
type Response struct {
	OK      bool   `yaml:"ok"`
	Error   string `yaml:"error,omitempty"`
	Message string `yaml:"message,omitempty"`
	Exists  bool   `yaml:"exists,omitempty"`
	Window  string `yaml:"window,omitempty"`
	Control string `yaml:"control,omitempty"`
}

// Options configures the helper adapter.
type Options struct {
	Path        string
	Args        []string
	CallTimeout time.Duration
	Runner      Runner
}

// Adapter drives the desktop client through the helper executable.
type Adapter struct {
	path        string
	args        []string
	callTimeout time.Duration
	runner      Runner
}

var _ automation.Adapter = (*Adapter)(nil)

// New builds a helper-backed adapter.
func New(opts Options) (*Adapter, error) {
	path := strings.TrimSpace(opts.Path)
	if path == "" {
		return nil, errors.New("automation helper path is required")
	}
	timeout := opts.CallTimeout
	if timeout <= 0 {
		timeout = DefaultCallTimeout
	}
	runner := opts.Runner
	if runner == nil {
		runner = tracedRunner{}
	}
	return &Adapter{
		path:        path,
		args:        append([]string(nil), opts.Args...),
		callTimeout: timeout,
		runner:      runner,
	}, nil
}

// WindowExists reports whether pid owns at least one top-level window.
func (a *Adapter) WindowExists(ctx context.Context, pid int) (bool, error) {
	resp, err := a.call(ctx, "window-exists", []string{"--pid", strconv.Itoa(pid)}, "")
	if err != nil {
		return false, err
	}
	return resp.Exists, nil
}

// AttachWindow resolves the top-level window of pid whose title matches titlePattern.
func (a *Adapter) AttachWindow(ctx context.Context, pid int, titlePattern string) (automation.WindowHandle, error) {
	resp, err := a.call(ctx, "attach", []string{"--pid", strconv.Itoa(pid), "--title", titlePattern}, "")
	if err != nil {
		return automation.WindowHandle{}, err
	}
	if strings.TrimSpace(resp.Window) == "" {
		return automation.WindowHandle{}, fmt.Errorf("helper attach: empty window id: %w", automation.ErrNotFound)
	}
	return automation.WindowHandle{PID: pid, ID: strings.TrimSpace(resp.Window)}, nil
}

// FindControl resolves a child control of window.
func (a *Adapter) FindControl(ctx context.Context, window automation.WindowHandle, selector automation.Selector) (automation.ControlHandle, error) {
	args := append(windowArgs(window), selectorArgs(selector)...)
	resp, err := a.call(ctx, "find", args, "")
	if err != nil {
		return automation.ControlHandle{}, err
	}
	if strings.TrimSpace(resp.Control) == "" {
		return automation.ControlHandle{}, fmt.Errorf("helper find %s: empty control id: %w", selector, automation.ErrNotFound)
	}
	return automation.ControlHandle{Window: window, ID: strings.TrimSpace(resp.Control), Selector: selector}, nil
}

// ControlExists reports whether a resolved control is still present.
func (a *Adapter) ControlExists(ctx context.Context, control automation.ControlHandle) (bool, error) {
	resp, err := a.call(ctx, "exists", controlArgs(control), "")
	if err != nil {
		return false, err
	}
	return resp.Exists, nil
}

// SetText replaces the control's text. The value travels on stdin.
func (a *Adapter) SetText(ctx context.Context, control automation.ControlHandle, value string) error {
	_, err := a.call(ctx, "set-text", controlArgs(control), value)
	return err
}

// Click clicks the control.
func (a *Adapter) Click(ctx context.Context, control automation.ControlHandle) error {
	_, err := a.call(ctx, "click", controlArgs(control), "")
	return err
}

// KillWindow closes the window and its owning process.
func (a *Adapter) KillWindow(ctx context.Context, window automation.WindowHandle) error {
	_, err := a.call(ctx, "kill", windowArgs(window), "")
	return err
}

func (a *Adapter) call(ctx context.Context, verb string, verbArgs []string, stdin string) (Response, error) {
	if a == nil {
		return Response{}, errors.New("automation helper adapter is nil")
	}
	if ctx == nil {
		ctx = context.Background()
	}
	callCtx, cancel := context.WithTimeout(ctx, a.callTimeout)
	defer cancel()

	args := make([]string, 0, len(a.args)+1+len(verbArgs))
	args = append(args, a.args...)
	args = append(args, verb)
	args = append(args, verbArgs...)

	out, runErr := a.runner.Run(callCtx, a.path, args, stdin)
	resp, decodeErr := decodeResponse(out)
	if decodeErr != nil {
		if runErr != nil {
			return Response{}, fmt.Errorf("helper %s: %w", verb, runErr)
		}
		return Response{}, fmt.Errorf("helper %s: %w", verb, decodeErr)
	}
	if !resp.OK {
		return resp, responseError(verb, resp)
	}
	if runErr != nil {
		return Response{}, fmt.Errorf("helper %s: %w", verb, runErr)
	}
	return resp, nil
}

func decodeResponse(out string) (Response, error) {
	out = strings.TrimSpace(out)
	if out == "" {
		return Response{}, errors.New("empty helper response")
	}
	var resp Response
	if err := yaml.Unmarshal([]byte(out), &resp); err != nil {
		return Response{}, fmt.Errorf("decode helper response: %w", err)
	}
	return resp, nil
}

func responseError(verb string, resp Response) error {
	detail := strings.TrimSpace(resp.Message)
	switch strings.ToLower(strings.TrimSpace(resp.Error)) {
	case codeNotFound:
		return fmt.Errorf("helper %s: %s: %w", verb, detail, automation.ErrNotFound)
	case codeStaleHandle:
		return fmt.Errorf("helper %s: %s: %w", verb, detail, automation.ErrStaleHandle)
	case "":
		return fmt.Errorf("helper %s failed: %s", verb, detail)
	default:
		return fmt.Errorf("helper %s failed (%s): %s", verb, resp.Error, detail)
	}
}

func windowArgs(window automation.WindowHandle) []string {
	return []string{"--pid", strconv.Itoa(window.PID), "--window", window.ID}
}

func controlArgs(control automation.ControlHandle) []string {
	return append(windowArgs(control.Window), "--control", control.ID)
}

func selectorArgs(selector automation.Selector) []string {
	args := make([]string, 0, 6)
	if selector.Title != "" {
		args = append(args, "--title", selector.Title)
	}
	if selector.AutomationID != "" {
		args = append(args, "--auto-id", selector.AutomationID)
	}
	if selector.ControlType != "" {
		args = append(args, "--control-type", selector.ControlType)
	}
	return args
}

type tracedRunner struct{}

func (tracedRunner) Run(ctx context.Context, name string, args []string, stdin string) (string, error) {
	var stdout bytes.Buffer
	cmd := subprocess.Command{Path: name, Args: args, SpanName: "automation.helper", Stdout: &stdout}
	if stdin != "" {
		cmd.Stdin = strings.NewReader(stdin)
	}
	_, err := subprocess.Run(ctx, cmd)
	return strings.TrimSpace(stdout.String()), err
}
