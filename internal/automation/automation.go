// Package automation defines the UI-automation capability boundary used to
// drive the desktop client. Nothing else in connectauth touches the client's
// windows or controls directly.
package automation

import (
	"context"
	"errors"
	"fmt"
	"strings"
)

var (
	// ErrNotFound indicates the requested window or control is absent.
	ErrNotFound = errors.New("ui element not found")
	// ErrStaleHandle indicates a handle references a window or control that vanished.
	// Callers must re-resolve instead of retrying on the same handle.
	ErrStaleHandle = errors.New("stale ui handle")
)

// Selector is a structural descriptor for one child control.
type Selector struct {
	Title        string
	AutomationID string
	ControlType  string
}

// IsZero reports whether the selector carries no criteria.
func (s Selector) IsZero() bool {
	return strings.TrimSpace(s.Title) == "" &&
		strings.TrimSpace(s.AutomationID) == "" &&
		strings.TrimSpace(s.ControlType) == ""
}

func (s Selector) String() string {
	parts := make([]string, 0, 3)
	if s.Title != "" {
		parts = append(parts, fmt.Sprintf("title=%q", s.Title))
	}
	if s.AutomationID != "" {
		parts = append(parts, fmt.Sprintf("auto_id=%q", s.AutomationID))
	}
	if s.ControlType != "" {
		parts = append(parts, fmt.Sprintf("control_type=%q", s.ControlType))
	}
	return "{" + strings.Join(parts, " ") + "}"
}

// WindowHandle references one top-level window of a client process.
type WindowHandle struct {
	PID int
	ID  string
}

// IsZero reports whether the handle is unset.
func (w WindowHandle) IsZero() bool {
	return w.PID == 0 && w.ID == ""
}

// ControlHandle references one child control resolved inside a window.
type ControlHandle struct {
	Window   WindowHandle
	ID       string
	Selector Selector
}

// Adapter is the only way connectauth touches the outside UI. Every call that
// references a stale handle fails with ErrStaleHandle.
type Adapter interface {
	WindowExists(ctx context.Context, pid int) (bool, error)
	AttachWindow(ctx context.Context, pid int, titlePattern string) (WindowHandle, error)
	FindControl(ctx context.Context, window WindowHandle, selector Selector) (ControlHandle, error)
	ControlExists(ctx context.Context, control ControlHandle) (bool, error)
	SetText(ctx context.Context, control ControlHandle, value string) error
	Click(ctx context.Context, control ControlHandle) error
	KillWindow(ctx context.Context, window WindowHandle) error
}

// Lookup resolves a control and reports presence. ErrNotFound is folded into
// found=false; every other error, ErrStaleHandle included, is returned.
func Lookup(ctx context.Context, adapter Adapter, window WindowHandle, selector Selector) (ControlHandle, bool, error) {
	if adapter == nil {
		return ControlHandle{}, false, errors.New("automation adapter is nil")
	}
	control, err := adapter.FindControl(ctx, window, selector)
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			return ControlHandle{}, false, nil
		}
		return ControlHandle{}, false, err
	}
	exists, err := adapter.ControlExists(ctx, control)
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			return ControlHandle{}, false, nil
		}
		return ControlHandle{}, false, err
	}
	if !exists {
		return ControlHandle{}, false, nil
	}
	return control, true, nil
}
