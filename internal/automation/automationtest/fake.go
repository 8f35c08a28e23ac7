// Package automationtest provides a scriptable in-memory automation.Adapter
// for exercising the client state machines without a desktop process.
package automationtest

import (
	"context"
	"fmt"
	"sync"

	"github.com/connectauth/connectauth/internal/automation"
)

// Op names one adapter operation.
type Op string

const (
	OpWindowExists  Op = "window_exists"
	OpAttachWindow  Op = "attach_window"
	OpFindControl   Op = "find_control"
	OpControlExists Op = "control_exists"
	OpSetText       Op = "set_text"
	OpClick         Op = "click"
	OpKillWindow    Op = "kill_window"
)

// Call records one adapter invocation.
type Call struct {
	Op       Op
	PID      int
	Window   automation.WindowHandle
	Selector automation.Selector
	Value    string
}

type injectedError struct {
	op       Op
	selector automation.Selector
	err      error
}

// Fake is a thread-safe scriptable Adapter. Controls are keyed by selector.
// Killing a window bumps its generation so every handle issued before the kill
// reports automation.ErrStaleHandle.
type Fake struct {
	mu          sync.Mutex
	attach      func(attempt int, pid int, title string) bool
	attachCalls int
	exists      func(probe int) bool
	existsCalls int
	windowUp    map[int]bool
	generation  map[int]int
	present     map[automation.Selector]bool
	presence    map[automation.Selector]func(probe int) bool
	probes      map[automation.Selector]int
	onClick     map[automation.Selector]func()
	injected    []injectedError
	calls       []Call
}

// NewFake builds a fake whose windows attach on the first attempt.
func NewFake() *Fake {
	return &Fake{
		windowUp:   map[int]bool{},
		generation: map[int]int{},
		present:    map[automation.Selector]bool{},
		presence:   map[automation.Selector]func(int) bool{},
		probes:     map[automation.Selector]int{},
		onClick:    map[automation.Selector]func(){},
	}
}

// AttachOn makes AttachWindow succeed starting with the given 1-based attempt.
// Zero or negative means never.
func (f *Fake) AttachOn(attempt int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.attach = func(n int, _ int, _ string) bool {
		return attempt > 0 && n >= attempt
	}
}

// WindowExistsFrom makes WindowExists report a top-level window starting
// with the given 1-based call. Zero or negative means never. By default a
// window always exists.
func (f *Fake) WindowExistsFrom(probe int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.exists = func(n int) bool {
		return probe > 0 && n >= probe
	}
}

// SetPresent toggles a control's presence.
func (f *Fake) SetPresent(selector automation.Selector, present bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.presence, selector)
	f.present[selector] = present
}

// PresentFrom makes a control appear from the given 1-based probe onward.
// Probes are ControlExists calls for that selector.
func (f *Fake) PresentFrom(selector automation.Selector, probe int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.presence[selector] = func(n int) bool { return n >= probe }
}

// OnClick runs hook after a successful click on selector.
func (f *Fake) OnClick(selector automation.Selector, hook func()) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.onClick[selector] = hook
}

// FailNext queues err for the next call of op. A zero selector matches any.
func (f *Fake) FailNext(op Op, selector automation.Selector, err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.injected = append(f.injected, injectedError{op: op, selector: selector, err: err})
}

// Calls returns a copy of the recorded calls.
func (f *Fake) Calls() []Call {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]Call, len(f.calls))
	copy(out, f.calls)
	return out
}

// Count returns how many calls matched op and, when non-zero, selector.
func (f *Fake) Count(op Op, selector automation.Selector) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	count := 0
	for _, call := range f.calls {
		if call.Op != op {
			continue
		}
		if !selector.IsZero() && call.Selector != selector {
			continue
		}
		count++
	}
	return count
}

// Actions returns the number of SetText and Click calls.
func (f *Fake) Actions() int {
	return f.Count(OpSetText, automation.Selector{}) + f.Count(OpClick, automation.Selector{})
}

func (f *Fake) WindowExists(_ context.Context, pid int) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.record(Call{Op: OpWindowExists, PID: pid})
	if err := f.takeInjected(OpWindowExists, automation.Selector{}); err != nil {
		return false, err
	}
	f.existsCalls++
	if f.exists != nil {
		return f.exists(f.existsCalls), nil
	}
	return true, nil
}

func (f *Fake) AttachWindow(_ context.Context, pid int, title string) (automation.WindowHandle, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.record(Call{Op: OpAttachWindow, PID: pid, Value: title})
	if err := f.takeInjected(OpAttachWindow, automation.Selector{}); err != nil {
		return automation.WindowHandle{}, err
	}
	f.attachCalls++
	if f.attach != nil && !f.attach(f.attachCalls, pid, title) {
		return automation.WindowHandle{}, automation.ErrNotFound
	}
	f.windowUp[pid] = true
	return f.handleFor(pid), nil
}

func (f *Fake) FindControl(_ context.Context, window automation.WindowHandle, selector automation.Selector) (automation.ControlHandle, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.record(Call{Op: OpFindControl, Window: window, Selector: selector})
	if err := f.takeInjected(OpFindControl, selector); err != nil {
		return automation.ControlHandle{}, err
	}
	if err := f.checkWindow(window); err != nil {
		return automation.ControlHandle{}, err
	}
	return automation.ControlHandle{
		Window:   window,
		ID:       fmt.Sprintf("%s/%s", window.ID, selector.String()),
		Selector: selector,
	}, nil
}

func (f *Fake) ControlExists(_ context.Context, control automation.ControlHandle) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.record(Call{Op: OpControlExists, Window: control.Window, Selector: control.Selector})
	if err := f.takeInjected(OpControlExists, control.Selector); err != nil {
		return false, err
	}
	if err := f.checkWindow(control.Window); err != nil {
		return false, err
	}
	f.probes[control.Selector]++
	return f.isPresent(control.Selector), nil
}

func (f *Fake) SetText(_ context.Context, control automation.ControlHandle, value string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.record(Call{Op: OpSetText, Window: control.Window, Selector: control.Selector, Value: value})
	if err := f.takeInjected(OpSetText, control.Selector); err != nil {
		return err
	}
	return f.checkControl(control)
}

func (f *Fake) Click(_ context.Context, control automation.ControlHandle) error {
	f.mu.Lock()
	f.record(Call{Op: OpClick, Window: control.Window, Selector: control.Selector})
	if err := f.takeInjected(OpClick, control.Selector); err != nil {
		f.mu.Unlock()
		return err
	}
	if err := f.checkControl(control); err != nil {
		f.mu.Unlock()
		return err
	}
	hook := f.onClick[control.Selector]
	f.mu.Unlock()

	if hook != nil {
		hook()
	}
	return nil
}

func (f *Fake) KillWindow(_ context.Context, window automation.WindowHandle) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.record(Call{Op: OpKillWindow, Window: window})
	if err := f.takeInjected(OpKillWindow, automation.Selector{}); err != nil {
		return err
	}
	if err := f.checkWindow(window); err != nil {
		return err
	}
	f.generation[window.PID]++
	f.windowUp[window.PID] = false
	return nil
}

func (f *Fake) record(call Call) {
	f.calls = append(f.calls, call)
}

func (f *Fake) takeInjected(op Op, selector automation.Selector) error {
	for i, injected := range f.injected {
		if injected.op != op {
			continue
		}
		if !injected.selector.IsZero() && injected.selector != selector {
			continue
		}
		f.injected = append(f.injected[:i], f.injected[i+1:]...)
		return injected.err
	}
	return nil
}

func (f *Fake) handleFor(pid int) automation.WindowHandle {
	return automation.WindowHandle{
		PID: pid,
		ID:  fmt.Sprintf("win-%d-%d", pid, f.generation[pid]),
	}
}

func (f *Fake) checkWindow(window automation.WindowHandle) error {
	if !f.windowUp[window.PID] || window != f.handleFor(window.PID) {
		return automation.ErrStaleHandle
	}
	return nil
}

func (f *Fake) checkControl(control automation.ControlHandle) error {
	if err := f.checkWindow(control.Window); err != nil {
		return err
	}
	if !f.isPresent(control.Selector) {
		return automation.ErrStaleHandle
	}
	return nil
}

func (f *Fake) isPresent(selector automation.Selector) bool {
	if presence, ok := f.presence[selector]; ok {
		return presence(f.probes[selector])
	}
	return f.present[selector]
}
