package clientauth_test

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/connectauth/connectauth/internal/automation/automationtest"
	"github.com/connectauth/connectauth/internal/clientauth"
	"github.com/connectauth/connectauth/internal/poll/polltest"
	"github.com/connectauth/connectauth/internal/process"
	"github.com/connectauth/connectauth/internal/session"
	"github.com/connectauth/connectauth/test"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"
)

const testPID = 4242

// scriptedLocator answers FindProcessID from a per-call script. Calls past
// the end of the script repeat the last entry.
type scriptedLocator struct {
	mu     sync.Mutex
	script []bool
	pid    int
	calls  int
}

func locatorNeverFinds() *scriptedLocator {
	return &scriptedLocator{script: []bool{false}, pid: testPID}
}

func locatorAlwaysFinds() *scriptedLocator {
	return &scriptedLocator{script: []bool{true}, pid: testPID}
}

func (l *scriptedLocator) FindProcessID(_ context.Context, _ string) (int, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	idx := l.calls
	if idx >= len(l.script) {
		idx = len(l.script) - 1
	}
	l.calls++
	if !l.script[idx] {
		return 0, process.ErrNotFound
	}
	return l.pid, nil
}

func (l *scriptedLocator) Calls() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.calls
}

type recordingLauncher struct {
	mu       sync.Mutex
	launches []string
	pid      int
	err      error
}

func (l *recordingLauncher) Launch(_ context.Context, path string, _ ...string) (int, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.launches = append(l.launches, path)
	if l.err != nil {
		return 0, l.err
	}
	return l.pid, nil
}

func (l *recordingLauncher) Count() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.launches)
}

type recordingTerminator struct {
	mu   sync.Mutex
	pids []int
}

func (t *recordingTerminator) Terminate(_ context.Context, pid int) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.pids = append(t.pids, pid)
	return nil
}

type harness struct {
	cfg        clientauth.Config
	deps       clientauth.Deps
	adapter    *automationtest.Fake
	clock      *polltest.Clock
	locator    *scriptedLocator
	launcher   *recordingLauncher
	terminator *recordingTerminator
	spans      *tracetest.SpanRecorder
	sel        clientauth.Selectors
}

func newHarness(t *testing.T, locator *scriptedLocator) *harness {
	t.Helper()
	clock := polltest.NewClock()
	adapter := automationtest.NewFake()
	launcher := &recordingLauncher{pid: testPID}
	terminator := &recordingTerminator{}
	tracer, recorder := test.Tracer(t)

	cfg := clientauth.DefaultConfig(`C:\Program Files\Bentley\Connect\Bentley.Connect.Client.exe`)
	return &harness{
		cfg: cfg,
		deps: clientauth.Deps{
			Locator:    locator,
			Launcher:   launcher,
			Terminator: terminator,
			Adapter:    adapter,
			Clock:      clock,
			Tracer:     tracer,
		},
		adapter:    adapter,
		clock:      clock,
		locator:    locator,
		launcher:   launcher,
		terminator: terminator,
		spans:      recorder,
		sel:        cfg.Selectors,
	}
}

// loginScreen makes every required sign-in control present.
func (h *harness) loginScreen() {
	h.adapter.SetPresent(h.sel.Identifier, true)
	h.adapter.SetPresent(h.sel.Next, true)
	h.adapter.SetPresent(h.sel.Password, true)
	h.adapter.SetPresent(h.sel.SignIn, true)
}

// signInSucceeds shows the authenticated view once Sign In is clicked.
func (h *harness) signInSucceeds() {
	h.adapter.OnClick(h.sel.SignIn, func() {
		h.adapter.SetPresent(h.sel.AuthenticatedMarker, true)
	})
}

// signOutSucceeds hides the authenticated view once Sign Out is clicked.
func (h *harness) signOutSucceeds() {
	h.adapter.SetPresent(h.sel.Settings, true)
	h.adapter.SetPresent(h.sel.SignOut, true)
	h.adapter.OnClick(h.sel.SignOut, func() {
		h.adapter.SetPresent(h.sel.AuthenticatedMarker, false)
	})
}

func (h *harness) newState() *session.State {
	return session.New("attempt-1", session.WithClock(h.clock.Now), session.WithTracer(h.deps.Tracer))
}

// connected returns a state already attached to the running client.
func (h *harness) connected(t *testing.T) *session.State {
	t.Helper()
	connector, err := clientauth.NewConnector(h.cfg, h.deps)
	if err != nil {
		t.Fatalf("new connector: %v", err)
	}
	state := h.newState()
	if err := connector.Connect(context.Background(), state); err != nil {
		t.Fatalf("connect: %v", err)
	}
	return state
}

func (h *harness) spanNames() []string {
	return test.SpanNames(h.spans)
}

func phases(state *session.State) []session.Phase {
	out := []session.Phase{}
	for _, record := range state.History() {
		out = append(out, record.To)
	}
	return out
}

func credential(t *testing.T) session.Credential {
	t.Helper()
	cred, err := session.NewCredential("user@example.com", "secret")
	if err != nil {
		t.Fatalf("new credential: %v", err)
	}
	return cred
}

func sum(durations []time.Duration) time.Duration {
	var total time.Duration
	for _, d := range durations {
		total += d
	}
	return total
}
