package clientauth_test

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/connectauth/connectauth/internal/automation"
	"github.com/connectauth/connectauth/internal/automation/automationtest"
	"github.com/connectauth/connectauth/internal/clientauth"
	"github.com/connectauth/connectauth/internal/session"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newLoginMachine(t *testing.T, h *harness) *clientauth.LoginMachine {
	t.Helper()
	machine, err := clientauth.NewLoginMachine(h.cfg, h.deps)
	require.NoError(t, err)
	return machine
}

func TestLoginEndToEndDeterministicCounts(t *testing.T) {
	h := newHarness(t, &scriptedLocator{script: []bool{false, true}, pid: testPID})
	h.cfg.ConnectDeadline = 20 * time.Second
	h.cfg.LoginDeadline = 20 * time.Second
	h.cfg.LogoutDeadline = 10 * time.Second
	h.adapter.AttachOn(2)
	h.loginScreen()
	// probe 1 is the pre-login check, probe 2 the first poll after Sign In
	h.adapter.PresentFrom(h.sel.AuthenticatedMarker, 3)

	connector, err := clientauth.NewConnector(h.cfg, h.deps)
	require.NoError(t, err)
	state := h.newState()
	require.NoError(t, connector.Connect(context.Background(), state))
	require.NoError(t, newLoginMachine(t, h).Login(context.Background(), state, credential(t)))

	assert.Equal(t, session.PhaseAuthenticated, state.Phase())
	assert.Equal(t, []session.Phase{
		session.PhaseStarting,
		session.PhaseConnected,
		session.PhaseAuthenticating,
		session.PhaseAuthenticated,
	}, phases(state))
	assert.Equal(t, 1, h.launcher.Count())
	assert.Equal(t, 2, h.adapter.Count(automationtest.OpAttachWindow, automation.Selector{}))
	assert.Equal(t, 1, h.adapter.Count(automationtest.OpControlExists, h.sel.Identifier))
	assert.Equal(t, 3, h.adapter.Count(automationtest.OpControlExists, h.sel.AuthenticatedMarker))
	assert.Equal(t, 2, h.adapter.Count(automationtest.OpSetText, automation.Selector{}))
	assert.Equal(t, 2, h.adapter.Count(automationtest.OpClick, automation.Selector{}))
	assert.Equal(t, []time.Duration{
		time.Second, // connect poll
		time.Second, // after identifier
		time.Second, // after Next
		time.Second, // after secret
		time.Second, // marker poll
	}, h.clock.Sleeps())
	assert.Contains(t, h.spanNames(), "clientauth.login")
}

func TestLoginEntersCredentialInOrder(t *testing.T) {
	h := newHarness(t, locatorAlwaysFinds())
	h.loginScreen()
	h.signInSucceeds()
	state := h.connected(t)

	require.NoError(t, newLoginMachine(t, h).Login(context.Background(), state, credential(t)))

	var writes []automationtest.Call
	for _, call := range h.adapter.Calls() {
		if call.Op == automationtest.OpSetText || call.Op == automationtest.OpClick {
			writes = append(writes, call)
		}
	}
	require.Len(t, writes, 4)
	assert.Equal(t, h.sel.Identifier, writes[0].Selector)
	assert.Equal(t, "user@example.com", writes[0].Value)
	assert.Equal(t, h.sel.Next, writes[1].Selector)
	assert.Equal(t, h.sel.Password, writes[2].Selector)
	assert.Equal(t, "secret", writes[2].Value)
	assert.Equal(t, h.sel.SignIn, writes[3].Selector)
}

func TestLoginSignsOutExistingSessionFirst(t *testing.T) {
	h := newHarness(t, locatorAlwaysFinds())
	h.loginScreen()
	h.signOutSucceeds()
	h.signInSucceeds()
	h.adapter.SetPresent(h.sel.AuthenticatedMarker, true)
	state := h.connected(t)

	require.NoError(t, newLoginMachine(t, h).Login(context.Background(), state, credential(t)))

	assert.Equal(t, []session.Phase{
		session.PhaseConnected,
		session.PhaseLoggingOut,
		session.PhaseLoggedOut,
		session.PhaseAuthenticating,
		session.PhaseAuthenticated,
	}, phases(state))

	order := []automation.Selector{}
	for _, call := range h.adapter.Calls() {
		if call.Op == automationtest.OpClick || call.Op == automationtest.OpSetText {
			order = append(order, call.Selector)
		}
	}
	require.GreaterOrEqual(t, len(order), 3)
	assert.Equal(t, h.sel.Settings, order[0])
	assert.Equal(t, h.sel.SignOut, order[1])
	assert.Equal(t, h.sel.Identifier, order[2])
}

func TestLoginNetworkUnavailableAfterExactRetries(t *testing.T) {
	h := newHarness(t, locatorAlwaysFinds())
	state := h.connected(t)

	err := newLoginMachine(t, h).Login(context.Background(), state, credential(t))

	require.ErrorIs(t, err, clientauth.ErrNetworkUnavailable)
	assert.Equal(t, h.cfg.IdentifierRetries, h.adapter.Count(automationtest.OpControlExists, h.sel.Identifier))
	assert.Equal(t, 0, h.adapter.Actions())
	assert.Equal(t, session.PhaseFailed, state.Phase())
	// no pause after the final miss
	assert.Len(t, h.clock.Sleeps(), h.cfg.IdentifierRetries-1)
}

func TestLoginDismissesAccountPromptBeforeIdentifier(t *testing.T) {
	h := newHarness(t, locatorAlwaysFinds())
	h.loginScreen()
	h.signInSucceeds()
	h.adapter.SetPresent(h.sel.Identifier, false)
	h.adapter.SetPresent(h.sel.UseAnotherAccount, true)
	h.adapter.OnClick(h.sel.UseAnotherAccount, func() {
		h.adapter.SetPresent(h.sel.UseAnotherAccount, false)
		h.adapter.SetPresent(h.sel.Identifier, true)
	})
	state := h.connected(t)

	require.NoError(t, newLoginMachine(t, h).Login(context.Background(), state, credential(t)))

	assert.Equal(t, 1, h.adapter.Count(automationtest.OpClick, h.sel.UseAnotherAccount))
	assert.Equal(t, 2, h.adapter.Count(automationtest.OpControlExists, h.sel.Identifier))
	assert.Equal(t, 0, h.adapter.Count(automationtest.OpControlExists, h.sel.Back))
}

func TestLoginClicksBackWhenNoAccountLink(t *testing.T) {
	h := newHarness(t, locatorAlwaysFinds())
	h.loginScreen()
	h.signInSucceeds()
	h.adapter.SetPresent(h.sel.Identifier, false)
	h.adapter.SetPresent(h.sel.Back, true)
	h.adapter.OnClick(h.sel.Back, func() {
		h.adapter.SetPresent(h.sel.Back, false)
		h.adapter.SetPresent(h.sel.Identifier, true)
	})
	state := h.connected(t)

	require.NoError(t, newLoginMachine(t, h).Login(context.Background(), state, credential(t)))
	assert.Equal(t, 1, h.adapter.Count(automationtest.OpClick, h.sel.Back))
}

func TestLoginNetworkBannerWaitsWithoutSpendingRetries(t *testing.T) {
	h := newHarness(t, locatorAlwaysFinds())
	h.loginScreen()
	h.signInSucceeds()
	h.adapter.SetPresent(h.sel.NetworkBanner, true)
	h.adapter.PresentFrom(h.sel.Identifier, 5)
	state := h.connected(t)

	require.NoError(t, newLoginMachine(t, h).Login(context.Background(), state, credential(t)))

	assert.Equal(t, 5, h.adapter.Count(automationtest.OpControlExists, h.sel.Identifier))
	assert.Equal(t, 4, h.adapter.Count(automationtest.OpControlExists, h.sel.NetworkBanner))
	assert.Equal(t, session.PhaseAuthenticated, state.Phase())
}

func TestLoginNetworkBannerBoundedByLoginDeadline(t *testing.T) {
	h := newHarness(t, locatorAlwaysFinds())
	h.cfg.LoginDeadline = 5 * time.Second
	h.loginScreen()
	h.adapter.SetPresent(h.sel.Identifier, false)
	h.adapter.SetPresent(h.sel.NetworkBanner, true)
	state := h.connected(t)
	start := h.clock.Now()

	err := newLoginMachine(t, h).Login(context.Background(), state, credential(t))

	require.ErrorIs(t, err, clientauth.ErrNetworkUnavailable)
	assert.Contains(t, err.Error(), "network banner")
	assert.Equal(t, h.cfg.LoginDeadline, h.clock.Elapsed(start))
	assert.Equal(t, 0, h.adapter.Actions())
}

func TestLoginTimeoutWhenMarkerNeverAppears(t *testing.T) {
	h := newHarness(t, locatorAlwaysFinds())
	h.loginScreen()
	state := h.connected(t)
	start := h.clock.Now()

	err := newLoginMachine(t, h).Login(context.Background(), state, credential(t))

	require.ErrorIs(t, err, clientauth.ErrLoginTimeout)
	assert.Equal(t, session.PhaseFailed, state.Phase())
	assert.LessOrEqual(t, h.clock.Elapsed(start), h.cfg.LoginDeadline+h.cfg.PollInterval)
	assert.NotContains(t, err.Error(), "secret")
}

func TestLoginMissingNextButtonIsNotFound(t *testing.T) {
	h := newHarness(t, locatorAlwaysFinds())
	h.loginScreen()
	h.adapter.SetPresent(h.sel.Next, false)
	state := h.connected(t)

	err := newLoginMachine(t, h).Login(context.Background(), state, credential(t))

	require.ErrorIs(t, err, clientauth.ErrNotFound)
	var typed *clientauth.Error
	require.True(t, errors.As(err, &typed))
	assert.Equal(t, "login", typed.Op)
	assert.Equal(t, session.PhaseAuthenticating, typed.Phase)
	assert.Equal(t, session.PhaseFailed, state.Phase())
}

func TestLoginDismissesSavedInformationPopup(t *testing.T) {
	h := newHarness(t, locatorAlwaysFinds())
	h.loginScreen()
	h.signInSucceeds()
	h.adapter.SetPresent(h.sel.SavedInfoPopup, true)
	state := h.connected(t)

	require.NoError(t, newLoginMachine(t, h).Login(context.Background(), state, credential(t)))
	assert.Equal(t, 1, h.adapter.Count(automationtest.OpClick, h.sel.SavedInfoPopup))
}

func TestLoginRestartsOnceAfterStaleHandle(t *testing.T) {
	h := newHarness(t, locatorAlwaysFinds())
	h.loginScreen()
	h.signInSucceeds()
	h.adapter.FailNext(automationtest.OpSetText, h.sel.Identifier, fmt.Errorf("element gone: %w", automation.ErrStaleHandle))
	state := h.connected(t)

	require.NoError(t, newLoginMachine(t, h).Login(context.Background(), state, credential(t)))

	assert.Equal(t, session.PhaseAuthenticated, state.Phase())
	assert.Equal(t, 1, h.adapter.Count(automationtest.OpKillWindow, automation.Selector{}))
	assert.Equal(t, []int{testPID}, h.terminator.pids)
	assert.Equal(t, []session.Phase{
		session.PhaseConnected,
		session.PhaseAuthenticating,
		session.PhaseNotStarted,
		session.PhaseConnected,
		session.PhaseAuthenticating,
		session.PhaseAuthenticated,
	}, phases(state))
}

func TestLoginFailsOnSecondStaleHandle(t *testing.T) {
	h := newHarness(t, locatorAlwaysFinds())
	h.loginScreen()
	h.signInSucceeds()
	h.adapter.FailNext(automationtest.OpSetText, h.sel.Identifier, automation.ErrStaleHandle)
	h.adapter.FailNext(automationtest.OpClick, h.sel.Next, automation.ErrStaleHandle)
	state := h.connected(t)

	err := newLoginMachine(t, h).Login(context.Background(), state, credential(t))

	require.ErrorIs(t, err, clientauth.ErrStaleHandle)
	assert.ErrorIs(t, err, automation.ErrStaleHandle)
	assert.Equal(t, session.PhaseFailed, state.Phase())
	assert.Equal(t, 1, h.adapter.Count(automationtest.OpKillWindow, automation.Selector{}))
}

func TestLoginRejectsWrongPhaseAndEmptyCredential(t *testing.T) {
	h := newHarness(t, locatorAlwaysFinds())
	machine := newLoginMachine(t, h)

	err := machine.Login(context.Background(), h.newState(), credential(t))
	require.Error(t, err)
	assert.Empty(t, clientauth.KindOf(err))

	err = machine.Login(context.Background(), h.connected(t), session.Credential{})
	require.Error(t, err)
	assert.Equal(t, 0, h.adapter.Actions())
}
