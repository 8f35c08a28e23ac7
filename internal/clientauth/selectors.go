package clientauth

import (
	"fmt"
	"sort"
	"strings"

	"github.com/connectauth/connectauth/internal/automation"
)

// Selector names accepted by Selectors.Override and the [selectors.<name>] config tables.
const (
	SelectorUseAnotherAccount   = "use_another_account"
	SelectorBack                = "back"
	SelectorNetworkBanner       = "network_banner"
	SelectorIdentifier          = "identifier"
	SelectorSavedInfoPopup      = "saved_info_popup"
	SelectorNext                = "next"
	SelectorPassword            = "password"
	SelectorSignIn              = "sign_in"
	SelectorAuthenticatedMarker = "authenticated_marker"
	SelectorSettings            = "settings"
	SelectorSignOut             = "sign_out"
)

// Selectors names every control the state machines touch.
type Selectors struct {
	UseAnotherAccount   automation.Selector
	Back                automation.Selector
	NetworkBanner       automation.Selector
	Identifier          automation.Selector
	SavedInfoPopup      automation.Selector
	Next                automation.Selector
	Password            automation.Selector
	SignIn              automation.Selector
	AuthenticatedMarker automation.Selector
	Settings            automation.Selector
	SignOut             automation.Selector
}

// DefaultSelectors returns the CONNECTION Client control descriptors.
func DefaultSelectors() Selectors {
	return Selectors{
		UseAnotherAccount: automation.Selector{Title: "Use another account", ControlType: "Hyperlink"},
		Back:              automation.Selector{Title: "Back", ControlType: "Hyperlink"},
		NetworkBanner:     automation.Selector{Title: "No network connection detected", ControlType: "Text"},
		Identifier:        automation.Selector{AutomationID: "identifierInput", ControlType: "Edit"},
		SavedInfoPopup:    automation.Selector{Title: "Don't show saved information", ControlType: "Button"},
		Next:              automation.Selector{Title: "Next", AutomationID: "sign-in-button", ControlType: "Hyperlink"},
		Password:          automation.Selector{AutomationID: "password", ControlType: "Edit"},
		SignIn:            automation.Selector{Title: "Sign In", AutomationID: "sign-in-button", ControlType: "Hyperlink"},
		AuthenticatedMarker: automation.Selector{
			Title:        "Bentley.Connect.Client;component/Views/AuthenticatedView.xaml",
			AutomationID: "OuterFrame",
			ControlType:  "Pane",
		},
		Settings: automation.Selector{Title: "Settings", AutomationID: "SettingIcon", ControlType: "Button"},
		SignOut:  automation.Selector{Title: "Sign Out", ControlType: "MenuItem"},
	}
}

func (s *Selectors) fields() map[string]*automation.Selector {
	return map[string]*automation.Selector{
		SelectorUseAnotherAccount:   &s.UseAnotherAccount,
		SelectorBack:                &s.Back,
		SelectorNetworkBanner:       &s.NetworkBanner,
		SelectorIdentifier:          &s.Identifier,
		SelectorSavedInfoPopup:      &s.SavedInfoPopup,
		SelectorNext:                &s.Next,
		SelectorPassword:            &s.Password,
		SelectorSignIn:              &s.SignIn,
		SelectorAuthenticatedMarker: &s.AuthenticatedMarker,
		SelectorSettings:            &s.Settings,
		SelectorSignOut:             &s.SignOut,
	}
}

// SelectorNames lists every overridable selector name in sorted order.
func SelectorNames() []string {
	var s Selectors
	names := make([]string, 0, 11)
	for name := range s.fields() {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Override replaces the non-empty fields of the named selector.
func (s Selectors) Override(name string, override automation.Selector) (Selectors, error) {
	target, ok := s.fields()[strings.ToLower(strings.TrimSpace(name))]
	if !ok {
		return s, fmt.Errorf("unknown selector %q (known: %s)", name, strings.Join(SelectorNames(), ", "))
	}
	if override.Title != "" {
		target.Title = override.Title
	}
	if override.AutomationID != "" {
		target.AutomationID = override.AutomationID
	}
	if override.ControlType != "" {
		target.ControlType = override.ControlType
	}
	return s, nil
}

// Validate rejects selectors with no criteria.
func (s Selectors) Validate() error {
	for name, selector := range s.fields() {
		if selector.IsZero() {
			return fmt.Errorf("selector %q has no criteria", name)
		}
	}
	return nil
}
