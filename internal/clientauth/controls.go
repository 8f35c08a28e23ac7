package clientauth

import (
	"context"
	"errors"
	"fmt"

	"github.com/connectauth/connectauth/internal/automation"
	"github.com/connectauth/connectauth/internal/session"
)

// classify maps adapter failures onto typed kinds. Errors that are already
// typed pass through unchanged.
func classify(op string, phase session.Phase, what string, err error) error {
	if err == nil {
		return nil
	}
	var typed *Error
	if errors.As(err, &typed) {
		return err
	}
	cause := fmt.Errorf("%s: %w", what, err)
	switch {
	case errors.Is(err, automation.ErrStaleHandle):
		return newError(KindStaleHandle, op, phase, cause)
	case errors.Is(err, automation.ErrNotFound):
		return newError(KindNotFound, op, phase, cause)
	default:
		return fmt.Errorf("%s: %w", op, cause)
	}
}

// requireControl resolves a control that must be present right now.
func requireControl(ctx context.Context, adapter automation.Adapter, window automation.WindowHandle, name string, selector automation.Selector) (automation.ControlHandle, error) {
	control, found, err := automation.Lookup(ctx, adapter, window, selector)
	if err != nil {
		return automation.ControlHandle{}, err
	}
	if !found {
		return automation.ControlHandle{}, fmt.Errorf("%s %s: %w", name, selector, automation.ErrNotFound)
	}
	return control, nil
}

func clickRequired(ctx context.Context, adapter automation.Adapter, window automation.WindowHandle, name string, selector automation.Selector) error {
	control, err := requireControl(ctx, adapter, window, name, selector)
	if err != nil {
		return err
	}
	return adapter.Click(ctx, control)
}

// markerPresent probes the authenticated-view marker once.
func markerPresent(ctx context.Context, adapter automation.Adapter, window automation.WindowHandle, selector automation.Selector) (bool, error) {
	_, present, err := automation.Lookup(ctx, adapter, window, selector)
	return present, err
}
