// Package theme colors CLI output. Styling collapses to plain text when the
// destination is not a color terminal, so piped output stays parseable.
package theme

import (
	"io"
	"strconv"

	"github.com/charmbracelet/lipgloss"
	"github.com/muesli/termenv"
)

const (
	// GreenOk marks healthy values.
	GreenOk = "#33FF33"
	// RedAlert marks failures.
	RedAlert = "#FF3333"
	// YellowCaution marks values that need attention.
	YellowCaution = "#FFCC00"
	// GalaxyGray is the muted neutral for labels.
	GalaxyGray = "#52526A"
)

// Palette renders values for one writer.
type Palette struct {
	renderer *lipgloss.Renderer
	ok       lipgloss.Style
	bad      lipgloss.Style
	caution  lipgloss.Style
	label    lipgloss.Style
}

// New detects the color profile of w.
func New(w io.Writer) Palette {
	return newPalette(lipgloss.NewRenderer(w))
}

// NewWithProfile forces profile regardless of what w supports.
func NewWithProfile(w io.Writer, profile termenv.Profile) Palette {
	renderer := lipgloss.NewRenderer(w)
	renderer.SetColorProfile(profile)
	return newPalette(renderer)
}

func newPalette(renderer *lipgloss.Renderer) Palette {
	return Palette{
		renderer: renderer,
		ok:       renderer.NewStyle().Foreground(color(renderer, GreenOk, "10", "2")).Bold(true),
		bad:      renderer.NewStyle().Foreground(color(renderer, RedAlert, "9", "1")).Bold(true),
		caution:  renderer.NewStyle().Foreground(color(renderer, YellowCaution, "11", "3")),
		label:    renderer.NewStyle().Foreground(color(renderer, GalaxyGray, "60", "8")),
	}
}

// Profile reports the color profile in use.
func (p Palette) Profile() termenv.Profile {
	return p.renderer.ColorProfile()
}

// Flag renders a boolean green when true and red when false.
func (p Palette) Flag(value bool) string {
	text := strconv.FormatBool(value)
	if value {
		return p.ok.Render(text)
	}
	return p.bad.Render(text)
}

// OK renders a success message.
func (p Palette) OK(text string) string { return p.ok.Render(text) }

// Caution renders a warning message.
func (p Palette) Caution(text string) string { return p.caution.Render(text) }

// Label renders a field name.
func (p Palette) Label(text string) string { return p.label.Render(text) }

func color(renderer *lipgloss.Renderer, hex, ansi256, ansi string) lipgloss.TerminalColor {
	switch renderer.ColorProfile() {
	case termenv.ANSI256, termenv.ANSI:
		complete := lipgloss.CompleteColor{TrueColor: hex, ANSI256: ansi256, ANSI: ansi}
		return lipgloss.CompleteAdaptiveColor{Light: complete, Dark: complete}
	default:
		return lipgloss.AdaptiveColor{Light: hex, Dark: hex}
	}
}
