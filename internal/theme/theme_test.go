package theme

import (
	"bytes"
	"strings"
	"testing"

	"github.com/muesli/termenv"
)

func TestPlainWriterRendersWithoutEscapes(t *testing.T) {
	palette := New(&bytes.Buffer{})
	if palette.Profile() != termenv.Ascii {
		t.Fatalf("profile = %v, want Ascii for a buffer", palette.Profile())
	}
	for _, got := range []string{palette.Flag(true), palette.Flag(false), palette.OK("authenticated"), palette.Label("pid:")} {
		if strings.Contains(got, "\x1b[") {
			t.Fatalf("plain output contains escape codes: %q", got)
		}
	}
	if palette.Flag(false) != "false" {
		t.Fatalf("Flag(false) = %q", palette.Flag(false))
	}
}

func TestForcedProfileColorsValues(t *testing.T) {
	for _, profile := range []termenv.Profile{termenv.TrueColor, termenv.ANSI256, termenv.ANSI} {
		palette := NewWithProfile(&bytes.Buffer{}, profile)
		got := palette.Flag(true)
		if !strings.Contains(got, "\x1b[") || !strings.Contains(got, "true") {
			t.Fatalf("profile %v: Flag(true) = %q, want styled text", profile, got)
		}
		if palette.Flag(true) == palette.Flag(false) {
			t.Fatalf("profile %v: true and false render the same", profile)
		}
	}
}
