package colors

import (
	"strings"
	"testing"

	"github.com/fatih/color"
)

func TestInit(t *testing.T) {
	orig := color.NoColor
	defer func() { color.NoColor = orig }()

	on, off := true, false
	tests := []struct {
		name  string
		start bool
		force *bool
		want  bool
	}{
		{"force on", true, &on, true},
		{"force off", false, &off, false},
		{"nil keeps enabled", false, nil, true},
		{"nil keeps disabled", true, nil, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			color.NoColor = tt.start
			Init(tt.force)
			if Enabled() != tt.want {
				t.Errorf("Enabled() = %t, want %t", Enabled(), tt.want)
			}
		})
	}
}

func TestPaletteRespectsNoColor(t *testing.T) {
	orig := color.NoColor
	defer func() { color.NoColor = orig }()

	color.NoColor = true
	for name, c := range map[string]*color.Color{
		"address":  Address(),
		"index":    Index(),
		"symbol":   Symbol(),
		"hooked":   Hooked(),
		"restored": Restored(),
		"warning":  Warning(),
	} {
		if got := c.Sprint("slot"); got != "slot" {
			t.Errorf("%s: Sprint with colors off = %q", name, got)
		}
	}

	color.NoColor = false
	if got := Hooked().Sprint("slot"); !strings.Contains(got, "\x1b[") {
		t.Errorf("Hooked().Sprint with colors on = %q, want escape codes", got)
	}
}
