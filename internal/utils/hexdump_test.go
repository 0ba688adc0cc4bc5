package utils

import (
	"strings"
	"testing"

	"github.com/fatih/color"
)

func TestHexDump(t *testing.T) {
	orig := color.NoColor
	defer func() { color.NoColor = orig }()
	color.NoColor = true

	tests := []struct {
		name  string
		data  []byte
		vaddr uint64
		want  string
	}{
		{"empty", nil, 0, ""},
		{
			"partial line",
			[]byte("ABC"),
			0x10,
			"0000000000000010  41 42 43 " + strings.Repeat("   ", 5) + " " + strings.Repeat("   ", 8) + " |ABC|\n",
		},
		{
			"full line",
			[]byte{0x55, 0x48, 0x89, 0xe5, 0x48, 0x83, 0xec, 0x10, 0x31, 0xc0, 0xc9, 0xc3, 0x90, 0x90, 0x90, 0x90},
			0x401000,
			"0000000000401000  55 48 89 e5 48 83 ec 10  31 c0 c9 c3 90 90 90 90  |UH..H...1.......|\n",
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := HexDump(tt.data, tt.vaddr); got != tt.want {
				t.Errorf("HexDump() =\n%q\nwant\n%q", got, tt.want)
			}
		})
	}
}

func TestHexDiffHighlightsChanges(t *testing.T) {
	orig := color.NoColor
	defer func() { color.NoColor = orig }()
	color.NoColor = false

	before := []byte{0x55, 0x48, 0x89, 0xe5, 0x48}
	after := []byte{0xe9, 0xfb, 0x00, 0x00, 0x48}
	got := HexDiff(before, after, 0x401000)
	if !strings.Contains(got, color.New(color.Bold, color.FgHiRed).Sprint("e9")) {
		t.Errorf("changed byte not highlighted: %q", got)
	}
	if strings.Contains(got, color.New(color.Bold, color.FgHiRed).Sprint("48")) {
		t.Errorf("unchanged byte highlighted: %q", got)
	}
}
