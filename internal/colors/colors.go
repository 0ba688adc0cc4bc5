// Package colors provides the CLI palette with TTY-aware defaults.
//
// Colors are automatically disabled when stdout is not a terminal (piped or
// redirected to a file). Use Init() to override based on CLI flags.
package colors

import "github.com/fatih/color"

// Init allows overriding the auto-detected color setting.
//   - forceColor == nil: keep auto-detected value
//   - forceColor == true: force colors on (e.g., --color flag)
//   - forceColor == false: force colors off (e.g., --no-color flag)
func Init(forceColor *bool) {
	if forceColor != nil {
		color.NoColor = !*forceColor
	}
}

// Enabled returns true if colors are currently enabled.
func Enabled() bool {
	return !color.NoColor
}

func Bold() *color.Color        { return color.New(color.Bold) }
func Faint() *color.Color       { return color.New(color.Faint) }
func ItalicFaint() *color.Color { return color.New(color.Italic, color.Faint) }

// Address colors code and data addresses.
func Address() *color.Color { return color.New(color.Faint, color.FgHiBlue) }

// Index colors table slot numbers.
func Index() *color.Color { return color.New(color.FgHiMagenta) }

// Symbol colors resolved symbol names.
func Symbol() *color.Color { return color.New(color.Bold, color.FgHiCyan) }

// Hooked colors slots and bytes that differ from the original.
func Hooked() *color.Color { return color.New(color.Bold, color.FgHiRed) }

// Restored colors slots and bytes that were put back.
func Restored() *color.Color { return color.New(color.FgHiGreen) }

// Warning colors non-fatal findings.
func Warning() *color.Color { return color.New(color.Bold, color.FgHiYellow) }
