package utils

import (
	"github.com/apex/log/handlers/cli"
)

var normalPadding = cli.Default.Padding

// Indent returns f logging at the supplied indentation level
func Indent(f func(s string), level int) func(string) {
	return func(s string) {
		cli.Default.Padding = normalPadding * level
		f(s)
		cli.Default.Padding = normalPadding
	}
}
