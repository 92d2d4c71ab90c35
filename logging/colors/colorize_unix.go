//go:build !windows

package colors

import "fmt"

// EnableColor turns colors on. Non-windows terminals are assumed to support ANSI escape codes.
func EnableColor() {
	enabled = true
}

// Colorize returns the string s wrapped in ANSI code c, or s itself when colors are disabled.
// Source: https://github.com/rs/zerolog/blob/4fff5db29c3403bc26dee9895e12a108aacc0203/console.go
func Colorize(s any, c Color) string {
	if !enabled {
		return fmt.Sprintf("%v", s)
	}
	return fmt.Sprintf("\x1b[%dm%v\x1b[0m", c, s)
}
