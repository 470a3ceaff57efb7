// Package log is a thin stderr logger shared by every package in the core:
// a package-level Log/Logf pair writing plain timestamped lines.
package log

import (
	"log"
	"os"
)

var std = log.New(os.Stderr, "", log.LstdFlags)

// Log writes a line built the same way fmt.Sprint would.
func Log(args ...any) {
	std.Println(args...)
}

// Logf writes a formatted line.
func Logf(format string, args ...any) {
	std.Printf(format, args...)
}

// Warn marks a line as a warning (JIT denials, dropped audit
// entries, ...).
func Warn(args ...any) {
	std.Println(append([]any{"WARN:"}, args...)...)
}

// Error marks a line as an error.
func Error(args ...any) {
	std.Println(append([]any{"ERROR:"}, args...)...)
}
