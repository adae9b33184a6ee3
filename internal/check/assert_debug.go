//go:build debug

// Package check holds programmer-error assertions that compile away outside
// debug builds (go build -tags debug).
package check

import "fmt"

// Assert panics when cond is false.
func Assert(cond bool, msg string) {
	if !cond {
		panic("meshboot: assertion failed: " + msg)
	}
}

// Assertf is Assert with a formatted message.
func Assertf(cond bool, format string, args ...any) {
	if !cond {
		panic("meshboot: assertion failed: " + fmt.Sprintf(format, args...))
	}
}
