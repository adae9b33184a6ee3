//go:build !debug

// Package check holds programmer-error assertions that compile away outside
// debug builds (go build -tags debug).
package check

func Assert(bool, string) {}

func Assertf(bool, string, ...any) {}
