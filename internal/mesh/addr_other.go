//go:build !linux

package mesh

import "errors"

// InterfaceAddr is only implemented on Linux; elsewhere the CLI answer is
// the only source.
func InterfaceAddr(string) (string, error) {
	return "", errors.New("interface address lookup not supported on this platform")
}
