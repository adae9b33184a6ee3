//go:build !unix

package proc

import (
	"os"
	"os/exec"
)

func detach(*exec.Cmd) {}

func Alive(pid int) bool {
	if pid <= 0 {
		return false
	}
	_, err := os.FindProcess(pid)
	return err == nil
}
