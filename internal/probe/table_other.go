//go:build !linux

package probe

import (
	"context"
	"os"
	"os/exec"
	"strconv"
	"strings"
)

// SystemTable lists command lines through ps.
func SystemTable() ProcessTable { return psTable{} }

type psTable struct{}

func (psTable) Commands(ctx context.Context) ([]string, error) {
	out, err := exec.CommandContext(ctx, "ps", "-axo", "pid=,command=").Output()
	if err != nil {
		return nil, err
	}
	self := strconv.Itoa(os.Getpid())
	var cmds []string
	for _, line := range strings.Split(string(out), "\n") {
		pid, cmd, ok := strings.Cut(strings.TrimSpace(line), " ")
		if !ok || pid == self {
			continue
		}
		cmds = append(cmds, strings.TrimSpace(cmd))
	}
	return cmds, nil
}
