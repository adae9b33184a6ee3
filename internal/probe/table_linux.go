//go:build linux

package probe

import (
	"bytes"
	"context"
	"os"
	"path/filepath"
	"strconv"
)

// SystemTable reads command lines from /proc.
func SystemTable() ProcessTable { return procTable{root: "/proc"} }

type procTable struct {
	root string
}

func (t procTable) Commands(ctx context.Context) ([]string, error) {
	entries, err := os.ReadDir(t.root)
	if err != nil {
		return nil, err
	}
	self := os.Getpid()
	out := make([]string, 0, len(entries))
	for _, entry := range entries {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		pid, err := strconv.Atoi(entry.Name())
		if err != nil || pid == self {
			continue
		}
		data, err := os.ReadFile(filepath.Join(t.root, entry.Name(), "cmdline"))
		if err != nil || len(data) == 0 {
			continue
		}
		data = bytes.TrimRight(data, "\x00")
		out = append(out, string(bytes.ReplaceAll(data, []byte{0}, []byte{' '})))
	}
	return out, nil
}
