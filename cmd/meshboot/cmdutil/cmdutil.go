// Package cmdutil holds what every meshboot subcommand shares: config
// loading and the result renderers.
package cmdutil

import (
	"fmt"
	"os"
	"strings"

	"meshboot/cmd/meshboot/ui"
	"meshboot/internal/config"
	"meshboot/internal/health"
	"meshboot/internal/proc"
	"meshboot/internal/supervisor"
)

// LoadConfig reads dotenv files from dir (the working directory when empty)
// and the process environment.
func LoadConfig(dir string) (config.Bootstrap, error) {
	if strings.TrimSpace(dir) == "" {
		wd, err := os.Getwd()
		if err != nil {
			return config.Bootstrap{}, fmt.Errorf("resolve working directory: %w", err)
		}
		dir = wd
	}
	cfg, err := config.FromEnvironment(dir)
	if err != nil {
		return config.Bootstrap{}, fmt.Errorf("load config: %w", err)
	}
	return cfg, nil
}

func outcomeSeverity(o supervisor.Outcome) int {
	switch o {
	case supervisor.AlreadyHealthy, supervisor.StartedAndVerified:
		return 0
	case supervisor.StartedUnverified, supervisor.SkippedDependencyUnmet:
		return 1
	default:
		return 2
	}
}

// ServicesTable renders one row per supervised service.
func ServicesTable(state *supervisor.State) string {
	rows := make([][]string, 0, state.Len())
	for _, e := range state.Entries() {
		handle, detail := "", ""
		if e.Handle != (proc.Handle{}) {
			handle = e.Handle.String()
		}
		if e.Err != nil {
			detail = e.Err.Error()
		}
		rows = append(rows, []string{e.Name, ui.Tone(e.Outcome.String(), outcomeSeverity(e.Outcome)), handle, detail})
	}
	return ui.Table([]string{"SERVICE", "OUTCOME", "HANDLE", "DETAIL"}, rows)
}

// ReportTable renders a readiness report followed by its verdict line.
func ReportTable(rep health.Report) string {
	rows := make([][]string, 0, len(rep.Items))
	for _, it := range rep.Items {
		rows = append(rows, []string{ui.Tone(it.Level.String(), int(it.Level)), it.Label, it.Detail})
	}

	var sb strings.Builder
	sb.WriteString(ui.Table([]string{"LEVEL", "CHECK", "DETAIL"}, rows))
	sb.WriteString("\n")
	verdict := fmt.Sprintf("%s (fails=%d warns=%d)", rep.Summary, rep.Fails, rep.Warns)
	switch rep.Summary {
	case health.Ready:
		sb.WriteString(ui.SuccessMsg("%s", verdict))
	case health.PartiallyReady:
		sb.WriteString(ui.WarnMsg("%s", verdict))
	default:
		sb.WriteString(ui.ErrorMsg("%s", verdict))
	}
	return sb.String()
}
