package servicescmd

import (
	"fmt"

	"meshboot/cmd/meshboot/cmdutil"
	"meshboot/cmd/meshboot/ui"
	"meshboot/internal/bridge"
	"meshboot/internal/proc"
	"meshboot/internal/supervisor"

	"github.com/spf13/cobra"
)

// Cmd returns "meshboot services", a read-only probe of every service.
func Cmd(dir *string) *cobra.Command {
	return &cobra.Command{
		Use:   "services",
		Short: "Probe the node's services without starting anything",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := cmdutil.LoadConfig(*dir)
			if err != nil {
				return err
			}
			descs := supervisor.DefaultServices(supervisor.Inputs{
				Config: cfg,
				Bus:    bridge.Result{EffectiveURL: cfg.BusURL},
			})

			launcher := proc.Router{Host: proc.Exec{}}
			if containers, err := proc.NewContainers("meshboot"); err == nil {
				launcher.Containers = containers
			}

			rows := make([][]string, 0, len(descs))
			live := 0
			for _, d := range descs {
				state := ui.Tone("down", 2)
				if d.Probe.Live(cmd.Context()) {
					state = ui.Tone("live", 0)
					live++
				}
				start := d.Start.Command
				if d.Start.Image != "" {
					start = "docker " + d.Start.Image
				}
				rows = append(rows, []string{d.Name, state, d.Probe.String(), start, ui.Bool(launcher.Available(d.Start)), d.DependsOn})
			}
			fmt.Println(ui.Table([]string{"SERVICE", "STATE", "PROBE", "START", "INSTALLED", "NEEDS"}, rows))
			fmt.Println(ui.InfoMsg("%d of %d services live", live, len(descs)))
			return nil
		},
	}
}
