package upcmd

import (
	"fmt"
	"os"

	"meshboot/cmd/meshboot/cmdutil"
	"meshboot/cmd/meshboot/ui"
	"meshboot/internal/bootstrap"
	"meshboot/internal/bridge"

	"github.com/spf13/cobra"
)

// Cmd returns "meshboot up". dir points at the root --dir flag.
func Cmd(dir *string) *cobra.Command {
	return &cobra.Command{
		Use:   "up",
		Short: "Join the mesh, bridge the bus and start the node's services",
		Long: `Runs the full bootstrap sequence. Every step degrades instead of failing,
so the command exits 0 once the sequence ran, whatever the readiness verdict.
Only invalid configuration makes it fail.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := cmdutil.LoadConfig(*dir)
			if err != nil {
				return err
			}

			out := ui.NewTelemetryOutput(os.Stderr)
			runner := bootstrap.NewRunner(cfg, out.Tracer("meshboot"))
			res, err := runner.Run(cmd.Context())
			out.Close()
			if err != nil {
				return err
			}

			mesh := ui.Muted("not joined")
			switch {
			case res.Mesh.Joined:
				mesh = ui.Success(res.Mesh.Address)
			case res.Mesh.Reason != nil:
				mesh = ui.Warn(res.Mesh.Reason.Error())
			}
			bus := bridge.Redact(res.Bridge.EffectiveURL)
			if bus == "" {
				bus = ui.Warn("none")
			}

			fmt.Println()
			fmt.Print(ui.KeyValues("  ",
				ui.KV("Run", res.RunID),
				ui.KV("Lock", ui.Bool(res.Locked)),
				ui.KV("Mesh", mesh),
				ui.KV("Relay", ui.Bool(res.Bridge.Started)),
				ui.KV("Bus", bus),
			))
			fmt.Println(cmdutil.ServicesTable(res.Services))
			if res.Health != nil {
				fmt.Println(cmdutil.ReportTable(*res.Health))
			} else {
				fmt.Println(ui.WarnMsg("readiness report unavailable"))
			}
			return nil
		},
	}
}
