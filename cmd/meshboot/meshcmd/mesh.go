package meshcmd

import (
	"errors"
	"fmt"

	"meshboot/cmd/meshboot/cmdutil"
	"meshboot/cmd/meshboot/ui"
	"meshboot/internal/bootstrap"
	"meshboot/internal/mesh"

	"github.com/spf13/cobra"
	"go.opentelemetry.io/otel"
)

func Cmd(dir *string) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "mesh",
		Short: "Manage the overlay network membership",
	}
	cmd.AddCommand(joinCmd(dir))
	cmd.AddCommand(statusCmd(dir))
	return cmd
}

func controller(dir string) (*mesh.Controller, *bootstrap.Runner, error) {
	cfg, err := cmdutil.LoadConfig(dir)
	if err != nil {
		return nil, nil, err
	}
	runner := bootstrap.NewRunner(cfg, otel.Tracer("meshboot"))
	ctrl, ok := runner.Mesh.(*mesh.Controller)
	if !ok {
		return nil, nil, fmt.Errorf("unexpected mesh joiner %T", runner.Mesh)
	}
	return ctrl, runner, nil
}

func joinCmd(dir *string) *cobra.Command {
	return &cobra.Command{
		Use:   "join",
		Short: "Start the overlay daemon if needed and join the mesh",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctrl, runner, err := controller(*dir)
			if err != nil {
				return err
			}

			res := ctrl.Join(cmd.Context(), bootstrap.JoinRequest(runner.Config))
			if !res.Joined {
				fmt.Println(ui.WarnMsg("not joined after %d attempt(s)", res.Attempts))
				if res.Reason == nil {
					return errors.New("mesh not joined")
				}
				return res.Reason
			}
			addr := res.Address
			if addr == "" {
				addr = ui.Muted("unknown")
			}
			fmt.Println(ui.SuccessMsg("Joined mesh as %s (%s).", ui.Bold(runner.Config.Hostname), addr))
			return nil
		},
	}
}

func statusCmd(dir *string) *cobra.Command {
	return &cobra.Command{
		Use:   "status",
		Short: "Show whether the overlay daemon is running",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctrl, runner, err := controller(*dir)
			if err != nil {
				return err
			}
			fmt.Print(ui.KeyValues("  ",
				ui.KV("Enabled", ui.Bool(runner.Config.MeshEnabled)),
				ui.KV("Hostname", runner.Config.Hostname),
				ui.KV("Socket", runner.Config.MeshSocket),
				ui.KV("Daemon", ui.Bool(ctrl.DaemonRunning(cmd.Context()))),
			))
			return nil
		},
	}
}
