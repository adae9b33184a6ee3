package healthcmd

import (
	"errors"
	"fmt"
	"os"

	"meshboot/cmd/meshboot/cmdutil"
	"meshboot/internal/bootstrap"
	"meshboot/internal/health"

	"github.com/spf13/cobra"
	"go.opentelemetry.io/otel"
)

// ErrNotReady is returned when the report's verdict is NOT READY.
var ErrNotReady = errors.New("node not ready")

func Cmd(dir *string) *cobra.Command {
	var asJSON bool

	cmd := &cobra.Command{
		Use:   "health",
		Short: "Print the node readiness report",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := cmdutil.LoadConfig(*dir)
			if err != nil {
				return err
			}
			runner := bootstrap.NewRunner(cfg, otel.Tracer("meshboot"))
			rep := runner.Health(cfg.BusURL).Report(cmd.Context())

			if asJSON {
				if err := health.WriteJSON(os.Stdout, rep); err != nil {
					return err
				}
			} else {
				fmt.Println(cmdutil.ReportTable(rep))
			}
			if rep.Summary == health.NotReady {
				return fmt.Errorf("%w: %v", ErrNotReady, rep.Problems())
			}
			return nil
		},
	}
	cmd.Flags().BoolVar(&asJSON, "json", false, "Print the report as JSON")
	return cmd
}
