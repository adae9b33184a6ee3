package bridgecmd

import (
	"fmt"
	"os"

	"meshboot/cmd/meshboot/cmdutil"
	"meshboot/cmd/meshboot/ui"
	"meshboot/internal/bootstrap"
	"meshboot/internal/bridge"

	"github.com/google/uuid"
	"github.com/spf13/cobra"
	"go.opentelemetry.io/otel"
)

func Cmd(dir *string) *cobra.Command {
	var printOnly bool

	cmd := &cobra.Command{
		Use:   "bridge",
		Short: "Write the bus relay config and start the relay",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := cmdutil.LoadConfig(*dir)
			if err != nil {
				return err
			}
			req := bootstrap.BridgeRequest(cfg, uuid.NewString())

			if printOnly {
				res, data, err := bridge.Render(req)
				if err != nil {
					return err
				}
				if res.CoreReason != nil {
					fmt.Fprintln(os.Stderr, ui.WarnMsg("%v", res.CoreReason))
				}
				_, err = os.Stdout.Write(data)
				return err
			}

			runner := bootstrap.NewRunner(cfg, otel.Tracer("meshboot"))
			res := runner.Bridge.Synthesize(cmd.Context(), req)
			configPath := res.ConfigPath
			if configPath == "" {
				configPath = ui.Muted("none")
			}
			fmt.Print(ui.KeyValues("  ",
				ui.KV("Config", configPath),
				ui.KV("Started", ui.Bool(res.Started)),
				ui.KV("Reused", ui.Bool(res.AlreadyRunning)),
				ui.KV("Core identity", ui.Bool(res.HasCore)),
				ui.KV("Bus", bridge.Redact(res.EffectiveURL)),
			))
			if !res.Started && res.Reason != nil {
				return res.Reason
			}
			return nil
		},
	}
	cmd.Flags().BoolVar(&printOnly, "print", false, "Print the relay config to stdout instead of starting the relay")
	return cmd
}
