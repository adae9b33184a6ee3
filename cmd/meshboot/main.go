package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"meshboot/cmd/meshboot/bridgecmd"
	"meshboot/cmd/meshboot/healthcmd"
	"meshboot/cmd/meshboot/meshcmd"
	"meshboot/cmd/meshboot/servicescmd"
	"meshboot/cmd/meshboot/ui"
	"meshboot/cmd/meshboot/upcmd"
	"meshboot/internal/logging"

	"github.com/spf13/cobra"
)

// version is set at build time with -ldflags "-X main.version=...".
var version = "dev"

func main() {
	var (
		debug         bool
		logFormat     string
		noInteraction bool
		dir           string
	)
	if err := logging.Configure(logging.LevelWarn, logging.FormatText); err != nil {
		_, _ = os.Stderr.WriteString("configure logger: " + err.Error() + "\n")
		os.Exit(1)
	}

	root := &cobra.Command{
		Use:           "meshboot",
		Short:         "Bootstrap an edge node onto the mesh and message bus",
		Version:       version,
		SilenceErrors: true,
		SilenceUsage:  true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			level := logging.LevelWarn
			if debug {
				level = logging.LevelDebug
			}
			if err := logging.Configure(level, logFormat); err != nil {
				return err
			}
			ui.ConfigureInteraction(noInteraction)
			return nil
		},
	}
	root.PersistentFlags().BoolVar(&debug, "debug", false, "Enable debug logging")
	root.PersistentFlags().StringVar(&logFormat, "log-format", logging.FormatText, "Log format: text or json")
	root.PersistentFlags().BoolVar(&noInteraction, "no-interaction", false, "Print plain progress lines instead of a live checklist")
	root.PersistentFlags().StringVar(&dir, "dir", "", "Directory holding the .env files (default: working directory)")

	root.AddCommand(upcmd.Cmd(&dir))
	root.AddCommand(meshcmd.Cmd(&dir))
	root.AddCommand(bridgecmd.Cmd(&dir))
	root.AddCommand(servicescmd.Cmd(&dir))
	root.AddCommand(healthcmd.Cmd(&dir))

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	err := root.ExecuteContext(ctx)
	stop()
	if err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}
