package cmd

import (
	"context"
	"fmt"
	"io"

	"github.com/spf13/cobra"

	"github.com/xcawolfe-amzn/clickharness/internal/config"
	"github.com/xcawolfe-amzn/clickharness/internal/portalloc"
)

var portHold bool

var portCmd = &cobra.Command{
	Use:     "port",
	GroupID: GroupTools,
	Short:   "Print a free server port",
	Long: `Pick a free port the way the environment does and print it.

With --hold the port's reservation lock is kept until interrupted, so
concurrent clicktest runs on this machine will not pick it.`,
	RunE: runPort,
}

func init() {
	portCmd.Flags().BoolVar(&portHold, "hold", false, "Keep the reservation until interrupted")
	rootCmd.AddCommand(portCmd)
}

// printPort allocates a port and writes it to w. With hold the reservation
// is kept until ctx is done.
func printPort(ctx context.Context, w io.Writer, cfg *config.Config, hold bool) error {
	res, err := portalloc.New(cfg.Port, newLogger(cfg)).Allocate(ctx)
	if err != nil {
		return err
	}
	defer res.Release()

	fmt.Fprintln(w, res.Port)
	if hold {
		<-ctx.Done()
	}
	return res.Release()
}

func runPort(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	ctx, stop := signalContext(cmd.Context())
	defer stop()
	return printPort(ctx, cmd.OutOrStdout(), cfg, portHold)
}
