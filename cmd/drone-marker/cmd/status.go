package cmd

import (
	"context"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/oshokin/drone-marker/internal/service/status"
)

// statusCmd queries a running controller.
var statusCmd = &cobra.Command{
	Use:   "status [address]",
	Short: "Print the status of a running controller.",
	Long: `Connects to the gRPC control plane of a running controller and prints its
status snapshot. The address defaults to grpc.address from the configuration file.`,
	Args: cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGTERM, syscall.SIGINT)
		defer stop()

		// Use address argument if provided, otherwise rely on config.
		var address string
		if len(args) > 0 {
			address = args[0]
		}

		return status.Run(ctx, &status.Options{
			ConfigPath: configPath,
			Address:    address,
			Out:        cmd.OutOrStdout(),
		})
	},
}

//nolint:gochecknoinits // Required by Cobra CLI framework architecture.
func init() {
	rootCmd.AddCommand(statusCmd)
}
