package cmd

import (
	"context"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/oshokin/drone-marker/internal/service/controller"
)

var (
	// headless disables the console abort reader.
	headless bool
	// logLevel overrides the configured log level.
	logLevel string

	// runCmd starts the controller.
	runCmd = &cobra.Command{
		Use:   "run",
		Short: "Run the marker confirmation pipeline.",
		Long: `Opens the camera, the flight-controller link and the servo, then runs until the
marker is confirmed and the action sequence completes, a fatal error occurs, the
operator types q in the console or the process receives SIGINT/SIGTERM.

Lifecycle events, counter transitions and the final action result are appended
to the run log.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			// Setup graceful shutdown handling.
			ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGTERM, syscall.SIGINT)
			defer stop()

			options := &controller.Options{
				ConfigPath: configPath,
				LogLevel:   logLevel,
			}

			if cmd.Flags().Changed("headless") {
				options.Headless = &headless
			}

			return controller.Run(ctx, options)
		},
	}
)

//nolint:gochecknoinits // Required by Cobra CLI framework architecture.
func init() {
	runCmd.Flags().BoolVar(&headless, "headless", true, "disable the console abort reader")
	runCmd.Flags().StringVar(&logLevel, "log-level", "", "override the configured log level (debug, info, warn, error)")

	rootCmd.AddCommand(runCmd)
}
