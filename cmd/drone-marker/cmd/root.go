package cmd

import (
	"os"

	"github.com/spf13/cobra"

	"github.com/oshokin/drone-marker/internal/config"
	"github.com/oshokin/drone-marker/internal/version"
)

var (
	// configPath to the configuration YAML file.
	configPath string

	// rootCmd represents the base command of the drone marker controller.
	rootCmd = &cobra.Command{
		Use:   "drone-marker",
		Short: "Confirm a QR marker from the onboard camera and return the drone to launch.",
		Long: `Drone marker controller.

Reads frames from the onboard camera and fans them out to a QR decoder, an MJPEG
stream and an optional ground-station upload. Once the configured marker text has
been decoded in enough consecutive frames the servo is actuated, a return-to-launch
command is sent to the flight controller and the controller shuts down.`,
		SilenceUsage: true,
	}
)

// Execute runs the drone-marker CLI and exits with non-zero status on error.
func Execute() {
	version.AttachCobraVersionCommand(rootCmd)

	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

//nolint:gochecknoinits // Required by Cobra CLI framework architecture.
func init() {
	rootCmd.PersistentFlags().
		StringVarP(&configPath, "config", "c", config.DefaultConfigFilename, "path to configuration file")
}
