package cmd

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/oshokin/alarm-engine/internal/config"
	"github.com/oshokin/alarm-engine/internal/service/server"
	"github.com/oshokin/alarm-engine/internal/version"
)

var (
	// configPath to the configuration YAML file.
	configPath string
	// httpAddress overrides the metrics and toast listen address.
	httpAddress string
	// logLevel overrides the configured log level.
	logLevel string

	// rootCmd represents the base command for running the engine.
	rootCmd = &cobra.Command{
		Use:   "alarm-engine [grpc-listen-address]",
		Short: "Evaluate alarm rules against live telemetry.",
		Long: `Starts the alarm engine for one dashboard account.

The engine loads the account's rules from the backend, subscribes to the MQTT
channels they reference and activates a rule once its condition has held for
the rule's wait time. Activations are pushed as toasts over WebSocket and
batched into email digests queued in the configured outbox.

The gRPC listen address can be provided as argument to override config (e.g., :9090).`,
		Args: cobra.MaximumNArgs(1),
		RunE: func(_ *cobra.Command, args []string) error {
			// Setup graceful shutdown handling.
			ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGTERM, syscall.SIGINT)
			defer stop()

			var grpcAddress string
			if len(args) > 0 {
				grpcAddress = args[0]
			}

			options := &server.Options{
				ConfigPath:  configPath,
				GRPCAddress: grpcAddress,
				HTTPAddress: httpAddress,
				LogLevel:    logLevel,
			}

			return server.Run(ctx, options)
		},
	}
)

// Execute runs the alarm-engine CLI and exits with non-zero status on error.
func Execute() {
	version.AttachCobraVersionCommand(rootCmd)

	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

//nolint:gochecknoinits // Required by Cobra CLI framework architecture.
func init() {
	rootCmd.Flags().StringVarP(&configPath, "config", "c", config.DefaultConfigFilename, "path to configuration file")
	rootCmd.Flags().StringVar(&httpAddress, "http", "", "metrics, health and toast listen address")
	rootCmd.Flags().StringVarP(&logLevel, "log-level", "l", "", "log level (debug, info, warn, error)")
}
