package cmd

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/oshokin/alarm-engine/internal/config"
	"github.com/oshokin/alarm-engine/internal/service/watch"
	"github.com/oshokin/alarm-engine/internal/version"
)

var (
	// configPath to the configuration YAML file.
	configPath string
	// address overrides the engine address from config.
	address string
	// confirmation is the phrase required by delete.
	confirmation string

	// rootCmd follows engine events; subcommands inspect and change rules.
	rootCmd = &cobra.Command{
		Use:   "alarm-watch",
		Short: "Follow alarm activations of a running engine.",
		Long: `Connects to a running alarm engine and prints every activation and
deactivation as it happens. Subcommands list rules, active rules and the
activation history, and create or delete rules.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return watch.Follow(cmd.Context(), options())
		},
	}

	rulesCmd = &cobra.Command{
		Use:   "rules",
		Short: "List rules with their current phase.",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return watch.Rules(cmd.Context(), options())
		},
	}

	activeCmd = &cobra.Command{
		Use:   "active",
		Short: "Print the ids of active rules.",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return watch.Active(cmd.Context(), options())
		},
	}

	historyCmd = &cobra.Command{
		Use:   "history",
		Short: "Print the activation history.",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return watch.History(cmd.Context(), options())
		},
	}

	createCmd = &cobra.Command{
		Use:   "create <rule-file>",
		Short: "Create a rule from a YAML or JSON file.",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return watch.Create(cmd.Context(), options(), args[0])
		},
	}

	deleteCmd = &cobra.Command{
		Use:   "delete <rule-id>",
		Short: "Delete a rule; requires the confirmation phrase.",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return watch.Delete(cmd.Context(), options(), args[0], confirmation)
		},
	}
)

func options() *watch.Options {
	return &watch.Options{
		ConfigPath: configPath,
		Address:    address,
	}
}

// Execute runs the alarm-watch CLI and exits with non-zero status on error.
func Execute() {
	version.AttachCobraVersionCommand(rootCmd)

	// Stop following on interrupt.
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGTERM, syscall.SIGINT)
	defer stop()

	if err := rootCmd.ExecuteContext(ctx); err != nil {
		stop()
		os.Exit(1)
	}
}

//nolint:gochecknoinits // Required by Cobra CLI framework architecture.
func init() {
	rootCmd.PersistentFlags().
		StringVarP(&configPath, "config", "c", config.DefaultConfigFilename, "path to configuration file")
	rootCmd.PersistentFlags().StringVarP(&address, "address", "a", "", "engine gRPC address, overrides config")
	deleteCmd.Flags().StringVar(&confirmation, "confirm", "", "confirmation phrase, e.g. \"delete\"")

	rootCmd.AddCommand(rulesCmd, activeCmd, historyCmd, createCmd, deleteCmd)
}
