package cmd

import (
	"context"
	"fmt"
	"os"
	"os/signal"

	"github.com/fatih/color"
	"github.com/spf13/cobra"

	"github.com/withObsrvr/hunting-export-pipeline/internal/cli/runner"
)

var (
	// factories is set by main.go during initialization
	factories runner.Factories

	// dryRun validates the configuration and prints the plan without querying
	dryRun bool

	// resume skips windows already completed in the day's manifest
	resume bool

	runCmd = &cobra.Command{
		Use:   "run [config file]",
		Short: "Run a day export from configuration",
		Long:  "Export one UTC day of advanced hunting events using the specified configuration file",
		Args:  cobra.ExactArgs(1),
		Example: `  hunting-export run export.yaml
  hunting-export run --dry-run export.yaml
  hunting-export run --resume export.yaml`,
		RunE: runExport,
	}
)

func init() {
	runCmd.Flags().BoolVar(&dryRun, "dry-run", false, "Validate configuration and print the slice plan without running")
	runCmd.Flags().BoolVar(&resume, "resume", false, "Skip windows already completed in the day's manifest")
	rootCmd.AddCommand(runCmd)
}

// SetFactories sets the factory functions for creating run components
func SetFactories(f runner.Factories) {
	factories = f
}

func runExport(cmd *cobra.Command, args []string) error {
	configFile := args[0]

	if _, err := os.Stat(configFile); os.IsNotExist(err) {
		return fmt.Errorf("configuration file not found: %s", configFile)
	}

	r := runner.New(runner.Options{
		ConfigFile: configFile,
		Verbose:    verbose,
		Resume:     resume,
	}, factories)

	if dryRun {
		fmt.Println(color.YellowString("Validating export configuration from %s", configFile))

		config, windows, err := r.Plan()
		if err != nil {
			return fmt.Errorf("configuration validation failed: %w", err)
		}

		fmt.Println(color.GreenString("Configuration is valid"))
		printPlan(config, windows)
		return nil
	}

	fmt.Println(color.GreenString("Starting day export from %s", configFile))

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt)
	defer cancel()

	result, err := r.Run(ctx)
	if err != nil {
		return fmt.Errorf("export failed: %w", err)
	}

	printSummary(result)
	return nil
}
