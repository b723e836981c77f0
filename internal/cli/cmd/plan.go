package cmd

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/fatih/color"
	"github.com/spf13/cobra"

	"github.com/withObsrvr/hunting-export-pipeline/internal/cli/runner"
	"github.com/withObsrvr/hunting-export-pipeline/pkg/common/types"
	"github.com/withObsrvr/hunting-export-pipeline/pkg/hunting"
)

var planCmd = &cobra.Command{
	Use:   "plan [config file]",
	Short: "Show the windows a day export would drain",
	Long:  "Validate the configuration and print the slice plan without querying anything",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		configFile := args[0]

		if _, err := os.Stat(configFile); os.IsNotExist(err) {
			return fmt.Errorf("configuration file not found: %s", configFile)
		}

		r := runner.New(runner.Options{ConfigFile: configFile, Verbose: verbose}, factories)

		config, windows, err := r.Plan()
		if err != nil {
			return err
		}

		printPlan(config, windows)
		return nil
	},
}

func init() {
	rootCmd.AddCommand(planCmd)
}

func printPlan(config *runner.Config, windows []types.TimeWindow) {
	e := config.Export

	color.Cyan("Export plan: %s", e.Day)
	fmt.Println(strings.Repeat("─", 40))
	fmt.Printf("Table:       %s\n", e.Table)
	fmt.Printf("Slice width: %s\n", e.SliceWidth.Std())
	fmt.Printf("Page size:   %d\n", e.PageSize)
	fmt.Printf("Windows:     %d\n", len(windows))

	sinks := make([]string, 0, len(config.Consumers))
	for _, c := range config.Consumers {
		sinks = append(sinks, c.Type)
	}
	fmt.Printf("Consumers:   %s\n", strings.Join(sinks, ", "))

	fmt.Println()
	for i, w := range windows {
		fmt.Printf("  %3d  %s\n", i+1, w)
	}
}

func printSummary(result *hunting.ExportResult) {
	fmt.Println()
	fmt.Println(color.GreenString("Export complete: %d rows across %d slices in %s",
		result.TotalRows, result.SlicesAttempted, result.Elapsed.Round(time.Millisecond)))

	if result.PartialSlices > 0 {
		fmt.Println(color.YellowString("%d slices stopped early on records without anchors (partial)",
			result.PartialSlices))
	}

	if result.SlicesFailed > 0 {
		fmt.Println(color.RedString("%d slices failed:", result.SlicesFailed))
		for _, f := range result.FailedWindows {
			fmt.Printf("  %s  %s\n", f.Window, f.Reason)
		}
		fmt.Println("Re-run with --resume to retry just the failed windows.")
	}
}
