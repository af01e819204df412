package commands

import (
	"github.com/spf13/cobra"

	"github.com/satishbabariya/rekey/cli/internal/ui"
	"github.com/satishbabariya/rekey/rekey/report"
)

var statusLimit int

var statusCmd = &cobra.Command{
	Use:   "status [run-id]",
	Short: "List recorded runs or show one run's progress",
	Long: `Without arguments, status lists the most recent runs recorded in the
audit tables. With a run id it reports that run's plan, the outcome of every
step and where its constraints were left.`,
	Args: cobra.MaximumNArgs(1),
	RunE: runStatus,
}

func init() {
	statusCmd.Flags().IntVarP(&statusLimit, "limit", "n", 20, "Number of runs to list")
	rootCmd.AddCommand(statusCmd)
}

func runStatus(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig(cmd)
	if err != nil {
		return err
	}
	format, err := report.ParseFormat(cfg.Output)
	if err != nil {
		return err
	}
	engine, err := openEngine(cmd.Context(), cfg)
	if err != nil {
		return err
	}
	defer engine.Close()

	if len(args) == 0 {
		runs, err := engine.Runs(cmd.Context(), statusLimit)
		if err != nil {
			return err
		}
		return ui.PrintRuns(runs)
	}

	rep, err := engine.Status(cmd.Context(), args[0])
	if err != nil {
		return err
	}
	return emit(cfg, format, rep, nil)
}
