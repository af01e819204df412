package commands

import (
	"github.com/spf13/cobra"

	"github.com/satishbabariya/rekey/rekey/report"
)

var verifyCmd = &cobra.Command{
	Use:   "verify <run-id>",
	Short: "Re-check a recorded run against the database",
	Long: `Verify re-runs the post-conditions of a recorded run: every record holds
its target key, no placeholder remains, no dependent is orphaned and every
record keeps the number of dependent references it had before the run.

The run's recorded status is not changed.`,
	Args: cobra.ExactArgs(1),
	RunE: runVerify,
}

func init() {
	rootCmd.AddCommand(verifyCmd)
}

func runVerify(cmd *cobra.Command, args []string) error {
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

	rep, err := engine.Verify(cmd.Context(), args[0])
	return emit(cfg, format, rep, err)
}
