package commands

import (
	"github.com/spf13/cobra"

	"github.com/satishbabariya/rekey/cli/internal/ui"
	"github.com/satishbabariya/rekey/rekey/report"
)

var unlockCmd = &cobra.Command{
	Use:   "unlock <run-id>",
	Short: "Release the locks of a crashed run",
	Long: `Unlock force-releases the plan lock held by a run whose process died, and
restores any foreign key the run left suspended or altered.

Only use it when no process is still executing the run. The run stays
resumable with --resume.`,
	Args: cobra.ExactArgs(1),
	RunE: runUnlock,
}

func init() {
	rootCmd.AddCommand(unlockCmd)
}

func runUnlock(cmd *cobra.Command, args []string) error {
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

	rep, err := engine.Unlock(cmd.Context(), args[0])
	if err == nil && format == report.Text {
		ui.PrintSuccess("Released run %s; constraints are %s", args[0], rep.ConstraintState)
		return nil
	}
	return emit(cfg, format, rep, err)
}
