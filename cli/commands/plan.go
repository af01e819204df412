package commands

import (
	"errors"
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/satishbabariya/rekey/cli/internal/ui"
	"github.com/satishbabariya/rekey/cli/internal/watch"
	"github.com/satishbabariya/rekey/rekey/report"
)

var planWatch bool

var planCmd = &cobra.Command{
	Use:   "plan",
	Short: "Show the steps a mapping would take without writing",
	Long: `Plan reads the mapping and the current keys, resolves chains and cycles
and reports the ordered steps, placeholders and constraint assessment.
Nothing is written, not even the audit tables.

With --watch the plan is recomputed every time the mapping file changes.`,
	Args: cobra.NoArgs,
	RunE: runPlan,
}

func init() {
	addSourceFlags(planCmd)
	planCmd.Flags().BoolVarP(&planWatch, "watch", "w", false, "Re-plan when the mapping file changes")
	planCmd.MarkFlagRequired("source")
	rootCmd.AddCommand(planCmd)
}

func runPlan(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig(cmd)
	if err != nil {
		return err
	}
	req, err := buildRequest(cmd, cfg)
	if err != nil {
		return err
	}
	req.DryRun = true

	format, err := report.ParseFormat(cfg.Output)
	if err != nil {
		return err
	}

	engine, err := openEngine(cmd.Context(), cfg)
	if err != nil {
		return err
	}
	defer engine.Close()

	plan := func() error {
		rep, err := engine.Run(cmd.Context(), req)
		return emit(cfg, format, rep, err)
	}
	if !planWatch {
		return plan()
	}

	w, err := watch.NewWatcher(req.Source, func() error {
		if interactive() {
			fmt.Print("\033[H\033[2J")
		}
		return plan()
	})
	if err != nil {
		return err
	}
	w.OnError = func(err error) {
		if !errors.Is(err, errReported) {
			ui.PrintError("%v", err)
		}
	}
	fmt.Fprintf(os.Stderr, "Watching %s, press Ctrl+C to stop\n", req.Source)
	return w.Run(cmd.Context())
}
