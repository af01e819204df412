package commands

import (
	"context"
	"errors"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/satishbabariya/rekey/cli/internal/ui"
	"github.com/satishbabariya/rekey/rekey"
	"github.com/satishbabariya/rekey/rekey/report"
)

var configFile string

var rootCmd = &cobra.Command{
	Use:   "rekey",
	Short: "Rename the natural keys of a table and every column that copies them",
	Long: `Rekey applies a mapping of record id to new key against a parent table.

It plans the renames as a graph, breaks swaps and rotations with temporary
placeholder keys, keeps foreign keys satisfied while dependents follow, and
records every step so an interrupted run can be resumed.

Examples:
  rekey --source mapping.csv --table careers --key-column career_code \
        --dependents career_paths:career_code --database-url postgres://...
  rekey plan --source mapping.csv --watch
  rekey --resume 01928c4e-...`,
	Args:          cobra.NoArgs,
	SilenceUsage:  true,
	SilenceErrors: true,
	RunE:          runRekey,
}

func init() {
	pf := rootCmd.PersistentFlags()
	pf.StringVar(&configFile, "config", "", "Config file (default .rekey.yaml in the working or home directory)")
	pf.String("database-url", "", "Database connection string (falls back to DATABASE_URL)")
	pf.String("provider", "", "Database provider: postgresql, mysql or sqlite (detected from the URL)")
	pf.String("driver", "", "PostgreSQL driver: pq (default) or pgx")
	pf.String("table", "", "Parent table whose key column is renamed")
	pf.String("key-column", "", "Unique key column to rename")
	pf.String("id-column", "", "Immutable record id column (default id)")
	pf.String("dependents", "", "Columns copying the key, as table:column[@constraint],...")
	pf.String("constraints", "", "Constraint description file")
	pf.StringP("output", "o", "", "Report format: text, json, yaml or markdown")
	pf.String("report-file", "", "Also write the report to this file (format from extension)")
	pf.BoolP("verbose", "v", false, "Log every step to stderr")

	addSourceFlags(rootCmd)
	f := rootCmd.Flags()
	f.Bool("dry-run", false, "Plan and report without writing")
	f.String("resume", "", "Continue the given run instead of planning a new one")
	f.Int("workers", 0, "Concurrent free moves (default 4)")
	f.Duration("step-timeout", 0, "Time limit for one step (default none)")
	f.Int("max-attempts", 0, "Tries per step on transient errors (default 3)")
	f.BoolP("yes", "y", false, "Skip the confirmation prompt")
}

// addSourceFlags registers the flags that plan a run
func addSourceFlags(cmd *cobra.Command) {
	f := cmd.Flags()
	f.StringP("source", "s", "", "Mapping file (csv, json, jsonl or yaml)")
	f.String("format", "", "Mapping format when the extension does not tell")
	f.String("strategy", "", "Constraint strategy: coordinated or suspend (default coordinated)")
	f.String("placeholder-prefix", "", "Prefix for temporary keys")
}

// Execute is the main entry point for the CLI
func Execute() error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	err := rootCmd.ExecuteContext(ctx)
	if err != nil && !errors.Is(err, errReported) {
		ui.PrintError("%v", err)
	}
	return err
}

// errReported wraps a failure the command already rendered as a report
var errReported = errors.New("reported")

type reportedError struct{ err error }

func (e reportedError) Error() string   { return e.err.Error() }
func (e reportedError) Unwrap() []error { return []error{e.err, errReported} }

func reported(err error) error {
	return reportedError{err}
}

func runRekey(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig(cmd)
	if err != nil {
		return err
	}
	req, err := buildRequest(cmd, cfg)
	if err != nil {
		return err
	}
	req.Resume, _ = cmd.Flags().GetString("resume")
	req.DryRun, _ = cmd.Flags().GetBool("dry-run")
	if req.Resume == "" && req.Source == "" {
		return errors.New("--source is required unless --resume is given")
	}

	format, err := report.ParseFormat(cfg.Output)
	if err != nil {
		return err
	}
	if !req.DryRun {
		req.Confirm = confirmer(cfg, format)
	}

	engine, err := openEngine(cmd.Context(), cfg)
	if err != nil {
		return err
	}
	defer engine.Close()

	var stopSpinner func()
	if format == report.Text && interactive() {
		if sp, err := ui.PrintSpinner("Planning " + cfg.Table); err == nil {
			stopSpinner = func() { _ = sp.Stop() }
			confirm := req.Confirm
			req.Confirm = func(r *report.Report) (bool, error) {
				stopSpinner()
				stopSpinner = nil
				if confirm == nil {
					return true, nil
				}
				return confirm(r)
			}
		}
	}

	rep, err := engine.Run(cmd.Context(), req)
	if stopSpinner != nil {
		stopSpinner()
	}
	if errors.Is(err, rekey.ErrDeclined) {
		ui.PrintWarning("Aborted, nothing was written")
		return nil
	}
	return emit(cfg, format, rep, err)
}
