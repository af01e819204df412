package commands

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/AlecAivazis/survey/v2"
	"github.com/mattn/go-isatty"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/satishbabariya/rekey/cli/internal/config"
	"github.com/satishbabariya/rekey/cli/internal/ui"
	"github.com/satishbabariya/rekey/internal/debug"
	"github.com/satishbabariya/rekey/rekey"
	"github.com/satishbabariya/rekey/rekey/guard"
	"github.com/satishbabariya/rekey/rekey/mapping"
	"github.com/satishbabariya/rekey/rekey/report"
)

// loadConfig binds the command's flags over the config file and environment
func loadConfig(cmd *cobra.Command) (*config.Config, error) {
	v := viper.New()
	if err := v.BindPFlags(cmd.Flags()); err != nil {
		return nil, err
	}
	cfg, err := config.Load(v, configFile)
	if err != nil {
		return nil, err
	}
	debug.Init(debug.Options{Verbose: cfg.Verbose})
	return cfg, nil
}

// buildRequest turns flags and config into an engine request. Resumed runs
// take their model from the recorded plan.
func buildRequest(cmd *cobra.Command, cfg *config.Config) (rekey.Request, error) {
	req := rekey.Request{
		PlaceholderPrefix: cfg.PlaceholderPrefix,
		Executor:          cfg.Executor(),
	}
	req.Source, _ = cmd.Flags().GetString("source")

	name, _ := cmd.Flags().GetString("format")
	format, err := mapping.ParseFormat(name)
	if err != nil {
		return req, err
	}
	req.Format = format

	if req.Strategy, err = guard.ParseStrategy(cfg.Strategy); err != nil {
		return req, err
	}

	if resume, _ := cmd.Flags().GetString("resume"); resume != "" {
		req.Model.Table = cfg.Table
		return req, nil
	}
	if req.Model, err = cfg.Model(); err != nil {
		return req, err
	}
	return req, nil
}

func openEngine(ctx context.Context, cfg *config.Config) (*rekey.Engine, error) {
	if err := cfg.Connection(); err != nil {
		return nil, err
	}
	return rekey.Open(ctx, cfg.Provider, cfg.Driver, cfg.DatabaseURL, config.AppFs)
}

func terminal(f *os.File) bool {
	return isatty.IsTerminal(f.Fd()) || isatty.IsCygwinTerminal(f.Fd())
}

var stdinTerminal = func() bool {
	return terminal(os.Stdin)
}

func interactive() bool {
	return terminal(os.Stdout)
}

// confirmer shows the plan and asks before the first write. Without a terminal
// to ask on, the run needs --yes.
func confirmer(cfg *config.Config, format report.Format) func(*report.Report) (bool, error) {
	return func(rep *report.Report) (bool, error) {
		if cfg.Yes {
			return true, nil
		}
		if !stdinTerminal() {
			return false, errors.New("refusing to write without confirmation: pass --yes when stdin is not a terminal")
		}

		if format == report.Text && interactive() {
			if err := ui.PrintReport(rep); err != nil {
				return false, err
			}
		} else {
			fmt.Fprintf(os.Stderr, "%s: %d records moving in %d steps (%d placeholders), strategy %s\n",
				rep.Table, rep.Summary.Moving, rep.Summary.Steps, rep.Summary.Placeholders, rep.Strategy)
		}

		ok := false
		prompt := &survey.Confirm{
			Message: fmt.Sprintf("Apply %d steps to %s?", rep.Summary.Steps, rep.Table),
			Default: false,
		}
		if err := survey.AskOne(prompt, &ok, survey.WithStdio(os.Stdin, os.Stderr, os.Stderr)); err != nil {
			return false, err
		}
		return ok, nil
	}
}

// emit renders rep and writes the report file. A failure already shown in the
// report is not printed again.
func emit(cfg *config.Config, format report.Format, rep *report.Report, runErr error) error {
	if rep == nil {
		return runErr
	}
	if err := render(format, rep); err != nil {
		return err
	}
	if cfg.ReportFile != "" {
		if err := writeReportFile(cfg.ReportFile, format, rep); err != nil {
			return err
		}
		debug.Info("Wrote report", "file", cfg.ReportFile)
	}
	if runErr != nil {
		if rep.Error != nil {
			return reported(runErr)
		}
		return runErr
	}
	if format == report.Text && !rep.DryRun && rep.Status != "" {
		ui.PrintSuccess("Run finished: %s", rep.Status)
	}
	return nil
}

func render(format report.Format, rep *report.Report) error {
	switch format {
	case report.Text:
		if interactive() {
			return ui.PrintReport(rep)
		}
		return rep.Render(os.Stdout, report.Markdown)
	case report.Markdown:
		if interactive() {
			return ui.PrintMarkdown(rep.Markdown())
		}
		return rep.Render(os.Stdout, report.Markdown)
	default:
		return rep.Render(os.Stdout, format)
	}
}

// writeReportFile picks the format from the file extension, falling back to
// the output format
func writeReportFile(path string, format report.Format, rep *report.Report) error {
	switch strings.ToLower(filepath.Ext(path)) {
	case ".json":
		format = report.JSON
	case ".yaml", ".yml":
		format = report.YAML
	case ".md", ".markdown":
		format = report.Markdown
	}

	f, err := config.AppFs.Create(path)
	if err != nil {
		return fmt.Errorf("failed to create report file: %w", err)
	}
	if err := rep.Render(f, format); err != nil {
		f.Close()
		return err
	}
	return f.Close()
}
