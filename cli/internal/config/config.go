package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/mitchellh/go-homedir"
	"github.com/spf13/afero"
	"github.com/spf13/viper"

	"github.com/satishbabariya/rekey/rekey/constraint"
	"github.com/satishbabariya/rekey/rekey/executor"
	"github.com/satishbabariya/rekey/rekey/store"
)

var AppFs = afero.NewOsFs()

// Config holds the application configuration
type Config struct {
	DatabaseURL string
	Provider    string
	Driver      string

	Table       string
	KeyColumn   string
	IDColumn    string
	Dependents  string
	Constraints string

	Strategy          string
	PlaceholderPrefix string
	Workers           int
	StepTimeout       time.Duration
	MaxAttempts       int

	Output     string
	ReportFile string
	Verbose    bool
	Yes        bool
}

// Load reads configuration from flags already bound to v, REKEY_* environment
// variables, .env files and the config file. An explicit configFile must exist.
func Load(v *viper.Viper, configFile string) (*Config, error) {
	v.SetFs(AppFs)

	if configFile != "" {
		v.SetConfigFile(configFile)
	} else {
		v.SetConfigName(".rekey")
		v.SetConfigType("yaml")
		v.AddConfigPath(".")
		if home, err := homedir.Dir(); err == nil {
			v.AddConfigPath(home)
			v.AddConfigPath(filepath.Join(home, ".config", "rekey"))
		}
	}

	v.SetEnvPrefix("REKEY")
	v.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	v.AutomaticEnv()

	v.SetDefault("id-column", constraint.DefaultIDColumn)
	v.SetDefault("strategy", "coordinated")
	v.SetDefault("workers", 4)
	v.SetDefault("max-attempts", 3)
	v.SetDefault("output", "text")

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if configFile != "" || !errors.As(err, &notFound) {
			return nil, fmt.Errorf("failed to read config: %w", err)
		}
	}

	if _, err := AppFs.Stat(".env"); err == nil {
		_ = godotenv.Load()
	}
	// .env.local wins over .env
	if _, err := AppFs.Stat(".env.local"); err == nil {
		_ = godotenv.Overload(".env.local")
	}

	cfg := &Config{
		DatabaseURL:       v.GetString("database-url"),
		Provider:          v.GetString("provider"),
		Driver:            v.GetString("driver"),
		Table:             v.GetString("table"),
		KeyColumn:         v.GetString("key-column"),
		IDColumn:          v.GetString("id-column"),
		Dependents:        v.GetString("dependents"),
		Constraints:       v.GetString("constraints"),
		Strategy:          v.GetString("strategy"),
		PlaceholderPrefix: v.GetString("placeholder-prefix"),
		Workers:           v.GetInt("workers"),
		StepTimeout:       v.GetDuration("step-timeout"),
		MaxAttempts:       v.GetInt("max-attempts"),
		Output:            v.GetString("output"),
		ReportFile:        v.GetString("report-file"),
		Verbose:           v.GetBool("verbose"),
		Yes:               v.GetBool("yes"),
	}
	if cfg.DatabaseURL == "" {
		cfg.DatabaseURL = os.Getenv("DATABASE_URL")
	}
	if cfg.Provider == "" && cfg.DatabaseURL != "" {
		cfg.Provider = store.DetectProvider(cfg.DatabaseURL)
	}
	return cfg, nil
}

// Model assembles the constraint model from the description file, if any, and
// the table flags. Flags fill in what the description leaves out and
// --dependents is merged into its dependent list.
func (c *Config) Model() (constraint.Model, error) {
	var m constraint.Model
	if c.Constraints != "" {
		f, err := AppFs.Open(c.Constraints)
		if err != nil {
			return m, fmt.Errorf("failed to open constraint description: %w", err)
		}
		defer f.Close()

		models, err := constraint.ParseDescription(c.Constraints, f)
		if err != nil {
			return m, err
		}
		if m, err = constraint.Select(models, c.Table); err != nil {
			return m, err
		}
	} else {
		m = constraint.Model{Table: c.Table}
	}

	if m.KeyColumn == "" {
		m.KeyColumn = c.KeyColumn
	}
	if m.IDColumn == "" || (c.Constraints == "" && c.IDColumn != "") {
		m.IDColumn = c.IDColumn
	}

	deps, err := constraint.ParseDependents(c.Dependents)
	if err != nil {
		return m, err
	}
	m = m.WithDependents(deps)
	return m, m.Validate()
}

// Executor returns the step execution options
func (c *Config) Executor() executor.Options {
	return executor.Options{
		Workers:     c.Workers,
		StepTimeout: c.StepTimeout,
		MaxAttempts: c.MaxAttempts,
	}
}

// Connection reports whether a database is configured
func (c *Config) Connection() error {
	if c.DatabaseURL == "" {
		return errors.New("no database configured: set --database-url, REKEY_DATABASE_URL or DATABASE_URL")
	}
	return nil
}
