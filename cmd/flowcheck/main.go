package main

import (
	"errors"
	"fmt"
	"os"

	"github.com/charmbracelet/log"
	"github.com/joho/godotenv"
	"github.com/spf13/cobra"

	"github.com/v0xg/flowcheck/internal/config"
	"github.com/v0xg/flowcheck/internal/logging"
	"github.com/v0xg/flowcheck/internal/scenario"
)

var (
	configPath string
	baseURL    string
	timeout    string
	budget     int
	deadline   string
	parallel   int
	artifacts  string
	record     bool
	headless   bool
	width      int
	height     int
	profile    string
	catalogDir string
	verbose    bool
)

// exitCode is set by commands that report a verdict rather than an error.
var exitCode int

func main() {
	// Load .env file if present (silently ignore if not found)
	_ = godotenv.Load()

	rootCmd := &cobra.Command{
		Use:   "flowcheck",
		Short: "Run resilient end-to-end UI scenarios",
		Long: `flowcheck drives a headless browser through scenario files, recovering
from stuck pages without replaying submitted forms, and reports
passed, failed or errored for each run.

Example:
  flowcheck run TC001 TC003 --base-url http://localhost:3000
  flowcheck run --all --parallel 2`,
		SilenceUsage: true,
	}

	pf := rootCmd.PersistentFlags()
	pf.StringVar(&configPath, "config", "", "Config file (default: ./"+config.DefaultFile+" if present)")
	pf.StringVar(&baseURL, "base-url", "", "Base URL routes are resolved against")
	pf.StringVar(&timeout, "timeout", "", "Default action timeout, e.g. 5s")
	pf.BoolVar(&headless, "headless", true, "Run the browser headless")
	pf.IntVar(&width, "width", 1280, "Viewport width")
	pf.IntVar(&height, "height", 720, "Viewport height")
	pf.StringVar(&profile, "profile", "", "Chrome/Chromium profile directory for authenticated sessions (close browser first)")
	pf.StringVar(&catalogDir, "catalog", "", "Directory of scenario files replacing the built-in catalog")
	pf.BoolVarP(&verbose, "verbose", "v", false, "Show debug logs")

	rootCmd.AddCommand(newRunCmd(), newListCmd(), newShowCmd(), newGenerateCmd())

	if err := rootCmd.Execute(); err != nil {
		os.Exit(2)
	}
	os.Exit(exitCode)
}

// overrides collects the flags set on the command line, keyed by config key.
func overrides(cmd *cobra.Command) map[string]any {
	flags := []struct {
		name, key string
		value     any
	}{
		{"base-url", "base_url", baseURL},
		{"timeout", "default_timeout", timeout},
		{"headless", "headless", headless},
		{"width", "width", width},
		{"height", "height", height},
		{"profile", "profile_dir", profile},
		{"catalog", "catalog_dir", catalogDir},
		{"budget", "recovery_budget", budget},
		{"deadline", "deadline", deadline},
		{"parallel", "parallel", parallel},
		{"artifacts", "artifacts_dir", artifacts},
		{"record", "record", record},
		{"provider", "ai_provider", provider},
		{"model", "ai_model", model},
	}
	out := make(map[string]any)
	for _, f := range flags {
		if fl := cmd.Flags().Lookup(f.name); fl != nil && fl.Changed {
			out[f.key] = f.value
		}
	}
	if verbose {
		out["log_level"] = "debug"
	}
	return out
}

// setup loads the configuration and builds the logger.
func setup(cmd *cobra.Command) (config.Config, *log.Logger, error) {
	cfg, err := config.Load(config.LoadOptions{ConfigPath: configPath, Overrides: overrides(cmd)})
	if err != nil {
		return config.Config{}, nil, fmt.Errorf("config: %w", err)
	}
	opts := logging.DefaultOptions()
	opts.Level = cfg.LogLevel
	return cfg, logging.New(opts), nil
}

func loadCatalog(cfg config.Config) (*scenario.Catalog, error) {
	if cfg.CatalogDir == "" {
		return scenario.Builtin()
	}
	info, err := os.Stat(cfg.CatalogDir)
	if err != nil {
		return nil, fmt.Errorf("catalog: %w", err)
	}
	if !info.IsDir() {
		return nil, errors.New("catalog: " + cfg.CatalogDir + " is not a directory")
	}
	return scenario.LoadCatalog(os.DirFS(cfg.CatalogDir), ".")
}

func newListCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "List catalog scenarios",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, _, err := setup(cmd)
			if err != nil {
				return err
			}
			cat, err := loadCatalog(cfg)
			if err != nil {
				return err
			}
			for _, name := range cat.Names() {
				s, _ := cat.Get(name)
				fmt.Fprintf(cmd.OutOrStdout(), "%-8s %2d steps  %s\n", name, len(s.Actions), s.Title)
			}
			return nil
		},
	}
}

func newShowCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "show <scenario>",
		Short: "Print a scenario with flows expanded and targets inlined",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, _, err := setup(cmd)
			if err != nil {
				return err
			}
			cat, err := loadCatalog(cfg)
			if err != nil {
				return err
			}
			s, err := cat.Resolve(args[0])
			if err != nil {
				return err
			}
			data, err := scenario.Marshal(s)
			if err != nil {
				return err
			}
			_, err = cmd.OutOrStdout().Write(data)
			return err
		},
	}
}
