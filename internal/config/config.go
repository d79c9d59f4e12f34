// Package config loads flowcheck settings.
//
// Precedence, lowest first: built-in defaults, the config file, FLOWCHECK_*
// environment variables (a .env file is loaded into the environment by the
// CLI), then explicit flag overrides.
package config

import (
	"errors"
	"fmt"
	"net/url"
	"os"
	"strings"
	"time"

	"github.com/charmbracelet/log"
	"github.com/spf13/viper"

	"github.com/v0xg/flowcheck/internal/diagnostics"
	"github.com/v0xg/flowcheck/internal/driver"
	"github.com/v0xg/flowcheck/internal/orchestrator"
	"github.com/v0xg/flowcheck/internal/recovery"
	"github.com/v0xg/flowcheck/internal/session"
)

// EnvPrefix prefixes every environment override.
const EnvPrefix = "FLOWCHECK"

// DefaultFile is read from the working directory when no path is given.
const DefaultFile = "flowcheck.yaml"

// Config is the effective configuration.
type Config struct {
	BaseURL    string `mapstructure:"base_url"`
	EntryRoute string `mapstructure:"entry_route"`

	DefaultTimeout    time.Duration `mapstructure:"default_timeout"`
	NavigationTimeout time.Duration `mapstructure:"navigation_timeout"`
	AssertTimeout     time.Duration `mapstructure:"assert_timeout"`
	SettleTimeout     time.Duration `mapstructure:"settle_timeout"`
	PollInterval      time.Duration `mapstructure:"poll_interval"`
	// Deadline caps a whole run. Zero derives it from the scenario.
	Deadline time.Duration `mapstructure:"deadline"`

	RecoveryBudget int      `mapstructure:"recovery_budget"`
	Tactics        []string `mapstructure:"tactics"`

	Headless   bool   `mapstructure:"headless"`
	BrowserBin string `mapstructure:"browser_bin"`
	ProfileDir string `mapstructure:"profile_dir"`
	Width      int    `mapstructure:"width"`
	Height     int    `mapstructure:"height"`

	ArtifactsDir string `mapstructure:"artifacts_dir"`
	Record       bool   `mapstructure:"record"`
	Parallel     int    `mapstructure:"parallel"`
	// CatalogDir replaces the built-in scenarios when set.
	CatalogDir string `mapstructure:"catalog_dir"`
	LogLevel   string `mapstructure:"log_level"`

	AIProvider string `mapstructure:"ai_provider"`
	AIModel    string `mapstructure:"ai_model"`
}

// DefaultConfig returns the built-in defaults.
func DefaultConfig() Config {
	tactics := make([]string, len(recovery.DefaultTactics))
	for i, t := range recovery.DefaultTactics {
		tactics[i] = string(t)
	}
	return Config{
		BaseURL:           "http://localhost:3000",
		EntryRoute:        recovery.DefaultEntryRoute,
		DefaultTimeout:    5 * time.Second,
		NavigationTimeout: 10 * time.Second,
		AssertTimeout:     3 * time.Second,
		SettleTimeout:     3 * time.Second,
		PollInterval:      100 * time.Millisecond,
		RecoveryBudget:    recovery.DefaultBudget,
		Tactics:           tactics,
		Headless:          true,
		Width:             1280,
		Height:            720,
		ArtifactsDir:      "flowcheck-artifacts",
		Parallel:          1,
		LogLevel:          "info",
		AIProvider:        "claude",
	}
}

// LoadOptions controls configuration loading.
type LoadOptions struct {
	// ConfigPath names the config file. It must exist when set; otherwise
	// DefaultFile is read if present.
	ConfigPath string
	// Overrides are highest-priority values from CLI flags, by key.
	Overrides map[string]any
}

// Load returns the validated effective configuration.
func Load(opts LoadOptions) (Config, error) {
	v := viper.New()
	setDefaults(v)

	if err := mergeConfigFile(v, opts.ConfigPath); err != nil {
		return Config{}, err
	}

	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_", "-", "_"))
	v.AutomaticEnv()

	for k, val := range opts.Overrides {
		v.Set(k, val)
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return Config{}, fmt.Errorf("unmarshal config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func setDefaults(v *viper.Viper) {
	def := DefaultConfig()
	v.SetDefault("base_url", def.BaseURL)
	v.SetDefault("entry_route", def.EntryRoute)
	v.SetDefault("default_timeout", def.DefaultTimeout)
	v.SetDefault("navigation_timeout", def.NavigationTimeout)
	v.SetDefault("assert_timeout", def.AssertTimeout)
	v.SetDefault("settle_timeout", def.SettleTimeout)
	v.SetDefault("poll_interval", def.PollInterval)
	v.SetDefault("deadline", def.Deadline)
	v.SetDefault("recovery_budget", def.RecoveryBudget)
	v.SetDefault("tactics", def.Tactics)
	v.SetDefault("headless", def.Headless)
	v.SetDefault("browser_bin", def.BrowserBin)
	v.SetDefault("profile_dir", def.ProfileDir)
	v.SetDefault("width", def.Width)
	v.SetDefault("height", def.Height)
	v.SetDefault("artifacts_dir", def.ArtifactsDir)
	v.SetDefault("record", def.Record)
	v.SetDefault("parallel", def.Parallel)
	v.SetDefault("catalog_dir", def.CatalogDir)
	v.SetDefault("log_level", def.LogLevel)
	v.SetDefault("ai_provider", def.AIProvider)
	v.SetDefault("ai_model", def.AIModel)
}

func mergeConfigFile(v *viper.Viper, path string) error {
	explicit := path != ""
	if !explicit {
		path = DefaultFile
	}
	info, err := os.Stat(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) && !explicit {
			return nil
		}
		return fmt.Errorf("stat config %s: %w", path, err)
	}
	if info.IsDir() {
		return fmt.Errorf("config path %s is a directory", path)
	}
	v.SetConfigFile(path)
	if err := v.MergeInConfig(); err != nil {
		return fmt.Errorf("merge config %s: %w", path, err)
	}
	return nil
}

// Validate rejects settings no run could use.
func (c Config) Validate() error {
	var errs []error
	if c.BaseURL == "" {
		errs = append(errs, errors.New("base_url is required"))
	} else if u, err := url.Parse(c.BaseURL); err != nil || u.Scheme == "" || u.Host == "" {
		errs = append(errs, fmt.Errorf("base_url %q must be absolute", c.BaseURL))
	}
	for key, d := range map[string]time.Duration{
		"default_timeout":    c.DefaultTimeout,
		"navigation_timeout": c.NavigationTimeout,
		"assert_timeout":     c.AssertTimeout,
		"poll_interval":      c.PollInterval,
	} {
		if d <= 0 {
			errs = append(errs, fmt.Errorf("%s must be positive, got %s", key, d))
		}
	}
	if c.SettleTimeout < 0 || c.Deadline < 0 {
		errs = append(errs, errors.New("settle_timeout and deadline must not be negative"))
	}
	if c.RecoveryBudget < 0 {
		errs = append(errs, fmt.Errorf("recovery_budget must not be negative, got %d", c.RecoveryBudget))
	}
	if c.Parallel < 1 {
		errs = append(errs, fmt.Errorf("parallel must be at least 1, got %d", c.Parallel))
	}
	if c.Width <= 0 || c.Height <= 0 {
		errs = append(errs, fmt.Errorf("window size %dx%d must be positive", c.Width, c.Height))
	}
	if _, err := c.tactics(); err != nil {
		errs = append(errs, err)
	}
	return errors.Join(errs...)
}

func (c Config) tactics() ([]recovery.Tactic, error) {
	out := make([]recovery.Tactic, 0, len(c.Tactics))
	for _, name := range c.Tactics {
		t, err := recovery.ParseTactic(name)
		if err != nil {
			return nil, err
		}
		out = append(out, t)
	}
	return out, nil
}

// Session returns the browser configuration of a run.
func (c Config) Session() session.Config {
	return session.Config{
		BaseURL:        c.BaseURL,
		DefaultTimeout: c.DefaultTimeout,
		Launch: driver.LaunchOptions{
			Bin:        c.BrowserBin,
			Headless:   c.Headless,
			Width:      c.Width,
			Height:     c.Height,
			ProfileDir: c.ProfileDir,
		},
	}
}

// Orchestrator returns the run options. rec may be nil to skip diagnostics.
func (c Config) Orchestrator(rec *diagnostics.Recorder, logger *log.Logger) orchestrator.Options {
	// validated by Load
	tactics, _ := c.tactics()
	return orchestrator.Options{
		Session:           c.Session(),
		NavigationTimeout: c.NavigationTimeout,
		AssertTimeout:     c.AssertTimeout,
		SettleTimeout:     c.SettleTimeout,
		RecoveryBudget:    c.RecoveryBudget,
		Tactics:           tactics,
		EntryRoute:        c.EntryRoute,
		Deadline:          c.Deadline,
		PollInterval:      c.PollInterval,
		Record:            c.Record,
		Diagnostics:       rec,
		Logger:            logger,
	}
}
