package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/v0xg/flowcheck/internal/recovery"
)

func chdir(t *testing.T, dir string) {
	t.Helper()
	wd, err := os.Getwd()
	require.NoError(t, err)
	require.NoError(t, os.Chdir(dir))
	t.Cleanup(func() { _ = os.Chdir(wd) })
}

func TestLoadDefaults(t *testing.T) {
	chdir(t, t.TempDir())

	cfg, err := Load(LoadOptions{})
	require.NoError(t, err)
	assert.Equal(t, DefaultConfig(), cfg)
	assert.Equal(t, "http://localhost:3000", cfg.BaseURL)
	assert.Equal(t, 5*time.Second, cfg.DefaultTimeout)
	assert.Equal(t, 10*time.Second, cfg.NavigationTimeout)
	assert.Equal(t, 3, cfg.RecoveryBudget)
}

func TestLoadPrecedence(t *testing.T) {
	dir := t.TempDir()
	chdir(t, dir)
	require.NoError(t, os.WriteFile(filepath.Join(dir, DefaultFile), []byte(`
base_url: http://staging.local:8080
default_timeout: 7s
recovery_budget: 1
tactics: [fresh_tab, reload]
parallel: 2
`), 0o644))
	t.Setenv("FLOWCHECK_DEFAULT_TIMEOUT", "9s")
	t.Setenv("FLOWCHECK_HEADLESS", "false")

	cfg, err := Load(LoadOptions{Overrides: map[string]any{"parallel": 4}})
	require.NoError(t, err)

	assert.Equal(t, "http://staging.local:8080", cfg.BaseURL)
	assert.Equal(t, 9*time.Second, cfg.DefaultTimeout)
	assert.False(t, cfg.Headless)
	assert.Equal(t, 1, cfg.RecoveryBudget)
	assert.Equal(t, 4, cfg.Parallel)

	opts := cfg.Orchestrator(nil, nil)
	assert.Equal(t, []recovery.Tactic{recovery.TacticFreshTab, recovery.TacticReload}, opts.Tactics)
	assert.Equal(t, 9*time.Second, opts.Session.DefaultTimeout)
	assert.False(t, opts.Session.Launch.Headless)
	assert.Equal(t, 1280, opts.Session.Launch.Width)
}

func TestLoadExplicitFileMustExist(t *testing.T) {
	_, err := Load(LoadOptions{ConfigPath: filepath.Join(t.TempDir(), "missing.yaml")})
	assert.ErrorContains(t, err, "stat config")
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Config)
		want   string
	}{
		{"empty base url", func(c *Config) { c.BaseURL = "" }, "base_url is required"},
		{"relative base url", func(c *Config) { c.BaseURL = "/app" }, "must be absolute"},
		{"zero timeout", func(c *Config) { c.DefaultTimeout = 0 }, "default_timeout must be positive"},
		{"negative assert", func(c *Config) { c.AssertTimeout = -time.Second }, "assert_timeout must be positive"},
		{"negative budget", func(c *Config) { c.RecoveryBudget = -1 }, "recovery_budget"},
		{"no workers", func(c *Config) { c.Parallel = 0 }, "parallel must be at least 1"},
		{"bad tactic", func(c *Config) { c.Tactics = []string{"reboot"} }, `unknown recovery tactic "reboot"`},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := DefaultConfig()
			tt.mutate(&cfg)
			assert.ErrorContains(t, cfg.Validate(), tt.want)
		})
	}

	assert.NoError(t, DefaultConfig().Validate())
}
