package main

import (
	"bytes"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/v0xg/flowcheck/internal/diagnostics"
	"github.com/v0xg/flowcheck/internal/orchestrator"
	"github.com/v0xg/flowcheck/internal/recovery"
	"github.com/v0xg/flowcheck/internal/scenario"
)

func TestSelectScenarios(t *testing.T) {
	cat, err := scenario.Builtin()
	require.NoError(t, err)

	all, err := selectScenarios(cat, nil, true)
	require.NoError(t, err)
	assert.Len(t, all, len(cat.Names()))

	some, err := selectScenarios(cat, []string{"tc003", "TC001"}, false)
	require.NoError(t, err)
	assert.Equal(t, "TC003", some[0].Name)
	assert.Equal(t, "TC001", some[1].Name)

	_, err = selectScenarios(cat, nil, false)
	assert.ErrorContains(t, err, "no scenarios given")
	_, err = selectScenarios(cat, []string{"TC001"}, true)
	assert.Error(t, err)
	_, err = selectScenarios(cat, []string{"TC404"}, false)
	assert.ErrorContains(t, err, "unknown scenario")
}

func TestPrintResult(t *testing.T) {
	var buf bytes.Buffer
	printResult(&buf, orchestrator.RunResult{
		Scenario:   "TC003",
		Status:     orchestrator.StatusFailed,
		Message:    `expected "início não pode ser posterior ao fim"`,
		Elapsed:    1234567 * time.Microsecond,
		Attempts:   []recovery.Attempt{{Tactic: recovery.TacticReload, Err: errors.New("x")}},
		Diagnostic: &diagnostics.Snapshot{Dir: "flowcheck-artifacts/tc003-01234567"},
	})
	out := buf.String()
	assert.Contains(t, out, "✗ TC003 failed (1.235s)")
	assert.Contains(t, out, "recovered with: reload")
	assert.Contains(t, out, "início não pode ser posterior ao fim")
	assert.Contains(t, out, "diagnostics: flowcheck-artifacts/tc003-01234567")
}

func TestPrintSummary(t *testing.T) {
	var buf bytes.Buffer
	printSummary(&buf, []orchestrator.RunResult{
		{Status: orchestrator.StatusPassed},
		{Status: orchestrator.StatusPassed},
		{Status: orchestrator.StatusErrored},
	}, 2*time.Second)
	assert.Equal(t, "2 passed, 0 failed, 1 errored in 2s\n", buf.String())
}

func TestOverridesOnlyChangedFlags(t *testing.T) {
	cmd := newRunCmd()
	cmd.Flags().StringVar(&baseURL, "base-url", "", "")
	cmd.Flags().BoolVarP(&verbose, "verbose", "v", false, "")
	require.NoError(t, cmd.ParseFlags([]string{"--parallel", "3", "--base-url", "http://app:8080"}))

	got := overrides(cmd)
	assert.Equal(t, map[string]any{"parallel": 3, "base_url": "http://app:8080"}, got)

}
