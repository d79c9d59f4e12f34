package main

import (
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/v0xg/flowcheck/internal/diagnostics"
	"github.com/v0xg/flowcheck/internal/driver/roddriver"
	"github.com/v0xg/flowcheck/internal/orchestrator"
	"github.com/v0xg/flowcheck/internal/scenario"
	"github.com/v0xg/flowcheck/internal/session"
)

var runAll bool

func newRunCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "run <scenario...>",
		Short: "Run catalog scenarios or scenario files",
		Long: `Run executes each scenario in its own browser session.

Exit status: 0 when every run passed, 1 when any failed, 2 when any errored.`,
		RunE: runScenarios,
	}
	cmd.Flags().BoolVar(&runAll, "all", false, "Run every catalog scenario")
	cmd.Flags().IntVar(&parallel, "parallel", 1, "Concurrent sessions")
	cmd.Flags().IntVar(&budget, "budget", 3, "Recovery attempts per run")
	cmd.Flags().StringVar(&deadline, "deadline", "", "Run deadline, e.g. 2m (default: derived from the scenario)")
	cmd.Flags().StringVar(&artifacts, "artifacts", "", "Directory for diagnostics of failed and errored runs")
	cmd.Flags().BoolVar(&record, "record", false, "Record a replay GIF of every step")
	return cmd
}

func runScenarios(cmd *cobra.Command, args []string) error {
	cfg, logger, err := setup(cmd)
	if err != nil {
		return err
	}
	cat, err := loadCatalog(cfg)
	if err != nil {
		return err
	}
	scenarios, err := selectScenarios(cat, args, runAll)
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	mgr := session.NewManager(roddriver.New(), logger)
	rec := diagnostics.New(cfg.ArtifactsDir, logger)
	orch := orchestrator.New(mgr, cfg.Orchestrator(rec, logger))

	out := cmd.OutOrStdout()
	fmt.Fprintf(out, "→ Running %d scenario(s) against %s\n", len(scenarios), cfg.BaseURL)
	start := time.Now()
	results := orch.RunAll(ctx, scenarios, cfg.Parallel)
	for _, res := range results {
		printResult(out, res)
	}
	printSummary(out, results, time.Since(start))

	if n := mgr.Active(); n != 0 {
		logger.Warn("sessions still open after run", "active", n)
	}
	exitCode = orchestrator.ExitCode(results...)
	return nil
}

// selectScenarios resolves refs against the catalog, or takes the whole
// catalog when all is set.
func selectScenarios(cat *scenario.Catalog, refs []string, all bool) ([]*scenario.Scenario, error) {
	if all {
		if len(refs) > 0 {
			return nil, errors.New("--all takes no scenario arguments")
		}
		refs = cat.Names()
	}
	if len(refs) == 0 {
		return nil, errors.New("no scenarios given (name them or use --all)")
	}
	out := make([]*scenario.Scenario, 0, len(refs))
	for _, ref := range refs {
		s, err := cat.Resolve(ref)
		if err != nil {
			return nil, err
		}
		out = append(out, s)
	}
	return out, nil
}

func printResult(w io.Writer, res orchestrator.RunResult) {
	mark := "✓"
	switch res.Status {
	case orchestrator.StatusFailed:
		mark = "✗"
	case orchestrator.StatusErrored:
		mark = "!"
	}
	fmt.Fprintf(w, "%s %s %s (%s)\n", mark, res.Scenario, res.Status, res.Elapsed.Round(time.Millisecond))
	if len(res.Attempts) > 0 {
		tactics := make([]string, len(res.Attempts))
		for i, a := range res.Attempts {
			tactics[i] = string(a.Tactic)
		}
		fmt.Fprintf(w, "    recovered with: %s\n", strings.Join(tactics, ", "))
	}
	if res.Message != "" {
		fmt.Fprintf(w, "    %s\n", res.Message)
	}
	if res.Diagnostic != nil {
		fmt.Fprintf(w, "    diagnostics: %s\n", res.Diagnostic.Dir)
	}
}

func printSummary(w io.Writer, results []orchestrator.RunResult, elapsed time.Duration) {
	counts := map[orchestrator.Status]int{}
	for _, res := range results {
		counts[res.Status]++
	}
	fmt.Fprintf(w, "%d passed, %d failed, %d errored in %s\n",
		counts[orchestrator.StatusPassed], counts[orchestrator.StatusFailed], counts[orchestrator.StatusErrored],
		elapsed.Round(time.Millisecond))
}
