package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/v0xg/flowcheck/internal/ai"
	"github.com/v0xg/flowcheck/internal/crawler"
	"github.com/v0xg/flowcheck/internal/driver/roddriver"
	"github.com/v0xg/flowcheck/internal/scenario"
	"github.com/v0xg/flowcheck/internal/session"
)

var (
	output   string
	provider string
	model    string
)

func newGenerateCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "generate <url> <prompt>",
		Short: "Draft a scenario for a page using AI",
		Long: `generate crawls a page, asks an AI provider to turn your natural language
prompt into a scenario using the page's elements and the catalog's shared
targets and flows, and writes the scenario YAML.

Example:
  flowcheck generate http://localhost:3000/iniciativas/atividades \
    "log in, create an initiative named Demo and expect the saved message" -o tc101.yaml`,
		Args: cobra.ExactArgs(2),
		RunE: generate,
	}
	cmd.Flags().StringVarP(&output, "output", "o", "", "Output file (default: stdout)")
	cmd.Flags().StringVar(&provider, "provider", "", "AI provider: claude, openai (default: from config or claude)")
	cmd.Flags().StringVar(&model, "model", "", "Specific model override")
	return cmd
}

func generate(cmd *cobra.Command, args []string) error {
	url, prompt := args[0], args[1]
	cfg, logger, err := setup(cmd)
	if err != nil {
		return err
	}
	cat, err := loadCatalog(cfg)
	if err != nil {
		return err
	}
	p, err := ai.NewProvider(cfg.AIProvider, cfg.AIModel)
	if err != nil {
		return fmt.Errorf("AI provider init failed: %w", err)
	}

	ctx := cmd.Context()
	status := cmd.ErrOrStderr()
	mgr := session.NewManager(roddriver.New(), logger)
	sess, err := mgr.Acquire(ctx, cfg.Session())
	if err != nil {
		return err
	}
	defer sess.Release()

	// Step 1: Crawl the page
	fmt.Fprintf(status, "→ Crawling %s... ", url)
	pageMap, err := crawler.Crawl(ctx, sess.Page(), url, crawler.DefaultOptions())
	if err != nil {
		fmt.Fprintln(status, "failed")
		return fmt.Errorf("crawl failed: %w", err)
	}
	fmt.Fprintf(status, "done (found %d interactive elements)\n", len(pageMap.Elements))

	// Step 2: Draft the scenario
	fmt.Fprintf(status, "→ Generating scenario via %s... ", cfg.AIProvider)
	gen := &ai.Generator{Provider: p, Library: cat.Library(), Repairs: ai.DefaultRepairs, Logger: logger}
	s, err := gen.Generate(ctx, pageMap, prompt)
	if err != nil {
		fmt.Fprintln(status, "failed")
		return fmt.Errorf("scenario generation failed: %w", err)
	}
	fmt.Fprintf(status, "done (%d actions)\n", len(s.Actions))

	data, err := scenario.Marshal(s)
	if err != nil {
		return err
	}
	if output == "" {
		_, err = cmd.OutOrStdout().Write(data)
		return err
	}
	if err := os.WriteFile(output, data, 0o644); err != nil {
		return err
	}
	fmt.Fprintf(status, "✓ Saved to %s\n", output)
	return nil
}
