package ai

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strings"

	"github.com/charmbracelet/log"

	"github.com/v0xg/flowcheck/internal/crawler"
	"github.com/v0xg/flowcheck/internal/logging"
	"github.com/v0xg/flowcheck/internal/scenario"
)

// DefaultRepairs is how many times an unusable draft is sent back to the model.
const DefaultRepairs = 1

// Generator drafts scenarios for a crawled page.
type Generator struct {
	Provider Provider
	// Library supplies shared targets, flows and vars. May be nil.
	Library *scenario.Library
	Repairs int
	Logger  *log.Logger
}

// Generate asks the provider for a scenario covering prompt on the crawled
// page. The page's elements are offered as targets next to the library's.
// A draft that fails to parse or validate is sent back with the error up to
// Repairs times.
func (g *Generator) Generate(ctx context.Context, pageMap *crawler.PageMap, prompt string) (*scenario.Scenario, error) {
	if g.Provider == nil {
		return nil, errors.New("no provider configured")
	}
	logger := logging.OrDiscard(g.Logger)

	pageMapJSON, err := json.MarshalIndent(pageMap, "", "  ")
	if err != nil {
		return nil, fmt.Errorf("failed to marshal page map: %w", err)
	}
	lib := g.Library.WithTargets(pageMap.Targets())
	names := make([]string, 0, len(lib.Targets))
	for name := range lib.Targets {
		names = append(names, name)
	}
	sort.Strings(names)

	userPrompt := buildUserPrompt(string(pageMapJSON), names, lib.Flows(), prompt)
	request := userPrompt
	for attempt := 0; ; attempt++ {
		reply, err := g.Provider.Complete(ctx, systemPrompt, request)
		if err != nil {
			return nil, err
		}
		doc := extractDocument(reply)
		s, err := scenario.Parse([]byte(doc), lib)
		if err == nil {
			return s, nil
		}
		if attempt >= g.Repairs {
			return nil, fmt.Errorf("unusable scenario draft: %w", err)
		}
		logger.Warn("draft rejected, asking for a fix", "attempt", attempt+1, "err", err)
		request = buildRepairPrompt(userPrompt, doc, err)
	}
}

// extractDocument strips a markdown code fence and any prose around it.
func extractDocument(reply string) string {
	reply = strings.TrimSpace(reply)
	start := strings.Index(reply, "```")
	if start == -1 {
		return reply
	}
	body := reply[start+3:]
	// drop the language tag
	if nl := strings.IndexByte(body, '\n'); nl != -1 {
		body = body[nl+1:]
	}
	if end := strings.Index(body, "```"); end != -1 {
		body = body[:end]
	}
	return strings.TrimSpace(body)
}
