package crawler

import (
	"fmt"
	"regexp"
	"sort"
	"strings"

	"github.com/v0xg/flowcheck/internal/scenario"
)

// PageMap represents the analyzed structure of a web page
type PageMap struct {
	URL        string    `json:"url"`
	Title      string    `json:"title"`
	Elements   []Element `json:"elements"`
	Navigation []NavItem `json:"navigation"`
	IsSPA      bool      `json:"isSPA"`
}

// Element represents an interactive element on the page
type Element struct {
	// Candidates are prefixed selectors, most stable first.
	Candidates  []string `json:"candidates"`
	Type        string   `json:"type"` // button, input type, link, select, checkbox, radio
	Text        string   `json:"text,omitempty"`
	Placeholder string   `json:"placeholder,omitempty"`
	Name        string   `json:"name,omitempty"`
	ID          string   `json:"id,omitempty"`
}

// Label is a human-readable name for the element.
func (e Element) Label() string {
	for _, s := range []string{e.Text, e.Placeholder, e.Name, e.ID} {
		if s = strings.TrimSpace(s); s != "" {
			return s
		}
	}
	return e.Type
}

// NavItem represents a navigation link
type NavItem struct {
	Selector string `json:"selector"`
	Text     string `json:"text"`
	Href     string `json:"href"`
}

var nonWord = regexp.MustCompile(`[^a-z0-9]+`)

// Targets names every element and returns its target descriptor, keyed by a
// unique snake_case name.
func (m *PageMap) Targets() map[string]*scenario.TargetDescriptor {
	out := make(map[string]*scenario.TargetDescriptor, len(m.Elements))
	for _, el := range m.Elements {
		if len(el.Candidates) == 0 {
			continue
		}
		base := strings.Trim(nonWord.ReplaceAllString(strings.ToLower(el.Label()), "_"), "_")
		if base == "" {
			base = "element"
		}
		if len(base) > 32 {
			base = strings.TrimRight(base[:32], "_")
		}
		name := base
		for i := 2; out[name] != nil; i++ {
			name = fmt.Sprintf("%s_%d", base, i)
		}
		out[name] = scenario.Target(el.Label(), el.Candidates...)
	}
	return out
}

// TargetNames returns the names of Targets, sorted.
func (m *PageMap) TargetNames() []string {
	targets := m.Targets()
	names := make([]string, 0, len(targets))
	for name := range targets {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}
