package scenario

import (
	"fmt"
	"sort"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/v0xg/flowcheck/internal/driver"
)

// Duration is a time.Duration written as "3s" in YAML.
type Duration time.Duration

func (d *Duration) UnmarshalYAML(node *yaml.Node) error {
	var s string
	if err := node.Decode(&s); err != nil {
		return err
	}
	if s == "" {
		*d = 0
		return nil
	}
	v, err := time.ParseDuration(s)
	if err != nil {
		return fmt.Errorf("line %d: %w", node.Line, err)
	}
	*d = Duration(v)
	return nil
}

func (d Duration) MarshalYAML() (any, error) {
	return time.Duration(d).String(), nil
}

type targetFile struct {
	Label      string   `yaml:"label,omitempty"`
	Candidates []string `yaml:"candidates"`
}

// targetRef is either the name of a declared target or an inline descriptor.
type targetRef struct {
	Name   string
	Inline *targetFile
}

func (r *targetRef) UnmarshalYAML(node *yaml.Node) error {
	switch node.Kind {
	case yaml.ScalarNode:
		return node.Decode(&r.Name)
	case yaml.MappingNode:
		r.Inline = &targetFile{}
		return node.Decode(r.Inline)
	default:
		return fmt.Errorf("line %d: target must be a name or a mapping", node.Line)
	}
}

func (r targetRef) MarshalYAML() (any, error) {
	if r.Inline != nil {
		return r.Inline, nil
	}
	return r.Name, nil
}

type actionFile struct {
	Use              string     `yaml:"use,omitempty"`
	Navigate         string     `yaml:"navigate,omitempty"`
	WaitUntil        string     `yaml:"wait_until,omitempty"`
	Fill             *targetRef `yaml:"fill,omitempty"`
	Click            *targetRef `yaml:"click,omitempty"`
	Text             string     `yaml:"text,omitempty"`
	WaitForLoadState *string    `yaml:"wait_for_load_state,omitempty"`
	WaitForText      string     `yaml:"wait_for_text,omitempty"`
	Pause            Duration   `yaml:"pause,omitempty"`
	Timeout          Duration   `yaml:"timeout,omitempty"`
	Commit           bool       `yaml:"commit,omitempty"`
	Note             string     `yaml:"note,omitempty"`
}

type assertionFile struct {
	Text    string     `yaml:"text,omitempty"`
	Target  *targetRef `yaml:"target,omitempty"`
	Timeout Duration   `yaml:"timeout,omitempty"`
	Message string     `yaml:"message,omitempty"`
}

type scenarioFile struct {
	Name    string                 `yaml:"name"`
	Title   string                 `yaml:"title,omitempty"`
	Intent  string                 `yaml:"intent,omitempty"`
	Vars    map[string]string      `yaml:"vars,omitempty"`
	Targets map[string]*targetFile `yaml:"targets,omitempty"`
	Actions []actionFile           `yaml:"actions"`
	Assert  assertionFile          `yaml:"assert"`
}

type libraryFile struct {
	Vars    map[string]string       `yaml:"vars,omitempty"`
	Targets map[string]*targetFile  `yaml:"targets,omitempty"`
	Flows   map[string][]actionFile `yaml:"flows,omitempty"`
}

// Library holds targets, flows and vars shared across scenario files.
type Library struct {
	Vars    map[string]string
	Targets map[string]*TargetDescriptor
	flows   map[string][]actionFile
}

// ParseLibrary decodes a shared definitions file.
func ParseLibrary(data []byte) (*Library, error) {
	var f libraryFile
	if err := yaml.Unmarshal(data, &f); err != nil {
		return nil, fmt.Errorf("parse library: %w", err)
	}
	lib := &Library{
		Vars:    f.Vars,
		Targets: make(map[string]*TargetDescriptor, len(f.Targets)),
		flows:   f.Flows,
	}
	for name, t := range f.Targets {
		lib.Targets[name] = t.descriptor(name)
	}
	return lib, nil
}

// Flows lists the reusable flow names, sorted.
func (l *Library) Flows() []string {
	if l == nil {
		return nil
	}
	names := make([]string, 0, len(l.flows))
	for name := range l.flows {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// WithTargets returns a copy of l that also declares extra. Names already
// declared by l keep their descriptor.
func (l *Library) WithTargets(extra map[string]*TargetDescriptor) *Library {
	out := &Library{Vars: map[string]string{}, Targets: map[string]*TargetDescriptor{}}
	if l != nil {
		for k, v := range l.Vars {
			out.Vars[k] = v
		}
		for k, v := range l.Targets {
			out.Targets[k] = v
		}
		out.flows = l.flows
	}
	for name, t := range extra {
		if _, ok := out.Targets[name]; !ok {
			out.Targets[name] = t
		}
	}
	return out
}

func (t *targetFile) descriptor(name string) *TargetDescriptor {
	label := t.Label
	if label == "" {
		label = name
	}
	return &TargetDescriptor{Label: label, Candidates: append([]string(nil), t.Candidates...)}
}

// Parse decodes and validates a scenario file. lib may be nil.
func Parse(data []byte, lib *Library) (*Scenario, error) {
	var f scenarioFile
	if err := yaml.Unmarshal(data, &f); err != nil {
		return nil, fmt.Errorf("parse scenario: %w", err)
	}

	b := builder{lib: lib, targets: make(map[string]*TargetDescriptor)}
	if lib != nil {
		for name, t := range lib.Targets {
			b.targets[name] = t
		}
	}
	for name, t := range f.Targets {
		b.targets[name] = t.descriptor(name)
	}

	s := &Scenario{
		Name:   f.Name,
		Title:  f.Title,
		Intent: f.Intent,
		Vars:   make(map[string]string),
	}
	if lib != nil {
		for k, v := range lib.Vars {
			s.Vars[k] = v
		}
	}
	for k, v := range f.Vars {
		s.Vars[k] = v
	}

	actions, err := b.actions(f.Actions, 0)
	if err != nil {
		return nil, fmt.Errorf("scenario %s: %w", f.Name, err)
	}
	s.Actions = actions

	s.Assertion = Assertion{
		Text:    f.Assert.Text,
		Timeout: time.Duration(f.Assert.Timeout),
		Message: f.Assert.Message,
	}
	if f.Assert.Target != nil {
		if s.Assertion.Target, err = b.target(f.Assert.Target); err != nil {
			return nil, fmt.Errorf("scenario %s: assertion: %w", f.Name, err)
		}
	}

	if err := s.Validate(); err != nil {
		return nil, err
	}
	return s, nil
}

const maxFlowDepth = 8

type builder struct {
	lib     *Library
	targets map[string]*TargetDescriptor
}

func (b *builder) actions(items []actionFile, depth int) ([]Action, error) {
	if depth > maxFlowDepth {
		return nil, fmt.Errorf("flows nested deeper than %d (cycle?)", maxFlowDepth)
	}
	var out []Action
	for i, item := range items {
		if item.Use != "" {
			if b.lib == nil || b.lib.flows[item.Use] == nil {
				return nil, fmt.Errorf("step %d: unknown flow %q", i+1, item.Use)
			}
			expanded, err := b.actions(b.lib.flows[item.Use], depth+1)
			if err != nil {
				return nil, fmt.Errorf("flow %s: %w", item.Use, err)
			}
			out = append(out, expanded...)
			continue
		}
		a, err := b.action(item)
		if err != nil {
			return nil, fmt.Errorf("step %d: %w", i+1, err)
		}
		out = append(out, a)
	}
	return out, nil
}

func (b *builder) action(f actionFile) (Action, error) {
	var (
		a     Action
		kinds int
		err   error
	)
	if f.Navigate != "" {
		kinds++
		a = Navigate(f.Navigate)
		if f.WaitUntil != "" {
			a.WaitUntil = f.WaitUntil
		}
	}
	if f.Fill != nil {
		kinds++
		a = Action{Kind: KindFill, Text: f.Text}
		if a.Target, err = b.target(f.Fill); err != nil {
			return Action{}, err
		}
	}
	if f.Click != nil {
		kinds++
		a = Action{Kind: KindClick}
		if a.Target, err = b.target(f.Click); err != nil {
			return Action{}, err
		}
	}
	if f.WaitForLoadState != nil {
		kinds++
		a = WaitForLoadState(driver.LoadState(*f.WaitForLoadState))
	}
	if f.WaitForText != "" {
		kinds++
		a = WaitForText(f.WaitForText)
	}
	if f.Pause != 0 {
		kinds++
		a = Pause(time.Duration(f.Pause))
	}

	switch kinds {
	case 0:
		return Action{}, fmt.Errorf("action has no kind")
	case 1:
	default:
		return Action{}, fmt.Errorf("action declares %d kinds, want exactly one", kinds)
	}

	a.Timeout = time.Duration(f.Timeout)
	a.Commit = f.Commit
	a.Note = f.Note
	return a, nil
}

func (b *builder) target(ref *targetRef) (*TargetDescriptor, error) {
	if ref.Inline != nil {
		return ref.Inline.descriptor(""), nil
	}
	t, ok := b.targets[ref.Name]
	if !ok {
		return nil, fmt.Errorf("unknown target %q", ref.Name)
	}
	return &TargetDescriptor{Label: t.Label, Candidates: append([]string(nil), t.Candidates...)}, nil
}

// Marshal encodes a scenario with every target inlined and flows expanded.
func Marshal(s *Scenario) ([]byte, error) {
	f := scenarioFile{
		Name:   s.Name,
		Title:  s.Title,
		Intent: s.Intent,
		Vars:   s.Vars,
		Assert: assertionFile{
			Text:    s.Assertion.Text,
			Timeout: Duration(s.Assertion.Timeout),
			Message: s.Assertion.Message,
		},
	}
	if s.Assertion.Target != nil {
		f.Assert.Target = inline(s.Assertion.Target)
	}

	for _, a := range s.Actions {
		item := actionFile{
			Timeout: Duration(a.Timeout),
			Commit:  a.Commit,
			Note:    a.Note,
		}
		switch a.Kind {
		case KindNavigate:
			item.Navigate = a.URL
			if a.WaitUntil != WaitUntilCommit {
				item.WaitUntil = a.WaitUntil
			}
		case KindFill:
			item.Fill = inline(a.Target)
			item.Text = a.Text
		case KindClick:
			item.Click = inline(a.Target)
		case KindWaitForLoadState:
			state := string(a.State)
			item.WaitForLoadState = &state
		case KindWaitForText:
			item.WaitForText = a.Pattern
		case KindPause:
			item.Pause = Duration(a.Duration)
		}
		f.Actions = append(f.Actions, item)
	}
	return yaml.Marshal(f)
}

func inline(t *TargetDescriptor) *targetRef {
	return &targetRef{Inline: &targetFile{Label: t.Label, Candidates: t.Candidates}}
}
