// Package scenario holds the declarative model of an end-to-end UI flow:
// target descriptors, actions and the terminal assertion.
package scenario

import (
	"bytes"
	"fmt"
	"strings"
	"text/template"
	"time"

	"github.com/v0xg/flowcheck/internal/driver"
)

// TargetDescriptor is a resilient reference to a UI element. Candidates are
// tried in order and the first visible match wins.
type TargetDescriptor struct {
	Label      string
	Candidates []string
}

// Target builds a descriptor.
func Target(label string, candidates ...string) *TargetDescriptor {
	return &TargetDescriptor{Label: label, Candidates: candidates}
}

// Validate checks that at least one well-formed candidate is present.
func (t *TargetDescriptor) Validate() error {
	if t == nil {
		return fmt.Errorf("target is required")
	}
	if len(t.Candidates) == 0 {
		return fmt.Errorf("target %q: at least one candidate is required", t.Label)
	}
	for _, c := range t.Candidates {
		if _, err := driver.ParseSelector(c); err != nil {
			return fmt.Errorf("target %q: %w", t.Label, err)
		}
	}
	return nil
}

// Selectors parses the candidates in order.
func (t *TargetDescriptor) Selectors() ([]driver.Selector, error) {
	out := make([]driver.Selector, 0, len(t.Candidates))
	for _, c := range t.Candidates {
		sel, err := driver.ParseSelector(c)
		if err != nil {
			return nil, fmt.Errorf("target %q: %w", t.Label, err)
		}
		out = append(out, sel)
	}
	return out, nil
}

// Name returns the label, or the first candidate when unlabeled.
func (t *TargetDescriptor) Name() string {
	if t.Label != "" {
		return t.Label
	}
	if len(t.Candidates) > 0 {
		return t.Candidates[0]
	}
	return "<empty target>"
}

// Kind tags the Action variant.
type Kind string

const (
	KindNavigate         Kind = "navigate"
	KindFill             Kind = "fill"
	KindClick            Kind = "click"
	KindWaitForLoadState Kind = "wait_for_load_state"
	KindWaitForText      Kind = "wait_for_text"
	KindPause            Kind = "pause"
)

// WaitUntilCommit is the only navigation wait condition the engine honors.
const WaitUntilCommit = "commit"

// Action is one UI step. Only the fields of its Kind are meaningful.
type Action struct {
	Kind Kind

	URL       string
	WaitUntil string

	Target *TargetDescriptor
	Text   string

	State   driver.LoadState
	Pattern string

	Duration time.Duration

	// Timeout bounds the whole action; zero inherits the session default.
	Timeout time.Duration
	// Commit marks a point of no return: once completed, recovery never
	// replays this step or anything before it.
	Commit bool
	Note   string
}

func Navigate(url string) Action {
	return Action{Kind: KindNavigate, URL: url, WaitUntil: WaitUntilCommit}
}

func Fill(target *TargetDescriptor, text string) Action {
	return Action{Kind: KindFill, Target: target, Text: text}
}

func Click(target *TargetDescriptor) Action {
	return Action{Kind: KindClick, Target: target}
}

func WaitForLoadState(state driver.LoadState) Action {
	return Action{Kind: KindWaitForLoadState, State: state}
}

func WaitForText(pattern string) Action {
	return Action{Kind: KindWaitForText, Pattern: pattern}
}

func Pause(d time.Duration) Action {
	return Action{Kind: KindPause, Duration: d}
}

// WithTimeout returns a copy with an explicit timeout.
func (a Action) WithTimeout(d time.Duration) Action {
	a.Timeout = d
	return a
}

// Committing returns a copy marked as a point of no return.
func (a Action) Committing() Action {
	a.Commit = true
	return a
}

// Interactive reports whether the action resolves and operates on an element.
func (a Action) Interactive() bool {
	return a.Kind == KindFill || a.Kind == KindClick
}

// Validate checks the fields required by the action kind.
func (a Action) Validate() error {
	if a.Timeout < 0 {
		return fmt.Errorf("%s: negative timeout", a.Kind)
	}
	switch a.Kind {
	case KindNavigate:
		if a.URL == "" {
			return fmt.Errorf("navigate: url is required")
		}
		if a.WaitUntil != "" && a.WaitUntil != WaitUntilCommit {
			return fmt.Errorf("navigate: unsupported wait condition %q (only %q)", a.WaitUntil, WaitUntilCommit)
		}
	case KindFill:
		if err := a.Target.Validate(); err != nil {
			return fmt.Errorf("fill: %w", err)
		}
	case KindClick:
		if err := a.Target.Validate(); err != nil {
			return fmt.Errorf("click: %w", err)
		}
	case KindWaitForLoadState:
		switch a.State {
		case "", driver.LoadStateDOMContentLoaded, driver.LoadStateLoad, driver.LoadStateNetworkIdle:
		default:
			return fmt.Errorf("wait_for_load_state: unknown state %q", a.State)
		}
	case KindWaitForText:
		if a.Pattern == "" {
			return fmt.Errorf("wait_for_text: pattern is required")
		}
	case KindPause:
		if a.Duration <= 0 {
			return fmt.Errorf("pause: duration must be positive")
		}
	default:
		return fmt.Errorf("unknown action kind %q", a.Kind)
	}
	return nil
}

// String renders a short human description used in logs and messages.
func (a Action) String() string {
	switch a.Kind {
	case KindNavigate:
		return "navigate to " + a.URL
	case KindFill:
		return fmt.Sprintf("fill %s with %q", a.Target.Name(), a.Text)
	case KindClick:
		return "click " + a.Target.Name()
	case KindWaitForLoadState:
		state := a.State
		if state == "" {
			state = driver.LoadStateDOMContentLoaded
		}
		return "wait for " + string(state)
	case KindWaitForText:
		return fmt.Sprintf("wait for text %q", a.Pattern)
	case KindPause:
		return "pause " + a.Duration.String()
	default:
		return string(a.Kind)
	}
}

// Assertion is the terminal pass/fail condition.
type Assertion struct {
	Text    string
	Target  *TargetDescriptor
	Timeout time.Duration
	// Message is a text/template rendered with MessageData on failure.
	Message string
}

// DefaultMessage is used when an assertion carries no authored message.
const DefaultMessage = `expected {{.Expected}} to become visible after {{.LastAction}}{{if .Intent}} ({{.Intent}}){{end}}`

// Expected names the UI signal the assertion waits for.
func (a Assertion) Expected() string {
	if a.Target != nil {
		return a.Target.Name()
	}
	return fmt.Sprintf("%q", a.Text)
}

// Validate checks that exactly one signal is set and the message parses.
func (a Assertion) Validate() error {
	switch {
	case a.Text == "" && a.Target == nil:
		return fmt.Errorf("assertion: text or target is required")
	case a.Text != "" && a.Target != nil:
		return fmt.Errorf("assertion: text and target are mutually exclusive")
	}
	if a.Target != nil {
		if err := a.Target.Validate(); err != nil {
			return fmt.Errorf("assertion: %w", err)
		}
	}
	if a.Timeout < 0 {
		return fmt.Errorf("assertion: negative timeout")
	}
	if _, err := parseTemplate(a.message()); err != nil {
		return fmt.Errorf("assertion: message: %w", err)
	}
	return nil
}

func (a Assertion) message() string {
	if strings.TrimSpace(a.Message) == "" {
		return DefaultMessage
	}
	return a.Message
}

// MessageData is the template context of an assertion message.
type MessageData struct {
	Expected   string
	Scenario   string
	Intent     string
	LastAction string
	Vars       map[string]string
}

// RenderMessage renders the failure message.
func (a Assertion) RenderMessage(data MessageData) (string, error) {
	tmpl, err := parseTemplate(a.message())
	if err != nil {
		return "", err
	}
	var buf bytes.Buffer
	if err := tmpl.Execute(&buf, data); err != nil {
		return "", err
	}
	return buf.String(), nil
}

// Scenario is an ordered action sequence terminated by one assertion.
type Scenario struct {
	Name   string
	Title  string
	Intent string
	Vars   map[string]string

	Actions   []Action
	Assertion Assertion
}

// Validate checks that the scenario has actions and a well-formed assertion.
func (s *Scenario) Validate() error {
	if s == nil {
		return fmt.Errorf("scenario is nil")
	}
	if s.Name == "" {
		return fmt.Errorf("scenario name is required")
	}
	if len(s.Actions) == 0 {
		return fmt.Errorf("scenario %s: at least one action is required", s.Name)
	}
	for i, a := range s.Actions {
		if err := a.Validate(); err != nil {
			return fmt.Errorf("scenario %s: step %d: %w", s.Name, i+1, err)
		}
	}
	if err := s.Assertion.Validate(); err != nil {
		return fmt.Errorf("scenario %s: %w", s.Name, err)
	}
	return nil
}

// Expand returns a deep copy with {{.Vars.x}} references substituted in
// URLs, fill texts, wait patterns and the assertion text. The message stays a
// template; it is rendered with the same vars on failure.
func (s *Scenario) Expand() (*Scenario, error) {
	data := struct{ Vars map[string]string }{Vars: s.Vars}
	sub := func(field, in string) (string, error) {
		if !strings.Contains(in, "{{") {
			return in, nil
		}
		tmpl, err := parseTemplate(in)
		if err != nil {
			return "", fmt.Errorf("%s: %w", field, err)
		}
		var buf bytes.Buffer
		if err := tmpl.Execute(&buf, data); err != nil {
			return "", fmt.Errorf("%s: %w", field, err)
		}
		return buf.String(), nil
	}

	out := &Scenario{
		Name:      s.Name,
		Title:     s.Title,
		Intent:    s.Intent,
		Vars:      make(map[string]string, len(s.Vars)),
		Actions:   make([]Action, len(s.Actions)),
		Assertion: s.Assertion,
	}
	for k, v := range s.Vars {
		out.Vars[k] = v
	}

	var err error
	for i, a := range s.Actions {
		if a.Target != nil {
			a.Target = &TargetDescriptor{
				Label:      a.Target.Label,
				Candidates: append([]string(nil), a.Target.Candidates...),
			}
		}
		if a.URL, err = sub(fmt.Sprintf("step %d url", i+1), a.URL); err != nil {
			return nil, err
		}
		if a.Text, err = sub(fmt.Sprintf("step %d text", i+1), a.Text); err != nil {
			return nil, err
		}
		if a.Pattern, err = sub(fmt.Sprintf("step %d pattern", i+1), a.Pattern); err != nil {
			return nil, err
		}
		out.Actions[i] = a
	}
	if out.Assertion.Text, err = sub("assertion text", s.Assertion.Text); err != nil {
		return nil, err
	}
	if s.Assertion.Target != nil {
		out.Assertion.Target = &TargetDescriptor{
			Label:      s.Assertion.Target.Label,
			Candidates: append([]string(nil), s.Assertion.Target.Candidates...),
		}
	}
	return out, nil
}

// StepTimeouts sums each action's bound. Inherited timeouts use nav for
// navigations (def when nav is zero) and def otherwise; pauses count their
// duration.
func (s *Scenario) StepTimeouts(def, nav time.Duration) time.Duration {
	if nav <= 0 {
		nav = def
	}
	var total time.Duration
	for _, a := range s.Actions {
		switch {
		case a.Kind == KindPause:
			total += a.Duration
		case a.Timeout > 0:
			total += a.Timeout
		case a.Kind == KindNavigate:
			total += nav
		default:
			total += def
		}
	}
	return total
}

func parseTemplate(text string) (*template.Template, error) {
	return template.New("").Option("missingkey=error").Parse(text)
}
