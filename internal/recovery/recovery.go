// Package recovery runs an action sequence with bounded, resumption-aware
// retries for single-page applications that hydrate slowly.
package recovery

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/charmbracelet/log"

	"github.com/v0xg/flowcheck/internal/executor"
	"github.com/v0xg/flowcheck/internal/logging"
	"github.com/v0xg/flowcheck/internal/scenario"
	"github.com/v0xg/flowcheck/internal/session"
)

// Tactic is one way of getting a stalled page back to a usable state.
type Tactic string

const (
	// TacticReload re-navigates to the anchor, or to the active page URL
	// before any anchor is known.
	TacticReload Tactic = "reload"
	// TacticReenter goes through the entry route, then back to the anchor.
	TacticReenter Tactic = "reenter"
	// TacticFreshTab opens a new tab in the same context on the anchor.
	TacticFreshTab Tactic = "fresh_tab"
)

// DefaultTactics is the order tactics are tried in, cycling.
var DefaultTactics = []Tactic{TacticReload, TacticReenter, TacticFreshTab}

const (
	DefaultBudget     = 3
	DefaultEntryRoute = "/"
)

// ParseTactic validates a tactic name.
func ParseTactic(name string) (Tactic, error) {
	switch t := Tactic(strings.ToLower(strings.TrimSpace(name))); t {
	case TacticReload, TacticReenter, TacticFreshTab:
		return t, nil
	default:
		return "", fmt.Errorf("unknown recovery tactic %q", name)
	}
}

// StallError reports that a wait never observed its condition, even after
// the recovery budget was spent.
type StallError struct {
	Step     int
	Action   string
	Attempts int
	// Last observed UI state.
	URL   string
	Title string
	Text  string
}

func (e *StallError) Error() string {
	msg := fmt.Sprintf("stalled at step %d (%s) after %d recovery attempts", e.Step+1, e.Action, e.Attempts)
	if e.URL != "" {
		msg += fmt.Sprintf("; page %s", e.URL)
	}
	if e.Title != "" {
		msg += fmt.Sprintf(" %q", e.Title)
	}
	return msg
}

// Attempt records one applied tactic.
type Attempt struct {
	Tactic Tactic
	// Step is the index of the action that stalled or failed.
	Step     int
	Reason   string
	ResumeAt int
	Err      error
}

// Progress describes how far a run got.
type Progress struct {
	// Next is the first step that has not completed.
	Next int
	// Floor is the index after the last completed commit step.
	Floor     int
	AnchorURL string
	// LastCompleted is the index of the last completed step, -1 if none.
	LastCompleted int
	Attempts      []Attempt
}

// Options configures the controller.
type Options struct {
	Budget     int
	Tactics    []Tactic
	EntryRoute string
	Logger     *log.Logger
}

// Controller executes actions linearly and applies tactics when progress
// stalls. It keeps no per-run state and may be shared between runs.
type Controller struct {
	exec   *executor.Executor
	opts   Options
	logger *log.Logger
}

// New creates a Controller driving actions through exec.
func New(exec *executor.Executor, opts Options) *Controller {
	if opts.Budget < 0 {
		opts.Budget = 0
	}
	if len(opts.Tactics) == 0 {
		opts.Tactics = DefaultTactics
	}
	if opts.EntryRoute == "" {
		opts.EntryRoute = DefaultEntryRoute
	}
	return &Controller{exec: exec, opts: opts, logger: logging.OrDiscard(opts.Logger)}
}

// Budget returns the number of recovery attempts allowed per run.
func (c *Controller) Budget() int {
	return c.opts.Budget
}

// Run executes actions in order. Steps before the last completed commit
// step are never executed again. Infrastructure errors and ctx expiry are
// returned immediately.
func (c *Controller) Run(ctx context.Context, s *session.Session, actions []scenario.Action) (Progress, error) {
	p := Progress{LastCompleted: -1}

	for p.Next < len(actions) {
		a := actions[p.Next]
		out := c.exec.Execute(ctx, s, p.Next, a)

		if out.Err == nil && (out.Ready || a.Kind != scenario.KindWaitForText) {
			if !out.Ready {
				c.logger.Debug("continuing without load state", "step", p.Next+1, "action", a.String())
			}
			c.complete(ctx, s, &p, a)
			continue
		}

		if out.Err != nil && (session.IsInfrastructure(out.Err) || ctx.Err() != nil) {
			return p, out.Err
		}

		reason := "not ready"
		if out.Err != nil {
			reason = out.Err.Error()
		}
		c.logger.Warn("progress stalled", "step", p.Next+1, "action", a.String(), "reason", reason)

		if len(p.Attempts) >= c.opts.Budget {
			if out.Err != nil {
				return p, out.Err
			}
			return p, c.stall(ctx, s, p, a)
		}

		tactic := c.opts.Tactics[len(p.Attempts)%len(c.opts.Tactics)]
		resume := ReplayPoint(actions, p.Next, p.Floor)
		attempt := Attempt{Tactic: tactic, Step: p.Next, Reason: reason, ResumeAt: resume}
		attempt.Err = c.apply(ctx, s, tactic, p.Next, p.AnchorURL)
		p.Attempts = append(p.Attempts, attempt)

		if attempt.Err != nil {
			if session.IsInfrastructure(attempt.Err) || ctx.Err() != nil {
				return p, attempt.Err
			}
			c.logger.Warn("recovery tactic failed", "tactic", tactic, "err", attempt.Err)
		}
		c.logger.Info("recovering", "tactic", tactic, "attempt", len(p.Attempts), "budget", c.opts.Budget, "resume", resume+1)
		p.Next = resume
	}
	return p, nil
}

func (c *Controller) complete(ctx context.Context, s *session.Session, p *Progress, a scenario.Action) {
	if a.Kind == scenario.KindNavigate {
		p.AnchorURL = s.ResolveURL(a.URL)
	}
	if a.Commit {
		p.Floor = p.Next + 1
		if u, err := s.Page().URL(ctx); err == nil && isPageURL(u) {
			p.AnchorURL = u
		}
	}
	p.LastCompleted = p.Next
	p.Next++
}

// ReplayPoint returns where execution resumes after a tactic re-navigated
// the page: just after the last navigate before next, never before floor.
func ReplayPoint(actions []scenario.Action, next, floor int) int {
	resume := 0
	for i := next - 1; i >= 0; i-- {
		if actions[i].Kind == scenario.KindNavigate {
			resume = i + 1
			break
		}
	}
	if resume < floor {
		resume = floor
	}
	if resume > next {
		resume = next
	}
	return resume
}

func (c *Controller) apply(ctx context.Context, s *session.Session, tactic Tactic, step int, anchor string) error {
	target := anchor
	if target == "" {
		target = s.ResolveURL(c.opts.EntryRoute)
	}

	switch tactic {
	case TacticReload:
		// replay resumes after the anchor, so a client-side route change
		// since then must not decide where the page reloads
		if anchor == "" {
			if u, err := s.Page().URL(ctx); err == nil && isPageURL(u) {
				target = u
			}
		}
		return c.navigate(ctx, s, step, target)

	case TacticReenter:
		if err := c.navigate(ctx, s, step, s.ResolveURL(c.opts.EntryRoute)); err != nil {
			return err
		}
		if anchor == "" {
			return nil
		}
		return c.navigate(ctx, s, step, anchor)

	case TacticFreshTab:
		if _, err := s.OpenTab(ctx); err != nil {
			return fmt.Errorf("open tab: %w", err)
		}
		return c.navigate(ctx, s, step, target)

	default:
		return fmt.Errorf("unknown recovery tactic %q", tactic)
	}
}

func (c *Controller) navigate(ctx context.Context, s *session.Session, step int, url string) error {
	return c.exec.Execute(ctx, s, step, scenario.Navigate(url)).Err
}

func (c *Controller) stall(ctx context.Context, s *session.Session, p Progress, a scenario.Action) error {
	e := &StallError{Step: p.Next, Action: a.String(), Attempts: len(p.Attempts)}
	page := s.Page()
	e.URL, _ = page.URL(ctx)
	e.Title, _ = page.Title(ctx)
	if text, err := page.VisibleText(ctx); err == nil {
		e.Text = excerpt(text, 280)
	}
	return e
}

// IsStall reports whether err is a StallError.
func IsStall(err error) bool {
	var stall *StallError
	return errors.As(err, &stall)
}

func isPageURL(u string) bool {
	return u != "" && u != "about:blank"
}

func excerpt(s string, n int) string {
	r := []rune(strings.Join(strings.Fields(s), " "))
	if len(r) <= n {
		return string(r)
	}
	return string(r[:n]) + "..."
}
