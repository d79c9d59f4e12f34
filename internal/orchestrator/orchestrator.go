// Package orchestrator drives one scenario through its lifecycle and turns
// the outcome into a RunResult.
package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/charmbracelet/log"
	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"github.com/v0xg/flowcheck/internal/assertion"
	"github.com/v0xg/flowcheck/internal/diagnostics"
	"github.com/v0xg/flowcheck/internal/driver"
	"github.com/v0xg/flowcheck/internal/executor"
	"github.com/v0xg/flowcheck/internal/locator"
	"github.com/v0xg/flowcheck/internal/logging"
	"github.com/v0xg/flowcheck/internal/recovery"
	"github.com/v0xg/flowcheck/internal/scenario"
	"github.com/v0xg/flowcheck/internal/session"
)

// ErrDeadlineExceeded means the scenario-level deadline expired.
var ErrDeadlineExceeded = errors.New("scenario deadline exceeded")

// Status is the final verdict of a run.
type Status string

const (
	StatusPassed  Status = "passed"
	StatusFailed  Status = "failed"
	StatusErrored Status = "errored"
)

// State is a lifecycle state of a run.
type State string

const (
	StateInitializing State = "initializing"
	StateRunning      State = "running"
	StateAsserting    State = "asserting"
	StateCompleted    State = "completed"
	StateAborted      State = "aborted"
)

// captureTimeout bounds observation and diagnostics after the run ended. It
// never extends past the run deadline.
const captureTimeout = 10 * time.Second

// RunResult is the outcome of one scenario run.
type RunResult struct {
	RunID    string
	Scenario string
	Status   Status
	Message  string
	Err      error
	Elapsed  time.Duration
	// States lists every state entered, in order.
	States     []State
	Steps      int
	Completed  int
	Attempts   []recovery.Attempt
	FinalState diagnostics.PageState
	Diagnostic *diagnostics.Snapshot
}

// Options configures runs.
type Options struct {
	Session           session.Config
	NavigationTimeout time.Duration
	AssertTimeout     time.Duration
	SettleTimeout     time.Duration
	RecoveryBudget    int
	Tactics           []recovery.Tactic
	EntryRoute        string
	// Deadline overrides the derived scenario deadline when positive.
	Deadline time.Duration
	// PollInterval overrides locator, wait and assertion polling.
	PollInterval time.Duration
	// Record captures a frame per step for the replay GIF.
	Record bool
	// Diagnostics, when set, captures failed and errored runs.
	Diagnostics *diagnostics.Recorder
	Logger      *log.Logger
}

// Orchestrator runs scenarios against sessions from one Manager.
type Orchestrator struct {
	manager *session.Manager
	opts    Options
	logger  *log.Logger
}

// New creates an Orchestrator.
func New(manager *session.Manager, opts Options) *Orchestrator {
	if opts.AssertTimeout <= 0 {
		opts.AssertTimeout = assertion.DefaultTimeout
	}
	return &Orchestrator{manager: manager, opts: opts, logger: logging.OrDiscard(opts.Logger)}
}

// Deadline returns the total time a scenario may take: every step may run
// once per attempt, each attempt may navigate twice, and the assertion runs
// once.
func (o *Orchestrator) Deadline(sc *scenario.Scenario) time.Duration {
	if o.opts.Deadline > 0 {
		return o.opts.Deadline
	}
	def := o.opts.Session.DefaultTimeout
	nav := o.opts.NavigationTimeout
	if nav <= 0 {
		nav = def
	}
	budget := time.Duration(o.opts.RecoveryBudget)
	assertTimeout := sc.Assertion.Timeout
	if assertTimeout <= 0 {
		assertTimeout = o.opts.AssertTimeout
	}
	return (budget+1)*sc.StepTimeouts(def, nav) + budget*2*nav + o.opts.SettleTimeout + assertTimeout
}

type run struct {
	res    RunResult
	logger *log.Logger
}

func (r *run) enter(s State) {
	from := StateInitializing
	if n := len(r.res.States); n > 0 {
		from = r.res.States[n-1]
	}
	r.res.States = append(r.res.States, s)
	r.logger.Debug("transition", "from", from, "to", s)
}

// Run executes one scenario. It never panics on scenario errors; every
// failure is reported through the RunResult. The session is released before
// Run returns.
func (o *Orchestrator) Run(ctx context.Context, sc *scenario.Scenario) RunResult {
	start := time.Now()
	runID := uuid.NewString()
	r := &run{
		res:    RunResult{RunID: runID, Scenario: sc.Name},
		logger: o.logger.With("scenario", sc.Name, "run", runID[:8]),
	}
	r.enter(StateInitializing)

	expanded, err := sc.Expand()
	if err == nil {
		err = expanded.Validate()
	}
	if err != nil {
		return o.abort(r, fmt.Errorf("invalid scenario: %w", err), start)
	}
	r.res.Steps = len(expanded.Actions)

	deadline := o.Deadline(expanded)
	ctx, cancel := context.WithTimeoutCause(ctx, deadline, ErrDeadlineExceeded)
	defer cancel()

	sess, err := o.manager.Acquire(ctx, o.opts.Session)
	if err != nil {
		return o.abort(r, o.cause(ctx, err), start)
	}
	r.logger.Debug("session ready", "session", sess.ID, "deadline", deadline)

	exec := executor.New(executor.Options{
		NavigationTimeout: o.opts.NavigationTimeout,
		PollInterval:      o.opts.PollInterval,
		SettleTimeout:     o.opts.SettleTimeout,
		Record:            o.opts.Record,
		Resolver:          o.resolver(),
		Logger:            r.logger,
	})
	ctrl := recovery.New(exec, recovery.Options{
		Budget:     o.opts.RecoveryBudget,
		Tactics:    o.opts.Tactics,
		EntryRoute: o.opts.EntryRoute,
		Logger:     r.logger,
	})

	r.enter(StateRunning)
	progress, err := ctrl.Run(ctx, sess, expanded.Actions)
	r.res.Completed = progress.Next
	r.res.Attempts = progress.Attempts

	switch {
	case err != nil && recovery.IsStall(err):
		r.res.Status = StatusFailed
		r.res.Err = err
		r.res.Message = fmt.Sprintf("%s: %v", describe(expanded), err)
		r.enter(StateCompleted)

	case err != nil:
		r.res.Status = StatusErrored
		r.res.Err = o.cause(ctx, err)
		r.res.Message = r.res.Err.Error()
		r.enter(StateAborted)

	default:
		r.enter(StateAsserting)
		o.assert(ctx, r, sess, expanded, progress)
	}

	return o.finish(ctx, r, sess, exec, start)
}

func (o *Orchestrator) assert(ctx context.Context, r *run, sess *session.Session, sc *scenario.Scenario, p recovery.Progress) {
	engine := &assertion.Engine{
		Timeout:      o.opts.AssertTimeout,
		PollInterval: o.opts.PollInterval,
		Resolver:     o.resolver(),
	}
	data := scenario.MessageData{
		Scenario:   describe(sc),
		Intent:     sc.Intent,
		LastAction: lastAction(sc, p.LastCompleted),
		Vars:       sc.Vars,
	}

	verdict, err := engine.Verify(ctx, sess.Page(), sc.Assertion, data)
	switch {
	case err != nil:
		if errors.Is(err, driver.ErrDisconnected) {
			err = &session.InfrastructureError{Op: "verify assertion", Err: err}
		}
		r.res.Status = StatusErrored
		r.res.Err = o.cause(ctx, err)
		r.res.Message = r.res.Err.Error()
		r.enter(StateAborted)
	case verdict.Passed:
		r.res.Status = StatusPassed
		r.enter(StateCompleted)
	default:
		r.res.Status = StatusFailed
		r.res.Err = verdict.Err()
		r.res.Message = verdict.Message
		r.enter(StateCompleted)
	}
}

// finish observes the final state, captures diagnostics for unsuccessful
// runs and releases the session. Page reads share what is left of the run
// deadline; once it passed, or the browser is gone, only the result file is
// written.
func (o *Orchestrator) finish(ctx context.Context, r *run, sess *session.Session, exec *executor.Executor, start time.Time) RunResult {
	if r.res.Status != StatusPassed {
		page := sess.Page()
		budget := captureTimeout
		if dl, ok := ctx.Deadline(); ok {
			budget = min(budget, time.Until(dl))
		}
		if budget <= 0 || ctx.Err() != nil || session.IsInfrastructure(r.res.Err) {
			page = nil
			budget = 0
		}
		cctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), budget)
		defer cancel()

		if page != nil {
			r.res.FinalState = diagnostics.Observe(cctx, page)
		}
		if o.opts.Diagnostics != nil {
			r.res.Elapsed = time.Since(start)
			snap, err := o.opts.Diagnostics.Capture(cctx, page, summary(r.res), exec.Frames())
			if err != nil {
				r.logger.Warn("diagnostics incomplete", "err", err)
			}
			r.res.Diagnostic = snap
		}
	}

	if err := sess.Release(); err != nil {
		r.logger.Warn("release failed", "err", err)
	}
	r.res.Elapsed = time.Since(start)
	r.logger.Info("run finished", "status", r.res.Status, "elapsed", r.res.Elapsed.Round(time.Millisecond), "attempts", len(r.res.Attempts))
	return r.res
}

func (o *Orchestrator) abort(r *run, err error, start time.Time) RunResult {
	r.res.Status = StatusErrored
	r.res.Err = err
	r.res.Message = err.Error()
	r.enter(StateAborted)
	if o.opts.Diagnostics != nil {
		r.res.Elapsed = time.Since(start)
		snap, cerr := o.opts.Diagnostics.Capture(context.Background(), nil, summary(r.res), nil)
		if cerr != nil {
			r.logger.Warn("diagnostics incomplete", "err", cerr)
		}
		r.res.Diagnostic = snap
	}
	r.res.Elapsed = time.Since(start)
	r.logger.Info("run finished", "status", r.res.Status, "err", err)
	return r.res
}

// cause replaces ctx errors caused by the scenario deadline with
// ErrDeadlineExceeded.
func (o *Orchestrator) cause(ctx context.Context, err error) error {
	if ctx.Err() != nil && errors.Is(context.Cause(ctx), ErrDeadlineExceeded) {
		return fmt.Errorf("%w: %v", ErrDeadlineExceeded, err)
	}
	return err
}

func (o *Orchestrator) resolver() *locator.Resolver {
	if o.opts.PollInterval > 0 {
		return &locator.Resolver{PollInterval: o.opts.PollInterval}
	}
	return locator.New()
}

// RunAll runs scenarios with at most parallel concurrent sessions. Results
// keep the order of scenarios.
func (o *Orchestrator) RunAll(ctx context.Context, scenarios []*scenario.Scenario, parallel int) []RunResult {
	if parallel < 1 {
		parallel = 1
	}
	results := make([]RunResult, len(scenarios))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(parallel)
	for i, sc := range scenarios {
		i, sc := i, sc
		g.Go(func() error {
			results[i] = o.Run(gctx, sc)
			return nil
		})
	}
	_ = g.Wait()
	return results
}

// ExitCode maps results to the process exit code: 2 if any run errored,
// 1 if any failed, 0 otherwise.
func ExitCode(results ...RunResult) int {
	code := 0
	for _, r := range results {
		switch r.Status {
		case StatusErrored:
			return 2
		case StatusFailed:
			code = 1
		}
	}
	return code
}

func describe(sc *scenario.Scenario) string {
	if sc.Title != "" {
		return sc.Title
	}
	return sc.Name
}

func lastAction(sc *scenario.Scenario, idx int) string {
	if idx < 0 || idx >= len(sc.Actions) {
		return "start"
	}
	a := sc.Actions[idx]
	if a.Note != "" {
		return a.Note
	}
	return a.String()
}

func summary(res RunResult) diagnostics.Summary {
	sum := diagnostics.Summary{
		RunID:      res.RunID,
		Scenario:   res.Scenario,
		Status:     string(res.Status),
		Message:    res.Message,
		Steps:      res.Steps,
		Completed:  res.Completed,
		Elapsed:    res.Elapsed,
		FinalState: res.FinalState,
	}
	if res.Err != nil {
		sum.Error = res.Err.Error()
	}
	for _, a := range res.Attempts {
		at := diagnostics.Attempt{Tactic: string(a.Tactic), Step: a.Step + 1, Reason: a.Reason, Resume: a.ResumeAt + 1}
		if a.Err != nil {
			at.Error = a.Err.Error()
		}
		sum.Attempts = append(sum.Attempts, at)
	}
	return sum
}
