package executor

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"image"
	_ "image/png"
	"sync"
	"time"

	"github.com/charmbracelet/log"

	"github.com/v0xg/flowcheck/internal/driver"
	"github.com/v0xg/flowcheck/internal/locator"
	"github.com/v0xg/flowcheck/internal/logging"
	"github.com/v0xg/flowcheck/internal/scenario"
	"github.com/v0xg/flowcheck/internal/session"
)

// DefaultPollInterval is how often wait_for_text re-checks the page.
const DefaultPollInterval = 100 * time.Millisecond

// Options configures execution behavior
type Options struct {
	// NavigationTimeout bounds navigate actions without an explicit timeout.
	// Zero falls back to the session default.
	NavigationTimeout time.Duration
	PollInterval      time.Duration
	// SettleTimeout bounds the domcontentloaded wait on every open page
	// after the first navigation of a session. Zero disables it.
	SettleTimeout time.Duration
	// Record captures a frame after every completed step.
	Record   bool
	Resolver *locator.Resolver
	Logger   *log.Logger
}

// Executor performs single actions against the session's active page.
type Executor struct {
	opts     Options
	resolver *locator.Resolver
	logger   *log.Logger

	mu     sync.Mutex
	frames []Frame
	cursor CursorPosition
}

// New creates an Executor.
func New(opts Options) *Executor {
	resolver := opts.Resolver
	if resolver == nil {
		resolver = locator.New()
	}
	if opts.PollInterval <= 0 {
		opts.PollInterval = DefaultPollInterval
	}
	return &Executor{
		opts:     opts,
		resolver: resolver,
		logger:   logging.OrDiscard(opts.Logger),
		cursor:   CursorPosition{X: -1, Y: -1, State: CursorDefault},
	}
}

// Frames returns the frames recorded so far, in capture order.
func (e *Executor) Frames() []Frame {
	e.mu.Lock()
	defer e.mu.Unlock()
	return append([]Frame(nil), e.frames...)
}

// Timeout returns the bound applied to a, resolved against the session default.
func (e *Executor) Timeout(s *session.Session, a scenario.Action) time.Duration {
	if a.Timeout > 0 {
		return a.Timeout
	}
	if a.Kind == scenario.KindNavigate && e.opts.NavigationTimeout > 0 {
		return e.opts.NavigationTimeout
	}
	return s.DefaultTimeout
}

// Execute runs one action. Waits that do not observe their condition in time
// report Ready=false without an error; every other failure is returned in
// Outcome.Err. Browser disconnects come back as *session.InfrastructureError.
func (e *Executor) Execute(ctx context.Context, s *session.Session, step int, a scenario.Action) Outcome {
	start := time.Now()
	timeout := e.Timeout(s, a)

	ready, err := e.run(ctx, s, a, timeout)
	out := Outcome{Ready: ready, Elapsed: time.Since(start)}
	if err != nil {
		out.Ready = false
		out.Err = e.classify(ctx, a, timeout, err)
		e.logger.Debug("action failed", "step", step, "action", a.String(), "err", out.Err)
		return out
	}

	e.logger.Debug("action done", "step", step, "action", a.String(), "ready", ready, "elapsed", out.Elapsed)
	if e.opts.Record {
		e.captureFrame(ctx, s.Page(), step, a)
	}
	return out
}

func (e *Executor) run(ctx context.Context, s *session.Session, a scenario.Action, timeout time.Duration) (bool, error) {
	if a.Kind == scenario.KindPause {
		return true, pause(ctx, a.Duration)
	}

	actx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	switch a.Kind {
	case scenario.KindNavigate:
		if err := s.Page().Navigate(actx, s.ResolveURL(a.URL)); err != nil {
			return false, err
		}
		s.Reanchor()
		e.settle(actx, s)
		return true, nil

	case scenario.KindFill, scenario.KindClick:
		page := s.Follow()
		el, err := e.resolver.Resolve(ctx, page, a.Target, timeout)
		if err != nil {
			return false, err
		}
		// matched by the last check after the bound expired
		ictx := actx
		if actx.Err() != nil && ctx.Err() == nil {
			var icancel context.CancelFunc
			ictx, icancel = context.WithTimeout(ctx, locator.FinalCheckTimeout)
			defer icancel()
		}
		e.moveCursor(ictx, el, a.Kind)
		if a.Kind == scenario.KindFill {
			return true, el.Fill(ictx, a.Text)
		}
		if err := el.Click(ictx); err != nil {
			return false, err
		}
		s.Follow()
		return true, nil

	case scenario.KindWaitForLoadState:
		err := s.Page().WaitLoadState(actx, a.State)
		if err == nil {
			return true, nil
		}
		if errors.Is(err, driver.ErrDisconnected) || ctx.Err() != nil {
			return false, err
		}
		e.logger.Debug("load state not reached", "state", a.State, "err", err)
		return false, nil

	case scenario.KindWaitForText:
		return e.waitForText(ctx, actx, s.Follow(), a.Pattern)

	default:
		return false, fmt.Errorf("unsupported action kind %q", a.Kind)
	}
}

func (e *Executor) waitForText(ctx, actx context.Context, page driver.Page, pattern string) (bool, error) {
	ticker := time.NewTicker(e.opts.PollInterval)
	defer ticker.Stop()
	for {
		ok, err := page.TextVisible(actx, pattern)
		if ok {
			return true, nil
		}
		if err != nil && (errors.Is(err, driver.ErrDisconnected) || ctx.Err() != nil) {
			return false, err
		}
		select {
		case <-actx.Done():
			if ctx.Err() != nil {
				return false, ctx.Err()
			}
			fctx, cancel := context.WithTimeout(ctx, locator.FinalCheckTimeout)
			ok, err := page.TextVisible(fctx, pattern)
			cancel()
			if err != nil && errors.Is(err, driver.ErrDisconnected) {
				return false, err
			}
			return ok, nil
		case <-ticker.C:
		}
	}
}

// settle waits once per session for every page to reach domcontentloaded.
// Failures are ignored.
func (e *Executor) settle(ctx context.Context, s *session.Session) {
	if e.opts.SettleTimeout <= 0 || !s.ClaimSettle() {
		return
	}

	sctx, cancel := context.WithTimeout(ctx, e.opts.SettleTimeout)
	defer cancel()
	for _, page := range s.Pages() {
		if err := page.WaitLoadState(sctx, driver.LoadStateDOMContentLoaded); err != nil {
			e.logger.Debug("page did not settle", "err", err)
		}
	}
}

func pause(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return nil
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

// classify maps raw driver errors to the engine's error taxonomy.
func (e *Executor) classify(ctx context.Context, a scenario.Action, timeout time.Duration, err error) error {
	if errors.Is(err, driver.ErrDisconnected) {
		return &session.InfrastructureError{Op: a.String(), Err: err}
	}
	// the run deadline, not the action bound, expired
	if ctxErr := ctx.Err(); ctxErr != nil {
		return ctxErr
	}
	var nf *locator.LocatorNotFoundError
	if errors.As(err, &nf) {
		return err
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return &ActionTimeoutError{Action: a.String(), Timeout: timeout, Err: err}
	}
	return fmt.Errorf("%s: %w", a.String(), err)
}

func (e *Executor) moveCursor(ctx context.Context, el driver.Element, kind scenario.Kind) {
	if !e.opts.Record {
		return
	}
	x, y, err := el.Center(ctx)
	if err != nil {
		return
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	e.cursor = CursorPosition{X: x, Y: y, State: CursorPointer, Click: kind == scenario.KindClick}
	if kind == scenario.KindFill {
		e.cursor.State = CursorText
	}
}

// captureFrame grabs a screenshot of the page after a step
func (e *Executor) captureFrame(ctx context.Context, page driver.Page, step int, a scenario.Action) {
	data, err := page.Screenshot(ctx)
	if err != nil {
		e.logger.Debug("frame capture failed", "step", step, "err", err)
		return
	}
	img, _, err := image.Decode(bytes.NewReader(data))
	if err != nil {
		e.logger.Debug("frame decode failed", "step", step, "err", err)
		return
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	e.frames = append(e.frames, Frame{Image: img, Step: step, Label: a.String(), Cursor: e.cursor})
	// a click is shown once, on the frame right after it
	e.cursor.Click = false
}
