// Package assertion checks the terminal condition of a scenario.
package assertion

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/v0xg/flowcheck/internal/driver"
	"github.com/v0xg/flowcheck/internal/locator"
	"github.com/v0xg/flowcheck/internal/scenario"
)

const (
	DefaultTimeout      = 3 * time.Second
	DefaultPollInterval = 100 * time.Millisecond
)

// Failure is a definitive assertion failure carrying the rendered message.
type Failure struct {
	Expected string
	Message  string
	Timeout  time.Duration
}

func (f *Failure) Error() string {
	return f.Message
}

// Verdict is the outcome of one verification.
type Verdict struct {
	Passed   bool
	Expected string
	Message  string
	Timeout  time.Duration
	Elapsed  time.Duration
}

// Engine polls for an assertion's signal.
type Engine struct {
	Timeout      time.Duration
	PollInterval time.Duration
	Resolver     *locator.Resolver
}

// New returns an engine with default timeout and poll interval.
func New() *Engine {
	return &Engine{Timeout: DefaultTimeout, PollInterval: DefaultPollInterval, Resolver: locator.New()}
}

// Verify waits for the assertion's text or target to become visible. It
// does not retry beyond the timeout. A non-nil error means the page could
// not be inspected at all (disconnect or ctx expiry).
func (e *Engine) Verify(ctx context.Context, page driver.Page, a scenario.Assertion, data scenario.MessageData) (Verdict, error) {
	start := time.Now()
	timeout := a.Timeout
	if timeout <= 0 {
		timeout = e.Timeout
	}
	if timeout <= 0 {
		timeout = DefaultTimeout
	}

	visible, err := e.poll(ctx, page, a, timeout)
	v := Verdict{Passed: visible, Expected: a.Expected(), Timeout: timeout, Elapsed: time.Since(start)}
	if err != nil {
		return v, err
	}
	if visible {
		return v, nil
	}

	data.Expected = v.Expected
	msg, err := a.RenderMessage(data)
	if err != nil {
		msg = fmt.Sprintf("expected %s to become visible (message: %v)", data.Expected, err)
	}
	v.Message = msg
	return v, nil
}

// Err returns a *Failure for a failed verdict, nil otherwise.
func (v Verdict) Err() error {
	if v.Passed {
		return nil
	}
	return &Failure{Expected: v.Expected, Message: v.Message, Timeout: v.Timeout}
}

func (e *Engine) poll(ctx context.Context, page driver.Page, a scenario.Assertion, timeout time.Duration) (bool, error) {
	actx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	if a.Target != nil {
		resolver := e.Resolver
		if resolver == nil {
			resolver = locator.New()
		}
		_, err := resolver.Resolve(ctx, page, a.Target, timeout)
		if err == nil {
			return true, nil
		}
		return false, fatal(ctx, err)
	}

	interval := e.PollInterval
	if interval <= 0 {
		interval = DefaultPollInterval
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		ok, err := page.TextVisible(actx, a.Text)
		if ok {
			return true, nil
		}
		if err != nil {
			if ferr := fatal(ctx, err); ferr != nil {
				return false, ferr
			}
		}
		select {
		case <-actx.Done():
			if ctx.Err() != nil {
				return false, ctx.Err()
			}
			return finalText(ctx, page, a.Text)
		case <-ticker.C:
		}
	}
}

// finalText checks once more after the timeout expired.
func finalText(ctx context.Context, page driver.Page, text string) (bool, error) {
	fctx, cancel := context.WithTimeout(ctx, locator.FinalCheckTimeout)
	defer cancel()
	ok, err := page.TextVisible(fctx, text)
	if ok {
		return true, nil
	}
	if err != nil {
		return false, fatal(ctx, err)
	}
	return false, nil
}

// fatal keeps only errors that make the verdict meaningless.
func fatal(ctx context.Context, err error) error {
	if errors.Is(err, driver.ErrDisconnected) {
		return err
	}
	return ctx.Err()
}
