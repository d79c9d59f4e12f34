// Package locator resolves target descriptors to live elements.
package locator

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/v0xg/flowcheck/internal/driver"
	"github.com/v0xg/flowcheck/internal/scenario"
)

const (
	// DefaultPollInterval is the delay between resolution sweeps.
	DefaultPollInterval = 100 * time.Millisecond
	// FinalCheckTimeout bounds the last check a wait makes once its timeout
	// expired, so a condition met between two polls still counts.
	FinalCheckTimeout = 250 * time.Millisecond
)

// LocatorNotFoundError reports that no candidate matched within the budget.
type LocatorNotFoundError struct {
	Label      string
	Candidates []string
	Timeout    time.Duration
	// LastErr is the last non-ErrNoMatch error seen while querying, if any.
	LastErr error
}

func (e *LocatorNotFoundError) Error() string {
	msg := fmt.Sprintf("locator %q not found within %s (tried %s)", e.Label, e.Timeout, strings.Join(e.Candidates, ", "))
	if e.LastErr != nil {
		msg += ": " + e.LastErr.Error()
	}
	return msg
}

func (e *LocatorNotFoundError) Unwrap() error {
	return e.LastErr
}

// Resolver tries descriptor candidates in order until one matches.
type Resolver struct {
	PollInterval time.Duration
}

// New returns a resolver with the default poll interval.
func New() *Resolver {
	return &Resolver{PollInterval: DefaultPollInterval}
}

// Resolve returns the element of the first candidate that currently matches
// an attached, visible element. It sweeps all candidates, in order, until
// timeout elapses or ctx is done, with one last sweep at the timeout while
// ctx is still live. Nothing is cached between calls.
func (r *Resolver) Resolve(ctx context.Context, page driver.Page, target *scenario.TargetDescriptor, timeout time.Duration) (driver.Element, error) {
	if err := target.Validate(); err != nil {
		return nil, err
	}
	selectors, err := target.Selectors()
	if err != nil {
		return nil, err
	}

	parent := ctx
	if timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}

	interval := r.PollInterval
	if interval <= 0 {
		interval = DefaultPollInterval
	}

	var lastErr error
	for {
		el, err := sweep(ctx, page, selectors, &lastErr)
		if el != nil || err != nil {
			return el, err
		}

		timer := time.NewTimer(interval)
		select {
		case <-ctx.Done():
			timer.Stop()
			if parent.Err() == nil {
				fctx, cancel := context.WithTimeout(parent, FinalCheckTimeout)
				el, err := sweep(fctx, page, selectors, &lastErr)
				cancel()
				if el != nil || err != nil {
					return el, err
				}
			}
			return nil, &LocatorNotFoundError{
				Label:      target.Name(),
				Candidates: append([]string(nil), target.Candidates...),
				Timeout:    timeout,
				LastErr:    lastErr,
			}
		case <-timer.C:
		}
	}
}

// sweep queries every selector once. It returns the first match, or an
// error only when the browser is gone.
func sweep(ctx context.Context, page driver.Page, selectors []driver.Selector, lastErr *error) (driver.Element, error) {
	for _, sel := range selectors {
		el, err := page.Query(ctx, sel)
		if err == nil {
			return el, nil
		}
		if errors.Is(err, driver.ErrDisconnected) {
			return nil, err
		}
		if !errors.Is(err, driver.ErrNoMatch) && ctx.Err() == nil {
			*lastErr = fmt.Errorf("%s: %w", sel, err)
		}
	}
	return nil, nil
}
