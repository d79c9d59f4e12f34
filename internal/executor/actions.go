package executor

import (
	"fmt"
	"image"
	"time"
)

// ActionTimeoutError reports an action that exceeded its bound.
type ActionTimeoutError struct {
	Action  string
	Timeout time.Duration
	Err     error
}

func (e *ActionTimeoutError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s timed out after %s: %v", e.Action, e.Timeout, e.Err)
	}
	return fmt.Sprintf("%s timed out after %s", e.Action, e.Timeout)
}

func (e *ActionTimeoutError) Unwrap() error {
	return e.Err
}

// Outcome is the result of executing one action.
type Outcome struct {
	// Ready is false when a best-effort wait did not observe its condition.
	Ready   bool
	Err     error
	Elapsed time.Duration
}

// Frame is a screenshot captured after a step, for replay diagnostics.
type Frame struct {
	Image  image.Image
	Step   int
	Label  string
	Cursor CursorPosition
}

// CursorPosition represents the cursor state at a point in time
type CursorPosition struct {
	X     int
	Y     int
	State CursorState
	Click bool // Whether a click happened at this position
}

// CursorState represents the visual state of the cursor
type CursorState int

const (
	CursorDefault CursorState = iota
	CursorPointer
	CursorText
)
