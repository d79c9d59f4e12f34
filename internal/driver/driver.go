// Package driver defines the page automation capability the engine consumes.
// Implementations live in subpackages: roddriver drives a real Chrome through
// go-rod, drivertest is a scripted in-memory page used by tests.
package driver

import (
	"context"
	"errors"
	"time"
)

var (
	// ErrNoMatch is returned by Page.Query when no attached, visible element
	// matches the selector right now.
	ErrNoMatch = errors.New("no matching element")
	// ErrDisconnected means the browser process went away mid-run.
	ErrDisconnected = errors.New("browser disconnected")
	// ErrLaunch means the browser process could not be started.
	ErrLaunch = errors.New("browser launch failed")
)

// LoadState is a document lifecycle milestone.
type LoadState string

const (
	LoadStateDOMContentLoaded LoadState = "domcontentloaded"
	LoadStateLoad             LoadState = "load"
	LoadStateNetworkIdle      LoadState = "networkidle"
)

// LaunchOptions configures the browser process.
type LaunchOptions struct {
	Bin        string
	Headless   bool
	Width      int
	Height     int
	ProfileDir string
}

// Driver starts browser processes.
type Driver interface {
	Launch(ctx context.Context, opts LaunchOptions) (Browser, error)
}

// Browser is a running browser process.
type Browser interface {
	// NewContext creates an isolated, cookie-free browsing context.
	NewContext(ctx context.Context, defaultTimeout time.Duration) (BrowserContext, error)
	Close() error
}

// BrowserContext groups pages that share cookies and storage.
type BrowserContext interface {
	NewPage(ctx context.Context) (Page, error)
	// Pages lists the open pages, most recently opened last.
	Pages() []Page
	Close() error
}

// Page is a single tab.
type Page interface {
	// Navigate issues the navigation and returns once it is committed.
	Navigate(ctx context.Context, url string) error
	WaitLoadState(ctx context.Context, state LoadState) error
	// Query performs a single lookup without waiting. It returns ErrNoMatch
	// when nothing attached and visible matches.
	Query(ctx context.Context, sel Selector) (Element, error)
	// TextVisible reports whether text is currently rendered and visible.
	TextVisible(ctx context.Context, text string) (bool, error)
	URL(ctx context.Context) (string, error)
	Title(ctx context.Context) (string, error)
	VisibleText(ctx context.Context) (string, error)
	Screenshot(ctx context.Context) ([]byte, error)
	// Eval runs a JavaScript function expression and decodes its JSON result into out.
	Eval(ctx context.Context, js string, out any) error
	Close() error
}

// Element is a live handle to a DOM node.
type Element interface {
	Fill(ctx context.Context, text string) error
	Click(ctx context.Context) error
	// Describe returns a stable description (tag and class) of the node.
	Describe(ctx context.Context) (string, error)
	// Center returns the viewport coordinates of the element's center.
	Center(ctx context.Context) (x, y int, err error)
}
