// Package session owns the browser resources of a scenario run.
package session

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/charmbracelet/log"
	"github.com/google/uuid"

	"github.com/v0xg/flowcheck/internal/driver"
	"github.com/v0xg/flowcheck/internal/logging"
)

// InfrastructureError means the browser could not be started or crashed.
// It is fatal and never retried.
type InfrastructureError struct {
	Op  string
	Err error
}

func (e *InfrastructureError) Error() string {
	return fmt.Sprintf("infrastructure error: %s: %v", e.Op, e.Err)
}

func (e *InfrastructureError) Unwrap() error {
	return e.Err
}

// IsInfrastructure reports whether err is or wraps an InfrastructureError or
// a driver disconnect.
func IsInfrastructure(err error) bool {
	var infra *InfrastructureError
	return errors.As(err, &infra) || errors.Is(err, driver.ErrDisconnected) || errors.Is(err, driver.ErrLaunch)
}

// Config is the explicit per-run browser configuration.
type Config struct {
	BaseURL        string
	DefaultTimeout time.Duration
	Launch         driver.LaunchOptions
}

// Validate rejects unusable configurations.
func (c Config) Validate() error {
	if c.DefaultTimeout <= 0 {
		return fmt.Errorf("default timeout must be positive")
	}
	u, err := url.Parse(c.BaseURL)
	if err != nil || u.Scheme == "" || u.Host == "" {
		return fmt.Errorf("base url %q must be absolute", c.BaseURL)
	}
	return nil
}

// Manager serializes browser launches and tracks live sessions.
type Manager struct {
	drv    driver.Driver
	logger *log.Logger

	launchMu sync.Mutex
	mu       sync.Mutex
	sessions map[string]*Session
}

// NewManager creates a Manager launching browsers through drv.
func NewManager(drv driver.Driver, logger *log.Logger) *Manager {
	return &Manager{
		drv:      drv,
		logger:   logging.OrDiscard(logger),
		sessions: make(map[string]*Session),
	}
}

// Active returns the number of acquired, unreleased sessions.
func (m *Manager) Active() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.sessions)
}

// Acquire launches a browser, opens an isolated context and one page.
// Any partially created resource is released before an error is returned.
func (m *Manager) Acquire(ctx context.Context, cfg Config) (*Session, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	m.launchMu.Lock()
	browser, err := m.drv.Launch(ctx, cfg.Launch)
	m.launchMu.Unlock()
	if err != nil {
		return nil, &InfrastructureError{Op: "launch browser", Err: err}
	}

	bctx, err := browser.NewContext(ctx, cfg.DefaultTimeout)
	if err != nil {
		_ = browser.Close()
		return nil, &InfrastructureError{Op: "create context", Err: err}
	}

	page, err := bctx.NewPage(ctx)
	if err != nil {
		_ = bctx.Close()
		_ = browser.Close()
		return nil, &InfrastructureError{Op: "open page", Err: err}
	}

	s := &Session{
		ID:             uuid.NewString(),
		BaseURL:        strings.TrimRight(cfg.BaseURL, "/"),
		DefaultTimeout: cfg.DefaultTimeout,
		CreatedAt:      time.Now(),
		browser:        browser,
		bctx:           bctx,
		active:         page,
		seen:           map[driver.Page]struct{}{page: {}},
		manager:        m,
	}

	m.mu.Lock()
	m.sessions[s.ID] = s
	m.mu.Unlock()

	m.logger.Debug("session acquired", "session", s.ID)
	return s, nil
}

func (m *Manager) forget(s *Session) {
	m.mu.Lock()
	delete(m.sessions, s.ID)
	m.mu.Unlock()
}

// Session owns the browser, its context and the active page for one run.
type Session struct {
	ID             string
	BaseURL        string
	DefaultTimeout time.Duration
	CreatedAt      time.Time

	browser driver.Browser
	bctx    driver.BrowserContext
	manager *Manager

	mu      sync.Mutex
	active  driver.Page
	seen    map[driver.Page]struct{}
	settled bool

	releaseOnce sync.Once
	releaseErr  error
}

// Page returns the page actions run against.
func (s *Session) Page() driver.Page {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.active
}

// Reanchor makes the most recently opened page of the context active, as
// after a navigation that spawned a new tab.
func (s *Session) Reanchor() driver.Page {
	pages := s.bctx.Pages()
	s.mu.Lock()
	defer s.mu.Unlock()
	s.remember(pages)
	if len(pages) > 0 {
		s.active = pages[len(pages)-1]
	}
	return s.active
}

// Follow makes the newest page active when the context gained a page since
// the last look, as after a click on a target=_blank link or a
// window.open. When the active page was closed, the newest remaining one
// takes over. Otherwise the active page is kept.
func (s *Session) Follow() driver.Page {
	pages := s.bctx.Pages()
	s.mu.Lock()
	defer s.mu.Unlock()

	fresh := false
	open := false
	for _, p := range pages {
		if _, ok := s.seen[p]; !ok {
			fresh = true
		}
		if p == s.active {
			open = true
		}
	}
	s.remember(pages)
	if len(pages) > 0 && (fresh || !open) {
		s.active = pages[len(pages)-1]
	}
	return s.active
}

func (s *Session) remember(pages []driver.Page) {
	for _, p := range pages {
		s.seen[p] = struct{}{}
	}
}

// ClaimSettle reports true exactly once per session, for the caller that
// performs the one-time settle wait.
func (s *Session) ClaimSettle() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.settled {
		return false
	}
	s.settled = true
	return true
}

// Pages enumerates the open pages of the session's context.
func (s *Session) Pages() []driver.Page {
	return s.bctx.Pages()
}

// OpenTab opens a fresh page in the same context and makes it active.
// Cookies set earlier in the run are kept.
func (s *Session) OpenTab(ctx context.Context) (driver.Page, error) {
	page, err := s.bctx.NewPage(ctx)
	if err != nil {
		if errors.Is(err, driver.ErrDisconnected) {
			return nil, &InfrastructureError{Op: "open tab", Err: err}
		}
		return nil, err
	}
	s.mu.Lock()
	s.active = page
	s.seen[page] = struct{}{}
	s.mu.Unlock()
	return page, nil
}

// ResolveURL resolves a route against the base URL. Absolute URLs pass through.
func (s *Session) ResolveURL(raw string) string {
	if u, err := url.Parse(raw); err == nil && u.IsAbs() {
		return raw
	}
	if !strings.HasPrefix(raw, "/") {
		raw = "/" + raw
	}
	return s.BaseURL + raw
}

// Release closes the context, then the browser, exactly once. Later calls
// return the first result.
func (s *Session) Release() error {
	s.releaseOnce.Do(func() {
		var errs []error
		if err := s.bctx.Close(); err != nil {
			errs = append(errs, fmt.Errorf("close context: %w", err))
		}
		if err := s.browser.Close(); err != nil {
			errs = append(errs, fmt.Errorf("close browser: %w", err))
		}
		s.releaseErr = errors.Join(errs...)
		s.manager.forget(s)
		s.manager.logger.Debug("session released", "session", s.ID, "err", s.releaseErr)
	})
	return s.releaseErr
}
