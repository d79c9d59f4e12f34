package session

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/v0xg/flowcheck/internal/driver"
	"github.com/v0xg/flowcheck/internal/driver/drivertest"
)

func testConfig() Config {
	return Config{BaseURL: "http://localhost:3000/", DefaultTimeout: time.Second}
}

func TestAcquireRelease(t *testing.T) {
	drv := drivertest.New(nil)
	m := NewManager(drv, nil)

	s, err := m.Acquire(context.Background(), testConfig())
	require.NoError(t, err)
	assert.Equal(t, 1, m.Active())
	assert.Equal(t, 1, drv.OpenBrowsers())
	assert.Equal(t, 1, drv.OpenContexts())
	assert.Equal(t, "http://localhost:3000", s.BaseURL)
	assert.NotEmpty(t, s.ID)

	require.NoError(t, s.Release())
	assert.Equal(t, 0, m.Active())
	assert.Equal(t, 0, drv.OpenBrowsers())
	assert.Equal(t, 0, drv.OpenContexts())
	assert.Equal(t, []string{"context", "browser"}, drv.CloseLog())

	// exactly once: a second release neither closes again nor errors
	require.NoError(t, s.Release())
	assert.Equal(t, []string{"context", "browser"}, drv.CloseLog())
}

func TestAcquireLaunchFailureIsInfrastructure(t *testing.T) {
	drv := drivertest.New(nil)
	drv.LaunchErr = errors.New("chrome not found")
	m := NewManager(drv, nil)

	_, err := m.Acquire(context.Background(), testConfig())
	require.Error(t, err)

	var infra *InfrastructureError
	require.ErrorAs(t, err, &infra)
	assert.Equal(t, "launch browser", infra.Op)
	assert.ErrorIs(t, err, driver.ErrLaunch)
	assert.True(t, IsInfrastructure(err))
	assert.Equal(t, 1, drv.Launches())
	assert.Equal(t, 0, m.Active())
	assert.Equal(t, 0, drv.OpenBrowsers())
}

func TestAcquireContextFailureClosesBrowser(t *testing.T) {
	drv := drivertest.New(nil)
	drv.Crash()
	m := NewManager(drv, nil)

	_, err := m.Acquire(context.Background(), testConfig())
	require.Error(t, err)
	assert.True(t, IsInfrastructure(err))
	assert.Equal(t, 0, drv.OpenBrowsers())
	assert.Equal(t, 0, m.Active())
}

func TestConfigValidate(t *testing.T) {
	_, err := NewManager(drivertest.New(nil), nil).Acquire(context.Background(), Config{BaseURL: "localhost", DefaultTimeout: time.Second})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "must be absolute")

	err = Config{BaseURL: "http://x", DefaultTimeout: 0}.Validate()
	require.Error(t, err)
}

func TestResolveURL(t *testing.T) {
	s := &Session{BaseURL: "http://localhost:3000"}
	assert.Equal(t, "http://localhost:3000/login", s.ResolveURL("/login"))
	assert.Equal(t, "http://localhost:3000/login", s.ResolveURL("login"))
	assert.Equal(t, "https://example.com/a", s.ResolveURL("https://example.com/a"))
}

func TestOpenTabAndReanchor(t *testing.T) {
	drv := drivertest.New(nil)
	m := NewManager(drv, nil)
	s, err := m.Acquire(context.Background(), testConfig())
	require.NoError(t, err)
	defer s.Release()

	first := s.Page()
	tab, err := s.OpenTab(context.Background())
	require.NoError(t, err)
	assert.NotSame(t, first, tab)
	assert.Same(t, tab, s.Page())
	assert.Len(t, s.Pages(), 2)

	require.NoError(t, tab.Close())
	assert.Same(t, first, s.Reanchor())
}

func TestFollowAdoptsPopupAndFallsBackOnClose(t *testing.T) {
	drv := drivertest.New(nil)
	s, err := NewManager(drv, nil).Acquire(context.Background(), testConfig())
	require.NoError(t, err)
	defer s.Release()

	first := s.Page()
	assert.Same(t, first, s.Follow(), "no new page keeps the active one")

	popup := first.(*drivertest.Page).Popup("http://localhost:3000/detail")
	require.NotNil(t, popup)
	assert.Same(t, popup, s.Follow())
	assert.Same(t, popup, s.Page())

	require.NoError(t, popup.Close())
	assert.Same(t, first, s.Follow())
}

func TestFollowKeepsActiveTabAmongKnownPages(t *testing.T) {
	drv := drivertest.New(nil)
	s, err := NewManager(drv, nil).Acquire(context.Background(), testConfig())
	require.NoError(t, err)
	defer s.Release()

	first := s.Page()
	_, err = s.OpenTab(context.Background())
	require.NoError(t, err)
	s.mu.Lock()
	s.active = first
	s.mu.Unlock()

	assert.Same(t, first, s.Follow())
}

func TestClaimSettleOncePerSession(t *testing.T) {
	drv := drivertest.New(nil)
	s, err := NewManager(drv, nil).Acquire(context.Background(), testConfig())
	require.NoError(t, err)
	defer s.Release()

	assert.True(t, s.ClaimSettle())
	assert.False(t, s.ClaimSettle())
}
