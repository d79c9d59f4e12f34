package locator

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/v0xg/flowcheck/internal/driver"
	"github.com/v0xg/flowcheck/internal/driver/drivertest"
	"github.com/v0xg/flowcheck/internal/scenario"
)

const (
	loginButtonOld = "xpath=html/body/div/div/div/div[2]/form/button"
	loginButtonNew = "xpath=html/body/div[1]/div/div/div[2]/div[2]/button[1]"
)

func newPage(t *testing.T, render drivertest.RenderFunc) (*drivertest.Driver, driver.Page) {
	t.Helper()
	drv := drivertest.New(render)
	b, err := drv.Launch(context.Background(), driver.LaunchOptions{})
	require.NoError(t, err)
	bctx, err := b.NewContext(context.Background(), time.Second)
	require.NoError(t, err)
	page, err := bctx.NewPage(context.Background())
	require.NoError(t, err)
	require.NoError(t, page.Navigate(context.Background(), "http://app/login"))
	return drv, page
}

func fastResolver() *Resolver {
	return &Resolver{PollInterval: 5 * time.Millisecond}
}

func describe(t *testing.T, el driver.Element) string {
	t.Helper()
	d, err := el.Describe(context.Background())
	require.NoError(t, err)
	return d
}

func TestResolveFirstCandidateWins(t *testing.T) {
	_, page := newPage(t, func(p *drivertest.Page, _ string) {
		p.Add(loginButtonOld, "button").Class = "old"
		p.Add(loginButtonNew, "button").Class = "new"
	})

	target := scenario.Target("submit", loginButtonOld, loginButtonNew)
	el, err := fastResolver().Resolve(context.Background(), page, target, 100*time.Millisecond)
	require.NoError(t, err)
	assert.Equal(t, "button.old", describe(t, el))
}

func TestResolveToleratesDrift(t *testing.T) {
	_, page := newPage(t, func(p *drivertest.Page, _ string) {
		p.Add(loginButtonNew, "button").Class = "new"
	})

	target := scenario.Target("submit", loginButtonOld, loginButtonNew)
	el, err := fastResolver().Resolve(context.Background(), page, target, 100*time.Millisecond)
	require.NoError(t, err)
	assert.Equal(t, "button.new", describe(t, el))
}

func TestResolveWaitsForHydration(t *testing.T) {
	_, page := newPage(t, func(p *drivertest.Page, _ string) {
		n := p.Add("css=#email", "input")
		n.VisibleAt = time.Now().Add(40 * time.Millisecond)
	})

	start := time.Now()
	el, err := fastResolver().Resolve(context.Background(), page, scenario.Target("email", "#email"), time.Second)
	require.NoError(t, err)
	assert.Equal(t, "input", describe(t, el))
	assert.GreaterOrEqual(t, time.Since(start), 40*time.Millisecond)
}

func TestResolveChecksOnceMoreAtTimeout(t *testing.T) {
	_, page := newPage(t, func(p *drivertest.Page, _ string) {
		p.Add("css=#email", "input").VisibleAt = time.Now().Add(250 * time.Millisecond)
	})

	r := &Resolver{PollInterval: 200 * time.Millisecond}
	el, err := r.Resolve(context.Background(), page, scenario.Target("email", "#email"), 300*time.Millisecond)
	require.NoError(t, err)
	assert.Equal(t, "input", describe(t, el))
}

func TestResolveSkipsLastCheckWhenCallerIsDone(t *testing.T) {
	_, page := newPage(t, func(p *drivertest.Page, _ string) {
		p.Add("css=#email", "input").VisibleAt = time.Now().Add(250 * time.Millisecond)
	})

	ctx, cancel := context.WithTimeout(context.Background(), 300*time.Millisecond)
	defer cancel()
	r := &Resolver{PollInterval: 200 * time.Millisecond}
	_, err := r.Resolve(ctx, page, scenario.Target("email", "#email"), time.Minute)
	var nf *LocatorNotFoundError
	require.ErrorAs(t, err, &nf)
}

func TestResolveNotFound(t *testing.T) {
	_, page := newPage(t, nil)

	target := scenario.Target("submit", loginButtonOld, "text=Entrar")
	start := time.Now()
	_, err := fastResolver().Resolve(context.Background(), page, target, 50*time.Millisecond)
	require.Error(t, err)

	var nf *LocatorNotFoundError
	require.ErrorAs(t, err, &nf)
	assert.Equal(t, "submit", nf.Label)
	assert.Equal(t, []string{loginButtonOld, "text=Entrar"}, nf.Candidates)
	assert.Contains(t, err.Error(), "text=Entrar")
	assert.Less(t, time.Since(start), time.Second)
}

func TestResolveIsDeterministic(t *testing.T) {
	_, page := newPage(t, func(p *drivertest.Page, _ string) {
		p.Add("css=.primary", "button").Class = "primary"
		p.Add("text=Entrar", "a").Class = "link"
	})

	target := scenario.Target("submit", "missing", "css=.primary", "text=Entrar")
	first, err := fastResolver().Resolve(context.Background(), page, target, 50*time.Millisecond)
	require.NoError(t, err)
	for i := 0; i < 5; i++ {
		el, err := fastResolver().Resolve(context.Background(), page, target, 50*time.Millisecond)
		require.NoError(t, err)
		assert.Equal(t, describe(t, first), describe(t, el))
	}
}

func TestResolveStopsOnDisconnect(t *testing.T) {
	drv, page := newPage(t, nil)
	drv.Crash()

	_, err := fastResolver().Resolve(context.Background(), page, scenario.Target("x", "#x"), time.Second)
	require.ErrorIs(t, err, driver.ErrDisconnected)
}

func TestResolveRejectsEmptyDescriptor(t *testing.T) {
	_, page := newPage(t, nil)
	_, err := fastResolver().Resolve(context.Background(), page, scenario.Target("nothing"), time.Second)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "at least one candidate")
}
