package crawler

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/v0xg/flowcheck/internal/driver"
	"github.com/v0xg/flowcheck/internal/driver/drivertest"
)

func loginElements() []map[string]any {
	return []map[string]any{
		{
			"candidates":  []string{`css=input[name="email"]`, "xpath=/html/body/div[1]/form/input[1]"},
			"type":        "email",
			"placeholder": "E-mail",
			"name":        "email",
		},
		{
			"candidates": []string{"css=#password", "xpath=/html/body/div[1]/form/input[2]"},
			"type":       "password",
			"id":         "password",
		},
		{
			"candidates": []string{"text=Entrar", "xpath=/html/body/div[1]/form/button"},
			"type":       "button",
			"text":       "Entrar",
		},
	}
}

func newPage(t *testing.T, eval func(*drivertest.Page, string) (any, error)) driver.Page {
	t.Helper()
	drv := drivertest.New(func(p *drivertest.Page, _ string) { p.SetTitle("Login") })
	drv.EvalFunc = eval
	b, err := drv.Launch(context.Background(), driver.LaunchOptions{})
	require.NoError(t, err)
	bctx, err := b.NewContext(context.Background(), time.Second)
	require.NoError(t, err)
	page, err := bctx.NewPage(context.Background())
	require.NoError(t, err)
	return page
}

func TestCrawl(t *testing.T) {
	var counts atomic.Int32
	page := newPage(t, func(_ *drivertest.Page, js string) (any, error) {
		switch js {
		case spaScript:
			return true, nil
		case countScript:
			// hydrates on the third poll
			if counts.Add(1) < 3 {
				return 0, nil
			}
			return 3, nil
		case elementsScript:
			return loginElements(), nil
		case navigationScript:
			return []map[string]any{{"selector": `css=a[href="/ajuda"]`, "text": "Ajuda", "href": "/ajuda"}}, nil
		}
		return nil, errors.New("unexpected script")
	})

	pm, err := Crawl(context.Background(), page, "http://app.test/login", Options{PollInterval: 5 * time.Millisecond})
	require.NoError(t, err)
	assert.Equal(t, "http://app.test/login", pm.URL)
	assert.Equal(t, "Login", pm.Title)
	assert.True(t, pm.IsSPA)
	assert.EqualValues(t, 3, counts.Load())
	require.Len(t, pm.Elements, 3)
	assert.Equal(t, "E-mail", pm.Elements[0].Label())
	assert.Equal(t, []string{"text=Entrar", "xpath=/html/body/div[1]/form/button"}, pm.Elements[2].Candidates)
	require.Len(t, pm.Navigation, 1)
	assert.Equal(t, "/ajuda", pm.Navigation[0].Href)
}

func TestCrawlEvalFailure(t *testing.T) {
	page := newPage(t, func(_ *drivertest.Page, js string) (any, error) {
		if js == spaScript {
			return false, nil
		}
		return nil, errors.New("boom")
	})
	_, err := Crawl(context.Background(), page, "http://app.test/login", Options{})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "extract elements")
}

func TestTargets(t *testing.T) {
	pm := &PageMap{Elements: []Element{
		{Candidates: []string{"css=#save"}, Type: "button", Text: "Salvar"},
		{Candidates: []string{"text=Salvar"}, Type: "button", Text: "Salvar"},
		{Candidates: []string{"css=#q"}, Type: "search", Placeholder: "Buscar iniciativas"},
		{Type: "button", Text: "no candidates"},
	}}

	targets := pm.Targets()
	assert.Equal(t, []string{"buscar_iniciativas", "salvar", "salvar_2"}, pm.TargetNames())
	assert.Equal(t, "Salvar", targets["salvar"].Label)
	assert.Equal(t, []string{"text=Salvar"}, targets["salvar_2"].Candidates)
	for _, tgt := range targets {
		assert.NoError(t, tgt.Validate())
	}
}
