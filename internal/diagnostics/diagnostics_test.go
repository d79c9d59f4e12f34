package diagnostics

import (
	"context"
	"image"
	"image/gif"
	"image/png"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gopkg.in/yaml.v3"

	"github.com/v0xg/flowcheck/internal/driver"
	"github.com/v0xg/flowcheck/internal/driver/drivertest"
	"github.com/v0xg/flowcheck/internal/executor"
)

func newPage(t *testing.T) (*drivertest.Driver, driver.Page) {
	t.Helper()
	drv := drivertest.New(func(p *drivertest.Page, _ string) {
		p.SetTitle("Atividades")
		p.ShowText("Nenhuma atividade encontrada", 0)
	})
	b, err := drv.Launch(context.Background(), driver.LaunchOptions{})
	require.NoError(t, err)
	bctx, err := b.NewContext(context.Background(), time.Second)
	require.NoError(t, err)
	page, err := bctx.NewPage(context.Background())
	require.NoError(t, err)
	require.NoError(t, page.Navigate(context.Background(), "http://app/iniciativas/atividades"))
	return drv, page
}

func TestCaptureWritesArtifacts(t *testing.T) {
	_, page := newPage(t)
	rec := New(t.TempDir(), nil)

	frames := []executor.Frame{
		{Image: image.NewRGBA(image.Rect(0, 0, 64, 36)), Step: 0, Cursor: executor.CursorPosition{X: -1, Y: -1}},
		{Image: image.NewRGBA(image.Rect(0, 0, 64, 36)), Step: 1, Cursor: executor.CursorPosition{X: 10, Y: 10, Click: true}},
	}
	sum := Summary{
		RunID:    "0123456789abcdef",
		Scenario: "TC003 Invalid dates",
		Status:   "failed",
		Message:  `expected "início não pode ser posterior ao fim"`,
		Steps:    4,
		Elapsed:  1500 * time.Millisecond,
		Attempts: []Attempt{{Tactic: "reload", Step: 3, Reason: "not ready", Resume: 3}},
	}
	snap, err := rec.Capture(context.Background(), page, sum, frames)
	require.NoError(t, err)

	assert.Equal(t, filepath.Join(rec.Root, "tc003-invalid-dates-01234567"), snap.Dir)
	for _, path := range []string{snap.Screenshot, snap.Thumbnail, snap.PageText, snap.Result, snap.Replay} {
		assert.FileExists(t, path)
	}

	text, err := os.ReadFile(snap.PageText)
	require.NoError(t, err)
	assert.Contains(t, string(text), "URL: http://app/iniciativas/atividades")
	assert.Contains(t, string(text), "Title: Atividades")
	assert.Contains(t, string(text), "Nenhuma atividade encontrada")

	data, err := os.ReadFile(snap.Result)
	require.NoError(t, err)
	var got map[string]any
	require.NoError(t, yaml.Unmarshal(data, &got))
	assert.Equal(t, "failed", got["status"])
	assert.Equal(t, "1.5s", got["elapsed"])
	assert.Equal(t, "http://app/iniciativas/atividades", got["final_state"].(map[string]any)["url"])

	f, err := os.Open(snap.Replay)
	require.NoError(t, err)
	defer f.Close()
	g, err := gif.DecodeAll(f)
	require.NoError(t, err)
	// two steps, the marked final state, and the held last frame
	assert.Len(t, g.Image, 3+DefaultReplayOptions().HoldLast)

	thumb, err := os.Open(snap.Thumbnail)
	require.NoError(t, err)
	defer thumb.Close()
	cfg, err := png.DecodeConfig(thumb)
	require.NoError(t, err)
	assert.LessOrEqual(t, cfg.Width, int(rec.ThumbWidth))
}

func TestCaptureDeadPageStillWritesResult(t *testing.T) {
	drv, page := newPage(t)
	drv.Crash()
	rec := New(t.TempDir(), nil)

	snap, err := rec.Capture(context.Background(), page, Summary{RunID: "abc", Scenario: "tc001", Status: "errored"}, nil)
	require.Error(t, err)
	require.NotNil(t, snap)
	assert.FileExists(t, snap.Result)
	assert.Empty(t, snap.Screenshot)
	assert.Empty(t, snap.Replay)
}

func TestObserve(t *testing.T) {
	_, page := newPage(t)
	st := Observe(context.Background(), page)
	assert.Equal(t, "http://app/iniciativas/atividades", st.URL)
	assert.Equal(t, "Atividades", st.Title)
	assert.Equal(t, "Nenhuma atividade encontrada", st.Text)

	assert.Equal(t, PageState{}, Observe(context.Background(), nil))
}

func TestSlug(t *testing.T) {
	assert.Equal(t, "tc001", slug("TC001"))
	assert.Equal(t, "scenario", slug("///"))
	assert.Equal(t, "a-b", slug("a / b"))
}
