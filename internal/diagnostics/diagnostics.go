// Package diagnostics captures the final UI state of failed and errored runs.
package diagnostics

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"image"
	"image/png"
	"os"
	"path/filepath"
	"regexp"
	"strings"
	"time"

	"github.com/charmbracelet/log"
	"github.com/nfnt/resize"
	"gopkg.in/yaml.v3"

	"github.com/v0xg/flowcheck/internal/driver"
	"github.com/v0xg/flowcheck/internal/executor"
	"github.com/v0xg/flowcheck/internal/logging"
	"github.com/v0xg/flowcheck/internal/overlay"
)

// Artifact file names inside a snapshot directory.
const (
	FinalScreenshot = "final.png"
	Thumbnail       = "thumb.png"
	PageText        = "page.txt"
	ResultFile      = "result.yaml"
	ReplayFile      = "replay.gif"
)

// PageState is the last observed UI state.
type PageState struct {
	URL   string `yaml:"url,omitempty"`
	Title string `yaml:"title,omitempty"`
	Text  string `yaml:"-"`
}

// Observe reads the page's URL, title and visible text. Fields that cannot
// be read are left empty.
func Observe(ctx context.Context, page driver.Page) PageState {
	var st PageState
	if page == nil {
		return st
	}
	st.URL, _ = page.URL(ctx)
	st.Title, _ = page.Title(ctx)
	st.Text, _ = page.VisibleText(ctx)
	return st
}

// Attempt is a recovery attempt as written to result.yaml.
type Attempt struct {
	Tactic string `yaml:"tactic"`
	Step   int    `yaml:"step"`
	Reason string `yaml:"reason"`
	Resume int    `yaml:"resume"`
	Error  string `yaml:"error,omitempty"`
}

// Summary is the run result as written to result.yaml.
type Summary struct {
	RunID      string        `yaml:"run_id"`
	Scenario   string        `yaml:"scenario"`
	Intent     string        `yaml:"intent,omitempty"`
	Status     string        `yaml:"status"`
	Message    string        `yaml:"message,omitempty"`
	Error      string        `yaml:"error,omitempty"`
	Steps      int           `yaml:"steps"`
	Completed  int           `yaml:"completed"`
	Elapsed    time.Duration `yaml:"elapsed"`
	Attempts   []Attempt     `yaml:"attempts,omitempty"`
	FinalState PageState     `yaml:"final_state"`
}

// Snapshot lists the files written for one run.
type Snapshot struct {
	Dir        string
	Screenshot string
	Thumbnail  string
	PageText   string
	Result     string
	Replay     string
}

// Recorder writes snapshots below Root, one directory per run.
type Recorder struct {
	Root       string
	ThumbWidth uint
	Replay     ReplayOptions
	logger     *log.Logger
}

// New creates a Recorder writing to root.
func New(root string, logger *log.Logger) *Recorder {
	return &Recorder{
		Root:       root,
		ThumbWidth: 320,
		Replay:     DefaultReplayOptions(),
		logger:     logging.OrDiscard(logger),
	}
}

// Dir returns the snapshot directory of a run.
func (r *Recorder) Dir(scenario, runID string) string {
	if len(runID) > 8 {
		runID = runID[:8]
	}
	return filepath.Join(r.Root, fmt.Sprintf("%s-%s", slug(scenario), runID))
}

// Capture writes the final screenshot, a thumbnail, the page text, the
// result summary and, when frames were recorded, a replay GIF. It writes
// whatever it can: a dead page still yields result.yaml.
func (r *Recorder) Capture(ctx context.Context, page driver.Page, sum Summary, frames []executor.Frame) (*Snapshot, error) {
	dir := r.Dir(sum.Scenario, sum.RunID)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create snapshot dir: %w", err)
	}
	snap := &Snapshot{Dir: dir}
	var errs []error

	var final image.Image
	if page != nil {
		if sum.FinalState.URL == "" {
			st := Observe(ctx, page)
			sum.FinalState.URL, sum.FinalState.Title = st.URL, st.Title
			if sum.FinalState.Text == "" {
				sum.FinalState.Text = st.Text
			}
		}
		img, err := r.writeScreenshot(ctx, page, snap)
		if err != nil {
			errs = append(errs, err)
		}
		final = img
	}

	if err := r.writePageText(sum, snap); err != nil {
		errs = append(errs, err)
	}
	if err := r.writeResult(sum, snap); err != nil {
		errs = append(errs, err)
	}
	if len(frames) > 0 {
		if err := r.writeReplay(frames, final, sum.Steps, snap); err != nil {
			errs = append(errs, err)
		}
	}

	r.logger.Debug("diagnostics captured", "dir", dir, "errors", len(errs))
	return snap, errors.Join(errs...)
}

func (r *Recorder) writeScreenshot(ctx context.Context, page driver.Page, snap *Snapshot) (image.Image, error) {
	data, err := page.Screenshot(ctx)
	if err != nil {
		return nil, fmt.Errorf("screenshot: %w", err)
	}
	snap.Screenshot = filepath.Join(snap.Dir, FinalScreenshot)
	if err := os.WriteFile(snap.Screenshot, data, 0o644); err != nil {
		return nil, fmt.Errorf("write screenshot: %w", err)
	}

	img, err := png.Decode(bytes.NewReader(data))
	if err != nil {
		return nil, fmt.Errorf("decode screenshot: %w", err)
	}
	thumb := resize.Thumbnail(r.ThumbWidth, r.ThumbWidth, img, resize.Lanczos3)
	var buf bytes.Buffer
	if err := png.Encode(&buf, thumb); err != nil {
		return img, fmt.Errorf("encode thumbnail: %w", err)
	}
	snap.Thumbnail = filepath.Join(snap.Dir, Thumbnail)
	if err := os.WriteFile(snap.Thumbnail, buf.Bytes(), 0o644); err != nil {
		return img, fmt.Errorf("write thumbnail: %w", err)
	}
	return img, nil
}

func (r *Recorder) writePageText(sum Summary, snap *Snapshot) error {
	var b strings.Builder
	fmt.Fprintf(&b, "URL: %s\n", sum.FinalState.URL)
	fmt.Fprintf(&b, "Title: %s\n\n", sum.FinalState.Title)
	b.WriteString(sum.FinalState.Text)
	b.WriteString("\n")

	snap.PageText = filepath.Join(snap.Dir, PageText)
	if err := os.WriteFile(snap.PageText, []byte(b.String()), 0o644); err != nil {
		return fmt.Errorf("write page text: %w", err)
	}
	return nil
}

func (r *Recorder) writeResult(sum Summary, snap *Snapshot) error {
	data, err := yaml.Marshal(sum)
	if err != nil {
		return fmt.Errorf("encode result: %w", err)
	}
	snap.Result = filepath.Join(snap.Dir, ResultFile)
	if err := os.WriteFile(snap.Result, data, 0o644); err != nil {
		return fmt.Errorf("write result: %w", err)
	}
	return nil
}

func (r *Recorder) writeReplay(frames []executor.Frame, final image.Image, steps int, snap *Snapshot) error {
	images := overlay.Annotate(frames, steps)
	if final != nil {
		images = append(images, overlay.MarkFailure(final))
	}
	path := filepath.Join(snap.Dir, ReplayFile)
	if _, err := WriteReplay(images, path, r.Replay); err != nil {
		return fmt.Errorf("write replay: %w", err)
	}
	snap.Replay = path
	return nil
}

var unsafeChars = regexp.MustCompile(`[^a-zA-Z0-9_-]+`)

func slug(s string) string {
	s = strings.Trim(unsafeChars.ReplaceAllString(strings.ToLower(s), "-"), "-")
	if s == "" {
		return "scenario"
	}
	return s
}
