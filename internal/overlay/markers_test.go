package overlay

import (
	"image"
	"image/color"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/v0xg/flowcheck/internal/executor"
)

func blank(w, h int) image.Image {
	img := image.NewRGBA(image.Rect(0, 0, w, h))
	for y := 0; y < h; y++ {
		for x := 0; x < w; x++ {
			img.SetRGBA(x, y, color.RGBA{10, 10, 10, 255})
		}
	}
	return img
}

func rgba(t *testing.T, img image.Image, x, y int) color.RGBA {
	t.Helper()
	r, ok := img.(*image.RGBA)
	require.True(t, ok)
	return r.RGBAAt(x, y)
}

func TestAnnotateProgressAndClick(t *testing.T) {
	frames := []executor.Frame{
		{Image: blank(100, 50), Step: 0, Cursor: executor.CursorPosition{X: -1, Y: -1}},
		{Image: blank(100, 50), Step: 1, Cursor: executor.CursorPosition{X: 50, Y: 25, State: executor.CursorPointer, Click: true}},
	}
	out := Annotate(frames, 2)
	require.Len(t, out, 2)

	// first of two steps: half the bar is done
	assert.Equal(t, progressColor, rgba(t, out[0], 10, 0))
	assert.Equal(t, trackColor, rgba(t, out[0], 90, 0))
	assert.Equal(t, progressColor, rgba(t, out[1], 90, 0))

	// unpositioned cursor leaves the frame untouched below the bar
	assert.Equal(t, color.RGBA{10, 10, 10, 255}, rgba(t, out[0], 50, 25))

	assert.Equal(t, outlineColor, rgba(t, out[1], 50, 25))
	assert.Equal(t, rippleColor, rgba(t, out[1], 65, 25))
}

func TestAnnotateDoesNotMutateInput(t *testing.T) {
	src := blank(20, 20)
	Annotate([]executor.Frame{{Image: src, Cursor: executor.CursorPosition{X: 5, Y: 5}}}, 1)
	assert.Equal(t, color.RGBA{10, 10, 10, 255}, src.(*image.RGBA).RGBAAt(5, 5))
}

func TestMarkFailure(t *testing.T) {
	out := MarkFailure(blank(30, 30))
	assert.Equal(t, failureColor, rgba(t, out, 0, 15))
	assert.Equal(t, failureColor, rgba(t, out, 29, 29))
	assert.Equal(t, color.RGBA{10, 10, 10, 255}, rgba(t, out, 15, 15))
}
