package overlay

import (
	"image"
	"image/color"
	"image/draw"
	"math"

	"github.com/v0xg/flowcheck/internal/executor"
)

// ProgressHeight is the height of the step progress bar in pixels.
const ProgressHeight = 4

var (
	outlineColor  = color.RGBA{0, 0, 0, 255}
	fillColor     = color.RGBA{255, 255, 255, 255}
	rippleColor   = color.RGBA{66, 133, 244, 255}
	progressColor = color.RGBA{52, 168, 83, 255}
	trackColor    = color.RGBA{220, 220, 220, 255}
	failureColor  = color.RGBA{219, 68, 55, 255}
)

// Annotate draws the cursor, click ripples and a progress bar on recorded
// frames. total is the number of steps in the scenario.
func Annotate(frames []executor.Frame, total int) []image.Image {
	result := make([]image.Image, len(frames))
	for i, f := range frames {
		img := copyFrame(f.Image)
		if f.Cursor.X >= 0 && f.Cursor.Y >= 0 {
			if f.Cursor.Click {
				drawClickRipple(img, f.Cursor.X, f.Cursor.Y)
			}
			drawCursor(img, f.Cursor.X, f.Cursor.Y, f.Cursor.State)
		}
		drawProgress(img, f.Step+1, total)
		result[i] = img
	}
	return result
}

// MarkFailure returns a copy of img with a red border.
func MarkFailure(img image.Image) image.Image {
	out := copyFrame(img)
	b := out.Bounds()
	const width = 3
	for i := 0; i < width; i++ {
		drawLine(out, b.Min.X, b.Min.Y+i, b.Max.X-1, b.Min.Y+i, failureColor)
		drawLine(out, b.Min.X, b.Max.Y-1-i, b.Max.X-1, b.Max.Y-1-i, failureColor)
		drawLine(out, b.Min.X+i, b.Min.Y, b.Min.X+i, b.Max.Y-1, failureColor)
		drawLine(out, b.Max.X-1-i, b.Min.Y, b.Max.X-1-i, b.Max.Y-1, failureColor)
	}
	return out
}

func copyFrame(frame image.Image) *image.RGBA {
	bounds := frame.Bounds()
	out := image.NewRGBA(bounds)
	draw.Draw(out, bounds, frame, bounds.Min, draw.Src)
	return out
}

func drawProgress(img *image.RGBA, step, total int) {
	if total <= 0 {
		return
	}
	if step > total {
		step = total
	}
	b := img.Bounds()
	done := b.Min.X + b.Dx()*step/total
	draw.Draw(img, image.Rect(b.Min.X, b.Min.Y, b.Max.X, b.Min.Y+ProgressHeight), &image.Uniform{C: trackColor}, image.Point{}, draw.Src)
	draw.Draw(img, image.Rect(b.Min.X, b.Min.Y, done, b.Min.Y+ProgressHeight), &image.Uniform{C: progressColor}, image.Point{}, draw.Src)
}

// drawCursor draws an arrow, or an I-beam over text fields
func drawCursor(img *image.RGBA, x, y int, state executor.CursorState) {
	if state == executor.CursorText {
		drawLine(img, x, y-8, x, y+8, outlineColor)
		drawLine(img, x-3, y-8, x+3, y-8, outlineColor)
		drawLine(img, x-3, y+8, x+3, y+8, outlineColor)
		return
	}

	for dy := 0; dy <= 16; dy++ {
		for dx := 0; dx < 13; dx++ {
			if isInsideArrow(dx, dy) {
				setPixelSafe(img, x+dx, y+dy, fillColor)
			}
		}
	}
	points := []image.Point{{0, 0}, {0, 16}, {4, 12}, {7, 18}, {10, 17}, {7, 11}, {12, 11}}
	for i := range points {
		p1, p2 := points[i], points[(i+1)%len(points)]
		drawLine(img, x+p1.X, y+p1.Y, x+p2.X, y+p2.Y, outlineColor)
	}
}

func isInsideArrow(dx, dy int) bool {
	if dy <= 11 {
		return dx <= dy*12/16
	}
	return dx <= 4
}

// drawLine draws a line between two points using Bresenham's algorithm
func drawLine(img *image.RGBA, x1, y1, x2, y2 int, c color.RGBA) {
	dx := abs(x2 - x1)
	dy := abs(y2 - y1)
	sx, sy := 1, 1
	if x1 > x2 {
		sx = -1
	}
	if y1 > y2 {
		sy = -1
	}
	err := dx - dy

	for {
		setPixelSafe(img, x1, y1, c)
		if x1 == x2 && y1 == y2 {
			break
		}
		e2 := 2 * err
		if e2 > -dy {
			err -= dy
			x1 += sx
		}
		if e2 < dx {
			err += dx
			y1 += sy
		}
	}
}

func drawClickRipple(img *image.RGBA, x, y int) {
	for _, radius := range []int{10, 15} {
		for angle := 0.0; angle < 360; angle++ {
			rad := angle * math.Pi / 180
			px := x + int(float64(radius)*math.Cos(rad))
			py := y + int(float64(radius)*math.Sin(rad))
			setPixelSafe(img, px, py, rippleColor)
		}
	}
}

func setPixelSafe(img *image.RGBA, x, y int, c color.RGBA) {
	if (image.Point{X: x, Y: y}).In(img.Bounds()) {
		img.SetRGBA(x, y, c)
	}
}

func abs(x int) int {
	if x < 0 {
		return -x
	}
	return x
}
