package diagnostics

import (
	"image"
	"image/color"
	"image/draw"
	"image/gif"
	"os"
	"sort"

	"github.com/nfnt/resize"
)

// ReplayOptions configures replay GIF generation
type ReplayOptions struct {
	// Delay per frame in 100ths of a second
	Delay    int
	MaxWidth uint
	// HoldLast repeats the final frame so the end state stays readable.
	HoldLast int
}

// DefaultReplayOptions shows each step for 0.8s.
func DefaultReplayOptions() ReplayOptions {
	return ReplayOptions{Delay: 80, MaxWidth: 800, HoldLast: 2}
}

// WriteReplay encodes frames as a looping GIF and returns its size.
func WriteReplay(frames []image.Image, outputPath string, opts ReplayOptions) (int64, error) {
	if len(frames) == 0 {
		return 0, nil
	}
	if opts.Delay <= 0 {
		opts.Delay = DefaultReplayOptions().Delay
	}

	bounds := frames[0].Bounds()
	outputWidth := opts.MaxWidth
	if outputWidth == 0 || outputWidth > uint(bounds.Dx()) {
		outputWidth = uint(bounds.Dx())
	}
	aspectRatio := float64(bounds.Dy()) / float64(bounds.Dx())
	outputHeight := uint(float64(outputWidth) * aspectRatio)

	palette := generatePalette(frames)
	g := &gif.GIF{LoopCount: 0}
	for i, frame := range frames {
		resized := resize.Resize(outputWidth, outputHeight, frame, resize.Lanczos3)
		paletted := image.NewPaletted(resized.Bounds(), palette)
		draw.FloydSteinberg.Draw(paletted, resized.Bounds(), resized, image.Point{})

		g.Image = append(g.Image, paletted)
		g.Delay = append(g.Delay, opts.Delay)
		if i == len(frames)-1 {
			for j := 0; j < opts.HoldLast; j++ {
				g.Image = append(g.Image, paletted)
				g.Delay = append(g.Delay, opts.Delay)
			}
		}
	}

	f, err := os.Create(outputPath)
	if err != nil {
		return 0, err
	}
	defer f.Close()

	if err := gif.EncodeAll(f, g); err != nil {
		return 0, err
	}
	info, err := f.Stat()
	if err != nil {
		return 0, err
	}
	return info.Size(), nil
}

// generatePalette builds a 256-color palette from the most frequent colors
// sampled across all frames
func generatePalette(frames []image.Image) color.Palette {
	colorMap := make(map[color.RGBA]int)
	step := 4
	for _, img := range frames {
		bounds := img.Bounds()
		for y := bounds.Min.Y; y < bounds.Max.Y; y += step {
			for x := bounds.Min.X; x < bounds.Max.X; x += step {
				r, g, b, a := img.At(x, y).RGBA()
				colorMap[color.RGBA{R: uint8(r >> 8), G: uint8(g >> 8), B: uint8(b >> 8), A: uint8(a >> 8)}]++
			}
		}
	}

	type colorCount struct {
		c     color.RGBA
		count int
	}
	colors := make([]colorCount, 0, len(colorMap))
	for c, count := range colorMap {
		colors = append(colors, colorCount{c, count})
	}
	sort.Slice(colors, func(i, j int) bool {
		if colors[i].count != colors[j].count {
			return colors[i].count > colors[j].count
		}
		a, b := colors[i].c, colors[j].c
		return uint32(a.R)<<16|uint32(a.G)<<8|uint32(a.B) < uint32(b.R)<<16|uint32(b.G)<<8|uint32(b.B)
	})

	palette := make(color.Palette, 0, 256)
	palette = append(palette, color.RGBA{0, 0, 0, 0})
	for i := 0; i < len(colors) && len(palette) < 256; i++ {
		palette = append(palette, colors[i].c)
	}
	// pad with grayscale
	for len(palette) < 256 {
		gray := uint8(len(palette))
		palette = append(palette, color.RGBA{gray, gray, gray, 255})
	}
	return palette
}
