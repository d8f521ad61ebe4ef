package media

import (
	"context"
	"fmt"
	"image"
	"image/color"
	"image/draw"
	"math"
	"os"
	"path/filepath"
	"strings"

	"github.com/disintegration/imaging"
	"github.com/golang/freetype"
	"github.com/golang/freetype/truetype"
	"golang.org/x/image/font"
	"golang.org/x/image/font/gofont/goregular"
	"golang.org/x/image/math/fixed"
)

const maxCaptionLines = 4

type FrameOptions struct {
	Width      int
	Height     int
	Background color.Color
	Captions   bool
	Watermark  string
}

// FrameRenderer produces fixed-size frames from arbitrary source images.
type FrameRenderer struct {
	opts FrameOptions
	font *truetype.Font
}

func NewFrameRenderer(opts FrameOptions) (*FrameRenderer, error) {
	const op = "media.NewFrameRenderer"

	if opts.Width <= 0 || opts.Height <= 0 {
		return nil, fmt.Errorf("%s: invalid frame size %dx%d", op, opts.Width, opts.Height)
	}
	if opts.Background == nil {
		opts.Background = color.Black
	}
	f, err := freetype.ParseFont(goregular.TTF)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", op, err)
	}
	return &FrameRenderer{opts: opts, font: f}, nil
}

// RenderFrame writes src resized to the frame size with "contain" fit onto a
// solid background, optionally with the dialogue burned in as a caption.
func (r *FrameRenderer) RenderFrame(ctx context.Context, src, dst, dialogue string) error {
	const op = "media.RenderFrame"

	if err := ctx.Err(); err != nil {
		return err
	}
	img, err := imaging.Open(src, imaging.AutoOrientation(true))
	if err != nil {
		return fmt.Errorf("%s: %w", op, err)
	}

	frame := ContainFit(img, r.opts.Width, r.opts.Height, r.opts.Background)
	if r.opts.Captions && strings.TrimSpace(dialogue) != "" {
		r.drawCaption(frame, dialogue)
	}
	if r.opts.Watermark != "" {
		r.drawWatermark(frame, r.opts.Watermark)
	}

	if err := os.MkdirAll(filepath.Dir(dst), 0755); err != nil {
		return fmt.Errorf("%s: %w", op, err)
	}
	if err := imaging.Save(frame, dst); err != nil {
		return fmt.Errorf("%s: %w", op, err)
	}
	return nil
}

// ContainFit scales img up or down to fit inside width x height keeping its
// aspect ratio, centred on a canvas filled with bg.
func ContainFit(img image.Image, width, height int, bg color.Color) *image.NRGBA {
	b := img.Bounds()
	scale := math.Min(float64(width)/float64(b.Dx()), float64(height)/float64(b.Dy()))
	w := clamp(int(math.Round(float64(b.Dx())*scale)), 1, width)
	h := clamp(int(math.Round(float64(b.Dy())*scale)), 1, height)

	resized := imaging.Resize(img, w, h, imaging.Lanczos)
	canvas := imaging.New(width, height, bg)
	return imaging.PasteCenter(canvas, resized)
}

// Thumbnail writes a cropped poster image of the given size.
func Thumbnail(src, dst string, width, height int) error {
	const op = "media.Thumbnail"

	img, err := imaging.Open(src)
	if err != nil {
		return fmt.Errorf("%s: %w", op, err)
	}
	thumb := imaging.Thumbnail(img, width, height, imaging.Lanczos)
	if err := imaging.Save(thumb, dst, imaging.JPEGQuality(85)); err != nil {
		return fmt.Errorf("%s: %w", op, err)
	}
	return nil
}

func (r *FrameRenderer) drawCaption(dst *image.NRGBA, text string) {
	size := float64(r.opts.Height) / 27
	face := truetype.NewFace(r.font, &truetype.Options{Size: size, Hinting: font.HintingFull})
	defer face.Close()

	maxWidth := fixed.I(r.opts.Width * 9 / 10)
	lines := wrapText(face, text, maxWidth)
	if len(lines) > maxCaptionLines {
		lines = lines[len(lines)-maxCaptionLines:]
	}

	lineHeight := int(size * 1.4)
	margin := r.opts.Height / 20
	bandTop := r.opts.Height - margin - lineHeight*len(lines) - lineHeight/2
	band := image.Rect(0, bandTop, r.opts.Width, r.opts.Height-margin+lineHeight/4)
	draw.Draw(dst, band, image.NewUniform(color.NRGBA{A: 150}), image.Point{}, draw.Over)

	c := r.context(dst, size, image.White)
	for i, line := range lines {
		w := font.MeasureString(face, line).Ceil()
		x := (r.opts.Width - w) / 2
		y := bandTop + lineHeight*(i+1)
		_, _ = c.DrawString(line, freetype.Pt(x, y))
	}
}

func (r *FrameRenderer) drawWatermark(dst *image.NRGBA, text string) {
	size := float64(r.opts.Height) / 40
	margin := r.opts.Height / 40
	c := r.context(dst, size, image.NewUniform(color.NRGBA{R: 255, G: 255, B: 255, A: 170}))
	_, _ = c.DrawString(text, freetype.Pt(margin, margin+int(size)))
}

func (r *FrameRenderer) context(dst draw.Image, size float64, src image.Image) *freetype.Context {
	c := freetype.NewContext()
	c.SetDPI(72)
	c.SetFont(r.font)
	c.SetFontSize(size)
	c.SetClip(dst.Bounds())
	c.SetDst(dst)
	c.SetSrc(src)
	c.SetHinting(font.HintingFull)
	return c
}

// wrapText greedily breaks text into lines no wider than maxWidth.
func wrapText(face font.Face, text string, maxWidth fixed.Int26_6) []string {
	var lines []string
	var cur string
	for _, word := range strings.Fields(text) {
		next := word
		if cur != "" {
			next = cur + " " + word
		}
		if cur != "" && font.MeasureString(face, next) > maxWidth {
			lines = append(lines, cur)
			cur = word
			continue
		}
		cur = next
	}
	if cur != "" {
		lines = append(lines, cur)
	}
	return lines
}

func clamp(v, lo, hi int) int {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}
