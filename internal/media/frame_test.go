package media

import (
	"context"
	"image"
	"image/color"
	"os"
	"path/filepath"
	"testing"

	"github.com/disintegration/imaging"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var red = color.NRGBA{R: 255, A: 255}

func writeImage(t *testing.T, w, h int) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "src.png")
	require.NoError(t, imaging.Save(imaging.New(w, h, red), path))
	return path
}

func TestContainFit_WidePadsTopAndBottom(t *testing.T) {
	frame := ContainFit(imaging.New(400, 100, red), 1920, 1080, color.Black)

	assert.Equal(t, image.Rect(0, 0, 1920, 1080), frame.Bounds())
	// 400x100 scales to 1920x480, leaving 300px bars above and below.
	assert.Equal(t, color.NRGBA{A: 255}, frame.NRGBAAt(960, 100))
	assert.Equal(t, red, frame.NRGBAAt(960, 540))
	assert.Equal(t, color.NRGBA{A: 255}, frame.NRGBAAt(960, 1000))
}

func TestContainFit_TallPadsSides(t *testing.T) {
	frame := ContainFit(imaging.New(100, 400, red), 1920, 1080, color.Black)

	assert.Equal(t, color.NRGBA{A: 255}, frame.NRGBAAt(100, 540))
	assert.Equal(t, red, frame.NRGBAAt(960, 540))
}

func TestRenderFrame_WritesFixedSize(t *testing.T) {
	r, err := NewFrameRenderer(FrameOptions{Width: 640, Height: 360, Captions: true, Watermark: "LitShorts"})
	require.NoError(t, err)

	dst := filepath.Join(t.TempDir(), "frames", "image_0.png")
	err = r.RenderFrame(context.Background(), writeImage(t, 300, 300), dst,
		"It was the best of times, it was the worst of times, it was the age of wisdom")
	require.NoError(t, err)

	out, err := imaging.Open(dst)
	require.NoError(t, err)
	assert.Equal(t, 640, out.Bounds().Dx())
	assert.Equal(t, 360, out.Bounds().Dy())
}

func TestRenderFrame_BadSource(t *testing.T) {
	r, err := NewFrameRenderer(FrameOptions{Width: 64, Height: 36})
	require.NoError(t, err)

	bad := filepath.Join(t.TempDir(), "broken.png")
	require.NoError(t, os.WriteFile(bad, []byte("not an image"), 0644))

	assert.Error(t, r.RenderFrame(context.Background(), bad, filepath.Join(t.TempDir(), "out.png"), ""))
	assert.Error(t, r.RenderFrame(context.Background(), filepath.Join(t.TempDir(), "missing.png"), filepath.Join(t.TempDir(), "out.png"), ""))
}

func TestThumbnail(t *testing.T) {
	dst := filepath.Join(t.TempDir(), "poster.jpg")
	require.NoError(t, Thumbnail(writeImage(t, 1920, 1080), dst, 480, 270))

	out, err := imaging.Open(dst)
	require.NoError(t, err)
	assert.Equal(t, 480, out.Bounds().Dx())
	assert.Equal(t, 270, out.Bounds().Dy())
}

func TestNewFrameRenderer_RejectsZeroSize(t *testing.T) {
	_, err := NewFrameRenderer(FrameOptions{})
	assert.Error(t, err)
}
