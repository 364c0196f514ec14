package capture

import (
	"bytes"
	"context"
	"image"
	"image/color"
	"image/png"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/image/bmp"
)

func solid(w, h int) image.Image {
	img := image.NewRGBA(image.Rect(0, 0, w, h))
	for i := range img.Pix {
		img.Pix[i] = 0x80
	}
	img.Set(0, 0, color.Black)
	return img
}

func writePNG(t *testing.T, path string, img image.Image) {
	t.Helper()
	var buf bytes.Buffer
	require.NoError(t, png.Encode(&buf, img))
	require.NoError(t, os.WriteFile(path, buf.Bytes(), 0o644))
}

func TestFileSurfaceDecodesFormats(t *testing.T) {
	dir := t.TempDir()
	pngPath := filepath.Join(dir, "shot.png")
	writePNG(t, pngPath, solid(8, 4))
	img, err := FileSurface{Path: pngPath}.Capture(context.Background())
	require.NoError(t, err)
	assert.Equal(t, image.Rect(0, 0, 8, 4), img.Bounds())

	bmpPath := filepath.Join(dir, "shot.bmp")
	var buf bytes.Buffer
	require.NoError(t, bmp.Encode(&buf, solid(3, 3)))
	require.NoError(t, os.WriteFile(bmpPath, buf.Bytes(), 0o644))
	img, err = FileSurface{Path: bmpPath}.Capture(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 3, img.Bounds().Dx())
}

func TestFileSurfaceMissingFileCancels(t *testing.T) {
	_, err := FileSurface{Path: filepath.Join(t.TempDir(), "nope.png")}.Capture(context.Background())
	assert.ErrorIs(t, err, ErrCancelled)
	_, err = FileSurface{}.Capture(context.Background())
	assert.ErrorIs(t, err, ErrUnavailable)
}

func TestStaticSurface(t *testing.T) {
	s := NewStaticSurface(solid(2, 2))
	img, err := s.Capture(context.Background())
	require.NoError(t, err)
	assert.NotNil(t, img)
	_, err = s.Capture(context.Background())
	assert.ErrorIs(t, err, ErrCancelled)
	s.Push(nil)
	_, err = s.Capture(context.Background())
	assert.ErrorIs(t, err, ErrCancelled)
	s.Disable()
	_, err = s.Capture(context.Background())
	assert.ErrorIs(t, err, ErrUnavailable)
}

func TestIsImageFile(t *testing.T) {
	assert.True(t, IsImageFile("a.JPG"))
	assert.True(t, IsImageFile("/x/y.webp"))
	assert.False(t, IsImageFile("notes.txt"))
}

func TestInboxSurfaceYieldsDroppedFile(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "inbox")
	s, err := NewInboxSurface(dir, nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	type result struct {
		img image.Image
		err error
	}
	done := make(chan result, 1)
	go func() {
		img, err := s.Capture(ctx)
		done <- result{img, err}
	}()

	require.NoError(t, os.WriteFile(filepath.Join(dir, "ignored.txt"), []byte("x"), 0o644))
	tmp := filepath.Join(t.TempDir(), "drop.png")
	writePNG(t, tmp, solid(5, 5))
	require.NoError(t, os.Rename(tmp, filepath.Join(dir, "drop.png")))

	res := <-done
	require.NoError(t, res.err)
	assert.Equal(t, 5, res.img.Bounds().Dx())
}

func TestInboxSurfaceCancel(t *testing.T) {
	s, err := NewInboxSurface(t.TempDir(), nil)
	require.NoError(t, err)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err = s.Capture(ctx)
	assert.ErrorIs(t, err, ErrCancelled)
	require.NoError(t, s.Close())
	_, err = s.Capture(context.Background())
	assert.ErrorIs(t, err, ErrUnavailable)
}
