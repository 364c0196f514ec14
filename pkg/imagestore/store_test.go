package imagestore

import (
	"context"
	"errors"
	"image"
	"image/color"
	"io"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testImage(c color.Color) image.Image {
	img := image.NewRGBA(image.Rect(0, 0, 16, 16))
	for y := 0; y < 16; y++ {
		for x := 0; x < 16; x++ {
			img.Set(x, y, c)
		}
	}
	return img
}

func TestFileStoreOverwritesSingleSlot(t *testing.T) {
	dir := t.TempDir()
	st, err := NewFileStore(dir, WithAuthority("test.provider"))
	require.NoError(t, err)
	ctx := context.Background()

	first, err := st.Persist(ctx, testImage(color.White))
	require.NoError(t, err)
	second, err := st.Persist(ctx, testImage(color.Black))
	require.NoError(t, err)
	assert.NotEqual(t, first, second)

	entries, err := os.ReadDir(dir)
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, ArtifactName, entries[0].Name())

	_, err = st.Open(ctx, first)
	assert.ErrorIs(t, err, ErrStaleHandle)

	rc, err := st.Open(ctx, second)
	require.NoError(t, err)
	data, err := io.ReadAll(rc)
	require.NoError(t, rc.Close())
	require.NoError(t, err)
	assert.NotEmpty(t, data)

	cur, ok := st.Current()
	require.True(t, ok)
	assert.Equal(t, second, cur)
}

func TestHandleDoesNotExposePath(t *testing.T) {
	dir := t.TempDir()
	st, err := NewFileStore(dir)
	require.NoError(t, err)
	h, err := st.Persist(context.Background(), testImage(color.White))
	require.NoError(t, err)
	assert.True(t, strings.HasPrefix(h.URI, "content://qrshare.provider/images/"), h.URI)
	assert.NotContains(t, h.URI, dir)
	assert.NotContains(t, h.URI, ArtifactName)
}

func TestFileStorePersistErrors(t *testing.T) {
	st, err := NewFileStore(t.TempDir())
	require.NoError(t, err)
	_, err = st.Persist(context.Background(), nil)
	assert.ErrorIs(t, err, ErrPersist)

	blocker := filepath.Join(t.TempDir(), "file")
	require.NoError(t, os.WriteFile(blocker, []byte("x"), 0o644))
	_, err = NewFileStore(filepath.Join(blocker, "sub"))
	assert.ErrorIs(t, err, ErrPersist)
}

func TestFileStoreAdoptRestoresHandle(t *testing.T) {
	dir := t.TempDir()
	st, err := NewFileStore(dir)
	require.NoError(t, err)
	h, err := st.Persist(context.Background(), testImage(color.White))
	require.NoError(t, err)

	reopened, err := NewFileStore(dir)
	require.NoError(t, err)
	_, err = reopened.Open(context.Background(), h)
	assert.ErrorIs(t, err, ErrEmpty)
	require.NoError(t, reopened.Adopt(h))
	img, err := DecodeArtifact(context.Background(), reopened, h)
	require.NoError(t, err)
	assert.Equal(t, 16, img.Bounds().Dx())
}

func TestHandleToken(t *testing.T) {
	_, err := Handle{URI: "file:///tmp/qrcode_image.jpg"}.Token()
	assert.ErrorIs(t, err, ErrInvalidHandle)
	tok, err := newHandle("a", "abc").Token()
	require.NoError(t, err)
	assert.Equal(t, "abc", tok)
	assert.True(t, Handle{}.IsZero())
}

func TestMemoryStoreFailNext(t *testing.T) {
	st := NewMemoryStore()
	boom := errors.New("disk full")
	st.FailNext(boom)
	_, err := st.Persist(context.Background(), testImage(color.White))
	require.ErrorIs(t, err, ErrPersist)
	_, ok := st.Current()
	assert.False(t, ok)

	h, err := st.Persist(context.Background(), testImage(color.White))
	require.NoError(t, err)
	assert.Equal(t, 2, st.Writes())
	rc, err := st.Open(context.Background(), h)
	require.NoError(t, err)
	_ = rc.Close()
}
