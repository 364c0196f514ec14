package main

import (
	"bytes"
	"context"
	"fmt"
	"image"
	"image/png"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/makiuchi-d/gozxing"
	"github.com/makiuchi-d/gozxing/qrcode"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func setupEnv(t *testing.T) string {
	t.Helper()
	dir := t.TempDir()
	t.Setenv("QRSHARE_CONFIG", "")
	t.Setenv("QRSHARE_DATA_DIR", filepath.Join(dir, "data"))
	t.Setenv("QRSHARE_LOG_LEVEL", "error")
	t.Setenv("QRSHARE_OPEN_COMMAND", "true")
	t.Setenv("QRSHARE_SHARE_COMMAND", "true")
	return dir
}

func writeQR(t *testing.T, path, text string) {
	t.Helper()
	matrix, err := qrcode.NewQRCodeWriter().Encode(text, gozxing.BarcodeFormat_QR_CODE, 200, 200, nil)
	require.NoError(t, err)
	f, err := os.Create(path)
	require.NoError(t, err)
	defer f.Close()
	require.NoError(t, png.Encode(f, matrix))
}

func runCLI(t *testing.T, args ...string) (int, string, string) {
	t.Helper()
	var stdout, stderr bytes.Buffer
	code := run(context.Background(), args, &stdout, &stderr)
	return code, stdout.String(), stderr.String()
}

func TestRunWithoutCommand(t *testing.T) {
	code, _, stderr := runCLI(t)
	assert.Equal(t, exitUsage, code)
	assert.Contains(t, stderr, "usage: qrshare")

	code, _, stderr = runCLI(t, "bogus")
	assert.Equal(t, exitUsage, code)
	assert.Contains(t, stderr, `unknown command "bogus"`)
}

func TestScanGrantShare(t *testing.T) {
	dir := setupEnv(t)
	img := filepath.Join(dir, "code.png")
	writeQR(t, img, "example.com")

	code, _, stderr := runCLI(t, "scan", img)
	require.Equal(t, exitPermission, code)
	assert.Contains(t, stderr, "qrshare grant -approve")

	code, stdout, _ := runCLI(t, "grant")
	require.Equal(t, exitOK, code)
	assert.Contains(t, stdout, `"decision": "pending"`)

	code, _, _ = runCLI(t, "grant", "-all")
	require.Equal(t, exitOK, code)

	code, stdout, stderr = runCLI(t, "scan", img)
	require.Equal(t, exitOK, code, stderr)
	assert.Equal(t, "http://example.com", strings.TrimSpace(stdout))

	code, stdout, stderr = runCLI(t, "share")
	require.Equal(t, exitOK, code, stderr)
	assert.Contains(t, stdout, `"text": "QR code link: example.com"`)
	assert.Contains(t, stdout, `"mime_type": "image/jpeg"`)

	code, stdout, stderr = runCLI(t, "grant", "-compact")
	require.Equal(t, exitOK, code, stderr)
	assert.Contains(t, stdout, `"after_count": 1`)

	code, _, stderr = runCLI(t, "scan", img)
	require.Equal(t, exitOK, code, stderr)
}

func TestScanImageWithoutCode(t *testing.T) {
	dir := setupEnv(t)
	code, _, _ := runCLI(t, "grant", "-all")
	require.Equal(t, exitOK, code)

	blank := filepath.Join(dir, "blank.png")
	f, err := os.Create(blank)
	require.NoError(t, err)
	require.NoError(t, png.Encode(f, newBlank()))
	require.NoError(t, f.Close())

	code, stdout, _ := runCLI(t, "scan", blank)
	assert.Equal(t, exitFailed, code)
	assert.Contains(t, stdout, "No QR code found")

	code, stdout, _ = runCLI(t, "share")
	assert.Equal(t, exitFailed, code)
	assert.Contains(t, stdout, "No image or QR code URL to share")
}

func TestScanMissingFileIsSilent(t *testing.T) {
	dir := setupEnv(t)
	code, _, _ := runCLI(t, "grant", "-all")
	require.Equal(t, exitOK, code)

	code, stdout, stderr := runCLI(t, "scan", filepath.Join(dir, "missing.png"))
	assert.Equal(t, exitFailed, code)
	assert.Empty(t, stdout)
	assert.Empty(t, stderr)
}

func newBlank() *image.Gray {
	img := image.NewGray(image.Rect(0, 0, 64, 64))
	for i := range img.Pix {
		img.Pix[i] = 0xff
	}
	return img
}

type syncBuffer struct {
	mu  sync.Mutex
	buf bytes.Buffer
}

func (b *syncBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.Write(p)
}

func (b *syncBuffer) String() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.String()
}

func TestWatchScansDroppedImagesAndSavesSession(t *testing.T) {
	dir := setupEnv(t)
	inbox := filepath.Join(dir, "inbox")

	code, _, stderr := runCLI(t, "watch", inbox)
	require.Equal(t, exitPermission, code)
	assert.Contains(t, stderr, "qrshare grant -approve")

	code, _, _ = runCLI(t, "grant", "-all")
	require.Equal(t, exitOK, code)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	var stdout, errOut syncBuffer
	done := make(chan int, 1)
	go func() { done <- run(ctx, []string{"watch", inbox}, &stdout, &errOut) }()

	// Files dropped before the watcher is registered go unnoticed, so keep
	// dropping fresh ones until a scan is reported.
	staging := t.TempDir()
	deadline := time.Now().Add(5 * time.Second)
	for i := 0; !strings.Contains(stdout.String(), "http://example.com"); i++ {
		if time.Now().After(deadline) {
			t.Fatalf("no scan reported; stdout=%q stderr=%q", stdout.String(), errOut.String())
		}
		name := fmt.Sprintf("code-%d.png", i)
		writeQR(t, filepath.Join(staging, name), "example.com")
		require.NoError(t, os.Rename(filepath.Join(staging, name), filepath.Join(inbox, name)))
		time.Sleep(100 * time.Millisecond)
	}

	cancel()
	select {
	case code := <-done:
		assert.Equal(t, exitOK, code, errOut.String())
	case <-time.After(5 * time.Second):
		t.Fatal("watch did not stop after cancel")
	}

	_, err := os.Stat(filepath.Join(dir, "data", "session", snapshotName+".json"))
	require.NoError(t, err)

	code, out, stderr := runCLI(t, "share")
	require.Equal(t, exitOK, code, stderr)
	assert.Contains(t, out, `"text": "QR code link: example.com"`)
}
