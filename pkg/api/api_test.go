package api

import (
	"bytes"
	"context"
	"encoding/json"
	"image"
	"image/png"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel/codes"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"

	"github.com/godeps/qrshare/pkg/capture"
	"github.com/godeps/qrshare/pkg/export"
	"github.com/godeps/qrshare/pkg/extract"
	"github.com/godeps/qrshare/pkg/imagestore"
	"github.com/godeps/qrshare/pkg/link"
	"github.com/godeps/qrshare/pkg/notify"
	"github.com/godeps/qrshare/pkg/permission"
	"github.com/godeps/qrshare/pkg/pipeline"
	"github.com/godeps/qrshare/pkg/telemetry"
)

type fixture struct {
	srv      *httptest.Server
	platform *export.Recorder
	gate     *permission.Gate
	journal  *notify.Journal
}

func newFixture(t *testing.T, grantAll bool, cands ...extract.Candidate) *fixture {
	t.Helper()
	uploads := capture.NewStaticSurface()
	store := imagestore.NewMemoryStore()
	grants := export.NewGrants(time.Minute)
	platform := &export.Recorder{}
	gate := permission.NewGate(permission.NewMemoryStore(), nil)
	if grantAll {
		_, err := gate.GrantAll(pipeline.DefaultSubject, permission.CaptureCapabilities...)
		require.NoError(t, err)
	}
	journal, err := notify.OpenJournal(filepath.Join(t.TempDir(), "notices.jsonl"), nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = journal.Close() })

	decoder := extract.DecoderFunc(func(context.Context, image.Image) ([]extract.Candidate, error) {
		return cands, nil
	})
	ctrl, err := pipeline.New(pipeline.Options{
		Surface:    uploads,
		Extractor:  extract.Async(decoder),
		Store:      store,
		Opener:     link.NewRecorder(),
		Dispatcher: export.NewDispatcher(platform, grants, export.Options{BaseURL: "http://qrshare.test"}),
		Gate:       gate,
		Notifier:   journal,
	})
	require.NoError(t, err)
	t.Cleanup(func() { _ = ctrl.Close() })

	server, err := New(Options{
		Controller:  ctrl,
		Uploads:     uploads,
		Store:       store,
		Grants:      grants,
		Gate:        gate,
		Journal:     journal,
		WaitTimeout: 2 * time.Second,
	})
	require.NoError(t, err)
	srv := httptest.NewServer(server.Router())
	t.Cleanup(srv.Close)
	return &fixture{srv: srv, platform: platform, gate: gate, journal: journal}
}

func pngBody(t *testing.T) *bytes.Buffer {
	t.Helper()
	img := image.NewGray(image.Rect(0, 0, 4, 4))
	var buf bytes.Buffer
	require.NoError(t, png.Encode(&buf, img))
	return &buf
}

func decodeBody(t *testing.T, resp *http.Response, v any) {
	t.Helper()
	defer resp.Body.Close()
	require.NoError(t, json.NewDecoder(resp.Body).Decode(v))
}

func (f *fixture) post(t *testing.T, path, contentType string, body *bytes.Buffer) *http.Response {
	t.Helper()
	if body == nil {
		body = &bytes.Buffer{}
	}
	resp, err := http.Post(f.srv.URL+path, contentType, body)
	require.NoError(t, err)
	return resp
}

func (f *fixture) get(t *testing.T, path string) *http.Response {
	t.Helper()
	resp, err := http.Get(f.srv.URL + path)
	require.NoError(t, err)
	return resp
}

func TestHealth(t *testing.T) {
	f := newFixture(t, true)
	resp := f.get(t, "/healthz")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.NotEmpty(t, resp.Header.Get("X-Request-ID"))
	var body map[string]string
	decodeBody(t, resp, &body)
	assert.Equal(t, "ok", body["status"])
}

func TestCaptureShareAndServeImage(t *testing.T) {
	f := newFixture(t, true, extract.Candidate{Format: extract.FormatQRCode, DisplayValue: "example.com"})

	resp := f.post(t, "/v1/captures?wait=true", "image/png", pngBody(t))
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var out outcomeResponse
	decodeBody(t, resp, &out)
	assert.Equal(t, "ready", out.State)
	assert.Equal(t, "example.com", out.Text)
	assert.Equal(t, "http://example.com", out.URL)

	var sess sessionResponse
	decodeBody(t, f.get(t, "/v1/session"), &sess)
	assert.True(t, sess.ShareReady)
	assert.Equal(t, out.Handle, sess.Handle)

	resp = f.post(t, "/v1/share", "application/json", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var intent export.Intent
	decodeBody(t, resp, &intent)
	assert.Equal(t, "QR code link: example.com", intent.Text)
	assert.Equal(t, "image/jpeg", intent.MIMEType)
	require.True(t, strings.HasPrefix(intent.StreamURL, "http://qrshare.test/v1/images/"))
	assert.Equal(t, 1, f.platform.Calls())

	img := f.get(t, "/v1/images/"+intent.GrantToken)
	defer img.Body.Close()
	require.Equal(t, http.StatusOK, img.StatusCode)
	assert.Equal(t, "image/jpeg", img.Header.Get("Content-Type"))

	var notices []notify.Notice
	decodeBody(t, f.get(t, "/v1/notices?since=0"), &notices)
	kinds := make([]notify.Kind, 0, len(notices))
	for _, n := range notices {
		kinds = append(kinds, n.Kind)
	}
	assert.Contains(t, kinds, notify.KindReady)
	assert.Contains(t, kinds, notify.KindShared)
}

func TestCaptureWithoutWaitIsAccepted(t *testing.T) {
	f := newFixture(t, true)
	resp := f.post(t, "/v1/captures", "image/png", pngBody(t))
	require.Equal(t, http.StatusAccepted, resp.StatusCode)
	var body captureResponse
	decodeBody(t, resp, &body)
	assert.Equal(t, uint64(1), body.Generation)
}

func TestMultipartUpload(t *testing.T) {
	f := newFixture(t, true)
	var buf bytes.Buffer
	mw := multipart.NewWriter(&buf)
	part, err := mw.CreateFormFile("image", "shot.png")
	require.NoError(t, err)
	_, err = part.Write(pngBody(t).Bytes())
	require.NoError(t, err)
	require.NoError(t, mw.Close())

	resp := f.post(t, "/v1/captures?wait=1", mw.FormDataContentType(), &buf)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var out outcomeResponse
	decodeBody(t, resp, &out)
	assert.Equal(t, "no_code_found", out.State)
}

func TestInvalidImageRejected(t *testing.T) {
	f := newFixture(t, true)
	resp := f.post(t, "/v1/captures", "image/png", bytes.NewBufferString("not an image"))
	defer resp.Body.Close()
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestShareWithoutReadySession(t *testing.T) {
	f := newFixture(t, true)
	resp := f.post(t, "/v1/share", "application/json", nil)
	require.Equal(t, http.StatusConflict, resp.StatusCode)
	var body errorResponse
	decodeBody(t, resp, &body)
	assert.Equal(t, "nothing_to_share", body.Code)
	assert.Equal(t, "No image or QR code URL to share", body.Message)
	assert.Zero(t, f.platform.Calls())
}

func TestShareWithoutReceiver(t *testing.T) {
	f := newFixture(t, true, extract.Candidate{Format: extract.FormatQRCode, DisplayValue: "example.com"})
	resp := f.post(t, "/v1/captures?wait=true", "image/png", pngBody(t))
	resp.Body.Close()
	f.platform.SetErr(export.ErrNoReceiver)

	resp = f.post(t, "/v1/share", "application/json", nil)
	require.Equal(t, http.StatusBadGateway, resp.StatusCode)
	var body errorResponse
	decodeBody(t, resp, &body)
	assert.Equal(t, "No compatible app found", body.Message)
}

func TestPermissionFlow(t *testing.T) {
	f := newFixture(t, false)

	resp := f.post(t, "/v1/captures", "image/png", pngBody(t))
	require.Equal(t, http.StatusForbidden, resp.StatusCode)
	var denied permissionResponse
	decodeBody(t, resp, &denied)
	assert.Equal(t, "permission_required", denied.Code)
	assert.ElementsMatch(t, []string{"camera", "storage-write"}, denied.Missing)

	var pending []permission.Record
	decodeBody(t, f.get(t, "/v1/permissions/pending"), &pending)
	require.Len(t, pending, 1)
	assert.Equal(t, denied.RequestID, pending[0].ID)

	resp = f.post(t, "/v1/permissions/"+denied.RequestID+"/approve", "application/json", bytes.NewBufferString(`{"comment":"ok"}`))
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var rec permission.Record
	decodeBody(t, resp, &rec)
	assert.Equal(t, permission.DecisionGranted, rec.Decision)

	resp = f.post(t, "/v1/permissions/"+denied.RequestID+"/reject", "application/json", nil)
	resp.Body.Close()
	assert.Equal(t, http.StatusConflict, resp.StatusCode)

	resp = f.post(t, "/v1/captures", "image/png", pngBody(t))
	resp.Body.Close()
	assert.Equal(t, http.StatusAccepted, resp.StatusCode)
}

func TestUnknownPermissionRequest(t *testing.T) {
	f := newFixture(t, false)
	resp := f.post(t, "/v1/permissions/missing/approve", "application/json", nil)
	resp.Body.Close()
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestUnknownGrant(t *testing.T) {
	f := newFixture(t, true)
	resp := f.get(t, "/v1/images/nope")
	resp.Body.Close()
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestNoticesRejectsBadCursor(t *testing.T) {
	f := newFixture(t, true)
	resp := f.get(t, "/v1/notices?since=abc")
	resp.Body.Close()
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestNewValidatesOptions(t *testing.T) {
	_, err := New(Options{})
	require.Error(t, err)
}

func TestRequestsAreTraced(t *testing.T) {
	exporter := tracetest.NewInMemoryExporter()
	tp := sdktrace.NewTracerProvider(sdktrace.WithSyncer(exporter))
	mgr, err := telemetry.NewManager(context.Background(), telemetry.Config{TracerProvider: tp})
	require.NoError(t, err)
	telemetry.SetDefault(mgr)
	t.Cleanup(func() {
		telemetry.SetDefault(nil)
		_ = mgr.Shutdown(context.Background())
	})

	f := newFixture(t, true)
	resp := f.get(t, "/v1/images/missing")
	resp.Body.Close()
	require.Equal(t, http.StatusNotFound, resp.StatusCode)

	// The span ends after the response has been flushed.
	require.Eventually(t, func() bool { return len(exporter.GetSpans()) == 1 }, 2*time.Second, 10*time.Millisecond)
	spans := exporter.GetSpans()
	assert.Equal(t, "qrshare.http", spans[0].Name)
	attrs := map[string]string{}
	for _, kv := range spans[0].Attributes {
		attrs[string(kv.Key)] = kv.Value.Emit()
	}
	assert.Equal(t, "/v1/images/{grant}", attrs["http.route"])
	assert.Equal(t, "404", attrs["http.status_code"])
	assert.Equal(t, codes.Ok, spans[0].Status.Code)
}
