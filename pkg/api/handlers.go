package api

import (
	"context"
	"encoding/json"
	"errors"
	"image"
	"io"
	"mime"
	"net/http"
	"strconv"
	"strings"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"github.com/godeps/qrshare/pkg/capture"
	"github.com/godeps/qrshare/pkg/export"
	"github.com/godeps/qrshare/pkg/imagestore"
	"github.com/godeps/qrshare/pkg/notify"
	"github.com/godeps/qrshare/pkg/pipeline"
)

type errorResponse struct {
	Code      string `json:"code"`
	Message   string `json:"message"`
	RequestID string `json:"request_id,omitempty"`
}

type captureResponse struct {
	Generation uint64 `json:"generation"`
	State      string `json:"state"`
}

type outcomeResponse struct {
	Generation uint64 `json:"generation"`
	State      string `json:"state"`
	Text       string `json:"text,omitempty"`
	Handle     string `json:"handle,omitempty"`
	URL        string `json:"url,omitempty"`
	Superseded bool   `json:"superseded,omitempty"`
	Error      string `json:"error,omitempty"`
}

type sessionResponse struct {
	Generation  uint64 `json:"generation"`
	State       string `json:"state"`
	DecodedText string `json:"decoded_text,omitempty"`
	Handle      string `json:"handle,omitempty"`
	ShareReady  bool   `json:"share_ready"`
}

type permissionResponse struct {
	Code      string   `json:"code"`
	Message   string   `json:"message"`
	RequestID string   `json:"permission_request_id"`
	Missing   []string `json:"missing"`
}

type decisionRequest struct {
	Comment string `json:"comment"`
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// handleCapture treats the uploaded image as a capture event.
func (s *Server) handleCapture(w http.ResponseWriter, r *http.Request) {
	img, err := s.readUpload(w, r)
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid_image", err.Error())
		return
	}

	s.uploadMu.Lock()
	s.uploads.Push(img)
	gen, err := s.ctrl.Capture(r.Context())
	s.uploads.Reset()
	s.uploadMu.Unlock()

	var perr *pipeline.PermissionError
	switch {
	case errors.As(err, &perr):
		missing := make([]string, 0, len(perr.Request.Capabilities))
		for _, c := range perr.Request.Capabilities {
			missing = append(missing, string(c))
		}
		writeJSON(w, http.StatusForbidden, permissionResponse{
			Code:      "permission_required",
			Message:   notify.Message(notify.KindPermissionRequired),
			RequestID: perr.Request.ID,
			Missing:   missing,
		})
		return
	case errors.Is(err, pipeline.ErrCaptureCancelled):
		writeError(w, http.StatusUnprocessableEntity, "capture_cancelled", err.Error())
		return
	case errors.Is(err, pipeline.ErrClosed):
		writeError(w, http.StatusServiceUnavailable, "shutting_down", err.Error())
		return
	case err != nil:
		writeError(w, http.StatusInternalServerError, "capture_failed", err.Error())
		return
	}

	if !boolParam(r.URL.Query().Get("wait")) {
		writeJSON(w, http.StatusAccepted, captureResponse{Generation: gen, State: string(pipeline.StateExtracting)})
		return
	}
	ctx, cancel := context.WithTimeout(r.Context(), s.waitTimeout)
	defer cancel()
	out, err := s.ctrl.Wait(ctx, gen)
	if err != nil {
		writeJSON(w, http.StatusAccepted, captureResponse{Generation: gen, State: string(s.ctrl.Session().State)})
		return
	}
	writeJSON(w, http.StatusOK, toOutcome(out))
}

func (s *Server) readUpload(w http.ResponseWriter, r *http.Request) (image.Image, error) {
	if r.Body == nil {
		return nil, errors.New("request body is empty")
	}
	r.Body = http.MaxBytesReader(w, r.Body, s.maxUpload)
	defer r.Body.Close()

	mediaType, _, _ := mime.ParseMediaType(r.Header.Get("Content-Type"))
	if mediaType == "multipart/form-data" {
		if err := r.ParseMultipartForm(s.maxUpload); err != nil {
			return nil, err
		}
		file, _, err := r.FormFile("image")
		if err != nil {
			return nil, err
		}
		defer file.Close()
		return capture.Decode(file)
	}
	return capture.Decode(r.Body)
}

func (s *Server) handleSession(w http.ResponseWriter, r *http.Request) {
	sess := s.ctrl.Session()
	writeJSON(w, http.StatusOK, sessionResponse{
		Generation:  sess.Generation,
		State:       string(sess.State),
		DecodedText: sess.DecodedText,
		Handle:      sess.Handle.String(),
		ShareReady:  sess.ShareReady(),
	})
}

func (s *Server) handleShare(w http.ResponseWriter, r *http.Request) {
	intent, err := s.ctrl.Share(r.Context())
	switch {
	case errors.Is(err, export.ErrNothingToShare):
		writeError(w, http.StatusConflict, "nothing_to_share", notify.Message(notify.KindNothingToShare))
	case errors.Is(err, export.ErrDispatchUnavailable):
		writeError(w, http.StatusBadGateway, "dispatch_unavailable", notify.Message(notify.KindDispatchUnavailable))
	case err != nil:
		writeError(w, http.StatusInternalServerError, "share_failed", err.Error())
	default:
		writeJSON(w, http.StatusOK, intent)
	}
}

// handleImage serves the persisted artifact to holders of a live grant.
func (s *Server) handleImage(w http.ResponseWriter, r *http.Request) {
	if s.grants == nil {
		writeError(w, http.StatusNotFound, "grant_not_found", "grants are disabled")
		return
	}
	h, ok := s.grants.Resolve(chi.URLParam(r, "grant"))
	if !ok {
		writeError(w, http.StatusNotFound, "grant_not_found", "grant expired or unknown")
		return
	}
	rc, err := s.store.Open(r.Context(), h)
	switch {
	case errors.Is(err, imagestore.ErrStaleHandle), errors.Is(err, imagestore.ErrEmpty):
		writeError(w, http.StatusGone, "image_gone", err.Error())
		return
	case err != nil:
		writeError(w, http.StatusInternalServerError, "image_unavailable", err.Error())
		return
	}
	defer rc.Close()
	w.Header().Set("Content-Type", imagestore.MIMEType)
	w.Header().Set("Content-Disposition", `inline; filename="`+imagestore.ArtifactName+`"`)
	w.Header().Set("Cache-Control", "no-store")
	w.WriteHeader(http.StatusOK)
	if _, err := io.Copy(w, rc); err != nil {
		s.logger.Warn("stream image", zap.Error(err))
	}
}

func (s *Server) handleNotices(w http.ResponseWriter, r *http.Request) {
	if s.journal == nil {
		writeJSON(w, http.StatusOK, []notify.Notice{})
		return
	}
	var since uint64
	if raw := strings.TrimSpace(r.URL.Query().Get("since")); raw != "" {
		v, err := strconv.ParseUint(raw, 10, 64)
		if err != nil {
			writeError(w, http.StatusBadRequest, "invalid_since", "since must be a sequence number")
			return
		}
		since = v
	}
	notices := s.journal.ReadSince(since)
	if notices == nil {
		notices = []notify.Notice{}
	}
	writeJSON(w, http.StatusOK, notices)
}

func (s *Server) handlePendingPermissions(w http.ResponseWriter, r *http.Request) {
	if s.gate == nil {
		writeJSON(w, http.StatusOK, []any{})
		return
	}
	writeJSON(w, http.StatusOK, s.gate.Pending(r.URL.Query().Get("subject")))
}

func (s *Server) handleDecision(approve bool) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if s.gate == nil {
			writeError(w, http.StatusNotFound, "permissions_disabled", "no permission gate configured")
			return
		}
		var req decisionRequest
		if err := decodeJSON(r, &req); err != nil {
			writeError(w, http.StatusBadRequest, "invalid_request", err.Error())
			return
		}
		id := chi.URLParam(r, "id")
		if _, ok := s.gate.Lookup(id); !ok {
			writeError(w, http.StatusNotFound, "request_not_found", "unknown permission request")
			return
		}
		decide := s.gate.Reject
		if approve {
			decide = s.gate.Approve
		}
		rec, err := decide(id, req.Comment)
		if err != nil {
			writeError(w, http.StatusConflict, "request_not_pending", err.Error())
			return
		}
		writeJSON(w, http.StatusOK, rec)
	}
}

func toOutcome(out pipeline.Outcome) outcomeResponse {
	resp := outcomeResponse{
		Generation: out.Generation,
		State:      string(out.State),
		Text:       out.Text,
		Handle:     out.Handle.String(),
		URL:        out.URL,
		Superseded: out.Superseded(),
	}
	if out.Err != nil {
		resp.Error = out.Err.Error()
	}
	return resp
}

// decodeJSON accepts an empty body as the zero value.
func decodeJSON(r *http.Request, v any) error {
	if r.Body == nil {
		return nil
	}
	defer r.Body.Close()
	dec := json.NewDecoder(io.LimitReader(r.Body, maxBodyBytes))
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil && !errors.Is(err, io.EOF) {
		return err
	}
	return nil
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, code, message string) {
	writeJSON(w, status, errorResponse{Code: code, Message: message, RequestID: w.Header().Get("X-Request-ID")})
}
