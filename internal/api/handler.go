package api

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"mime"
	"mime/multipart"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/cellpose-tools/cellpose-console/internal/backend"
	"github.com/cellpose-tools/cellpose-console/internal/tasks"
)

type contextKey string

const requestIDContextKey contextKey = "requestID"

const maxUploadMemory = 32 << 20

// Backend is the subset of the backend client the handlers depend on.
type Backend interface {
	BaseURL() string
	Ping(ctx context.Context) error
	Upload(ctx context.Context, req backend.UploadRequest) (backend.UploadResult, error)
	Status(ctx context.Context, id string) (backend.TaskStatus, error)
	Preview(ctx context.Context, id string) ([]backend.Overlay, error)
	Download(ctx context.Context, id string, w io.Writer) (int64, error)
}

// Handler wires the backend client and task registry into HTTP handlers.
type Handler struct {
	backend  Backend
	registry tasks.Registry

	clock func() time.Time
}

// HandlerOption configures Handler behaviour.
type HandlerOption func(*Handler)

// WithClock overrides the time source, primarily for tests.
func WithClock(clock func() time.Time) HandlerOption {
	return func(h *Handler) {
		h.clock = clock
	}
}

// NewHandler constructs a Handler with the provided dependencies.
func NewHandler(client Backend, registry tasks.Registry, opts ...HandlerOption) *Handler {
	h := &Handler{
		backend:  client,
		registry: registry,
		clock: func() time.Time {
			return time.Now().UTC()
		},
	}
	for _, opt := range opts {
		opt(h)
	}
	return h
}

func (h *Handler) handleHealth(w http.ResponseWriter, _ *http.Request) {
	resp := healthResponse{
		Status:    "ok",
		Timestamp: h.clock(),
	}
	writeJSON(w, http.StatusOK, resp)
}

func (h *Handler) handleBackend(w http.ResponseWriter, r *http.Request) {
	resp := backendResponse{
		BaseURL:   h.backend.BaseURL(),
		Reachable: true,
		CheckedAt: h.clock(),
	}
	if err := h.backend.Ping(outboundContext(r)); err != nil {
		resp.Reachable = false
		resp.Error = err.Error()
	}
	writeJSON(w, http.StatusOK, resp)
}

func (h *Handler) handleSubmit(w http.ResponseWriter, r *http.Request) {
	if err := r.ParseMultipartForm(maxUploadMemory); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid request", "expected a multipart form with one or more files")
		return
	}
	defer func() {
		_ = r.MultipartForm.RemoveAll()
	}()

	req, err := parseUploadParams(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, "Invalid parameter", err.Error())
		return
	}

	headers := r.MultipartForm.File["files"]
	if len(headers) == 0 {
		writeError(w, http.StatusBadRequest, "Invalid request", backend.ErrNoFiles.Error())
		return
	}

	opened := make([]multipart.File, 0, len(headers))
	defer func() {
		for _, f := range opened {
			_ = f.Close()
		}
	}()
	for _, fh := range headers {
		if fh.Filename == "" {
			continue
		}
		f, err := fh.Open()
		if err != nil {
			writeInternalError(w, err)
			return
		}
		opened = append(opened, f)
		req.Files = append(req.Files, backend.File{Name: fh.Filename, Content: f})
	}

	result, err := h.backend.Upload(outboundContext(r), req)
	if err != nil {
		writeBackendError(w, err)
		return
	}

	model := req.Model
	if model == "" {
		model = backend.DefaultModel
	}
	task := tasks.Task{ID: result.ID, Files: result.Count, Model: model, State: tasks.StateRunning}
	if err := h.registry.Record(task); err != nil {
		writeError(w, http.StatusBadGateway, "Invalid backend response", err.Error())
		return
	}

	recorded, err := h.registry.Get(result.ID)
	if err != nil {
		writeInternalError(w, err)
		return
	}
	writeJSON(w, http.StatusAccepted, recorded)
}

func (h *Handler) handleListTasks(w http.ResponseWriter, r *http.Request) {
	_ = r
	list := h.registry.List()
	writeJSON(w, http.StatusOK, taskListResponse{Tasks: list, Count: len(list)})
}

func (h *Handler) handleTaskStatus(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	status, err := h.backend.Status(outboundContext(r), id)
	if err != nil {
		writeBackendError(w, err)
		return
	}
	if !status.Exists {
		writeError(w, http.StatusNotFound, "Task not found", "the backend has no record of task "+id,
			"Task records expire one day after submission")
		return
	}

	resp := taskStatusResponse{TaskStatus: status}
	if task, err := h.registry.UpdateState(id, status.State, status.Error); err == nil {
		resp.Task = &task
	}
	writeJSON(w, http.StatusOK, resp)
}

func (h *Handler) handlePreview(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	overlays, err := h.backend.Preview(outboundContext(r), id)
	if err != nil {
		if errors.Is(err, backend.ErrNoOverlays) {
			writeError(w, http.StatusConflict, "Preview not ready", err.Error(),
				"Wait until the task status is success")
			return
		}
		writeBackendError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, previewResponse{ID: id, Count: len(overlays), Images: overlays})
}

func (h *Handler) handleArchive(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	aw := &archiveWriter{ResponseWriter: w, filename: id + ".zip"}
	if _, err := h.backend.Download(outboundContext(r), id, aw); err != nil {
		if !aw.started {
			writeBackendError(w, err)
		}
		return
	}
	if !aw.started {
		aw.start()
	}
}

// archiveWriter delays the attachment headers until the first byte arrives
// so that a failed download can still be reported as JSON.
type archiveWriter struct {
	http.ResponseWriter
	filename string
	started  bool
}

func (a *archiveWriter) start() {
	a.started = true
	a.Header().Set("Content-Type", "application/zip")
	disposition := mime.FormatMediaType("attachment", map[string]string{"filename": a.filename})
	if disposition == "" {
		disposition = "attachment"
	}
	a.Header().Set("Content-Disposition", disposition)
	a.WriteHeader(http.StatusOK)
}

func (a *archiveWriter) Write(p []byte) (int, error) {
	if !a.started {
		a.start()
	}
	return a.ResponseWriter.Write(p)
}

func parseUploadParams(r *http.Request) (backend.UploadRequest, error) {
	req := backend.UploadRequest{Model: strings.TrimSpace(r.FormValue("model"))}

	params := []struct {
		name   string
		target **float64
	}{
		{"flow_threshold", &req.FlowThreshold},
		{"cellprob_threshold", &req.CellprobThreshold},
		{"diameter", &req.Diameter},
	}
	for _, p := range params {
		raw := strings.TrimSpace(r.FormValue(p.name))
		if raw == "" {
			continue
		}
		v, err := strconv.ParseFloat(raw, 64)
		if err != nil {
			return backend.UploadRequest{}, errors.New(p.name + " must be a number")
		}
		*p.target = &v
	}

	return req, nil
}

func outboundContext(r *http.Request) context.Context {
	ctx := r.Context()
	if id := requestIDFromContext(ctx); id != "" {
		ctx = backend.ContextWithRequestID(ctx, id)
	}
	return ctx
}

func requestIDFromContext(ctx context.Context) string {
	if v := ctx.Value(requestIDContextKey); v != nil {
		if id, ok := v.(string); ok {
			return id
		}
	}
	return ""
}

type backendResponse struct {
	BaseURL   string    `json:"baseUrl"`
	Reachable bool      `json:"reachable"`
	Error     string    `json:"error,omitempty"`
	CheckedAt time.Time `json:"checkedAt"`
}

type taskListResponse struct {
	Tasks []tasks.Task `json:"tasks"`
	Count int          `json:"count"`
}

type taskStatusResponse struct {
	backend.TaskStatus
	Task *tasks.Task `json:"task,omitempty"`
}

type previewResponse struct {
	ID     string            `json:"id"`
	Count  int               `json:"count"`
	Images []backend.Overlay `json:"images"`
}

type healthResponse struct {
	Status    string    `json:"status"`
	Timestamp time.Time `json:"timestamp"`
}

type errorResponse struct {
	Error      string `json:"error"`
	Details    string `json:"details,omitempty"`
	Suggestion string `json:"suggestion,omitempty"`
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	if status != 0 {
		w.WriteHeader(status)
	}
	_ = json.NewEncoder(w).Encode(payload)
}

func writeError(w http.ResponseWriter, status int, message, details string, suggestion ...string) {
	resp := errorResponse{
		Error:   message,
		Details: details,
	}
	if len(suggestion) > 0 {
		resp.Suggestion = suggestion[0]
	}
	writeJSON(w, status, resp)
}

func writeInternalError(w http.ResponseWriter, err error) {
	writeError(w, http.StatusInternalServerError, "Internal error", err.Error())
}

func writeBackendError(w http.ResponseWriter, err error) {
	var statusErr *backend.StatusError
	switch {
	case errors.Is(err, backend.ErrInvalidTaskID), errors.Is(err, backend.ErrNoFiles):
		writeError(w, http.StatusBadRequest, "Invalid request", err.Error())
	case errors.Is(err, backend.ErrTaskNotFound):
		writeError(w, http.StatusNotFound, "Task not found", err.Error())
	case errors.As(err, &statusErr) && statusErr.Code == http.StatusNotFound:
		writeError(w, http.StatusNotFound, "Task not found", err.Error())
	case errors.Is(err, context.DeadlineExceeded):
		writeError(w, http.StatusGatewayTimeout, "Backend timeout", err.Error(),
			"Increase the backend timeout or retry once the backend is less busy")
	default:
		writeError(w, http.StatusBadGateway, "Backend error", err.Error(),
			"Check that the backend address in the endpoint package is correct and the server is running")
	}
}
