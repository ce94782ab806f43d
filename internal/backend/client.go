package backend

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"net/url"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/cellpose-tools/cellpose-console/internal/endpoint"
)

const (
	defaultTimeout = 30 * time.Second
	maxErrorBody   = 512
)

// Option configures Client behaviour.
type Option func(*Client)

// WithHTTPClient overrides the underlying HTTP client.
func WithHTTPClient(hc *http.Client) Option {
	return func(c *Client) {
		if hc != nil {
			c.http = hc
		}
	}
}

// WithTimeout bounds each backend call. Archive downloads are bounded by the caller's context only.
func WithTimeout(d time.Duration) Option {
	return func(c *Client) {
		c.timeout = d
	}
}

// WithRateLimit throttles outbound requests. A non-positive rate or burst disables throttling.
func WithRateLimit(rps float64, burst int) Option {
	return func(c *Client) {
		if rps <= 0 || burst <= 0 {
			c.limiter = nil
			return
		}
		c.limiter = rate.NewLimiter(rate.Limit(rps), burst)
	}
}

// WithLogger sets the logger used for request tracing.
func WithLogger(logger *zap.Logger) Option {
	return func(c *Client) {
		if logger != nil {
			c.logger = logger
		}
	}
}

// Client talks to the segmentation backend rooted at a ServerConfig's base URL.
type Client struct {
	server  endpoint.ServerConfig
	http    *http.Client
	timeout time.Duration
	limiter *rate.Limiter
	logger  *zap.Logger
}

// New creates a Client for the given backend.
func New(server endpoint.ServerConfig, opts ...Option) *Client {
	c := &Client{
		server:  server,
		http:    &http.Client{},
		timeout: defaultTimeout,
		logger:  zap.NewNop(),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// BaseURL returns the URL every request is resolved against.
func (c *Client) BaseURL() string {
	return c.server.BaseURL()
}

// Ping checks that the backend answers on its root path.
func (c *Client) Ping(ctx context.Context) error {
	ctx, cancel := c.withTimeout(ctx)
	defer cancel()

	resp, err := c.do(ctx, http.MethodGet, "", nil, "")
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, resp.Body)
	return nil
}

// Upload sends images for segmentation and returns the id of the started task.
func (c *Client) Upload(ctx context.Context, req UploadRequest) (UploadResult, error) {
	if len(req.Files) == 0 {
		return UploadResult{}, ErrNoFiles
	}

	body, contentType, err := encodeUpload(req)
	if err != nil {
		return UploadResult{}, fmt.Errorf("encode upload: %w", err)
	}

	ctx, cancel := c.withTimeout(ctx)
	defer cancel()

	resp, err := c.do(ctx, http.MethodPost, "upload", body, contentType)
	if err != nil {
		return UploadResult{}, err
	}
	defer resp.Body.Close()

	var payload uploadResponse
	if err := json.NewDecoder(resp.Body).Decode(&payload); err != nil {
		return UploadResult{}, fmt.Errorf("decode upload response: %w", err)
	}
	if !payload.OK {
		return UploadResult{}, fmt.Errorf("%w: %s", ErrBackendRejected, payload.Error)
	}

	return UploadResult{ID: payload.ID, Count: payload.Count}, nil
}

// Status reports the state of a task. A task unknown to the backend is not an error.
func (c *Client) Status(ctx context.Context, id string) (TaskStatus, error) {
	path, err := taskPath("status", id)
	if err != nil {
		return TaskStatus{}, err
	}

	ctx, cancel := c.withTimeout(ctx)
	defer cancel()

	resp, err := c.do(ctx, http.MethodGet, path, nil, "")
	if err != nil {
		return TaskStatus{}, err
	}
	defer resp.Body.Close()

	var payload statusResponse
	if err := json.NewDecoder(resp.Body).Decode(&payload); err != nil {
		return TaskStatus{}, fmt.Errorf("decode status response: %w", err)
	}

	return TaskStatus{
		ID:        id,
		Exists:    payload.Exists,
		State:     payload.Status,
		UpdatedAt: payload.UpdatedAt,
		Error:     payload.Error,
	}, nil
}

// Preview fetches and decodes the overlay images of a finished task.
func (c *Client) Preview(ctx context.Context, id string) ([]Overlay, error) {
	path, err := taskPath("preview", id)
	if err != nil {
		return nil, err
	}

	ctx, cancel := c.withTimeout(ctx)
	defer cancel()

	resp, err := c.do(ctx, http.MethodGet, path, nil, "")
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	var payload previewResponse
	if err := json.NewDecoder(resp.Body).Decode(&payload); err != nil {
		return nil, fmt.Errorf("decode preview response: %w", err)
	}
	if !payload.OK {
		switch payload.Error {
		case ErrTaskNotFound.Error():
			return nil, ErrTaskNotFound
		case ErrNoOverlays.Error():
			return nil, ErrNoOverlays
		default:
			return nil, fmt.Errorf("%w: %s", ErrBackendRejected, payload.Error)
		}
	}

	overlays := make([]Overlay, 0, len(payload.Images))
	for _, img := range payload.Images {
		data, err := base64.StdEncoding.DecodeString(img.Image)
		if err != nil {
			return nil, fmt.Errorf("decode overlay %s: %w", img.Filename, err)
		}
		overlays = append(overlays, Overlay{Filename: img.Filename, Image: data})
	}
	return overlays, nil
}

// Download streams the zipped output of a task into w and returns the number of bytes written.
func (c *Client) Download(ctx context.Context, id string, w io.Writer) (int64, error) {
	path, err := taskPath("dl", id)
	if err != nil {
		return 0, err
	}

	resp, err := c.do(ctx, http.MethodGet, path, nil, "")
	if err != nil {
		return 0, err
	}
	defer resp.Body.Close()

	n, err := io.Copy(w, resp.Body)
	if err != nil {
		return n, fmt.Errorf("copy archive: %w", err)
	}
	return n, nil
}

func (c *Client) withTimeout(ctx context.Context) (context.Context, context.CancelFunc) {
	if c.timeout <= 0 {
		return context.WithCancel(ctx)
	}
	return context.WithTimeout(ctx, c.timeout)
}

func (c *Client) do(ctx context.Context, method, path string, body io.Reader, contentType string) (*http.Response, error) {
	if c.limiter != nil {
		if err := c.limiter.Wait(ctx); err != nil {
			return nil, fmt.Errorf("wait for rate limiter: %w", err)
		}
	}

	target := c.server.Resolve(path)
	req, err := http.NewRequestWithContext(ctx, method, target, body)
	if err != nil {
		return nil, fmt.Errorf("build request: %w", err)
	}
	if contentType != "" {
		req.Header.Set("Content-Type", contentType)
	}
	requestID := requestIDFromContext(ctx)
	req.Header.Set("X-Request-ID", requestID)

	start := time.Now()
	resp, err := c.http.Do(req)
	if err != nil {
		return nil, fmt.Errorf("%s %s: %w", method, target, err)
	}

	c.logger.Debug("backend request completed",
		zap.String("method", method),
		zap.String("url", target),
		zap.Int("status", resp.StatusCode),
		zap.Duration("duration", time.Since(start)),
		zap.String("request_id", requestID),
	)

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		defer resp.Body.Close()
		excerpt, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))
		return nil, &StatusError{Code: resp.StatusCode, Body: strings.TrimSpace(string(excerpt))}
	}
	return resp, nil
}

func taskPath(route, id string) (string, error) {
	id = strings.TrimSpace(id)
	if id == "" {
		return "", ErrInvalidTaskID
	}
	return route + "?id=" + url.QueryEscape(id), nil
}

func encodeUpload(req UploadRequest) (*bytes.Buffer, string, error) {
	buf := &bytes.Buffer{}
	mw := multipart.NewWriter(buf)

	model := strings.TrimSpace(req.Model)
	if model == "" {
		model = DefaultModel
	}
	fields := [][2]string{
		{"model", model},
		{"flow_threshold", formatFloat(req.FlowThreshold, DefaultFlowThreshold)},
		{"cellprob_threshold", formatFloat(req.CellprobThreshold, DefaultCellprobThreshold)},
	}
	if req.Diameter != nil {
		fields = append(fields, [2]string{"diameter", formatFloat(req.Diameter, 0)})
	}
	for _, field := range fields {
		if err := mw.WriteField(field[0], field[1]); err != nil {
			return nil, "", err
		}
	}

	for _, f := range req.Files {
		part, err := mw.CreateFormFile("files", filepath.Base(f.Name))
		if err != nil {
			return nil, "", err
		}
		if f.Content == nil {
			continue
		}
		if _, err := io.Copy(part, f.Content); err != nil {
			return nil, "", fmt.Errorf("copy %s: %w", f.Name, err)
		}
	}

	if err := mw.Close(); err != nil {
		return nil, "", err
	}
	return buf, mw.FormDataContentType(), nil
}

func formatFloat(v *float64, fallback float64) string {
	if v == nil {
		return strconv.FormatFloat(fallback, 'f', -1, 64)
	}
	return strconv.FormatFloat(*v, 'f', -1, 64)
}

type contextKey string

const requestIDContextKey contextKey = "requestID"

// ContextWithRequestID makes outbound calls reuse an inbound request id.
func ContextWithRequestID(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, requestIDContextKey, id)
}

func requestIDFromContext(ctx context.Context) string {
	if id, ok := ctx.Value(requestIDContextKey).(string); ok && id != "" {
		return id
	}
	return uuid.NewString()
}
