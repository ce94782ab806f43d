package backend_test

import (
	"bytes"
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"go.uber.org/zap/zaptest"

	"github.com/cellpose-tools/cellpose-console/internal/backend"
	"github.com/cellpose-tools/cellpose-console/internal/backend/backendtest"
	"github.com/cellpose-tools/cellpose-console/internal/endpoint"
)

func newClient(t *testing.T, fake *backendtest.Server, opts ...backend.Option) *backend.Client {
	t.Helper()
	opts = append([]backend.Option{backend.WithLogger(zaptest.NewLogger(t))}, opts...)
	return backend.New(fake.Config(), opts...)
}

func TestBaseURLComesFromServerConfig(t *testing.T) {
	client := backend.New(endpoint.Default())
	if got := client.BaseURL(); got != endpoint.APIBase {
		t.Fatalf("expected %s, got %s", endpoint.APIBase, got)
	}
}

func TestPing(t *testing.T) {
	fake := backendtest.NewServer(t)
	if err := newClient(t, fake).Ping(context.Background()); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
}

func TestPingUnreachable(t *testing.T) {
	cfg := endpoint.ServerConfig{Protocol: "http", Host: "127.0.0.1", Port: 1}
	client := backend.New(cfg, backend.WithTimeout(time.Second))
	if err := client.Ping(context.Background()); err == nil {
		t.Fatalf("expected error for unreachable backend")
	}
}

func TestUploadSendsFilesAndDefaults(t *testing.T) {
	fake := backendtest.NewServer(t)
	client := newClient(t, fake)

	result, err := client.Upload(context.Background(), backend.UploadRequest{
		Files: []backend.File{
			{Name: "/tmp/a.png", Content: strings.NewReader("alpha")},
			{Name: "b.tif", Content: strings.NewReader("beta")},
		},
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if result.Count != 2 || result.ID == "" {
		t.Fatalf("unexpected result %+v", result)
	}

	uploads := fake.Uploads()
	if len(uploads) != 1 {
		t.Fatalf("expected one upload, got %d", len(uploads))
	}
	up := uploads[0]
	if got := string(up.Files["a.png"]); got != "alpha" {
		t.Fatalf("expected base name a.png with content alpha, got %q", got)
	}
	wantFields := map[string]string{
		"model":              backend.DefaultModel,
		"flow_threshold":     "0.4",
		"cellprob_threshold": "0",
	}
	for key, want := range wantFields {
		if got := up.Fields[key]; got != want {
			t.Fatalf("field %s: expected %q, got %q", key, want, got)
		}
	}
	if _, ok := up.Fields["diameter"]; ok {
		t.Fatalf("expected diameter to be omitted")
	}
	if up.RequestID == "" {
		t.Fatalf("expected X-Request-ID header")
	}
}

func TestUploadExplicitParameters(t *testing.T) {
	fake := backendtest.NewServer(t)
	client := newClient(t, fake)

	flow, cellprob, diameter := 0.6, -1.5, 30.0
	ctx := backend.ContextWithRequestID(context.Background(), "req-1")
	_, err := client.Upload(ctx, backend.UploadRequest{
		Files:             []backend.File{{Name: "c.png", Content: strings.NewReader("x")}},
		Model:             "cyto3",
		FlowThreshold:     &flow,
		CellprobThreshold: &cellprob,
		Diameter:          &diameter,
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	up := fake.Uploads()[0]
	want := map[string]string{
		"model":              "cyto3",
		"flow_threshold":     "0.6",
		"cellprob_threshold": "-1.5",
		"diameter":           "30",
	}
	for key, v := range want {
		if got := up.Fields[key]; got != v {
			t.Fatalf("field %s: expected %q, got %q", key, v, got)
		}
	}
	if up.RequestID != "req-1" {
		t.Fatalf("expected propagated request id, got %q", up.RequestID)
	}
}

func TestUploadRequiresFiles(t *testing.T) {
	client := backend.New(endpoint.Default())
	if _, err := client.Upload(context.Background(), backend.UploadRequest{}); !errors.Is(err, backend.ErrNoFiles) {
		t.Fatalf("expected ErrNoFiles, got %v", err)
	}
}

func TestStatus(t *testing.T) {
	fake := backendtest.NewServer(t)
	fake.SetTask("t1", backendtest.Task{Status: "failed", UpdatedAt: "2025-09-16T12:00:00", Error: "CUDA out of memory"})
	client := newClient(t, fake)

	st, err := client.Status(context.Background(), "t1")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !st.Exists || st.State != "failed" || st.Error != "CUDA out of memory" || st.UpdatedAt == "" {
		t.Fatalf("unexpected status %+v", st)
	}

	missing, err := client.Status(context.Background(), "nope")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if missing.Exists || missing.State != "not_found" {
		t.Fatalf("unexpected status for missing task %+v", missing)
	}
}

func TestTaskOperationsRejectEmptyID(t *testing.T) {
	client := backend.New(endpoint.Default())
	ctx := context.Background()

	if _, err := client.Status(ctx, " "); !errors.Is(err, backend.ErrInvalidTaskID) {
		t.Fatalf("status: expected ErrInvalidTaskID, got %v", err)
	}
	if _, err := client.Preview(ctx, ""); !errors.Is(err, backend.ErrInvalidTaskID) {
		t.Fatalf("preview: expected ErrInvalidTaskID, got %v", err)
	}
	if _, err := client.Download(ctx, "", &bytes.Buffer{}); !errors.Is(err, backend.ErrInvalidTaskID) {
		t.Fatalf("download: expected ErrInvalidTaskID, got %v", err)
	}
}

func TestPreview(t *testing.T) {
	fake := backendtest.NewServer(t)
	fake.SetTask("done", backendtest.Task{Status: "success", Overlays: map[string][]byte{"img_overlay.png": []byte{0x89, 'P', 'N', 'G'}}})
	fake.SetTask("empty", backendtest.Task{Status: "success"})
	client := newClient(t, fake)
	ctx := context.Background()

	overlays, err := client.Preview(ctx, "done")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(overlays) != 1 || overlays[0].Filename != "img_overlay.png" || !bytes.Equal(overlays[0].Image, []byte{0x89, 'P', 'N', 'G'}) {
		t.Fatalf("unexpected overlays %+v", overlays)
	}

	if _, err := client.Preview(ctx, "empty"); !errors.Is(err, backend.ErrNoOverlays) {
		t.Fatalf("expected ErrNoOverlays, got %v", err)
	}
	if _, err := client.Preview(ctx, "missing"); !errors.Is(err, backend.ErrTaskNotFound) {
		t.Fatalf("expected ErrTaskNotFound, got %v", err)
	}
}

func TestDownload(t *testing.T) {
	fake := backendtest.NewServer(t)
	fake.SetTask("done", backendtest.Task{Status: "success", Archive: []byte("PK\x03\x04zip")})
	client := newClient(t, fake)

	var buf bytes.Buffer
	n, err := client.Download(context.Background(), "done", &buf)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if n != int64(buf.Len()) || buf.String() != "PK\x03\x04zip" {
		t.Fatalf("unexpected archive %q (%d bytes)", buf.String(), n)
	}

	_, err = client.Download(context.Background(), "missing", &buf)
	var statusErr *backend.StatusError
	if !errors.As(err, &statusErr) || statusErr.Code != http.StatusNotFound {
		t.Fatalf("expected 404 StatusError, got %v", err)
	}
}

func TestRejectedUpload(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"ok":false,"error":"disk full"}`))
	}))
	t.Cleanup(srv.Close)

	client := backend.New(backendtest.ConfigFor(srv.URL))
	_, err := client.Upload(context.Background(), backend.UploadRequest{
		Files: []backend.File{{Name: "a.png", Content: strings.NewReader("a")}},
	})
	if !errors.Is(err, backend.ErrBackendRejected) || !strings.Contains(err.Error(), "disk full") {
		t.Fatalf("expected ErrBackendRejected, got %v", err)
	}
}

func TestServerErrorIsStatusError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		http.Error(w, "boom", http.StatusInternalServerError)
	}))
	t.Cleanup(srv.Close)

	_, err := backend.New(backendtest.ConfigFor(srv.URL)).Status(context.Background(), "x")
	var statusErr *backend.StatusError
	if !errors.As(err, &statusErr) {
		t.Fatalf("expected StatusError, got %v", err)
	}
	if statusErr.Code != http.StatusInternalServerError || statusErr.Body != "boom" {
		t.Fatalf("unexpected status error %+v", statusErr)
	}
}

func TestRateLimitHonoursContext(t *testing.T) {
	fake := backendtest.NewServer(t)
	client := newClient(t, fake, backend.WithRateLimit(0.001, 1))

	if err := client.Ping(context.Background()); err != nil {
		t.Fatalf("first ping should pass: %v", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	if err := client.Ping(ctx); err == nil {
		t.Fatalf("expected second ping to be throttled")
	}
}
