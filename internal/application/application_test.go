package application

import (
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"go.uber.org/zap/zaptest"

	"github.com/cellpose-tools/cellpose-console/internal/backend/backendtest"
	"github.com/cellpose-tools/cellpose-console/internal/config"
	"github.com/cellpose-tools/cellpose-console/internal/endpoint"
	"github.com/cellpose-tools/cellpose-console/internal/tasks"
)

func TestNewInitializesDependencies(t *testing.T) {
	cfg := baseTestConfig(":8085")
	logger := zaptest.NewLogger(t)

	app, err := New(cfg, endpoint.Default(), logger)
	if err != nil {
		t.Fatalf("New returned error: %v", err)
	}

	if app.server == nil || app.registry == nil {
		t.Fatalf("expected server and registry to be initialized")
	}
	if app.Addr() != nil {
		t.Fatalf("expected no bound address before Start")
	}
	if got := app.client.BaseURL(); got != endpoint.APIBase {
		t.Fatalf("expected client base url %s, got %s", endpoint.APIBase, got)
	}
	if app.Server() != app.server {
		t.Fatalf("Server accessor did not return underlying instance")
	}
}

func TestNewUsesExplicitServerConfig(t *testing.T) {
	fake := backendtest.NewServer(t)

	app, err := New(baseTestConfig(":0"), fake.Config(), zaptest.NewLogger(t))
	if err != nil {
		t.Fatalf("New returned error: %v", err)
	}
	if got := app.client.BaseURL(); got != fake.URL+"/" {
		t.Fatalf("expected base url %s/, got %s", fake.URL, got)
	}
}

func TestStartServesAndShutdownCloses(t *testing.T) {
	fake := backendtest.NewServer(t)
	cfg := baseTestConfig("127.0.0.1:0")
	cfg.ReadHeaderTimeout = time.Second
	cfg.WriteTimeout = time.Second
	app, err := New(cfg, fake.Config(), zaptest.NewLogger(t))
	if err != nil {
		t.Fatalf("New returned error: %v", err)
	}

	if err := app.Start(); err != nil {
		t.Fatalf("Start returned error: %v", err)
	}
	base := "http://" + app.Addr().String()

	resp, err := http.Get(base + "/api/backend")
	if err != nil {
		t.Fatalf("request to running console failed: %v", err)
	}
	body, _ := io.ReadAll(resp.Body)
	_ = resp.Body.Close()
	if resp.StatusCode != http.StatusOK || !strings.Contains(string(body), fake.URL+"/") {
		t.Fatalf("unexpected backend response %d %s", resp.StatusCode, body)
	}

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	if err := app.Shutdown(ctx); err != nil {
		t.Fatalf("Shutdown returned error: %v", err)
	}
	http.DefaultClient.CloseIdleConnections()
	if _, err := http.Get(base + "/api/health"); err == nil {
		t.Fatalf("expected listener to be closed")
	}
}

func TestStartReportsBindFailure(t *testing.T) {
	first, err := New(baseTestConfig("127.0.0.1:0"), endpoint.Default(), zaptest.NewLogger(t))
	if err != nil {
		t.Fatalf("New returned error: %v", err)
	}
	if err := first.Start(); err != nil {
		t.Fatalf("Start returned error: %v", err)
	}
	t.Cleanup(func() { _ = first.Server().Close() })

	second, err := New(baseTestConfig(first.Addr().String()), endpoint.Default(), zaptest.NewLogger(t))
	if err != nil {
		t.Fatalf("New returned error: %v", err)
	}
	if err := second.Start(); err == nil {
		t.Fatalf("expected bind failure on an address in use")
	}
}

func TestRunningTasksCountsNonTerminal(t *testing.T) {
	app, err := New(baseTestConfig(":0"), endpoint.Default(), zaptest.NewLogger(t))
	if err != nil {
		t.Fatalf("New returned error: %v", err)
	}

	for id, state := range map[string]string{"a": tasks.StateRunning, "b": tasks.StateSuccess, "c": tasks.StateFailed, "d": tasks.StateRunning} {
		if err := app.registry.Record(tasks.Task{ID: id, State: state}); err != nil {
			t.Fatalf("Record returned error: %v", err)
		}
	}

	if got := app.RunningTasks(); got != 2 {
		t.Fatalf("expected 2 running tasks, got %d", got)
	}
}

func TestNewServerAppliesConfig(t *testing.T) {
	cfg := baseTestConfig("9090")
	handler := http.NewServeMux()

	server := NewServer(cfg, handler)
	if server.Addr != ":9090" {
		t.Fatalf("expected address :9090, got %s", server.Addr)
	}
	if server.Handler != handler {
		t.Fatalf("expected handler to be applied")
	}
	if server.ReadHeaderTimeout != cfg.ReadHeaderTimeout ||
		server.WriteTimeout != cfg.WriteTimeout ||
		server.IdleTimeout != cfg.IdleTimeout {
		t.Fatalf("server timeouts do not match configuration")
	}
}

func TestBuildRootHandler(t *testing.T) {
	apiInvoked := false
	apiHandler := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/api/health" {
			t.Fatalf("unexpected path passed to API handler: %s", r.URL.Path)
		}
		apiInvoked = true
		w.WriteHeader(http.StatusNoContent)
	})

	handler, err := BuildRootHandler(apiHandler, endpoint.APIBase)
	if err != nil {
		t.Fatalf("BuildRootHandler returned error: %v", err)
	}

	t.Run("serves index", func(t *testing.T) {
		rec := httptest.NewRecorder()
		handler.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/", nil))

		if rec.Code != http.StatusOK {
			t.Fatalf("expected status 200, got %d", rec.Code)
		}
		if !strings.Contains(rec.Body.String(), endpoint.APIBase) {
			t.Fatalf("expected index page to show the backend base url")
		}
	})

	t.Run("returns not found for unknown paths", func(t *testing.T) {
		rec := httptest.NewRecorder()
		handler.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/unknown", nil))

		if rec.Code != http.StatusNotFound {
			t.Fatalf("expected status 404, got %d", rec.Code)
		}
	})

	t.Run("forwards api traffic", func(t *testing.T) {
		rec := httptest.NewRecorder()
		handler.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/health", nil))

		if rec.Code != http.StatusNoContent {
			t.Fatalf("expected status 204, got %d", rec.Code)
		}
		if !apiInvoked {
			t.Fatalf("expected API handler to be invoked")
		}
	})
}

func baseTestConfig(port string) config.Config {
	cfg := config.Default()
	cfg.Port = port
	cfg.ShutdownGracePeriod = 50 * time.Millisecond
	cfg.ReadHeaderTimeout = 20 * time.Millisecond
	cfg.WriteTimeout = 30 * time.Millisecond
	cfg.IdleTimeout = 40 * time.Millisecond
	cfg.EnableRequestLogging = false
	cfg.RateLimitRPS = 0
	cfg.RateLimitBurst = 0
	return cfg
}
