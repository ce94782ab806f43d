package application

import (
	"context"
	"errors"
	"fmt"
	"html/template"
	"net"
	"net/http"
	"strings"

	"go.uber.org/zap"

	"github.com/cellpose-tools/cellpose-console/internal/api"
	"github.com/cellpose-tools/cellpose-console/internal/backend"
	"github.com/cellpose-tools/cellpose-console/internal/config"
	"github.com/cellpose-tools/cellpose-console/internal/endpoint"
	"github.com/cellpose-tools/cellpose-console/internal/tasks"
	"github.com/cellpose-tools/cellpose-console/web"
)

// App encapsulates the application dependencies and HTTP server.
type App struct {
	registry *tasks.MemoryRegistry
	client   *backend.Client
	logger   *zap.Logger
	server   *http.Server
	addr     net.Addr
}

// NewClient builds a backend client tuned by the runtime configuration.
func NewClient(cfg config.Config, server endpoint.ServerConfig, logger *zap.Logger) *backend.Client {
	return backend.New(server,
		backend.WithTimeout(cfg.BackendTimeout),
		backend.WithRateLimit(cfg.BackendRPS, cfg.BackendBurst),
		backend.WithLogger(logger),
	)
}

// New initializes the application with all dependencies. The backend address is
// passed separately from the runtime configuration.
func New(cfg config.Config, server endpoint.ServerConfig, logger *zap.Logger) (*App, error) {
	registry := tasks.NewMemoryRegistry()
	client := NewClient(cfg, server, logger)
	handler := api.NewHandler(client, registry)
	apiRouter := api.NewRouter(handler, logger,
		api.WithLogging(cfg.EnableRequestLogging),
		api.WithRateLimit(cfg.RateLimitRPS, cfg.RateLimitBurst),
	)

	rootHandler, err := BuildRootHandler(apiRouter, client.BaseURL())
	if err != nil {
		return nil, fmt.Errorf("failed to build HTTP handler: %w", err)
	}

	return &App{
		registry: registry,
		client:   client,
		logger:   logger,
		server:   NewServer(cfg, rootHandler),
	}, nil
}

type indexData struct {
	BaseURL           string
	Model             string
	FlowThreshold     float64
	CellprobThreshold float64
}

// BuildRootHandler constructs the root HTTP handler that serves the console page and routes API requests.
func BuildRootHandler(apiHandler http.Handler, baseURL string) (http.Handler, error) {
	tmpl, err := template.ParseFS(web.TemplateFS, "templates/index.html")
	if err != nil {
		return nil, fmt.Errorf("parse index template: %w", err)
	}
	data := indexData{
		BaseURL:           baseURL,
		Model:             backend.DefaultModel,
		FlowThreshold:     backend.DefaultFlowThreshold,
		CellprobThreshold: backend.DefaultCellprobThreshold,
	}

	mux := http.NewServeMux()
	mux.Handle("/api/", apiHandler)
	mux.Handle("/", http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/" {
			http.NotFound(w, r)
			return
		}
		w.Header().Set("Content-Type", "text/html; charset=utf-8")
		if err := tmpl.Execute(w, data); err != nil {
			http.Error(w, "failed to render page", http.StatusInternalServerError)
		}
	}))

	return mux, nil
}

// NewServer creates and configures an HTTP server from the provided configuration.
func NewServer(cfg config.Config, handler http.Handler) *http.Server {
	addr := cfg.Port
	if !strings.Contains(addr, ":") {
		addr = ":" + addr
	}

	return &http.Server{
		Addr:              addr,
		Handler:           handler,
		ReadHeaderTimeout: cfg.ReadHeaderTimeout,
		WriteTimeout:      cfg.WriteTimeout,
		IdleTimeout:       cfg.IdleTimeout,
	}
}

// Start binds the listener and serves in a goroutine. Bind errors are returned.
func (a *App) Start() error {
	ln, err := net.Listen("tcp", a.server.Addr)
	if err != nil {
		return fmt.Errorf("listen on %s: %w", a.server.Addr, err)
	}
	a.addr = ln.Addr()

	a.logger.Info("console listening",
		zap.String("addr", a.addr.String()),
		zap.String("backend", a.client.BaseURL()),
	)
	go func() {
		if err := a.server.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			a.logger.Error("server error", zap.Error(err))
		}
	}()
	return nil
}

// Addr returns the bound listener address, or nil before Start.
func (a *App) Addr() net.Addr {
	return a.addr
}

// RunningTasks counts submitted tasks that have not reached a terminal state.
func (a *App) RunningTasks() int {
	n := 0
	for _, task := range a.registry.List() {
		if !task.Terminal() {
			n++
		}
	}
	return n
}

// Shutdown drains in-flight requests until ctx expires and then closes the
// remaining connections.
func (a *App) Shutdown(ctx context.Context) error {
	a.logger.Info("shutting down console", zap.Int("running_tasks", a.RunningTasks()))

	err := a.server.Shutdown(ctx)
	if err == nil {
		return nil
	}
	a.logger.Warn("graceful shutdown failed", zap.Error(err))
	if closeErr := a.server.Close(); closeErr != nil {
		return errors.Join(err, closeErr)
	}
	return err
}

// Server returns the HTTP server instance.
func (a *App) Server() *http.Server {
	return a.server
}
