// Package backendtest provides an in-process fake of the segmentation backend.
package backendtest

import (
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strconv"
	"sync"
	"testing"

	"github.com/cellpose-tools/cellpose-console/internal/endpoint"
)

// Upload records what the fake received on /upload.
type Upload struct {
	Fields    map[string]string
	Files     map[string][]byte
	RequestID string
}

// Task is the fake's state for one task id.
type Task struct {
	Status    string
	UpdatedAt string
	Error     string
	Overlays  map[string][]byte
	Archive   []byte
}

// Server is a fake backend speaking the same routes as the real one.
type Server struct {
	*httptest.Server

	mu           sync.Mutex
	nextID       int
	uploadStatus string
	tasks        map[string]*Task
	uploads      []Upload
}

// NewServer starts a fake backend that is closed when the test ends.
func NewServer(t testing.TB) *Server {
	t.Helper()

	s := &Server{tasks: make(map[string]*Task), uploadStatus: "running"}
	mux := http.NewServeMux()
	mux.HandleFunc("GET /{$}", s.handleIndex)
	mux.HandleFunc("POST /upload", s.handleUpload)
	mux.HandleFunc("GET /status", s.handleStatus)
	mux.HandleFunc("GET /preview", s.handlePreview)
	mux.HandleFunc("GET /dl", s.handleDownload)

	s.Server = httptest.NewServer(mux)
	t.Cleanup(s.Close)
	return s
}

// Config returns the ServerConfig pointing at the fake.
func (s *Server) Config() endpoint.ServerConfig {
	return ConfigFor(s.URL)
}

// ConfigFor splits a URL such as httptest's into a ServerConfig.
func ConfigFor(rawURL string) endpoint.ServerConfig {
	u, err := url.Parse(rawURL)
	if err != nil {
		panic(fmt.Sprintf("parse %q: %v", rawURL, err))
	}
	host, portStr, err := net.SplitHostPort(u.Host)
	if err != nil {
		panic(fmt.Sprintf("split %q: %v", u.Host, err))
	}
	port, err := strconv.Atoi(portStr)
	if err != nil {
		panic(fmt.Sprintf("port %q: %v", portStr, err))
	}
	return endpoint.ServerConfig{Protocol: u.Scheme, Host: host, Port: port}
}

// SetTask installs or replaces the state of a task.
func (s *Server) SetTask(id string, task Task) {
	s.mu.Lock()
	defer s.mu.Unlock()
	t := task
	s.tasks[id] = &t
}

// SetUploadStatus sets the state given to tasks created by later uploads.
func (s *Server) SetUploadStatus(status string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.uploadStatus = status
}

// Uploads returns the uploads received so far.
func (s *Server) Uploads() []Upload {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]Upload, len(s.uploads))
	copy(out, s.uploads)
	return out
}

func (s *Server) handleIndex(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Content-Type", "text/html")
	_, _ = io.WriteString(w, "<h1>Hello</h1>")
}

func (s *Server) handleUpload(w http.ResponseWriter, r *http.Request) {
	if err := r.ParseMultipartForm(32 << 20); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	up := Upload{
		Fields:    make(map[string]string),
		Files:     make(map[string][]byte),
		RequestID: r.Header.Get("X-Request-ID"),
	}
	for key, values := range r.MultipartForm.Value {
		if len(values) > 0 {
			up.Fields[key] = values[0]
		}
	}
	for _, fh := range r.MultipartForm.File["files"] {
		f, err := fh.Open()
		if err != nil {
			http.Error(w, err.Error(), http.StatusInternalServerError)
			return
		}
		data, err := io.ReadAll(f)
		_ = f.Close()
		if err != nil {
			http.Error(w, err.Error(), http.StatusInternalServerError)
			return
		}
		up.Files[fh.Filename] = data
	}

	s.mu.Lock()
	s.nextID++
	id := fmt.Sprintf("2025-09-16-20-03-51-%03d", s.nextID)
	s.tasks[id] = &Task{Status: s.uploadStatus, UpdatedAt: "2025-09-16T12:03:51.000000"}
	s.uploads = append(s.uploads, up)
	s.mu.Unlock()

	writeJSON(w, map[string]any{"ok": true, "count": len(up.Files), "id": id})
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	task, ok := s.task(r)
	if !ok {
		writeJSON(w, map[string]any{"ok": true, "exists": false, "status": "not_found"})
		return
	}
	resp := map[string]any{"ok": true, "exists": true, "status": task.Status, "updated_at": task.UpdatedAt}
	if task.Error != "" {
		resp["error"] = task.Error
	}
	writeJSON(w, resp)
}

func (s *Server) handlePreview(w http.ResponseWriter, r *http.Request) {
	task, ok := s.task(r)
	if !ok {
		writeJSON(w, map[string]any{"ok": false, "error": "task not found"})
		return
	}
	if len(task.Overlays) == 0 {
		writeJSON(w, map[string]any{"ok": false, "error": "no overlay images"})
		return
	}
	images := make([]map[string]string, 0, len(task.Overlays))
	for name, data := range task.Overlays {
		images = append(images, map[string]string{
			"filename": name,
			"image":    base64.StdEncoding.EncodeToString(data),
		})
	}
	writeJSON(w, map[string]any{"ok": true, "count": len(images), "images": images})
}

func (s *Server) handleDownload(w http.ResponseWriter, r *http.Request) {
	task, ok := s.task(r)
	if !ok || task.Archive == nil {
		http.Error(w, "Not Found", http.StatusNotFound)
		return
	}
	w.Header().Set("Content-Type", "application/zip")
	_, _ = w.Write(task.Archive)
}

func (s *Server) task(r *http.Request) (Task, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	task, ok := s.tasks[r.URL.Query().Get("id")]
	if !ok {
		return Task{}, false
	}
	return *task, true
}

func writeJSON(w http.ResponseWriter, payload any) {
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(payload)
}
