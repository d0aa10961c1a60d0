// Package update owns the client-update payload and exposes a small
// HTTP host for uploading and downloading it. The relay announces new
// payloads to connected clients over the control channel; clients fetch
// the binary from here.
package update

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"net"
	"net/http"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/LeRoy-The-Hatter/Colony-Radio-v2/pkg/logger"
)

// Offer describes the currently hosted update payload.
type Offer struct {
	Name       string  `json:"name"`
	Size       int64   `json:"size"`
	SHA256     string  `json:"sha256"`
	UploadedAt float64 `json:"uploaded_at"`
	URL        string  `json:"url,omitempty"`
}

// Config holds update host configuration.
type Config struct {
	Enabled    bool
	Port       int
	Dir        string
	PublicHost string // host clients are told to download from
}

// Manager persists one update payload and serves it over HTTP.
type Manager struct {
	config Config
	log    *logger.Logger

	mu       sync.Mutex
	offer    *Offer
	filePath string
	onNew    func(Offer)

	server *http.Server
	port   int
}

// NewManager creates an update manager rooted at cfg.Dir.
func NewManager(cfg Config, log *logger.Logger) *Manager {
	if cfg.PublicHost == "" {
		cfg.PublicHost = "127.0.0.1"
	}
	if log == nil {
		log = logger.New(logger.Config{Level: "info", Format: "text"})
	}
	return &Manager{
		config: cfg,
		log:    log.WithComponent("update"),
	}
}

// SetOnNewUpdate registers a callback fired after each successful
// upload, with the enriched offer.
func (m *Manager) SetOnNewUpdate(fn func(Offer)) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.onNew = fn
}

// SetUpdateBytes persists an uploaded payload and computes its
// metadata.
func (m *Manager) SetUpdateBytes(filename string, data []byte) error {
	if len(data) == 0 {
		return fmt.Errorf("empty update payload")
	}
	if filename == "" {
		filename = "client_update.exe"
	}
	safeName := filepath.Base(filename)
	path := filepath.Join(m.config.Dir, safeName)
	if err := os.MkdirAll(m.config.Dir, 0o755); err != nil {
		return fmt.Errorf("create update dir: %w", err)
	}
	if err := os.WriteFile(path, data, 0o644); err != nil {
		return fmt.Errorf("write update payload: %w", err)
	}

	sum := sha256.Sum256(data)
	offer := &Offer{
		Name:       safeName,
		Size:       int64(len(data)),
		SHA256:     hex.EncodeToString(sum[:]),
		UploadedAt: float64(time.Now().UnixNano()) / 1e9,
	}

	m.mu.Lock()
	m.offer = offer
	m.filePath = path
	fn := m.onNew
	m.mu.Unlock()

	m.log.Info("New update payload stored",
		logger.String("path", path),
		logger.Int64("size", offer.Size))
	if fn != nil {
		if cur, ok := m.CurrentOffer(); ok {
			fn(cur)
		}
	}
	return nil
}

// CurrentOffer returns the hosted payload's metadata with its download
// URL, or false when nothing is hosted.
func (m *Manager) CurrentOffer() (Offer, bool) {
	m.mu.Lock()
	offer := m.offer
	path := m.filePath
	m.mu.Unlock()

	if offer == nil || path == "" {
		return Offer{}, false
	}
	if _, err := os.Stat(path); err != nil {
		return Offer{}, false
	}
	out := *offer
	out.URL = fmt.Sprintf("http://%s:%d/download", m.config.PublicHost, m.downloadPort())
	return out, true
}

func (m *Manager) downloadPort() int {
	if m.port != 0 {
		return m.port
	}
	return m.config.Port
}

// Start serves the upload/download endpoints until the context is
// cancelled.
func (m *Manager) Start(ctx context.Context) error {
	if !m.config.Enabled {
		m.log.Info("Update host disabled")
		return nil
	}
	if err := os.MkdirAll(m.config.Dir, 0o755); err != nil {
		return fmt.Errorf("create update dir: %w", err)
	}

	mux := http.NewServeMux()
	mux.HandleFunc("/manifest", m.handleManifest)
	mux.HandleFunc("/download", m.handleDownload)
	mux.HandleFunc("/upload", m.handleUpload)

	addr := fmt.Sprintf(":%d", m.config.Port)
	listener, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", addr, err)
	}
	m.port = listener.Addr().(*net.TCPAddr).Port
	m.server = &http.Server{Handler: mux}

	m.log.Info("Update host listening",
		logger.Int("port", m.port),
		logger.String("dir", m.config.Dir))

	errChan := make(chan error, 1)
	go func() {
		if err := m.server.Serve(listener); err != nil && err != http.ErrServerClosed {
			errChan <- err
		}
	}()

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := m.server.Shutdown(shutdownCtx); err != nil {
			return fmt.Errorf("update host shutdown error: %w", err)
		}
		return ctx.Err()
	case err := <-errChan:
		return err
	}
}

// Port returns the bound port after Start.
func (m *Manager) Port() int { return m.port }

func (m *Manager) handleManifest(w http.ResponseWriter, r *http.Request) {
	offer, ok := m.CurrentOffer()
	if !ok {
		writeJSON(w, http.StatusNotFound, map[string]interface{}{"ok": false, "reason": "no update"})
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"ok": true, "update": offer})
}

func (m *Manager) handleDownload(w http.ResponseWriter, r *http.Request) {
	m.mu.Lock()
	path := m.filePath
	m.mu.Unlock()
	if path == "" {
		writeJSON(w, http.StatusNotFound, map[string]interface{}{"ok": false, "reason": "no update"})
		return
	}
	f, err := os.Open(path)
	if err != nil {
		writeJSON(w, http.StatusNotFound, map[string]interface{}{"ok": false, "reason": "missing file"})
		return
	}
	defer f.Close()

	w.Header().Set("Content-Type", "application/octet-stream")
	w.Header().Set("Content-Disposition",
		fmt.Sprintf("attachment; filename=%q", filepath.Base(path)))
	io.Copy(w, f)
}

func (m *Manager) handleUpload(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		writeJSON(w, http.StatusMethodNotAllowed, map[string]interface{}{"ok": false, "reason": "POST required"})
		return
	}
	data, err := io.ReadAll(r.Body)
	if err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]interface{}{"ok": false, "reason": "read error"})
		return
	}
	if len(data) == 0 {
		writeJSON(w, http.StatusBadRequest, map[string]interface{}{"ok": false, "reason": "empty body"})
		return
	}
	name := r.Header.Get("X-Filename")
	if err := m.SetUpdateBytes(name, data); err != nil {
		writeJSON(w, http.StatusInternalServerError, map[string]interface{}{"ok": false, "reason": err.Error()})
		return
	}
	offer, _ := m.CurrentOffer()
	writeJSON(w, http.StatusOK, map[string]interface{}{"ok": true, "update": offer})
}

func writeJSON(w http.ResponseWriter, status int, obj interface{}) {
	data, err := json.Marshal(obj)
	if err != nil {
		w.WriteHeader(http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	w.Write(data)
}
