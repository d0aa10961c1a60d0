package web

import (
	"context"
	"encoding/json"
	"fmt"
	"net"
	"net/http"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/LeRoy-The-Hatter/Colony-Radio-v2/pkg/config"
	"github.com/LeRoy-The-Hatter/Colony-Radio-v2/pkg/logger"
	"github.com/LeRoy-The-Hatter/Colony-Radio-v2/pkg/routing"
	"github.com/LeRoy-The-Hatter/Colony-Radio-v2/pkg/session"
	"github.com/LeRoy-The-Hatter/Colony-Radio-v2/pkg/storage"
)

// rosterPushInterval is how often the live roster is broadcast to
// WebSocket subscribers.
const rosterPushInterval = 2 * time.Second

// Server represents the web dashboard HTTP server
type Server struct {
	config config.WebConfig
	logger *logger.Logger
	server *http.Server
	hub    *WebSocketHub
	api    *API
	engine *routing.Engine
	addr   string
	mu     sync.RWMutex
}

// NewServer creates a new web server instance
func NewServer(cfg config.WebConfig, engine *routing.Engine, store *session.Store, repo *storage.TransmissionRepository, log *logger.Logger) *Server {
	return &Server{
		config: cfg,
		logger: log,
		hub:    NewWebSocketHub(log),
		api:    NewAPI(engine, store, repo, log),
		engine: engine,
	}
}

// Start starts the HTTP server
func (s *Server) Start(ctx context.Context) error {
	if !s.config.Enabled {
		s.logger.Info("Web server is disabled")
		return nil
	}

	// Start WebSocket hub
	go s.hub.Run(ctx)
	go s.rosterPushLoop(ctx)

	// Create HTTP router
	mux := http.NewServeMux()

	// Health check endpoint
	mux.HandleFunc("/health", s.handleHealth)

	// API endpoints
	mux.HandleFunc("/api/status", s.api.HandleStatus)
	mux.HandleFunc("/api/sessions", s.api.HandleSessions)
	mux.HandleFunc("/api/networks", s.api.HandleNetworks)
	mux.HandleFunc("/api/transmissions", s.api.HandleTransmissions)

	// WebSocket endpoint
	mux.Handle("/ws", s.hub.Handler())

	// Serve static frontend assets: embedded build first (when compiled
	// with -tags=embed), else frontend/dist on disk
	staticDir := "frontend/dist"
	if embedded, err := embeddedStaticFS(); err == nil && embedded != nil {
		s.logger.Info("Serving embedded frontend assets")
		mux.Handle("/", http.FileServer(embedded))
	} else if fi, err := os.Stat(staticDir); err == nil && fi.IsDir() {
		s.logger.Info("Serving static frontend assets", logger.String("dir", staticDir))
		mux.HandleFunc("/", func(w http.ResponseWriter, r *http.Request) {
			// Clean the path and try to serve the requested file
			reqPath := filepath.Clean(r.URL.Path)
			// Disallow path traversal outside staticDir
			if reqPath == "/" {
				http.ServeFile(w, r, filepath.Join(staticDir, "index.html"))
				return
			}
			// Trim leading '/'
			if len(reqPath) > 0 && reqPath[0] == '/' {
				reqPath = reqPath[1:]
			}
			fullPath := filepath.Join(staticDir, reqPath)
			if fi, err := os.Stat(fullPath); err == nil && !fi.IsDir() {
				http.ServeFile(w, r, fullPath)
				return
			}
			// Fallback to index.html for SPA routes
			http.ServeFile(w, r, filepath.Join(staticDir, "index.html"))
		})
	} else {
		s.logger.Info("No static frontend assets found; SPA not served", logger.String("dir", staticDir))
	}

	// Determine address
	addr := fmt.Sprintf("%s:%d", s.config.Host, s.config.Port)

	// Create HTTP server
	s.server = &http.Server{
		Addr:         addr,
		Handler:      mux,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	// Start listener to get actual address (especially for port 0)
	listener, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("failed to create listener: %w", err)
	}

	// Store the actual address
	s.mu.Lock()
	s.addr = listener.Addr().String()
	s.mu.Unlock()

	s.logger.Info("Starting web server",
		logger.String("address", s.addr))

	// Start server in goroutine
	errChan := make(chan error, 1)
	go func() {
		if err := s.server.Serve(listener); err != nil && err != http.ErrServerClosed {
			errChan <- err
		}
	}()

	// Wait for context cancellation or error
	select {
	case <-ctx.Done():
		s.logger.Info("Shutting down web server")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := s.server.Shutdown(shutdownCtx); err != nil {
			return fmt.Errorf("failed to shutdown server: %w", err)
		}
		return ctx.Err()
	case err := <-errChan:
		return err
	}
}

// rosterPushLoop periodically broadcasts the presence roster and the
// merged-network view to all WebSocket subscribers so the dashboard
// stays live without polling.
func (s *Server) rosterPushLoop(ctx context.Context) {
	ticker := time.NewTicker(rosterPushInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if s.hub.GetClientCount() == 0 {
				continue
			}
			s.hub.BroadcastRosterUpdate(s.engine.PresenceSnapshot())
			s.hub.BroadcastNetworksUpdate(s.api.networkRows())
		}
	}
}

// GetAddr returns the address the server is listening on
func (s *Server) GetAddr() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.addr
}

// GetHub returns the WebSocket hub
func (s *Server) GetHub() *WebSocketHub {
	return s.hub
}

// handleHealth handles the health check endpoint
func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	if err := json.NewEncoder(w).Encode(map[string]interface{}{
		"status":  "ok",
		"service": "colony-radio",
		"time":    time.Now().Unix(),
	}); err != nil {
		s.logger.Warn("Failed to encode health response", logger.Error(err))
	}
}
