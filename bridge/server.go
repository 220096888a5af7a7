// Package bridge exposes a printer coordinator to hub-side consumers over
// HTTP and a JSON-RPC 2.0 WebSocket.
package bridge

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"strconv"
	"time"

	"github.com/john/flashforge_bridge/coordinator"
	"github.com/john/flashforge_bridge/printer"
)

const maxActionBody = 64 * 1024

// ServerConfig holds the listen address.
type ServerConfig struct {
	Host string
	Port int
}

// Server is the hub-facing HTTP/WebSocket server.
type Server struct {
	config     ServerConfig
	mux        *http.ServeMux
	httpServer *http.Server
	coord      *coordinator.Coordinator
	hub        *WSHub
	log        *slog.Logger
}

// NewServer creates a server for coord and subscribes its WebSocket hub to
// coordinator updates.
func NewServer(cfg ServerConfig, coord *coordinator.Coordinator, logger *slog.Logger) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	s := &Server{
		config: cfg,
		mux:    http.NewServeMux(),
		coord:  coord,
		log:    logger,
	}

	s.hub = NewWSHub(s)
	s.registerRoutes()
	s.httpServer = &http.Server{
		Addr:              net.JoinHostPort(cfg.Host, strconv.Itoa(cfg.Port)),
		Handler:           corsMiddleware(s.mux),
		ReadHeaderTimeout: 10 * time.Second,
	}

	coord.OnUpdate(s.hub.BroadcastUpdate)
	return s
}

// Hub returns the WebSocket hub.
func (s *Server) Hub() *WSHub {
	return s.hub
}

// Handler returns the root handler, for tests and embedding.
func (s *Server) Handler() http.Handler {
	return s.httpServer.Handler
}

func (s *Server) registerRoutes() {
	s.mux.HandleFunc("GET /{$}", s.handleRoot)
	s.mux.HandleFunc("GET /api/snapshot", s.handleSnapshot)
	s.mux.HandleFunc("GET /api/diagnostics", s.handleDiagnostics)
	s.mux.HandleFunc("GET /api/actions", s.handleActionList)
	s.mux.HandleFunc("POST /api/actions/{action}", s.handleAction)
	s.mux.HandleFunc("POST /api/refresh", s.handleRefresh)
	s.mux.HandleFunc("POST /api/credentials", s.handleCredentials)

	s.mux.HandleFunc("GET /websocket", s.hub.HandleWebSocket)
}

func (s *Server) handleRoot(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, map[string]any{
		"result": s.serverInfo(),
	})
}

func (s *Server) serverInfo() map[string]any {
	return map[string]any{
		"name":      s.coord.Name(),
		"phase":     s.coord.Phase(),
		"connected": s.coord.Connected(),
		"clients":   s.hub.ClientCount(),
	}
}

func (s *Server) handleSnapshot(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, map[string]any{
		"result": s.coord.Snapshot(),
	})
}

func (s *Server) handleDiagnostics(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, map[string]any{
		"result": s.coord.Diagnostics(),
	})
}

func (s *Server) handleActionList(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, map[string]any{
		"result": s.Actions(),
	})
}

func (s *Server) handleAction(w http.ResponseWriter, r *http.Request) {
	name := r.PathValue("action")

	var params ActionParams
	body, err := io.ReadAll(io.LimitReader(r.Body, maxActionBody))
	if err != nil {
		writeJSONError(w, http.StatusBadRequest, "reading body: "+err.Error())
		return
	}
	if len(body) > 0 {
		if err := json.Unmarshal(body, &params); err != nil {
			writeJSONError(w, http.StatusBadRequest, "invalid params: "+err.Error())
			return
		}
	}

	result, err := s.RunAction(r.Context(), name, params)
	if err != nil {
		s.log.Warn("action failed", "action", name, "error", err)
		writeJSONError(w, statusForError(err), err.Error())
		return
	}
	writeJSON(w, map[string]any{
		"result": result,
	})
}

func (s *Server) handleRefresh(w http.ResponseWriter, r *http.Request) {
	if err := s.coord.Refresh(r.Context()); err != nil {
		writeJSONError(w, statusForError(err), err.Error())
		return
	}
	writeJSON(w, map[string]any{
		"result": s.coord.Snapshot(),
	})
}

type credentialsRequest struct {
	SerialNumber string `json:"serial_number"`
	CheckCode    string `json:"check_code"`
}

func (s *Server) handleCredentials(w http.ResponseWriter, r *http.Request) {
	var req credentialsRequest
	if err := json.NewDecoder(io.LimitReader(r.Body, maxActionBody)).Decode(&req); err != nil {
		writeJSONError(w, http.StatusBadRequest, "invalid body: "+err.Error())
		return
	}
	if req.SerialNumber == "" || req.CheckCode == "" {
		writeJSONError(w, http.StatusBadRequest, "serial_number and check_code are required")
		return
	}
	if err := s.coord.UpdateCredentials(req.SerialNumber, req.CheckCode); err != nil {
		writeJSONError(w, http.StatusConflict, err.Error())
		return
	}
	writeJSON(w, map[string]any{"result": "ok"})
}

// statusForError maps coordinator and printer errors onto HTTP status codes.
func statusForError(err error) int {
	switch {
	case errors.Is(err, ErrUnknownAction):
		return http.StatusNotFound
	case errors.Is(err, coordinator.ErrInvalidArgument):
		return http.StatusBadRequest
	case errors.Is(err, coordinator.ErrActionDisabled):
		return http.StatusForbidden
	case errors.Is(err, printer.ErrAuth):
		return http.StatusUnauthorized
	case errors.Is(err, printer.ErrTimeout):
		return http.StatusGatewayTimeout
	default:
		return http.StatusBadGateway
	}
}

// Start begins serving HTTP requests.
func (s *Server) Start() error {
	s.log.Info("bridge server starting", "addr", s.httpServer.Addr)
	if err := s.httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("serving %s: %w", s.httpServer.Addr, err)
	}
	return nil
}

// Shutdown closes WebSocket clients and gracefully stops the HTTP server.
func (s *Server) Shutdown(ctx context.Context) error {
	s.hub.CloseAll()
	return s.httpServer.Shutdown(ctx)
}

// corsMiddleware adds CORS headers for browser-based dashboards.
func corsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", "*")
		w.Header().Set("Access-Control-Allow-Methods", "GET, POST, OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "Content-Type, Authorization")

		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusOK)
			return
		}

		next.ServeHTTP(w, r)
	})
}

func writeJSON(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(v)
}

func writeJSONError(w http.ResponseWriter, status int, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(map[string]any{
		"error": map[string]any{
			"code":    status,
			"message": message,
		},
	})
}
