package statusserver

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/julienschmidt/httprouter"
	"github.com/relaydeck/relaydeck/internal/app"
	"github.com/relaydeck/relaydeck/internal/logger"
)

// Server exposes the connectivity state on localhost for the UI layer. It
// renders nothing itself; everything is JSON.
type Server struct {
	companion *app.Companion
	port      int
	server    *http.Server
	router    *httprouter.Router
	log       *logger.Logger
}

// NewServer creates the status server on the given localhost port.
func NewServer(companion *app.Companion, port int) *Server {
	s := &Server{
		companion: companion,
		port:      port,
		router:    httprouter.New(),
		log:       logger.Global().WithPrefix("status"),
	}
	s.setupRoutes()
	return s
}

func (s *Server) setupRoutes() {
	s.router.GET("/health", s.handleHealth)
	s.router.GET("/status", s.handleStatus)
	s.router.GET("/status/enhanced", s.handleStatusEnhanced)
	s.router.GET("/candidates", s.handleCandidates)

	s.router.POST("/connect/best", s.handleConnectBest)
	s.router.POST("/connect/local", s.handleConnectLocal)
	s.router.POST("/connect/candidate/:id", s.handleConnectCandidate)
	s.router.POST("/disconnect", s.handleDisconnect)
}

// Start starts the HTTP server. Blocks until the listener fails or is shut
// down.
func (s *Server) Start() error {
	s.server = &http.Server{
		Addr:    fmt.Sprintf("127.0.0.1:%d", s.port),
		Handler: s.router,
	}

	s.log.Info("status endpoint listening on %s", s.server.Addr)
	err := s.server.ListenAndServe()
	if err == http.ErrServerClosed {
		return nil
	}
	return err
}

// Stop shuts the HTTP server down gracefully.
func (s *Server) Stop() error {
	if s.server == nil {
		return nil
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	return s.server.Shutdown(ctx)
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request, _ httprouter.Params) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request, _ httprouter.Params) {
	writeJSON(w, http.StatusOK, s.companion.Manager.ConnectionInfo())
}

func (s *Server) handleStatusEnhanced(w http.ResponseWriter, r *http.Request, _ httprouter.Params) {
	writeJSON(w, http.StatusOK, s.companion.Manager.EnhancedConnectionInfo(r.Context()))
}

func (s *Server) handleCandidates(w http.ResponseWriter, r *http.Request, _ httprouter.Params) {
	writeJSON(w, http.StatusOK, s.companion.Manager.DiscoverCandidates(r.Context()))
}

func (s *Server) handleConnectBest(w http.ResponseWriter, r *http.Request, _ httprouter.Params) {
	initiated := s.companion.Manager.ConnectToBest(r.Context())
	writeJSON(w, http.StatusOK, map[string]bool{"initiated": initiated})
}

func (s *Server) handleConnectLocal(w http.ResponseWriter, r *http.Request, _ httprouter.Params) {
	s.companion.Manager.ConnectToLocal(r.Context())
	writeJSON(w, http.StatusOK, map[string]bool{"initiated": true})
}

func (s *Server) handleConnectCandidate(w http.ResponseWriter, r *http.Request, ps httprouter.Params) {
	id := ps.ByName("id")
	if !s.companion.Manager.ConnectToCandidate(r.Context(), id) {
		writeJSON(w, http.StatusNotFound, map[string]string{"error": fmt.Sprintf("no dialable workspace %q", id)})
		return
	}
	writeJSON(w, http.StatusOK, map[string]bool{"initiated": true})
}

func (s *Server) handleDisconnect(w http.ResponseWriter, r *http.Request, _ httprouter.Params) {
	s.companion.Manager.Disconnect()
	writeJSON(w, http.StatusOK, map[string]bool{"disconnected": true})
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		logger.Error("failed to encode status response: %v", err)
	}
}
