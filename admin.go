package redisnode

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"time"

	"github.com/VictoriaMetrics/metrics"
	"github.com/go-chi/chi/v5"
)

const (
	contentTypeJSON        = "application/json"
	defaultShutdownTimeout = 5 * time.Second
)

// adminServer exposes health, metrics, INFO and SAVE over HTTP
type adminServer struct {
	node       *Node
	httpServer *http.Server
	listener   net.Listener
}

type adminResponse struct {
	Status string `json:"status"`
	Error  string `json:"error,omitempty"`
}

type healthResponse struct {
	Status    string `json:"status"`
	Role      string `json:"role"`
	ReplID    string `json:"replid"`
	Offset    int64  `json:"offset"`
	Synced    bool   `json:"synced"`
	LinkState string `json:"link_state,omitempty"`
	Replicas  int    `json:"connected_replicas"`
}

func newAdminServer(n *Node) *adminServer {
	return &adminServer{node: n}
}

// createRouter builds chi router
func (s *adminServer) createRouter() http.Handler {
	r := chi.NewRouter()

	r.Get("/health", s.handleHealth)
	r.Get("/metrics", s.handleMetrics)
	r.Get("/info", s.handleInfo)
	r.Get("/info/{section}", s.handleInfo)
	r.Post("/save", s.handleSave)

	return r
}

func (s *adminServer) start(addr string) error {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", addr, err)
	}
	s.listener = ln
	s.httpServer = &http.Server{
		Handler:           s.createRouter(),
		ReadHeaderTimeout: time.Second,
	}

	go func() {
		if err := s.httpServer.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.node.config.logger.Error("Admin server error", Field{"error", err})
		}
	}()

	s.node.config.logger.Info("Admin server listening", Field{"addr", ln.Addr().String()})
	return nil
}

func (s *adminServer) stop() error {
	if s.httpServer == nil {
		return nil
	}
	ctx, cancel := context.WithTimeout(context.Background(), defaultShutdownTimeout)
	defer cancel()

	if err := s.httpServer.Shutdown(ctx); err != nil {
		return fmt.Errorf("failed to shutdown admin server: %w", err)
	}
	return nil
}

func (s *adminServer) addr() string {
	if s.listener == nil {
		return ""
	}
	return s.listener.Addr().String()
}

func (s *adminServer) writeJSON(w http.ResponseWriter, status int, data interface{}) {
	w.Header().Set("Content-Type", contentTypeJSON)
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(data); err != nil {
		s.node.config.logger.Debug("Error encoding response", Field{"error", err})
	}
}

// handleHealth answers 200 once the keyspace is in sync, 503 before that
func (s *adminServer) handleHealth(w http.ResponseWriter, _ *http.Request) {
	status := s.node.SyncStatus()
	resp := healthResponse{
		Status:   "ok",
		Role:     status.Role.String(),
		ReplID:   status.ReplID,
		Offset:   status.Offset,
		Synced:   status.InitialSyncCompleted,
		Replicas: len(status.Replicas),
	}
	if s.node.IsReplica() {
		resp.LinkState = status.LinkState.String()
	}

	code := http.StatusOK
	if !resp.Synced {
		resp.Status = "syncing"
		code = http.StatusServiceUnavailable
	}
	s.writeJSON(w, code, resp)
}

func (s *adminServer) handleMetrics(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Content-Type", "text/plain; version=0.0.4")
	if m, ok := s.node.config.metrics.(*Metrics); ok {
		s.node.recordGauges()
		m.WritePrometheus(w)
	}
	metrics.WriteProcessMetrics(w)
}

func (s *adminServer) handleInfo(w http.ResponseWriter, r *http.Request) {
	var sections []string
	if section := chi.URLParam(r, "section"); section != "" {
		sections = append(sections, section)
	}
	w.Header().Set("Content-Type", "text/plain")
	if _, err := w.Write([]byte(s.node.Info(sections...))); err != nil {
		s.node.config.logger.Debug("Failed to write info response", Field{"error", err})
	}
}

func (s *adminServer) handleSave(w http.ResponseWriter, _ *http.Request) {
	if err := s.node.Save(); err != nil {
		code := http.StatusInternalServerError
		if errors.Is(err, ErrNoSnapshotFile) {
			code = http.StatusConflict
		}
		s.writeJSON(w, code, adminResponse{Status: "error", Error: err.Error()})
		return
	}
	s.writeJSON(w, http.StatusOK, adminResponse{Status: "ok"})
}
