// Package httpapi is the connector's health and metrics surface:
// /healthz (liveness), /readyz (the ≥50%-outbound-ready rule of
// spec.md §6), and /metrics, built the way internal/http/server.go
// built its own: single-method interfaces injected for testability, a
// Start()/Shutdown(ctx) pair driven from main's signal handling.
package httpapi

import (
	"context"
	"encoding/json"
	"net"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"
)

// DBChecker abstracts the database health check for testability.
type DBChecker interface {
	Ping(ctx context.Context) error
}

// PeerStatus abstracts the peer registry's readiness reporting so
// httpapi doesn't need to import internal/peer or internal/btp.
type PeerStatus interface {
	// OutboundReadiness returns the number of ready outbound peers and
	// the total number of configured outbound peers.
	OutboundReadiness() (ready int, total int)
}

type Server struct {
	srv       *http.Server
	dbChecker DBChecker
	peers     PeerStatus
	logger    *zap.Logger
}

// NewServer builds the health/metrics HTTP server. dbChecker may be nil
// (no Postgres configured — /readyz simply omits the postgres check).
func NewServer(addr string, dbChecker DBChecker, peers PeerStatus, logger *zap.Logger) *Server {
	s := &Server{
		dbChecker: dbChecker,
		peers:     peers,
		logger:    logger,
	}

	mux := http.NewServeMux()
	mux.HandleFunc("/healthz", s.handleHealthz)
	mux.HandleFunc("/readyz", s.handleReadyz)
	mux.Handle("/metrics", promhttp.Handler())

	s.srv = &http.Server{
		Addr:    addr,
		Handler: mux,
	}

	return s
}

func (s *Server) Start() error {
	ln, err := net.Listen("tcp", s.srv.Addr)
	if err != nil {
		return err
	}
	s.logger.Info("HTTP server listening", zap.String("addr", s.srv.Addr))
	go func() {
		if err := s.srv.Serve(ln); err != nil && err != http.ErrServerClosed {
			s.logger.Error("HTTP server error", zap.Error(err))
		}
	}()
	return nil
}

func (s *Server) Shutdown(ctx context.Context) error {
	return s.srv.Shutdown(ctx)
}

func (s *Server) handleHealthz(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	json.NewEncoder(w).Encode(map[string]string{"status": "ok"})
}

// handleReadyz implements spec.md §6's readiness rule: ready when at
// least half of configured outbound peers are BTP-ready, and (if
// Postgres is configured) the database answers a ping.
func (s *Server) handleReadyz(w http.ResponseWriter, r *http.Request) {
	checks := map[string]string{}
	allOK := true

	if s.dbChecker != nil {
		ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
		defer cancel()

		if err := s.dbChecker.Ping(ctx); err != nil {
			checks["postgres"] = "error"
			allOK = false
		} else {
			checks["postgres"] = "ok"
		}
	}

	ready, total := 0, 0
	if s.peers != nil {
		ready, total = s.peers.OutboundReadiness()
	}
	checks["outbound_peers"] = peerReadinessLabel(ready, total)
	if total > 0 && ready*2 < total {
		allOK = false
	}

	w.Header().Set("Content-Type", "application/json")
	status := "ready"
	httpStatus := http.StatusOK
	if !allOK {
		status = "not_ready"
		httpStatus = http.StatusServiceUnavailable
	}

	w.WriteHeader(httpStatus)
	json.NewEncoder(w).Encode(map[string]any{
		"status": status,
		"checks": checks,
		"outbound_peers_ready": ready,
		"outbound_peers_total": total,
	})
}

func peerReadinessLabel(ready, total int) string {
	if total == 0 {
		return "no_outbound_peers"
	}
	if ready*2 >= total {
		return "ok"
	}
	return "degraded"
}
