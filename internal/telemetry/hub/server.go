package hub

import (
	"context"
	"net"
	"net/http"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"
)

// Server upgrades inbound HTTP connections to WebSocket and hands them to
// a Hub, mirroring the teacher's http.Server Start/Shutdown pair
// (internal/http/server.go) generalized from a static mux to a single
// upgrade-and-dispatch handler.
type Server struct {
	hub      *Hub
	srv      *http.Server
	upgrader websocket.Upgrader
	logger   *zap.Logger
}

// NewServer builds a Server that accepts ingest connections at addr.
func NewServer(addr string, hub *Hub, logger *zap.Logger) *Server {
	s := &Server{
		hub:    hub,
		logger: logger,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
			// The hub serves both connectors and observer tooling, which
			// may run from a different origin than the hub itself.
			CheckOrigin: func(*http.Request) bool { return true },
		},
	}

	mux := http.NewServeMux()
	mux.HandleFunc("/ingest", s.handleUpgrade)
	s.srv = &http.Server{Addr: addr, Handler: mux}
	return s
}

func (s *Server) handleUpgrade(w http.ResponseWriter, r *http.Request) {
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Debug("telemetry hub: upgrade failed", zap.Error(err))
		return
	}
	// HandleConn runs on the handler goroutine: net/http cancels
	// r.Context() as soon as the handler returns, and the mirror writes use
	// that context.
	s.hub.HandleConn(r.Context(), NewWSConn(conn))
}

// Start begins serving in the background.
func (s *Server) Start() error {
	ln, err := net.Listen("tcp", s.srv.Addr)
	if err != nil {
		return err
	}
	s.logger.Info("telemetry hub listening", zap.String("addr", s.srv.Addr))
	go func() {
		if err := s.srv.Serve(ln); err != nil && err != http.ErrServerClosed {
			s.logger.Error("telemetry hub server error", zap.Error(err))
		}
	}()
	return nil
}

// Shutdown gracefully stops the server.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.srv.Shutdown(ctx)
}
