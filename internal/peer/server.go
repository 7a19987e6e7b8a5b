package peer

import (
	"context"
	"net"
	"net/http"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/route-beacon/ilp-connector/internal/btp"
)

// Server upgrades inbound HTTP connections to WebSocket and hands each one
// to a Registry's AcceptInbound handshake, mirroring the Start/Shutdown
// shape internal/telemetry/hub.Server uses for its own upgrade-and-dispatch
// listener.
type Server struct {
	registry *Registry
	srv      *http.Server
	upgrader websocket.Upgrader
	logger   *zap.Logger
}

// NewServer builds a Server that accepts inbound BTP connections at addr.
func NewServer(addr string, registry *Registry, logger *zap.Logger) *Server {
	s := &Server{
		registry: registry,
		logger:   logger,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
			CheckOrigin:     func(*http.Request) bool { return true },
		},
	}

	mux := http.NewServeMux()
	mux.HandleFunc("/btp", s.handleUpgrade)
	s.srv = &http.Server{Addr: addr, Handler: mux}
	return s
}

func (s *Server) handleUpgrade(w http.ResponseWriter, r *http.Request) {
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Debug("btp inbound: upgrade failed", zap.Error(err))
		return
	}

	peerID, err := s.registry.AcceptInbound(btp.NewWSTransport(conn))
	if err != nil {
		s.logger.Warn("btp inbound: handshake failed", zap.Error(err))
		return
	}
	s.logger.Info("btp inbound: session established", zap.String("peer_id", peerID))
}

// Start begins serving in the background.
func (s *Server) Start() error {
	ln, err := net.Listen("tcp", s.srv.Addr)
	if err != nil {
		return err
	}
	s.logger.Info("btp inbound listener started", zap.String("addr", s.srv.Addr))
	go func() {
		if err := s.srv.Serve(ln); err != nil && err != http.ErrServerClosed {
			s.logger.Error("btp inbound listener error", zap.Error(err))
		}
	}()
	return nil
}

// Shutdown gracefully stops the server.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.srv.Shutdown(ctx)
}
