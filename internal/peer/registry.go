// Package peer holds the set of configured BTP peers and dispatches their
// sessions, as specified in spec.md §4.3.
package peer

import (
	"context"
	"crypto/subtle"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/route-beacon/ilp-connector/internal/btp"
)

// inboundHandshakeTimeout bounds how long an accepted connection is given
// to present its auth frame before the registry gives up on it.
const inboundHandshakeTimeout = 10 * time.Second

// Direction is whether a peer is dialed by us or dials us.
type Direction int

const (
	DirectionInbound Direction = iota
	DirectionOutbound
)

// Config describes one configured peer.
type Config struct {
	ID        string
	Direction Direction
	Secret    []byte

	// DialURL is the WebSocket endpoint to connect to; required for
	// DirectionOutbound, ignored for DirectionInbound.
	DialURL string
}

// Peer is one registry entry: its static config plus whichever session,
// if any, is currently live for it.
type Peer struct {
	Config Config

	mu         sync.RWMutex
	session    *btp.Session
	maintainer *btp.Maintainer
	cancel     context.CancelFunc
}

// Session returns the session most recently installed for the peer, or
// nil; it may already be closed (Registry.Lookup checks readiness).
func (p *Peer) Session() *btp.Session {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.session
}

func (p *Peer) setSession(s *btp.Session) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.session = s
}

// Registry holds all configured peers, per spec.md §4.3. At most one ready
// session exists per peer id at any instant; collisions on inbound
// acceptance replace the prior session (closed with SessionReplaced).
type Registry struct {
	mu    sync.RWMutex
	peers map[string]*Peer

	handler btp.Handler
	logger  *zap.Logger
}

// NewRegistry builds an empty Registry. handler processes inbound BTP
// Message frames for every session the registry installs (typically the
// packet router).
func NewRegistry(handler btp.Handler, logger *zap.Logger) *Registry {
	return &Registry{
		peers:   make(map[string]*Peer),
		handler: handler,
		logger:  logger,
	}
}

// AddPeer registers cfg. For an outbound peer this starts an owning
// maintainer goroutine that dials, authenticates, and reconnects with
// backoff until RemovePeer is called, per spec.md §4.3's invariant that
// outbound peers have an owning maintainer task.
func (r *Registry) AddPeer(ctx context.Context, cfg Config) error {
	if cfg.ID == "" {
		return fmt.Errorf("peer: config.ID must not be empty")
	}

	r.mu.Lock()
	if _, exists := r.peers[cfg.ID]; exists {
		r.mu.Unlock()
		return fmt.Errorf("peer: %q already registered", cfg.ID)
	}
	p := &Peer{Config: cfg}
	r.peers[cfg.ID] = p
	r.mu.Unlock()

	if cfg.Direction != DirectionOutbound {
		return nil
	}
	if cfg.DialURL == "" {
		return fmt.Errorf("peer: outbound peer %q requires a dial URL", cfg.ID)
	}

	runCtx, cancel := context.WithCancel(ctx)
	p.mu.Lock()
	p.cancel = cancel
	p.mu.Unlock()

	maintainer := btp.NewMaintainer(
		cfg.ID,
		cfg.Secret,
		btp.NewWSDialer(cfg.DialURL, nil),
		r.handler,
		r.logger,
		btp.DefaultReconnectConfig,
		p.setSession,
	)
	p.mu.Lock()
	p.maintainer = maintainer
	p.mu.Unlock()

	go maintainer.Run(runCtx)
	return nil
}

// RemovePeer closes any live session for id with SessionRemoved, stops its
// maintainer if outbound, and deletes it from the registry.
func (r *Registry) RemovePeer(id string) {
	r.mu.Lock()
	p, ok := r.peers[id]
	if ok {
		delete(r.peers, id)
	}
	r.mu.Unlock()
	if !ok {
		return
	}

	p.mu.RLock()
	session := p.session
	maintainer := p.maintainer
	cancel := p.cancel
	p.mu.RUnlock()

	if maintainer != nil {
		maintainer.Stop()
	}
	if cancel != nil {
		cancel()
	}
	if session != nil {
		session.Close(btp.CloseSessionRemoved)
	}
}

// Lookup returns the ready session for peerID, if any.
func (r *Registry) Lookup(peerID string) (*btp.Session, bool) {
	r.mu.RLock()
	p, ok := r.peers[peerID]
	r.mu.RUnlock()
	if !ok {
		return nil, false
	}
	session := p.Session()
	if session == nil || session.State() != btp.StateReady {
		return nil, false
	}
	return session, true
}

// ForEach calls visit for a snapshot of every registered peer, for
// health/telemetry reporting. visit must not call back into the registry.
func (r *Registry) ForEach(visit func(id string, session *btp.Session, direction Direction)) {
	r.mu.RLock()
	snapshot := make([]*Peer, 0, len(r.peers))
	for _, p := range r.peers {
		snapshot = append(snapshot, p)
	}
	r.mu.RUnlock()

	for _, p := range snapshot {
		visit(p.Config.ID, p.Session(), p.Config.Direction)
	}
}

// OutboundReadiness reports how many of this registry's configured
// outbound peers currently have a ready BTP session, for the
// ≥50%-outbound-ready health rule of spec.md §6 (internal/httpapi's
// PeerStatus seam).
func (r *Registry) OutboundReadiness() (ready int, total int) {
	r.mu.RLock()
	snapshot := make([]*Peer, 0, len(r.peers))
	for _, p := range r.peers {
		snapshot = append(snapshot, p)
	}
	r.mu.RUnlock()

	for _, p := range snapshot {
		if p.Config.Direction != DirectionOutbound {
			continue
		}
		total++
		if session := p.Session(); session != nil && session.State() == btp.StateReady {
			ready++
		}
	}
	return ready, total
}

// Authenticate implements btp.Authenticator by comparing the presented
// token against the configured peer's secret in constant time.
func (r *Registry) Authenticate(peerID string, token []byte) bool {
	r.mu.RLock()
	p, ok := r.peers[peerID]
	r.mu.RUnlock()
	if !ok {
		return false
	}
	return subtle.ConstantTimeCompare(p.Config.Secret, token) == 1
}

// AcceptInbound runs the server-side BTP auth handshake over transport and,
// on success, installs the resulting session as the peer's current
// session — replacing (and closing with SessionReplaced) any prior ready
// session for that peer id, so that a reconnecting real peer converges.
func (r *Registry) AcceptInbound(transport btp.Transport) (string, error) {
	session, peerID, err := btp.AcceptInbound(transport, r, r.handler, r.logger, inboundHandshakeTimeout)
	if err != nil {
		return "", err
	}

	r.mu.RLock()
	p, ok := r.peers[peerID]
	r.mu.RUnlock()
	if !ok {
		session.Close(btp.CloseSessionRemoved)
		return "", fmt.Errorf("peer: %q authenticated but is not configured", peerID)
	}

	p.mu.Lock()
	old := p.session
	p.session = session
	p.mu.Unlock()

	if old != nil {
		old.Close(btp.CloseSessionReplaced)
	}
	return peerID, nil
}
