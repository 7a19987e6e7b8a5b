package btp

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"

	"go.uber.org/zap"
)

// Transport is the minimal duplex, message-boundary-preserving stream a
// Session runs over. The reference transport is WebSocket; the contract
// only requires that each WriteMessage call correspond to exactly one
// ReadMessage call on the peer.
type Transport interface {
	ReadMessage() ([]byte, error)
	WriteMessage(data []byte) error
	Close() error
}

// Handler processes an inbound BTP Message frame and produces the
// protocol data for the Response frame, or an error for an Error frame.
type Handler interface {
	HandleMessage(ctx context.Context, protocolData []ProtocolDataEntry) ([]ProtocolDataEntry, error)
}

// HandlerFunc adapts a function to Handler.
type HandlerFunc func(ctx context.Context, protocolData []ProtocolDataEntry) ([]ProtocolDataEntry, error)

func (f HandlerFunc) HandleMessage(ctx context.Context, pd []ProtocolDataEntry) ([]ProtocolDataEntry, error) {
	return f(ctx, pd)
}

// State is a Session's lifecycle state, per spec.md §4.2.
type State int32

const (
	StateConnecting State = iota
	StateAuthenticating
	StateReady
	StateDraining
	StateClosed
)

func (s State) String() string {
	switch s {
	case StateConnecting:
		return "connecting"
	case StateAuthenticating:
		return "authenticating"
	case StateReady:
		return "ready"
	case StateDraining:
		return "draining"
	case StateClosed:
		return "closed"
	default:
		return "unknown"
	}
}

// CloseCode names why a Session closed.
type CloseCode string

const (
	CloseSessionReplaced       CloseCode = "SessionReplaced"
	CloseSessionRemoved        CloseCode = "SessionRemoved"
	ClosePeerDisconnected      CloseCode = "PeerDisconnected"
	CloseAuthenticationFailed CloseCode = "AuthenticationFailed"
)

// ErrPeerDisconnected is returned to callers of SendRequest when the
// session closes (for any reason) while their request is outstanding.
var ErrPeerDisconnected = errors.New("btp: peer disconnected")

// ErrSessionClosed is returned by SendRequest when called on an
// already-closed session.
var ErrSessionClosed = errors.New("btp: session closed")

type pendingSlot struct {
	resultCh chan *Frame
}

// Session is the live BTP channel to one peer: a reader goroutine that
// demultiplexes frames, and a writer goroutine that serializes sends,
// mirroring the teacher's paired reader/writer goroutines over channels
// (internal/kafka/state_consumer.go's Run + commit goroutine).
type Session struct {
	transport Transport
	handler   Handler
	logger    *zap.Logger
	peerID    string

	state atomic.Int32

	mu      sync.Mutex
	pending map[uint32]pendingSlot

	nextReqID atomic.Uint32

	writeCh chan *Frame
	done    chan struct{}

	closeOnce sync.Once
	closeCode CloseCode
	closeErr  error
}

// newSession constructs a Session already past authentication (state
// ready) and starts its reader/writer goroutines. peerID labels log
// lines, is returned by PeerID, and is attached to each handler context
// (see PeerIDFromContext).
func newSession(transport Transport, handler Handler, logger *zap.Logger, peerID string) *Session {
	s := &Session{
		transport: transport,
		handler:   handler,
		logger:    logger,
		peerID:    peerID,
		pending:   make(map[uint32]pendingSlot),
		writeCh:   make(chan *Frame, 64),
		done:      make(chan struct{}),
	}
	s.state.Store(int32(StateReady))
	go s.writeLoop()
	go s.readLoop()
	return s
}

// State returns the session's current lifecycle state.
func (s *Session) State() State {
	return State(s.state.Load())
}

// PeerID returns the peer id this session is associated with, if known.
func (s *Session) PeerID() string {
	return s.peerID
}

func (s *Session) writeLoop() {
	for {
		select {
		case f := <-s.writeCh:
			if err := s.transport.WriteMessage(Encode(f)); err != nil {
				s.closeWith(ClosePeerDisconnected, fmt.Errorf("btp: write failed: %w", err))
				return
			}
		case <-s.done:
			return
		}
	}
}

func (s *Session) readLoop() {
	for {
		raw, err := s.transport.ReadMessage()
		if err != nil {
			s.closeWith(ClosePeerDisconnected, fmt.Errorf("btp: read failed: %w", err))
			return
		}

		frame, err := Decode(raw)
		if err != nil {
			// A malformed frame is the remote misbehaving; drop it and
			// keep the session open rather than propagate a ProtocolError
			// to callers (spec.md §7).
			s.logger.Warn("dropping malformed btp frame", zap.String("peer_id", s.peerID), zap.Error(err))
			continue
		}

		switch frame.Type {
		case TypeResponse, TypeError:
			s.completePending(frame)
		case TypeMessage:
			go s.dispatchMessage(frame)
		default:
			s.logger.Warn("dropping btp frame with unknown type", zap.String("peer_id", s.peerID), zap.Uint8("type", frame.Type))
		}
	}
}

func (s *Session) completePending(frame *Frame) {
	s.mu.Lock()
	slot, ok := s.pending[frame.RequestID]
	if ok {
		delete(s.pending, frame.RequestID)
	}
	s.mu.Unlock()

	if !ok {
		// Late or duplicate response for a request id we no longer track
		// (already timed out, or a programming error upstream); drop it.
		return
	}
	select {
	case slot.resultCh <- frame:
	default:
	}
}

// ctxKeyPeerID is the context key under which the originating peer id is
// stashed for handlers dispatched from readLoop; it lets a single shared
// Handler (e.g. the packet router) know which session a Message arrived on
// without widening the Handler interface itself.
type ctxKeyPeerID struct{}

// PeerIDFromContext returns the peer id of the session a Handler's
// HandleMessage call is being dispatched from, if any.
func PeerIDFromContext(ctx context.Context) (string, bool) {
	v, ok := ctx.Value(ctxKeyPeerID{}).(string)
	return v, ok
}

// ContextWithPeerID returns a copy of ctx carrying peerID, in the same
// slot readLoop's dispatch uses. Exported so other packages' tests can
// exercise a Handler exactly as it would be invoked from a real session.
func ContextWithPeerID(ctx context.Context, peerID string) context.Context {
	return context.WithValue(ctx, ctxKeyPeerID{}, peerID)
}

func (s *Session) dispatchMessage(frame *Frame) {
	// Inbound requests are not bound by the sender's deadline; packet
	// routing's own timers govern how long this takes. The context is
	// still canceled the moment this session closes, so a handler
	// forwarding the request downstream learns immediately that its
	// originator is gone rather than running to its own forward deadline
	// (spec.md §5 cancellation).
	ctx, cancel := context.WithCancel(context.WithValue(context.Background(), ctxKeyPeerID{}, s.peerID))
	defer cancel()
	go func() {
		select {
		case <-s.done:
			cancel()
		case <-ctx.Done():
		}
	}()

	respData, err := s.handler.HandleMessage(ctx, frame.ProtocolData)

	var reply *Frame
	if err != nil {
		reply = &Frame{
			Type:      TypeError,
			RequestID: frame.RequestID,
			ProtocolData: []ProtocolDataEntry{
				{Name: "code", ContentType: ContentTypePlainText, Content: []byte(err.Error())},
			},
		}
	} else {
		reply = &Frame{
			Type:         TypeResponse,
			RequestID:    frame.RequestID,
			ProtocolData: respData,
		}
	}

	select {
	case s.writeCh <- reply:
	case <-s.done:
	}
}

// SendRequest sends a Message frame and blocks until a Response/Error
// arrives with the same request id, ctx is done, or the session closes.
func (s *Session) SendRequest(ctx context.Context, protocolData []ProtocolDataEntry) (*Frame, error) {
	if s.State() == StateClosed {
		return nil, ErrSessionClosed
	}

	reqID := s.nextReqID.Add(1)
	resultCh := make(chan *Frame, 1)

	s.mu.Lock()
	s.pending[reqID] = pendingSlot{resultCh: resultCh}
	s.mu.Unlock()

	frame := &Frame{Type: TypeMessage, RequestID: reqID, ProtocolData: protocolData}

	select {
	case s.writeCh <- frame:
	case <-s.done:
		s.removePending(reqID)
		return nil, s.closeErrOr(ErrPeerDisconnected)
	case <-ctx.Done():
		s.removePending(reqID)
		return nil, ctx.Err()
	}

	select {
	case resp := <-resultCh:
		if resp == nil {
			return nil, s.closeErrOr(ErrPeerDisconnected)
		}
		if resp.Type == TypeError {
			return nil, fmt.Errorf("btp: remote error: %s", errorFrameMessage(resp))
		}
		return resp, nil
	case <-s.done:
		s.removePending(reqID)
		return nil, s.closeErrOr(ErrPeerDisconnected)
	case <-ctx.Done():
		s.removePending(reqID)
		return nil, ctx.Err()
	}
}

// SendRequestAsync sends a Message frame and returns immediately with the
// request's result channel, without tying the pending slot's lifetime to
// any caller deadline. Unlike SendRequest, a caller that stops waiting on
// the returned channel does not remove the pending slot: the slot stays
// registered until either the real Response/Error frame arrives or the
// session closes (which fans out a nil to every still-pending slot). This
// lets a caller apply its own deadline for the reply it forwards upstream
// while still observing a late response for accounting purposes, per
// spec.md §4.5's "late arrivals of Fulfill after the timeout are still
// credited to accounting" requirement.
func (s *Session) SendRequestAsync(ctx context.Context, protocolData []ProtocolDataEntry) (uint32, <-chan *Frame, error) {
	if s.State() == StateClosed {
		return 0, nil, ErrSessionClosed
	}

	reqID := s.nextReqID.Add(1)
	resultCh := make(chan *Frame, 1)

	s.mu.Lock()
	s.pending[reqID] = pendingSlot{resultCh: resultCh}
	s.mu.Unlock()

	frame := &Frame{Type: TypeMessage, RequestID: reqID, ProtocolData: protocolData}

	select {
	case s.writeCh <- frame:
		return reqID, resultCh, nil
	case <-s.done:
		s.removePending(reqID)
		return 0, nil, s.closeErrOr(ErrPeerDisconnected)
	case <-ctx.Done():
		s.removePending(reqID)
		return 0, nil, ctx.Err()
	}
}

func errorFrameMessage(f *Frame) string {
	if pd, ok := f.ProtocolDataByName("code"); ok {
		return string(pd.Content)
	}
	return "unknown error"
}

func (s *Session) removePending(reqID uint32) {
	s.mu.Lock()
	delete(s.pending, reqID)
	s.mu.Unlock()
}

// Close closes the session with the given code, failing all pending
// outbound requests with ErrPeerDisconnected.
func (s *Session) Close(code CloseCode) error {
	return s.closeWith(code, nil)
}

func (s *Session) closeWith(code CloseCode, err error) error {
	var closeErr error
	s.closeOnce.Do(func() {
		s.state.Store(int32(StateClosed))
		s.closeCode = code
		if err != nil {
			s.closeErr = err
		} else {
			s.closeErr = ErrPeerDisconnected
		}
		close(s.done)

		s.mu.Lock()
		pending := s.pending
		s.pending = make(map[uint32]pendingSlot)
		s.mu.Unlock()

		for _, slot := range pending {
			select {
			case slot.resultCh <- nil:
			default:
			}
		}

		closeErr = s.transport.Close()
	})
	return closeErr
}

func (s *Session) closeErrOr(fallback error) error {
	if s.closeErr != nil {
		return s.closeErr
	}
	return fallback
}

// Done returns a channel closed when the session transitions to closed.
func (s *Session) Done() <-chan struct{} {
	return s.done
}

// CloseCodeValue returns the code the session closed with, valid only once
// Done() is closed.
func (s *Session) CloseCodeValue() CloseCode {
	return s.closeCode
}
