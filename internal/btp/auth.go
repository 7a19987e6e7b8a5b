package btp

import (
	"fmt"
	"time"

	"go.uber.org/zap"
)

// authRequestID is a fixed request id for the single auth exchange that
// precedes normal per-request ids; BTP reserves no id ranges, but a
// dedicated constant keeps the handshake easy to follow on the wire.
const authRequestID uint32 = 0

// Authenticator validates a claimed peer id against its presented secret.
// The server-side registry implements this by looking up the peer's
// configured auth token.
type Authenticator interface {
	Authenticate(peerID string, token []byte) bool
}

// AuthenticatorFunc adapts a function to Authenticator.
type AuthenticatorFunc func(peerID string, token []byte) bool

func (f AuthenticatorFunc) Authenticate(peerID string, token []byte) bool { return f(peerID, token) }

func buildAuthFrame(peerID string, token []byte) *Frame {
	return &Frame{
		Type:      TypeMessage,
		RequestID: authRequestID,
		ProtocolData: []ProtocolDataEntry{
			{Name: "auth", ContentType: ContentTypeOctetStream, Content: nil},
			{Name: "auth_username", ContentType: ContentTypePlainText, Content: []byte(peerID)},
			{Name: "auth_token", ContentType: ContentTypeOctetStream, Content: token},
		},
	}
}

// DialAndAuthenticate sends the BTP auth handshake over transport as an
// outbound (client) peer and, on success, wraps transport in a ready
// Session. It closes transport itself on any handshake failure.
func DialAndAuthenticate(transport Transport, peerID string, secret []byte, handler Handler, logger *zap.Logger) (*Session, error) {
	if err := transport.WriteMessage(Encode(buildAuthFrame(peerID, secret))); err != nil {
		transport.Close()
		return nil, fmt.Errorf("btp: sending auth frame: %w", err)
	}

	raw, err := transport.ReadMessage()
	if err != nil {
		transport.Close()
		return nil, fmt.Errorf("btp: reading auth response: %w", err)
	}

	resp, err := Decode(raw)
	if err != nil {
		transport.Close()
		return nil, fmt.Errorf("btp: malformed auth response: %w", err)
	}

	if resp.Type == TypeError {
		transport.Close()
		return nil, fmt.Errorf("btp: %s", ClosePeerDisconnected)
	}
	if resp.Type != TypeResponse {
		transport.Close()
		return nil, fmt.Errorf("btp: unexpected frame type %d during auth", resp.Type)
	}

	return newSession(transport, handler, logger, peerID), nil
}

// AcceptInbound performs the server-side auth handshake on a freshly
// accepted transport: it reads the first frame, expects a Message frame
// bearing auth/auth_username/auth_token sub-payloads, and validates the
// claimed peer id against auth. On mismatch it writes an Error frame with
// code AuthenticationFailed and closes the transport without retry, per
// spec.md §4.2.
func AcceptInbound(transport Transport, authenticator Authenticator, handler Handler, logger *zap.Logger, handshakeTimeout time.Duration) (*Session, string, error) {
	raw, err := readWithTimeout(transport, handshakeTimeout)
	if err != nil {
		transport.Close()
		return nil, "", fmt.Errorf("btp: reading auth frame: %w", err)
	}

	frame, err := Decode(raw)
	if err != nil {
		transport.Close()
		return nil, "", fmt.Errorf("btp: malformed auth frame: %w", err)
	}

	if frame.Type != TypeMessage {
		transport.Close()
		return nil, "", fmt.Errorf("btp: first frame must be a Message (got type %d)", frame.Type)
	}

	_, hasAuth := frame.ProtocolDataByName("auth")
	usernamePD, hasUsername := frame.ProtocolDataByName("auth_username")
	tokenPD, hasToken := frame.ProtocolDataByName("auth_token")
	if !hasAuth || !hasUsername || !hasToken {
		writeAuthFailure(transport, frame.RequestID)
		transport.Close()
		return nil, "", fmt.Errorf("btp: %s: missing auth sub-payloads", CloseAuthenticationFailed)
	}

	peerID := string(usernamePD.Content)
	if !authenticator.Authenticate(peerID, tokenPD.Content) {
		writeAuthFailure(transport, frame.RequestID)
		transport.Close()
		return nil, "", fmt.Errorf("btp: %s: peer %q", CloseAuthenticationFailed, peerID)
	}

	if err := transport.WriteMessage(Encode(&Frame{Type: TypeResponse, RequestID: frame.RequestID})); err != nil {
		transport.Close()
		return nil, "", fmt.Errorf("btp: writing auth success response: %w", err)
	}

	return newSession(transport, handler, logger, peerID), peerID, nil
}

// readWithTimeout races a blocking ReadMessage against timeout, closing
// transport if the deadline elapses first (ReadMessage itself has no
// context-aware cancellation). A non-positive timeout disables the race
// and reads directly.
func readWithTimeout(transport Transport, timeout time.Duration) ([]byte, error) {
	if timeout <= 0 {
		return transport.ReadMessage()
	}

	type result struct {
		data []byte
		err  error
	}
	resultCh := make(chan result, 1)
	go func() {
		data, err := transport.ReadMessage()
		resultCh <- result{data, err}
	}()

	select {
	case r := <-resultCh:
		return r.data, r.err
	case <-time.After(timeout):
		transport.Close()
		return nil, fmt.Errorf("btp: auth handshake timed out after %s", timeout)
	}
}

func writeAuthFailure(transport Transport, requestID uint32) {
	errFrame := &Frame{
		Type:      TypeError,
		RequestID: requestID,
		ProtocolData: []ProtocolDataEntry{
			{Name: "code", ContentType: ContentTypePlainText, Content: []byte(CloseAuthenticationFailed)},
		},
	}
	transport.WriteMessage(Encode(errFrame))
}
