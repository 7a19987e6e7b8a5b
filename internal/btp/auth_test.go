package btp

import (
	"bytes"
	"sync"
	"testing"
	"time"

	"go.uber.org/zap"
)

func staticAuthenticator(peerID string, secret []byte) Authenticator {
	return AuthenticatorFunc(func(id string, token []byte) bool {
		return id == peerID && bytes.Equal(token, secret)
	})
}

func TestAuthHandshake_Success(t *testing.T) {
	clientTransport, serverTransport := newPipePair()
	logger := zap.NewNop()
	secret := []byte("s3cr3t")

	var wg sync.WaitGroup
	wg.Add(1)
	var serverSession *Session
	var serverPeerID string
	var serverErr error
	go func() {
		defer wg.Done()
		serverSession, serverPeerID, serverErr = AcceptInbound(serverTransport, staticAuthenticator("peer.a", secret), echoHandler(), logger, time.Second)
	}()

	clientSession, err := DialAndAuthenticate(clientTransport, "peer.a", secret, echoHandler(), logger)
	if err != nil {
		t.Fatalf("DialAndAuthenticate: %v", err)
	}
	defer clientSession.Close(CloseSessionRemoved)

	wg.Wait()
	if serverErr != nil {
		t.Fatalf("AcceptInbound: %v", serverErr)
	}
	defer serverSession.Close(CloseSessionRemoved)

	if serverPeerID != "peer.a" {
		t.Errorf("peerID: got %q want %q", serverPeerID, "peer.a")
	}
	if clientSession.State() != StateReady {
		t.Errorf("client state: got %v want ready", clientSession.State())
	}
	if serverSession.State() != StateReady {
		t.Errorf("server state: got %v want ready", serverSession.State())
	}
}

func TestAuthHandshake_WrongToken(t *testing.T) {
	clientTransport, serverTransport := newPipePair()
	logger := zap.NewNop()

	var wg sync.WaitGroup
	wg.Add(1)
	var serverErr error
	go func() {
		defer wg.Done()
		_, _, serverErr = AcceptInbound(serverTransport, staticAuthenticator("peer.a", []byte("correct")), echoHandler(), logger, time.Second)
	}()

	_, clientErr := DialAndAuthenticate(clientTransport, "peer.a", []byte("wrong"), echoHandler(), logger)
	wg.Wait()

	if serverErr == nil {
		t.Fatal("expected AcceptInbound to reject mismatched token")
	}
	if clientErr == nil {
		t.Fatal("expected DialAndAuthenticate to observe the rejection")
	}
}

func TestAuthHandshake_MissingSubPayloads(t *testing.T) {
	clientTransport, serverTransport := newPipePair()
	logger := zap.NewNop()

	go func() {
		clientTransport.WriteMessage(Encode(&Frame{Type: TypeMessage, RequestID: 0}))
	}()

	_, _, err := AcceptInbound(serverTransport, staticAuthenticator("peer.a", []byte("s")), echoHandler(), logger, time.Second)
	if err == nil {
		t.Fatal("expected error for auth frame missing sub-payloads")
	}
}
