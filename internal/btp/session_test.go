package btp

import (
	"context"
	"testing"
	"time"

	"go.uber.org/zap"
)

func echoHandler() Handler {
	return HandlerFunc(func(ctx context.Context, pd []ProtocolDataEntry) ([]ProtocolDataEntry, error) {
		return pd, nil
	})
}

func TestSession_DispatchMessage_CarriesPeerIDInContext(t *testing.T) {
	clientTransport, serverTransport := newPipePair()
	logger := zap.NewNop()

	seenPeerID := make(chan string, 1)
	client := newSession(clientTransport, echoHandler(), logger, "server")
	server := newSession(serverTransport, HandlerFunc(func(ctx context.Context, pd []ProtocolDataEntry) ([]ProtocolDataEntry, error) {
		id, _ := PeerIDFromContext(ctx)
		seenPeerID <- id
		return nil, nil
	}), logger, "client")
	defer client.Close(CloseSessionRemoved)
	defer server.Close(CloseSessionRemoved)

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if _, err := client.SendRequest(ctx, nil); err != nil {
		t.Fatalf("SendRequest: %v", err)
	}

	select {
	case id := <-seenPeerID:
		if id != "client" {
			t.Errorf("peerID in context: got %q want %q", id, "client")
		}
	case <-time.After(2 * time.Second):
		t.Fatal("handler was never invoked")
	}
}

func TestSession_SendRequest_Success(t *testing.T) {
	clientTransport, serverTransport := newPipePair()
	logger := zap.NewNop()

	client := newSession(clientTransport, HandlerFunc(func(ctx context.Context, pd []ProtocolDataEntry) ([]ProtocolDataEntry, error) {
		return nil, nil
	}), logger, "server")
	server := newSession(serverTransport, echoHandler(), logger, "client")
	defer client.Close(CloseSessionRemoved)
	defer server.Close(CloseSessionRemoved)

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	resp, err := client.SendRequest(ctx, []ProtocolDataEntry{
		{Name: "ilp", ContentType: ContentTypeILPOER, Content: []byte{9, 9, 9}},
	})
	if err != nil {
		t.Fatalf("SendRequest: %v", err)
	}
	pd, ok := resp.ProtocolDataByName("ilp")
	if !ok {
		t.Fatal("expected echoed ilp protocol data")
	}
	if string(pd.Content) != "\x09\x09\x09" {
		t.Errorf("echoed content: got %v", pd.Content)
	}
}

func TestSession_SendRequest_HandlerError(t *testing.T) {
	clientTransport, serverTransport := newPipePair()
	logger := zap.NewNop()

	client := newSession(clientTransport, HandlerFunc(func(ctx context.Context, pd []ProtocolDataEntry) ([]ProtocolDataEntry, error) {
		return nil, nil
	}), logger, "server")
	server := newSession(serverTransport, HandlerFunc(func(ctx context.Context, pd []ProtocolDataEntry) ([]ProtocolDataEntry, error) {
		return nil, errUnroutable
	}), logger, "client")
	defer client.Close(CloseSessionRemoved)
	defer server.Close(CloseSessionRemoved)

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	_, err := client.SendRequest(ctx, nil)
	if err == nil {
		t.Fatal("expected error from handler failure")
	}
}

func TestSession_Close_FailsPending(t *testing.T) {
	clientTransport, serverTransport := newPipePair()
	logger := zap.NewNop()

	// Server never responds: the handler blocks until the test ends.
	block := make(chan struct{})
	defer close(block)
	client := newSession(clientTransport, HandlerFunc(func(ctx context.Context, pd []ProtocolDataEntry) ([]ProtocolDataEntry, error) {
		return nil, nil
	}), logger, "server")
	server := newSession(serverTransport, HandlerFunc(func(ctx context.Context, pd []ProtocolDataEntry) ([]ProtocolDataEntry, error) {
		<-block
		return nil, nil
	}), logger, "client")
	defer server.Close(CloseSessionRemoved)

	done := make(chan struct{})
	var reqErr error
	go func() {
		_, reqErr = client.SendRequest(context.Background(), nil)
		close(done)
	}()

	// Give the request time to be in flight, then close the client session.
	time.Sleep(50 * time.Millisecond)
	client.Close(ClosePeerDisconnected)

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("SendRequest did not return after session close")
	}
	if reqErr != ErrPeerDisconnected {
		t.Errorf("expected ErrPeerDisconnected, got %v", reqErr)
	}
}

func TestSession_SendRequest_AfterClose(t *testing.T) {
	clientTransport, _ := newPipePair()
	logger := zap.NewNop()
	client := newSession(clientTransport, echoHandler(), logger, "x")
	client.Close(CloseSessionRemoved)

	_, err := client.SendRequest(context.Background(), nil)
	if err != ErrSessionClosed {
		t.Errorf("expected ErrSessionClosed, got %v", err)
	}
}

var errUnroutable = &testHandlerError{"no route"}

type testHandlerError struct{ msg string }

func (e *testHandlerError) Error() string { return e.msg }
