package router

import (
	"bytes"
	"context"
	"crypto/sha256"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"go.uber.org/zap"

	"github.com/route-beacon/ilp-connector/internal/btp"
	"github.com/route-beacon/ilp-connector/internal/oer"
	"github.com/route-beacon/ilp-connector/internal/routing"
)

// fakeTransport is a minimal in-memory btp.Transport, mirroring the
// btp package's own pipeTransport test fake.
type fakeTransport struct {
	out chan []byte
	in  <-chan []byte

	mu     sync.Mutex
	closed bool
}

func newFakePair() (a, b *fakeTransport) {
	ab := make(chan []byte, 64)
	ba := make(chan []byte, 64)
	a = &fakeTransport{out: ab, in: ba}
	b = &fakeTransport{out: ba, in: ab}
	return a, b
}

var errFakeClosed = errors.New("fake transport closed")

func (t *fakeTransport) ReadMessage() ([]byte, error) {
	msg, ok := <-t.in
	if !ok {
		return nil, errFakeClosed
	}
	return msg, nil
}

func (t *fakeTransport) WriteMessage(data []byte) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.closed {
		return errFakeClosed
	}
	cp := make([]byte, len(data))
	copy(cp, data)
	select {
	case t.out <- cp:
		return nil
	default:
		return errors.New("fake transport buffer full")
	}
}

func (t *fakeTransport) Close() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.closed {
		return nil
	}
	t.closed = true
	close(t.out)
	return nil
}

type fakeRoutes struct {
	routes map[string]routing.Route
}

func (f fakeRoutes) Lookup(destination string) (routing.Route, bool) {
	for prefix, r := range f.routes {
		if len(destination) >= len(prefix) && destination[:len(prefix)] == prefix {
			return r, true
		}
	}
	return routing.Route{}, false
}

type fakePeers struct {
	sessions map[string]*btp.Session
}

func (f fakePeers) Lookup(peerID string) (*btp.Session, bool) {
	s, ok := f.sessions[peerID]
	return s, ok
}

type recordingGate struct {
	mu        sync.Mutex
	reserved  []string
	committed map[string]Outcome
}

func newRecordingGate() *recordingGate {
	return &recordingGate{committed: make(map[string]Outcome)}
}

func (g *recordingGate) Reserve(ctx context.Context, peerID string, amount uint64, packetRef string) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.reserved = append(g.reserved, packetRef)
	return nil
}

func (g *recordingGate) Commit(packetRef string, outcome Outcome) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.committed[packetRef] = outcome
}

func (g *recordingGate) outcomeOf(ref string) (Outcome, bool) {
	g.mu.Lock()
	defer g.mu.Unlock()
	o, ok := g.committed[ref]
	return o, ok
}

func samplePrepare(dest string, expires time.Time) *oer.Prepare {
	var cond [oer.ConditionLen]byte
	copy(cond[:], bytes.Repeat([]byte{0x07}, oer.ConditionLen))
	return &oer.Prepare{
		Amount:             500,
		ExpiresAt:          expires,
		ExecutionCondition: cond,
		Destination:        dest,
	}
}

func wrapPrepareRequest(prepare *oer.Prepare) []btp.ProtocolDataEntry {
	return []btp.ProtocolDataEntry{{Name: ilpProtocolDataName, ContentType: btp.ContentTypeILPOER, Content: oer.EncodePrepare(prepare)}}
}

func decodeResponseILP(t *testing.T, pd []btp.ProtocolDataEntry) []byte {
	t.Helper()
	content, ok := protocolDataContent(pd, ilpProtocolDataName)
	if !ok {
		t.Fatal("expected an ilp protocol data entry in response")
	}
	return content
}

func TestRouter_NoRoute_RejectsF02(t *testing.T) {
	rt := New(Config{SelfAddress: "g.connector"}, fakeRoutes{routes: map[string]routing.Route{}}, fakePeers{}, nil, nil, nil, zap.NewNop())

	ctx := context.Background()
	resp, err := rt.HandleMessage(ctx, wrapPrepareRequest(samplePrepare("g.alice.x", time.Now().Add(time.Minute))))
	if err != nil {
		t.Fatalf("HandleMessage: %v", err)
	}
	content := decodeResponseILP(t, resp)
	reject, err := oer.ParseReject(content)
	if err != nil {
		t.Fatalf("ParseReject: %v", err)
	}
	if reject.Code != "F02" {
		t.Errorf("code: got %q want F02", reject.Code)
	}
}

func TestRouter_ExpiredPacket_RejectsR00(t *testing.T) {
	gate := newRecordingGate()
	rt := New(Config{SelfAddress: "g.connector"}, fakeRoutes{}, fakePeers{}, gate, nil, nil, zap.NewNop())

	prepare := samplePrepare("g.alice.x", time.Now().Add(-time.Second))
	resp, _ := rt.HandleMessage(context.Background(), wrapPrepareRequest(prepare))
	reject, err := oer.ParseReject(decodeResponseILP(t, resp))
	if err != nil {
		t.Fatalf("ParseReject: %v", err)
	}
	if reject.Code != "R00" {
		t.Errorf("code: got %q want R00", reject.Code)
	}
}

func TestRouter_ZeroAmount_RejectsF06(t *testing.T) {
	gate := newRecordingGate()
	rt := New(Config{SelfAddress: "g.connector"}, fakeRoutes{}, fakePeers{}, gate, nil, nil, zap.NewNop())

	prepare := samplePrepare("g.alice.x", time.Now().Add(time.Minute))
	prepare.Amount = 0
	resp, _ := rt.HandleMessage(context.Background(), wrapPrepareRequest(prepare))
	reject, err := oer.ParseReject(decodeResponseILP(t, resp))
	if err != nil {
		t.Fatalf("ParseReject: %v", err)
	}
	if reject.Code != "F06" {
		t.Errorf("code: got %q want F06", reject.Code)
	}
}

func TestRouter_NoReflection_RejectsF02(t *testing.T) {
	routes := fakeRoutes{routes: map[string]routing.Route{"g.alice.": {Prefix: "g.alice.", NextHop: "peer.a"}}}
	rt := New(Config{SelfAddress: "g.connector"}, routes, fakePeers{}, nil, nil, nil, zap.NewNop())

	ctx := btp.ContextWithPeerID(context.Background(), "peer.a")
	resp, _ := rt.HandleMessage(ctx, wrapPrepareRequest(samplePrepare("g.alice.x", time.Now().Add(time.Minute))))
	reject, err := oer.ParseReject(decodeResponseILP(t, resp))
	if err != nil {
		t.Fatalf("ParseReject: %v", err)
	}
	if reject.Code != "F02" {
		t.Errorf("code: got %q want F02", reject.Code)
	}
}

func TestRouter_PeerNotReady_RejectsT01(t *testing.T) {
	routes := fakeRoutes{routes: map[string]routing.Route{"g.alice.": {Prefix: "g.alice.", NextHop: "peer.b"}}}
	rt := New(Config{SelfAddress: "g.connector"}, routes, fakePeers{sessions: map[string]*btp.Session{}}, nil, nil, nil, zap.NewNop())

	resp, _ := rt.HandleMessage(context.Background(), wrapPrepareRequest(samplePrepare("g.alice.x", time.Now().Add(time.Minute))))
	reject, err := oer.ParseReject(decodeResponseILP(t, resp))
	if err != nil {
		t.Fatalf("ParseReject: %v", err)
	}
	if reject.Code != "T01" {
		t.Errorf("code: got %q want T01", reject.Code)
	}
}

func TestRouter_LocalDelivery_Fulfills(t *testing.T) {
	gate := newRecordingGate()
	local := func(ctx context.Context, prepare *oer.Prepare) (*oer.Fulfill, *oer.Reject) {
		fulfillment := bytes.Repeat([]byte{0x07}, 32)
		var f [32]byte
		copy(f[:], fulfillment)
		return &oer.Fulfill{Fulfillment: f}, nil
	}
	rt := New(Config{SelfAddress: "g.connector"}, fakeRoutes{}, fakePeers{}, gate, local, nil, zap.NewNop())

	prepare := samplePrepare("g.connector", time.Now().Add(time.Minute))
	resp, _ := rt.HandleMessage(context.Background(), wrapPrepareRequest(prepare))
	content := decodeResponseILP(t, resp)
	if content[0] != oer.TypeFulfill {
		t.Fatalf("expected a Fulfill response, got type %d", content[0])
	}
}

func TestRouter_Forward_FulfillRoundTrip(t *testing.T) {
	logger := zap.NewNop()
	nextHopClientTransport, nextHopServerTransport := newFakePair()

	// The "next hop" is a second router instance that locally fulfills
	// anything addressed to it, reached over a real authenticated
	// btp.Session pair.
	fulfillment := bytes.Repeat([]byte{0x09}, 32)
	condition := sha256.Sum256(fulfillment)
	var fArr [32]byte
	copy(fArr[:], fulfillment)

	downstream := New(Config{SelfAddress: "g.bob"}, fakeRoutes{}, fakePeers{}, nil,
		func(ctx context.Context, prepare *oer.Prepare) (*oer.Fulfill, *oer.Reject) {
			return &oer.Fulfill{Fulfillment: fArr}, nil
		}, nil, logger)

	var handshakeWG sync.WaitGroup
	handshakeWG.Add(1)
	var downstreamSession *btp.Session
	go func() {
		defer handshakeWG.Done()
		downstreamSession, _, _ = btp.AcceptInbound(nextHopServerTransport, acceptAnyAuthenticator{}, downstream, logger, time.Second)
	}()

	upstreamSideOfNextHop, err := btp.DialAndAuthenticate(nextHopClientTransport, "peer.b", []byte("x"), btp.HandlerFunc(func(ctx context.Context, pd []btp.ProtocolDataEntry) ([]btp.ProtocolDataEntry, error) {
		return nil, nil
	}), logger)
	if err != nil {
		t.Fatalf("DialAndAuthenticate: %v", err)
	}
	handshakeWG.Wait()
	defer downstreamSession.Close(btp.CloseSessionRemoved)
	defer upstreamSideOfNextHop.Close(btp.CloseSessionRemoved)

	routes := fakeRoutes{routes: map[string]routing.Route{"g.bob.": {Prefix: "g.bob.", NextHop: "peer.b"}}}
	peers := fakePeers{sessions: map[string]*btp.Session{"peer.b": upstreamSideOfNextHop}}
	gate := newRecordingGate()

	rt := New(Config{SelfAddress: "g.connector"}, routes, peers, gate, nil, nil, logger)

	var cond [32]byte
	copy(cond[:], condition[:])
	prepare := &oer.Prepare{
		Amount:             100,
		ExpiresAt:          time.Now().Add(5 * time.Second),
		ExecutionCondition: cond,
		Destination:        "g.bob.merchant",
	}

	resp, err := rt.HandleMessage(context.Background(), wrapPrepareRequest(prepare))
	if err != nil {
		t.Fatalf("HandleMessage: %v", err)
	}
	content := decodeResponseILP(t, resp)
	if content[0] != oer.TypeFulfill {
		t.Fatalf("expected Fulfill, got type %d", content[0])
	}
	got, err := oer.ParseFulfill(content)
	if err != nil {
		t.Fatalf("ParseFulfill: %v", err)
	}
	if got.Fulfillment != fArr {
		t.Error("fulfillment mismatch after round trip")
	}

	packetRef := fmt.Sprintf("%x", prepare.ExecutionCondition)
	if outcome, ok := gate.outcomeOf(packetRef); !ok || outcome != OutcomeFulfilled {
		t.Errorf("expected committed outcome fulfilled, got %v ok=%v", outcome, ok)
	}
}

func TestRouter_Forward_TimeoutRejectsR00(t *testing.T) {
	logger := zap.NewNop()
	nextHopClientTransport, nextHopServerTransport := newFakePair()

	// Downstream never replies.
	block := make(chan struct{})
	defer close(block)

	var handshakeWG sync.WaitGroup
	handshakeWG.Add(1)
	var downstreamSession *btp.Session
	go func() {
		defer handshakeWG.Done()
		downstreamSession, _, _ = btp.AcceptInbound(nextHopServerTransport, acceptAnyAuthenticator{}, btp.HandlerFunc(func(ctx context.Context, pd []btp.ProtocolDataEntry) ([]btp.ProtocolDataEntry, error) {
			<-block
			return nil, nil
		}), logger, time.Second)
	}()

	upstreamSideOfNextHop, err := btp.DialAndAuthenticate(nextHopClientTransport, "peer.b", []byte("x"), btp.HandlerFunc(func(ctx context.Context, pd []btp.ProtocolDataEntry) ([]btp.ProtocolDataEntry, error) {
		return nil, nil
	}), logger)
	if err != nil {
		t.Fatalf("DialAndAuthenticate: %v", err)
	}
	handshakeWG.Wait()
	defer downstreamSession.Close(btp.CloseSessionRemoved)
	defer upstreamSideOfNextHop.Close(btp.CloseSessionRemoved)

	routes := fakeRoutes{routes: map[string]routing.Route{"g.bob.": {Prefix: "g.bob.", NextHop: "peer.b"}}}
	peers := fakePeers{sessions: map[string]*btp.Session{"peer.b": upstreamSideOfNextHop}}
	gate := newRecordingGate()

	rt := New(Config{SelfAddress: "g.connector", RequestHeadroom: 10 * time.Millisecond, MaxRequestTimeout: 100 * time.Millisecond}, routes, peers, gate, nil, nil, logger)

	prepare := samplePrepare("g.bob.merchant", time.Now().Add(5*time.Second))
	resp, _ := rt.HandleMessage(context.Background(), wrapPrepareRequest(prepare))
	reject, err := oer.ParseReject(decodeResponseILP(t, resp))
	if err != nil {
		t.Fatalf("ParseReject: %v", err)
	}
	if reject.Code != "R00" {
		t.Errorf("code: got %q want R00", reject.Code)
	}
}

func TestRouter_OriginatorClosed_CommitsOriginatorGone(t *testing.T) {
	logger := zap.NewNop()
	nextHopClientTransport, nextHopServerTransport := newFakePair()

	// Downstream never replies.
	block := make(chan struct{})
	defer close(block)

	var handshakeWG sync.WaitGroup
	handshakeWG.Add(1)
	var downstreamSession *btp.Session
	go func() {
		defer handshakeWG.Done()
		downstreamSession, _, _ = btp.AcceptInbound(nextHopServerTransport, acceptAnyAuthenticator{}, btp.HandlerFunc(func(ctx context.Context, pd []btp.ProtocolDataEntry) ([]btp.ProtocolDataEntry, error) {
			<-block
			return nil, nil
		}), logger, time.Second)
	}()

	upstreamSideOfNextHop, err := btp.DialAndAuthenticate(nextHopClientTransport, "peer.b", []byte("x"), btp.HandlerFunc(func(ctx context.Context, pd []btp.ProtocolDataEntry) ([]btp.ProtocolDataEntry, error) {
		return nil, nil
	}), logger)
	if err != nil {
		t.Fatalf("DialAndAuthenticate: %v", err)
	}
	handshakeWG.Wait()
	defer downstreamSession.Close(btp.CloseSessionRemoved)
	defer upstreamSideOfNextHop.Close(btp.CloseSessionRemoved)

	routes := fakeRoutes{routes: map[string]routing.Route{"g.bob.": {Prefix: "g.bob.", NextHop: "peer.b"}}}
	peers := fakePeers{sessions: map[string]*btp.Session{"peer.b": upstreamSideOfNextHop}}
	gate := newRecordingGate()

	rt := New(Config{SelfAddress: "g.connector", MaxRequestTimeout: 5 * time.Second}, routes, peers, gate, nil, nil, logger)

	// The originator reaches the router over its own authenticated
	// session, so closing it exercises dispatchMessage's context
	// cancellation exactly the way a real disconnect would.
	originatorClientTransport, originatorServerTransport := newFakePair()

	var originatorHandshakeWG sync.WaitGroup
	originatorHandshakeWG.Add(1)
	var routerSideOfOriginator *btp.Session
	go func() {
		defer originatorHandshakeWG.Done()
		routerSideOfOriginator, _, _ = btp.AcceptInbound(originatorServerTransport, acceptAnyAuthenticator{}, rt, logger, time.Second)
	}()

	originatorClient, err := btp.DialAndAuthenticate(originatorClientTransport, "peer.a", []byte("x"), btp.HandlerFunc(func(ctx context.Context, pd []btp.ProtocolDataEntry) ([]btp.ProtocolDataEntry, error) {
		return nil, nil
	}), logger)
	if err != nil {
		t.Fatalf("DialAndAuthenticate: %v", err)
	}
	originatorHandshakeWG.Wait()
	defer routerSideOfOriginator.Close(btp.CloseSessionRemoved)

	prepare := samplePrepare("g.bob.merchant", time.Now().Add(5*time.Second))
	if _, _, err := originatorClient.SendRequestAsync(context.Background(), wrapPrepareRequest(prepare)); err != nil {
		t.Fatalf("SendRequestAsync: %v", err)
	}

	// Give the router time to forward the packet downstream before its
	// originator disappears.
	time.Sleep(50 * time.Millisecond)
	originatorClient.Close(btp.ClosePeerDisconnected)

	packetRef := fmt.Sprintf("%x", prepare.ExecutionCondition)
	deadline := time.Now().Add(2 * time.Second)
	for {
		if outcome, ok := gate.outcomeOf(packetRef); ok {
			if outcome != OutcomeOriginatorGone {
				t.Fatalf("expected committed outcome originator_gone, got %v", outcome)
			}
			break
		}
		if time.Now().After(deadline) {
			t.Fatal("packet outcome never committed")
		}
		time.Sleep(5 * time.Millisecond)
	}
}

type acceptAnyAuthenticator struct{}

func (acceptAnyAuthenticator) Authenticate(peerID string, token []byte) bool { return true }
