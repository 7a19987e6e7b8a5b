// Package hub implements the telemetry hub of spec.md §4.7: an
// independent fan-out server that ingests telemetry events from connector
// emitters and rebroadcasts them to observer subscribers, maintaining a
// handful of bounded in-memory snapshots along the way.
package hub

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/route-beacon/ilp-connector/internal/metrics"
	"github.com/route-beacon/ilp-connector/internal/telemetry/event"
)

// Conn is the minimal duplex contract a hub connection runs over,
// mirroring internal/btp's Transport shape but for JSON text frames.
type Conn interface {
	ReadMessage() ([]byte, error)
	WriteMessage(data []byte) error
	Close() error
}

// Mirror durably records an ingested event outside the hub's in-memory
// snapshots, e.g. onto a Kafka topic, for downstream analytics.
type Mirror interface {
	Mirror(ctx context.Context, e event.Event) error
}

const (
	settlementDequeCap  = 100
	channelEvictionWait = 5 * time.Minute
)

type balanceKey struct {
	NodeID, PeerID, TokenID string
}

type channelRecord struct {
	snapshot  event.Event
	settled   bool
	settledAt time.Time
}

// Hub owns every snapshot spec.md §4.7 names and the live subscriber set.
type Hub struct {
	logger              *zap.Logger
	mirror              Mirror
	subscriberQueueSize int

	mu          sync.RWMutex
	nodeStatus  map[string]event.Event
	balances    map[balanceKey]event.Event
	settlements []event.Event
	channels    map[string]*channelRecord
	emitters    map[string]Conn
	subscribers map[*subscriber]struct{}
}

// New constructs an empty Hub. subscriberQueueSize bounds each
// subscriber's fan-out buffer; 0 selects a sane default.
func New(logger *zap.Logger, mirror Mirror, subscriberQueueSize int) *Hub {
	if subscriberQueueSize <= 0 {
		subscriberQueueSize = 256
	}
	return &Hub{
		logger:              logger,
		mirror:              mirror,
		subscriberQueueSize: subscriberQueueSize,
		nodeStatus:          make(map[string]event.Event),
		balances:            make(map[balanceKey]event.Event),
		channels:            make(map[string]*channelRecord),
		emitters:            make(map[string]Conn),
		subscribers:         make(map[*subscriber]struct{}),
	}
}

// subscriber is an onboarded observer connection: a writer goroutine
// drains sendCh so a slow reader never blocks ingestion; on overflow the
// whole subscriber is dropped rather than a single message.
type subscriber struct {
	conn   Conn
	sendCh chan []byte
	once   sync.Once
}

func (s *subscriber) enqueue(payload []byte) bool {
	select {
	case s.sendCh <- payload:
		return true
	default:
		return false
	}
}

func (s *subscriber) close() {
	s.once.Do(func() {
		close(s.sendCh)
		_ = s.conn.Close()
	})
}

func (s *subscriber) writeLoop(logger *zap.Logger) {
	for payload := range s.sendCh {
		if err := s.conn.WriteMessage(payload); err != nil {
			logger.Debug("telemetry hub: subscriber write failed", zap.Error(err))
			return
		}
	}
}

// HandleConn drives one accepted connection until it closes: identity
// inference on the first useful message, then role-specific handling.
// Malformed frames are logged and discarded without disconnecting the
// sender, per spec.md §4.7 step 1.
func (h *Hub) HandleConn(ctx context.Context, conn Conn) {
	var sub *subscriber
	var emitterNodeID string

	defer func() {
		if sub != nil {
			h.mu.Lock()
			delete(h.subscribers, sub)
			h.mu.Unlock()
			sub.close()
		}
		if emitterNodeID != "" {
			h.mu.Lock()
			if h.emitters[emitterNodeID] == conn {
				delete(h.emitters, emitterNodeID)
			}
			h.mu.Unlock()
		}
	}()

	for {
		raw, err := conn.ReadMessage()
		if err != nil {
			return
		}

		if sub != nil {
			// Subscribers are not expected to send events; anything they
			// do send is simply ignored.
			continue
		}

		if isClientConnect(raw) {
			sub = h.onboardSubscriber(conn)
			continue
		}

		var e event.Event
		if err := json.Unmarshal(raw, &e); err != nil {
			h.logger.Warn("telemetry hub: malformed ingest frame", zap.Error(err))
			continue
		}

		if emitterNodeID == "" {
			emitterNodeID = e.NodeID
			h.registerEmitter(emitterNodeID, conn)
		}

		h.ingest(ctx, e)
	}
}

func isClientConnect(raw []byte) bool {
	var probe struct {
		Type string `json:"type"`
	}
	if err := json.Unmarshal(raw, &probe); err != nil {
		return false
	}
	return probe.Type == "ClientConnect"
}

// registerEmitter applies the replacement policy of spec.md §4.7: the
// latest connection claiming a nodeId replaces the prior registry entry,
// but the prior connection is not forcibly closed.
func (h *Hub) registerEmitter(nodeID string, conn Conn) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.emitters[nodeID] = conn
}

func (h *Hub) onboardSubscriber(conn Conn) *subscriber {
	sub := &subscriber{
		conn:   conn,
		sendCh: make(chan []byte, h.subscriberQueueSize),
	}

	h.mu.Lock()
	h.subscribers[sub] = struct{}{}
	metrics.HubSubscribersGauge.WithLabelValues().Inc()
	statuses := make([]event.Event, 0, len(h.nodeStatus))
	for _, s := range h.nodeStatus {
		statuses = append(statuses, s)
	}
	channels := h.channelPayloadLocked()
	h.mu.Unlock()

	go sub.writeLoop(h.logger)

	for _, s := range statuses {
		if payload, err := json.Marshal(s); err == nil {
			if !sub.enqueue(payload) {
				h.dropSubscriber(sub)
				return sub
			}
		}
	}

	initial := map[string]any{"type": "InitialChannelState", "channels": channels}
	if payload, err := json.Marshal(initial); err == nil {
		if !sub.enqueue(payload) {
			h.dropSubscriber(sub)
		}
	}

	return sub
}

func (h *Hub) channelPayloadLocked() []map[string]any {
	out := make([]map[string]any, 0, len(h.channels))
	for channelID, rec := range h.channels {
		entry := map[string]any{"channelId": channelID}
		for k, v := range rec.snapshot.Fields {
			entry[k] = v
		}
		if rec.settled {
			entry["state"] = "settled"
		}
		out = append(out, entry)
	}
	return out
}

func (h *Hub) dropSubscriber(sub *subscriber) {
	h.mu.Lock()
	_, existed := h.subscribers[sub]
	delete(h.subscribers, sub)
	h.mu.Unlock()
	if existed {
		metrics.HubSubscribersGauge.WithLabelValues().Dec()
		metrics.HubSubscriberDropsTotal.WithLabelValues().Inc()
	}
	sub.close()
}

// ingest applies e to the relevant snapshot(s), mirrors it if a Mirror is
// configured, and broadcasts it verbatim to every subscriber.
func (h *Hub) ingest(ctx context.Context, e event.Event) {
	h.mu.Lock()
	switch e.Type {
	case event.TypeNodeStatus:
		h.nodeStatus[e.NodeID] = e
	case event.TypeAccountBalance:
		key := balanceKey{NodeID: e.NodeID, PeerID: stringField(e, "peerId"), TokenID: stringField(e, "tokenId")}
		h.balances[key] = e
	case event.TypeSettlementTriggered, event.TypeSettlementCompleted:
		h.settlements = append(h.settlements, e)
		if len(h.settlements) > settlementDequeCap {
			h.settlements = h.settlements[len(h.settlements)-settlementDequeCap:]
		}
	case event.TypeChannelOpened:
		h.channels[stringField(e, "channelId")] = &channelRecord{snapshot: e}
	case event.TypeChannelBalanceUpdate:
		channelID := stringField(e, "channelId")
		if rec, ok := h.channels[channelID]; ok {
			for k, v := range e.Fields {
				rec.snapshot.Fields[k] = v
			}
		}
	case event.TypeChannelSettled:
		channelID := stringField(e, "channelId")
		if rec, ok := h.channels[channelID]; ok {
			for k, v := range e.Fields {
				rec.snapshot.Fields[k] = v
			}
			rec.settled = true
			rec.settledAt = time.Now()
		}
	}
	h.mu.Unlock()

	if h.mirror != nil {
		if err := h.mirror.Mirror(ctx, e); err != nil {
			h.logger.Warn("telemetry hub: mirror failed", zap.Error(err))
		}
	}

	h.broadcast(e)
}

func stringField(e event.Event, key string) string {
	v, _ := e.Fields[key].(string)
	return v
}

func (h *Hub) broadcast(e event.Event) {
	payload, err := json.Marshal(e)
	if err != nil {
		h.logger.Warn("telemetry hub: marshal for broadcast failed", zap.Error(err))
		return
	}

	h.mu.RLock()
	targets := make([]*subscriber, 0, len(h.subscribers))
	for s := range h.subscribers {
		targets = append(targets, s)
	}
	h.mu.RUnlock()

	for _, s := range targets {
		if !s.enqueue(payload) {
			h.dropSubscriber(s)
		}
	}
}

// RunEvictionSweep removes settled channel snapshots older than the
// 5-minute retention window. Callers run it on a ticker (see Run).
func (h *Hub) RunEvictionSweep() {
	cutoff := time.Now().Add(-channelEvictionWait)

	h.mu.Lock()
	defer h.mu.Unlock()
	for id, rec := range h.channels {
		if rec.settled && rec.settledAt.Before(cutoff) {
			delete(h.channels, id)
		}
	}
}

// Run periodically sweeps settled channels for eviction until ctx is done.
func (h *Hub) Run(ctx context.Context, sweepInterval time.Duration) {
	if sweepInterval <= 0 {
		sweepInterval = 30 * time.Second
	}
	ticker := time.NewTicker(sweepInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			h.RunEvictionSweep()
		case <-ctx.Done():
			return
		}
	}
}

// NodeStatus returns the cached status snapshot for nodeID, for the
// health surface and tests.
func (h *Hub) NodeStatus(nodeID string) (event.Event, bool) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	e, ok := h.nodeStatus[nodeID]
	return e, ok
}

// SubscriberCount reports the number of currently onboarded subscribers.
func (h *Hub) SubscriberCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.subscribers)
}
