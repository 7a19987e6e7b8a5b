// Package router implements the core ILP packet router described in
// spec.md §4.5: it accepts a Prepare from an originating peer session,
// forwards it to the correct next hop, and returns the response to the
// originator within the packet's expiry window.
package router

import (
	"context"
	"crypto/sha256"
	"fmt"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/route-beacon/ilp-connector/internal/btp"
	"github.com/route-beacon/ilp-connector/internal/metrics"
	"github.com/route-beacon/ilp-connector/internal/oer"
	"github.com/route-beacon/ilp-connector/internal/routing"
)

// ilpProtocolDataName is the BTP sub-payload name carrying an OER-encoded
// ILP packet, per spec.md §6.
const ilpProtocolDataName = "ilp"

// RouteLookup is the routing table seam the router depends on; satisfied
// by *routing.Table, narrowed for testability the way the teacher narrows
// its HTTP server's Postgres/Kafka dependencies to single-method
// interfaces (internal/http/server.go's ConsumerStatus/DBChecker).
type RouteLookup interface {
	Lookup(destination string) (routing.Route, bool)
}

// PeerLookup is the peer registry seam the router depends on; satisfied by
// *peer.Registry.
type PeerLookup interface {
	Lookup(peerID string) (*btp.Session, bool)
}

// LocalDeliveryFunc handles a Prepare addressed to this node or one of its
// local sub-addresses. Exactly one of the returned pointers is non-nil.
type LocalDeliveryFunc func(ctx context.Context, prepare *oer.Prepare) (*oer.Fulfill, *oer.Reject)

// TelemetryEmitter receives the router's lifecycle events, in the order
// spec.md §5 requires: PacketReceived(prepare) → RouteLookup →
// PacketSent(prepare) → PacketReceived(response) → PacketSent(response).
// The emitter package implements this without the router needing to know
// its wire format.
type TelemetryEmitter interface {
	EmitEvent(eventType string, fields map[string]any)
}

type noopEmitter struct{}

func (noopEmitter) EmitEvent(string, map[string]any) {}

// Config tunes the router's timeouts and hop-loop detection.
type Config struct {
	SelfAddress string

	// RequestHeadroom is subtracted from a packet's remaining expiry to
	// produce the forwarding deadline, leaving room for the response
	// trip back to the originator (spec.md §4.5 step 7).
	RequestHeadroom time.Duration

	// MaxRequestTimeout caps the forwarding deadline regardless of how
	// far out the packet's expiry is (spec.md §5: "Default BTP request
	// timeout is min(expiresAt-now-headroom, 30s)").
	MaxRequestTimeout time.Duration

	// HopLoopWindow is how long a correlation id (the execution
	// condition) is remembered for re-entry detection.
	HopLoopWindow time.Duration
}

func (c Config) withDefaults() Config {
	if c.RequestHeadroom <= 0 {
		c.RequestHeadroom = time.Second
	}
	if c.MaxRequestTimeout <= 0 {
		c.MaxRequestTimeout = 30 * time.Second
	}
	if c.HopLoopWindow <= 0 {
		c.HopLoopWindow = 5 * time.Second
	}
	return c
}

// Router is the packet router state machine. It implements btp.Handler:
// install it as the Handler for every peer session (inbound and
// outbound), and it dispatches each Prepare according to spec.md §4.5.
type Router struct {
	cfg Config

	routes RouteLookup
	peers  PeerLookup
	gate   AccountingGate
	local  LocalDeliveryFunc

	telemetry TelemetryEmitter
	hopLoop   *hopLoopGuard
	logger    *zap.Logger
}

// New builds a Router. gate, local, and telemetry may be nil: a nil gate
// defaults to NoopGate, a nil local delivery rejects local destinations
// with F02, and a nil telemetry emitter discards events.
func New(cfg Config, routes RouteLookup, peers PeerLookup, gate AccountingGate, local LocalDeliveryFunc, telemetry TelemetryEmitter, logger *zap.Logger) *Router {
	if gate == nil {
		gate = NoopGate{}
	}
	if telemetry == nil {
		telemetry = noopEmitter{}
	}
	cfg = cfg.withDefaults()
	return &Router{
		cfg:       cfg,
		routes:    routes,
		peers:     peers,
		gate:      gate,
		local:     local,
		telemetry: telemetry,
		hopLoop:   newHopLoopGuard(cfg.HopLoopWindow),
		logger:    logger,
	}
}

// commit is the router's single choke point for AccountingGate.Commit,
// so every terminal disposition of a parsed Prepare is also counted
// exactly once regardless of which of handlePrepare's many early-exit
// branches produced it. A Prepare that fails to parse has no packetRef and
// is neither committed nor counted.
func (r *Router) commit(packetRef string, outcome Outcome) {
	r.gate.Commit(packetRef, outcome)
	metrics.PacketOutcomeTotal.WithLabelValues(string(outcome)).Inc()
}

// HandleMessage implements btp.Handler. It is invoked once per inbound
// Message frame on any peer session; the originating peer id is recovered
// from ctx via btp.PeerIDFromContext, set by the session's dispatch path.
func (r *Router) HandleMessage(ctx context.Context, pd []btp.ProtocolDataEntry) ([]btp.ProtocolDataEntry, error) {
	originatingPeerID, _ := btp.PeerIDFromContext(ctx)

	raw, ok := protocolDataContent(pd, ilpProtocolDataName)
	if !ok || len(raw) == 0 {
		return wrapReject(&oer.Reject{Code: "F01", TriggeredBy: r.cfg.SelfAddress, Message: "missing ilp protocol data"}), nil
	}

	switch raw[0] {
	case oer.TypePrepare:
		return r.handlePrepare(ctx, originatingPeerID, raw), nil
	default:
		return wrapReject(&oer.Reject{Code: "F01", TriggeredBy: r.cfg.SelfAddress, Message: "unexpected top-level ilp packet type"}), nil
	}
}

func (r *Router) handlePrepare(ctx context.Context, originatingPeerID string, prepareBytes []byte) []btp.ProtocolDataEntry {
	prepare, err := oer.ParsePrepare(prepareBytes)
	if err != nil {
		return wrapReject(&oer.Reject{Code: "F01", TriggeredBy: r.cfg.SelfAddress, Message: err.Error()})
	}

	packetRef := fmt.Sprintf("%x", prepare.ExecutionCondition)
	r.telemetry.EmitEvent("PacketReceived", map[string]any{"direction": "prepare", "peer_id": originatingPeerID, "destination": prepare.Destination})

	now := time.Now()
	if !prepare.ExpiresAt.After(now) {
		r.commit(packetRef, OutcomeRejectedLocal)
		return wrapReject(&oer.Reject{Code: "R00", TriggeredBy: r.cfg.SelfAddress, Message: "transfer timed out"})
	}

	if prepare.Amount == 0 {
		r.commit(packetRef, OutcomeRejectedLocal)
		return wrapReject(&oer.Reject{Code: "F06", TriggeredBy: r.cfg.SelfAddress, Message: "unexpected payment"})
	}

	if r.hopLoop.observe(prepare.ExecutionCondition) {
		r.logger.Warn("rejecting looping packet", zap.String("destination", prepare.Destination))
		r.commit(packetRef, OutcomeRejectedLocal)
		return wrapReject(&oer.Reject{Code: "T03", TriggeredBy: r.cfg.SelfAddress, Message: "internal error: loop detected"})
	}

	if isLocalDestination(prepare.Destination, r.cfg.SelfAddress) {
		return r.deliverLocal(ctx, packetRef, prepare)
	}

	route, ok := r.routes.Lookup(prepare.Destination)
	r.telemetry.EmitEvent("RouteLookup", map[string]any{"destination": prepare.Destination, "matched": ok})
	if ok {
		metrics.RouteLookupsTotal.WithLabelValues("hit").Inc()
	} else {
		metrics.RouteLookupsTotal.WithLabelValues("miss").Inc()
		r.commit(packetRef, OutcomeRejectedLocal)
		return wrapReject(&oer.Reject{Code: "F02", TriggeredBy: r.cfg.SelfAddress, Message: "unreachable"})
	}

	if route.NextHop == originatingPeerID {
		r.commit(packetRef, OutcomeRejectedLocal)
		return wrapReject(&oer.Reject{Code: "F02", TriggeredBy: r.cfg.SelfAddress, Message: "unreachable: no reflection"})
	}

	nextHopSession, ok := r.peers.Lookup(route.NextHop)
	if !ok {
		r.commit(packetRef, OutcomeRejectedLocal)
		return wrapReject(&oer.Reject{Code: "T01", TriggeredBy: r.cfg.SelfAddress, Message: "peer unreachable"})
	}

	if err := r.gate.Reserve(ctx, route.NextHop, prepare.Amount, packetRef); err != nil {
		r.commit(packetRef, OutcomeRejectedLocal)
		return wrapReject(&oer.Reject{Code: "T04", TriggeredBy: r.cfg.SelfAddress, Message: "insufficient liquidity"})
	}

	return r.forward(ctx, packetRef, route.NextHop, prepare, prepareBytes, nextHopSession)
}

func (r *Router) deliverLocal(ctx context.Context, packetRef string, prepare *oer.Prepare) []btp.ProtocolDataEntry {
	if r.local == nil {
		r.commit(packetRef, OutcomeRejectedLocal)
		return wrapReject(&oer.Reject{Code: "F02", TriggeredBy: r.cfg.SelfAddress, Message: "no local handler configured"})
	}
	fulfill, reject := r.local(ctx, prepare)
	if fulfill != nil {
		r.commit(packetRef, OutcomeFulfilled)
		return wrapFulfill(fulfill)
	}
	if reject == nil {
		reject = &oer.Reject{Code: "F02", TriggeredBy: r.cfg.SelfAddress, Message: "local handler returned no result"}
	}
	r.commit(packetRef, OutcomeRejectedLocal)
	return wrapReject(reject)
}

func (r *Router) forward(ctx context.Context, packetRef string, nextHop string, prepare *oer.Prepare, prepareBytes []byte, nextHopSession *btp.Session) []btp.ProtocolDataEntry {
	deadline := r.forwardDeadline(prepare.ExpiresAt)
	forwardCtx, cancel := context.WithDeadline(ctx, deadline)
	defer cancel()

	started := time.Now()
	defer func() {
		metrics.ForwardDuration.WithLabelValues(nextHop).Observe(time.Since(started).Seconds())
	}()

	r.telemetry.EmitEvent("PacketSent", map[string]any{"direction": "prepare", "destination": prepare.Destination})

	_, resultCh, err := nextHopSession.SendRequestAsync(forwardCtx, []btp.ProtocolDataEntry{
		{Name: ilpProtocolDataName, ContentType: btp.ContentTypeILPOER, Content: prepareBytes},
	})
	if err != nil {
		if ctx.Err() != nil {
			r.commit(packetRef, OutcomeOriginatorGone)
			return wrapReject(&oer.Reject{Code: "R00", TriggeredBy: r.cfg.SelfAddress, Message: "originator disconnected"})
		}
		r.commit(packetRef, OutcomeRejectedLocal)
		return wrapReject(&oer.Reject{Code: "T01", TriggeredBy: r.cfg.SelfAddress, Message: err.Error()})
	}
	metrics.PacketsForwardedTotal.WithLabelValues(nextHop).Inc()

	select {
	case resp := <-resultCh:
		return r.handleForwardResponse(packetRef, prepare, resp)
	case <-forwardCtx.Done():
		go r.awaitLateResponse(packetRef, prepare, resultCh)
		if ctx.Err() != nil {
			// The originating session's own context, not just the
			// forward deadline, is canceled: its session closed while
			// this packet was in flight (spec.md §5 cancellation).
			r.commit(packetRef, OutcomeOriginatorGone)
			return wrapReject(&oer.Reject{Code: "R00", TriggeredBy: r.cfg.SelfAddress, Message: "originator disconnected"})
		}
		r.commit(packetRef, OutcomeTimedOut)
		return wrapReject(&oer.Reject{Code: "R00", TriggeredBy: r.cfg.SelfAddress, Message: "transfer timed out"})
	}
}

// awaitLateResponse watches a forwarded request's result channel after the
// router has already answered the originator with a timeout, so a Fulfill
// that the next hop still produces is observed and logged even though it
// can no longer be relayed upstream (spec.md §4.5 step 10).
func (r *Router) awaitLateResponse(packetRef string, prepare *oer.Prepare, resultCh <-chan *btp.Frame) {
	resp := <-resultCh
	if resp == nil || resp.Type != btp.TypeResponse {
		return
	}
	content, ok := protocolDataContent(resp.ProtocolData, ilpProtocolDataName)
	if !ok || len(content) == 0 || content[0] != oer.TypeFulfill {
		return
	}
	fulfill, err := oer.ParseFulfill(content)
	if err != nil || !conditionMatches(fulfill, prepare) {
		return
	}
	r.logger.Info("late fulfillment after timeout credited out-of-band", zap.String("packet_ref", packetRef))
	r.telemetry.EmitEvent("LateFulfillment", map[string]any{"packet_ref": packetRef})
}

func (r *Router) handleForwardResponse(packetRef string, prepare *oer.Prepare, resp *btp.Frame) []btp.ProtocolDataEntry {
	if resp == nil {
		r.commit(packetRef, OutcomeRejectedLocal)
		return wrapReject(&oer.Reject{Code: "T01", TriggeredBy: r.cfg.SelfAddress, Message: "peer disconnected"})
	}

	r.telemetry.EmitEvent("PacketReceived", map[string]any{"direction": "response"})

	content, ok := protocolDataContent(resp.ProtocolData, ilpProtocolDataName)
	if !ok || len(content) == 0 {
		r.commit(packetRef, OutcomeRejected)
		return wrapReject(&oer.Reject{Code: "T00", TriggeredBy: r.cfg.SelfAddress, Message: "malformed downstream response"})
	}

	var out []btp.ProtocolDataEntry
	switch content[0] {
	case oer.TypeFulfill:
		fulfill, err := oer.ParseFulfill(content)
		if err != nil || !conditionMatches(fulfill, prepare) {
			r.commit(packetRef, OutcomeRejectedLocal)
			out = wrapReject(&oer.Reject{Code: "F05", TriggeredBy: r.cfg.SelfAddress, Message: "wrong condition"})
			break
		}
		r.commit(packetRef, OutcomeFulfilled)
		out = wrapFulfill(fulfill)
	case oer.TypeReject:
		r.commit(packetRef, OutcomeRejected)
		metrics.PacketsRejectedTotal.WithLabelValues(rejectCode(content)).Inc()
		out = []btp.ProtocolDataEntry{{Name: ilpProtocolDataName, ContentType: btp.ContentTypeILPOER, Content: content}}
	default:
		r.commit(packetRef, OutcomeRejected)
		out = wrapReject(&oer.Reject{Code: "T00", TriggeredBy: r.cfg.SelfAddress, Message: "unexpected downstream packet type"})
	}

	r.telemetry.EmitEvent("PacketSent", map[string]any{"direction": "response"})
	return out
}

// isLocalDestination reports whether destination names this node itself
// or one of its local sub-addresses (destination == selfAddress, or
// selfAddress followed by '.'), per spec.md §4.5 step 3.
func isLocalDestination(destination, selfAddress string) bool {
	if destination == selfAddress {
		return true
	}
	return strings.HasPrefix(destination, selfAddress+".")
}

func conditionMatches(fulfill *oer.Fulfill, prepare *oer.Prepare) bool {
	check := sha256.Sum256(fulfill.Fulfillment[:])
	return check == prepare.ExecutionCondition
}

func (r *Router) forwardDeadline(expiresAt time.Time) time.Time {
	withHeadroom := expiresAt.Add(-r.cfg.RequestHeadroom)
	capDeadline := time.Now().Add(r.cfg.MaxRequestTimeout)
	if withHeadroom.Before(capDeadline) {
		return withHeadroom
	}
	return capDeadline
}

func wrapFulfill(f *oer.Fulfill) []btp.ProtocolDataEntry {
	return []btp.ProtocolDataEntry{{Name: ilpProtocolDataName, ContentType: btp.ContentTypeILPOER, Content: oer.EncodeFulfill(f)}}
}

func wrapReject(rj *oer.Reject) []btp.ProtocolDataEntry {
	metrics.PacketsRejectedTotal.WithLabelValues(rj.Code).Inc()
	return []btp.ProtocolDataEntry{{Name: ilpProtocolDataName, ContentType: btp.ContentTypeILPOER, Content: oer.EncodeReject(rj)}}
}

// rejectCode extracts the F/T/R code from a downstream-supplied Reject
// packet for metric labeling, falling back to "unknown" if it can't be
// parsed (it has already been passed through unmodified to the originator).
func rejectCode(content []byte) string {
	rj, err := oer.ParseReject(content)
	if err != nil {
		return "unknown"
	}
	return rj.Code
}

func protocolDataContent(pd []btp.ProtocolDataEntry, name string) ([]byte, bool) {
	for _, entry := range pd {
		if entry.Name == name {
			return entry.Content, true
		}
	}
	return nil, false
}
