package router

import "context"

// Outcome names the terminal disposition of one routed packet, passed to
// AccountingGate.Commit exactly once per packet per spec.md §4.5.
type Outcome string

const (
	OutcomeFulfilled      Outcome = "fulfilled"
	OutcomeRejectedLocal  Outcome = "rejected_local"
	OutcomeRejected       Outcome = "rejected"
	OutcomeTimedOut       Outcome = "timed_out"
	OutcomeOriginatorGone Outcome = "originator_gone"
)

// AccountingGate is the pluggable balance/credit check consulted before a
// packet is forwarded, and notified exactly once when that packet reaches
// a terminal state. The router's contract is: Reserve happens-before
// Commit for the same packetRef, and Commit is called exactly once per
// packetRef regardless of outcome.
type AccountingGate interface {
	Reserve(ctx context.Context, peerID string, amount uint64, packetRef string) error
	Commit(packetRef string, outcome Outcome)
}

// NoopGate is the no-op test double named in spec.md §9: it reserves
// unconditionally and discards commit notifications. It is also a
// reasonable default for a connector run without a configured ledger.
type NoopGate struct{}

func (NoopGate) Reserve(ctx context.Context, peerID string, amount uint64, packetRef string) error {
	return nil
}

func (NoopGate) Commit(packetRef string, outcome Outcome) {}
