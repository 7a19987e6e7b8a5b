// Package ledger is a Postgres-backed reference implementation of
// router.AccountingGate: spec.md §3's external "balance/credit gate"
// collaborator, injected at Router construction (spec.md §9). It is not
// the settlement ledger itself (TigerBeetle internals are a Non-goal) —
// just the simplest real reserve/commit implementation the router's tests
// and a production wiring can use, repurposed from the teacher's route
// upsert transaction style onto balance-threshold reservation rows.
package ledger

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"go.uber.org/zap"

	"github.com/route-beacon/ilp-connector/internal/metrics"
	"github.com/route-beacon/ilp-connector/internal/router"
)

// ErrInsufficientBalance is returned by Reserve when a peer's available
// balance cannot cover the requested amount.
var ErrInsufficientBalance = errors.New("ledger: insufficient balance")

// Gate is a router.AccountingGate backed by a `ledger_balances` /
// `ledger_reservations` schema (see internal/db migrations).
type Gate struct {
	pool          *pgxpool.Pool
	logger        *zap.Logger
	commitTimeout time.Duration
}

// New constructs a Gate. commitTimeout bounds the background Commit
// update, since AccountingGate.Commit carries no context of its own.
func New(pool *pgxpool.Pool, logger *zap.Logger, commitTimeout time.Duration) *Gate {
	if commitTimeout <= 0 {
		commitTimeout = 5 * time.Second
	}
	return &Gate{pool: pool, logger: logger, commitTimeout: commitTimeout}
}

// Reserve decrements peerID's available balance by amount and records a
// reservation row keyed by packetRef, all within one transaction — the
// begin-tx/act/commit-or-rollback discipline internal/state/writer.go
// uses for route upserts, applied here so reserve-happens-before-commit
// holds even under concurrent packets for the same peer.
func (g *Gate) Reserve(ctx context.Context, peerID string, amount uint64, packetRef string) error {
	tx, err := g.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("ledger: begin tx: %w", err)
	}
	defer tx.Rollback(ctx)

	var available int64
	err = tx.QueryRow(ctx,
		`SELECT available FROM ledger_balances WHERE peer_id = $1 FOR UPDATE`,
		peerID,
	).Scan(&available)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			metrics.LedgerReservationsTotal.WithLabelValues("insufficient_balance").Inc()
			return fmt.Errorf("ledger: no balance row for peer %q: %w", peerID, ErrInsufficientBalance)
		}
		metrics.LedgerReservationsTotal.WithLabelValues("error").Inc()
		return fmt.Errorf("ledger: query balance: %w", err)
	}

	if available < int64(amount) {
		metrics.LedgerReservationsTotal.WithLabelValues("insufficient_balance").Inc()
		return fmt.Errorf("ledger: peer %q has %d available, needs %d: %w", peerID, available, amount, ErrInsufficientBalance)
	}

	if _, err := tx.Exec(ctx,
		`UPDATE ledger_balances SET available = available - $1, updated_at = now() WHERE peer_id = $2`,
		int64(amount), peerID,
	); err != nil {
		metrics.LedgerReservationsTotal.WithLabelValues("error").Inc()
		return fmt.Errorf("ledger: debit balance: %w", err)
	}

	tag, err := tx.Exec(ctx,
		`INSERT INTO ledger_reservations (packet_ref, peer_id, amount, status, reserved_at)
		 VALUES ($1, $2, $3, 'reserved', now())
		 ON CONFLICT (packet_ref) DO NOTHING`,
		packetRef, peerID, int64(amount),
	)
	if err != nil {
		metrics.LedgerReservationsTotal.WithLabelValues("error").Inc()
		return fmt.Errorf("ledger: insert reservation: %w", err)
	}
	if tag.RowsAffected() == 0 {
		metrics.LedgerReservationsTotal.WithLabelValues("error").Inc()
		return fmt.Errorf("ledger: packet_ref %q already reserved", packetRef)
	}

	if err := tx.Commit(ctx); err != nil {
		metrics.LedgerReservationsTotal.WithLabelValues("error").Inc()
		return fmt.Errorf("ledger: commit tx: %w", err)
	}
	metrics.LedgerReservationsTotal.WithLabelValues("ok").Inc()
	return nil
}

// Commit finalizes packetRef's reservation. A non-Fulfilled outcome
// credits the reserved amount back to the peer's available balance, since
// the reservation was never consumed; Fulfilled leaves the debit in
// place. Runs synchronously in the caller's goroutine against its own
// bounded-timeout context, since the AccountingGate contract supplies no
// ctx.
func (g *Gate) Commit(packetRef string, outcome router.Outcome) {
	ctx, cancel := context.WithTimeout(context.Background(), g.commitTimeout)
	defer cancel()

	tx, err := g.pool.Begin(ctx)
	if err != nil {
		g.logger.Error("ledger: commit: begin tx failed", zap.String("packet_ref", packetRef), zap.Error(err))
		return
	}
	defer tx.Rollback(ctx)

	var peerID string
	var amount int64
	var status string
	err = tx.QueryRow(ctx,
		`SELECT peer_id, amount, status FROM ledger_reservations WHERE packet_ref = $1 FOR UPDATE`,
		packetRef,
	).Scan(&peerID, &amount, &status)
	if err != nil {
		g.logger.Error("ledger: commit: reservation not found", zap.String("packet_ref", packetRef), zap.Error(err))
		return
	}
	if status != "reserved" {
		// Already committed once; AccountingGate.Commit is documented as
		// exactly-once per packet, so a second call is a caller bug, not
		// something to silently double-apply.
		g.logger.Warn("ledger: commit called on an already-committed reservation", zap.String("packet_ref", packetRef), zap.String("status", status))
		return
	}

	if _, err := tx.Exec(ctx,
		`UPDATE ledger_reservations SET status = $1, committed_at = now() WHERE packet_ref = $2`,
		string(outcome), packetRef,
	); err != nil {
		g.logger.Error("ledger: commit: update reservation failed", zap.String("packet_ref", packetRef), zap.Error(err))
		return
	}

	if outcome != router.OutcomeFulfilled {
		if _, err := tx.Exec(ctx,
			`UPDATE ledger_balances SET available = available + $1, updated_at = now() WHERE peer_id = $2`,
			amount, peerID,
		); err != nil {
			g.logger.Error("ledger: commit: credit-back failed", zap.String("packet_ref", packetRef), zap.Error(err))
			return
		}
	}

	if err := tx.Commit(ctx); err != nil {
		g.logger.Error("ledger: commit: tx commit failed", zap.String("packet_ref", packetRef), zap.Error(err))
		return
	}
	metrics.LedgerCommitsTotal.WithLabelValues(string(outcome)).Inc()
}
