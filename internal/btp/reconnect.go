package btp

import (
	"context"
	"math/rand"
	"time"

	"go.uber.org/zap"

	"github.com/route-beacon/ilp-connector/internal/metrics"
)

// Dialer opens a fresh Transport to an outbound peer, e.g. a WebSocket
// client dial.
type Dialer interface {
	Dial(ctx context.Context) (Transport, error)
}

// DialerFunc adapts a function to Dialer.
type DialerFunc func(ctx context.Context) (Transport, error)

func (f DialerFunc) Dial(ctx context.Context) (Transport, error) { return f(ctx) }

// ReconnectConfig controls the backoff schedule used between dial
// attempts for an outbound peer, per spec.md §4.2/§5.
type ReconnectConfig struct {
	InitialDelay time.Duration
	MaxDelay     time.Duration
}

// DefaultReconnectConfig matches spec.md's named constants: an initial
// 1s delay doubling up to a 30s cap, with full jitter applied each time.
var DefaultReconnectConfig = ReconnectConfig{
	InitialDelay: time.Second,
	MaxDelay:     30 * time.Second,
}

func (c ReconnectConfig) delayForAttempt(attempt int) time.Duration {
	if c.InitialDelay <= 0 {
		c = DefaultReconnectConfig
	}
	backoff := c.InitialDelay
	for i := 0; i < attempt; i++ {
		backoff *= 2
		if backoff >= c.MaxDelay {
			backoff = c.MaxDelay
			break
		}
	}
	// Full jitter (AWS architecture blog): uniform in [0, backoff].
	return time.Duration(rand.Int63n(int64(backoff) + 1))
}

// Maintainer keeps a single outbound BTP peer connected, redialing with
// exponential backoff and full jitter whenever the session closes for any
// reason other than explicit removal. It mirrors the teacher's consumer
// goroutine shape (internal/kafka/state_consumer.go's Run loop) applied to
// a dial-retry loop instead of a fetch loop.
type Maintainer struct {
	peerID  string
	secret  []byte
	dialer  Dialer
	handler Handler
	logger  *zap.Logger
	cfg     ReconnectConfig

	onConnect func(*Session)

	stop chan struct{}
}

// NewMaintainer builds a Maintainer for peerID. onConnect is invoked with
// each newly established Session (e.g. to register it in the peer
// registry); it must not block.
func NewMaintainer(peerID string, secret []byte, dialer Dialer, handler Handler, logger *zap.Logger, cfg ReconnectConfig, onConnect func(*Session)) *Maintainer {
	return &Maintainer{
		peerID:    peerID,
		secret:    secret,
		dialer:    dialer,
		handler:   handler,
		logger:    logger,
		cfg:       cfg,
		onConnect: onConnect,
		stop:      make(chan struct{}),
	}
}

// Run blocks, redialing and maintaining the outbound session until ctx is
// done or Stop is called.
func (m *Maintainer) Run(ctx context.Context) {
	attempt := 0
	for {
		select {
		case <-ctx.Done():
			return
		case <-m.stop:
			return
		default:
		}

		if attempt > 0 {
			metrics.BTPReconnectsTotal.WithLabelValues(m.peerID).Inc()
		}

		transport, err := m.dialer.Dial(ctx)
		if err != nil {
			m.logger.Warn("btp outbound dial failed", zap.String("peer_id", m.peerID), zap.Error(err), zap.Int("attempt", attempt))
			if !m.sleep(ctx, attempt) {
				return
			}
			attempt++
			continue
		}

		handshakeStarted := time.Now()
		session, err := DialAndAuthenticate(transport, m.peerID, m.secret, m.handler, m.logger)
		if err != nil {
			m.logger.Warn("btp outbound auth failed", zap.String("peer_id", m.peerID), zap.Error(err), zap.Int("attempt", attempt))
			if !m.sleep(ctx, attempt) {
				return
			}
			attempt++
			continue
		}
		metrics.BTPHandshakeDuration.WithLabelValues(m.peerID, "outbound").Observe(time.Since(handshakeStarted).Seconds())

		attempt = 0
		m.logger.Info("btp outbound session established", zap.String("peer_id", m.peerID))
		metrics.BTPSessionState.WithLabelValues(m.peerID, "outbound").Set(float64(StateReady))
		if m.onConnect != nil {
			m.onConnect(session)
		}

		select {
		case <-session.Done():
			m.logger.Warn("btp outbound session closed, reconnecting", zap.String("peer_id", m.peerID), zap.String("close_code", string(session.CloseCodeValue())))
			metrics.BTPSessionState.WithLabelValues(m.peerID, "outbound").Set(float64(StateClosed))
		case <-ctx.Done():
			session.Close(CloseSessionRemoved)
			metrics.BTPSessionState.WithLabelValues(m.peerID, "outbound").Set(float64(StateClosed))
			return
		case <-m.stop:
			session.Close(CloseSessionRemoved)
			metrics.BTPSessionState.WithLabelValues(m.peerID, "outbound").Set(float64(StateClosed))
			return
		}
	}
}

// Stop ends the maintain loop after the current attempt completes.
func (m *Maintainer) Stop() {
	close(m.stop)
}

func (m *Maintainer) sleep(ctx context.Context, attempt int) bool {
	delay := m.cfg.delayForAttempt(attempt)
	timer := time.NewTimer(delay)
	defer timer.Stop()
	select {
	case <-timer.C:
		return true
	case <-ctx.Done():
		return false
	case <-m.stop:
		return false
	}
}
