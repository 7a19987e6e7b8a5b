// Package emitter implements the telemetry emitter of spec.md §4.6: a
// bounded outbound queue with a background publisher, so that submitting a
// telemetry event never blocks packet processing.
package emitter

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/route-beacon/ilp-connector/internal/metrics"
	"github.com/route-beacon/ilp-connector/internal/telemetry/event"
)

// Publisher delivers one telemetry event to the hub (or an alternative
// sink, e.g. Kafka). Publish may block; the Emitter's background loop
// paces calls to it with a rate.Limiter so a slow or unavailable sink
// never backs up into EmitEvent.
type Publisher interface {
	Publish(ctx context.Context, e event.Event) error
}

// Config controls queue sizing and publish pacing.
type Config struct {
	// QueueSize bounds the number of buffered events. Default 10000,
	// per spec.md §4.6.
	QueueSize int
	// PublishRatePerSecond caps the steady-state publish rate; 0 means
	// unlimited (rate.Inf).
	PublishRatePerSecond float64
	// PublishBurst is the token bucket's burst size.
	PublishBurst int
	// DropLogInterval bounds how often the coalesced drop warning is
	// logged, regardless of how many events are dropped in between.
	DropLogInterval time.Duration
}

func (c Config) withDefaults() Config {
	if c.QueueSize <= 0 {
		c.QueueSize = 10000
	}
	if c.PublishBurst <= 0 {
		c.PublishBurst = 1
	}
	if c.DropLogInterval <= 0 {
		c.DropLogInterval = time.Second
	}
	return c
}

func (c Config) limit() rate.Limit {
	if c.PublishRatePerSecond <= 0 {
		return rate.Inf
	}
	return rate.Limit(c.PublishRatePerSecond)
}

// Emitter is a router.TelemetryEmitter: EmitEvent is non-blocking and
// always returns immediately, per spec.md §4.6 and §5's "submitting a
// telemetry event when the queue is full" suspension-free note.
type Emitter struct {
	nodeID    string
	cfg       Config
	queue     chan event.Event
	limiter   *rate.Limiter
	publisher Publisher
	logger    *zap.Logger

	dropMu      sync.Mutex
	dropCount   uint64
	lastDropLog time.Time
}

// New constructs an Emitter. Run must be started separately (mirrors the
// teacher's main.go pattern of explicitly starting each pipeline's
// goroutine rather than hiding it in the constructor).
func New(nodeID string, cfg Config, publisher Publisher, logger *zap.Logger) *Emitter {
	cfg = cfg.withDefaults()
	return &Emitter{
		nodeID:    nodeID,
		cfg:       cfg,
		queue:     make(chan event.Event, cfg.QueueSize),
		limiter:   rate.NewLimiter(cfg.limit(), cfg.PublishBurst),
		publisher: publisher,
		logger:    logger,
	}
}

// EmitEvent builds an event from eventType/fields, stamps nodeId/timestamp,
// and enqueues it without blocking. When the queue is full, the oldest
// queued event is dropped to make room and a coalesced warning is logged
// at most once per DropLogInterval, per spec.md §4.6.
func (e *Emitter) EmitEvent(eventType string, fields map[string]any) {
	ev := event.Event{
		Type:      event.Type(eventType),
		NodeID:    e.nodeID,
		Timestamp: time.Now(),
		Fields:    fields,
	}

	select {
	case e.queue <- ev:
		metrics.TelemetryQueueDepth.WithLabelValues(e.nodeID).Set(float64(len(e.queue)))
		return
	default:
	}

	// Queue full: drop the oldest entry to make room for this one. The
	// channel is FIFO, so a non-blocking receive discards the oldest.
	select {
	case <-e.queue:
	default:
	}
	select {
	case e.queue <- ev:
	default:
		// Lost a race with the publisher draining concurrently; fine,
		// the event is simply dropped too.
	}
	metrics.TelemetryQueueDepth.WithLabelValues(e.nodeID).Set(float64(len(e.queue)))
	metrics.TelemetryDroppedTotal.WithLabelValues(e.nodeID).Inc()
	e.logDropped()
}

func (e *Emitter) logDropped() {
	now := time.Now()

	e.dropMu.Lock()
	defer e.dropMu.Unlock()

	e.dropCount++
	if now.Sub(e.lastDropLog) < e.cfg.DropLogInterval {
		return
	}
	count := e.dropCount
	e.dropCount = 0
	e.lastDropLog = now
	e.logger.Warn("telemetry_dropped", zap.String("node_id", e.nodeID), zap.Uint64("dropped_count", count))
}

// Run drains the queue and publishes events, pacing calls to the
// publisher with the configured rate limiter, until ctx is done.
func (e *Emitter) Run(ctx context.Context) {
	for {
		select {
		case ev := <-e.queue:
			if err := e.limiter.Wait(ctx); err != nil {
				return
			}
			if err := e.publisher.Publish(ctx, ev); err != nil {
				e.logger.Warn("telemetry publish failed", zap.String("node_id", e.nodeID), zap.Error(err))
			}
		case <-ctx.Done():
			return
		}
	}
}

// QueueLen reports the number of events currently buffered; exposed for
// tests and metrics, not part of the EmitEvent contract.
func (e *Emitter) QueueLen() int {
	return len(e.queue)
}
