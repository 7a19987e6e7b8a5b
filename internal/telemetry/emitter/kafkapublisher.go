package emitter

import (
	"context"
	"crypto/tls"
	"encoding/json"
	"fmt"

	"github.com/twmb/franz-go/pkg/kgo"
	"github.com/twmb/franz-go/pkg/sasl"

	"github.com/route-beacon/ilp-connector/internal/telemetry/event"
)

// KafkaPublisher is the alternative to WSPublisher: instead of dialing the
// hub directly, it produces each event onto a Kafka topic, mirroring the
// teacher's StateConsumer constructor shape (kgo.Opt slice, optional TLS/
// SASL) but on the producer side.
type KafkaPublisher struct {
	client *kgo.Client
	topic  string
}

// NewKafkaPublisher builds a synchronous-produce Publisher. clientID
// identifies this connector instance in broker-side client metrics.
func NewKafkaPublisher(brokers []string, topic, clientID string, tlsCfg *tls.Config, saslMech sasl.Mechanism) (*KafkaPublisher, error) {
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
		return nil, fmt.Errorf("emitter: kafka client: %w", err)
	}

	return &KafkaPublisher{client: client, topic: topic}, nil
}

func (p *KafkaPublisher) Publish(ctx context.Context, e event.Event) error {
	payload, err := json.Marshal(e)
	if err != nil {
		return fmt.Errorf("emitter: marshal event: %w", err)
	}

	record := &kgo.Record{Topic: p.topic, Key: []byte(e.NodeID), Value: payload}
	result := p.client.ProduceSync(ctx, record)
	if err := result.FirstErr(); err != nil {
		return fmt.Errorf("emitter: produce: %w", err)
	}
	return nil
}

// Close releases the Kafka client's connections.
func (p *KafkaPublisher) Close() {
	p.client.Close()
}
