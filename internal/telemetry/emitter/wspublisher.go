package emitter

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/route-beacon/ilp-connector/internal/telemetry/event"
)

// WSPublisher dials the telemetry hub once and writes every event as a
// JSON text frame, redialing lazily on the next Publish call after a
// write failure. It is the direct-dial counterpart to KafkaPublisher.
type WSPublisher struct {
	url    string
	header http.Header
	dialer *websocket.Dialer

	mu   sync.Mutex
	conn *websocket.Conn
}

// NewWSPublisher builds a Publisher that dials url (the hub's emitter
// ingest endpoint) lazily on first use.
func NewWSPublisher(url string, header http.Header) *WSPublisher {
	return &WSPublisher{
		url:    url,
		header: header,
		dialer: &websocket.Dialer{HandshakeTimeout: 10 * time.Second},
	}
}

func (p *WSPublisher) Publish(ctx context.Context, e event.Event) error {
	conn, err := p.connection(ctx)
	if err != nil {
		return fmt.Errorf("emitter: dial hub: %w", err)
	}

	payload, err := json.Marshal(e)
	if err != nil {
		return fmt.Errorf("emitter: marshal event: %w", err)
	}

	p.mu.Lock()
	writeErr := conn.WriteMessage(websocket.TextMessage, payload)
	p.mu.Unlock()

	if writeErr != nil {
		p.mu.Lock()
		p.conn = nil
		p.mu.Unlock()
		return fmt.Errorf("emitter: publish: %w", writeErr)
	}
	return nil
}

func (p *WSPublisher) connection(ctx context.Context) (*websocket.Conn, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.conn != nil {
		return p.conn, nil
	}

	conn, _, err := p.dialer.DialContext(ctx, p.url, p.header)
	if err != nil {
		return nil, err
	}
	p.conn = conn
	return conn, nil
}

// Close releases the underlying connection, if any.
func (p *WSPublisher) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.conn == nil {
		return nil
	}
	err := p.conn.Close()
	p.conn = nil
	return err
}
