package btp

import (
	"context"
	"net/http"
	"time"

	"github.com/gorilla/websocket"
)

// WSTransport adapts a *websocket.Conn to Transport, using binary frames
// for BTP's byte-oriented wire format.
type WSTransport struct {
	conn *websocket.Conn
}

// NewWSTransport wraps an already-established WebSocket connection.
func NewWSTransport(conn *websocket.Conn) *WSTransport {
	return &WSTransport{conn: conn}
}

func (t *WSTransport) ReadMessage() ([]byte, error) {
	_, data, err := t.conn.ReadMessage()
	return data, err
}

func (t *WSTransport) WriteMessage(data []byte) error {
	return t.conn.WriteMessage(websocket.BinaryMessage, data)
}

func (t *WSTransport) Close() error {
	return t.conn.Close()
}

// WSDialer dials an outbound peer's WebSocket endpoint and wraps the
// resulting connection as a Transport, implementing Dialer.
type WSDialer struct {
	URL        string
	Header     http.Header
	DialerImpl *websocket.Dialer
}

// NewWSDialer builds a WSDialer with a sensible default handshake timeout,
// matching gorilla's own DefaultDialer defaults.
func NewWSDialer(url string, header http.Header) *WSDialer {
	return &WSDialer{
		URL:    url,
		Header: header,
		DialerImpl: &websocket.Dialer{
			HandshakeTimeout: 10 * time.Second,
		},
	}
}

func (d *WSDialer) Dial(ctx context.Context) (Transport, error) {
	conn, _, err := d.DialerImpl.DialContext(ctx, d.URL, d.Header)
	if err != nil {
		return nil, err
	}
	return NewWSTransport(conn), nil
}
