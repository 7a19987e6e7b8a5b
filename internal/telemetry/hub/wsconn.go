package hub

import "github.com/gorilla/websocket"

// WSConn adapts a *websocket.Conn to Conn, the same minimal duplex
// message-boundary-preserving contract internal/btp's WSTransport adapts
// to, but carrying JSON text frames instead of BTP binary frames.
type WSConn struct {
	conn *websocket.Conn
}

// NewWSConn wraps an already-upgraded websocket connection.
func NewWSConn(conn *websocket.Conn) *WSConn {
	return &WSConn{conn: conn}
}

func (c *WSConn) ReadMessage() ([]byte, error) {
	_, data, err := c.conn.ReadMessage()
	return data, err
}

func (c *WSConn) WriteMessage(data []byte) error {
	return c.conn.WriteMessage(websocket.TextMessage, data)
}

func (c *WSConn) Close() error {
	return c.conn.Close()
}
