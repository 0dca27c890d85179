package transcription

import (
	"fmt"
	"sync"

	"github.com/gorilla/websocket"
)

// wsConn wraps a websocket connection with a write lock and idempotent
// close. Reads are single-goroutine by construction (the read pump).
type wsConn struct {
	conn      *websocket.Conn
	mu        sync.Mutex
	closed    bool
	closeChan chan struct{}
}

func newWSConn(conn *websocket.Conn) *wsConn {
	return &wsConn{
		conn:      conn,
		closeChan: make(chan struct{}),
	}
}

// Send writes a text message to the socket.
func (ws *wsConn) Send(message []byte) error {
	ws.mu.Lock()
	defer ws.mu.Unlock()

	if ws.closed {
		return fmt.Errorf("websocket connection is closed")
	}
	return ws.conn.WriteMessage(websocket.TextMessage, message)
}

// Receive reads the next text message. Blocks until a message arrives, the
// connection closes, or the peer errors.
func (ws *wsConn) Receive() ([]byte, error) {
	_, message, err := ws.conn.ReadMessage()
	if err != nil {
		return nil, err
	}
	return message, nil
}

// Close closes the connection. Safe to call more than once.
func (ws *wsConn) Close() error {
	ws.mu.Lock()
	defer ws.mu.Unlock()

	if ws.closed {
		return nil
	}
	ws.closed = true
	close(ws.closeChan)
	return ws.conn.Close()
}
