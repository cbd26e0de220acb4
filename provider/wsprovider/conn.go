package wsprovider

import (
	"time"

	"github.com/gorilla/websocket"
)

// WebSocket timeouts following the gorilla chat example.
const (
	// Time allowed to write a message to the peer
	writeWait = 10 * time.Second

	// Time allowed to read the next pong message from the peer
	pongWait = 60 * time.Second

	// Send pings to peer with this period (must be less than pongWait)
	pingPeriod = 54 * time.Second

	// A client connection unused for longer than this is re-dialed
	idleTimeout = pongWait / 2

	// Maximum message size allowed from peer (avatars travel inline)
	maxMessageSize = 8 * 1024 * 1024
)

// Conn abstracts the websocket connection for testability.
// The real implementation wraps gorilla/websocket.
type Conn interface {
	ReadJSON(v interface{}) error
	WriteJSON(v interface{}) error
	SetReadDeadline(t time.Time) error
	SetWriteDeadline(t time.Time) error
	Close() error
}

var _ Conn = (*websocket.Conn)(nil)
