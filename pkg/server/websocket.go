package server

import (
	"errors"
	"io"
	"net/http"
	"sync"
	"time"

	"github.com/aeolun/cipherchat/pkg/protocol"
	"github.com/gorilla/websocket"
)

// wsFrameOverhead covers the length prefix and header bytes around a payload
const wsFrameOverhead = 16

var errWSText = errors.New("websocket: text message on a binary channel")

var upgrader = websocket.Upgrader{
	ReadBufferSize:  64 * 1024,
	WriteBufferSize: 64 * 1024,
	// Terminal and browser clients connect from anywhere
	CheckOrigin: func(*http.Request) bool { return true },
}

// HandleWebSocket upgrades the request and hands the socket to the same
// session loop the TCP listener uses
func (s *Server) HandleWebSocket(w http.ResponseWriter, r *http.Request) {
	ws, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		debugLog.Printf("WebSocket upgrade failed from %s: %v", r.RemoteAddr, err)
		return
	}
	ws.SetReadLimit(protocol.MaxFrameSize + wsFrameOverhead)

	s.serveConn(NewWebSocketConn(ws), "websocket")
}

// WebSocketConn streams binary WebSocket messages as one continuous byte
// stream. Addresses, read/write deadlines and Close come from the embedded
// connection.
type WebSocketConn struct {
	*websocket.Conn

	readMu  sync.Mutex
	current io.Reader

	writeMu sync.Mutex
}

// NewWebSocketConn wraps an upgraded connection
func NewWebSocketConn(ws *websocket.Conn) *WebSocketConn {
	return &WebSocketConn{Conn: ws}
}

func (c *WebSocketConn) Read(p []byte) (int, error) {
	c.readMu.Lock()
	defer c.readMu.Unlock()

	for {
		if c.current == nil {
			kind, r, err := c.NextReader()
			if err != nil {
				return 0, err
			}
			if kind != websocket.BinaryMessage {
				return 0, errWSText
			}
			c.current = r
		}

		n, err := c.current.Read(p)
		if err == io.EOF {
			c.current = nil
			if n == 0 {
				continue
			}
			err = nil
		}
		return n, err
	}
}

// Write sends p as a single binary message
func (c *WebSocketConn) Write(p []byte) (int, error) {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()

	if err := c.WriteMessage(websocket.BinaryMessage, p); err != nil {
		return 0, err
	}
	return len(p), nil
}

func (c *WebSocketConn) SetDeadline(t time.Time) error {
	return errors.Join(c.SetReadDeadline(t), c.SetWriteDeadline(t))
}
