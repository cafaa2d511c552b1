package client

import (
	"errors"
	"fmt"
	"io"
	"net"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

var errTextMessage = errors.New("websocket: relay sent a text message, expected binary frames")

// WebSocketConn presents a WebSocket as a byte stream so the frame codec can
// read it like a socket. Each binary message carries one or more frames.
type WebSocketConn struct {
	ws      *websocket.Conn
	reader  io.Reader
	readMu  sync.Mutex
	writeMu sync.Mutex
}

// DialWebSocket connects to a relay's WebSocket endpoint (ws:// or wss://)
func DialWebSocket(target url.URL) (*WebSocketConn, error) {
	dialer := &websocket.Dialer{
		HandshakeTimeout: dialTimeout,
		ReadBufferSize:   64 * 1024,
		WriteBufferSize:  64 * 1024,
	}

	ws, _, err := dialer.Dial(target.String(), nil)
	if err != nil {
		if strings.Contains(err.Error(), "bad handshake") {
			if target.Scheme == "wss" {
				return nil, fmt.Errorf("TLS handshake failed, the relay may not serve wss (try ws:// instead): %w", err)
			}
			return nil, fmt.Errorf("handshake failed, check the path and port of the relay's WebSocket listener: %w", err)
		}
		return nil, err
	}

	return &WebSocketConn{ws: ws}, nil
}

// Read implements net.Conn.Read, crossing message boundaries transparently
func (c *WebSocketConn) Read(b []byte) (int, error) {
	c.readMu.Lock()
	defer c.readMu.Unlock()

	for {
		if c.reader == nil {
			messageType, r, err := c.ws.NextReader()
			if err != nil {
				return 0, err
			}
			if messageType != websocket.BinaryMessage {
				return 0, errTextMessage
			}
			c.reader = r
		}

		n, err := c.reader.Read(b)
		if errors.Is(err, io.EOF) {
			c.reader = nil
			if n > 0 {
				return n, nil
			}
			continue
		}
		return n, err
	}
}

// Write implements net.Conn.Write; each call becomes one binary message
func (c *WebSocketConn) Write(b []byte) (int, error) {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()

	if err := c.ws.WriteMessage(websocket.BinaryMessage, b); err != nil {
		return 0, err
	}
	return len(b), nil
}

// Close sends a close frame on a best-effort basis and drops the socket
func (c *WebSocketConn) Close() error {
	c.writeMu.Lock()
	_ = c.ws.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
		time.Now().Add(time.Second))
	c.writeMu.Unlock()
	return c.ws.Close()
}

func (c *WebSocketConn) LocalAddr() net.Addr  { return c.ws.LocalAddr() }
func (c *WebSocketConn) RemoteAddr() net.Addr { return c.ws.RemoteAddr() }

func (c *WebSocketConn) SetDeadline(t time.Time) error {
	if err := c.ws.SetReadDeadline(t); err != nil {
		return err
	}
	return c.ws.SetWriteDeadline(t)
}

func (c *WebSocketConn) SetReadDeadline(t time.Time) error  { return c.ws.SetReadDeadline(t) }
func (c *WebSocketConn) SetWriteDeadline(t time.Time) error { return c.ws.SetWriteDeadline(t) }
