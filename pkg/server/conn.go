package server

import (
	"bufio"
	"net"
	"sync"
	"time"

	"github.com/aeolun/cipherchat/pkg/protocol"
	"github.com/google/uuid"
)

// Conn is one live client connection, whatever the transport.
// Writes are serialized so frames never interleave on the wire.
type Conn struct {
	ID        string
	Transport string

	conn         net.Conn
	reader       *bufio.Reader
	writeTimeout time.Duration
	writeMu      sync.Mutex
	closeOnce    sync.Once

	mu       sync.RWMutex
	username string // set by Registry.Register, cleared by Unregister
}

// NewConn wraps c. A zero writeTimeout disables write deadlines.
func NewConn(c net.Conn, transport string, writeTimeout time.Duration) *Conn {
	if tcpConn, ok := c.(*net.TCPConn); ok {
		// Disable Nagle's algorithm for immediate sends
		tcpConn.SetNoDelay(true)
	}
	return &Conn{
		ID:           uuid.NewString(),
		Transport:    transport,
		conn:         c,
		reader:       bufio.NewReader(c),
		writeTimeout: writeTimeout,
	}
}

// Username returns the bound username, or "" before the handshake
func (c *Conn) Username() string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.username
}

func (c *Conn) setUsername(name string) {
	c.mu.Lock()
	c.username = name
	c.mu.Unlock()
}

// Send encodes env and writes it as one frame
func (c *Conn) Send(env protocol.Envelope) error {
	data, err := protocol.MarshalEnvelope(env)
	if err != nil {
		return err
	}
	return c.WriteRaw(data)
}

// WriteRaw writes an already-framed message
func (c *Conn) WriteRaw(data []byte) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()

	if c.writeTimeout > 0 {
		c.conn.SetWriteDeadline(time.Now().Add(c.writeTimeout))
	}
	_, err := c.conn.Write(data)
	return err
}

// Decode blocks until the next envelope arrives
func (c *Conn) Decode() (protocol.Envelope, error) {
	return protocol.DecodeEnvelope(c.reader)
}

// Close closes the underlying connection. Safe to call more than once.
func (c *Conn) Close() error {
	var err error
	c.closeOnce.Do(func() {
		err = c.conn.Close()
	})
	return err
}

// RemoteAddr returns the peer address
func (c *Conn) RemoteAddr() net.Addr {
	return c.conn.RemoteAddr()
}

// String identifies the connection in log lines
func (c *Conn) String() string {
	if name := c.Username(); name != "" {
		return name + "/" + c.ID[:8]
	}
	return c.ID[:8]
}
