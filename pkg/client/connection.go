package client

import (
	"bufio"
	"errors"
	"fmt"
	"io"
	"log"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/aeolun/cipherchat/pkg/protocol"
)

// ConnectionStateType represents the connection status
type ConnectionStateType int

const (
	StateTypeConnected ConnectionStateType = iota
	StateTypeDisconnected
	StateTypeReconnecting
)

var stateNames = [...]string{
	StateTypeConnected:    "connected",
	StateTypeDisconnected: "disconnected",
	StateTypeReconnecting: "reconnecting",
}

func (s ConnectionStateType) String() string {
	if int(s) < len(stateNames) {
		return stateNames[s]
	}
	return "unknown"
}

// ConnectionStateUpdate represents a connection state change
type ConnectionStateUpdate struct {
	State   ConnectionStateType
	Attempt int
	Err     error
}

var (
	ErrAlreadyConnected = errors.New("already connected")
	ErrConnectionClosed = errors.New("connection closed")
	ErrQueueFull        = errors.New("outgoing queue full")

	errServerGone = errors.New("disconnected from server")
)

const (
	queueSize           = 100
	initialReconnect    = time.Second
	defaultMaxReconnect = 30 * time.Second
)

// link is one live socket and the signal that stops its loops
type link struct {
	nc   net.Conn
	done chan struct{}
}

func (l *link) close() {
	l.nc.Close()
	close(l.done)
}

// meteredConn counts the bytes crossing a socket
type meteredConn struct {
	net.Conn
	in, out *atomic.Uint64
}

func (m meteredConn) Read(p []byte) (int, error) {
	n, err := m.Conn.Read(p)
	m.in.Add(uint64(n))
	return n, err
}

func (m meteredConn) Write(p []byte) (int, error) {
	n, err := m.Conn.Write(p)
	m.out.Add(uint64(n))
	return n, err
}

// Connection is a client connection to a relay. Each live socket gets a
// reader and a writer goroutine. Losing the socket unexpectedly starts a
// redial loop with exponential backoff unless auto-reconnect is off.
type Connection struct {
	addr    string
	method  string
	dial    func() (net.Conn, error)
	warning string

	mu             sync.RWMutex
	live           *link
	redialing      bool
	autoReconnect  bool
	reconnectDelay time.Duration
	maxDelay       time.Duration
	greeting       protocol.Envelope

	incoming    chan protocol.Envelope
	outgoing    chan protocol.Envelope
	errors      chan error
	stateChange chan ConnectionStateUpdate

	sent     atomic.Uint64
	received atomic.Uint64

	logger *log.Logger

	shutdown  chan struct{}
	closeOnce sync.Once
	wg        sync.WaitGroup
}

// NewConnection creates a connection for a server address. Accepted forms
// are host:port (TCP), tcp://, ws://, wss:// and ssh:// URLs.
func NewConnection(addr string) (*Connection, error) {
	target, err := parseServerAddress(addr)
	if err != nil {
		return nil, err
	}

	return &Connection{
		addr:           target.display,
		method:         target.method,
		dial:           target.dial,
		warning:        target.warning,
		autoReconnect:  true,
		reconnectDelay: initialReconnect,
		maxDelay:       defaultMaxReconnect,
		incoming:       make(chan protocol.Envelope, queueSize),
		outgoing:       make(chan protocol.Envelope, queueSize),
		errors:         make(chan error, 10),
		stateChange:    make(chan ConnectionStateUpdate, 10),
		shutdown:       make(chan struct{}),
	}, nil
}

// SetLogger routes connection debug output to logger
func (c *Connection) SetLogger(logger *log.Logger) {
	c.logger = logger
}

func (c *Connection) DisableAutoReconnect() {
	c.mu.Lock()
	c.autoReconnect = false
	c.mu.Unlock()
}

// SetMaxReconnectDelay caps the backoff between redials; d <= 0 is ignored
func (c *Connection) SetMaxReconnectDelay(d time.Duration) {
	if d <= 0 {
		return
	}
	c.mu.Lock()
	c.maxDelay = d
	c.mu.Unlock()
}

// SetGreeting sets the envelope written first on every new socket, ahead
// of anything queued while disconnected
func (c *Connection) SetGreeting(env protocol.Envelope) {
	c.mu.Lock()
	c.greeting = env
	c.mu.Unlock()
}

func (c *Connection) logf(format string, args ...any) {
	if c.logger != nil {
		c.logger.Printf(format, args...)
	}
}

func (c *Connection) closed() bool {
	select {
	case <-c.shutdown:
		return true
	default:
		return false
	}
}

// Connect dials the relay and starts the read and write loops
func (c *Connection) Connect() error {
	if c.closed() {
		return ErrConnectionClosed
	}
	if c.IsConnected() {
		return ErrAlreadyConnected
	}

	c.logf("Dialing %s (%s)", c.addr, c.method)
	nc, err := c.dial()
	if err != nil {
		c.logf("Dial failed: %v", err)
		return fmt.Errorf("failed to connect: %w", err)
	}

	if err := c.greet(nc); err != nil {
		nc.Close()
		c.logf("Handshake failed: %v", err)
		return fmt.Errorf("failed to connect: %w", err)
	}

	l := &link{
		nc:   meteredConn{Conn: nc, in: &c.received, out: &c.sent},
		done: make(chan struct{}),
	}
	c.mu.Lock()
	switch {
	case c.closed():
		c.mu.Unlock()
		nc.Close()
		return ErrConnectionClosed
	case c.live != nil:
		// The redial loop got there first
		c.mu.Unlock()
		nc.Close()
		return ErrAlreadyConnected
	}
	c.live = l
	c.wg.Add(2)
	c.mu.Unlock()

	c.logf("Connected to %s", c.addr)
	if c.warning != "" {
		c.logf("WARNING: %s", c.warning)
	}

	go c.readLoop(l)
	go c.writeLoop(l)
	return nil
}

// greet writes the greeting, if any, before the socket carries anything else
func (c *Connection) greet(nc net.Conn) error {
	c.mu.RLock()
	greeting := c.greeting
	c.mu.RUnlock()
	if greeting == nil {
		return nil
	}

	data, err := protocol.MarshalEnvelope(greeting)
	if err != nil {
		return err
	}
	nc.SetWriteDeadline(time.Now().Add(dialTimeout))
	defer nc.SetWriteDeadline(time.Time{})

	n, err := nc.Write(data)
	c.sent.Add(uint64(n))
	return err
}

// Disconnect drops the socket without starting a redial
func (c *Connection) Disconnect() {
	c.mu.Lock()
	l := c.live
	c.live = nil
	c.mu.Unlock()

	if l != nil {
		c.logf("Disconnecting from %s", c.addr)
		l.close()
	}
}

// Close shuts the connection down for good. Safe to call more than once.
func (c *Connection) Close() {
	c.closeOnce.Do(func() {
		close(c.shutdown)
		c.Disconnect()
		c.wg.Wait()
	})
}

// Done is closed once Close has been called
func (c *Connection) Done() <-chan struct{} {
	return c.shutdown
}

// Send queues an envelope for the relay. Envelopes queued while
// disconnected go out after the next successful connect.
func (c *Connection) Send(env protocol.Envelope) error {
	if c.closed() {
		return ErrConnectionClosed
	}
	select {
	case c.outgoing <- env:
		return nil
	default:
		return ErrQueueFull
	}
}

func (c *Connection) Incoming() <-chan protocol.Envelope         { return c.incoming }
func (c *Connection) Errors() <-chan error                       { return c.errors }
func (c *Connection) StateChanges() <-chan ConnectionStateUpdate { return c.stateChange }

func (c *Connection) IsConnected() bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.live != nil
}

// GetAddress returns the server address as shown to the user
func (c *Connection) GetAddress() string { return c.addr }

// Method returns the transport name: tcp, ws, wss or ssh
func (c *Connection) Method() string { return c.method }

// SecurityWarning returns a transport caveat worth showing the user, if any
func (c *Connection) SecurityWarning() string { return c.warning }

func (c *Connection) GetBytesSent() uint64     { return c.sent.Load() }
func (c *Connection) GetBytesReceived() uint64 { return c.received.Load() }

func (c *Connection) reportError(err error) {
	select {
	case c.errors <- err:
	default:
	}
}

func (c *Connection) reportState(update ConnectionStateUpdate) {
	select {
	case c.stateChange <- update:
	default:
	}
}

func (c *Connection) readLoop(l *link) {
	defer c.wg.Done()

	r := bufio.NewReader(l.nc)
	for {
		env, err := protocol.DecodeEnvelope(r)
		if protocol.IsRecoverable(err) {
			c.logf("Skipping bad envelope: %v", err)
			continue
		}
		if err != nil {
			if errors.Is(err, io.EOF) {
				c.logf("Relay closed the connection")
			} else {
				c.logf("Read error: %v", err)
			}
			c.lost(l)
			return
		}

		c.logf("← %s", env.Kind())
		select {
		case c.incoming <- env:
		case <-c.shutdown:
			return
		}
	}
}

func (c *Connection) writeLoop(l *link) {
	defer c.wg.Done()

	for {
		var env protocol.Envelope
		select {
		case env = <-c.outgoing:
		case <-l.done:
			return
		case <-c.shutdown:
			return
		}

		data, err := protocol.MarshalEnvelope(env)
		if err != nil {
			c.reportError(fmt.Errorf("encode error: %w", err))
			continue
		}
		if _, err := l.nc.Write(data); err != nil {
			c.logf("Write error: %v", err)
			c.lost(l)
			return
		}
		c.logf("→ %s (%d bytes)", env.Kind(), len(data))
	}
}

// lost tears down l after a read or write failure. Only the first caller
// for the current link reports the drop and starts redialing.
func (c *Connection) lost(l *link) {
	c.mu.Lock()
	if c.live != l {
		c.mu.Unlock()
		return
	}
	c.live = nil
	redial := c.autoReconnect && !c.redialing
	if redial {
		c.redialing = true
	}
	c.mu.Unlock()

	l.close()
	c.logf("Disconnected from %s", c.addr)
	c.reportError(errServerGone)
	c.reportState(ConnectionStateUpdate{State: StateTypeDisconnected, Err: errServerGone})

	if redial {
		c.wg.Add(1)
		go c.redial()
	}
}

// redial reconnects with exponential backoff until it succeeds, someone
// else connects, or the connection is closed
func (c *Connection) redial() {
	defer c.wg.Done()

	c.mu.RLock()
	delay, maxDelay := c.reconnectDelay, c.maxDelay
	c.mu.RUnlock()

	defer func() {
		c.mu.Lock()
		c.redialing = false
		c.mu.Unlock()
	}()

	for attempt := 1; ; attempt++ {
		timer := time.NewTimer(delay)
		select {
		case <-c.shutdown:
			timer.Stop()
			return
		case <-timer.C:
		}

		c.reportState(ConnectionStateUpdate{State: StateTypeReconnecting, Attempt: attempt})
		err := c.Connect()
		switch {
		case err == nil:
			c.logf("Reconnected after %d attempt(s)", attempt)
			c.reportState(ConnectionStateUpdate{State: StateTypeConnected, Attempt: attempt})
			return
		case errors.Is(err, ErrAlreadyConnected), errors.Is(err, ErrConnectionClosed):
			return
		}

		delay = min(delay*2, maxDelay)
		c.logf("Reconnect attempt %d failed (%v), next in %v", attempt, err, delay)
	}
}
