package server

import (
	"errors"
	"slices"
	"sync"
	"time"

	"github.com/aeolun/cipherchat/pkg/protocol"
	"github.com/samber/lo"
)

var (
	// ErrDuplicateUsername means another live connection holds the name
	ErrDuplicateUsername = errors.New("username already in use")
	// ErrAlreadyRegistered means the connection already completed its handshake
	ErrAlreadyRegistered = errors.New("connection already registered")
	// ErrRecipientUnavailable means no connection is bound to the target name
	ErrRecipientUnavailable = errors.New("recipient not connected")
	// ErrInvalidUsername means the announced name fails validation
	ErrInvalidUsername = errors.New("invalid username")
)

// Registry maps usernames to live connections. It is the only place the
// mapping lives; callers get copies, never the map.
type Registry struct {
	mu     sync.RWMutex
	byName map[string]*Conn
	order  []string // join order

	metrics        *Metrics
	onWriteFailure func(*Conn)
}

// NewRegistry creates an empty registry
func NewRegistry() *Registry {
	return &Registry{
		byName: make(map[string]*Conn),
	}
}

// SetMetrics attaches metrics to the registry
func (r *Registry) SetMetrics(metrics *Metrics) {
	r.metrics = metrics
}

// SetFailureHandler installs the hook run for every connection a broadcast
// or unicast could not write to. It is called on the writing goroutine and
// must not block.
func (r *Registry) SetFailureHandler(fn func(*Conn)) {
	r.mu.Lock()
	r.onWriteFailure = fn
	r.mu.Unlock()
}

// Register binds username to c
func (r *Registry) Register(c *Conn, username string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if c.Username() != "" {
		return ErrAlreadyRegistered
	}
	if existing, ok := r.byName[username]; ok && existing != c {
		return ErrDuplicateUsername
	}

	r.byName[username] = c
	r.order = append(r.order, username)
	c.setUsername(username)

	r.metrics.RecordRegisteredUsers(len(r.byName))
	return nil
}

// Unregister removes c's binding. Only the call that actually removed it
// reports removed=true, so departures are announced once.
func (r *Registry) Unregister(c *Conn) (username string, removed bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	username = c.Username()
	if username == "" || r.byName[username] != c {
		return username, false
	}

	delete(r.byName, username)
	r.order = lo.Without(r.order, username)
	c.setUsername("")

	r.metrics.RecordRegisteredUsers(len(r.byName))
	return username, true
}

// Lookup returns the connection bound to username
func (r *Registry) Lookup(username string) (*Conn, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	c, ok := r.byName[username]
	return c, ok
}

// Snapshot returns the registered usernames in join order
func (r *Registry) Snapshot() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	return slices.Clone(r.order)
}

// Len returns the number of registered connections
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()

	return len(r.byName)
}

// Broadcast delivers env to every registered connection except excluding
// and returns how many writes succeeded. The envelope is encoded once.
func (r *Registry) Broadcast(env protocol.Envelope, excluding *Conn) int {
	data, err := protocol.MarshalEnvelope(env)
	if err != nil {
		errorLog.Printf("Broadcast encode failed (%s): %v", env.Kind(), err)
		return 0
	}

	start := time.Now()

	r.mu.RLock()
	targets := make([]*Conn, 0, len(r.byName))
	for _, name := range r.order {
		if c := r.byName[name]; c != excluding {
			targets = append(targets, c)
		}
	}
	onFailure := r.onWriteFailure
	r.mu.RUnlock()

	// Writes happen outside the lock; a slow peer only delays this broadcast
	delivered := 0
	for _, c := range targets {
		if err := c.WriteRaw(data); err != nil {
			debugLog.Printf("Conn %s: broadcast write failed (%s): %v", c, env.Kind(), err)
			if onFailure != nil {
				onFailure(c)
			}
			continue
		}
		delivered++
	}

	r.metrics.RecordBroadcast(env.Kind(), delivered, time.Since(start))
	return delivered
}

// SendTo delivers env to the connection bound to username
func (r *Registry) SendTo(username string, env protocol.Envelope) error {
	r.mu.RLock()
	c, ok := r.byName[username]
	onFailure := r.onWriteFailure
	r.mu.RUnlock()

	if !ok {
		return ErrRecipientUnavailable
	}
	if err := c.Send(env); err != nil {
		if onFailure != nil {
			onFailure(c)
		}
		return err
	}

	r.metrics.RecordEnvelopeSent(env.Kind(), 1)
	return nil
}

// CloseAll closes every registered connection
func (r *Registry) CloseAll() {
	r.mu.RLock()
	conns := lo.Values(r.byName)
	r.mu.RUnlock()

	for _, c := range conns {
		c.Close()
	}
}
