package server

import (
	"context"
	"errors"
	"fmt"
	"log"
	"regexp"
	"sync"

	"github.com/aeolun/cipherchat/pkg/database"
	"github.com/aeolun/cipherchat/pkg/presence"
	"github.com/aeolun/cipherchat/pkg/protocol"
	"github.com/benbjohnson/clock"
)

var usernamePattern = regexp.MustCompile(`^[A-Za-z0-9_.-]{1,32}$`)

// ValidateUsername reports whether name may be announced
func ValidateUsername(name string) error {
	if !usernamePattern.MatchString(name) {
		return fmt.Errorf("%w: %q", ErrInvalidUsername, name)
	}
	return nil
}

// Dispatcher classifies inbound envelopes and routes them: public and
// typing kinds fan out, key and private kinds go to exactly one peer.
type Dispatcher struct {
	registry *Registry
	typing   *presence.Set
	history  HistoryStore
	profiles ProfileStore // may be nil
	config   ServerConfig
	metrics  *Metrics
	clock    clock.Clock

	// presenceMu orders UserList broadcasts so the last one every peer
	// sees is the newest snapshot
	presenceMu sync.Mutex
}

// NewDispatcher wires a dispatcher to its collaborators. A nil history
// stores nothing; a nil clock uses wall time.
func NewDispatcher(registry *Registry, history HistoryStore, profiles ProfileStore, config ServerConfig, metrics *Metrics, clk clock.Clock) *Dispatcher {
	if history == nil {
		history = NopHistory{}
	}
	if clk == nil {
		clk = clock.New()
	}
	return &Dispatcher{
		registry: registry,
		typing:   presence.NewSet(),
		history:  history,
		profiles: profiles,
		config:   config,
		metrics:  metrics,
		clock:    clk,
	}
}

// Dispatch handles one envelope received on c. The returned error means a
// write back to c itself failed and the connection should be dropped.
func (d *Dispatcher) Dispatch(ctx context.Context, c *Conn, env protocol.Envelope) error {
	if announce, ok := env.(*protocol.UsernameAnnounce); ok {
		return d.handleUsername(ctx, c, announce)
	}

	username := c.Username()
	if username == "" {
		debugLog.Printf("Conn %s: dropping %s before handshake", c, env.Kind())
		d.metrics.RecordHandshakeRejected("handshake_required")
		return c.Send(&protocol.Error{
			Code:    protocol.ErrCodeHandshakeRequired,
			Message: "Announce a username first",
		})
	}

	switch m := env.(type) {
	case *protocol.PublicText:
		d.handlePublicText(ctx, c, username, m)
	case *protocol.Typing:
		d.handleTyping(c, username, m)
	case *protocol.KeyRequest:
		d.unicast(m.Target, &protocol.KeyRequest{Requester: username, Target: m.Target})
	case *protocol.KeyResponse:
		d.unicast(m.Recipient, &protocol.KeyResponse{Sender: username, Recipient: m.Recipient, PublicKey: m.PublicKey})
	case *protocol.PrivateMessage:
		relayed := *m
		relayed.Sender = username
		d.unicast(m.Recipient, &relayed)
	default:
		// UserList, History, Settings, Notice and Error only flow server to client
		debugLog.Printf("Conn %s: ignoring client-sent %s", c, env.Kind())
	}
	return nil
}

// handleUsername runs the handshake. Rejections keep the connection open so
// the client can retry with another name.
func (d *Dispatcher) handleUsername(ctx context.Context, c *Conn, m *protocol.UsernameAnnounce) error {
	if err := ValidateUsername(m.Username); err != nil {
		d.metrics.RecordHandshakeRejected("invalid")
		return c.Send(&protocol.Error{
			Code:    protocol.ErrCodeInvalidUsername,
			Message: "Usernames are 1-32 letters, digits, '.', '_' or '-'",
		})
	}

	switch err := d.registry.Register(c, m.Username); {
	case errors.Is(err, ErrDuplicateUsername):
		d.metrics.RecordHandshakeRejected("duplicate")
		return c.Send(&protocol.Error{
			Code:    protocol.ErrCodeUsernameTaken,
			Message: fmt.Sprintf("Username %s is already taken", m.Username),
		})
	case errors.Is(err, ErrAlreadyRegistered):
		d.metrics.RecordHandshakeRejected("already_registered")
		return c.Send(&protocol.Error{
			Code:    protocol.ErrCodeAlreadyRegistered,
			Message: fmt.Sprintf("Already connected as %s", c.Username()),
		})
	case err != nil:
		return err
	}

	username := m.Username
	log.Printf("User %s joined from %s (%s)", username, c.RemoteAddr(), c.Transport)

	d.registry.Broadcast(&protocol.Notice{Message: username + " has joined the chat!"}, c)

	welcome := []protocol.Envelope{
		&protocol.Notice{Message: fmt.Sprintf("Welcome to the chat, %s!", username)},
		&protocol.Settings{Theme: d.theme(ctx, username), Username: username},
		&protocol.UserList{Users: d.registry.Snapshot()},
		d.recentHistory(ctx),
	}
	for _, typist := range d.typing.Users() {
		welcome = append(welcome, &protocol.Typing{Username: typist, IsTyping: true})
	}
	for _, env := range welcome {
		if err := c.Send(env); err != nil {
			return err
		}
		d.metrics.RecordEnvelopeSent(env.Kind(), 1)
	}

	d.broadcastUserList()
	return nil
}

func (d *Dispatcher) handlePublicText(ctx context.Context, c *Conn, username string, m *protocol.PublicText) {
	msg := &protocol.PublicText{
		Username:  username,
		Message:   m.Message,
		Timestamp: d.clock.Now().UTC(),
	}
	d.registry.Broadcast(msg, c)

	rec := database.MessageRecord{
		Username:    username,
		Message:     m.Message,
		CreatedAt:   msg.Timestamp,
		MessageType: "text",
	}
	if err := d.history.SaveMessage(ctx, rec); err != nil {
		errorLog.Printf("Failed to save message from %s: %v", username, err)
	}
}

func (d *Dispatcher) handleTyping(c *Conn, username string, m *protocol.Typing) {
	if !d.typing.Apply(username, m.IsTyping) {
		return
	}
	d.registry.Broadcast(&protocol.Typing{Username: username, IsTyping: m.IsTyping}, c)
}

// unicast delivers a directed envelope; an absent recipient is a silent drop
func (d *Dispatcher) unicast(recipient string, env protocol.Envelope) {
	err := d.registry.SendTo(recipient, env)
	switch {
	case errors.Is(err, ErrRecipientUnavailable):
		d.metrics.RecordUndeliverable(env.Kind())
		debugLog.Printf("Dropping %s for %s: not connected", env.Kind(), recipient)
	case err != nil:
		debugLog.Printf("Failed to deliver %s to %s: %v", env.Kind(), recipient, err)
	}
}

// Depart announces that username left. Called once per removed binding.
func (d *Dispatcher) Depart(ctx context.Context, username string) {
	if d.typing.Remove(username) {
		d.registry.Broadcast(&protocol.Typing{Username: username, IsTyping: false}, nil)
	}
	d.registry.Broadcast(&protocol.Notice{Message: username + " has left the chat!"}, nil)
	d.broadcastUserList()

	if d.profiles != nil {
		d.profiles.UserSeen(ctx, username)
	}
}

func (d *Dispatcher) broadcastUserList() {
	d.presenceMu.Lock()
	defer d.presenceMu.Unlock()
	d.registry.Broadcast(&protocol.UserList{Users: d.registry.Snapshot()}, nil)
}

func (d *Dispatcher) theme(ctx context.Context, username string) string {
	if d.profiles == nil {
		return d.config.DefaultTheme
	}
	theme, err := d.profiles.UserTheme(ctx, username)
	if err != nil {
		errorLog.Printf("Failed to load theme for %s: %v", username, err)
		return d.config.DefaultTheme
	}
	return theme
}

func (d *Dispatcher) recentHistory(ctx context.Context) *protocol.History {
	history := &protocol.History{UserMessages: make(map[string][]protocol.HistoryRecord)}

	recent, err := d.history.RecentMessages(ctx, d.config.HistoryLimit)
	if err != nil {
		errorLog.Printf("Failed to load history: %v", err)
		return history
	}

	for username, records := range recent {
		out := make([]protocol.HistoryRecord, 0, len(records))
		for _, rec := range records {
			out = append(out, protocol.NewHistoryRecord(rec.Username, rec.Message, rec.CreatedAt, rec.MessageType, rec.IsPrivate))
		}
		history.UserMessages[username] = out
	}
	return history
}
