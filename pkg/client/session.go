package client

import (
	"crypto/rsa"
	"errors"
	"fmt"
	"log"
	"net/url"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/aeolun/cipherchat/pkg/e2e"
	"github.com/aeolun/cipherchat/pkg/presence"
	"github.com/aeolun/cipherchat/pkg/protocol"
	"github.com/benbjohnson/clock"
	"github.com/samber/lo"
)

var (
	ErrSessionClosed    = errors.New("session closed")
	ErrNotConnected     = errors.New("not connected")
	ErrUsernameRequired = errors.New("username is required")
	ErrSelfMessage      = errors.New("cannot send a private message to yourself")
	ErrUnknownRecipient = errors.New("recipient is not connected")
)

// SessionOptions configures a Session. The zero value is usable: it creates
// an ephemeral key pair and uses wall time.
type SessionOptions struct {
	// PrivateKey is the identity used for private messages. When nil the
	// key is loaded from (or created at) KeyPath, or generated in memory
	// when KeyPath is empty too.
	PrivateKey *rsa.PrivateKey
	KeyPath    string

	// Scheme is the symmetric scheme for outgoing private messages
	Scheme string

	Clock             clock.Clock
	TypingTimeout     time.Duration
	AutoReconnect     bool
	MaxReconnectDelay time.Duration
	Logger            *log.Logger

	// State, if set, remembers the last username and how each server was reached
	State StateInterface
}

// Session is the client core. A single goroutine owns the connection, the
// key cache, the typing state and the user list; the presentation layer only
// submits commands and consumes events.
type Session struct {
	opts    SessionOptions
	key     *rsa.PrivateKey
	keys    *e2e.KeyExchange
	typing  *presence.Set
	tracker *presence.Tracker
	clock   clock.Clock

	commands    chan Command
	events      chan Event
	typingEmits chan bool
	dialed      chan dialResult
	shutdown    chan struct{}
	done        chan struct{}
	closeOnce   sync.Once

	// Owned by the run goroutine
	conn       *Connection
	dialing    bool
	address    string
	username   string
	registered bool
	users      []string
	queued     map[string][]string
}

type dialResult struct {
	conn     *Connection
	address  string
	username string
	err      error
}

// NewSession loads the identity and starts the session goroutine
func NewSession(opts SessionOptions) (*Session, error) {
	key := opts.PrivateKey
	if key == nil {
		var err error
		if opts.KeyPath != "" {
			key, err = e2e.LoadOrCreateKeyPair(opts.KeyPath)
		} else {
			key, err = e2e.GenerateKeyPair(e2e.DefaultKeyBits)
		}
		if err != nil {
			return nil, err
		}
	}
	if opts.Scheme == "" {
		opts.Scheme = e2e.SchemeXChaCha
	}
	clk := opts.Clock
	if clk == nil {
		clk = clock.New()
	}

	s := &Session{
		opts:        opts,
		key:         key,
		keys:        e2e.NewKeyExchange(),
		typing:      presence.NewSet(),
		clock:       clk,
		commands:    make(chan Command, 64),
		events:      make(chan Event, 256),
		typingEmits: make(chan bool, 64),
		dialed:      make(chan dialResult, 1),
		shutdown:    make(chan struct{}),
		done:        make(chan struct{}),
		queued:      make(map[string][]string),
	}
	s.tracker = presence.NewTracker(clk, opts.TypingTimeout, func(typing bool) {
		select {
		case s.typingEmits <- typing:
		case <-s.shutdown:
		}
	})

	go s.run()
	return s, nil
}

// Events returns the event stream. It is closed after Close.
func (s *Session) Events() <-chan Event {
	return s.events
}

// Submit queues a command for the session goroutine
func (s *Session) Submit(cmd Command) error {
	select {
	case <-s.shutdown:
		return ErrSessionClosed
	default:
	}

	select {
	case s.commands <- cmd:
		return nil
	case <-s.shutdown:
		return ErrSessionClosed
	}
}

// PublicKey returns the local identity's public key
func (s *Session) PublicKey() *rsa.PublicKey {
	return &s.key.PublicKey
}

// Close disconnects and stops the session goroutine
func (s *Session) Close() {
	s.closeOnce.Do(func() {
		close(s.shutdown)
		s.tracker.Stop()
		<-s.done
	})
}

func (s *Session) logf(format string, args ...interface{}) {
	if s.opts.Logger != nil {
		s.opts.Logger.Printf(format, args...)
	}
}

func (s *Session) run() {
	defer close(s.done)
	defer close(s.events)
	defer func() {
		if s.conn != nil {
			s.conn.Close()
		}
	}()

	for {
		var (
			incoming <-chan protocol.Envelope
			states   <-chan ConnectionStateUpdate
			errs     <-chan error
		)
		if s.conn != nil {
			incoming = s.conn.Incoming()
			states = s.conn.StateChanges()
			errs = s.conn.Errors()
		}

		select {
		case <-s.shutdown:
			return
		case cmd := <-s.commands:
			s.handleCommand(cmd)
		case env := <-incoming:
			s.handleEnvelope(env)
		case update := <-states:
			s.handleState(update)
		case err := <-errs:
			s.logf("Connection error: %v", err)
		case typing := <-s.typingEmits:
			s.sendTyping(typing)
		case res := <-s.dialed:
			s.handleDialed(res)
		}
	}
}

func (s *Session) emit(ev Event) {
	select {
	case s.events <- ev:
	case <-s.shutdown:
	}
}

func (s *Session) localError(err error) {
	s.logf("Error: %v", err)
	s.emit(LocalError{Err: err})
}

func (s *Session) send(env protocol.Envelope) error {
	if s.conn == nil {
		return ErrNotConnected
	}
	return s.conn.Send(env)
}

func (s *Session) handleCommand(cmd Command) {
	switch c := cmd.(type) {
	case Connect:
		s.connect(c)
	case SendPublic:
		s.sendPublic(c.Text)
	case SendPrivate:
		s.sendPrivate(c.Recipient, c.Text)
	case RequestKey:
		if err := s.send(s.keys.RequestKey(s.username, c.Target)); err != nil {
			s.localError(err)
		}
	case SetTyping:
		if s.registered {
			s.tracker.Keystroke(c.Input)
		}
	case Disconnect:
		s.disconnect()
	default:
		s.localError(fmt.Errorf("unsupported command %T", cmd))
	}
}

func (s *Session) connect(c Connect) {
	username := strings.TrimSpace(c.Username)
	if username == "" {
		s.localError(ErrUsernameRequired)
		return
	}
	if s.dialing || (s.conn != nil && s.conn.IsConnected()) {
		s.localError(ErrAlreadyConnected)
		return
	}
	if s.conn != nil {
		// A dead connection left behind with auto-reconnect off
		s.conn.Close()
		s.conn = nil
	}

	conn, err := NewConnection(c.Address)
	if err != nil {
		s.localError(err)
		return
	}
	conn.SetLogger(s.opts.Logger)
	if !s.opts.AutoReconnect {
		conn.DisableAutoReconnect()
	}
	conn.SetMaxReconnectDelay(s.opts.MaxReconnectDelay)
	conn.SetGreeting(&protocol.UsernameAnnounce{Username: username})

	s.dialing = true
	go func() {
		err := conn.Connect()
		select {
		case s.dialed <- dialResult{conn: conn, address: c.Address, username: username, err: err}:
		case <-s.shutdown:
			conn.Close()
		}
	}()
}

func (s *Session) handleDialed(res dialResult) {
	s.dialing = false
	if res.err != nil {
		res.conn.Close()
		s.emit(ConnectionChanged{State: StateTypeDisconnected, Address: res.address, Err: res.err})
		s.localError(res.err)
		return
	}

	s.conn = res.conn
	s.address = res.address
	s.username = res.username
	s.registered = false

	s.emit(ConnectionChanged{State: StateTypeConnected, Address: s.conn.GetAddress()})
	if warning := s.conn.SecurityWarning(); warning != "" {
		s.emit(NoticeReceived{Text: "Warning: " + warning})
	}

	if s.opts.State != nil {
		if err := s.opts.State.SaveSuccessfulConnection(serverKey(res.address), s.conn.Method()); err != nil {
			s.logf("Failed to record connection method: %v", err)
		}
	}
}

func (s *Session) disconnect() {
	if s.conn == nil {
		return
	}
	s.tracker.Reset()
	s.conn.Close()
	s.logf("Left %s (sent %s, received %s)", s.address,
		FormatBytes(s.conn.GetBytesSent()), FormatBytes(s.conn.GetBytesReceived()))
	s.conn = nil
	s.registered = false
	s.users = nil
	s.queued = make(map[string][]string)
	s.clearTyping()
	s.emit(ConnectionChanged{State: StateTypeDisconnected, Address: s.address})
}

func (s *Session) sendPublic(text string) {
	if strings.TrimSpace(text) == "" {
		return
	}
	if err := s.send(&protocol.PublicText{Username: s.username, Message: text}); err != nil {
		s.localError(err)
		return
	}
	s.tracker.Reset()
	s.emit(MessageReceived{From: s.username, Text: text, Timestamp: s.clock.Now()})
}

func (s *Session) sendPrivate(recipient, text string) {
	recipient = strings.TrimSpace(recipient)
	if recipient == "" || strings.TrimSpace(text) == "" {
		return
	}
	if s.conn == nil {
		s.localError(ErrNotConnected)
		return
	}
	if recipient == s.username {
		s.localError(ErrSelfMessage)
		return
	}
	if s.users != nil && !slices.Contains(s.users, recipient) {
		s.localError(fmt.Errorf("%w: %s", ErrUnknownRecipient, recipient))
		return
	}
	s.tracker.Reset()

	if pub, ok := s.keys.CachedKey(recipient); ok {
		s.sealAndSend(recipient, pub, text)
		return
	}

	s.queued[recipient] = append(s.queued[recipient], text)
	if !s.keys.Pending(recipient) {
		if err := s.send(s.keys.RequestKey(s.username, recipient)); err != nil {
			s.localError(err)
		}
	}
}

func (s *Session) sealAndSend(recipient string, pub *rsa.PublicKey, text string) {
	msg, err := e2e.SealPrivateMessage(s.username, recipient, pub, text, s.opts.Scheme)
	if err != nil {
		s.localError(fmt.Errorf("encrypt for %s: %w", recipient, err))
		return
	}
	if err := s.send(msg); err != nil {
		s.localError(err)
		return
	}
	s.emit(MessageReceived{From: s.username, To: recipient, Text: text, Private: true, Timestamp: s.clock.Now()})
}

func (s *Session) sendTyping(typing bool) {
	if !s.registered || s.conn == nil {
		return
	}
	if err := s.send(&protocol.Typing{Username: s.username, IsTyping: typing}); err != nil {
		s.logf("Failed to send typing state: %v", err)
	}
}

func (s *Session) handleState(update ConnectionStateUpdate) {
	address := s.address
	if s.conn != nil {
		address = s.conn.GetAddress()
	}

	switch update.State {
	case StateTypeDisconnected:
		s.registered = false
		s.tracker.Reset()
		s.clearTyping()
	case StateTypeConnected:
		// The greeting re-announced us; retry pending key requests
		for recipient := range s.queued {
			if err := s.send(s.keys.RequestKey(s.username, recipient)); err != nil {
				s.localError(err)
			}
		}
	}

	s.emit(ConnectionChanged{State: update.State, Address: address, Attempt: update.Attempt, Err: update.Err})
}

func (s *Session) clearTyping() {
	if gone := s.typing.Retain(nil); len(gone) > 0 {
		s.emitTyping()
	}
}

func (s *Session) emitTyping() {
	users := s.typing.Users()
	s.emit(TypingChanged{Users: users, Label: presence.TypingLabel(users)})
}

func (s *Session) handleEnvelope(env protocol.Envelope) {
	switch m := env.(type) {
	case *protocol.PublicText:
		at := m.Timestamp
		if at.IsZero() {
			at = s.clock.Now()
		}
		s.emit(MessageReceived{From: m.Username, Text: m.Message, Timestamp: at})

	case *protocol.Typing:
		if m.Username == s.username {
			return
		}
		if s.typing.Apply(m.Username, m.IsTyping) {
			s.emitTyping()
		}

	case *protocol.UserList:
		s.handleUserList(m.Users)

	case *protocol.History:
		s.emit(HistoryReceived{UserMessages: m.UserMessages})

	case *protocol.Settings:
		s.registered = true
		if m.Username != "" && m.Username != s.username {
			s.username = m.Username
			s.conn.SetGreeting(&protocol.UsernameAnnounce{Username: s.username})
		}
		if s.opts.State != nil {
			if err := s.opts.State.SetLastUsername(s.username); err != nil {
				s.logf("Failed to save username: %v", err)
			}
		}
		s.emit(SettingsReceived{Theme: m.Theme, Username: m.Username})

	case *protocol.Notice:
		s.emit(NoticeReceived{Text: m.Message})

	case *protocol.Error:
		s.localError(&ServerError{Code: m.Code, Message: m.Message})

	case *protocol.KeyRequest:
		if m.Requester == "" || m.Requester == s.username {
			return
		}
		resp, err := s.keys.HandleKeyRequest(s.username, &s.key.PublicKey, m.Requester)
		if err != nil {
			s.localError(err)
			return
		}
		if err := s.send(resp); err != nil {
			s.localError(err)
		}

	case *protocol.KeyResponse:
		pub, err := s.keys.HandleKeyResponse(m.Sender, m.PublicKey)
		if err != nil {
			s.localError(fmt.Errorf("key from %s: %w", m.Sender, err))
			return
		}
		s.emit(KeyReceived{Username: m.Sender})

		pending := s.queued[m.Sender]
		delete(s.queued, m.Sender)
		for _, text := range pending {
			s.sealAndSend(m.Sender, pub, text)
		}

	case *protocol.PrivateMessage:
		text, err := e2e.OpenPrivateMessage(s.key, m)
		if err != nil {
			s.localError(fmt.Errorf("private message from %s: %w", m.Sender, err))
			return
		}
		s.emit(MessageReceived{From: m.Sender, To: m.Recipient, Text: text, Private: true, Timestamp: s.clock.Now()})

	default:
		s.logf("Ignoring %s envelope", env.Kind())
	}
}

func (s *Session) handleUserList(users []string) {
	previous := s.users
	s.users = slices.Clone(users)
	if s.users == nil {
		s.users = []string{}
	}

	// A departed user may come back with a different key pair
	for _, name := range lo.Without(previous, users...) {
		s.keys.Forget(name)
		if dropped := len(s.queued[name]); dropped > 0 {
			delete(s.queued, name)
			s.localError(fmt.Errorf("%w: %s left before their key arrived, %d message(s) not sent", ErrUnknownRecipient, name, dropped))
		}
	}

	if gone := s.typing.Retain(users); len(gone) > 0 {
		s.emitTyping()
	}
	s.emit(UserListChanged{Users: slices.Clone(s.users)})
}

// serverKey strips the scheme so connection history is keyed by host:port
func serverKey(address string) string {
	if !strings.Contains(address, "://") {
		return address
	}
	u, err := url.Parse(address)
	if err != nil || u.Host == "" {
		return address
	}
	return u.Host
}
