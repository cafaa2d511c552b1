package client

import (
	"crypto/rsa"
	"fmt"
	"io"
	"log"
	"net"
	"net/url"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/aeolun/cipherchat/pkg/e2e"
	"github.com/aeolun/cipherchat/pkg/protocol"
	"github.com/aeolun/cipherchat/pkg/server"
	"github.com/benbjohnson/clock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/crypto/ssh"
)

func init() {
	log.SetOutput(io.Discard)
}

// Small keys keep the tests fast; the wrapped session key still fits OAEP
var (
	testKeysOnce sync.Once
	testKeys     []*rsa.PrivateKey
	testKeyNext  int
	testKeyMu    sync.Mutex
)

func testKey(t *testing.T) *rsa.PrivateKey {
	t.Helper()
	testKeysOnce.Do(func() {
		for i := 0; i < 4; i++ {
			key, err := e2e.GenerateKeyPair(1024)
			if err != nil {
				panic(err)
			}
			testKeys = append(testKeys, key)
		}
	})
	testKeyMu.Lock()
	defer testKeyMu.Unlock()
	key := testKeys[testKeyNext%len(testKeys)]
	testKeyNext++
	return key
}

func startRelay(t *testing.T, mutate func(*server.ServerConfig)) *server.Server {
	t.Helper()

	cfg := server.DefaultConfig()
	cfg.BindAddr = "127.0.0.1"
	cfg.TCPPort = 0
	cfg.HTTPPort = -1
	cfg.SSHPort = -1
	cfg.WriteTimeout = 2 * time.Second
	if mutate != nil {
		mutate(&cfg)
	}

	srv := server.NewServer(cfg, nil)
	require.NoError(t, srv.Start())
	t.Cleanup(func() { srv.Stop() })
	return srv
}

func newTestSession(t *testing.T, mutate func(*SessionOptions)) *Session {
	t.Helper()

	opts := SessionOptions{PrivateKey: testKey(t)}
	if mutate != nil {
		mutate(&opts)
	}
	s, err := NewSession(opts)
	require.NoError(t, err)
	t.Cleanup(s.Close)
	return s
}

// waitFor reads events until one of type T satisfies match
func waitFor[T Event](t *testing.T, s *Session, match func(T) bool) T {
	t.Helper()
	deadline := time.After(3 * time.Second)
	for {
		select {
		case ev, ok := <-s.Events():
			require.True(t, ok, "event stream closed")
			if got, ok := ev.(T); ok && (match == nil || match(got)) {
				return got
			}
		case <-deadline:
			var zero T
			t.Fatalf("timed out waiting for %T", zero)
			return zero
		}
	}
}

// join connects s as username and waits for the relay's settings
func join(t *testing.T, s *Session, addr, username string) {
	t.Helper()
	require.NoError(t, s.Submit(Connect{Address: addr, Username: username}))
	waitFor(t, s, func(ev SettingsReceived) bool { return ev.Username == username })
}

func waitForUsers(t *testing.T, s *Session, users ...string) {
	t.Helper()
	waitFor(t, s, func(ev UserListChanged) bool { return assert.ObjectsAreEqual(users, ev.Users) })
}

func TestSessionPublicMessage(t *testing.T) {
	srv := startRelay(t, nil)
	alice := newTestSession(t, nil)
	bob := newTestSession(t, nil)

	join(t, alice, srv.Addr(), "alice")
	join(t, bob, srv.Addr(), "bob")
	waitForUsers(t, alice, "alice", "bob")

	require.NoError(t, alice.Submit(SendPublic{Text: "hello"}))

	got := waitFor(t, bob, func(ev MessageReceived) bool { return ev.From == "alice" })
	assert.Equal(t, "hello", got.Text)
	assert.False(t, got.Private)
	assert.Equal(t, "alice: hello", FormatMessage(got))
	assert.False(t, got.Timestamp.IsZero())

	echo := waitFor(t, alice, func(ev MessageReceived) bool { return ev.From == "alice" })
	assert.Equal(t, "hello", echo.Text)
}

func TestSessionPrivateMessageWaitsForKey(t *testing.T) {
	srv := startRelay(t, nil)
	alice := newTestSession(t, nil)
	bob := newTestSession(t, nil)

	join(t, alice, srv.Addr(), "alice")
	join(t, bob, srv.Addr(), "bob")
	waitForUsers(t, alice, "alice", "bob")

	// No key cached yet: the message is held until bob's key arrives
	require.NoError(t, alice.Submit(SendPrivate{Recipient: "bob", Text: "the eagle lands at dawn"}))

	key := waitFor[KeyReceived](t, alice, nil)
	assert.Equal(t, "bob", key.Username)

	echo := waitFor(t, alice, func(ev MessageReceived) bool { return ev.Private })
	assert.Equal(t, "bob", echo.To)

	got := waitFor(t, bob, func(ev MessageReceived) bool { return ev.Private })
	assert.Equal(t, "alice", got.From)
	assert.Equal(t, "bob", got.To)
	assert.Equal(t, "the eagle lands at dawn", got.Text)
	assert.Equal(t, "[alice → bob] the eagle lands at dawn", FormatMessage(got))

	// With the key cached the second message goes straight out
	require.NoError(t, alice.Submit(SendPrivate{Recipient: "bob", Text: "again"}))
	got = waitFor(t, bob, func(ev MessageReceived) bool { return ev.Private })
	assert.Equal(t, "again", got.Text)
}

func TestSessionPrivateMessageLegacyCipher(t *testing.T) {
	srv := startRelay(t, nil)
	alice := newTestSession(t, func(o *SessionOptions) { o.Scheme = e2e.SchemeAESCFB })
	bob := newTestSession(t, nil)

	join(t, alice, srv.Addr(), "alice")
	join(t, bob, srv.Addr(), "bob")
	waitForUsers(t, alice, "alice", "bob")

	require.NoError(t, alice.Submit(SendPrivate{Recipient: "bob", Text: "cfb still works"}))
	got := waitFor(t, bob, func(ev MessageReceived) bool { return ev.Private })
	assert.Equal(t, "cfb still works", got.Text)
}

func TestSessionPrivateMessageErrors(t *testing.T) {
	srv := startRelay(t, nil)
	alice := newTestSession(t, nil)
	join(t, alice, srv.Addr(), "alice")
	waitForUsers(t, alice, "alice")

	require.NoError(t, alice.Submit(SendPrivate{Recipient: "alice", Text: "hi me"}))
	e := waitFor[LocalError](t, alice, nil)
	assert.ErrorIs(t, e.Err, ErrSelfMessage)

	require.NoError(t, alice.Submit(SendPrivate{Recipient: "nobody", Text: "hello?"}))
	e = waitFor[LocalError](t, alice, nil)
	assert.ErrorIs(t, e.Err, ErrUnknownRecipient)
}

func TestSessionNotConnected(t *testing.T) {
	s := newTestSession(t, nil)

	require.NoError(t, s.Submit(SendPublic{Text: "anyone?"}))
	e := waitFor[LocalError](t, s, nil)
	assert.ErrorIs(t, e.Err, ErrNotConnected)

	require.NoError(t, s.Submit(Connect{Address: "127.0.0.1:1", Username: " "}))
	e = waitFor[LocalError](t, s, nil)
	assert.ErrorIs(t, e.Err, ErrUsernameRequired)
}

func TestSessionDialFailure(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	addr := ln.Addr().String()
	ln.Close()

	s := newTestSession(t, nil)
	require.NoError(t, s.Submit(Connect{Address: addr, Username: "alice"}))

	changed := waitFor[ConnectionChanged](t, s, nil)
	assert.Equal(t, StateTypeDisconnected, changed.State)
	assert.Error(t, changed.Err)
}

func TestSessionDuplicateUsername(t *testing.T) {
	srv := startRelay(t, nil)
	first := newTestSession(t, nil)
	second := newTestSession(t, nil)

	join(t, first, srv.Addr(), "alice")
	require.NoError(t, second.Submit(Connect{Address: srv.Addr(), Username: "alice"}))

	e := waitFor[LocalError](t, second, nil)
	var serverErr *ServerError
	require.ErrorAs(t, e.Err, &serverErr)
	assert.Equal(t, uint16(protocol.ErrCodeUsernameTaken), serverErr.Code)
}

func TestSessionTypingIndicator(t *testing.T) {
	srv := startRelay(t, nil)
	clk := clock.NewMock()
	alice := newTestSession(t, func(o *SessionOptions) { o.Clock = clk })
	bob := newTestSession(t, nil)

	join(t, alice, srv.Addr(), "alice")
	join(t, bob, srv.Addr(), "bob")
	waitForUsers(t, alice, "alice", "bob")

	require.NoError(t, alice.Submit(SetTyping{Input: "h"}))
	got := waitFor(t, bob, func(ev TypingChanged) bool { return len(ev.Users) == 1 })
	assert.Equal(t, []string{"alice"}, got.Users)
	assert.Equal(t, "alice is typing...", got.Label)

	// Idle past the debounce window
	require.Eventually(t, func() bool {
		clk.Add(time.Second)
		select {
		case ev := <-bob.Events():
			if tc, ok := ev.(TypingChanged); ok {
				return len(tc.Users) == 0 && tc.Label == ""
			}
		default:
		}
		return false
	}, 3*time.Second, 20*time.Millisecond)
}

func TestSessionSendResetsTyping(t *testing.T) {
	srv := startRelay(t, nil)
	alice := newTestSession(t, nil)
	bob := newTestSession(t, nil)

	join(t, alice, srv.Addr(), "alice")
	join(t, bob, srv.Addr(), "bob")
	waitForUsers(t, alice, "alice", "bob")

	require.NoError(t, alice.Submit(SetTyping{Input: "hel"}))
	waitFor(t, bob, func(ev TypingChanged) bool { return len(ev.Users) == 1 })

	require.NoError(t, alice.Submit(SendPublic{Text: "hello"}))
	waitFor(t, bob, func(ev MessageReceived) bool { return ev.Text == "hello" })
	waitFor(t, bob, func(ev TypingChanged) bool { return len(ev.Users) == 0 })
}

func TestSessionDeparture(t *testing.T) {
	srv := startRelay(t, nil)
	alice := newTestSession(t, nil)
	bob := newTestSession(t, nil)

	join(t, alice, srv.Addr(), "alice")
	join(t, bob, srv.Addr(), "bob")
	waitForUsers(t, bob, "alice", "bob")

	require.NoError(t, alice.Submit(SetTyping{Input: "typing away"}))
	waitFor(t, bob, func(ev TypingChanged) bool { return len(ev.Users) == 1 })

	require.NoError(t, alice.Submit(Disconnect{}))
	changed := waitFor[ConnectionChanged](t, alice, nil)
	assert.Equal(t, StateTypeDisconnected, changed.State)

	waitFor(t, bob, func(ev TypingChanged) bool { return len(ev.Users) == 0 })
	notice := waitFor[NoticeReceived](t, bob, nil)
	assert.Equal(t, "alice has left the chat!", notice.Text)
	waitForUsers(t, bob, "bob")
}

func TestSessionReceivesHistoryAndWelcome(t *testing.T) {
	srv := startRelay(t, nil)
	s := newTestSession(t, nil)

	require.NoError(t, s.Submit(Connect{Address: srv.Addr(), Username: "alice"}))

	connected := waitFor[ConnectionChanged](t, s, nil)
	assert.Equal(t, StateTypeConnected, connected.State)

	welcome := waitFor[NoticeReceived](t, s, nil)
	assert.Equal(t, "Welcome to the chat, alice!", welcome.Text)

	settings := waitFor[SettingsReceived](t, s, nil)
	assert.Equal(t, "default", settings.Theme)

	history := waitFor[HistoryReceived](t, s, nil)
	assert.NotNil(t, history.UserMessages)
}

func TestSessionRecordsState(t *testing.T) {
	srv := startRelay(t, nil)
	state := NewMockState()
	s := newTestSession(t, func(o *SessionOptions) { o.State = state })

	join(t, s, "tcp://"+srv.Addr(), "alice")

	assert.Equal(t, "alice", state.GetLastUsername())
	method, err := state.GetLastSuccessfulMethod(srv.Addr())
	require.NoError(t, err)
	assert.Equal(t, "tcp", method)
}

func TestSessionWebSocket(t *testing.T) {
	srv := startRelay(t, func(cfg *server.ServerConfig) { cfg.HTTPPort = 0 })
	alice := newTestSession(t, nil)
	bob := newTestSession(t, nil)

	join(t, alice, "ws://"+srv.HTTPAddr()+"/ws", "alice")
	join(t, bob, srv.Addr(), "bob")
	waitForUsers(t, alice, "alice", "bob")

	require.NoError(t, bob.Submit(SendPublic{Text: "over tcp"}))
	got := waitFor(t, alice, func(ev MessageReceived) bool { return ev.From == "bob" })
	assert.Equal(t, "over tcp", got.Text)

	require.NoError(t, alice.Submit(SendPrivate{Recipient: "bob", Text: "over ws"}))
	pm := waitFor(t, bob, func(ev MessageReceived) bool { return ev.Private })
	assert.Equal(t, "over ws", pm.Text)
}

func TestSessionSSH(t *testing.T) {
	hostKeyPath := filepath.Join(t.TempDir(), "host_key")
	srv := startRelay(t, func(cfg *server.ServerConfig) {
		cfg.SSHPort = 0
		cfg.SSHHostKeyPath = hostKeyPath
	})

	// Trust the relay's host key up front
	hostKey, err := e2e.LoadOrCreateKeyPair(hostKeyPath)
	require.NoError(t, err)
	pub, err := ssh.NewPublicKey(&hostKey.PublicKey)
	require.NoError(t, err)
	knownHosts := filepath.Join(t.TempDir(), "known_hosts")
	require.NoError(t, appendKnownHost(knownHosts, srv.SSHAddr(), "test", pub))
	t.Setenv("SSH_KNOWN_HOSTS", knownHosts)

	alice := newTestSession(t, nil)
	bob := newTestSession(t, nil)

	join(t, alice, (&url.URL{Scheme: "ssh", User: url.User("alice"), Host: srv.SSHAddr()}).String(), "alice")
	join(t, bob, srv.Addr(), "bob")
	waitForUsers(t, alice, "alice", "bob")

	require.NoError(t, alice.Submit(SendPublic{Text: "over ssh"}))
	got := waitFor(t, bob, func(ev MessageReceived) bool { return ev.From == "alice" })
	assert.Equal(t, "over ssh", got.Text)
}

func TestSessionCloseStopsEvents(t *testing.T) {
	s, err := NewSession(SessionOptions{PrivateKey: testKey(t)})
	require.NoError(t, err)

	s.Close()
	s.Close()

	assert.ErrorIs(t, s.Submit(SendPublic{Text: "late"}), ErrSessionClosed)
	for range s.Events() {
	}
}

// fakeRelay accepts one connection, completes the handshake, then writes
// the given envelopes verbatim
func fakeRelay(t *testing.T, envs ...protocol.Envelope) string {
	t.Helper()

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	t.Cleanup(func() { ln.Close() })

	go func() {
		conn, err := ln.Accept()
		if err != nil {
			return
		}
		defer conn.Close()

		env, err := protocol.DecodeEnvelope(conn)
		if err != nil {
			return
		}
		announce, ok := env.(*protocol.UsernameAnnounce)
		if !ok {
			return
		}
		if err := protocol.EncodeEnvelope(conn, &protocol.Settings{Theme: "default", Username: announce.Username}); err != nil {
			return
		}
		for _, env := range envs {
			if err := protocol.EncodeEnvelope(conn, env); err != nil {
				return
			}
		}
		io.Copy(io.Discard, conn)
	}()

	return ln.Addr().String()
}

func TestSessionUndecryptablePrivateMessage(t *testing.T) {
	addr := fakeRelay(t,
		&protocol.PrivateMessage{Sender: "mallory", Recipient: "alice", EncryptedKey: "bm9wZQ==", IV: "AAAA", EncryptedMessage: "AAAA", Cipher: e2e.SchemeXChaCha},
		&protocol.PrivateMessage{Sender: "mallory", Recipient: "alice", EncryptedKey: "%%%", IV: "AAAA", EncryptedMessage: "AAAA"},
	)
	s := newTestSession(t, nil)
	join(t, s, addr, "alice")

	for i := 0; i < 2; i++ {
		e := waitFor[LocalError](t, s, nil)
		assert.ErrorIs(t, e.Err, e2e.ErrDecryptionFailed, fmt.Sprint(i))
	}
}

func TestSessionBadKeyMaterial(t *testing.T) {
	addr := fakeRelay(t,
		&protocol.KeyResponse{Sender: "bob", Recipient: "alice", PublicKey: "not a pem block"},
		&protocol.Notice{Message: "still alive"},
	)
	s := newTestSession(t, nil)
	join(t, s, addr, "alice")

	e := waitFor[LocalError](t, s, nil)
	assert.ErrorIs(t, e.Err, e2e.ErrInvalidKeyMaterial)

	notice := waitFor[NoticeReceived](t, s, nil)
	assert.Equal(t, "still alive", notice.Text)
	_, cached := s.keys.CachedKey("bob")
	assert.False(t, cached)
}

// A message sent while the link is down goes out after the re-announce on
// the next socket, never ahead of it
func TestSessionReconnectAnnouncesBeforeQueuedMessages(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	t.Cleanup(func() { ln.Close() })

	dropFirst := make(chan struct{})
	frames := make(chan protocol.Envelope, 8)
	go func() {
		first, err := ln.Accept()
		if err != nil {
			return
		}
		if _, err := protocol.DecodeEnvelope(first); err != nil {
			first.Close()
			return
		}
		protocol.EncodeEnvelope(first, &protocol.Settings{Theme: "default", Username: "alice"})
		<-dropFirst
		first.Close()

		second, err := ln.Accept()
		if err != nil {
			return
		}
		defer second.Close()
		for {
			env, err := protocol.DecodeEnvelope(second)
			if err != nil {
				return
			}
			frames <- env
		}
	}()

	s := newTestSession(t, func(o *SessionOptions) { o.AutoReconnect = true })
	join(t, s, ln.Addr().String(), "alice")

	close(dropFirst)
	waitFor(t, s, func(ev ConnectionChanged) bool { return ev.State == StateTypeDisconnected })
	require.NoError(t, s.Submit(SendPublic{Text: "sent while reconnecting"}))

	next := func() protocol.Envelope {
		select {
		case env := <-frames:
			return env
		case <-time.After(5 * time.Second):
			t.Fatal("timed out waiting for a frame on the new connection")
			return nil
		}
	}

	announce, ok := next().(*protocol.UsernameAnnounce)
	require.True(t, ok, "first frame on the new connection must announce")
	assert.Equal(t, "alice", announce.Username)

	msg, ok := next().(*protocol.PublicText)
	require.True(t, ok, "queued message must follow the announce")
	assert.Equal(t, "sent while reconnecting", msg.Message)
}
