package server

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/aeolun/cipherchat/pkg/database"
	"github.com/aeolun/cipherchat/pkg/protocol"
	"github.com/benbjohnson/clock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakeStore records saves and serves canned history and themes
type fakeStore struct {
	mu      sync.Mutex
	saved   []database.MessageRecord
	recent  map[string][]database.MessageRecord
	themes  map[string]string
	seen    []string
	limitIn int
}

func newFakeStore() *fakeStore {
	return &fakeStore{
		recent: map[string][]database.MessageRecord{},
		themes: map[string]string{},
	}
}

func (f *fakeStore) SaveMessage(_ context.Context, rec database.MessageRecord) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.saved = append(f.saved, rec)
	return nil
}

func (f *fakeStore) RecentMessages(_ context.Context, limit int) (map[string][]database.MessageRecord, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.limitIn = limit
	return f.recent, nil
}

func (f *fakeStore) Close() error { return nil }

func (f *fakeStore) UserTheme(_ context.Context, username string) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if theme, ok := f.themes[username]; ok {
		return theme, nil
	}
	return "default", nil
}

func (f *fakeStore) UserSeen(_ context.Context, username string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.seen = append(f.seen, username)
}

type dispatcherFixture struct {
	registry   *Registry
	dispatcher *Dispatcher
	store      *fakeStore
	clock      *clock.Mock
}

func newDispatcherFixture() *dispatcherFixture {
	registry := NewRegistry()
	store := newFakeStore()
	clk := clock.NewMock()
	clk.Set(time.Date(2024, 6, 1, 12, 0, 0, 0, time.UTC))

	return &dispatcherFixture{
		registry:   registry,
		dispatcher: NewDispatcher(registry, store, store, DefaultConfig(), nil, clk),
		store:      store,
		clock:      clk,
	}
}

// join runs a successful handshake and drains the joiner's welcome envelopes
func (f *dispatcherFixture) join(t *testing.T, name string) (*Conn, *pipePeer) {
	t.Helper()
	c, p := newPipeConn(t)
	require.NoError(t, f.dispatcher.Dispatch(context.Background(), c, &protocol.UsernameAnnounce{Username: name}))

	p.expect(t, protocol.KindNotice)
	p.expect(t, protocol.KindSettings)
	p.expect(t, protocol.KindUserList)
	p.expect(t, protocol.KindHistory)
	for {
		env := p.next(t)
		if env.Kind() == protocol.KindUserList {
			return c, p
		}
		require.Equal(t, protocol.KindTypingStart, env.Kind())
	}
}

func TestDispatchHandshakeSequence(t *testing.T) {
	f := newDispatcherFixture()
	f.store.themes["alice"] = "dark"
	f.store.recent["bob"] = []database.MessageRecord{
		{Username: "bob", Message: "earlier", CreatedAt: time.Date(2024, 5, 31, 9, 30, 0, 0, time.UTC), MessageType: "text"},
	}

	_, bobPeer := f.join(t, "bob")

	alice, alicePeer := newPipeConn(t)
	require.NoError(t, f.dispatcher.Dispatch(context.Background(), alice, &protocol.UsernameAnnounce{Username: "alice"}))

	welcome := alicePeer.expect(t, protocol.KindNotice).(*protocol.Notice)
	assert.Equal(t, "Welcome to the chat, alice!", welcome.Message)

	settings := alicePeer.expect(t, protocol.KindSettings).(*protocol.Settings)
	assert.Equal(t, "dark", settings.Theme)
	assert.Equal(t, "alice", settings.Username)

	list := alicePeer.expect(t, protocol.KindUserList).(*protocol.UserList)
	assert.Equal(t, []string{"bob", "alice"}, list.Users)

	history := alicePeer.expect(t, protocol.KindHistory).(*protocol.History)
	require.Len(t, history.UserMessages["bob"], 1)
	assert.Equal(t, "earlier", history.UserMessages["bob"][0].Message)
	assert.Equal(t, "2024-05-31 09:30:00", history.UserMessages["bob"][0].Timestamp)
	assert.Equal(t, 10, f.store.limitIn)

	alicePeer.expect(t, protocol.KindUserList)

	joined := bobPeer.expect(t, protocol.KindNotice).(*protocol.Notice)
	assert.Equal(t, "alice has joined the chat!", joined.Message)
	list = bobPeer.expect(t, protocol.KindUserList).(*protocol.UserList)
	assert.Equal(t, []string{"bob", "alice"}, list.Users)
}

func TestDispatchRejectsInvalidUsername(t *testing.T) {
	f := newDispatcherFixture()

	for _, name := range []string{"", "has space", "way-too-long-username-for-this-chat-server", "semi;colon"} {
		c, p := newPipeConn(t)
		require.NoError(t, f.dispatcher.Dispatch(context.Background(), c, &protocol.UsernameAnnounce{Username: name}))

		e := p.expect(t, protocol.KindError).(*protocol.Error)
		assert.Equal(t, uint16(protocol.ErrCodeInvalidUsername), e.Code, name)
		assert.Equal(t, "", c.Username())
	}
	assert.Equal(t, 0, f.registry.Len())
}

func TestDispatchRejectsDuplicateUsername(t *testing.T) {
	f := newDispatcherFixture()
	f.join(t, "alice")

	c, p := newPipeConn(t)
	require.NoError(t, f.dispatcher.Dispatch(context.Background(), c, &protocol.UsernameAnnounce{Username: "alice"}))

	e := p.expect(t, protocol.KindError).(*protocol.Error)
	assert.Equal(t, uint16(protocol.ErrCodeUsernameTaken), e.Code)

	// The connection may retry with another name
	require.NoError(t, f.dispatcher.Dispatch(context.Background(), c, &protocol.UsernameAnnounce{Username: "alice2"}))
	p.expect(t, protocol.KindNotice)
	assert.Equal(t, "alice2", c.Username())
}

func TestDispatchRejectsSecondAnnouncement(t *testing.T) {
	f := newDispatcherFixture()
	c, p := f.join(t, "alice")

	require.NoError(t, f.dispatcher.Dispatch(context.Background(), c, &protocol.UsernameAnnounce{Username: "alice"}))
	e := p.expect(t, protocol.KindError).(*protocol.Error)
	assert.Equal(t, uint16(protocol.ErrCodeAlreadyRegistered), e.Code)
}

func TestDispatchRequiresHandshake(t *testing.T) {
	f := newDispatcherFixture()
	_, alicePeer := f.join(t, "alice")

	c, p := newPipeConn(t)
	require.NoError(t, f.dispatcher.Dispatch(context.Background(), c, &protocol.PublicText{Username: "ghost", Message: "boo"}))

	e := p.expect(t, protocol.KindError).(*protocol.Error)
	assert.Equal(t, uint16(protocol.ErrCodeHandshakeRequired), e.Code)
	alicePeer.expectNone(t, 50*time.Millisecond)
	assert.Empty(t, f.store.saved)
}

func TestDispatchPublicText(t *testing.T) {
	f := newDispatcherFixture()
	alice, alicePeer := f.join(t, "alice")
	_, bobPeer := f.join(t, "bob")
	alicePeer.expect(t, protocol.KindNotice)
	alicePeer.expect(t, protocol.KindUserList)

	// The claimed username is replaced by the bound one
	require.NoError(t, f.dispatcher.Dispatch(context.Background(), alice, &protocol.PublicText{Username: "mallory", Message: "hi all"}))

	got := bobPeer.expect(t, protocol.KindPublicText).(*protocol.PublicText)
	assert.Equal(t, "alice", got.Username)
	assert.Equal(t, "hi all", got.Message)
	assert.WithinDuration(t, f.clock.Now(), got.Timestamp, 0)
	alicePeer.expectNone(t, 50*time.Millisecond)

	require.Len(t, f.store.saved, 1)
	assert.Equal(t, "alice", f.store.saved[0].Username)
	assert.Equal(t, "text", f.store.saved[0].MessageType)
}

func TestDispatchTypingOnlyOnChange(t *testing.T) {
	f := newDispatcherFixture()
	alice, _ := f.join(t, "alice")
	_, bobPeer := f.join(t, "bob")
	ctx := context.Background()

	require.NoError(t, f.dispatcher.Dispatch(ctx, alice, &protocol.Typing{IsTyping: true}))
	require.NoError(t, f.dispatcher.Dispatch(ctx, alice, &protocol.Typing{IsTyping: true}))

	got := bobPeer.expect(t, protocol.KindTypingStart).(*protocol.Typing)
	assert.Equal(t, "alice", got.Username)
	bobPeer.expectNone(t, 50*time.Millisecond)

	require.NoError(t, f.dispatcher.Dispatch(ctx, alice, &protocol.Typing{IsTyping: false}))
	bobPeer.expect(t, protocol.KindTypingStop)
}

func TestDispatchJoinerSeesCurrentTypists(t *testing.T) {
	f := newDispatcherFixture()
	alice, _ := f.join(t, "alice")
	require.NoError(t, f.dispatcher.Dispatch(context.Background(), alice, &protocol.Typing{IsTyping: true}))

	c, p := newPipeConn(t)
	require.NoError(t, f.dispatcher.Dispatch(context.Background(), c, &protocol.UsernameAnnounce{Username: "bob"}))
	p.expect(t, protocol.KindNotice)
	p.expect(t, protocol.KindSettings)
	p.expect(t, protocol.KindUserList)
	p.expect(t, protocol.KindHistory)
	typing := p.expect(t, protocol.KindTypingStart).(*protocol.Typing)
	assert.Equal(t, "alice", typing.Username)
	p.expect(t, protocol.KindUserList)
}

func TestDispatchDirectedKinds(t *testing.T) {
	f := newDispatcherFixture()
	alice, alicePeer := f.join(t, "alice")
	bob, bobPeer := f.join(t, "bob")
	alicePeer.expect(t, protocol.KindNotice)
	alicePeer.expect(t, protocol.KindUserList)
	ctx := context.Background()

	require.NoError(t, f.dispatcher.Dispatch(ctx, alice, &protocol.KeyRequest{Requester: "spoof", Target: "bob"}))
	req := bobPeer.expect(t, protocol.KindKeyRequest).(*protocol.KeyRequest)
	assert.Equal(t, "alice", req.Requester)

	require.NoError(t, f.dispatcher.Dispatch(ctx, bob, &protocol.KeyResponse{Recipient: "alice", PublicKey: "PEM"}))
	resp := alicePeer.expect(t, protocol.KindKeyResponse).(*protocol.KeyResponse)
	assert.Equal(t, "bob", resp.Sender)
	assert.Equal(t, "PEM", resp.PublicKey)

	pm := &protocol.PrivateMessage{Recipient: "bob", EncryptedKey: "k", IV: "iv", EncryptedMessage: "ct", Cipher: "xchacha20-poly1305"}
	require.NoError(t, f.dispatcher.Dispatch(ctx, alice, pm))
	got := bobPeer.expect(t, protocol.KindPrivateMessage).(*protocol.PrivateMessage)
	assert.Equal(t, "alice", got.Sender)
	assert.Equal(t, "ct", got.EncryptedMessage)
	assert.Equal(t, "xchacha20-poly1305", got.Cipher)

	// Directed kinds never reach anyone else and are not stored
	alicePeer.expectNone(t, 50*time.Millisecond)
	assert.Empty(t, f.store.saved)
}

func TestDispatchDropsUnavailableRecipient(t *testing.T) {
	f := newDispatcherFixture()
	alice, alicePeer := f.join(t, "alice")

	require.NoError(t, f.dispatcher.Dispatch(context.Background(), alice, &protocol.KeyRequest{Target: "nobody"}))
	require.NoError(t, f.dispatcher.Dispatch(context.Background(), alice, &protocol.PrivateMessage{Recipient: "nobody"}))
	alicePeer.expectNone(t, 50*time.Millisecond)
}

func TestDispatchIgnoresServerOnlyKinds(t *testing.T) {
	f := newDispatcherFixture()
	alice, _ := f.join(t, "alice")
	_, bobPeer := f.join(t, "bob")

	for _, env := range []protocol.Envelope{
		&protocol.UserList{Users: []string{"x"}},
		&protocol.History{},
		&protocol.Settings{Theme: "x"},
		&protocol.Notice{Message: "fake"},
		&protocol.Error{Code: 1},
	} {
		require.NoError(t, f.dispatcher.Dispatch(context.Background(), alice, env))
	}
	bobPeer.expectNone(t, 50*time.Millisecond)
}

func TestDepart(t *testing.T) {
	f := newDispatcherFixture()
	alice, _ := f.join(t, "alice")
	_, bobPeer := f.join(t, "bob")
	ctx := context.Background()

	require.NoError(t, f.dispatcher.Dispatch(ctx, alice, &protocol.Typing{IsTyping: true}))
	bobPeer.expect(t, protocol.KindTypingStart)

	name, removed := f.registry.Unregister(alice)
	require.True(t, removed)
	f.dispatcher.Depart(ctx, name)

	stop := bobPeer.expect(t, protocol.KindTypingStop).(*protocol.Typing)
	assert.Equal(t, "alice", stop.Username)
	left := bobPeer.expect(t, protocol.KindNotice).(*protocol.Notice)
	assert.Equal(t, "alice has left the chat!", left.Message)
	list := bobPeer.expect(t, protocol.KindUserList).(*protocol.UserList)
	assert.Equal(t, []string{"bob"}, list.Users)
	bobPeer.expectNone(t, 50*time.Millisecond)

	assert.Equal(t, []string{"alice"}, f.store.seen)
}

// Concurrent joins and departures leave every peer holding the newest list
func TestDispatchUserListsEndOnNewestSnapshot(t *testing.T) {
	f := newDispatcherFixture()
	_, watcher := f.join(t, "watcher")
	ctx := context.Background()

	var wg sync.WaitGroup
	for i := 0; i < 10; i++ {
		c, _ := newPipeConn(t)
		name := fmt.Sprintf("user%d", i)
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := f.dispatcher.Dispatch(ctx, c, &protocol.UsernameAnnounce{Username: name}); err != nil {
				return
			}
			if left, removed := f.registry.Unregister(c); removed {
				f.dispatcher.Depart(ctx, left)
			}
		}()
	}
	wg.Wait()

	var last *protocol.UserList
	for {
		select {
		case env := <-watcher.envs:
			if list, ok := env.(*protocol.UserList); ok {
				last = list
			}
		case <-time.After(200 * time.Millisecond):
			require.NotNil(t, last)
			assert.Equal(t, []string{"watcher"}, last.Users)
			return
		}
	}
}

func TestValidateUsername(t *testing.T) {
	for _, ok := range []string{"a", "alice", "Bob_99", "x.y-z", "abcdefghijklmnopqrstuvwxyz012345"} {
		assert.NoError(t, ValidateUsername(ok), ok)
	}
	for _, bad := range []string{"", " ", "a b", "ümlaut", "abcdefghijklmnopqrstuvwxyz0123456", "x:y"} {
		assert.ErrorIs(t, ValidateUsername(bad), ErrInvalidUsername, bad)
	}
}
