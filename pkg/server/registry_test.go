package server

import (
	"errors"
	"fmt"
	"net"
	"slices"
	"testing"
	"time"

	"github.com/aeolun/cipherchat/pkg/protocol"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"pgregory.net/rapid"
)

func TestRegistryRegisterAndLookup(t *testing.T) {
	r := NewRegistry()
	alice, _ := newPipeConn(t)
	bob, _ := newPipeConn(t)

	require.NoError(t, r.Register(alice, "alice"))
	require.NoError(t, r.Register(bob, "bob"))

	got, ok := r.Lookup("alice")
	require.True(t, ok)
	assert.Same(t, alice, got)
	assert.Equal(t, "alice", alice.Username())
	assert.Equal(t, []string{"alice", "bob"}, r.Snapshot())
	assert.Equal(t, 2, r.Len())

	_, ok = r.Lookup("carol")
	assert.False(t, ok)
}

func TestRegistryRejectsDuplicates(t *testing.T) {
	r := NewRegistry()
	first, _ := newPipeConn(t)
	second, _ := newPipeConn(t)

	require.NoError(t, r.Register(first, "alice"))
	assert.ErrorIs(t, r.Register(second, "alice"), ErrDuplicateUsername)
	assert.Equal(t, "", second.Username())

	assert.ErrorIs(t, r.Register(first, "alice2"), ErrAlreadyRegistered)

	got, _ := r.Lookup("alice")
	assert.Same(t, first, got)
}

func TestRegistryUnregisterOnce(t *testing.T) {
	r := NewRegistry()
	c, _ := newPipeConn(t)
	require.NoError(t, r.Register(c, "alice"))

	name, removed := r.Unregister(c)
	assert.True(t, removed)
	assert.Equal(t, "alice", name)

	_, removed = r.Unregister(c)
	assert.False(t, removed, "second unregister must not report a removal")

	_, ok := r.Lookup("alice")
	assert.False(t, ok)
	assert.Empty(t, r.Snapshot())

	// The name is free again
	other, _ := newPipeConn(t)
	assert.NoError(t, r.Register(other, "alice"))
}

func TestRegistryUnregisterUnknown(t *testing.T) {
	r := NewRegistry()
	c, _ := newPipeConn(t)

	_, removed := r.Unregister(c)
	assert.False(t, removed)
}

func TestRegistrySnapshotIsCopy(t *testing.T) {
	r := NewRegistry()
	c, _ := newPipeConn(t)
	require.NoError(t, r.Register(c, "alice"))

	snap := r.Snapshot()
	snap[0] = "mallory"

	assert.Equal(t, []string{"alice"}, r.Snapshot())
}

func TestRegistryBroadcastExcludesSender(t *testing.T) {
	r := NewRegistry()
	const n = 5

	conns := make([]*Conn, n)
	peers := make([]*pipePeer, n)
	for i := range conns {
		conns[i], peers[i] = newPipeConn(t)
		require.NoError(t, r.Register(conns[i], fmt.Sprintf("user%d", i)))
	}

	msg := &protocol.PublicText{Username: "user0", Message: "hello"}

	assert.Equal(t, n-1, r.Broadcast(msg, conns[0]))
	for i := 1; i < n; i++ {
		got := peers[i].expect(t, protocol.KindPublicText).(*protocol.PublicText)
		assert.Equal(t, "hello", got.Message)
	}
	peers[0].expectNone(t, 50*time.Millisecond)

	assert.Equal(t, n, r.Broadcast(&protocol.Notice{Message: "all"}, nil))
	for i := 0; i < n; i++ {
		peers[i].expect(t, protocol.KindNotice)
	}
}

func TestRegistryBroadcastSkipsUnregistered(t *testing.T) {
	r := NewRegistry()
	alice, _ := newPipeConn(t)
	_, lurkerPeer := newPipeConn(t)
	require.NoError(t, r.Register(alice, "alice"))

	assert.Equal(t, 1, r.Broadcast(&protocol.Notice{Message: "x"}, nil))
	lurkerPeer.expectNone(t, 50*time.Millisecond)
}

func TestRegistryBroadcastWriteFailure(t *testing.T) {
	r := NewRegistry()
	failed := make(chan *Conn, 4)
	r.SetFailureHandler(func(c *Conn) { failed <- c })

	alice, alicePeer := newPipeConn(t)
	bob, bobPeer := newPipeConn(t)
	require.NoError(t, r.Register(alice, "alice"))
	require.NoError(t, r.Register(bob, "bob"))

	// Bob's side goes away; writes to him now fail
	bobPeer.raw.Close()

	assert.Equal(t, 1, r.Broadcast(&protocol.Notice{Message: "still here"}, nil))
	alicePeer.expect(t, protocol.KindNotice)

	select {
	case c := <-failed:
		assert.Same(t, bob, c)
	case <-time.After(2 * time.Second):
		t.Fatal("failure handler was not called")
	}
}

func TestRegistrySendTo(t *testing.T) {
	r := NewRegistry()
	alice, alicePeer := newPipeConn(t)
	require.NoError(t, r.Register(alice, "alice"))

	require.NoError(t, r.SendTo("alice", &protocol.KeyRequest{Requester: "bob", Target: "alice"}))
	got := alicePeer.expect(t, protocol.KindKeyRequest).(*protocol.KeyRequest)
	assert.Equal(t, "bob", got.Requester)

	assert.ErrorIs(t, r.SendTo("nobody", &protocol.Notice{Message: "x"}), ErrRecipientUnavailable)
}

func TestRegistryCloseAll(t *testing.T) {
	r := NewRegistry()
	c, _ := newPipeConn(t)
	require.NoError(t, r.Register(c, "alice"))

	r.CloseAll()

	assert.Error(t, c.WriteRaw([]byte{0}))
}

// Lookup, Snapshot and Len agree with a simple model under any sequence of
// registrations and removals
func TestRegistryModel(t *testing.T) {
	names := []string{"alice", "bob", "carol", "dave"}

	rapid.Check(t, func(rt *rapid.T) {
		r := NewRegistry()

		conns := make([]*Conn, 6)
		for i := range conns {
			a, b := net.Pipe()
			defer a.Close()
			defer b.Close()
			conns[i] = NewConn(a, "pipe", 0)
		}

		owner := map[string]*Conn{}
		var order []string

		steps := rapid.IntRange(1, 40).Draw(rt, "steps")
		for i := 0; i < steps; i++ {
			c := conns[rapid.IntRange(0, len(conns)-1).Draw(rt, "conn")]

			if rapid.Bool().Draw(rt, "register") {
				name := rapid.SampledFrom(names).Draw(rt, "name")
				before := c.Username()
				_, taken := owner[name]

				err := r.Register(c, name)
				switch {
				case before != "":
					if !errors.Is(err, ErrAlreadyRegistered) {
						rt.Fatalf("re-register returned %v", err)
					}
				case taken:
					if !errors.Is(err, ErrDuplicateUsername) {
						rt.Fatalf("register of taken name %q returned %v", name, err)
					}
				default:
					if err != nil {
						rt.Fatalf("register %q failed: %v", name, err)
					}
					owner[name] = c
					order = append(order, name)
				}
			} else {
				name, removed := r.Unregister(c)
				if removed {
					if owner[name] != c {
						rt.Fatalf("removed %q from a connection that did not own it", name)
					}
					delete(owner, name)
					order = slices.DeleteFunc(order, func(n string) bool { return n == name })
				}
			}

			for _, name := range names {
				got, ok := r.Lookup(name)
				want, wantOK := owner[name]
				if ok != wantOK || got != want {
					rt.Fatalf("Lookup(%q) = %p,%v want %p,%v", name, got, ok, want, wantOK)
				}
			}
			if !slices.Equal(r.Snapshot(), order) {
				rt.Fatalf("Snapshot() = %v want %v", r.Snapshot(), order)
			}
			if r.Len() != len(owner) {
				rt.Fatalf("Len() = %d want %d", r.Len(), len(owner))
			}
		}
	})
}
