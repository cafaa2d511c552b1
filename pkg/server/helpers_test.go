package server

import (
	"io"
	"log"
	"net"
	"testing"
	"time"

	"github.com/aeolun/cipherchat/pkg/protocol"
	"github.com/stretchr/testify/require"
)

func init() {
	errorLog.SetOutput(io.Discard)
	debugLog.SetOutput(io.Discard)
	log.SetOutput(io.Discard)
}

// pipePeer is the client end of a net.Pipe whose server end is a *Conn.
// A goroutine drains it so server writes never block.
type pipePeer struct {
	raw  net.Conn
	envs chan protocol.Envelope
}

func newPipeConn(t *testing.T) (*Conn, *pipePeer) {
	t.Helper()

	serverEnd, clientEnd := net.Pipe()
	c := NewConn(serverEnd, "pipe", time.Second)
	p := &pipePeer{raw: clientEnd, envs: make(chan protocol.Envelope, 128)}

	go func() {
		defer close(p.envs)
		for {
			env, err := protocol.DecodeEnvelope(clientEnd)
			if err != nil {
				if protocol.IsRecoverable(err) {
					continue
				}
				return
			}
			p.envs <- env
		}
	}()

	t.Cleanup(func() {
		c.Close()
		clientEnd.Close()
	})
	return c, p
}

// next returns the next envelope the server wrote to this peer
func (p *pipePeer) next(t *testing.T) protocol.Envelope {
	t.Helper()
	select {
	case env, ok := <-p.envs:
		require.True(t, ok, "connection closed while waiting for an envelope")
		return env
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for an envelope")
		return nil
	}
}

// expect returns the next envelope and asserts its kind
func (p *pipePeer) expect(t *testing.T, kind protocol.Kind) protocol.Envelope {
	t.Helper()
	env := p.next(t)
	require.Equal(t, kind, env.Kind(), "unexpected envelope %#v", env)
	return env
}

// expectNone asserts nothing arrives within d
func (p *pipePeer) expectNone(t *testing.T, d time.Duration) {
	t.Helper()
	select {
	case env, ok := <-p.envs:
		if ok {
			t.Fatalf("unexpected envelope %s: %#v", env.Kind(), env)
		}
	case <-time.After(d):
	}
}
