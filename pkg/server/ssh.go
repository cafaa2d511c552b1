package server

import (
	"fmt"
	"log"
	"net"
	"os"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/aeolun/cipherchat/pkg/e2e"
	"golang.org/x/crypto/ssh"
)

const sshHandshakeTimeout = 10 * time.Second

// startSSHServer listens for SSH clients. Each accepted "session" channel
// carries the same frame stream as a TCP connection.
func (s *Server) startSSHServer() error {
	hostKey, err := s.loadHostKey()
	if err != nil {
		return fmt.Errorf("failed to load host key: %w", err)
	}

	// Identity comes from the username announcement, not SSH auth
	config := &ssh.ServerConfig{NoClientAuth: true}
	config.ServerVersion = "SSH-2.0-cipherchat"
	config.AddHostKey(hostKey)

	listener, err := s.listen(s.config.SSHPort)
	if err != nil {
		return err
	}
	s.sshListener = listener
	log.Printf("SSH server listening on %s", listener.Addr())

	s.wg.Add(1)
	go s.acceptSSHLoop(listener, config)
	return nil
}

func (s *Server) acceptSSHLoop(listener net.Listener, config *ssh.ServerConfig) {
	defer s.wg.Done()

	for {
		conn, err := listener.Accept()
		if err != nil {
			select {
			case <-s.shutdown:
				return
			default:
				errorLog.Printf("SSH accept error: %v", err)
				continue
			}
		}

		s.wg.Add(1)
		go s.handleSSHConnection(conn, config)
	}
}

// handleSSHConnection serves the first session channel of an SSH connection
// and closes the connection when that session ends
func (s *Server) handleSSHConnection(conn net.Conn, config *ssh.ServerConfig) {
	defer s.wg.Done()
	defer conn.Close()

	// Stop must not wait on a client that never opens a session
	done := make(chan struct{})
	defer close(done)
	go func() {
		select {
		case <-s.shutdown:
			conn.Close()
		case <-done:
		}
	}()

	conn.SetDeadline(time.Now().Add(sshHandshakeTimeout))
	sshConn, chans, reqs, err := ssh.NewServerConn(conn, config)
	if err != nil {
		debugLog.Printf("SSH handshake failed from %s: %v", conn.RemoteAddr(), err)
		return
	}
	defer sshConn.Close()
	conn.SetDeadline(time.Time{})

	go ssh.DiscardRequests(reqs)

	for newChannel := range chans {
		if newChannel.ChannelType() != "session" {
			newChannel.Reject(ssh.UnknownChannelType, "unknown channel type")
			continue
		}

		channel, requests, err := newChannel.Accept()
		if err != nil {
			debugLog.Printf("Could not accept SSH channel: %v", err)
			return
		}
		go acceptSessionRequests(requests)

		s.serveConn(&sshChannelConn{Channel: channel, conn: sshConn}, "ssh")
		return
	}
}

// interactiveRequests are the session requests an ssh(1) client sends
// before its shell; granting them lets the frame stream ride stdin/stdout
var interactiveRequests = map[string]bool{
	"shell":         true,
	"pty-req":       true,
	"env":           true,
	"window-change": true,
}

func acceptSessionRequests(requests <-chan *ssh.Request) {
	for req := range requests {
		if req.WantReply {
			req.Reply(interactiveRequests[req.Type], nil)
		}
	}
}

// sshChannelConn serves a session channel as a net.Conn. Closing it ends
// the whole SSH connection so a blocked Read or Write returns.
type sshChannelConn struct {
	ssh.Channel
	conn ssh.Conn

	mu            sync.Mutex
	writeDeadline time.Time
}

func (c *sshChannelConn) Close() error {
	err := c.conn.Close()
	c.Channel.Close()
	return err
}

// Write enforces the write deadline. A channel has no deadline of its own,
// so a write still blocked on the peer's window when it passes tears the
// connection down.
func (c *sshChannelConn) Write(p []byte) (int, error) {
	c.mu.Lock()
	deadline := c.writeDeadline
	c.mu.Unlock()

	if deadline.IsZero() {
		return c.Channel.Write(p)
	}
	wait := time.Until(deadline)
	if wait <= 0 {
		return 0, os.ErrDeadlineExceeded
	}

	var expired atomic.Bool
	timer := time.AfterFunc(wait, func() {
		expired.Store(true)
		c.conn.Close()
	})
	n, err := c.Channel.Write(p)
	timer.Stop()

	if err != nil && expired.Load() {
		err = os.ErrDeadlineExceeded
	}
	return n, err
}

func (c *sshChannelConn) SetWriteDeadline(t time.Time) error {
	c.mu.Lock()
	c.writeDeadline = t
	c.mu.Unlock()
	return nil
}

func (c *sshChannelConn) SetDeadline(t time.Time) error { return c.SetWriteDeadline(t) }

func (c *sshChannelConn) LocalAddr() net.Addr             { return c.conn.LocalAddr() }
func (c *sshChannelConn) RemoteAddr() net.Addr            { return c.conn.RemoteAddr() }
func (c *sshChannelConn) SetReadDeadline(time.Time) error { return nil }

// loadHostKey loads the configured RSA host key, creating it on first run.
// An empty path uses a throwaway key.
func (s *Server) loadHostKey() (ssh.Signer, error) {
	if strings.TrimSpace(s.config.SSHHostKeyPath) == "" {
		key, err := e2e.GenerateKeyPair(e2e.DefaultKeyBits)
		if err != nil {
			return nil, err
		}
		log.Printf("Using ephemeral SSH host key")
		return ssh.NewSignerFromKey(key)
	}

	keyPath, err := expandHome(s.config.SSHHostKeyPath)
	if err != nil {
		return nil, err
	}
	key, err := e2e.LoadOrCreateKeyPair(keyPath)
	if err != nil {
		return nil, err
	}
	signer, err := ssh.NewSignerFromKey(key)
	if err != nil {
		return nil, fmt.Errorf("failed to use host key %s: %w", keyPath, err)
	}
	log.Printf("Loaded SSH host key %s (%s)", keyPath, ssh.FingerprintSHA256(signer.PublicKey()))
	return signer, nil
}
