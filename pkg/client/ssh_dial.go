package client

import (
	"bufio"
	"errors"
	"fmt"
	"io"
	"net"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"golang.org/x/crypto/ssh"
	"golang.org/x/crypto/ssh/knownhosts"
)

// sshVersionPrefix is the banner every relay SSH listener advertises
const sshVersionPrefix = "SSH-2.0-cipherchat"

var errHostKeyRejected = errors.New("ssh host key rejected")

func defaultSSHUser() string {
	for _, env := range []string{"CIPHERCHAT_SSH_USER", "USER", "USERNAME"} {
		if user := os.Getenv(env); user != "" {
			return user
		}
	}
	return "anonymous"
}

// hostTrust decides whether to accept a relay's SSH host key. Keys listed in
// known_hosts are trusted, mismatches are refused, and unknown keys are
// offered to the user on an interactive terminal.
type hostTrust struct {
	address string
	files   []string
	check   ssh.HostKeyCallback // nil when no known_hosts file exists

	// confirm asks the user whether to trust an unknown key
	confirm func(hostname string, remote net.Addr, fingerprint string) (bool, error)

	mu      sync.Mutex
	pending map[string]ssh.PublicKey // accepted this run, not yet written
}

func newHostTrust(host, port string) *hostTrust {
	t := &hostTrust{
		address: net.JoinHostPort(host, port),
		pending: make(map[string]ssh.PublicKey),
	}
	for _, path := range knownHostPaths() {
		if _, err := os.Stat(path); err == nil {
			t.files = append(t.files, path)
		}
	}
	if len(t.files) > 0 {
		if check, err := knownhosts.New(t.files...); err == nil {
			t.check = check
		}
	}
	if isInteractive() {
		t.confirm = promptHostKey
	}
	return t
}

// warning is non-empty when host keys cannot be checked at all
func (t *hostTrust) warning() string {
	if t.check != nil {
		return ""
	}
	return "no known_hosts file found; the relay's SSH host key cannot be checked against a trusted copy"
}

// callback is the ssh.HostKeyCallback for a dial
func (t *hostTrust) callback(hostname string, remote net.Addr, key ssh.PublicKey) error {
	if t.check != nil {
		err := t.check(hostname, remote, key)
		var keyErr *knownhosts.KeyError
		if !errors.As(err, &keyErr) {
			return err
		}
		if len(keyErr.Want) > 0 {
			return t.mismatch(hostname, keyErr.Want[0].Key, key)
		}
	}
	return t.unknown(hostname, remote, key)
}

func (t *hostTrust) unknown(hostname string, remote net.Addr, key ssh.PublicKey) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	fingerprint := ssh.FingerprintSHA256(key)
	if seen, ok := t.pending[hostname]; ok && ssh.FingerprintSHA256(seen) == fingerprint {
		return nil
	}
	if t.confirm == nil {
		return fmt.Errorf("ssh host key for %s (%s) is not trusted; add it with `ssh-keyscan -p %s %s >> %s` and retry",
			hostname, fingerprint, portOf(t.address), hostOf(t.address), t.knownHostsFile())
	}

	ok, err := t.confirm(hostname, remote, fingerprint)
	if err != nil {
		return err
	}
	if !ok {
		return errHostKeyRejected
	}
	t.pending[hostname] = key
	return nil
}

func (t *hostTrust) mismatch(hostname string, want, got ssh.PublicKey) error {
	return fmt.Errorf("ssh host key for %s changed: relay presented %s, known_hosts has %s (checked %s); remove the stale entry if the change is expected",
		hostname, ssh.FingerprintSHA256(got), ssh.FingerprintSHA256(want), strings.Join(t.files, ", "))
}

// knownHostsFile is where newly accepted keys are written
func (t *hostTrust) knownHostsFile() string {
	if paths := knownHostPaths(); len(paths) > 0 {
		return paths[0]
	}
	return filepath.Join(".ssh", "known_hosts")
}

// commit writes the keys accepted during a successful handshake
func (t *hostTrust) commit(banner string) {
	t.mu.Lock()
	defer t.mu.Unlock()

	for host, key := range t.pending {
		if err := appendKnownHost(t.knownHostsFile(), host, banner, key); err != nil {
			fmt.Fprintf(os.Stderr, "Warning: could not save SSH host key for %s: %v\n", host, err)
		}
		delete(t.pending, host)
	}
}

func (t *hostTrust) explain(err error) error {
	switch {
	case errors.Is(err, errHostKeyRejected):
		return fmt.Errorf("connection aborted: rejected SSH host key for %s", t.address)
	case strings.Contains(err.Error(), "unable to authenticate"):
		return fmt.Errorf("ssh authentication failed for %s: the remote end wants credentials, so it is probably not a cipherchat relay", t.address)
	}
	return err
}

func hostOf(address string) string {
	host, _, _ := net.SplitHostPort(address)
	return host
}

func portOf(address string) string {
	_, port, _ := net.SplitHostPort(address)
	return port
}

// knownHostPaths honours $SSH_KNOWN_HOSTS, a path list, before ~/.ssh/known_hosts
func knownHostPaths() []string {
	if env := os.Getenv("SSH_KNOWN_HOSTS"); env != "" {
		var paths []string
		for _, p := range filepath.SplitList(env) {
			if p = strings.TrimSpace(p); p != "" {
				paths = append(paths, p)
			}
		}
		return paths
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return nil
	}
	return []string{filepath.Join(home, ".ssh", "known_hosts")}
}

func appendKnownHost(path, hostname, banner string, key ssh.PublicKey) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return err
	}
	f, err := os.OpenFile(path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o600)
	if err != nil {
		return err
	}
	defer f.Close()

	_, err = fmt.Fprintf(f, "%s cipherchat relay banner=%s added=%s\n",
		knownhosts.Line([]string{hostname}, key), banner, time.Now().Format(time.RFC3339))
	return err
}

func promptHostKey(hostname string, remote net.Addr, fingerprint string) (bool, error) {
	fmt.Printf("\nThe authenticity of host '%s' (%v) can't be established.\n", hostname, remote)
	fmt.Printf("SSH key fingerprint is %s.\n", fingerprint)
	fmt.Print("Do you trust this host? (yes/no) [no]: ")

	answer, err := bufio.NewReader(os.Stdin).ReadString('\n')
	if err != nil && !errors.Is(err, io.EOF) {
		return false, err
	}
	switch strings.ToLower(strings.TrimSpace(answer)) {
	case "yes", "y":
		return true, nil
	}
	return false, nil
}

func isInteractive() bool {
	info, err := os.Stdin.Stat()
	return err == nil && info.Mode()&os.ModeCharDevice != 0
}

// dialSSH opens a session channel to the relay. The relay accepts the
// "none" auth method, so no credentials are offered.
func dialSSH(user, address string, trust *hostTrust) (net.Conn, error) {
	nc, err := net.DialTimeout("tcp", address, dialTimeout)
	if err != nil {
		return nil, err
	}

	cc, chans, reqs, err := ssh.NewClientConn(nc, address, &ssh.ClientConfig{
		User:            user,
		HostKeyCallback: trust.callback,
		Timeout:         dialTimeout,
	})
	if err != nil {
		nc.Close()
		return nil, trust.explain(err)
	}

	banner := string(cc.ServerVersion())
	if !strings.HasPrefix(banner, sshVersionPrefix) {
		cc.Close()
		return nil, fmt.Errorf("remote server advertised %q, not a cipherchat relay", banner)
	}
	trust.commit(banner)

	sc := ssh.NewClient(cc, chans, reqs)
	channel, requests, err := sc.OpenChannel("session", nil)
	if err != nil {
		sc.Close()
		return nil, err
	}
	go ssh.DiscardRequests(requests)

	return &sshChannelConn{Channel: channel, client: sc, local: nc.LocalAddr(), remote: nc.RemoteAddr()}, nil
}

// sshChannelConn presents an SSH session channel as a net.Conn. Deadlines
// are not supported by channels and are ignored.
type sshChannelConn struct {
	ssh.Channel
	client *ssh.Client
	local  net.Addr
	remote net.Addr
	once   sync.Once
}

func (c *sshChannelConn) Close() error {
	var err error
	c.once.Do(func() {
		if cerr := c.Channel.Close(); cerr != nil && !errors.Is(cerr, io.EOF) {
			err = cerr
		}
		c.client.Close()
	})
	return err
}

func (c *sshChannelConn) LocalAddr() net.Addr              { return c.local }
func (c *sshChannelConn) RemoteAddr() net.Addr             { return c.remote }
func (c *sshChannelConn) SetDeadline(time.Time) error      { return nil }
func (c *sshChannelConn) SetReadDeadline(time.Time) error  { return nil }
func (c *sshChannelConn) SetWriteDeadline(time.Time) error { return nil }
