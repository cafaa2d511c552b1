package client

import (
	"errors"
	"fmt"
	"net"
	"net/url"
	"strings"
	"time"
)

const (
	defaultTCPPort = "5054"
	defaultWSPort  = "5055"
	defaultSSHPort = "5056"

	dialTimeout = 10 * time.Second
)

var errMissingHost = errors.New("missing host in server address")

// dialConfig is a parsed server address: what to show the user, which
// transport it names and how to open it
type dialConfig struct {
	display string
	method  string
	dial    func() (net.Conn, error)
	warning string
}

// relayTarget is a server address split into its parts
type relayTarget struct {
	scheme string
	user   string
	host   string
	port   string
	path   string
}

func (t relayTarget) hostPort() string {
	return net.JoinHostPort(t.host, t.port)
}

type transportSpec struct {
	defaultPort string
	build       func(relayTarget) *dialConfig
}

var transports = map[string]transportSpec{
	"tcp": {defaultTCPPort, tcpDialConfig},
	"ws":  {defaultWSPort, wsDialConfig},
	"wss": {defaultWSPort, wsDialConfig},
	"ssh": {defaultSSHPort, sshDialConfig},
}

// parseServerAddress accepts host[:port] for TCP, or a tcp://, ws://,
// wss:// or ssh:// URL. Missing ports fall back to the relay defaults.
func parseServerAddress(raw string) (*dialConfig, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return nil, errors.New("server address is empty")
	}

	target := relayTarget{scheme: "tcp"}
	authority := raw
	if strings.Contains(raw, "://") {
		u, err := url.Parse(raw)
		if err != nil {
			return nil, fmt.Errorf("invalid server address %q: %w", raw, err)
		}
		target.scheme = strings.ToLower(u.Scheme)
		target.user = u.User.Username()
		target.path = u.Path
		authority = u.Host
	}

	spec, ok := transports[target.scheme]
	if !ok {
		return nil, fmt.Errorf("unsupported server scheme %q", target.scheme)
	}

	host, port, err := splitHostPortDefault(authority, spec.defaultPort)
	if err != nil {
		return nil, err
	}
	target.host, target.port = host, port
	return spec.build(target), nil
}

// splitHostPortDefault splits host:port, using defaultPort when the port is
// absent. Bracketed IPv6 literals without a port are unwrapped.
func splitHostPortDefault(authority, defaultPort string) (string, string, error) {
	authority = strings.TrimSpace(authority)
	if authority == "" {
		return "", "", errMissingHost
	}

	host, port, err := net.SplitHostPort(authority)
	if err != nil {
		var addrErr *net.AddrError
		if !errors.As(err, &addrErr) || !strings.Contains(addrErr.Err, "missing port") {
			return "", "", err
		}
		host, port = strings.Trim(authority, "[]"), defaultPort
	}
	if host == "" {
		return "", "", errMissingHost
	}
	return host, port, nil
}

func tcpDialConfig(t relayTarget) *dialConfig {
	address := t.hostPort()
	return &dialConfig{
		display: address,
		method:  "tcp",
		dial: func() (net.Conn, error) {
			return net.DialTimeout("tcp", address, dialTimeout)
		},
	}
}

func wsDialConfig(t relayTarget) *dialConfig {
	path := t.path
	if path == "" || path == "/" {
		path = "/ws"
	}
	endpoint := url.URL{Scheme: t.scheme, Host: t.hostPort(), Path: path}
	return &dialConfig{
		display: endpoint.String(),
		method:  t.scheme,
		dial: func() (net.Conn, error) {
			ws, err := DialWebSocket(endpoint)
			if err != nil {
				return nil, err
			}
			return ws, nil
		},
	}
}

func sshDialConfig(t relayTarget) *dialConfig {
	if t.user == "" {
		t.user = defaultSSHUser()
	}
	trust := newHostTrust(t.host, t.port)
	return &dialConfig{
		display: fmt.Sprintf("ssh://%s@%s", t.user, t.hostPort()),
		method:  "ssh",
		dial: func() (net.Conn, error) {
			return dialSSH(t.user, t.hostPort(), trust)
		},
		warning: trust.warning(),
	}
}
