package server

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log"
	"net"
	"net/http"
	"os"
	"strconv"
	"sync"
	"syscall"
	"time"

	"github.com/aeolun/cipherchat/pkg/protocol"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/samber/lo"
)

var (
	errorLog = log.New(os.Stderr, "ERROR: ", log.Ldate|log.Ltime|log.Lmicroseconds)
	debugLog = log.New(io.Discard, "DEBUG: ", log.Ldate|log.Ltime|log.Lmicroseconds)
)

// SetDebugOutput sends debug logging to w
func SetDebugOutput(w io.Writer) {
	debugLog.SetOutput(w)
}

// Server is the relay: it accepts connections on every configured
// transport and hands their envelopes to the dispatcher
type Server struct {
	config       ServerConfig
	store        HistoryStore
	registry     *Registry
	dispatcher   *Dispatcher
	metrics      *Metrics
	promRegistry *prometheus.Registry

	listener     net.Listener
	httpListener net.Listener
	httpServer   *http.Server
	sshListener  net.Listener

	shutdown chan struct{}
	wg       sync.WaitGroup
	stopOnce sync.Once

	connsMu  sync.Mutex
	conns    map[*Conn]struct{}
	stopping bool

	startTime time.Time
}

// ServerConfig holds server configuration. Port 0 picks a free port; a
// negative HTTP or SSH port disables that listener.
type ServerConfig struct {
	BindAddr       string
	TCPPort        int
	HTTPPort       int
	SSHPort        int
	SSHHostKeyPath string
	WriteTimeout   time.Duration
	HistoryLimit   int
	DefaultTheme   string
}

// DefaultConfig returns default server configuration
func DefaultConfig() ServerConfig {
	return ServerConfig{
		TCPPort:        5054,
		HTTPPort:       5055,
		SSHPort:        -1,
		SSHHostKeyPath: "~/.cipherchat/ssh_host_key",
		WriteTimeout:   10 * time.Second,
		HistoryLimit:   10, // per user
		DefaultTheme:   "default",
	}
}

// NewServer creates a server backed by store. A store that also implements
// ProfileStore supplies per-user themes.
func NewServer(config ServerConfig, store HistoryStore) *Server {
	if store == nil {
		store = NopHistory{}
	}

	promRegistry := prometheus.NewRegistry()
	promRegistry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	metrics := NewMetrics(promRegistry)

	registry := NewRegistry()
	registry.SetMetrics(metrics)

	profiles, _ := store.(ProfileStore)

	s := &Server{
		config:       config,
		store:        store,
		registry:     registry,
		dispatcher:   NewDispatcher(registry, store, profiles, config, metrics, nil),
		metrics:      metrics,
		promRegistry: promRegistry,
		shutdown:     make(chan struct{}),
		conns:        make(map[*Conn]struct{}),
	}
	registry.SetFailureHandler(s.dropLater)
	return s
}

// listenConfig applies SO_REUSEADDR so a restarted server can rebind at once
func listenConfig() net.ListenConfig {
	return net.ListenConfig{
		Control: func(network, address string, rc syscall.RawConn) error {
			var sockErr error
			if err := rc.Control(func(fd uintptr) {
				sockErr = setSocketOptions(fd)
			}); err != nil {
				return err
			}
			return sockErr
		},
	}
}

func (s *Server) listen(port int) (net.Listener, error) {
	addr := net.JoinHostPort(s.config.BindAddr, strconv.Itoa(port))
	lc := listenConfig()
	ln, err := lc.Listen(context.Background(), "tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("failed to listen on %s: %w", addr, err)
	}
	return ln, nil
}

// Start opens every configured listener. Only bind failures are returned.
func (s *Server) Start() error {
	s.startTime = time.Now()

	listener, err := s.listen(s.config.TCPPort)
	if err != nil {
		return err
	}
	s.listener = listener
	logListenBacklog(listener.Addr().String())

	if s.config.HTTPPort >= 0 {
		if err := s.startHTTPServer(); err != nil {
			s.listener.Close()
			return fmt.Errorf("failed to start HTTP server: %w", err)
		}
	}

	if s.config.SSHPort >= 0 {
		if err := s.startSSHServer(); err != nil {
			s.listener.Close()
			if s.httpServer != nil {
				s.httpServer.Close()
			}
			return fmt.Errorf("failed to start SSH server: %w", err)
		}
	}

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		s.monitorListenOverflows()
	}()

	s.wg.Add(1)
	go s.acceptLoop()

	return nil
}

func (s *Server) startHTTPServer() error {
	listener, err := s.listen(s.config.HTTPPort)
	if err != nil {
		return err
	}
	s.httpListener = listener

	mux := http.NewServeMux()
	mux.HandleFunc("/ws", s.HandleWebSocket)
	mux.HandleFunc("/healthz", s.HealthHandler)
	mux.Handle("/metrics", promhttp.HandlerFor(s.promRegistry, promhttp.HandlerOpts{}))

	s.httpServer = &http.Server{
		Handler:           mux,
		ReadHeaderTimeout: 10 * time.Second,
	}
	log.Printf("HTTP server listening on %s (/ws, /metrics, /healthz)", listener.Addr())

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		if err := s.httpServer.Serve(listener); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errorLog.Printf("HTTP server error: %v", err)
		}
	}()
	return nil
}

// Addr returns the TCP listener address
func (s *Server) Addr() string {
	return s.listener.Addr().String()
}

// HTTPAddr returns the HTTP listener address, or "" when disabled
func (s *Server) HTTPAddr() string {
	if s.httpListener == nil {
		return ""
	}
	return s.httpListener.Addr().String()
}

// SSHAddr returns the SSH listener address, or "" when disabled
func (s *Server) SSHAddr() string {
	if s.sshListener == nil {
		return ""
	}
	return s.sshListener.Addr().String()
}

// Registry exposes the connection registry
func (s *Server) Registry() *Registry {
	return s.registry
}

// Stop closes listeners and connections, waits for every worker and then
// closes the history store
func (s *Server) Stop() error {
	var err error
	s.stopOnce.Do(func() {
		close(s.shutdown)

		s.connsMu.Lock()
		s.stopping = true
		conns := lo.Keys(s.conns)
		s.connsMu.Unlock()

		if s.listener != nil {
			s.listener.Close()
		}
		if s.sshListener != nil {
			s.sshListener.Close()
		}
		if s.httpServer != nil {
			s.httpServer.Close()
		}

		s.registry.CloseAll()
		for _, c := range conns {
			c.Close()
		}

		s.wg.Wait()
		err = s.store.Close()
	})
	return err
}

// acceptLoop accepts incoming TCP connections
func (s *Server) acceptLoop() {
	defer s.wg.Done()

	for {
		conn, err := s.listener.Accept()
		if err != nil {
			select {
			case <-s.shutdown:
				return
			default:
				errorLog.Printf("Accept error: %v", err)
				continue
			}
		}

		go s.serveConn(conn, "tcp")
	}
}

// track adds c to the live set unless the server is stopping
func (s *Server) track(c *Conn) bool {
	s.connsMu.Lock()
	defer s.connsMu.Unlock()

	if s.stopping {
		return false
	}
	s.conns[c] = struct{}{}
	s.wg.Add(1)
	return true
}

func (s *Server) untrack(c *Conn) {
	s.connsMu.Lock()
	delete(s.conns, c)
	s.connsMu.Unlock()
	s.wg.Done()
}

func (s *Server) isStopping() bool {
	s.connsMu.Lock()
	defer s.connsMu.Unlock()
	return s.stopping
}

// serveConn runs one connection until it fails or the server stops
func (s *Server) serveConn(nc net.Conn, transport string) {
	c := NewConn(nc, transport, s.config.WriteTimeout)
	if !s.track(c) {
		nc.Close()
		return
	}
	defer s.untrack(c)

	s.metrics.RecordConnectionOpened(transport)
	defer s.metrics.RecordConnectionClosed()

	debugLog.Printf("Conn %s: new %s connection from %s", c, transport, c.RemoteAddr())

	s.messageLoop(c)
	s.drop(c)
}

// messageLoop decodes envelopes until a transport error
func (s *Server) messageLoop(c *Conn) {
	ctx := context.Background()

	for {
		env, err := c.Decode()
		if err != nil {
			if protocol.IsRecoverable(err) {
				s.metrics.RecordDecodeError()
				debugLog.Printf("Conn %s: dropping frame: %v", c, err)
				if errors.Is(err, protocol.ErrMalformedEnvelope) {
					if err := c.Send(&protocol.Error{Code: protocol.ErrCodeInvalidFormat, Message: "Malformed message"}); err != nil {
						return
					}
				}
				continue
			}
			if errors.Is(err, io.EOF) || errors.Is(err, net.ErrClosed) {
				debugLog.Printf("Conn %s disconnected", c)
			} else {
				debugLog.Printf("Conn %s read error: %v", c, err)
			}
			return
		}

		debugLog.Printf("Conn %s ← RECV: %s", c, env.Kind())
		s.metrics.RecordEnvelopeReceived(env.Kind())

		if err := s.dispatcher.Dispatch(ctx, c, env); err != nil {
			debugLog.Printf("Conn %s write error: %v", c, err)
			return
		}
	}
}

// dropLater runs drop for a failed write on a goroutine Stop waits for.
// Once stopping, Stop's own close of every connection is enough.
func (s *Server) dropLater(c *Conn) {
	s.connsMu.Lock()
	defer s.connsMu.Unlock()

	if s.stopping {
		c.Close()
		return
	}
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		s.drop(c)
	}()
}

// drop closes c and, if this call removed its binding, announces the
// departure. Reached from the worker exit and from failed writes.
func (s *Server) drop(c *Conn) {
	c.Close()

	username, removed := s.registry.Unregister(c)
	if !removed {
		return
	}
	log.Printf("User %s left (%s)", username, c.Transport)

	if s.isStopping() {
		return
	}
	s.dispatcher.Depart(context.Background(), username)
}
