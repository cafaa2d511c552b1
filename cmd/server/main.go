package main

import (
	"fmt"
	"log"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	"github.com/aeolun/cipherchat/pkg/database"
	"github.com/aeolun/cipherchat/pkg/server"
	"github.com/spf13/pflag"
)

var (
	// Version is set at build time via ldflags
	Version = "dev"
)

func main() {
	// Configure logger with microsecond precision
	log.SetFlags(log.Ldate | log.Ltime | log.Lmicroseconds)

	flags := pflag.NewFlagSet("cipherchat-server", pflag.ExitOnError)
	configPath := flags.String("config", "~/.cipherchat/config.toml", "Path to config file")
	bind := flags.String("bind", "", "Address to bind listeners to (overrides config)")
	addPortFlags(flags)
	dbPath := flags.String("db", "", "Path to SQLite database (overrides config)")
	noDB := flags.Bool("no-db", false, "Run without message history")
	debug := flags.Bool("debug", false, "Enable debug logging")
	version := flags.Bool("version", false, "Show version information")
	_ = flags.Parse(os.Args[1:])

	if *version {
		fmt.Printf("cipherchat server %s\n", Version)
		os.Exit(0)
	}

	if *debug {
		server.SetDebugOutput(os.Stderr)
		log.Printf("Debug logging enabled")
	}

	// Load configuration (creates default if not found)
	config, err := server.LoadConfig(*configPath)
	if err != nil {
		log.Fatalf("Failed to load config: %v", err)
	}

	// Command-line flags override config file
	if *bind != "" {
		config.Server.BindAddr = *bind
	}
	if *dbPath != "" {
		config.Server.DatabasePath = *dbPath
	}

	serverConfig := config.ToServerConfig()
	applyPortFlags(flags, &serverConfig)

	var store server.HistoryStore = server.NopHistory{}
	if *noDB {
		log.Printf("History disabled (--no-db)")
	} else {
		finalDBPath, err := config.GetDatabasePath()
		if err != nil {
			log.Fatalf("Failed to resolve database path: %v", err)
		}
		if err := os.MkdirAll(filepath.Dir(finalDBPath), 0755); err != nil {
			log.Fatalf("Failed to create database directory: %v", err)
		}
		db, err := database.Open(finalDBPath)
		if err != nil {
			log.Fatalf("Failed to open database: %v", err)
		}
		store = db
		log.Printf("Database: %s", finalDBPath)
	}

	srv := server.NewServer(serverConfig, store)
	if err := srv.Start(); err != nil {
		log.Fatalf("Failed to start server: %v", err)
	}

	log.Printf("cipherchat server %s started", Version)
	log.Printf("Config: %s", *configPath)
	log.Printf("Available connection methods:")
	log.Printf("  - Binary Protocol (TCP): %s", srv.Addr())
	if addr := srv.HTTPAddr(); addr != "" {
		log.Printf("  - WebSocket: ws://%s/ws (metrics at /metrics)", addr)
	} else {
		log.Printf("  - WebSocket disabled (http_port=%d)", serverConfig.HTTPPort)
	}
	if addr := srv.SSHAddr(); addr != "" {
		log.Printf("  - SSH: %s (host key %s)", addr, serverConfig.SSHHostKeyPath)
	} else {
		log.Printf("  - SSH disabled (ssh_port=%d)", serverConfig.SSHPort)
	}

	// Wait for interrupt signal
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)
	<-sigChan

	log.Println("Shutting down server...")
	if err := srv.Stop(); err != nil {
		log.Printf("Error during shutdown: %v", err)
	}
	log.Println("Server stopped")
}

func addPortFlags(flags *pflag.FlagSet) {
	flags.Int("port", 0, "TCP port to listen on, 0 picks a free one (overrides config)")
	flags.Int("http-port", 0, "HTTP/WebSocket port, negative disables (overrides config)")
	flags.Int("ssh-port", 0, "SSH port, negative disables (overrides config)")
}

// applyPortFlags copies the port flags given on the command line into cfg.
// Only flags actually set count, so an explicit 0 still asks for a free port.
func applyPortFlags(flags *pflag.FlagSet, cfg *server.ServerConfig) {
	ports := map[string]*int{
		"port":      &cfg.TCPPort,
		"http-port": &cfg.HTTPPort,
		"ssh-port":  &cfg.SSHPort,
	}
	for name, field := range ports {
		if !flags.Changed(name) {
			continue
		}
		if v, err := flags.GetInt(name); err == nil {
			*field = v
		}
	}
}
