package main

import (
	"fmt"
	"io"
	"log"
	"os"
	"path/filepath"

	"github.com/aeolun/cipherchat/pkg/client"
	"github.com/aeolun/cipherchat/pkg/client/ui"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/spf13/pflag"
)

var (
	// Version is set at build time via ldflags
	Version = "dev"
)

func main() {
	flags := pflag.NewFlagSet("cipherchat", pflag.ExitOnError)
	configPath := flags.String("config", client.DefaultConfigPath(), "Path to config file")
	serverAddr := flags.StringP("server", "s", "", "Server address: host[:port], ws://host[:port][/path] or ssh://[user@]host[:port]")
	username := flags.StringP("username", "u", "", "Username to join as (default: last used)")
	statePath := flags.String("state", "", "Path to state database (overrides config)")
	debug := flags.Bool("debug", false, "Write a debug log next to the state database")
	version := flags.Bool("version", false, "Show version information")
	_ = flags.Parse(os.Args[1:])

	if *version {
		fmt.Printf("cipherchat %s\n", Version)
		os.Exit(0)
	}

	config, err := client.LoadClientConfig(*configPath)
	if err != nil {
		if client.HandleConfigError(*configPath, err) {
			os.Exit(1)
		}
		log.Fatalf("Failed to load config: %v", err)
	}

	if *statePath != "" {
		config.Local.StateDB = *statePath
	}
	dbPath, err := config.GetStateDBPath()
	if err != nil {
		log.Fatalf("Failed to resolve state path: %v", err)
	}
	state, err := client.OpenState(dbPath)
	if err != nil {
		log.Fatalf("Failed to open state database: %v", err)
	}
	defer state.Close()

	logger := log.New(io.Discard, "", log.Ldate|log.Ltime|log.Lmicroseconds)
	if *debug {
		logFile, err := os.OpenFile(filepath.Join(state.GetStateDir(), "debug.log"), os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0644)
		if err != nil {
			log.Fatalf("Failed to open debug log: %v", err)
		}
		defer logFile.Close()
		logger.SetOutput(logFile)
	}

	address := *serverAddr
	if address == "" {
		address = config.GetServerAddress()
	}
	address = client.ResolveConnectionMethod(address, state, logger)

	name := *username
	if name == "" {
		name = config.Identity.Username
	}
	if name == "" {
		name = state.GetLastUsername()
	}
	if name == "" {
		name = os.Getenv("USER")
	}

	keyPath, err := config.GetKeyPath()
	if err != nil {
		log.Fatalf("Failed to resolve key path: %v", err)
	}

	session, err := client.NewSession(client.SessionOptions{
		KeyPath:           keyPath,
		Scheme:            config.Identity.Cipher,
		AutoReconnect:     config.Connection.AutoReconnect,
		MaxReconnectDelay: config.ReconnectMaxDelay(),
		Logger:            logger,
		State:             state,
	})
	if err != nil {
		log.Fatalf("Failed to load identity: %v", err)
	}
	defer session.Close()

	model := ui.NewModel(session, ui.Options{
		Address:         address,
		Username:        name,
		ShowTimestamps:  config.UI.ShowTimestamps,
		TimestampFormat: config.UI.TimestampFormat,
		Notifications:   config.UI.Notifications,
	})
	p := tea.NewProgram(model, tea.WithAltScreen())

	if _, err := p.Run(); err != nil {
		fmt.Printf("Error running program: %v\n", err)
		os.Exit(1)
	}
}
