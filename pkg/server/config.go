package server

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/samber/lo"
)

const configHeader = `# cipherchat server configuration
# This file was auto-generated with default values
# A negative http_port or ssh_port disables that listener
# Edit as needed and restart the server for changes to take effect

`

// TOMLConfig represents the structure of the server config file
type TOMLConfig struct {
	Server ServerSection `toml:"server"`
	Limits LimitsSection `toml:"limits"`
}

type ServerSection struct {
	BindAddr     string `toml:"bind_addr"`
	TCPPort      int    `toml:"tcp_port"`
	HTTPPort     int    `toml:"http_port"`
	SSHPort      int    `toml:"ssh_port"`
	SSHHostKey   string `toml:"ssh_host_key"`
	DatabasePath string `toml:"database_path"`
	DefaultTheme string `toml:"default_theme"`
}

type LimitsSection struct {
	WriteTimeoutSeconds int `toml:"write_timeout_seconds"`
	HistoryLimit        int `toml:"history_limit"` // messages kept per user
}

// DefaultTOMLConfig mirrors DefaultConfig in file form
func DefaultTOMLConfig() TOMLConfig {
	def := DefaultConfig()
	return TOMLConfig{
		Server: ServerSection{
			BindAddr:     def.BindAddr,
			TCPPort:      def.TCPPort,
			HTTPPort:     def.HTTPPort,
			SSHPort:      def.SSHPort,
			SSHHostKey:   def.SSHHostKeyPath,
			DatabasePath: "~/.cipherchat/cipherchat.db",
			DefaultTheme: def.DefaultTheme,
		},
		Limits: LimitsSection{
			WriteTimeoutSeconds: int(def.WriteTimeout / time.Second),
			HistoryLimit:        def.HistoryLimit,
		},
	}
}

// LoadConfig reads the config at path. A missing file is created with
// defaults; an unwritable location still runs with them.
func LoadConfig(path string) (TOMLConfig, error) {
	path, err := expandHome(path)
	if err != nil {
		return TOMLConfig{}, err
	}

	if _, err := os.Stat(path); errors.Is(err, os.ErrNotExist) {
		config := DefaultTOMLConfig()
		_ = writeDefaultConfig(path, config)
		return config, nil
	}

	var config TOMLConfig
	if _, err := toml.DecodeFile(path, &config); err != nil {
		return TOMLConfig{}, fmt.Errorf("failed to parse config file: %w", err)
	}
	return config, nil
}

func writeDefaultConfig(path string, config TOMLConfig) error {
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return fmt.Errorf("failed to create config directory: %w", err)
	}

	var b strings.Builder
	b.WriteString(configHeader)
	if err := toml.NewEncoder(&b).Encode(config); err != nil {
		return fmt.Errorf("failed to encode config: %w", err)
	}
	return os.WriteFile(path, []byte(b.String()), 0644)
}

// ToServerConfig converts the file form to a ServerConfig. Zero values
// keep the DefaultConfig setting.
func (c *TOMLConfig) ToServerConfig() ServerConfig {
	def := DefaultConfig()
	return ServerConfig{
		BindAddr:       lo.CoalesceOrEmpty(strings.TrimSpace(c.Server.BindAddr), def.BindAddr),
		TCPPort:        lo.CoalesceOrEmpty(c.Server.TCPPort, def.TCPPort),
		HTTPPort:       lo.CoalesceOrEmpty(c.Server.HTTPPort, def.HTTPPort),
		SSHPort:        lo.CoalesceOrEmpty(c.Server.SSHPort, def.SSHPort),
		SSHHostKeyPath: lo.CoalesceOrEmpty(strings.TrimSpace(c.Server.SSHHostKey), def.SSHHostKeyPath),
		WriteTimeout:   lo.CoalesceOrEmpty(time.Duration(c.Limits.WriteTimeoutSeconds)*time.Second, def.WriteTimeout),
		HistoryLimit:   lo.CoalesceOrEmpty(c.Limits.HistoryLimit, def.HistoryLimit),
		DefaultTheme:   lo.CoalesceOrEmpty(strings.TrimSpace(c.Server.DefaultTheme), def.DefaultTheme),
	}
}

// GetDatabasePath returns the database path with ~ expanded
func (c *TOMLConfig) GetDatabasePath() (string, error) {
	return expandHome(c.Server.DatabasePath)
}

func expandHome(path string) (string, error) {
	rest, ok := strings.CutPrefix(path, "~/")
	if !ok {
		return path, nil
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("failed to get home directory: %w", err)
	}
	return filepath.Join(home, rest), nil
}
