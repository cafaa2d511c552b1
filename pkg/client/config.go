package client

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"slices"
	"strings"
	"time"

	"github.com/BurntSushi/toml"

	"github.com/aeolun/cipherchat/pkg/e2e"
)

const configHeader = `# cipherchat client configuration
# This file was auto-generated with default values
# Edit as needed - changes take effect on next client start

`

// TOMLConfig represents the structure of the client config file
type TOMLConfig struct {
	Connection ConnectionSection `toml:"connection"`
	Identity   IdentitySection   `toml:"identity"`
	Local      LocalSection      `toml:"local"`
	UI         UISection         `toml:"ui"`
}

type ConnectionSection struct {
	DefaultServer            string `toml:"default_server"`
	DefaultPort              int    `toml:"default_port"`
	AutoReconnect            bool   `toml:"auto_reconnect"`
	ReconnectMaxDelaySeconds int    `toml:"reconnect_max_delay_seconds"`
}

type IdentitySection struct {
	Username string `toml:"username"`
	KeyPath  string `toml:"key_path"`
	Cipher   string `toml:"cipher"` // xchacha20-poly1305 or aes-256-cfb
}

type LocalSection struct {
	StateDB string `toml:"state_db"`
}

type UISection struct {
	ShowTimestamps  bool   `toml:"show_timestamps"`
	TimestampFormat string `toml:"timestamp_format"` // relative or absolute
	Theme           string `toml:"theme"`
	Notifications   bool   `toml:"notifications"`
}

// ConfigError is a config file that could not be used. LineNumber is set
// for syntax errors only.
type ConfigError struct {
	Path       string
	Message    string
	LineNumber int
}

func (e *ConfigError) Error() string {
	if e.LineNumber > 0 {
		return fmt.Sprintf("%s (line %d)", e.Message, e.LineNumber)
	}
	return e.Message
}

// xdgDir resolves an XDG base directory, falling back to fallback under $HOME
func xdgDir(env string, fallback ...string) string {
	if dir := os.Getenv(env); dir != "" {
		return dir
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return ""
	}
	return filepath.Join(append([]string{home}, fallback...)...)
}

// DefaultConfigPath is where the client looks for its config file
func DefaultConfigPath() string {
	return filepath.Join(xdgDir("XDG_CONFIG_HOME", ".config"), "cipherchat", "config.toml")
}

// DefaultTOMLConfig returns the configuration written on first start
func DefaultTOMLConfig() TOMLConfig {
	dataDir := filepath.Join(xdgDir("XDG_DATA_HOME", ".local", "share"), "cipherchat")

	return TOMLConfig{
		Connection: ConnectionSection{
			DefaultServer:            "localhost",
			DefaultPort:              5054,
			AutoReconnect:            true,
			ReconnectMaxDelaySeconds: 30,
		},
		Identity: IdentitySection{
			KeyPath: filepath.Join(dataDir, "identity.pem"),
			Cipher:  e2e.SchemeXChaCha,
		},
		Local: LocalSection{
			StateDB: filepath.Join(dataDir, "state.db"),
		},
		UI: UISection{
			ShowTimestamps:  true,
			TimestampFormat: "absolute",
			Theme:           "default",
			Notifications:   true,
		},
	}
}

// LoadClientConfig reads the config at path over the defaults. A missing
// file is created with defaults; if that fails the defaults are still used.
func LoadClientConfig(path string) (TOMLConfig, error) {
	path, err := expandHome(path)
	if err != nil {
		return TOMLConfig{}, err
	}

	config := DefaultTOMLConfig()
	if _, err := os.Stat(path); errors.Is(err, os.ErrNotExist) {
		_ = writeDefaultConfig(path, config)
		return config, nil
	}

	if _, err := toml.DecodeFile(path, &config); err != nil {
		return TOMLConfig{}, parseFailure(path, err)
	}
	if problems := config.validate(); len(problems) > 0 {
		return TOMLConfig{}, &ConfigError{
			Path:    path,
			Message: "Configuration validation failed:\n  • " + strings.Join(problems, "\n  • "),
		}
	}
	return config, nil
}

// parseFailure turns a decode error into a ConfigError, keeping the line
// of a syntax error when the decoder reports one
func parseFailure(path string, err error) *ConfigError {
	cerr := &ConfigError{Path: path, Message: strings.TrimPrefix(err.Error(), "toml: ")}

	var perr toml.ParseError
	if errors.As(err, &perr) {
		cerr.LineNumber = perr.Position.Line
		if perr.Message != "" {
			cerr.Message = perr.Message
		}
	}
	return cerr
}

// validate lists every problem with the decoded values
func (c *TOMLConfig) validate() []string {
	var problems []string

	if port := c.Connection.DefaultPort; port < 1 || port > 65535 {
		problems = append(problems, fmt.Sprintf("Invalid port number: %d (must be 1-65535)", port))
	}
	if c.Connection.ReconnectMaxDelaySeconds < 0 {
		problems = append(problems, "Reconnect max delay cannot be negative")
	}
	if cipher := c.Identity.Cipher; !slices.Contains([]string{"", e2e.SchemeXChaCha, e2e.SchemeAESCFB}, cipher) {
		problems = append(problems, fmt.Sprintf("Invalid cipher: %q (must be %q or %q)", cipher, e2e.SchemeXChaCha, e2e.SchemeAESCFB))
	}
	if format := c.UI.TimestampFormat; !slices.Contains([]string{"", "relative", "absolute"}, format) {
		problems = append(problems, fmt.Sprintf("Invalid timestamp format: %q (must be 'relative' or 'absolute')", format))
	}
	if strings.TrimSpace(c.Local.StateDB) == "" {
		problems = append(problems, "State database path cannot be empty")
	}
	return problems
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

// GetStateDBPath returns the state database path with ~ expanded
func (c *TOMLConfig) GetStateDBPath() (string, error) {
	return expandHome(c.Local.StateDB)
}

// GetKeyPath returns the identity key path with ~ expanded
func (c *TOMLConfig) GetKeyPath() (string, error) {
	return expandHome(c.Identity.KeyPath)
}

// GetServerAddress returns host:port for a bare default server, or the
// configured URL unchanged
func (c *TOMLConfig) GetServerAddress() string {
	server := strings.TrimSpace(c.Connection.DefaultServer)
	if server == "" || strings.Contains(server, "://") || c.Connection.DefaultPort <= 0 {
		return server
	}
	return fmt.Sprintf("%s:%d", server, c.Connection.DefaultPort)
}

func (c *TOMLConfig) ReconnectMaxDelay() time.Duration {
	return time.Duration(c.Connection.ReconnectMaxDelaySeconds) * time.Second
}

// ResetConfigToDefault rewrites the config file with defaults, optionally
// keeping a dated copy of the old one next to it
func ResetConfigToDefault(path string, backup bool) error {
	path, err := expandHome(path)
	if err != nil {
		return err
	}

	if backup {
		old, err := os.ReadFile(path)
		if err != nil {
			return fmt.Errorf("failed to create backup: %w", err)
		}
		backupPath := path + ".backup-" + time.Now().Format("2006-01-02")
		if err := os.WriteFile(backupPath, old, 0644); err != nil {
			return fmt.Errorf("failed to create backup: %w", err)
		}
	}

	if err := writeDefaultConfig(path, DefaultTOMLConfig()); err != nil {
		return fmt.Errorf("failed to write default config: %w", err)
	}
	return nil
}
