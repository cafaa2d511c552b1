package client

import (
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadClientConfigCreatesDefault(t *testing.T) {
	t.Setenv("XDG_DATA_HOME", t.TempDir())
	path := filepath.Join(t.TempDir(), "cipherchat", "config.toml")

	cfg, err := LoadClientConfig(path)
	require.NoError(t, err)
	assert.Equal(t, DefaultTOMLConfig(), cfg)

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.True(t, strings.HasPrefix(string(data), "# cipherchat client configuration"))

	again, err := LoadClientConfig(path)
	require.NoError(t, err)
	assert.Equal(t, cfg, again)
}

func TestLoadClientConfigKeepsDefaultsForMissingKeys(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.toml")
	require.NoError(t, os.WriteFile(path, []byte(`
[connection]
default_server = "ws://chat.example.com"

[identity]
username = "alice"
`), 0644))

	cfg, err := LoadClientConfig(path)
	require.NoError(t, err)

	assert.Equal(t, "ws://chat.example.com", cfg.GetServerAddress())
	assert.Equal(t, "alice", cfg.Identity.Username)
	assert.Equal(t, DefaultTOMLConfig().Identity.Cipher, cfg.Identity.Cipher)
	assert.Equal(t, 30*time.Second, cfg.ReconnectMaxDelay())
	assert.True(t, cfg.UI.Notifications)
}

func TestLoadClientConfigParseErrorHasLine(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.toml")
	require.NoError(t, os.WriteFile(path, []byte("[connection]\ndefault_port = 5054\ndefault_server = \n"), 0644))

	_, err := LoadClientConfig(path)

	var configErr *ConfigError
	require.True(t, errors.As(err, &configErr))
	assert.Equal(t, path, configErr.Path)
	assert.Positive(t, configErr.LineNumber)
	assert.NotContains(t, configErr.Message, "toml: ")
}

func TestLoadClientConfigValidation(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.toml")
	require.NoError(t, os.WriteFile(path, []byte(`
[connection]
default_port = 70000

[identity]
cipher = "rot13"

[ui]
timestamp_format = "sometimes"
`), 0644))

	_, err := LoadClientConfig(path)

	var configErr *ConfigError
	require.True(t, errors.As(err, &configErr))
	assert.Contains(t, configErr.Message, "Invalid port number: 70000")
	assert.Contains(t, configErr.Message, `Invalid cipher: "rot13"`)
	assert.Contains(t, configErr.Message, `Invalid timestamp format: "sometimes"`)
	assert.Zero(t, configErr.LineNumber)
}

func TestGetServerAddress(t *testing.T) {
	cfg := DefaultTOMLConfig()

	cfg.Connection.DefaultServer = "chat.example.com"
	cfg.Connection.DefaultPort = 6000
	assert.Equal(t, "chat.example.com:6000", cfg.GetServerAddress())

	cfg.Connection.DefaultServer = "ssh://chat.example.com"
	assert.Equal(t, "ssh://chat.example.com", cfg.GetServerAddress())

	cfg.Connection.DefaultServer = "  "
	assert.Equal(t, "", cfg.GetServerAddress())
}

func TestResetConfigToDefaultWithBackup(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.toml")
	require.NoError(t, os.WriteFile(path, []byte("broken = [\n"), 0644))

	require.NoError(t, ResetConfigToDefault(path, true))

	backup := path + ".backup-" + time.Now().Format("2006-01-02")
	data, err := os.ReadFile(backup)
	require.NoError(t, err)
	assert.Equal(t, "broken = [\n", string(data))

	_, err = LoadClientConfig(path)
	assert.NoError(t, err)
}
