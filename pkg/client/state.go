package client

import (
	"database/sql"
	"errors"
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"time"

	_ "modernc.org/sqlite"
)

// lastUsernameKey is the config key holding the name of the last join
const lastUsernameKey = "last_username"

// stateSchema is applied in order; PRAGMA user_version records how many
// steps a database has seen
var stateSchema = []string{
	`CREATE TABLE settings (
		key   TEXT PRIMARY KEY,
		value TEXT NOT NULL
	)`,
	`CREATE TABLE transports (
		server     TEXT PRIMARY KEY,
		method     TEXT NOT NULL,
		succeeded  INTEGER NOT NULL
	)`,
}

// State is the client's small local database: remembered settings and the
// transport that last reached each relay
type State struct {
	db  *sql.DB
	dir string
}

// OpenState opens the state database at path, creating it and its directory
// if needed
func OpenState(path string) (*State, error) {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create state directory: %w", err)
	}

	dsn := url.Values{}
	dsn.Add("_pragma", "busy_timeout(5000)")
	dsn.Add("_pragma", "journal_mode(WAL)")
	db, err := sql.Open("sqlite", "file:"+path+"?"+dsn.Encode())
	if err != nil {
		return nil, fmt.Errorf("failed to open state database: %w", err)
	}
	db.SetMaxOpenConns(1)

	if err := upgradeState(db); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to prepare state database: %w", err)
	}
	return &State{db: db, dir: dir}, nil
}

func upgradeState(db *sql.DB) error {
	var version int
	if err := db.QueryRow("PRAGMA user_version").Scan(&version); err != nil {
		return err
	}
	for ; version < len(stateSchema); version++ {
		if _, err := db.Exec(stateSchema[version]); err != nil {
			return fmt.Errorf("schema step %d: %w", version+1, err)
		}
		if _, err := db.Exec(fmt.Sprintf("PRAGMA user_version = %d", version+1)); err != nil {
			return err
		}
	}
	return nil
}

func (s *State) Close() error {
	return s.db.Close()
}

// GetConfig returns a stored setting; unknown keys read as ""
func (s *State) GetConfig(key string) (string, error) {
	var value string
	err := s.db.QueryRow(`SELECT value FROM settings WHERE key = ?`, key).Scan(&value)
	if errors.Is(err, sql.ErrNoRows) {
		err = nil
	}
	return value, err
}

func (s *State) SetConfig(key, value string) error {
	_, err := s.db.Exec(`INSERT INTO settings (key, value) VALUES (?, ?)
		ON CONFLICT (key) DO UPDATE SET value = excluded.value`, key, value)
	return err
}

func (s *State) GetLastUsername() string {
	name, _ := s.GetConfig(lastUsernameKey)
	return name
}

func (s *State) SetLastUsername(username string) error {
	return s.SetConfig(lastUsernameKey, username)
}

// GetLastSuccessfulMethod returns the transport that last reached server,
// or "" if none is recorded
func (s *State) GetLastSuccessfulMethod(server string) (string, error) {
	var method string
	err := s.db.QueryRow(`SELECT method FROM transports WHERE server = ?`, server).Scan(&method)
	if errors.Is(err, sql.ErrNoRows) {
		err = nil
	}
	return method, err
}

// SaveSuccessfulConnection remembers that method reached server
func (s *State) SaveSuccessfulConnection(server, method string) error {
	_, err := s.db.Exec(`INSERT INTO transports (server, method, succeeded) VALUES (?, ?, ?)
		ON CONFLICT (server) DO UPDATE SET method = excluded.method, succeeded = excluded.succeeded`,
		server, method, time.Now().Unix())
	return err
}

// GetStateDir is the directory holding the database, also used for the
// debug log
func (s *State) GetStateDir() string {
	return s.dir
}
