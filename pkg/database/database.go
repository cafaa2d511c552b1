package database

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	_ "modernc.org/sqlite"
)

// DefaultTheme is stored for users who never picked one
const DefaultTheme = "default"

var (
	// ErrUserNotFound indicates no user row exists for the username
	ErrUserNotFound = errors.New("user not found")
)

// DB wraps the SQLite database connection
type DB struct {
	conn        *sql.DB // Read connection pool
	writeConn   *sql.DB // Dedicated write connection (1 connection)
	snowflake   *Snowflake
	WriteBuffer *WriteBuffer
}

// User is a row of the users table
type User struct {
	ID        int64
	Username  string
	Theme     string
	CreatedAt int64 // Unix timestamp in milliseconds
	LastSeen  int64 // Unix timestamp in milliseconds
}

// MessageRecord is one stored chat line
type MessageRecord struct {
	ID          int64
	Username    string
	Message     string
	CreatedAt   time.Time
	MessageType string
	IsPrivate   bool
	Recipient   string
}

var pragmas = []string{
	// WAL allows readers alongside the single writer
	"PRAGMA journal_mode = WAL",
	"PRAGMA busy_timeout = 5000",
	"PRAGMA foreign_keys = ON",
	"PRAGMA synchronous = NORMAL",
}

func configure(conn *sql.DB) error {
	for _, p := range pragmas {
		if _, err := conn.Exec(p); err != nil {
			return fmt.Errorf("%s: %w", p, err)
		}
	}
	return nil
}

// Open opens the SQLite database at path, applying pending migrations
func Open(path string) (*DB, error) {
	conn, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	conn.SetMaxOpenConns(10)
	conn.SetMaxIdleConns(2)
	conn.SetConnMaxLifetime(5 * time.Minute)

	if err := configure(conn); err != nil {
		conn.Close()
		return nil, fmt.Errorf("failed to configure database: %w", err)
	}

	writeConn, err := sql.Open("sqlite", path)
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("failed to open write connection: %w", err)
	}
	writeConn.SetMaxOpenConns(1)
	writeConn.SetMaxIdleConns(1)
	writeConn.SetConnMaxLifetime(0)

	if err := configure(writeConn); err != nil {
		conn.Close()
		writeConn.Close()
		return nil, fmt.Errorf("failed to configure write connection: %w", err)
	}

	if err := runMigrations(writeConn, path); err != nil {
		conn.Close()
		writeConn.Close()
		return nil, fmt.Errorf("failed to run migrations: %w", err)
	}

	db := &DB{
		conn:      conn,
		writeConn: writeConn,
		snowflake: NewSnowflake(messageEpoch, 0),
	}
	db.WriteBuffer = NewWriteBuffer(db, 100*time.Millisecond)

	return db, nil
}

// Close flushes buffered writes and closes the database
func (db *DB) Close() error {
	db.WriteBuffer.Close()
	db.writeConn.Close()
	return db.conn.Close()
}

// GetOrCreateUser returns the user row for username, creating it with theme
// if it does not exist, and marks the user as seen now.
func (db *DB) GetOrCreateUser(ctx context.Context, username, theme string) (*User, error) {
	if theme == "" {
		theme = DefaultTheme
	}
	now := nowMillis()

	u := &User{Username: username}
	err := db.writeConn.QueryRowContext(ctx, `
		INSERT INTO users (username, theme, created_at, last_seen)
		VALUES (?, ?, ?, ?)
		ON CONFLICT(username) DO UPDATE SET last_seen = excluded.last_seen
		RETURNING id, theme, created_at, last_seen
	`, username, theme, now, now).Scan(&u.ID, &u.Theme, &u.CreatedAt, &u.LastSeen)
	if err != nil {
		return nil, fmt.Errorf("failed to upsert user %q: %w", username, err)
	}
	return u, nil
}

// GetUser looks up a user without creating it
func (db *DB) GetUser(ctx context.Context, username string) (*User, error) {
	u := &User{}
	err := db.conn.QueryRowContext(ctx, `
		SELECT id, username, theme, created_at, last_seen FROM users WHERE username = ?
	`, username).Scan(&u.ID, &u.Username, &u.Theme, &u.CreatedAt, &u.LastSeen)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrUserNotFound
	}
	if err != nil {
		return nil, err
	}
	return u, nil
}

// SetUserTheme stores a theme preference
func (db *DB) SetUserTheme(ctx context.Context, username, theme string) error {
	res, err := db.writeConn.ExecContext(ctx, `UPDATE users SET theme = ? WHERE username = ?`, theme, username)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrUserNotFound
	}
	return nil
}

// UserTheme returns the stored theme for username, registering the user on
// first sight.
func (db *DB) UserTheme(ctx context.Context, username string) (string, error) {
	u, err := db.GetOrCreateUser(ctx, username, DefaultTheme)
	if err != nil {
		return "", err
	}
	return u.Theme, nil
}

// UserSeen queues a last_seen update for username
func (db *DB) UserSeen(ctx context.Context, username string) {
	db.WriteBuffer.TouchUser(username, nowMillis())
}

// SaveMessage queues rec for the next batch write. It does not block on disk.
func (db *DB) SaveMessage(ctx context.Context, rec MessageRecord) error {
	if rec.Username == "" {
		return fmt.Errorf("message without a sender")
	}
	if rec.CreatedAt.IsZero() {
		rec.CreatedAt = time.Now()
	}
	if rec.MessageType == "" {
		rec.MessageType = "text"
	}
	db.WriteBuffer.SaveMessage(rec)
	return nil
}

// RecentMessages returns up to limitPerUser of each user's latest messages,
// oldest first within each user.
func (db *DB) RecentMessages(ctx context.Context, limitPerUser int) (map[string][]MessageRecord, error) {
	if limitPerUser <= 0 {
		return map[string][]MessageRecord{}, nil
	}

	rows, err := db.conn.QueryContext(ctx, `
		SELECT id, username, message, created_at, message_type, is_private, recipient
		FROM (
			SELECT m.id, u.username, m.message, m.created_at, m.message_type, m.is_private,
				COALESCE(r.username, '') AS recipient,
				ROW_NUMBER() OVER (PARTITION BY m.sender_id ORDER BY m.id DESC) AS rn
			FROM messages m
			JOIN users u ON u.id = m.sender_id
			LEFT JOIN users r ON r.id = m.recipient_id
		)
		WHERE rn <= ?
		ORDER BY username, id
	`, limitPerUser)
	if err != nil {
		return nil, fmt.Errorf("failed to query recent messages: %w", err)
	}
	defer rows.Close()

	result := make(map[string][]MessageRecord)
	for rows.Next() {
		var rec MessageRecord
		var createdAt int64
		if err := rows.Scan(&rec.ID, &rec.Username, &rec.Message, &createdAt, &rec.MessageType, &rec.IsPrivate, &rec.Recipient); err != nil {
			return nil, err
		}
		rec.CreatedAt = time.UnixMilli(createdAt)
		result[rec.Username] = append(result[rec.Username], rec)
	}
	return result, rows.Err()
}

// CountMessages returns the number of stored messages
func (db *DB) CountMessages(ctx context.Context) (int, error) {
	var n int
	err := db.conn.QueryRowContext(ctx, `SELECT COUNT(*) FROM messages`).Scan(&n)
	return n, err
}

func nowMillis() int64 {
	return time.Now().UnixMilli()
}
