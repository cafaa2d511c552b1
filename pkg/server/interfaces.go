package server

import (
	"context"

	"github.com/aeolun/cipherchat/pkg/database"
)

// HistoryStore persists public messages and serves the recent-history
// snapshot sent after a handshake. SaveMessage must not block on disk.
type HistoryStore interface {
	SaveMessage(ctx context.Context, rec database.MessageRecord) error
	RecentMessages(ctx context.Context, limitPerUser int) (map[string][]database.MessageRecord, error)
	Close() error
}

// ProfileStore holds per-user preferences. A HistoryStore that also
// implements ProfileStore is used for both.
type ProfileStore interface {
	UserTheme(ctx context.Context, username string) (string, error)
	UserSeen(ctx context.Context, username string)
}

// NopHistory stores nothing. Used when the server runs without a database.
type NopHistory struct{}

func (NopHistory) SaveMessage(context.Context, database.MessageRecord) error { return nil }

func (NopHistory) RecentMessages(context.Context, int) (map[string][]database.MessageRecord, error) {
	return map[string][]database.MessageRecord{}, nil
}

func (NopHistory) Close() error { return nil }

var (
	_ HistoryStore = (*database.DB)(nil)
	_ ProfileStore = (*database.DB)(nil)
	_ HistoryStore = NopHistory{}
)
