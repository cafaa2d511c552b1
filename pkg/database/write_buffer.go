package database

import (
	"database/sql"
	"log"
	"sync"
	"time"
)

// WriteBuffer batches database writes so the relay never waits on disk
type WriteBuffer struct {
	db            *DB
	flushInterval time.Duration

	// Message inserts
	messageMu      sync.Mutex
	messageInserts []MessageRecord

	// last_seen updates
	seenMu      sync.Mutex
	seenUpdates map[string]int64 // username -> last_seen

	flushRequests chan chan struct{}
	shutdown      chan struct{}
	closeOnce     sync.Once
	wg            sync.WaitGroup
}

// NewWriteBuffer creates a new write buffer with the given flush interval
func NewWriteBuffer(db *DB, flushInterval time.Duration) *WriteBuffer {
	wb := &WriteBuffer{
		db:             db,
		flushInterval:  flushInterval,
		messageInserts: make([]MessageRecord, 0, 100),
		seenUpdates:    make(map[string]int64),
		flushRequests:  make(chan chan struct{}),
		shutdown:       make(chan struct{}),
	}

	wb.wg.Add(1)
	go wb.flushLoop()

	return wb
}

// SaveMessage queues a message insert
func (wb *WriteBuffer) SaveMessage(rec MessageRecord) {
	wb.messageMu.Lock()
	wb.messageInserts = append(wb.messageInserts, rec)
	wb.messageMu.Unlock()
}

// TouchUser queues a last_seen update; later calls for the same user win
func (wb *WriteBuffer) TouchUser(username string, timestamp int64) {
	wb.seenMu.Lock()
	wb.seenUpdates[username] = timestamp
	wb.seenMu.Unlock()
}

// Flush writes everything queued so far and returns once it is on disk
func (wb *WriteBuffer) Flush() {
	done := make(chan struct{})
	select {
	case wb.flushRequests <- done:
		<-done
	case <-wb.shutdown:
	}
}

// Pending returns the number of queued message inserts
func (wb *WriteBuffer) Pending() int {
	wb.messageMu.Lock()
	defer wb.messageMu.Unlock()
	return len(wb.messageInserts)
}

func (wb *WriteBuffer) flushLoop() {
	defer wb.wg.Done()

	ticker := time.NewTicker(wb.flushInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			wb.flush()
		case done := <-wb.flushRequests:
			wb.flush()
			close(done)
		case <-wb.shutdown:
			// Final flush on shutdown
			wb.flush()
			return
		}
	}
}

// flush writes all buffered rows in a single transaction
func (wb *WriteBuffer) flush() {
	start := time.Now()

	wb.messageMu.Lock()
	messages := wb.messageInserts
	wb.messageInserts = make([]MessageRecord, 0, 100)
	wb.messageMu.Unlock()

	wb.seenMu.Lock()
	seen := wb.seenUpdates
	wb.seenUpdates = make(map[string]int64)
	wb.seenMu.Unlock()

	if len(messages) == 0 && len(seen) == 0 {
		return
	}

	tx, err := wb.db.writeConn.Begin()
	if err != nil {
		log.Printf("WriteBuffer: failed to begin transaction: %v", err)
		wb.requeue(messages, seen)
		return
	}
	defer tx.Rollback()

	upsertUser, err := tx.Prepare(`
		INSERT INTO users (username, created_at, last_seen)
		VALUES (?, ?, ?)
		ON CONFLICT(username) DO UPDATE SET last_seen = MAX(users.last_seen, excluded.last_seen)
		RETURNING id
	`)
	if err != nil {
		log.Printf("WriteBuffer: failed to prepare user upsert: %v", err)
		wb.requeue(messages, seen)
		return
	}
	defer upsertUser.Close()

	userIDs := make(map[string]int64)
	userID := func(username string, ts int64) (int64, error) {
		if id, ok := userIDs[username]; ok {
			return id, nil
		}
		var id int64
		if err := upsertUser.QueryRow(username, ts, ts).Scan(&id); err != nil {
			return 0, err
		}
		userIDs[username] = id
		return id, nil
	}

	// 1. last_seen updates
	for username, ts := range seen {
		if _, err := userID(username, ts); err != nil {
			log.Printf("WriteBuffer: failed to update last_seen for %s: %v", username, err)
		}
	}

	// 2. Message inserts
	if len(messages) > 0 {
		stmt, err := tx.Prepare(`
			INSERT INTO messages (id, sender_id, message, created_at, message_type, is_private, recipient_id)
			VALUES (?, ?, ?, ?, ?, ?, ?)
		`)
		if err != nil {
			log.Printf("WriteBuffer: failed to prepare message insert: %v", err)
			wb.requeue(messages, seen)
			return
		}
		defer stmt.Close()

		for _, msg := range messages {
			ts := msg.CreatedAt.UnixMilli()
			senderID, err := userID(msg.Username, ts)
			if err != nil {
				log.Printf("WriteBuffer: dropping message from %s: %v", msg.Username, err)
				continue
			}

			var recipientID sql.NullInt64
			if msg.Recipient != "" {
				id, err := userID(msg.Recipient, ts)
				if err == nil {
					recipientID = sql.NullInt64{Int64: id, Valid: true}
				}
			}

			if _, err := stmt.Exec(wb.db.snowflake.NextID(), senderID, msg.Message, ts, msg.MessageType, msg.IsPrivate, recipientID); err != nil {
				log.Printf("WriteBuffer: failed to insert message from %s: %v", msg.Username, err)
			}
		}
	}

	if err := tx.Commit(); err != nil {
		log.Printf("WriteBuffer: failed to commit transaction: %v", err)
		wb.requeue(messages, seen)
		return
	}

	// Only log slow flushes (those that exceed the flush interval)
	if elapsed := time.Since(start); elapsed > wb.flushInterval {
		log.Printf("WriteBuffer: flushed %d messages, %d last_seen updates in %v", len(messages), len(seen), elapsed)
	}
}

// requeue puts a failed batch back in front of anything queued since
func (wb *WriteBuffer) requeue(messages []MessageRecord, seen map[string]int64) {
	wb.messageMu.Lock()
	wb.messageInserts = append(messages, wb.messageInserts...)
	wb.messageMu.Unlock()

	wb.seenMu.Lock()
	for username, ts := range seen {
		if _, newer := wb.seenUpdates[username]; !newer {
			wb.seenUpdates[username] = ts
		}
	}
	wb.seenMu.Unlock()
}

// Close shuts down the write buffer and flushes remaining writes
func (wb *WriteBuffer) Close() {
	wb.closeOnce.Do(func() {
		close(wb.shutdown)
	})
	wb.wg.Wait()
}
