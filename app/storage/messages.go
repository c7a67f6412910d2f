package storage

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/verchik/tg-moder/app/storage/engine"
	"github.com/verchik/tg-moder/lib/modcheck"
)

// message table commands
const (
	CmdCreateMessagesTable engine.DBCmd = iota + 300
)

var messagesSchema = engine.NewQueryMap().Add(CmdCreateMessagesTable, engine.Query{
	Sqlite: `CREATE TABLE IF NOT EXISTS messages (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		gid TEXT NOT NULL DEFAULT '',
		chat_id INTEGER NOT NULL,
		user_id INTEGER NOT NULL,
		user_name TEXT,
		text TEXT,
		category TEXT,
		checks TEXT,
		timestamp DATETIME DEFAULT CURRENT_TIMESTAMP
	)`,
	Postgres: `CREATE TABLE IF NOT EXISTS messages (
		id SERIAL PRIMARY KEY,
		gid TEXT NOT NULL DEFAULT '',
		chat_id BIGINT NOT NULL,
		user_id BIGINT NOT NULL,
		user_name TEXT,
		text TEXT,
		category TEXT,
		checks TEXT,
		timestamp TIMESTAMP DEFAULT CURRENT_TIMESTAMP
	)`,
})

// Messages is a storage of classified messages, kept for audit and for the
// per-user recent view.
type Messages struct {
	db   *engine.SQL
	lock engine.RWLocker
}

// MessageInfo represents a stored classified message.
type MessageInfo struct {
	ID         int64               `db:"id"`
	GID        string              `db:"gid"`
	ChatID     int64               `db:"chat_id"`
	UserID     int64               `db:"user_id"`
	UserName   string              `db:"user_name"`
	Text       string              `db:"text"`
	Category   modcheck.Category   `db:"category"`
	ChecksJSON string              `db:"checks"` // stored as JSON
	Checks     []modcheck.Response `db:"-"`
	Timestamp  time.Time           `db:"timestamp"`
}

// NewMessages creates the messages table if needed.
func NewMessages(ctx context.Context, db *engine.SQL) (*Messages, error) {
	if err := engine.InitTable(ctx, db, messagesSchema, CmdCreateMessagesTable); err != nil {
		return nil, fmt.Errorf("failed to create messages table: %w", err)
	}
	return &Messages{db: db, lock: db.MakeLock()}, nil
}

// Add stores a classified message with its audit trail.
func (m *Messages) Add(ctx context.Context, info MessageInfo) error {
	m.lock.Lock()
	defer m.lock.Unlock()

	checksJSON, err := json.Marshal(info.Checks)
	if err != nil {
		return fmt.Errorf("failed to marshal checks: %w", err)
	}
	query := m.db.Adapter(`INSERT INTO messages (gid, chat_id, user_id, user_name, text, category, checks)
		VALUES (?, ?, ?, ?, ?, ?, ?)`)
	if _, err := m.db.ExecContext(ctx, query, m.db.GID(), info.ChatID, info.UserID, info.UserName,
		info.Text, info.Category, string(checksJSON)); err != nil {
		return fmt.Errorf("failed to insert message: %w", err)
	}
	return nil
}

// Recent returns the user's latest messages, newest first.
func (m *Messages) Recent(ctx context.Context, userID int64, limit int) ([]MessageInfo, error) {
	m.lock.RLock()
	defer m.lock.RUnlock()

	var res []MessageInfo
	query := m.db.Adapter(`SELECT id, gid, chat_id, user_id, user_name, text, category, checks, timestamp
		FROM messages WHERE gid = ? AND user_id = ? ORDER BY timestamp DESC, id DESC LIMIT ?`)
	if err := m.db.SelectContext(ctx, &res, query, m.db.GID(), userID, limit); err != nil {
		return nil, fmt.Errorf("failed to get messages: %w", err)
	}
	for i, entry := range res {
		if entry.ChecksJSON == "" {
			continue
		}
		var checks []modcheck.Response
		if err := json.Unmarshal([]byte(entry.ChecksJSON), &checks); err != nil {
			return nil, fmt.Errorf("failed to unmarshal checks for message %d: %w", entry.ID, err)
		}
		res[i].Checks = checks
	}
	return res, nil
}
