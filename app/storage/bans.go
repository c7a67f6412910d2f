package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log"
	"time"

	"github.com/verchik/tg-moder/app/storage/engine"
)

// ban table commands
const (
	CmdCreateBansTable engine.DBCmd = iota + 200
)

var bansSchema = engine.NewQueryMap().Add(CmdCreateBansTable, engine.Query{
	Sqlite: `CREATE TABLE IF NOT EXISTS bans (
		gid TEXT NOT NULL DEFAULT '',
		user_id INTEGER NOT NULL,
		user_name TEXT,
		reason TEXT,
		timestamp DATETIME DEFAULT CURRENT_TIMESTAMP,
		PRIMARY KEY (gid, user_id)
	)`,
	Postgres: `CREATE TABLE IF NOT EXISTS bans (
		gid TEXT NOT NULL DEFAULT '',
		user_id BIGINT NOT NULL,
		user_name TEXT,
		reason TEXT,
		timestamp TIMESTAMP DEFAULT CURRENT_TIMESTAMP,
		PRIMARY KEY (gid, user_id)
	)`,
})

// Bans is a storage for banned users.
type Bans struct {
	db   *engine.SQL
	lock engine.RWLocker
}

// BanInfo represents a single ban record.
type BanInfo struct {
	GID       string    `db:"gid"`
	UserID    int64     `db:"user_id"`
	UserName  string    `db:"user_name"`
	Reason    string    `db:"reason"`
	Timestamp time.Time `db:"timestamp"`
}

// NewBans creates the bans table if needed.
func NewBans(ctx context.Context, db *engine.SQL) (*Bans, error) {
	if err := engine.InitTable(ctx, db, bansSchema, CmdCreateBansTable); err != nil {
		return nil, fmt.Errorf("failed to create bans table: %w", err)
	}
	return &Bans{db: db, lock: db.MakeLock()}, nil
}

// Ban records a ban, replacing the previous record for the same user.
func (b *Bans) Ban(ctx context.Context, info BanInfo) error {
	b.lock.Lock()
	defer b.lock.Unlock()

	query := b.db.Adapter(`INSERT INTO bans (gid, user_id, user_name, reason) VALUES (?, ?, ?, ?)
		ON CONFLICT (gid, user_id) DO UPDATE SET user_name = excluded.user_name, reason = excluded.reason`)
	if _, err := b.db.ExecContext(ctx, query, b.db.GID(), info.UserID, info.UserName, info.Reason); err != nil {
		return fmt.Errorf("failed to insert ban: %w", err)
	}
	log.Printf("[INFO] user_id:%d banned, reason: %s", info.UserID, info.Reason)
	return nil
}

// Unban removes the ban record, no-op if the user was not banned.
func (b *Bans) Unban(ctx context.Context, userID int64) error {
	b.lock.Lock()
	defer b.lock.Unlock()

	query := b.db.Adapter(`DELETE FROM bans WHERE gid = ? AND user_id = ?`)
	if _, err := b.db.ExecContext(ctx, query, b.db.GID(), userID); err != nil {
		return fmt.Errorf("failed to delete ban: %w", err)
	}
	log.Printf("[INFO] user_id:%d unbanned", userID)
	return nil
}

// IsBanned reports whether the user has an active ban.
func (b *Bans) IsBanned(ctx context.Context, userID int64) (bool, error) {
	b.lock.RLock()
	defer b.lock.RUnlock()

	var count int
	query := b.db.Adapter(`SELECT COUNT(*) FROM bans WHERE gid = ? AND user_id = ?`)
	if err := b.db.GetContext(ctx, &count, query, b.db.GID(), userID); err != nil {
		return false, fmt.Errorf("failed to check ban: %w", err)
	}
	return count > 0, nil
}

// Reason returns the ban reason, empty string if the user is not banned.
func (b *Bans) Reason(ctx context.Context, userID int64) (string, error) {
	b.lock.RLock()
	defer b.lock.RUnlock()

	var reason string
	query := b.db.Adapter(`SELECT reason FROM bans WHERE gid = ? AND user_id = ?`)
	err := b.db.GetContext(ctx, &reason, query, b.db.GID(), userID)
	if errors.Is(err, sql.ErrNoRows) {
		return "", nil
	}
	if err != nil {
		return "", fmt.Errorf("failed to get ban reason: %w", err)
	}
	return reason, nil
}
