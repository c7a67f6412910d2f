// Package storage provides sql-backed stores for moderation state: recorded
// violations, user bans and recent messages. Each table is represented by a
// struct with the business logic for its data type, all working through the
// shared engine wrapper supporting sqlite and postgres.
package storage

import (
	"context"
	"fmt"
	"log"
	"time"

	"github.com/verchik/tg-moder/app/storage/engine"
	"github.com/verchik/tg-moder/lib/modcheck"
)

// violation table commands
const (
	CmdCreateViolationsTable engine.DBCmd = iota + 100
)

var violationsSchema = engine.NewQueryMap().Add(CmdCreateViolationsTable, engine.Query{
	Sqlite: `CREATE TABLE IF NOT EXISTS violations (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		gid TEXT NOT NULL DEFAULT '',
		user_id INTEGER NOT NULL,
		user_name TEXT,
		category TEXT NOT NULL,
		reason TEXT,
		msg TEXT,
		timestamp DATETIME DEFAULT CURRENT_TIMESTAMP
	)`,
	Postgres: `CREATE TABLE IF NOT EXISTS violations (
		id SERIAL PRIMARY KEY,
		gid TEXT NOT NULL DEFAULT '',
		user_id BIGINT NOT NULL,
		user_name TEXT,
		category TEXT NOT NULL,
		reason TEXT,
		msg TEXT,
		timestamp TIMESTAMP DEFAULT CURRENT_TIMESTAMP
	)`,
})

// Violations is a storage for recorded user violations.
type Violations struct {
	db   *engine.SQL
	lock engine.RWLocker
}

// ViolationInfo represents a single recorded violation.
type ViolationInfo struct {
	ID        int64             `db:"id"`
	GID       string            `db:"gid"`
	UserID    int64             `db:"user_id"`
	UserName  string            `db:"user_name"`
	Category  modcheck.Category `db:"category"`
	Reason    string            `db:"reason"`
	Msg       string            `db:"msg"`
	Timestamp time.Time         `db:"timestamp"`
}

// NewViolations creates the violations table if needed.
func NewViolations(ctx context.Context, db *engine.SQL) (*Violations, error) {
	if err := engine.InitTable(ctx, db, violationsSchema, CmdCreateViolationsTable); err != nil {
		return nil, fmt.Errorf("failed to create violations table: %w", err)
	}
	return &Violations{db: db, lock: db.MakeLock()}, nil
}

// Record adds a violation and returns the user's running violation count.
func (v *Violations) Record(ctx context.Context, info ViolationInfo) (int, error) {
	v.lock.Lock()
	defer v.lock.Unlock()

	query := v.db.Adapter(`INSERT INTO violations (gid, user_id, user_name, category, reason, msg) VALUES (?, ?, ?, ?, ?, ?)`)
	if _, err := v.db.ExecContext(ctx, query, v.db.GID(), info.UserID, info.UserName, info.Category, info.Reason, info.Msg); err != nil {
		return 0, fmt.Errorf("failed to insert violation: %w", err)
	}

	var count int
	query = v.db.Adapter(`SELECT COUNT(*) FROM violations WHERE gid = ? AND user_id = ?`)
	if err := v.db.GetContext(ctx, &count, query, v.db.GID(), info.UserID); err != nil {
		return 0, fmt.Errorf("failed to count violations: %w", err)
	}
	log.Printf("[INFO] violation recorded for user_id:%d, category:%s, total:%d", info.UserID, info.Category, count)
	return count, nil
}

// Count returns the user's violation count.
func (v *Violations) Count(ctx context.Context, userID int64) (int, error) {
	v.lock.RLock()
	defer v.lock.RUnlock()

	var count int
	query := v.db.Adapter(`SELECT COUNT(*) FROM violations WHERE gid = ? AND user_id = ?`)
	if err := v.db.GetContext(ctx, &count, query, v.db.GID(), userID); err != nil {
		return 0, fmt.Errorf("failed to count violations: %w", err)
	}
	return count, nil
}

// Recent returns the latest violations, newest first.
func (v *Violations) Recent(ctx context.Context, limit int) ([]ViolationInfo, error) {
	v.lock.RLock()
	defer v.lock.RUnlock()

	var res []ViolationInfo
	query := v.db.Adapter(`SELECT id, gid, user_id, user_name, category, reason, msg, timestamp
		FROM violations WHERE gid = ? ORDER BY timestamp DESC, id DESC LIMIT ?`)
	if err := v.db.SelectContext(ctx, &res, query, v.db.GID(), limit); err != nil {
		return nil, fmt.Errorf("failed to get violations: %w", err)
	}
	return res, nil
}
