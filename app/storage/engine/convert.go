package engine

import (
	"context"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/jmoiron/sqlx"
)

// Converter exports a sqlite database in postgres format, used for
// migrating an existing installation to postgres storage.
type Converter struct {
	db *SQL
}

// NewConverter creates a new converter for the given SQL engine
func NewConverter(db *SQL) *Converter {
	return &Converter{db: db}
}

// SqliteToPostgres converts a SQLite database to PostgreSQL format and writes it to the provided writer.
// It only converts the moderation tables: violations, bans, messages.
func (c *Converter) SqliteToPostgres(ctx context.Context, w io.Writer) error {
	if c.db.dbType != Sqlite {
		return fmt.Errorf("source database must be SQLite, got %s", c.db.dbType)
	}

	// consistent snapshot for the whole export
	tx, err := c.db.BeginTxx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	timestamp := time.Now().Format(time.RFC3339)
	header := fmt.Sprintf("-- SQLite to PostgreSQL export for tg-moder\n-- Generated: %s\n-- GID: %s\n\n", timestamp, c.db.gid)
	if _, writeErr := io.WriteString(w, header); writeErr != nil {
		return fmt.Errorf("failed to write header: %w", writeErr)
	}

	if _, writeErr := io.WriteString(w, "BEGIN;\n\n"); writeErr != nil {
		return fmt.Errorf("failed to write transaction start: %w", writeErr)
	}

	for _, table := range []string{"violations", "bans", "messages"} {
		var count int
		query := "SELECT COUNT(*) FROM sqlite_master WHERE type='table' AND name=?"
		if err := tx.GetContext(ctx, &count, query, table); err != nil {
			return fmt.Errorf("failed to check if table %s exists: %w", table, err)
		}
		if count == 0 {
			continue // table doesn't exist, skip it
		}
		if err := c.convertTable(ctx, tx, w, table); err != nil {
			return err
		}
	}

	if _, err := io.WriteString(w, "COMMIT;\n"); err != nil {
		return fmt.Errorf("failed to write transaction commit: %w", err)
	}
	return nil
}

// convertTable exports a SQLite table in PostgreSQL format
func (c *Converter) convertTable(ctx context.Context, tx *sqlx.Tx, w io.Writer, table string) error {
	var createStmt string
	query := fmt.Sprintf("SELECT sql FROM sqlite_master WHERE type='table' AND name='%s'", table)
	if err := tx.GetContext(ctx, &createStmt, query); err != nil {
		return fmt.Errorf("failed to get schema for table %s: %w", table, err)
	}

	pgCreateStmt := c.convertTableSchema(createStmt)
	if _, writeErr := fmt.Fprintf(w, "%s;\n\n", pgCreateStmt); writeErr != nil {
		return fmt.Errorf("failed to write schema: %w", writeErr)
	}

	columns, err := c.getTableColumns(ctx, tx, table)
	if err != nil {
		return err
	}

	if err := c.exportTableData(ctx, tx, w, table, columns); err != nil {
		return err
	}

	if err := c.convertIndices(ctx, tx, w, table); err != nil {
		return err
	}

	if _, err := io.WriteString(w, "\n"); err != nil {
		return fmt.Errorf("failed to write newline: %w", err)
	}
	return nil
}

// convertTableSchema converts a SQLite CREATE TABLE statement to PostgreSQL
// syntax. The moderation tables only need the common type mappings.
func (c *Converter) convertTableSchema(sqliteStmt string) string {
	pgStmt := sqliteStmt
	pgStmt = strings.ReplaceAll(pgStmt, "INTEGER PRIMARY KEY AUTOINCREMENT", "SERIAL PRIMARY KEY")
	pgStmt = strings.ReplaceAll(pgStmt, "DATETIME", "TIMESTAMP")
	pgStmt = strings.ReplaceAll(pgStmt, "chat_id INTEGER", "chat_id BIGINT")
	pgStmt = strings.ReplaceAll(pgStmt, "user_id INTEGER", "user_id BIGINT")
	return pgStmt
}

// getTableColumns returns the column names for a SQLite table
func (c *Converter) getTableColumns(ctx context.Context, tx *sqlx.Tx, table string) ([]string, error) {
	var columns []string
	query := "SELECT name FROM PRAGMA_TABLE_INFO(?)"
	if err := tx.SelectContext(ctx, &columns, query, table); err != nil {
		return nil, fmt.Errorf("failed to get columns for table %s: %w", table, err)
	}
	return columns, nil
}

// exportTableData exports data from a SQLite table in PostgreSQL COPY format
func (c *Converter) exportTableData(ctx context.Context, tx *sqlx.Tx, w io.Writer, table string, columns []string) error {
	var count int
	if err := tx.GetContext(ctx, &count, fmt.Sprintf("SELECT COUNT(*) FROM %s", table)); err != nil {
		return fmt.Errorf("failed to get row count: %w", err)
	}
	if count == 0 {
		return nil // no data to export
	}

	if _, err := fmt.Fprintf(w, "-- Data for table %s\n", table); err != nil {
		return fmt.Errorf("failed to write comment: %w", err)
	}
	if _, err := fmt.Fprintf(w, "COPY %s (%s) FROM stdin;\n", table, strings.Join(columns, ", ")); err != nil {
		return fmt.Errorf("failed to write COPY header: %w", err)
	}

	rows, err := tx.QueryxContext(ctx, fmt.Sprintf("SELECT * FROM %s", table))
	if err != nil {
		return fmt.Errorf("failed to query data: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		row := make(map[string]interface{})
		if err := rows.MapScan(row); err != nil {
			return fmt.Errorf("failed to scan row: %w", err)
		}

		values := make([]string, 0, len(columns))
		for _, col := range columns {
			val, exists := row[col]
			if !exists {
				values = append(values, "\\N") // NULL in COPY format
				continue
			}
			values = append(values, c.formatPostgresValue(val))
		}

		if _, err := fmt.Fprintf(w, "%s\n", strings.Join(values, "\t")); err != nil {
			return fmt.Errorf("failed to write data row: %w", err)
		}
	}
	if err := rows.Err(); err != nil {
		return fmt.Errorf("error iterating rows: %w", err)
	}

	if _, err := io.WriteString(w, "\\.\n\n"); err != nil {
		return fmt.Errorf("failed to write COPY end: %w", err)
	}
	return nil
}

// convertIndices converts SQLite indices to PostgreSQL format
func (c *Converter) convertIndices(ctx context.Context, tx *sqlx.Tx, w io.Writer, table string) error {
	var indices []struct {
		SQL string `db:"sql"`
	}
	query := fmt.Sprintf("SELECT sql FROM sqlite_master WHERE type='index' AND tbl_name='%s' AND sql IS NOT NULL", table)
	if err := tx.SelectContext(ctx, &indices, query); err != nil {
		return fmt.Errorf("failed to get indices: %w", err)
	}

	for _, idx := range indices {
		pgIndex := strings.ReplaceAll(idx.SQL, "IF NOT EXISTS", "")
		if _, err := fmt.Fprintf(w, "%s;\n", pgIndex); err != nil {
			return fmt.Errorf("failed to write index: %w", err)
		}
	}
	return nil
}

// formatPostgresValue formats a value for PostgreSQL COPY format
func (c *Converter) formatPostgresValue(value interface{}) string {
	switch v := value.(type) {
	case nil:
		return "\\N"
	case []byte:
		return escapeCopyText(string(v))
	case string:
		return escapeCopyText(v)
	case time.Time:
		return v.Format("2006-01-02 15:04:05")
	default:
		return fmt.Sprintf("%v", v)
	}
}

// escapeCopyText escapes a text value per the COPY text format rules
func escapeCopyText(s string) string {
	s = strings.ReplaceAll(s, "\\", "\\\\")
	s = strings.ReplaceAll(s, "\t", "\\t")
	s = strings.ReplaceAll(s, "\n", "\\n")
	s = strings.ReplaceAll(s, "\r", "\\r")
	return s
}
