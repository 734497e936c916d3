package offline

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	_ "github.com/lib/pq"
	_ "github.com/mattn/go-sqlite3"
)

const (
	sqlSlotTableName    = "offline_slots"
	sqlOperationTimeout = 5 * time.Second
)

type sqlOpenFunc func(driverName, dsn string) (*sql.DB, error)

type sqlDialect struct {
	driver        string
	now           string
	timestampType string
	placeholder   func(n int) string
}

var postgresDialect = sqlDialect{
	driver:        "postgres",
	now:           "NOW()",
	timestampType: "TIMESTAMPTZ",
	placeholder:   func(n int) string { return fmt.Sprintf("$%d", n) },
}

var sqliteDialect = sqlDialect{
	driver:        "sqlite3",
	now:           "CURRENT_TIMESTAMP",
	timestampType: "TIMESTAMP",
	placeholder:   func(int) string { return "?" },
}

// SQLBackend keeps every slot as one row of a key/payload table. The same code
// serves Postgres (lib/pq) and SQLite (mattn/go-sqlite3).
type SQLBackend struct {
	dsn       string
	tableName string
	dialect   sqlDialect
	openDB    sqlOpenFunc

	initOnce sync.Once
	initErr  error
	db       *sql.DB
}

func NewPostgresBackend(dsn string) (*SQLBackend, error) {
	dsn = strings.TrimSpace(dsn)
	if dsn == "" {
		return nil, ErrInvalidInput
	}
	return &SQLBackend{
		dsn:       dsn,
		tableName: sqlSlotTableName,
		dialect:   postgresDialect,
		openDB:    sql.Open,
	}, nil
}

func NewSQLiteBackend(path string) (*SQLBackend, error) {
	path = strings.TrimSpace(path)
	if path == "" {
		return nil, ErrInvalidInput
	}
	file := path
	if idx := strings.Index(file, "?"); idx >= 0 {
		file = file[:idx]
	}
	if dir := filepath.Dir(file); dir != "." && file != ":memory:" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, err
		}
	}
	return &SQLBackend{
		dsn:       path,
		tableName: sqlSlotTableName,
		dialect:   sqliteDialect,
		openDB:    sql.Open,
	}, nil
}

func (b *SQLBackend) Load(slot string) ([]byte, error) {
	if !validSlot(slot) {
		return nil, fmt.Errorf("%w: slot %q", ErrInvalidInput, slot)
	}
	if err := b.ensureReady(); err != nil {
		return nil, err
	}
	ctx, cancel := context.WithTimeout(context.Background(), sqlOperationTimeout)
	defer cancel()

	query := fmt.Sprintf("SELECT payload FROM %s WHERE slot_key = %s", quoteIdentifier(b.tableName), b.dialect.placeholder(1))
	var payload string
	err := b.db.QueryRowContext(ctx, query, slot).Scan(&payload)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return []byte(payload), nil
}

func (b *SQLBackend) Save(slot string, data []byte) error {
	if !validSlot(slot) {
		return fmt.Errorf("%w: slot %q", ErrInvalidInput, slot)
	}
	if err := b.ensureReady(); err != nil {
		return err
	}
	ctx, cancel := context.WithTimeout(context.Background(), sqlOperationTimeout)
	defer cancel()

	query := fmt.Sprintf(`
		INSERT INTO %s (slot_key, payload, updated_at)
		VALUES (%s, %s, %s)
		ON CONFLICT (slot_key)
		DO UPDATE SET payload = excluded.payload, updated_at = %s`,
		quoteIdentifier(b.tableName),
		b.dialect.placeholder(1), b.dialect.placeholder(2), b.dialect.now, b.dialect.now)
	_, err := b.db.ExecContext(ctx, query, slot, string(data))
	return err
}

func (b *SQLBackend) Close() error {
	if b == nil || b.db == nil {
		return nil
	}
	return b.db.Close()
}

func (b *SQLBackend) ensureReady() error {
	if b == nil {
		return ErrInvalidInput
	}
	b.initOnce.Do(func() {
		db, err := b.openDB(b.dialect.driver, b.dsn)
		if err != nil {
			b.initErr = err
			return
		}
		ctx, cancel := context.WithTimeout(context.Background(), sqlOperationTimeout)
		defer cancel()

		query := fmt.Sprintf(`
			CREATE TABLE IF NOT EXISTS %s (
				slot_key TEXT PRIMARY KEY,
				payload TEXT NOT NULL,
				updated_at %s NOT NULL DEFAULT CURRENT_TIMESTAMP
			)`, quoteIdentifier(b.tableName), b.dialect.timestampType)
		if _, err := db.ExecContext(ctx, query); err != nil {
			_ = db.Close()
			b.initErr = err
			return
		}
		b.db = db
	})
	return b.initErr
}

func quoteIdentifier(identifier string) string {
	identifier = strings.TrimSpace(identifier)
	if identifier == "" {
		return "\"\""
	}
	return `"` + strings.ReplaceAll(identifier, `"`, `""`) + `"`
}
