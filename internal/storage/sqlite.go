// File: internal/storage/sqlite.go
package storage

import (
	"errors"
	"os"
	"path/filepath"
	"strings"

	"github.com/jmoiron/sqlx"
	"github.com/pressly/goose/v3"
	"modernc.org/sqlite"
	sqlite3 "modernc.org/sqlite/lib"

	"github.com/yieldvault/deposit-monitor/internal/config"
	"github.com/yieldvault/deposit-monitor/pkg/utils"
)

func init() {
	// modernc registers itself as "sqlite", which sqlx does not know
	sqlx.BindDriver("sqlite", sqlx.QUESTION)
}

var sqlitePragmas = []string{
	"_pragma=foreign_keys(1)",
	"_pragma=busy_timeout(5000)",
	"_pragma=journal_mode(WAL)",
	"_time_format=sqlite",
}

type sqliteDialect struct{}

func (sqliteDialect) name() string                { return "sqlite" }
func (sqliteDialect) driverName() string          { return "sqlite" }
func (sqliteDialect) gooseDialect() goose.Dialect { return goose.DialectSQLite3 }
func (sqliteDialect) migrationDir() string        { return "sqlite" }
func (sqliteDialect) lockClause() string          { return "" }

// dataSource creates the database directory and appends the connection
// pragmas unless the caller supplied their own query string.
func (sqliteDialect) dataSource(cfg *config.StorageConfig) (string, error) {
	dsn := strings.TrimPrefix(cfg.ConnectionString, "sqlite://")
	if dsn == "" {
		return "", utils.NewAppError(utils.ErrCodeConfiguration, "SQLite path is required")
	}

	path := strings.TrimPrefix(dsn, "file:")
	if idx := strings.IndexByte(path, '?'); idx >= 0 {
		path = path[:idx]
	}
	if path != ":memory:" {
		if dir := filepath.Dir(path); dir != "." && dir != "" {
			if err := os.MkdirAll(dir, 0o755); err != nil {
				return "", utils.WrapAppError(utils.ErrCodeDatabase, "Failed to create database directory", err)
			}
		}
	}

	if strings.Contains(dsn, "?") {
		return dsn, nil
	}
	return dsn + "?" + strings.Join(sqlitePragmas, "&"), nil
}

// configure pins SQLite to one connection so the single writer never sees
// SQLITE_BUSY from itself.
func (sqliteDialect) configure(db *sqlx.DB, _ *config.StorageConfig) error {
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)
	db.SetConnMaxLifetime(0)
	db.SetConnMaxIdleTime(0)
	if err := db.Ping(); err != nil {
		return utils.WrapAppError(utils.ErrCodeDatabase, "Failed to open SQLite database", err)
	}
	return nil
}

func (sqliteDialect) isUniqueViolation(err error) bool {
	var sqliteErr *sqlite.Error
	if errors.As(err, &sqliteErr) {
		code := sqliteErr.Code()
		return code == sqlite3.SQLITE_CONSTRAINT_UNIQUE || code == sqlite3.SQLITE_CONSTRAINT_PRIMARYKEY
	}
	return err != nil && strings.Contains(err.Error(), "UNIQUE constraint failed")
}

// NewSQLiteStorage creates a new SQLite storage instance
func NewSQLiteStorage(cfg *config.StorageConfig) *SQLStore {
	return newSQLStore(cfg, sqliteDialect{})
}
