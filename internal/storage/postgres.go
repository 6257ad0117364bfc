// File: internal/storage/postgres.go
package storage

import (
	"errors"

	"github.com/jmoiron/sqlx"
	"github.com/lib/pq"
	"github.com/pressly/goose/v3"

	"github.com/yieldvault/deposit-monitor/internal/config"
	"github.com/yieldvault/deposit-monitor/pkg/utils"
)

const pgUniqueViolation = "23505"

type postgresDialect struct{}

func (postgresDialect) name() string                { return "postgres" }
func (postgresDialect) driverName() string          { return "postgres" }
func (postgresDialect) gooseDialect() goose.Dialect { return goose.DialectPostgres }
func (postgresDialect) migrationDir() string        { return "postgres" }
func (postgresDialect) lockClause() string          { return " FOR UPDATE" }

func (postgresDialect) dataSource(cfg *config.StorageConfig) (string, error) {
	if cfg.ConnectionString == "" {
		return "", utils.NewAppError(utils.ErrCodeConfiguration, "PostgreSQL connection string is required")
	}
	return cfg.ConnectionString, nil
}

func (postgresDialect) configure(db *sqlx.DB, cfg *config.StorageConfig) error {
	maxConns := cfg.MaxConnections
	if maxConns <= 0 {
		maxConns = 10
	}
	db.SetMaxOpenConns(maxConns)
	db.SetMaxIdleConns(maxConns / 2)
	db.SetConnMaxIdleTime(cfg.MaxIdleTime)

	if err := db.Ping(); err != nil {
		return utils.WrapAppError(utils.ErrCodeDatabase, "Failed to ping PostgreSQL database", err)
	}
	return nil
}

func (postgresDialect) isUniqueViolation(err error) bool {
	var pqErr *pq.Error
	return errors.As(err, &pqErr) && pqErr.Code == pgUniqueViolation
}

// NewPostgreSQLStorage creates a new PostgreSQL storage instance
func NewPostgreSQLStorage(cfg *config.StorageConfig) *SQLStore {
	return newSQLStore(cfg, postgresDialect{})
}
