package storage

import (
	"context"
	"fmt"
	"time"

	"github.com/jmoiron/sqlx"
	"github.com/sirupsen/logrus"

	"github.com/yieldvault/deposit-monitor/internal/config"
	"github.com/yieldvault/deposit-monitor/pkg/utils"
)

var _ Storage = (*SQLStore)(nil)

// SQLStore implements Storage on top of sqlx for SQLite and PostgreSQL.
// Queries are written with ? placeholders and rebound per driver.
type SQLStore struct {
	db      *sqlx.DB
	config  *config.StorageConfig
	dialect dialect
	logger  *logrus.Entry
}

func newSQLStore(cfg *config.StorageConfig, d dialect) *SQLStore {
	return &SQLStore{
		config:  cfg,
		dialect: d,
		logger:  utils.ComponentLogger("storage").WithField("driver", d.name()),
	}
}

// Driver returns the dialect name ("sqlite" or "postgres")
func (s *SQLStore) Driver() string {
	return s.dialect.name()
}

// Connect establishes database connection
func (s *SQLStore) Connect() error {
	dsn, err := s.dialect.dataSource(s.config)
	if err != nil {
		return err
	}

	db, err := sqlx.Open(s.dialect.driverName(), dsn)
	if err != nil {
		return utils.WrapAppError(utils.ErrCodeDatabase, "Failed to open database", err)
	}

	if err := s.dialect.configure(db, s.config); err != nil {
		db.Close()
		return err
	}

	s.db = db
	s.logger.Info("Database connected")
	return nil
}

// Close closes the database connection
func (s *SQLStore) Close() error {
	if s.db == nil {
		return nil
	}
	err := s.db.Close()
	s.db = nil
	s.logger.Info("Database connection closed")
	return err
}

// Ping checks database connectivity
func (s *SQLStore) Ping(ctx context.Context) error {
	if s.db == nil {
		return utils.NewAppError(utils.ErrCodeDatabase, "Database not connected")
	}
	return s.db.PingContext(ctx)
}

// DB exposes the underlying handle for tests and maintenance commands
func (s *SQLStore) DB() *sqlx.DB {
	return s.db
}

// withTx runs fn in a transaction, rolling back on error or panic
func (s *SQLStore) withTx(ctx context.Context, fn func(tx *sqlx.Tx) error) (err error) {
	if s.db == nil {
		return utils.NewAppError(utils.ErrCodeDatabase, "Database not connected")
	}

	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return utils.WrapAppError(utils.ErrCodeDatabase, "Failed to begin transaction", err)
	}

	defer func() {
		if p := recover(); p != nil {
			_ = tx.Rollback()
			panic(p)
		}
		if err != nil {
			if rbErr := tx.Rollback(); rbErr != nil {
				s.logger.WithError(rbErr).Error("Failed to roll back transaction")
			}
		}
	}()

	if err = fn(tx); err != nil {
		return err
	}

	if err = tx.Commit(); err != nil {
		return utils.WrapAppError(utils.ErrCodeDatabase, "Failed to commit transaction", err)
	}
	return nil
}

// GetStorageStats returns row counts and connection usage
func (s *SQLStore) GetStorageStats(ctx context.Context) (*StorageStats, error) {
	if err := s.notConnected(); err != nil {
		return nil, err
	}
	stats := &StorageStats{Driver: s.dialect.name()}

	counts := []struct {
		query string
		dest  *int64
	}{
		{"SELECT COUNT(*) FROM deposit_history", &stats.TotalDeposits},
		{"SELECT COUNT(*) FROM users", &stats.TotalAccounts},
		{"SELECT COUNT(*) FROM monitor_state", &stats.MonitoredContract},
		{"SELECT COUNT(*) FROM reorg_events", &stats.ReorgEvents},
	}
	for _, c := range counts {
		if err := s.db.GetContext(ctx, c.dest, c.query); err != nil {
			return nil, utils.WrapAppError(utils.ErrCodeDatabase, "Failed to get storage stats", err)
		}
	}

	var latest []time.Time
	if err := s.db.SelectContext(ctx, &latest,
		"SELECT timestamp FROM deposit_history ORDER BY timestamp DESC LIMIT 1"); err != nil {
		return nil, utils.WrapAppError(utils.ErrCodeDatabase, "Failed to get latest deposit", err)
	}
	if len(latest) == 1 {
		stats.LatestDeposit = &latest[0]
	}

	stats.OpenConnections = s.db.Stats().OpenConnections
	return stats, nil
}

func (s *SQLStore) notConnected() error {
	if s.db == nil {
		return utils.NewAppError(utils.ErrCodeDatabase, "Database not connected")
	}
	return nil
}

func dbError(message string, err error) error {
	return utils.WrapAppError(utils.ErrCodeDatabase, message, err)
}

func notFound(format string, args ...interface{}) error {
	return fmt.Errorf("%w: %s", ErrNotFound, fmt.Sprintf(format, args...))
}

func now() time.Time {
	return time.Now().UTC()
}
