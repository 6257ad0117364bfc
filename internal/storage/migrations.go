package storage

import (
	"context"
	"embed"
	"io/fs"
	"path"

	"github.com/jmoiron/sqlx"
	"github.com/pressly/goose/v3"
	"github.com/sirupsen/logrus"

	"github.com/yieldvault/deposit-monitor/internal/config"
	"github.com/yieldvault/deposit-monitor/pkg/utils"
)

//go:embed migrations/sqlite/*.sql migrations/postgres/*.sql
var migrationFS embed.FS

// dialect holds the per-driver differences of SQLStore
type dialect interface {
	name() string
	driverName() string
	gooseDialect() goose.Dialect
	migrationDir() string
	lockClause() string
	dataSource(cfg *config.StorageConfig) (string, error)
	configure(db *sqlx.DB, cfg *config.StorageConfig) error
	isUniqueViolation(err error) bool
}

// MigrationStatus is the applied state of one embedded migration
type MigrationStatus struct {
	Version int64  `json:"version"`
	Path    string `json:"path"`
	State   string `json:"state"`
}

func (s *SQLStore) migrationProvider() (*goose.Provider, error) {
	if err := s.notConnected(); err != nil {
		return nil, err
	}

	fsys, err := fs.Sub(migrationFS, path.Join("migrations", s.dialect.migrationDir()))
	if err != nil {
		return nil, utils.WrapAppError(utils.ErrCodeInternal, "Failed to load embedded migrations", err)
	}

	provider, err := goose.NewProvider(s.dialect.gooseDialect(), s.db.DB, fsys)
	if err != nil {
		return nil, utils.WrapAppError(utils.ErrCodeDatabase, "Failed to create migration provider", err)
	}
	return provider, nil
}

// Migrate applies every pending embedded migration
func (s *SQLStore) Migrate(ctx context.Context) error {
	provider, err := s.migrationProvider()
	if err != nil {
		return err
	}

	s.logger.Info("Starting database migrations")

	results, err := provider.Up(ctx)
	if err != nil {
		return utils.WrapAppError(utils.ErrCodeDatabase, "Migration failed", err)
	}

	for _, result := range results {
		s.logger.WithFields(logrus.Fields{
			"version":  result.Source.Version,
			"path":     result.Source.Path,
			"duration": result.Duration,
		}).Info("Applied migration")
	}

	s.logger.WithField("applied", len(results)).Info("Database migrations completed")
	return nil
}

// MigrationStatus lists the embedded migrations and whether each is applied
func (s *SQLStore) MigrationStatus(ctx context.Context) ([]MigrationStatus, error) {
	provider, err := s.migrationProvider()
	if err != nil {
		return nil, err
	}

	statuses, err := provider.Status(ctx)
	if err != nil {
		return nil, utils.WrapAppError(utils.ErrCodeDatabase, "Failed to read migration status", err)
	}

	out := make([]MigrationStatus, 0, len(statuses))
	for _, st := range statuses {
		out = append(out, MigrationStatus{
			Version: st.Source.Version,
			Path:    st.Source.Path,
			State:   string(st.State),
		})
	}
	return out, nil
}
