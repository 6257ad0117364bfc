// File: internal/storage/factory.go
package storage

import (
	"strings"

	"github.com/yieldvault/deposit-monitor/internal/config"
	"github.com/yieldvault/deposit-monitor/pkg/utils"
)

var supportedTypes = []string{"sqlite", "postgres", "postgresql"}

// NewStorage creates a new storage instance based on configuration
func NewStorage(cfg *config.StorageConfig) (*SQLStore, error) {
	if err := ValidateStorageConfig(cfg); err != nil {
		return nil, err
	}

	switch strings.ToLower(cfg.Type) {
	case "sqlite":
		return NewSQLiteStorage(cfg), nil
	default:
		return NewPostgreSQLStorage(cfg), nil
	}
}

// ValidateStorageConfig validates storage configuration
func ValidateStorageConfig(cfg *config.StorageConfig) error {
	if cfg.Type == "" {
		return utils.NewAppError(utils.ErrCodeConfiguration, "Storage type is required")
	}

	if cfg.ConnectionString == "" {
		return utils.NewAppError(utils.ErrCodeConfiguration, "Storage connection string is required")
	}

	for _, t := range supportedTypes {
		if strings.ToLower(cfg.Type) == t {
			return nil
		}
	}

	return utils.NewAppError(utils.ErrCodeConfiguration,
		"Unsupported storage type",
		"Supported types: "+strings.Join(supportedTypes, ", "))
}
