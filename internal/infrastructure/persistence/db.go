package persistence

import (
	"fmt"
	"time"

	"gorm.io/driver/postgres"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"

	"github.com/drammen94/mira-OSS/internal/infrastructure/config"
	"github.com/drammen94/mira-OSS/internal/infrastructure/persistence/models"
)

// NewDBConnection opens the SQL store and migrates the schema. Postgres is
// the production substrate (pgvector for embeddings); sqlite serves local
// development and tests.
func NewDBConnection(cfg *config.DatabaseConfig) (*gorm.DB, error) {
	var dialector gorm.Dialector

	switch cfg.Type {
	case "sqlite":
		dialector = sqlite.Open(cfg.DSN)
	case "postgres":
		dialector = postgres.Open(cfg.DSN)
	default:
		return nil, fmt.Errorf("unsupported database type: %s", cfg.Type)
	}

	gormConfig := &gorm.Config{
		Logger: logger.Default.LogMode(logger.Warn),
		NowFunc: func() time.Time {
			return time.Now().UTC()
		},
	}

	db, err := gorm.Open(dialector, gormConfig)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to database: %w", err)
	}

	if cfg.Type == "postgres" {
		// The vector column type requires the extension before migration.
		if err := db.Exec("CREATE EXTENSION IF NOT EXISTS vector").Error; err != nil {
			return nil, fmt.Errorf("failed to enable pgvector: %w", err)
		}
	}

	if err := autoMigrate(db); err != nil {
		return nil, fmt.Errorf("failed to migrate database: %w", err)
	}

	return db, nil
}

func autoMigrate(db *gorm.DB) error {
	return db.AutoMigrate(
		&models.ContinuumModel{},
		&models.MessageModel{},
		&models.MemoryModel{},
		&models.MemoryLinkModel{},
		&models.DomainKnowledgeBlockModel{},
		&models.DomainKnowledgeContentModel{},
		&models.RetrievalLogModel{},
		&models.ReminderModel{},
	)
}
