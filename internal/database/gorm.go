package database

import (
	"fmt"

	"crm-automation/internal/config"
	"crm-automation/internal/models"

	"gorm.io/driver/postgres"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

// Open connects to PostgreSQL when DB_HOST is configured and falls back to a
// local sqlite file otherwise.
func Open(cfg *config.Config) (*gorm.DB, error) {
	// TranslateError maps driver duplicate-key errors to
	// gorm.ErrDuplicatedKey, which the dedup guard relies on.
	gormCfg := &gorm.Config{
		Logger:         logger.Default.LogMode(logger.Warn),
		TranslateError: true,
	}

	if cfg.DBHost == "" {
		return gorm.Open(sqlite.Open(cfg.SQLitePath), gormCfg)
	}

	dsn := fmt.Sprintf("host=%s user=%s password=%s dbname=%s port=%s sslmode=%s TimeZone=UTC",
		cfg.DBHost, cfg.DBUser, cfg.DBPassword, cfg.DBName, cfg.DBPort, cfg.DBSSLMode)
	return gorm.Open(postgres.Open(dsn), gormCfg)
}

// Migrate creates the schema and the indexes the engine's correctness
// depends on.
func Migrate(db *gorm.DB) error {
	err := db.AutoMigrate(
		&models.ActionRule{},
		&models.ActionExecution{},
		&models.ExecutionClaim{},
		&models.ActionTemplate{},
		&models.Contact{},
	)
	if err != nil {
		return fmt.Errorf("auto-migration: %w", err)
	}

	// At most one successful execution per (rule, trigger key). Partial
	// indexes are supported by both postgres and sqlite; gorm tags cannot
	// express the WHERE clause so it is created explicitly.
	err = db.Exec(`CREATE UNIQUE INDEX IF NOT EXISTS idx_executions_success_key
		ON action_executions (rule_id, triggered_by) WHERE status = 'success'`).Error
	if err != nil {
		return fmt.Errorf("create success dedup index: %w", err)
	}

	return nil
}
