package database

import (
	"errors"
	"time"

	"go.uber.org/zap"
	"gorm.io/gorm"
)

const migrationUniqueVersionLabels = "2024-06-01_unique_version_labels"

type migrationRecord struct {
	Name             string `gorm:"column:name;primaryKey;size:190;not null"`
	AppliedAtSeconds int64  `gorm:"column:applied_at_s;not null"`
}

func (migrationRecord) TableName() string {
	return "db_migrations"
}

type migrationDefinition struct {
	name  string
	apply func(*gorm.DB) error
}

func applyMigrations(db *gorm.DB, logger *zap.Logger) error {
	migrations := []migrationDefinition{
		{name: migrationUniqueVersionLabels, apply: enforceUniqueVersionLabels},
	}

	for _, migration := range migrations {
		var record migrationRecord
		err := db.Where("name = ?", migration.name).Take(&record).Error
		if err == nil {
			continue
		}
		if !errors.Is(err, gorm.ErrRecordNotFound) {
			return err
		}
		err = db.Transaction(func(tx *gorm.DB) error {
			if err := migration.apply(tx); err != nil {
				return err
			}
			appliedAt := time.Now().UTC().Unix()
			return tx.Create(&migrationRecord{Name: migration.name, AppliedAtSeconds: appliedAt}).Error
		})
		if err != nil {
			return err
		}
		if logger != nil {
			logger.Info("database migration applied", zap.String("migration", migration.name))
		}
	}
	return nil
}

// enforceUniqueVersionLabels keeps the oldest row of every duplicated
// (changelog_id, version) pair and then adds the unique index. Version ids are
// UUIDv7, so the smallest id is the first one written.
func enforceUniqueVersionLabels(db *gorm.DB) error {
	dedupe := `DELETE FROM versions WHERE id NOT IN (
		SELECT keep_id FROM (
			SELECT MIN(id) AS keep_id FROM versions GROUP BY changelog_id, version
		) AS survivors
	)`
	if err := db.Exec(dedupe).Error; err != nil {
		return err
	}
	return db.Exec("CREATE UNIQUE INDEX IF NOT EXISTS idx_versions_changelog_label ON versions (changelog_id, version)").Error
}
