package database

import (
	"errors"
	"time"

	"go.uber.org/zap"
	"gorm.io/gorm"
)

const migrationBackfillOperationChecksums = "2026-07-14_backfill_operation_checksums"

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
		{name: migrationBackfillOperationChecksums, apply: backfillOperationChecksums},
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
		if err := migration.apply(db); err != nil {
			return err
		}
		appliedAt := time.Now().UTC().Unix()
		if err := db.Create(&migrationRecord{Name: migration.name, AppliedAtSeconds: appliedAt}).Error; err != nil {
			return err
		}
		if logger != nil {
			logger.Info("database migration applied", zap.String("migration", migration.name))
		}
	}
	return nil
}

// backfillOperationChecksums fills log rows written before checksums were
// recorded: each row inherits the document's current checksum so replay
// tooling never sees an empty column.
func backfillOperationChecksums(db *gorm.DB) error {
	return db.Exec(
		"UPDATE document_operations SET checksum = "+
			"(SELECT checksum FROM documents WHERE documents.document_id = document_operations.document_id) "+
			"WHERE checksum = '' AND EXISTS "+
			"(SELECT 1 FROM documents WHERE documents.document_id = document_operations.document_id);",
	).Error
}
