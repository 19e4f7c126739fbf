package database

import (
	"path/filepath"
	"testing"

	sqlite "github.com/glebarez/sqlite"
	"go.uber.org/zap"
	"gorm.io/gorm"

	"github.com/MeridianWorksLab/compass/backend/internal/document"
)

func TestApplyMigrationsBackfillsOperationChecksums(testContext *testing.T) {
	tempDir := testContext.TempDir()
	databasePath := filepath.Join(tempDir, "migration.db")

	database, err := gorm.Open(sqlite.Open(databasePath), &gorm.Config{})
	if err != nil {
		testContext.Fatalf("failed to open sqlite: %v", err)
	}

	if err := database.AutoMigrate(&document.State{}, &document.OperationLog{}, &migrationRecord{}); err != nil {
		testContext.Fatalf("failed to migrate schema: %v", err)
	}

	state := document.State{
		DocumentID: "doc-1",
		Content:    "hello",
		Version:    2,
		Checksum:   document.ContentChecksum("hello"),
	}
	if err := database.Create(&state).Error; err != nil {
		testContext.Fatalf("failed to insert document: %v", err)
	}
	entry := document.OperationLog{
		EntryID:       "entry-1",
		DocumentID:    "doc-1",
		UserID:        "user-1",
		OpType:        "insert",
		VersionBefore: 1,
		VersionAfter:  2,
		Checksum:      "",
	}
	if err := database.Create(&entry).Error; err != nil {
		testContext.Fatalf("failed to insert log row: %v", err)
	}

	if err := applyMigrations(database, zap.NewNop()); err != nil {
		testContext.Fatalf("failed to apply migrations: %v", err)
	}

	var stored document.OperationLog
	if err := database.Where("entry_id = ?", "entry-1").Take(&stored).Error; err != nil {
		testContext.Fatalf("failed to reload log row: %v", err)
	}
	if stored.Checksum != state.Checksum {
		testContext.Fatalf("expected checksum backfill, got %q", stored.Checksum)
	}

	var record migrationRecord
	if err := database.Where("name = ?", migrationBackfillOperationChecksums).Take(&record).Error; err != nil {
		testContext.Fatalf("expected migration record to be created: %v", err)
	}
	if record.AppliedAtSeconds == 0 {
		testContext.Fatalf("expected migration timestamp to be set")
	}

	// Second run is a no-op.
	if err := applyMigrations(database, zap.NewNop()); err != nil {
		testContext.Fatalf("expected re-run to be idempotent: %v", err)
	}
}
