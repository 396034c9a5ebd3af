package database

import (
	"errors"
	"path/filepath"
	"testing"

	"go.uber.org/zap"
	"gorm.io/gorm"
)

type sampleRow struct {
	ID    string `gorm:"column:id;primaryKey;size:64"`
	Label string `gorm:"column:label;size:64"`
}

func (sampleRow) TableName() string {
	return "sample_rows"
}

func TestOpenSQLiteAppliesMigrationsOnce(testContext *testing.T) {
	databasePath := filepath.Join(testContext.TempDir(), "migration.db")
	runs := 0
	migration := Migration{
		Name: "2026-09-20_uppercase_labels",
		Apply: func(db *gorm.DB) error {
			runs++
			return db.Exec("UPDATE sample_rows SET label = upper(label)").Error
		},
	}

	database, err := OpenSQLite(Options{Path: databasePath, Logger: zap.NewNop(), Models: []any{&sampleRow{}}})
	if err != nil {
		testContext.Fatalf("failed to open sqlite: %v", err)
	}
	if err := database.Create(&sampleRow{ID: "a", Label: "lower"}).Error; err != nil {
		testContext.Fatalf("failed to insert row: %v", err)
	}

	if err := applyMigrations(database, []Migration{migration}, zap.NewNop()); err != nil {
		testContext.Fatalf("failed to apply migrations: %v", err)
	}
	if err := applyMigrations(database, []Migration{migration}, zap.NewNop()); err != nil {
		testContext.Fatalf("failed to re-apply migrations: %v", err)
	}
	if runs != 1 {
		testContext.Fatalf("expected migration to run once, ran %d times", runs)
	}

	var stored sampleRow
	if err := database.Where("id = ?", "a").Take(&stored).Error; err != nil {
		testContext.Fatalf("failed to reload row: %v", err)
	}
	if stored.Label != "LOWER" {
		testContext.Fatalf("expected label to be migrated, got %q", stored.Label)
	}

	var record migrationRecord
	if err := database.Where("name = ?", migration.Name).Take(&record).Error; err != nil {
		testContext.Fatalf("expected migration record to be created: %v", err)
	}
	if record.AppliedAtSeconds == 0 {
		testContext.Fatalf("expected migration timestamp to be set")
	}
}

func TestFailedMigrationIsNotRecorded(testContext *testing.T) {
	databasePath := filepath.Join(testContext.TempDir(), "failed.db")
	database, err := OpenSQLite(Options{Path: databasePath})
	if err != nil {
		testContext.Fatalf("failed to open sqlite: %v", err)
	}
	failure := errors.New("boom")
	err = applyMigrations(database, []Migration{{Name: "broken", Apply: func(*gorm.DB) error { return failure }}}, nil)
	if !errors.Is(err, failure) {
		testContext.Fatalf("expected migration failure, got %v", err)
	}
	var count int64
	if err := database.Model(&migrationRecord{}).Where("name = ?", "broken").Count(&count).Error; err != nil {
		testContext.Fatalf("count failed: %v", err)
	}
	if count != 0 {
		testContext.Fatalf("failed migration must not be recorded")
	}
}

func TestOpenSQLiteRequiresPath(testContext *testing.T) {
	if _, err := OpenSQLite(Options{}); err == nil {
		testContext.Fatalf("expected error for empty path")
	}
}
