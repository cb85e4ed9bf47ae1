package database

import (
	"path/filepath"
	"testing"
	"time"

	"github.com/MarcoPoloResearchLab/timecapsule/backend/internal/capsules"
	sqlite "github.com/glebarez/sqlite"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

func TestApplyMigrationsBackfillsLegacyCapsules(testContext *testing.T) {
	tempDir := testContext.TempDir()
	databasePath := filepath.Join(tempDir, "migration.db")

	database, err := gorm.Open(sqlite.Open(databasePath), &gorm.Config{})
	if err != nil {
		testContext.Fatalf("failed to open sqlite: %v", err)
	}

	if err := database.AutoMigrate(&capsules.Capsule{}, &capsules.Share{}, &migrationRecord{}); err != nil {
		testContext.Fatalf("failed to migrate schema: %v", err)
	}

	unlockAt := time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)
	legacy := capsules.Capsule{
		ID:       "legacy-1",
		OwnerID:  "user-1",
		Name:     "Legacy",
		UnlockAt: unlockAt,
		IsLocked: false,
	}
	if err := database.Create(&legacy).Error; err != nil {
		testContext.Fatalf("failed to insert capsule: %v", err)
	}

	if err := applyMigrations(database, zap.NewNop()); err != nil {
		testContext.Fatalf("failed to apply migrations: %v", err)
	}

	var stored capsules.Capsule
	if err := database.Where("capsule_id = ?", legacy.ID).Take(&stored).Error; err != nil {
		testContext.Fatalf("failed to reload capsule: %v", err)
	}
	if stored.OwnerEmail != "anonymous" || stored.OwnerName != "Anonymous User" {
		testContext.Fatalf("expected owner contact defaults, got %q %q", stored.OwnerEmail, stored.OwnerName)
	}
	if stored.UnlockedAt == nil || !stored.UnlockedAt.Equal(unlockAt) {
		testContext.Fatalf("expected unlocked_at to be backfilled, got %v", stored.UnlockedAt)
	}

	var record migrationRecord
	if err := database.Where("name = ?", migrationBackfillOwnerContact).Take(&record).Error; err != nil {
		testContext.Fatalf("expected migration record to be created: %v", err)
	}
	if record.AppliedAtSeconds == 0 {
		testContext.Fatalf("expected migration timestamp to be set")
	}

	if err := applyMigrations(database, zap.NewNop()); err != nil {
		testContext.Fatalf("expected migrations to be idempotent: %v", err)
	}
	var count int64
	database.Model(&migrationRecord{}).Count(&count)
	if count != 2 {
		testContext.Fatalf("expected two migration records, got %d", count)
	}
}

func TestOpenSQLiteCreatesSchema(testContext *testing.T) {
	databasePath := filepath.Join(testContext.TempDir(), "open.db")

	database, err := Open(Config{Driver: "SQLite", Path: databasePath}, zap.NewNop())
	if err != nil {
		testContext.Fatalf("failed to open database: %v", err)
	}
	for _, table := range []string{"capsules", "capsule_shares", "user_identities", "db_migrations"} {
		if !database.Migrator().HasTable(table) {
			testContext.Fatalf("expected table %s to exist", table)
		}
	}
}

func TestOpenRejectsUnknownDriver(testContext *testing.T) {
	if _, err := Open(Config{Driver: "mysql"}, nil); err == nil {
		testContext.Fatalf("expected unsupported driver error")
	}
	if _, err := Open(Config{Driver: DriverPostgres}, nil); err == nil {
		testContext.Fatalf("expected missing dsn error")
	}
}
