package database

import (
	"errors"
	"time"

	"github.com/MarcoPoloResearchLab/timecapsule/backend/internal/capsules"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

const (
	migrationBackfillOwnerContact = "2026-10-01_backfill_owner_contact_defaults"
	migrationBackfillUnlockedAt   = "2026-10-08_backfill_unlocked_at"
)

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
		{name: migrationBackfillOwnerContact, apply: backfillOwnerContact},
		{name: migrationBackfillUnlockedAt, apply: backfillUnlockedAt},
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

// Rows written before owner contact was captured carry empty strings.
func backfillOwnerContact(db *gorm.DB) error {
	if err := db.Model(&capsules.Capsule{}).
		Where("owner_email = ''").
		Update("owner_email", "anonymous").Error; err != nil {
		return err
	}
	return db.Model(&capsules.Capsule{}).
		Where("owner_name = ''").
		Update("owner_name", "Anonymous User").Error
}

// Capsules flipped before unlocked_at existed get their scheduled date.
func backfillUnlockedAt(db *gorm.DB) error {
	return db.Model(&capsules.Capsule{}).
		Where("is_locked = ? AND unlocked_at IS NULL", false).
		Update("unlocked_at", gorm.Expr("unlock_at")).Error
}
