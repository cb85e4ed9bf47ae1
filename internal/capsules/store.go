package capsules

import (
	"context"
	"errors"
	"time"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

var errMissingDatabase = errors.New("database handle is required")

// Store is the capsule record repository.
type Store struct {
	db *gorm.DB
}

// NewStore wraps a GORM handle.
func NewStore(db *gorm.DB) *Store {
	return &Store{db: db}
}

func (s *Store) ready() error {
	if s == nil || s.db == nil {
		return errMissingDatabase
	}
	return nil
}

func preloadShares(db *gorm.DB) *gorm.DB {
	return db.Order("shared_at ASC").Order("email ASC")
}

// Create inserts a new capsule record.
func (s *Store) Create(ctx context.Context, capsule *Capsule) error {
	if err := s.ready(); err != nil {
		return err
	}
	return s.db.WithContext(ctx).Omit("Shares").Create(capsule).Error
}

// Get loads a capsule and its recipients. It returns ErrNotFound for unknown ids.
func (s *Store) Get(ctx context.Context, id CapsuleID) (Capsule, error) {
	if err := s.ready(); err != nil {
		return Capsule{}, err
	}
	var capsule Capsule
	err := s.db.WithContext(ctx).
		Preload("Shares", preloadShares).
		Where("capsule_id = ?", id.String()).
		Take(&capsule).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return Capsule{}, ErrNotFound
	}
	if err != nil {
		return Capsule{}, err
	}
	return capsule, nil
}

// ListByOwner returns every capsule owned by ownerID ordered by unlock date.
func (s *Store) ListByOwner(ctx context.Context, ownerID string) ([]Capsule, error) {
	if err := s.ready(); err != nil {
		return nil, err
	}
	var capsules []Capsule
	err := s.db.WithContext(ctx).
		Preload("Shares", preloadShares).
		Where("owner_id = ?", ownerID).
		Order("unlock_at ASC").
		Order("capsule_id ASC").
		Find(&capsules).Error
	if err != nil {
		return nil, err
	}
	return capsules, nil
}

// ListSharedWith returns capsules whose recipients include email.
func (s *Store) ListSharedWith(ctx context.Context, email string) ([]Capsule, error) {
	if err := s.ready(); err != nil {
		return nil, err
	}
	var capsules []Capsule
	err := s.db.WithContext(ctx).
		Preload("Shares", preloadShares).
		Where("capsule_id IN (?)", s.db.Model(&Share{}).Select("capsule_id").Where("email = ?", normalizeEmail(email))).
		Order("unlock_at ASC").
		Order("capsule_id ASC").
		Find(&capsules).Error
	if err != nil {
		return nil, err
	}
	return capsules, nil
}

// ListDueLocked returns capsules still flagged locked whose unlock date has passed.
func (s *Store) ListDueLocked(ctx context.Context, now time.Time, limit int) ([]Capsule, error) {
	if err := s.ready(); err != nil {
		return nil, err
	}
	query := s.db.WithContext(ctx).
		Where("is_locked = ? AND unlock_at <= ?", true, now.UTC()).
		Order("unlock_at ASC").
		Order("capsule_id ASC")
	if limit > 0 {
		query = query.Limit(limit)
	}
	var capsules []Capsule
	if err := query.Find(&capsules).Error; err != nil {
		return nil, err
	}
	return capsules, nil
}

// ClaimUnlock flips is_locked only if it is still set. The returned flag is
// true for exactly one caller per capsule.
func (s *Store) ClaimUnlock(ctx context.Context, id CapsuleID, now time.Time) (bool, error) {
	if err := s.ready(); err != nil {
		return false, err
	}
	result := s.db.WithContext(ctx).
		Model(&Capsule{}).
		Where("capsule_id = ? AND is_locked = ?", id.String(), true).
		Updates(map[string]interface{}{
			"is_locked":   false,
			"unlocked_at": now.UTC(),
		})
	if result.Error != nil {
		return false, result.Error
	}
	return result.RowsAffected == 1, nil
}

// MarkNotificationSent records that the unlock email went out.
func (s *Store) MarkNotificationSent(ctx context.Context, id CapsuleID) error {
	if err := s.ready(); err != nil {
		return err
	}
	return s.db.WithContext(ctx).
		Model(&Capsule{}).
		Where("capsule_id = ?", id.String()).
		Update("notification_sent", true).Error
}

// AddShare inserts a recipient. It reports false when the email was already present.
func (s *Store) AddShare(ctx context.Context, id CapsuleID, email string, now time.Time) (bool, error) {
	if err := s.ready(); err != nil {
		return false, err
	}
	share := Share{
		CapsuleID: id.String(),
		Email:     normalizeEmail(email),
		SharedAt:  now.UTC(),
	}
	result := s.db.WithContext(ctx).
		Clauses(clause.OnConflict{DoNothing: true}).
		Create(&share)
	if result.Error != nil {
		return false, result.Error
	}
	return result.RowsAffected == 1, nil
}

// Delete removes a capsule and its recipients.
func (s *Store) Delete(ctx context.Context, id CapsuleID) error {
	if err := s.ready(); err != nil {
		return err
	}
	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Where("capsule_id = ?", id.String()).Delete(&Share{}).Error; err != nil {
			return err
		}
		result := tx.Where("capsule_id = ?", id.String()).Delete(&Capsule{})
		if result.Error != nil {
			return result.Error
		}
		if result.RowsAffected == 0 {
			return ErrNotFound
		}
		return nil
	})
}
