package capsules

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"gorm.io/datatypes"
)

const (
	maxIdentifierLength = 190

	// MaxFileBytes is the largest attachment accepted into a capsule.
	MaxFileBytes int64 = 10 * 1024 * 1024

	defaultOwnerEmail = "anonymous"
	defaultOwnerName  = "Anonymous User"
)

var (
	// ErrInvalidCapsuleID indicates that a capsule identifier is empty or exceeds storage bounds.
	ErrInvalidCapsuleID = errors.New("capsules: invalid capsule id")
)

// CapsuleID represents a validated capsule identifier.
type CapsuleID string

// NewCapsuleID validates raw input and returns a CapsuleID.
func NewCapsuleID(rawInput string) (CapsuleID, error) {
	trimmed := strings.TrimSpace(rawInput)
	if trimmed == "" {
		return "", fmt.Errorf("%w: empty", ErrInvalidCapsuleID)
	}
	if len(trimmed) > maxIdentifierLength {
		return "", fmt.Errorf("%w: exceeds %d characters", ErrInvalidCapsuleID, maxIdentifierLength)
	}
	return CapsuleID(trimmed), nil
}

// String returns the underlying string identifier.
func (id CapsuleID) String() string {
	return string(id)
}

// Owner is the caller identity handed to every workflow operation.
type Owner struct {
	UserID string
	Email  string
	Name   string
}

func (o Owner) normalized() Owner {
	return Owner{
		UserID: strings.TrimSpace(o.UserID),
		Email:  strings.TrimSpace(o.Email),
		Name:   strings.TrimSpace(o.Name),
	}
}

// FileCategory is the coarse attachment kind derived from the MIME type.
type FileCategory string

const (
	FileCategoryImage    FileCategory = "image"
	FileCategoryVideo    FileCategory = "video"
	FileCategoryDocument FileCategory = "document"
)

// CategoryForContentType maps a MIME type onto a FileCategory.
func CategoryForContentType(contentType string) FileCategory {
	normalized := strings.ToLower(strings.TrimSpace(contentType))
	switch {
	case strings.HasPrefix(normalized, "image/"):
		return FileCategoryImage
	case strings.HasPrefix(normalized, "video/"):
		return FileCategoryVideo
	default:
		return FileCategoryDocument
	}
}

// CapsuleFile describes one stored attachment.
type CapsuleFile struct {
	Name        string       `json:"name"`
	Type        FileCategory `json:"type"`
	ContentType string       `json:"content_type"`
	Size        int64        `json:"size"`
	URL         string       `json:"url"`
	StorageKey  string       `json:"storage_key"`
}

// Capsule is the persisted capsule record.
type Capsule struct {
	ID               string                           `gorm:"column:capsule_id;primaryKey;size:190;not null"`
	OwnerID          string                           `gorm:"column:owner_id;size:190;not null;index:idx_capsules_owner_unlock,priority:1"`
	OwnerEmail       string                           `gorm:"column:owner_email;size:320;not null"`
	OwnerName        string                           `gorm:"column:owner_name;size:320;not null"`
	Name             string                           `gorm:"column:name;size:320;not null"`
	Description      string                           `gorm:"column:description;type:text;not null"`
	CreatedAt        time.Time                        `gorm:"column:created_at;not null"`
	UnlockAt         time.Time                        `gorm:"column:unlock_at;not null;index:idx_capsules_owner_unlock,priority:2;index:idx_capsules_due,priority:2"`
	IsLocked         bool                             `gorm:"column:is_locked;not null;index:idx_capsules_due,priority:1"`
	UnlockedAt       *time.Time                       `gorm:"column:unlocked_at"`
	NotificationSent bool                             `gorm:"column:notification_sent;not null"`
	Files            datatypes.JSONSlice[CapsuleFile] `gorm:"column:files"`
	Shares           []Share                          `gorm:"foreignKey:CapsuleID;references:ID"`
}

// TableName provides the explicit table binding for GORM.
func (Capsule) TableName() string {
	return "capsules"
}

// SharedWith lists recipient emails in the order they were added.
func (c Capsule) SharedWith() []string {
	if len(c.Shares) == 0 {
		return []string{}
	}
	emails := make([]string, 0, len(c.Shares))
	for _, share := range c.Shares {
		emails = append(emails, share.Email)
	}
	return emails
}

// IsSharedWith reports whether the email is a recipient of the capsule.
func (c Capsule) IsSharedWith(email string) bool {
	normalized := normalizeEmail(email)
	if normalized == "" {
		return false
	}
	for _, share := range c.Shares {
		if share.Email == normalized {
			return true
		}
	}
	return false
}

// Share records one recipient of a capsule. The composite key makes the set
// of recipients duplicate-free.
type Share struct {
	CapsuleID string    `gorm:"column:capsule_id;primaryKey;size:190;not null"`
	Email     string    `gorm:"column:email;primaryKey;size:320;not null;index:idx_capsule_shares_email"`
	SharedAt  time.Time `gorm:"column:shared_at;not null"`
}

// TableName provides the explicit table binding for GORM.
func (Share) TableName() string {
	return "capsule_shares"
}

func normalizeEmail(value string) string {
	return strings.ToLower(strings.TrimSpace(value))
}
