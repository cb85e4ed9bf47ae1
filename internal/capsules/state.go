package capsules

import (
	"fmt"
	"strings"
	"time"
)

// IsUnlocked derives the unlock state from the timestamp alone. The stored
// is_locked flag is never consulted.
func IsUnlocked(unlockAt, now time.Time) bool {
	return !now.Before(unlockAt)
}

// TimeRemaining returns how long until unlockAt, clamped at zero.
func TimeRemaining(unlockAt, now time.Time) time.Duration {
	if IsUnlocked(unlockAt, now) {
		return 0
	}
	return unlockAt.Sub(now)
}

// View is a capsule together with its derived state at a given instant.
type View struct {
	Capsule   Capsule
	Unlocked  bool
	Remaining time.Duration
	IsOwner   bool
}

// SweepPending reports whether the stored flag still lags the derived state.
func (v View) SweepPending() bool {
	return v.Unlocked && v.Capsule.IsLocked
}

// VisibleFiles returns attachments only once the capsule is derived-unlocked.
func (v View) VisibleFiles() []CapsuleFile {
	if !v.Unlocked {
		return []CapsuleFile{}
	}
	files := make([]CapsuleFile, len(v.Capsule.Files))
	copy(files, v.Capsule.Files)
	return files
}

// NewView derives the state of capsule at now for the given viewer.
func NewView(capsule Capsule, viewerID string, now time.Time) View {
	return View{
		Capsule:   capsule,
		Unlocked:  IsUnlocked(capsule.UnlockAt, now),
		Remaining: TimeRemaining(capsule.UnlockAt, now),
		IsOwner:   viewerID != "" && capsule.OwnerID == viewerID,
	}
}

var unlockDateLayouts = []string{
	time.RFC3339Nano,
	"2006-01-02T15:04:05",
	"2006-01-02T15:04",
	"2006-01-02",
}

// ParseUnlockDate accepts RFC3339 timestamps as well as the date and
// datetime-local forms browsers submit. Zone-less values are read as UTC.
func ParseUnlockDate(raw string) (time.Time, error) {
	trimmed := strings.TrimSpace(raw)
	if trimmed == "" {
		return time.Time{}, newValidationError("unlock_date", "required")
	}
	for _, layout := range unlockDateLayouts {
		parsed, err := time.Parse(layout, trimmed)
		if err == nil {
			return parsed.UTC(), nil
		}
	}
	return time.Time{}, newValidationError("unlock_date", fmt.Sprintf("unparseable date %q", trimmed))
}
