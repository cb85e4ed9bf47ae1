package capsules

import (
	"context"
	"time"

	"github.com/MarcoPoloResearchLab/timecapsule/backend/internal/notify"
	"go.uber.org/zap"
)

const defaultSweepBatchSize = 500

// SweepResult summarizes one sweep run. Unlocked counts the capsules this run
// transitioned.
type SweepResult struct {
	Due      int `json:"due"`
	Unlocked int `json:"unlocked"`
	Notified int `json:"notified"`
	Failed   int `json:"failed"`
}

// SweeperConfig describes the dependencies of the unlock sweep.
type SweeperConfig struct {
	Store     *Store
	Mailer    Mailer
	Clock     func() time.Time
	Links     Links
	BatchSize int
	Logger    *zap.Logger
	// OnUnlocked is called for every capsule this sweep claimed.
	OnUnlocked func(Capsule)
}

// Sweeper flips due capsules to unlocked and notifies their owners.
type Sweeper struct {
	store      *Store
	mailer     Mailer
	clock      func() time.Time
	links      Links
	batchSize  int
	logger     *zap.Logger
	onUnlocked func(Capsule)
}

// NewSweeper validates the configuration and constructs a Sweeper.
func NewSweeper(cfg SweeperConfig) (*Sweeper, error) {
	if cfg.Store == nil {
		return nil, newServiceError(opSweeperNew, "missing_database", errMissingDatabase)
	}
	if cfg.Mailer == nil {
		return nil, newServiceError(opSweeperNew, "missing_mailer", errMissingMailer)
	}
	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}
	batchSize := cfg.BatchSize
	if batchSize <= 0 {
		batchSize = defaultSweepBatchSize
	}
	logger := cfg.Logger
	if logger == nil {
		logger = noOpLogger
	}
	return &Sweeper{
		store:      cfg.Store,
		mailer:     cfg.Mailer,
		clock:      clock,
		links:      cfg.Links,
		batchSize:  batchSize,
		logger:     logger,
		onUnlocked: cfg.OnUnlocked,
	}, nil
}

// Run performs one sweep. Each due capsule is claimed with a conditional
// update first; only the claiming run sends the unlock email, so overlapping
// runs never notify twice. Email failures are logged and not retried.
func (s *Sweeper) Run(ctx context.Context) (SweepResult, error) {
	now := s.clock().UTC()
	due, err := s.store.ListDueLocked(ctx, now, s.batchSize)
	if err != nil {
		s.logger.Error("capsule sweep query failed",
			zap.String("operation", opSweep),
			zap.Error(err))
		return SweepResult{}, newServiceError(opSweep, "query_failed", err)
	}

	result := SweepResult{Due: len(due)}
	for _, capsule := range due {
		if ctx.Err() != nil {
			return result, ctx.Err()
		}
		id := CapsuleID(capsule.ID)
		claimed, err := s.store.ClaimUnlock(ctx, id, now)
		if err != nil {
			result.Failed++
			s.logger.Error("capsule unlock claim failed",
				zap.String("operation", opSweep),
				zap.String("capsule_id", capsule.ID),
				zap.Error(err))
			continue
		}
		if !claimed {
			s.logger.Debug("capsule already claimed by another sweep", zap.String("capsule_id", capsule.ID))
			continue
		}
		result.Unlocked++
		capsule.IsLocked = false
		capsule.UnlockedAt = &now
		if s.onUnlocked != nil {
			s.onUnlocked(capsule)
		}

		if s.notifyOwner(ctx, capsule) {
			result.Notified++
		} else {
			result.Failed++
		}
	}

	s.logger.Info("capsule sweep finished",
		zap.Int("due", result.Due),
		zap.Int("unlocked", result.Unlocked),
		zap.Int("notified", result.Notified),
		zap.Int("failed", result.Failed))
	return result, nil
}

func (s *Sweeper) notifyOwner(ctx context.Context, capsule Capsule) bool {
	id := CapsuleID(capsule.ID)
	err := s.mailer.Dispatch(ctx, notify.Request{
		Kind:        notify.KindUnlockNotification,
		To:          capsule.OwnerEmail,
		CapsuleName: capsule.Name,
		Link:        s.links.CapsuleURL(id),
	})
	if err != nil {
		s.logger.Error("capsule unlock notification failed",
			zap.String("operation", opSweep),
			zap.String("capsule_id", capsule.ID),
			zap.String("owner_email", capsule.OwnerEmail),
			zap.Error(err))
		return false
	}
	if err := s.store.MarkNotificationSent(ctx, id); err != nil {
		s.logger.Error("capsule notification marker update failed",
			zap.String("operation", opSweep),
			zap.String("capsule_id", capsule.ID),
			zap.Error(err))
	}
	return true
}

// RunEvery sweeps on a fixed interval until ctx is cancelled.
func (s *Sweeper) RunEvery(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		return
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if _, err := s.Run(ctx); err != nil && ctx.Err() == nil {
				s.logger.Warn("scheduled capsule sweep failed", zap.Error(err))
			}
		}
	}
}
