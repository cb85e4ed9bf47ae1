package capsules

import (
	"context"
	"errors"
	"net/url"
	"strings"
	"time"

	"github.com/MarcoPoloResearchLab/timecapsule/backend/internal/notify"
	"go.uber.org/zap"
)

var (
	errMissingBlobStore  = errors.New("blob store is required")
	errMissingMailer     = errors.New("mailer is required")
	errMissingIDProvider = errors.New("id provider is required")
	noOpLogger           = zap.NewNop()
)

// Mailer dispatches templated notification emails.
type Mailer interface {
	Dispatch(ctx context.Context, request notify.Request) error
}

// IDProvider issues new capsule identifiers.
type IDProvider interface {
	NewID() (string, error)
}

// Links builds the public URLs embedded in emails.
type Links struct {
	BaseURL string
}

// CapsuleURL is the owner-facing capsule page.
func (l Links) CapsuleURL(id CapsuleID) string {
	return strings.TrimRight(l.BaseURL, "/") + "/home/view-capsule/" + url.PathEscape(id.String())
}

// ShareURL is the recipient-facing capsule page.
func (l Links) ShareURL(id CapsuleID) string {
	return l.CapsuleURL(id) + "?shared=true"
}

// ServiceConfig describes the dependencies of the capsule workflow.
type ServiceConfig struct {
	Store      *Store
	Blobs      BlobStore
	Mailer     Mailer
	Clock      func() time.Time
	IDProvider IDProvider
	Links      Links
	Logger     *zap.Logger
}

// Service orchestrates create, unlock, share and view.
type Service struct {
	store      *Store
	blobs      BlobStore
	mailer     Mailer
	clock      func() time.Time
	idProvider IDProvider
	links      Links
	logger     *zap.Logger
}

// NewService validates the configuration and constructs a Service.
func NewService(cfg ServiceConfig) (*Service, error) {
	if cfg.Store == nil {
		return nil, newServiceError(opServiceNew, "missing_database", errMissingDatabase)
	}
	if cfg.Blobs == nil {
		return nil, newServiceError(opServiceNew, "missing_blob_store", errMissingBlobStore)
	}
	if cfg.Mailer == nil {
		return nil, newServiceError(opServiceNew, "missing_mailer", errMissingMailer)
	}
	if cfg.IDProvider == nil {
		return nil, newServiceError(opServiceNew, "missing_id_provider", errMissingIDProvider)
	}
	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}
	logger := cfg.Logger
	if logger == nil {
		logger = noOpLogger
	}
	return &Service{
		store:      cfg.Store,
		blobs:      cfg.Blobs,
		mailer:     cfg.Mailer,
		clock:      clock,
		idProvider: cfg.IDProvider,
		links:      cfg.Links,
		logger:     logger,
	}, nil
}

// CreateRequest is the caller input for a new capsule.
type CreateRequest struct {
	Name        string
	Description string
	UnlockAt    time.Time
	Files       []FileUpload
}

// CreateResult reports the stored capsule and any attachments that were dropped.
type CreateResult struct {
	Capsule  Capsule
	Rejected []RejectedFile
}

// Create uploads the acceptable attachments and writes one locked capsule
// record. Blobs staged before a failure are removed again.
func (s *Service) Create(ctx context.Context, owner Owner, request CreateRequest) (CreateResult, error) {
	owner = owner.normalized()
	if owner.UserID == "" {
		return CreateResult{}, ErrForbidden
	}
	name := strings.TrimSpace(request.Name)
	if name == "" {
		return CreateResult{}, newValidationError("name", "required")
	}
	if request.UnlockAt.IsZero() {
		return CreateResult{}, newValidationError("unlock_date", "required")
	}

	rawID, err := s.idProvider.NewID()
	if err != nil {
		s.logError(opCreate, "id_generation_failed", err, zap.String("owner_id", owner.UserID))
		return CreateResult{}, newServiceError(opCreate, "id_generation_failed", err)
	}
	capsuleID, err := NewCapsuleID(rawID)
	if err != nil {
		s.logError(opCreate, "id_generation_failed", err, zap.String("owner_id", owner.UserID))
		return CreateResult{}, newServiceError(opCreate, "id_generation_failed", err)
	}

	now := s.now().UTC()
	accepted, rejected := partitionUploads(request.Files)
	for _, file := range rejected {
		s.loggerOrDefault().Warn("attachment rejected",
			zap.String("capsule_id", capsuleID.String()),
			zap.String("file_name", file.Name),
			zap.Int64("size", file.Size),
			zap.String("reason", file.Reason))
	}

	files, stagedKeys, err := stageUploads(ctx, s.blobs, owner.UserID, capsuleID, accepted, now)
	if err != nil {
		s.logError(opCreate, "upload_failed", err,
			zap.String("owner_id", owner.UserID),
			zap.String("capsule_id", capsuleID.String()))
		discardBlobs(s.blobs, stagedKeys, s.loggerOrDefault())
		return CreateResult{}, newServiceError(opCreate, "upload_failed", err)
	}

	capsule := Capsule{
		ID:               capsuleID.String(),
		OwnerID:          owner.UserID,
		OwnerEmail:       valueOrDefault(owner.Email, defaultOwnerEmail),
		OwnerName:        valueOrDefault(owner.Name, defaultOwnerName),
		Name:             name,
		Description:      strings.TrimSpace(request.Description),
		CreatedAt:        now,
		UnlockAt:         request.UnlockAt.UTC(),
		IsLocked:         true,
		NotificationSent: false,
		Files:            files,
	}
	if err := s.store.Create(ctx, &capsule); err != nil {
		s.logError(opCreate, "record_write_failed", err,
			zap.String("owner_id", owner.UserID),
			zap.String("capsule_id", capsuleID.String()))
		discardBlobs(s.blobs, stagedKeys, s.loggerOrDefault())
		return CreateResult{}, newServiceError(opCreate, "record_write_failed", err)
	}
	capsule.Shares = []Share{}

	s.loggerOrDefault().Info("capsule created",
		zap.String("capsule_id", capsule.ID),
		zap.String("owner_id", capsule.OwnerID),
		zap.Int("files", len(files)),
		zap.Int("rejected_files", len(rejected)),
		zap.Time("unlock_at", capsule.UnlockAt))

	if owner.Email != "" {
		confirmation := notify.Request{
			Kind:        notify.KindCapsuleCreated,
			To:          owner.Email,
			CapsuleName: capsule.Name,
			UnlockAt:    capsule.UnlockAt,
		}
		if err := s.mailer.Dispatch(ctx, confirmation); err != nil {
			s.loggerOrDefault().Warn("capsule created but confirmation email failed",
				zap.String("capsule_id", capsule.ID),
				zap.Error(err))
		}
	}

	return CreateResult{Capsule: capsule, Rejected: rejected}, nil
}

// Get returns a capsule to its owner, or to a recipient once it is unlocked.
// Everyone else gets ErrNotFound.
func (s *Service) Get(ctx context.Context, viewer Owner, id CapsuleID) (View, error) {
	viewer = viewer.normalized()
	capsule, err := s.load(ctx, opGet, id)
	if err != nil {
		return View{}, err
	}
	view := NewView(capsule, viewer.UserID, s.now())
	if view.IsOwner {
		return s.withFileURLs(ctx, view), nil
	}
	if view.Unlocked && capsule.IsSharedWith(viewer.Email) {
		return s.withFileURLs(ctx, view), nil
	}
	return View{}, ErrNotFound
}

// List returns the owner's capsules with their derived state.
func (s *Service) List(ctx context.Context, owner Owner) ([]View, error) {
	owner = owner.normalized()
	if owner.UserID == "" {
		return nil, ErrForbidden
	}
	capsules, err := s.store.ListByOwner(ctx, owner.UserID)
	if err != nil {
		s.logError(opList, "query_failed", err, zap.String("owner_id", owner.UserID))
		return nil, newServiceError(opList, "query_failed", err)
	}
	return s.views(ctx, capsules, owner.UserID), nil
}

// ListShared returns capsules shared with the viewer's email address.
func (s *Service) ListShared(ctx context.Context, viewer Owner) ([]View, error) {
	viewer = viewer.normalized()
	if viewer.Email == "" {
		return []View{}, nil
	}
	capsules, err := s.store.ListSharedWith(ctx, viewer.Email)
	if err != nil {
		s.logError(opListShared, "query_failed", err, zap.String("email", viewer.Email))
		return nil, newServiceError(opListShared, "query_failed", err)
	}
	return s.views(ctx, capsules, viewer.UserID), nil
}

// UnlockResult is the capsule after a manual unlock. Claimed reports whether
// this call flipped the stored flag.
type UnlockResult struct {
	View    View
	Claimed bool
}

// Unlock marks a due capsule unlocked at the owner's request. It does not
// send the unlock notification.
func (s *Service) Unlock(ctx context.Context, owner Owner, id CapsuleID) (UnlockResult, error) {
	owner = owner.normalized()
	capsule, err := s.load(ctx, opUnlock, id)
	if err != nil {
		return UnlockResult{}, err
	}
	if capsule.OwnerID != owner.UserID {
		return UnlockResult{}, ErrForbidden
	}
	now := s.now().UTC()
	if !capsule.IsLocked {
		return UnlockResult{View: s.withFileURLs(ctx, NewView(capsule, owner.UserID, now))}, nil
	}
	if !IsUnlocked(capsule.UnlockAt, now) {
		return UnlockResult{}, &LockedError{UnlockAt: capsule.UnlockAt}
	}

	claimed, err := s.store.ClaimUnlock(ctx, id, now)
	if err != nil {
		s.logError(opUnlock, "update_failed", err, zap.String("capsule_id", id.String()))
		return UnlockResult{}, newServiceError(opUnlock, "update_failed", err)
	}
	capsule.IsLocked = false
	if claimed {
		capsule.UnlockedAt = &now
		s.loggerOrDefault().Info("capsule unlocked manually", zap.String("capsule_id", id.String()))
	}
	return UnlockResult{
		View:    s.withFileURLs(ctx, NewView(capsule, owner.UserID, now)),
		Claimed: claimed,
	}, nil
}

// ShareRequest names the recipient of a share.
type ShareRequest struct {
	Email   string
	Message string
}

// ShareResult reports what a share changed.
type ShareResult struct {
	Capsule  Capsule
	Added    bool
	Notified bool
}

// Share adds a recipient to an unlocked capsule and emails them a link. The
// lock check runs before the ownership check so a premature share fails the
// same way for every caller.
func (s *Service) Share(ctx context.Context, owner Owner, id CapsuleID, request ShareRequest) (ShareResult, error) {
	owner = owner.normalized()
	recipient := normalizeEmail(request.Email)
	if recipient == "" {
		return ShareResult{}, newValidationError("email", "required")
	}
	if !strings.Contains(recipient, "@") {
		return ShareResult{}, newValidationError("email", "must contain @")
	}

	capsule, err := s.load(ctx, opShare, id)
	if err != nil {
		return ShareResult{}, err
	}
	now := s.now().UTC()
	if !IsUnlocked(capsule.UnlockAt, now) {
		return ShareResult{}, &LockedError{UnlockAt: capsule.UnlockAt}
	}
	if capsule.OwnerID != owner.UserID {
		return ShareResult{}, ErrForbidden
	}

	added, err := s.store.AddShare(ctx, id, recipient, now)
	if err != nil {
		s.logError(opShare, "update_failed", err, zap.String("capsule_id", id.String()))
		return ShareResult{}, newServiceError(opShare, "update_failed", err)
	}
	if added {
		capsule.Shares = append(capsule.Shares, Share{CapsuleID: id.String(), Email: recipient, SharedAt: now})
	}

	fromName := owner.Name
	if fromName == "" {
		fromName = "A time capsule user"
	}
	notified := true
	err = s.mailer.Dispatch(ctx, notify.Request{
		Kind:        notify.KindShare,
		To:          recipient,
		CapsuleName: capsule.Name,
		Link:        s.links.ShareURL(id),
		FromName:    fromName,
		Message:     strings.TrimSpace(request.Message),
	})
	if err != nil {
		notified = false
		s.loggerOrDefault().Warn("capsule shared but notification email failed",
			zap.String("capsule_id", id.String()),
			zap.String("recipient", recipient),
			zap.Error(err))
	}

	return ShareResult{Capsule: capsule, Added: added, Notified: notified}, nil
}

func (s *Service) load(ctx context.Context, operation string, id CapsuleID) (Capsule, error) {
	capsule, err := s.store.Get(ctx, id)
	if errors.Is(err, ErrNotFound) {
		return Capsule{}, ErrNotFound
	}
	if err != nil {
		s.logError(operation, "query_failed", err, zap.String("capsule_id", id.String()))
		return Capsule{}, newServiceError(operation, "query_failed", err)
	}
	return capsule, nil
}

func (s *Service) views(ctx context.Context, capsules []Capsule, viewerID string) []View {
	now := s.now()
	views := make([]View, 0, len(capsules))
	for _, capsule := range capsules {
		views = append(views, s.withFileURLs(ctx, NewView(capsule, viewerID, now)))
	}
	return views
}

// withFileURLs replaces the URLs recorded at upload time with freshly resolved
// ones. Locked views are returned untouched since their files are withheld.
// A key that fails to resolve keeps its recorded URL.
func (s *Service) withFileURLs(ctx context.Context, view View) View {
	if !view.Unlocked || len(view.Capsule.Files) == 0 {
		return view
	}
	files := make([]CapsuleFile, len(view.Capsule.Files))
	copy(files, view.Capsule.Files)
	for i := range files {
		if files[i].StorageKey == "" {
			continue
		}
		resolved, err := s.blobs.URL(ctx, files[i].StorageKey)
		if err != nil {
			s.loggerOrDefault().Warn("attachment url resolution failed",
				zap.String("capsule_id", view.Capsule.ID),
				zap.String("storage_key", files[i].StorageKey),
				zap.Error(err))
			continue
		}
		files[i].URL = resolved
	}
	view.Capsule.Files = files
	return view
}

func (s *Service) logError(operation, reason string, err error, fields ...zap.Field) {
	attrs := []zap.Field{
		zap.String("operation", operation),
		zap.String("reason", reason),
	}
	if err != nil {
		attrs = append(attrs, zap.Error(err))
	}
	attrs = append(attrs, fields...)
	s.loggerOrDefault().Error("capsule service error", attrs...)
}

func (s *Service) now() time.Time {
	if s.clock == nil {
		return time.Now()
	}
	return s.clock()
}

func (s *Service) loggerOrDefault() *zap.Logger {
	if s == nil || s.logger == nil {
		return noOpLogger
	}
	return s.logger
}

func valueOrDefault(value, fallback string) string {
	if value == "" {
		return fallback
	}
	return value
}
