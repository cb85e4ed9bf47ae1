package capsules

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/MarcoPoloResearchLab/timecapsule/backend/internal/notify"
	sqlite "github.com/glebarez/sqlite"
	"gorm.io/gorm"
)

var testEpoch = time.Date(2026, 6, 1, 12, 0, 0, 0, time.UTC)

func openTestStore(t *testing.T) *Store {
	t.Helper()
	name := strings.NewReplacer("/", "_", " ", "_").Replace(t.Name())
	db, err := gorm.Open(sqlite.Open(fmt.Sprintf("file:%s?mode=memory&cache=shared", name)), &gorm.Config{})
	if err != nil {
		t.Fatalf("failed to open sqlite: %v", err)
	}
	if err := db.AutoMigrate(&Capsule{}, &Share{}); err != nil {
		t.Fatalf("failed to migrate schema: %v", err)
	}
	t.Cleanup(func() {
		if sqlDB, err := db.DB(); err == nil {
			_ = sqlDB.Close()
		}
	})
	return NewStore(db)
}

type testClock struct {
	mu  sync.Mutex
	now time.Time
}

func newTestClock(now time.Time) *testClock {
	return &testClock{now: now}
}

func (c *testClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *testClock) Advance(delta time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(delta)
	c.mu.Unlock()
}

type sequentialIDs struct {
	mu   sync.Mutex
	next int
}

func (s *sequentialIDs) NewID() (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.next++
	return fmt.Sprintf("capsule-%03d", s.next), nil
}

type storedBlob struct {
	contentType string
	body        []byte
}

type fakeBlobStore struct {
	mu       sync.Mutex
	objects  map[string]storedBlob
	deleted  []string
	failName string
	// now, when set, makes links expire a week after they are minted.
	now      func() time.Time
	failURL  bool
	resolved int
}

func newFakeBlobStore() *fakeBlobStore {
	return &fakeBlobStore{objects: make(map[string]storedBlob)}
}

func (f *fakeBlobStore) Put(_ context.Context, key string, body io.Reader, _ int64, contentType string) (string, error) {
	if f.failName != "" && strings.HasSuffix(key, f.failName) {
		return "", errors.New("blob store unavailable")
	}
	data, err := io.ReadAll(body)
	if err != nil {
		return "", err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.objects[key] = storedBlob{contentType: contentType, body: data}
	return f.link(key), nil
}

func (f *fakeBlobStore) URL(_ context.Context, key string) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.resolved++
	if f.failURL {
		return "", errors.New("presign unavailable")
	}
	return f.link(key), nil
}

func (f *fakeBlobStore) link(key string) string {
	link := "https://blobs.example.com/" + key
	if f.now != nil {
		link += fmt.Sprintf("?expires=%d", f.now().Add(7*24*time.Hour).Unix())
	}
	return link
}

func (f *fakeBlobStore) resolutions() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.resolved
}

func (f *fakeBlobStore) Delete(_ context.Context, key string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.objects, key)
	f.deleted = append(f.deleted, key)
	return nil
}

func (f *fakeBlobStore) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.objects)
}

type recordingMailer struct {
	mu       sync.Mutex
	requests []notify.Request
	failKind notify.Kind
}

func (m *recordingMailer) Dispatch(_ context.Context, request notify.Request) error {
	if _, err := notify.Render(request); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.failKind != "" && request.Kind == m.failKind {
		return errors.New("smtp relay unavailable")
	}
	m.requests = append(m.requests, request)
	return nil
}

func (m *recordingMailer) sent(kind notify.Kind) []notify.Request {
	m.mu.Lock()
	defer m.mu.Unlock()
	var matched []notify.Request
	for _, request := range m.requests {
		if request.Kind == kind {
			matched = append(matched, request)
		}
	}
	return matched
}

type serviceFixture struct {
	store   *Store
	blobs   *fakeBlobStore
	mailer  *recordingMailer
	clock   *testClock
	service *Service
	sweeper *Sweeper
}

func newServiceFixture(t *testing.T) *serviceFixture {
	t.Helper()
	fixture := &serviceFixture{
		store:  openTestStore(t),
		blobs:  newFakeBlobStore(),
		mailer: &recordingMailer{},
		clock:  newTestClock(testEpoch),
	}
	links := Links{BaseURL: "https://capsule.example.com"}
	service, err := NewService(ServiceConfig{
		Store:      fixture.store,
		Blobs:      fixture.blobs,
		Mailer:     fixture.mailer,
		Clock:      fixture.clock.Now,
		IDProvider: &sequentialIDs{},
		Links:      links,
	})
	if err != nil {
		t.Fatalf("failed to build service: %v", err)
	}
	sweeper, err := NewSweeper(SweeperConfig{
		Store:  fixture.store,
		Mailer: fixture.mailer,
		Clock:  fixture.clock.Now,
		Links:  links,
	})
	if err != nil {
		t.Fatalf("failed to build sweeper: %v", err)
	}
	fixture.service = service
	fixture.sweeper = sweeper
	return fixture
}

func (f *serviceFixture) mustCreate(t *testing.T, owner Owner, name string, unlockAt time.Time, files ...FileUpload) CreateResult {
	t.Helper()
	result, err := f.service.Create(context.Background(), owner, CreateRequest{
		Name:     name,
		UnlockAt: unlockAt,
		Files:    files,
	})
	if err != nil {
		t.Fatalf("unexpected create error: %v", err)
	}
	return result
}

func (f *serviceFixture) mustLoad(t *testing.T, id string) Capsule {
	t.Helper()
	capsule, err := f.store.Get(context.Background(), mustCapsuleID(t, id))
	if err != nil {
		t.Fatalf("failed to load capsule %s: %v", id, err)
	}
	return capsule
}

func mustCapsuleID(t *testing.T, value string) CapsuleID {
	t.Helper()
	id, err := NewCapsuleID(value)
	if err != nil {
		t.Fatalf("unexpected capsule id error: %v", err)
	}
	return id
}

func bytesUpload(name, contentType string, size int64) FileUpload {
	return FileUpload{
		Name:        name,
		ContentType: contentType,
		Size:        size,
		Open: func() (io.ReadCloser, error) {
			return io.NopCloser(bytes.NewReader(make([]byte, size))), nil
		},
	}
}

var (
	testOwner = Owner{UserID: "owner-1", Email: "owner@example.com", Name: "Olive Owner"}
	testOther = Owner{UserID: "other-1", Email: "other@example.com", Name: "Oscar Other"}
)
