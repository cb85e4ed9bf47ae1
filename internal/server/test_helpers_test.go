package server

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/MarcoPoloResearchLab/timecapsule/backend/internal/auth"
	"github.com/MarcoPoloResearchLab/timecapsule/backend/internal/capsules"
	"github.com/MarcoPoloResearchLab/timecapsule/backend/internal/database"
	"github.com/MarcoPoloResearchLab/timecapsule/backend/internal/notify"
	"github.com/MarcoPoloResearchLab/timecapsule/backend/internal/storage"
	"github.com/MarcoPoloResearchLab/timecapsule/backend/internal/users"
	sqlite "github.com/glebarez/sqlite"
	"github.com/gin-gonic/gin"
	"github.com/golang-jwt/jwt/v5"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

const (
	testSigningSecret = "test-signing-secret"
	testCookieName    = "app_session"
	testSweepToken    = "sweep-secret"
)

var testEpoch = time.Date(2026, 6, 1, 12, 0, 0, 0, time.UTC)

type testClock struct {
	mu  sync.Mutex
	now time.Time
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

type recordingTransport struct {
	mu        sync.Mutex
	envelopes []notify.Envelope
}

func (r *recordingTransport) Send(_ context.Context, envelope notify.Envelope) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.envelopes = append(r.envelopes, envelope)
	return nil
}

func (r *recordingTransport) subjects() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	subjects := make([]string, 0, len(r.envelopes))
	for _, envelope := range r.envelopes {
		subjects = append(subjects, envelope.Subject)
	}
	return subjects
}

func (r *recordingTransport) sentTo(address string) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	count := 0
	for _, envelope := range r.envelopes {
		if envelope.To == address {
			count++
		}
	}
	return count
}

type testApp struct {
	handler   http.Handler
	clock     *testClock
	transport *recordingTransport
	realtime  *RealtimeDispatcher
}

type testUser struct {
	id    string
	email string
	name  string
}

var (
	ownerUser    = testUser{id: "tauth:owner-1", email: "owner@example.com", name: "Olive Owner"}
	strangerUser = testUser{id: "tauth:stranger-1", email: "stranger@example.com", name: "Sam Stranger"}
	friendUser   = testUser{id: "tauth:friend-1", email: "friend@example.com", name: "Fran Friend"}
)

func newTestApp(t *testing.T) *testApp {
	t.Helper()
	gin.SetMode(gin.TestMode)

	db, err := gorm.Open(sqlite.Open(fmt.Sprintf("file:%s?mode=memory&cache=shared", strings.ReplaceAll(t.Name(), "/", "_"))), &gorm.Config{})
	if err != nil {
		t.Fatalf("failed to open sqlite: %v", err)
	}
	if sqlDB, err := db.DB(); err == nil {
		sqlDB.SetMaxOpenConns(1)
	}
	if err := database.Migrate(db, zap.NewNop()); err != nil {
		t.Fatalf("failed to migrate schema: %v", err)
	}
	t.Cleanup(func() {
		if sqlDB, err := db.DB(); err == nil {
			_ = sqlDB.Close()
		}
	})

	filesDir := t.TempDir()
	blobs, err := storage.NewFilesystemStore(storage.FilesystemConfig{Root: filesDir, PublicBaseURL: "http://capsule.test/files"})
	if err != nil {
		t.Fatalf("failed to create blob store: %v", err)
	}
	transport := &recordingTransport{}
	mailer, err := notify.NewService(notify.ServiceConfig{Transport: transport, From: "capsules@example.com"})
	if err != nil {
		t.Fatalf("failed to create mailer: %v", err)
	}

	clock := &testClock{now: testEpoch}
	links := capsules.Links{BaseURL: "http://capsule.test"}
	store := capsules.NewStore(db)
	capsuleService, err := capsules.NewService(capsules.ServiceConfig{
		Store:      store,
		Blobs:      blobs,
		Mailer:     mailer,
		Clock:      clock.Now,
		IDProvider: capsules.NewUUIDProvider(),
		Links:      links,
	})
	if err != nil {
		t.Fatalf("failed to create capsule service: %v", err)
	}
	realtime := NewRealtimeDispatcher()
	sweeper, err := capsules.NewSweeper(capsules.SweeperConfig{
		Store:      store,
		Mailer:     mailer,
		Clock:      clock.Now,
		Links:      links,
		OnUnlocked: realtime.PublishCapsuleUnlocked,
	})
	if err != nil {
		t.Fatalf("failed to create sweeper: %v", err)
	}

	validator, err := auth.NewSessionValidator(auth.SessionValidatorConfig{
		SigningSecret: []byte(testSigningSecret),
		CookieName:    testCookieName,
	})
	if err != nil {
		t.Fatalf("failed to create session validator: %v", err)
	}
	userService, err := users.NewService(users.ServiceConfig{Database: db})
	if err != nil {
		t.Fatalf("failed to create user service: %v", err)
	}

	handler, err := NewHTTPHandler(Dependencies{
		SessionValidator: validator,
		Users:            userService,
		Capsules:         capsuleService,
		Sweeper:          sweeper,
		SweepToken:       testSweepToken,
		Realtime:         realtime,
		FilesDir:         filesDir,
		FilesPath:        "/files",
		Clock:            clock.Now,
	})
	if err != nil {
		t.Fatalf("failed to construct http handler: %v", err)
	}
	return &testApp{handler: handler, clock: clock, transport: transport, realtime: realtime}
}

func sessionCookie(t *testing.T, user testUser) *http.Cookie {
	t.Helper()
	now := time.Now()
	subject := user.id[strings.Index(user.id, ":")+1:]
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, auth.SessionClaims{
		UserID:          user.id,
		UserEmail:       user.email,
		UserDisplayName: user.name,
		RegisteredClaims: jwt.RegisteredClaims{
			Issuer:    "tauth",
			Subject:   subject,
			IssuedAt:  jwt.NewNumericDate(now.Add(-time.Minute)),
			ExpiresAt: jwt.NewNumericDate(now.Add(time.Hour)),
		},
	})
	signed, err := token.SignedString([]byte(testSigningSecret))
	if err != nil {
		t.Fatalf("failed to sign session: %v", err)
	}
	return &http.Cookie{Name: testCookieName, Value: signed}
}

type multipartFile struct {
	name        string
	contentType string
	size        int
}

func createCapsuleRequest(t *testing.T, user *testUser, fields map[string]string, files ...multipartFile) *http.Request {
	t.Helper()
	var body bytes.Buffer
	writer := multipart.NewWriter(&body)
	for key, value := range fields {
		if err := writer.WriteField(key, value); err != nil {
			t.Fatalf("failed to write field: %v", err)
		}
	}
	for _, file := range files {
		header := make(map[string][]string)
		header["Content-Disposition"] = []string{fmt.Sprintf(`form-data; name="files"; filename="%s"`, file.name)}
		header["Content-Type"] = []string{file.contentType}
		part, err := writer.CreatePart(header)
		if err != nil {
			t.Fatalf("failed to create part: %v", err)
		}
		if _, err := part.Write(bytes.Repeat([]byte("a"), file.size)); err != nil {
			t.Fatalf("failed to write part: %v", err)
		}
	}
	if err := writer.Close(); err != nil {
		t.Fatalf("failed to close multipart writer: %v", err)
	}
	request := httptest.NewRequest(http.MethodPost, "/capsules", &body)
	request.Header.Set("Content-Type", writer.FormDataContentType())
	if user != nil {
		request.AddCookie(sessionCookie(t, *user))
	}
	return request
}

func (a *testApp) do(t *testing.T, request *http.Request) *httptest.ResponseRecorder {
	t.Helper()
	recorder := httptest.NewRecorder()
	a.handler.ServeHTTP(recorder, request)
	return recorder
}

func (a *testApp) call(t *testing.T, user *testUser, method, path string, payload interface{}) *httptest.ResponseRecorder {
	t.Helper()
	var body bytes.Buffer
	if payload != nil {
		if err := json.NewEncoder(&body).Encode(payload); err != nil {
			t.Fatalf("failed to encode payload: %v", err)
		}
	}
	request := httptest.NewRequest(method, path, &body)
	if payload != nil {
		request.Header.Set("Content-Type", "application/json")
	}
	if user != nil {
		request.AddCookie(sessionCookie(t, *user))
	}
	return a.do(t, request)
}

func (a *testApp) createCapsule(t *testing.T, name string, unlockAt time.Time) string {
	t.Helper()
	recorder := a.do(t, createCapsuleRequest(t, &ownerUser, map[string]string{
		"name":        name,
		"unlock_date": unlockAt.Format(time.RFC3339),
	}, multipartFile{name: "letter.txt", contentType: "text/plain", size: 64}))
	if recorder.Code != http.StatusCreated {
		t.Fatalf("unexpected create status %d: %s", recorder.Code, recorder.Body.String())
	}
	var response createResponse
	decodeJSON(t, recorder, &response)
	return response.CapsuleID
}

func decodeJSON(t *testing.T, recorder *httptest.ResponseRecorder, target interface{}) {
	t.Helper()
	if err := json.Unmarshal(recorder.Body.Bytes(), target); err != nil {
		t.Fatalf("failed to decode response %q: %v", recorder.Body.String(), err)
	}
}

type errorBody struct {
	Error    string    `json:"error"`
	Field    string    `json:"field"`
	UnlockAt time.Time `json:"unlock_at"`
}
