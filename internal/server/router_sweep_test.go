package server

import (
	"bufio"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/MarcoPoloResearchLab/timecapsule/backend/internal/capsules"
	"go.uber.org/zap"
)

func sweepRequest(headers map[string]string) *http.Request {
	request := httptest.NewRequest(http.MethodPost, "/sweep", http.NoBody)
	for key, value := range headers {
		request.Header.Set(key, value)
	}
	return request
}

func TestSweepEndpointRequiresToken(t *testing.T) {
	app := newTestApp(t)
	tests := []struct {
		name    string
		headers map[string]string
	}{
		{name: "missing", headers: nil},
		{name: "wrong-header", headers: map[string]string{sweepTokenHeader: "nope"}},
		{name: "wrong-bearer", headers: map[string]string{"Authorization": "Bearer nope"}},
		{name: "basic-scheme", headers: map[string]string{"Authorization": "Basic " + testSweepToken}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			recorder := app.do(t, sweepRequest(tt.headers))
			if recorder.Code != http.StatusUnauthorized {
				t.Fatalf("expected 401, got %d", recorder.Code)
			}
		})
	}
}

func TestSweepEndpointUnlocksDueCapsules(t *testing.T) {
	app := newTestApp(t)
	due := app.createCapsule(t, "Grad", testEpoch.Add(time.Hour))
	app.createCapsule(t, "Wedding", testEpoch.Add(72*time.Hour))
	app.clock.Advance(2 * time.Hour)

	recorder := app.do(t, sweepRequest(map[string]string{sweepTokenHeader: testSweepToken}))
	if recorder.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", recorder.Code, recorder.Body.String())
	}
	var result capsules.SweepResult
	decodeJSON(t, recorder, &result)
	expected := capsules.SweepResult{Due: 1, Unlocked: 1, Notified: 1}
	if result != expected {
		t.Fatalf("unexpected sweep result %+v", result)
	}

	unlockedSubjects := 0
	for _, subject := range app.transport.subjects() {
		if strings.Contains(subject, "Grad") && strings.Contains(strings.ToLower(subject), "unlocked") {
			unlockedSubjects++
		}
	}
	if unlockedSubjects != 1 {
		t.Fatalf("expected one unlock email, got subjects %v", app.transport.subjects())
	}

	view := app.call(t, &ownerUser, http.MethodGet, "/capsules/"+due, nil)
	var envelope capsuleEnvelope
	decodeJSON(t, view, &envelope)
	if envelope.Capsule.SweepPending || !envelope.Capsule.NotificationSent {
		t.Fatalf("expected swept capsule, got %+v", envelope.Capsule)
	}

	again := app.do(t, sweepRequest(map[string]string{"Authorization": "Bearer " + testSweepToken}))
	var second capsules.SweepResult
	decodeJSON(t, again, &second)
	if again.Code != http.StatusOK || second != (capsules.SweepResult{}) {
		t.Fatalf("expected empty second sweep, got %d %+v", again.Code, second)
	}
}

func TestSweepEndpointDisabledWithoutToken(t *testing.T) {
	disabled, err := NewHTTPHandler(Dependencies{
		SessionValidator: stubSessionValidator{},
		Users:            stubProfileResolver{},
		Capsules:         &capsules.Service{},
		Logger:           zap.NewNop(),
	})
	if err != nil {
		t.Fatalf("failed to construct handler: %v", err)
	}
	recorder := httptest.NewRecorder()
	disabled.ServeHTTP(recorder, sweepRequest(map[string]string{sweepTokenHeader: "anything"}))
	if recorder.Code != http.StatusForbidden || !strings.Contains(recorder.Body.String(), "sweep_disabled") {
		t.Fatalf("expected sweep_disabled, got %d %s", recorder.Code, recorder.Body.String())
	}
}

func TestNewHTTPHandlerRequiresDependencies(t *testing.T) {
	if _, err := NewHTTPHandler(Dependencies{}); err != errMissingSessionValidator {
		t.Fatalf("expected missing session validator, got %v", err)
	}
	if _, err := NewHTTPHandler(Dependencies{SessionValidator: stubSessionValidator{}}); err != errMissingUserService {
		t.Fatalf("expected missing user service, got %v", err)
	}
	if _, err := NewHTTPHandler(Dependencies{SessionValidator: stubSessionValidator{}, Users: stubProfileResolver{}}); err != errMissingCapsuleService {
		t.Fatalf("expected missing capsule service, got %v", err)
	}
}

func TestRealtimeStreamDeliversSweepUnlocks(t *testing.T) {
	app := newTestApp(t)
	id := app.createCapsule(t, "Grad", testEpoch.Add(time.Minute))
	app.clock.Advance(time.Hour)

	server := httptest.NewServer(app.handler)
	defer server.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	request, err := http.NewRequestWithContext(ctx, http.MethodGet, server.URL+"/capsules/events", http.NoBody)
	if err != nil {
		t.Fatalf("failed to build stream request: %v", err)
	}
	request.AddCookie(sessionCookie(t, ownerUser))
	response, err := server.Client().Do(request)
	if err != nil {
		t.Fatalf("failed to open stream: %v", err)
	}
	defer response.Body.Close()
	if response.StatusCode != http.StatusOK {
		t.Fatalf("unexpected stream status %d", response.StatusCode)
	}

	reader := bufio.NewReader(response.Body)
	readEvent := func() (string, string) {
		var event, data string
		for {
			line, err := reader.ReadString('\n')
			if err != nil {
				t.Fatalf("stream closed early: %v", err)
			}
			line = strings.TrimRight(line, "\n")
			switch {
			case strings.HasPrefix(line, "event:"):
				event = strings.TrimSpace(strings.TrimPrefix(line, "event:"))
			case strings.HasPrefix(line, "data:"):
				data = strings.TrimSpace(strings.TrimPrefix(line, "data:"))
			case line == "" && event != "":
				return event, data
			}
		}
	}

	if event, _ := readEvent(); event != realtimeEventHeartbeat {
		t.Fatalf("expected initial heartbeat, got %q", event)
	}

	sweep, err := http.NewRequestWithContext(ctx, http.MethodPost, server.URL+"/sweep", http.NoBody)
	if err != nil {
		t.Fatalf("failed to build sweep request: %v", err)
	}
	sweep.Header.Set(sweepTokenHeader, testSweepToken)
	sweepResponse, err := server.Client().Do(sweep)
	if err != nil {
		t.Fatalf("sweep request failed: %v", err)
	}
	sweepResponse.Body.Close()

	event, data := readEvent()
	if event != RealtimeEventCapsuleUnlocked {
		t.Fatalf("expected %s, got %q", RealtimeEventCapsuleUnlocked, event)
	}
	var payload realtimeEventPayload
	if err := json.Unmarshal([]byte(data), &payload); err != nil {
		t.Fatalf("failed to decode payload %q: %v", data, err)
	}
	if len(payload.CapsuleIDs) != 1 || payload.CapsuleIDs[0] != id || payload.Source != realtimeSourceBackend {
		t.Fatalf("unexpected payload %+v", payload)
	}
}
