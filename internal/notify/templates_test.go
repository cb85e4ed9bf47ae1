package notify

import (
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRenderUnlockNotification(t *testing.T) {
	rendered, err := Render(Request{
		Kind:        KindUnlockNotification,
		To:          "owner@example.com",
		CapsuleName: "Grad",
		Link:        "https://capsule.example.com/home/view-capsule/abc",
	})
	require.NoError(t, err)
	assert.Equal(t, `Your Time Capsule "Grad" is now unlocked!`, rendered.Subject)
	assert.Contains(t, rendered.Text, "https://capsule.example.com/home/view-capsule/abc")
	assert.Contains(t, rendered.HTML, `href="https://capsule.example.com/home/view-capsule/abc"`)
	assert.Contains(t, rendered.HTML, "Time Capsule Team")
}

func TestRenderShareEscapesHTML(t *testing.T) {
	rendered, err := Render(Request{
		Kind:        KindShare,
		To:          "friend@example.com",
		CapsuleName: "Party",
		Link:        "https://capsule.example.com/home/view-capsule/abc?shared=true",
		FromName:    "Olive",
		Message:     "<script>alert(1)</script>",
	})
	require.NoError(t, err)
	assert.Equal(t, "Olive has shared a Time Capsule with you", rendered.Subject)
	assert.Contains(t, rendered.Text, "<script>alert(1)</script>")
	assert.NotContains(t, rendered.HTML, "<script>")
	assert.Contains(t, rendered.HTML, "&lt;script&gt;")
}

func TestRenderShareOmitsEmptyMessage(t *testing.T) {
	rendered, err := Render(Request{
		Kind:        KindShare,
		To:          "friend@example.com",
		CapsuleName: "Party",
		Link:        "https://capsule.example.com/x",
		FromName:    "Olive",
	})
	require.NoError(t, err)
	assert.NotContains(t, rendered.HTML, "<blockquote>")
}

func TestRenderCapsuleCreated(t *testing.T) {
	rendered, err := Render(Request{
		Kind:        KindCapsuleCreated,
		To:          "owner@example.com",
		CapsuleName: "Grad",
		UnlockAt:    time.Date(2030, 5, 17, 9, 30, 0, 0, time.UTC),
	})
	require.NoError(t, err)
	assert.Equal(t, `Your Time Capsule "Grad" has been created`, rendered.Subject)
	assert.Contains(t, rendered.Text, "May 17, 2030 at 09:30 UTC")
	assert.Contains(t, rendered.HTML, "May 17, 2030")
}

func TestRenderRejectsMissingFields(t *testing.T) {
	tests := []struct {
		name    string
		request Request
		field   string
	}{
		{name: "unlock-missing-link", request: Request{Kind: KindUnlockNotification, To: "a@example.com", CapsuleName: "x"}, field: "link"},
		{name: "share-missing-from", request: Request{Kind: KindShare, To: "a@example.com", CapsuleName: "x", Link: "l"}, field: "from_name"},
		{name: "created-missing-date", request: Request{Kind: KindCapsuleCreated, To: "a@example.com", CapsuleName: "x"}, field: "unlock_at"},
		{name: "blank-recipient", request: Request{Kind: KindShare, To: "  ", CapsuleName: "x", Link: "l", FromName: "f"}, field: "to"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Render(tt.request)
			require.ErrorIs(t, err, ErrMissingField)
			assert.Contains(t, err.Error(), tt.field)
		})
	}
}

func TestRenderRejectsUnknownKind(t *testing.T) {
	_, err := Render(Request{Kind: "birthday", To: "a@example.com"})
	assert.True(t, errors.Is(err, ErrUnknownKind))
}
