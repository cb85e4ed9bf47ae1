package notify

import (
	"bytes"
	"errors"
	"fmt"
	htmltemplate "html/template"
	"strings"
	texttemplate "text/template"
	"time"
)

// Kind selects the email template.
type Kind string

const (
	// KindUnlockNotification tells an owner their capsule is open.
	KindUnlockNotification Kind = "unlockNotification"
	// KindShare invites a recipient to view a capsule.
	KindShare Kind = "share"
	// KindCapsuleCreated confirms a new capsule to its owner.
	KindCapsuleCreated Kind = "capsuleCreated"
)

var (
	// ErrUnknownKind is returned for template kinds the renderer does not know.
	ErrUnknownKind = errors.New("notify: unknown email kind")
	// ErrMissingField is returned when a kind-specific field is empty.
	ErrMissingField = errors.New("notify: missing required field")
)

// Request carries the kind-specific payload of one email.
type Request struct {
	Kind        Kind
	To          string
	CapsuleName string
	Link        string
	FromName    string
	Message     string
	UnlockAt    time.Time
}

// Rendered is a fully rendered email body.
type Rendered struct {
	Subject string
	Text    string
	HTML    string
}

type templateSet struct {
	subject *texttemplate.Template
	text    *texttemplate.Template
	html    *htmltemplate.Template
	require func(Request) error
}

const htmlFrame = `<div style="font-family: Arial, sans-serif; max-width: 600px; margin: 0 auto;">{{template "body" .}}<p>Time Capsule Team</p></div>`

const buttonStyle = `background-color: #4f46e5; color: white; padding: 10px 20px; text-decoration: none; border-radius: 5px; display: inline-block; margin: 20px 0;`

func mustTemplates(subject, text, htmlBody string, require func(Request) error) templateSet {
	htmlTemplate := htmltemplate.Must(htmltemplate.New("frame").Parse(htmlFrame))
	htmltemplate.Must(htmlTemplate.New("body").Parse(htmlBody))
	return templateSet{
		subject: texttemplate.Must(texttemplate.New("subject").Parse(subject)),
		text:    texttemplate.Must(texttemplate.New("text").Parse(text)),
		html:    htmlTemplate,
		require: require,
	}
}

var templates = map[Kind]templateSet{
	KindUnlockNotification: mustTemplates(
		`Your Time Capsule "{{.CapsuleName}}" is now unlocked!`,
		`Your time capsule "{{.CapsuleName}}" is now unlocked and ready to view. Visit {{.Link}} to see your memories.`,
		`<h2>Your Time Capsule is Unlocked!</h2>
<p>Hello,</p>
<p>Your time capsule "{{.CapsuleName}}" is now unlocked and ready to view.</p>
<p><a href="{{.Link}}" style="`+buttonStyle+`">View Your Capsule</a></p>
<p>Enjoy revisiting your memories!</p>`,
		requireFields("to", "capsule_name", "link"),
	),
	KindShare: mustTemplates(
		`{{.FromName}} has shared a Time Capsule with you`,
		`{{.FromName}} has shared their time capsule "{{.CapsuleName}}" with you.{{if .Message}}

"{{.Message}}"{{end}}

Visit {{.Link}} to view it.`,
		`<h2>Time Capsule Shared With You</h2>
<p>Hello,</p>
<p>{{.FromName}} has shared their time capsule "{{.CapsuleName}}" with you.</p>
{{if .Message}}<blockquote>{{.Message}}</blockquote>{{end}}
<p><a href="{{.Link}}" style="`+buttonStyle+`">View Shared Capsule</a></p>`,
		requireFields("to", "capsule_name", "link", "from_name"),
	),
	KindCapsuleCreated: mustTemplates(
		`Your Time Capsule "{{.CapsuleName}}" has been created`,
		`Your time capsule "{{.CapsuleName}}" has been created and locked. It will unlock on {{.UnlockAt.UTC.Format "January 2, 2006 at 15:04 MST"}}. We'll notify you when it's ready to be opened.`,
		`<h2>Your Time Capsule Has Been Created</h2>
<p>Your time capsule "{{.CapsuleName}}" has been created and locked.</p>
<p>It will unlock on <strong>{{.UnlockAt.UTC.Format "January 2, 2006"}}</strong> at <strong>{{.UnlockAt.UTC.Format "15:04 MST"}}</strong>.</p>
<p>We'll notify you when it's ready to be opened.</p>`,
		requireFields("to", "capsule_name", "unlock_at"),
	),
}

func requireFields(fields ...string) func(Request) error {
	return func(request Request) error {
		for _, field := range fields {
			if fieldEmpty(request, field) {
				return fmt.Errorf("%w: %s", ErrMissingField, field)
			}
		}
		return nil
	}
}

func fieldEmpty(request Request, field string) bool {
	switch field {
	case "to":
		return strings.TrimSpace(request.To) == ""
	case "capsule_name":
		return strings.TrimSpace(request.CapsuleName) == ""
	case "link":
		return strings.TrimSpace(request.Link) == ""
	case "from_name":
		return strings.TrimSpace(request.FromName) == ""
	case "unlock_at":
		return request.UnlockAt.IsZero()
	default:
		return true
	}
}

// Render validates the request for its kind and renders subject, text and HTML.
func Render(request Request) (Rendered, error) {
	set, ok := templates[request.Kind]
	if !ok {
		return Rendered{}, fmt.Errorf("%w: %q", ErrUnknownKind, request.Kind)
	}
	if err := set.require(request); err != nil {
		return Rendered{}, err
	}

	var subject, text, html bytes.Buffer
	if err := set.subject.Execute(&subject, request); err != nil {
		return Rendered{}, fmt.Errorf("notify: render subject: %w", err)
	}
	if err := set.text.Execute(&text, request); err != nil {
		return Rendered{}, fmt.Errorf("notify: render text: %w", err)
	}
	if err := set.html.ExecuteTemplate(&html, "frame", request); err != nil {
		return Rendered{}, fmt.Errorf("notify: render html: %w", err)
	}
	return Rendered{
		Subject: strings.TrimSpace(subject.String()),
		Text:    text.String(),
		HTML:    html.String(),
	}, nil
}
