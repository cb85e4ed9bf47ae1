package notify

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	mail "github.com/wneessen/go-mail"
)

const (
	defaultSMTPPort    = 587
	implicitTLSPort    = 465
	defaultSMTPTimeout = 15 * time.Second
)

var errMissingSMTPHost = errors.New("notify: smtp host is required")

// SMTPConfig describes the relay used for outbound mail.
type SMTPConfig struct {
	Host     string
	Port     int
	Username string
	Password string
	Timeout  time.Duration
}

// SMTPTransport relays mail through an SMTP server.
type SMTPTransport struct {
	client *mail.Client
}

// NewSMTPTransport builds a go-mail client. Port 465 uses implicit TLS, any
// other port negotiates STARTTLS when the server offers it.
func NewSMTPTransport(cfg SMTPConfig) (*SMTPTransport, error) {
	host := strings.TrimSpace(cfg.Host)
	if host == "" {
		return nil, errMissingSMTPHost
	}
	port := cfg.Port
	if port <= 0 {
		port = defaultSMTPPort
	}
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = defaultSMTPTimeout
	}

	options := []mail.Option{
		mail.WithPort(port),
		mail.WithTimeout(timeout),
	}
	if port == implicitTLSPort {
		options = append(options, mail.WithSSLPort(false))
	} else {
		options = append(options, mail.WithTLSPortPolicy(mail.TLSOpportunistic))
	}
	if cfg.Username != "" {
		options = append(options,
			mail.WithSMTPAuth(mail.SMTPAuthPlain),
			mail.WithUsername(cfg.Username),
			mail.WithPassword(cfg.Password),
		)
	}

	client, err := mail.NewClient(host, options...)
	if err != nil {
		return nil, fmt.Errorf("notify: smtp client: %w", err)
	}
	return &SMTPTransport{client: client}, nil
}

// Send builds a multipart text+HTML message and relays it.
func (t *SMTPTransport) Send(ctx context.Context, envelope Envelope) error {
	message, err := buildMessage(envelope)
	if err != nil {
		return err
	}
	if err := t.client.DialAndSendWithContext(ctx, message); err != nil {
		return fmt.Errorf("notify: smtp send: %w", err)
	}
	return nil
}

func buildMessage(envelope Envelope) (*mail.Msg, error) {
	message := mail.NewMsg()
	if err := message.From(envelope.From); err != nil {
		return nil, fmt.Errorf("notify: invalid sender %q: %w", envelope.From, err)
	}
	if err := message.To(envelope.To); err != nil {
		return nil, fmt.Errorf("notify: invalid recipient %q: %w", envelope.To, err)
	}
	message.Subject(envelope.Subject)
	message.SetBodyString(mail.TypeTextPlain, envelope.Text)
	if envelope.HTML != "" {
		message.AddAlternativeString(mail.TypeTextHTML, envelope.HTML)
	}
	return message, nil
}
