package notify

import (
	"context"
	"errors"
	"strings"

	"go.uber.org/zap"
)

var errMissingTransport = errors.New("notify: transport is required")

// Envelope is a rendered email addressed to one recipient.
type Envelope struct {
	From    string
	To      string
	Subject string
	Text    string
	HTML    string
}

// Transport relays a rendered email.
type Transport interface {
	Send(ctx context.Context, envelope Envelope) error
}

// ServiceConfig describes the dependencies of the notification service.
type ServiceConfig struct {
	Transport Transport
	From      string
	Logger    *zap.Logger
}

// Service renders templated emails and hands them to a transport.
type Service struct {
	transport Transport
	from      string
	logger    *zap.Logger
}

// NewService validates the configuration and constructs a Service.
func NewService(cfg ServiceConfig) (*Service, error) {
	if cfg.Transport == nil {
		return nil, errMissingTransport
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Service{
		transport: cfg.Transport,
		from:      strings.TrimSpace(cfg.From),
		logger:    logger,
	}, nil
}

// Dispatch renders request and sends it. Each call is a single attempt.
func (s *Service) Dispatch(ctx context.Context, request Request) error {
	rendered, err := Render(request)
	if err != nil {
		return err
	}
	envelope := Envelope{
		From:    s.from,
		To:      strings.TrimSpace(request.To),
		Subject: rendered.Subject,
		Text:    rendered.Text,
		HTML:    rendered.HTML,
	}
	if err := s.transport.Send(ctx, envelope); err != nil {
		s.logger.Error("email dispatch failed",
			zap.String("kind", string(request.Kind)),
			zap.String("to", envelope.To),
			zap.Error(err))
		return err
	}
	s.logger.Info("email dispatched",
		zap.String("kind", string(request.Kind)),
		zap.String("to", envelope.To))
	return nil
}

// LogTransport writes emails to the logger instead of relaying them. It is
// used when no SMTP host is configured.
type LogTransport struct {
	Logger *zap.Logger
}

// Send logs the envelope headers and plain-text body.
func (t LogTransport) Send(_ context.Context, envelope Envelope) error {
	logger := t.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	logger.Info("email delivery skipped: no smtp relay configured",
		zap.String("from", envelope.From),
		zap.String("to", envelope.To),
		zap.String("subject", envelope.Subject),
		zap.String("text", envelope.Text))
	return nil
}
