// Package email delivers operator notifications for domain lifecycle events
// that need a human: failed issuance, failed bindings and expiring or expired
// certificates.
package email

import (
	"context"

	"go.uber.org/zap"
)

// Sender delivers plain-text email.
type Sender interface {
	Send(ctx context.Context, to []string, subject, body string) error
}

// LogSender logs messages instead of delivering them. Use it in development
// or when SMTP is not configured.
type LogSender struct {
	logger *zap.Logger
}

// NewLogSender creates a LogSender backed by logger.
func NewLogSender(logger *zap.Logger) *LogSender {
	return &LogSender{logger: logger}
}

// Send logs the message and returns nil.
func (l *LogSender) Send(_ context.Context, to []string, subject, body string) error {
	l.logger.Info("email not sent (no SMTP configured)",
		zap.Strings("to", to),
		zap.String("subject", subject),
		zap.String("body", body),
	)
	return nil
}
