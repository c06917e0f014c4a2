package provider

import (
	"context"
	"log/slog"
	"strings"

	"github.com/colloq/colloq/internal/plugin/capability"
)

// LogMailer records outbound email through the logger instead of delivering
// it. It is the default sender for deployments without a mail provider and
// keeps plugin email flows observable in development.
type LogMailer struct {
	logger *slog.Logger
}

// NewLogMailer creates a mailer that logs through logger.
func NewLogMailer(logger *slog.Logger) *LogMailer {
	if logger == nil {
		logger = slog.Default()
	}
	return &LogMailer{logger: logger}
}

// Send logs the message and reports success.
func (m *LogMailer) Send(ctx context.Context, msg capability.Message) error {
	m.logger.InfoContext(ctx, "outbound email",
		"to", strings.Join(msg.To, ", "),
		"subject", msg.Subject,
		"bytes", len(msg.Body),
	)
	return nil
}
