package triage

import (
	"context"
	"log/slog"

	"github.com/relaysms/triage-gateway/internal/core_domain"
)

// Notifier receives messages routed to the notify action. The on-call
// integration (Telegram, email) lives outside this core; the default
// implementation surfaces the notification in the structured log stream.
type Notifier interface {
	Notify(ctx context.Context, msg core_domain.NormalizedMessage, priority core_domain.Priority) error
}

// LogNotifier writes notifications to the service log at warn level so
// they stand out from routine processing lines.
type LogNotifier struct {
	logger *slog.Logger
}

// NewLogNotifier creates a LogNotifier.
func NewLogNotifier(logger *slog.Logger) *LogNotifier {
	return &LogNotifier{logger: logger.With("component", "notifier")}
}

// Notify logs the message; it never fails.
func (n *LogNotifier) Notify(ctx context.Context, msg core_domain.NormalizedMessage, priority core_domain.Priority) error {
	n.logger.WarnContext(ctx, "Notification",
		"priority", priority, "sender", msg.Sender, "channel", msg.Channel, "content", msg.Content)
	return nil
}
