package store

import (
	"context"
	"log/slog"

	"github.com/beaconim/beacon/pkg/models"
)

// LogNotifier is a PushNotifier that only logs. Real push delivery lives in
// an external service; this keeps the pipeline's best-effort contract
// exercised when none is wired.
type LogNotifier struct {
	logger *slog.Logger
}

// NewLogNotifier creates a notifier that logs at debug level.
func NewLogNotifier(logger *slog.Logger) *LogNotifier {
	return &LogNotifier{logger: logger}
}

func (n *LogNotifier) Send(ctx context.Context, userID string, notification models.PushNotification) error {
	n.logger.Debug("push notification",
		"user_id", userID,
		"title", notification.Title,
		"chat_id", notification.ChatID,
		"call_id", notification.CallID)
	return nil
}
