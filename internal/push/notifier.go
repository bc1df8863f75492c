// Package push is the boundary to the push-notification transport. The
// transport itself lives outside this service; the default notifier only
// records the attempt.
package push

import (
	"context"

	"go.uber.org/zap"
)

// Notification is the payload handed to the transport.
type Notification struct {
	Title string
	Body  string
	Data  map[string]string
}

// Notifier delivers a push notification for a user with no live session.
// Failures are logged by callers and never retried here; retry policy, if
// any, belongs to the transport.
type Notifier interface {
	Notify(ctx context.Context, userID string, n Notification) error
}

// LogNotifier records notifications in the log instead of sending them.
type LogNotifier struct {
	logger *zap.Logger
}

// NewLogNotifier creates the default notifier.
func NewLogNotifier(logger *zap.Logger) *LogNotifier {
	return &LogNotifier{logger: logger}
}

// Notify implements Notifier.
func (n *LogNotifier) Notify(_ context.Context, userID string, notif Notification) error {
	n.logger.Info("push notification",
		zap.String("user_id", userID),
		zap.String("title", notif.Title),
		zap.String("body", notif.Body))
	return nil
}
