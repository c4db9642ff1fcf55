package portal

import (
	"github.com/gen2brain/beeep"
	"go.uber.org/zap"
)

// Notifier provides a generic interface for sending notifications.
type Notifier interface {
	Notify(title string, message string)
}

// DesktopNotifier sends desktop notifications through the freedesktop
// notification service.
type DesktopNotifier struct {
	logger *zap.SugaredLogger
}

// NewDesktopNotifier creates a new instance of DesktopNotifier.
func NewDesktopNotifier(logger *zap.SugaredLogger) (*DesktopNotifier, error) {
	logger = logger.Named("notifier")
	logger.Debug("Created desktop notifier instance")

	return &DesktopNotifier{logger: logger}, nil
}

// Notify sends a desktop notification.
func (dn *DesktopNotifier) Notify(title, message string) {
	dn.logger.Infow("Sending desktop notification", "title", title, "message", message)

	if err := beeep.Notify(title, message, ""); err != nil {
		dn.logger.Errorw("Failed to send desktop notification", "error", err)
	}
}
