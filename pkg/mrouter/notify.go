package mrouter

import (
	"sync/atomic"

	"github.com/gen2brain/beeep"
	"go.uber.org/zap"
)

// Notifier shows the user something happened, config errors mostly
type Notifier interface {
	Notify(title string, message string)
}

// ToastNotifier uses beeep to show desktop notifications
type ToastNotifier struct {
	logger  *zap.SugaredLogger
	enabled atomic.Bool
}

func NewToastNotifier(logger *zap.SugaredLogger) (*ToastNotifier, error) {
	logger = logger.Named("notifier")
	tn := &ToastNotifier{logger: logger}
	tn.enabled.Store(true)

	logger.Debug("Created toast notifier instance")

	return tn, nil
}

// SetEnabled turns notifications on or off. Disabled notifications are
// still logged.
func (tn *ToastNotifier) SetEnabled(enabled bool) {
	tn.enabled.Store(enabled)
}

func (tn *ToastNotifier) Notify(title string, message string) {
	tn.logger.Infow("Sending toast notification", "title", title, "message", message)

	if !tn.enabled.Load() {
		return
	}

	if err := beeep.Notify(title, message, ""); err != nil {
		tn.logger.Warnw("Failed to send toast notification", "error", err)
	}
}
