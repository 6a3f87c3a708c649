// Package notify provides cross-platform desktop notifications via
// github.com/gen2brain/beeep.
package notify

import (
	"fmt"

	"github.com/gen2brain/beeep"

	"github.com/kggtools/kgg-cli/internal/convert"
	"github.com/kggtools/kgg-cli/internal/logging"
)

// Notifier sends desktop notifications when a run finishes.
type Notifier struct {
	logger  *logging.Logger
	enabled bool
}

// NewNotifier creates a notifier. A disabled notifier is a no-op.
func NewNotifier(enabled bool, logger *logging.Logger) *Notifier {
	if logger == nil {
		logger = logging.NewDefaultLogger()
	}
	return &Notifier{logger: logger, enabled: enabled}
}

// RunFinished notifies about a completed or cancelled run.
func (n *Notifier) RunFinished(summary convert.RunSummary) {
	if !n.enabled {
		return
	}

	title := "Conversion complete"
	if summary.Cancelled {
		title = "Conversion cancelled"
	}
	message := fmt.Sprintf("%d succeeded, %d failed (%s)",
		summary.Success, summary.Failed, formatDuration(summary.DurationMs))

	if err := beeep.Notify(title, message, ""); err != nil {
		n.logger.Warn().Err(err).Msg("Failed to send completion notification")
	}
}

// formatDuration renders a millisecond duration as m:ss.
func formatDuration(ms int64) string {
	sec := ms / 1000
	if sec < 0 {
		sec = 0
	}
	return fmt.Sprintf("%d:%02d", sec/60, sec%60)
}
