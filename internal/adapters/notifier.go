package adapters

import (
	"context"

	"github.com/trinity-platform/process-engine/internal/collaborators"
	"github.com/trinity-platform/process-engine/internal/platformlog"
)

// LogNotifier is the default Notifier: it records every notification
// through the structured logger rather than an actual messaging channel.
// Swap in a Slack/email/webhook sender for production notification_channels.
type LogNotifier struct {
	log *platformlog.Logger
}

// NewLogNotifier builds a LogNotifier.
func NewLogNotifier(log *platformlog.Logger) *LogNotifier {
	return &LogNotifier{log: log}
}

// Send implements collaborators.Notifier.
func (n *LogNotifier) Send(ctx context.Context, channel string, recipients []string, message string) ([]collaborators.RecipientStatus, error) {
	out := make([]collaborators.RecipientStatus, 0, len(recipients))
	for _, r := range recipients {
		n.log.WithContext(ctx).WithField("channel", channel).WithField("recipient", r).Info(message)
		out = append(out, collaborators.RecipientStatus{Recipient: r, Sent: true})
	}
	return out, nil
}
