package adapters

import (
	"context"
	"sync"
	"time"

	"github.com/trinity-platform/process-engine/internal/collaborators"
	"github.com/trinity-platform/process-engine/internal/platformlog"
)

// LogApprovalStore is the default ApprovalStore: it logs the notification
// (standing in for paging the approvers through chat/email) and exposes
// Decide so an external channel (a Slack action, a CLI command) can deliver
// a decision back through OnDecision's registered handler. The engine
// itself remains authoritative over ApprovalTask state, per the contract's
// doc comment.
type LogApprovalStore struct {
	log *platformlog.Logger

	mu      sync.Mutex
	handler func(collaborators.ApprovalDecision)
}

// NewLogApprovalStore builds a LogApprovalStore.
func NewLogApprovalStore(log *platformlog.Logger) *LogApprovalStore {
	return &LogApprovalStore{log: log}
}

// NotifyApprovers implements collaborators.ApprovalStore.
func (s *LogApprovalStore) NotifyApprovers(ctx context.Context, approvalID string, approvers []string, title, description string, deadline time.Time) error {
	s.log.WithContext(ctx).
		WithField("approval_id", approvalID).
		WithField("approvers", approvers).
		WithField("deadline", deadline.Format(time.RFC3339)).
		Info(title + ": " + description)
	return nil
}

// OnDecision implements collaborators.ApprovalStore.
func (s *LogApprovalStore) OnDecision(handler func(collaborators.ApprovalDecision)) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.handler = handler
}

// Decide delivers an out-of-band decision (e.g. from an HTTP callback) to
// the registered handler.
func (s *LogApprovalStore) Decide(d collaborators.ApprovalDecision) {
	s.mu.Lock()
	h := s.handler
	s.mu.Unlock()
	if h != nil {
		h(d)
	}
}
