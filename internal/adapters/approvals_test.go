package adapters_test

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/trinity-platform/process-engine/internal/adapters"
	"github.com/trinity-platform/process-engine/internal/collaborators"
	"github.com/trinity-platform/process-engine/internal/platformlog"
)

func TestLogApprovalStore_DecideDeliversToRegisteredHandler(t *testing.T) {
	store := adapters.NewLogApprovalStore(platformlog.New("test", "info", "text"))

	var got collaborators.ApprovalDecision
	store.OnDecision(func(d collaborators.ApprovalDecision) { got = d })

	require.NoError(t, store.NotifyApprovers(context.Background(), "appr-1", []string{"alice"}, "title", "desc", time.Now().Add(time.Hour)))

	store.Decide(collaborators.ApprovalDecision{ApprovalID: "appr-1", Approved: true, DecidedBy: "alice"})
	assert.Equal(t, "appr-1", got.ApprovalID)
	assert.True(t, got.Approved)
}

func TestLogApprovalStore_DecideBeforeHandlerRegisteredIsANoop(t *testing.T) {
	store := adapters.NewLogApprovalStore(platformlog.New("test", "info", "text"))
	assert.NotPanics(t, func() {
		store.Decide(collaborators.ApprovalDecision{ApprovalID: "appr-1", Approved: true})
	})
}

func TestLogNotifier_SendMarksEveryRecipientSent(t *testing.T) {
	n := adapters.NewLogNotifier(platformlog.New("test", "info", "text"))
	out, err := n.Send(context.Background(), "email", []string{"alice", "bob"}, "hello")
	require.NoError(t, err)
	require.Len(t, out, 2)
	for _, status := range out {
		assert.True(t, status.Sent)
	}
}
