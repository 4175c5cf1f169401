package workflow

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/abrkgrbz/stocker-purchase-approvals/internal/apperr"
)

func lifecycleRequest(status RequestStatus) *ApprovalRequest {
	return &ApprovalRequest{ID: "req-1", Status: status}
}

func TestLifecycle_HappyPath(t *testing.T) {
	def := newLifecycle()
	req := lifecycleRequest(StatusDraft)

	require.NoError(t, transition(def, req, eventSubmit))
	assert.Equal(t, StatusPending, req.Status)

	require.NoError(t, transition(def, req, eventStart))
	assert.Equal(t, StatusInProgress, req.Status)

	require.NoError(t, transition(def, req, eventApprove))
	assert.Equal(t, StatusApproved, req.Status)
}

func TestLifecycle_EscalationDetour(t *testing.T) {
	def := newLifecycle()
	req := lifecycleRequest(StatusInProgress)

	require.NoError(t, transition(def, req, eventEscalate))
	assert.Equal(t, StatusEscalated, req.Status)

	t.Run("resume back to in_progress", func(t *testing.T) {
		r := lifecycleRequest(StatusEscalated)
		require.NoError(t, transition(def, r, eventResume))
		assert.Equal(t, StatusInProgress, r.Status)
	})

	t.Run("approve directly from escalated", func(t *testing.T) {
		r := lifecycleRequest(StatusEscalated)
		require.NoError(t, transition(def, r, eventApprove))
		assert.Equal(t, StatusApproved, r.Status)
	})
}

func TestLifecycle_TerminalStatesRefuseEvents(t *testing.T) {
	def := newLifecycle()
	for _, status := range []RequestStatus{StatusApproved, StatusRejected, StatusCancelled} {
		for _, event := range []string{eventApprove, eventReject, eventCancel, eventEscalate} {
			req := lifecycleRequest(status)
			err := transition(def, req, event)
			require.Error(t, err, "event %s from %s", event, status)
			assert.True(t, apperr.HasCode(err, apperr.ErrCodeAlreadyTerminal))
			assert.Equal(t, status, req.Status, "refused event must not change status")
		}
	}
}

func TestLifecycle_IllegalNonTerminalEventIsConflict(t *testing.T) {
	def := newLifecycle()

	req := lifecycleRequest(StatusDraft)
	err := transition(def, req, eventApprove)
	require.Error(t, err)
	assert.True(t, apperr.HasCode(err, apperr.ErrCodeConflict))
	assert.Equal(t, StatusDraft, req.Status)
}

func TestLifecycle_CancelFromEveryOpenState(t *testing.T) {
	def := newLifecycle()
	for _, status := range []RequestStatus{StatusPending, StatusInProgress, StatusEscalated} {
		req := lifecycleRequest(status)
		require.NoError(t, transition(def, req, eventCancel))
		assert.Equal(t, StatusCancelled, req.Status)
	}
}
