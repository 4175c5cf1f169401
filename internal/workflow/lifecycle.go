package workflow

import (
	"github.com/anggasct/fluo"

	"github.com/abrkgrbz/stocker-purchase-approvals/internal/apperr"
)

// Request lifecycle events.
const (
	eventSubmit   = "submit"
	eventStart    = "start"
	eventApprove  = "approve"
	eventReject   = "reject"
	eventCancel   = "cancel"
	eventEscalate = "escalate"
	eventResume   = "resume"
)

// newLifecycle declares the legal request-status transitions:
//
//	draft -> pending -> in_progress -> ... -> {approved | rejected | cancelled}
//
// with escalated as a step-local detour out of in_progress. Terminal states
// are final: the machine rejects any event from them, which is what surfaces
// AlreadyTerminal to racing callers.
func newLifecycle() fluo.MachineDefinition {
	b := fluo.NewMachine()

	b.State(string(StatusDraft)).Initial().
		To(string(StatusPending)).On(eventSubmit)

	b.State(string(StatusPending)).
		To(string(StatusInProgress)).On(eventStart).
		To(string(StatusCancelled)).On(eventCancel)

	b.State(string(StatusInProgress)).
		To(string(StatusApproved)).On(eventApprove).
		To(string(StatusRejected)).On(eventReject).
		To(string(StatusCancelled)).On(eventCancel).
		To(string(StatusEscalated)).On(eventEscalate)

	b.State(string(StatusEscalated)).
		To(string(StatusInProgress)).On(eventResume).
		To(string(StatusApproved)).On(eventApprove).
		To(string(StatusRejected)).On(eventReject).
		To(string(StatusCancelled)).On(eventCancel)

	b.State(string(StatusApproved)).Final()
	b.State(string(StatusRejected)).Final()
	b.State(string(StatusCancelled)).Final()

	return b.Build()
}

// transition applies a lifecycle event to the request, mutating its status on
// success. An event the machine refuses from the current state maps to
// AlreadyTerminal for terminal states and Conflict otherwise.
func transition(def fluo.MachineDefinition, req *ApprovalRequest, event string) error {
	m := def.CreateInstance()
	if err := m.Start(); err != nil {
		return apperr.Wrap(err, apperr.ErrCodeInternal, "failed to start lifecycle machine")
	}
	if err := m.SetState(string(req.Status)); err != nil {
		return apperr.Wrap(err, apperr.ErrCodeInternal, "unknown request status "+string(req.Status))
	}

	// The machine attaches a non-nil Error to every refused event, so a
	// refusal has to be classified before the error is treated as internal.
	res := m.HandleEvent(event, nil)
	if !res.Processed || !res.StateChanged {
		if req.Status.Terminal() {
			return apperr.Newf(apperr.ErrCodeAlreadyTerminal,
				"approval request %s is already %s", req.ID, req.Status)
		}
		return apperr.Newf(apperr.ErrCodeConflict,
			"event %q not allowed while request %s is %s", event, req.ID, req.Status)
	}
	if res.Error != nil {
		return apperr.Wrap(res.Error, apperr.ErrCodeInternal, "lifecycle transition failed")
	}

	req.Status = RequestStatus(res.CurrentState)
	return nil
}
