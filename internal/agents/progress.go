package agents

import (
	"context"
	"time"

	"github.com/google/uuid"
)

// ProgressEventType classifies streamed orchestration progress.
type ProgressEventType string

const (
	ProgressStarted       ProgressEventType = "started"
	ProgressTransition    ProgressEventType = "state_transition"
	ProgressGuardrailFail ProgressEventType = "guardrail_fail"
	ProgressCompleted     ProgressEventType = "completed"
	ProgressError         ProgressEventType = "error"
)

// ProgressEvent is one orchestration progress notification. Transition
// events arrive in the order the state machine took them, one per step.
type ProgressEvent struct {
	Type       ProgressEventType `json:"type"`
	CaseID     uuid.UUID         `json:"case_id"`
	From       State             `json:"from,omitempty"`
	To         State             `json:"to,omitempty"`
	Condition  string            `json:"condition,omitempty"`
	Message    string            `json:"message,omitempty"`
	Completion Completion        `json:"completion,omitempty"`
	At         time.Time         `json:"at"`
}

// emitFunc receives progress events during a run. Never nil inside the
// orchestrator; Run installs a no-op.
type emitFunc func(ProgressEvent)

// RunStreaming executes the case like Run while reporting progress on the
// returned channel. The first event is started, then one state_transition
// per machine step in transition order; the channel closes after a final
// completed or error event. The run keeps going if the consumer stops
// reading only when ctx ends.
func (o *Orchestrator) RunStreaming(ctx context.Context, caseID uuid.UUID) <-chan ProgressEvent {
	ch := make(chan ProgressEvent, 16)
	emit := func(ev ProgressEvent) {
		ev.CaseID = caseID
		ev.At = time.Now().UTC()
		select {
		case ch <- ev:
		case <-ctx.Done():
		}
	}

	go func() {
		defer close(ch)
		emit(ProgressEvent{Type: ProgressStarted})
		result, err := o.run(ctx, caseID, emit)
		if err != nil {
			emit(ProgressEvent{Type: ProgressError, Message: err.Error()})
			return
		}
		emit(ProgressEvent{Type: ProgressCompleted, Completion: result.Completion})
	}()
	return ch
}
