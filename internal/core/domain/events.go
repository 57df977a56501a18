package domain

// StreamEventKind identifies one of the closed set of events a streaming run
// emits. `done` is always the final event of a stream, whatever happened.
type StreamEventKind string

const (
	EventStep         StreamEventKind = "step"
	EventConfirmation StreamEventKind = "confirmation"
	EventMessage      StreamEventKind = "message"
	EventError        StreamEventKind = "error"
	EventDone         StreamEventKind = "done"
)

// StreamEvent carries the payload for one streamed event. Exactly the fields
// matching Kind are populated.
type StreamEvent struct {
	Kind         StreamEventKind `json:"kind"`
	Step         *AgentStep      `json:"step,omitempty"`
	Confirmation *PendingAction  `json:"confirmation,omitempty"`
	Message      string          `json:"message,omitempty"`
	Error        string          `json:"error,omitempty"`
	Steps        []AgentStep     `json:"steps,omitempty"`
}

// StepEvent wraps a finalized step.
func StepEvent(step AgentStep) StreamEvent {
	return StreamEvent{Kind: EventStep, Step: &step}
}

// ConfirmationEvent announces a run suspended on a pending action.
func ConfirmationEvent(pending *PendingAction) StreamEvent {
	return StreamEvent{Kind: EventConfirmation, Confirmation: pending}
}

// MessageEvent carries the final answer text.
func MessageEvent(text string) StreamEvent {
	return StreamEvent{Kind: EventMessage, Message: text}
}

// ErrorEvent carries a failure explanation.
func ErrorEvent(text string) StreamEvent {
	return StreamEvent{Kind: EventError, Error: text}
}

// DoneEvent closes a stream with the full step list and final message.
func DoneEvent(steps []AgentStep, message string) StreamEvent {
	return StreamEvent{Kind: EventDone, Steps: steps, Message: message}
}
