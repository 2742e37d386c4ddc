package models

import "time"

// EventType identifies the kind of pipeline event.
type EventType string

const (
	// Request lifecycle
	EventRequestBuilt EventType = "request.built"
	EventRequestSent  EventType = "request.sent"

	// Model streaming
	EventStreamStarted   EventType = "stream.started"
	EventStreamChunk     EventType = "stream.chunk"
	EventStreamCompleted EventType = "stream.completed"

	// Tool calls as parsed from the stream
	EventToolCallDetected EventType = "tool.call.detected"
	EventToolCallFlushed  EventType = "tool.call.flushed"
	EventToolCallAttached EventType = "tool.call.attached"

	// Tool execution
	EventToolExecRequiresConfirmation EventType = "tool.exec.requires_confirmation"
	EventToolExecStarted              EventType = "tool.exec.started"
	EventToolExecCompleted            EventType = "tool.exec.completed"
	EventToolExecFailed               EventType = "tool.exec.failed"
	EventToolResultAttached           EventType = "tool.result.attached"
	EventToolResultPersisted          EventType = "tool.result.persisted"

	// Terminal states
	EventSubmissionCompleted EventType = "submission.completed"
	EventSubmissionAborted   EventType = "submission.aborted"
	EventSubmissionFailed    EventType = "submission.failed"

	// Background activity
	EventScheduleUpdated EventType = "schedule.updated"
	EventMessageCreated  EventType = "message.created"
	EventMessageUpdated  EventType = "message.updated"
)

// Terminal reports whether the event ends a submission.
func (t EventType) Terminal() bool {
	switch t {
	case EventSubmissionCompleted, EventSubmissionAborted, EventSubmissionFailed:
		return true
	}
	return false
}

// EventEnvelope is the unit persisted to the trace store and broadcast to the UI.
type EventEnvelope struct {
	Type         EventType `json:"type"`
	Payload      any       `json:"payload,omitempty"`
	SubmissionID string    `json:"submissionId,omitempty"`
	ChatID       int64     `json:"chatId,omitempty"`
	ChatUUID     string    `json:"chatUuid,omitempty"`
	Sequence     uint64    `json:"sequence"`
	Timestamp    time.Time `json:"timestamp"`
}

// Usage reports token consumption for one model response.
type Usage struct {
	PromptTokens     int `json:"promptTokens"`
	CompletionTokens int `json:"completionTokens"`
	TotalTokens      int `json:"totalTokens"`
}

// Add accumulates another usage report.
func (u *Usage) Add(other Usage) {
	u.PromptTokens += other.PromptTokens
	u.CompletionTokens += other.CompletionTokens
	u.TotalTokens += other.TotalTokens
}

// StreamChunkPayload carries the visible deltas of one chunk.
type StreamChunkPayload struct {
	ContentDelta   string `json:"contentDelta,omitempty"`
	ReasoningDelta string `json:"reasoningDelta,omitempty"`
}

// StreamCompletedPayload closes the stream phase.
type StreamCompletedPayload struct {
	OK    bool   `json:"ok"`
	Usage *Usage `json:"usage,omitempty"`
}

// ToolExecPayload describes a tool execution phase change.
type ToolExecPayload struct {
	ToolCallID string `json:"toolCallId"`
	Name       string `json:"name"`
	Result     any    `json:"result,omitempty"`
	CostMs     int64  `json:"cost,omitempty"`
	Status     string `json:"status,omitempty"`
	Error      string `json:"error,omitempty"`
}

// ToolResultPayload announces a tool result message joining the history.
type ToolResultPayload struct {
	ToolCallID string   `json:"toolCallId"`
	Message    *Message `json:"message"`
}

// SubmissionCompletedPayload names the message produced by a submission.
type SubmissionCompletedPayload struct {
	ResultMessageRef int64 `json:"resultMessageRef"`
}

// ErrorPayload is the serialized form of a failure.
type ErrorPayload struct {
	Name    string `json:"name"`
	Message string `json:"message"`
	Code    string `json:"code,omitempty"`
}

// MessageEventPayload carries a message for message.created / message.updated.
type MessageEventPayload struct {
	ChatUUID string   `json:"chatUuid"`
	Message  *Message `json:"message"`
}
