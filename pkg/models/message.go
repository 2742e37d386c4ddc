package models

import (
	"strings"
	"time"
)

// Role indicates the message author type.
type Role string

const (
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
	RoleSystem    Role = "system"
	RoleTool      Role = "tool"
)

// SegmentType discriminates the renderable pieces of an assistant message.
type SegmentType string

const (
	SegmentText      SegmentType = "text"
	SegmentReasoning SegmentType = "reasoning"
	SegmentToolCall  SegmentType = "toolCall"
)

// Segment is one renderable piece of an assistant reply.
type Segment struct {
	Type      SegmentType `json:"type"`
	Content   string      `json:"content,omitempty"`
	Name      string      `json:"name,omitempty"`
	Result    any         `json:"result,omitempty"`
	Status    string      `json:"status,omitempty"`
	CostMs    int64       `json:"cost,omitempty"`
	Timestamp int64       `json:"timestamp"`
}

// ToolCall is a model-requested tool invocation as it appears on an
// assistant message. Arguments hold the raw JSON text sent by the model.
type ToolCall struct {
	ID        string `json:"id"`
	Name      string `json:"name"`
	Arguments string `json:"arguments"`
}

// Message is one entry of a chat history.
type Message struct {
	ID         int64      `json:"id,omitempty"`
	ChatID     int64      `json:"chat_id,omitempty"`
	ChatUUID   string     `json:"chat_uuid,omitempty"`
	Role       Role       `json:"role"`
	Content    string     `json:"content"`
	Name       string     `json:"name,omitempty"`
	Model      string     `json:"model,omitempty"`
	Segments   []Segment  `json:"segments,omitempty"`
	ToolCalls  []ToolCall `json:"tool_calls,omitempty"`
	ToolCallID string     `json:"tool_call_id,omitempty"`
	CreatedAt  time.Time  `json:"created_at"`
}

// HasToolCalls reports whether the message requests tool invocations.
func (m *Message) HasToolCalls() bool {
	return m != nil && len(m.ToolCalls) > 0
}

// HasContent reports whether the message carries non-blank text.
func (m *Message) HasContent() bool {
	return m != nil && strings.TrimSpace(m.Content) != ""
}

// IsEmptyAssistant reports an assistant message with neither content nor tool calls.
func (m *Message) IsEmptyAssistant() bool {
	return m != nil && m.Role == RoleAssistant && !m.HasContent() && !m.HasToolCalls()
}

// Clone returns a deep copy of the message slices so callers can mutate freely.
func (m *Message) Clone() *Message {
	if m == nil {
		return nil
	}
	clone := *m
	if m.Segments != nil {
		clone.Segments = append([]Segment(nil), m.Segments...)
	}
	if m.ToolCalls != nil {
		clone.ToolCalls = append([]ToolCall(nil), m.ToolCalls...)
	}
	return &clone
}
