package conversation

import (
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"github.com/haasonsaas/chatsubmit/pkg/models"
)

// SkillSlot is replaced by the chat's skills prompt inside the system prompt.
const SkillSlot = "$$skill-slot$$"

var (
	// ErrEmptyRequest is returned when no message survives assembly.
	ErrEmptyRequest = errors.New("conversation: request has no messages")

	// ErrLeadingToolMessage is returned when the request would open with a tool result.
	ErrLeadingToolMessage = errors.New("conversation: request starts with a tool message")
)

// RequestBuilder turns stored history into the message list sent to a model:
// compression, empty-assistant filtering, tool-call reordering, system
// prompt and user instruction, then validation.
type RequestBuilder struct {
	messages     []*models.Message
	systemPrompt string
	skills       string
	instruction  string
	compression  *models.CompressionSummary
	reorderer    *Reorderer
	logger       *slog.Logger
}

// NewRequestBuilder creates an empty builder.
func NewRequestBuilder() *RequestBuilder {
	return &RequestBuilder{}
}

// WithMessages sets the conversation history.
func (b *RequestBuilder) WithMessages(messages []*models.Message) *RequestBuilder {
	b.messages = messages
	return b
}

// WithSystemPrompt sets the default system prompt and the chat's skills prompt.
func (b *RequestBuilder) WithSystemPrompt(prompt, skills string) *RequestBuilder {
	b.systemPrompt = prompt
	b.skills = skills
	return b
}

// WithUserInstruction sets a per-chat instruction sent right after the
// system prompt. Blank instructions are ignored.
func (b *RequestBuilder) WithUserInstruction(instruction string) *RequestBuilder {
	b.instruction = strings.TrimSpace(instruction)
	return b
}

// WithCompression applies summary when it is active.
func (b *RequestBuilder) WithCompression(summary *models.CompressionSummary) *RequestBuilder {
	b.compression = summary
	return b
}

// WithReorderer shares a carry-over map with the caller.
func (b *RequestBuilder) WithReorderer(r *Reorderer) *RequestBuilder {
	b.reorderer = r
	return b
}

// WithLogger sets the logger used for non-fatal assembly warnings.
func (b *RequestBuilder) WithLogger(logger *slog.Logger) *RequestBuilder {
	b.logger = logger
	return b
}

// Build assembles and validates the request messages.
func (b *RequestBuilder) Build() ([]*models.Message, error) {
	messages := b.applyCompression()
	messages = filterEmptyAssistants(messages)

	reorderer := b.reorderer
	if reorderer == nil {
		reorderer = NewReorderer(DefaultCarryOver)
	}
	messages = reorderer.Reorder(messages)
	messages = b.insertPrompts(messages)

	if err := validate(messages); err != nil {
		return nil, err
	}
	return messages, nil
}

// SystemPrompt returns the system prompt with the skills prompt placed into
// the slot, or appended on a new line when the slot is missing.
func (b *RequestBuilder) SystemPrompt() string {
	return MergeSkills(b.systemPrompt, b.skills)
}

// MergeSkills substitutes skills into prompt's SkillSlot.
func MergeSkills(prompt, skills string) string {
	if strings.Contains(prompt, SkillSlot) {
		return strings.TrimSpace(strings.ReplaceAll(prompt, SkillSlot, skills))
	}
	skills = strings.TrimSpace(skills)
	switch {
	case skills == "":
		return prompt
	case prompt == "":
		return skills
	default:
		return prompt + "\n" + skills
	}
}

func (b *RequestBuilder) applyCompression() []*models.Message {
	if !b.compression.Active() {
		return b.messages
	}
	start := -1
	for i, msg := range b.messages {
		if msg != nil && msg.ID == b.compression.StartMessageID {
			start = i
			break
		}
	}
	if start < 0 {
		if b.logger != nil {
			b.logger.Warn("compression start message not found, sending full history",
				"start_message_id", b.compression.StartMessageID)
		}
		return b.messages
	}

	compressed := make(map[int64]bool, len(b.compression.MessageIDs))
	for _, id := range b.compression.MessageIDs {
		compressed[id] = true
	}
	out := make([]*models.Message, 0, len(b.messages)-start+1)
	out = append(out, &models.Message{
		Role: models.RoleUser,
		Content: fmt.Sprintf("[Previous conversation summary (%d messages compressed)]\n\n%s",
			len(b.compression.MessageIDs), b.compression.Summary),
	})
	for _, msg := range b.messages[start:] {
		if msg == nil || (msg.ID != 0 && compressed[msg.ID]) {
			continue
		}
		out = append(out, msg)
	}
	return out
}

func (b *RequestBuilder) insertPrompts(messages []*models.Message) []*models.Message {
	var head []*models.Message
	if prompt := b.SystemPrompt(); prompt != "" {
		head = append(head, &models.Message{Role: models.RoleSystem, Content: prompt})
	}
	if b.instruction != "" {
		head = append(head, &models.Message{
			Role:    models.RoleUser,
			Content: "<user_instruction>\n" + b.instruction + "\n</user_instruction>",
		})
	}
	if len(head) == 0 {
		return messages
	}
	return append(head, messages...)
}

func filterEmptyAssistants(messages []*models.Message) []*models.Message {
	out := make([]*models.Message, 0, len(messages))
	for _, msg := range messages {
		if msg == nil || msg.IsEmptyAssistant() {
			continue
		}
		out = append(out, msg)
	}
	return out
}

func validate(messages []*models.Message) error {
	if len(messages) == 0 {
		return ErrEmptyRequest
	}
	if messages[0].Role == models.RoleTool {
		return ErrLeadingToolMessage
	}
	return nil
}
