package models

import "time"

// Chat is a stored conversation.
type Chat struct {
	ID              int64               `json:"id"`
	UUID            string              `json:"uuid"`
	Title           string              `json:"title,omitempty"`
	Model           string              `json:"model,omitempty"` // last used model id
	SkillsPrompt    string              `json:"skills_prompt,omitempty"`
	UserInstruction string              `json:"user_instruction,omitempty"`
	Compression     *CompressionSummary `json:"compression,omitempty"`
	CreatedAt       time.Time           `json:"created_at"`
	UpdatedAt       time.Time           `json:"updated_at"`
}

// CompressionStatus marks whether a summary replaces part of the history.
type CompressionStatus string

const (
	CompressionActive   CompressionStatus = "active"
	CompressionInactive CompressionStatus = "inactive"
)

// CompressionSummary replaces a run of older messages with a summary text.
type CompressionSummary struct {
	Summary        string            `json:"summary"`
	StartMessageID int64             `json:"start_message_id"`
	MessageIDs     []int64           `json:"message_ids"`
	Status         CompressionStatus `json:"status"`
}

// Active reports whether the summary should be applied to requests.
func (c *CompressionSummary) Active() bool {
	return c != nil && c.Status == CompressionActive && c.Summary != ""
}

// ModelRef points at one model of one configured account.
type ModelRef struct {
	AccountID string `json:"accountId"`
	ModelID   string `json:"modelId"`
}

// IsZero reports whether the reference is unset.
func (r ModelRef) IsZero() bool {
	return r.AccountID == "" && r.ModelID == ""
}

// ModelInfo describes one model offered by an account.
type ModelInfo struct {
	ID    string `json:"id" yaml:"id"`
	Label string `json:"label,omitempty" yaml:"label"`
}

// Account is a configured model provider credential.
type Account struct {
	ID                string      `json:"id" yaml:"id"`
	Provider          string      `json:"provider" yaml:"provider"` // openai | anthropic
	APIKey            string      `json:"api_key,omitempty" yaml:"api_key"`
	BaseURL           string      `json:"base_url,omitempty" yaml:"base_url"`
	RequestsPerMinute int         `json:"requests_per_minute,omitempty" yaml:"requests_per_minute"`
	Models            []ModelInfo `json:"models" yaml:"models"`
}

// AppConfig is the persisted application configuration consulted per submission.
type AppConfig struct {
	Accounts     []Account `json:"accounts"`
	SystemPrompt string    `json:"system_prompt,omitempty"`
}

// Account returns the account with the given id.
func (c *AppConfig) Account(id string) (*Account, bool) {
	if c == nil {
		return nil, false
	}
	for i := range c.Accounts {
		if c.Accounts[i].ID == id {
			return &c.Accounts[i], true
		}
	}
	return nil, false
}

// FindModel locates the first account offering modelID.
func (c *AppConfig) FindModel(modelID string) (ModelRef, bool) {
	if c == nil || modelID == "" {
		return ModelRef{}, false
	}
	for _, account := range c.Accounts {
		for _, model := range account.Models {
			if model.ID == modelID {
				return ModelRef{AccountID: account.ID, ModelID: model.ID}, true
			}
		}
	}
	return ModelRef{}, false
}

// FirstModel returns the first model of the first account.
func (c *AppConfig) FirstModel() (ModelRef, bool) {
	if c == nil || len(c.Accounts) == 0 || len(c.Accounts[0].Models) == 0 {
		return ModelRef{}, false
	}
	return ModelRef{AccountID: c.Accounts[0].ID, ModelID: c.Accounts[0].Models[0].ID}, true
}

// ResolveModel picks the explicit reference, then the chat's last model, then the first model.
func (c *AppConfig) ResolveModel(explicit *ModelRef, chatModel string) (ModelRef, bool) {
	if explicit != nil && !explicit.IsZero() {
		return *explicit, true
	}
	if ref, ok := c.FindModel(chatModel); ok {
		return ref, true
	}
	return c.FirstModel()
}
