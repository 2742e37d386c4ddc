package providers

import (
	"github.com/haasonsaas/chatsubmit/internal/llm"
	"github.com/haasonsaas/chatsubmit/pkg/models"
)

// Register installs the bundled provider factories.
func Register(reg *llm.Registry) error {
	if err := reg.Register("openai", func(account models.Account) (llm.Provider, error) {
		return NewOpenAIProvider(account)
	}); err != nil {
		return err
	}
	return reg.Register("anthropic", func(account models.Account) (llm.Provider, error) {
		return NewAnthropicProvider(account)
	})
}
