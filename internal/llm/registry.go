package llm

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"github.com/haasonsaas/chatsubmit/pkg/models"
)

// ErrUnknownProvider is returned when no factory is registered for an account's provider kind.
var ErrUnknownProvider = errors.New("llm: unknown provider")

// Factory builds a Provider for one account.
type Factory func(account models.Account) (Provider, error)

// Registry resolves accounts to providers. Providers are built once per
// account id and reused.
type Registry struct {
	mu        sync.Mutex
	factories map[string]Factory
	providers map[string]Provider
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{
		factories: make(map[string]Factory),
		providers: make(map[string]Provider),
	}
}

// Register installs a factory for a provider kind.
func (r *Registry) Register(kind string, factory Factory) error {
	kind = strings.ToLower(strings.TrimSpace(kind))
	if kind == "" {
		return fmt.Errorf("llm: provider kind is required")
	}
	if factory == nil {
		return fmt.Errorf("llm: nil factory for %q", kind)
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.factories[kind]; exists {
		return fmt.Errorf("llm: provider %q already registered", kind)
	}
	r.factories[kind] = factory
	return nil
}

// Resolve returns the provider serving account, building it on first use.
func (r *Registry) Resolve(account *models.Account) (Provider, error) {
	if account == nil {
		return nil, fmt.Errorf("llm: account is required")
	}
	r.mu.Lock()
	defer r.mu.Unlock()

	if p, ok := r.providers[account.ID]; ok {
		return p, nil
	}
	factory, ok := r.factories[strings.ToLower(account.Provider)]
	if !ok {
		return nil, fmt.Errorf("%w: %q (account %s)", ErrUnknownProvider, account.Provider, account.ID)
	}
	p, err := factory(*account)
	if err != nil {
		return nil, fmt.Errorf("llm: build provider for account %s: %w", account.ID, err)
	}
	if account.RequestsPerMinute > 0 {
		p = WithRateLimit(p, account.RequestsPerMinute)
	}
	r.providers[account.ID] = p
	return p, nil
}

// Forget drops a cached provider, e.g. after its account credentials changed.
func (r *Registry) Forget(accountID string) {
	r.mu.Lock()
	delete(r.providers, accountID)
	r.mu.Unlock()
}

type limitedProvider struct {
	next    Provider
	limiter *rate.Limiter
}

// WithRateLimit wraps p so that at most perMinute requests start per minute.
// Callers block in Stream until a token is available or ctx ends.
func WithRateLimit(p Provider, perMinute int) Provider {
	if perMinute <= 0 {
		return p
	}
	every := time.Minute / time.Duration(perMinute)
	return &limitedProvider{
		next:    p,
		limiter: rate.NewLimiter(rate.Every(every), 1),
	}
}

func (l *limitedProvider) Name() string { return l.next.Name() }

func (l *limitedProvider) Stream(ctx context.Context, req *Request) (<-chan *RawChunk, error) {
	if err := l.limiter.Wait(ctx); err != nil {
		return nil, fmt.Errorf("llm: rate limit wait: %w", err)
	}
	return l.next.Stream(ctx, req)
}
