package llm

import (
	"context"
	"errors"
	"testing"

	"github.com/haasonsaas/chatsubmit/pkg/models"
)

type stubProvider struct{ name string }

func (s *stubProvider) Name() string { return s.name }

func (s *stubProvider) Stream(ctx context.Context, req *Request) (<-chan *RawChunk, error) {
	ch := make(chan *RawChunk, 1)
	ch <- &RawChunk{Done: true}
	close(ch)
	return ch, nil
}

func TestRegistryResolveCachesPerAccount(t *testing.T) {
	reg := NewRegistry()
	builds := 0
	if err := reg.Register("openai", func(models.Account) (Provider, error) {
		builds++
		return &stubProvider{name: "openai"}, nil
	}); err != nil {
		t.Fatalf("Register() error = %v", err)
	}

	account := &models.Account{ID: "acc-1", Provider: "OpenAI"}
	first, err := reg.Resolve(account)
	if err != nil {
		t.Fatalf("Resolve() error = %v", err)
	}
	second, err := reg.Resolve(account)
	if err != nil {
		t.Fatalf("Resolve() error = %v", err)
	}
	if first != second {
		t.Error("Resolve() returned different providers for the same account")
	}
	if builds != 1 {
		t.Errorf("factory builds = %d, want 1", builds)
	}

	reg.Forget("acc-1")
	if _, err := reg.Resolve(account); err != nil {
		t.Fatalf("Resolve() after Forget error = %v", err)
	}
	if builds != 2 {
		t.Errorf("factory builds after Forget = %d, want 2", builds)
	}
}

func TestRegistryUnknownProvider(t *testing.T) {
	reg := NewRegistry()
	_, err := reg.Resolve(&models.Account{ID: "x", Provider: "bedrock"})
	if !errors.Is(err, ErrUnknownProvider) {
		t.Fatalf("Resolve() error = %v, want ErrUnknownProvider", err)
	}
}

func TestRegistryRejectsDuplicateKind(t *testing.T) {
	reg := NewRegistry()
	factory := func(models.Account) (Provider, error) { return &stubProvider{}, nil }
	if err := reg.Register("anthropic", factory); err != nil {
		t.Fatalf("Register() error = %v", err)
	}
	if err := reg.Register("anthropic", factory); err == nil {
		t.Fatal("second Register() succeeded, want error")
	}
}

func TestRateLimitedProviderHonorsContext(t *testing.T) {
	p := WithRateLimit(&stubProvider{name: "openai"}, 1)
	if p.Name() != "openai" {
		t.Errorf("Name() = %q, want openai", p.Name())
	}
	// First token is available immediately.
	if _, err := p.Stream(context.Background(), &Request{}); err != nil {
		t.Fatalf("first Stream() error = %v", err)
	}
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if _, err := p.Stream(ctx, &Request{}); err == nil {
		t.Fatal("Stream() with canceled context succeeded, want error")
	}
}
