package llm

import (
	"context"
	"fmt"
	"sort"
)

// BackendOptions is the provider-neutral construction input.
type BackendOptions struct {
	Model   string
	APIKey  string
	BaseURL string
}

// Factory builds a backend.
type Factory func(ctx context.Context, opts BackendOptions) (Backend, error)

// Registry maps provider names to factories. It is populated explicitly at
// startup.
type Registry struct {
	factories map[string]Factory
}

func NewRegistry() *Registry {
	return &Registry{factories: make(map[string]Factory)}
}

// DefaultRegistry knows the built-in providers.
func DefaultRegistry() *Registry {
	r := NewRegistry()
	r.Register("anthropic", func(_ context.Context, o BackendOptions) (Backend, error) { return NewAnthropicBackend(o) })
	r.Register("openai", func(_ context.Context, o BackendOptions) (Backend, error) { return NewOpenAIBackend(o) })
	r.Register("google", func(ctx context.Context, o BackendOptions) (Backend, error) { return NewGoogleBackend(ctx, o) })
	return r
}

func (r *Registry) Register(name string, f Factory) {
	r.factories[name] = f
}

func (r *Registry) Names() []string {
	names := make([]string, 0, len(r.factories))
	for name := range r.factories {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

func (r *Registry) New(ctx context.Context, name string, opts BackendOptions) (Backend, error) {
	f, ok := r.factories[name]
	if !ok {
		return nil, fmt.Errorf("unknown provider %q (known: %v)", name, r.Names())
	}
	return f(ctx, opts)
}
