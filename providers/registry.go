package providers

import (
	"fmt"
	"slices"
	"sync"
)

// Constructor builds a provider from Options.
type Constructor func(opts Options) (Provider, error)

type registration struct {
	constructor Constructor
	caps        Capabilities
}

// Registry maps provider names to constructors and their capability
// descriptors. It is safe for concurrent use.
type Registry struct {
	mu        sync.RWMutex
	providers map[string]registration
}

// NewRegistry returns a registry holding the built-in providers. Pass names to
// restrict it to a subset; unknown names are ignored.
func NewRegistry(names ...string) *Registry {
	r := &Registry{providers: make(map[string]registration)}
	for name, reg := range builtins() {
		if len(names) == 0 || slices.Contains(names, name) {
			r.providers[name] = reg
		}
	}
	return r
}

func builtins() map[string]registration {
	return map[string]registration{
		"anthropic": {
			constructor: func(opts Options) (Provider, error) { return NewAnthropicProvider(opts) },
			caps:        anthropicCapabilities,
		},
		"openai": {
			constructor: func(opts Options) (Provider, error) { return NewOpenAIProvider(opts) },
			caps:        openAICapabilities,
		},
		"custom": {
			constructor: func(opts Options) (Provider, error) { return NewCustomProvider(opts) },
			caps:        customCapabilities,
		},
		"gemini": {
			constructor: func(opts Options) (Provider, error) { return NewGeminiProvider(opts) },
			caps:        geminiCapabilities,
		},
		"mock": {
			constructor: func(opts Options) (Provider, error) { return NewMockProvider(opts), nil },
			caps:        mockCapabilities,
		},
	}
}

// Register adds or replaces a provider.
func (r *Registry) Register(name string, constructor Constructor, caps Capabilities) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.providers[name] = registration{constructor: constructor, caps: caps}
}

// Get constructs the named provider.
func (r *Registry) Get(name string, opts Options) (Provider, error) {
	r.mu.RLock()
	reg, ok := r.providers[name]
	r.mu.RUnlock()

	if !ok {
		return nil, NewProviderError(ErrorTypeConfiguration, name, fmt.Sprintf("unknown provider %q", name), nil)
	}
	return reg.constructor(opts)
}

// Capabilities returns the registered descriptor without constructing the provider.
func (r *Registry) Capabilities(name string) (Capabilities, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	reg, ok := r.providers[name]
	return reg.caps, ok
}

// Supports reports whether the named provider advertises f.
func (r *Registry) Supports(name string, f Feature) bool {
	caps, ok := r.Capabilities(name)
	return ok && caps.Has(f)
}

// Names lists registered providers, sorted.
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.providers))
	for name := range r.providers {
		names = append(names, name)
	}
	slices.Sort(names)
	return names
}

// Known reports whether name is registered.
func (r *Registry) Known(name string) bool {
	_, ok := r.Capabilities(name)
	return ok
}
