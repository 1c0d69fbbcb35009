package provider

import (
	"fmt"
	"os"
	"strings"
	"sync"
)

// Registry maps provider names to adapters. Unknown names are
// constructed lazily from environment credentials, so any
// OpenAI-compatible backend works by setting <NAME>_API_KEY and
// <NAME>_BASE_URL.
type Registry struct {
	mu        sync.Mutex
	providers map[string]Provider
}

// NewRegistry returns an empty registry.
func NewRegistry() *Registry {
	return &Registry{providers: make(map[string]Provider)}
}

// Register installs an adapter under its name, replacing any previous
// entry.
func (r *Registry) Register(p Provider) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.providers[p.Name()] = p
}

// Get returns the adapter for name. A name with no registered adapter
// is resolved from the environment: at least one of <NAME>_API_KEY and
// <NAME>_BASE_URL must be set; the base URL overrides the endpoint.
func (r *Registry) Get(name string) (Provider, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if p, ok := r.providers[name]; ok {
		return p, nil
	}

	env := strings.ToUpper(strings.ReplaceAll(name, "-", "_"))
	apiKey := os.Getenv(env + "_API_KEY")
	baseURL := os.Getenv(env + "_BASE_URL")
	if apiKey == "" && baseURL == "" {
		return nil, fmt.Errorf("unknown provider %q: set %s_API_KEY or %s_BASE_URL", name, env, env)
	}
	p := NewOpenAI(name, baseURL, apiKey)
	r.providers[name] = p
	return p, nil
}
