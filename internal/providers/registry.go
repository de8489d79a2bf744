package providers

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"

	"github.com/mercury-rss/agentcore/internal/config"
	"github.com/mercury-rss/agentcore/internal/runtime"
	"github.com/mercury-rss/agentcore/internal/secrets"
)

// Registry resolves an ordered candidate route list from configured model
// profiles for a task kind, building the executor-facing Provider for each.
type Registry struct {
	mu       sync.RWMutex
	cfg      config.ProvidersConfig
	store    secrets.Store
	profiles []string // sorted by name, for a stable "newest" fallback
}

// NewRegistry builds a Registry over the configured provider profiles.
// Profiles are iterated in sorted name order, which stands in for
// "newest" since the config carries no timestamp or file order.
func NewRegistry(cfg config.ProvidersConfig, store secrets.Store) *Registry {
	names := make([]string, 0, len(cfg.Providers))
	for name := range cfg.Providers {
		names = append(names, name)
	}
	sort.Strings(names) // deterministic; config map has no insertion order of its own
	return &Registry{cfg: cfg, store: store, profiles: names}
}

// Resolve builds the ordered candidate list for a task kind: explicit
// primary/fallback profile names if given and eligible, else the
// configured default, else the first eligible profile found (the "newest"
// fallback). Returns runtime.ErrNoUsableModelRoute if nothing qualifies.
func (r *Registry) Resolve(kind runtime.TaskKind, primary, fallback string) ([]ResolvedRoute, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	var candidates []string
	if primary != "" {
		candidates = append(candidates, primary)
	}
	if fallback != "" {
		candidates = append(candidates, fallback)
	}
	if len(candidates) == 0 && r.cfg.Default != "" {
		candidates = append(candidates, r.cfg.Default)
		if r.cfg.Fallback != "" {
			candidates = append(candidates, r.cfg.Fallback)
		}
	}
	if len(candidates) == 0 {
		for _, name := range r.profiles {
			if r.eligible(r.cfg.Providers[name], kind) {
				candidates = append(candidates, name)
				break
			}
		}
	}

	var routes []ResolvedRoute
	for _, name := range candidates {
		profile, ok := r.cfg.Providers[name]
		if !ok || !r.eligible(profile, kind) {
			continue
		}
		route, err := r.build(name, profile)
		if err != nil {
			continue // a broken credential demotes this candidate, not the whole resolution
		}
		routes = append(routes, route)
	}
	if len(routes) == 0 {
		return nil, runtime.ErrNoUsableModelRoute
	}
	if len(routes) > 2 {
		routes = routes[:2] // at most two route indices are ever tried
	}
	return routes, nil
}

func (r *Registry) eligible(profile config.ProviderConfig, kind runtime.TaskKind) bool {
	if profile.Archived {
		return false
	}
	if len(profile.SupportsKinds) == 0 {
		return true // unset = supports everything
	}
	for _, k := range profile.SupportsKinds {
		if k == string(kind) {
			return true
		}
	}
	return false
}

func (r *Registry) build(name string, profile config.ProviderConfig) (ResolvedRoute, error) {
	apiKey, err := ResolveAuth(profile, r.store)
	if err != nil {
		return ResolvedRoute{}, fmt.Errorf("resolve auth for %s: %w", name, err)
	}

	timeout := profile.Timeout.Duration()
	var impl Provider
	switch strings.ToLower(profile.Driver) {
	case "anthropic":
		impl = NewAnthropicProvider(apiKey, profile.BaseURL, timeout)
	case "openai":
		cm, err := NewOpenAIProvider(context.Background(), apiKey, profile)
		if err != nil {
			return ResolvedRoute{}, fmt.Errorf("build openai client for %s: %w", name, err)
		}
		impl = cm
	case "mistral":
		cm, err := NewMistralProvider(context.Background(), apiKey, profile)
		if err != nil {
			return ResolvedRoute{}, fmt.Errorf("build mistral client for %s: %w", name, err)
		}
		impl = cm
	case "ollama":
		cm, err := NewOllamaProvider(context.Background(), profile)
		if err != nil {
			return ResolvedRoute{}, fmt.Errorf("build ollama client for %s: %w", name, err)
		}
		impl = cm
	default:
		return ResolvedRoute{}, fmt.Errorf("provider %s: unknown driver %q", name, profile.Driver)
	}

	return ResolvedRoute{
		ProfileName: name,
		Driver:      profile.Driver,
		Model:       profile.Model,
		BaseURL:     profile.BaseURL,
		APIKey:      apiKey,
		Streaming:   profile.Streaming,
		Provider:    impl,
	}, nil
}
