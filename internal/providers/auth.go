package providers

import (
	"fmt"
	"os"
	"strings"

	"github.com/mercury-rss/agentcore/internal/config"
	"github.com/mercury-rss/agentcore/internal/secrets"
)

// ResolveAuth resolves a provider profile's API key. Resolution order:
// direct token -> direct api_key -> secret-store reference -> driver's
// default env var.
func ResolveAuth(cfg config.ProviderConfig, store secrets.Store) (string, error) {
	resolve := func(v string) string {
		trimmed := strings.TrimSpace(v)
		if trimmed == "" {
			return ""
		}
		if strings.HasPrefix(trimmed, "${") && strings.HasSuffix(trimmed, "}") {
			return os.Getenv(trimmed[2 : len(trimmed)-1])
		}
		return trimmed
	}

	if token := resolve(cfg.Auth.Token); token != "" {
		return token, nil
	}
	if key := resolve(cfg.Auth.APIKey); key != "" {
		return key, nil
	}
	if cfg.Auth.SecretRef != "" && store != nil {
		secret, err := store.Read(cfg.Auth.SecretRef)
		if err != nil {
			return "", fmt.Errorf("resolve auth: %w", err)
		}
		return secret, nil
	}

	switch strings.ToLower(cfg.Driver) {
	case "anthropic":
		if key := os.Getenv("ANTHROPIC_API_KEY"); key != "" {
			return key, nil
		}
		return "", fmt.Errorf("ANTHROPIC_API_KEY not set")
	case "openai":
		if key := os.Getenv("OPENAI_API_KEY"); key != "" {
			return key, nil
		}
		return "", fmt.Errorf("OPENAI_API_KEY not set")
	case "mistral":
		if key := os.Getenv("MISTRAL_API_KEY"); key != "" {
			return key, nil
		}
		return "", fmt.Errorf("MISTRAL_API_KEY not set")
	case "ollama":
		return "", nil // local daemon, no key required
	default:
		return "", fmt.Errorf("unknown driver %q: cannot resolve auth", cfg.Driver)
	}
}
