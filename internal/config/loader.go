package config

import (
	"encoding/json"
	"fmt"
	"os"
	"regexp"

	"github.com/tailscale/hujson"
)

var envTemplateRe = regexp.MustCompile(`\$\{\{\s*\.Env\.(\w+)\s*\}\}`)

// Load reads a JSONC config file, strips comments, expands ${{ .Env.VAR }}
// templates, unmarshals it into Config, and applies defaults.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}

	expanded := expandEnvTemplates(string(data))

	standard, err := hujson.Standardize([]byte(expanded))
	if err != nil {
		return nil, fmt.Errorf("parse jsonc config: %w", err)
	}

	var cfg Config
	if err := json.Unmarshal(standard, &cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}

	applyDefaults(&cfg)
	return &cfg, nil
}

// expandEnvTemplates replaces ${{ .Env.VAR }} with the env var value.
func expandEnvTemplates(s string) string {
	return envTemplateRe.ReplaceAllStringFunc(s, func(match string) string {
		parts := envTemplateRe.FindStringSubmatch(match)
		if len(parts) < 2 {
			return match
		}
		return os.Getenv(parts[1])
	})
}

// applyDefaults fills in zero-value fields with sensible defaults.
func applyDefaults(cfg *Config) {
	if cfg.Gateway.Host == "" {
		cfg.Gateway.Host = "127.0.0.1"
	}
	if cfg.Gateway.Port == 0 {
		cfg.Gateway.Port = 18420
	}

	if cfg.Queue.TranslationConcurrentLimit == 0 {
		cfg.Queue.TranslationConcurrentLimit = 2
	}
	if cfg.Queue.TranslationWaitingCapacity == 0 {
		cfg.Queue.TranslationWaitingCapacity = 4
	}
	if cfg.Queue.SummaryConcurrentLimit == 0 {
		cfg.Queue.SummaryConcurrentLimit = 1
	}
	if cfg.Queue.SummaryWaitingCapacity == 0 {
		cfg.Queue.SummaryWaitingCapacity = 3
	}
	switch {
	case cfg.Queue.TranslationConcurrencyDegree <= 0:
		cfg.Queue.TranslationConcurrencyDegree = 3
	case cfg.Queue.TranslationConcurrencyDegree > 5:
		cfg.Queue.TranslationConcurrencyDegree = 5
	}

	if cfg.Storage.ResultCap == 0 {
		cfg.Storage.ResultCap = 2000
	}
	if cfg.Storage.Path == "" {
		cfg.Storage.Path = DatabasePath()
	}
}
