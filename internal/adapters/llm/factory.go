package llm

import (
	"fmt"
	"strings"

	"github.com/manthysbr/mandos/internal/config"
	"github.com/manthysbr/mandos/internal/core/ports"
)

// Build creates a reasoner from the LLM configuration. It hides
// local/remote provider selection from callers.
func Build(cfg config.LLMConfig) (ports.Reasoner, error) {
	mode := strings.ToLower(strings.TrimSpace(cfg.Mode))
	switch mode {
	case "", "local":
		return NewOllamaReasoner(normalizeOllamaBaseURL(cfg.LocalURL), cfg.Model), nil
	case "remote":
		if strings.TrimSpace(cfg.RemoteURL) == "" {
			return nil, fmt.Errorf("llm remote_url is required when mode=remote")
		}
		return NewOpenAIReasoner(
			strings.TrimSpace(cfg.RemoteURL),
			strings.TrimSpace(cfg.APIKey),
			strings.TrimSpace(cfg.Model),
		), nil
	default:
		return nil, fmt.Errorf("unsupported llm provider mode: %s", cfg.Mode)
	}
}

func normalizeOllamaBaseURL(baseURL string) string {
	trimmed := strings.TrimRight(strings.TrimSpace(baseURL), "/")
	return strings.TrimSuffix(trimmed, "/v1")
}
