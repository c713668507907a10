package llm

import (
	"context"
	"fmt"

	"rlm/internal/config"
)

// NewFromConfig builds a provider client from configuration and wraps it
// with the configured retry policy.
func NewFromConfig(ctx context.Context, cfg config.LLMConfig) (Client, error) {
	var base Client
	switch cfg.Provider {
	case "openai":
		base = NewOpenAIClient(OpenAIConfig{
			APIKey:  cfg.APIKey,
			BaseURL: cfg.BaseURL,
			Model:   cfg.Model,
			Timeout: cfg.Timeout.Std(),
		})
	case "gemini":
		client, err := NewGeminiClient(ctx, cfg.APIKey, cfg.Model)
		if err != nil {
			return nil, err
		}
		base = client
	default:
		return nil, fmt.Errorf("unknown llm provider %q", cfg.Provider)
	}

	if cfg.MaxRetries > 0 {
		return WithRetry(base, RetryPolicy{
			MaxRetries: cfg.MaxRetries,
			Backoff:    cfg.RetryBackoff.Std(),
		}), nil
	}
	return base, nil
}
