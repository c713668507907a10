package config

import (
	"fmt"
	"time"
)

// LLMConfig configures the language model client.
type LLMConfig struct {
	Provider string `yaml:"provider"` // openai, gemini
	APIKey   string `yaml:"api_key"`
	Model    string `yaml:"model"`
	BaseURL  string `yaml:"base_url"` // OpenAI-compatible base, e.g. an OpenRouter or vLLM endpoint

	// Timeout applies to a single completion request, including sub-queries.
	Timeout Duration `yaml:"timeout"`

	// MaxRetries is how many times a failed completion is retried with
	// backoff before the session aborts.
	MaxRetries int `yaml:"max_retries"`

	// RetryBackoff is the initial backoff; it doubles per attempt.
	RetryBackoff Duration `yaml:"retry_backoff"`
}

// DefaultLLMConfig returns sensible defaults.
func DefaultLLMConfig() LLMConfig {
	return LLMConfig{
		Provider:     "openai",
		Model:        "gpt-4o-mini",
		BaseURL:      "https://api.openai.com/v1",
		Timeout:      Duration(120 * time.Second),
		MaxRetries:   3,
		RetryBackoff: Duration(2 * time.Second),
	}
}

// Validate checks the LLM configuration.
func (c LLMConfig) Validate() error {
	switch c.Provider {
	case "openai", "gemini":
	default:
		return fmt.Errorf("unknown llm provider %q", c.Provider)
	}
	if c.Model == "" {
		return fmt.Errorf("llm model is required")
	}
	if c.MaxRetries < 0 {
		return fmt.Errorf("max_retries must be >= 0, got %d", c.MaxRetries)
	}
	return nil
}
