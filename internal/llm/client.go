package llm

import (
	"context"

	"github.com/m-mizutani/goerr/v2"

	"github.com/lazypower/tether/internal/config"
)

// Client is the interface for LLM providers.
type Client interface {
	Complete(ctx context.Context, prompt string) (*Response, error)
}

// Response holds the result of an LLM completion.
type Response struct {
	Content    string
	Provider   string
	TokensUsed int
}

// NewClient creates an LLM client based on the config provider setting.
// An empty provider means no client; callers treat nil as "feature off".
func NewClient(cfg config.LLMConfig) (Client, error) {
	switch cfg.Provider {
	case "":
		return nil, nil
	case "anthropic":
		if cfg.AnthropicKey == "" {
			return nil, goerr.New("anthropic provider requires ANTHROPIC_API_KEY or config")
		}
		model := cfg.Model
		if model == "" {
			model = DefaultAnthropicModel
		}
		return NewAnthropic(cfg.AnthropicKey, model), nil
	case "ollama":
		url := cfg.OllamaURL
		if url == "" {
			url = "http://localhost:11434"
		}
		model := cfg.Model
		if model == "" {
			model = "llama3.2"
		}
		return NewOllama(url, model), nil
	default:
		return nil, goerr.New("unknown LLM provider", goerr.V("provider", cfg.Provider))
	}
}
