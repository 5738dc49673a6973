package cli

import (
	"fmt"

	"github.com/baleen37/memmem-sub003/internal/config"
	"github.com/baleen37/memmem-sub003/internal/provider"
)

// newCompleter builds the completion backend the config names. Missing
// keys surface here, before any loop starts.
func newCompleter(cfg *config.Config) (provider.Completer, error) {
	switch cfg.Provider {
	case "openai":
		return provider.NewOpenAIProvider(config.APIKey("openai"), "", cfg.Model, cfg.EmbeddingModel)
	case "anthropic":
		return provider.NewAnthropicProvider(config.APIKey("anthropic"), cfg.Model)
	case "ollama":
		return provider.NewOllamaProvider(cfg.Model, cfg.EmbeddingModel)
	case "stub":
		return provider.NewStubProvider(), nil
	}
	return nil, fmt.Errorf("unknown provider: %q", cfg.Provider)
}

// newEmbedder builds the embedding backend, which may differ from the
// completion one. Config validation already rejected backends that
// cannot embed.
func newEmbedder(cfg *config.Config) (provider.Embedder, error) {
	switch cfg.EmbeddingProviderName() {
	case "openai":
		return provider.NewOpenAIProvider(config.APIKey("openai"), "", cfg.Model, cfg.EmbeddingModel)
	case "ollama":
		return provider.NewOllamaProvider(cfg.Model, cfg.EmbeddingModel)
	case "stub":
		return provider.NewStubProvider(), nil
	}
	return nil, fmt.Errorf("unknown embedding provider: %q", cfg.EmbeddingProviderName())
}
