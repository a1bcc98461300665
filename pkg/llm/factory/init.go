// Package factory provides the provider factory and initialization
package factory

import (
	"fmt"
	"log"
	"os"

	"github.com/gliderlab/parley/pkg/llm"
	"github.com/gliderlab/parley/pkg/llm/providers/google"
	"github.com/gliderlab/parley/pkg/llm/providers/ollama"
	"github.com/gliderlab/parley/pkg/llm/providers/openai"
)

// InitProviders registers all configured LLM providers
func InitProviders() error {
	// OpenAI
	if os.Getenv("OPENAI_API_KEY") != "" {
		p := openai.NewFromEnv()
		llm.RegisterProvider(p)
		log.Printf("[OK] Registered provider: OpenAI (model: %s)", p.GetConfig().Model)
	}

	// Google
	if os.Getenv("GOOGLE_API_KEY") != "" {
		p := google.NewFromEnv()
		llm.RegisterProvider(p)
		log.Printf("[OK] Registered provider: Google (model: %s)", p.GetConfig().Model)
	}

	// Ollama (always available if running)
	p := ollama.NewFromEnv()
	llm.RegisterProvider(p)
	log.Printf("[OK] Registered provider: Ollama (model: %s)", p.GetConfig().Model)

	return nil
}

// GetDefaultProvider returns the default provider based on available API keys
func GetDefaultProvider() (llm.Provider, error) {
	// Priority: OpenAI > Google > Ollama
	providers := []llm.ProviderType{
		llm.ProviderOpenAI,
		llm.ProviderGoogle,
		llm.ProviderOllama,
	}

	for _, t := range providers {
		if p, err := llm.GetProvider(t); err == nil {
			return p, nil
		}
	}

	return nil, fmt.Errorf("no provider available")
}
