package factory

import (
	"testing"

	"github.com/gliderlab/parley/pkg/llm"
)

func TestProviderNames(t *testing.T) {
	tests := []struct {
		providerType llm.ProviderType
		expected     string
	}{
		{llm.ProviderOpenAI, "openai"},
		{llm.ProviderGoogle, "google"},
		{llm.ProviderOllama, "ollama"},
	}

	for _, tt := range tests {
		name := string(tt.providerType)
		if name != tt.expected {
			t.Errorf("Expected provider name %s, got %s", tt.expected, name)
		}
	}
}

func TestUnknownProvider(t *testing.T) {
	_, err := llm.GetProvider("unknown-provider")
	if err == nil {
		t.Error("Expected error for unknown provider")
	}
}

func TestInitAndDefaultProvider(t *testing.T) {
	if err := InitProviders(); err != nil {
		t.Fatalf("InitProviders: %v", err)
	}

	// Ollama is registered unconditionally, so a default always exists
	p, err := GetDefaultProvider()
	if err != nil {
		t.Fatalf("GetDefaultProvider: %v", err)
	}
	if p.Name() == "" {
		t.Error("Default provider should have a name")
	}
}
