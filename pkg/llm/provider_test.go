package llm

import (
	"context"
	"errors"
	"fmt"
	"testing"
)

func TestProviderErrorClassification(t *testing.T) {
	tests := []struct {
		status    int
		retryable bool
	}{
		{429, true},
		{500, true},
		{502, true},
		{503, true},
		{400, false},
		{401, false},
		{403, false},
		{404, false},
	}

	for _, tt := range tests {
		t.Run(fmt.Sprintf("status_%d", tt.status), func(t *testing.T) {
			err := NewProviderError("openai", tt.status, "boom")
			if err.Retryable != tt.retryable {
				t.Errorf("Status %d: retryable = %v, want %v", tt.status, err.Retryable, tt.retryable)
			}
			if !IsRetryable(err) && tt.retryable {
				t.Errorf("IsRetryable should be %v for status %d", tt.retryable, tt.status)
			}
		})
	}
}

func TestIsRetryableWrapped(t *testing.T) {
	inner := NewProviderError("google", 503, "unavailable")
	wrapped := fmt.Errorf("turn failed: %w", inner)
	if !IsRetryable(wrapped) {
		t.Error("Wrapped retryable error should stay retryable")
	}

	fatal := fmt.Errorf("turn failed: %w", NewProviderError("google", 401, "bad key"))
	if IsRetryable(fatal) {
		t.Error("Wrapped auth error should not be retryable")
	}
}

func TestIsRetryableTransport(t *testing.T) {
	if !IsRetryable(errors.New("dial tcp: connection refused")) {
		t.Error("Connection errors should be retryable")
	}
	if IsRetryable(nil) {
		t.Error("nil is not retryable")
	}
	if IsRetryable(errors.New("invalid request body")) {
		t.Error("Generic errors should not be retryable")
	}
}

func TestGetContextWindow(t *testing.T) {
	tests := []struct {
		provider ProviderType
		model    string
		want     int
	}{
		{ProviderOpenAI, "gpt-4o-mini", 128000},
		{ProviderOpenAI, "gpt-3.5-turbo", 16385},
		{ProviderGoogle, "gemini-2.0-flash", 1000000},
		{ProviderOllama, "llama3:8b", 8192},
		{ProviderOpenAI, "totally-unknown", 8192},
	}

	for _, tt := range tests {
		if got := GetContextWindow(tt.provider, tt.model); got != tt.want {
			t.Errorf("GetContextWindow(%s, %s) = %d, want %d", tt.provider, tt.model, got, tt.want)
		}
	}
}

type stubProvider struct {
	typ ProviderType
}

func (s *stubProvider) Name() string        { return "stub" }
func (s *stubProvider) Type() ProviderType  { return s.typ }
func (s *stubProvider) GetConfig() Config   { return Config{Type: s.typ} }
func (s *stubProvider) Chat(_ context.Context, _ *ChatRequest) (*ChatResponse, error) {
	return &ChatResponse{}, nil
}
func (s *stubProvider) ChatStream(_ context.Context, _ *ChatRequest, fn func(*StreamChunk) error) error {
	return fn(&StreamChunk{Choices: []StreamChoice{{FinishReason: "stop"}}})
}

func TestRegistry(t *testing.T) {
	p := &stubProvider{typ: ProviderType("test-reg")}
	RegisterProvider(p)

	got, err := GetProvider("test-reg")
	if err != nil {
		t.Fatalf("GetProvider: %v", err)
	}
	if got.Name() != "stub" {
		t.Errorf("Expected 'stub', got '%s'", got.Name())
	}

	if _, err := GetProvider("never-registered"); err == nil {
		t.Error("Unknown provider should error")
	}

	found := false
	for _, typ := range ListProviders() {
		if typ == "test-reg" {
			found = true
		}
	}
	if !found {
		t.Error("ListProviders should include the registered type")
	}
}

func TestLoadConfigFromEnvDefaults(t *testing.T) {
	cfg := LoadConfigFromEnv(ProviderOllama)
	if cfg.BaseURL == "" {
		t.Error("Ollama config should default the base URL")
	}
	if cfg.Model == "" {
		t.Error("Ollama config should default the model")
	}
}
