// Package llm provides LLM provider abstraction layer
package llm

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"strconv"
	"strings"
	"sync"
	"time"
)

// ProviderType represents the type of LLM provider
type ProviderType string

const (
	ProviderOpenAI ProviderType = "openai"
	ProviderGoogle ProviderType = "google"
	ProviderOllama ProviderType = "ollama"
)

// Message represents a chat message
type Message struct {
	Role       string     `json:"role"` // user, assistant, tool, system
	Content    string     `json:"content"`
	Name       string     `json:"name,omitempty"`
	ToolCalls  []ToolCall `json:"tool_calls,omitempty"`
	ToolCallID string     `json:"tool_call_id,omitempty"`
}

// ToolCall represents a function tool call
type ToolCall struct {
	ID       string        `json:"id"`
	Type     string        `json:"type"`
	Function *ToolFunction `json:"function"`
}

// ChatRequest represents a chat completion request
type ChatRequest struct {
	Model       string    `json:"model"`
	Messages    []Message `json:"messages"`
	Temperature float64   `json:"temperature,omitempty"`
	MaxTokens   int       `json:"max_tokens,omitempty"`
	Stream      bool      `json:"stream,omitempty"`
	Tools       []Tool    `json:"tools,omitempty"`
}

// Tool represents a function tool
type Tool struct {
	Type     string        `json:"type"`
	Function *ToolFunction `json:"function,omitempty"`
}

type ToolFunction struct {
	Name        string      `json:"name"`
	Description string      `json:"description"`
	Parameters  interface{} `json:"parameters"`
	Arguments   string      `json:"arguments,omitempty"` // set on tool calls
}

// ChatResponse represents a chat completion response
type ChatResponse struct {
	ID      string   `json:"id"`
	Model   string   `json:"model"`
	Choices []Choice `json:"choices"`
	Usage   Usage    `json:"usage"`
}

type Choice struct {
	Index        int     `json:"index"`
	Message      Message `json:"message"`
	FinishReason string  `json:"finish_reason"`
}

type Usage struct {
	PromptTokens     int `json:"prompt_tokens"`
	CompletionTokens int `json:"completion_tokens"`
	TotalTokens      int `json:"total_tokens"`
}

// StreamChunk represents a streaming response chunk
type StreamChunk struct {
	ID      string         `json:"id"`
	Model   string         `json:"model"`
	Choices []StreamChoice `json:"choices"`
}

type StreamChoice struct {
	Index        int         `json:"index"`
	Delta        StreamDelta `json:"delta"`
	FinishReason string      `json:"finish_reason,omitempty"`
}

type StreamDelta struct {
	Content   string     `json:"content"`
	Role      string     `json:"role,omitempty"`
	ToolCalls []ToolCall `json:"tool_calls,omitempty"`
}

// ============ Provider Interface ============

// Provider defines the interface for LLM providers
type Provider interface {
	Name() string
	Type() ProviderType
	GetConfig() Config
	Chat(ctx context.Context, req *ChatRequest) (*ChatResponse, error)
	ChatStream(ctx context.Context, req *ChatRequest, fn func(*StreamChunk) error) error
}

// ProviderError is a classified provider failure. Retryable errors (rate
// limits, server errors, transport hiccups) may be retried with backoff;
// everything else (bad auth, malformed request) must abort the turn.
type ProviderError struct {
	Provider  string
	Status    int
	Message   string
	Retryable bool
}

func (e *ProviderError) Error() string {
	if e.Status > 0 {
		return fmt.Sprintf("%s: API error (%d): %s", e.Provider, e.Status, e.Message)
	}
	return fmt.Sprintf("%s: %s", e.Provider, e.Message)
}

// NewProviderError classifies an HTTP status into a ProviderError
func NewProviderError(provider string, status int, message string) *ProviderError {
	return &ProviderError{
		Provider:  provider,
		Status:    status,
		Message:   message,
		Retryable: status == 429 || status >= 500,
	}
}

// IsRetryable reports whether err is worth retrying
func IsRetryable(err error) bool {
	if err == nil {
		return false
	}
	var pe *ProviderError
	if errors.As(err, &pe) {
		return pe.Retryable
	}
	errStr := strings.ToLower(err.Error())
	return strings.Contains(errStr, "timeout") ||
		strings.Contains(errStr, "connection") ||
		strings.Contains(errStr, "reset") ||
		strings.Contains(errStr, "temporary") ||
		strings.Contains(errStr, "429") ||
		strings.Contains(errStr, "500") ||
		strings.Contains(errStr, "502") ||
		strings.Contains(errStr, "503")
}

// Config holds provider configuration
type Config struct {
	Type    ProviderType      `json:"type"`
	APIKey  string            `json:"apiKey,omitempty"`
	BaseURL string            `json:"baseUrl,omitempty"`
	Model   string            `json:"model,omitempty"`
	Timeout int               `json:"timeout,omitempty"`
	Headers map[string]string `json:"headers,omitempty"`
}

// GetContextWindow returns the known context window for a model,
// falling back to a conservative default.
func GetContextWindow(providerType ProviderType, model string) int {
	var windows map[string]int
	switch providerType {
	case ProviderOpenAI:
		windows = map[string]int{
			"gpt-4o":        128000,
			"gpt-4o-mini":   128000,
			"gpt-4-turbo":   128000,
			"gpt-4":         8192,
			"gpt-3.5-turbo": 16385,
		}
	case ProviderGoogle:
		windows = map[string]int{
			"gemini-2.0-flash":    1000000,
			"gemini-1.5-pro":      200000,
			"gemini-1.5-flash":    1000000,
			"gemini-1.5-flash-8b": 1000000,
			"gemini-pro":          32000,
		}
	case ProviderOllama:
		windows = map[string]int{
			"llama3":  8192,
			"mistral": 32768,
			"qwen":    32768,
		}
	}
	for k, v := range windows {
		if strings.Contains(model, k) {
			return v
		}
	}
	return 8192
}

// BaseProvider provides common functionality for all providers
type BaseProvider struct {
	config Config
	client *http.Client
}

func NewBaseProvider(cfg Config) *BaseProvider {
	timeout := cfg.Timeout
	if timeout == 0 {
		timeout = 60
	}
	return &BaseProvider{
		config: cfg,
		client: &http.Client{Timeout: time.Duration(timeout) * time.Second},
	}
}

func (p *BaseProvider) GetConfig() Config        { return p.config }
func (p *BaseProvider) GetClient() *http.Client { return p.client }

func (p *BaseProvider) BuildRequest(endpoint string, body interface{}) (*http.Request, error) {
	url := p.config.BaseURL + endpoint
	var bodyStr string
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			return nil, err
		}
		bodyStr = string(b)
	}
	req, err := http.NewRequest("POST", url, strings.NewReader(bodyStr))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")
	if p.config.APIKey != "" {
		req.Header.Set("Authorization", "Bearer "+p.config.APIKey)
	}
	for k, v := range p.config.Headers {
		req.Header.Set(k, v)
	}
	return req, nil
}

// DoRequest executes the request with bounded exponential backoff.
// Retry-After is honored for 429/5xx responses.
func (p *BaseProvider) DoRequest(ctx context.Context, req *http.Request) ([]byte, error) {
	maxRetries := 3
	baseBackoff := time.Second

	for attempt := 0; attempt < maxRetries; attempt++ {
		resp, err := p.client.Do(req.WithContext(ctx))
		if err != nil {
			if attempt < maxRetries-1 && IsRetryable(err) {
				backoff := baseBackoff * time.Duration(1<<attempt)
				select {
				case <-ctx.Done():
					return nil, ctx.Err()
				case <-time.After(backoff):
					continue
				}
			}
			return nil, err
		}
		body, err := io.ReadAll(resp.Body)
		resp.Body.Close()
		if err != nil {
			return nil, err
		}
		if resp.StatusCode >= 400 {
			if (resp.StatusCode >= 500 || resp.StatusCode == 429) && attempt < maxRetries-1 {
				backoff := baseBackoff * time.Duration(1<<attempt)
				if retryAfter := resp.Header.Get("Retry-After"); retryAfter != "" {
					if seconds, err := strconv.Atoi(retryAfter); err == nil {
						backoff = time.Duration(seconds) * time.Second
					}
				}
				select {
				case <-ctx.Done():
					return nil, ctx.Err()
				case <-time.After(backoff):
					continue
				}
			}
			return nil, NewProviderError(string(p.config.Type), resp.StatusCode, string(body))
		}
		return body, nil
	}
	return nil, fmt.Errorf("max retries exceeded")
}

// ProviderRegistry manages provider instances
type ProviderRegistry struct {
	mu        sync.RWMutex
	providers map[ProviderType]Provider
}

var globalRegistry = &ProviderRegistry{
	providers: make(map[ProviderType]Provider),
}

// RegisterProvider registers a provider
func RegisterProvider(p Provider) {
	globalRegistry.mu.Lock()
	defer globalRegistry.mu.Unlock()
	globalRegistry.providers[p.Type()] = p
}

// GetProvider returns a provider by type
func GetProvider(t ProviderType) (Provider, error) {
	globalRegistry.mu.RLock()
	p, ok := globalRegistry.providers[t]
	globalRegistry.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("provider %s not registered", t)
	}
	return p, nil
}

// ListProviders returns all registered providers
func ListProviders() []ProviderType {
	globalRegistry.mu.RLock()
	defer globalRegistry.mu.RUnlock()
	types := make([]ProviderType, 0, len(globalRegistry.providers))
	for t := range globalRegistry.providers {
		types = append(types, t)
	}
	return types
}

// LoadConfigFromEnv loads provider config from environment variables
func LoadConfigFromEnv(providerType ProviderType) Config {
	cfg := Config{Type: providerType}
	switch providerType {
	case ProviderOpenAI:
		cfg.APIKey = os.Getenv("OPENAI_API_KEY")
		cfg.BaseURL = getEnvOrDefault("OPENAI_BASE_URL", "https://api.openai.com/v1")
		cfg.Model = getEnvOrDefault("OPENAI_MODEL", "gpt-4o-mini")
	case ProviderGoogle:
		cfg.APIKey = os.Getenv("GOOGLE_API_KEY")
		cfg.Model = getEnvOrDefault("GOOGLE_MODEL", "gemini-2.0-flash")
	case ProviderOllama:
		cfg.BaseURL = getEnvOrDefault("OLLAMA_BASE_URL", "http://localhost:11434")
		cfg.Model = getEnvOrDefault("OLLAMA_MODEL", "llama3")
	}
	return cfg
}

func getEnvOrDefault(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}
