// Package ollama provides the Ollama local provider implementation
package ollama

import (
	"context"
	"encoding/json"
	"net/http"

	"github.com/gliderlab/parley/pkg/llm"
)

// Provider implements llm.Provider for Ollama
type Provider struct {
	*llm.BaseProvider
	config llm.Config
}

// New creates a new Ollama provider
func New(cfg llm.Config) *Provider {
	if cfg.Timeout == 0 {
		cfg.Timeout = 300 // local models can be slow
	}
	return &Provider{
		BaseProvider: llm.NewBaseProvider(cfg),
		config:       cfg,
	}
}

// NewFromEnv creates a new Ollama provider from environment variables
func NewFromEnv() *Provider {
	cfg := llm.LoadConfigFromEnv(llm.ProviderOllama)
	cfg.Timeout = 300
	return New(cfg)
}

func (p *Provider) Name() string           { return "ollama" }
func (p *Provider) Type() llm.ProviderType { return llm.ProviderOllama }
func (p *Provider) GetConfig() llm.Config  { return p.config }

// wire shapes for /api/chat
type chatMessage struct {
	Role      string     `json:"role"`
	Content   string     `json:"content"`
	ToolCalls []toolCall `json:"tool_calls,omitempty"`
}

type toolCall struct {
	Function struct {
		Name      string          `json:"name"`
		Arguments json.RawMessage `json:"arguments"`
	} `json:"function"`
}

func (p *Provider) toRequest(req *llm.ChatRequest, stream bool) map[string]interface{} {
	messages := make([]chatMessage, 0, len(req.Messages))
	for _, m := range req.Messages {
		cm := chatMessage{Role: m.Role, Content: m.Content}
		for _, tc := range m.ToolCalls {
			var oc toolCall
			oc.Function.Name = tc.Function.Name
			if tc.Function.Arguments != "" {
				oc.Function.Arguments = json.RawMessage(tc.Function.Arguments)
			} else {
				oc.Function.Arguments = json.RawMessage("{}")
			}
			cm.ToolCalls = append(cm.ToolCalls, oc)
		}
		messages = append(messages, cm)
	}

	out := map[string]interface{}{
		"model":    req.Model,
		"messages": messages,
		"stream":   stream,
		"options": map[string]interface{}{
			"temperature": req.Temperature,
			"num_predict": req.MaxTokens,
		},
	}
	if len(req.Tools) > 0 {
		out["tools"] = req.Tools
	}
	return out
}

func fromToolCalls(calls []toolCall) []llm.ToolCall {
	out := make([]llm.ToolCall, 0, len(calls))
	for _, tc := range calls {
		out = append(out, llm.ToolCall{
			ID:   "call_" + tc.Function.Name,
			Type: "function",
			Function: &llm.ToolFunction{
				Name:      tc.Function.Name,
				Arguments: string(tc.Function.Arguments),
			},
		})
	}
	return out
}

// Chat implements llm.Provider.Chat
func (p *Provider) Chat(ctx context.Context, req *llm.ChatRequest) (*llm.ChatResponse, error) {
	httpReq, err := p.BuildRequest("/api/chat", p.toRequest(req, false))
	if err != nil {
		return nil, err
	}

	body, err := p.DoRequest(ctx, httpReq)
	if err != nil {
		return nil, err
	}

	var resp struct {
		Message         chatMessage `json:"message"`
		Done            bool        `json:"done"`
		PromptEvalCount int         `json:"prompt_eval_count"`
		EvalCount       int         `json:"eval_count"`
	}
	if err := json.Unmarshal(body, &resp); err != nil {
		return nil, err
	}

	msg := llm.Message{
		Role:      "assistant",
		Content:   resp.Message.Content,
		ToolCalls: fromToolCalls(resp.Message.ToolCalls),
	}
	finish := "stop"
	if len(msg.ToolCalls) > 0 {
		finish = "tool_calls"
	}

	return &llm.ChatResponse{
		Model:   req.Model,
		Choices: []llm.Choice{{Index: 0, Message: msg, FinishReason: finish}},
		Usage: llm.Usage{
			PromptTokens:     resp.PromptEvalCount,
			CompletionTokens: resp.EvalCount,
			TotalTokens:      resp.PromptEvalCount + resp.EvalCount,
		},
	}, nil
}

// ChatStream implements llm.Provider.ChatStream
func (p *Provider) ChatStream(ctx context.Context, req *llm.ChatRequest, fn func(*llm.StreamChunk) error) error {
	httpReq, err := p.BuildRequest("/api/chat", p.toRequest(req, true))
	if err != nil {
		return err
	}

	resp, err := p.GetClient().Do(httpReq.WithContext(ctx))
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return llm.NewProviderError("ollama", resp.StatusCode, resp.Status)
	}

	var calls []llm.ToolCall
	decoder := json.NewDecoder(resp.Body)
	for {
		var chunk struct {
			Message chatMessage `json:"message"`
			Done    bool        `json:"done"`
		}
		if err := decoder.Decode(&chunk); err != nil {
			break
		}
		if len(chunk.Message.ToolCalls) > 0 {
			calls = append(calls, fromToolCalls(chunk.Message.ToolCalls)...)
		}
		if chunk.Message.Content != "" {
			out := &llm.StreamChunk{
				Choices: []llm.StreamChoice{{
					Delta: llm.StreamDelta{Content: chunk.Message.Content, Role: chunk.Message.Role},
				}},
			}
			if err := fn(out); err != nil {
				return err
			}
		}
		if chunk.Done {
			break
		}
	}

	final := &llm.StreamChunk{Choices: []llm.StreamChoice{{FinishReason: "stop"}}}
	if len(calls) > 0 {
		final.Choices[0].Delta.ToolCalls = calls
		final.Choices[0].FinishReason = "tool_calls"
	}
	return fn(final)
}

// Ensure Provider implements llm.Provider
var _ llm.Provider = (*Provider)(nil)
