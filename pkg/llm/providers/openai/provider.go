// Package openai provides the OpenAI provider implementation
package openai

import (
	"context"
	"errors"
	"io"
	"net/http"
	"os"
	"strconv"
	"time"

	goopenai "github.com/sashabaranov/go-openai"

	"github.com/gliderlab/parley/pkg/llm"
)

// Provider implements llm.Provider for OpenAI-compatible APIs
type Provider struct {
	config llm.Config
	client *goopenai.Client
}

// New creates a new OpenAI provider
func New(cfg llm.Config) *Provider {
	clientCfg := goopenai.DefaultConfig(cfg.APIKey)
	if cfg.BaseURL != "" {
		clientCfg.BaseURL = cfg.BaseURL
	}
	timeout := cfg.Timeout
	if timeout == 0 {
		timeout = 60
	}
	clientCfg.HTTPClient = &http.Client{Timeout: time.Duration(timeout) * time.Second}
	return &Provider{
		config: cfg,
		client: goopenai.NewClientWithConfig(clientCfg),
	}
}

// NewFromEnv creates a new OpenAI provider from environment variables
func NewFromEnv() *Provider {
	cfg := llm.LoadConfigFromEnv(llm.ProviderOpenAI)
	if v := os.Getenv("OPENAI_TIMEOUT"); v != "" {
		if t, err := strconv.Atoi(v); err == nil {
			cfg.Timeout = t
		}
	}
	return New(cfg)
}

func (p *Provider) Name() string           { return "openai" }
func (p *Provider) Type() llm.ProviderType { return llm.ProviderOpenAI }
func (p *Provider) GetConfig() llm.Config  { return p.config }

// Chat implements llm.Provider.Chat
func (p *Provider) Chat(ctx context.Context, req *llm.ChatRequest) (*llm.ChatResponse, error) {
	resp, err := p.client.CreateChatCompletion(ctx, p.toRequest(req))
	if err != nil {
		return nil, classify(err)
	}

	out := &llm.ChatResponse{
		ID:    resp.ID,
		Model: resp.Model,
		Usage: llm.Usage{
			PromptTokens:     resp.Usage.PromptTokens,
			CompletionTokens: resp.Usage.CompletionTokens,
			TotalTokens:      resp.Usage.TotalTokens,
		},
	}
	for _, c := range resp.Choices {
		out.Choices = append(out.Choices, llm.Choice{
			Index:        c.Index,
			Message:      fromMessage(c.Message),
			FinishReason: string(c.FinishReason),
		})
	}
	return out, nil
}

// ChatStream implements llm.Provider.ChatStream. Text deltas are forwarded
// as they arrive; tool call fragments are accumulated across deltas and
// emitted complete in the final chunk.
func (p *Provider) ChatStream(ctx context.Context, req *llm.ChatRequest, fn func(*llm.StreamChunk) error) error {
	sreq := p.toRequest(req)
	sreq.Stream = true

	stream, err := p.client.CreateChatCompletionStream(ctx, sreq)
	if err != nil {
		return classify(err)
	}
	defer stream.Close()

	// index -> partial tool call
	pending := map[int]*llm.ToolCall{}
	var order []int
	finish := ""

	for {
		resp, err := stream.Recv()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return classify(err)
		}
		if len(resp.Choices) == 0 {
			continue
		}
		choice := resp.Choices[0]
		if choice.FinishReason != "" {
			finish = string(choice.FinishReason)
		}

		for _, tc := range choice.Delta.ToolCalls {
			idx := 0
			if tc.Index != nil {
				idx = *tc.Index
			}
			cur, ok := pending[idx]
			if !ok {
				cur = &llm.ToolCall{Type: "function", Function: &llm.ToolFunction{}}
				pending[idx] = cur
				order = append(order, idx)
			}
			if tc.ID != "" {
				cur.ID = tc.ID
			}
			if tc.Function.Name != "" {
				cur.Function.Name += tc.Function.Name
			}
			cur.Function.Arguments += tc.Function.Arguments
		}

		if choice.Delta.Content != "" {
			chunk := &llm.StreamChunk{
				ID:    resp.ID,
				Model: resp.Model,
				Choices: []llm.StreamChoice{{
					Delta: llm.StreamDelta{Content: choice.Delta.Content, Role: choice.Delta.Role},
				}},
			}
			if err := fn(chunk); err != nil {
				return err
			}
		}
	}

	final := &llm.StreamChunk{Choices: []llm.StreamChoice{{FinishReason: finish}}}
	if len(pending) > 0 {
		calls := make([]llm.ToolCall, 0, len(pending))
		for _, idx := range order {
			calls = append(calls, *pending[idx])
		}
		final.Choices[0].Delta.ToolCalls = calls
		if final.Choices[0].FinishReason == "" {
			final.Choices[0].FinishReason = "tool_calls"
		}
	}
	return fn(final)
}

func (p *Provider) toRequest(req *llm.ChatRequest) goopenai.ChatCompletionRequest {
	out := goopenai.ChatCompletionRequest{
		Model:       req.Model,
		Temperature: float32(req.Temperature),
		MaxTokens:   req.MaxTokens,
	}
	for _, m := range req.Messages {
		msg := goopenai.ChatCompletionMessage{
			Role:       m.Role,
			Content:    m.Content,
			Name:       m.Name,
			ToolCallID: m.ToolCallID,
		}
		for _, tc := range m.ToolCalls {
			msg.ToolCalls = append(msg.ToolCalls, goopenai.ToolCall{
				ID:   tc.ID,
				Type: goopenai.ToolTypeFunction,
				Function: goopenai.FunctionCall{
					Name:      tc.Function.Name,
					Arguments: tc.Function.Arguments,
				},
			})
		}
		out.Messages = append(out.Messages, msg)
	}
	for _, t := range req.Tools {
		if t.Function == nil {
			continue
		}
		out.Tools = append(out.Tools, goopenai.Tool{
			Type: goopenai.ToolTypeFunction,
			Function: &goopenai.FunctionDefinition{
				Name:        t.Function.Name,
				Description: t.Function.Description,
				Parameters:  t.Function.Parameters,
			},
		})
	}
	return out
}

func fromMessage(m goopenai.ChatCompletionMessage) llm.Message {
	out := llm.Message{
		Role:       m.Role,
		Content:    m.Content,
		ToolCallID: m.ToolCallID,
	}
	for _, tc := range m.ToolCalls {
		out.ToolCalls = append(out.ToolCalls, llm.ToolCall{
			ID:   tc.ID,
			Type: string(tc.Type),
			Function: &llm.ToolFunction{
				Name:      tc.Function.Name,
				Arguments: tc.Function.Arguments,
			},
		})
	}
	return out
}

// classify maps SDK errors into llm.ProviderError
func classify(err error) error {
	var apiErr *goopenai.APIError
	if errors.As(err, &apiErr) {
		msg := apiErr.Message
		if msg == "" {
			msg = apiErr.Error()
		}
		return llm.NewProviderError("openai", apiErr.HTTPStatusCode, msg)
	}
	var reqErr *goopenai.RequestError
	if errors.As(err, &reqErr) {
		return llm.NewProviderError("openai", reqErr.HTTPStatusCode, reqErr.Error())
	}
	return err
}

// Ensure Provider implements llm.Provider
var _ llm.Provider = (*Provider)(nil)
