// Package google provides the Google Gemini provider implementation
package google

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"

	"google.golang.org/genai"

	"github.com/gliderlab/parley/pkg/llm"
)

// Provider implements llm.Provider for Google Gemini via the genai SDK
type Provider struct {
	config llm.Config

	clientOnce sync.Once
	client     *genai.Client
	clientErr  error
}

// New creates a new Google provider
func New(cfg llm.Config) *Provider {
	return &Provider{config: cfg}
}

// NewFromEnv creates a new Google provider from environment variables
func NewFromEnv() *Provider {
	return New(llm.LoadConfigFromEnv(llm.ProviderGoogle))
}

func (p *Provider) Name() string           { return "google" }
func (p *Provider) Type() llm.ProviderType { return llm.ProviderGoogle }
func (p *Provider) GetConfig() llm.Config  { return p.config }

func (p *Provider) getClient(ctx context.Context) (*genai.Client, error) {
	p.clientOnce.Do(func() {
		p.client, p.clientErr = genai.NewClient(ctx, &genai.ClientConfig{
			APIKey:  p.config.APIKey,
			Backend: genai.BackendGeminiAPI,
		})
	})
	return p.client, p.clientErr
}

// Chat implements llm.Provider.Chat
func (p *Provider) Chat(ctx context.Context, req *llm.ChatRequest) (*llm.ChatResponse, error) {
	client, err := p.getClient(ctx)
	if err != nil {
		return nil, fmt.Errorf("google client: %w", err)
	}

	contents, cfg := p.toRequest(req)
	resp, err := client.Models.GenerateContent(ctx, req.Model, contents, cfg)
	if err != nil {
		return nil, classify(err)
	}

	msg := llm.Message{Role: "assistant"}
	finish := "stop"
	if len(resp.Candidates) > 0 && resp.Candidates[0].Content != nil {
		for _, part := range resp.Candidates[0].Content.Parts {
			if part.Text != "" {
				msg.Content += part.Text
			}
			if part.FunctionCall != nil {
				msg.ToolCalls = append(msg.ToolCalls, fromFunctionCall(part.FunctionCall))
			}
		}
	}
	if len(msg.ToolCalls) > 0 {
		finish = "tool_calls"
	}

	out := &llm.ChatResponse{
		Model:   req.Model,
		Choices: []llm.Choice{{Index: 0, Message: msg, FinishReason: finish}},
	}
	if resp.UsageMetadata != nil {
		out.Usage = llm.Usage{
			PromptTokens:     int(resp.UsageMetadata.PromptTokenCount),
			CompletionTokens: int(resp.UsageMetadata.CandidatesTokenCount),
			TotalTokens:      int(resp.UsageMetadata.TotalTokenCount),
		}
	}
	return out, nil
}

// ChatStream implements llm.Provider.ChatStream. Function calls arrive
// complete within a chunk, matching the contract of the other providers.
func (p *Provider) ChatStream(ctx context.Context, req *llm.ChatRequest, fn func(*llm.StreamChunk) error) error {
	client, err := p.getClient(ctx)
	if err != nil {
		return fmt.Errorf("google client: %w", err)
	}

	contents, cfg := p.toRequest(req)
	var calls []llm.ToolCall

	for resp, err := range client.Models.GenerateContentStream(ctx, req.Model, contents, cfg) {
		if err != nil {
			return classify(err)
		}
		if len(resp.Candidates) == 0 || resp.Candidates[0].Content == nil {
			continue
		}
		for _, part := range resp.Candidates[0].Content.Parts {
			if part.FunctionCall != nil {
				calls = append(calls, fromFunctionCall(part.FunctionCall))
				continue
			}
			if part.Text == "" {
				continue
			}
			chunk := &llm.StreamChunk{
				Model: req.Model,
				Choices: []llm.StreamChoice{{
					Delta: llm.StreamDelta{Content: part.Text},
				}},
			}
			if err := fn(chunk); err != nil {
				return err
			}
		}
	}

	final := &llm.StreamChunk{Choices: []llm.StreamChoice{{FinishReason: "stop"}}}
	if len(calls) > 0 {
		final.Choices[0].Delta.ToolCalls = calls
		final.Choices[0].FinishReason = "tool_calls"
	}
	return fn(final)
}

func (p *Provider) toRequest(req *llm.ChatRequest) ([]*genai.Content, *genai.GenerateContentConfig) {
	cfg := &genai.GenerateContentConfig{}
	if req.Temperature > 0 {
		cfg.Temperature = genai.Ptr[float32](float32(req.Temperature))
	}
	if req.MaxTokens > 0 {
		cfg.MaxOutputTokens = int32(req.MaxTokens)
	}

	var contents []*genai.Content
	for _, m := range req.Messages {
		switch m.Role {
		case "system":
			// Gemini takes the system prompt out of band
			cfg.SystemInstruction = &genai.Content{Parts: []*genai.Part{{Text: m.Content}}}
		case "assistant":
			content := &genai.Content{Role: genai.RoleModel}
			if m.Content != "" {
				content.Parts = append(content.Parts, &genai.Part{Text: m.Content})
			}
			for _, tc := range m.ToolCalls {
				args := map[string]any{}
				if tc.Function.Arguments != "" {
					json.Unmarshal([]byte(tc.Function.Arguments), &args)
				}
				content.Parts = append(content.Parts, &genai.Part{
					FunctionCall: &genai.FunctionCall{Name: tc.Function.Name, Args: args},
				})
			}
			if len(content.Parts) > 0 {
				contents = append(contents, content)
			}
		case "tool":
			name := m.Name
			if name == "" {
				name = strings.TrimPrefix(m.ToolCallID, "call_")
			}
			contents = append(contents, &genai.Content{
				Role: genai.RoleUser,
				Parts: []*genai.Part{{
					FunctionResponse: &genai.FunctionResponse{
						Name:     name,
						Response: map[string]any{"result": m.Content},
					},
				}},
			})
		default:
			contents = append(contents, genai.NewContentFromText(m.Content, genai.RoleUser))
		}
	}

	if len(req.Tools) > 0 {
		decls := make([]*genai.FunctionDeclaration, 0, len(req.Tools))
		for _, t := range req.Tools {
			if t.Function == nil {
				continue
			}
			decls = append(decls, &genai.FunctionDeclaration{
				Name:        t.Function.Name,
				Description: t.Function.Description,
				Parameters:  convertToSchema(t.Function.Parameters),
			})
		}
		cfg.Tools = []*genai.Tool{{FunctionDeclarations: decls}}
	}

	return contents, cfg
}

// fromFunctionCall maps a genai function call into the common shape.
// Gemini has no call ids, so one is derived from the name.
func fromFunctionCall(fc *genai.FunctionCall) llm.ToolCall {
	args, _ := json.Marshal(fc.Args)
	return llm.ToolCall{
		ID:   "call_" + fc.Name,
		Type: "function",
		Function: &llm.ToolFunction{
			Name:      fc.Name,
			Arguments: string(args),
		},
	}
}

func classify(err error) error {
	var apiErr genai.APIError
	if errors.As(err, &apiErr) {
		return llm.NewProviderError("google", apiErr.Code, apiErr.Message)
	}
	return err
}

// convertToSchema converts an OpenAI-style JSON schema into a genai schema
func convertToSchema(params interface{}) *genai.Schema {
	if params == nil {
		return nil
	}
	if m, ok := params.(map[string]interface{}); ok {
		return mapToSchema(m)
	}
	if s, ok := params.(string); ok {
		var m map[string]interface{}
		if err := json.Unmarshal([]byte(s), &m); err == nil {
			return mapToSchema(m)
		}
	}
	return nil
}

func mapToSchema(m map[string]interface{}) *genai.Schema {
	if m == nil {
		return nil
	}

	schema := &genai.Schema{}

	if t, ok := m["type"].(string); ok {
		schema.Type = genai.Type(strings.ToUpper(t))
	}
	if desc, ok := m["description"].(string); ok {
		schema.Description = desc
	}
	if props, ok := m["properties"].(map[string]interface{}); ok {
		schema.Properties = make(map[string]*genai.Schema)
		for k, v := range props {
			if propMap, ok := v.(map[string]interface{}); ok {
				schema.Properties[k] = mapToSchema(propMap)
			}
		}
	}
	if required, ok := m["required"].([]interface{}); ok {
		for _, r := range required {
			if s, ok := r.(string); ok {
				schema.Required = append(schema.Required, s)
			}
		}
	}
	if items, ok := m["items"].(map[string]interface{}); ok {
		schema.Items = mapToSchema(items)
	}
	if enum, ok := m["enum"].([]interface{}); ok {
		for _, e := range enum {
			if s, ok := e.(string); ok {
				schema.Enum = append(schema.Enum, s)
			}
		}
	}

	return schema
}

// Ensure Provider implements llm.Provider
var _ llm.Provider = (*Provider)(nil)
