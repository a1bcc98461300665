package agent

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/gliderlab/parley/pkg/llm"
	"github.com/gliderlab/parley/storage"
	"github.com/gliderlab/parley/tools"
)

// TurnResult is the outcome of one conversation turn
type TurnResult struct {
	Content   string `json:"content"`
	Rounds    int    `json:"rounds"`     // tool rounds consumed
	ToolCalls int    `json:"tool_calls"` // total tool invocations
	Degraded  bool   `json:"degraded"`   // answer produced after the round budget ran out
	Command   bool   `json:"command"`    // turn was a slash command, no LLM involved

	trace []llm.ToolCall // executed calls, persisted with the assistant message
}

// StreamEvent is one unit of streamed turn output
type StreamEvent struct {
	Type    string `json:"type"` // text, tool_start, tool_result, done
	Text    string `json:"text,omitempty"`
	Tool    string `json:"tool,omitempty"`
	ToolID  string `json:"tool_id,omitempty"`
	Content string `json:"content,omitempty"`
}

// StreamFunc receives turn output as it is produced. Returning an error
// aborts the turn.
type StreamFunc func(StreamEvent) error

// RunTurn executes one full conversation turn and returns the final answer.
// A TurnResult is returned alongside ErrToolLoopExceeded when the round
// budget ran out; every other error leaves the transcript untouched.
func (a *Agent) RunTurn(ctx context.Context, sessionID, userText string) (*TurnResult, error) {
	return a.runTurn(ctx, sessionID, userText, nil)
}

// RunTurnStream is RunTurn with live output delivered through fn
func (a *Agent) RunTurnStream(ctx context.Context, sessionID, userText string, fn StreamFunc) (*TurnResult, error) {
	if fn == nil {
		return a.runTurn(ctx, sessionID, userText, nil)
	}
	return a.runTurn(ctx, sessionID, userText, fn)
}

func (a *Agent) runTurn(ctx context.Context, sessionID string, userText string, fn StreamFunc) (*TurnResult, error) {
	userText = strings.TrimSpace(userText)
	if userText == "" {
		return nil, fmt.Errorf("empty input")
	}
	if sessionID == "" {
		sessionID = "default"
	}

	turnCtx, release, err := a.beginTurn(ctx, sessionID)
	if err != nil {
		return nil, err
	}
	defer release()
	// session-scoped tools read the id back out of the context
	turnCtx = tools.WithSession(turnCtx, sessionID)

	if IsCommand(userText) {
		out, _ := a.runCommand(turnCtx, sessionID, userText)
		if fn != nil {
			if err := fn(StreamEvent{Type: "text", Text: out}); err != nil {
				return nil, err
			}
			if err := fn(StreamEvent{Type: "done"}); err != nil {
				return nil, err
			}
		}
		return &TurnResult{Content: out, Command: true}, nil
	}

	provider := a.activeProvider()
	if provider == nil {
		return nil, ErrNoProvider
	}

	window, err := a.buildWindow(sessionID)
	if err != nil {
		return nil, err
	}
	window.Mark()

	// The memory block rides along in the prompt only. The transcript
	// keeps the user's text as typed.
	prompt := userText
	if block := a.recall(turnCtx, sessionID, userText); block != "" {
		prompt = "[MEMORY CONTEXT]\n" + block + "\n[/MEMORY CONTEXT]\n\n" + userText
	}
	window.Append(llm.Message{Role: "user", Content: prompt})

	res, runErr := a.runRounds(turnCtx, provider, window, fn)
	if runErr != nil && !errors.Is(runErr, ErrToolLoopExceeded) {
		window.Rewind()
		if turnCtx.Err() != nil {
			a.logger.Printf("[END] turn cancelled (session=%s)", sessionID)
			return nil, ErrTurnCancelled
		}
		return nil, runErr
	}

	a.finalize(sessionID, userText, res, window)
	a.logger.Printf("[END] turn complete (session=%s rounds=%d tools=%d)", sessionID, res.Rounds, res.ToolCalls)

	if fn != nil {
		if err := fn(StreamEvent{Type: "done"}); err != nil {
			return res, err
		}
	}
	return res, runErr
}

// runRounds drives the model/tool exchange until the model answers in
// plain text or the round budget runs out
func (a *Agent) runRounds(ctx context.Context, provider llm.Provider, window *ContextWindow, fn StreamFunc) (*TurnResult, error) {
	detector := newLoopDetector()
	specs := a.llmTools()
	res := &TurnResult{}

	for {
		req := &llm.ChatRequest{
			Model:     a.cfg.Model,
			Messages:  window.Messages(),
			MaxTokens: a.cfg.MaxTokens,
			Tools:     specs,
		}

		msg, err := a.complete(ctx, provider, req, fn)
		if err != nil {
			return res, err
		}

		if len(msg.ToolCalls) == 0 {
			window.Append(llm.Message{Role: "assistant", Content: msg.Content})
			res.Content = msg.Content
			return res, nil
		}

		res.Rounds++
		if res.Rounds > a.cfg.MaxToolRounds {
			res.Degraded = true
			res.Content = a.degradedAnswer(ctx, provider, window, msg, fn)
			window.Append(llm.Message{Role: "assistant", Content: res.Content})
			return res, fmt.Errorf("%w: %d rounds", ErrToolLoopExceeded, a.cfg.MaxToolRounds)
		}

		window.Append(*msg)
		if fn != nil {
			for _, call := range msg.ToolCalls {
				if call.Function == nil {
					continue
				}
				if err := fn(StreamEvent{Type: "tool_start", Tool: call.Function.Name, ToolID: call.ID}); err != nil {
					return res, err
				}
			}
		}

		results := a.dispatchTools(ctx, msg.ToolCalls, detector)
		res.ToolCalls += len(msg.ToolCalls)
		res.trace = append(res.trace, msg.ToolCalls...)
		for _, rm := range results {
			window.Append(rm)
			if fn != nil {
				if err := fn(StreamEvent{Type: "tool_result", Tool: rm.Name, ToolID: rm.ToolCallID, Content: rm.Content}); err != nil {
					return res, err
				}
			}
		}
	}
}

// degradedAnswer closes out a turn whose round budget ran out: the pending
// calls are answered with a refusal and the model gets one tool-free shot
// at summarizing what it already has.
func (a *Agent) degradedAnswer(ctx context.Context, provider llm.Provider, window *ContextWindow, last *llm.Message, fn StreamFunc) string {
	const fallback = "The tool budget for this request ran out before it could be completed."

	window.Append(*last)
	for _, call := range last.ToolCalls {
		name := ""
		if call.Function != nil {
			name = call.Function.Name
		}
		window.Append(llm.Message{
			Role:       "tool",
			ToolCallID: call.ID,
			Name:       name,
			Content:    errContent("tool budget exhausted, answer from what you already have"),
		})
	}

	req := &llm.ChatRequest{
		Model:     a.cfg.Model,
		Messages:  window.Messages(),
		MaxTokens: a.cfg.MaxTokens,
	}
	msg, err := a.complete(ctx, provider, req, fn)
	if err != nil || msg.Content == "" {
		a.logger.Printf("[WARN] degraded close-out failed: %v", err)
		return fallback
	}
	return msg.Content
}

// complete performs one model call, streaming through fn when set.
// Retryable failures back off. Streamed deltas are held back until the
// stream ends: a round that resolves to tool calls keeps its text
// internal, so nothing is forwarded for a round that later retries.
func (a *Agent) complete(ctx context.Context, provider llm.Provider, req *llm.ChatRequest, fn StreamFunc) (*llm.Message, error) {
	retries := a.cfg.MaxRetries
	var lastErr error

	for attempt := 0; attempt <= retries; attempt++ {
		if attempt > 0 {
			if ctx.Err() != nil {
				return nil, ctx.Err()
			}
			a.backoff(attempt)
		}

		if fn == nil {
			resp, err := provider.Chat(ctx, req)
			if err == nil {
				if len(resp.Choices) == 0 {
					return nil, fmt.Errorf("%s: empty response", provider.Name())
				}
				m := resp.Choices[0].Message
				m.Role = "assistant"
				return &m, nil
			}
			lastErr = err
		} else {
			req.Stream = true
			msg := llm.Message{Role: "assistant"}
			var pending []string
			err := provider.ChatStream(ctx, req, func(chunk *llm.StreamChunk) error {
				if len(chunk.Choices) == 0 {
					return nil
				}
				ch := chunk.Choices[0]
				if len(ch.Delta.ToolCalls) > 0 {
					msg.ToolCalls = append(msg.ToolCalls, ch.Delta.ToolCalls...)
				}
				if ch.Delta.Content != "" {
					msg.Content += ch.Delta.Content
					pending = append(pending, ch.Delta.Content)
				}
				return nil
			})
			if err == nil {
				// flush only when the round ended in plain text
				if len(msg.ToolCalls) == 0 {
					for _, delta := range pending {
						if err := fn(StreamEvent{Type: "text", Text: delta}); err != nil {
							return nil, err
						}
					}
				}
				return &msg, nil
			}
			lastErr = err
		}

		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		if !llm.IsRetryable(lastErr) {
			return nil, lastErr
		}
		a.logger.Printf("[WARN] %s call failed (attempt %d/%d): %v", provider.Name(), attempt+1, retries+1, lastErr)
	}
	return nil, lastErr
}

func (a *Agent) backoff(attempt int) {
	d := time.Duration(1<<uint(attempt-1)) * time.Second
	if d > 8*time.Second {
		d = 8 * time.Second
	}
	a.timeProvider.Sleep(d)
}

// dispatchTools runs one round's calls concurrently. Results come back
// in invocation order regardless of completion order.
func (a *Agent) dispatchTools(ctx context.Context, calls []llm.ToolCall, detector *loopDetector) []llm.Message {
	out := make([]llm.Message, len(calls))
	var wg sync.WaitGroup
	for i := range calls {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			out[i] = a.runToolCall(ctx, calls[i], detector)
		}(i)
	}
	wg.Wait()
	return out
}

// runToolCall executes one call. Every failure mode lands in the result
// content so the model can read it and self-correct.
func (a *Agent) runToolCall(ctx context.Context, call llm.ToolCall, detector *loopDetector) llm.Message {
	msg := llm.Message{Role: "tool", ToolCallID: call.ID}
	if call.Function == nil {
		msg.Content = errContent("malformed tool call")
		return msg
	}
	msg.Name = call.Function.Name

	if looping, reason := detector.record(call.Function.Name, call.Function.Arguments); looping {
		a.logger.Printf("[WARN] tool loop detected: %s", reason)
		msg.Content = errContent("call skipped: " + reason)
		return msg
	}

	args, err := tools.ParseArgs(call.Function.Arguments)
	if err != nil {
		msg.Content = errContent("invalid arguments JSON: " + err.Error())
		return msg
	}

	result, err := a.registry.Execute(ctx, call.Function.Name, args)
	if err != nil {
		msg.Content = errContent(err.Error())
		return msg
	}
	msg.Content = truncateToolResult(result.Content())
	return msg
}

// buildWindow assembles the context window: pinned system prompt, then
// the stored transcript oldest first
func (a *Agent) buildWindow(sessionID string) (*ContextWindow, error) {
	budget := a.cfg.ContextTokens - a.cfg.ReserveTokens
	w := NewContextWindow(budget)
	if a.cfg.SystemPrompt != "" {
		w.Append(llm.Message{Role: "system", Content: a.cfg.SystemPrompt})
	}
	if a.store != nil {
		history, err := a.store.GetMessages(sessionID, 200)
		if err != nil {
			return nil, fmt.Errorf("load history: %w", err)
		}
		for _, m := range history {
			if m.Role == "system" {
				continue
			}
			w.Append(llm.Message{Role: m.Role, Content: m.Content})
		}
	}
	return w, nil
}

// recall fetches the memory block for this turn. Memory being down is a
// warning, never a turn failure.
func (a *Agent) recall(ctx context.Context, sessionID, userText string) string {
	if a.mem == nil || !a.cfg.Memory.Enabled || isTrivialQuery(userText) {
		return ""
	}
	block, err := a.mem.RetrieveContext(ctx, sessionID, userText)
	if err != nil {
		a.logger.Printf("[WARN] memory recall skipped: %v", err)
		return ""
	}
	return block
}

// finalize persists the turn: transcript, session metadata, memory
func (a *Agent) finalize(sessionID, userText string, res *TurnResult, window *ContextWindow) {
	window.Commit()

	if a.store != nil {
		if _, err := a.store.AddMessage(storage.Message{SessionID: sessionID, Role: "user", Content: userText}); err != nil {
			a.logger.Printf("[WARN] persist user message: %v", err)
		}
		assistant := storage.Message{SessionID: sessionID, Role: "assistant", Content: res.Content}
		if len(res.trace) > 0 {
			assistant.ToolCalls = storage.EncodeToolCalls(res.trace)
		}
		if _, err := a.store.AddMessage(assistant); err != nil {
			a.logger.Printf("[WARN] persist assistant message: %v", err)
		}
		if err := a.store.TouchSession(storage.SessionMeta{
			SessionID:   sessionID,
			Provider:    a.cfg.Provider,
			Model:       a.cfg.Model,
			TotalTokens: window.TotalTokens(),
			LastRounds:  res.Rounds,
		}); err != nil {
			a.logger.Printf("[WARN] touch session: %v", err)
		}
	}
	if a.kv != nil {
		if err := a.kv.SetTokenCache(sessionID, window.TotalTokens()); err != nil {
			a.logger.Printf("[WARN] token cache: %v", err)
		}
	}
	if a.mem != nil && a.cfg.Memory.Enabled {
		a.mem.PersistTurn(sessionID, userText, res.Content)
	}
}

// llmTools converts the registry contents into provider tool specs
func (a *Agent) llmTools() []llm.Tool {
	names := a.registry.List()
	if len(names) == 0 {
		return nil
	}
	out := make([]llm.Tool, 0, len(names))
	for _, name := range names {
		t, ok := a.registry.Get(name)
		if !ok {
			continue
		}
		out = append(out, llm.Tool{
			Type: "function",
			Function: &llm.ToolFunction{
				Name:        t.Name(),
				Description: t.Description(),
				Parameters:  t.Parameters(),
			},
		})
	}
	return out
}

func errContent(message string) string {
	b, _ := json.Marshal(map[string]interface{}{"success": false, "error": message})
	return string(b)
}

// trivialGreetings are inputs not worth a memory lookup
var trivialGreetings = map[string]bool{
	"hi": true, "hello": true, "hey": true, "yo": true,
	"thanks": true, "thank you": true, "thx": true,
	"ok": true, "okay": true, "bye": true, "goodbye": true,
	"good morning": true, "good night": true, "good evening": true,
}

func isTrivialQuery(text string) bool {
	t := strings.ToLower(strings.TrimSpace(text))
	t = strings.TrimRight(t, ".!?")
	return trivialGreetings[t]
}
