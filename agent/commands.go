// Slash commands - handled locally, never sent to the model
package agent

import (
	"context"
	"fmt"
	"log"
	"sort"
	"strings"
)

// IsCommand reports whether the input is a slash command
func IsCommand(input string) bool {
	return strings.HasPrefix(strings.TrimSpace(input), "/")
}

// runCommand dispatches a slash command and returns its output. The bool
// is false when the input is not a command at all.
func (a *Agent) runCommand(ctx context.Context, sessionID, input string) (string, bool) {
	input = strings.TrimSpace(input)
	if !strings.HasPrefix(input, "/") {
		return "", false
	}

	name, rest := input, ""
	if i := strings.IndexAny(input, " \t"); i > 0 {
		name, rest = input[:i], strings.TrimSpace(input[i+1:])
	}

	log.Printf("[CMD] %s (session=%s)", name, sessionID)

	switch name {
	case "/help":
		return a.cmdHelp(), true
	case "/clear":
		return a.cmdClear(sessionID), true
	case "/config":
		return a.cmdConfig(rest), true
	case "/model":
		return a.cmdModel(rest), true
	case "/tools":
		return a.cmdTools(), true
	case "/status":
		return a.cmdStatus(ctx, sessionID), true
	case "/memory":
		return a.cmdMemory(ctx, sessionID, rest), true
	case "/remember":
		return a.cmdRemember(ctx, sessionID, rest), true
	case "/forget":
		return a.cmdForget(ctx, sessionID, rest), true
	default:
		return fmt.Sprintf("Unknown command: %s (try /help)", name), true
	}
}

func (a *Agent) cmdHelp() string {
	return strings.Join([]string{
		"Commands:",
		"  /clear               clear this session's transcript",
		"  /config              show configuration",
		"  /config KEY=VALUE    change a setting",
		"  /model               show the active model",
		"  /model NAME          switch model",
		"  /memory [QUERY]      list recent memory items, or search",
		"  /remember TEXT       save a fact to memory",
		"  /forget ID|all       delete one memory item, or every one",
		"  /tools               list available tools",
		"  /status              session status",
		"  /help                this help",
	}, "\n")
}

func (a *Agent) cmdClear(sessionID string) string {
	if a.store == nil {
		return "Storage not available"
	}
	if err := a.store.ClearMessages(sessionID); err != nil {
		return fmt.Sprintf("Clear failed: %v", err)
	}
	if a.kv != nil {
		a.kv.InvalidateRecall(sessionID)
	}
	return "Transcript cleared."
}

func (a *Agent) cmdConfig(rest string) string {
	a.mu.Lock()
	defer a.mu.Unlock()

	if rest == "" {
		return fmt.Sprintf(
			"provider: %s\nmodel: %s\ncontext_tokens: %d\nreserve_tokens: %d\nmax_tokens: %d\nmax_tool_rounds: %d\nmemory: %v",
			a.cfg.Provider, a.cfg.Model, a.cfg.ContextTokens, a.cfg.ReserveTokens,
			a.cfg.MaxTokens, a.cfg.MaxToolRounds, a.cfg.Memory.Enabled)
	}

	key, value, ok := strings.Cut(rest, "=")
	if !ok {
		return "Usage: /config KEY=VALUE"
	}
	key = strings.TrimSpace(key)
	value = strings.TrimSpace(value)
	if err := a.cfg.Set(key, value); err != nil {
		return fmt.Sprintf("Config error: %v", err)
	}
	if a.store != nil {
		_ = a.store.SetConfig(key, value)
	}
	return fmt.Sprintf("Set %s = %s", key, value)
}

func (a *Agent) cmdModel(rest string) string {
	a.mu.Lock()
	defer a.mu.Unlock()

	if rest == "" {
		return fmt.Sprintf("Active model: %s (%s)", a.cfg.Model, a.cfg.Provider)
	}
	if !a.cfg.ModelAllowed(a.cfg.Provider, rest) {
		allowed := a.cfg.AllowedModels[a.cfg.Provider]
		return fmt.Sprintf("Model %q not allowed for %s. Allowed: %s", rest, a.cfg.Provider, strings.Join(allowed, ", "))
	}
	a.cfg.Model = rest
	if a.store != nil {
		_ = a.store.SetConfig("model", rest)
	}
	return fmt.Sprintf("Model switched to %s", rest)
}

func (a *Agent) cmdTools() string {
	if a.registry == nil {
		return "No tools registered."
	}
	names := a.registry.List()
	if len(names) == 0 {
		return "No tools registered."
	}
	lines := make([]string, 0, len(names)+1)
	lines = append(lines, "Available tools:")
	for _, name := range names {
		if t, ok := a.registry.Get(name); ok {
			lines = append(lines, fmt.Sprintf("  %-14s %s", name, t.Description()))
		}
	}
	return strings.Join(lines, "\n")
}

func (a *Agent) cmdStatus(ctx context.Context, sessionID string) string {
	a.mu.RLock()
	provider := a.cfg.Provider
	model := a.cfg.Model
	a.mu.RUnlock()

	var b strings.Builder
	fmt.Fprintf(&b, "session: %s\nprovider: %s\nmodel: %s\n", sessionID, provider, model)

	if a.store != nil {
		if n, err := a.store.CountMessages(sessionID); err == nil {
			fmt.Fprintf(&b, "messages: %d\n", n)
		}
		if meta, err := a.store.GetSession(sessionID); err == nil && meta != nil {
			fmt.Fprintf(&b, "tokens: %d\nlast turn rounds: %d\n", meta.TotalTokens, meta.LastRounds)
		}
	}

	if a.mem != nil {
		counts, embedder, err := a.mem.Stats(ctx, sessionID)
		if err != nil {
			b.WriteString("memory: unavailable\n")
		} else {
			kinds := make([]string, 0, len(counts))
			for k := range counts {
				kinds = append(kinds, k)
			}
			sort.Strings(kinds)
			parts := make([]string, 0, len(kinds))
			for _, k := range kinds {
				parts = append(parts, fmt.Sprintf("%s=%d", k, counts[k]))
			}
			fmt.Fprintf(&b, "memory: %s (embedder: %s)\n", strings.Join(parts, " "), embedder)
		}
	} else {
		b.WriteString("memory: disabled\n")
	}

	return strings.TrimRight(b.String(), "\n")
}

func (a *Agent) cmdMemory(ctx context.Context, sessionID, query string) string {
	if a.mem == nil {
		return "Memory is disabled."
	}
	if query != "" {
		block, err := a.mem.RetrieveContext(ctx, sessionID, query)
		if err != nil {
			return fmt.Sprintf("Memory unavailable: %v", err)
		}
		if block == "" {
			return "Nothing relevant found."
		}
		return "Relevant memories:\n" + block
	}
	items, err := a.mem.Recent(ctx, sessionID, 10)
	if err != nil {
		return fmt.Sprintf("Memory unavailable: %v", err)
	}
	if len(items) == 0 {
		return "No memories stored."
	}
	var b strings.Builder
	b.WriteString("Recent memories:\n")
	for _, item := range items {
		text := item.Text
		if len(text) > 120 {
			text = text[:120] + "…"
		}
		fmt.Fprintf(&b, "  %s [%s] %s\n", item.ID[:8], item.Kind, text)
	}
	return strings.TrimRight(b.String(), "\n")
}

func (a *Agent) cmdRemember(ctx context.Context, sessionID, rest string) string {
	if a.mem == nil {
		return "Memory is disabled."
	}
	if rest == "" {
		return "Usage: /remember TEXT"
	}
	id, err := a.mem.Remember(ctx, sessionID, rest)
	if err != nil {
		return fmt.Sprintf("Could not save: %v", err)
	}
	return fmt.Sprintf("Remembered (%s).", id[:8])
}

func (a *Agent) cmdForget(ctx context.Context, sessionID, rest string) string {
	if a.mem == nil {
		return "Memory is disabled."
	}
	if rest == "" {
		return "Usage: /forget ID (or /forget all)"
	}
	if rest == "all" {
		n, err := a.mem.ForgetAll(ctx, sessionID)
		if err != nil {
			return fmt.Sprintf("Could not forget: %v", err)
		}
		return fmt.Sprintf("Forgot %d memories.", n)
	}
	// Accept the short prefix shown by /memory
	id := rest
	if len(rest) < 36 {
		items, err := a.mem.Recent(ctx, sessionID, 50)
		if err == nil {
			for _, item := range items {
				if strings.HasPrefix(item.ID, rest) {
					id = item.ID
					break
				}
			}
		}
	}
	ok, err := a.mem.Forget(ctx, sessionID, id)
	if err != nil {
		return fmt.Sprintf("Could not forget: %v", err)
	}
	if !ok {
		return fmt.Sprintf("No memory found for %q.", rest)
	}
	return "Forgotten."
}
