// Memory Tools - let the model query and maintain long-term memory
package tools

import (
	"context"
	"fmt"

	"github.com/gliderlab/parley/memory"
)

type MemoryTool struct {
	Store     *memory.Store
	SessionID string // fallback when the context carries no session
}

// sessionScope resolves the session a memory operation runs under. The
// context set per turn wins over the fixed field.
func sessionScope(ctx context.Context, fixed string) string {
	if s := SessionFromContext(ctx); s != "" {
		return s
	}
	return fixed
}

func (t *MemoryTool) Name() string {
	return "memory_search"
}

func (t *MemoryTool) Description() string {
	return "Search long-term memory for items relevant to a query."
}

func (t *MemoryTool) Parameters() map[string]interface{} {
	return map[string]interface{}{
		"type": "object",
		"properties": map[string]interface{}{
			"query": map[string]interface{}{
				"type":        "string",
				"description": "What to look for",
			},
			"limit": map[string]interface{}{
				"type":        "integer",
				"description": "Max results (default 5)",
			},
		},
		"required": []string{"query"},
	}
}

func (t *MemoryTool) Execute(ctx context.Context, args map[string]interface{}) (interface{}, error) {
	if t.Store == nil {
		return nil, fmt.Errorf("memory store not available")
	}
	query := GetString(args, "query")
	if query == "" {
		return nil, fmt.Errorf("query is required")
	}
	limit := GetInt(args, "limit")
	if limit <= 0 {
		limit = 5
	}

	hits, err := t.Store.Search(ctx, sessionScope(ctx, t.SessionID), query, limit, 0)
	if err != nil {
		return nil, err
	}

	out := make([]map[string]interface{}, 0, len(hits))
	for _, h := range hits {
		out = append(out, map[string]interface{}{
			"id":    h.Item.ID,
			"type":  h.Item.Kind,
			"text":  h.Item.Text,
			"score": h.Score,
		})
	}
	return map[string]interface{}{"query": query, "results": out}, nil
}

type MemoryGetTool struct {
	Store *memory.Store
}

func (t *MemoryGetTool) Name() string {
	return "memory_get"
}

func (t *MemoryGetTool) Description() string {
	return "Fetch a single memory item by its id."
}

func (t *MemoryGetTool) Parameters() map[string]interface{} {
	return map[string]interface{}{
		"type": "object",
		"properties": map[string]interface{}{
			"id": map[string]interface{}{
				"type":        "string",
				"description": "Memory item id",
			},
		},
		"required": []string{"id"},
	}
}

func (t *MemoryGetTool) Execute(ctx context.Context, args map[string]interface{}) (interface{}, error) {
	if t.Store == nil {
		return nil, fmt.Errorf("memory store not available")
	}
	id := GetString(args, "id")
	if id == "" {
		return nil, fmt.Errorf("id is required")
	}
	item, err := t.Store.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	return map[string]interface{}{
		"id":   item.ID,
		"type": item.Kind,
		"text": item.Text,
	}, nil
}

type MemoryStoreTool struct {
	Store     *memory.Store
	SessionID string
}

func (t *MemoryStoreTool) Name() string {
	return "memory_store"
}

func (t *MemoryStoreTool) Description() string {
	return "Save a fact to long-term memory."
}

func (t *MemoryStoreTool) Parameters() map[string]interface{} {
	return map[string]interface{}{
		"type": "object",
		"properties": map[string]interface{}{
			"text": map[string]interface{}{
				"type":        "string",
				"description": "The fact to remember",
			},
			"type": map[string]interface{}{
				"type":        "string",
				"description": "Memory type: episodic, semantic or procedural (default semantic)",
				"enum":        []string{memory.KindEpisodic, memory.KindSemantic, memory.KindProcedural},
			},
		},
		"required": []string{"text"},
	}
}

func (t *MemoryStoreTool) Execute(ctx context.Context, args map[string]interface{}) (interface{}, error) {
	if t.Store == nil {
		return nil, fmt.Errorf("memory store not available")
	}
	text := GetString(args, "text")
	if text == "" {
		return nil, fmt.Errorf("text is required")
	}
	kind := GetString(args, "type")
	if kind == "" {
		kind = memory.KindSemantic
	}
	id, err := t.Store.Add(ctx, sessionScope(ctx, t.SessionID), kind, text, 1.0)
	if err != nil {
		return nil, err
	}
	return map[string]interface{}{"id": id, "stored": true}, nil
}
