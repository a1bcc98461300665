package tools

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/gliderlab/parley/memory"
)

func TestMemoryToolName(t *testing.T) {
	tool := &MemoryTool{Store: nil}
	if tool.Name() != "memory_search" {
		t.Errorf("Expected 'memory_search', got '%s'", tool.Name())
	}
}

func TestMemoryToolParameters(t *testing.T) {
	tool := &MemoryTool{Store: nil}
	params := tool.Parameters()

	if params == nil {
		t.Fatal("Parameters should not be nil")
	}

	props, ok := params["properties"].(map[string]interface{})
	if !ok {
		t.Fatal("properties should be a map")
	}

	if _, ok := props["query"]; !ok {
		t.Error("Should have 'query' parameter")
	}
}

func TestMemoryGetToolName(t *testing.T) {
	tool := &MemoryGetTool{Store: nil}
	if tool.Name() != "memory_get" {
		t.Errorf("Expected 'memory_get', got '%s'", tool.Name())
	}
}

func TestMemoryStoreToolName(t *testing.T) {
	tool := &MemoryStoreTool{Store: nil}
	if tool.Name() != "memory_store" {
		t.Errorf("Expected 'memory_store', got '%s'", tool.Name())
	}
}

func newMemStore(t *testing.T) *memory.Store {
	t.Helper()
	store, err := memory.NewStore(filepath.Join(t.TempDir(), "mem.db"), memory.Config{Provider: "hash"})
	if err != nil {
		t.Fatalf("memory store: %v", err)
	}
	t.Cleanup(func() { store.Close() })
	return store
}

func TestMemoryToolsUseSessionFromContext(t *testing.T) {
	store := newMemStore(t)
	ctx := context.Background()
	if _, err := store.Add(ctx, "s1", memory.KindSemantic, "likes green tea", 1.0); err != nil {
		t.Fatalf("add: %v", err)
	}
	if _, err := store.Add(ctx, "other", memory.KindSemantic, "likes black coffee", 1.0); err != nil {
		t.Fatalf("add: %v", err)
	}

	// the tools carry no fixed session; the turn context scopes them
	search := &MemoryTool{Store: store}
	out, err := search.Execute(WithSession(ctx, "s1"), map[string]interface{}{"query": "green tea"})
	if err != nil {
		t.Fatalf("search: %v", err)
	}
	results := out.(map[string]interface{})["results"].([]map[string]interface{})
	for _, r := range results {
		if r["text"] == "likes black coffee" {
			t.Error("search crossed into another session's memory")
		}
	}
	if len(results) == 0 {
		t.Fatal("search found nothing in its own session")
	}

	saver := &MemoryStoreTool{Store: store}
	if _, err := saver.Execute(WithSession(ctx, "s2"), map[string]interface{}{"text": "deploys on fridays"}); err != nil {
		t.Fatalf("store: %v", err)
	}
	items, err := store.Recent(ctx, "s2", 5)
	if err != nil {
		t.Fatalf("recent: %v", err)
	}
	if len(items) != 1 || items[0].Text != "deploys on fridays" {
		t.Errorf("stored item landed in the wrong session: %+v", items)
	}
}
