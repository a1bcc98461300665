package memory

import (
	"context"
	"testing"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	store, err := NewStore(":memory:", Config{Provider: "hash"})
	if err != nil {
		t.Fatalf("Failed to create store: %v", err)
	}
	t.Cleanup(func() { store.Close() })
	return store
}

func TestStoreAddAndGet(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	id, err := store.Add(ctx, "s1", KindSemantic, "the user prefers dark mode", 1.0)
	if err != nil {
		t.Fatalf("Add failed: %v", err)
	}
	if id == "" {
		t.Fatal("Add should return an id")
	}

	item, err := store.Get(ctx, id)
	if err != nil {
		t.Fatalf("Get failed: %v", err)
	}
	if item.Text != "the user prefers dark mode" {
		t.Errorf("Unexpected text: %q", item.Text)
	}
	if item.Kind != KindSemantic {
		t.Errorf("Expected semantic, got %s", item.Kind)
	}
	if item.SessionID != "s1" {
		t.Errorf("Expected session s1, got %s", item.SessionID)
	}
}

func TestStoreAddRejectsUnknownKind(t *testing.T) {
	store := newTestStore(t)
	_, err := store.Add(context.Background(), "s1", "prophetic", "x", 1.0)
	if err == nil {
		t.Error("Unknown kind should be rejected")
	}
}

func TestStoreAddRejectsEmptyText(t *testing.T) {
	store := newTestStore(t)
	_, err := store.Add(context.Background(), "s1", KindSemantic, "   ", 1.0)
	if err == nil {
		t.Error("Empty text should be rejected")
	}
}

func TestStoreSearchRelevance(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	store.Add(ctx, "s1", KindSemantic, "the user prefers dark mode themes", 1.0)
	store.Add(ctx, "s1", KindEpisodic, "discussed quarterly sales figures", 0.5)
	store.Add(ctx, "s1", KindProcedural, "deploy with make release", 0.5)

	hits, err := store.Search(ctx, "s1", "what theme does the user prefer for dark mode", 5, 0.1)
	if err != nil {
		t.Fatalf("Search failed: %v", err)
	}
	if len(hits) == 0 {
		t.Fatal("Expected at least one hit")
	}
	if hits[0].Item.Kind != KindSemantic {
		t.Errorf("Best hit should be the theme preference, got %q", hits[0].Item.Text)
	}
	for i := 1; i < len(hits); i++ {
		if hits[i].Score > hits[i-1].Score {
			t.Error("Hits should be ordered best first")
		}
	}
}

func TestStoreSearchSessionIsolation(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	store.Add(ctx, "s1", KindSemantic, "session one secret fact", 1.0)
	store.Add(ctx, "s2", KindSemantic, "session two secret fact", 1.0)
	store.Add(ctx, "", KindSemantic, "global shared fact", 1.0)

	hits, err := store.Search(ctx, "s1", "secret fact shared", 10, 0.01)
	if err != nil {
		t.Fatalf("Search failed: %v", err)
	}
	for _, h := range hits {
		if h.Item.SessionID == "s2" {
			t.Error("Search leaked another session's items")
		}
	}
}

func TestStoreDelete(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	id, _ := store.Add(ctx, "s1", KindSemantic, "forget me", 1.0)

	ok, err := store.Delete(ctx, id)
	if err != nil || !ok {
		t.Fatalf("Delete failed: %v / %v", ok, err)
	}
	ok, err = store.Delete(ctx, id)
	if err != nil {
		t.Fatalf("Second delete errored: %v", err)
	}
	if ok {
		t.Error("Deleting a missing id should report false")
	}
	if _, err := store.Get(ctx, id); err == nil {
		t.Error("Deleted item should not be found")
	}
}

func TestStoreRecent(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	for _, text := range []string{"first", "second", "third"} {
		if _, err := store.Add(ctx, "s1", KindEpisodic, text, 0.5); err != nil {
			t.Fatal(err)
		}
	}

	items, err := store.Recent(ctx, "s1", 2)
	if err != nil {
		t.Fatalf("Recent failed: %v", err)
	}
	if len(items) != 2 {
		t.Fatalf("Expected 2 items, got %d", len(items))
	}
	if items[0].Text != "third" {
		t.Errorf("Expected newest first, got %q", items[0].Text)
	}
}

func TestStoreCountBySession(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	store.Add(ctx, "s1", KindSemantic, "a", 1.0)
	store.Add(ctx, "s1", KindSemantic, "b", 1.0)
	store.Add(ctx, "s1", KindEpisodic, "c", 0.5)
	store.Add(ctx, "other", KindSemantic, "d", 1.0)

	counts, err := store.CountBySession(ctx, "s1")
	if err != nil {
		t.Fatalf("CountBySession failed: %v", err)
	}
	if counts[KindSemantic] != 2 || counts[KindEpisodic] != 1 {
		t.Errorf("Unexpected counts: %v", counts)
	}
}

func TestHashProviderDeterministic(t *testing.T) {
	p := NewHashProvider(64)
	a, _ := p.Embed(context.Background(), "hello world")
	b, _ := p.Embed(context.Background(), "hello world")
	if cosineSimilarity(a, b) < 0.999 {
		t.Error("Same text should embed identically")
	}

	c, _ := p.Embed(context.Background(), "entirely different topic")
	if cosineSimilarity(a, c) > 0.9 {
		t.Error("Different texts should not be near-identical")
	}
}

func TestVectorRoundTrip(t *testing.T) {
	v := []float32{0.5, -1.25, 3.75}
	got := deserializeVector(serializeVector(v))
	if len(got) != len(v) {
		t.Fatalf("Length mismatch: %d", len(got))
	}
	for i := range v {
		if got[i] != v[i] {
			t.Errorf("Index %d: want %f, got %f", i, v[i], got[i])
		}
	}
}

func TestValidKind(t *testing.T) {
	for _, k := range Kinds {
		if !ValidKind(k) {
			t.Errorf("%s should be valid", k)
		}
	}
	if ValidKind("dreams") {
		t.Error("Unknown kind should be invalid")
	}
}
