// Memory store - SQLite + embeddings, session-scoped typed items
package memory

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"hash/fnv"
	"log"
	"math"
	"net/http"
	"os"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"
	_ "github.com/mattn/go-sqlite3"
	openai "github.com/sashabaranov/go-openai"
)

// Memory kinds
const (
	KindEpisodic   = "episodic"
	KindSemantic   = "semantic"
	KindProcedural = "procedural"
)

var Kinds = []string{KindEpisodic, KindSemantic, KindProcedural}

// ValidKind reports whether k names a memory kind
func ValidKind(k string) bool {
	for _, known := range Kinds {
		if k == known {
			return true
		}
	}
	return false
}

// Item is one stored memory
type Item struct {
	ID         string
	SessionID  string
	Kind       string
	Text       string
	Vector     []float32
	Importance float64
	CreatedAt  int64
}

// SearchHit pairs an item with its similarity score
type SearchHit struct {
	Item  Item
	Score float32
}

// Config for the store
type Config struct {
	ApiKey          string  // OpenAI API key (or ${OPENAI_API_KEY})
	Provider        string  // "openai", "local" or "hash"
	EmbeddingModel  string  // OpenAI model name
	EmbeddingServer string  // Local embedding service URL
	EmbeddingDim    int     // Override dimension
	TopK            int     // Default result count
	MinScore        float32 // Default similarity floor
}

// EmbeddingProvider turns text into vectors
type EmbeddingProvider interface {
	Embed(ctx context.Context, text string) ([]float32, error)
	Dim() int
	Name() string
}

// Store persists memory items in sqlite with vector search
type Store struct {
	db        *sql.DB
	embedding EmbeddingProvider
	cfg       Config
}

// Model dimensions
var embeddingDimensions = map[string]int{
	"text-embedding-3-small": 1536,
	"text-embedding-3-large": 3072,
	"text-embedding-ada-002": 1536,
	"nomic-embed-text":       768,
	"all-minilm":             384,
	"default":                1536,
}

func embeddingDimension(model string, override int) int {
	if override > 0 {
		return override
	}
	if dim, ok := embeddingDimensions[model]; ok {
		return dim
	}
	return embeddingDimensions["default"]
}

// ==================== OpenAI Provider ====================

type OpenAIProvider struct {
	client *openai.Client
	model  string
	dim    int
}

func NewOpenAIProvider(apiKey, model string) (*OpenAIProvider, error) {
	apiKey = expandEnv(apiKey)
	if apiKey == "" {
		apiKey = os.Getenv("OPENAI_API_KEY")
	}
	if apiKey == "" {
		return nil, fmt.Errorf("OpenAI API key required")
	}
	if model == "" {
		model = "text-embedding-3-small"
	}
	return &OpenAIProvider{
		client: openai.NewClient(apiKey),
		model:  model,
		dim:    embeddingDimension(model, 0),
	}, nil
}

func (p *OpenAIProvider) Embed(ctx context.Context, text string) ([]float32, error) {
	ctx, cancel := context.WithTimeout(ctx, 60*time.Second)
	defer cancel()
	resp, err := p.client.CreateEmbeddings(ctx, openai.EmbeddingRequest{
		Model: openai.EmbeddingModel(p.model),
		Input: text,
	})
	if err != nil {
		return nil, fmt.Errorf("embedding failed: %v", err)
	}
	if len(resp.Data) == 0 {
		return nil, fmt.Errorf("no embedding returned")
	}
	result := make([]float32, len(resp.Data[0].Embedding))
	for i, v := range resp.Data[0].Embedding {
		result[i] = float32(v)
	}
	return result, nil
}

func (p *OpenAIProvider) Dim() int     { return p.dim }
func (p *OpenAIProvider) Name() string { return "openai:" + p.model }

// ==================== Local Provider ====================

// LocalProvider talks to an embedding sidecar (llama.cpp style)
type LocalProvider struct {
	serverURL string
	dim       int
	client    *http.Client
}

func NewLocalProvider(serverURL string, dim int) (*LocalProvider, error) {
	if serverURL == "" {
		serverURL = "http://localhost:50000"
	}
	if dim == 0 {
		dim = embeddingDimensions["default"]
	}
	return &LocalProvider{
		serverURL: serverURL,
		dim:       dim,
		client:    &http.Client{Timeout: 60 * time.Second},
	}, nil
}

func (p *LocalProvider) Embed(ctx context.Context, text string) ([]float32, error) {
	reqBody, _ := json.Marshal(map[string]interface{}{"text": text})
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, p.serverURL+"/embed", strings.NewReader(string(reqBody)))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := p.client.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("server returned %d", resp.StatusCode)
	}

	var result struct {
		Embedding []float32 `json:"embedding"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
		return nil, err
	}
	return result.Embedding, nil
}

func (p *LocalProvider) Dim() int     { return p.dim }
func (p *LocalProvider) Name() string { return "local:" + p.serverURL }

func (p *LocalProvider) healthy() bool {
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, p.serverURL+"/health", nil)
	if err != nil {
		return false
	}
	resp, err := p.client.Do(req)
	if err != nil {
		return false
	}
	resp.Body.Close()
	return resp.StatusCode == http.StatusOK
}

// ==================== Hash Provider ====================

// HashProvider is a deterministic token-hash embedder. It needs no network
// or model, so it is the fallback when nothing else is configured and the
// embedder used in tests. Scores are crude but stable.
type HashProvider struct {
	dim int
}

func NewHashProvider(dim int) *HashProvider {
	if dim <= 0 {
		dim = 256
	}
	return &HashProvider{dim: dim}
}

func (p *HashProvider) Embed(ctx context.Context, text string) ([]float32, error) {
	vec := make([]float32, p.dim)
	for _, tok := range strings.Fields(strings.ToLower(text)) {
		tok = strings.Trim(tok, ".,!?;:\"'()[]")
		if tok == "" {
			continue
		}
		h := fnv.New32a()
		h.Write([]byte(tok))
		vec[int(h.Sum32())%p.dim] += 1
	}
	normalizeVector(vec)
	return vec, nil
}

func (p *HashProvider) Dim() int     { return p.dim }
func (p *HashProvider) Name() string { return "hash" }

func expandEnv(v string) string {
	if strings.HasPrefix(v, "${") && strings.HasSuffix(v, "}") {
		return os.Getenv(v[2 : len(v)-1])
	}
	return v
}

// ==================== Store ====================

func NewStore(dbPath string, cfg Config) (*Store, error) {
	if cfg.TopK == 0 {
		cfg.TopK = 5
	}
	if cfg.MinScore == 0 {
		cfg.MinScore = 0.35
	}

	db, err := sql.Open("sqlite3", dbPath)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %v", err)
	}
	db.Exec("PRAGMA busy_timeout=5000")

	if err := initSchema(db); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to init schema: %v", err)
	}

	store := &Store{db: db, cfg: cfg}
	store.embedding = buildEmbedding(cfg)
	log.Printf("[OK] memory store ready: %s (embedder: %s)", dbPath, store.embedding.Name())
	return store, nil
}

func buildEmbedding(cfg Config) EmbeddingProvider {
	switch cfg.Provider {
	case "openai":
		p, err := NewOpenAIProvider(cfg.ApiKey, cfg.EmbeddingModel)
		if err == nil {
			return p
		}
		log.Printf("[WARN] OpenAI embedding init failed, falling back to hash: %v", err)
	case "local":
		p, err := NewLocalProvider(cfg.EmbeddingServer, cfg.EmbeddingDim)
		if err == nil && p.healthy() {
			return p
		}
		log.Printf("[WARN] local embedding unavailable, falling back to hash")
	}
	return NewHashProvider(cfg.EmbeddingDim)
}

func initSchema(db *sql.DB) error {
	_, err := db.Exec(`
		CREATE TABLE IF NOT EXISTS memories (
			id TEXT PRIMARY KEY,
			session_id TEXT NOT NULL DEFAULT '',
			kind TEXT NOT NULL DEFAULT 'semantic',
			text TEXT NOT NULL,
			vector BLOB NOT NULL,
			importance REAL DEFAULT 0.5,
			created_at INTEGER DEFAULT (strftime('%s','now'))
		)
	`)
	if err != nil {
		return err
	}
	db.Exec(`CREATE INDEX IF NOT EXISTS idx_mem_session ON memories(session_id)`)
	db.Exec(`CREATE INDEX IF NOT EXISTS idx_mem_created ON memories(created_at)`)
	return nil
}

// Add stores one memory item and returns its id
func (s *Store) Add(ctx context.Context, sessionID, kind, text string, importance float64) (string, error) {
	if strings.TrimSpace(text) == "" {
		return "", fmt.Errorf("text required")
	}
	if !ValidKind(kind) {
		return "", fmt.Errorf("unknown memory kind: %s", kind)
	}

	vector, err := s.embedding.Embed(ctx, text)
	if err != nil {
		return "", fmt.Errorf("embedding failed: %v", err)
	}

	id := uuid.NewString()
	now := time.Now().Unix()
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO memories (id, session_id, kind, text, vector, importance, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)
	`, id, sessionID, kind, text, serializeVector(vector), importance, now)
	if err != nil {
		return "", err
	}

	log.Printf("[OK] memory stored: %s [%s]", shortID(id), kind)
	return id, nil
}

// Search returns the top items for the query, best first. Items belonging
// to other sessions are not visible; items with an empty session are global.
func (s *Store) Search(ctx context.Context, sessionID, query string, limit int, minScore float32) ([]SearchHit, error) {
	if limit <= 0 {
		limit = s.cfg.TopK
	}
	if minScore <= 0 {
		minScore = s.cfg.MinScore
	}

	queryVec, err := s.embedding.Embed(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("embedding failed: %v", err)
	}

	rows, err := s.db.QueryContext(ctx, `
		SELECT id, session_id, kind, text, vector, importance, created_at
		FROM memories
		WHERE session_id = ? OR session_id = ''
	`, sessionID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	hits := make([]SearchHit, 0)
	for rows.Next() {
		var item Item
		var blob []byte
		if err := rows.Scan(&item.ID, &item.SessionID, &item.Kind, &item.Text, &blob, &item.Importance, &item.CreatedAt); err != nil {
			continue
		}
		vec := deserializeVector(blob)
		if len(vec) != len(queryVec) {
			continue // stored under a different embedder
		}
		score := cosineSimilarity(queryVec, vec)
		if score < minScore {
			continue
		}
		item.Vector = vec
		hits = append(hits, SearchHit{Item: item, Score: score})
	}

	sort.Slice(hits, func(i, j int) bool { return hits[i].Score > hits[j].Score })
	if len(hits) > limit {
		hits = hits[:limit]
	}
	return hits, nil
}

// Get fetches one item by id
func (s *Store) Get(ctx context.Context, id string) (Item, error) {
	var item Item
	var blob []byte
	err := s.db.QueryRowContext(ctx, `
		SELECT id, session_id, kind, text, vector, importance, created_at
		FROM memories WHERE id = ?
	`, id).Scan(&item.ID, &item.SessionID, &item.Kind, &item.Text, &blob, &item.Importance, &item.CreatedAt)
	if err == sql.ErrNoRows {
		return Item{}, fmt.Errorf("memory not found: %s", id)
	}
	if err != nil {
		return Item{}, err
	}
	item.Vector = deserializeVector(blob)
	return item, nil
}

// Delete removes an item. Returns false when the id did not exist.
func (s *Store) Delete(ctx context.Context, id string) (bool, error) {
	res, err := s.db.ExecContext(ctx, `DELETE FROM memories WHERE id = ?`, id)
	if err != nil {
		return false, err
	}
	n, _ := res.RowsAffected()
	return n > 0, nil
}

// DeleteAll removes every item for a session and returns the count
func (s *Store) DeleteAll(ctx context.Context, sessionID string) (int, error) {
	res, err := s.db.ExecContext(ctx, `DELETE FROM memories WHERE session_id = ?`, sessionID)
	if err != nil {
		return 0, err
	}
	n, _ := res.RowsAffected()
	if n > 0 {
		log.Printf("[OK] memory cleared: %d items (session=%s)", n, sessionID)
	}
	return int(n), nil
}

// Recent returns the newest items for a session, newest first
func (s *Store) Recent(ctx context.Context, sessionID string, n int) ([]Item, error) {
	if n <= 0 {
		n = 3
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, session_id, kind, text, importance, created_at
		FROM memories
		WHERE session_id = ? OR session_id = ''
		ORDER BY created_at DESC, rowid DESC
		LIMIT ?
	`, sessionID, n)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	items := make([]Item, 0, n)
	for rows.Next() {
		var item Item
		if err := rows.Scan(&item.ID, &item.SessionID, &item.Kind, &item.Text, &item.Importance, &item.CreatedAt); err != nil {
			continue
		}
		items = append(items, item)
	}
	return items, nil
}

// Count returns the number of stored items
func (s *Store) Count(ctx context.Context) (int, error) {
	var n int
	err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM memories`).Scan(&n)
	return n, err
}

// CountBySession returns item counts per kind for a session
func (s *Store) CountBySession(ctx context.Context, sessionID string) (map[string]int, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT kind, COUNT(*) FROM memories
		WHERE session_id = ? OR session_id = ''
		GROUP BY kind
	`, sessionID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	counts := make(map[string]int)
	for rows.Next() {
		var kind string
		var n int
		if err := rows.Scan(&kind, &n); err != nil {
			continue
		}
		counts[kind] = n
	}
	return counts, nil
}

func (s *Store) EmbedderName() string {
	return s.embedding.Name()
}

func (s *Store) Close() error {
	return s.db.Close()
}

// ==================== Helpers ====================

func shortID(id string) string {
	if len(id) <= 8 {
		return id
	}
	return id[:8]
}

func serializeVector(v []float32) []byte {
	result := make([]byte, len(v)*4)
	for i, f := range v {
		bits := math.Float32bits(f)
		result[i*4] = byte(bits)
		result[i*4+1] = byte(bits >> 8)
		result[i*4+2] = byte(bits >> 16)
		result[i*4+3] = byte(bits >> 24)
	}
	return result
}

func deserializeVector(b []byte) []float32 {
	if len(b)%4 != 0 {
		return nil
	}
	result := make([]float32, len(b)/4)
	for i := 0; i < len(result); i++ {
		bits := uint32(b[i*4]) | uint32(b[i*4+1])<<8 |
			uint32(b[i*4+2])<<16 | uint32(b[i*4+3])<<24
		result[i] = math.Float32frombits(bits)
	}
	return result
}

func cosineSimilarity(a, b []float32) float32 {
	var dot, normA, normB float32
	for i := 0; i < len(a); i++ {
		dot += a[i] * b[i]
		normA += a[i] * a[i]
		normB += b[i] * b[i]
	}
	if normA == 0 || normB == 0 {
		return 0
	}
	return dot / float32(math.Sqrt(float64(normA*normB)))
}

func normalizeVector(v []float32) {
	var norm float32
	for _, x := range v {
		norm += x * x
	}
	if norm == 0 {
		return
	}
	norm = float32(math.Sqrt(float64(norm)))
	for i := range v {
		v[i] /= norm
	}
}
