// Memory gateway - failure-isolated façade over the store with recall
// caching and ordered background persistence
package memory

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"log"
	"strings"
	"sync"
	"time"
	"unicode/utf8"

	"github.com/gliderlab/parley/pkg/kv"
)

// ErrUnavailable marks memory failures the conversation must survive
var ErrUnavailable = errors.New("memory unavailable")

// GatewayConfig tunes recall and persistence
type GatewayConfig struct {
	TopK           int           // Items injected per turn
	MinScore       float32       // Similarity floor for recall
	RecentFallback int           // Recent items used when nothing scores
	CacheTTL       time.Duration // Recall cache lifetime
	QueueSize      int           // Persist queue capacity
}

func DefaultGatewayConfig() GatewayConfig {
	return GatewayConfig{
		TopK:           5,
		MinScore:       0.35,
		RecentFallback: 3,
		CacheTTL:       2 * time.Minute,
		QueueSize:      64,
	}
}

type persistJob struct {
	sessionID string
	text      string
	kind      string
}

// Gateway fronts the store. Every failure is wrapped in ErrUnavailable so
// callers can log and keep going.
type Gateway struct {
	store *Store
	cache *kv.KV
	cfg   GatewayConfig

	queue    chan persistJob
	wg       sync.WaitGroup
	closing  chan struct{}
	closeOne sync.Once
}

func NewGateway(store *Store, cache *kv.KV, cfg GatewayConfig) *Gateway {
	if cfg.TopK <= 0 {
		cfg.TopK = 5
	}
	if cfg.RecentFallback <= 0 {
		cfg.RecentFallback = 3
	}
	if cfg.CacheTTL <= 0 {
		cfg.CacheTTL = 2 * time.Minute
	}
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = 64
	}

	g := &Gateway{
		store:   store,
		cache:   cache,
		cfg:     cfg,
		queue:   make(chan persistJob, cfg.QueueSize),
		closing: make(chan struct{}),
	}
	g.wg.Add(1)
	go g.persistWorker()
	return g
}

// persistWorker drains the queue in arrival order. One worker keeps writes
// ordered per session. The queue channel is never closed; the worker exits
// through the closing signal after draining what was already queued.
func (g *Gateway) persistWorker() {
	defer g.wg.Done()
	for {
		select {
		case job := <-g.queue:
			g.persist(job)
		case <-g.closing:
			for {
				select {
				case job := <-g.queue:
					g.persist(job)
				default:
					return
				}
			}
		}
	}
}

func (g *Gateway) persist(job persistJob) {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	_, err := g.store.Add(ctx, job.sessionID, job.kind, job.text, 0.5)
	cancel()
	if err != nil {
		log.Printf("[WARN] memory persist failed: %v", err)
		return
	}
	if g.cache != nil {
		g.cache.InvalidateRecall(job.sessionID)
	}
}

// StoreHandle returns the underlying store, nil when memory is down
func (g *Gateway) StoreHandle() *Store {
	return g.store
}

// RetrieveContext returns a formatted memory block for the query, or ""
// when nothing relevant exists. Errors come back wrapped in ErrUnavailable.
func (g *Gateway) RetrieveContext(ctx context.Context, sessionID, query string) (string, error) {
	if g.store == nil {
		return "", fmt.Errorf("%w: no store", ErrUnavailable)
	}

	queryHash := hashQuery(query)
	if g.cache != nil {
		if block, err := g.cache.GetRecall(sessionID, queryHash); err == nil {
			return block, nil
		}
	}

	hits, err := g.store.Search(ctx, sessionID, query, g.cfg.TopK, g.cfg.MinScore)
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrUnavailable, err)
	}

	var block string
	if len(hits) > 0 {
		block = formatHits(hits)
	} else {
		// Nothing scored: fall back to the most recent items so the
		// model still sees fresh context
		recent, err := g.store.Recent(ctx, sessionID, g.cfg.RecentFallback)
		if err != nil {
			return "", fmt.Errorf("%w: %v", ErrUnavailable, err)
		}
		block = formatItems(recent)
	}

	if g.cache != nil {
		g.cache.SetRecall(sessionID, queryHash, block, g.cfg.CacheTTL)
	}
	return block, nil
}

// PersistTurn queues an episodic record of a completed exchange. Returns
// immediately; when the queue is full the record is dropped with a warning.
func (g *Gateway) PersistTurn(sessionID, userText, assistantText string) {
	if g.store == nil {
		log.Printf("[WARN] memory unavailable, turn not persisted")
		return
	}
	text := summarizeTurn(userText, assistantText)
	if text == "" {
		return
	}
	select {
	case <-g.closing:
		log.Printf("[WARN] memory gateway closing, turn dropped")
		return
	default:
	}
	// A Close racing this send is harmless: the queue channel stays open,
	// so the job is either drained on shutdown or left behind.
	select {
	case g.queue <- persistJob{sessionID: sessionID, text: text, kind: KindEpisodic}:
	default:
		log.Printf("[WARN] memory persist queue full, turn dropped")
	}
}

// Remember stores an explicit fact (semantic) and invalidates cached recall
func (g *Gateway) Remember(ctx context.Context, sessionID, text string) (string, error) {
	if g.store == nil {
		return "", fmt.Errorf("%w: no store", ErrUnavailable)
	}
	id, err := g.store.Add(ctx, sessionID, KindSemantic, text, 1.0)
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	if g.cache != nil {
		g.cache.InvalidateRecall(sessionID)
	}
	return id, nil
}

// Forget deletes one item by id
func (g *Gateway) Forget(ctx context.Context, sessionID, id string) (bool, error) {
	if g.store == nil {
		return false, fmt.Errorf("%w: no store", ErrUnavailable)
	}
	ok, err := g.store.Delete(ctx, id)
	if err != nil {
		return false, fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	if ok && g.cache != nil {
		g.cache.InvalidateRecall(sessionID)
	}
	return ok, nil
}

// ForgetAll wipes a session's memory and invalidates its recall cache
func (g *Gateway) ForgetAll(ctx context.Context, sessionID string) (int, error) {
	if g.store == nil {
		return 0, fmt.Errorf("%w: no store", ErrUnavailable)
	}
	n, err := g.store.DeleteAll(ctx, sessionID)
	if err != nil {
		return 0, fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	if g.cache != nil {
		g.cache.InvalidateRecall(sessionID)
	}
	return n, nil
}

// Recent lists the newest items for a session
func (g *Gateway) Recent(ctx context.Context, sessionID string, n int) ([]Item, error) {
	if g.store == nil {
		return nil, fmt.Errorf("%w: no store", ErrUnavailable)
	}
	items, err := g.store.Recent(ctx, sessionID, n)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	return items, nil
}

// Stats reports per-kind counts and the active embedder
func (g *Gateway) Stats(ctx context.Context, sessionID string) (map[string]int, string, error) {
	if g.store == nil {
		return nil, "", fmt.Errorf("%w: no store", ErrUnavailable)
	}
	counts, err := g.store.CountBySession(ctx, sessionID)
	if err != nil {
		return nil, "", fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	return counts, g.store.EmbedderName(), nil
}

// Close stops accepting work and drains pending writes, bounded to 10s
func (g *Gateway) Close() error {
	g.closeOne.Do(func() {
		close(g.closing)
	})

	done := make(chan struct{})
	go func() {
		g.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-time.After(10 * time.Second):
		return fmt.Errorf("memory gateway: drain timed out")
	}
}

func hashQuery(query string) string {
	sum := sha256.Sum256([]byte(strings.TrimSpace(strings.ToLower(query))))
	return hex.EncodeToString(sum[:8])
}

func formatHits(hits []SearchHit) string {
	var b strings.Builder
	for _, h := range hits {
		fmt.Fprintf(&b, "[%s] %s\n", h.Item.Kind, h.Item.Text)
	}
	return strings.TrimRight(b.String(), "\n")
}

func formatItems(items []Item) string {
	var b strings.Builder
	for _, item := range items {
		fmt.Fprintf(&b, "[%s] %s\n", item.Kind, item.Text)
	}
	return strings.TrimRight(b.String(), "\n")
}

func summarizeTurn(userText, assistantText string) string {
	userText = strings.TrimSpace(userText)
	assistantText = strings.TrimSpace(assistantText)
	if userText == "" && assistantText == "" {
		return ""
	}
	const clip = 400
	userText = clipText(userText, clip)
	assistantText = clipText(assistantText, clip)
	return fmt.Sprintf("User: %s\nAssistant: %s", userText, assistantText)
}

// clipText shortens s to at most n bytes, backing up so a multi-byte
// rune is never split
func clipText(s string, n int) string {
	if len(s) <= n {
		return s
	}
	for n > 0 && !utf8.RuneStart(s[n]) {
		n--
	}
	return s[:n] + "…"
}
