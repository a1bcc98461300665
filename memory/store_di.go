package memory

import (
	"github.com/gliderlab/parley/pkg/config"
	"github.com/gliderlab/parley/pkg/kv"
)

// NewStoreWithConfig creates a store using injected config
func NewStoreWithConfig(dbPath string, cfg config.MemoryConfig) (*Store, error) {
	memCfg := Config{
		Provider:        cfg.EmbeddingProvider,
		EmbeddingModel:  cfg.EmbeddingModel,
		EmbeddingServer: cfg.EmbeddingBaseURL,
		TopK:            cfg.TopK,
		MinScore:        float32(cfg.MinScore),
	}
	return NewStore(dbPath, memCfg)
}

// NewGatewayWithConfig wires a gateway from injected config
func NewGatewayWithConfig(store *Store, cache *kv.KV, cfg config.MemoryConfig) *Gateway {
	gc := DefaultGatewayConfig()
	if cfg.TopK > 0 {
		gc.TopK = cfg.TopK
	}
	if cfg.MinScore > 0 {
		gc.MinScore = float32(cfg.MinScore)
	}
	if cfg.RecentFallback > 0 {
		gc.RecentFallback = cfg.RecentFallback
	}
	if cfg.CacheTTL > 0 {
		gc.CacheTTL = cfg.CacheTTL
	}
	return NewGateway(store, cache, gc)
}
