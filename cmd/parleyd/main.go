// parleyd - the conversational agent daemon
package main

import (
	"flag"
	"log"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	"github.com/gliderlab/parley/agent"
	"github.com/gliderlab/parley/gateway"
	"github.com/gliderlab/parley/memory"
	"github.com/gliderlab/parley/pkg/config"
	"github.com/gliderlab/parley/pkg/kv"
	"github.com/gliderlab/parley/pkg/llm"
	"github.com/gliderlab/parley/pkg/llm/factory"
	"github.com/gliderlab/parley/storage"
	"github.com/gliderlab/parley/tools"
)

func main() {
	configPath := flag.String("config", config.DefaultConfigPath(), "path to config file")
	host := flag.String("host", "", "bind host (overrides config)")
	port := flag.Int("port", 0, "bind port (overrides config)")
	flag.Parse()

	log.Println("Starting parleyd...")

	cfg, err := config.Load(*configPath)
	if err != nil {
		log.Fatalf("config: %v", err)
	}
	if *host != "" {
		cfg.Server.Host = *host
	}
	if *port > 0 {
		cfg.Server.Port = *port
	}

	for _, dir := range []string{cfg.DataDir, cfg.WorkspaceDir, filepath.Join(cfg.DataDir, "cache")} {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			log.Fatalf("mkdir %s: %v", dir, err)
		}
	}

	// Transcript storage
	store, err := storage.New(filepath.Join(cfg.DataDir, "parley.db"))
	if err != nil {
		log.Fatalf("storage: %v", err)
	}
	defer store.Close()

	// Recall / token cache
	cache, err := kv.Open(kv.DefaultOptions(filepath.Join(cfg.DataDir, "cache")))
	if err != nil {
		log.Printf("[WARN] cache unavailable: %v", err)
		cache = nil
	} else {
		defer cache.Close()
	}

	// Memory
	var mem *memory.Gateway
	if cfg.Memory.Enabled {
		memStore, err := memory.NewStoreWithConfig(filepath.Join(cfg.DataDir, "memory.db"), cfg.Memory)
		if err != nil {
			log.Printf("[WARN] memory disabled: %v", err)
		} else {
			defer memStore.Close()
			mem = memory.NewGatewayWithConfig(memStore, cache, cfg.Memory)
		}
	}

	// LLM providers
	if err := factory.InitProviders(); err != nil {
		log.Fatalf("providers: %v", err)
	}
	provider, err := llm.GetProvider(llm.ProviderType(cfg.Provider))
	if err != nil {
		provider, err = factory.GetDefaultProvider()
		if err != nil {
			log.Fatalf("no usable provider: %v", err)
		}
		log.Printf("[WARN] provider %q unavailable, using %s", cfg.Provider, provider.Name())
		cfg.Provider = string(provider.Type())
	}

	// Tools
	registry := tools.NewRegistry()
	registry.SetTimeout(cfg.ToolTimeout)
	toolset := []tools.Tool{
		&tools.ExecTool{},
		&tools.ReadTool{},
		&tools.WriteTool{},
		&tools.WebFetchTool{},
		&tools.WebSearchTool{},
		tools.NewShellTool(),
	}
	for _, t := range toolset {
		if err := registry.Register(t); err != nil {
			log.Fatalf("register tool %s: %v", t.Name(), err)
		}
	}
	if mem != nil {
		memStore := mem.StoreHandle()
		for _, t := range []tools.Tool{
			&tools.MemoryTool{Store: memStore},
			&tools.MemoryGetTool{Store: memStore},
			&tools.MemoryStoreTool{Store: memStore},
		} {
			if err := registry.Register(t); err != nil {
				log.Fatalf("register tool %s: %v", t.Name(), err)
			}
		}
	}

	// Agent + gateway
	a := agent.New(agent.Options{
		Config:   cfg,
		Provider: provider,
		Storage:  store,
		Memory:   mem,
		Registry: registry,
		KV:       cache,
	})
	defer a.Close()

	srv := gateway.New(cfg.Server, a)
	errc := make(chan error, 1)
	go func() { errc <- srv.Start() }()

	sig := make(chan os.Signal, 1)
	signal.Notify(sig, syscall.SIGINT, syscall.SIGTERM)

	select {
	case err := <-errc:
		if err != nil {
			log.Fatalf("gateway: %v", err)
		}
	case s := <-sig:
		log.Printf("Received %s, shutting down...", s)
		srv.Stop()
	}
}
