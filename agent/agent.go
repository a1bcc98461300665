// Agent module - turn orchestration over LLM providers, storage, memory and tools
package agent

import (
	"context"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/gliderlab/parley/memory"
	"github.com/gliderlab/parley/pkg/config"
	"github.com/gliderlab/parley/pkg/kv"
	"github.com/gliderlab/parley/pkg/llm"
	"github.com/gliderlab/parley/storage"
	"github.com/gliderlab/parley/tools"
)

// Agent orchestrates conversation turns for any number of sessions
type Agent struct {
	mu       sync.RWMutex
	cfg      *config.Config
	provider llm.Provider
	store    *storage.Storage
	mem      *memory.Gateway
	registry *tools.Registry
	kv       *kv.KV

	// One active turn per session
	turnsMu sync.Mutex
	turns   map[string]context.CancelFunc

	// Injected dependencies (optional)
	timeProvider TimeProvider
	idGenerator  IDGenerator
	logger       Logger
}

// TimeProvider interface for dependency injection
type TimeProvider interface {
	Now() time.Time
	Sleep(duration time.Duration)
}

// IDGenerator interface for dependency injection
type IDGenerator interface {
	New() string
}

// Logger interface for dependency injection
type Logger interface {
	Print(v ...interface{})
	Printf(format string, v ...interface{})
}

// Default implementations
type defaultTimeProvider struct{}

func (d *defaultTimeProvider) Now() time.Time { return time.Now() }
func (d *defaultTimeProvider) Sleep(duration time.Duration) {
	time.Sleep(duration)
}

type defaultIDGenerator struct{}

func (d *defaultIDGenerator) New() string { return uuid.NewString() }

type defaultLogger struct{}

func (d *defaultLogger) Print(v ...interface{})                 { log.Print(v...) }
func (d *defaultLogger) Printf(format string, v ...interface{}) { log.Printf(format, v...) }

// Options groups the agent's collaborators
type Options struct {
	Config   *config.Config
	Provider llm.Provider
	Storage  *storage.Storage
	Memory   *memory.Gateway
	Registry *tools.Registry
	KV       *kv.KV
}

// New creates an Agent. Only Config is mandatory; everything else
// degrades gracefully when absent.
func New(opt Options) *Agent {
	cfg := opt.Config
	if cfg == nil {
		cfg = config.Default()
	}

	a := &Agent{
		cfg:          cfg,
		provider:     opt.Provider,
		store:        opt.Storage,
		mem:          opt.Memory,
		registry:     opt.Registry,
		kv:           opt.KV,
		turns:        make(map[string]context.CancelFunc),
		timeProvider: &defaultTimeProvider{},
		idGenerator:  &defaultIDGenerator{},
		logger:       &defaultLogger{},
	}

	if a.registry == nil {
		a.registry = tools.NewRegistry()
	}
	if cfg.ToolTimeout > 0 {
		a.registry.SetTimeout(cfg.ToolTimeout)
	}

	if a.provider == nil && cfg.Provider != "" {
		if p, err := llm.GetProvider(llm.ProviderType(cfg.Provider)); err == nil {
			a.provider = p
		} else {
			log.Printf("[WARN] provider %q not registered: %v", cfg.Provider, err)
		}
	}

	return a
}

// WithTimeProvider sets a custom time provider
func (a *Agent) WithTimeProvider(tp TimeProvider) *Agent {
	a.timeProvider = tp
	return a
}

// WithIDGenerator sets a custom ID generator
func (a *Agent) WithIDGenerator(gen IDGenerator) *Agent {
	a.idGenerator = gen
	return a
}

// WithLogger sets a custom logger
func (a *Agent) WithLogger(logger Logger) *Agent {
	a.logger = logger
	return a
}

// WithProvider swaps the LLM provider
func (a *Agent) WithProvider(p llm.Provider) *Agent {
	a.mu.Lock()
	a.provider = p
	a.mu.Unlock()
	return a
}

// Store returns the transcript storage
func (a *Agent) Store() *storage.Storage {
	return a.store
}

// Registry returns the tool registry
func (a *Agent) Registry() *tools.Registry {
	return a.registry
}

// Memory returns the memory gateway
func (a *Agent) Memory() *memory.Gateway {
	return a.mem
}

// Config returns the active configuration
func (a *Agent) Config() *config.Config {
	return a.cfg
}

func (a *Agent) activeProvider() llm.Provider {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return a.provider
}

// beginTurn reserves the session's turn slot. The returned context is
// cancelled either by the parent or by Cancel(sessionID).
func (a *Agent) beginTurn(ctx context.Context, sessionID string) (context.Context, func(), error) {
	a.turnsMu.Lock()
	defer a.turnsMu.Unlock()

	if _, busy := a.turns[sessionID]; busy {
		return nil, nil, fmt.Errorf("%w: session %s", ErrTurnInProgress, sessionID)
	}

	turnCtx, cancel := context.WithCancel(ctx)
	a.turns[sessionID] = cancel

	release := func() {
		a.turnsMu.Lock()
		delete(a.turns, sessionID)
		a.turnsMu.Unlock()
		cancel()
	}
	return turnCtx, release, nil
}

// Cancel aborts the session's active turn, if any. The transcript is left
// as it was before the turn started.
func (a *Agent) Cancel(sessionID string) bool {
	a.turnsMu.Lock()
	cancel, ok := a.turns[sessionID]
	a.turnsMu.Unlock()
	if ok {
		cancel()
	}
	return ok
}

// Busy reports whether the session has an active turn
func (a *Agent) Busy(sessionID string) bool {
	a.turnsMu.Lock()
	defer a.turnsMu.Unlock()
	_, ok := a.turns[sessionID]
	return ok
}

// Close shuts down the agent's collaborators
func (a *Agent) Close() {
	a.turnsMu.Lock()
	for _, cancel := range a.turns {
		cancel()
	}
	a.turnsMu.Unlock()

	if a.mem != nil {
		if err := a.mem.Close(); err != nil {
			log.Printf("[WARN] memory close: %v", err)
		}
	}
}
