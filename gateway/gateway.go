// Gateway module - HTTP server
// Exposes the agent over REST and WebSocket

package gateway

import (
	"compress/gzip"
	"context"
	"crypto/subtle"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"net"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/gliderlab/parley/agent"
	"github.com/gliderlab/parley/pkg/config"
)

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		log.Printf("[WARN] response encode: %v", err)
	}
}

func writeError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, map[string]string{"error": message})
}

// Gateway serves the agent over HTTP
type Gateway struct {
	cfg   config.ServerConfig
	agent *agent.Agent

	server *http.Server

	mu          sync.Mutex
	wsConnCount int32
	wsIPConns   map[string]int32
	maxWSConns  int32

	limiter *ipLimiter
}

// New creates a Gateway for the given agent
func New(cfg config.ServerConfig, a *agent.Agent) *Gateway {
	return &Gateway{
		cfg:        cfg,
		agent:      a,
		wsIPConns:  make(map[string]int32),
		maxWSConns: 100,
		limiter:    newIPLimiter(60, time.Minute),
	}
}

// validateToken checks the request's auth token in constant time. An empty
// configured token means auth is disabled.
func (g *Gateway) validateToken(r *http.Request) bool {
	token := strings.TrimSpace(g.cfg.AuthToken)
	if token == "" {
		return true
	}

	header := strings.TrimSpace(r.Header.Get("Authorization"))
	if len(header) >= 7 && strings.EqualFold(header[:7], "Bearer ") {
		candidate := strings.TrimSpace(header[7:])
		if len(candidate) == len(token) && subtle.ConstantTimeCompare([]byte(candidate), []byte(token)) == 1 {
			return true
		}
	}

	headerToken := strings.TrimSpace(r.Header.Get("X-Parley-Token"))
	if len(headerToken) == len(token) && subtle.ConstantTimeCompare([]byte(headerToken), []byte(token)) == 1 {
		return true
	}

	// Query fallback for WebSocket clients that cannot set headers
	queryToken := strings.TrimSpace(r.URL.Query().Get("token"))
	if len(queryToken) == len(token) && subtle.ConstantTimeCompare([]byte(queryToken), []byte(token)) == 1 {
		return true
	}

	return false
}

func (g *Gateway) requireAuth(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if !g.validateToken(r) {
			writeError(w, http.StatusUnauthorized, "unauthorized: invalid token")
			return
		}
		next(w, r)
	}
}

// ipLimiter is a fixed-window request counter per client IP
type ipLimiter struct {
	mu     sync.Mutex
	counts map[string]int
	window time.Time
	max    int
	period time.Duration
}

func newIPLimiter(max int, period time.Duration) *ipLimiter {
	return &ipLimiter{
		counts: make(map[string]int),
		window: time.Now(),
		max:    max,
		period: period,
	}
}

func (l *ipLimiter) allow(ip string) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	now := time.Now()
	if now.Sub(l.window) > l.period {
		l.counts = make(map[string]int)
		l.window = now
	}
	l.counts[ip]++
	return l.counts[ip] <= l.max
}

func (g *Gateway) rateLimit(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if !g.limiter.allow(getClientIP(r)) {
			w.Header().Set("Retry-After", "60")
			writeError(w, http.StatusTooManyRequests, "rate limit exceeded")
			return
		}
		next(w, r)
	}
}

func (g *Gateway) addCORS(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", "*")
		w.Header().Set("Access-Control-Allow-Methods", "GET, POST, DELETE, OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "Content-Type, Authorization, X-Parley-Token")

		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusOK)
			return
		}
		next.ServeHTTP(w, r)
	})
}

type gzipResponseWriter struct {
	http.ResponseWriter
	gw *gzip.Writer
}

func (gr *gzipResponseWriter) Write(p []byte) (int, error) {
	if gr.gw == nil {
		return gr.ResponseWriter.Write(p)
	}
	return gr.gw.Write(p)
}

type gzipHandler struct {
	h http.Handler
}

func (gh *gzipHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	// Upgrades need the raw ResponseWriter (Hijacker)
	if r.Header.Get("Upgrade") != "" ||
		!strings.Contains(r.Header.Get("Accept-Encoding"), "gzip") {
		gh.h.ServeHTTP(w, r)
		return
	}
	gw := gzip.NewWriter(w)
	defer gw.Close()
	w.Header().Set("Content-Encoding", "gzip")
	w.Header().Add("Vary", "Accept-Encoding")
	gh.h.ServeHTTP(&gzipResponseWriter{ResponseWriter: w, gw: gw}, r)
}

// Handler builds the route table. Exposed for tests.
func (g *Gateway) Handler() http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("/healthz", g.handleHealth)

	requireAuth := g.requireAuth
	rateLimit := g.rateLimit

	mux.HandleFunc("/v1/chat", rateLimit(requireAuth(g.handleChat)))
	mux.HandleFunc("/v1/chat/cancel", requireAuth(g.handleCancel))
	mux.HandleFunc("/v1/chat/stream", g.HandleWebSocket)

	mux.HandleFunc("/v1/sessions", requireAuth(g.handleSessions))
	mux.HandleFunc("/v1/messages", requireAuth(g.handleMessages))

	mux.HandleFunc("/v1/memory/search", requireAuth(g.handleMemorySearch))
	mux.HandleFunc("/v1/memory/store", requireAuth(g.handleMemoryStore))
	mux.HandleFunc("/v1/memory/forget", requireAuth(g.handleMemoryForget))

	return g.addCORS(&gzipHandler{h: mux})
}

// Start runs the HTTP server until Stop is called
func (g *Gateway) Start() error {
	addr := net.JoinHostPort(g.cfg.Host, strconv.Itoa(g.cfg.Port))
	g.server = &http.Server{
		Addr:         addr,
		Handler:      g.Handler(),
		ReadTimeout:  g.cfg.ReadTimeout,
		WriteTimeout: g.cfg.WriteTimeout,
		IdleTimeout:  g.cfg.IdleTimeout,
	}
	log.Printf("Gateway listening on %s", addr)
	err := g.server.ListenAndServe()
	if errors.Is(err, http.ErrServerClosed) {
		return nil
	}
	return err
}

// Stop shuts the server down gracefully
func (g *Gateway) Stop() {
	if g.server == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	if err := g.server.Shutdown(ctx); err != nil {
		log.Printf("Gateway graceful shutdown failed: %v", err)
		g.server.Close()
	}
}

func (g *Gateway) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"status":   "ok",
		"provider": g.agent.Config().Provider,
		"model":    g.agent.Config().Model,
	})
}

// ChatRequest is the POST /v1/chat body
type ChatRequest struct {
	SessionID string `json:"session_id"`
	Message   string `json:"message"`
}

// ChatResponse is the POST /v1/chat reply
type ChatResponse struct {
	SessionID string `json:"session_id"`
	Content   string `json:"content"`
	Rounds    int    `json:"rounds"`
	ToolCalls int    `json:"tool_calls"`
	Degraded  bool   `json:"degraded,omitempty"`
	Command   bool   `json:"command,omitempty"`
}

func (g *Gateway) handleChat(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		writeError(w, http.StatusMethodNotAllowed, "POST required")
		return
	}

	var req ChatRequest
	body := http.MaxBytesReader(w, r.Body, g.maxBodyBytes())
	if err := json.NewDecoder(body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body: "+err.Error())
		return
	}
	if strings.TrimSpace(req.Message) == "" {
		writeError(w, http.StatusBadRequest, "message is required")
		return
	}
	if req.SessionID == "" {
		req.SessionID = "default"
	}

	res, err := g.agent.RunTurn(r.Context(), req.SessionID, req.Message)
	if err != nil && !errors.Is(err, agent.ErrToolLoopExceeded) {
		switch {
		case errors.Is(err, agent.ErrTurnInProgress):
			writeError(w, http.StatusConflict, err.Error())
		case errors.Is(err, agent.ErrTurnCancelled):
			writeError(w, http.StatusRequestTimeout, err.Error())
		case errors.Is(err, agent.ErrNoProvider):
			writeError(w, http.StatusServiceUnavailable, err.Error())
		default:
			writeError(w, http.StatusBadGateway, err.Error())
		}
		return
	}

	writeJSON(w, http.StatusOK, ChatResponse{
		SessionID: req.SessionID,
		Content:   res.Content,
		Rounds:    res.Rounds,
		ToolCalls: res.ToolCalls,
		Degraded:  res.Degraded,
		Command:   res.Command,
	})
}

func (g *Gateway) handleCancel(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		writeError(w, http.StatusMethodNotAllowed, "POST required")
		return
	}
	var req struct {
		SessionID string `json:"session_id"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if req.SessionID == "" {
		req.SessionID = "default"
	}
	cancelled := g.agent.Cancel(req.SessionID)
	writeJSON(w, http.StatusOK, map[string]interface{}{"cancelled": cancelled})
}

func (g *Gateway) handleSessions(w http.ResponseWriter, r *http.Request) {
	store := g.agent.Store()
	if store == nil {
		writeError(w, http.StatusServiceUnavailable, "storage not available")
		return
	}
	sessions, err := store.ListSessions()
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	if sessions == nil {
		sessions = []string{}
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"sessions": sessions})
}

func (g *Gateway) handleMessages(w http.ResponseWriter, r *http.Request) {
	store := g.agent.Store()
	if store == nil {
		writeError(w, http.StatusServiceUnavailable, "storage not available")
		return
	}
	sessionID := r.URL.Query().Get("session_id")
	if sessionID == "" {
		writeError(w, http.StatusBadRequest, "session_id is required")
		return
	}
	limit := 100
	if v := r.URL.Query().Get("limit"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			limit = n
		}
	}
	msgs, err := store.GetMessages(sessionID, limit)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"session_id": sessionID, "messages": msgs})
}

func (g *Gateway) handleMemorySearch(w http.ResponseWriter, r *http.Request) {
	mem := g.agent.Memory()
	if mem == nil {
		writeError(w, http.StatusServiceUnavailable, "memory not available")
		return
	}
	if r.Method != http.MethodPost {
		writeError(w, http.StatusMethodNotAllowed, "POST required")
		return
	}
	var req struct {
		SessionID string `json:"session_id"`
		Query     string `json:"query"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if strings.TrimSpace(req.Query) == "" {
		writeError(w, http.StatusBadRequest, "query is required")
		return
	}
	block, err := mem.RetrieveContext(r.Context(), req.SessionID, req.Query)
	if err != nil {
		writeError(w, http.StatusServiceUnavailable, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"context": block})
}

func (g *Gateway) handleMemoryStore(w http.ResponseWriter, r *http.Request) {
	mem := g.agent.Memory()
	if mem == nil {
		writeError(w, http.StatusServiceUnavailable, "memory not available")
		return
	}
	if r.Method != http.MethodPost {
		writeError(w, http.StatusMethodNotAllowed, "POST required")
		return
	}
	var req struct {
		SessionID string `json:"session_id"`
		Text      string `json:"text"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	id, err := mem.Remember(r.Context(), req.SessionID, req.Text)
	if err != nil {
		writeError(w, http.StatusServiceUnavailable, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"id": id})
}

func (g *Gateway) handleMemoryForget(w http.ResponseWriter, r *http.Request) {
	mem := g.agent.Memory()
	if mem == nil {
		writeError(w, http.StatusServiceUnavailable, "memory not available")
		return
	}
	if r.Method != http.MethodPost {
		writeError(w, http.StatusMethodNotAllowed, "POST required")
		return
	}
	var req struct {
		SessionID string `json:"session_id"`
		ID        string `json:"id"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	ok, err := mem.Forget(r.Context(), req.SessionID, req.ID)
	if err != nil {
		writeError(w, http.StatusServiceUnavailable, err.Error())
		return
	}
	if !ok {
		writeError(w, http.StatusNotFound, fmt.Sprintf("no memory %q", req.ID))
		return
	}
	writeJSON(w, http.StatusOK, map[string]bool{"forgotten": true})
}

func (g *Gateway) maxBodyBytes() int64 {
	if g.cfg.MaxBodyBytes > 0 {
		return g.cfg.MaxBodyBytes
	}
	return 2 * 1024 * 1024
}
