package gateway

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/coder/websocket"

	"github.com/gliderlab/parley/agent"
	"github.com/gliderlab/parley/pkg/config"
	"github.com/gliderlab/parley/pkg/llm"
	"github.com/gliderlab/parley/storage"
)

// scriptProvider replays canned assistant replies
type scriptProvider struct {
	mu      sync.Mutex
	replies []string
	block   chan struct{}
}

func (s *scriptProvider) Name() string           { return "script" }
func (s *scriptProvider) Type() llm.ProviderType { return "script" }
func (s *scriptProvider) GetConfig() llm.Config  { return llm.Config{} }

func (s *scriptProvider) next() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.replies) == 0 {
		return "out of script"
	}
	r := s.replies[0]
	s.replies = s.replies[1:]
	return r
}

func (s *scriptProvider) Chat(ctx context.Context, req *llm.ChatRequest) (*llm.ChatResponse, error) {
	if s.block != nil {
		select {
		case <-s.block:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	return &llm.ChatResponse{Choices: []llm.Choice{{
		Message: llm.Message{Role: "assistant", Content: s.next()},
	}}}, nil
}

func (s *scriptProvider) ChatStream(ctx context.Context, req *llm.ChatRequest, fn func(*llm.StreamChunk) error) error {
	content := s.next()
	for _, part := range []string{content[:len(content)/2], content[len(content)/2:]} {
		if part == "" {
			continue
		}
		if err := fn(&llm.StreamChunk{Choices: []llm.StreamChoice{{Delta: llm.StreamDelta{Content: part}}}}); err != nil {
			return err
		}
	}
	return fn(&llm.StreamChunk{Choices: []llm.StreamChoice{{FinishReason: "stop"}}})
}

func newTestGateway(t *testing.T, p llm.Provider, token string) (*Gateway, *storage.Storage) {
	t.Helper()
	store, err := storage.New(filepath.Join(t.TempDir(), "parley.db"))
	if err != nil {
		t.Fatalf("storage: %v", err)
	}
	t.Cleanup(func() { store.Close() })

	cfg := config.Default()
	cfg.Memory.Enabled = false
	cfg.Server.AuthToken = token
	a := agent.New(agent.Options{Config: cfg, Provider: p, Storage: store})
	return New(cfg.Server, a), store
}

func postJSON(t *testing.T, ts *httptest.Server, path, token string, body interface{}) *http.Response {
	t.Helper()
	data, err := json.Marshal(body)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	req, err := http.NewRequest(http.MethodPost, ts.URL+path, bytes.NewReader(data))
	if err != nil {
		t.Fatalf("request: %v", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	resp, err := ts.Client().Do(req)
	if err != nil {
		t.Fatalf("do: %v", err)
	}
	return resp
}

func decodeBody(t *testing.T, resp *http.Response, v interface{}) {
	t.Helper()
	defer resp.Body.Close()
	if err := json.NewDecoder(resp.Body).Decode(v); err != nil {
		t.Fatalf("decode: %v", err)
	}
}

func TestHealthz(t *testing.T) {
	g, _ := newTestGateway(t, &scriptProvider{}, "")
	ts := httptest.NewServer(g.Handler())
	defer ts.Close()

	resp, err := ts.Client().Get(ts.URL + "/healthz")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d", resp.StatusCode)
	}
	var body map[string]interface{}
	decodeBody(t, resp, &body)
	if body["status"] != "ok" {
		t.Errorf("body = %v", body)
	}
}

func TestChatEndpoint(t *testing.T) {
	g, store := newTestGateway(t, &scriptProvider{replies: []string{"hi from the model"}}, "")
	ts := httptest.NewServer(g.Handler())
	defer ts.Close()

	resp := postJSON(t, ts, "/v1/chat", "", ChatRequest{SessionID: "web", Message: "hello"})
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d", resp.StatusCode)
	}
	var body ChatResponse
	decodeBody(t, resp, &body)
	if body.Content != "hi from the model" {
		t.Errorf("content = %q", body.Content)
	}
	if body.SessionID != "web" {
		t.Errorf("session = %q", body.SessionID)
	}

	msgs, _ := store.GetMessages("web", 0)
	if len(msgs) != 2 {
		t.Errorf("stored messages = %d", len(msgs))
	}
}

func TestChatValidation(t *testing.T) {
	g, _ := newTestGateway(t, &scriptProvider{}, "")
	ts := httptest.NewServer(g.Handler())
	defer ts.Close()

	resp := postJSON(t, ts, "/v1/chat", "", ChatRequest{SessionID: "s1"})
	if resp.StatusCode != http.StatusBadRequest {
		t.Errorf("empty message: status = %d", resp.StatusCode)
	}
	resp.Body.Close()

	getResp, err := ts.Client().Get(ts.URL + "/v1/chat")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if getResp.StatusCode != http.StatusMethodNotAllowed {
		t.Errorf("GET: status = %d", getResp.StatusCode)
	}
	getResp.Body.Close()
}

func TestAuthToken(t *testing.T) {
	g, _ := newTestGateway(t, &scriptProvider{replies: []string{"a", "b", "c"}}, "sekrit")
	ts := httptest.NewServer(g.Handler())
	defer ts.Close()

	resp := postJSON(t, ts, "/v1/chat", "", ChatRequest{SessionID: "s1", Message: "hi"})
	if resp.StatusCode != http.StatusUnauthorized {
		t.Errorf("no token: status = %d", resp.StatusCode)
	}
	resp.Body.Close()

	resp = postJSON(t, ts, "/v1/chat", "wrong", ChatRequest{SessionID: "s1", Message: "hi"})
	if resp.StatusCode != http.StatusUnauthorized {
		t.Errorf("bad token: status = %d", resp.StatusCode)
	}
	resp.Body.Close()

	resp = postJSON(t, ts, "/v1/chat", "sekrit", ChatRequest{SessionID: "s1", Message: "hi"})
	if resp.StatusCode != http.StatusOK {
		t.Errorf("bearer token: status = %d", resp.StatusCode)
	}
	resp.Body.Close()

	// header variant
	req, _ := http.NewRequest(http.MethodPost, ts.URL+"/v1/chat",
		strings.NewReader(`{"session_id":"s1","message":"hi"}`))
	req.Header.Set("X-Parley-Token", "sekrit")
	hResp, err := ts.Client().Do(req)
	if err != nil {
		t.Fatalf("do: %v", err)
	}
	if hResp.StatusCode != http.StatusOK {
		t.Errorf("header token: status = %d", hResp.StatusCode)
	}
	hResp.Body.Close()
}

func TestChatConflictWhenBusy(t *testing.T) {
	p := &scriptProvider{block: make(chan struct{}), replies: []string{"slow"}}
	g, _ := newTestGateway(t, p, "")
	ts := httptest.NewServer(g.Handler())
	defer ts.Close()

	started := make(chan struct{})
	go func() {
		close(started)
		resp := postJSON(t, ts, "/v1/chat", "", ChatRequest{SessionID: "s1", Message: "long"})
		resp.Body.Close()
	}()
	<-started
	time.Sleep(50 * time.Millisecond)

	resp := postJSON(t, ts, "/v1/chat", "", ChatRequest{SessionID: "s1", Message: "again"})
	if resp.StatusCode != http.StatusConflict {
		t.Errorf("status = %d, want 409", resp.StatusCode)
	}
	resp.Body.Close()

	close(p.block)
}

func TestSessionsAndMessages(t *testing.T) {
	g, store := newTestGateway(t, &scriptProvider{}, "")
	ts := httptest.NewServer(g.Handler())
	defer ts.Close()

	for _, m := range []storage.Message{
		{SessionID: "alpha", Role: "user", Content: "q"},
		{SessionID: "alpha", Role: "assistant", Content: "a"},
	} {
		if _, err := store.AddMessage(m); err != nil {
			t.Fatalf("seed: %v", err)
		}
	}
	if err := store.TouchSession(storage.SessionMeta{SessionID: "alpha"}); err != nil {
		t.Fatalf("touch: %v", err)
	}

	resp, err := ts.Client().Get(ts.URL + "/v1/sessions")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	var sessions struct {
		Sessions []string `json:"sessions"`
	}
	decodeBody(t, resp, &sessions)
	if len(sessions.Sessions) != 1 || sessions.Sessions[0] != "alpha" {
		t.Errorf("sessions = %v", sessions.Sessions)
	}

	resp, err = ts.Client().Get(ts.URL + "/v1/messages?session_id=alpha")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	var msgs struct {
		Messages []storage.Message `json:"messages"`
	}
	decodeBody(t, resp, &msgs)
	if len(msgs.Messages) != 2 {
		t.Errorf("messages = %d", len(msgs.Messages))
	}

	resp, err = ts.Client().Get(ts.URL + "/v1/messages")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if resp.StatusCode != http.StatusBadRequest {
		t.Errorf("missing session_id: status = %d", resp.StatusCode)
	}
	resp.Body.Close()
}

func TestWebSocketChat(t *testing.T) {
	g, _ := newTestGateway(t, &scriptProvider{replies: []string{"streamed reply"}}, "")
	ts := httptest.NewServer(g.Handler())
	defer ts.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	wsURL := "ws" + strings.TrimPrefix(ts.URL, "http") + "/v1/chat/stream"
	conn, _, err := websocket.Dial(ctx, wsURL, nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer conn.Close(websocket.StatusNormalClosure, "")

	chat, _ := json.Marshal(WSChatRequest{SessionID: "ws1", Message: "stream please"})
	frame, _ := json.Marshal(WSMessage{Type: MsgTypeChat, Content: chat})
	if err := conn.Write(ctx, websocket.MessageText, frame); err != nil {
		t.Fatalf("write: %v", err)
	}

	var text strings.Builder
	for {
		_, data, err := conn.Read(ctx)
		if err != nil {
			t.Fatalf("read: %v", err)
		}
		var msg WSMessage
		if err := json.Unmarshal(data, &msg); err != nil {
			t.Fatalf("unmarshal: %v", err)
		}
		switch msg.Type {
		case MsgTypeChunk:
			var chunk WSChunk
			json.Unmarshal(msg.Content, &chunk)
			text.WriteString(chunk.Text)
		case MsgTypeDone:
			var done WSDone
			json.Unmarshal(msg.Content, &done)
			if done.Content != "streamed reply" {
				t.Errorf("done content = %q", done.Content)
			}
			if text.String() != "streamed reply" {
				t.Errorf("streamed text = %q", text.String())
			}
			return
		case MsgTypeError:
			t.Fatalf("error frame: %s", msg.Content)
		case MsgTypePing, MsgTypePong:
			// ignore
		}
	}
}

func TestWebSocketAuth(t *testing.T) {
	g, _ := newTestGateway(t, &scriptProvider{}, "sekrit")
	ts := httptest.NewServer(g.Handler())
	defer ts.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	wsURL := "ws" + strings.TrimPrefix(ts.URL, "http") + "/v1/chat/stream"
	if _, _, err := websocket.Dial(ctx, wsURL, nil); err == nil {
		t.Error("dial without token should fail")
	}

	conn, _, err := websocket.Dial(ctx, wsURL+"?token=sekrit", nil)
	if err != nil {
		t.Fatalf("dial with token: %v", err)
	}
	conn.Close(websocket.StatusNormalClosure, "")
}

func TestRateLimit(t *testing.T) {
	l := newIPLimiter(3, time.Minute)
	for i := 0; i < 3; i++ {
		if !l.allow("1.2.3.4") {
			t.Fatalf("call %d should be allowed", i+1)
		}
	}
	if l.allow("1.2.3.4") {
		t.Error("4th call should be limited")
	}
	if !l.allow("5.6.7.8") {
		t.Error("other IPs are not limited")
	}
}
