// WebSocket handler for streamed turns

package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"log"
	"net"
	"net/http"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/coder/websocket"

	"github.com/gliderlab/parley/agent"
)

// WebSocket message types
const (
	MsgTypeChat   = "chat"
	MsgTypeChunk  = "chunk"
	MsgTypeTool   = "tool"
	MsgTypeDone   = "done"
	MsgTypeError  = "error"
	MsgTypeCancel = "cancel"
	MsgTypePing   = "ping"
	MsgTypePong   = "pong"
)

// WSMessage is the envelope for every frame in both directions
type WSMessage struct {
	Type    string          `json:"type"`
	Content json.RawMessage `json:"content,omitempty"`
}

// WSChatRequest starts a turn over the socket
type WSChatRequest struct {
	SessionID string `json:"session_id"`
	Message   string `json:"message"`
}

// WSChunk is one streamed piece of turn output
type WSChunk struct {
	SessionID string `json:"session_id"`
	Text      string `json:"text,omitempty"`
	Tool      string `json:"tool,omitempty"`
	ToolID    string `json:"tool_id,omitempty"`
	Result    string `json:"result,omitempty"`
}

// WSDone closes a turn
type WSDone struct {
	SessionID string `json:"session_id"`
	Content   string `json:"content"`
	Rounds    int    `json:"rounds"`
	ToolCalls int    `json:"tool_calls"`
	Degraded  bool   `json:"degraded,omitempty"`
	Error     string `json:"error,omitempty"`
}

// wsConn serializes writes; coder/websocket is not write-concurrent
type wsConn struct {
	conn *websocket.Conn
	mu   sync.Mutex
}

func (c *wsConn) send(msgType string, content interface{}) error {
	data, err := json.Marshal(content)
	if err != nil {
		return err
	}
	frame, err := json.Marshal(WSMessage{Type: msgType, Content: data})
	if err != nil {
		return err
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.conn.Write(ctx, websocket.MessageText, frame)
}

// HandleWebSocket upgrades the request and runs the chat message loop
func (g *Gateway) HandleWebSocket(w http.ResponseWriter, r *http.Request) {
	if !g.validateToken(r) {
		writeError(w, http.StatusUnauthorized, "unauthorized: invalid token")
		return
	}

	if atomic.AddInt32(&g.wsConnCount, 1) > g.maxWSConns {
		atomic.AddInt32(&g.wsConnCount, -1)
		writeError(w, http.StatusServiceUnavailable, "too many connections")
		return
	}

	ip := getClientIP(r)
	g.mu.Lock()
	g.wsIPConns[ip]++
	if g.wsIPConns[ip] > 10 {
		g.wsIPConns[ip]--
		g.mu.Unlock()
		atomic.AddInt32(&g.wsConnCount, -1)
		writeError(w, http.StatusServiceUnavailable, "too many connections from this IP")
		return
	}
	g.mu.Unlock()

	conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		CompressionMode: websocket.CompressionContextTakeover,
	})
	if err != nil {
		log.Printf("[WS] accept error: %v", err)
		g.releaseWSConn(ip)
		return
	}
	conn.SetReadLimit(1024 * 1024)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	defer g.releaseWSConn(ip)
	defer conn.Close(websocket.StatusNormalClosure, "")

	g.wsLoop(ctx, &wsConn{conn: conn})
}

func (g *Gateway) releaseWSConn(ip string) {
	atomic.AddInt32(&g.wsConnCount, -1)
	g.mu.Lock()
	g.wsIPConns[ip]--
	if g.wsIPConns[ip] <= 0 {
		delete(g.wsIPConns, ip)
	}
	g.mu.Unlock()
}

func (g *Gateway) wsLoop(ctx context.Context, c *wsConn) {
	// Periodic pings detect dead peers
	pingCtx, stopPing := context.WithCancel(ctx)
	defer stopPing()
	go func() {
		ticker := time.NewTicker(30 * time.Second)
		defer ticker.Stop()
		for {
			select {
			case <-pingCtx.Done():
				return
			case <-ticker.C:
				if err := c.send(MsgTypePing, nil); err != nil {
					log.Printf("[WS] ping failed: %v", err)
					c.conn.Close(websocket.StatusNormalClosure, "")
					return
				}
			}
		}
	}()

	for {
		_, data, err := c.conn.Read(ctx)
		if err != nil {
			return
		}

		var msg WSMessage
		if err := json.Unmarshal(data, &msg); err != nil {
			c.send(MsgTypeError, WSDone{Error: "invalid message format"})
			continue
		}

		switch msg.Type {
		case MsgTypeChat:
			// Turns run off the read loop so pings and cancels still flow
			go g.wsChat(ctx, c, msg.Content)
		case MsgTypeCancel:
			var req WSChatRequest
			if err := json.Unmarshal(msg.Content, &req); err == nil {
				g.agent.Cancel(sessionOrDefault(req.SessionID))
			}
		case MsgTypePing:
			c.send(MsgTypePong, nil)
		case MsgTypePong:
			// peer is alive
		default:
			log.Printf("[WS] unknown message type: %s", msg.Type)
		}
	}
}

func (g *Gateway) wsChat(ctx context.Context, c *wsConn, content json.RawMessage) {
	var req WSChatRequest
	if err := json.Unmarshal(content, &req); err != nil {
		c.send(MsgTypeError, WSDone{Error: "invalid chat request: " + err.Error()})
		return
	}
	if strings.TrimSpace(req.Message) == "" {
		c.send(MsgTypeError, WSDone{Error: "message is required"})
		return
	}
	sessionID := sessionOrDefault(req.SessionID)

	res, err := g.agent.RunTurnStream(ctx, sessionID, req.Message, func(ev agent.StreamEvent) error {
		switch ev.Type {
		case "text":
			return c.send(MsgTypeChunk, WSChunk{SessionID: sessionID, Text: ev.Text})
		case "tool_start":
			return c.send(MsgTypeTool, WSChunk{SessionID: sessionID, Tool: ev.Tool, ToolID: ev.ToolID})
		case "tool_result":
			return c.send(MsgTypeTool, WSChunk{SessionID: sessionID, Tool: ev.Tool, ToolID: ev.ToolID, Result: ev.Content})
		}
		return nil
	})

	if err != nil && !errors.Is(err, agent.ErrToolLoopExceeded) {
		c.send(MsgTypeError, WSDone{SessionID: sessionID, Error: err.Error()})
		return
	}

	done := WSDone{
		SessionID: sessionID,
		Content:   res.Content,
		Rounds:    res.Rounds,
		ToolCalls: res.ToolCalls,
		Degraded:  res.Degraded,
	}
	if err != nil {
		done.Error = err.Error()
	}
	if sendErr := c.send(MsgTypeDone, done); sendErr != nil {
		log.Printf("[WS] final write error: %v", sendErr)
	}
}

func sessionOrDefault(id string) string {
	if id == "" {
		return "default"
	}
	return id
}

// getClientIP extracts the client IP, honoring reverse proxy headers
func getClientIP(r *http.Request) string {
	if xff := r.Header.Get("X-Forwarded-For"); xff != "" {
		parts := strings.Split(xff, ",")
		return strings.TrimSpace(parts[0])
	}
	if xri := r.Header.Get("X-Real-IP"); xri != "" {
		return strings.TrimSpace(xri)
	}
	ip, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return ip
}
