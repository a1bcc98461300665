// Shell Tool - long-running shell sessions with optional PTY
package tools

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"log"
	"os"
	"os/exec"
	"strings"
	"sync"
	"time"

	"github.com/creack/pty"
	"github.com/google/shlex"

	"github.com/gliderlab/parley/pkg/config"
)

// MaxShellBufferSize caps the output buffer per session
const MaxShellBufferSize = 10 * 1024 * 1024 // 10MB

type shellSession struct {
	ID        string
	Cmd       *exec.Cmd
	Buffer    *bytes.Buffer
	Pty       *os.File
	StdinPipe io.WriteCloser
	Mutex     *sync.Mutex
	CreatedAt time.Time
}

type shellWriter struct {
	buf *bytes.Buffer
	mu  *sync.Mutex
}

func (w *shellWriter) Write(p []byte) (int, error) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.buf.Len() >= MaxShellBufferSize {
		return len(p), nil
	}
	return w.buf.Write(p)
}

type ShellTool struct {
	mu       sync.RWMutex
	sessions map[string]*shellSession
	exited   map[string]int
}

func NewShellTool() *ShellTool {
	return &ShellTool{
		sessions: make(map[string]*shellSession),
		exited:   make(map[string]int),
	}
}

func (t *ShellTool) Name() string {
	return "shell"
}

func (t *ShellTool) Description() string {
	return "Manage shell sessions: start (PTY supported), list, log, send input, stop."
}

func (t *ShellTool) Parameters() map[string]interface{} {
	return map[string]interface{}{
		"type": "object",
		"properties": map[string]interface{}{
			"action": map[string]interface{}{
				"type":        "string",
				"description": "Action: start, list, log, send, stop",
				"enum":        []string{"start", "list", "log", "send", "stop"},
			},
			"session_id": map[string]interface{}{
				"type":        "string",
				"description": "Shell session ID",
			},
			"command": map[string]interface{}{
				"type":        "string",
				"description": "Command to run (required for start)",
			},
			"workdir": map[string]interface{}{
				"type":        "string",
				"description": "Working directory",
			},
			"pty": map[string]interface{}{
				"type":        "boolean",
				"description": "Use a PTY (interactive terminal)",
				"default":     false,
			},
			"data": map[string]interface{}{
				"type":        "string",
				"description": "Input to send to the session",
			},
			"eof": map[string]interface{}{
				"type":        "boolean",
				"description": "Close stdin after sending",
			},
			"offset": map[string]interface{}{
				"type":        "integer",
				"description": "Log start offset",
			},
		},
		"required": []string{"action"},
	}
}

func (t *ShellTool) Execute(ctx context.Context, args map[string]interface{}) (interface{}, error) {
	action := GetString(args, "action")

	switch action {
	case "start":
		return t.start(args)
	case "list":
		return t.list()
	case "log":
		return t.log(args)
	case "send":
		return t.send(args)
	case "stop":
		return t.stop(args)
	default:
		return nil, fmt.Errorf("unknown action: %s", action)
	}
}

func (t *ShellTool) start(args map[string]interface{}) (interface{}, error) {
	command := GetString(args, "command")
	workdir := GetString(args, "workdir")
	usePty := GetBool(args, "pty")

	if command == "" {
		return nil, fmt.Errorf("command is required")
	}

	parts, err := shlex.Split(command)
	if err != nil || len(parts) == 0 {
		return nil, fmt.Errorf("cannot parse command")
	}
	cmd := exec.Command(parts[0], parts[1:]...)

	if workdir == "" {
		workdir = config.DefaultWorkspaceDir()
	}
	resolved, err := IsPathAllowed(workdir)
	if err != nil {
		return nil, fmt.Errorf("workdir must be within the workspace")
	}
	cmd.Dir = resolved

	var (
		buf       bytes.Buffer
		bufMu     = &sync.Mutex{}
		stdinPipe io.WriteCloser
		ptyFile   *os.File
	)

	if usePty {
		ptyFile, err = pty.Start(cmd)
		if err != nil {
			return nil, fmt.Errorf("failed to start PTY: %v", err)
		}
	} else {
		w := &shellWriter{buf: &buf, mu: bufMu}
		cmd.Stdout = w
		cmd.Stderr = w
		stdinPipe, err = cmd.StdinPipe()
		if err != nil {
			return nil, fmt.Errorf("failed to create stdin pipe: %v", err)
		}
		if err := cmd.Start(); err != nil {
			return nil, fmt.Errorf("failed to start: %v", err)
		}
	}

	sessionID := fmt.Sprintf("shell_%d", time.Now().UnixNano())

	t.mu.Lock()
	t.sessions[sessionID] = &shellSession{
		ID:        sessionID,
		Cmd:       cmd,
		Buffer:    &buf,
		Pty:       ptyFile,
		StdinPipe: stdinPipe,
		Mutex:     bufMu,
		CreatedAt: time.Now(),
	}
	t.mu.Unlock()

	log.Printf("[OK] shell session started: %s (PID: %d, PTY: %v)", sessionID, cmd.Process.Pid, usePty)

	if usePty {
		go func() {
			readBuf := make([]byte, 1024)
			for {
				n, err := ptyFile.Read(readBuf)
				if err != nil {
					break
				}
				t.mu.RLock()
				s, ok := t.sessions[sessionID]
				t.mu.RUnlock()
				if !ok {
					break
				}
				s.Mutex.Lock()
				if s.Buffer.Len() < MaxShellBufferSize {
					s.Buffer.Write(readBuf[:n])
				}
				s.Mutex.Unlock()
			}
		}()
	}

	go func() {
		cmd.Wait()
		exitCode := -1
		if cmd.ProcessState != nil {
			exitCode = cmd.ProcessState.ExitCode()
		}
		t.mu.Lock()
		if _, ok := t.sessions[sessionID]; ok {
			log.Printf("[END] shell session exited: %s (exit code: %d)", sessionID, exitCode)
			t.exited[sessionID] = exitCode
		}
		t.mu.Unlock()
		// Keep the record around briefly for status queries
		time.AfterFunc(5*time.Minute, func() {
			t.mu.Lock()
			delete(t.sessions, sessionID)
			delete(t.exited, sessionID)
			t.mu.Unlock()
		})
	}()

	return map[string]interface{}{
		"session_id": sessionID,
		"pid":        cmd.Process.Pid,
		"command":    command,
		"pty":        usePty,
		"success":    true,
	}, nil
}

func (t *ShellTool) list() (interface{}, error) {
	t.mu.RLock()
	defer t.mu.RUnlock()

	items := make([]map[string]interface{}, 0)
	for id, s := range t.sessions {
		status := "running"
		if _, done := t.exited[id]; done {
			status = "exited"
		}
		items = append(items, map[string]interface{}{
			"session_id": id,
			"pid":        s.Cmd.Process.Pid,
			"status":     status,
			"pty":        s.Pty != nil,
			"created_at": s.CreatedAt.Format(time.RFC3339),
		})
	}

	return map[string]interface{}{
		"sessions": items,
		"count":    len(items),
	}, nil
}

func (t *ShellTool) log(args map[string]interface{}) (interface{}, error) {
	sessionID := GetString(args, "session_id")
	offset := GetInt(args, "offset")

	if sessionID == "" {
		return nil, fmt.Errorf("session_id is required")
	}

	t.mu.RLock()
	s, ok := t.sessions[sessionID]
	exitCode, done := t.exited[sessionID]
	t.mu.RUnlock()

	if !ok {
		return nil, fmt.Errorf("session not found: %s", sessionID)
	}

	s.Mutex.Lock()
	content := s.Buffer.String()
	s.Mutex.Unlock()

	if offset < 0 {
		offset = 0
	}
	if offset > len(content) {
		offset = len(content)
	}
	output := content[offset:]
	truncated := false
	if len(output) > config.MaxShellLogChars {
		output = output[:config.MaxShellLogChars]
		truncated = true
	}

	result := map[string]interface{}{
		"session_id": sessionID,
		"offset":     offset,
		"content":    output,
		"truncated":  truncated,
	}
	if done {
		result["exit_code"] = exitCode
	}
	return result, nil
}

func (t *ShellTool) send(args map[string]interface{}) (interface{}, error) {
	sessionID := GetString(args, "session_id")
	data := GetString(args, "data")
	eof := GetBool(args, "eof")

	if sessionID == "" {
		return nil, fmt.Errorf("session_id is required")
	}

	t.mu.Lock()
	s, ok := t.sessions[sessionID]
	t.mu.Unlock()

	if !ok {
		return nil, fmt.Errorf("session not found: %s", sessionID)
	}

	var n int
	var err error
	if s.Pty != nil {
		n, err = s.Pty.Write([]byte(data))
	} else if s.StdinPipe != nil {
		n, err = s.StdinPipe.Write([]byte(data))
	} else {
		return nil, fmt.Errorf("stdin not available")
	}
	if err != nil {
		return nil, fmt.Errorf("send failed: %v", err)
	}

	if eof {
		if s.Pty != nil {
			s.Pty.Close()
			s.Pty = nil
		}
		if s.StdinPipe != nil {
			s.StdinPipe.Close()
			s.StdinPipe = nil
		}
	}

	return map[string]interface{}{
		"session_id": sessionID,
		"written":    n,
		"eof":        eof,
	}, nil
}

func (t *ShellTool) stop(args map[string]interface{}) (interface{}, error) {
	sessionID := GetString(args, "session_id")
	if sessionID == "" {
		return nil, fmt.Errorf("session_id is required")
	}

	t.mu.Lock()
	s, ok := t.sessions[sessionID]
	t.mu.Unlock()

	if !ok {
		return nil, fmt.Errorf("session not found: %s", sessionID)
	}

	if s.Pty != nil {
		s.Pty.Close()
	}
	if s.StdinPipe != nil {
		s.StdinPipe.Close()
	}
	if err := s.Cmd.Process.Kill(); err != nil && !strings.Contains(err.Error(), "already finished") {
		return nil, fmt.Errorf("failed to stop: %v", err)
	}

	t.mu.Lock()
	delete(t.sessions, sessionID)
	delete(t.exited, sessionID)
	t.mu.Unlock()

	return map[string]interface{}{
		"session_id": sessionID,
		"stopped":    true,
	}, nil
}
