// Tools module - tool invocation framework
package tools

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/gliderlab/parley/pkg/config"
)

// Tool defines the tool interface
type Tool interface {
	Name() string
	Description() string
	Parameters() map[string]interface{}
	Execute(ctx context.Context, args map[string]interface{}) (interface{}, error)
}

type sessionKeyType struct{}

var sessionKey sessionKeyType

// WithSession tags a context with the session id the tool execution
// belongs to. Session-scoped tools read it back with SessionFromContext.
func WithSession(ctx context.Context, sessionID string) context.Context {
	return context.WithValue(ctx, sessionKey, sessionID)
}

// SessionFromContext returns the session id set by WithSession, or ""
func SessionFromContext(ctx context.Context) string {
	s, _ := ctx.Value(sessionKey).(string)
	return s
}

// Typed registry errors. UnknownTool and InvalidArguments are fed back to
// the model as tool results so it can self-correct; ExecutionError wraps
// executor failures.
var (
	ErrDuplicateTool    = errors.New("tool already registered")
	ErrUnknownTool      = errors.New("unknown tool")
	ErrInvalidArguments = errors.New("invalid arguments")
)

// ExecutionError wraps a failure inside a tool executor
type ExecutionError struct {
	Tool string
	Err  error
}

func (e *ExecutionError) Error() string {
	return fmt.Sprintf("tool %s: %v", e.Tool, e.Err)
}

func (e *ExecutionError) Unwrap() error { return e.Err }

// Result is the outcome of one tool invocation. Exactly one of Output and
// Error is set.
type Result struct {
	Tool   string `json:"tool"`
	Output string `json:"output,omitempty"`
	Error  string `json:"error,omitempty"`
}

// Content renders the result for the model
func (r Result) Content() string {
	payload := map[string]interface{}{"tool": r.Tool, "success": r.Error == ""}
	if r.Error != "" {
		payload["error"] = r.Error
	} else {
		payload["result"] = r.Output
	}
	b, _ := json.Marshal(payload)
	return string(b)
}

// Policy holds tool allow/deny policy
type Policy struct {
	Allow         []string // Tool names to allow (nil means all)
	Deny          []string // Tool names to deny
	WorkspaceOnly bool     // Restrict file ops to workspace
}

// Registry holds registered tools
type Registry struct {
	tools   map[string]Tool
	order   []string
	policy  *Policy
	timeout time.Duration
}

func NewRegistry() *Registry {
	return &Registry{
		tools:   make(map[string]Tool),
		policy:  DefaultPolicy(),
		timeout: 60 * time.Second,
	}
}

// NewRegistryWithPolicy creates a registry with custom policy
func NewRegistryWithPolicy(policy *Policy) *Registry {
	r := NewRegistry()
	if policy != nil {
		r.policy = policy
	}
	return r
}

// DefaultPolicy returns the default policy (full access)
func DefaultPolicy() *Policy {
	return &Policy{}
}

// SetPolicy updates the tools policy
func (r *Registry) SetPolicy(policy *Policy) {
	r.policy = policy
}

// SetTimeout sets the per-call execution timeout
func (r *Registry) SetTimeout(d time.Duration) {
	if d > 0 {
		r.timeout = d
	}
}

// IsToolAllowed checks if a tool is allowed by policy
func (r *Registry) IsToolAllowed(name string) bool {
	if r.policy == nil {
		return true
	}
	for _, denied := range r.policy.Deny {
		if denied == "*" || denied == name {
			return false
		}
	}
	if len(r.policy.Allow) > 0 {
		for _, allowed := range r.policy.Allow {
			if allowed == "*" || allowed == name {
				return true
			}
		}
		return false
	}
	return true
}

// Register a tool. Name collisions are an error.
func (r *Registry) Register(t Tool) error {
	if _, exists := r.tools[t.Name()]; exists {
		return fmt.Errorf("%w: %s", ErrDuplicateTool, t.Name())
	}
	r.tools[t.Name()] = t
	r.order = append(r.order, t.Name())
	log.Printf("[OK] tool registered: %s", t.Name())
	return nil
}

// Get returns a tool by name
func (r *Registry) Get(name string) (Tool, bool) {
	t, ok := r.tools[name]
	return t, ok
}

// List returns registered tool names in registration order
func (r *Registry) List() []string {
	names := make([]string, 0, len(r.order))
	for _, name := range r.order {
		if r.IsToolAllowed(name) {
			names = append(names, name)
		}
	}
	return names
}

// Execute runs a tool and wraps the outcome in a Result. Failures inside the
// executor (including panics) land in Result.Error; only registry-level
// problems (unknown tool, bad arguments, policy) return a Go error.
func (r *Registry) Execute(ctx context.Context, name string, args map[string]interface{}) (Result, error) {
	if !r.IsToolAllowed(name) {
		return Result{}, fmt.Errorf("%w: %s (denied by policy)", ErrUnknownTool, name)
	}
	t, ok := r.Get(name)
	if !ok {
		return Result{}, fmt.Errorf("%w: %s", ErrUnknownTool, name)
	}
	if err := ValidateArgs(t.Parameters(), args); err != nil {
		return Result{}, err
	}

	execCtx := ctx
	if r.timeout > 0 {
		var cancel context.CancelFunc
		execCtx, cancel = context.WithTimeout(ctx, r.timeout)
		defer cancel()
	}

	log.Printf("[TOOL] calling tool: %s", name)
	out, err := runSafely(execCtx, t, args)
	if err != nil {
		log.Printf("[ERROR] tool failed: %s - %v", name, err)
		return Result{Tool: name, Error: err.Error()}, nil
	}

	log.Printf("[OK] tool succeeded: %s", name)
	return Result{Tool: name, Output: Stringify(out)}, nil
}

// runSafely recovers executor panics into errors
func runSafely(ctx context.Context, t Tool, args map[string]interface{}) (out interface{}, err error) {
	defer func() {
		if rec := recover(); rec != nil {
			err = &ExecutionError{Tool: t.Name(), Err: fmt.Errorf("panic: %v", rec)}
		}
	}()
	out, err = t.Execute(ctx, args)
	if err != nil {
		err = &ExecutionError{Tool: t.Name(), Err: err}
	}
	return out, err
}

// ValidateArgs checks args against an OpenAI-style JSON schema: required
// fields must be present and primitive types must match.
func ValidateArgs(schema map[string]interface{}, args map[string]interface{}) error {
	if schema == nil {
		return nil
	}
	props, _ := schema["properties"].(map[string]interface{})

	if required, ok := schema["required"].([]interface{}); ok {
		for _, req := range required {
			field, ok := req.(string)
			if !ok {
				continue
			}
			if _, present := args[field]; !present {
				return fmt.Errorf("%w: missing required field %q", ErrInvalidArguments, field)
			}
		}
	}
	if required, ok := schema["required"].([]string); ok {
		for _, field := range required {
			if _, present := args[field]; !present {
				return fmt.Errorf("%w: missing required field %q", ErrInvalidArguments, field)
			}
		}
	}

	for field, value := range args {
		propAny, ok := props[field]
		if !ok {
			continue // unknown fields pass through
		}
		prop, ok := propAny.(map[string]interface{})
		if !ok {
			continue
		}
		typ, _ := prop["type"].(string)
		if typ == "" || value == nil {
			continue
		}
		if !typeMatches(typ, value) {
			return fmt.Errorf("%w: field %q: want %s, got %T", ErrInvalidArguments, field, typ, value)
		}
	}
	return nil
}

func typeMatches(typ string, v interface{}) bool {
	switch typ {
	case "string":
		_, ok := v.(string)
		return ok
	case "number":
		switch v.(type) {
		case float64, int:
			return true
		}
		return false
	case "integer":
		switch n := v.(type) {
		case int:
			return true
		case float64:
			return n == float64(int64(n))
		}
		return false
	case "boolean":
		_, ok := v.(bool)
		return ok
	case "array":
		_, ok := v.([]interface{})
		return ok
	case "object":
		_, ok := v.(map[string]interface{})
		return ok
	}
	return true
}

// GetToolSpecs returns OpenAI-format specs with function wrapper (filtered by policy)
func (r *Registry) GetToolSpecs() []map[string]interface{} {
	specs := make([]map[string]interface{}, 0)
	for _, name := range r.order {
		if !r.IsToolAllowed(name) {
			continue
		}
		t := r.tools[name]
		specs = append(specs, map[string]interface{}{
			"type": "function",
			"function": map[string]interface{}{
				"name":        t.Name(),
				"description": t.Description(),
				"parameters":  t.Parameters(),
			},
		})
	}
	return specs
}

// ParseArgs parses JSON args
func ParseArgs(argsJSON string) (map[string]interface{}, error) {
	if strings.TrimSpace(argsJSON) == "" {
		return map[string]interface{}{}, nil
	}
	var args map[string]interface{}
	if err := json.Unmarshal([]byte(argsJSON), &args); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidArguments, err)
	}
	return args, nil
}

// Stringify renders a tool return value as text
func Stringify(v interface{}) string {
	switch x := v.(type) {
	case nil:
		return ""
	case string:
		return x
	case []byte:
		return string(x)
	default:
		b, _ := json.Marshal(v)
		return string(b)
	}
}

// GetString gets a string arg
func GetString(args map[string]interface{}, key string) string {
	if v, ok := args[key]; ok {
		if s, ok := v.(string); ok {
			return s
		}
	}
	return ""
}

// GetInt gets an int arg
func GetInt(args map[string]interface{}, key string) int {
	if v, ok := args[key]; ok {
		switch f := v.(type) {
		case float64:
			return int(f)
		case int:
			return f
		case string:
			var i int
			fmt.Sscanf(f, "%d", &i)
			return i
		}
	}
	return 0
}

// GetFloat64 gets a float arg
func GetFloat64(args map[string]interface{}, key string) float64 {
	if v, ok := args[key]; ok {
		switch f := v.(type) {
		case float64:
			return f
		case int:
			return float64(f)
		}
	}
	return 0
}

// GetBool gets a bool arg
func GetBool(args map[string]interface{}, key string) bool {
	if v, ok := args[key]; ok {
		if b, ok := v.(bool); ok {
			return b
		}
	}
	return false
}

// Truncate long text
func Truncate(s string, maxLen int) string {
	if len(s) <= maxLen {
		return s
	}
	return s[:maxLen] + "...\n(content truncated)"
}

// IsPathAllowed checks if a path is within the workspace or temp dir (jail).
// Returns the resolved path if allowed.
func IsPathAllowed(path string) (string, error) {
	resolvedPath, err := filepath.EvalSymlinks(path)
	if err != nil {
		// Target may not exist yet (write case); fall back to the raw path
		resolvedPath = path
	}

	absPath, err := filepath.Abs(resolvedPath)
	if err != nil {
		return "", fmt.Errorf("invalid path: %v", err)
	}
	absPath = filepath.Clean(absPath)

	// Handle temp-dir symlinks for files that do not exist yet
	candidatePaths := []string{absPath}
	if parent := filepath.Dir(absPath); parent != "" {
		if resolvedParent, perr := filepath.EvalSymlinks(parent); perr == nil {
			candidatePaths = append(candidatePaths, filepath.Clean(filepath.Join(resolvedParent, filepath.Base(absPath))))
		}
	}

	allowed := []string{
		config.DefaultWorkspaceDir(),
		config.DefaultDataDir(),
		os.TempDir(),
	}

	for _, dir := range allowed {
		if dir == "" {
			continue
		}
		cleanDir, err := filepath.EvalSymlinks(dir)
		if err != nil {
			cleanDir = dir
		}
		cleanDir = filepath.Clean(cleanDir)

		for _, p := range candidatePaths {
			rel, err := filepath.Rel(cleanDir, p)
			if err != nil {
				continue
			}
			sep := string(os.PathSeparator)
			if rel != ".." && !strings.HasPrefix(rel, ".."+sep) {
				return p, nil
			}
		}
	}

	return "", fmt.Errorf("path not allowed: %s is outside allowed directories", absPath)
}
