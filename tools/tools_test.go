package tools

import (
	"context"
	"errors"
	"strings"
	"testing"
)

func TestToolRegistry(t *testing.T) {
	registry := NewRegistry()

	// Test empty registry
	if len(registry.tools) != 0 {
		t.Errorf("Expected 0 tools, got %d", len(registry.tools))
	}

	// Register a test tool
	registry.Register(&ExecTool{})

	// Test count after registration
	if len(registry.tools) != 1 {
		t.Errorf("Expected 1 tool, got %d", len(registry.tools))
	}

	// Test Get
	tool, ok := registry.Get("exec")
	if !ok {
		t.Error("Expected to find 'exec' tool")
	}
	if tool == nil {
		t.Error("Tool should not be nil")
	}

	// Test Get with non-existent tool
	_, ok = registry.Get("nonexistent")
	if ok {
		t.Error("Should not find non-existent tool")
	}
}

func TestToolRegistryList(t *testing.T) {
	registry := NewRegistry()
	registry.Register(&ExecTool{})
	registry.Register(&ReadTool{})
	registry.Register(&WriteTool{})

	tools := registry.List()
	if len(tools) != 3 {
		t.Errorf("Expected 3 tools, got %d", len(tools))
	}
}

func TestToolRegistryGetToolSpecs(t *testing.T) {
	registry := NewRegistry()
	registry.Register(&ExecTool{})

	specs := registry.GetToolSpecs()
	if len(specs) != 1 {
		t.Errorf("Expected 1 tool spec, got %d", len(specs))
	}
}

func TestGetString(t *testing.T) {
	// Test with existing key
	args := map[string]interface{}{"name": "test"}
	result := GetString(args, "name")
	if result != "test" {
		t.Errorf("Expected 'test', got '%s'", result)
	}

	// Test with missing key
	result = GetString(args, "missing")
	if result != "" {
		t.Errorf("Expected empty string, got '%s'", result)
	}

	// Test with wrong type
	args = map[string]interface{}{"name": 123}
	result = GetString(args, "name")
	if result != "" {
		t.Errorf("Expected empty string for wrong type, got '%s'", result)
	}
}

func TestGetInt(t *testing.T) {
	// Test with existing key
	args := map[string]interface{}{"count": 42}
	result := GetInt(args, "count")
	if result != 42 {
		t.Errorf("Expected 42, got %d", result)
	}

	// Test with missing key
	result = GetInt(args, "missing")
	if result != 0 {
		t.Errorf("Expected 0, got %d", result)
	}

	// Test with float
	args = map[string]interface{}{"count": 42.5}
	result = GetInt(args, "count")
	if result != 42 {
		t.Errorf("Expected 42, got %d", result)
	}

	// Test with wrong type
	args = map[string]interface{}{"count": "string"}
	result = GetInt(args, "count")
	if result != 0 {
		t.Errorf("Expected 0 for wrong type, got %d", result)
	}
}

func TestGetBool(t *testing.T) {
	// Test true
	args := map[string]interface{}{"enabled": true}
	result := GetBool(args, "enabled")
	if !result {
		t.Error("Expected true")
	}

	// Test false
	args = map[string]interface{}{"enabled": false}
	result = GetBool(args, "enabled")
	if result {
		t.Error("Expected false")
	}

	// Test missing
	result = GetBool(args, "missing")
	if result {
		t.Error("Expected false for missing key")
	}

	// Note: GetBool only handles bool type, not string "true"/"false"
	// Test string "true" - GetBool doesn't convert strings
	args = map[string]interface{}{"enabled": "true"}
	result = GetBool(args, "enabled")
	if result {
		t.Error("Expected false for string 'true' (not supported)")
	}
}

func TestGetFloat64(t *testing.T) {
	// Test with existing key
	args := map[string]interface{}{"value": 3.14}
	result := GetFloat64(args, "value")
	if result != 3.14 {
		t.Errorf("Expected 3.14, got %f", result)
	}

	// Test with missing key
	result = GetFloat64(args, "missing")
	if result != 0 {
		t.Errorf("Expected 0, got %f", result)
	}

	// Test with int (should convert)
	args = map[string]interface{}{"value": 10}
	result = GetFloat64(args, "value")
	if result != 10 {
		t.Errorf("Expected 10, got %f", result)
	}
}

type fakeTool struct {
	name    string
	params  map[string]interface{}
	execute func(ctx context.Context, args map[string]interface{}) (interface{}, error)
}

func (f *fakeTool) Name() string                       { return f.name }
func (f *fakeTool) Description() string                { return "fake tool" }
func (f *fakeTool) Parameters() map[string]interface{} { return f.params }
func (f *fakeTool) Execute(ctx context.Context, args map[string]interface{}) (interface{}, error) {
	return f.execute(ctx, args)
}

func TestRegisterDuplicate(t *testing.T) {
	registry := NewRegistry()
	if err := registry.Register(&ExecTool{}); err != nil {
		t.Fatalf("First Register failed: %v", err)
	}
	err := registry.Register(&ExecTool{})
	if !errors.Is(err, ErrDuplicateTool) {
		t.Errorf("Expected ErrDuplicateTool, got %v", err)
	}
}

func TestExecuteUnknownTool(t *testing.T) {
	registry := NewRegistry()
	_, err := registry.Execute(context.Background(), "nonexistent", nil)
	if !errors.Is(err, ErrUnknownTool) {
		t.Errorf("Expected ErrUnknownTool, got %v", err)
	}
}

func TestExecuteInvalidArguments(t *testing.T) {
	registry := NewRegistry()
	registry.Register(&ExecTool{})

	// Missing required "command"
	_, err := registry.Execute(context.Background(), "exec", map[string]interface{}{})
	if !errors.Is(err, ErrInvalidArguments) {
		t.Errorf("Expected ErrInvalidArguments, got %v", err)
	}
	if err == nil || !strings.Contains(err.Error(), "command") {
		t.Errorf("Error should name the missing field: %v", err)
	}

	// Wrong type for "command"
	_, err = registry.Execute(context.Background(), "exec", map[string]interface{}{"command": 42})
	if !errors.Is(err, ErrInvalidArguments) {
		t.Errorf("Expected ErrInvalidArguments for type mismatch, got %v", err)
	}
}

func TestValidateArgs(t *testing.T) {
	schema := map[string]interface{}{
		"type": "object",
		"properties": map[string]interface{}{
			"name":  map[string]interface{}{"type": "string"},
			"count": map[string]interface{}{"type": "integer"},
			"ratio": map[string]interface{}{"type": "number"},
			"on":    map[string]interface{}{"type": "boolean"},
		},
		"required": []string{"name"},
	}

	tests := []struct {
		label string
		args  map[string]interface{}
		ok    bool
	}{
		{"valid", map[string]interface{}{"name": "x", "count": float64(3), "ratio": 1.5, "on": true}, true},
		{"missing required", map[string]interface{}{"count": float64(3)}, false},
		{"wrong string", map[string]interface{}{"name": 1}, false},
		{"float for integer", map[string]interface{}{"name": "x", "count": 1.5}, false},
		{"whole float for integer", map[string]interface{}{"name": "x", "count": float64(2)}, true},
		{"unknown field passes", map[string]interface{}{"name": "x", "extra": "y"}, true},
	}

	for _, tt := range tests {
		t.Run(tt.label, func(t *testing.T) {
			err := ValidateArgs(schema, tt.args)
			if tt.ok && err != nil {
				t.Errorf("Expected valid, got %v", err)
			}
			if !tt.ok && !errors.Is(err, ErrInvalidArguments) {
				t.Errorf("Expected ErrInvalidArguments, got %v", err)
			}
		})
	}
}

func TestExecutePanicRecovery(t *testing.T) {
	registry := NewRegistry()
	registry.Register(&fakeTool{
		name: "boom",
		execute: func(ctx context.Context, args map[string]interface{}) (interface{}, error) {
			panic("exploded")
		},
	})

	result, err := registry.Execute(context.Background(), "boom", map[string]interface{}{})
	if err != nil {
		t.Fatalf("Panic should land in Result.Error, got registry error: %v", err)
	}
	if result.Error == "" || !strings.Contains(result.Error, "exploded") {
		t.Errorf("Expected panic message in Result.Error, got %q", result.Error)
	}
	if result.Output != "" {
		t.Errorf("Failed call should not carry Output, got %q", result.Output)
	}
}

func TestExecuteFailureInResult(t *testing.T) {
	registry := NewRegistry()
	registry.Register(&fakeTool{
		name: "fails",
		execute: func(ctx context.Context, args map[string]interface{}) (interface{}, error) {
			return nil, errors.New("backend unreachable")
		},
	})

	result, err := registry.Execute(context.Background(), "fails", map[string]interface{}{})
	if err != nil {
		t.Fatalf("Executor failure should not be a registry error: %v", err)
	}
	if !strings.Contains(result.Error, "backend unreachable") {
		t.Errorf("Expected executor error in Result.Error, got %q", result.Error)
	}
}

func TestExecuteSuccess(t *testing.T) {
	registry := NewRegistry()
	registry.Register(&fakeTool{
		name: "echo",
		execute: func(ctx context.Context, args map[string]interface{}) (interface{}, error) {
			return map[string]interface{}{"ok": true}, nil
		},
	})

	result, err := registry.Execute(context.Background(), "echo", map[string]interface{}{})
	if err != nil {
		t.Fatalf("Execute failed: %v", err)
	}
	if result.Error != "" {
		t.Errorf("Unexpected error: %q", result.Error)
	}
	if !strings.Contains(result.Output, "\"ok\":true") {
		t.Errorf("Unexpected output: %q", result.Output)
	}
	content := result.Content()
	if !strings.Contains(content, "\"success\":true") {
		t.Errorf("Content should mark success: %q", content)
	}
}

func TestPolicyDeny(t *testing.T) {
	registry := NewRegistryWithPolicy(&Policy{Deny: []string{"exec"}})
	registry.Register(&ExecTool{})
	registry.Register(&ReadTool{})

	if registry.IsToolAllowed("exec") {
		t.Error("exec should be denied")
	}
	if !registry.IsToolAllowed("read") {
		t.Error("read should be allowed")
	}
	if len(registry.List()) != 1 {
		t.Errorf("Expected 1 allowed tool, got %d", len(registry.List()))
	}
	_, err := registry.Execute(context.Background(), "exec", map[string]interface{}{"command": "ls"})
	if !errors.Is(err, ErrUnknownTool) {
		t.Errorf("Denied tool should surface as unknown, got %v", err)
	}
}

func TestParseArgs(t *testing.T) {
	args, err := ParseArgs(`{"a": 1}`)
	if err != nil {
		t.Fatalf("ParseArgs failed: %v", err)
	}
	if args["a"] != float64(1) {
		t.Errorf("Expected a=1, got %v", args["a"])
	}

	args, err = ParseArgs("")
	if err != nil || len(args) != 0 {
		t.Errorf("Empty args should parse to empty map, got %v, %v", args, err)
	}

	_, err = ParseArgs("{broken")
	if !errors.Is(err, ErrInvalidArguments) {
		t.Errorf("Expected ErrInvalidArguments for bad JSON, got %v", err)
	}
}
