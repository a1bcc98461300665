package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestDefaultConfig(t *testing.T) {
	cfg := Default()
	if cfg.ContextTokens != DefaultContextTokens {
		t.Errorf("Expected %d, got %d", DefaultContextTokens, cfg.ContextTokens)
	}
	if cfg.MaxToolRounds != DefaultMaxToolRounds {
		t.Errorf("Expected %d rounds, got %d", DefaultMaxToolRounds, cfg.MaxToolRounds)
	}
	if cfg.Provider == "" || cfg.Model == "" {
		t.Error("Default provider/model should not be empty")
	}
}

func TestDefaultDataDir(t *testing.T) {
	dir := DefaultDataDir()
	if dir == "" {
		t.Error("DefaultDataDir should not be empty")
	}
}

func TestDefaultDBPath(t *testing.T) {
	path := DefaultDBPath()
	if path == "" {
		t.Error("DefaultDBPath should not be empty")
	}
}

func TestEnvOverrides(t *testing.T) {
	os.Setenv("PARLEY_DATA_DIR", "/tmp/test-parley")
	defer os.Unsetenv("PARLEY_DATA_DIR")

	dir := DefaultDataDir()
	if dir != "/tmp/test-parley" {
		t.Errorf("Expected '/tmp/test-parley', got '%s'", dir)
	}
}

func TestLoadMissingFile(t *testing.T) {
	cfg, err := Load(filepath.Join(t.TempDir(), "nope.yaml"))
	if err != nil {
		t.Fatalf("Load with missing file should use defaults, got %v", err)
	}
	if cfg.ContextTokens != DefaultContextTokens {
		t.Errorf("Expected default context tokens, got %d", cfg.ContextTokens)
	}
}

func TestLoadPartialYAML(t *testing.T) {
	path := filepath.Join(t.TempDir(), "parley.yaml")
	data := "provider: ollama\nmodel: llama3\nmax_tool_rounds: 4\n"
	if err := os.WriteFile(path, []byte(data), 0o644); err != nil {
		t.Fatal(err)
	}

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Provider != "ollama" {
		t.Errorf("Expected provider 'ollama', got '%s'", cfg.Provider)
	}
	if cfg.MaxToolRounds != 4 {
		t.Errorf("Expected 4 rounds, got %d", cfg.MaxToolRounds)
	}
	// Fields the file omits keep their defaults
	if cfg.ToolTimeout != 60*time.Second {
		t.Errorf("Expected default tool timeout, got %v", cfg.ToolTimeout)
	}
	if cfg.Memory.TopK != 5 {
		t.Errorf("Expected default top_k 5, got %d", cfg.Memory.TopK)
	}
}

func TestEnvOverridesLoad(t *testing.T) {
	os.Setenv("PARLEY_PROVIDER", "google")
	os.Setenv("PARLEY_PORT", "61000")
	defer os.Unsetenv("PARLEY_PROVIDER")
	defer os.Unsetenv("PARLEY_PORT")

	cfg, err := Load(filepath.Join(t.TempDir(), "nope.yaml"))
	if err != nil {
		t.Fatal(err)
	}
	if cfg.Provider != "google" {
		t.Errorf("Expected provider 'google', got '%s'", cfg.Provider)
	}
	if cfg.Server.Port != 61000 {
		t.Errorf("Expected port 61000, got %d", cfg.Server.Port)
	}
}

func TestModelAllowed(t *testing.T) {
	cfg := Default()
	if !cfg.ModelAllowed("openai", "anything") {
		t.Error("Empty allow-list should accept any model")
	}

	cfg.AllowedModels = map[string][]string{
		"openai": {"gpt-4o", "gpt-4o-mini"},
	}
	if !cfg.ModelAllowed("openai", "gpt-4o") {
		t.Error("Listed model should be allowed")
	}
	if cfg.ModelAllowed("openai", "gpt-3.5-turbo") {
		t.Error("Unlisted model should be rejected")
	}
	if !cfg.ModelAllowed("ollama", "llama3") {
		t.Error("Provider without allow-list should accept any model")
	}
}

func TestSet(t *testing.T) {
	tests := []struct {
		key     string
		value   string
		wantErr bool
	}{
		{"model", "gpt-4o", false},
		{"provider", "ollama", false},
		{"max_tool_rounds", "3", false},
		{"max_tool_rounds", "zero", true},
		{"context_tokens", "-1", true},
		{"bogus_key", "x", true},
	}

	for _, tt := range tests {
		t.Run(tt.key+"="+tt.value, func(t *testing.T) {
			cfg := Default()
			err := cfg.Set(tt.key, tt.value)
			if (err != nil) != tt.wantErr {
				t.Errorf("Set(%q, %q) error = %v, wantErr %v", tt.key, tt.value, err, tt.wantErr)
			}
		})
	}
}

func TestSetModelAllowList(t *testing.T) {
	cfg := Default()
	cfg.Provider = "openai"
	cfg.AllowedModels = map[string][]string{"openai": {"gpt-4o"}}

	if err := cfg.Set("model", "gpt-4o"); err != nil {
		t.Errorf("Allowed model rejected: %v", err)
	}
	if err := cfg.Set("model", "o1-preview"); err == nil {
		t.Error("Disallowed model should be rejected")
	}
	if cfg.Model != "gpt-4o" {
		t.Errorf("Model should remain 'gpt-4o', got '%s'", cfg.Model)
	}
}

func TestSaveRoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "parley.yaml")
	cfg := Default()
	cfg.Model = "gpt-4o"
	if err := cfg.Save(path); err != nil {
		t.Fatalf("Save: %v", err)
	}

	loaded, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if loaded.Model != "gpt-4o" {
		t.Errorf("Expected model 'gpt-4o', got '%s'", loaded.Model)
	}
}
