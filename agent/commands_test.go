package agent

import (
	"context"
	"strings"
	"testing"

	"github.com/gliderlab/parley/storage"
)

func TestIsCommand(t *testing.T) {
	if !IsCommand("/help") || !IsCommand("  /clear") {
		t.Error("slash inputs not recognized")
	}
	if IsCommand("hello /world") || IsCommand("plain text") {
		t.Error("non-command inputs recognized")
	}
}

func TestCommandUnknown(t *testing.T) {
	a, _ := newTestAgent(t, nil)
	out, handled := a.runCommand(context.Background(), "s1", "/frobnicate now")
	if !handled {
		t.Fatal("command not handled")
	}
	if !strings.Contains(out, "Unknown command: /frobnicate") {
		t.Errorf("out = %q", out)
	}
}

func TestCommandClear(t *testing.T) {
	a, store := newTestAgent(t, nil)
	for _, m := range []storage.Message{
		{SessionID: "s1", Role: "user", Content: "question"},
		{SessionID: "s1", Role: "assistant", Content: "answer"},
	} {
		if _, err := store.AddMessage(m); err != nil {
			t.Fatalf("seed: %v", err)
		}
	}

	out, _ := a.runCommand(context.Background(), "s1", "/clear")
	if out != "Transcript cleared." {
		t.Errorf("out = %q", out)
	}
	n, _ := store.CountMessages("s1")
	if n != 0 {
		t.Errorf("messages after clear = %d", n)
	}
}

func TestCommandConfig(t *testing.T) {
	a, _ := newTestAgent(t, nil)

	out, _ := a.runCommand(context.Background(), "s1", "/config")
	if !strings.Contains(out, "provider: openai") || !strings.Contains(out, "model:") {
		t.Errorf("config dump = %q", out)
	}

	out, _ = a.runCommand(context.Background(), "s1", "/config max_tool_rounds=3")
	if out != "Set max_tool_rounds = 3" {
		t.Errorf("out = %q", out)
	}
	if a.cfg.MaxToolRounds != 3 {
		t.Errorf("MaxToolRounds = %d", a.cfg.MaxToolRounds)
	}

	out, _ = a.runCommand(context.Background(), "s1", "/config bogus_key=1")
	if !strings.Contains(out, "Config error") {
		t.Errorf("out = %q", out)
	}

	out, _ = a.runCommand(context.Background(), "s1", "/config badsyntax")
	if !strings.Contains(out, "Usage") {
		t.Errorf("out = %q", out)
	}
}

func TestCommandModel(t *testing.T) {
	a, _ := newTestAgent(t, nil)
	a.cfg.AllowedModels = map[string][]string{"openai": {"gpt-4o", "gpt-4o-mini"}}

	out, _ := a.runCommand(context.Background(), "s1", "/model")
	if !strings.Contains(out, "gpt-4o-mini") {
		t.Errorf("out = %q", out)
	}

	out, _ = a.runCommand(context.Background(), "s1", "/model gpt-4o")
	if out != "Model switched to gpt-4o" {
		t.Errorf("out = %q", out)
	}
	if a.cfg.Model != "gpt-4o" {
		t.Errorf("model = %q", a.cfg.Model)
	}

	out, _ = a.runCommand(context.Background(), "s1", "/model gpt-imaginary")
	if !strings.Contains(out, "not allowed") || !strings.Contains(out, "gpt-4o-mini") {
		t.Errorf("out = %q", out)
	}
	if a.cfg.Model != "gpt-4o" {
		t.Error("rejected switch changed the model")
	}
}

func TestCommandTools(t *testing.T) {
	a, _ := newTestAgent(t, nil)

	out, _ := a.runCommand(context.Background(), "s1", "/tools")
	if out != "No tools registered." {
		t.Errorf("out = %q", out)
	}

	if err := a.Registry().Register(&echoTool{}); err != nil {
		t.Fatalf("register: %v", err)
	}
	out, _ = a.runCommand(context.Background(), "s1", "/tools")
	if !strings.Contains(out, "echo") || !strings.Contains(out, "Echoes text back") {
		t.Errorf("out = %q", out)
	}
}

func TestCommandStatus(t *testing.T) {
	a, _ := newTestAgent(t, nil)
	out, _ := a.runCommand(context.Background(), "s1", "/status")
	if !strings.Contains(out, "session: s1") {
		t.Errorf("out = %q", out)
	}
	if !strings.Contains(out, "memory: disabled") {
		t.Errorf("out = %q", out)
	}
}

func TestCommandMemoryLifecycle(t *testing.T) {
	a, _ := newMemoryAgent(t, nil)
	ctx := context.Background()

	out, _ := a.runCommand(ctx, "s1", "/memory")
	if out != "No memories stored." {
		t.Errorf("out = %q", out)
	}

	out, _ = a.runCommand(ctx, "s1", "/remember the deploy window is friday mornings")
	if !strings.HasPrefix(out, "Remembered (") {
		t.Fatalf("out = %q", out)
	}
	shortID := strings.TrimSuffix(strings.TrimPrefix(out, "Remembered ("), ").")

	out, _ = a.runCommand(ctx, "s1", "/memory")
	if !strings.Contains(out, "deploy window") || !strings.Contains(out, "[semantic]") {
		t.Errorf("out = %q", out)
	}

	out, _ = a.runCommand(ctx, "s1", "/forget "+shortID)
	if out != "Forgotten." {
		t.Errorf("out = %q", out)
	}

	out, _ = a.runCommand(ctx, "s1", "/forget "+shortID)
	if !strings.Contains(out, "No memory found") {
		t.Errorf("out = %q", out)
	}

	out, _ = a.runCommand(ctx, "s1", "/remember")
	if !strings.Contains(out, "Usage") {
		t.Errorf("out = %q", out)
	}
}

func TestCommandMemorySearch(t *testing.T) {
	a, _ := newMemoryAgent(t, nil)
	ctx := context.Background()

	if out, _ := a.runCommand(ctx, "s1", "/remember the staging database lives on host db-stage-2"); !strings.HasPrefix(out, "Remembered") {
		t.Fatalf("out = %q", out)
	}

	out, _ := a.runCommand(ctx, "s1", "/memory staging database host")
	if !strings.Contains(out, "db-stage-2") {
		t.Errorf("search output = %q", out)
	}
}

func TestCommandForgetAll(t *testing.T) {
	a, _ := newMemoryAgent(t, nil)
	ctx := context.Background()

	a.runCommand(ctx, "s1", "/remember fact one")
	a.runCommand(ctx, "s1", "/remember fact two")

	out, _ := a.runCommand(ctx, "s1", "/forget all")
	if out != "Forgot 2 memories." {
		t.Errorf("out = %q", out)
	}

	out, _ = a.runCommand(ctx, "s1", "/memory")
	if out != "No memories stored." {
		t.Errorf("out = %q", out)
	}
}
