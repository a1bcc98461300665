// File Tools - read and write files inside the workspace
package tools

import (
	"context"
	"fmt"
	"os"
	"path/filepath"

	"github.com/gliderlab/parley/pkg/config"
)

type ReadTool struct{}

func (t *ReadTool) Name() string {
	return "read"
}

func (t *ReadTool) Description() string {
	return "Read a text file from the workspace. Large files are truncated."
}

func (t *ReadTool) Parameters() map[string]interface{} {
	return map[string]interface{}{
		"type": "object",
		"properties": map[string]interface{}{
			"path": map[string]interface{}{
				"type":        "string",
				"description": "Path of the file to read",
			},
			"max_chars": map[string]interface{}{
				"type":        "integer",
				"description": "Maximum characters to return (default 8000)",
			},
		},
		"required": []string{"path"},
	}
}

func (t *ReadTool) Execute(ctx context.Context, args map[string]interface{}) (interface{}, error) {
	path := GetString(args, "path")
	if path == "" {
		return nil, fmt.Errorf("path is required")
	}
	maxChars := GetInt(args, "max_chars")
	if maxChars <= 0 {
		maxChars = config.MaxToolOutputChars
	}

	resolved, err := IsPathAllowed(path)
	if err != nil {
		return nil, err
	}

	info, err := os.Stat(resolved)
	if err != nil {
		return nil, fmt.Errorf("cannot read %s: %v", path, err)
	}
	if info.IsDir() {
		entries, err := os.ReadDir(resolved)
		if err != nil {
			return nil, fmt.Errorf("cannot list %s: %v", path, err)
		}
		names := make([]string, 0, len(entries))
		for _, e := range entries {
			name := e.Name()
			if e.IsDir() {
				name += "/"
			}
			names = append(names, name)
		}
		return map[string]interface{}{"path": resolved, "entries": names}, nil
	}

	data, err := os.ReadFile(resolved)
	if err != nil {
		return nil, fmt.Errorf("cannot read %s: %v", path, err)
	}

	return map[string]interface{}{
		"path":    resolved,
		"size":    info.Size(),
		"content": Truncate(string(data), maxChars),
	}, nil
}

type WriteTool struct{}

func (t *WriteTool) Name() string {
	return "write"
}

func (t *WriteTool) Description() string {
	return "Write content to a file in the workspace. Creates parent directories as needed."
}

func (t *WriteTool) Parameters() map[string]interface{} {
	return map[string]interface{}{
		"type": "object",
		"properties": map[string]interface{}{
			"path": map[string]interface{}{
				"type":        "string",
				"description": "Path of the file to write",
			},
			"content": map[string]interface{}{
				"type":        "string",
				"description": "Content to write",
			},
			"append": map[string]interface{}{
				"type":        "boolean",
				"description": "Append instead of overwrite",
			},
		},
		"required": []string{"path", "content"},
	}
}

func (t *WriteTool) Execute(ctx context.Context, args map[string]interface{}) (interface{}, error) {
	path := GetString(args, "path")
	if path == "" {
		return nil, fmt.Errorf("path is required")
	}
	content := GetString(args, "content")
	appendMode := GetBool(args, "append")

	resolved, err := IsPathAllowed(path)
	if err != nil {
		return nil, err
	}

	if err := os.MkdirAll(filepath.Dir(resolved), 0755); err != nil {
		return nil, fmt.Errorf("cannot create directory: %v", err)
	}

	if appendMode {
		f, err := os.OpenFile(resolved, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0644)
		if err != nil {
			return nil, fmt.Errorf("cannot open %s: %v", path, err)
		}
		defer f.Close()
		if _, err := f.WriteString(content); err != nil {
			return nil, fmt.Errorf("cannot write %s: %v", path, err)
		}
	} else {
		if err := os.WriteFile(resolved, []byte(content), 0644); err != nil {
			return nil, fmt.Errorf("cannot write %s: %v", path, err)
		}
	}

	return map[string]interface{}{
		"path":    resolved,
		"written": len(content),
	}, nil
}
