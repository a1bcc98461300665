package agent

import (
	"fmt"
	"strings"
)

const (
	// MaxToolResultBytes caps a single tool result fed back to the model
	MaxToolResultBytes = 15000
	// MaxToolResultLines caps result line count
	MaxToolResultLines = 500
)

// truncateToolResult shrinks an oversized tool result while keeping the
// head and tail, which usually carry the parts the model needs
func truncateToolResult(content string) string {
	if len(content) <= MaxToolResultBytes && strings.Count(content, "\n") <= MaxToolResultLines {
		return content
	}

	lines := strings.Split(content, "\n")
	if len(lines) > MaxToolResultLines {
		keep := MaxToolResultLines / 2
		dropped := len(lines) - 2*keep
		head := lines[:keep]
		tail := lines[len(lines)-keep:]
		content = strings.Join(head, "\n") +
			fmt.Sprintf("\n[... %d lines truncated ...]\n", dropped) +
			strings.Join(tail, "\n")
	}

	if len(content) > MaxToolResultBytes {
		keep := MaxToolResultBytes / 2
		dropped := len(content) - 2*keep
		content = content[:keep] +
			fmt.Sprintf("\n[... %d bytes truncated ...]\n", dropped) +
			content[len(content)-keep:]
	}

	return content
}
