// Context window - token-budgeted message assembly for one session
package agent

import (
	"log"
	"sync"

	"github.com/pkoukk/tiktoken-go"

	"github.com/gliderlab/parley/pkg/llm"
)

// tokenCounter is a package-level tiktoken instance for accurate counting
var (
	tokenCounter     *tiktoken.Tiktoken
	tokenCounterOnce sync.Once
)

func initTokenCounter() {
	tokenCounterOnce.Do(func() {
		// cl100k_base covers the GPT-4 family and is close enough for others
		tk, err := tiktoken.GetEncoding("cl100k_base")
		if err != nil {
			log.Printf("[WARN] token estimation will use fallback method: %v", err)
			return
		}
		tokenCounter = tk
	})
}

// CountTokens estimates the token cost of a message
func CountTokens(m llm.Message) int {
	initTokenCounter()

	text := m.Content
	for _, tc := range m.ToolCalls {
		if tc.Function != nil {
			text += tc.Function.Name + tc.Function.Arguments
		}
	}

	if tokenCounter != nil {
		return len(tokenCounter.Encode(text, nil, nil)) + 4
	}

	// Fallback: ASCII ~4 chars/token, non-ASCII (e.g. CJK) ~2 tokens/char
	ascii := 0
	nonASCII := 0
	for _, r := range text {
		if r <= 127 {
			ascii++
		} else {
			nonASCII++
		}
	}
	return ascii/4 + nonASCII*2 + 4
}

type windowEntry struct {
	msg    llm.Message
	tokens int
	pinned bool
}

// ContextWindow holds the message sequence for one turn under a token
// budget. System messages are pinned and never evicted; eviction removes
// the oldest unpinned messages first.
type ContextWindow struct {
	entries []windowEntry
	budget  int
	marks   []int
}

// NewContextWindow creates a window with the given token budget
func NewContextWindow(budget int) *ContextWindow {
	if budget <= 0 {
		budget = 8192
	}
	return &ContextWindow{budget: budget}
}

// Append adds a message. System messages are pinned.
func (w *ContextWindow) Append(m llm.Message) {
	w.entries = append(w.entries, windowEntry{
		msg:    m,
		tokens: CountTokens(m),
		pinned: m.Role == "system",
	})
}

// Budget returns the token budget
func (w *ContextWindow) Budget() int {
	return w.budget
}

// SetBudget changes the token budget for subsequent assembly
func (w *ContextWindow) SetBudget(n int) {
	if n > 0 {
		w.budget = n
	}
}

// Clear drops everything except pinned system messages
func (w *ContextWindow) Clear() {
	kept := w.entries[:0]
	for _, e := range w.entries {
		if e.pinned {
			kept = append(kept, e)
		}
	}
	w.entries = kept
	w.marks = nil
}

// TotalTokens returns the current estimated cost of the window
func (w *ContextWindow) TotalTokens() int {
	total := 0
	for _, e := range w.entries {
		total += e.tokens
	}
	return total
}

// Len returns the number of messages
func (w *ContextWindow) Len() int {
	return len(w.entries)
}

// Messages assembles the window, evicting oldest unpinned messages until
// the budget holds. A single message that alone exceeds the budget is
// retained with a warning so the turn can still proceed.
func (w *ContextWindow) Messages() []llm.Message {
	total := w.TotalTokens()
	evictable := func() int {
		for i, e := range w.entries {
			if !e.pinned {
				return i
			}
		}
		return -1
	}

	for total > w.budget {
		idx := evictable()
		if idx < 0 {
			break
		}
		// An assistant message carrying tool calls takes its tool results
		// with it; providers reject a tool result without its call.
		end := idx + 1
		if len(w.entries[idx].msg.ToolCalls) > 0 {
			for end < len(w.entries) && w.entries[end].msg.Role == "tool" {
				end++
			}
		}
		unpinnedCount := 0
		for _, e := range w.entries {
			if !e.pinned {
				unpinnedCount++
			}
		}
		if unpinnedCount <= end-idx {
			// Last conversational exchange stays even over budget
			log.Printf("[WARN] context window: over budget (%d > %d), keeping the last exchange", total, w.budget)
			break
		}
		for i := idx; i < end; i++ {
			total -= w.entries[i].tokens
		}
		w.entries = append(w.entries[:idx], w.entries[end:]...)
		w.adjustMarks(idx, end-idx)
	}

	msgs := make([]llm.Message, len(w.entries))
	for i, e := range w.entries {
		msgs[i] = e.msg
	}
	return msgs
}

func (w *ContextWindow) adjustMarks(removed, count int) {
	for i, m := range w.marks {
		if m >= removed+count {
			w.marks[i] = m - count
		} else if m > removed {
			w.marks[i] = removed
		}
	}
}

// Mark records the current length so a failed or cancelled exchange can
// be rolled back
func (w *ContextWindow) Mark() {
	w.marks = append(w.marks, len(w.entries))
}

// Rewind drops everything appended since the last Mark
func (w *ContextWindow) Rewind() {
	if len(w.marks) == 0 {
		return
	}
	n := w.marks[len(w.marks)-1]
	w.marks = w.marks[:len(w.marks)-1]
	if n < len(w.entries) {
		w.entries = w.entries[:n]
	}
}

// Commit discards the last Mark without rewinding
func (w *ContextWindow) Commit() {
	if len(w.marks) > 0 {
		w.marks = w.marks[:len(w.marks)-1]
	}
}
