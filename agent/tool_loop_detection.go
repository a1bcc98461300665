package agent

import (
	"crypto/sha256"
	"encoding/hex"
	"sync"
)

const (
	// DefaultMaxTurnCalls caps total tool calls across one turn
	DefaultMaxTurnCalls = 40
	// DefaultSameCallLimit caps identical tool+arguments repetitions
	DefaultSameCallLimit = 3
)

// loopDetector tracks tool invocations within a single turn and flags
// runaway patterns: the model re-issuing the exact same call, or an
// unbounded total. Safe for the concurrent dispatch path.
type loopDetector struct {
	mu            sync.Mutex
	seen          map[string]int // hash(tool+args) -> count
	total         int
	maxTotal      int
	sameCallLimit int
}

func newLoopDetector() *loopDetector {
	return &loopDetector{
		seen:          make(map[string]int),
		maxTotal:      DefaultMaxTurnCalls,
		sameCallLimit: DefaultSameCallLimit,
	}
}

// record notes one invocation and reports whether it pushed the turn
// into a loop. The reason is suitable for feeding back to the model.
func (d *loopDetector) record(tool, arguments string) (looping bool, reason string) {
	h := sha256.Sum256([]byte(tool + "\x00" + arguments))
	key := hex.EncodeToString(h[:8])

	d.mu.Lock()
	defer d.mu.Unlock()

	d.total++
	d.seen[key]++

	if d.seen[key] > d.sameCallLimit {
		return true, "repeated identical call to " + tool + " with the same arguments"
	}
	if d.total > d.maxTotal {
		return true, "too many tool calls in one turn"
	}
	return false, ""
}
