package agent

import "errors"

// Turn-level errors surfaced to callers
var (
	// ErrTurnInProgress means the session already has an active turn
	ErrTurnInProgress = errors.New("turn already in progress")

	// ErrToolLoopExceeded means the model kept requesting tools past the
	// round cap. The accompanying result still carries a degraded answer.
	ErrToolLoopExceeded = errors.New("tool round limit exceeded")

	// ErrTurnCancelled means the turn was cancelled before it finished
	ErrTurnCancelled = errors.New("turn cancelled")

	// ErrNoProvider means no LLM provider is configured
	ErrNoProvider = errors.New("no provider configured")
)
