package core

import (
	"fmt"
	"sync"
)

// TurnLimiter enforces a maximum number of reasoning turns per task.
type TurnLimiter struct {
	max   int
	count int
	mu    sync.Mutex
}

// NewTurnLimiter creates a limiter allowing max turns.
// If max == 0, unlimited turns are allowed.
func NewTurnLimiter(max int) *TurnLimiter {
	return &TurnLimiter{max: max}
}

// Increment consumes one turn and returns an error once the limit is exceeded.
func (tl *TurnLimiter) Increment() error {
	tl.mu.Lock()
	defer tl.mu.Unlock()

	if tl.max > 0 && tl.count >= tl.max {
		return fmt.Errorf("exceeded max reasoning turns: %d", tl.max)
	}
	tl.count++

	return nil
}

// Count returns the number of turns consumed.
func (tl *TurnLimiter) Count() int {
	tl.mu.Lock()
	defer tl.mu.Unlock()

	return tl.count
}

// Remaining returns how many turns are left before hitting the limit.
func (tl *TurnLimiter) Remaining() int {
	tl.mu.Lock()
	defer tl.mu.Unlock()

	if tl.max == 0 {
		return -1 // unlimited
	}

	return tl.max - tl.count
}

// Exhausted reports whether no turns remain.
func (tl *TurnLimiter) Exhausted() bool { return tl.Remaining() == 0 }
