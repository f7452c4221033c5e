package core

import (
	"errors"
	"fmt"
	"sync"
)

// ErrCallLimitExceeded is returned once a CallLimiter has been exhausted.
var ErrCallLimitExceeded = errors.New("call limit exceeded")

// CallLimiter caps how many provider calls an agent may make per session.
// A zero max means unlimited.
type CallLimiter struct {
	max    int
	counts map[string]int
	mu     sync.Mutex
}

// NewCallLimiter creates a limiter allowing max calls per key.
func NewCallLimiter(max int) *CallLimiter {
	return &CallLimiter{max: max, counts: map[string]int{}}
}

// Increment records a call for key and fails once the limit is exceeded.
func (l *CallLimiter) Increment(key string) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	l.counts[key]++
	if l.max > 0 && l.counts[key] > l.max {
		return fmt.Errorf("%w: %d calls allowed for %s", ErrCallLimitExceeded, l.max, key)
	}

	return nil
}

// Count returns the number of calls recorded for key.
func (l *CallLimiter) Count(key string) int {
	l.mu.Lock()
	defer l.mu.Unlock()

	return l.counts[key]
}

// Remaining returns how many calls are left for key, or -1 when unlimited.
func (l *CallLimiter) Remaining(key string) int {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.max == 0 {
		return -1
	}

	if left := l.max - l.counts[key]; left > 0 {
		return left
	}

	return 0
}

// Reset forgets the calls recorded for key.
func (l *CallLimiter) Reset(key string) {
	l.mu.Lock()
	defer l.mu.Unlock()

	delete(l.counts, key)
}
