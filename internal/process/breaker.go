package process

import (
	"sync"
	"time"
)

// CircuitBreaker counts consecutive fast crashes per spawn source and
// refuses further spawns once the limit is reached. A single long-lived run
// resets the source.
type CircuitBreaker struct {
	crashThreshold time.Duration
	limit          int

	mu     sync.Mutex
	counts map[string]int
}

// NewCircuitBreaker creates a breaker. An exit with uptime below
// crashThreshold counts as a crash; limit consecutive crashes open the
// breaker for that source.
func NewCircuitBreaker(crashThreshold time.Duration, limit int) *CircuitBreaker {
	return &CircuitBreaker{
		crashThreshold: crashThreshold,
		limit:          limit,
		counts:         make(map[string]int),
	}
}

// Allow reports whether a spawn from the source is currently permitted.
func (b *CircuitBreaker) Allow(source string) bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.counts[source] < b.limit
}

// RecordExit feeds an observed process exit into the breaker.
func (b *CircuitBreaker) RecordExit(source string, uptime time.Duration) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if uptime < b.crashThreshold {
		b.counts[source]++
		return
	}
	delete(b.counts, source)
}

// Crashes returns the current consecutive crash count for a source.
func (b *CircuitBreaker) Crashes(source string) int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.counts[source]
}

// Reset clears a source's crash count.
func (b *CircuitBreaker) Reset(source string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	delete(b.counts, source)
}
