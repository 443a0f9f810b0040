package process

import (
	"regexp"
	"sync"
	"time"
)

// OutputLine represents a line of output from an agent subprocess.
type OutputLine struct {
	Timestamp time.Time `json:"timestamp"`
	Stream    string    `json:"stream"` // "stdout" or "stderr"
	Content   string    `json:"content"`
}

// Patterns whose matches are replaced before a line enters the ring. Agent
// CLIs occasionally echo credentials in diagnostics.
var redactPatterns = []*regexp.Regexp{
	regexp.MustCompile(`(?i)(bearer\s+)[a-z0-9._\-]+`),
	regexp.MustCompile(`(?i)(api[_-]?key["'=:\s]+)[a-z0-9._\-]+`),
	regexp.MustCompile(`(?i)(authorization["'=:\s]+)[a-z0-9._\-]+`),
	regexp.MustCompile(`sk-[a-zA-Z0-9\-_]{16,}`),
}

// Redact masks credential-looking substrings in a line.
func Redact(line string) string {
	for _, p := range redactPatterns {
		line = p.ReplaceAllString(line, "$1[redacted]")
	}
	return line
}

// OutputBuffer is a bounded ring of redacted subprocess output, kept in
// memory only.
type OutputBuffer struct {
	lines []OutputLine
	size  int
	head  int
	count int
	mu    sync.RWMutex
}

// NewOutputBuffer creates a ring with the given capacity.
func NewOutputBuffer(size int) *OutputBuffer {
	return &OutputBuffer{
		lines: make([]OutputLine, size),
		size:  size,
	}
}

// Add appends a line, redacting it and evicting the oldest when full.
func (b *OutputBuffer) Add(line OutputLine) {
	line.Content = Redact(line.Content)

	b.mu.Lock()
	defer b.mu.Unlock()

	idx := (b.head + b.count) % b.size
	if b.count < b.size {
		b.count++
	} else {
		b.head = (b.head + 1) % b.size
	}
	b.lines[idx] = line
}

// GetAll returns all lines in the buffer, oldest first.
func (b *OutputBuffer) GetAll() []OutputLine {
	b.mu.RLock()
	defer b.mu.RUnlock()

	result := make([]OutputLine, b.count)
	for i := 0; i < b.count; i++ {
		result[i] = b.lines[(b.head+i)%b.size]
	}
	return result
}

// GetLast returns the last n lines from the buffer.
func (b *OutputBuffer) GetLast(n int) []OutputLine {
	b.mu.RLock()
	defer b.mu.RUnlock()

	if n > b.count {
		n = b.count
	}
	result := make([]OutputLine, n)
	start := b.count - n
	for i := 0; i < n; i++ {
		result[i] = b.lines[(b.head+start+i)%b.size]
	}
	return result
}

// Count returns the number of lines in the buffer.
func (b *OutputBuffer) Count() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.count
}

// Clear empties the buffer.
func (b *OutputBuffer) Clear() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.head = 0
	b.count = 0
}
