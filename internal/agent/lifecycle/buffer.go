// Package lifecycle manages the agent subprocess: spawn queueing,
// health monitoring, recovery with backoff, the autonomous task loop
// with its circuit breaker, and escalation to humans when recovery runs
// out of options.
package lifecycle

import (
	"sync"
	"time"
)

// StderrLine is one captured line of the agent's stderr stream.
type StderrLine struct {
	Timestamp time.Time
	Content   string
}

// StderrBuffer is a ring buffer over the agent's stderr with live
// subscribers. The usage tracker watches it for /usage reply blocks;
// escalation records grab the tail for human context.
type StderrBuffer struct {
	mu    sync.RWMutex
	lines []StderrLine
	size  int
	head  int
	count int

	subMu       sync.RWMutex
	subscribers map[chan string]struct{}
}

// NewStderrBuffer creates a buffer holding the last size lines.
func NewStderrBuffer(size int) *StderrBuffer {
	return &StderrBuffer{
		lines:       make([]StderrLine, size),
		size:        size,
		subscribers: make(map[chan string]struct{}),
	}
}

// Add appends a line and notifies subscribers without blocking; slow
// subscribers miss lines rather than stall the reader.
func (b *StderrBuffer) Add(content string) {
	b.mu.Lock()
	idx := (b.head + b.count) % b.size
	if b.count < b.size {
		b.count++
	} else {
		b.head = (b.head + 1) % b.size
	}
	b.lines[idx] = StderrLine{Timestamp: time.Now(), Content: content}
	b.mu.Unlock()

	b.subMu.RLock()
	for sub := range b.subscribers {
		select {
		case sub <- content:
		default:
		}
	}
	b.subMu.RUnlock()
}

// Subscribe returns a stream of future lines and a cancel func.
// Satisfies the usage tracker's stderr provider contract.
func (b *StderrBuffer) Subscribe() (<-chan string, func()) {
	sub := make(chan string, 100)

	b.subMu.Lock()
	b.subscribers[sub] = struct{}{}
	b.subMu.Unlock()

	var once sync.Once
	cancel := func() {
		once.Do(func() {
			b.subMu.Lock()
			delete(b.subscribers, sub)
			b.subMu.Unlock()
			close(sub)
		})
	}
	return sub, cancel
}

// Tail returns the last n lines, oldest first.
func (b *StderrBuffer) Tail(n int) []string {
	b.mu.RLock()
	defer b.mu.RUnlock()

	if n > b.count {
		n = b.count
	}
	result := make([]string, n)
	start := b.count - n
	for i := 0; i < n; i++ {
		idx := (b.head + start + i) % b.size
		result[i] = b.lines[idx].Content
	}
	return result
}

// Len returns the number of buffered lines.
func (b *StderrBuffer) Len() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.count
}
