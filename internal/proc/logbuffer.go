package proc

import (
	"strings"
	"sync"
	"time"
)

// LogEntry is a single line of process output.
type LogEntry struct {
	ID        int64     `json:"id"`
	Timestamp time.Time `json:"timestamp"`
	Message   string    `json:"message"`
}

// LogBuffer keeps the most recent lines of a process's output.
type LogBuffer struct {
	mu       sync.RWMutex
	entries  []LogEntry
	capacity int
	nextID   int64
}

// NewLogBuffer creates a log buffer holding at most capacity entries.
func NewLogBuffer(capacity int) *LogBuffer {
	if capacity <= 0 {
		capacity = 1
	}
	return &LogBuffer{
		entries:  make([]LogEntry, 0, capacity),
		capacity: capacity,
		nextID:   1,
	}
}

// Add appends a line, dropping the oldest when full.
func (lb *LogBuffer) Add(message string) {
	lb.mu.Lock()
	defer lb.mu.Unlock()

	if len(lb.entries) >= lb.capacity {
		lb.entries = lb.entries[1:]
	}
	lb.entries = append(lb.entries, LogEntry{
		ID:        lb.nextID,
		Timestamp: time.Now(),
		Message:   message,
	})
	lb.nextID++
}

// Latest returns up to count of the most recent entries, oldest first.
func (lb *LogBuffer) Latest(count int) []LogEntry {
	lb.mu.RLock()
	defer lb.mu.RUnlock()

	if count <= 0 || len(lb.entries) == 0 {
		return []LogEntry{}
	}
	start := len(lb.entries) - count
	if start < 0 {
		start = 0
	}
	out := make([]LogEntry, len(lb.entries)-start)
	copy(out, lb.entries[start:])
	return out
}

// Dropped reports how many lines were evicted.
func (lb *LogBuffer) Dropped() int64 {
	lb.mu.RLock()
	defer lb.mu.RUnlock()
	return lb.nextID - 1 - int64(len(lb.entries))
}

// String joins the buffered lines with newlines.
func (lb *LogBuffer) String() string {
	lb.mu.RLock()
	defer lb.mu.RUnlock()

	var b strings.Builder
	for i, e := range lb.entries {
		if i > 0 {
			b.WriteByte('\n')
		}
		b.WriteString(e.Message)
	}
	return b.String()
}
