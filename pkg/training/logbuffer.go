package training

import (
	"sync"
	"time"
)

// DefaultLogBufferSize is the number of lines kept per job when no size is configured
const DefaultLogBufferSize = 1000

// LogLine is a single timestamped line of job output
type LogLine struct {
	Timestamp time.Time `json:"timestamp"`
	Message   string    `json:"message"`
}

// LogBuffer is a bounded FIFO of log lines. When full, the oldest line is
// evicted to make room. Lines keep producer order.
type LogBuffer struct {
	mu      sync.Mutex
	lines   []LogLine
	start   int
	count   int
	dropped uint64
}

// NewLogBuffer creates a buffer holding at most size lines
func NewLogBuffer(size int) *LogBuffer {
	if size <= 0 {
		size = DefaultLogBufferSize
	}
	return &LogBuffer{lines: make([]LogLine, size)}
}

// Append adds a line stamped with the current time
func (b *LogBuffer) Append(message string) {
	b.AppendLine(LogLine{Timestamp: time.Now().UTC(), Message: message})
}

// AppendLine adds a pre-stamped line
func (b *LogBuffer) AppendLine(line LogLine) {
	b.mu.Lock()
	defer b.mu.Unlock()

	capacity := len(b.lines)
	if b.count == capacity {
		// overwrite the oldest slot
		b.lines[b.start] = line
		b.start = (b.start + 1) % capacity
		b.dropped++
		return
	}
	b.lines[(b.start+b.count)%capacity] = line
	b.count++
}

// Len returns the number of buffered lines
func (b *LogBuffer) Len() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.count
}

// Cap returns the maximum number of lines the buffer holds
func (b *LogBuffer) Cap() int {
	return len(b.lines)
}

// Dropped returns how many lines have been evicted since creation
func (b *LogBuffer) Dropped() uint64 {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.dropped
}

// Snapshot returns a copy of the buffered lines, oldest first
func (b *LogBuffer) Snapshot() []LogLine {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.copyLocked()
}

// Drain returns the buffered lines, oldest first, and empties the buffer
func (b *LogBuffer) Drain() []LogLine {
	b.mu.Lock()
	defer b.mu.Unlock()

	out := b.copyLocked()
	b.start = 0
	b.count = 0
	return out
}

func (b *LogBuffer) copyLocked() []LogLine {
	out := make([]LogLine, b.count)
	for i := 0; i < b.count; i++ {
		out[i] = b.lines[(b.start+i)%len(b.lines)]
	}
	return out
}
