package logmux

import (
	"fmt"
	"sync"
	"time"
)

// Stream names where a captured line came from.
type Stream string

const (
	StreamStdout Stream = "stdout"
	StreamStderr Stream = "stderr"
	// StreamSystem marks lines synthesized by the mux itself.
	StreamSystem Stream = "system"
)

// Line is one line of output produced by the supervised process.
type Line struct {
	Timestamp time.Time
	Stream    Stream
	Text      string
	Level     string
}

// Mux fans in output lines from the process streams and delivers them via a
// bounded channel. When downstream consumers cannot keep up and the output
// buffer would overflow, the mux drops lines and emits a synthesized warning
// line to surface the number of discarded entries.
type Mux struct {
	out chan Line

	mu     sync.Mutex
	drops  map[Stream]int
	inputs sync.WaitGroup
}

// New constructs a mux backed by a channel of the provided size. A size of
// zero results in a minimally buffered channel.
func New(size int) *Mux {
	if size <= 0 {
		size = 1
	}
	return &Mux{
		out:   make(chan Line, size),
		drops: make(map[Stream]int),
	}
}

// Output exposes the muxed line channel.
func (m *Mux) Output() <-chan Line {
	return m.out
}

// Add registers a new source channel. The mux consumes lines until the source
// channel is closed.
func (m *Mux) Add(source <-chan Line) {
	if source == nil {
		return
	}
	m.inputs.Add(1)
	go func() {
		defer m.inputs.Done()
		for line := range source {
			m.deliver(normalize(line))
		}
	}()
}

// Close waits for all sources to be drained, emits any pending drop metadata,
// and closes the output channel. Writers returned by Writer must be closed
// first.
func (m *Mux) Close() {
	m.inputs.Wait()
	m.flushDrops()
	close(m.out)
}

func (m *Mux) deliver(line Line) {
	if !m.flushPending(line.Stream) {
		m.recordDrop(line.Stream, 1)
		return
	}
	if m.trySend(line) {
		return
	}
	m.recordDrop(line.Stream, 1)
}

func (m *Mux) flushPending(stream Stream) bool {
	for {
		count := m.takeDrops(stream)
		if count == 0 {
			return true
		}
		if m.trySend(synthesizeDropLine(stream, count)) {
			continue
		}
		m.recordDrop(stream, count)
		return false
	}
}

func (m *Mux) takeDrops(stream Stream) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	count := m.drops[stream]
	if count != 0 {
		delete(m.drops, stream)
	}
	return count
}

func (m *Mux) recordDrop(stream Stream, count int) {
	if count <= 0 {
		return
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.drops[stream] += count
}

func (m *Mux) flushDrops() {
	m.mu.Lock()
	pending := m.drops
	m.drops = make(map[Stream]int)
	m.mu.Unlock()

	for _, stream := range []Stream{StreamStdout, StreamStderr} {
		if count := pending[stream]; count > 0 {
			m.out <- synthesizeDropLine(stream, count)
		}
	}
}

func (m *Mux) trySend(line Line) bool {
	select {
	case m.out <- line:
		return true
	default:
		return false
	}
}

func normalize(line Line) Line {
	if line.Timestamp.IsZero() {
		line.Timestamp = time.Now()
	}
	if line.Stream == "" {
		line.Stream = StreamStdout
	}
	if line.Level == "" {
		if line.Stream == StreamStderr {
			line.Level = "warn"
		} else {
			line.Level = "info"
		}
	}
	return line
}

func synthesizeDropLine(stream Stream, count int) Line {
	return Line{
		Timestamp: time.Now(),
		Stream:    StreamSystem,
		Text:      fmt.Sprintf("dropped=%d %s", count, stream),
		Level:     "warn",
	}
}
