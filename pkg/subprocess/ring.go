package subprocess

import (
	"strings"
	"sync"
)

// defaultRingCapacity bounds captured child output lines.
const defaultRingCapacity = 1000

// Ring captures a child process's combined output as a bounded line buffer.
// It is an io.Writer fed by the process pipes; once full, the oldest lines
// are dropped. Lines snapshots what is retained, most recent last.
type Ring struct {
	mu      sync.Mutex
	lines   []string
	cap     int
	partial strings.Builder
}

// NewRing creates a ring retaining up to capacity lines. capacity <= 0 uses
// the default.
func NewRing(capacity int) *Ring {
	if capacity <= 0 {
		capacity = defaultRingCapacity
	}
	return &Ring{cap: capacity}
}

// Write splits incoming bytes into lines. Partial trailing data is held
// until its newline arrives.
func (r *Ring) Write(p []byte) (int, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, b := range p {
		if b == '\n' {
			r.push(r.partial.String())
			r.partial.Reset()
			continue
		}
		r.partial.WriteByte(b)
	}
	return len(p), nil
}

func (r *Ring) push(line string) {
	if len(r.lines) >= r.cap {
		copy(r.lines, r.lines[1:])
		r.lines = r.lines[:len(r.lines)-1]
	}
	r.lines = append(r.lines, line)
}

// Lines returns the retained lines, including any unterminated tail.
func (r *Ring) Lines() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]string, len(r.lines), len(r.lines)+1)
	copy(out, r.lines)
	if r.partial.Len() > 0 {
		out = append(out, r.partial.String())
	}
	return out
}
