package trace

import (
	"encoding/json"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"
)

// DefaultKeep is the default number of retained trace files.
const DefaultKeep = 50

// Span records one cross-plugin call within a trace.
type Span struct {
	TraceID      string    `json:"traceId"`
	SpanID       string    `json:"spanId"`
	ParentSpanID string    `json:"parentSpanId,omitempty"`
	CallerPlugin string    `json:"callerPlugin,omitempty"`
	TargetPlugin string    `json:"targetPlugin"`
	Target       string    `json:"target"`
	Depth        int       `json:"depth"`
	StartedAt    time.Time `json:"startedAt"`
	DurationMs   int64     `json:"durationMs"`
	OK           bool      `json:"ok"`
	ErrorCode    string    `json:"errorCode,omitempty"`
}

// Trace is the persisted form of one completed invoke chain.
type Trace struct {
	TraceID    string    `json:"traceId"`
	RecordedAt time.Time `json:"recordedAt"`
	Spans      []Span    `json:"spans"`
}

// Store accumulates spans per trace in memory and persists each trace as a
// JSON file when its root call completes. Old trace files beyond keep are
// removed on every flush.
type Store struct {
	dir  string
	keep int

	mu      sync.Mutex
	pending map[string][]Span
}

// NewStore creates a trace store rooted at root. keep <= 0 uses DefaultKeep.
func NewStore(root string, keep int) *Store {
	if keep <= 0 {
		keep = DefaultKeep
	}
	return &Store{
		dir:     filepath.Join(root, ".kb", "debug", "tmp", "traces"),
		keep:    keep,
		pending: make(map[string][]Span),
	}
}

// Dir returns the on-disk trace directory.
func (s *Store) Dir() string { return s.dir }

// Record appends a span to its trace's in-memory buffer.
func (s *Store) Record(span Span) {
	if span.TraceID == "" {
		return
	}
	s.mu.Lock()
	s.pending[span.TraceID] = append(s.pending[span.TraceID], span)
	s.mu.Unlock()
}

// Pending returns the buffered span count for a trace.
func (s *Store) Pending(traceID string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.pending[traceID])
}

// Flush persists and clears a trace's spans. Flushing a trace with no
// buffered spans is a no-op.
func (s *Store) Flush(traceID string) error {
	s.mu.Lock()
	spans := s.pending[traceID]
	delete(s.pending, traceID)
	s.mu.Unlock()
	if len(spans) == 0 {
		return nil
	}

	if err := os.MkdirAll(s.dir, 0755); err != nil {
		return err
	}
	tr := Trace{TraceID: traceID, RecordedAt: time.Now(), Spans: spans}
	encoded, err := json.MarshalIndent(tr, "", "  ")
	if err != nil {
		return err
	}
	if err := os.WriteFile(filepath.Join(s.dir, traceID+".json"), encoded, 0644); err != nil {
		return err
	}
	return s.rotate()
}

// Load reads a persisted trace by id.
func (s *Store) Load(traceID string) (*Trace, error) {
	data, err := os.ReadFile(filepath.Join(s.dir, traceID+".json"))
	if err != nil {
		return nil, err
	}
	var tr Trace
	if err := json.Unmarshal(data, &tr); err != nil {
		return nil, err
	}
	return &tr, nil
}

// rotate removes trace files beyond the retention bound, oldest first.
func (s *Store) rotate() error {
	entries, err := os.ReadDir(s.dir)
	if err != nil {
		return err
	}
	type stamped struct {
		name string
		mod  time.Time
	}
	var all []stamped
	for _, e := range entries {
		if filepath.Ext(e.Name()) != ".json" {
			continue
		}
		info, err := e.Info()
		if err != nil {
			continue
		}
		all = append(all, stamped{name: e.Name(), mod: info.ModTime()})
	}
	if len(all) <= s.keep {
		return nil
	}
	sort.Slice(all, func(i, j int) bool { return all[i].mod.After(all[j].mod) })
	for _, old := range all[s.keep:] {
		_ = os.Remove(filepath.Join(s.dir, old.name))
	}
	return nil
}
