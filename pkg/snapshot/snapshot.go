package snapshot

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/kb-labs/runtime/pkg/errdefs"
)

// DefaultKeep is the default number of retained snapshots.
const DefaultKeep = 30

// Snapshot is one persisted debug artifact.
type Snapshot struct {
	ID        string          `json:"id"`
	PluginID  string          `json:"pluginId"`
	Label     string          `json:"label,omitempty"`
	CreatedAt time.Time       `json:"createdAt"`
	Data      json.RawMessage `json:"data"`
}

// Store persists debug snapshots as rotated JSON files under
// <root>/.kb/debug/tmp/snapshots. The oldest files beyond keep are removed
// on every write.
type Store struct {
	dir  string
	keep int
	mu   sync.Mutex
}

// NewStore creates a snapshot store rooted at root. keep <= 0 uses
// DefaultKeep.
func NewStore(root string, keep int) *Store {
	if keep <= 0 {
		keep = DefaultKeep
	}
	return &Store{
		dir:  filepath.Join(root, ".kb", "debug", "tmp", "snapshots"),
		keep: keep,
	}
}

// Dir returns the on-disk snapshot directory.
func (s *Store) Dir() string { return s.dir }

// Create persists a snapshot and rotates old ones.
func (s *Store) Create(pluginID, label string, data json.RawMessage) (*Snapshot, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	snap := &Snapshot{
		ID:        uuid.New().String(),
		PluginID:  pluginID,
		Label:     label,
		CreatedAt: time.Now(),
		Data:      data,
	}
	if err := os.MkdirAll(s.dir, 0755); err != nil {
		return nil, errdefs.Wrap(err, errdefs.CodePlatform).WithDetail("service", "snapshot")
	}
	encoded, err := json.MarshalIndent(snap, "", "  ")
	if err != nil {
		return nil, errdefs.Wrap(err, errdefs.CodePlatform).WithDetail("service", "snapshot")
	}
	path := filepath.Join(s.dir, snap.ID+".json")
	if err := os.WriteFile(path, encoded, 0644); err != nil {
		return nil, errdefs.Wrap(err, errdefs.CodePlatform).WithDetail("service", "snapshot")
	}
	if err := s.rotate(); err != nil {
		return nil, err
	}
	return snap, nil
}

// Get loads a snapshot by id.
func (s *Store) Get(id string) (*Snapshot, error) {
	data, err := os.ReadFile(filepath.Join(s.dir, id+".json"))
	if err != nil {
		return nil, errdefs.Newf(errdefs.CodePlatform, "snapshot %s not found", id).
			WithDetail("service", "snapshot")
	}
	var snap Snapshot
	if err := json.Unmarshal(data, &snap); err != nil {
		return nil, fmt.Errorf("failed to decode snapshot %s: %w", id, err)
	}
	return &snap, nil
}

// List returns the ids of all retained snapshots, newest first.
func (s *Store) List() ([]string, error) {
	entries, err := os.ReadDir(s.dir)
	if os.IsNotExist(err) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	type stamped struct {
		id  string
		mod time.Time
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
		all = append(all, stamped{id: e.Name()[:len(e.Name())-5], mod: info.ModTime()})
	}
	sort.Slice(all, func(i, j int) bool { return all[i].mod.After(all[j].mod) })
	ids := make([]string, len(all))
	for i, s := range all {
		ids[i] = s.id
	}
	return ids, nil
}

// rotate removes snapshots beyond the retention bound, oldest first.
func (s *Store) rotate() error {
	ids, err := s.List()
	if err != nil {
		return err
	}
	for _, id := range ids[min(len(ids), s.keep):] {
		_ = os.Remove(filepath.Join(s.dir, id+".json"))
	}
	return nil
}
