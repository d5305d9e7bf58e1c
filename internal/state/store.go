// Package state persists per-task progress to a YAML file. Saves are atomic:
// write to a sibling temp file, fsync, rename over the target.
package state

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"gopkg.in/yaml.v3"

	"kitops/internal/core"
)

// FileStore owns the state file. One instance per process; the scheduler is
// the only caller of Save.
type FileStore struct {
	path string

	mu    sync.Mutex
	state map[string]core.TaskState
}

// Load reads the state file, starting empty when it does not exist yet.
func Load(path string) (*FileStore, error) {
	s := &FileStore{
		path:  path,
		state: make(map[string]core.TaskState),
	}
	data, err := os.ReadFile(path)
	if errors.Is(err, os.ErrNotExist) {
		return s, nil
	}
	if err != nil {
		return nil, core.Errorf(core.ErrIO, "read state file %s: %w", path, err)
	}
	if err := yaml.Unmarshal(data, &s.state); err != nil {
		return nil, core.Errorf(core.ErrIO, "parse state file %s: %w", path, err)
	}
	return s, nil
}

// Reconcile resets entries whose task configuration changed since the state
// was written, so the changed task runs from scratch. Entries for unknown
// task ids are preserved but inert. Returns the ids that were reset.
func (s *FileStore) Reconcile(tasks []*core.TaskDefinition) []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	var reset []string
	for _, task := range tasks {
		st, ok := s.state[task.ID]
		if !ok {
			continue
		}
		fp := task.Fingerprint()
		if st.Fingerprint != "" && st.Fingerprint != fp {
			s.state[task.ID] = core.TaskState{Fingerprint: fp}
			reset = append(reset, task.ID)
		}
	}
	return reset
}

// Get returns the stored state for a task.
func (s *FileStore) Get(taskID string) (core.TaskState, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	st, ok := s.state[taskID]
	return st, ok
}

// Put replaces the in-memory state for a task. Callers follow up with Save
// when the change must be durable.
func (s *FileStore) Put(taskID string, st core.TaskState) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.state[taskID] = st
}

// Save writes the full state map atomically.
func (s *FileStore) Save() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	data, err := yaml.Marshal(s.state)
	if err != nil {
		return core.Errorf(core.ErrIO, "serialize state: %w", err)
	}

	dir := filepath.Dir(s.path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return core.Errorf(core.ErrIO, "create state dir: %w", err)
	}
	tmp, err := os.CreateTemp(dir, filepath.Base(s.path)+".tmp-")
	if err != nil {
		return core.Errorf(core.ErrIO, "create temp state file: %w", err)
	}
	defer os.Remove(tmp.Name())
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return core.Errorf(core.ErrIO, "write state: %w", err)
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		return core.Errorf(core.ErrIO, "sync state: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return core.Errorf(core.ErrIO, "close temp state file: %w", err)
	}
	if err := os.Rename(tmp.Name(), s.path); err != nil {
		return core.Errorf(core.ErrIO, "replace state file: %w", err)
	}
	// Durability of the rename itself; best-effort where the platform
	// does not support syncing directories.
	if d, err := os.Open(dir); err == nil {
		_ = d.Sync()
		d.Close()
	}
	return nil
}

// Snapshot returns a copy of all entries, for tests and diagnostics.
func (s *FileStore) Snapshot() map[string]core.TaskState {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make(map[string]core.TaskState, len(s.state))
	for k, v := range s.state {
		out[k] = v
	}
	return out
}

var _ core.StateStore = (*FileStore)(nil)

// String identifies the store in logs.
func (s *FileStore) String() string {
	return fmt.Sprintf("state file %s", s.path)
}
