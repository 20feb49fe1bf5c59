/*
ComfyVN Studio is a local-first orchestration server for visual novel authoring.
Copyright (C) 2026  ComfyVN Studio Contributors

This program is free software: you can redistribute it and/or modify
it under the terms of the GNU Affero General Public License as published by
the Free Software Foundation, either version 3 of the License, or
(at your option) any later version.

This program is distributed in the hope that it will be useful,
but WITHOUT ANY WARRANTY; without even the implied warranty of
MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE.  See the
GNU Affero General Public License for more details.

You should have received a copy of the GNU Affero General Public License
along with this program.  If not, see <https://www.gnu.org/licenses/>.
*/

// Package flags implements the feature-flag authority: a read-mostly typed
// map with persisted overrides. Reads are lock-free snapshots behind an
// atomic pointer; writes serialize through one mutex, persist the whole
// document with an atomic replace (write temp, fsync, rename) and only
// then swap the snapshot and notify watchers.
package flags

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"

	"github.com/fsnotify/fsnotify"
)

// Defaults is the compile-time flag table. Unknown names read as the zero
// value and log a warning once.
var Defaults = map[string]any{
	"enable_compute":          true,
	"enable_remote_providers": true,
	"policy_gate_imports":     true,
	"policy_gate_exports":     true,
	"policy_gate_scheduling":  true,
	"lazy_asset_eviction":     true,
	"scheduler_max_attempts":  float64(3),
	"hook_history_size":       float64(10000),
}

// Subscriber is notified after a flag write has been persisted.
type Subscriber func(name string, value any)

// Store is the process-wide feature flag store.
type Store struct {
	path string

	mu   sync.Mutex // serializes Set and reload
	snap atomic.Pointer[map[string]any]

	subsMu sync.RWMutex
	subs   []Subscriber

	warnedMu sync.Mutex
	warned   map[string]bool

	watcher *fsnotify.Watcher
}

// Open loads (or creates) the flag document at path and starts a watcher
// that reloads external edits to the file.
func Open(path string) (*Store, error) {
	s := &Store{
		path:   path,
		warned: make(map[string]bool),
	}

	doc := make(map[string]any, len(Defaults))
	for k, v := range Defaults {
		doc[k] = v
	}
	if raw, err := os.ReadFile(path); err == nil {
		var persisted map[string]any
		if err := json.Unmarshal(raw, &persisted); err != nil {
			return nil, fmt.Errorf("failed to parse flag store %s: %w", path, err)
		}
		for k, v := range persisted {
			doc[k] = v
		}
	} else if !os.IsNotExist(err) {
		return nil, fmt.Errorf("failed to read flag store: %w", err)
	}
	s.snap.Store(&doc)

	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("failed to create flag store directory: %w", err)
	}

	w, err := fsnotify.NewWatcher()
	if err != nil {
		slog.Warn("Flag file watcher unavailable; external edits require restart", "error", err)
	} else {
		s.watcher = w
		// Watch the directory: editors and atomic replaces recreate the file.
		if err := w.Add(filepath.Dir(path)); err != nil {
			slog.Warn("Failed to watch flag store directory", "error", err)
		}
		go s.watchLoop()
	}

	return s, nil
}

// Close stops the file watcher.
func (s *Store) Close() error {
	if s.watcher != nil {
		return s.watcher.Close()
	}
	return nil
}

// Get returns the value for name. Unknown names return the zero value and
// warn once per name.
func (s *Store) Get(name string) any {
	doc := *s.snap.Load()
	if v, ok := doc[name]; ok {
		return v
	}
	s.warnedMu.Lock()
	if !s.warned[name] {
		s.warned[name] = true
		slog.Warn("Unknown feature flag requested; defaulting to zero", "flag", name)
	}
	s.warnedMu.Unlock()
	return false
}

// GetBool returns name coerced to bool.
func (s *Store) GetBool(name string) bool {
	v, _ := s.Get(name).(bool)
	return v
}

// GetInt returns name coerced to int. JSON numbers arrive as float64.
func (s *Store) GetInt(name string) int {
	switch v := s.Get(name).(type) {
	case float64:
		return int(v)
	case int:
		return v
	}
	return 0
}

// Snapshot returns a copy of the current flag document.
func (s *Store) Snapshot() map[string]any {
	doc := *s.snap.Load()
	out := make(map[string]any, len(doc))
	for k, v := range doc {
		out[k] = v
	}
	return out
}

// Subscribe registers a watcher called after each persisted write.
func (s *Store) Subscribe(sub Subscriber) {
	s.subsMu.Lock()
	s.subs = append(s.subs, sub)
	s.subsMu.Unlock()
}

// Set writes a flag value, persists the document and notifies subscribers.
// A failed persistence fails the Set: the snapshot is not swapped and no
// watcher fires.
func (s *Store) Set(name string, value any) (prev any, err error) {
	switch value.(type) {
	case bool, string, float64, int:
	default:
		return nil, fmt.Errorf("unsupported flag value type %T", value)
	}
	if i, ok := value.(int); ok {
		value = float64(i)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	doc := *s.snap.Load()
	next := make(map[string]any, len(doc)+1)
	for k, v := range doc {
		next[k] = v
	}
	prev = next[name]
	next[name] = value

	if err := s.persist(next); err != nil {
		return nil, err
	}
	s.snap.Store(&next)
	s.notify(name, value)
	return prev, nil
}

// persist writes the document with write-temp, fsync, rename.
func (s *Store) persist(doc map[string]any) error {
	b, err := json.MarshalIndent(doc, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal flag store: %w", err)
	}
	b = append(b, '\n')

	tmp := s.path + ".tmp"
	f, err := os.OpenFile(tmp, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0o644)
	if err != nil {
		return fmt.Errorf("failed to open temp flag store: %w", err)
	}
	if _, err := f.Write(b); err != nil {
		f.Close()
		os.Remove(tmp)
		return fmt.Errorf("failed to write flag store: %w", err)
	}
	if err := f.Sync(); err != nil {
		f.Close()
		os.Remove(tmp)
		return fmt.Errorf("failed to sync flag store: %w", err)
	}
	if err := f.Close(); err != nil {
		os.Remove(tmp)
		return fmt.Errorf("failed to close flag store: %w", err)
	}
	if err := os.Rename(tmp, s.path); err != nil {
		os.Remove(tmp)
		return fmt.Errorf("failed to replace flag store: %w", err)
	}
	return nil
}

func (s *Store) notify(name string, value any) {
	s.subsMu.RLock()
	subs := make([]Subscriber, len(s.subs))
	copy(subs, s.subs)
	s.subsMu.RUnlock()
	for _, sub := range subs {
		sub(name, value)
	}
}

// watchLoop reloads the document when another process edits the file.
func (s *Store) watchLoop() {
	for {
		select {
		case ev, ok := <-s.watcher.Events:
			if !ok {
				return
			}
			if ev.Name != s.path {
				continue
			}
			if ev.Op&(fsnotify.Write|fsnotify.Create) == 0 {
				continue
			}
			s.reload()
		case err, ok := <-s.watcher.Errors:
			if !ok {
				return
			}
			slog.Warn("Flag store watcher error", "error", err)
		}
	}
}

func (s *Store) reload() {
	raw, err := os.ReadFile(s.path)
	if err != nil {
		return
	}
	var persisted map[string]any
	if err := json.Unmarshal(raw, &persisted); err != nil {
		slog.Warn("Ignoring malformed external flag store edit", "error", err)
		return
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	cur := *s.snap.Load()
	next := make(map[string]any, len(Defaults)+len(persisted))
	for k, v := range Defaults {
		next[k] = v
	}
	for k, v := range persisted {
		next[k] = v
	}
	s.snap.Store(&next)

	for k, v := range next {
		if old, ok := cur[k]; !ok || old != v {
			s.notify(k, v)
		}
	}
}
