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

// Package budget gates job admission on CPU/VRAM/slot pressure. Delayed
// jobs are promoted oldest-first when pressure eases; every transition
// publishes on_perf_budget_state.
package budget

import (
	"log/slog"
	"sync"
	"time"

	"comfyvn/internal/hooks"
	"comfyvn/internal/metrics"
	"comfyvn/pkg/models"
)

// Config holds the budget limits.
type Config struct {
	CPUPctMax           float64
	VRAMMBMax           int64
	ConcurrentLocalMax  int
	ConcurrentRemoteMax int
	LazyEvictionEnabled bool
}

// Decision is the outcome of an admission attempt.
type Decision struct {
	Accepted bool
	Reason   string
}

// Cache is the lazy-evictable cache the manager trims under pressure.
type Cache interface {
	CacheLen() int
	EvictLRU(n int) int
}

// PromoteFunc is called (off the manager lock) for each delayed job that
// fits again after a refresh.
type PromoteFunc func(jobID string)

// cacheHighWater is the entry count above which a refresh evicts.
const cacheHighWater = 1024

type reservation struct {
	target models.Target
	cpu    float64
	vram   int64
}

type delayedEntry struct {
	jobID  string
	target models.Target
	hint   models.CostHint
	at     time.Time
}

type usage struct {
	cpu   float64
	vram  int64
	slots int
}

// Manager tracks reservations against the configured limits.
type Manager struct {
	cfg     Config
	bus     *hooks.Bus
	cache   Cache
	promote PromoteFunc

	mu        sync.Mutex
	reserved  map[string]reservation
	use       map[models.Target]*usage
	delayed   []delayedEntry
	evictions uint64

	done chan struct{}
}

// New builds a manager. promote may be nil until SetPromote is called
// (the scheduler wires itself in after construction).
func New(cfg Config, bus *hooks.Bus, cache Cache) *Manager {
	if cfg.ConcurrentLocalMax <= 0 {
		cfg.ConcurrentLocalMax = 1
	}
	if cfg.ConcurrentRemoteMax <= 0 {
		cfg.ConcurrentRemoteMax = 1
	}
	return &Manager{
		cfg:   cfg,
		bus:   bus,
		cache: cache,
		reserved: map[string]reservation{},
		use: map[models.Target]*usage{
			models.TargetLocal:  {},
			models.TargetRemote: {},
		},
		done: make(chan struct{}),
	}
}

// SetPromote wires the scheduler's promotion callback.
func (m *Manager) SetPromote(fn PromoteFunc) {
	m.mu.Lock()
	m.promote = fn
	m.mu.Unlock()
}

// Start runs the refresh ticker (default cadence 1s).
func (m *Manager) Start(interval time.Duration) {
	if interval <= 0 {
		interval = time.Second
	}
	go func() {
		t := time.NewTicker(interval)
		defer t.Stop()
		for {
			select {
			case <-m.done:
				return
			case <-t.C:
				m.Refresh()
			}
		}
	}()
}

// Stop halts the ticker.
func (m *Manager) Stop() {
	close(m.done)
}

// Admit reserves the job's cost hint on its target, or records it as
// delayed when any budget is currently exceeded.
func (m *Manager) Admit(jobID string, target models.Target, hint models.CostHint) Decision {
	m.mu.Lock()
	if reason := m.overLocked(target, hint); reason != "" {
		m.delayed = append(m.delayed, delayedEntry{jobID: jobID, target: target, hint: hint, at: time.Now()})
		m.mu.Unlock()
		metrics.ObserveBudgetEvent("delayed")
		m.publishState()
		return Decision{Accepted: false, Reason: reason}
	}
	m.reserveLocked(jobID, target, hint)
	m.mu.Unlock()
	m.publishState()
	return Decision{Accepted: true}
}

// Release frees the job's reservation (or drops it from the delayed queue)
// and triggers a refresh.
func (m *Manager) Release(jobID string) {
	m.mu.Lock()
	if res, ok := m.reserved[jobID]; ok {
		delete(m.reserved, jobID)
		u := m.use[res.target]
		u.cpu -= res.cpu
		u.vram -= res.vram
	} else {
		for i, d := range m.delayed {
			if d.jobID == jobID {
				m.delayed = append(m.delayed[:i], m.delayed[i+1:]...)
				break
			}
		}
	}
	m.mu.Unlock()
	m.Refresh()
}

// Refresh promotes delayed jobs oldest-first while they fit, and evicts
// lazy cache entries under pressure.
func (m *Manager) Refresh() {
	var promoted []string

	m.mu.Lock()
	promote := m.promote
	// Oldest-first, stopping at the first entry that still does not fit
	// so a large delayed job is never starved by smaller late arrivals.
	idx := 0
	for idx < len(m.delayed) {
		d := m.delayed[idx]
		if m.overLocked(d.target, d.hint) != "" {
			break
		}
		m.reserveLocked(d.jobID, d.target, d.hint)
		promoted = append(promoted, d.jobID)
		idx++
	}
	m.delayed = m.delayed[idx:]
	m.mu.Unlock()

	for range promoted {
		metrics.ObserveBudgetEvent("promoted")
	}
	if promote != nil {
		for _, id := range promoted {
			promote(id)
		}
	}
	if len(promoted) > 0 {
		m.publishState()
	}

	m.EvictLazy()
}

// EvictLazy trims the cache by LRU when eviction is enabled and occupancy
// exceeds the high-water mark.
func (m *Manager) EvictLazy() {
	if !m.cfg.LazyEvictionEnabled || m.cache == nil {
		return
	}
	over := m.cache.CacheLen() - cacheHighWater
	if over <= 0 {
		return
	}
	n := m.cache.EvictLRU(over)
	if n > 0 {
		m.mu.Lock()
		m.evictions += uint64(n)
		m.mu.Unlock()
		metrics.ObserveBudgetEvent("evicted")
		slog.Debug("Evicted lazy cache entries", "count", n)
		m.publishState()
	}
}

// State is a snapshot for /status and the perf hook payload.
type State struct {
	Delayed      int    `json:"delayed"`
	ActiveLocal  int    `json:"active_local"`
	ActiveRemote int    `json:"active_remote"`
	Evictions    uint64 `json:"evictions"`
}

// Snapshot returns the current state.
func (m *Manager) Snapshot() State {
	m.mu.Lock()
	defer m.mu.Unlock()
	return State{
		Delayed:      len(m.delayed),
		ActiveLocal:  m.use[models.TargetLocal].slots,
		ActiveRemote: m.use[models.TargetRemote].slots,
		Evictions:    m.evictions,
	}
}

func (m *Manager) publishState() {
	st := m.Snapshot()
	if _, err := m.bus.Publish(hooks.EventPerfBudgetState, "budget", map[string]any{
		"delayed":       st.Delayed,
		"active_local":  st.ActiveLocal,
		"active_remote": st.ActiveRemote,
		"evictions":     int(st.Evictions),
	}); err != nil {
		slog.Warn("Failed to publish budget state", "error", err)
	}
}

// AcquireSlot takes an execution slot on target, returning false when the
// concurrency limit is already saturated. Admission reserves pressure;
// slots are only held while a job is claimed or running.
func (m *Manager) AcquireSlot(target models.Target, n int) bool {
	if n <= 0 {
		n = 1
	}
	m.mu.Lock()
	u := m.use[target]
	if u == nil {
		m.mu.Unlock()
		return false
	}
	max := m.cfg.ConcurrentLocalMax
	if target == models.TargetRemote {
		max = m.cfg.ConcurrentRemoteMax
	}
	if u.slots+n > max {
		m.mu.Unlock()
		return false
	}
	u.slots += n
	m.mu.Unlock()
	m.publishState()
	return true
}

// ReleaseSlot returns execution slots taken by AcquireSlot.
func (m *Manager) ReleaseSlot(target models.Target, n int) {
	if n <= 0 {
		n = 1
	}
	m.mu.Lock()
	if u := m.use[target]; u != nil {
		u.slots -= n
		if u.slots < 0 {
			u.slots = 0
		}
	}
	m.mu.Unlock()
	m.publishState()
}

// FreeSlots reports the currently unused execution slots on target.
func (m *Manager) FreeSlots(target models.Target) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	u := m.use[target]
	if u == nil {
		return 0
	}
	max := m.cfg.ConcurrentLocalMax
	if target == models.TargetRemote {
		max = m.cfg.ConcurrentRemoteMax
	}
	free := max - u.slots
	if free < 0 {
		free = 0
	}
	return free
}

// overLocked returns a non-empty reason when admitting hint on target
// would exceed a pressure budget. Callers hold m.mu.
func (m *Manager) overLocked(target models.Target, hint models.CostHint) string {
	u := m.use[target]
	if u == nil {
		return "unknown target"
	}
	if m.cfg.CPUPctMax > 0 && u.cpu+hint.CPUPct > m.cfg.CPUPctMax {
		return "cpu budget exceeded"
	}
	if m.cfg.VRAMMBMax > 0 && u.vram+hint.VRAMMB > m.cfg.VRAMMBMax {
		return "vram budget exceeded"
	}
	return ""
}

func (m *Manager) reserveLocked(jobID string, target models.Target, hint models.CostHint) {
	m.reserved[jobID] = reservation{target: target, cpu: hint.CPUPct, vram: hint.VRAMMB}
	u := m.use[target]
	u.cpu += hint.CPUPct
	u.vram += hint.VRAMMB
}
