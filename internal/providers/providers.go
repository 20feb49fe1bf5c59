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

// Package providers tracks compute backends and their health. Remote
// providers are probed over HTTP, local ones by checking their device
// path; probe starts are jittered so a fleet never probes in lockstep.
package providers

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math/rand"
	"net/http"
	"os"
	"sync"
	"time"

	"comfyvn/internal/database"
	"comfyvn/internal/metrics"
	"comfyvn/pkg/models"
)

// ErrNotFound is returned for unknown provider ids.
var ErrNotFound = errors.New("provider not found")

// Registry is the in-memory provider table, mirrored to SQLite.
type Registry struct {
	db       *database.DB
	client   *http.Client
	interval time.Duration

	mu        sync.RWMutex
	providers map[string]*models.Provider

	done chan struct{}
	once sync.Once
}

// New loads persisted providers and builds the registry.
func New(ctx context.Context, db *database.DB, probeInterval time.Duration) (*Registry, error) {
	if probeInterval <= 0 {
		probeInterval = 30 * time.Second
	}
	rows, err := db.ListProviders(ctx)
	if err != nil {
		return nil, fmt.Errorf("loading providers: %w", err)
	}
	r := &Registry{
		db:        db,
		client:    &http.Client{Timeout: 10 * time.Second},
		interval:  probeInterval,
		providers: make(map[string]*models.Provider, len(rows)),
		done:      make(chan struct{}),
	}
	for _, p := range rows {
		r.providers[p.ID] = p
	}
	return r, nil
}

// Start launches the probe loop.
func (r *Registry) Start() {
	go r.probeLoop()
}

// Stop halts probing.
func (r *Registry) Stop() {
	r.once.Do(func() { close(r.done) })
}

// Upsert creates or replaces a provider record. Status is preserved on
// replace so a config edit does not reset health.
func (r *Registry) Upsert(ctx context.Context, p models.Provider) (*models.Provider, error) {
	if p.ID == "" {
		return nil, fmt.Errorf("provider id is required")
	}
	if p.Kind != models.ProviderLocal && p.Kind != models.ProviderRemote {
		return nil, fmt.Errorf("unknown provider kind %q", p.Kind)
	}
	r.mu.Lock()
	if existing, ok := r.providers[p.ID]; ok {
		p.Status = existing.Status
	}
	cp := p
	r.providers[p.ID] = &cp
	r.mu.Unlock()
	if err := r.db.UpsertProvider(ctx, &cp); err != nil {
		return nil, err
	}
	return cp.Clone(), nil
}

// Get returns one provider.
func (r *Registry) Get(id string) (*models.Provider, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	p, ok := r.providers[id]
	if !ok {
		return nil, ErrNotFound
	}
	return p.Clone(), nil
}

// Delete removes a provider.
func (r *Registry) Delete(ctx context.Context, id string) error {
	r.mu.Lock()
	_, ok := r.providers[id]
	delete(r.providers, id)
	r.mu.Unlock()
	if !ok {
		return ErrNotFound
	}
	return r.db.DeleteProvider(ctx, id)
}

// Snapshot returns all providers, ordered is not guaranteed. The scheduler
// consumes this for target advice and cost estimation.
func (r *Registry) Snapshot() []models.Provider {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]models.Provider, 0, len(r.providers))
	for _, p := range r.providers {
		out = append(out, *p.Clone())
	}
	return out
}

func (r *Registry) probeLoop() {
	// Jittered start so restarts across a fleet spread their probes.
	select {
	case <-r.done:
		return
	case <-time.After(time.Duration(rand.Int63n(int64(r.interval)))):
	}
	t := time.NewTicker(r.interval)
	defer t.Stop()
	for {
		r.probeAll()
		select {
		case <-r.done:
			return
		case <-t.C:
		}
	}
}

func (r *Registry) probeAll() {
	r.mu.RLock()
	targets := make([]models.Provider, 0, len(r.providers))
	for _, p := range r.providers {
		targets = append(targets, *p.Clone())
	}
	r.mu.RUnlock()

	for _, p := range targets {
		start := time.Now()
		err := r.probe(p)
		elapsed := time.Since(start)
		metrics.ObserveProviderProbe(p.ID, err == nil, elapsed)

		st := models.ProviderStatus{Healthy: err == nil}
		ms := elapsed.Milliseconds()
		st.LatencyMS = &ms
		if err != nil {
			st.LastError = err.Error()
			// A failed probe keeps the last known-good timestamp.
			r.mu.RLock()
			if prev, ok := r.providers[p.ID]; ok {
				st.LastOKAt = prev.Status.LastOKAt
			}
			r.mu.RUnlock()
			slog.Debug("Provider probe failed", "provider", p.ID, "error", err)
		} else {
			now := time.Now().UTC()
			st.LastOKAt = &now
		}
		r.setStatus(p.ID, st)
	}
}

// probe checks one provider. Remote providers answer an HTTP GET on their
// configured health_url (falling back to url); local providers pass when
// their device path exists, or unconditionally without one.
func (r *Registry) probe(p models.Provider) error {
	switch p.Kind {
	case models.ProviderRemote:
		url, _ := p.Config["health_url"].(string)
		if url == "" {
			url, _ = p.Config["url"].(string)
		}
		if url == "" {
			return fmt.Errorf("no health_url configured")
		}
		req, err := http.NewRequest(http.MethodGet, url, nil)
		if err != nil {
			return err
		}
		resp, err := r.client.Do(req)
		if err != nil {
			return err
		}
		defer resp.Body.Close()
		if resp.StatusCode >= 400 {
			return fmt.Errorf("health endpoint returned %d", resp.StatusCode)
		}
		return nil
	case models.ProviderLocal:
		if device, _ := p.Config["device_path"].(string); device != "" {
			if _, err := os.Stat(device); err != nil {
				return fmt.Errorf("device %s: %w", device, err)
			}
		}
		return nil
	default:
		return fmt.Errorf("unknown provider kind %q", p.Kind)
	}
}

// setStatus swaps the status atomically under the registry lock and
// mirrors it to SQLite.
func (r *Registry) setStatus(id string, st models.ProviderStatus) {
	r.mu.Lock()
	p, ok := r.providers[id]
	if ok {
		p.Status = st
	}
	r.mu.Unlock()
	if !ok {
		return
	}
	if err := r.db.UpdateProviderStatus(context.Background(), id, st); err != nil {
		slog.Warn("Failed to persist provider status", "provider", id, "error", err)
	}
}
