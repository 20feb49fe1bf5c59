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

package providers

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"testing"
	"time"

	"comfyvn/internal/database"
	"comfyvn/pkg/models"
)

func newDB(t *testing.T) *database.DB {
	t.Helper()
	db, err := database.New(filepath.Join(t.TempDir(), "test.db"))
	if err != nil {
		t.Fatalf("database.New failed: %v", err)
	}
	t.Cleanup(func() { _ = db.Close() })
	if err := db.Migrate(context.Background()); err != nil {
		t.Fatalf("Migrate failed: %v", err)
	}
	return db
}

func newRegistry(t *testing.T, db *database.DB) *Registry {
	t.Helper()
	r, err := New(context.Background(), db, time.Minute)
	if err != nil {
		t.Fatalf("providers.New failed: %v", err)
	}
	t.Cleanup(r.Stop)
	return r
}

func TestUpsertAndGet(t *testing.T) {
	r := newRegistry(t, newDB(t))
	p, err := r.Upsert(context.Background(), models.Provider{
		ID:           "local-gpu",
		Kind:         models.ProviderLocal,
		Capabilities: []string{"render", "tts"},
		Config:       map[string]any{"device": "cuda:0"},
	})
	if err != nil {
		t.Fatalf("Upsert failed: %v", err)
	}
	if p.ID != "local-gpu" {
		t.Errorf("id = %s", p.ID)
	}

	got, err := r.Get("local-gpu")
	if err != nil {
		t.Fatalf("Get failed: %v", err)
	}
	if len(got.Capabilities) != 2 {
		t.Errorf("capabilities = %v", got.Capabilities)
	}
}

func TestUpsertValidation(t *testing.T) {
	r := newRegistry(t, newDB(t))
	if _, err := r.Upsert(context.Background(), models.Provider{Kind: models.ProviderLocal}); err == nil {
		t.Error("missing id should fail")
	}
	if _, err := r.Upsert(context.Background(), models.Provider{ID: "x", Kind: "quantum"}); err == nil {
		t.Error("unknown kind should fail")
	}
}

func TestUpsertPreservesStatus(t *testing.T) {
	r := newRegistry(t, newDB(t))
	ctx := context.Background()
	if _, err := r.Upsert(ctx, models.Provider{ID: "p", Kind: models.ProviderLocal}); err != nil {
		t.Fatal(err)
	}
	now := time.Now().UTC()
	r.setStatus("p", models.ProviderStatus{Healthy: true, LastOKAt: &now})

	// A config edit must not reset health.
	if _, err := r.Upsert(ctx, models.Provider{
		ID: "p", Kind: models.ProviderLocal, Config: map[string]any{"device": "cuda:1"},
	}); err != nil {
		t.Fatal(err)
	}
	got, err := r.Get("p")
	if err != nil {
		t.Fatal(err)
	}
	if !got.Status.Healthy || got.Status.LastOKAt == nil {
		t.Errorf("status reset on upsert: %+v", got.Status)
	}
}

func TestDeleteAndNotFound(t *testing.T) {
	r := newRegistry(t, newDB(t))
	ctx := context.Background()
	if _, err := r.Upsert(ctx, models.Provider{ID: "p", Kind: models.ProviderLocal}); err != nil {
		t.Fatal(err)
	}
	if err := r.Delete(ctx, "p"); err != nil {
		t.Fatalf("Delete failed: %v", err)
	}
	if _, err := r.Get("p"); !errors.Is(err, ErrNotFound) {
		t.Errorf("Get after delete = %v, want ErrNotFound", err)
	}
	if err := r.Delete(ctx, "p"); !errors.Is(err, ErrNotFound) {
		t.Errorf("second Delete = %v, want ErrNotFound", err)
	}
}

func TestPersistedProvidersReloadOnStartup(t *testing.T) {
	db := newDB(t)
	r := newRegistry(t, db)
	if _, err := r.Upsert(context.Background(), models.Provider{ID: "p", Kind: models.ProviderLocal}); err != nil {
		t.Fatal(err)
	}
	r.Stop()

	r2 := newRegistry(t, db)
	if _, err := r2.Get("p"); err != nil {
		t.Errorf("provider not reloaded from the database: %v", err)
	}
}

func TestSnapshotReturnsCopies(t *testing.T) {
	r := newRegistry(t, newDB(t))
	if _, err := r.Upsert(context.Background(), models.Provider{
		ID: "p", Kind: models.ProviderLocal, Capabilities: []string{"render"},
	}); err != nil {
		t.Fatal(err)
	}
	snap := r.Snapshot()
	if len(snap) != 1 {
		t.Fatalf("snapshot len = %d", len(snap))
	}
	snap[0].Capabilities[0] = "mutated"
	got, _ := r.Get("p")
	if got.Capabilities[0] != "render" {
		t.Error("snapshot aliases registry state")
	}
}

func TestProbeRemoteHealth(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()
	bad := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer bad.Close()

	r := newRegistry(t, newDB(t))
	if err := r.probe(models.Provider{
		Kind: models.ProviderRemote, Config: map[string]any{"health_url": srv.URL},
	}); err != nil {
		t.Errorf("healthy endpoint probe failed: %v", err)
	}
	if err := r.probe(models.Provider{
		Kind: models.ProviderRemote, Config: map[string]any{"health_url": bad.URL},
	}); err == nil {
		t.Error("5xx endpoint probe should fail")
	}
	if err := r.probe(models.Provider{Kind: models.ProviderRemote}); err == nil {
		t.Error("remote provider without a url should fail the probe")
	}
}

func TestProbeLocalDevicePath(t *testing.T) {
	r := newRegistry(t, newDB(t))
	dir := t.TempDir()
	if err := r.probe(models.Provider{
		Kind: models.ProviderLocal, Config: map[string]any{"device_path": dir},
	}); err != nil {
		t.Errorf("existing device path probe failed: %v", err)
	}
	if err := r.probe(models.Provider{
		Kind: models.ProviderLocal, Config: map[string]any{"device_path": filepath.Join(dir, "missing")},
	}); err == nil {
		t.Error("missing device path probe should fail")
	}
	// No device path configured passes unconditionally.
	if err := r.probe(models.Provider{Kind: models.ProviderLocal}); err != nil {
		t.Errorf("bare local probe failed: %v", err)
	}
}

func TestProbeAllUpdatesStatus(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	db := newDB(t)
	r := newRegistry(t, db)
	ctx := context.Background()
	if _, err := r.Upsert(ctx, models.Provider{
		ID: "up", Kind: models.ProviderRemote, Config: map[string]any{"health_url": srv.URL},
	}); err != nil {
		t.Fatal(err)
	}
	if _, err := r.Upsert(ctx, models.Provider{
		ID: "down", Kind: models.ProviderRemote, Config: map[string]any{"health_url": "http://127.0.0.1:1/nope"},
	}); err != nil {
		t.Fatal(err)
	}

	r.probeAll()

	up, _ := r.Get("up")
	if !up.Status.Healthy || up.Status.LastOKAt == nil {
		t.Errorf("up status = %+v", up.Status)
	}
	down, _ := r.Get("down")
	if down.Status.Healthy || down.Status.LastError == "" {
		t.Errorf("down status = %+v", down.Status)
	}

	// The status mirrors into SQLite for /status after restart.
	rows, err := db.ListProviders(ctx)
	if err != nil {
		t.Fatal(err)
	}
	for _, row := range rows {
		if row.ID == "up" && !row.Status.Healthy {
			t.Error("persisted status not updated")
		}
	}
}
