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

package hooks

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"comfyvn/internal/database"
	"comfyvn/pkg/models"
)

// fakeWebhookStore keeps records in memory.
type fakeWebhookStore struct {
	mu   sync.Mutex
	recs []database.WebhookRecord
}

func (f *fakeWebhookStore) InsertWebhook(ctx context.Context, w database.WebhookRecord) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.recs = append(f.recs, w)
	return nil
}

func (f *fakeWebhookStore) DeleteWebhook(ctx context.Context, id string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	for i, r := range f.recs {
		if r.ID == id {
			f.recs = append(f.recs[:i], f.recs[i+1:]...)
			return nil
		}
	}
	return database.ErrNotFound
}

func (f *fakeWebhookStore) ListWebhooks(ctx context.Context) ([]database.WebhookRecord, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]database.WebhookRecord, len(f.recs))
	copy(out, f.recs)
	return out, nil
}

func newTestManager(t *testing.T, bus *Bus) *WebhookManager {
	t.Helper()
	m, err := NewWebhookManager(context.Background(), bus, &fakeWebhookStore{}, 5*time.Second)
	if err != nil {
		t.Fatalf("NewWebhookManager failed: %v", err)
	}
	m.sleep = func(time.Duration) {}
	return m
}

func TestWebhookDeliverySignsBody(t *testing.T) {
	b := openBus(t, Options{})
	m := newTestManager(t, b)

	type captured struct {
		body []byte
		sig  string
		ts   string
	}
	got := make(chan captured, 1)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		body, _ := io.ReadAll(r.Body)
		got <- captured{body, r.Header.Get(SignatureHeader), r.Header.Get(TimestampHeader)}
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	id, err := m.Register(context.Background(), srv.URL, "hunter2", []string{"custom_event"}, 3)
	if err != nil {
		t.Fatalf("Register failed: %v", err)
	}
	if id == "" {
		t.Fatal("Register returned empty id")
	}

	if _, err := b.Publish("custom_event", "test", map[string]any{"k": "v"}); err != nil {
		t.Fatalf("Publish failed: %v", err)
	}

	select {
	case c := <-got:
		if c.ts == "" {
			t.Fatal("timestamp header missing")
		}
		if want := Sign("hunter2", c.ts, c.body); c.sig != want {
			t.Errorf("signature = %s, want %s", c.sig, want)
		}
		var env models.Envelope
		if err := json.Unmarshal(c.body, &env); err != nil {
			t.Fatalf("body is not an envelope: %v", err)
		}
		if env.Event != "custom_event" {
			t.Errorf("delivered event = %q, want custom_event", env.Event)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("webhook never delivered")
	}
}

func TestWebhookRetriesThenDeadLetters(t *testing.T) {
	b := openBus(t, Options{})
	m := newTestManager(t, b)

	var hits atomic.Int64
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
		w.WriteHeader(http.StatusBadGateway)
	}))
	defer srv.Close()

	if _, err := m.Register(context.Background(), srv.URL, "s", nil, 3); err != nil {
		t.Fatalf("Register failed: %v", err)
	}
	if _, err := b.Publish("custom_event", "test", map[string]any{}); err != nil {
		t.Fatalf("Publish failed: %v", err)
	}

	waitFor(t, func() bool {
		_, total := m.DeadLetters()
		return total == 1
	})
	if got := hits.Load(); got != 3 {
		t.Errorf("endpoint hit %d times, want 3", got)
	}
	dead, total := m.DeadLetters()
	if total != 1 || len(dead) != 1 {
		t.Fatalf("dead letters = %d (total %d), want 1", len(dead), total)
	}
	if dead[0].Attempts != 3 || dead[0].URL != srv.URL {
		t.Errorf("unexpected dead letter: %+v", dead[0])
	}
}

func TestWebhookMaxAttemptsClamped(t *testing.T) {
	b := openBus(t, Options{})
	store := &fakeWebhookStore{}
	m, err := NewWebhookManager(context.Background(), b, store, time.Second)
	if err != nil {
		t.Fatalf("NewWebhookManager failed: %v", err)
	}
	if _, err := m.Register(context.Background(), "http://127.0.0.1:0/", "s", nil, 99); err != nil {
		t.Fatalf("Register failed: %v", err)
	}
	recs, _ := store.ListWebhooks(context.Background())
	if recs[0].MaxAttempts != defaultWebhookAttempts {
		t.Errorf("max attempts = %d, want clamped to %d", recs[0].MaxAttempts, defaultWebhookAttempts)
	}
}

func TestWebhookTopicScoping(t *testing.T) {
	b := openBus(t, Options{})
	m := newTestManager(t, b)

	var hits atomic.Int64
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	if _, err := m.Register(context.Background(), srv.URL, "s", []string{EventAssetRemoved}, 1); err != nil {
		t.Fatalf("Register failed: %v", err)
	}
	b.Publish("custom_event", "test", map[string]any{})
	b.Publish(EventAssetRemoved, "test", map[string]any{"uid": "u1"})

	waitFor(t, func() bool { return hits.Load() == 1 })
	time.Sleep(50 * time.Millisecond)
	if got := hits.Load(); got != 1 {
		t.Errorf("endpoint hit %d times, want 1 (topic-scoped)", got)
	}
}

func TestWebhookUnregisterDetaches(t *testing.T) {
	b := openBus(t, Options{})
	m := newTestManager(t, b)

	var hits atomic.Int64
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	id, err := m.Register(context.Background(), srv.URL, "s", nil, 1)
	if err != nil {
		t.Fatalf("Register failed: %v", err)
	}
	b.Publish("custom_event", "test", map[string]any{})
	waitFor(t, func() bool { return hits.Load() == 1 })

	if err := m.Unregister(context.Background(), id); err != nil {
		t.Fatalf("Unregister failed: %v", err)
	}
	b.Publish("custom_event", "test", map[string]any{})
	time.Sleep(50 * time.Millisecond)
	if got := hits.Load(); got != 1 {
		t.Errorf("endpoint hit %d times after unregister, want 1", got)
	}
}

func TestWebhookTestDelivery(t *testing.T) {
	b := openBus(t, Options{})
	m := newTestManager(t, b)

	events := make(chan string, 1)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var env models.Envelope
		json.NewDecoder(r.Body).Decode(&env)
		events <- env.Event
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	id, err := m.Register(context.Background(), srv.URL, "s", nil, 1)
	if err != nil {
		t.Fatalf("Register failed: %v", err)
	}
	if err := m.Test(context.Background(), id); err != nil {
		t.Fatalf("Test failed: %v", err)
	}
	select {
	case ev := <-events:
		if ev != "__test" {
			t.Errorf("test delivery event = %q, want __test", ev)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("test delivery never arrived")
	}

	if err := m.Test(context.Background(), "nope"); err != database.ErrNotFound {
		t.Errorf("Test on unknown id = %v, want ErrNotFound", err)
	}
}

func TestPersistedWebhooksReattach(t *testing.T) {
	b := openBus(t, Options{})
	store := &fakeWebhookStore{}
	store.recs = append(store.recs, database.WebhookRecord{
		ID:          "w1",
		URL:         "http://127.0.0.1:0/",
		Secret:      "s",
		MaxAttempts: 1,
		CreatedAt:   time.Now().UTC(),
	})
	m, err := NewWebhookManager(context.Background(), b, store, time.Second)
	if err != nil {
		t.Fatalf("NewWebhookManager failed: %v", err)
	}
	m.mu.Lock()
	_, attached := m.active["w1"]
	m.mu.Unlock()
	if !attached {
		t.Error("persisted webhook was not re-attached on startup")
	}
}
