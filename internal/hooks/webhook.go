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

// Outbound webhook delivery: signed POSTs with bounded retries and a
// dead-letter ring. Each registered webhook is its own bus subscriber, so
// a slow endpoint only backpressures its own queue.

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"log/slog"
	"math"
	"math/big"
	"net/http"
	"strconv"
	"sync"
	"time"

	"comfyvn/internal/database"
	"comfyvn/internal/metrics"
	"comfyvn/pkg/models"

	"github.com/google/uuid"
)

const (
	// SignatureHeader carries the hex HMAC-SHA256 over timestamp + "." + body.
	SignatureHeader = "X-Studio-Signature"
	// TimestampHeader carries the unix seconds the signature covers.
	TimestampHeader = "X-Studio-Timestamp"

	defaultWebhookAttempts = 5
	deadLetterCapacity     = 1000
)

// WebhookStore is the persistence surface the manager needs.
type WebhookStore interface {
	InsertWebhook(ctx context.Context, w database.WebhookRecord) error
	DeleteWebhook(ctx context.Context, id string) error
	ListWebhooks(ctx context.Context) ([]database.WebhookRecord, error)
}

// DeadLetter is one delivery that exhausted its retries.
type DeadLetter struct {
	WebhookID string          `json:"webhook_id"`
	URL       string          `json:"url"`
	Envelope  models.Envelope `json:"envelope"`
	Attempts  int             `json:"attempts"`
	LastError string          `json:"last_error"`
	At        time.Time       `json:"at"`
}

// WebhookManager owns webhook registrations and their delivery workers.
type WebhookManager struct {
	bus     *Bus
	store   WebhookStore
	client  *http.Client
	timeout time.Duration

	mu     sync.Mutex
	active map[string]uint64 // webhook id -> bus subscription id

	deadMu sync.Mutex
	dead   []DeadLetter
	deadN  uint64

	// sleep is swapped in tests to avoid real backoff waits.
	sleep func(time.Duration)
}

// NewWebhookManager builds the manager and re-attaches persisted webhooks.
func NewWebhookManager(ctx context.Context, bus *Bus, store WebhookStore, timeout time.Duration) (*WebhookManager, error) {
	if timeout <= 0 {
		timeout = 60 * time.Second
	}
	m := &WebhookManager{
		bus:     bus,
		store:   store,
		client:  &http.Client{Timeout: timeout},
		timeout: timeout,
		active:  make(map[string]uint64),
		sleep:   time.Sleep,
	}

	existing, err := store.ListWebhooks(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to load webhooks: %w", err)
	}
	for _, rec := range existing {
		m.attach(rec)
	}
	return m, nil
}

// Register persists a webhook and attaches it to the bus. Returns the new id.
func (m *WebhookManager) Register(ctx context.Context, url, secret string, topics []string, maxAttempts int) (string, error) {
	if maxAttempts <= 0 || maxAttempts > defaultWebhookAttempts {
		maxAttempts = defaultWebhookAttempts
	}
	rec := database.WebhookRecord{
		ID:          uuid.NewString(),
		URL:         url,
		Secret:      secret,
		Topics:      topics,
		MaxAttempts: maxAttempts,
		CreatedAt:   time.Now().UTC(),
	}
	if err := m.store.InsertWebhook(ctx, rec); err != nil {
		return "", err
	}
	m.attach(rec)
	return rec.ID, nil
}

// Unregister removes a webhook and detaches its subscriber.
func (m *WebhookManager) Unregister(ctx context.Context, id string) error {
	if err := m.store.DeleteWebhook(ctx, id); err != nil {
		return err
	}
	m.mu.Lock()
	subID, ok := m.active[id]
	delete(m.active, id)
	m.mu.Unlock()
	if ok {
		m.bus.Unsubscribe(subID)
	}
	return nil
}

// List returns the registered webhooks (secrets withheld by the JSON tags).
func (m *WebhookManager) List(ctx context.Context) ([]database.WebhookRecord, error) {
	return m.store.ListWebhooks(ctx)
}

// Test synthesizes an envelope and delivers it through the normal retry
// path of the given webhook.
func (m *WebhookManager) Test(ctx context.Context, id string) error {
	recs, err := m.store.ListWebhooks(ctx)
	if err != nil {
		return err
	}
	for _, rec := range recs {
		if rec.ID == id {
			env := models.Envelope{
				Event:     "__test",
				HookEvent: "__test",
				At:        time.Now().UTC(),
				Seq:       m.bus.Seq(),
				Payload:   map[string]any{"webhook_id": id},
				Source:    "webhook-test",
			}
			go m.deliver(rec, env)
			return nil
		}
	}
	return database.ErrNotFound
}

// DeadLetters returns a copy of the dead-letter ring, oldest first, plus
// the total count ever recorded.
func (m *WebhookManager) DeadLetters() ([]DeadLetter, uint64) {
	m.deadMu.Lock()
	defer m.deadMu.Unlock()
	out := make([]DeadLetter, len(m.dead))
	copy(out, m.dead)
	return out, m.deadN
}

func (m *WebhookManager) attach(rec database.WebhookRecord) {
	sink := FuncSink(func(env models.Envelope) error {
		m.deliver(rec, env)
		return nil
	})
	subID := m.bus.Subscribe(rec.Topics, sink)
	m.mu.Lock()
	m.active[rec.ID] = subID
	m.mu.Unlock()
}

// deliver POSTs one envelope with exponential backoff, then dead-letters.
func (m *WebhookManager) deliver(rec database.WebhookRecord, env models.Envelope) {
	body, err := json.Marshal(env)
	if err != nil {
		slog.Error("Failed to marshal webhook envelope", "webhook", rec.ID, "error", err)
		return
	}

	var lastErr string
	for attempt := 1; attempt <= rec.MaxAttempts; attempt++ {
		err := m.post(rec, body)
		if err == nil {
			metrics.ObserveWebhookDelivery("ok")
			return
		}
		lastErr = err.Error()
		metrics.ObserveWebhookDelivery("retry")
		if attempt < rec.MaxAttempts {
			m.sleep(backoffDelay(attempt))
		}
	}

	metrics.ObserveWebhookDelivery("failed")
	metrics.ObserveWebhookDeadLetter()
	m.deadMu.Lock()
	m.dead = append(m.dead, DeadLetter{
		WebhookID: rec.ID,
		URL:       rec.URL,
		Envelope:  env,
		Attempts:  rec.MaxAttempts,
		LastError: lastErr,
		At:        time.Now().UTC(),
	})
	if len(m.dead) > deadLetterCapacity {
		m.dead = m.dead[1:]
	}
	m.deadN++
	m.deadMu.Unlock()
	slog.Warn("Webhook delivery dead-lettered", "webhook", rec.ID, "url", rec.URL, "error", lastErr)
}

func (m *WebhookManager) post(rec database.WebhookRecord, body []byte) error {
	ctx, cancel := context.WithTimeout(context.Background(), m.timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, rec.URL, bytes.NewReader(body))
	if err != nil {
		return err
	}
	ts := strconv.FormatInt(time.Now().Unix(), 10)
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set(TimestampHeader, ts)
	req.Header.Set(SignatureHeader, Sign(rec.Secret, ts, body))

	resp, err := m.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return fmt.Errorf("endpoint returned %d", resp.StatusCode)
	}
	return nil
}

// Sign computes the hex HMAC-SHA256 over timestamp + "." + body.
func Sign(secret, timestamp string, body []byte) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write([]byte(timestamp))
	mac.Write([]byte("."))
	mac.Write(body)
	return hex.EncodeToString(mac.Sum(nil))
}

// backoffDelay is base * 2^attempt plus up to 50ms of jitter.
func backoffDelay(attempt int) time.Duration {
	d := time.Duration(math.Pow(2, float64(attempt))) * 100 * time.Millisecond
	if n, err := rand.Int(rand.Reader, big.NewInt(50)); err == nil {
		d += time.Duration(n.Int64()) * time.Millisecond
	}
	return d
}
