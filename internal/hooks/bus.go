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

// Package hooks implements the modder-hook event bus: in-process pub/sub
// with per-subscriber bounded queues, a persistent bounded ring history,
// signed outbound webhooks and WebSocket fan-out.
//
// Ordering: seq is a strictly increasing per-process counter; each
// subscriber observes events in seq order; there is no cross-subscriber
// ordering guarantee. Publishers never block on slow subscribers beyond
// the bounded queue, whose drop policy is oldest-first and counted.
package hooks

import (
	"bufio"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"time"

	"comfyvn/internal/metrics"
	"comfyvn/pkg/models"
)

// Sink receives envelopes for one subscriber, in seq order, from a
// dedicated delivery goroutine.
type Sink interface {
	// Deliver hands over one envelope. An error detaches the subscriber.
	Deliver(env models.Envelope) error
	// Dropped reports queue drops that happened since the last delivery.
	Dropped(count int)
	// Close releases the sink after detach.
	Close()
}

// FuncSink adapts a plain callback to a Sink.
type FuncSink func(env models.Envelope) error

func (f FuncSink) Deliver(env models.Envelope) error { return f(env) }
func (f FuncSink) Dropped(int)                       {}
func (f FuncSink) Close()                            {}

// HistoryFilter narrows a History query.
type HistoryFilter struct {
	Event    string
	SinceSeq uint64
	SinceTS  time.Time
	Limit    int
}

// Options configures a Bus.
type Options struct {
	// HistorySize bounds the in-memory ring (default 10000).
	HistorySize int
	// QueueSize bounds each subscriber queue (default 256).
	QueueSize int
	// PersistPath appends the history tail as JSON lines; replayed on
	// startup to reconstruct seq. Empty disables persistence.
	PersistPath string
}

// Bus is the event bus. Construct with Open; Close detaches all
// subscribers and flushes the persistence file.
type Bus struct {
	opts Options
	seq  atomic.Uint64

	ringMu sync.RWMutex
	ring   []models.Envelope // oldest first

	subsMu sync.RWMutex
	subs   map[uint64]*subscription
	nextID atomic.Uint64

	persistMu sync.Mutex
	persistF  *os.File
	persistW  *bufio.Writer
}

type subscription struct {
	id     uint64
	topics []string
	sink   Sink
	max    int

	mu      sync.Mutex
	queue   []models.Envelope
	dropped int
	closed  bool
	wake    chan struct{}
}

// Open builds the bus and replays the persisted history tail, if any.
func Open(opts Options) (*Bus, error) {
	if opts.HistorySize <= 0 {
		opts.HistorySize = 10000
	}
	if opts.QueueSize <= 0 {
		opts.QueueSize = 256
	}
	b := &Bus{
		opts: opts,
		subs: make(map[uint64]*subscription),
	}

	if opts.PersistPath != "" {
		if err := b.replay(); err != nil {
			return nil, err
		}
		if err := os.MkdirAll(filepath.Dir(opts.PersistPath), 0o755); err != nil {
			return nil, fmt.Errorf("failed to create hook history directory: %w", err)
		}
		f, err := os.OpenFile(opts.PersistPath, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
		if err != nil {
			return nil, fmt.Errorf("failed to open hook history: %w", err)
		}
		b.persistF = f
		b.persistW = bufio.NewWriter(f)
	}

	return b, nil
}

// replay reads the persisted tail, restores the ring and the seq counter.
func (b *Bus) replay() error {
	f, err := os.Open(b.opts.PersistPath)
	if os.IsNotExist(err) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("failed to open hook history: %w", err)
	}
	defer f.Close()

	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 0, 64*1024), 4*1024*1024)
	var tail []models.Envelope
	for scanner.Scan() {
		var env models.Envelope
		if err := json.Unmarshal(scanner.Bytes(), &env); err != nil {
			// A torn final line after a crash is expected; skip it.
			continue
		}
		tail = append(tail, env)
		if len(tail) > b.opts.HistorySize {
			tail = tail[1:]
		}
	}
	if err := scanner.Err(); err != nil {
		return fmt.Errorf("failed to read hook history: %w", err)
	}
	b.ring = tail
	if n := len(tail); n > 0 {
		b.seq.Store(tail[n-1].Seq)
	}
	slog.Info("Replayed hook history", "events", len(tail), "seq", b.seq.Load())
	return nil
}

// Close detaches all subscribers and flushes the history file.
func (b *Bus) Close() error {
	b.subsMu.Lock()
	subs := b.subs
	b.subs = make(map[uint64]*subscription)
	b.subsMu.Unlock()
	for _, sub := range subs {
		sub.close()
	}

	b.persistMu.Lock()
	defer b.persistMu.Unlock()
	if b.persistW != nil {
		if err := b.persistW.Flush(); err != nil {
			return err
		}
		return b.persistF.Close()
	}
	return nil
}

// Publish validates the payload's reserved keys, assigns the next seq,
// records history and fans the envelope out. It never blocks on slow
// subscribers.
func (b *Bus) Publish(event, source string, payload map[string]any) (uint64, error) {
	if err := validatePayload(event, payload); err != nil {
		return 0, err
	}

	env := models.Envelope{
		Event:     event,
		HookEvent: event,
		At:        time.Now().UTC(),
		Seq:       b.seq.Add(1),
		Payload:   payload,
		Source:    source,
	}

	b.ringMu.Lock()
	b.ring = append(b.ring, env)
	if len(b.ring) > b.opts.HistorySize {
		b.ring = b.ring[1:]
	}
	b.ringMu.Unlock()

	b.persist(env)
	metrics.ObserveHookPublished(event)

	b.subsMu.RLock()
	for _, sub := range b.subs {
		if topicMatches(sub.topics, event) {
			sub.push(env)
		}
	}
	b.subsMu.RUnlock()

	return env.Seq, nil
}

func (b *Bus) persist(env models.Envelope) {
	if b.persistW == nil {
		return
	}
	line, err := json.Marshal(env)
	if err != nil {
		return
	}
	b.persistMu.Lock()
	defer b.persistMu.Unlock()
	b.persistW.Write(line)
	b.persistW.WriteByte('\n')
	b.persistW.Flush()
}

// History returns ring entries matching the filter, oldest first. Limit
// caps at 1000.
func (b *Bus) History(f HistoryFilter) []models.Envelope {
	if f.Limit <= 0 || f.Limit > 1000 {
		f.Limit = 1000
	}

	b.ringMu.RLock()
	defer b.ringMu.RUnlock()

	out := make([]models.Envelope, 0, f.Limit)
	for _, env := range b.ring {
		if f.Event != "" && env.Event != f.Event {
			continue
		}
		if env.Seq <= f.SinceSeq {
			continue
		}
		if !f.SinceTS.IsZero() && env.At.Before(f.SinceTS) {
			continue
		}
		out = append(out, env)
	}
	if len(out) > f.Limit {
		out = out[len(out)-f.Limit:]
	}
	return out
}

// Seq returns the last assigned sequence number.
func (b *Bus) Seq() uint64 {
	return b.seq.Load()
}

// Subscribe attaches a sink with a per-topic filter and starts its
// delivery goroutine. The returned id detaches via Unsubscribe.
func (b *Bus) Subscribe(topics []string, sink Sink) uint64 {
	return b.subscribe(topics, sink, b.opts.QueueSize)
}

// SubscribeQueue attaches with an explicit queue bound, for sinks that
// need a different backpressure budget than the bus default.
func (b *Bus) SubscribeQueue(topics []string, sink Sink, queueSize int) uint64 {
	if queueSize <= 0 {
		queueSize = b.opts.QueueSize
	}
	return b.subscribe(topics, sink, queueSize)
}

func (b *Bus) subscribe(topics []string, sink Sink, queueSize int) uint64 {
	sub := &subscription{
		id:     b.nextID.Add(1),
		topics: topics,
		sink:   sink,
		max:    queueSize,
		wake:   make(chan struct{}, 1),
	}
	b.subsMu.Lock()
	b.subs[sub.id] = sub
	b.subsMu.Unlock()

	go b.deliverLoop(sub)
	return sub.id
}

// Unsubscribe detaches a subscriber and closes its sink.
func (b *Bus) Unsubscribe(id uint64) {
	b.subsMu.Lock()
	sub, ok := b.subs[id]
	delete(b.subs, id)
	b.subsMu.Unlock()
	if ok {
		sub.close()
	}
}

// Stats summarizes bus counters for /status.
type Stats struct {
	Seq         uint64 `json:"seq"`
	HistoryLen  int    `json:"history_len"`
	Subscribers int    `json:"subscribers"`
}

// Stat returns a snapshot of bus counters.
func (b *Bus) Stat() Stats {
	b.ringMu.RLock()
	histLen := len(b.ring)
	b.ringMu.RUnlock()
	b.subsMu.RLock()
	subs := len(b.subs)
	b.subsMu.RUnlock()
	return Stats{Seq: b.seq.Load(), HistoryLen: histLen, Subscribers: subs}
}

// push enqueues for one subscriber, dropping the oldest entry when full.
func (s *subscription) push(env models.Envelope) {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	if len(s.queue) >= s.max {
		s.queue = s.queue[1:]
		s.dropped++
		metrics.ObserveHookDropped("subscriber", 1)
	}
	s.queue = append(s.queue, env)
	s.mu.Unlock()

	select {
	case s.wake <- struct{}{}:
	default:
	}
}

func (s *subscription) close() {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	s.closed = true
	s.mu.Unlock()

	select {
	case s.wake <- struct{}{}:
	default:
	}
}

// deliverLoop drains one subscriber queue in order. Drop notifications are
// delivered before the next envelope so sinks can surface them in-stream.
func (b *Bus) deliverLoop(sub *subscription) {
	defer sub.sink.Close()
	for {
		<-sub.wake

		for {
			sub.mu.Lock()
			if sub.closed {
				sub.mu.Unlock()
				return
			}
			if len(sub.queue) == 0 {
				sub.mu.Unlock()
				break
			}
			env := sub.queue[0]
			sub.queue = sub.queue[1:]
			dropped := sub.dropped
			sub.dropped = 0
			sub.mu.Unlock()

			if dropped > 0 {
				sub.sink.Dropped(dropped)
			}
			if err := sub.sink.Deliver(env); err != nil {
				slog.Debug("Detaching hook subscriber after delivery error",
					"subscriber", sub.id, "error", err)
				b.Unsubscribe(sub.id)
				return
			}
		}
	}
}
