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

package api

// WebSocket endpoints. Each connection becomes one bus subscriber; the
// bus's per-subscriber queue provides the backpressure, and queue drops
// surface as a synthetic {event:"__dropped", count} envelope before the
// next real one.

import (
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"comfyvn/internal/hooks"
	"comfyvn/pkg/models"
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 4096,
	// Local-first server; the UI connects from file:// and localhost.
	CheckOrigin: func(*http.Request) bool { return true },
}

const wsWriteTimeout = 10 * time.Second

// wsSink adapts one WebSocket connection to a bus Sink.
type wsSink struct {
	conn *websocket.Conn

	mu      sync.Mutex
	dropped int
}

func (s *wsSink) Deliver(env models.Envelope) error {
	s.mu.Lock()
	dropped := s.dropped
	s.dropped = 0
	s.mu.Unlock()
	if dropped > 0 {
		if err := s.write(map[string]any{"event": "__dropped", "count": dropped}); err != nil {
			return err
		}
	}
	return s.write(env)
}

func (s *wsSink) Dropped(count int) {
	s.mu.Lock()
	s.dropped += count
	s.mu.Unlock()
}

func (s *wsSink) Close() {
	s.conn.Close()
}

func (s *wsSink) write(v any) error {
	s.conn.SetWriteDeadline(time.Now().Add(wsWriteTimeout))
	return s.conn.WriteJSON(v)
}

// handleHooksWS streams hook envelopes, optionally filtered by
// ?topics=a,b (trailing * wildcards allowed). Unknown exact topics get
// the __error envelope and a policy-violation close.
func (s *Server) handleHooksWS(w http.ResponseWriter, r *http.Request) {
	var topics []string
	if raw := r.URL.Query().Get("topics"); raw != "" {
		topics = strings.Split(raw, ",")
	}
	known := make(map[string]bool)
	for _, e := range hooks.Catalog() {
		known[e] = true
	}
	for _, t := range topics {
		if strings.HasSuffix(t, "*") || known[t] {
			continue
		}
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		wsError(conn, "invalid_input", "unknown topic "+t)
		return
	}
	s.serveWS(w, r, topics)
}

// handleScheduleWS streams job state deltas; each message is a full
// on_job_state_changed envelope.
func (s *Server) handleScheduleWS(w http.ResponseWriter, r *http.Request) {
	s.serveWS(w, r, []string{hooks.EventJobStateChanged})
}

func (s *Server) serveWS(w http.ResponseWriter, r *http.Request, topics []string) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		// Upgrade already wrote the response.
		slog.Debug("WebSocket upgrade failed", "error", err)
		return
	}
	sink := &wsSink{conn: conn}
	id := s.bus.SubscribeQueue(topics, sink, s.cfg.WSQueueSize)
	slog.Debug("WebSocket subscriber attached", "id", id, "topics", topics)

	// The read loop only serves to notice the peer going away; clients
	// are not expected to send anything.
	go func() {
		defer s.bus.Unsubscribe(id)
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()
}

// wsError sends the dedicated error envelope and closes the socket.
func wsError(conn *websocket.Conn, kind, message string) {
	conn.SetWriteDeadline(time.Now().Add(wsWriteTimeout))
	_ = conn.WriteJSON(map[string]any{"event": "__error", "kind": kind, "message": message})
	_ = conn.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.ClosePolicyViolation, kind), time.Now().Add(wsWriteTimeout))
	conn.Close()
}
