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

import (
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"path/filepath"
	"runtime/debug"
	"strings"
	"sync"
	"time"

	"comfyvn/internal/metrics"
	"comfyvn/pkg/canonical"
)

// recovery catches handler panics, dumps a crash report to
// logs/crash/<ts>.json and answers internal_error. The request body is
// never included in the dump.
func (s *Server) recovery(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		defer func() {
			rec := recover()
			if rec == nil {
				return
			}
			stack := string(debug.Stack())
			path := s.writeCrashDump(r, rec, stack)
			slog.Error("Handler panicked", "method", r.Method, "path", r.URL.Path, "panic", rec, "dump", path)
			writeError(w, internalError("internal error; crash report written"))
		}()
		next.ServeHTTP(w, r)
	})
}

func (s *Server) writeCrashDump(r *http.Request, rec any, stack string) string {
	dir := filepath.Join(s.logDir, "crash")
	if err := os.MkdirAll(dir, 0o755); err != nil {
		slog.Warn("Failed to create crash dir", "error", err)
		return ""
	}
	report := map[string]any{
		"at":     time.Now().UTC().Format(time.RFC3339Nano),
		"method": r.Method,
		"path":   r.URL.Path,
		"query":  r.URL.RawQuery,
		"panic":  fmt.Sprint(rec),
		"stack":  stack,
	}
	data, err := canonical.JSON(report)
	if err != nil {
		slog.Warn("Failed to encode crash report", "error", err)
		return ""
	}
	path := filepath.Join(dir, time.Now().UTC().Format("20060102T150405.000000000")+".json")
	if err := os.WriteFile(path, append(data, '\n'), 0o644); err != nil {
		slog.Warn("Failed to write crash report", "error", err)
		return ""
	}
	return path
}

// observe records per-route request metrics.
func observe(route string, next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		next(w, r)
		metrics.ObserveHTTPRequest(route, time.Since(start))
	}
}

// rateLimiter is a per-client-IP token bucket.
type rateLimiter struct {
	perMinute int
	burst     int

	mu      sync.Mutex
	buckets map[string]*bucket

	done chan struct{}
}

type bucket struct {
	tokens     float64
	lastRefill time.Time
}

func newRateLimiter(perMinute int) *rateLimiter {
	rl := &rateLimiter{
		perMinute: perMinute,
		burst:     perMinute / 10,
		buckets:   make(map[string]*bucket),
		done:      make(chan struct{}),
	}
	if rl.burst < 5 {
		rl.burst = 5
	}
	go rl.cleanupLoop()
	return rl
}

func (rl *rateLimiter) stop() { close(rl.done) }

func (rl *rateLimiter) middleware(next http.Handler) http.Handler {
	if rl.perMinute <= 0 {
		return next
	}
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ip := clientIP(r)
		if !rl.allow(ip) {
			slog.Debug("Rate limit exceeded", "client", ip, "path", r.URL.Path)
			w.Header().Set("Retry-After", "60")
			writeJSON(w, http.StatusTooManyRequests, map[string]any{
				"error": &Error{Kind: "rate_limited", Message: "too many requests"},
			})
			return
		}
		next.ServeHTTP(w, r)
	})
}

func (rl *rateLimiter) allow(ip string) bool {
	now := time.Now()
	rl.mu.Lock()
	defer rl.mu.Unlock()
	b, ok := rl.buckets[ip]
	if !ok {
		b = &bucket{tokens: float64(rl.burst), lastRefill: now}
		rl.buckets[ip] = b
	}
	b.tokens += now.Sub(b.lastRefill).Minutes() * float64(rl.perMinute)
	if b.tokens > float64(rl.burst) {
		b.tokens = float64(rl.burst)
	}
	b.lastRefill = now
	if b.tokens >= 1 {
		b.tokens--
		return true
	}
	return false
}

func (rl *rateLimiter) cleanupLoop() {
	t := time.NewTicker(5 * time.Minute)
	defer t.Stop()
	for {
		select {
		case <-rl.done:
			return
		case <-t.C:
			threshold := time.Now().Add(-10 * time.Minute)
			rl.mu.Lock()
			for ip, b := range rl.buckets {
				if b.lastRefill.Before(threshold) {
					delete(rl.buckets, ip)
				}
			}
			rl.mu.Unlock()
		}
	}
}

// clientIP takes X-Forwarded-For, then X-Real-IP, then RemoteAddr.
func clientIP(r *http.Request) string {
	if xff := r.Header.Get("X-Forwarded-For"); xff != "" {
		if i := strings.Index(xff, ","); i != -1 {
			return strings.TrimSpace(xff[:i])
		}
		return strings.TrimSpace(xff)
	}
	if xri := r.Header.Get("X-Real-IP"); xri != "" {
		return strings.TrimSpace(xri)
	}
	addr := r.RemoteAddr
	if i := strings.LastIndex(addr, ":"); i != -1 {
		return addr[:i]
	}
	return addr
}
