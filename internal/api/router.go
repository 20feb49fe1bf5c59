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

// Package api is the HTTP and WebSocket surface of the control plane.
// Handlers translate between the wire and the components; no business
// rule lives here.
package api

import (
	"net/http"
	"time"

	"comfyvn/internal/budget"
	"comfyvn/internal/config"
	"comfyvn/internal/flags"
	"comfyvn/internal/hooks"
	"comfyvn/internal/metrics"
	"comfyvn/internal/policy"
	"comfyvn/internal/providers"
	"comfyvn/internal/registry"
	"comfyvn/internal/scenario"
	"comfyvn/internal/scheduler"
)

// Server bundles the component handles the handlers need.
type Server struct {
	cfg       config.Config
	flags     *flags.Store
	bus       *hooks.Bus
	webhooks  *hooks.WebhookManager
	registry  *registry.Registry
	enforcer  *policy.Enforcer
	budget    *budget.Manager
	sched     *scheduler.Scheduler
	scenarios *scenario.Runner
	providers *providers.Registry

	version string
	logDir  string
	started time.Time
	limiter *rateLimiter
	routes  []string
}

// Options carries the server dependencies.
type Options struct {
	Config    config.Config
	Flags     *flags.Store
	Bus       *hooks.Bus
	Webhooks  *hooks.WebhookManager
	Registry  *registry.Registry
	Enforcer  *policy.Enforcer
	Budget    *budget.Manager
	Scheduler *scheduler.Scheduler
	Scenarios *scenario.Runner
	Providers *providers.Registry
	Version   string
	LogDir    string
}

// New builds the server.
func New(opts Options) *Server {
	return &Server{
		cfg:       opts.Config,
		flags:     opts.Flags,
		bus:       opts.Bus,
		webhooks:  opts.Webhooks,
		registry:  opts.Registry,
		enforcer:  opts.Enforcer,
		budget:    opts.Budget,
		sched:     opts.Scheduler,
		scenarios: opts.Scenarios,
		providers: opts.Providers,
		version:   opts.Version,
		logDir:    opts.LogDir,
		started:   time.Now(),
		limiter:   newRateLimiter(opts.Config.RateLimitPerMinute),
	}
}

// Close stops the server's background loops.
func (s *Server) Close() {
	s.limiter.stop()
}

// Routes returns the fully wired handler.
func (s *Server) Routes() http.Handler {
	mux := http.NewServeMux()
	handle := func(pattern string, h http.HandlerFunc) {
		s.routes = append(s.routes, pattern)
		mux.HandleFunc(pattern, observe(pattern, h))
	}

	// Jobs.
	handle("POST /api/schedule/submit", s.handleScheduleSubmit)
	handle("POST /api/schedule/claim", s.handleScheduleClaim)
	handle("POST /api/schedule/start", s.handleScheduleStart)
	handle("POST /api/schedule/complete", s.handleScheduleComplete)
	handle("POST /api/schedule/fail", s.handleScheduleFail)
	handle("POST /api/schedule/requeue", s.handleScheduleRequeue)
	handle("POST /api/schedule/cancel", s.handleScheduleCancel)
	handle("GET /api/schedule/state/{id}", s.handleScheduleState)
	handle("GET /api/schedule/board", s.handleScheduleBoard)
	handle("GET /api/schedule/health", s.handleScheduleHealth)
	handle("GET /api/schedule/ws", s.handleScheduleWS)

	// Compute.
	handle("POST /api/compute/advise", s.handleComputeAdvise)
	handle("POST /api/compute/costs", s.handleComputeCosts)

	// Assets.
	handle("GET /api/assets", s.handleAssetList)
	handle("GET /api/assets/{uid}", s.handleAssetGet)
	handle("POST /api/assets/register", s.handleAssetRegister)
	handle("POST /api/assets/upload", s.handleAssetUpload)
	handle("DELETE /api/assets/{uid}", s.handleAssetDelete)
	handle("GET /api/assets/{uid}/sidecar", s.handleAssetSidecar)
	handle("POST /api/assets/rebuild", s.handleAssetRebuild)

	// Modder hooks.
	handle("GET /api/modder/hooks", s.handleHookCatalog)
	handle("GET /api/modder/hooks/ws", s.handleHooksWS)
	handle("POST /api/modder/hooks/webhooks", s.handleWebhookRegister)
	handle("DELETE /api/modder/hooks/webhooks/{id}", s.handleWebhookDelete)
	handle("POST /api/modder/hooks/test", s.handleWebhookTest)

	// Policy.
	handle("POST /api/policy/enforce", s.handlePolicyEnforce)
	handle("GET /api/policy/audit", s.handlePolicyAudit)
	handle("GET /api/policy/status", s.handlePolicyStatus)
	handle("POST /api/policy/ack", s.handlePolicyAck)

	// Scenario.
	handle("POST /api/scenario/run/step", s.handleScenarioStep)
	handle("POST /api/playtest/run", s.handlePlaytestRun)

	// Providers.
	handle("GET /api/providers", s.handleProviderList)
	handle("POST /api/providers", s.handleProviderUpsert)
	handle("DELETE /api/providers/{id}", s.handleProviderDelete)

	// Feature flags.
	handle("GET /api/flags", s.handleFlagsGet)
	handle("POST /api/flags/{name}", s.handleFlagSet)

	// System.
	handle("GET /health", s.handleHealth)
	handle("GET /status", s.handleStatus)
	mux.Handle("GET /metrics", metrics.Handler())

	return s.recovery(s.limiter.middleware(mux))
}
