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

// Package metrics holds the Prometheus collectors for the control plane.
package metrics

import (
	"net/http"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	mu  sync.RWMutex
	reg *prometheus.Registry

	hookPublished    *prometheus.CounterVec
	hookDropped      *prometheus.CounterVec
	webhookDelivery  *prometheus.CounterVec
	webhookDead      prometheus.Counter
	jobTransitions   *prometheus.CounterVec
	budgetEvents     *prometheus.CounterVec
	registryOps      *prometheus.CounterVec
	scenarioRuns     prometheus.Counter
	policyFindings   *prometheus.CounterVec
	httpDuration     *prometheus.HistogramVec
	providerProbes   *prometheus.CounterVec
	providerLatency  *prometheus.HistogramVec
	thumbnailResults *prometheus.CounterVec
)

func init() {
	resetLocked()
}

// Reset clears and reinitializes all collectors. Primarily used by tests to
// ensure clean state.
func Reset() {
	mu.Lock()
	defer mu.Unlock()
	resetLocked()
}

func resetLocked() {
	reg = prometheus.NewRegistry()

	hookPublished = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "studio_hook_published_total",
		Help: "Hook envelopes published on the event bus, by event name.",
	}, []string{"event"})
	hookDropped = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "studio_hook_dropped_total",
		Help: "Envelopes dropped from bounded subscriber queues, by sink kind.",
	}, []string{"sink"})
	webhookDelivery = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "studio_webhook_deliveries_total",
		Help: "Outbound webhook delivery attempts by outcome (ok, retry, failed).",
	}, []string{"outcome"})
	webhookDead = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "studio_webhook_dead_letters_total",
		Help: "Webhook deliveries moved to the dead-letter ring.",
	})
	jobTransitions = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "studio_job_transitions_total",
		Help: "Job lifecycle transitions by from/to state.",
	}, []string{"from", "to"})
	budgetEvents = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "studio_budget_events_total",
		Help: "Budget manager events (delayed, promoted, evicted).",
	}, []string{"event"})
	registryOps = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "studio_registry_ops_total",
		Help: "Asset registry operations by name (register, update, remove, rebuild).",
	}, []string{"op"})
	scenarioRuns = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "studio_scenario_runs_total",
		Help: "Completed scenario runner invocations.",
	})
	policyFindings = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "studio_policy_findings_total",
		Help: "Advisory findings by severity.",
	}, []string{"severity"})
	httpDuration = prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "studio_http_request_duration_seconds",
		Help:    "HTTP handler latency by route.",
		Buckets: prometheus.DefBuckets,
	}, []string{"route"})
	providerProbes = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "studio_provider_probes_total",
		Help: "Provider health probe outcomes.",
	}, []string{"outcome"})
	providerLatency = prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "studio_provider_probe_seconds",
		Help:    "Provider health probe latency by provider id.",
		Buckets: []float64{.01, .05, .1, .25, .5, 1, 2.5, 5, 10, 30},
	}, []string{"provider"})
	thumbnailResults = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "studio_thumbnail_results_total",
		Help: "Thumbnail worker outcomes (ok, failed, dropped).",
	}, []string{"outcome"})

	reg.MustRegister(
		hookPublished, hookDropped, webhookDelivery, webhookDead,
		jobTransitions, budgetEvents, registryOps, scenarioRuns,
		policyFindings, httpDuration, providerProbes, providerLatency,
		thumbnailResults,
	)
}

// Handler returns an HTTP handler exposing the registry in Prometheus format.
func Handler() http.Handler {
	mu.RLock()
	registry := reg
	mu.RUnlock()
	return promhttp.HandlerFor(registry, promhttp.HandlerOpts{})
}

// ObserveHookPublished records one published envelope.
func ObserveHookPublished(event string) {
	mu.RLock()
	defer mu.RUnlock()
	hookPublished.WithLabelValues(event).Inc()
}

// ObserveHookDropped records envelopes dropped from a bounded queue.
func ObserveHookDropped(sink string, n int) {
	mu.RLock()
	defer mu.RUnlock()
	hookDropped.WithLabelValues(sink).Add(float64(n))
}

// ObserveWebhookDelivery records a delivery attempt outcome.
func ObserveWebhookDelivery(outcome string) {
	mu.RLock()
	defer mu.RUnlock()
	webhookDelivery.WithLabelValues(outcome).Inc()
}

// ObserveWebhookDeadLetter records a delivery exhausted into dead letters.
func ObserveWebhookDeadLetter() {
	mu.RLock()
	defer mu.RUnlock()
	webhookDead.Inc()
}

// ObserveJobTransition records one lifecycle transition.
func ObserveJobTransition(from, to string) {
	mu.RLock()
	defer mu.RUnlock()
	jobTransitions.WithLabelValues(from, to).Inc()
}

// ObserveBudgetEvent records a budget manager event.
func ObserveBudgetEvent(event string) {
	mu.RLock()
	defer mu.RUnlock()
	budgetEvents.WithLabelValues(event).Inc()
}

// ObserveRegistryOp records one registry mutation or scan.
func ObserveRegistryOp(op string) {
	mu.RLock()
	defer mu.RUnlock()
	registryOps.WithLabelValues(op).Inc()
}

// ObserveScenarioRun records a finished scenario run.
func ObserveScenarioRun() {
	mu.RLock()
	defer mu.RUnlock()
	scenarioRuns.Inc()
}

// ObservePolicyFinding records an advisory finding.
func ObservePolicyFinding(severity string) {
	mu.RLock()
	defer mu.RUnlock()
	policyFindings.WithLabelValues(severity).Inc()
}

// ObserveHTTPRequest records handler latency for a route.
func ObserveHTTPRequest(route string, d time.Duration) {
	mu.RLock()
	defer mu.RUnlock()
	httpDuration.WithLabelValues(route).Observe(d.Seconds())
}

// ObserveProviderProbe records a probe outcome and latency.
func ObserveProviderProbe(provider string, ok bool, d time.Duration) {
	mu.RLock()
	defer mu.RUnlock()
	outcome := "ok"
	if !ok {
		outcome = "failed"
	}
	providerProbes.WithLabelValues(outcome).Inc()
	providerLatency.WithLabelValues(provider).Observe(d.Seconds())
}

// ObserveThumbnail records a thumbnail worker outcome.
func ObserveThumbnail(outcome string) {
	mu.RLock()
	defer mu.RUnlock()
	thumbnailResults.WithLabelValues(outcome).Inc()
}
