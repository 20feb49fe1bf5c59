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

// Package models contains the shared domain types of the control plane:
// jobs, assets, provenance rows, providers, advisory findings and hook
// envelopes. Types here carry no behavior beyond small helpers; ownership
// rules live with the components (scheduler owns jobs, registry owns
// assets, the bus owns envelopes).
package models

import "time"

// JobState is the lifecycle state of a scheduled job.
type JobState string

const (
	JobPendingAdmission JobState = "pending_admission"
	JobDelayed          JobState = "delayed"
	JobQueued           JobState = "queued"
	JobClaimed          JobState = "claimed"
	JobRunning          JobState = "running"
	JobComplete         JobState = "complete"
	JobFailed           JobState = "failed"
	JobRequeued         JobState = "requeued"
	JobCancelled        JobState = "cancelled"
)

// Terminal reports whether the state freezes the job record.
func (s JobState) Terminal() bool {
	switch s {
	case JobComplete, JobFailed, JobCancelled:
		return true
	}
	return false
}

// Target selects which queue a job lands on.
type Target string

const (
	TargetLocal  Target = "local"
	TargetRemote Target = "remote"
	TargetAuto   Target = "auto"
)

// TraceEntry is one append-only lifecycle observation on a job.
type TraceEntry struct {
	At       time.Time `json:"at"`
	State    JobState  `json:"state"`
	Note     string    `json:"note,omitempty"`
	WorkerID string    `json:"worker_id,omitempty"`
}

// CostHint carries the caller's resource expectations for admission.
type CostHint struct {
	CPUPct     float64 `json:"cpu_pct,omitempty"`
	VRAMMB     int64   `json:"vram_mb,omitempty"`
	Slots      int     `json:"slots,omitempty"`
	InputBytes int64   `json:"input_bytes,omitempty"`
}

// Job is the scheduler-owned record for one unit of work. External callers
// hold only the ID; all mutation goes through the scheduler.
type Job struct {
	ID            string     `json:"id"`
	Kind          string     `json:"kind"`
	Priority      int        `json:"priority"`
	SubmittedAt   time.Time  `json:"submitted_at"`
	SubmittedMono int64      `json:"submitted_mono"`
	Deadline      *time.Time `json:"deadline,omitempty"`

	Target     Target `json:"target"`
	DeviceHint string `json:"device_hint,omitempty"`
	StickyKey  string `json:"sticky_key,omitempty"`

	Input            map[string]any `json:"input,omitempty"`
	CostHint         CostHint       `json:"cost_hint"`
	Tags             []string       `json:"tags,omitempty"`
	ProvenanceInputs map[string]any `json:"provenance_inputs,omitempty"`

	State       JobState       `json:"state"`
	Attempts    int            `json:"attempts"`
	MaxAttempts int            `json:"max_attempts"`
	LastError   string         `json:"last_error,omitempty"`
	Result      map[string]any `json:"result,omitempty"`

	WorkerID        string     `json:"worker_id,omitempty"`
	ClaimedAt       *time.Time `json:"claimed_at,omitempty"`
	StartedAt       *time.Time `json:"started_at,omitempty"`
	FinishedAt      *time.Time `json:"finished_at,omitempty"`
	CancelRequested bool       `json:"cancel_requested,omitempty"`

	Trace []TraceEntry `json:"trace"`
}

// Clone returns a copy safe to hand across the scheduler's actor boundary.
// The trace slice is copied because the scheduler keeps appending to its
// own; payload maps are shared read-only by convention.
func (j *Job) Clone() *Job {
	cp := *j
	cp.Trace = make([]TraceEntry, len(j.Trace))
	copy(cp.Trace, j.Trace)
	return &cp
}

// AssetType classifies registered assets.
type AssetType string

const (
	AssetImage AssetType = "image"
	AssetAudio AssetType = "audio"
	AssetText  AssetType = "text"
	AssetOther AssetType = "other"
)

// Asset is a content-addressed registry row. UID is the BLAKE2s-256 hex of
// the file bytes; two identical files share one row and one canonical path.
type Asset struct {
	UID           string         `json:"uid"`
	Type          AssetType      `json:"type"`
	Path          string         `json:"path"`
	SidecarPath   string         `json:"sidecar_path"`
	ThumbnailPath string         `json:"thumbnail_path,omitempty"`
	SizeBytes     int64          `json:"size_bytes"`
	CreatedAt     time.Time      `json:"created_at"`
	Meta          map[string]any `json:"meta"`
	ProvenanceID  string         `json:"provenance_id,omitempty"`
}

// Provenance links an asset to the tool, workflow and inputs that produced
// it. Rows are append-only and never rewritten.
type Provenance struct {
	ID           string         `json:"id"`
	AssetUID     string         `json:"asset_uid"`
	Source       string         `json:"source"`
	WorkflowHash string         `json:"workflow_hash,omitempty"`
	Seed         *int64         `json:"seed,omitempty"`
	Inputs       map[string]any `json:"inputs_json,omitempty"`
	Tool         string         `json:"tool"`
	Version      string         `json:"version"`
	CreatedAt    time.Time      `json:"created_at"`
}

// Envelope is the wire form of every event on the modder-hook bus. At and
// Seq together totally order events.
type Envelope struct {
	Event     string         `json:"event"`
	HookEvent string         `json:"hook_event"`
	At        time.Time      `json:"at"`
	Seq       uint64         `json:"seq"`
	Payload   map[string]any `json:"payload"`
	Source    string         `json:"source"`
}

// Severity grades an advisory finding.
type Severity string

const (
	SeverityInfo  Severity = "info"
	SeverityWarn  Severity = "warn"
	SeverityBlock Severity = "block"
)

// Finding is one advisory scanner result. Findings are deduplicated by
// (Scanner, Code, target hash); Count carries the duplicate tally.
type Finding struct {
	Scanner  string         `json:"scanner"`
	Code     string         `json:"code"`
	Severity Severity       `json:"severity"`
	Message  string         `json:"message"`
	Target   string         `json:"target,omitempty"`
	Details  map[string]any `json:"details,omitempty"`
	Count    int            `json:"count,omitempty"`
}

// ProviderKind separates local devices from remote services.
type ProviderKind string

const (
	ProviderLocal  ProviderKind = "local"
	ProviderRemote ProviderKind = "remote"
)

// ProviderStatus is the last probe outcome; updated atomically by the
// health prober.
type ProviderStatus struct {
	Healthy   bool       `json:"healthy"`
	LastOKAt  *time.Time `json:"last_ok_at,omitempty"`
	LastError string     `json:"last_error,omitempty"`
	LatencyMS *int64     `json:"latency_ms,omitempty"`
}

// ProviderCost holds the pricing metadata the cost estimator consumes.
// Zero values mean free or unknown.
type ProviderCost struct {
	PerMinute       float64 `json:"per_minute,omitempty"`
	EgressPerGB     float64 `json:"egress_per_gb,omitempty"`
	VRAMPerGBMinute float64 `json:"vram_per_gb_minute,omitempty"`
}

// Provider is a typed record for a compute backend.
type Provider struct {
	ID           string         `json:"id"`
	Kind         ProviderKind   `json:"kind"`
	Capabilities []string       `json:"capabilities,omitempty"`
	Config       map[string]any `json:"config,omitempty"`
	Status       ProviderStatus `json:"status"`
	Cost         ProviderCost   `json:"cost"`
}

// Clone returns a copy with its own capability slice. The config map is
// shared read-only by convention.
func (p *Provider) Clone() *Provider {
	cp := *p
	cp.Capabilities = append([]string(nil), p.Capabilities...)
	return &cp
}

// CostEstimate is the output of the scheduler's pure cost preview.
type CostEstimate struct {
	DurationSec      float64  `json:"duration_sec"`
	BytesTx          int64    `json:"bytes_tx"`
	BytesRx          int64    `json:"bytes_rx"`
	VRAMMinutes      float64  `json:"vram_minutes"`
	CurrencyEstimate float64  `json:"currency_estimate"`
	Rationale        []string `json:"rationale"`
}
