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

// Package scheduler owns the job lifecycle. All mutable state lives inside
// a single actor goroutine; external operations are closures sent over a
// command channel, so no lock ever guards a job record. Every transition
// is persisted before its hook fires: an observer that sees
// on_job_state_changed can immediately read the matching row.
package scheduler

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/oklog/ulid/v2"

	"comfyvn/internal/budget"
	"comfyvn/internal/database"
	"comfyvn/internal/flags"
	"comfyvn/internal/hooks"
	"comfyvn/internal/metrics"
	"comfyvn/internal/policy"
	"comfyvn/pkg/models"
)

var (
	// ErrStopped is returned once the scheduler has shut down.
	ErrStopped = errors.New("scheduler stopped")
	// ErrUnknownJob is returned for ids with no open record.
	ErrUnknownJob = errors.New("unknown job")
	// ErrConflict is returned when an operation does not apply to the
	// job's current state or worker.
	ErrConflict = errors.New("conflicting job state")
)

// Config holds the scheduler's tunables.
type Config struct {
	MaxAttempts      int
	RetryBackoffBase time.Duration
	CancelGrace      time.Duration
	// LocalVRAMMax caps what auto targeting considers locally runnable.
	LocalVRAMMax int64
}

// ProviderSource exposes the provider snapshot the advisor consults.
type ProviderSource interface {
	Snapshot() []models.Provider
}

// SubmitRequest describes one job submission.
type SubmitRequest struct {
	Kind             string          `json:"kind"`
	Priority         int             `json:"priority"`
	Target           models.Target   `json:"target"`
	DeviceHint       string          `json:"device_hint,omitempty"`
	StickyKey        string          `json:"sticky_key,omitempty"`
	Input            map[string]any  `json:"input,omitempty"`
	CostHint         models.CostHint `json:"cost_hint"`
	Tags             []string        `json:"tags,omitempty"`
	ProvenanceInputs map[string]any  `json:"provenance_inputs,omitempty"`
	Deadline         *time.Time      `json:"deadline,omitempty"`
	AckToken         string          `json:"ack_token,omitempty"`
}

// ClaimRequest describes a worker's pull for work.
type ClaimRequest struct {
	WorkerID     string        `json:"worker_id"`
	Target       models.Target `json:"target"`
	Capabilities []string      `json:"capabilities,omitempty"`
}

// Scheduler is the control plane's job authority.
type Scheduler struct {
	cfg       Config
	db        *database.DB
	bus       *hooks.Bus
	budget    *budget.Manager
	enforcer  *policy.Enforcer
	flags     *flags.Store
	providers ProviderSource

	cmds chan func()
	done chan struct{}
	now  func() time.Time

	// Actor-owned state; only the loop goroutine touches these.
	jobs   map[string]*models.Job
	queues map[models.Target]*jobQueue
	sticky map[string]string
	avgs   map[string]*rollingAvg
}

// New builds a scheduler. Start must be called before use.
func New(cfg Config, db *database.DB, bus *hooks.Bus, bm *budget.Manager, enf *policy.Enforcer, fl *flags.Store, providers ProviderSource) *Scheduler {
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = 3
	}
	if cfg.RetryBackoffBase <= 0 {
		cfg.RetryBackoffBase = 500 * time.Millisecond
	}
	if cfg.CancelGrace <= 0 {
		cfg.CancelGrace = 30 * time.Second
	}
	return &Scheduler{
		cfg:       cfg,
		db:        db,
		bus:       bus,
		budget:    bm,
		enforcer:  enf,
		flags:     fl,
		providers: providers,
		cmds:      make(chan func(), 64),
		done:      make(chan struct{}),
		now:       time.Now,
		jobs:      make(map[string]*models.Job),
		queues: map[models.Target]*jobQueue{
			models.TargetLocal:  {},
			models.TargetRemote: {},
		},
		sticky: make(map[string]string),
		avgs:   make(map[string]*rollingAvg),
	}
}

// Start recovers open jobs from the database, wires the budget promotion
// callback and launches the actor loop.
func (s *Scheduler) Start(ctx context.Context) error {
	open, err := s.db.ListOpenJobs(ctx)
	if err != nil {
		return fmt.Errorf("recovering open jobs: %w", err)
	}
	for _, job := range open {
		s.recover(job)
	}
	s.budget.SetPromote(func(id string) {
		// Promotion fires from the budget refresh goroutine, possibly
		// while the actor itself released a reservation; never block it.
		go s.async(func() { s.promoteDelayed(id) })
	})
	go s.loop()
	slog.Info("Scheduler started", "recovered", len(open))
	return nil
}

// Stop halts the actor. In-flight commands are drained first.
func (s *Scheduler) Stop() {
	close(s.done)
}

func (s *Scheduler) loop() {
	for {
		select {
		case <-s.done:
			return
		case fn := <-s.cmds:
			fn()
		}
	}
}

// call runs fn on the actor and waits for it.
func (s *Scheduler) call(fn func()) error {
	ready := make(chan struct{})
	select {
	case s.cmds <- func() { fn(); close(ready) }:
	case <-s.done:
		return ErrStopped
	}
	select {
	case <-ready:
		return nil
	case <-s.done:
		return ErrStopped
	}
}

// async runs fn on the actor without waiting. Dropped silently after Stop.
func (s *Scheduler) async(fn func()) {
	select {
	case s.cmds <- fn:
	case <-s.done:
	}
}

// recover re-queues jobs found open at startup. Claimed and running jobs
// lost their worker with the process, so they retry; delayed jobs go back
// through admission.
func (s *Scheduler) recover(job *models.Job) {
	switch job.State {
	case models.JobQueued, models.JobRequeued:
		job.State = models.JobQueued
		s.jobs[job.ID] = job
		s.queueFor(job.Target).push(job)
	case models.JobClaimed, models.JobRunning:
		job.WorkerID = ""
		job.ClaimedAt = nil
		job.StartedAt = nil
		s.jobs[job.ID] = job
		s.transition(job, models.JobRequeued, "", "recovered after restart")
		s.transition(job, models.JobQueued, "", "")
		s.queueFor(job.Target).push(job)
	case models.JobPendingAdmission, models.JobDelayed:
		s.jobs[job.ID] = job
		s.admit(job)
	}
}

// Submit runs the scheduling policy gate, creates the job record and takes
// it through admission. On a policy block no record is created.
func (s *Scheduler) Submit(ctx context.Context, req SubmitRequest) (*models.Job, error) {
	if req.Kind == "" {
		return nil, fmt.Errorf("%w: kind is required", ErrConflict)
	}
	if s.flags.GetBool("policy_gate_scheduling") {
		payload := map[string]any{"kind": req.Kind, "target": string(req.Target)}
		for k, v := range req.Input {
			payload[k] = v
		}
		decision, err := s.enforcer.Evaluate(ctx, "schedule.submit", payload, req.AckToken)
		if err != nil {
			return nil, err
		}
		if !decision.Allow {
			return nil, &policy.BlockedError{Action: "schedule.submit", Findings: decision.Findings}
		}
	}

	now := s.now().UTC()
	job := &models.Job{
		ID:               ulid.Make().String(),
		Kind:             req.Kind,
		Priority:         req.Priority,
		SubmittedAt:      now,
		SubmittedMono:    s.now().UnixNano(),
		Deadline:         req.Deadline,
		Target:           req.Target,
		DeviceHint:       req.DeviceHint,
		StickyKey:        req.StickyKey,
		Input:            req.Input,
		CostHint:         req.CostHint,
		Tags:             req.Tags,
		ProvenanceInputs: req.ProvenanceInputs,
		State:            models.JobPendingAdmission,
		MaxAttempts:      s.maxAttempts(),
	}
	if job.Target == "" || job.Target == models.TargetAuto {
		target, why := s.resolveTarget(job.Kind, job.CostHint)
		job.Target = target
		job.Trace = append(job.Trace, models.TraceEntry{At: now, State: models.JobPendingAdmission, Note: why})
	}

	var out *models.Job
	err := s.call(func() {
		s.jobs[job.ID] = job
		s.transition(job, models.JobPendingAdmission, "", "submitted")
		s.admit(job)
		s.maybePreempt(job)
		out = job.Clone()
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

func (s *Scheduler) maxAttempts() int {
	if n := s.flags.GetInt("scheduler_max_attempts"); n > 0 {
		return n
	}
	return s.cfg.MaxAttempts
}

// admit runs budget admission for a pending or delayed job. Actor only.
func (s *Scheduler) admit(job *models.Job) {
	decision := s.budget.Admit(job.ID, job.Target, job.CostHint)
	if decision.Accepted {
		s.transition(job, models.JobQueued, "", "")
		s.queueFor(job.Target).push(job)
		return
	}
	if job.State != models.JobDelayed {
		s.transition(job, models.JobDelayed, "", decision.Reason)
	}
}

// maybePreempt hands a saturated target to a higher-priority arrival by
// requeueing the oldest lowest-priority job that is claimed but not yet
// running. Actor only.
func (s *Scheduler) maybePreempt(arrival *models.Job) {
	if arrival.State != models.JobQueued {
		return
	}
	if s.budget.FreeSlots(arrival.Target) > 0 {
		return
	}
	var victim *models.Job
	for _, j := range s.jobs {
		if j.Target != arrival.Target || j.State != models.JobClaimed {
			continue
		}
		if j.Priority >= arrival.Priority {
			continue
		}
		if victim == nil ||
			j.Priority < victim.Priority ||
			(j.Priority == victim.Priority && j.SubmittedMono < victim.SubmittedMono) {
			victim = j
		}
	}
	if victim == nil {
		return
	}
	worker := victim.WorkerID
	victim.WorkerID = ""
	victim.ClaimedAt = nil
	s.budget.ReleaseSlot(victim.Target, victim.CostHint.Slots)
	s.transition(victim, models.JobRequeued, worker, "preempted by "+arrival.ID)
	s.transition(victim, models.JobQueued, "", "")
	s.queueFor(victim.Target).push(victim)
}

// Claim hands the best eligible queued job to a worker, or nil when none
// is ready. Sticky keys prefer the worker that last ran the same key.
func (s *Scheduler) Claim(ctx context.Context, req ClaimRequest) (*models.Job, error) {
	if req.WorkerID == "" {
		return nil, fmt.Errorf("%w: worker_id is required", ErrConflict)
	}
	target := req.Target
	if target == "" || target == models.TargetAuto {
		target = models.TargetLocal
	}
	var out *models.Job
	err := s.call(func() {
		q := s.queueFor(target)
		capable := func(j *models.Job) bool {
			if len(req.Capabilities) == 0 {
				return true
			}
			for _, c := range req.Capabilities {
				if c == j.Kind {
					return true
				}
			}
			return false
		}
		// First pass: a job whose sticky key last ran on this worker.
		job := q.pick(func(j *models.Job) bool {
			return capable(j) && j.StickyKey != "" && s.sticky[j.StickyKey] == req.WorkerID
		})
		if job == nil {
			job = q.pick(capable)
		}
		if job == nil {
			return
		}
		if !s.budget.AcquireSlot(target, job.CostHint.Slots) {
			q.push(job)
			return
		}
		now := s.now().UTC()
		job.WorkerID = req.WorkerID
		job.ClaimedAt = &now
		if job.StickyKey != "" {
			s.sticky[job.StickyKey] = req.WorkerID
		}
		s.transition(job, models.JobClaimed, req.WorkerID, "")
		out = job.Clone()
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

// StartJob moves a claimed job to running. The claiming worker must match.
func (s *Scheduler) StartJob(ctx context.Context, id, workerID string) error {
	return s.jobOp(id, func(job *models.Job) error {
		if job.State != models.JobClaimed {
			return fmt.Errorf("%w: start from %s", ErrConflict, job.State)
		}
		if job.WorkerID != workerID {
			return fmt.Errorf("%w: claimed by %s", ErrConflict, job.WorkerID)
		}
		now := s.now().UTC()
		job.StartedAt = &now
		s.transition(job, models.JobRunning, workerID, "")
		return nil
	})
}

// Complete finishes a running job. A pending cancel clamps the terminal
// state to cancelled; the result is recorded either way.
func (s *Scheduler) Complete(ctx context.Context, id, workerID string, result map[string]any) error {
	return s.jobOp(id, func(job *models.Job) error {
		if job.State != models.JobRunning {
			return fmt.Errorf("%w: complete from %s", ErrConflict, job.State)
		}
		if job.WorkerID != workerID {
			return fmt.Errorf("%w: claimed by %s", ErrConflict, job.WorkerID)
		}
		now := s.now().UTC()
		job.FinishedAt = &now
		job.Result = result
		if job.StartedAt != nil {
			s.avgFor(job.Kind).observe(now.Sub(*job.StartedAt).Seconds())
		}
		if job.CancelRequested {
			s.finish(job, models.JobCancelled, workerID, "cancelled during run")
		} else {
			s.finish(job, models.JobComplete, workerID, "")
		}
		return nil
	})
}

// Fail records a worker error. Below the attempt cap the job requeues with
// backoff; at the cap (or with a pending cancel) it goes terminal.
func (s *Scheduler) Fail(ctx context.Context, id, workerID, errMsg string) error {
	return s.jobOp(id, func(job *models.Job) error {
		if job.State != models.JobRunning && job.State != models.JobClaimed {
			return fmt.Errorf("%w: fail from %s", ErrConflict, job.State)
		}
		if job.WorkerID != workerID {
			return fmt.Errorf("%w: claimed by %s", ErrConflict, job.WorkerID)
		}
		job.Attempts++
		job.LastError = errMsg
		s.budget.ReleaseSlot(job.Target, job.CostHint.Slots)
		job.WorkerID = ""
		job.ClaimedAt = nil
		job.StartedAt = nil
		if job.CancelRequested {
			now := s.now().UTC()
			job.FinishedAt = &now
			s.finishReleased(job, models.JobCancelled, workerID, "cancelled during run")
			return nil
		}
		if job.Attempts >= job.MaxAttempts {
			now := s.now().UTC()
			job.FinishedAt = &now
			s.finishReleased(job, models.JobFailed, workerID, errMsg)
			return nil
		}
		s.transition(job, models.JobRequeued, workerID, errMsg)
		backoff := s.cfg.RetryBackoffBase << uint(job.Attempts-1)
		id := job.ID
		time.AfterFunc(backoff, func() {
			s.async(func() { s.requeueReady(id) })
		})
		return nil
	})
}

// Requeue pushes a claimed or running job back to the queue without
// counting an attempt.
func (s *Scheduler) Requeue(ctx context.Context, id string) error {
	return s.jobOp(id, func(job *models.Job) error {
		if job.State != models.JobClaimed && job.State != models.JobRunning {
			return fmt.Errorf("%w: requeue from %s", ErrConflict, job.State)
		}
		worker := job.WorkerID
		job.WorkerID = ""
		job.ClaimedAt = nil
		job.StartedAt = nil
		s.budget.ReleaseSlot(job.Target, job.CostHint.Slots)
		s.transition(job, models.JobRequeued, worker, "requeued by operator")
		s.transition(job, models.JobQueued, "", "")
		s.queueFor(job.Target).push(job)
		return nil
	})
}

// Cancel is cooperative: jobs not yet handed to a worker cancel
// immediately; claimed and running jobs get a cancel flag and a grace
// timer that forces the terminal state if the worker never reports.
func (s *Scheduler) Cancel(ctx context.Context, id string) error {
	return s.jobOp(id, func(job *models.Job) error {
		switch job.State {
		case models.JobPendingAdmission, models.JobDelayed, models.JobQueued, models.JobRequeued:
			s.queueFor(job.Target).remove(job.ID)
			now := s.now().UTC()
			job.FinishedAt = &now
			s.finishReleased(job, models.JobCancelled, "", "cancelled before claim")
			return nil
		case models.JobClaimed, models.JobRunning:
			if job.CancelRequested {
				return nil
			}
			job.CancelRequested = true
			job.Trace = append(job.Trace, models.TraceEntry{At: s.now().UTC(), State: job.State, Note: "cancel requested"})
			s.persist(job)
			jobID := job.ID
			time.AfterFunc(s.cfg.CancelGrace, func() {
				s.async(func() { s.forceCancel(jobID) })
			})
			return nil
		default:
			return fmt.Errorf("%w: cancel from %s", ErrConflict, job.State)
		}
	})
}

// forceCancel fires when the cancel grace expires. Actor only.
func (s *Scheduler) forceCancel(id string) {
	job, ok := s.jobs[id]
	if !ok || job.State.Terminal() {
		return
	}
	worker := job.WorkerID
	s.budget.ReleaseSlot(job.Target, job.CostHint.Slots)
	now := s.now().UTC()
	job.FinishedAt = &now
	s.finishReleased(job, models.JobCancelled, worker, "cancelled_timeout")
}

// promoteDelayed moves a budget-promoted job to the queue. Actor only.
func (s *Scheduler) promoteDelayed(id string) {
	job, ok := s.jobs[id]
	if !ok || job.State != models.JobDelayed {
		// Reservation was taken for a job that moved on (cancel race);
		// give it back.
		if !ok {
			s.budget.Release(id)
		}
		return
	}
	s.transition(job, models.JobQueued, "", "budget freed")
	s.queueFor(job.Target).push(job)
}

// requeueReady fires after the retry backoff. Actor only.
func (s *Scheduler) requeueReady(id string) {
	job, ok := s.jobs[id]
	if !ok || job.State != models.JobRequeued {
		return
	}
	s.transition(job, models.JobQueued, "", fmt.Sprintf("retry %d/%d", job.Attempts+1, job.MaxAttempts))
	s.queueFor(job.Target).push(job)
}

// CancelRequested reports whether a cooperative cancel is pending; workers
// poll this between steps.
func (s *Scheduler) CancelRequested(ctx context.Context, id string) (bool, error) {
	var flagged bool
	err := s.jobOp(id, func(job *models.Job) error {
		flagged = job.CancelRequested
		return nil
	})
	return flagged, err
}

// Get returns a snapshot of the job, falling back to the database for
// terminal records the actor no longer holds.
func (s *Scheduler) Get(ctx context.Context, id string) (*models.Job, error) {
	var out *models.Job
	err := s.call(func() {
		if job, ok := s.jobs[id]; ok {
			out = job.Clone()
		}
	})
	if err != nil {
		return nil, err
	}
	if out != nil {
		return out, nil
	}
	job, err := s.db.GetJob(ctx, id)
	if errors.Is(err, database.ErrNotFound) {
		return nil, ErrUnknownJob
	}
	return job, err
}

// PreviewCost estimates a submission without creating a job.
func (s *Scheduler) PreviewCost(ctx context.Context, req SubmitRequest) (models.CostEstimate, models.Target, string, error) {
	target := req.Target
	why := "explicit target"
	if target == "" || target == models.TargetAuto {
		target, why = s.resolveTarget(req.Kind, req.CostHint)
	}
	var provider *models.Provider
	if target == models.TargetRemote {
		provider = remoteCandidate(req.Kind, s.providerSnapshot())
	}
	var est models.CostEstimate
	err := s.call(func() {
		est = estimateCost(req.Kind, req.CostHint, provider, s.avgs[req.Kind])
	})
	if err != nil {
		return models.CostEstimate{}, "", "", err
	}
	est.Rationale = append(est.Rationale, why)
	return est, target, why, nil
}

// QueueEntry is one row on the schedule board.
type QueueEntry struct {
	ID       string          `json:"id"`
	Kind     string          `json:"kind"`
	Priority int             `json:"priority"`
	State    models.JobState `json:"state"`
	WorkerID string          `json:"worker_id,omitempty"`
}

// Board is the operator view of the queues.
type Board struct {
	Queues  map[string][]QueueEntry `json:"queues"`
	Active  []QueueEntry            `json:"active"`
	Delayed []QueueEntry            `json:"delayed"`
	Budget  budget.State            `json:"budget"`
}

// Snapshot renders the board.
func (s *Scheduler) Snapshot(ctx context.Context) (*Board, error) {
	board := &Board{Queues: map[string][]QueueEntry{}}
	err := s.call(func() {
		for target, q := range s.queues {
			var rows []QueueEntry
			for _, j := range q.peekAll() {
				rows = append(rows, entryOf(j))
			}
			board.Queues[string(target)] = rows
		}
		for _, j := range s.jobs {
			switch j.State {
			case models.JobClaimed, models.JobRunning:
				board.Active = append(board.Active, entryOf(j))
			case models.JobDelayed:
				board.Delayed = append(board.Delayed, entryOf(j))
			}
		}
	})
	if err != nil {
		return nil, err
	}
	board.Budget = s.budget.Snapshot()
	return board, nil
}

// Health counts open jobs by state.
func (s *Scheduler) Health(ctx context.Context) (map[string]int, error) {
	counts := map[string]int{}
	err := s.call(func() {
		for _, j := range s.jobs {
			counts[string(j.State)]++
		}
	})
	if err != nil {
		return nil, err
	}
	return counts, nil
}

func entryOf(j *models.Job) QueueEntry {
	return QueueEntry{ID: j.ID, Kind: j.Kind, Priority: j.Priority, State: j.State, WorkerID: j.WorkerID}
}

// jobOp runs fn on the actor against a known open job.
func (s *Scheduler) jobOp(id string, fn func(*models.Job) error) error {
	var opErr error
	err := s.call(func() {
		job, ok := s.jobs[id]
		if !ok {
			opErr = ErrUnknownJob
			return
		}
		opErr = fn(job)
	})
	if err != nil {
		return err
	}
	return opErr
}

func (s *Scheduler) queueFor(target models.Target) *jobQueue {
	q, ok := s.queues[target]
	if !ok {
		q = &jobQueue{}
		s.queues[target] = q
	}
	return q
}

func (s *Scheduler) avgFor(kind string) *rollingAvg {
	a, ok := s.avgs[kind]
	if !ok {
		a = &rollingAvg{}
		s.avgs[kind] = a
	}
	return a
}

// finish releases the execution slot and budget reservation, then records
// the terminal transition.
func (s *Scheduler) finish(job *models.Job, to models.JobState, worker, note string) {
	s.budget.ReleaseSlot(job.Target, job.CostHint.Slots)
	s.finishReleased(job, to, worker, note)
}

// finishReleased records a terminal transition for a job whose slot is
// already free. The record leaves the actor map; reads fall through to
// the database.
func (s *Scheduler) finishReleased(job *models.Job, to models.JobState, worker, note string) {
	s.transition(job, to, worker, note)
	s.budget.Release(job.ID)
	delete(s.jobs, job.ID)
}

// transition appends a trace entry, persists the row and then publishes
// on_job_state_changed. Actor only.
func (s *Scheduler) transition(job *models.Job, to models.JobState, worker, note string) {
	from := job.State
	job.State = to
	job.Trace = append(job.Trace, models.TraceEntry{At: s.now().UTC(), State: to, Note: note, WorkerID: worker})
	s.persist(job)
	metrics.ObserveJobTransition(string(from), string(to))
	payload := map[string]any{"id": job.ID, "from": string(from), "to": string(to)}
	if worker != "" {
		payload["worker"] = worker
	}
	if note != "" {
		payload["note"] = note
	}
	if _, err := s.bus.Publish(hooks.EventJobStateChanged, "scheduler", payload); err != nil {
		slog.Warn("Failed to publish job transition", "job", job.ID, "error", err)
	}
}

func (s *Scheduler) persist(job *models.Job) {
	if err := s.db.UpsertJob(context.Background(), job); err != nil {
		slog.Error("Failed to persist job", "job", job.ID, "error", err)
	}
}
