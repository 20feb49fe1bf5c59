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
	"net/http"

	"comfyvn/internal/scheduler"
)

func (s *Server) handleScheduleSubmit(w http.ResponseWriter, r *http.Request) {
	if !s.flags.GetBool("enable_compute") {
		writeError(w, featureDisabled("enable_compute"))
		return
	}
	var req scheduler.SubmitRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, err)
		return
	}
	if req.Kind == "" {
		writeError(w, invalidInput("kind is required"))
		return
	}
	job, err := s.sched.Submit(r.Context(), req)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, job)
}

func (s *Server) handleScheduleClaim(w http.ResponseWriter, r *http.Request) {
	var req scheduler.ClaimRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, err)
		return
	}
	if req.WorkerID == "" {
		writeError(w, invalidInput("worker_id is required"))
		return
	}
	job, err := s.sched.Claim(r.Context(), req)
	if err != nil {
		writeError(w, err)
		return
	}
	if job == nil {
		writeJSON(w, http.StatusOK, map[string]any{"job": nil})
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"job": job})
}

type jobOpRequest struct {
	ID       string         `json:"id"`
	WorkerID string         `json:"worker_id,omitempty"`
	Result   map[string]any `json:"result,omitempty"`
	Error    string         `json:"error,omitempty"`
}

func (s *Server) handleScheduleStart(w http.ResponseWriter, r *http.Request) {
	s.jobOp(w, r, func(req jobOpRequest) error {
		return s.sched.StartJob(r.Context(), req.ID, req.WorkerID)
	})
}

func (s *Server) handleScheduleComplete(w http.ResponseWriter, r *http.Request) {
	s.jobOp(w, r, func(req jobOpRequest) error {
		return s.sched.Complete(r.Context(), req.ID, req.WorkerID, req.Result)
	})
}

func (s *Server) handleScheduleFail(w http.ResponseWriter, r *http.Request) {
	s.jobOp(w, r, func(req jobOpRequest) error {
		return s.sched.Fail(r.Context(), req.ID, req.WorkerID, req.Error)
	})
}

func (s *Server) handleScheduleRequeue(w http.ResponseWriter, r *http.Request) {
	s.jobOp(w, r, func(req jobOpRequest) error {
		return s.sched.Requeue(r.Context(), req.ID)
	})
}

func (s *Server) handleScheduleCancel(w http.ResponseWriter, r *http.Request) {
	s.jobOp(w, r, func(req jobOpRequest) error {
		return s.sched.Cancel(r.Context(), req.ID)
	})
}

func (s *Server) jobOp(w http.ResponseWriter, r *http.Request, op func(jobOpRequest) error) {
	var req jobOpRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, err)
		return
	}
	if req.ID == "" {
		writeError(w, invalidInput("id is required"))
		return
	}
	if err := op(req); err != nil {
		writeError(w, err)
		return
	}
	job, err := s.sched.Get(r.Context(), req.ID)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, job)
}

func (s *Server) handleScheduleState(w http.ResponseWriter, r *http.Request) {
	job, err := s.sched.Get(r.Context(), r.PathValue("id"))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, job)
}

func (s *Server) handleScheduleBoard(w http.ResponseWriter, r *http.Request) {
	board, err := s.sched.Snapshot(r.Context())
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, board)
}

func (s *Server) handleScheduleHealth(w http.ResponseWriter, r *http.Request) {
	counts, err := s.sched.Health(r.Context())
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"states": counts,
		"budget": s.budget.Snapshot(),
	})
}

func (s *Server) handleComputeAdvise(w http.ResponseWriter, r *http.Request) {
	var req scheduler.SubmitRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, err)
		return
	}
	if req.Kind == "" {
		writeError(w, invalidInput("kind is required"))
		return
	}
	_, target, why, err := s.sched.PreviewCost(r.Context(), req)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"target": target, "reason": why})
}

func (s *Server) handleComputeCosts(w http.ResponseWriter, r *http.Request) {
	var req scheduler.SubmitRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, err)
		return
	}
	if req.Kind == "" {
		writeError(w, invalidInput("kind is required"))
		return
	}
	est, target, _, err := s.sched.PreviewCost(r.Context(), req)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"target": target, "estimate": est})
}
