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
	"strconv"

	"github.com/google/uuid"
)

type policyEnforceRequest struct {
	Action   string         `json:"action"`
	Payload  map[string]any `json:"payload"`
	AckToken string         `json:"ack_token,omitempty"`
}

func (s *Server) handlePolicyEnforce(w http.ResponseWriter, r *http.Request) {
	var req policyEnforceRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, err)
		return
	}
	if req.Action == "" {
		writeError(w, invalidInput("action is required"))
		return
	}
	decision, err := s.enforcer.Evaluate(r.Context(), req.Action, req.Payload, req.AckToken)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, decision)
}

func (s *Server) handlePolicyAudit(w http.ResponseWriter, r *http.Request) {
	limit, _ := strconv.Atoi(r.URL.Query().Get("limit"))
	if limit <= 0 {
		limit = 100
	}
	rows, err := s.enforcer.Audit(r.Context(), limit)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"entries": rows})
}

func (s *Server) handlePolicyStatus(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"scanners": s.enforcer.Scanners(),
		"gates": map[string]any{
			"imports":    s.flags.GetBool("policy_gate_imports"),
			"exports":    s.flags.GetBool("policy_gate_exports"),
			"scheduling": s.flags.GetBool("policy_gate_scheduling"),
		},
	})
}

type policyAckRequest struct {
	User    string `json:"user"`
	Reason  string `json:"reason,omitempty"`
	Scanner string `json:"scanner,omitempty"`
	Code    string `json:"code,omitempty"`
}

func (s *Server) handlePolicyAck(w http.ResponseWriter, r *http.Request) {
	var req policyAckRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, err)
		return
	}
	if req.User == "" {
		writeError(w, invalidInput("user is required"))
		return
	}
	token := uuid.NewString()
	if err := s.enforcer.Ack(r.Context(), token, req.User, req.Reason, req.Scanner, req.Code); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, map[string]any{"token": token})
}
