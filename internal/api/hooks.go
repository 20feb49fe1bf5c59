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

	"comfyvn/internal/hooks"
)

func (s *Server) handleHookCatalog(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	f := hooks.HistoryFilter{Event: q.Get("event")}
	if v := q.Get("since_seq"); v != "" {
		seq, err := strconv.ParseUint(v, 10, 64)
		if err != nil {
			writeError(w, invalidInput("since_seq must be an unsigned integer"))
			return
		}
		f.SinceSeq = seq
	}
	if v := q.Get("limit"); v != "" {
		limit, err := strconv.Atoi(v)
		if err != nil {
			writeError(w, invalidInput("limit must be an integer"))
			return
		}
		f.Limit = limit
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"catalog": hooks.Catalog(),
		"history": s.bus.History(f),
	})
}

type webhookRegisterRequest struct {
	URL         string   `json:"url"`
	Secret      string   `json:"secret,omitempty"`
	Topics      []string `json:"topics,omitempty"`
	MaxAttempts int      `json:"max_attempts,omitempty"`
}

func (s *Server) handleWebhookRegister(w http.ResponseWriter, r *http.Request) {
	var req webhookRegisterRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, err)
		return
	}
	if req.URL == "" {
		writeError(w, invalidInput("url is required"))
		return
	}
	id, err := s.webhooks.Register(r.Context(), req.URL, req.Secret, req.Topics, req.MaxAttempts)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, map[string]any{"id": id})
}

func (s *Server) handleWebhookDelete(w http.ResponseWriter, r *http.Request) {
	if err := s.webhooks.Unregister(r.Context(), r.PathValue("id")); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"removed": true})
}

type webhookTestRequest struct {
	ID string `json:"id"`
}

func (s *Server) handleWebhookTest(w http.ResponseWriter, r *http.Request) {
	var req webhookTestRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, err)
		return
	}
	if req.ID == "" {
		writeError(w, invalidInput("id is required"))
		return
	}
	if err := s.webhooks.Test(r.Context(), req.ID); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"delivered": true})
}
