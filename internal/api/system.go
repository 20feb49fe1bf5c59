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
	"sort"
	"time"

	"comfyvn/pkg/models"
)

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{"status": "ok"})
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	routes := append([]string(nil), s.routes...)
	sort.Strings(routes)
	deadLetters, deadTotal := s.webhooks.DeadLetters()
	writeJSON(w, http.StatusOK, map[string]any{
		"version":            s.version,
		"uptime_sec":         int(time.Since(s.started).Seconds()),
		"log_path":           s.cfg.LogPath,
		"routes":             routes,
		"bus":                s.bus.Stat(),
		"budget":             s.budget.Snapshot(),
		"flags":              s.flags.Snapshot(),
		"dead_letters":       len(deadLetters),
		"dead_letters_total": deadTotal,
	})
}

func (s *Server) handleFlagsGet(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.flags.Snapshot())
}

type flagSetRequest struct {
	Value any `json:"value"`
}

func (s *Server) handleFlagSet(w http.ResponseWriter, r *http.Request) {
	name := r.PathValue("name")
	var req flagSetRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, err)
		return
	}
	prev, err := s.flags.Set(name, req.Value)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"name": name, "value": req.Value, "previous": prev})
}

func (s *Server) handleProviderList(w http.ResponseWriter, r *http.Request) {
	list := s.providers.Snapshot()
	sort.Slice(list, func(i, j int) bool { return list[i].ID < list[j].ID })
	writeJSON(w, http.StatusOK, map[string]any{"providers": list})
}

func (s *Server) handleProviderUpsert(w http.ResponseWriter, r *http.Request) {
	var req models.Provider
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, err)
		return
	}
	if req.ID == "" {
		writeError(w, invalidInput("id is required"))
		return
	}
	if req.Kind == models.ProviderRemote && !s.flags.GetBool("enable_remote_providers") {
		writeError(w, featureDisabled("enable_remote_providers"))
		return
	}
	p, err := s.providers.Upsert(r.Context(), req)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, p)
}

func (s *Server) handleProviderDelete(w http.ResponseWriter, r *http.Request) {
	if err := s.providers.Delete(r.Context(), r.PathValue("id")); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"removed": true})
}
