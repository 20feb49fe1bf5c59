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

	"comfyvn/internal/scenario"
)

// handlePlaytestRun executes a full deterministic run and returns the
// trace with its digest.
func (s *Server) handlePlaytestRun(w http.ResponseWriter, r *http.Request) {
	var req scenario.RunRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, err)
		return
	}
	trace, err := s.scenarios.Run(r.Context(), req)
	if err != nil {
		writeError(w, invalidInput(err.Error()))
		return
	}
	writeJSON(w, http.StatusOK, trace)
}

// handleScenarioStep runs a scene and returns only the trace steps; the
// editor uses this for single-step previews.
func (s *Server) handleScenarioStep(w http.ResponseWriter, r *http.Request) {
	var req scenario.RunRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, err)
		return
	}
	trace, err := s.scenarios.Run(r.Context(), req)
	if err != nil {
		writeError(w, invalidInput(err.Error()))
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"run_id": trace.RunID,
		"steps":  trace.Steps,
		"digest": trace.Digest,
	})
}
