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
	"errors"
	"net/http"

	"comfyvn/internal/database"
	"comfyvn/internal/policy"
	"comfyvn/internal/providers"
	"comfyvn/internal/scheduler"
)

// Error is the wire error. Every non-2xx response body is
// {"error": {"kind", "message", "details?"}}.
type Error struct {
	Kind    string         `json:"kind"`
	Message string         `json:"message"`
	Details map[string]any `json:"details,omitempty"`

	status int
}

func (e *Error) Error() string { return e.Kind + ": " + e.Message }

func newError(status int, kind, message string) *Error {
	return &Error{Kind: kind, Message: message, status: status}
}

func invalidInput(message string) *Error {
	return newError(http.StatusBadRequest, "invalid_input", message)
}

func notFound(message string) *Error {
	return newError(http.StatusNotFound, "not_found", message)
}

func conflict(message string) *Error {
	return newError(http.StatusConflict, "conflict", message)
}

func featureDisabled(flag string) *Error {
	e := newError(http.StatusForbidden, "feature_disabled", "feature is disabled by flag "+flag)
	e.Details = map[string]any{"flag": flag}
	return e
}

func policyBlocked(be *policy.BlockedError) *Error {
	e := newError(http.StatusLocked, "policy_blocked", be.Error())
	findings := make([]any, 0, len(be.Findings))
	for _, f := range be.Findings {
		findings = append(findings, f)
	}
	e.Details = map[string]any{"action": be.Action, "findings": findings}
	return e
}

func dependencyUnavailable(message string) *Error {
	return newError(http.StatusServiceUnavailable, "dependency_unavailable", message)
}

func internalError(message string) *Error {
	return newError(http.StatusInternalServerError, "internal_error", message)
}

// asError maps component errors onto the taxonomy. Unrecognized errors
// become internal_error.
func asError(err error) *Error {
	var apiErr *Error
	if errors.As(err, &apiErr) {
		return apiErr
	}
	if be, ok := policy.IsBlocked(err); ok {
		return policyBlocked(be)
	}
	switch {
	case errors.Is(err, scheduler.ErrUnknownJob),
		errors.Is(err, database.ErrNotFound),
		errors.Is(err, providers.ErrNotFound):
		return notFound(err.Error())
	case errors.Is(err, scheduler.ErrConflict):
		return conflict(err.Error())
	case errors.Is(err, scheduler.ErrStopped):
		return dependencyUnavailable(err.Error())
	}
	return internalError(err.Error())
}
