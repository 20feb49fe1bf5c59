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

package hooks

// Canonical modder-hook event names and their payload schemas. Reserved
// keys are validated strictly at bus ingress; additional keys pass through
// untouched for forward compatibility.

import (
	"encoding/json"
	"fmt"
	"sort"
	"strings"

	"github.com/santhosh-tekuri/jsonschema/v5"
)

const (
	EventSceneEnter        = "on_scene_enter"
	EventChoiceRender      = "on_choice_render"
	EventAssetRegistered   = "on_asset_registered"
	EventAssetMetaUpdated  = "on_asset_meta_updated"
	EventAssetSidecar      = "on_asset_sidecar_written"
	EventAssetRemoved      = "on_asset_removed"
	EventJobStateChanged   = "on_job_state_changed"
	EventPolicyEnforced    = "on_policy_enforced"
	EventCollabOperation   = "on_collab_operation"
	EventPlaytestStart     = "on_playtest_start"
	EventPlaytestStep      = "on_playtest_step"
	EventPlaytestFinished  = "on_playtest_finished"
	EventPerfBudgetState   = "on_perf_budget_state"
)

// eventSchemas maps each known event to a JSON schema for its reserved
// payload keys. additionalProperties stays open everywhere: mods may attach
// extras, the bus only polices the keys it documents.
var eventSchemas = map[string]string{
	EventSceneEnter: `{
		"type": "object",
		"required": ["scene"],
		"properties": {"scene": {"type": "string"}, "pov": {"type": "string"}}
	}`,
	EventChoiceRender: `{
		"type": "object",
		"required": ["scene", "choices"],
		"properties": {"scene": {"type": "string"}, "choices": {"type": "array"}}
	}`,
	EventAssetRegistered: `{
		"type": "object",
		"required": ["uid", "type", "path"],
		"properties": {
			"uid": {"type": "string"},
			"type": {"type": "string"},
			"path": {"type": "string"},
			"size_bytes": {"type": "integer"}
		}
	}`,
	EventAssetMetaUpdated: `{
		"type": "object",
		"required": ["uid"],
		"properties": {"uid": {"type": "string"}, "meta": {"type": "object"}}
	}`,
	EventAssetSidecar: `{
		"type": "object",
		"required": ["uid", "sidecar_path"],
		"properties": {"uid": {"type": "string"}, "sidecar_path": {"type": "string"}}
	}`,
	EventAssetRemoved: `{
		"type": "object",
		"required": ["uid"],
		"properties": {"uid": {"type": "string"}, "path": {"type": "string"}}
	}`,
	EventJobStateChanged: `{
		"type": "object",
		"required": ["id", "from", "to"],
		"properties": {
			"id": {"type": "string"},
			"from": {"type": "string"},
			"to": {"type": "string"},
			"worker": {"type": "string"},
			"note": {"type": "string"}
		}
	}`,
	EventPolicyEnforced: `{
		"type": "object",
		"required": ["action", "allow", "findings"],
		"properties": {
			"action": {"type": "string"},
			"allow": {"type": "boolean"},
			"findings": {"type": "array"}
		}
	}`,
	EventCollabOperation: `{
		"type": "object",
		"required": ["op"],
		"properties": {"op": {"type": "string"}, "actor": {"type": "string"}}
	}`,
	EventPlaytestStart: `{
		"type": "object",
		"required": ["run_id", "scene", "seed"],
		"properties": {
			"run_id": {"type": "string"},
			"scene": {"type": "string"},
			"seed": {"type": "integer"},
			"pov": {"type": "string"}
		}
	}`,
	EventPlaytestStep: `{
		"type": "object",
		"required": ["run_id", "step_id", "node_id", "step_digest"],
		"properties": {
			"run_id": {"type": "string"},
			"step_id": {"type": "integer"},
			"node_id": {"type": "string"},
			"step_digest": {"type": "string"}
		}
	}`,
	EventPlaytestFinished: `{
		"type": "object",
		"required": ["run_id", "digest", "steps"],
		"properties": {
			"run_id": {"type": "string"},
			"digest": {"type": "string"},
			"steps": {"type": "integer"}
		}
	}`,
	EventPerfBudgetState: `{
		"type": "object",
		"required": ["delayed"],
		"properties": {
			"delayed": {"type": "integer"},
			"active_local": {"type": "integer"},
			"active_remote": {"type": "integer"},
			"evictions": {"type": "integer"}
		}
	}`,
}

var compiledSchemas = func() map[string]*jsonschema.Schema {
	out := make(map[string]*jsonschema.Schema, len(eventSchemas))
	for event, raw := range eventSchemas {
		sch, err := jsonschema.CompileString(event+".schema.json", raw)
		if err != nil {
			panic(fmt.Sprintf("hooks: bad schema for %s: %v", event, err))
		}
		out[event] = sch
	}
	return out
}()

// Catalog returns the sorted list of known hook events.
func Catalog() []string {
	out := make([]string, 0, len(eventSchemas))
	for event := range eventSchemas {
		out = append(out, event)
	}
	sort.Strings(out)
	return out
}

// validatePayload checks the reserved keys of a known event. Unknown events
// pass through unvalidated.
func validatePayload(event string, payload map[string]any) error {
	sch, ok := compiledSchemas[event]
	if !ok {
		return nil
	}
	// The validator wants json-decoded values (float64 numbers), so the
	// payload round-trips through encoding/json first.
	raw, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("payload for %s not serializable: %w", event, err)
	}
	var v any
	if err := json.Unmarshal(raw, &v); err != nil {
		return fmt.Errorf("payload for %s not serializable: %w", event, err)
	}
	if v == nil {
		v = map[string]any{}
	}
	if err := sch.Validate(v); err != nil {
		return fmt.Errorf("payload for %s rejected: %w", event, err)
	}
	return nil
}

// topicMatches reports whether a subscriber topic pattern covers an event.
// A trailing '*' matches any suffix ("on_playtest_*"). An empty pattern
// list subscribes to everything.
func topicMatches(patterns []string, event string) bool {
	if len(patterns) == 0 {
		return true
	}
	for _, p := range patterns {
		if p == event {
			return true
		}
		if strings.HasSuffix(p, "*") && strings.HasPrefix(event, strings.TrimSuffix(p, "*")) {
			return true
		}
	}
	return false
}
