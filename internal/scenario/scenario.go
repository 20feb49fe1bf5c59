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

// Package scenario is the deterministic playtest stepper. A run is a pure
// function of {scene, seed, pov, variables, workflow}: the RNG is split
// per step from the seed and the step path, digests go over canonical
// JSON, and nothing consults the wall clock. Identical inputs produce a
// bit-identical run digest on every OS and build.
package scenario

import (
	"context"
	"crypto/sha256"
	"encoding/binary"
	"encoding/hex"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/oklog/ulid/v2"

	"comfyvn/internal/hooks"
	"comfyvn/internal/metrics"
	"comfyvn/pkg/canonical"
)

// maxSteps bounds a run so cyclic graphs terminate.
const maxSteps = 1000

// Requirement gates a choice on the active point of view.
type Requirement struct {
	POV []string `json:"pov,omitempty"`
}

// Choice is one selectable branch out of a node.
type Choice struct {
	ID       string       `json:"id"`
	Text     string       `json:"text,omitempty"`
	Next     string       `json:"next,omitempty"`
	Requires *Requirement `json:"requires,omitempty"`
}

// Node is one step of a scene graph. Set merges into the run variables
// when the node is entered; Duration advances simulated time (seconds,
// default 1).
type Node struct {
	ID       string         `json:"id"`
	Text     string         `json:"text,omitempty"`
	Next     string         `json:"next,omitempty"`
	Choices  []Choice       `json:"choices,omitempty"`
	Set      map[string]any `json:"set,omitempty"`
	Duration float64        `json:"duration,omitempty"`
}

// Scene is a directed graph of nodes. An empty Start (or no nodes) is a
// valid empty scene.
type Scene struct {
	ID    string `json:"id"`
	Start string `json:"start,omitempty"`
	Nodes []Node `json:"nodes,omitempty"`
}

// RunRequest is the full input of one playtest run.
type RunRequest struct {
	Scene     Scene          `json:"scene"`
	Seed      int64          `json:"seed"`
	POV       string         `json:"pov,omitempty"`
	Variables map[string]any `json:"variables,omitempty"`
	Workflow  map[string]any `json:"workflow,omitempty"`
}

// Step is one trace entry. Digest is the canonical hash of the entry
// minus itself.
type Step struct {
	StepID          int      `json:"step_id"`
	NodeID          string   `json:"node_id"`
	RNGStateDigest  string   `json:"rng_state_digest"`
	VariablesDigest string   `json:"variables_digest"`
	VisibleChoices  []string `json:"visible_choices"`
	Chosen          string   `json:"chosen,omitempty"`
	AtSimTime       float64  `json:"at_sim_time"`
	Digest          string   `json:"digest,omitempty"`
}

// Trace is the result of a run.
type Trace struct {
	RunID   string `json:"run_id"`
	SceneID string `json:"scene_id"`
	Seed    int64  `json:"seed"`
	POV     string `json:"pov,omitempty"`
	Steps   []Step `json:"steps"`
	Digest  string `json:"digest"`
}

// Runner executes playtest runs and persists their traces.
type Runner struct {
	bus    *hooks.Bus
	logDir string
}

// New builds a runner. logDir receives <run>.trace.json files; empty
// disables trace persistence.
func New(bus *hooks.Bus, logDir string) *Runner {
	return &Runner{bus: bus, logDir: logDir}
}

// Run walks the scene from its start node. The trace digest is the hash
// of the concatenated per-step digests; an empty scene yields a stable
// zero-step digest.
func (r *Runner) Run(ctx context.Context, req RunRequest) (*Trace, error) {
	nodes := make(map[string]*Node, len(req.Scene.Nodes))
	for i := range req.Scene.Nodes {
		n := &req.Scene.Nodes[i]
		if n.ID == "" {
			return nil, fmt.Errorf("scene %s: node %d has no id", req.Scene.ID, i)
		}
		if _, dup := nodes[n.ID]; dup {
			return nil, fmt.Errorf("scene %s: duplicate node id %s", req.Scene.ID, n.ID)
		}
		nodes[n.ID] = n
	}

	trace := &Trace{
		RunID:   ulid.Make().String(),
		SceneID: req.Scene.ID,
		Seed:    req.Seed,
		POV:     req.POV,
		Steps:   []Step{},
	}

	r.publish(hooks.EventPlaytestStart, map[string]any{
		"run_id": trace.RunID,
		"scene":  req.Scene.ID,
		"seed":   req.Seed,
		"pov":    req.POV,
	})

	vars := make(map[string]any, len(req.Variables))
	for k, v := range req.Variables {
		vars[k] = v
	}

	var digests strings.Builder
	simTime := 0.0
	current := req.Scene.Start
	for stepID := 0; current != ""; stepID++ {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		if stepID >= maxSteps {
			return nil, fmt.Errorf("scene %s: exceeded %d steps", req.Scene.ID, maxSteps)
		}
		node, ok := nodes[current]
		if !ok {
			return nil, fmt.Errorf("scene %s: unknown node %s", req.Scene.ID, current)
		}
		for k, v := range node.Set {
			vars[k] = v
		}

		visible := visibleChoices(node.Choices, req.POV)
		visibleIDs := make([]string, len(visible))
		for i, c := range visible {
			visibleIDs[i] = c.ID
		}

		stream := splitStream(req.Seed, req.Scene.ID, strconv.Itoa(stepID), node.ID)
		varsDigest, err := canonical.Hash(vars)
		if err != nil {
			return nil, fmt.Errorf("hashing variables at %s: %w", node.ID, err)
		}

		step := Step{
			StepID:          stepID,
			NodeID:          node.ID,
			RNGStateDigest:  hex.EncodeToString(stream[:]),
			VariablesDigest: varsDigest,
			VisibleChoices:  visibleIDs,
			AtSimTime:       simTime,
		}

		next := node.Next
		if len(visible) > 0 {
			chosen := visible[pickIndex(stream, len(visible))]
			step.Chosen = chosen.ID
			if chosen.Next != "" {
				next = chosen.Next
			}
		}

		step.Digest, err = canonical.Hash(step)
		if err != nil {
			return nil, fmt.Errorf("hashing step %d: %w", stepID, err)
		}
		digests.WriteString(step.Digest)
		trace.Steps = append(trace.Steps, step)

		r.publish(hooks.EventPlaytestStep, map[string]any{
			"run_id":      trace.RunID,
			"step_id":     stepID,
			"node_id":     node.ID,
			"step_digest": step.Digest,
		})

		if node.Duration > 0 {
			simTime += node.Duration
		} else {
			simTime++
		}
		current = next
	}

	trace.Digest = canonical.HashBytes([]byte(digests.String()))

	r.publish(hooks.EventPlaytestFinished, map[string]any{
		"run_id": trace.RunID,
		"digest": trace.Digest,
		"steps":  len(trace.Steps),
	})
	metrics.ObserveScenarioRun()

	if r.logDir != "" {
		if err := r.writeTrace(trace); err != nil {
			slog.Warn("Failed to persist playtest trace", "run", trace.RunID, "error", err)
		}
	}
	return trace, nil
}

// visibleChoices applies the POV filter. A choice with no requirement is
// always visible; one that requires POVs is visible only when the active
// POV is listed.
func visibleChoices(choices []Choice, pov string) []Choice {
	out := make([]Choice, 0, len(choices))
	for _, c := range choices {
		if c.Requires == nil || len(c.Requires.POV) == 0 {
			out = append(out, c)
			continue
		}
		for _, p := range c.Requires.POV {
			if p == pov {
				out = append(out, c)
				break
			}
		}
	}
	return out
}

// splitStream derives a per-step RNG state from the seed and the step
// path. SHA-256 keeps the stream identical across platforms.
func splitStream(seed int64, path ...string) [32]byte {
	var buf []byte
	buf = binary.BigEndian.AppendUint64(buf, uint64(seed))
	for _, p := range path {
		buf = append(buf, 0)
		buf = append(buf, p...)
	}
	return sha256.Sum256(buf)
}

// pickIndex maps a stream state onto [0, n).
func pickIndex(stream [32]byte, n int) int {
	return int(binary.BigEndian.Uint64(stream[:8]) % uint64(n))
}

func (r *Runner) writeTrace(trace *Trace) error {
	if err := os.MkdirAll(r.logDir, 0o755); err != nil {
		return err
	}
	data, err := canonical.JSON(trace)
	if err != nil {
		return err
	}
	data = append(data, '\n')
	path := filepath.Join(r.logDir, trace.RunID+".trace.json")
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return err
	}
	return os.Rename(tmp, path)
}

func (r *Runner) publish(event string, payload map[string]any) {
	if r.bus == nil {
		return
	}
	if _, err := r.bus.Publish(event, "scenario", payload); err != nil {
		slog.Warn("Failed to publish playtest hook", "event", event, "error", err)
	}
}
