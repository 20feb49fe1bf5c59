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

package scenario

import (
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func branchingScene() Scene {
	return Scene{
		ID:    "prologue",
		Start: "intro",
		Nodes: []Node{
			{
				ID:   "intro",
				Text: "A door and a window.",
				Set:  map[string]any{"visited": true},
				Choices: []Choice{
					{ID: "door", Next: "hall"},
					{ID: "window", Next: "garden"},
					{ID: "whisper", Next: "garden", Requires: &Requirement{POV: []string{"ghost"}}},
				},
			},
			{ID: "hall", Next: "end"},
			{ID: "garden", Next: "end", Duration: 2.5},
			{ID: "end"},
		},
	}
}

func TestRunIsDeterministic(t *testing.T) {
	r := New(nil, "")
	req := RunRequest{Scene: branchingScene(), Seed: 42, Variables: map[string]any{"hp": 3}}

	first, err := r.Run(context.Background(), req)
	if err != nil {
		t.Fatalf("Run failed: %v", err)
	}
	second, err := r.Run(context.Background(), req)
	if err != nil {
		t.Fatalf("Run failed: %v", err)
	}
	if first.Digest != second.Digest {
		t.Errorf("digests differ for identical inputs: %s vs %s", first.Digest, second.Digest)
	}
	if len(first.Steps) != len(second.Steps) {
		t.Fatalf("step counts differ: %d vs %d", len(first.Steps), len(second.Steps))
	}
	for i := range first.Steps {
		if first.Steps[i].Digest != second.Steps[i].Digest {
			t.Errorf("step %d digest differs", i)
		}
		if first.Steps[i].Chosen != second.Steps[i].Chosen {
			t.Errorf("step %d choice differs: %s vs %s", i, first.Steps[i].Chosen, second.Steps[i].Chosen)
		}
	}
	if first.RunID == second.RunID {
		t.Error("run ids should be unique per run")
	}
}

func TestSeedChangesOutcome(t *testing.T) {
	r := New(nil, "")
	scene := branchingScene()
	var digests []string
	for seed := int64(0); seed < 16; seed++ {
		tr, err := r.Run(context.Background(), RunRequest{Scene: scene, Seed: seed})
		if err != nil {
			t.Fatalf("Run failed for seed %d: %v", seed, err)
		}
		digests = append(digests, tr.Digest)
	}
	distinct := map[string]bool{}
	for _, d := range digests {
		distinct[d] = true
	}
	if len(distinct) < 2 {
		t.Error("16 seeds produced a single outcome; RNG split looks degenerate")
	}
}

func TestEmptySceneHasStableDigest(t *testing.T) {
	r := New(nil, "")
	a, err := r.Run(context.Background(), RunRequest{Scene: Scene{ID: "empty"}, Seed: 1})
	if err != nil {
		t.Fatalf("Run failed: %v", err)
	}
	b, err := r.Run(context.Background(), RunRequest{Scene: Scene{ID: "empty"}, Seed: 99})
	if err != nil {
		t.Fatalf("Run failed: %v", err)
	}
	if len(a.Steps) != 0 {
		t.Errorf("empty scene produced %d steps", len(a.Steps))
	}
	if a.Digest == "" || a.Digest != b.Digest {
		t.Errorf("empty-scene digest not stable: %s vs %s", a.Digest, b.Digest)
	}
}

func TestPOVFiltersChoices(t *testing.T) {
	r := New(nil, "")
	scene := branchingScene()

	plain, err := r.Run(context.Background(), RunRequest{Scene: scene, Seed: 7})
	if err != nil {
		t.Fatalf("Run failed: %v", err)
	}
	ghost, err := r.Run(context.Background(), RunRequest{Scene: scene, Seed: 7, POV: "ghost"})
	if err != nil {
		t.Fatalf("Run failed: %v", err)
	}

	if got := plain.Steps[0].VisibleChoices; len(got) != 2 {
		t.Errorf("default pov sees %v, want 2 choices", got)
	}
	if got := ghost.Steps[0].VisibleChoices; len(got) != 3 {
		t.Errorf("ghost pov sees %v, want 3 choices", got)
	}
	for _, id := range plain.Steps[0].VisibleChoices {
		if id == "whisper" {
			t.Error("pov-gated choice visible without the required pov")
		}
	}
	if plain.Digest == ghost.Digest {
		t.Error("pov change should alter the run digest")
	}
}

func TestVariablesFlowIntoDigest(t *testing.T) {
	r := New(nil, "")
	scene := branchingScene()
	a, _ := r.Run(context.Background(), RunRequest{Scene: scene, Seed: 3, Variables: map[string]any{"hp": 1}})
	b, _ := r.Run(context.Background(), RunRequest{Scene: scene, Seed: 3, Variables: map[string]any{"hp": 2}})
	if a.Digest == b.Digest {
		t.Error("variable change should alter the run digest")
	}
}

func TestSimTimeAdvances(t *testing.T) {
	r := New(nil, "")
	tr, err := r.Run(context.Background(), RunRequest{Scene: Scene{
		ID:    "timed",
		Start: "a",
		Nodes: []Node{
			{ID: "a", Next: "b", Duration: 2.5},
			{ID: "b", Next: "c"},
			{ID: "c"},
		},
	}, Seed: 1})
	if err != nil {
		t.Fatalf("Run failed: %v", err)
	}
	want := []float64{0, 2.5, 3.5}
	for i, s := range tr.Steps {
		if s.AtSimTime != want[i] {
			t.Errorf("step %d sim time = %v, want %v", i, s.AtSimTime, want[i])
		}
	}
}

func TestRunRejectsBadGraphs(t *testing.T) {
	r := New(nil, "")
	cases := []struct {
		name  string
		scene Scene
	}{
		{"unknown start", Scene{ID: "s", Start: "nope", Nodes: []Node{{ID: "a"}}}},
		{"dangling next", Scene{ID: "s", Start: "a", Nodes: []Node{{ID: "a", Next: "nope"}}}},
		{"duplicate id", Scene{ID: "s", Start: "a", Nodes: []Node{{ID: "a"}, {ID: "a"}}}},
		{"missing id", Scene{ID: "s", Start: "a", Nodes: []Node{{ID: ""}}}},
	}
	for _, tc := range cases {
		if _, err := r.Run(context.Background(), RunRequest{Scene: tc.scene, Seed: 1}); err == nil {
			t.Errorf("%s: Run should fail", tc.name)
		}
	}
}

func TestRunBoundsCyclicGraphs(t *testing.T) {
	r := New(nil, "")
	_, err := r.Run(context.Background(), RunRequest{Scene: Scene{
		ID:    "loop",
		Start: "a",
		Nodes: []Node{{ID: "a", Next: "b"}, {ID: "b", Next: "a"}},
	}, Seed: 1})
	if err == nil || !strings.Contains(err.Error(), "steps") {
		t.Errorf("cyclic scene should hit the step bound, got %v", err)
	}
}

func TestTracePersistedToLogDir(t *testing.T) {
	dir := t.TempDir()
	r := New(nil, dir)
	tr, err := r.Run(context.Background(), RunRequest{Scene: branchingScene(), Seed: 11})
	if err != nil {
		t.Fatalf("Run failed: %v", err)
	}
	raw, err := os.ReadFile(filepath.Join(dir, tr.RunID+".trace.json"))
	if err != nil {
		t.Fatalf("trace file not written: %v", err)
	}
	var onDisk Trace
	if err := json.Unmarshal(raw, &onDisk); err != nil {
		t.Fatalf("trace file not valid JSON: %v", err)
	}
	if onDisk.Digest != tr.Digest {
		t.Errorf("persisted digest = %s, want %s", onDisk.Digest, tr.Digest)
	}
}

func TestSplitStreamSensitivity(t *testing.T) {
	a := splitStream(1, "scene", "0", "node")
	b := splitStream(1, "scene", "0", "node")
	if a != b {
		t.Error("identical paths should split identically")
	}
	if splitStream(2, "scene", "0", "node") == a {
		t.Error("seed change should change the stream")
	}
	if splitStream(1, "scene", "1", "node") == a {
		t.Error("path change should change the stream")
	}
	// Path components must not be confusable by concatenation.
	if splitStream(1, "ab", "c") == splitStream(1, "a", "bc") {
		t.Error("component boundaries are ambiguous")
	}
}
