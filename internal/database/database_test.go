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

package database

import (
	"context"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"comfyvn/pkg/models"
)

func newDB(t *testing.T) *DB {
	t.Helper()
	db, err := New(filepath.Join(t.TempDir(), "test.db"))
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}
	t.Cleanup(func() { _ = db.Close() })
	if err := db.Migrate(context.Background()); err != nil {
		t.Fatalf("Migrate failed: %v", err)
	}
	return db
}

func TestJobUpsertRoundTrip(t *testing.T) {
	db := newDB(t)
	ctx := context.Background()
	now := time.Now().UTC().Truncate(time.Second)

	job := &models.Job{
		ID:            "j1",
		Kind:          "render",
		Priority:      5,
		Target:        models.TargetLocal,
		State:         models.JobQueued,
		MaxAttempts:   3,
		Input:         map[string]any{"scene": "intro"},
		CostHint:      models.CostHint{VRAMMB: 2048},
		Tags:          []string{"nightly"},
		SubmittedAt:   now,
		SubmittedMono: 1,
		Trace: []models.TraceEntry{
			{At: now, State: models.JobQueued, Note: "submitted"},
		},
	}
	if err := db.UpsertJob(ctx, job); err != nil {
		t.Fatalf("UpsertJob failed: %v", err)
	}

	got, err := db.GetJob(ctx, "j1")
	if err != nil {
		t.Fatalf("GetJob failed: %v", err)
	}
	if got.Kind != "render" || got.Priority != 5 || got.State != models.JobQueued {
		t.Errorf("job = %+v", got)
	}
	if got.Input["scene"] != "intro" {
		t.Errorf("input = %v", got.Input)
	}
	if got.CostHint.VRAMMB != 2048 {
		t.Errorf("cost hint = %+v", got.CostHint)
	}
	if len(got.Trace) != 1 || got.Trace[0].Note != "submitted" {
		t.Errorf("trace = %+v", got.Trace)
	}
	if got.ClaimedAt != nil || got.FinishedAt != nil {
		t.Errorf("timestamps should be nil: %+v", got)
	}

	// A second upsert replaces the mutable columns.
	job.State = models.JobComplete
	job.Attempts = 1
	job.Result = map[string]any{"frames": float64(12)}
	job.FinishedAt = &now
	if err := db.UpsertJob(ctx, job); err != nil {
		t.Fatalf("second UpsertJob failed: %v", err)
	}
	got, err = db.GetJob(ctx, "j1")
	if err != nil {
		t.Fatalf("GetJob failed: %v", err)
	}
	if got.State != models.JobComplete || got.Attempts != 1 || got.FinishedAt == nil {
		t.Errorf("updated job = %+v", got)
	}
	if got.Result["frames"] != float64(12) {
		t.Errorf("result = %v", got.Result)
	}
}

func TestGetJobNotFound(t *testing.T) {
	db := newDB(t)
	if _, err := db.GetJob(context.Background(), "missing"); !errors.Is(err, ErrNotFound) {
		t.Errorf("GetJob = %v, want ErrNotFound", err)
	}
}

func TestListOpenJobsExcludesTerminal(t *testing.T) {
	db := newDB(t)
	ctx := context.Background()
	now := time.Now().UTC()

	states := map[string]models.JobState{
		"open-1": models.JobQueued,
		"open-2": models.JobClaimed,
		"done":   models.JobComplete,
		"dead":   models.JobFailed,
		"gone":   models.JobCancelled,
	}
	mono := int64(0)
	for id, st := range states {
		mono++
		if err := db.UpsertJob(ctx, &models.Job{
			ID: id, Kind: "render", Target: models.TargetLocal, State: st,
			MaxAttempts: 3, SubmittedAt: now, SubmittedMono: mono,
		}); err != nil {
			t.Fatalf("UpsertJob(%s) failed: %v", id, err)
		}
	}

	open, err := db.ListOpenJobs(ctx)
	if err != nil {
		t.Fatalf("ListOpenJobs failed: %v", err)
	}
	if len(open) != 2 {
		t.Fatalf("open jobs = %d, want 2", len(open))
	}
	for _, j := range open {
		if j.State.Terminal() {
			t.Errorf("terminal job %s listed as open", j.ID)
		}
	}
}

func TestAssetCRUD(t *testing.T) {
	db := newDB(t)
	ctx := context.Background()

	asset := &models.Asset{
		UID:         "aaaa",
		Type:        models.AssetImage,
		Path:        "/data/assets/image/bg.png",
		SidecarPath: "/data/assets/image/bg.png.asset.json",
		SizeBytes:   1024,
		Meta:        map[string]any{"license": "cc0"},
		CreatedAt:   time.Now().UTC(),
	}
	if err := db.UpsertAsset(ctx, asset); err != nil {
		t.Fatalf("UpsertAsset failed: %v", err)
	}

	got, err := db.GetAsset(ctx, "aaaa")
	if err != nil {
		t.Fatalf("GetAsset failed: %v", err)
	}
	if got.Type != models.AssetImage || got.Meta["license"] != "cc0" {
		t.Errorf("asset = %+v", got)
	}

	list, err := db.ListAssets(ctx, AssetFilter{Type: "image"})
	if err != nil {
		t.Fatalf("ListAssets failed: %v", err)
	}
	if len(list) != 1 {
		t.Errorf("assets = %d, want 1", len(list))
	}
	if list, _ := db.ListAssets(ctx, AssetFilter{Type: "audio"}); len(list) != 0 {
		t.Errorf("type filter leaked: %d rows", len(list))
	}

	if err := db.DeleteAsset(ctx, "aaaa"); err != nil {
		t.Fatalf("DeleteAsset failed: %v", err)
	}
	if err := db.DeleteAsset(ctx, "aaaa"); !errors.Is(err, ErrNotFound) {
		t.Errorf("second delete = %v, want ErrNotFound", err)
	}
}

func TestProvenanceAppendOnly(t *testing.T) {
	db := newDB(t)
	ctx := context.Background()
	seed := int64(42)
	base := time.Now().UTC()

	for i := 0; i < 2; i++ {
		if err := db.InsertProvenance(ctx, &models.Provenance{
			ID:        "p" + string(rune('1'+i)),
			AssetUID:  "aaaa",
			Source:    "import",
			Seed:      &seed,
			Inputs:    map[string]any{"n": float64(i)},
			CreatedAt: base.Add(time.Duration(i) * time.Second),
		}); err != nil {
			t.Fatalf("InsertProvenance failed: %v", err)
		}
	}

	rows, err := db.ListProvenance(ctx, "aaaa")
	if err != nil {
		t.Fatalf("ListProvenance failed: %v", err)
	}
	if len(rows) != 2 {
		t.Fatalf("rows = %d, want 2", len(rows))
	}
	if rows[0].ID != "p1" || rows[1].ID != "p2" {
		t.Errorf("rows not oldest first: %s, %s", rows[0].ID, rows[1].ID)
	}
	if rows[0].Seed == nil || *rows[0].Seed != 42 {
		t.Errorf("seed = %v", rows[0].Seed)
	}
}

func TestPolicyAuditNewestFirst(t *testing.T) {
	db := newDB(t)
	ctx := context.Background()

	for _, code := range []string{"first", "second", "third"} {
		if err := db.AppendPolicyAudit(ctx, "asset.import", models.Finding{
			Scanner: "license", Code: code, Severity: models.SeverityWarn, Target: "t",
		}); err != nil {
			t.Fatalf("AppendPolicyAudit failed: %v", err)
		}
	}

	rows, err := db.ListPolicyAudit(ctx, 2)
	if err != nil {
		t.Fatalf("ListPolicyAudit failed: %v", err)
	}
	if len(rows) != 2 {
		t.Fatalf("rows = %d, want 2", len(rows))
	}
	if rows[0].Finding.Code != "third" || rows[1].Finding.Code != "second" {
		t.Errorf("rows not newest first: %s, %s", rows[0].Finding.Code, rows[1].Finding.Code)
	}
	if rows[0].Finding.Count != 1 {
		t.Errorf("count = %d, want defaulted 1", rows[0].Finding.Count)
	}
}

func TestAckRoundTrip(t *testing.T) {
	db := newDB(t)
	ctx := context.Background()
	if err := db.InsertAck(ctx, Ack{
		Token: "tok", User: "alice", Reason: "cleared", Scanner: "license",
		Code: "license_denied", CreatedAt: time.Now().UTC(),
	}); err != nil {
		t.Fatalf("InsertAck failed: %v", err)
	}

	a, err := db.GetAck(ctx, "tok")
	if err != nil {
		t.Fatalf("GetAck failed: %v", err)
	}
	if a.User != "alice" || a.Code != "license_denied" {
		t.Errorf("ack = %+v", a)
	}
	if _, err := db.GetAck(ctx, "nope"); !errors.Is(err, ErrNotFound) {
		t.Errorf("unknown token = %v, want ErrNotFound", err)
	}
}

func TestWebhookCRUD(t *testing.T) {
	db := newDB(t)
	ctx := context.Background()
	if err := db.InsertWebhook(ctx, WebhookRecord{
		ID: "w1", URL: "http://localhost/hook", Secret: "s",
		Topics: []string{"on_job_state_changed"}, MaxAttempts: 5,
	}); err != nil {
		t.Fatalf("InsertWebhook failed: %v", err)
	}

	list, err := db.ListWebhooks(ctx)
	if err != nil {
		t.Fatalf("ListWebhooks failed: %v", err)
	}
	if len(list) != 1 || list[0].Topics[0] != "on_job_state_changed" {
		t.Errorf("webhooks = %+v", list)
	}

	if err := db.DeleteWebhook(ctx, "w1"); err != nil {
		t.Fatalf("DeleteWebhook failed: %v", err)
	}
	if err := db.DeleteWebhook(ctx, "w1"); !errors.Is(err, ErrNotFound) {
		t.Errorf("second delete = %v, want ErrNotFound", err)
	}
}
