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

package policy

import (
	"context"
	"path/filepath"
	"testing"

	"comfyvn/internal/database"
	"comfyvn/internal/hooks"
	"comfyvn/pkg/models"
)

func newEnforcer(t *testing.T) *Enforcer {
	t.Helper()
	db, err := database.New(filepath.Join(t.TempDir(), "test.db"))
	if err != nil {
		t.Fatalf("database.New failed: %v", err)
	}
	t.Cleanup(func() { _ = db.Close() })
	if err := db.Migrate(context.Background()); err != nil {
		t.Fatalf("Migrate failed: %v", err)
	}
	bus, err := hooks.Open(hooks.Options{})
	if err != nil {
		t.Fatalf("bus open failed: %v", err)
	}
	t.Cleanup(func() { _ = bus.Close() })
	return New(db, bus)
}

// staticScanner returns a fixed set of findings on every run.
type staticScanner struct {
	id       string
	findings []models.Finding
}

func (s staticScanner) ID() string { return s.id }
func (s staticScanner) Run(context.Context, string, map[string]any) []models.Finding {
	return s.findings
}

func TestEvaluateCleanPayloadAllows(t *testing.T) {
	e := newEnforcer(t)
	e.RegisterScanner(LicenseScanner{})
	d, err := e.Evaluate(context.Background(), "asset.import", map[string]any{
		"path": "bg/forest.png",
		"meta": map[string]any{"license": "cc0"},
	}, "")
	if err != nil {
		t.Fatalf("Evaluate failed: %v", err)
	}
	if !d.Allow || len(d.Findings) != 0 {
		t.Errorf("decision = %+v, want clean allow", d)
	}
}

func TestBlockFindingDenies(t *testing.T) {
	e := newEnforcer(t)
	e.RegisterScanner(LicenseScanner{Denied: []string{"all-rights-reserved"}})
	d, err := e.Evaluate(context.Background(), "asset.import", map[string]any{
		"path": "bg/forest.png",
		"meta": map[string]any{"license": "All-Rights-Reserved"},
	}, "")
	if err != nil {
		t.Fatalf("Evaluate failed: %v", err)
	}
	if d.Allow {
		t.Error("block finding should deny")
	}
	if len(d.Findings) != 1 || d.Findings[0].Code != "license_denied" {
		t.Fatalf("findings = %+v", d.Findings)
	}
	if d.Findings[0].Scanner != "license" {
		t.Errorf("scanner id not stamped: %+v", d.Findings[0])
	}
}

func TestWarnFindingStillAllows(t *testing.T) {
	e := newEnforcer(t)
	e.RegisterScanner(LicenseScanner{})
	d, err := e.Evaluate(context.Background(), "asset.import", map[string]any{
		"path": "bg/forest.png",
		"meta": map[string]any{},
	}, "")
	if err != nil {
		t.Fatalf("Evaluate failed: %v", err)
	}
	if !d.Allow {
		t.Error("warn finding should not deny")
	}
	if len(d.Findings) != 1 || d.Findings[0].Code != "license_missing" {
		t.Fatalf("findings = %+v", d.Findings)
	}
}

func TestFindingsDedupByScannerCodeTarget(t *testing.T) {
	e := newEnforcer(t)
	f := models.Finding{Code: "dup", Severity: models.SeverityWarn, Target: "same"}
	e.RegisterScanner(staticScanner{id: "a", findings: []models.Finding{f, f, f}})
	d, err := e.Evaluate(context.Background(), "asset.import", map[string]any{}, "")
	if err != nil {
		t.Fatalf("Evaluate failed: %v", err)
	}
	if len(d.Findings) != 1 {
		t.Fatalf("findings = %d, want 1 deduped", len(d.Findings))
	}
	if d.Findings[0].Count != 3 {
		t.Errorf("count = %d, want 3", d.Findings[0].Count)
	}
}

func TestScannersRunInStableOrder(t *testing.T) {
	e := newEnforcer(t)
	e.RegisterScanner(staticScanner{id: "zeta", findings: []models.Finding{
		{Code: "z", Severity: models.SeverityInfo, Target: "t"},
	}})
	e.RegisterScanner(staticScanner{id: "alpha", findings: []models.Finding{
		{Code: "a", Severity: models.SeverityInfo, Target: "t"},
	}})
	d, err := e.Evaluate(context.Background(), "x", map[string]any{}, "")
	if err != nil {
		t.Fatalf("Evaluate failed: %v", err)
	}
	if len(d.Findings) != 2 || d.Findings[0].Scanner != "alpha" || d.Findings[1].Scanner != "zeta" {
		t.Errorf("findings not in id order: %+v", d.Findings)
	}
	if ids := e.Scanners(); len(ids) != 2 || ids[0] != "alpha" {
		t.Errorf("Scanners() = %v", ids)
	}
}

func TestAckDowngradesOverridableBlock(t *testing.T) {
	e := newEnforcer(t)
	e.RegisterGate("asset.import", GateOverridable)
	e.RegisterScanner(LicenseScanner{Denied: []string{"arr"}})
	payload := map[string]any{"path": "p", "meta": map[string]any{"license": "arr"}}

	if err := e.Ack(context.Background(), "tok-1", "alice", "cleared with author", "license", "license_denied"); err != nil {
		t.Fatalf("Ack failed: %v", err)
	}
	d, err := e.Evaluate(context.Background(), "asset.import", payload, "tok-1")
	if err != nil {
		t.Fatalf("Evaluate failed: %v", err)
	}
	if !d.Allow {
		t.Error("acked block should allow")
	}
	if d.Findings[0].Severity != models.SeverityWarn {
		t.Errorf("severity = %s, want warn after ack", d.Findings[0].Severity)
	}
	if d.Findings[0].Details["acked_by"] != "alice" {
		t.Errorf("details = %+v, want acked_by=alice", d.Findings[0].Details)
	}
}

func TestAckBoundToOtherCodeDoesNotCover(t *testing.T) {
	e := newEnforcer(t)
	e.RegisterScanner(LicenseScanner{Denied: []string{"arr"}})
	payload := map[string]any{"path": "p", "meta": map[string]any{"license": "arr"}}

	if err := e.Ack(context.Background(), "tok-2", "alice", "r", "license", "some_other_code"); err != nil {
		t.Fatalf("Ack failed: %v", err)
	}
	d, err := e.Evaluate(context.Background(), "asset.import", payload, "tok-2")
	if err != nil {
		t.Fatalf("Evaluate failed: %v", err)
	}
	if d.Allow {
		t.Error("ack for a different code must not cover the block")
	}
}

func TestHardGateIgnoresAck(t *testing.T) {
	e := newEnforcer(t)
	e.RegisterGate("asset.export", GateHard)
	e.RegisterScanner(LicenseScanner{Denied: []string{"arr"}})
	payload := map[string]any{"path": "p", "meta": map[string]any{"license": "arr"}}

	if err := e.Ack(context.Background(), "tok-3", "alice", "r", "", ""); err != nil {
		t.Fatalf("Ack failed: %v", err)
	}
	d, err := e.Evaluate(context.Background(), "asset.export", payload, "tok-3")
	if err != nil {
		t.Fatalf("Evaluate failed: %v", err)
	}
	if d.Allow {
		t.Error("hard gate must deny despite a valid ack")
	}
	if d.Gate != GateHard {
		t.Errorf("gate = %s, want hard", d.Gate)
	}
}

func TestUnknownAckTokenIgnored(t *testing.T) {
	e := newEnforcer(t)
	e.RegisterScanner(LicenseScanner{Denied: []string{"arr"}})
	payload := map[string]any{"path": "p", "meta": map[string]any{"license": "arr"}}
	d, err := e.Evaluate(context.Background(), "asset.import", payload, "no-such-token")
	if err != nil {
		t.Fatalf("Evaluate failed: %v", err)
	}
	if d.Allow {
		t.Error("unknown token must not override")
	}
}

func TestFindingsAppendToAudit(t *testing.T) {
	e := newEnforcer(t)
	e.RegisterScanner(LicenseScanner{})
	for i := 0; i < 3; i++ {
		if _, err := e.Evaluate(context.Background(), "asset.import", map[string]any{
			"path": "p", "meta": map[string]any{},
		}, ""); err != nil {
			t.Fatalf("Evaluate failed: %v", err)
		}
	}
	rows, err := e.Audit(context.Background(), 10)
	if err != nil {
		t.Fatalf("Audit failed: %v", err)
	}
	if len(rows) != 3 {
		t.Errorf("audit rows = %d, want 3", len(rows))
	}
}

func TestPathTraversalScannerBlocksEscapes(t *testing.T) {
	s := PathTraversalScanner{Root: "/data"}
	out := s.Run(context.Background(), "asset.import", map[string]any{"path": "../../etc/passwd"})
	if len(out) != 1 || out[0].Severity != models.SeverityBlock {
		t.Fatalf("findings = %+v, want one block", out)
	}
	if out := s.Run(context.Background(), "asset.import", map[string]any{"path": "bg/forest.png"}); len(out) != 0 {
		t.Errorf("relative in-root path flagged: %+v", out)
	}
	if out := s.Run(context.Background(), "asset.import", map[string]any{"path": "/data/bg.png"}); len(out) != 0 {
		t.Errorf("absolute in-root path flagged: %+v", out)
	}
	if out := s.Run(context.Background(), "asset.import", map[string]any{"path": "/elsewhere/bg.png"}); len(out) != 1 {
		t.Errorf("absolute out-of-root path not flagged: %+v", out)
	}
}

func TestNSFWMetaScanner(t *testing.T) {
	s := NSFWMetaScanner{}
	if out := s.Run(context.Background(), "x", map[string]any{
		"meta": map[string]any{"nsfw": true},
	}); len(out) != 1 || out[0].Code != "nsfw_unrated" {
		t.Errorf("findings = %+v, want nsfw_unrated", out)
	}
	if out := s.Run(context.Background(), "x", map[string]any{
		"meta": map[string]any{"nsfw": true, "rating": "mature"},
	}); len(out) != 0 {
		t.Errorf("rated nsfw flagged: %+v", out)
	}
}

func TestIsBlocked(t *testing.T) {
	be := &BlockedError{Action: "asset.import"}
	if got, ok := IsBlocked(be); !ok || got != be {
		t.Error("IsBlocked failed to unwrap a BlockedError")
	}
	if _, ok := IsBlocked(context.Canceled); ok {
		t.Error("IsBlocked matched an unrelated error")
	}
}
