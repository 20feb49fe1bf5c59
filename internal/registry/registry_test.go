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

package registry

import (
	"context"
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"testing"

	"comfyvn/internal/database"
	"comfyvn/internal/hooks"
	"comfyvn/pkg/models"
)

func newRegistry(t *testing.T) (*Registry, string) {
	t.Helper()
	dataDir := t.TempDir()
	db, err := database.New(filepath.Join(dataDir, "test.db"))
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
	r, err := New(db, bus, dataDir, 256)
	if err != nil {
		t.Fatalf("registry.New failed: %v", err)
	}
	t.Cleanup(r.Close)
	return r, dataDir
}

func writeAsset(t *testing.T, dir, name, content string) string {
	t.Helper()
	path := filepath.Join(dir, name)
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatalf("failed to write %s: %v", name, err)
	}
	return path
}

func TestRegisterFileCreatesRowAndSidecar(t *testing.T) {
	r, dir := newRegistry(t)
	path := writeAsset(t, dir, "forest.txt", "a forest at dusk")

	asset, err := r.RegisterFile(context.Background(), path, models.AssetText,
		map[string]any{"license": "cc0"}, map[string]any{"source": "test"})
	if err != nil {
		t.Fatalf("RegisterFile failed: %v", err)
	}
	if len(asset.UID) != 64 {
		t.Errorf("uid %q is not blake2s-256 hex", asset.UID)
	}
	if asset.SizeBytes != int64(len("a forest at dusk")) {
		t.Errorf("size = %d", asset.SizeBytes)
	}

	raw, err := os.ReadFile(SidecarPath(path))
	if err != nil {
		t.Fatalf("sidecar not written: %v", err)
	}
	var doc map[string]any
	if err := json.Unmarshal(raw, &doc); err != nil {
		t.Fatalf("sidecar not valid JSON: %v", err)
	}
	if doc["uid"] != asset.UID {
		t.Errorf("sidecar uid = %v, want %s", doc["uid"], asset.UID)
	}

	prov, err := r.Provenance(context.Background(), asset.UID)
	if err != nil {
		t.Fatalf("Provenance failed: %v", err)
	}
	if len(prov) != 1 || prov[0].Source != "test" {
		t.Errorf("provenance = %+v, want one row from source test", prov)
	}
}

func TestRegisterFileIsIdempotent(t *testing.T) {
	r, dir := newRegistry(t)
	path := writeAsset(t, dir, "a.txt", "same bytes")

	first, err := r.RegisterFile(context.Background(), path, models.AssetText, nil, nil)
	if err != nil {
		t.Fatalf("RegisterFile failed: %v", err)
	}
	second, err := r.RegisterFile(context.Background(), path, models.AssetText, nil, nil)
	if err != nil {
		t.Fatalf("second RegisterFile failed: %v", err)
	}
	if first.UID != second.UID {
		t.Errorf("uids differ: %s vs %s", first.UID, second.UID)
	}
	res, err := r.List(context.Background(), ListFilter{})
	if err != nil {
		t.Fatalf("List failed: %v", err)
	}
	if res.Total != 1 {
		t.Errorf("total = %d after re-register, want 1", res.Total)
	}
	// Every registration appends provenance, even a dedup hit.
	prov, _ := r.Provenance(context.Background(), first.UID)
	if len(prov) != 2 {
		t.Errorf("provenance rows = %d, want 2", len(prov))
	}
}

func TestDuplicateContentDedupsWithAlias(t *testing.T) {
	r, dir := newRegistry(t)
	p1 := writeAsset(t, dir, "one.txt", "identical")
	p2 := writeAsset(t, dir, "two.txt", "identical")

	a1, err := r.RegisterFile(context.Background(), p1, models.AssetText, nil, nil)
	if err != nil {
		t.Fatalf("RegisterFile failed: %v", err)
	}
	a2, err := r.RegisterFile(context.Background(), p2, models.AssetText, nil, nil)
	if err != nil {
		t.Fatalf("RegisterFile failed: %v", err)
	}
	if a1.UID != a2.UID {
		t.Fatalf("identical bytes got distinct uids")
	}
	if a2.Path != a1.Path {
		t.Errorf("canonical path changed on dedup: %s", a2.Path)
	}
	aliases, _ := a2.Meta["aliases"].([]any)
	if len(aliases) != 1 || aliases[0] != p2 {
		t.Errorf("aliases = %v, want [%s]", aliases, p2)
	}
	// Both locations carry a sidecar naming the one uid.
	for _, p := range []string{p1, p2} {
		if _, err := os.Stat(SidecarPath(p)); err != nil {
			t.Errorf("sidecar missing at %s: %v", p, err)
		}
	}
}

func TestSidecarBytesDeterministic(t *testing.T) {
	r, dir := newRegistry(t)
	path := writeAsset(t, dir, "a.txt", "content")
	asset, err := r.RegisterFile(context.Background(), path, models.AssetText,
		map[string]any{"z": "1", "a": "2"}, nil)
	if err != nil {
		t.Fatalf("RegisterFile failed: %v", err)
	}
	first, err := r.sidecarContent(context.Background(), asset)
	if err != nil {
		t.Fatalf("sidecarContent failed: %v", err)
	}
	for i := 0; i < 20; i++ {
		again, err := r.sidecarContent(context.Background(), asset)
		if err != nil {
			t.Fatalf("sidecarContent failed: %v", err)
		}
		if string(again) != string(first) {
			t.Fatalf("sidecar bytes differ on iteration %d", i)
		}
	}
}

func TestUpdateMetaDeepMerges(t *testing.T) {
	r, dir := newRegistry(t)
	path := writeAsset(t, dir, "a.txt", "content")
	asset, err := r.RegisterFile(context.Background(), path, models.AssetText,
		map[string]any{"license": "cc0", "nested": map[string]any{"keep": true}}, nil)
	if err != nil {
		t.Fatalf("RegisterFile failed: %v", err)
	}

	updated, err := r.UpdateMeta(context.Background(), asset.UID, map[string]any{
		"nested": map[string]any{"added": 1},
		"tags":   []string{"bg"},
	})
	if err != nil {
		t.Fatalf("UpdateMeta failed: %v", err)
	}
	nested, _ := updated.Meta["nested"].(map[string]any)
	if nested["keep"] != true || nested["added"] != 1 {
		t.Errorf("nested merge = %v", nested)
	}
	if updated.Meta["license"] != "cc0" {
		t.Errorf("untouched key lost: %v", updated.Meta)
	}
}

func TestRemoveDeletesRowAndSidecar(t *testing.T) {
	r, dir := newRegistry(t)
	path := writeAsset(t, dir, "a.txt", "content")
	asset, err := r.RegisterFile(context.Background(), path, models.AssetText, nil, nil)
	if err != nil {
		t.Fatalf("RegisterFile failed: %v", err)
	}

	if err := r.Remove(context.Background(), asset.UID); err != nil {
		t.Fatalf("Remove failed: %v", err)
	}
	if _, err := r.Get(context.Background(), asset.UID); !errors.Is(err, ErrNotFound) {
		t.Errorf("Get after remove = %v, want ErrNotFound", err)
	}
	if _, err := os.Stat(SidecarPath(path)); !os.IsNotExist(err) {
		t.Error("sidecar survived removal")
	}
	if _, err := os.Stat(path); err != nil {
		t.Error("asset bytes should survive removal; only the index entry goes")
	}
	if err := r.Remove(context.Background(), asset.UID); !errors.Is(err, ErrNotFound) {
		t.Errorf("second Remove = %v, want ErrNotFound", err)
	}
}

func TestListFilters(t *testing.T) {
	r, dir := newRegistry(t)
	ctx := context.Background()
	pa := writeAsset(t, dir, "forest.txt", "one")
	pb := writeAsset(t, dir, "castle.txt", "two")
	a, _ := r.RegisterFile(ctx, pa, models.AssetText, map[string]any{"tags": []string{"bg", "night"}}, nil)
	if _, err := r.RegisterFile(ctx, pb, models.AssetText, map[string]any{"tags": []string{"bg"}}, nil); err != nil {
		t.Fatalf("RegisterFile failed: %v", err)
	}

	res, err := r.List(ctx, ListFilter{Tags: []string{"bg", "night"}})
	if err != nil {
		t.Fatalf("List failed: %v", err)
	}
	if res.Total != 1 || res.Items[0].UID != a.UID {
		t.Errorf("tag filter returned %d items", res.Total)
	}

	res, _ = r.List(ctx, ListFilter{Text: "FOREST"})
	if res.Total != 1 {
		t.Errorf("text filter returned %d items, want 1", res.Total)
	}

	res, _ = r.List(ctx, ListFilter{Hash: a.UID})
	if res.Total != 1 || res.Items[0].UID != a.UID {
		t.Errorf("hash filter returned %d items", res.Total)
	}

	res, _ = r.List(ctx, ListFilter{Limit: 1})
	if res.Total != 2 || len(res.Items) != 1 {
		t.Errorf("pagination: total %d items %d, want 2/1", res.Total, len(res.Items))
	}
}

func TestSidecarCacheAndEviction(t *testing.T) {
	r, dir := newRegistry(t)
	ctx := context.Background()
	path := writeAsset(t, dir, "a.txt", "content")
	asset, err := r.RegisterFile(ctx, path, models.AssetText, nil, nil)
	if err != nil {
		t.Fatalf("RegisterFile failed: %v", err)
	}

	if _, err := r.Sidecar(ctx, asset.UID); err != nil {
		t.Fatalf("Sidecar failed: %v", err)
	}
	if r.CacheLen() != 1 {
		t.Errorf("cache len = %d, want 1", r.CacheLen())
	}
	if n := r.EvictLRU(5); n != 1 {
		t.Errorf("evicted %d, want 1", n)
	}
	if r.CacheLen() != 0 {
		t.Errorf("cache len = %d after evict, want 0", r.CacheLen())
	}
	// A re-read repopulates from disk.
	if _, err := r.Sidecar(ctx, asset.UID); err != nil {
		t.Fatalf("Sidecar after evict failed: %v", err)
	}
}

func TestRebuildEmptyRoot(t *testing.T) {
	r, dir := newRegistry(t)
	sum, err := r.Rebuild(context.Background(), filepath.Join(dir, "does-not-exist"), RebuildOptions{})
	if err != nil {
		t.Fatalf("Rebuild failed: %v", err)
	}
	if sum.Scanned != 0 || sum.Registered != 0 || sum.Rewritten != 0 {
		t.Errorf("summary = %+v, want all zero", sum)
	}
}

func TestRebuildRegistersUnindexedFiles(t *testing.T) {
	r, dir := newRegistry(t)
	root := filepath.Join(dir, "scan")
	if err := os.MkdirAll(root, 0o755); err != nil {
		t.Fatal(err)
	}
	writeAsset(t, root, "loose.txt", "found on disk")

	report, err := r.Rebuild(context.Background(), root, RebuildOptions{MetadataReport: true, FixMetadata: true})
	if err != nil {
		t.Fatalf("Rebuild failed: %v", err)
	}
	if report.Registered != 0 || len(report.Unindexed) != 1 {
		t.Errorf("report mode registered %d, unindexed %v", report.Registered, report.Unindexed)
	}

	sum, err := r.Rebuild(context.Background(), root, RebuildOptions{FixMetadata: true})
	if err != nil {
		t.Fatalf("Rebuild failed: %v", err)
	}
	if sum.Registered != 1 {
		t.Errorf("registered = %d, want 1", sum.Registered)
	}
	res, _ := r.List(context.Background(), ListFilter{})
	if res.Total != 1 {
		t.Errorf("assets after rebuild = %d, want 1", res.Total)
	}
}

func TestRebuildEnforcesMissingSidecars(t *testing.T) {
	r, dir := newRegistry(t)
	ctx := context.Background()
	root := filepath.Join(dir, "scan")
	if err := os.MkdirAll(root, 0o755); err != nil {
		t.Fatal(err)
	}
	path := writeAsset(t, root, "a.txt", "content")
	if _, err := r.RegisterFile(ctx, path, models.AssetText, nil, nil); err != nil {
		t.Fatalf("RegisterFile failed: %v", err)
	}
	if err := os.Remove(SidecarPath(path)); err != nil {
		t.Fatal(err)
	}

	sum, err := r.Rebuild(ctx, root, RebuildOptions{EnforceSidecars: true})
	if err != nil {
		t.Fatalf("Rebuild failed: %v", err)
	}
	if sum.Rewritten != 1 {
		t.Errorf("rewritten = %d, want 1", sum.Rewritten)
	}
	if _, err := os.Stat(SidecarPath(path)); err != nil {
		t.Errorf("sidecar not restored: %v", err)
	}
}

func TestHashFileStable(t *testing.T) {
	dir := t.TempDir()
	path := writeAsset(t, dir, "a.bin", "stable content")
	h1, n1, err := HashFile(path)
	if err != nil {
		t.Fatalf("HashFile failed: %v", err)
	}
	h2, n2, err := HashFile(path)
	if err != nil {
		t.Fatalf("HashFile failed: %v", err)
	}
	if h1 != h2 || n1 != n2 {
		t.Error("hash not stable across reads")
	}
	if len(h1) != 64 {
		t.Errorf("hash %q is not 256-bit hex", h1)
	}
}

func TestMergeMetaReplacesArrays(t *testing.T) {
	out := mergeMeta(map[string]any{"tags": []any{"a", "b"}}, map[string]any{"tags": []any{"c"}})
	tags, _ := out["tags"].([]any)
	if len(tags) != 1 || tags[0] != "c" {
		t.Errorf("tags = %v, want replaced [c]", tags)
	}
}
