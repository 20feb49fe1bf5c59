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

// Package registry implements the content-addressed asset store: BLAKE2s-256
// uids, deterministic sidecar files, an append-only provenance ledger and
// hook emission for every mutation. Writes serialize per uid; the database
// row and sidecar are durable before the matching hook publishes.
package registry

import (
	"context"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"comfyvn/internal/database"
	"comfyvn/internal/hooks"
	"comfyvn/internal/metrics"
	"comfyvn/pkg/canonical"
	"comfyvn/pkg/models"

	"github.com/google/uuid"
	"golang.org/x/crypto/blake2s"
)

const hashBufSize = 64 * 1024

var (
	// ErrNotFound mirrors the database sentinel for API mapping.
	ErrNotFound = database.ErrNotFound
)

// Registry owns all asset state. Everyone else references assets by uid.
type Registry struct {
	db      *database.DB
	bus     *hooks.Bus
	dataDir string

	locks sync.Map // uid -> *sync.Mutex

	provMu   sync.Mutex
	provPath string

	thumbs *thumbnailWorker

	cacheMu sync.Mutex
	cache   map[string]*cacheEntry // uid -> parsed sidecar
}

type cacheEntry struct {
	doc      map[string]any
	lastUsed time.Time
	pinned   bool
}

// New builds a registry rooted at dataDir and starts the thumbnail worker.
func New(db *database.DB, bus *hooks.Bus, dataDir string, thumbMaxDim int) (*Registry, error) {
	if err := os.MkdirAll(filepath.Join(dataDir, "assets"), 0o755); err != nil {
		return nil, fmt.Errorf("failed to create asset root: %w", err)
	}
	r := &Registry{
		db:       db,
		bus:      bus,
		dataDir:  dataDir,
		provPath: filepath.Join(dataDir, "provenance.log"),
		cache:    make(map[string]*cacheEntry),
	}
	r.thumbs = newThumbnailWorker(r, thumbMaxDim)
	return r, nil
}

// Close stops the thumbnail worker.
func (r *Registry) Close() {
	r.thumbs.close()
}

// AssetRoot returns the directory uploads land in for a given type.
func (r *Registry) AssetRoot(typ models.AssetType) string {
	return filepath.Join(r.dataDir, "assets", string(typ))
}

func (r *Registry) lock(uid string) func() {
	v, _ := r.locks.LoadOrStore(uid, &sync.Mutex{})
	mu := v.(*sync.Mutex)
	mu.Lock()
	return mu.Unlock
}

// HashFile streams the file through BLAKE2s-256 with a fixed-size buffer;
// large files are never loaded whole.
func HashFile(path string) (string, int64, error) {
	f, err := os.Open(path)
	if err != nil {
		return "", 0, fmt.Errorf("failed to open %s: %w", path, err)
	}
	defer f.Close()

	h, err := blake2s.New256(nil)
	if err != nil {
		return "", 0, err
	}
	buf := make([]byte, hashBufSize)
	n, err := io.CopyBuffer(h, f, buf)
	if err != nil {
		return "", 0, fmt.Errorf("failed to hash %s: %w", path, err)
	}
	return hex.EncodeToString(h.Sum(nil)), n, nil
}

// SidecarPath returns the sidecar location for an asset path.
func SidecarPath(assetPath string) string {
	return assetPath + ".asset.json"
}

// RegisterFile registers the file at path. Identical bytes dedup onto one
// row: the first registration wins the canonical path, later ones record
// an alias in meta. Every call appends a provenance row. Hooks fire after
// the row and sidecar are durable.
func (r *Registry) RegisterFile(ctx context.Context, path string, typ models.AssetType, meta map[string]any, provenanceInputs map[string]any) (*models.Asset, error) {
	abs, err := filepath.Abs(path)
	if err != nil {
		return nil, fmt.Errorf("failed to resolve path: %w", err)
	}
	uid, size, err := HashFile(abs)
	if err != nil {
		return nil, err
	}

	unlock := r.lock(uid)
	defer unlock()

	prov := r.newProvenance(uid, provenanceInputs)

	existing, err := r.db.GetAsset(ctx, uid)
	switch {
	case err == nil:
		merged := mergeMeta(existing.Meta, meta)
		if abs != existing.Path {
			merged = appendAlias(merged, abs)
		}
		existing.Meta = merged
		if err := r.appendProvenance(ctx, prov); err != nil {
			return nil, err
		}
		if err := r.db.UpsertAsset(ctx, existing); err != nil {
			return nil, err
		}
		// The sidecar lands at the registered path too, so both locations
		// reference the one canonical uid.
		if err := r.writeSidecars(ctx, existing, abs); err != nil {
			return nil, err
		}
		metrics.ObserveRegistryOp("register_existing")
		r.publish(hooks.EventAssetMetaUpdated, map[string]any{"uid": uid, "meta": merged})
		return existing, nil

	case errors.Is(err, database.ErrNotFound):
		asset := &models.Asset{
			UID:          uid,
			Type:         typ,
			Path:         abs,
			SidecarPath:  SidecarPath(abs),
			SizeBytes:    size,
			CreatedAt:    time.Now().UTC(),
			Meta:         mergeMeta(nil, meta),
			ProvenanceID: prov.ID,
		}
		if err := r.appendProvenance(ctx, prov); err != nil {
			return nil, err
		}
		if err := r.db.UpsertAsset(ctx, asset); err != nil {
			return nil, err
		}
		if err := r.writeSidecars(ctx, asset, abs); err != nil {
			return nil, err
		}
		metrics.ObserveRegistryOp("register")
		r.publish(hooks.EventAssetRegistered, map[string]any{
			"uid": uid, "type": string(typ), "path": abs, "size_bytes": size,
		})
		if typ == models.AssetImage {
			r.thumbs.enqueue(asset.UID, abs)
		}
		return asset, nil

	default:
		return nil, err
	}
}

// UpdateMeta merges a patch into the asset meta: deep merge for maps,
// replace for arrays and scalars. The sidecar is rewritten (and its hook
// emitted) only when its content actually changed.
func (r *Registry) UpdateMeta(ctx context.Context, uid string, patch map[string]any) (*models.Asset, error) {
	unlock := r.lock(uid)
	defer unlock()

	asset, err := r.db.GetAsset(ctx, uid)
	if err != nil {
		return nil, err
	}

	before, err := r.sidecarContent(ctx, asset)
	if err != nil {
		return nil, err
	}
	asset.Meta = mergeMeta(asset.Meta, patch)
	if err := r.db.UpsertAsset(ctx, asset); err != nil {
		return nil, err
	}
	after, err := r.sidecarContent(ctx, asset)
	if err != nil {
		return nil, err
	}

	if string(before) != string(after) {
		if err := r.writeSidecars(ctx, asset, ""); err != nil {
			return nil, err
		}
	}
	metrics.ObserveRegistryOp("update_meta")
	r.publish(hooks.EventAssetMetaUpdated, map[string]any{"uid": uid, "meta": asset.Meta})
	return asset, nil
}

// Remove deletes the row, sidecar and thumbnail. The sidecar is moved to a
// tombstone first, then unlinked, so a crash can never leave a sidecar for
// a row that is gone without a marker.
func (r *Registry) Remove(ctx context.Context, uid string) error {
	unlock := r.lock(uid)
	defer unlock()

	asset, err := r.db.GetAsset(ctx, uid)
	if err != nil {
		return err
	}
	if err := r.db.DeleteAsset(ctx, uid); err != nil {
		return err
	}

	for _, sc := range r.sidecarPaths(asset) {
		tomb := sc + ".tombstone"
		if err := os.Rename(sc, tomb); err == nil {
			os.Remove(tomb)
		} else if !os.IsNotExist(err) {
			slog.Warn("Failed to tombstone sidecar", "path", sc, "error", err)
		}
	}
	if asset.ThumbnailPath != "" {
		os.Remove(asset.ThumbnailPath)
	}

	r.cacheMu.Lock()
	delete(r.cache, uid)
	r.cacheMu.Unlock()

	metrics.ObserveRegistryOp("remove")
	r.publish(hooks.EventAssetRemoved, map[string]any{"uid": uid, "path": asset.Path})
	return nil
}

// ListFilter narrows List. Tags is all-of; Text is a case-insensitive
// substring over path and string meta values.
type ListFilter struct {
	Hash   string
	Tags   []string
	Text   string
	Type   string
	Limit  int
	Offset int
}

// ListResult carries one page plus the filtered total.
type ListResult struct {
	Items []*models.Asset `json:"items"`
	Total int             `json:"total"`
}

// List queries assets. Hash and type narrow in SQL; tags and text filter
// in memory over the decoded meta.
func (r *Registry) List(ctx context.Context, f ListFilter) (*ListResult, error) {
	rows, err := r.db.ListAssets(ctx, database.AssetFilter{Hash: f.Hash, Type: f.Type})
	if err != nil {
		return nil, err
	}

	var filtered []*models.Asset
	for _, a := range rows {
		if len(f.Tags) > 0 && !hasAllTags(a.Meta, f.Tags) {
			continue
		}
		if f.Text != "" && !textMatches(a, f.Text) {
			continue
		}
		filtered = append(filtered, a)
	}

	total := len(filtered)
	if f.Offset > 0 {
		if f.Offset >= total {
			filtered = nil
		} else {
			filtered = filtered[f.Offset:]
		}
	}
	if f.Limit > 0 && len(filtered) > f.Limit {
		filtered = filtered[:f.Limit]
	}
	return &ListResult{Items: filtered, Total: total}, nil
}

// Get returns one asset row.
func (r *Registry) Get(ctx context.Context, uid string) (*models.Asset, error) {
	return r.db.GetAsset(ctx, uid)
}

// Sidecar returns the parsed sidecar document for an asset, via a small
// LRU cache the budget manager may evict.
func (r *Registry) Sidecar(ctx context.Context, uid string) (map[string]any, error) {
	r.cacheMu.Lock()
	if e, ok := r.cache[uid]; ok {
		e.lastUsed = time.Now()
		doc := e.doc
		r.cacheMu.Unlock()
		return doc, nil
	}
	r.cacheMu.Unlock()

	asset, err := r.db.GetAsset(ctx, uid)
	if err != nil {
		return nil, err
	}
	raw, err := os.ReadFile(asset.SidecarPath)
	if err != nil {
		return nil, fmt.Errorf("failed to read sidecar: %w", err)
	}
	var doc map[string]any
	if err := json.Unmarshal(raw, &doc); err != nil {
		return nil, fmt.Errorf("failed to parse sidecar: %w", err)
	}

	r.cacheMu.Lock()
	r.cache[uid] = &cacheEntry{doc: doc, lastUsed: time.Now()}
	r.cacheMu.Unlock()
	return doc, nil
}

// EvictLRU drops up to n non-pinned cache entries, least recently used
// first, and returns how many went.
func (r *Registry) EvictLRU(n int) int {
	r.cacheMu.Lock()
	defer r.cacheMu.Unlock()

	type candidate struct {
		uid string
		at  time.Time
	}
	var cands []candidate
	for uid, e := range r.cache {
		if !e.pinned {
			cands = append(cands, candidate{uid, e.lastUsed})
		}
	}
	sort.Slice(cands, func(i, j int) bool { return cands[i].at.Before(cands[j].at) })
	if n > len(cands) {
		n = len(cands)
	}
	for i := 0; i < n; i++ {
		delete(r.cache, cands[i].uid)
	}
	return n
}

// CacheLen reports current cache occupancy for budget pressure checks.
func (r *Registry) CacheLen() int {
	r.cacheMu.Lock()
	defer r.cacheMu.Unlock()
	return len(r.cache)
}

// Provenance returns the append-only rows for an asset.
func (r *Registry) Provenance(ctx context.Context, uid string) ([]*models.Provenance, error) {
	return r.db.ListProvenance(ctx, uid)
}

// internals

func (r *Registry) newProvenance(uid string, inputs map[string]any) *models.Provenance {
	p := &models.Provenance{
		ID:        uuid.NewString(),
		AssetUID:  uid,
		Source:    "register",
		Inputs:    inputs,
		Tool:      "comfyvn-studio",
		Version:   "1",
		CreatedAt: time.Now().UTC(),
	}
	if inputs != nil {
		if s, ok := inputs["source"].(string); ok {
			p.Source = s
		}
		if wf, ok := inputs["workflow_hash"].(string); ok {
			p.WorkflowHash = wf
		}
		if seed, ok := inputs["seed"].(float64); ok {
			v := int64(seed)
			p.Seed = &v
		}
	}
	return p
}

// appendProvenance writes the ledger line first, then the queryable mirror
// row. The ledger is the source of truth and is never rewritten.
func (r *Registry) appendProvenance(ctx context.Context, p *models.Provenance) error {
	line, err := canonical.JSON(p)
	if err != nil {
		return err
	}

	r.provMu.Lock()
	f, err := os.OpenFile(r.provPath, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		r.provMu.Unlock()
		return fmt.Errorf("failed to open provenance log: %w", err)
	}
	_, werr := f.Write(append(line, '\n'))
	serr := f.Sync()
	cerr := f.Close()
	r.provMu.Unlock()
	if werr != nil {
		return fmt.Errorf("failed to append provenance: %w", werr)
	}
	if serr != nil {
		return fmt.Errorf("failed to sync provenance: %w", serr)
	}
	if cerr != nil {
		return fmt.Errorf("failed to close provenance: %w", cerr)
	}

	return r.db.InsertProvenance(ctx, p)
}

// sidecarContent builds the deterministic sidecar bytes: canonical JSON of
// {uid, type, meta, provenance}, trailing newline.
func (r *Registry) sidecarContent(ctx context.Context, asset *models.Asset) ([]byte, error) {
	provRows, err := r.db.ListProvenance(ctx, asset.UID)
	if err != nil {
		return nil, err
	}
	doc := map[string]any{
		"uid":        asset.UID,
		"type":       string(asset.Type),
		"meta":       asset.Meta,
		"provenance": provRows,
	}
	b, err := canonical.JSON(doc)
	if err != nil {
		return nil, err
	}
	return append(b, '\n'), nil
}

// sidecarPaths lists the canonical sidecar plus any alias sidecars.
func (r *Registry) sidecarPaths(asset *models.Asset) []string {
	out := []string{asset.SidecarPath}
	if aliases, ok := asset.Meta["aliases"].([]any); ok {
		for _, a := range aliases {
			if s, ok := a.(string); ok {
				out = append(out, SidecarPath(s))
			}
		}
	}
	return out
}

// writeSidecars rewrites every sidecar for the asset; extraPath adds the
// registered path when it differs from the canonical one. Each rewrite
// emits on_asset_sidecar_written after the file is durable.
func (r *Registry) writeSidecars(ctx context.Context, asset *models.Asset, extraPath string) error {
	content, err := r.sidecarContent(ctx, asset)
	if err != nil {
		return err
	}

	paths := r.sidecarPaths(asset)
	if extraPath != "" {
		sc := SidecarPath(extraPath)
		found := false
		for _, p := range paths {
			if p == sc {
				found = true
				break
			}
		}
		if !found {
			paths = append(paths, sc)
		}
	}

	for _, sc := range paths {
		if err := writeFileAtomic(sc, content); err != nil {
			return err
		}
		r.publish(hooks.EventAssetSidecar, map[string]any{"uid": asset.UID, "sidecar_path": sc})
	}

	r.cacheMu.Lock()
	delete(r.cache, asset.UID)
	r.cacheMu.Unlock()
	return nil
}

func writeFileAtomic(path string, content []byte) error {
	tmp := path + ".tmp"
	f, err := os.OpenFile(tmp, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0o644)
	if err != nil {
		return fmt.Errorf("failed to open %s: %w", tmp, err)
	}
	if _, err := f.Write(content); err != nil {
		f.Close()
		os.Remove(tmp)
		return fmt.Errorf("failed to write %s: %w", tmp, err)
	}
	if err := f.Sync(); err != nil {
		f.Close()
		os.Remove(tmp)
		return fmt.Errorf("failed to sync %s: %w", tmp, err)
	}
	if err := f.Close(); err != nil {
		os.Remove(tmp)
		return fmt.Errorf("failed to close %s: %w", tmp, err)
	}
	if err := os.Rename(tmp, path); err != nil {
		os.Remove(tmp)
		return fmt.Errorf("failed to replace %s: %w", tmp, err)
	}
	return nil
}

func (r *Registry) publish(event string, payload map[string]any) {
	if _, err := r.bus.Publish(event, "registry", payload); err != nil {
		slog.Warn("Failed to publish registry hook", "event", event, "error", err)
	}
}

// mergeMeta deep-merges maps and replaces arrays and scalars, returning a
// fresh map.
func mergeMeta(base, patch map[string]any) map[string]any {
	out := make(map[string]any, len(base)+len(patch))
	for k, v := range base {
		out[k] = v
	}
	for k, v := range patch {
		if sub, ok := v.(map[string]any); ok {
			if cur, ok := out[k].(map[string]any); ok {
				out[k] = mergeMeta(cur, sub)
				continue
			}
		}
		out[k] = v
	}
	return out
}

func appendAlias(meta map[string]any, path string) map[string]any {
	var aliases []any
	if cur, ok := meta["aliases"].([]any); ok {
		aliases = cur
	}
	for _, a := range aliases {
		if a == path {
			return meta
		}
	}
	meta["aliases"] = append(aliases, path)
	return meta
}

func hasAllTags(meta map[string]any, want []string) bool {
	raw, ok := meta["tags"]
	if !ok {
		return false
	}
	have := map[string]bool{}
	switch tags := raw.(type) {
	case []any:
		for _, t := range tags {
			if s, ok := t.(string); ok {
				have[s] = true
			}
		}
	case []string:
		for _, s := range tags {
			have[s] = true
		}
	}
	for _, w := range want {
		if !have[w] {
			return false
		}
	}
	return true
}

func textMatches(a *models.Asset, text string) bool {
	needle := strings.ToLower(text)
	if strings.Contains(strings.ToLower(a.Path), needle) {
		return true
	}
	for _, v := range a.Meta {
		if s, ok := v.(string); ok && strings.Contains(strings.ToLower(s), needle) {
			return true
		}
	}
	return false
}
