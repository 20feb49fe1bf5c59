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

// Rebuild walks an asset root, re-hashes every file, reconciles sidecars
// against the database and prunes rows whose files are gone.

import (
	"context"
	"errors"
	"io/fs"
	"os"
	"path/filepath"
	"strings"

	"comfyvn/internal/database"
	"comfyvn/internal/metrics"
	"comfyvn/pkg/models"
)

// RebuildOptions tunes a rebuild pass.
type RebuildOptions struct {
	// EnforceSidecars writes a sidecar for registered files missing one.
	EnforceSidecars bool `json:"enforce_sidecars"`
	// OverwriteSidecars rewrites every sidecar from current state.
	OverwriteSidecars bool `json:"overwrite_sidecars"`
	// FixMetadata registers files found on disk that have no row.
	FixMetadata bool `json:"fix_metadata"`
	// MetadataReport only reports; no row registration even with FixMetadata.
	MetadataReport bool `json:"metadata_report"`
}

// RebuildSummary reports what a rebuild pass did.
type RebuildSummary struct {
	Scanned    int      `json:"scanned"`
	Registered int      `json:"registered"`
	Rewritten  int      `json:"rewritten"`
	Pruned     int      `json:"pruned"`
	Unindexed  []string `json:"unindexed,omitempty"`
	Errors     []string `json:"errors,omitempty"`
}

// Rebuild scans root. An empty root completes with a zero-change summary.
func (r *Registry) Rebuild(ctx context.Context, root string, opts RebuildOptions) (*RebuildSummary, error) {
	summary := &RebuildSummary{}
	seen := make(map[string]bool) // uid -> file still present

	err := filepath.WalkDir(root, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			if os.IsNotExist(err) && path == root {
				return filepath.SkipAll
			}
			summary.Errors = append(summary.Errors, err.Error())
			return nil
		}
		if d.IsDir() {
			return nil
		}
		if strings.HasSuffix(path, ".asset.json") ||
			strings.HasSuffix(path, ".tombstone") ||
			strings.HasSuffix(path, ".thumb.png") ||
			strings.HasSuffix(path, ".tmp") {
			return nil
		}
		if ctx.Err() != nil {
			return ctx.Err()
		}

		summary.Scanned++
		uid, _, err := HashFile(path)
		if err != nil {
			summary.Errors = append(summary.Errors, err.Error())
			return nil
		}
		seen[uid] = true

		asset, err := r.db.GetAsset(ctx, uid)
		switch {
		case err == nil:
			rewrite := opts.OverwriteSidecars
			if !rewrite && opts.EnforceSidecars {
				if _, statErr := os.Stat(asset.SidecarPath); statErr != nil {
					rewrite = true
				}
			}
			if rewrite {
				if werr := r.writeSidecars(ctx, asset, ""); werr != nil {
					summary.Errors = append(summary.Errors, werr.Error())
				} else {
					summary.Rewritten++
				}
			}
		case errors.Is(err, database.ErrNotFound):
			if opts.FixMetadata && !opts.MetadataReport {
				typ := typeForPath(path)
				if _, rerr := r.RegisterFile(ctx, path, typ, nil, map[string]any{"source": "rebuild"}); rerr != nil {
					summary.Errors = append(summary.Errors, rerr.Error())
				} else {
					summary.Registered++
					seen[uid] = true
				}
			} else {
				summary.Unindexed = append(summary.Unindexed, path)
			}
		default:
			summary.Errors = append(summary.Errors, err.Error())
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	// Prune rows whose canonical file lives under root but is gone.
	rows, err := r.db.ListAssets(ctx, database.AssetFilter{})
	if err != nil {
		return nil, err
	}
	absRoot, err := filepath.Abs(root)
	if err != nil {
		return nil, err
	}
	for _, a := range rows {
		if seen[a.UID] {
			continue
		}
		rel, relErr := filepath.Rel(absRoot, a.Path)
		if relErr != nil || strings.HasPrefix(rel, "..") {
			continue
		}
		if _, statErr := os.Stat(a.Path); !os.IsNotExist(statErr) {
			continue
		}
		if rerr := r.Remove(ctx, a.UID); rerr != nil {
			summary.Errors = append(summary.Errors, rerr.Error())
			continue
		}
		summary.Pruned++
	}

	metrics.ObserveRegistryOp("rebuild")
	return summary, nil
}

func typeForPath(path string) models.AssetType {
	switch strings.ToLower(filepath.Ext(path)) {
	case ".png", ".jpg", ".jpeg", ".gif", ".webp":
		return models.AssetImage
	case ".wav", ".mp3", ".ogg", ".flac", ".opus":
		return models.AssetAudio
	case ".txt", ".md", ".json", ".yaml", ".yml", ".rpy":
		return models.AssetText
	}
	return models.AssetOther
}
