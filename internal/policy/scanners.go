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

// Built-in advisory scanners. Each is a pure function over the payload.

import (
	"context"
	"path/filepath"
	"strings"

	"comfyvn/pkg/models"
)

// LicenseScanner flags assets with missing or denied license metadata.
type LicenseScanner struct {
	// Denied lists license identifiers that block outright.
	Denied []string
}

func (LicenseScanner) ID() string { return "license" }

func (s LicenseScanner) Run(_ context.Context, _ string, payload map[string]any) []models.Finding {
	meta, _ := payload["meta"].(map[string]any)
	if meta == nil {
		return nil
	}
	lic, _ := meta["license"].(string)
	if lic == "" {
		return []models.Finding{{
			Code:     "license_missing",
			Severity: models.SeverityWarn,
			Message:  "asset has no license metadata",
			Target:   stringOr(payload, "path"),
		}}
	}
	for _, denied := range s.Denied {
		if strings.EqualFold(lic, denied) {
			return []models.Finding{{
				Code:     "license_denied",
				Severity: models.SeverityBlock,
				Message:  "license " + lic + " is on the deny list",
				Target:   stringOr(payload, "path"),
				Details:  map[string]any{"license": lic},
			}}
		}
	}
	return nil
}

// NSFWMetaScanner warns when nsfw content lacks a rating.
type NSFWMetaScanner struct{}

func (NSFWMetaScanner) ID() string { return "nsfw-meta" }

func (NSFWMetaScanner) Run(_ context.Context, _ string, payload map[string]any) []models.Finding {
	meta, _ := payload["meta"].(map[string]any)
	if meta == nil {
		return nil
	}
	nsfw, _ := meta["nsfw"].(bool)
	if !nsfw {
		return nil
	}
	if _, hasRating := meta["rating"]; hasRating {
		return nil
	}
	return []models.Finding{{
		Code:     "nsfw_unrated",
		Severity: models.SeverityWarn,
		Message:  "nsfw asset carries no rating metadata",
		Target:   stringOr(payload, "path"),
	}}
}

// PathTraversalScanner blocks payload paths that escape the data root.
type PathTraversalScanner struct {
	Root string
}

func (PathTraversalScanner) ID() string { return "path-traversal" }

func (s PathTraversalScanner) Run(_ context.Context, _ string, payload map[string]any) []models.Finding {
	var out []models.Finding
	for _, key := range []string{"path", "file", "output_path"} {
		p, _ := payload[key].(string)
		if p == "" {
			continue
		}
		clean := filepath.Clean(p)
		if strings.Contains(clean, "..") || (s.Root != "" && filepath.IsAbs(clean) && !strings.HasPrefix(clean, s.Root)) {
			out = append(out, models.Finding{
				Code:     "path_escape",
				Severity: models.SeverityBlock,
				Message:  "path escapes the data root",
				Target:   p,
				Details:  map[string]any{"key": key},
			})
		}
	}
	return out
}

func stringOr(payload map[string]any, key string) string {
	s, _ := payload[key].(string)
	return s
}
