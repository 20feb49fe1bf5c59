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
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"comfyvn/internal/registry"
	"comfyvn/pkg/models"
)

// maxUploadBytes bounds multipart uploads.
const maxUploadBytes = 512 << 20

func (s *Server) handleAssetList(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	f := registry.ListFilter{
		Hash: q.Get("hash"),
		Text: q.Get("text"),
		Type: q.Get("type"),
	}
	if tags := q.Get("tags"); tags != "" {
		f.Tags = strings.Split(tags, ",")
	}
	f.Limit, _ = strconv.Atoi(q.Get("limit"))
	f.Offset, _ = strconv.Atoi(q.Get("offset"))

	res, err := s.registry.List(r.Context(), f)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

func (s *Server) handleAssetGet(w http.ResponseWriter, r *http.Request) {
	asset, err := s.registry.Get(r.Context(), r.PathValue("uid"))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, asset)
}

type assetRegisterRequest struct {
	Path             string         `json:"path"`
	Type             string         `json:"type,omitempty"`
	Meta             map[string]any `json:"meta,omitempty"`
	ProvenanceInputs map[string]any `json:"provenance_inputs,omitempty"`
	AckToken         string         `json:"ack_token,omitempty"`
}

func (s *Server) handleAssetRegister(w http.ResponseWriter, r *http.Request) {
	var req assetRegisterRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, err)
		return
	}
	if req.Path == "" {
		writeError(w, invalidInput("path is required"))
		return
	}
	if err := s.gateImport(r, req.Path, req.Meta, req.AckToken); err != nil {
		writeError(w, err)
		return
	}
	typ := models.AssetType(req.Type)
	if typ == "" {
		typ = models.AssetOther
	}
	asset, err := s.registry.RegisterFile(r.Context(), req.Path, typ, req.Meta, req.ProvenanceInputs)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, asset)
}

// gateImport runs the import policy gate when enabled.
func (s *Server) gateImport(r *http.Request, path string, meta map[string]any, ackToken string) error {
	if !s.flags.GetBool("policy_gate_imports") {
		return nil
	}
	payload := map[string]any{"path": path}
	if meta != nil {
		payload["meta"] = meta
	}
	decision, err := s.enforcer.Evaluate(r.Context(), "asset.import", payload, ackToken)
	if err != nil {
		return err
	}
	if !decision.Allow {
		var blocked []models.Finding
		for _, f := range decision.Findings {
			if f.Severity == models.SeverityBlock {
				blocked = append(blocked, f)
			}
		}
		e := newError(http.StatusLocked, "policy_blocked", "import blocked by advisory findings")
		findings := make([]any, 0, len(blocked))
		for _, f := range blocked {
			findings = append(findings, f)
		}
		e.Details = map[string]any{"findings": findings}
		return e
	}
	return nil
}

func (s *Server) handleAssetUpload(w http.ResponseWriter, r *http.Request) {
	r.Body = http.MaxBytesReader(w, r.Body, maxUploadBytes)
	if err := r.ParseMultipartForm(32 << 20); err != nil {
		writeError(w, invalidInput(fmt.Sprintf("invalid multipart body: %v", err)))
		return
	}
	file, header, err := r.FormFile("file")
	if err != nil {
		writeError(w, invalidInput("multipart field 'file' is required"))
		return
	}
	defer file.Close()

	typ := models.AssetType(r.FormValue("type"))
	if typ == "" {
		typ = models.AssetOther
	}
	var meta map[string]any
	if raw := r.FormValue("meta"); raw != "" {
		if err := json.Unmarshal([]byte(raw), &meta); err != nil {
			writeError(w, invalidInput(fmt.Sprintf("invalid meta JSON: %v", err)))
			return
		}
	}

	name := filepath.Base(header.Filename)
	if name == "" || name == "." || name == string(filepath.Separator) {
		writeError(w, invalidInput("upload has no usable filename"))
		return
	}
	root := s.registry.AssetRoot(typ)
	if err := os.MkdirAll(root, 0o755); err != nil {
		writeError(w, err)
		return
	}
	dest := filepath.Join(root, name)
	if err := s.gateImport(r, dest, meta, r.FormValue("ack_token")); err != nil {
		writeError(w, err)
		return
	}

	tmp, err := os.CreateTemp(root, ".upload-*")
	if err != nil {
		writeError(w, err)
		return
	}
	if _, err := io.Copy(tmp, file); err != nil {
		tmp.Close()
		os.Remove(tmp.Name())
		writeError(w, err)
		return
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmp.Name())
		writeError(w, err)
		return
	}
	if err := os.Rename(tmp.Name(), dest); err != nil {
		os.Remove(tmp.Name())
		writeError(w, err)
		return
	}

	asset, err := s.registry.RegisterFile(r.Context(), dest, typ, meta, map[string]any{"source": "upload"})
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, asset)
}

func (s *Server) handleAssetDelete(w http.ResponseWriter, r *http.Request) {
	if err := s.registry.Remove(r.Context(), r.PathValue("uid")); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"removed": true})
}

func (s *Server) handleAssetSidecar(w http.ResponseWriter, r *http.Request) {
	doc, err := s.registry.Sidecar(r.Context(), r.PathValue("uid"))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, doc)
}

type assetRebuildRequest struct {
	Root string `json:"root,omitempty"`
	registry.RebuildOptions
}

func (s *Server) handleAssetRebuild(w http.ResponseWriter, r *http.Request) {
	var req assetRebuildRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, err)
		return
	}
	root := req.Root
	if root == "" {
		root = filepath.Join(s.cfg.DataDir, "assets")
	}
	summary, err := s.registry.Rebuild(r.Context(), root, req.RebuildOptions)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, summary)
}
