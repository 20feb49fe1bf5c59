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

// Package database wraps the SQLite connection and provides data access for
// jobs, assets, provenance, policy audit and provider records. All JSON-ish
// columns are stored as TEXT; callers get decoded maps back.
package database

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"comfyvn/pkg/models"

	_ "modernc.org/sqlite"
)

// ErrNotFound is returned when a row does not exist.
var ErrNotFound = errors.New("not found")

// DB wraps the database connection and provides methods for data access.
type DB struct {
	conn *sql.DB
}

// New opens (or creates) the SQLite database at dbPath. synchronous=FULL is
// part of the durability contract: a job transition must hit disk before
// its hook envelope is published.
func New(dbPath string) (*DB, error) {
	conn, err := sql.Open("sqlite", dbPath+"?_pragma=foreign_keys(1)&_pragma=journal_mode(WAL)&_pragma=synchronous(FULL)&_pragma=busy_timeout(5000)")
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	if err := conn.Ping(); err != nil {
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}
	return &DB{conn: conn}, nil
}

// Close closes the database connection.
func (db *DB) Close() error {
	return db.conn.Close()
}

// Migrate runs database migrations.
func (db *DB) Migrate(ctx context.Context) error {
	slog.Info("Running database migrations")

	migrations := []string{
		`CREATE TABLE IF NOT EXISTS jobs (
			id TEXT PRIMARY KEY,
			kind TEXT NOT NULL,
			priority INTEGER NOT NULL DEFAULT 0,
			target TEXT NOT NULL,
			device_hint TEXT,
			sticky_key TEXT,
			state TEXT NOT NULL,
			attempts INTEGER NOT NULL DEFAULT 0,
			max_attempts INTEGER NOT NULL DEFAULT 3,
			last_error TEXT,
			worker_id TEXT,
			input TEXT,
			result TEXT,
			cost_hint TEXT,
			tags TEXT,
			provenance_inputs TEXT,
			trace TEXT,
			cancel_requested BOOLEAN NOT NULL DEFAULT false,
			submitted_at DATETIME NOT NULL,
			submitted_mono INTEGER NOT NULL,
			deadline DATETIME,
			claimed_at DATETIME,
			started_at DATETIME,
			finished_at DATETIME
		)`,
		`CREATE INDEX IF NOT EXISTS idx_jobs_state ON jobs(state)`,
		`CREATE INDEX IF NOT EXISTS idx_jobs_target_state ON jobs(target, state)`,
		`CREATE TABLE IF NOT EXISTS assets (
			uid TEXT PRIMARY KEY,
			type TEXT NOT NULL,
			path TEXT NOT NULL,
			sidecar_path TEXT NOT NULL,
			thumbnail_path TEXT,
			size_bytes INTEGER NOT NULL,
			meta TEXT,
			provenance_id TEXT,
			created_at DATETIME NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS idx_assets_type ON assets(type)`,
		`CREATE TABLE IF NOT EXISTS provenance (
			id TEXT PRIMARY KEY,
			asset_uid TEXT NOT NULL,
			source TEXT,
			workflow_hash TEXT,
			seed INTEGER,
			inputs_json TEXT,
			tool TEXT,
			version TEXT,
			created_at DATETIME NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS idx_provenance_asset ON provenance(asset_uid)`,
		`CREATE TABLE IF NOT EXISTS policy_audit (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			action TEXT NOT NULL,
			scanner TEXT NOT NULL,
			code TEXT NOT NULL,
			severity TEXT NOT NULL,
			message TEXT,
			target TEXT,
			count INTEGER NOT NULL DEFAULT 1,
			details TEXT,
			created_at DATETIME NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS policy_acks (
			token TEXT PRIMARY KEY,
			user TEXT NOT NULL,
			reason TEXT,
			scanner TEXT,
			code TEXT,
			created_at DATETIME NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS providers (
			id TEXT PRIMARY KEY,
			kind TEXT NOT NULL,
			capabilities TEXT,
			config TEXT,
			healthy BOOLEAN NOT NULL DEFAULT false,
			last_ok_at DATETIME,
			last_error TEXT,
			latency_ms INTEGER,
			cost_per_minute REAL,
			cost_egress_per_gb REAL,
			cost_vram_per_gb_minute REAL,
			created_at DATETIME DEFAULT CURRENT_TIMESTAMP
		)`,
		`CREATE TABLE IF NOT EXISTS webhooks (
			id TEXT PRIMARY KEY,
			url TEXT NOT NULL,
			secret TEXT NOT NULL,
			topics TEXT,
			max_attempts INTEGER NOT NULL DEFAULT 5,
			created_at DATETIME DEFAULT CURRENT_TIMESTAMP
		)`,
	}

	tx, err := db.conn.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	for _, migration := range migrations {
		if _, err := tx.ExecContext(ctx, migration); err != nil {
			return fmt.Errorf("failed to execute migration: %w", err)
		}
	}

	return tx.Commit()
}

// Job operations

// UpsertJob writes the full job record. The scheduler calls this on every
// state transition, before the matching hook envelope is published.
func (db *DB) UpsertJob(ctx context.Context, job *models.Job) error {
	input, err := marshalJSON(job.Input)
	if err != nil {
		return err
	}
	result, err := marshalJSON(job.Result)
	if err != nil {
		return err
	}
	costHint, err := marshalJSON(job.CostHint)
	if err != nil {
		return err
	}
	tags, err := marshalJSON(job.Tags)
	if err != nil {
		return err
	}
	provInputs, err := marshalJSON(job.ProvenanceInputs)
	if err != nil {
		return err
	}
	trace, err := marshalJSON(job.Trace)
	if err != nil {
		return err
	}

	query := `INSERT INTO jobs (
			id, kind, priority, target, device_hint, sticky_key, state,
			attempts, max_attempts, last_error, worker_id, input, result,
			cost_hint, tags, provenance_inputs, trace, cancel_requested,
			submitted_at, submitted_mono, deadline, claimed_at, started_at, finished_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			state=excluded.state, attempts=excluded.attempts,
			last_error=excluded.last_error, worker_id=excluded.worker_id,
			result=excluded.result, trace=excluded.trace,
			cancel_requested=excluded.cancel_requested, target=excluded.target,
			claimed_at=excluded.claimed_at, started_at=excluded.started_at,
			finished_at=excluded.finished_at`

	_, err = db.conn.ExecContext(ctx, query,
		job.ID, job.Kind, job.Priority, string(job.Target), job.DeviceHint,
		job.StickyKey, string(job.State), job.Attempts, job.MaxAttempts,
		job.LastError, job.WorkerID, input, result, costHint, tags,
		provInputs, trace, job.CancelRequested, job.SubmittedAt,
		job.SubmittedMono, job.Deadline, job.ClaimedAt, job.StartedAt,
		job.FinishedAt)
	if err != nil {
		return fmt.Errorf("failed to upsert job: %w", err)
	}
	return nil
}

// GetJob returns a job by id.
func (db *DB) GetJob(ctx context.Context, id string) (*models.Job, error) {
	query := `SELECT id, kind, priority, target, device_hint, sticky_key, state,
		attempts, max_attempts, last_error, worker_id, input, result, cost_hint,
		tags, provenance_inputs, trace, cancel_requested, submitted_at,
		submitted_mono, deadline, claimed_at, started_at, finished_at
		FROM jobs WHERE id = ?`
	return db.scanJob(db.conn.QueryRowContext(ctx, query, id))
}

// ListOpenJobs returns every job in a non-terminal state, oldest first.
// The scheduler replays these on startup to rebuild its queues.
func (db *DB) ListOpenJobs(ctx context.Context) ([]*models.Job, error) {
	query := `SELECT id, kind, priority, target, device_hint, sticky_key, state,
		attempts, max_attempts, last_error, worker_id, input, result, cost_hint,
		tags, provenance_inputs, trace, cancel_requested, submitted_at,
		submitted_mono, deadline, claimed_at, started_at, finished_at
		FROM jobs WHERE state NOT IN ('complete', 'failed', 'cancelled')
		ORDER BY submitted_mono, id`

	rows, err := db.conn.QueryContext(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("failed to query open jobs: %w", err)
	}
	defer rows.Close()

	var jobs []*models.Job
	for rows.Next() {
		job, err := db.scanJob(rows)
		if err != nil {
			return nil, err
		}
		jobs = append(jobs, job)
	}
	return jobs, rows.Err()
}

type rowScanner interface {
	Scan(dest ...any) error
}

func (db *DB) scanJob(row rowScanner) (*models.Job, error) {
	var (
		job                                          models.Job
		target, state                                string
		deviceHint, stickyKey, lastError, workerID   sql.NullString
		input, result, costHint, tags, provIn, trace sql.NullString
		deadline, claimedAt, startedAt, finishedAt   sql.NullTime
	)
	err := row.Scan(&job.ID, &job.Kind, &job.Priority, &target, &deviceHint,
		&stickyKey, &state, &job.Attempts, &job.MaxAttempts, &lastError,
		&workerID, &input, &result, &costHint, &tags, &provIn, &trace,
		&job.CancelRequested, &job.SubmittedAt, &job.SubmittedMono,
		&deadline, &claimedAt, &startedAt, &finishedAt)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to scan job: %w", err)
	}

	job.Target = models.Target(target)
	job.State = models.JobState(state)
	job.DeviceHint = deviceHint.String
	job.StickyKey = stickyKey.String
	job.LastError = lastError.String
	job.WorkerID = workerID.String
	job.Deadline = nullTimePtr(deadline)
	job.ClaimedAt = nullTimePtr(claimedAt)
	job.StartedAt = nullTimePtr(startedAt)
	job.FinishedAt = nullTimePtr(finishedAt)

	if err := unmarshalJSON(input, &job.Input); err != nil {
		return nil, err
	}
	if err := unmarshalJSON(result, &job.Result); err != nil {
		return nil, err
	}
	if err := unmarshalJSON(costHint, &job.CostHint); err != nil {
		return nil, err
	}
	if err := unmarshalJSON(tags, &job.Tags); err != nil {
		return nil, err
	}
	if err := unmarshalJSON(provIn, &job.ProvenanceInputs); err != nil {
		return nil, err
	}
	if err := unmarshalJSON(trace, &job.Trace); err != nil {
		return nil, err
	}
	return &job, nil
}

// Asset operations

// UpsertAsset inserts or updates an asset row keyed by uid.
func (db *DB) UpsertAsset(ctx context.Context, asset *models.Asset) error {
	meta, err := marshalJSON(asset.Meta)
	if err != nil {
		return err
	}
	query := `INSERT INTO assets (uid, type, path, sidecar_path, thumbnail_path, size_bytes, meta, provenance_id, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(uid) DO UPDATE SET
			meta=excluded.meta, thumbnail_path=excluded.thumbnail_path,
			provenance_id=excluded.provenance_id`
	_, err = db.conn.ExecContext(ctx, query, asset.UID, string(asset.Type),
		asset.Path, asset.SidecarPath, asset.ThumbnailPath, asset.SizeBytes,
		meta, asset.ProvenanceID, asset.CreatedAt)
	if err != nil {
		return fmt.Errorf("failed to upsert asset: %w", err)
	}
	return nil
}

// GetAsset returns an asset by uid.
func (db *DB) GetAsset(ctx context.Context, uid string) (*models.Asset, error) {
	query := `SELECT uid, type, path, sidecar_path, thumbnail_path, size_bytes, meta, provenance_id, created_at
		FROM assets WHERE uid = ?`
	return db.scanAsset(db.conn.QueryRowContext(ctx, query, uid))
}

// DeleteAsset removes the asset row.
func (db *DB) DeleteAsset(ctx context.Context, uid string) error {
	res, err := db.conn.ExecContext(ctx, `DELETE FROM assets WHERE uid = ?`, uid)
	if err != nil {
		return fmt.Errorf("failed to delete asset: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

// AssetFilter narrows ListAssets. Tags is all-of; Text is a case-insensitive
// substring over path and string meta values (applied by the caller).
type AssetFilter struct {
	Hash   string
	Type   string
	Limit  int
	Offset int
}

// ListAssets returns assets matching the SQL-expressible part of the filter,
// ordered by created_at then uid for stable pagination.
func (db *DB) ListAssets(ctx context.Context, f AssetFilter) ([]*models.Asset, error) {
	var (
		where []string
		args  []any
	)
	if f.Hash != "" {
		where = append(where, "uid = ?")
		args = append(args, f.Hash)
	}
	if f.Type != "" {
		where = append(where, "type = ?")
		args = append(args, f.Type)
	}
	query := `SELECT uid, type, path, sidecar_path, thumbnail_path, size_bytes, meta, provenance_id, created_at FROM assets`
	if len(where) > 0 {
		query += " WHERE " + strings.Join(where, " AND ")
	}
	query += " ORDER BY created_at, uid"

	rows, err := db.conn.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query assets: %w", err)
	}
	defer rows.Close()

	var assets []*models.Asset
	for rows.Next() {
		a, err := db.scanAsset(rows)
		if err != nil {
			return nil, err
		}
		assets = append(assets, a)
	}
	return assets, rows.Err()
}

func (db *DB) scanAsset(row rowScanner) (*models.Asset, error) {
	var (
		a                         models.Asset
		typ                       string
		thumb, meta, provenanceID sql.NullString
	)
	err := row.Scan(&a.UID, &typ, &a.Path, &a.SidecarPath, &thumb,
		&a.SizeBytes, &meta, &provenanceID, &a.CreatedAt)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to scan asset: %w", err)
	}
	a.Type = models.AssetType(typ)
	a.ThumbnailPath = thumb.String
	a.ProvenanceID = provenanceID.String
	if err := unmarshalJSON(meta, &a.Meta); err != nil {
		return nil, err
	}
	return &a, nil
}

// Provenance operations

// InsertProvenance appends a provenance row. Rows are never updated.
func (db *DB) InsertProvenance(ctx context.Context, p *models.Provenance) error {
	inputs, err := marshalJSON(p.Inputs)
	if err != nil {
		return err
	}
	query := `INSERT INTO provenance (id, asset_uid, source, workflow_hash, seed, inputs_json, tool, version, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`
	_, err = db.conn.ExecContext(ctx, query, p.ID, p.AssetUID, p.Source,
		p.WorkflowHash, p.Seed, inputs, p.Tool, p.Version, p.CreatedAt)
	if err != nil {
		return fmt.Errorf("failed to insert provenance: %w", err)
	}
	return nil
}

// ListProvenance returns provenance rows for an asset, oldest first.
func (db *DB) ListProvenance(ctx context.Context, assetUID string) ([]*models.Provenance, error) {
	query := `SELECT id, asset_uid, source, workflow_hash, seed, inputs_json, tool, version, created_at
		FROM provenance WHERE asset_uid = ? ORDER BY created_at, id`
	rows, err := db.conn.QueryContext(ctx, query, assetUID)
	if err != nil {
		return nil, fmt.Errorf("failed to query provenance: %w", err)
	}
	defer rows.Close()

	var out []*models.Provenance
	for rows.Next() {
		var (
			p                            models.Provenance
			source, wfHash, tool, ver    sql.NullString
			seed                         sql.NullInt64
			inputs                       sql.NullString
		)
		if err := rows.Scan(&p.ID, &p.AssetUID, &source, &wfHash, &seed,
			&inputs, &tool, &ver, &p.CreatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan provenance: %w", err)
		}
		p.Source = source.String
		p.WorkflowHash = wfHash.String
		p.Tool = tool.String
		p.Version = ver.String
		if seed.Valid {
			v := seed.Int64
			p.Seed = &v
		}
		if err := unmarshalJSON(inputs, &p.Inputs); err != nil {
			return nil, err
		}
		out = append(out, &p)
	}
	return out, rows.Err()
}

// Policy operations

// AppendPolicyAudit records one evaluated finding.
func (db *DB) AppendPolicyAudit(ctx context.Context, action string, f models.Finding) error {
	details, err := marshalJSON(f.Details)
	if err != nil {
		return err
	}
	count := f.Count
	if count <= 0 {
		count = 1
	}
	query := `INSERT INTO policy_audit (action, scanner, code, severity, message, target, count, details, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`
	_, err = db.conn.ExecContext(ctx, query, action, f.Scanner, f.Code,
		string(f.Severity), f.Message, f.Target, count, details, time.Now().UTC())
	if err != nil {
		return fmt.Errorf("failed to append policy audit: %w", err)
	}
	return nil
}

// PolicyAuditEntry is one audit row as returned to the API.
type PolicyAuditEntry struct {
	ID        int64          `json:"id"`
	Action    string         `json:"action"`
	Finding   models.Finding `json:"finding"`
	CreatedAt time.Time      `json:"created_at"`
}

// ListPolicyAudit returns the most recent audit rows, newest first.
func (db *DB) ListPolicyAudit(ctx context.Context, limit int) ([]PolicyAuditEntry, error) {
	if limit <= 0 || limit > 1000 {
		limit = 100
	}
	query := `SELECT id, action, scanner, code, severity, message, target, count, details, created_at
		FROM policy_audit ORDER BY id DESC LIMIT ?`
	rows, err := db.conn.QueryContext(ctx, query, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to query policy audit: %w", err)
	}
	defer rows.Close()

	var out []PolicyAuditEntry
	for rows.Next() {
		var (
			e               PolicyAuditEntry
			severity        string
			message, target sql.NullString
			details         sql.NullString
		)
		if err := rows.Scan(&e.ID, &e.Action, &e.Finding.Scanner,
			&e.Finding.Code, &severity, &message, &target,
			&e.Finding.Count, &details, &e.CreatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan policy audit: %w", err)
		}
		e.Finding.Severity = models.Severity(severity)
		e.Finding.Message = message.String
		e.Finding.Target = target.String
		if err := unmarshalJSON(details, &e.Finding.Details); err != nil {
			return nil, err
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

// Ack is a recorded user acknowledgement of an advisory finding.
type Ack struct {
	Token     string    `json:"token"`
	User      string    `json:"user"`
	Reason    string    `json:"reason"`
	Scanner   string    `json:"scanner,omitempty"`
	Code      string    `json:"code,omitempty"`
	CreatedAt time.Time `json:"created_at"`
}

// InsertAck records an acknowledgement token.
func (db *DB) InsertAck(ctx context.Context, a Ack) error {
	query := `INSERT INTO policy_acks (token, user, reason, scanner, code, created_at) VALUES (?, ?, ?, ?, ?, ?)`
	_, err := db.conn.ExecContext(ctx, query, a.Token, a.User, a.Reason, a.Scanner, a.Code, a.CreatedAt)
	if err != nil {
		return fmt.Errorf("failed to insert ack: %w", err)
	}
	return nil
}

// GetAck returns the acknowledgement for a token.
func (db *DB) GetAck(ctx context.Context, token string) (*Ack, error) {
	query := `SELECT token, user, reason, scanner, code, created_at FROM policy_acks WHERE token = ?`
	var (
		a             Ack
		reason        sql.NullString
		scanner, code sql.NullString
	)
	err := db.conn.QueryRowContext(ctx, query, token).Scan(&a.Token, &a.User, &reason, &scanner, &code, &a.CreatedAt)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get ack: %w", err)
	}
	a.Reason = reason.String
	a.Scanner = scanner.String
	a.Code = code.String
	return &a, nil
}

// Provider operations

// UpsertProvider inserts or replaces a provider record.
func (db *DB) UpsertProvider(ctx context.Context, p *models.Provider) error {
	caps, err := marshalJSON(p.Capabilities)
	if err != nil {
		return err
	}
	cfg, err := marshalJSON(p.Config)
	if err != nil {
		return err
	}
	query := `INSERT INTO providers (id, kind, capabilities, config, healthy, last_ok_at, last_error, latency_ms,
			cost_per_minute, cost_egress_per_gb, cost_vram_per_gb_minute)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			kind=excluded.kind, capabilities=excluded.capabilities,
			config=excluded.config,
			cost_per_minute=excluded.cost_per_minute,
			cost_egress_per_gb=excluded.cost_egress_per_gb,
			cost_vram_per_gb_minute=excluded.cost_vram_per_gb_minute`
	_, err = db.conn.ExecContext(ctx, query, p.ID, string(p.Kind), caps, cfg,
		p.Status.Healthy, p.Status.LastOKAt, p.Status.LastError,
		p.Status.LatencyMS, p.Cost.PerMinute, p.Cost.EgressPerGB,
		p.Cost.VRAMPerGBMinute)
	if err != nil {
		return fmt.Errorf("failed to upsert provider: %w", err)
	}
	return nil
}

// UpdateProviderStatus atomically replaces the probe status of a provider.
func (db *DB) UpdateProviderStatus(ctx context.Context, id string, st models.ProviderStatus) error {
	query := `UPDATE providers SET healthy = ?, last_ok_at = ?, last_error = ?, latency_ms = ? WHERE id = ?`
	res, err := db.conn.ExecContext(ctx, query, st.Healthy, st.LastOKAt, st.LastError, st.LatencyMS, id)
	if err != nil {
		return fmt.Errorf("failed to update provider status: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

// DeleteProvider removes a provider record.
func (db *DB) DeleteProvider(ctx context.Context, id string) error {
	res, err := db.conn.ExecContext(ctx, `DELETE FROM providers WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("failed to delete provider: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

// ListProviders returns all provider records ordered by id.
func (db *DB) ListProviders(ctx context.Context) ([]*models.Provider, error) {
	query := `SELECT id, kind, capabilities, config, healthy, last_ok_at, last_error, latency_ms,
		cost_per_minute, cost_egress_per_gb, cost_vram_per_gb_minute
		FROM providers ORDER BY id`
	rows, err := db.conn.QueryContext(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("failed to query providers: %w", err)
	}
	defer rows.Close()

	var out []*models.Provider
	for rows.Next() {
		var (
			p          models.Provider
			kind       string
			caps, cfg  sql.NullString
			lastOK     sql.NullTime
			lastErr    sql.NullString
			latency    sql.NullInt64
		)
		if err := rows.Scan(&p.ID, &kind, &caps, &cfg, &p.Status.Healthy,
			&lastOK, &lastErr, &latency, &p.Cost.PerMinute,
			&p.Cost.EgressPerGB, &p.Cost.VRAMPerGBMinute); err != nil {
			return nil, fmt.Errorf("failed to scan provider: %w", err)
		}
		p.Kind = models.ProviderKind(kind)
		p.Status.LastOKAt = nullTimePtr(lastOK)
		p.Status.LastError = lastErr.String
		if latency.Valid {
			v := latency.Int64
			p.Status.LatencyMS = &v
		}
		if err := unmarshalJSON(caps, &p.Capabilities); err != nil {
			return nil, err
		}
		if err := unmarshalJSON(cfg, &p.Config); err != nil {
			return nil, err
		}
		out = append(out, &p)
	}
	return out, rows.Err()
}

// Webhook operations

// WebhookRecord is a persisted outbound webhook registration.
type WebhookRecord struct {
	ID          string    `json:"id"`
	URL         string    `json:"url"`
	Secret      string    `json:"-"`
	Topics      []string  `json:"topics"`
	MaxAttempts int       `json:"max_attempts"`
	CreatedAt   time.Time `json:"created_at"`
}

// InsertWebhook persists a webhook registration.
func (db *DB) InsertWebhook(ctx context.Context, w WebhookRecord) error {
	topics, err := marshalJSON(w.Topics)
	if err != nil {
		return err
	}
	query := `INSERT INTO webhooks (id, url, secret, topics, max_attempts) VALUES (?, ?, ?, ?, ?)`
	_, err = db.conn.ExecContext(ctx, query, w.ID, w.URL, w.Secret, topics, w.MaxAttempts)
	if err != nil {
		return fmt.Errorf("failed to insert webhook: %w", err)
	}
	return nil
}

// DeleteWebhook removes a webhook registration.
func (db *DB) DeleteWebhook(ctx context.Context, id string) error {
	res, err := db.conn.ExecContext(ctx, `DELETE FROM webhooks WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("failed to delete webhook: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

// ListWebhooks returns all webhook registrations.
func (db *DB) ListWebhooks(ctx context.Context) ([]WebhookRecord, error) {
	query := `SELECT id, url, secret, topics, max_attempts, created_at FROM webhooks ORDER BY created_at, id`
	rows, err := db.conn.QueryContext(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("failed to query webhooks: %w", err)
	}
	defer rows.Close()

	var out []WebhookRecord
	for rows.Next() {
		var (
			w      WebhookRecord
			topics sql.NullString
		)
		if err := rows.Scan(&w.ID, &w.URL, &w.Secret, &topics, &w.MaxAttempts, &w.CreatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan webhook: %w", err)
		}
		if err := unmarshalJSON(topics, &w.Topics); err != nil {
			return nil, err
		}
		out = append(out, w)
	}
	return out, rows.Err()
}

// helpers

func marshalJSON(v any) (sql.NullString, error) {
	if v == nil {
		return sql.NullString{}, nil
	}
	b, err := json.Marshal(v)
	if err != nil {
		return sql.NullString{}, fmt.Errorf("failed to marshal column: %w", err)
	}
	return sql.NullString{String: string(b), Valid: true}, nil
}

func unmarshalJSON(s sql.NullString, dst any) error {
	if !s.Valid || s.String == "" || s.String == "null" {
		return nil
	}
	if err := json.Unmarshal([]byte(s.String), dst); err != nil {
		return fmt.Errorf("failed to unmarshal column: %w", err)
	}
	return nil
}

func nullTimePtr(t sql.NullTime) *time.Time {
	if !t.Valid {
		return nil
	}
	v := t.Time
	return &v
}
