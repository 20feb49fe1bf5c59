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

// Package policy hosts the advisory scanners and enforces their findings
// on every admission path. Scanners are compiled in and run in a stable
// order by id; findings dedup by (scanner, code, target hash). A block
// finding denies the action unless the caller presents an acknowledgement
// token and the gate for the action permits override.
package policy

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"sync"
	"time"

	"comfyvn/internal/database"
	"comfyvn/internal/hooks"
	"comfyvn/internal/metrics"
	"comfyvn/pkg/canonical"
	"comfyvn/pkg/models"
)

// GateKind controls whether an ack token can override a block finding.
type GateKind string

const (
	// GateHard ignores acknowledgements; block always denies.
	GateHard GateKind = "hard"
	// GateOverridable downgrades acknowledged block findings to warn.
	GateOverridable GateKind = "overridable"
)

// Scanner is one compiled-in advisory plug-in.
type Scanner interface {
	ID() string
	Run(ctx context.Context, action string, payload map[string]any) []models.Finding
}

// Decision is the outcome of one evaluation.
type Decision struct {
	Allow    bool             `json:"allow"`
	Findings []models.Finding `json:"findings"`
	Gate     GateKind         `json:"gate"`
}

// BlockedError carries block findings across the API boundary.
type BlockedError struct {
	Action   string
	Findings []models.Finding
}

func (e *BlockedError) Error() string {
	return fmt.Sprintf("policy blocked action %s (%d findings)", e.Action, len(e.Findings))
}

// IsBlocked unwraps a BlockedError if present.
func IsBlocked(err error) (*BlockedError, bool) {
	var be *BlockedError
	if errors.As(err, &be) {
		return be, true
	}
	return nil, false
}

// Enforcer is the process-wide policy authority.
type Enforcer struct {
	db  *database.DB
	bus *hooks.Bus

	mu       sync.RWMutex
	scanners map[string]Scanner
	gates    map[string]GateKind
}

// New builds an enforcer with no scanners registered.
func New(db *database.DB, bus *hooks.Bus) *Enforcer {
	return &Enforcer{
		db:       db,
		bus:      bus,
		scanners: make(map[string]Scanner),
		gates:    make(map[string]GateKind),
	}
}

// RegisterScanner adds a scanner. Duplicate ids replace and warn.
func (e *Enforcer) RegisterScanner(s Scanner) {
	e.mu.Lock()
	if _, dup := e.scanners[s.ID()]; dup {
		slog.Warn("Replacing advisory scanner", "scanner", s.ID())
	}
	e.scanners[s.ID()] = s
	e.mu.Unlock()
}

// RegisterGate sets the gate kind for an action. Unregistered actions
// default to overridable.
func (e *Enforcer) RegisterGate(action string, kind GateKind) {
	e.mu.Lock()
	e.gates[action] = kind
	e.mu.Unlock()
}

// Scanners returns the registered scanner ids in evaluation order.
func (e *Enforcer) Scanners() []string {
	e.mu.RLock()
	defer e.mu.RUnlock()
	ids := make([]string, 0, len(e.scanners))
	for id := range e.scanners {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// Evaluate runs every scanner over the payload. Pure over (payload,
// scanner set, ack state): no scanner may consult ambient state. The
// ackToken, when valid and the gate is overridable, downgrades matching
// block findings to warn.
func (e *Enforcer) Evaluate(ctx context.Context, action string, payload map[string]any, ackToken string) (*Decision, error) {
	e.mu.RLock()
	ids := make([]string, 0, len(e.scanners))
	for id := range e.scanners {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	scanners := make([]Scanner, 0, len(ids))
	for _, id := range ids {
		scanners = append(scanners, e.scanners[id])
	}
	gate, ok := e.gates[action]
	if !ok {
		gate = GateOverridable
	}
	e.mu.RUnlock()

	var ack *database.Ack
	if ackToken != "" {
		a, err := e.db.GetAck(ctx, ackToken)
		if err != nil && !errors.Is(err, database.ErrNotFound) {
			return nil, err
		}
		ack = a
	}

	dedup := make(map[string]*models.Finding)
	var order []string
	for _, s := range scanners {
		for _, f := range s.Run(ctx, action, payload) {
			f.Scanner = s.ID()
			key := dedupKey(f)
			if existing, seen := dedup[key]; seen {
				existing.Count++
				continue
			}
			f.Count = 1
			cp := f
			dedup[key] = &cp
			order = append(order, key)
		}
	}

	decision := &Decision{Allow: true, Gate: gate}
	for _, key := range order {
		f := *dedup[key]
		if f.Severity == models.SeverityBlock && gate == GateOverridable && ackCovers(ack, f) {
			f.Severity = models.SeverityWarn
			if f.Details == nil {
				f.Details = map[string]any{}
			}
			f.Details["acked_by"] = ack.User
		}
		if f.Severity == models.SeverityBlock {
			decision.Allow = false
		}
		metrics.ObservePolicyFinding(string(f.Severity))
		decision.Findings = append(decision.Findings, f)
	}

	if len(decision.Findings) > 0 {
		for _, f := range decision.Findings {
			if err := e.db.AppendPolicyAudit(ctx, action, f); err != nil {
				slog.Warn("Failed to append policy audit", "error", err)
			}
		}
		findings := make([]any, 0, len(decision.Findings))
		for _, f := range decision.Findings {
			findings = append(findings, f)
		}
		if _, err := e.bus.Publish(hooks.EventPolicyEnforced, "policy", map[string]any{
			"action":   action,
			"allow":    decision.Allow,
			"findings": findings,
		}); err != nil {
			slog.Warn("Failed to publish policy hook", "error", err)
		}
	}

	return decision, nil
}

// Ack records a per-user acknowledgement and returns its token.
func (e *Enforcer) Ack(ctx context.Context, token, user, reason, scanner, code string) error {
	if token == "" || user == "" {
		return fmt.Errorf("ack requires token and user")
	}
	return e.db.InsertAck(ctx, database.Ack{
		Token:     token,
		User:      user,
		Reason:    reason,
		Scanner:   scanner,
		Code:      code,
		CreatedAt: time.Now().UTC(),
	})
}

// Audit returns recent audit rows.
func (e *Enforcer) Audit(ctx context.Context, limit int) ([]database.PolicyAuditEntry, error) {
	return e.db.ListPolicyAudit(ctx, limit)
}

// ackCovers reports whether the ack applies to the finding. An ack bound
// to a scanner/code pair only covers that pair; an unbound ack covers any
// overridable finding.
func ackCovers(ack *database.Ack, f models.Finding) bool {
	if ack == nil {
		return false
	}
	if ack.Scanner != "" && ack.Scanner != f.Scanner {
		return false
	}
	if ack.Code != "" && ack.Code != f.Code {
		return false
	}
	return true
}

func dedupKey(f models.Finding) string {
	targetHash := canonical.HashBytes([]byte(f.Target))
	return strings.Join([]string{f.Scanner, f.Code, targetHash}, "|")
}
