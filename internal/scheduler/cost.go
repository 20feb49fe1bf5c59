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

package scheduler

// Cost preview and target advice. estimateCost is a pure function over its
// inputs so previews never mutate scheduler state; observed durations feed
// back through a per-kind rolling mean.

import (
	"fmt"

	"comfyvn/pkg/models"
)

// defaultDurationSec seeds the estimator before any job of a kind has run.
var defaultDurationSec = map[string]float64{
	"render":      90,
	"tts":         12,
	"bake":        30,
	"export":      45,
	"import_scan": 20,
}

// defaultOutputBytes is the assumed result size per kind.
var defaultOutputBytes = map[string]int64{
	"render": 4 << 20,
	"tts":    1 << 20,
	"export": 16 << 20,
}

type rollingAvg struct {
	count int64
	mean  float64
}

func (r *rollingAvg) observe(sec float64) {
	r.count++
	r.mean += (sec - r.mean) / float64(r.count)
}

func durationFor(kind string, avg *rollingAvg) (float64, string) {
	if avg != nil && avg.count > 0 {
		return avg.mean, fmt.Sprintf("duration from %d observed runs", avg.count)
	}
	if d, ok := defaultDurationSec[kind]; ok {
		return d, "duration from kind default"
	}
	return 30, "duration from global default"
}

// estimateCost computes the cost preview for one job. provider may be nil
// (local execution with no pricing), in which case the currency estimate
// stays zero.
func estimateCost(kind string, hint models.CostHint, provider *models.Provider, avg *rollingAvg) models.CostEstimate {
	dur, durWhy := durationFor(kind, avg)

	est := models.CostEstimate{
		DurationSec: dur,
		BytesTx:     hint.InputBytes,
		Rationale:   []string{durWhy},
	}
	if out, ok := defaultOutputBytes[kind]; ok {
		est.BytesRx = out
	} else {
		est.BytesRx = 256 << 10
	}
	est.VRAMMinutes = float64(hint.VRAMMB) / 1024 * dur / 60

	if provider != nil {
		cost := provider.Cost
		if cost.PerMinute > 0 {
			est.CurrencyEstimate += cost.PerMinute * dur / 60
			est.Rationale = append(est.Rationale, fmt.Sprintf("%.4f/min runtime on %s", cost.PerMinute, provider.ID))
		}
		if cost.EgressPerGB > 0 {
			gb := float64(est.BytesTx+est.BytesRx) / float64(1<<30)
			est.CurrencyEstimate += cost.EgressPerGB * gb
			est.Rationale = append(est.Rationale, fmt.Sprintf("%.4f/GB egress over %.3f GB", cost.EgressPerGB, gb))
		}
		if cost.VRAMPerGBMinute > 0 && est.VRAMMinutes > 0 {
			est.CurrencyEstimate += cost.VRAMPerGBMinute * est.VRAMMinutes
			est.Rationale = append(est.Rationale, fmt.Sprintf("%.4f/GB-minute vram over %.1f GB-minutes", cost.VRAMPerGBMinute, est.VRAMMinutes))
		}
	} else {
		est.Rationale = append(est.Rationale, "local execution; no billed cost")
	}
	return est
}

// remoteCandidate returns the first healthy remote provider advertising the
// kind, or nil.
func remoteCandidate(kind string, providers []models.Provider) *models.Provider {
	for i := range providers {
		p := &providers[i]
		if p.Kind != models.ProviderRemote || !p.Status.Healthy {
			continue
		}
		if len(p.Capabilities) == 0 {
			return p
		}
		for _, c := range p.Capabilities {
			if c == kind {
				return p
			}
		}
	}
	return nil
}

// resolveTarget turns an auto target into a concrete one. Compute disabled
// degrades everything to local; remote is advised only when the VRAM hint
// does not fit the local budget and a healthy remote provider can take the
// kind.
func (s *Scheduler) resolveTarget(kind string, hint models.CostHint) (models.Target, string) {
	if !s.flags.GetBool("enable_compute") {
		return models.TargetLocal, "compute disabled; advising local"
	}
	if !s.flags.GetBool("enable_remote_providers") {
		return models.TargetLocal, "remote providers disabled"
	}
	if s.cfg.LocalVRAMMax > 0 && hint.VRAMMB > s.cfg.LocalVRAMMax {
		if p := remoteCandidate(kind, s.providerSnapshot()); p != nil {
			return models.TargetRemote, fmt.Sprintf("vram hint %d MB exceeds local budget; provider %s is healthy", hint.VRAMMB, p.ID)
		}
		return models.TargetLocal, "vram hint exceeds local budget but no healthy remote provider"
	}
	return models.TargetLocal, "fits local budget"
}

func (s *Scheduler) providerSnapshot() []models.Provider {
	if s.providers == nil {
		return nil
	}
	return s.providers.Snapshot()
}
