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

// Ordered job queue: (-priority, submitted monotonic, id). Only the actor
// goroutine touches a queue, so there is no locking here.

import "comfyvn/pkg/models"

type jobQueue struct {
	entries []*models.Job
}

// less orders a before b by descending priority, then submission order,
// then id for a total, stable order.
func less(a, b *models.Job) bool {
	if a.Priority != b.Priority {
		return a.Priority > b.Priority
	}
	if a.SubmittedMono != b.SubmittedMono {
		return a.SubmittedMono < b.SubmittedMono
	}
	return a.ID < b.ID
}

// push inserts preserving order.
func (q *jobQueue) push(job *models.Job) {
	i := len(q.entries)
	for i > 0 && less(job, q.entries[i-1]) {
		i--
	}
	q.entries = append(q.entries, nil)
	copy(q.entries[i+1:], q.entries[i:])
	q.entries[i] = job
}

// remove drops a job by id, returning whether it was present.
func (q *jobQueue) remove(id string) bool {
	for i, j := range q.entries {
		if j.ID == id {
			q.entries = append(q.entries[:i], q.entries[i+1:]...)
			return true
		}
	}
	return false
}

// pick returns and removes the first entry satisfying eligible, or nil.
func (q *jobQueue) pick(eligible func(*models.Job) bool) *models.Job {
	for i, j := range q.entries {
		if eligible(j) {
			q.entries = append(q.entries[:i], q.entries[i+1:]...)
			return j
		}
	}
	return nil
}

// peekAll returns the queue contents in order without mutation.
func (q *jobQueue) peekAll() []*models.Job {
	out := make([]*models.Job, len(q.entries))
	copy(out, q.entries)
	return out
}

func (q *jobQueue) len() int { return len(q.entries) }
