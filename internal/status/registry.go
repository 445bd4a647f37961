// Copyright 2026 The Forgeline Authors
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package status declares the legal states and transitions per entity
// category. The registry is table-driven: the reference tables are seeded by
// migrate and loaded once at startup into an immutable in-memory cache. All
// status writes consult the registry before touching the database.
package status

import (
	"context"
	"database/sql"
	"fmt"
	"sort"
)

// Category identifies an entity category in the registry.
type Category string

const (
	CategoryTask       Category = "task"
	CategoryRun        Category = "run"
	CategoryStep       Category = "step"
	CategoryValidation Category = "validation"
	CategoryQueue      Category = "queue"
)

// Ticket statuses.
const (
	TicketPending            = "pending"
	TicketProcessing         = "processing"
	TicketTesting            = "testing"
	TicketDebugging          = "debugging"
	TicketQualityCheck       = "quality_check"
	TicketAwaitingValidation = "awaiting_validation"
	TicketCompleted          = "completed"
	TicketFailed             = "failed"
)

// Run statuses.
const (
	RunStarted           = "started"
	RunRunning           = "running"
	RunWaitingValidation = "waiting_validation"
	RunCompleted         = "completed"
	RunFailed            = "failed"
	RunCancelled         = "cancelled"
)

// Step statuses.
const (
	StepPending   = "pending"
	StepRunning   = "running"
	StepCompleted = "completed"
	StepFailed    = "failed"
	StepSkipped   = "skipped"
)

// Validation statuses.
const (
	ValidationPending          = "pending"
	ValidationApproved         = "approved"
	ValidationRejected         = "rejected"
	ValidationChangesRequested = "changes_requested"
	ValidationExpired          = "expired"
	ValidationAbandoned        = "abandoned"
)

// Queue entry statuses.
const (
	QueuePending           = "pending"
	QueueRunning           = "running"
	QueueWaitingValidation = "waiting_validation"
	QueueCompleted         = "completed"
	QueueFailed            = "failed"
	QueueCancelled         = "cancelled"
	QueueTimeout           = "timeout"
)

// terminalStatuses is the closed vocabulary of terminal states across all
// categories.
var terminalStatuses = map[string]bool{
	"completed": true,
	"failed":    true,
	"cancelled": true,
	"timeout":   true,
	"expired":   true,
	"abandoned": true,
	"skipped":   true,
}

// IsTerminal reports whether status admits no further transitions for the
// entity that carries it. Reactivation re-enters a terminal ticket through a
// fresh child run; the task category alone declares outbound transitions from
// its terminal states for that purpose.
func IsTerminal(status string) bool {
	return terminalStatuses[status]
}

type transitionKey struct {
	from string
	to   string
}

// Registry holds the allowed states and transitions per category. It is
// read-only after construction and safe for concurrent use.
type Registry struct {
	statuses    map[Category]map[string]int
	transitions map[Category]map[transitionKey]bool
}

// IsTransitionAllowed reports whether the (from, to) pair is declared for the
// category.
func (r *Registry) IsTransitionAllowed(cat Category, from, to string) bool {
	return r.transitions[cat][transitionKey{from: from, to: to}]
}

// StatusesFor returns the sorted set of statuses declared for the category.
func (r *Registry) StatusesFor(cat Category) []string {
	set := r.statuses[cat]
	out := make([]string, 0, len(set))
	for name := range set {
		out = append(out, name)
	}
	sort.Strings(out)
	return out
}

// Has reports whether the category declares the status.
func (r *Registry) Has(cat Category, status string) bool {
	_, ok := r.statuses[cat][status]
	return ok
}

// IDFor returns the status_types row ID for a (category, status) pair. The
// persistence layer uses IDs in compare-and-update writes; nothing outside
// internal/store should need this.
func (r *Registry) IDFor(cat Category, status string) (int, error) {
	id, ok := r.statuses[cat][status]
	if !ok {
		return 0, fmt.Errorf("unknown status %q for category %s", status, cat)
	}
	return id, nil
}

// Load reads the reference tables seeded by migrate and builds the registry.
func Load(ctx context.Context, db *sql.DB) (*Registry, error) {
	r := &Registry{
		statuses:    make(map[Category]map[string]int),
		transitions: make(map[Category]map[transitionKey]bool),
	}

	rows, err := db.QueryContext(ctx, `SELECT id, category, name FROM status_types ORDER BY id`)
	if err != nil {
		return nil, fmt.Errorf("failed to load status types: %w", err)
	}
	defer rows.Close()
	for rows.Next() {
		var id int
		var cat, name string
		if err := rows.Scan(&id, &cat, &name); err != nil {
			return nil, fmt.Errorf("failed to scan status type: %w", err)
		}
		c := Category(cat)
		if r.statuses[c] == nil {
			r.statuses[c] = make(map[string]int)
		}
		r.statuses[c][name] = id
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate status types: %w", err)
	}

	trows, err := db.QueryContext(ctx, `
		SELECT t.category, f.name, x.name
		FROM status_transitions t
		JOIN status_types f ON f.id = t.from_status_id
		JOIN status_types x ON x.id = t.to_status_id
	`)
	if err != nil {
		return nil, fmt.Errorf("failed to load status transitions: %w", err)
	}
	defer trows.Close()
	for trows.Next() {
		var cat, from, to string
		if err := trows.Scan(&cat, &from, &to); err != nil {
			return nil, fmt.Errorf("failed to scan status transition: %w", err)
		}
		c := Category(cat)
		if r.transitions[c] == nil {
			r.transitions[c] = make(map[transitionKey]bool)
		}
		r.transitions[c][transitionKey{from: from, to: to}] = true
	}
	if err := trows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate status transitions: %w", err)
	}

	return r, nil
}
