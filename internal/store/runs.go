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

package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/forgeline/orchestrator/internal/status"
	orcerrors "github.com/forgeline/orchestrator/pkg/errors"
)

const runColumns = `
	r.id, r.ticket_id, r.run_number, st.name AS status, r.current_step,
	r.progress, r.parent_run_id, r.is_reactivation, r.reactivation_depth,
	r.dispatch_handle, r.started_at, r.completed_at, r.duration_ms,
	r.failure_reason, r.created_at, r.updated_at`

const runFrom = `
	FROM runs r
	JOIN status_types st ON st.id = r.status_id`

// NewRunParams carries the optional lineage of a run being created.
type NewRunParams struct {
	TicketID          int64
	ParentRunID       *string
	IsReactivation    bool
	ReactivationDepth int
}

// CreateRun inserts a run in the started status. The run number is assigned
// inside the insert as max+1 per ticket, so concurrent creators cannot mint
// the same number; the unique constraint backstops the race.
func (s *Store) CreateRun(ctx context.Context, p NewRunParams) (*Run, error) {
	statusID, err := s.statusID(status.CategoryRun, status.RunStarted)
	if err != nil {
		return nil, err
	}

	id := uuid.NewString()
	now := s.clock.Now()
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO runs (id, ticket_id, run_number, status_id, parent_run_id,
		                  is_reactivation, reactivation_depth, started_at)
		SELECT $1, $2, COALESCE(MAX(run_number), 0) + 1, $3, $4, $5, $6, $7
		FROM runs WHERE ticket_id = $2
	`, id, p.TicketID, statusID, p.ParentRunID, p.IsReactivation, p.ReactivationDepth, now)
	if err != nil {
		return nil, fmt.Errorf("failed to create run: %w", err)
	}

	return s.GetRun(ctx, id)
}

// GetRun retrieves a live run by ID.
func (s *Store) GetRun(ctx context.Context, id string) (*Run, error) {
	var r Run
	query := "SELECT" + runColumns + runFrom + " WHERE r.id = $1 AND r." + notDeleted
	err := s.db.GetContext(ctx, &r, query, id)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, &orcerrors.NotFoundError{Resource: "run", ID: id}
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get run: %w", err)
	}
	return &r, nil
}

// ActiveRunForTicket returns the ticket's non-terminal run, or NotFound when
// every run has settled. At most one run per ticket is ever active.
func (s *Store) ActiveRunForTicket(ctx context.Context, ticketID int64) (*Run, error) {
	var r Run
	query := "SELECT" + runColumns + runFrom + `
	WHERE r.ticket_id = $1 AND st.is_terminal = FALSE AND r.` + notDeleted + `
	ORDER BY r.run_number DESC
	LIMIT 1`
	err := s.db.GetContext(ctx, &r, query, ticketID)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, &orcerrors.NotFoundError{Resource: "active run for ticket", ID: fmt.Sprint(ticketID)}
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get active run: %w", err)
	}
	return &r, nil
}

// UpdateRunStatus applies a registry-validated compare-and-update status
// change. Terminal transitions stamp completed_at and duration_ms.
func (s *Store) UpdateRunStatus(ctx context.Context, runID, from, to, changedBy, reason string) error {
	set := map[string]any{}
	if status.IsTerminal(to) {
		set["completed_at"] = s.clock.Now()
	}
	err := s.applyStatusChange(ctx, s.db, statusChange{
		table:     "runs",
		idColumn:  "id",
		id:        runID,
		entity:    "run",
		category:  status.CategoryRun,
		from:      from,
		to:        to,
		changedBy: changedBy,
		reason:    reason,
		set:       set,
	})
	if err != nil {
		return err
	}
	if status.IsTerminal(to) {
		if _, err := s.db.ExecContext(ctx, `
			UPDATE runs
			SET duration_ms = (EXTRACT(EPOCH FROM (completed_at - started_at)) * 1000)::BIGINT
			WHERE id = $1 AND started_at IS NOT NULL AND completed_at IS NOT NULL
		`, runID); err != nil {
			return fmt.Errorf("failed to stamp run duration: %w", err)
		}
	}
	return nil
}

// SetRunFailureReason records why a run failed or was cancelled.
func (s *Store) SetRunFailureReason(ctx context.Context, runID, reason string) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE runs SET failure_reason = $1 WHERE id = $2 AND `+notDeleted, reason, runID)
	if err != nil {
		return fmt.Errorf("failed to set failure reason: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return &orcerrors.NotFoundError{Resource: "run", ID: runID}
	}
	return nil
}

// SetRunProgress advances progress and current_step. Progress never moves
// backwards: the guard keeps a stale writer from undoing newer progress.
func (s *Store) SetRunProgress(ctx context.Context, runID string, progress int, currentStep string) error {
	if progress < 0 || progress > 100 {
		return fmt.Errorf("progress %d out of range", progress)
	}
	_, err := s.db.ExecContext(ctx, `
		UPDATE runs
		SET progress = $1, current_step = $2
		WHERE id = $3 AND progress <= $1 AND `+notDeleted, progress, currentStep, runID)
	if err != nil {
		return fmt.Errorf("failed to set run progress: %w", err)
	}
	return nil
}

// BindDispatchHandle attaches the broker message ID to the run.
func (s *Store) BindDispatchHandle(ctx context.Context, runID, handle string) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE runs SET dispatch_handle = $1 WHERE id = $2 AND `+notDeleted, handle, runID)
	if err != nil {
		return fmt.Errorf("failed to bind dispatch handle: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return &orcerrors.NotFoundError{Resource: "run", ID: runID}
	}
	return nil
}

// ListRunsByStatus returns live runs in the given status, oldest first.
// Used on restart to find runs orphaned by a crash.
func (s *Store) ListRunsByStatus(ctx context.Context, name string) ([]Run, error) {
	statusID, err := s.statusID(status.CategoryRun, name)
	if err != nil {
		return nil, err
	}
	var runs []Run
	query := "SELECT" + runColumns + runFrom + `
	WHERE r.status_id = $1 AND r.` + notDeleted + `
	ORDER BY r.created_at ASC`
	if err := s.db.SelectContext(ctx, &runs, query, statusID); err != nil {
		return nil, fmt.Errorf("failed to list runs: %w", err)
	}
	return runs, nil
}

// ListRunsForTicket returns all live runs for a ticket, newest first.
func (s *Store) ListRunsForTicket(ctx context.Context, ticketID int64) ([]Run, error) {
	var runs []Run
	query := "SELECT" + runColumns + runFrom + `
	WHERE r.ticket_id = $1 AND r.` + notDeleted + `
	ORDER BY r.run_number DESC`
	if err := s.db.SelectContext(ctx, &runs, query, ticketID); err != nil {
		return nil, fmt.Errorf("failed to list ticket runs: %w", err)
	}
	return runs, nil
}

// RunChain walks parent_run_id links from the given run back to the root.
// maxDepth bounds the walk so a corrupted cycle cannot hang the caller.
func (s *Store) RunChain(ctx context.Context, runID string, maxDepth int) ([]Run, error) {
	var chain []Run
	id := runID
	for i := 0; i <= maxDepth; i++ {
		r, err := s.GetRun(ctx, id)
		if err != nil {
			return nil, err
		}
		chain = append(chain, *r)
		if r.ParentRunID == nil {
			return chain, nil
		}
		id = *r.ParentRunID
	}
	return nil, fmt.Errorf("run chain from %s exceeds depth %d", runID, maxDepth)
}

// CountRunsSince reports runs created for a ticket after the given time.
func (s *Store) CountRunsSince(ctx context.Context, ticketID int64, since time.Time) (int, error) {
	var n int
	err := s.db.GetContext(ctx, &n, `
		SELECT COUNT(*) FROM runs
		WHERE ticket_id = $1 AND created_at > $2 AND `+notDeleted, ticketID, since)
	if err != nil {
		return 0, fmt.Errorf("failed to count runs: %w", err)
	}
	return n, nil
}
