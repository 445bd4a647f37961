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
	"encoding/json"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"

	"github.com/forgeline/orchestrator/internal/status"
	orcerrors "github.com/forgeline/orchestrator/pkg/errors"
)

const stepColumns = `
	p.id, p.run_id, p.name, p.step_order, st.name AS status, p.retry_count,
	p.max_retries, p.output_data, p.started_at, p.completed_at,
	p.created_at, p.updated_at`

const stepFrom = `
	FROM run_steps p
	JOIN status_types st ON st.id = p.status_id`

// CreateSteps inserts the full ordered step list for a run, all pending.
// Done in one transaction so a run never exists with a partial step list.
func (s *Store) CreateSteps(ctx context.Context, runID string, names []string, maxRetries int) ([]Step, error) {
	statusID, err := s.statusID(status.CategoryStep, status.StepPending)
	if err != nil {
		return nil, err
	}

	err = s.withTx(ctx, func(tx *sqlx.Tx) error {
		for i, name := range names {
			if _, err := tx.ExecContext(ctx, `
				INSERT INTO run_steps (id, run_id, name, step_order, status_id, max_retries)
				VALUES ($1, $2, $3, $4, $5, $6)
			`, uuid.NewString(), runID, name, i+1, statusID, maxRetries); err != nil {
				return fmt.Errorf("failed to create step %q: %w", name, err)
			}
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	return s.StepsForRun(ctx, runID)
}

// StepsForRun returns the run's live steps in execution order.
func (s *Store) StepsForRun(ctx context.Context, runID string) ([]Step, error) {
	var steps []Step
	query := "SELECT" + stepColumns + stepFrom + `
	WHERE p.run_id = $1 AND p.` + notDeleted + `
	ORDER BY p.step_order ASC`
	if err := s.db.SelectContext(ctx, &steps, query, runID); err != nil {
		return nil, fmt.Errorf("failed to list steps: %w", err)
	}
	return steps, nil
}

// GetStep retrieves a live step by ID.
func (s *Store) GetStep(ctx context.Context, id string) (*Step, error) {
	var st Step
	query := "SELECT" + stepColumns + stepFrom + " WHERE p.id = $1 AND p." + notDeleted
	err := s.db.GetContext(ctx, &st, query, id)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, &orcerrors.NotFoundError{Resource: "step", ID: id}
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get step: %w", err)
	}
	return &st, nil
}

// UpdateStepStatus applies a registry-validated compare-and-update status
// change, stamping started_at on entry to running and completed_at on any
// terminal status.
func (s *Store) UpdateStepStatus(ctx context.Context, stepID, from, to, changedBy, reason string) error {
	set := map[string]any{}
	switch {
	case to == status.StepRunning:
		set["started_at"] = s.clock.Now()
	case status.IsTerminal(to):
		set["completed_at"] = s.clock.Now()
	}
	return s.applyStatusChange(ctx, s.db, statusChange{
		table:     "run_steps",
		idColumn:  "id",
		id:        stepID,
		entity:    "step",
		category:  status.CategoryStep,
		from:      from,
		to:        to,
		changedBy: changedBy,
		reason:    reason,
		set:       set,
	})
}

// IncrementStepRetry bumps retry_count and reports the new count. Callers
// compare it to max_retries before requeueing the step.
func (s *Store) IncrementStepRetry(ctx context.Context, stepID string) (int, error) {
	var count int
	err := s.db.GetContext(ctx, &count, `
		UPDATE run_steps
		SET retry_count = retry_count + 1
		WHERE id = $1 AND `+notDeleted+`
		RETURNING retry_count
	`, stepID)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, &orcerrors.NotFoundError{Resource: "step", ID: stepID}
	}
	if err != nil {
		return 0, fmt.Errorf("failed to increment step retry: %w", err)
	}
	return count, nil
}

// SaveStepOutput stores the step's output document.
func (s *Store) SaveStepOutput(ctx context.Context, stepID string, output json.RawMessage) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE run_steps SET output_data = $1 WHERE id = $2 AND `+notDeleted, output, stepID)
	if err != nil {
		return fmt.Errorf("failed to save step output: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return &orcerrors.NotFoundError{Resource: "step", ID: stepID}
	}
	return nil
}

// SaveCheckpoint appends a continuation point for the step. Checkpoints are
// append-only; recovery reads only the latest.
func (s *Store) SaveCheckpoint(ctx context.Context, runID, stepID string, payload json.RawMessage) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO run_step_checkpoints (run_id, step_id, payload, created_at)
		VALUES ($1, $2, $3, $4)
	`, runID, stepID, payload, s.clock.Now())
	if err != nil {
		return fmt.Errorf("failed to save checkpoint: %w", err)
	}
	return nil
}

// LatestCheckpoint returns the most recent checkpoint for the step, or
// NotFound when the step has never checkpointed.
func (s *Store) LatestCheckpoint(ctx context.Context, stepID string) (*Checkpoint, error) {
	var cp Checkpoint
	err := s.db.GetContext(ctx, &cp, `
		SELECT id, run_id, step_id, payload, created_at
		FROM run_step_checkpoints
		WHERE step_id = $1
		ORDER BY id DESC
		LIMIT 1
	`, stepID)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, &orcerrors.NotFoundError{Resource: "checkpoint for step", ID: stepID}
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get checkpoint: %w", err)
	}
	return &cp, nil
}
