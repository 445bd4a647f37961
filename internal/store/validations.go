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
	"time"

	"github.com/google/uuid"

	"github.com/forgeline/orchestrator/internal/status"
	orcerrors "github.com/forgeline/orchestrator/pkg/errors"
)

const validationColumns = `
	v.id, v.correlation_uuid, v.run_id, v.step_id, st.name AS status,
	v.payload, v.rejection_count, v.parent_validation_id, v.expires_at,
	v.created_at, v.updated_at`

const validationFrom = `
	FROM validations v
	JOIN status_types st ON st.id = v.status_id`

// NewValidationParams describes a validation request being created.
type NewValidationParams struct {
	RunID              string
	StepID             string
	Payload            json.RawMessage
	TTL                time.Duration
	RejectionCount     int
	ParentValidationID *int64
}

// CreateValidation inserts a pending validation with a fresh correlation UUID
// and an absolute expiry computed from the TTL at creation time.
func (s *Store) CreateValidation(ctx context.Context, p NewValidationParams) (*Validation, error) {
	statusID, err := s.statusID(status.CategoryValidation, status.ValidationPending)
	if err != nil {
		return nil, err
	}

	correlation := uuid.NewString()
	expiresAt := s.clock.Now().Add(p.TTL)
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO validations (correlation_uuid, run_id, step_id, status_id,
		                         payload, rejection_count, parent_validation_id, expires_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
	`, correlation, p.RunID, p.StepID, statusID, p.Payload, p.RejectionCount, p.ParentValidationID, expiresAt)
	if err != nil {
		return nil, fmt.Errorf("failed to create validation: %w", err)
	}

	return s.GetValidationByUUID(ctx, correlation)
}

// GetValidationByUUID retrieves a live validation by correlation UUID.
func (s *Store) GetValidationByUUID(ctx context.Context, correlation string) (*Validation, error) {
	var v Validation
	query := "SELECT" + validationColumns + validationFrom + " WHERE v.correlation_uuid = $1 AND v." + notDeleted
	err := s.db.GetContext(ctx, &v, query, correlation)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, &orcerrors.NotFoundError{Resource: "validation", ID: correlation}
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get validation: %w", err)
	}
	return &v, nil
}

// LatestValidationForRun returns the run's most recent validation regardless
// of status, or NotFound when the run never suspended.
func (s *Store) LatestValidationForRun(ctx context.Context, runID string) (*Validation, error) {
	var v Validation
	query := "SELECT" + validationColumns + validationFrom + `
	WHERE v.run_id = $1 AND v.` + notDeleted + `
	ORDER BY v.id DESC
	LIMIT 1`
	err := s.db.GetContext(ctx, &v, query, runID)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, &orcerrors.NotFoundError{Resource: "validation for run", ID: runID}
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get latest validation: %w", err)
	}
	return &v, nil
}

// PendingValidationForRun returns the run's pending validation, if any.
func (s *Store) PendingValidationForRun(ctx context.Context, runID string) (*Validation, error) {
	statusID, err := s.statusID(status.CategoryValidation, status.ValidationPending)
	if err != nil {
		return nil, err
	}
	var v Validation
	query := "SELECT" + validationColumns + validationFrom + `
	WHERE v.run_id = $1 AND v.status_id = $2 AND v.` + notDeleted + `
	ORDER BY v.id DESC
	LIMIT 1`
	err = s.db.GetContext(ctx, &v, query, runID, statusID)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, &orcerrors.NotFoundError{Resource: "pending validation for run", ID: runID}
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get pending validation: %w", err)
	}
	return &v, nil
}

// UpdateValidationStatus applies a registry-validated compare-and-update
// status change on the validation.
func (s *Store) UpdateValidationStatus(ctx context.Context, validationID int64, from, to, changedBy, reason string) error {
	return s.applyStatusChange(ctx, s.db, statusChange{
		table:     "validations",
		idColumn:  "id",
		id:        validationID,
		entity:    "validation",
		category:  status.CategoryValidation,
		from:      from,
		to:        to,
		changedBy: changedBy,
		reason:    reason,
	})
}

// CreateValidationResponse records the human answer. The unique constraint on
// validation_id makes a second answer for the same validation a conflict.
func (s *Store) CreateValidationResponse(ctx context.Context, validationID int64, responseStatus, comments, validatorID string) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO validation_responses (validation_id, status, comments, validator_id)
		VALUES ($1, $2, $3, $4)
	`, validationID, responseStatus, comments, validatorID)
	if err != nil {
		if isUniqueViolation(err) {
			return &orcerrors.ConflictError{
				Resource: "validation response",
				ID:       fmt.Sprint(validationID),
				Reason:   "validation already answered",
			}
		}
		return fmt.Errorf("failed to create validation response: %w", err)
	}
	return nil
}

// ResponseForValidation returns the recorded answer, or NotFound.
func (s *Store) ResponseForValidation(ctx context.Context, validationID int64) (*ValidationResponse, error) {
	var r ValidationResponse
	err := s.db.GetContext(ctx, &r, `
		SELECT id, validation_id, status, comments, validator_id, created_at
		FROM validation_responses
		WHERE validation_id = $1
	`, validationID)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, &orcerrors.NotFoundError{Resource: "validation response", ID: fmt.Sprint(validationID)}
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get validation response: %w", err)
	}
	return &r, nil
}

// ExpirePendingValidations moves every pending validation past its expiry to
// expired and returns them so the caller can settle the owning runs.
func (s *Store) ExpirePendingValidations(ctx context.Context, changedBy string) ([]Validation, error) {
	pendingID, err := s.statusID(status.CategoryValidation, status.ValidationPending)
	if err != nil {
		return nil, err
	}

	var due []Validation
	query := "SELECT" + validationColumns + validationFrom + `
	WHERE v.status_id = $1 AND v.expires_at <= $2 AND v.` + notDeleted + `
	ORDER BY v.expires_at ASC`
	if err := s.db.SelectContext(ctx, &due, query, pendingID, s.clock.Now()); err != nil {
		return nil, fmt.Errorf("failed to list expired validations: %w", err)
	}

	var expired []Validation
	for _, v := range due {
		err := s.UpdateValidationStatus(ctx, v.ID,
			status.ValidationPending, status.ValidationExpired, changedBy, "validation TTL elapsed")
		if err != nil {
			// Lost the race to an arriving response; skip it.
			if orcerrors.IsConflict(err) || orcerrors.IsConcurrentStatusChange(err) {
				continue
			}
			return nil, err
		}
		expired = append(expired, v)
	}
	return expired, nil
}

// RejectionChainLength counts rejections along the parent_validation_id chain
// starting at the given validation, inclusive of its own counter.
func (s *Store) RejectionChainLength(ctx context.Context, validationID int64) (int, error) {
	var n int
	err := s.db.GetContext(ctx, &n, `
		WITH RECURSIVE chain AS (
			SELECT id, parent_validation_id, rejection_count
			FROM validations WHERE id = $1
			UNION ALL
			SELECT v.id, v.parent_validation_id, v.rejection_count
			FROM validations v
			JOIN chain c ON v.id = c.parent_validation_id
		)
		SELECT COALESCE(MAX(rejection_count), 0) FROM chain
	`, validationID)
	if err != nil {
		return 0, fmt.Errorf("failed to measure rejection chain: %w", err)
	}
	return n, nil
}
