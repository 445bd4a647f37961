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
	"fmt"
)

// History tables are written only by database triggers; these readers are the
// sole application-side access.

func (s *Store) historyRows(ctx context.Context, table, idColumn string, id any) ([]HistoryRow, error) {
	var rows []HistoryRow
	query := fmt.Sprintf(`
		SELECT id, %s::TEXT AS entity_id, from_status, to_status, changed_by, reason, changed_at
		FROM logs.%s
		WHERE %s = $1
		ORDER BY id ASC
	`, idColumn, table, idColumn)
	if err := s.db.SelectContext(ctx, &rows, query, id); err != nil {
		return nil, fmt.Errorf("failed to read %s: %w", table, err)
	}
	return rows, nil
}

// TicketHistory returns the ticket's status changes, oldest first.
func (s *Store) TicketHistory(ctx context.Context, ticketID int64) ([]HistoryRow, error) {
	return s.historyRows(ctx, "ticket_status_history", "ticket_id", ticketID)
}

// RunHistory returns the run's status changes, oldest first.
func (s *Store) RunHistory(ctx context.Context, runID string) ([]HistoryRow, error) {
	return s.historyRows(ctx, "run_status_history", "run_id", runID)
}

// StepHistory returns the step's status changes, oldest first.
func (s *Store) StepHistory(ctx context.Context, stepID string) ([]HistoryRow, error) {
	return s.historyRows(ctx, "step_status_history", "step_id", stepID)
}

// ValidationHistory returns the validation's status changes, oldest first.
func (s *Store) ValidationHistory(ctx context.Context, validationID int64) ([]HistoryRow, error) {
	return s.historyRows(ctx, "validation_status_history", "validation_id", validationID)
}

// QueueEntryHistory returns the queue entry's status changes, oldest first.
func (s *Store) QueueEntryHistory(ctx context.Context, entryID int64) ([]HistoryRow, error) {
	return s.historyRows(ctx, "queue_status_history", "entry_id", entryID)
}
