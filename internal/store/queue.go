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

	"github.com/jmoiron/sqlx"

	"github.com/forgeline/orchestrator/internal/status"
	orcerrors "github.com/forgeline/orchestrator/pkg/errors"
)

const queueColumns = `
	q.id, q.item_id, q.payload, q.priority, st.name AS status,
	q.dispatch_handle, q.is_reactivation, q.run_id, q.failure_reason,
	q.enqueued_at, q.started_at, q.completed_at, q.created_at, q.updated_at`

const queueFrom = `
	FROM queue_entries q
	JOIN status_types st ON st.id = q.status_id`

// EnqueueParams describes one entry being added to the work queue.
type EnqueueParams struct {
	ItemID         string
	Payload        json.RawMessage
	Priority       int
	IsReactivation bool
}

// EnqueueEntry appends a pending entry for the item. Ordering within an item
// is by enqueued_at, so the queue is FIFO per item regardless of priority.
func (s *Store) EnqueueEntry(ctx context.Context, p EnqueueParams) (*QueueEntry, error) {
	statusID, err := s.statusID(status.CategoryQueue, status.QueuePending)
	if err != nil {
		return nil, err
	}
	if p.Priority == 0 {
		p.Priority = 5
	}

	var id int64
	err = s.db.QueryRowContext(ctx, `
		INSERT INTO queue_entries (item_id, payload, priority, status_id, is_reactivation, enqueued_at)
		VALUES ($1, $2, $3, $4, $5, $6)
		RETURNING id
	`, p.ItemID, p.Payload, p.Priority, statusID, p.IsReactivation, s.clock.Now()).Scan(&id)
	if err != nil {
		return nil, fmt.Errorf("failed to enqueue entry: %w", err)
	}

	return s.GetQueueEntry(ctx, id)
}

// GetQueueEntry retrieves a live queue entry by ID.
func (s *Store) GetQueueEntry(ctx context.Context, id int64) (*QueueEntry, error) {
	var e QueueEntry
	query := "SELECT" + queueColumns + queueFrom + " WHERE q.id = $1 AND q." + notDeleted
	err := s.db.GetContext(ctx, &e, query, id)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, &orcerrors.NotFoundError{Resource: "queue entry", ID: fmt.Sprint(id)}
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get queue entry: %w", err)
	}
	return &e, nil
}

// ClaimNextEntry atomically claims one dispatchable entry and moves it to
// running on behalf of workerID. An entry is dispatchable when it is the
// oldest pending entry for its item and the item has no entry already
// running or waiting on validation. Items are ranked by the head entry's
// priority (highest first), then by arrival. FOR UPDATE SKIP LOCKED keeps
// concurrent workers from claiming the same entry. Returns NotFound when
// nothing is dispatchable.
func (s *Store) ClaimNextEntry(ctx context.Context, workerID string) (*QueueEntry, error) {
	pendingID, err := s.statusID(status.CategoryQueue, status.QueuePending)
	if err != nil {
		return nil, err
	}
	runningID, err := s.statusID(status.CategoryQueue, status.QueueRunning)
	if err != nil {
		return nil, err
	}
	waitingID, err := s.statusID(status.CategoryQueue, status.QueueWaitingValidation)
	if err != nil {
		return nil, err
	}

	var claimed QueueEntry
	err = s.withTx(ctx, func(tx *sqlx.Tx) error {
		var id int64
		err := tx.QueryRowContext(ctx, `
			SELECT q.id
			FROM queue_entries q
			WHERE q.status_id = $1 AND q.`+notDeleted+`
			  AND q.enqueued_at = (
				SELECT MIN(h.enqueued_at) FROM queue_entries h
				WHERE h.item_id = q.item_id AND h.status_id = $1 AND h.`+notDeleted+`
			  )
			  AND NOT EXISTS (
				SELECT 1 FROM queue_entries a
				WHERE a.item_id = q.item_id AND a.status_id IN ($2, $3) AND a.`+notDeleted+`
			  )
			ORDER BY q.priority DESC, q.enqueued_at ASC
			LIMIT 1
			FOR UPDATE SKIP LOCKED
		`, pendingID, runningID, waitingID).Scan(&id)
		if errors.Is(err, sql.ErrNoRows) {
			return &orcerrors.NotFoundError{Resource: "dispatchable queue entry", ID: "head"}
		}
		if err != nil {
			return fmt.Errorf("failed to select queue head: %w", err)
		}

		if err := s.applyStatusChange(ctx, tx, statusChange{
			table:     "queue_entries",
			idColumn:  "id",
			id:        id,
			entity:    "queue entry",
			category:  status.CategoryQueue,
			from:      status.QueuePending,
			to:        status.QueueRunning,
			changedBy: workerID,
			reason:    "claimed for dispatch",
			set:       map[string]any{"started_at": s.clock.Now()},
		}); err != nil {
			return err
		}

		query := "SELECT" + queueColumns + queueFrom + " WHERE q.id = $1"
		return tx.GetContext(ctx, &claimed, query, id)
	})
	if err != nil {
		return nil, err
	}
	return &claimed, nil
}

// UpdateQueueEntryStatus applies a registry-validated compare-and-update
// status change. Terminal transitions stamp completed_at.
func (s *Store) UpdateQueueEntryStatus(ctx context.Context, entryID int64, from, to, changedBy, reason string) error {
	set := map[string]any{}
	if status.IsTerminal(to) {
		set["completed_at"] = s.clock.Now()
	}
	return s.applyStatusChange(ctx, s.db, statusChange{
		table:     "queue_entries",
		idColumn:  "id",
		id:        entryID,
		entity:    "queue entry",
		category:  status.CategoryQueue,
		from:      from,
		to:        to,
		changedBy: changedBy,
		reason:    reason,
		set:       set,
	})
}

// BindQueueEntryRun links the entry to the run it produced and records the
// broker handle used to dispatch it.
func (s *Store) BindQueueEntryRun(ctx context.Context, entryID int64, runID, handle string) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE queue_entries SET run_id = $1, dispatch_handle = $2
		WHERE id = $3 AND `+notDeleted, runID, handle, entryID)
	if err != nil {
		return fmt.Errorf("failed to bind queue entry run: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return &orcerrors.NotFoundError{Resource: "queue entry", ID: fmt.Sprint(entryID)}
	}
	return nil
}

// SetQueueEntryFailure records why an entry failed or timed out.
func (s *Store) SetQueueEntryFailure(ctx context.Context, entryID int64, reason string) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE queue_entries SET failure_reason = $1
		WHERE id = $2 AND `+notDeleted, reason, entryID)
	if err != nil {
		return fmt.Errorf("failed to set queue entry failure: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return &orcerrors.NotFoundError{Resource: "queue entry", ID: fmt.Sprint(entryID)}
	}
	return nil
}

// TimeoutStaleEntries moves running entries past their wall-clock budget to
// timeout and returns them so the caller can fail the associated runs.
func (s *Store) TimeoutStaleEntries(ctx context.Context, budget time.Duration, changedBy string) ([]QueueEntry, error) {
	runningID, err := s.statusID(status.CategoryQueue, status.QueueRunning)
	if err != nil {
		return nil, err
	}
	cutoff := s.clock.Now().Add(-budget)

	var stale []QueueEntry
	query := "SELECT" + queueColumns + queueFrom + `
	WHERE q.status_id = $1 AND q.started_at < $2 AND q.` + notDeleted + `
	ORDER BY q.started_at ASC`
	if err := s.db.SelectContext(ctx, &stale, query, runningID, cutoff); err != nil {
		return nil, fmt.Errorf("failed to list stale queue entries: %w", err)
	}

	var timedOut []QueueEntry
	for _, e := range stale {
		err := s.UpdateQueueEntryStatus(ctx, e.ID,
			status.QueueRunning, status.QueueTimeout, changedBy, "wall-clock budget exceeded")
		if err != nil {
			if orcerrors.IsConflict(err) || orcerrors.IsConcurrentStatusChange(err) {
				continue
			}
			return nil, err
		}
		if err := s.SetQueueEntryFailure(ctx, e.ID, "wall-clock budget exceeded"); err != nil {
			return nil, err
		}
		timedOut = append(timedOut, e)
	}
	return timedOut, nil
}

// CancelPendingEntries moves every pending entry for the item to cancelled
// and returns the affected entry IDs.
func (s *Store) CancelPendingEntries(ctx context.Context, itemID, changedBy, reason string) ([]int64, error) {
	pendingID, err := s.statusID(status.CategoryQueue, status.QueuePending)
	if err != nil {
		return nil, err
	}

	var ids []int64
	err = s.db.SelectContext(ctx, &ids, `
		SELECT id FROM queue_entries
		WHERE item_id = $1 AND status_id = $2 AND `+notDeleted+`
		ORDER BY enqueued_at ASC`, itemID, pendingID)
	if err != nil {
		return nil, fmt.Errorf("failed to list pending entries: %w", err)
	}

	var cancelled []int64
	for _, id := range ids {
		err := s.UpdateQueueEntryStatus(ctx, id,
			status.QueuePending, status.QueueCancelled, changedBy, reason)
		if err != nil {
			if orcerrors.IsConflict(err) || orcerrors.IsConcurrentStatusChange(err) {
				continue
			}
			return nil, err
		}
		cancelled = append(cancelled, id)
	}
	return cancelled, nil
}

// ActiveEntryForItem returns the item's running or validation-waiting entry,
// or NotFound when the item is idle.
func (s *Store) ActiveEntryForItem(ctx context.Context, itemID string) (*QueueEntry, error) {
	runningID, err := s.statusID(status.CategoryQueue, status.QueueRunning)
	if err != nil {
		return nil, err
	}
	waitingID, err := s.statusID(status.CategoryQueue, status.QueueWaitingValidation)
	if err != nil {
		return nil, err
	}

	var e QueueEntry
	query := "SELECT" + queueColumns + queueFrom + `
	WHERE q.item_id = $1 AND q.status_id IN ($2, $3) AND q.` + notDeleted + `
	LIMIT 1`
	err = s.db.GetContext(ctx, &e, query, itemID, runningID, waitingID)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, &orcerrors.NotFoundError{Resource: "active queue entry for item", ID: itemID}
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get active queue entry: %w", err)
	}
	return &e, nil
}

// ActiveEntryForRun returns the running or validation-waiting entry bound to
// the run, or NotFound when no live entry references it.
func (s *Store) ActiveEntryForRun(ctx context.Context, runID string) (*QueueEntry, error) {
	runningID, err := s.statusID(status.CategoryQueue, status.QueueRunning)
	if err != nil {
		return nil, err
	}
	waitingID, err := s.statusID(status.CategoryQueue, status.QueueWaitingValidation)
	if err != nil {
		return nil, err
	}

	var e QueueEntry
	query := "SELECT" + queueColumns + queueFrom + `
	WHERE q.run_id = $1 AND q.status_id IN ($2, $3) AND q.` + notDeleted + `
	LIMIT 1`
	err = s.db.GetContext(ctx, &e, query, runID, runningID, waitingID)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, &orcerrors.NotFoundError{Resource: "active queue entry for run", ID: runID}
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get active queue entry: %w", err)
	}
	return &e, nil
}

// PendingQueueDepth reports the total number of pending entries.
func (s *Store) PendingQueueDepth(ctx context.Context) (int, error) {
	pendingID, err := s.statusID(status.CategoryQueue, status.QueuePending)
	if err != nil {
		return 0, err
	}
	var n int
	err = s.db.GetContext(ctx, &n, `
		SELECT COUNT(*) FROM queue_entries
		WHERE status_id = $1 AND `+notDeleted, pendingID)
	if err != nil {
		return 0, fmt.Errorf("failed to count pending entries: %w", err)
	}
	return n, nil
}

// PendingCountForItem reports how many entries are waiting for the item.
func (s *Store) PendingCountForItem(ctx context.Context, itemID string) (int, error) {
	pendingID, err := s.statusID(status.CategoryQueue, status.QueuePending)
	if err != nil {
		return 0, err
	}
	var n int
	err = s.db.GetContext(ctx, &n, `
		SELECT COUNT(*) FROM queue_entries
		WHERE item_id = $1 AND status_id = $2 AND `+notDeleted, itemID, pendingID)
	if err != nil {
		return 0, fmt.Errorf("failed to count pending entries: %w", err)
	}
	return n, nil
}
