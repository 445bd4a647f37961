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

	"github.com/jmoiron/sqlx"

	"github.com/forgeline/orchestrator/internal/status"
	orcerrors "github.com/forgeline/orchestrator/pkg/errors"
)

const ticketColumns = `
	t.id, t.external_id, t.title, t.description, t.repository_url,
	st.name AS status, pst.name AS previous_status,
	t.is_locked, t.locked_by, t.locked_at, t.cooldown_until,
	t.failed_reactivation_attempts, t.reactivation_count, t.last_run_id,
	t.created_at, t.updated_at`

const ticketFrom = `
	FROM tickets t
	JOIN status_types st ON st.id = t.status_id
	LEFT JOIN status_types pst ON pst.id = t.previous_status_id`

// CreateTicket inserts a new ticket in the pending status. The external ID
// must be unique among live tickets.
func (s *Store) CreateTicket(ctx context.Context, externalID, title, description, repositoryURL string) (*Ticket, error) {
	statusID, err := s.statusID(status.CategoryTask, status.TicketPending)
	if err != nil {
		return nil, err
	}

	var id int64
	err = s.db.QueryRowContext(ctx, `
		INSERT INTO tickets (external_id, title, description, repository_url, status_id)
		VALUES ($1, $2, $3, $4, $5)
		RETURNING id
	`, externalID, title, description, repositoryURL, statusID).Scan(&id)
	if err != nil {
		return nil, fmt.Errorf("failed to create ticket: %w", err)
	}

	return s.GetTicket(ctx, externalID)
}

// GetTicket retrieves a live ticket by external ID.
func (s *Store) GetTicket(ctx context.Context, externalID string) (*Ticket, error) {
	var t Ticket
	query := "SELECT" + ticketColumns + ticketFrom + " WHERE t.external_id = $1 AND t." + notDeleted
	err := s.db.GetContext(ctx, &t, query, externalID)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, &orcerrors.NotFoundError{Resource: "ticket", ID: externalID}
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get ticket: %w", err)
	}
	return &t, nil
}

// GetTicketByID retrieves a live ticket by its internal ID.
func (s *Store) GetTicketByID(ctx context.Context, id int64) (*Ticket, error) {
	var t Ticket
	query := "SELECT" + ticketColumns + ticketFrom + " WHERE t.id = $1 AND t." + notDeleted
	err := s.db.GetContext(ctx, &t, query, id)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, &orcerrors.NotFoundError{Resource: "ticket", ID: fmt.Sprint(id)}
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get ticket: %w", err)
	}
	return &t, nil
}

// UpdateTicketStatus applies a registry-validated compare-and-update status
// change, snapshotting the outgoing status into previous_status.
func (s *Store) UpdateTicketStatus(ctx context.Context, ticketID int64, from, to, changedBy, reason string) error {
	fromID, err := s.statusID(status.CategoryTask, from)
	if err != nil {
		return err
	}
	return s.applyStatusChange(ctx, s.db, statusChange{
		table:     "tickets",
		idColumn:  "id",
		id:        ticketID,
		entity:    "ticket",
		category:  status.CategoryTask,
		from:      from,
		to:        to,
		changedBy: changedBy,
		reason:    reason,
		set:       map[string]any{"previous_status_id": fromID},
	})
}

// SetTicketLastRun records the ticket's most recent run. Completions are
// covered by a trigger; failure paths call this directly.
func (s *Store) SetTicketLastRun(ctx context.Context, ticketID int64, runID string) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE tickets SET last_run_id = $1 WHERE id = $2 AND `+notDeleted, runID, ticketID)
	if err != nil {
		return fmt.Errorf("failed to set last run: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return &orcerrors.NotFoundError{Resource: "ticket", ID: fmt.Sprint(ticketID)}
	}
	return nil
}

// SoftDeleteTicket hides a ticket from all subsequent reads and writes.
func (s *Store) SoftDeleteTicket(ctx context.Context, ticketID int64) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE tickets SET deleted_at = $1 WHERE id = $2 AND `+notDeleted, s.clock.Now(), ticketID)
	if err != nil {
		return fmt.Errorf("failed to soft-delete ticket: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return &orcerrors.NotFoundError{Resource: "ticket", ID: fmt.Sprint(ticketID)}
	}
	return nil
}

// TryAcquireLock attempts to take the advisory ticket lock. The update is
// atomic: it succeeds only when the lock is free or stale (held longer than
// ttl). Returns true when the lock was acquired.
func (s *Store) TryAcquireLock(ctx context.Context, ticketID int64, holder string, ttl time.Duration) (bool, error) {
	now := s.clock.Now()
	res, err := s.db.ExecContext(ctx, `
		UPDATE tickets
		SET is_locked = TRUE, locked_by = $1, locked_at = $2
		WHERE id = $3 AND `+notDeleted+`
		  AND (is_locked = FALSE OR locked_at < $4)
	`, holder, now, ticketID, now.Add(-ttl))
	if err != nil {
		return false, fmt.Errorf("failed to acquire lock: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("failed to read rows affected: %w", err)
	}
	return n > 0, nil
}

// ReleaseLock releases the advisory lock if held by holder.
func (s *Store) ReleaseLock(ctx context.Context, ticketID int64, holder string) (bool, error) {
	res, err := s.db.ExecContext(ctx, `
		UPDATE tickets
		SET is_locked = FALSE, locked_by = NULL, locked_at = NULL
		WHERE id = $1 AND locked_by = $2 AND `+notDeleted, ticketID, holder)
	if err != nil {
		return false, fmt.Errorf("failed to release lock: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("failed to read rows affected: %w", err)
	}
	return n > 0, nil
}

// TouchLock refreshes locked_at on a held lock so the staleness sweeper
// leaves it alone. Used as an idle-keepalive while a run legitimately parks.
func (s *Store) TouchLock(ctx context.Context, ticketID int64) (bool, error) {
	res, err := s.db.ExecContext(ctx, `
		UPDATE tickets SET locked_at = $1
		WHERE id = $2 AND is_locked = TRUE AND `+notDeleted, s.clock.Now(), ticketID)
	if err != nil {
		return false, fmt.Errorf("failed to touch lock: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("failed to read rows affected: %w", err)
	}
	return n > 0, nil
}

// ForceReleaseStaleLocks releases every lock held longer than ttl and writes
// a force_release event per released lock. This is the sweeper's unlock path;
// holder mismatch is irrelevant here because staleness alone authorizes it.
func (s *Store) ForceReleaseStaleLocks(ctx context.Context, ttl time.Duration) ([]int64, error) {
	cutoff := s.clock.Now().Add(-ttl)

	var released []int64
	err := s.withTx(ctx, func(tx *sqlx.Tx) error {
		rows, err := tx.QueryxContext(ctx, `
			UPDATE tickets
			SET is_locked = FALSE, locked_by = NULL, locked_at = NULL
			WHERE is_locked = TRUE AND locked_at < $1 AND `+notDeleted+`
			RETURNING id, locked_by
		`, cutoff)
		if err != nil {
			return fmt.Errorf("failed to release stale locks: %w", err)
		}
		defer rows.Close()

		type stale struct {
			id     int64
			holder sql.NullString
		}
		var found []stale
		for rows.Next() {
			var st stale
			if err := rows.Scan(&st.id, &st.holder); err != nil {
				return fmt.Errorf("failed to scan released lock: %w", err)
			}
			found = append(found, st)
		}
		if err := rows.Err(); err != nil {
			return fmt.Errorf("failed to iterate released locks: %w", err)
		}

		for _, st := range found {
			if _, err := tx.ExecContext(ctx, `
				INSERT INTO logs.lock_events (ticket_id, event, holder, created_at)
				VALUES ($1, 'force_release', $2, $3)
			`, st.id, st.holder, s.clock.Now()); err != nil {
				return fmt.Errorf("failed to record lock event: %w", err)
			}
			released = append(released, st.id)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return released, nil
}

// RecordLockEvent appends one row to the lock event log.
func (s *Store) RecordLockEvent(ctx context.Context, ticketID int64, event, holder string) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO logs.lock_events (ticket_id, event, holder, created_at)
		VALUES ($1, $2, $3, $4)
	`, ticketID, event, holder, s.clock.Now())
	if err != nil {
		return fmt.Errorf("failed to record lock event: %w", err)
	}
	return nil
}

// SetCooldown places the ticket in cooldown until the given time and bumps
// its failed reactivation counter.
func (s *Store) SetCooldown(ctx context.Context, ticketID int64, until time.Time) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE tickets
		SET cooldown_until = $1,
		    failed_reactivation_attempts = failed_reactivation_attempts + 1
		WHERE id = $2 AND `+notDeleted, until, ticketID)
	if err != nil {
		return fmt.Errorf("failed to set cooldown: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return &orcerrors.NotFoundError{Resource: "ticket", ID: fmt.Sprint(ticketID)}
	}
	return nil
}

// CooldownRemaining reports whether the ticket is cooling down at the
// store clock's current time, and until when.
func (s *Store) CooldownRemaining(ctx context.Context, ticketID int64) (bool, time.Time, error) {
	var until sql.NullTime
	err := s.db.GetContext(ctx, &until,
		`SELECT cooldown_until FROM tickets WHERE id = $1 AND `+notDeleted, ticketID)
	if errors.Is(err, sql.ErrNoRows) {
		return false, time.Time{}, &orcerrors.NotFoundError{Resource: "ticket", ID: fmt.Sprint(ticketID)}
	}
	if err != nil {
		return false, time.Time{}, fmt.Errorf("failed to read cooldown: %w", err)
	}
	if !until.Valid || !s.clock.Now().Before(until.Time) {
		return false, time.Time{}, nil
	}
	return true, until.Time, nil
}

// IncrementReactivationCount bumps the lifetime reactivation counter.
func (s *Store) IncrementReactivationCount(ctx context.Context, ticketID int64) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE tickets
		SET reactivation_count = reactivation_count + 1
		WHERE id = $1 AND `+notDeleted, ticketID)
	if err != nil {
		return fmt.Errorf("failed to increment reactivation count: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return &orcerrors.NotFoundError{Resource: "ticket", ID: fmt.Sprint(ticketID)}
	}
	return nil
}
