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
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/jmoiron/sqlx"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/forgeline/orchestrator/internal/status"
	"github.com/forgeline/orchestrator/pkg/clock"
	orcerrors "github.com/forgeline/orchestrator/pkg/errors"
)

var testStart = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

func newTestStore(t *testing.T) (*Store, sqlmock.Sqlmock, *clock.FakeClock) {
	t.Helper()
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })

	clk := clock.NewFake(testStart)
	s := New(sqlx.NewDb(db, "pgx"), status.NewFromSeed(), clk)
	return s, mock, clk
}

func TestUpdateTicketStatusRejectsIllegalTransition(t *testing.T) {
	s, mock, _ := newTestStore(t)

	err := s.UpdateTicketStatus(context.Background(), 1,
		status.TicketPending, status.TicketCompleted, "engine", "shortcut")
	require.Error(t, err)
	assert.True(t, orcerrors.IsInvalidTransition(err))
	assert.NoError(t, mock.ExpectationsWereMet(), "illegal transition must not touch the database")
}

func TestUpdateTicketStatusAppliesCompareAndUpdate(t *testing.T) {
	s, mock, _ := newTestStore(t)

	mock.ExpectExec(`UPDATE tickets SET status_id = \$1, last_changed_by = \$2, last_change_reason = \$3, previous_status_id = \$4 WHERE id = \$5 AND status_id = \$6 AND deleted_at IS NULL`).
		WillReturnResult(sqlmock.NewResult(0, 1))

	err := s.UpdateTicketStatus(context.Background(), 42,
		status.TicketPending, status.TicketProcessing, "dispatcher", "claimed")
	require.NoError(t, err)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestUpdateRunStatusSurfacesConflictAfterRetries(t *testing.T) {
	s, mock, _ := newTestStore(t)

	for i := 0; i < casAttempts; i++ {
		mock.ExpectExec(`UPDATE runs SET`).WillReturnResult(sqlmock.NewResult(0, 0))
		mock.ExpectQuery(`SELECT deleted_at FROM runs`).
			WillReturnRows(sqlmock.NewRows([]string{"deleted_at"}).AddRow(nil))
	}

	err := s.UpdateRunStatus(context.Background(), "run-1",
		status.RunRunning, status.RunCompleted, "engine", "all steps done")
	require.Error(t, err)
	assert.True(t, orcerrors.IsConflict(err))
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestUpdateRunStatusNotFoundWhenRowMissing(t *testing.T) {
	s, mock, _ := newTestStore(t)

	mock.ExpectExec(`UPDATE runs SET`).WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectQuery(`SELECT deleted_at FROM runs`).WillReturnError(sql.ErrNoRows)

	err := s.UpdateRunStatus(context.Background(), "run-missing",
		status.RunRunning, status.RunFailed, "engine", "handler error")
	require.Error(t, err)
	assert.True(t, orcerrors.IsNotFound(err))
}

func TestUpdateStepStatusRefusesSoftDeletedRow(t *testing.T) {
	s, mock, _ := newTestStore(t)

	mock.ExpectExec(`UPDATE run_steps SET`).WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectQuery(`SELECT deleted_at FROM run_steps`).
		WillReturnRows(sqlmock.NewRows([]string{"deleted_at"}).AddRow(testStart))

	err := s.UpdateStepStatus(context.Background(), "step-1",
		status.StepRunning, status.StepCompleted, "engine", "done")
	require.Error(t, err)
	assert.True(t, orcerrors.IsModifyDeleted(err))
}

func TestTryAcquireLock(t *testing.T) {
	tests := []struct {
		name         string
		rowsAffected int64
		want         bool
	}{
		{"free lock acquired", 1, true},
		{"held lock refused", 0, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s, mock, _ := newTestStore(t)

			mock.ExpectExec(`UPDATE tickets\s+SET is_locked = TRUE`).
				WithArgs("worker-1", testStart, int64(7), testStart.Add(-30*time.Minute)).
				WillReturnResult(sqlmock.NewResult(0, tt.rowsAffected))

			got, err := s.TryAcquireLock(context.Background(), 7, "worker-1", 30*time.Minute)
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestReleaseLockRequiresHolderMatch(t *testing.T) {
	s, mock, _ := newTestStore(t)

	mock.ExpectExec(`UPDATE tickets\s+SET is_locked = FALSE`).
		WithArgs(int64(7), "other-worker").
		WillReturnResult(sqlmock.NewResult(0, 0))

	released, err := s.ReleaseLock(context.Background(), 7, "other-worker")
	require.NoError(t, err)
	assert.False(t, released)
}

func TestForceReleaseStaleLocksRecordsEvents(t *testing.T) {
	s, mock, _ := newTestStore(t)

	mock.ExpectBegin()
	mock.ExpectQuery(`UPDATE tickets\s+SET is_locked = FALSE`).
		WillReturnRows(sqlmock.NewRows([]string{"id", "locked_by"}).
			AddRow(int64(3), "worker-a").
			AddRow(int64(9), "worker-b"))
	mock.ExpectExec(`INSERT INTO logs\.lock_events`).
		WithArgs(int64(3), "worker-a", testStart).
		WillReturnResult(sqlmock.NewResult(1, 1))
	mock.ExpectExec(`INSERT INTO logs\.lock_events`).
		WithArgs(int64(9), "worker-b", testStart).
		WillReturnResult(sqlmock.NewResult(2, 1))
	mock.ExpectCommit()

	released, err := s.ForceReleaseStaleLocks(context.Background(), 30*time.Minute)
	require.NoError(t, err)
	assert.Equal(t, []int64{3, 9}, released)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestRecordWebhookEventDeduplicates(t *testing.T) {
	s, mock, _ := newTestStore(t)

	// First delivery claims the ID and logs the event.
	mock.ExpectExec(`INSERT INTO event_dedup`).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec(`INSERT INTO logs\.webhook_events`).
		WillReturnResult(sqlmock.NewResult(1, 1))

	fresh, err := s.RecordWebhookEvent(context.Background(),
		"tracker", "evt-1", "issue.labeled", []byte(`{}`), 24*time.Hour)
	require.NoError(t, err)
	assert.True(t, fresh)

	// Replay within the window claims nothing and must not log.
	mock.ExpectExec(`INSERT INTO event_dedup`).
		WillReturnResult(sqlmock.NewResult(0, 0))

	fresh, err = s.RecordWebhookEvent(context.Background(),
		"tracker", "evt-1", "issue.labeled", []byte(`{}`), 24*time.Hour)
	require.NoError(t, err)
	assert.False(t, fresh)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestClaimNextEntryNotFoundWhenQueueIdle(t *testing.T) {
	s, mock, _ := newTestStore(t)

	mock.ExpectBegin()
	mock.ExpectQuery(`FOR UPDATE SKIP LOCKED`).WillReturnError(sql.ErrNoRows)
	mock.ExpectRollback()

	_, err := s.ClaimNextEntry(context.Background(), "worker-1")
	require.Error(t, err)
	assert.True(t, orcerrors.IsNotFound(err))
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestSetRunProgressRejectsOutOfRange(t *testing.T) {
	s, mock, _ := newTestStore(t)

	err := s.SetRunProgress(context.Background(), "run-1", 101, "merge")
	require.Error(t, err)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestCooldownRemaining(t *testing.T) {
	s, mock, clk := newTestStore(t)

	until := testStart.Add(10 * time.Minute)
	mock.ExpectQuery(`SELECT cooldown_until FROM tickets`).
		WillReturnRows(sqlmock.NewRows([]string{"cooldown_until"}).AddRow(until))

	cooling, got, err := s.CooldownRemaining(context.Background(), 5)
	require.NoError(t, err)
	assert.True(t, cooling)
	assert.Equal(t, until, got)

	// Once the clock passes the boundary the cooldown is over; the boundary
	// itself counts as expired.
	clk.Set(until)
	mock.ExpectQuery(`SELECT cooldown_until FROM tickets`).
		WillReturnRows(sqlmock.NewRows([]string{"cooldown_until"}).AddRow(until))

	cooling, _, err = s.CooldownRemaining(context.Background(), 5)
	require.NoError(t, err)
	assert.False(t, cooling)
}

func TestSoftDeleteTicket(t *testing.T) {
	s, mock, _ := newTestStore(t)

	mock.ExpectExec(`UPDATE tickets SET deleted_at = \$1 WHERE id = \$2 AND deleted_at IS NULL`).
		WithArgs(testStart, int64(7)).
		WillReturnResult(sqlmock.NewResult(0, 1))

	require.NoError(t, s.SoftDeleteTicket(context.Background(), 7))

	// A second delete finds nothing: the row is already hidden.
	mock.ExpectExec(`UPDATE tickets SET deleted_at`).
		WillReturnResult(sqlmock.NewResult(0, 0))

	err := s.SoftDeleteTicket(context.Background(), 7)
	require.Error(t, err)
	assert.True(t, orcerrors.IsNotFound(err))
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestHandlerStateRoundTrip(t *testing.T) {
	s, mock, _ := newTestStore(t)

	mock.ExpectExec(`INSERT INTO external\.handler_state`).
		WithArgs("merge:run-1", []byte(`{"sha":"abc123"}`), testStart).
		WillReturnResult(sqlmock.NewResult(1, 1))
	require.NoError(t, s.PutHandlerState(context.Background(),
		"merge:run-1", []byte(`{"sha":"abc123"}`)))

	mock.ExpectQuery(`SELECT value FROM external\.handler_state`).
		WithArgs("merge:run-1").
		WillReturnRows(sqlmock.NewRows([]string{"value"}).AddRow([]byte(`{"sha":"abc123"}`)))
	value, err := s.GetHandlerState(context.Background(), "merge:run-1")
	require.NoError(t, err)
	assert.JSONEq(t, `{"sha":"abc123"}`, string(value))

	mock.ExpectExec(`DELETE FROM external\.handler_state`).
		WithArgs("merge:run-1").
		WillReturnResult(sqlmock.NewResult(0, 1))
	require.NoError(t, s.DeleteHandlerState(context.Background(), "merge:run-1"))

	mock.ExpectQuery(`SELECT value FROM external\.handler_state`).
		WithArgs("merge:run-1").
		WillReturnError(sql.ErrNoRows)
	_, err = s.GetHandlerState(context.Background(), "merge:run-1")
	require.Error(t, err)
	assert.True(t, orcerrors.IsNotFound(err))

	// Deleting an absent key stays idempotent.
	mock.ExpectExec(`DELETE FROM external\.handler_state`).
		WithArgs("merge:run-1").
		WillReturnResult(sqlmock.NewResult(0, 0))
	require.NoError(t, s.DeleteHandlerState(context.Background(), "merge:run-1"))
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestVerifyRegistryPassesOnSeed(t *testing.T) {
	s, _, _ := newTestStore(t)
	require.NoError(t, s.VerifyRegistry(context.Background()))
}
