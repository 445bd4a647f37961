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

package validation

import (
	"context"
	"database/sql"
	"io"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/jmoiron/sqlx"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/forgeline/orchestrator/internal/config"
	"github.com/forgeline/orchestrator/internal/engine"
	"github.com/forgeline/orchestrator/internal/lock"
	orclog "github.com/forgeline/orchestrator/internal/log"
	"github.com/forgeline/orchestrator/internal/status"
	"github.com/forgeline/orchestrator/internal/store"
	"github.com/forgeline/orchestrator/pkg/clock"
	orcerrors "github.com/forgeline/orchestrator/pkg/errors"
)

var testStart = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

func newTestManager(t *testing.T) (*Manager, sqlmock.Sqlmock) {
	t.Helper()
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })

	st := store.New(sqlx.NewDb(db, "pgx"), status.NewFromSeed(), clock.NewFake(testStart))
	logger := orclog.New(&orclog.Config{Level: "error", Format: orclog.FormatText, Output: io.Discard})
	eng := engine.New(st, engine.Config{MaxStepRetries: 3, ValidationTTL: 72 * time.Hour},
		clock.NewFake(testStart), logger)
	locks := lock.NewManager(st, time.Hour, logger)

	return NewManager(st, eng, locks, config.Default(), logger), mock
}

func validationRow(id int64, uuid, statusName string, rejections int, expiresAt time.Time) *sqlmock.Rows {
	return sqlmock.NewRows([]string{
		"id", "correlation_uuid", "run_id", "step_id", "status", "payload",
		"rejection_count", "parent_validation_id", "expires_at", "created_at", "updated_at",
	}).AddRow(id, uuid, "run-1", "step-av", statusName, []byte(`{}`),
		rejections, nil, expiresAt, testStart, testStart)
}

func chainedValidationRow(id int64, uuid, statusName string, rejections int, parent int64, expiresAt time.Time) *sqlmock.Rows {
	return sqlmock.NewRows([]string{
		"id", "correlation_uuid", "run_id", "step_id", "status", "payload",
		"rejection_count", "parent_validation_id", "expires_at", "created_at", "updated_at",
	}).AddRow(id, uuid, "run-1", "step-av", statusName, []byte(`{}`),
		rejections, parent, expiresAt, testStart, testStart)
}

func queueRow(id int64, statusName string) *sqlmock.Rows {
	return sqlmock.NewRows([]string{
		"id", "item_id", "payload", "priority", "status", "dispatch_handle",
		"is_reactivation", "run_id", "failure_reason", "enqueued_at",
		"started_at", "completed_at", "created_at", "updated_at",
	}).AddRow(id, "TCK-1", []byte(`{}`), 5, statusName, "handle-1",
		false, "run-1", "", testStart, testStart, nil, testStart, testStart)
}

func runRow(id, statusName string) *sqlmock.Rows {
	return sqlmock.NewRows([]string{
		"id", "ticket_id", "run_number", "status", "current_step",
		"progress", "parent_run_id", "is_reactivation", "reactivation_depth",
		"dispatch_handle", "started_at", "completed_at", "duration_ms",
		"failure_reason", "created_at", "updated_at",
	}).AddRow(id, int64(1), 1, statusName, "await_validation", 66, nil, false, 0,
		"", testStart, nil, nil, "", testStart, testStart)
}

func ticketRow(id int64, externalID, statusName string, failedAttempts int) *sqlmock.Rows {
	return sqlmock.NewRows([]string{
		"id", "external_id", "title", "description", "repository_url",
		"status", "previous_status", "is_locked", "locked_by", "locked_at",
		"cooldown_until", "failed_reactivation_attempts", "reactivation_count",
		"last_run_id", "created_at", "updated_at",
	}).AddRow(id, externalID, "title", "", "", statusName, nil,
		true, "dispatcher-0", testStart, nil, failedAttempts, 0, nil, testStart, testStart)
}

func TestParseDecision(t *testing.T) {
	for _, ok := range []string{"approved", "rejected", "changes_requested"} {
		d, err := ParseDecision(ok)
		require.NoError(t, err)
		assert.Equal(t, Decision(ok), d)
	}
	_, err := ParseDecision("maybe")
	assert.Error(t, err)
}

func TestRespondUnknownUUID(t *testing.T) {
	m, mock := newTestManager(t)

	mock.ExpectQuery(`FROM validations v`).WillReturnError(sql.ErrNoRows)

	_, err := m.Respond(context.Background(), "no-such-uuid", DecisionApproved, "", "alice")
	require.Error(t, err)
	assert.True(t, orcerrors.IsNotFound(err))
}

func TestRespondAlreadySettledConflicts(t *testing.T) {
	m, mock := newTestManager(t)

	mock.ExpectQuery(`FROM validations v`).
		WillReturnRows(validationRow(5, "uuid-5", status.ValidationApproved, 0, testStart.Add(time.Hour)))

	_, err := m.Respond(context.Background(), "uuid-5", DecisionApproved, "", "alice")
	require.Error(t, err)
	assert.True(t, orcerrors.IsConflict(err))
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestRespondAfterExpiryFailsRunAndStartsCooldown(t *testing.T) {
	m, mock := newTestManager(t)

	// expires_at equal to now counts as expired.
	mock.ExpectQuery(`FROM validations v`).
		WillReturnRows(validationRow(5, "uuid-5", status.ValidationPending, 0, testStart))

	// Validation flips to expired, then the parked run and its ticket fail.
	mock.ExpectExec(`UPDATE validations SET`).WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec(`UPDATE run_steps SET`).WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec(`UPDATE runs SET`).WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec(`UPDATE runs\s+SET duration_ms`).WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec(`UPDATE runs SET failure_reason`).WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectQuery(`FROM runs r`).WillReturnRows(runRow("run-1", status.RunFailed))
	mock.ExpectQuery(`FROM tickets t`).
		WillReturnRows(ticketRow(1, "TCK-1", status.TicketAwaitingValidation, 0))
	mock.ExpectExec(`UPDATE tickets SET`).WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec(`UPDATE tickets SET last_run_id`).WillReturnResult(sqlmock.NewResult(0, 1))

	// The parked queue entry settles and the dispatcher's lock is returned,
	// so the next entry for the item becomes claimable.
	mock.ExpectQuery(`FROM queue_entries q`).
		WillReturnRows(queueRow(9, status.QueueWaitingValidation))
	mock.ExpectExec(`UPDATE queue_entries SET failure_reason`).
		WithArgs("validation_expired", int64(9)).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec(`UPDATE queue_entries SET`).WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec(`UPDATE tickets\s+SET is_locked = FALSE`).
		WithArgs(int64(1), "dispatcher-0").
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec(`INSERT INTO logs\.lock_events`).
		WithArgs(int64(1), "release", "dispatcher-0", testStart).
		WillReturnResult(sqlmock.NewResult(1, 1))

	mock.ExpectExec(`UPDATE tickets\s+SET cooldown_until`).
		WithArgs(testStart.Add(60*time.Second), int64(1)).
		WillReturnResult(sqlmock.NewResult(0, 1))

	_, err := m.Respond(context.Background(), "uuid-5", DecisionApproved, "", "alice")
	require.Error(t, err)
	assert.True(t, orcerrors.IsValidationExpired(err))
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestRejectAtLimitAbandons(t *testing.T) {
	m, mock := newTestManager(t)

	// Third rejection on a chain with a limit of three: two rejections already
	// accumulated through the parent link.
	mock.ExpectQuery(`FROM validations v`).
		WillReturnRows(chainedValidationRow(5, "uuid-5", status.ValidationPending, 2, 4, testStart.Add(time.Hour)))

	mock.ExpectExec(`UPDATE validations SET`).
		WithArgs(sqlmock.AnyArg(), "validator", "validation_abandoned_limit", int64(5), sqlmock.AnyArg()).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec(`INSERT INTO validation_responses`).
		WithArgs(int64(5), "rejected", "not good enough", "alice").
		WillReturnResult(sqlmock.NewResult(1, 1))
	mock.ExpectExec(`UPDATE run_steps SET`).WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec(`UPDATE runs SET`).WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec(`UPDATE runs\s+SET duration_ms`).WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec(`UPDATE runs SET failure_reason`).WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectQuery(`FROM runs r`).WillReturnRows(runRow("run-1", status.RunFailed))
	mock.ExpectQuery(`FROM tickets t`).
		WillReturnRows(ticketRow(1, "TCK-1", status.TicketAwaitingValidation, 1))
	mock.ExpectExec(`UPDATE tickets SET`).WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec(`UPDATE tickets SET last_run_id`).WillReturnResult(sqlmock.NewResult(0, 1))

	mock.ExpectQuery(`FROM queue_entries q`).
		WillReturnRows(queueRow(9, status.QueueWaitingValidation))
	mock.ExpectExec(`UPDATE queue_entries SET failure_reason`).
		WithArgs("validation_abandoned_limit", int64(9)).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec(`UPDATE queue_entries SET`).WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec(`UPDATE tickets\s+SET is_locked = FALSE`).
		WithArgs(int64(1), "dispatcher-0").
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec(`INSERT INTO logs\.lock_events`).
		WithArgs(int64(1), "release", "dispatcher-0", testStart).
		WillReturnResult(sqlmock.NewResult(1, 1))

	// Second consecutive failure doubles the cooldown base.
	mock.ExpectExec(`UPDATE tickets\s+SET cooldown_until`).
		WithArgs(testStart.Add(120*time.Second), int64(1)).
		WillReturnResult(sqlmock.NewResult(0, 1))

	// Respond re-reads the settled validation before returning it.
	mock.ExpectQuery(`FROM validations v`).
		WillReturnRows(chainedValidationRow(5, "uuid-5", status.ValidationAbandoned, 2, 4, testStart.Add(time.Hour)))

	v, err := m.Respond(context.Background(), "uuid-5", DecisionRejected, "not good enough", "alice")
	require.NoError(t, err)
	assert.Equal(t, status.ValidationAbandoned, v.Status)
	assert.NoError(t, mock.ExpectationsWereMet())
}

// A rejection must settle the queue entry parked in waiting_validation and
// give the dispatcher's ticket lock back; otherwise the item's queue head
// stays blocked forever.
func TestRejectSettlesQueueEntryAndReleasesLock(t *testing.T) {
	m, mock := newTestManager(t)

	mock.ExpectQuery(`FROM validations v`).
		WillReturnRows(validationRow(5, "uuid-5", status.ValidationPending, 0, testStart.Add(time.Hour)))

	mock.ExpectExec(`UPDATE validations SET`).WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec(`INSERT INTO validation_responses`).
		WithArgs(int64(5), "rejected", "needs rework", "alice").
		WillReturnResult(sqlmock.NewResult(1, 1))
	mock.ExpectExec(`UPDATE run_steps SET`).WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec(`UPDATE runs SET`).WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec(`UPDATE runs\s+SET duration_ms`).WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec(`UPDATE runs SET failure_reason`).WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectQuery(`FROM runs r`).WillReturnRows(runRow("run-1", status.RunFailed))
	mock.ExpectQuery(`FROM tickets t`).
		WillReturnRows(ticketRow(1, "TCK-1", status.TicketAwaitingValidation, 0))
	mock.ExpectExec(`UPDATE tickets SET`).WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec(`UPDATE tickets SET last_run_id`).WillReturnResult(sqlmock.NewResult(0, 1))

	mock.ExpectQuery(`FROM queue_entries q`).
		WillReturnRows(queueRow(9, status.QueueWaitingValidation))
	mock.ExpectExec(`UPDATE queue_entries SET failure_reason`).
		WithArgs("rejected by alice (1 of 3)", int64(9)).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec(`UPDATE queue_entries SET`).WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec(`UPDATE tickets\s+SET is_locked = FALSE`).
		WithArgs(int64(1), "dispatcher-0").
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec(`INSERT INTO logs\.lock_events`).
		WithArgs(int64(1), "release", "dispatcher-0", testStart).
		WillReturnResult(sqlmock.NewResult(1, 1))

	mock.ExpectExec(`UPDATE tickets\s+SET cooldown_until`).
		WithArgs(testStart.Add(60*time.Second), int64(1)).
		WillReturnResult(sqlmock.NewResult(0, 1))

	mock.ExpectQuery(`FROM validations v`).
		WillReturnRows(validationRow(5, "uuid-5", status.ValidationRejected, 1, testStart.Add(time.Hour)))

	v, err := m.Respond(context.Background(), "uuid-5", DecisionRejected, "needs rework", "alice")
	require.NoError(t, err)
	assert.Equal(t, status.ValidationRejected, v.Status)
	assert.NoError(t, mock.ExpectationsWereMet())
}
