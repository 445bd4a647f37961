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

package reactivate

import (
	"context"
	"encoding/json"
	"io"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/jmoiron/sqlx"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/forgeline/orchestrator/internal/config"
	"github.com/forgeline/orchestrator/internal/lock"
	orclog "github.com/forgeline/orchestrator/internal/log"
	"github.com/forgeline/orchestrator/internal/status"
	"github.com/forgeline/orchestrator/internal/store"
	"github.com/forgeline/orchestrator/pkg/clock"
	orcerrors "github.com/forgeline/orchestrator/pkg/errors"
)

var testStart = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

func newTestController(t *testing.T) (*Controller, sqlmock.Sqlmock) {
	t.Helper()
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })

	st := store.New(sqlx.NewDb(db, "pgx"), status.NewFromSeed(), clock.NewFake(testStart))
	logger := orclog.New(&orclog.Config{Level: "error", Format: orclog.FormatText, Output: io.Discard})
	locks := lock.NewManager(st, 30*time.Minute, logger)
	return NewController(st, locks, nil, config.Default(), logger), mock
}

func settledTicket(reactivations int) *store.Ticket {
	return &store.Ticket{
		ID:                3,
		ExternalID:        "TCK-3",
		Status:            status.TicketCompleted,
		ReactivationCount: reactivations,
	}
}

func TestKeywordClassifier(t *testing.T) {
	tests := []struct {
		name      string
		eventType string
		payload   string
		want      Action
	}{
		{"question comment", "issue.comment", `{"body":"does this handle retries?"}`, ActionAnswerQuestion},
		{"explicit reopen", "issue.reopened", `{}`, ActionReopen},
		{"new requirement", "issue.comment", `{"body":"new requirement: support CSV"}`, ActionReopen},
		{"change request", "issue.comment", `{"body":"please change the default"}`, ActionReopen},
		{"regression report", "issue.comment", `{"body":"this is still broken"}`, ActionReopen},
		{"noise", "issue.labeled", `{"label":"docs"}`, ActionIgnore},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := KeywordClassifier{}.Classify(context.Background(), nil, Event{
				EventType: tt.eventType,
				Payload:   json.RawMessage(tt.payload),
			})
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestHandleEventRequiresTerminalTicket(t *testing.T) {
	c, mock := newTestController(t)

	_, err := c.HandleEvent(context.Background(),
		&store.Ticket{ExternalID: "TCK-3", Status: status.TicketProcessing},
		Event{EventID: "evt-1", EventType: "issue.comment"})
	require.Error(t, err)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestHandleEventIgnoreOnlyRecordsTrigger(t *testing.T) {
	c, mock := newTestController(t)

	mock.ExpectExec(`INSERT INTO reactivation_triggers`).
		WillReturnResult(sqlmock.NewResult(1, 1))

	action, err := c.HandleEvent(context.Background(), settledTicket(0),
		Event{EventID: "evt-1", EventType: "issue.labeled", Payload: json.RawMessage(`{}`)})
	require.NoError(t, err)
	assert.Equal(t, ActionIgnore, action)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestReopenDuringCooldownIsSkipped(t *testing.T) {
	c, mock := newTestController(t)
	until := testStart.Add(10 * time.Minute)

	mock.ExpectQuery(`SELECT cooldown_until FROM tickets`).
		WillReturnRows(sqlmock.NewRows([]string{"cooldown_until"}).AddRow(until))
	mock.ExpectExec(`INSERT INTO reactivation_triggers`).
		WillReturnResult(sqlmock.NewResult(1, 1))

	_, err := c.HandleEvent(context.Background(), settledTicket(0),
		Event{EventID: "evt-2", EventType: "issue.reopened", Payload: json.RawMessage(`{}`)})
	require.Error(t, err)
	assert.True(t, orcerrors.IsTicketCoolingDown(err))
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestReopenBeyondDepthCapIsRefused(t *testing.T) {
	c, mock := newTestController(t)

	// No cooldown, lock acquired, but the chain is already at the cap.
	mock.ExpectQuery(`SELECT cooldown_until FROM tickets`).
		WillReturnRows(sqlmock.NewRows([]string{"cooldown_until"}).AddRow(nil))
	mock.ExpectExec(`UPDATE tickets\s+SET is_locked = TRUE`).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec(`INSERT INTO logs\.lock_events`).
		WillReturnResult(sqlmock.NewResult(1, 1))
	mock.ExpectExec(`INSERT INTO reactivation_triggers`).
		WillReturnResult(sqlmock.NewResult(1, 1))
	mock.ExpectExec(`UPDATE tickets\s+SET is_locked = FALSE`).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec(`INSERT INTO logs\.lock_events`).
		WillReturnResult(sqlmock.NewResult(2, 1))

	_, err := c.HandleEvent(context.Background(), settledTicket(20),
		Event{EventID: "evt-3", EventType: "issue.reopened", Payload: json.RawMessage(`{}`)})
	require.Error(t, err)
	assert.True(t, orcerrors.IsReactivationDepthExceeded(err))
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestReopenSnapshotsStatusAndEnqueues(t *testing.T) {
	c, mock := newTestController(t)

	mock.ExpectQuery(`SELECT cooldown_until FROM tickets`).
		WillReturnRows(sqlmock.NewRows([]string{"cooldown_until"}).AddRow(nil))
	mock.ExpectExec(`UPDATE tickets\s+SET is_locked = TRUE`).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec(`INSERT INTO logs\.lock_events`).
		WillReturnResult(sqlmock.NewResult(1, 1))

	// completed -> processing with the terminal status snapshotted.
	mock.ExpectExec(`UPDATE tickets SET status_id = \$1, last_changed_by = \$2, last_change_reason = \$3, previous_status_id = \$4`).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec(`UPDATE tickets\s+SET reactivation_count = reactivation_count \+ 1`).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectQuery(`INSERT INTO queue_entries`).
		WillReturnRows(sqlmock.NewRows([]string{"id"}).AddRow(int64(11)))
	mock.ExpectQuery(`FROM queue_entries q`).
		WillReturnRows(sqlmock.NewRows([]string{
			"id", "item_id", "payload", "priority", "status",
			"dispatch_handle", "is_reactivation", "run_id", "failure_reason",
			"enqueued_at", "started_at", "completed_at", "created_at", "updated_at",
		}).AddRow(int64(11), "TCK-3", []byte(`{}`), 5, "pending",
			"", true, nil, "", testStart, nil, nil, testStart, testStart))
	mock.ExpectExec(`INSERT INTO reactivation_triggers`).
		WillReturnResult(sqlmock.NewResult(1, 1))

	mock.ExpectExec(`UPDATE tickets\s+SET is_locked = FALSE`).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec(`INSERT INTO logs\.lock_events`).
		WillReturnResult(sqlmock.NewResult(2, 1))

	action, err := c.HandleEvent(context.Background(), settledTicket(0),
		Event{EventID: "evt-4", EventType: "issue.reopened", Payload: json.RawMessage(`{}`)})
	require.NoError(t, err)
	assert.Equal(t, ActionReopen, action)
	assert.NoError(t, mock.ExpectationsWereMet())
}
