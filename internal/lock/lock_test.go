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

package lock

import (
	"context"
	"errors"
	"io"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/jmoiron/sqlx"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	orclog "github.com/forgeline/orchestrator/internal/log"
	"github.com/forgeline/orchestrator/internal/status"
	"github.com/forgeline/orchestrator/internal/store"
	"github.com/forgeline/orchestrator/pkg/clock"
	orcerrors "github.com/forgeline/orchestrator/pkg/errors"
)

var testStart = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

const testTTL = 30 * time.Minute

func newTestManager(t *testing.T) (*Manager, sqlmock.Sqlmock) {
	t.Helper()
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })

	st := store.New(sqlx.NewDb(db, "pgx"), status.NewFromSeed(), clock.NewFake(testStart))
	logger := orclog.New(&orclog.Config{Level: "error", Format: orclog.FormatText, Output: io.Discard})
	return NewManager(st, testTTL, logger), mock
}

func TestAcquire(t *testing.T) {
	m, mock := newTestManager(t)

	mock.ExpectExec(`UPDATE tickets\s+SET is_locked = TRUE`).
		WithArgs("worker-1", testStart, int64(7), testStart.Add(-testTTL)).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec(`INSERT INTO logs\.lock_events`).
		WithArgs(int64(7), "acquire", "worker-1", testStart).
		WillReturnResult(sqlmock.NewResult(1, 1))

	require.NoError(t, m.Acquire(context.Background(), 7, "worker-1"))
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestAcquireRefusedReportsHolder(t *testing.T) {
	m, mock := newTestManager(t)

	mock.ExpectExec(`UPDATE tickets\s+SET is_locked = TRUE`).
		WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectQuery(`FROM tickets t`).
		WillReturnRows(sqlmock.NewRows([]string{
			"id", "external_id", "title", "description", "repository_url",
			"status", "previous_status", "is_locked", "locked_by", "locked_at",
			"cooldown_until", "failed_reactivation_attempts", "reactivation_count",
			"last_run_id", "created_at", "updated_at",
		}).AddRow(int64(7), "TCK-7", "title", "", "", "processing", nil,
			true, "worker-9", testStart, nil, 0, 0, nil, testStart, testStart))

	err := m.Acquire(context.Background(), 7, "worker-1")
	require.Error(t, err)

	var refused *orcerrors.LockRefusedError
	require.True(t, errors.As(err, &refused))
	assert.Equal(t, "worker-9", refused.Holder)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestReleaseNotHeldIsNotAnError(t *testing.T) {
	m, mock := newTestManager(t)

	// The sweeper may have force-released it already; no event is written.
	mock.ExpectExec(`UPDATE tickets\s+SET is_locked = FALSE`).
		WillReturnResult(sqlmock.NewResult(0, 0))

	require.NoError(t, m.Release(context.Background(), 7, "worker-1"))
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestSweepOnce(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })

	st := store.New(sqlx.NewDb(db, "pgx"), status.NewFromSeed(), clock.NewFake(testStart))
	logger := orclog.New(&orclog.Config{Level: "error", Format: orclog.FormatText, Output: io.Discard})
	sweeper := NewSweeper(st, testTTL, testTTL/3, logger)

	mock.ExpectBegin()
	mock.ExpectQuery(`UPDATE tickets\s+SET is_locked = FALSE`).
		WillReturnRows(sqlmock.NewRows([]string{"id", "locked_by"}).AddRow(int64(3), "dead-worker"))
	mock.ExpectExec(`INSERT INTO logs\.lock_events`).
		WithArgs(int64(3), "dead-worker", testStart).
		WillReturnResult(sqlmock.NewResult(1, 1))
	mock.ExpectCommit()

	require.NoError(t, sweeper.SweepOnce(context.Background()))
	assert.NoError(t, mock.ExpectationsWereMet())
}
