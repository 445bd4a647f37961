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

package engine

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/forgeline/orchestrator/internal/status"
	"github.com/forgeline/orchestrator/internal/store"
)

func validationRow(id int64, uuid, statusName string, rejections int, parent any) *sqlmock.Rows {
	return sqlmock.NewRows([]string{
		"id", "correlation_uuid", "run_id", "step_id", "status", "payload",
		"rejection_count", "parent_validation_id", "expires_at", "created_at", "updated_at",
	}).AddRow(id, uuid, "run-2", "step-av", statusName, []byte(`{}`),
		rejections, parent, testStart.Add(72*time.Hour), testStart, testStart)
}

// A reactivation run suspending after its parent was rejected must continue
// the parent's rejection chain: the new validation carries the accumulated
// count and links back, so the abandon limit can trip across runs.
func TestSuspendContinuesRejectionChain(t *testing.T) {
	e, mock := newTestEngine(t)

	parent := "run-parent"
	run := &store.Run{ID: "run-2", TicketID: 1, Status: status.RunRunning, ParentRunID: &parent}
	ticket := &store.Ticket{ID: 1, ExternalID: "TCK-1", Status: status.TicketAwaitingValidation}
	st := &store.Step{ID: "step-av", RunID: "run-2", Name: StepAwaitValidation}

	// The parent run's validation was the chain's second rejection.
	mock.ExpectQuery(`FROM validations v`).
		WillReturnRows(validationRow(7, "uuid-7", status.ValidationRejected, 1, nil))
	mock.ExpectExec(`INSERT INTO validations`).
		WithArgs(sqlmock.AnyArg(), "run-2", "step-av", sqlmock.AnyArg(),
			[]byte(`{}`), 2, int64(7), testStart.Add(72*time.Hour)).
		WillReturnResult(sqlmock.NewResult(8, 1))
	mock.ExpectQuery(`FROM validations v`).
		WillReturnRows(validationRow(8, "uuid-8", status.ValidationPending, 2, int64(7)))
	mock.ExpectExec(`UPDATE runs SET`).WillReturnResult(sqlmock.NewResult(0, 1))

	err := e.suspendRun(context.Background(), run, ticket, st, Result{
		Outcome:           OutcomeSuspend,
		ValidationPayload: json.RawMessage(`{}`),
	})
	require.NoError(t, err)
	assert.NoError(t, mock.ExpectationsWereMet())
}

// A first-generation run has no parent and starts a fresh chain.
func TestSuspendFirstRunStartsFreshChain(t *testing.T) {
	e, mock := newTestEngine(t)

	run := &store.Run{ID: "run-2", TicketID: 1, Status: status.RunRunning}
	ticket := &store.Ticket{ID: 1, ExternalID: "TCK-1", Status: status.TicketAwaitingValidation}
	st := &store.Step{ID: "step-av", RunID: "run-2", Name: StepAwaitValidation}

	mock.ExpectExec(`INSERT INTO validations`).
		WithArgs(sqlmock.AnyArg(), "run-2", "step-av", sqlmock.AnyArg(),
			[]byte(`{}`), 0, nil, testStart.Add(72*time.Hour)).
		WillReturnResult(sqlmock.NewResult(1, 1))
	mock.ExpectQuery(`FROM validations v`).
		WillReturnRows(validationRow(1, "uuid-1", status.ValidationPending, 0, nil))
	mock.ExpectExec(`UPDATE runs SET`).WillReturnResult(sqlmock.NewResult(0, 1))

	err := e.suspendRun(context.Background(), run, ticket, st, Result{
		Outcome:           OutcomeSuspend,
		ValidationPayload: json.RawMessage(`{}`),
	})
	require.NoError(t, err)
	assert.NoError(t, mock.ExpectationsWereMet())
}
