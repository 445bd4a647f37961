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

package status

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRegistry_IsTransitionAllowed(t *testing.T) {
	r := NewFromSeed()

	tests := []struct {
		cat     Category
		from    string
		to      string
		allowed bool
	}{
		{CategoryRun, RunStarted, RunRunning, true},
		{CategoryRun, RunRunning, RunWaitingValidation, true},
		{CategoryRun, RunWaitingValidation, RunRunning, true},
		{CategoryRun, RunCompleted, RunRunning, false},
		{CategoryRun, RunFailed, RunRunning, false},
		{CategoryStep, StepRunning, StepPending, true}, // retry re-queues the step
		{CategoryStep, StepCompleted, StepRunning, false},
		{CategoryValidation, ValidationPending, ValidationAbandoned, true},
		{CategoryValidation, ValidationApproved, ValidationRejected, false},
		{CategoryQueue, QueueRunning, QueueTimeout, true},
		{CategoryQueue, QueueCompleted, QueueRunning, false},
		{CategoryTask, TicketFailed, TicketProcessing, true}, // reactivation
		{CategoryTask, TicketCompleted, TicketProcessing, true},
		{CategoryTask, TicketCompleted, TicketFailed, false},
	}
	for _, tt := range tests {
		got := r.IsTransitionAllowed(tt.cat, tt.from, tt.to)
		assert.Equal(t, tt.allowed, got, "%s: %s -> %s", tt.cat, tt.from, tt.to)
	}
}

func TestRegistry_StatusesFor(t *testing.T) {
	r := NewFromSeed()

	runStatuses := r.StatusesFor(CategoryRun)
	assert.ElementsMatch(t, []string{
		RunStarted, RunRunning, RunWaitingValidation,
		RunCompleted, RunFailed, RunCancelled,
	}, runStatuses)

	assert.Empty(t, r.StatusesFor(Category("bogus")))
}

func TestRegistry_IDFor(t *testing.T) {
	r := NewFromSeed()

	id, err := r.IDFor(CategoryRun, RunRunning)
	require.NoError(t, err)
	assert.Positive(t, id)

	other, err := r.IDFor(CategoryQueue, QueueRunning)
	require.NoError(t, err)
	assert.NotEqual(t, id, other, "same name in different categories must have distinct IDs")

	_, err = r.IDFor(CategoryRun, "nope")
	assert.Error(t, err)
}

func TestIsTerminal(t *testing.T) {
	for _, s := range []string{"completed", "failed", "cancelled", "timeout", "expired", "abandoned"} {
		assert.True(t, IsTerminal(s), s)
	}
	for _, s := range []string{"pending", "running", "waiting_validation", "started", "processing"} {
		assert.False(t, IsTerminal(s), s)
	}
}

// Every declared transition must reference statuses declared for its
// category, and no transition may leave a terminal state except in the task
// category (reactivation re-entry).
func TestSeedConsistency(t *testing.T) {
	r := NewFromSeed()

	for _, tr := range SeedTransitions() {
		assert.True(t, r.Has(tr.Category, tr.From), "%s missing %s", tr.Category, tr.From)
		assert.True(t, r.Has(tr.Category, tr.To), "%s missing %s", tr.Category, tr.To)
		if tr.Category != CategoryTask {
			assert.False(t, IsTerminal(tr.From),
				"%s declares transition out of terminal %s", tr.Category, tr.From)
		}
	}
}
