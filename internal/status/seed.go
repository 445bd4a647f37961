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

// SeedStatus is one row of the status_types reference table.
type SeedStatus struct {
	Category Category
	Name     string
	Terminal bool
}

// SeedTransition is one row of the status_transitions reference table.
type SeedTransition struct {
	Category Category
	From     string
	To       string
}

// SeedStatuses returns the canonical status_types rows. Row order is stable;
// migrate assigns IDs in this order.
func SeedStatuses() []SeedStatus {
	return []SeedStatus{
		{CategoryTask, TicketPending, false},
		{CategoryTask, TicketProcessing, false},
		{CategoryTask, TicketTesting, false},
		{CategoryTask, TicketDebugging, false},
		{CategoryTask, TicketQualityCheck, false},
		{CategoryTask, TicketAwaitingValidation, false},
		{CategoryTask, TicketCompleted, true},
		{CategoryTask, TicketFailed, true},

		{CategoryRun, RunStarted, false},
		{CategoryRun, RunRunning, false},
		{CategoryRun, RunWaitingValidation, false},
		{CategoryRun, RunCompleted, true},
		{CategoryRun, RunFailed, true},
		{CategoryRun, RunCancelled, true},

		{CategoryStep, StepPending, false},
		{CategoryStep, StepRunning, false},
		{CategoryStep, StepCompleted, true},
		{CategoryStep, StepFailed, true},
		{CategoryStep, StepSkipped, true},

		{CategoryValidation, ValidationPending, false},
		{CategoryValidation, ValidationApproved, true},
		{CategoryValidation, ValidationRejected, true},
		{CategoryValidation, ValidationChangesRequested, true},
		{CategoryValidation, ValidationExpired, true},
		{CategoryValidation, ValidationAbandoned, true},

		{CategoryQueue, QueuePending, false},
		{CategoryQueue, QueueRunning, false},
		{CategoryQueue, QueueWaitingValidation, false},
		{CategoryQueue, QueueCompleted, true},
		{CategoryQueue, QueueFailed, true},
		{CategoryQueue, QueueCancelled, true},
		{CategoryQueue, QueueTimeout, true},
	}
}

// SeedTransitions returns the canonical status_transitions rows.
//
// The task category declares outbound transitions from its terminal states:
// reactivation snapshots the terminal status into previous_status and moves
// the ticket back to processing.
func SeedTransitions() []SeedTransition {
	return []SeedTransition{
		// task
		{CategoryTask, TicketPending, TicketProcessing},
		{CategoryTask, TicketPending, TicketFailed},
		{CategoryTask, TicketProcessing, TicketTesting},
		{CategoryTask, TicketProcessing, TicketFailed},
		{CategoryTask, TicketTesting, TicketDebugging},
		{CategoryTask, TicketTesting, TicketQualityCheck},
		{CategoryTask, TicketTesting, TicketFailed},
		{CategoryTask, TicketDebugging, TicketTesting},
		{CategoryTask, TicketDebugging, TicketFailed},
		{CategoryTask, TicketQualityCheck, TicketAwaitingValidation},
		{CategoryTask, TicketQualityCheck, TicketFailed},
		{CategoryTask, TicketAwaitingValidation, TicketCompleted},
		{CategoryTask, TicketAwaitingValidation, TicketFailed},
		{CategoryTask, TicketCompleted, TicketProcessing},
		{CategoryTask, TicketFailed, TicketProcessing},

		// run
		{CategoryRun, RunStarted, RunRunning},
		{CategoryRun, RunStarted, RunFailed},
		{CategoryRun, RunStarted, RunCancelled},
		{CategoryRun, RunRunning, RunWaitingValidation},
		{CategoryRun, RunRunning, RunCompleted},
		{CategoryRun, RunRunning, RunFailed},
		{CategoryRun, RunRunning, RunCancelled},
		{CategoryRun, RunWaitingValidation, RunRunning},
		{CategoryRun, RunWaitingValidation, RunFailed},
		{CategoryRun, RunWaitingValidation, RunCancelled},

		// step
		{CategoryStep, StepPending, StepRunning},
		{CategoryStep, StepPending, StepSkipped},
		{CategoryStep, StepPending, StepFailed},
		{CategoryStep, StepRunning, StepCompleted},
		{CategoryStep, StepRunning, StepFailed},
		{CategoryStep, StepRunning, StepPending},

		// validation
		{CategoryValidation, ValidationPending, ValidationApproved},
		{CategoryValidation, ValidationPending, ValidationRejected},
		{CategoryValidation, ValidationPending, ValidationChangesRequested},
		{CategoryValidation, ValidationPending, ValidationExpired},
		{CategoryValidation, ValidationPending, ValidationAbandoned},

		// queue
		{CategoryQueue, QueuePending, QueueRunning},
		{CategoryQueue, QueuePending, QueueCancelled},
		{CategoryQueue, QueueRunning, QueueWaitingValidation},
		{CategoryQueue, QueueRunning, QueueCompleted},
		{CategoryQueue, QueueRunning, QueueFailed},
		{CategoryQueue, QueueRunning, QueueCancelled},
		{CategoryQueue, QueueRunning, QueueTimeout},
		{CategoryQueue, QueueWaitingValidation, QueueRunning},
		{CategoryQueue, QueueWaitingValidation, QueueCompleted},
		{CategoryQueue, QueueWaitingValidation, QueueFailed},
		{CategoryQueue, QueueWaitingValidation, QueueCancelled},
		{CategoryQueue, QueueWaitingValidation, QueueTimeout},
	}
}

// NewFromSeed builds a registry directly from the canonical seed data.
// Startup loads the registry from the database instead so that operators can
// extend the tables without a rebuild; this constructor serves tests and
// migrate itself.
func NewFromSeed() *Registry {
	r := &Registry{
		statuses:    make(map[Category]map[string]int),
		transitions: make(map[Category]map[transitionKey]bool),
	}
	for i, s := range SeedStatuses() {
		if r.statuses[s.Category] == nil {
			r.statuses[s.Category] = make(map[string]int)
		}
		r.statuses[s.Category][s.Name] = i + 1
	}
	for _, t := range SeedTransitions() {
		if r.transitions[t.Category] == nil {
			r.transitions[t.Category] = make(map[transitionKey]bool)
		}
		r.transitions[t.Category][transitionKey{from: t.From, to: t.To}] = true
	}
	return r
}
