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

import "github.com/forgeline/orchestrator/internal/status"

// Canonical step names in execution order.
const (
	StepPrepare         = "prepare"
	StepAnalyze         = "analyze"
	StepImplement       = "implement"
	StepTest            = "test"
	StepQualityCheck    = "quality_check"
	StepFinalize        = "finalize"
	StepAwaitValidation = "await_validation"
	StepMerge           = "merge"
	StepNotify          = "notify"
)

// DefaultPlan returns the canonical step sequence for a run.
func DefaultPlan() []string {
	return []string{
		StepPrepare,
		StepAnalyze,
		StepImplement,
		StepTest,
		StepQualityCheck,
		StepFinalize,
		StepAwaitValidation,
		StepMerge,
		StepNotify,
	}
}

// ticketStatusForStep maps a step about to execute to the ticket status that
// should be visible while it runs. Steps not listed leave the ticket status
// alone.
var ticketStatusForStep = map[string]string{
	StepImplement:       status.TicketProcessing,
	StepTest:            status.TicketTesting,
	StepQualityCheck:    status.TicketQualityCheck,
	StepAwaitValidation: status.TicketAwaitingValidation,
}

// ticketProgression is the canonical forward path of a ticket. The ticket
// state machine has no skip edges, so advancing to a later stage walks
// through every intermediate one.
var ticketProgression = []string{
	status.TicketPending,
	status.TicketProcessing,
	status.TicketTesting,
	status.TicketQualityCheck,
	status.TicketAwaitingValidation,
	status.TicketCompleted,
}

// progressionIndex returns the position of a status on the canonical path,
// or -1 for statuses off the path (debugging, failed).
func progressionIndex(name string) int {
	for i, s := range ticketProgression {
		if s == name {
			return i
		}
	}
	return -1
}
