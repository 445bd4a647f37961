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
	"log/slog"

	"github.com/forgeline/orchestrator/internal/store"
)

// Outcome is a handler's verdict on its step.
type Outcome int

const (
	// OutcomeCompleted finishes the step and advances the run.
	OutcomeCompleted Outcome = iota

	// OutcomeSuspend parks the run until a human validates the proposed
	// output. Only the validation step may return it.
	OutcomeSuspend

	// OutcomeRetry re-queues the step after a backoff, until the step's
	// retry budget is spent.
	OutcomeRetry

	// OutcomeFail fails the step and the run immediately.
	OutcomeFail
)

// String returns the outcome name for logs.
func (o Outcome) String() string {
	switch o {
	case OutcomeCompleted:
		return "completed"
	case OutcomeSuspend:
		return "suspend"
	case OutcomeRetry:
		return "retry"
	case OutcomeFail:
		return "fail"
	default:
		return "unknown"
	}
}

// Result is what a handler produced for its step.
type Result struct {
	Outcome Outcome

	// Output is persisted as the step's output document.
	Output json.RawMessage

	// Checkpoint, when set, is persisted as a continuation point. A
	// retried or recovered step starts from the latest checkpoint.
	Checkpoint json.RawMessage

	// Reason explains a retry or failure.
	Reason string

	// ValidationPayload is the document shown to the human validator when
	// the outcome is OutcomeSuspend.
	ValidationPayload json.RawMessage
}

// RunContext is everything a handler may read while executing its step.
type RunContext struct {
	Ticket *store.Ticket
	Run    *store.Run
	Step   *store.Step

	// Checkpoint is the latest persisted continuation point for the step,
	// nil on a fresh start.
	Checkpoint json.RawMessage

	// PriorOutputs maps completed step names to their output documents.
	PriorOutputs map[string]json.RawMessage

	Store  *store.Store
	Logger *slog.Logger
}

// Handler executes one named step of a run.
type Handler interface {
	// Name is the step name the handler serves.
	Name() string

	// Execute runs the step. An error return is an infrastructure
	// failure and is retried like OutcomeRetry; domain verdicts travel
	// in the Result.
	Execute(ctx context.Context, rc *RunContext) (Result, error)
}

// HandlerFunc adapts a function to the Handler interface.
type HandlerFunc struct {
	StepName string
	Fn       func(ctx context.Context, rc *RunContext) (Result, error)
}

// Name returns the step name.
func (h HandlerFunc) Name() string { return h.StepName }

// Execute calls the wrapped function.
func (h HandlerFunc) Execute(ctx context.Context, rc *RunContext) (Result, error) {
	return h.Fn(ctx, rc)
}
