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

// Package engine drives runs through their step sequence. Every state change
// is persisted before the next step starts, so a crashed engine can be
// recovered from the database alone.
package engine

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	orclog "github.com/forgeline/orchestrator/internal/log"
	"github.com/forgeline/orchestrator/internal/metrics"
	"github.com/forgeline/orchestrator/internal/status"
	"github.com/forgeline/orchestrator/internal/store"
	"github.com/forgeline/orchestrator/pkg/clock"
	orcerrors "github.com/forgeline/orchestrator/pkg/errors"
)

const changedByEngine = "engine"

// Config tunes run execution.
type Config struct {
	// MaxStepRetries is the default retry budget per step.
	MaxStepRetries int

	// RetryBackoffBase scales the linear per-retry backoff: the nth retry
	// waits n times the base.
	RetryBackoffBase time.Duration

	// ValidationTTL bounds how long a run may wait for a human decision.
	ValidationTTL time.Duration
}

// RunDisposition is what became of a run the engine executed.
type RunDisposition int

const (
	// RunSettledCompleted means the run finished all steps.
	RunSettledCompleted RunDisposition = iota

	// RunSettledFailed means a step exhausted its budget or failed hard.
	RunSettledFailed

	// RunSuspended means the run is parked awaiting human validation.
	RunSuspended

	// RunSettledCancelled means cancellation interrupted the run.
	RunSettledCancelled
)

// Engine executes runs with registered step handlers.
type Engine struct {
	store    *store.Store
	cfg      Config
	clock    clock.Clock
	logger   *slog.Logger
	handlers map[string]Handler

	// onSuspend, when set, is told about every new validation rendezvous
	// so the messaging surface can carry the UUID to a human.
	onSuspend func(ctx context.Context, ticketExternalID, runID, correlationUUID string)
}

// OnSuspend installs the validation-announcement hook.
func (e *Engine) OnSuspend(fn func(ctx context.Context, ticketExternalID, runID, correlationUUID string)) {
	e.onSuspend = fn
}

// New builds an engine. Handlers are registered afterwards; executing a step
// with no handler fails the run.
func New(st *store.Store, cfg Config, clk clock.Clock, logger *slog.Logger) *Engine {
	if clk == nil {
		clk = clock.RealClock{}
	}
	return &Engine{
		store:    st,
		cfg:      cfg,
		clock:    clk,
		logger:   orclog.WithComponent(logger, "engine"),
		handlers: make(map[string]Handler),
	}
}

// Register installs a handler for its step name, replacing any previous one.
func (e *Engine) Register(h Handler) {
	e.handlers[h.Name()] = h
}

// StartRun creates a run for the ticket with the canonical plan and executes
// it. The caller holds the ticket lock.
func (e *Engine) StartRun(ctx context.Context, ticket *store.Ticket, params store.NewRunParams) (*store.Run, RunDisposition, error) {
	params.TicketID = ticket.ID
	run, err := e.store.CreateRun(ctx, params)
	if err != nil {
		return nil, RunSettledFailed, err
	}
	steps, err := e.store.CreateSteps(ctx, run.ID, DefaultPlan(), e.cfg.MaxStepRetries)
	if err != nil {
		return nil, RunSettledFailed, err
	}

	// A reactivation run picks up from analysis; the workspace from the
	// parent run still stands.
	if params.IsReactivation {
		for _, st := range steps {
			if st.Name == StepPrepare {
				if err := e.store.UpdateStepStatus(ctx, st.ID,
					status.StepPending, status.StepSkipped, changedByEngine, "reactivation starts at analyze"); err != nil {
					return nil, RunSettledFailed, err
				}
			}
		}
	}

	kind := "initial"
	if params.IsReactivation {
		kind = "reactivation"
	}
	metrics.RunsStarted.WithLabelValues(kind).Inc()

	if err := e.store.UpdateRunStatus(ctx, run.ID,
		status.RunStarted, status.RunRunning, changedByEngine, "plan created"); err != nil {
		return nil, RunSettledFailed, err
	}

	if ticket.Status == status.TicketPending {
		if err := e.advanceTicket(ctx, ticket.ID, status.TicketPending, status.TicketProcessing, "run started"); err != nil {
			return nil, RunSettledFailed, err
		}
	}

	disp, err := e.execute(ctx, run.ID)
	return run, disp, err
}

// Resume continues a run that is in the running status, picking up at its
// first non-terminal step. Used after crash recovery resets the active step.
func (e *Engine) Resume(ctx context.Context, runID string) (RunDisposition, error) {
	return e.execute(ctx, runID)
}

// execute walks the run's steps in order until the run settles or suspends.
func (e *Engine) execute(ctx context.Context, runID string) (RunDisposition, error) {
	run, err := e.store.GetRun(ctx, runID)
	if err != nil {
		return RunSettledFailed, err
	}
	ticket, err := e.store.GetTicketByID(ctx, run.TicketID)
	if err != nil {
		return RunSettledFailed, err
	}
	logger := orclog.WithRunContext(e.logger, ticket.ExternalID, run.ID)

	steps, err := e.store.StepsForRun(ctx, run.ID)
	if err != nil {
		return RunSettledFailed, err
	}

	outputs := make(map[string]json.RawMessage)
	for _, st := range steps {
		if st.Status == status.StepCompleted && st.OutputData != nil {
			outputs[st.Name] = st.OutputData
		}
	}

	for i := range steps {
		st := &steps[i]
		switch st.Status {
		case status.StepCompleted, status.StepSkipped:
			continue
		case status.StepFailed:
			return RunSettledFailed, e.failRun(ctx, run, ticket, fmt.Sprintf("step %s already failed", st.Name))
		}

		if err := ctx.Err(); err != nil {
			return RunSettledCancelled, e.cancelRun(ctx, run, ticket, "shutdown during execution")
		}

		disp, done, err := e.executeStep(ctx, logger, ticket, run, st, outputs)
		if err != nil || done {
			return disp, err
		}
	}

	return RunSettledCompleted, e.completeRun(ctx, run, ticket)
}

// executeStep drives one step through its retry loop. done reports that the
// run settled or suspended inside the call.
func (e *Engine) executeStep(ctx context.Context, logger *slog.Logger, ticket *store.Ticket, run *store.Run, st *store.Step, outputs map[string]json.RawMessage) (RunDisposition, bool, error) {
	handler, ok := e.handlers[st.Name]
	if !ok {
		return RunSettledFailed, true, e.failStepAndRun(ctx, run, ticket, st, "no handler registered for step")
	}

	if want, ok := ticketStatusForStep[st.Name]; ok {
		if err := e.progressTicket(ctx, ticket, want, "entering step "+st.Name); err != nil {
			return RunSettledFailed, true, err
		}
	}

	progress := (st.StepOrder - 1) * 100 / len(DefaultPlan())
	if err := e.store.SetRunProgress(ctx, run.ID, progress, st.Name); err != nil {
		return RunSettledFailed, true, err
	}

	for {
		fresh, err := e.store.GetStep(ctx, st.ID)
		if err != nil {
			return RunSettledFailed, true, err
		}
		*st = *fresh

		if st.Status == status.StepPending {
			if err := e.store.UpdateStepStatus(ctx, st.ID,
				status.StepPending, status.StepRunning, changedByEngine, "step started"); err != nil {
				return RunSettledFailed, true, err
			}
		}

		var checkpoint json.RawMessage
		if cp, err := e.store.LatestCheckpoint(ctx, st.ID); err == nil {
			checkpoint = cp.Payload
		} else if !orcerrors.IsNotFound(err) {
			return RunSettledFailed, true, err
		}

		rc := &RunContext{
			Ticket:       ticket,
			Run:          run,
			Step:         st,
			Checkpoint:   checkpoint,
			PriorOutputs: outputs,
			Store:        e.store,
			Logger:       orclog.WithStepContext(logger, run.ID, st.Name),
		}

		result, err := handler.Execute(ctx, rc)
		if err != nil {
			result = Result{Outcome: OutcomeRetry, Reason: err.Error()}
		}

		if result.Checkpoint != nil {
			if err := e.store.SaveCheckpoint(ctx, run.ID, st.ID, result.Checkpoint); err != nil {
				return RunSettledFailed, true, err
			}
		}

		switch result.Outcome {
		case OutcomeCompleted:
			if result.Output != nil {
				if err := e.store.SaveStepOutput(ctx, st.ID, result.Output); err != nil {
					return RunSettledFailed, true, err
				}
				outputs[st.Name] = result.Output
			}
			if err := e.store.UpdateStepStatus(ctx, st.ID,
				status.StepRunning, status.StepCompleted, changedByEngine, "handler completed"); err != nil {
				return RunSettledFailed, true, err
			}
			if err := e.store.SetRunProgress(ctx, run.ID, st.StepOrder*100/len(DefaultPlan()), st.Name); err != nil {
				return RunSettledFailed, true, err
			}
			return 0, false, nil

		case OutcomeSuspend:
			return RunSuspended, true, e.suspendRun(ctx, run, ticket, st, result)

		case OutcomeFail:
			return RunSettledFailed, true, e.failStepAndRun(ctx, run, ticket, st, result.Reason)

		case OutcomeRetry:
			retries, err := e.store.IncrementStepRetry(ctx, st.ID)
			if err != nil {
				return RunSettledFailed, true, err
			}
			metrics.StepRetries.WithLabelValues(st.Name).Inc()
			if retries > st.MaxRetries {
				reason := fmt.Sprintf("retry budget exhausted: %s", result.Reason)
				return RunSettledFailed, true, e.failStepAndRun(ctx, run, ticket, st, reason)
			}
			if err := e.store.UpdateStepStatus(ctx, st.ID,
				status.StepRunning, status.StepPending, changedByEngine, "retry "+result.Reason); err != nil {
				return RunSettledFailed, true, err
			}
			if err := e.debugDetour(ctx, ticket, st); err != nil {
				return RunSettledFailed, true, err
			}

			backoff := time.Duration(retries) * e.cfg.RetryBackoffBase
			rc.Logger.Info("retrying step",
				orclog.Int("retry", retries),
				orclog.Duration("backoff_ms", backoff.Milliseconds()),
				orclog.String(orclog.ReasonKey, result.Reason))
			select {
			case <-ctx.Done():
				return RunSettledCancelled, true, e.cancelRun(ctx, run, ticket, "shutdown during backoff")
			case <-time.After(backoff):
			}

		default:
			return RunSettledFailed, true, e.failStepAndRun(ctx, run, ticket, st,
				fmt.Sprintf("handler returned unknown outcome %d", result.Outcome))
		}
	}
}

// debugDetour reflects a failing test step in the ticket status: the ticket
// dips into debugging for the retry and testing is restored on re-entry.
func (e *Engine) debugDetour(ctx context.Context, ticket *store.Ticket, st *store.Step) error {
	if st.Name != StepTest || ticket.Status != status.TicketTesting {
		return nil
	}
	if err := e.advanceTicket(ctx, ticket.ID, status.TicketTesting, status.TicketDebugging, "test step retrying"); err != nil {
		return err
	}
	ticket.Status = status.TicketDebugging
	if err := e.advanceTicket(ctx, ticket.ID, status.TicketDebugging, status.TicketTesting, "re-running tests"); err != nil {
		return err
	}
	ticket.Status = status.TicketTesting
	return nil
}

// suspendRun parks the run pending human validation.
func (e *Engine) suspendRun(ctx context.Context, run *store.Run, ticket *store.Ticket, st *store.Step, result Result) error {
	params := store.NewValidationParams{
		RunID:   run.ID,
		StepID:  st.ID,
		Payload: result.ValidationPayload,
		TTL:     e.cfg.ValidationTTL,
	}
	// A run spawned by a negative verdict continues the parent's rejection
	// chain: the counter rides on each new validation so the abandon limit
	// spans runs.
	if run.ParentRunID != nil {
		prior, err := e.store.LatestValidationForRun(ctx, *run.ParentRunID)
		switch {
		case err == nil:
			switch prior.Status {
			case status.ValidationRejected:
				params.RejectionCount = prior.RejectionCount + 1
				params.ParentValidationID = &prior.ID
			case status.ValidationChangesRequested:
				params.RejectionCount = prior.RejectionCount
				params.ParentValidationID = &prior.ID
			}
		case !orcerrors.IsNotFound(err):
			return err
		}
	}

	v, err := e.store.CreateValidation(ctx, params)
	if err != nil {
		return err
	}
	if err := e.store.UpdateRunStatus(ctx, run.ID,
		status.RunRunning, status.RunWaitingValidation, changedByEngine, "awaiting human validation"); err != nil {
		return err
	}
	e.logger.Info("run suspended for validation",
		orclog.String(orclog.RunIDKey, run.ID),
		orclog.String(orclog.ValidationKey, v.CorrelationUUID))
	if e.onSuspend != nil {
		e.onSuspend(ctx, ticket.ExternalID, run.ID, v.CorrelationUUID)
	}
	return nil
}

// completeRun settles the run and the ticket as successful. The database
// trigger clears the ticket cooldown and records the last run.
func (e *Engine) completeRun(ctx context.Context, run *store.Run, ticket *store.Ticket) error {
	if err := e.store.UpdateRunStatus(ctx, run.ID,
		status.RunRunning, status.RunCompleted, changedByEngine, "all steps completed"); err != nil {
		return err
	}
	metrics.RunsSettled.WithLabelValues(status.RunCompleted).Inc()
	e.observeDuration(ctx, run.ID)

	fresh, err := e.store.GetTicketByID(ctx, ticket.ID)
	if err != nil {
		return err
	}
	if fresh.Status == status.TicketAwaitingValidation {
		if err := e.advanceTicket(ctx, ticket.ID,
			status.TicketAwaitingValidation, status.TicketCompleted, "run completed"); err != nil {
			return err
		}
	}
	return nil
}

// failRun settles the run as failed and the ticket with it.
func (e *Engine) failRun(ctx context.Context, run *store.Run, ticket *store.Ticket, reason string) error {
	fresh, err := e.store.GetRun(ctx, run.ID)
	if err != nil {
		return err
	}
	if !status.IsTerminal(fresh.Status) {
		if err := e.store.UpdateRunStatus(ctx, run.ID,
			fresh.Status, status.RunFailed, changedByEngine, reason); err != nil {
			return err
		}
	}
	if err := e.store.SetRunFailureReason(ctx, run.ID, reason); err != nil {
		return err
	}
	// The completion trigger records last_run_id only for successful runs;
	// failed runs record it here so a reactivation can link to its parent.
	if err := e.store.SetTicketLastRun(ctx, ticket.ID, run.ID); err != nil {
		return err
	}
	metrics.RunsSettled.WithLabelValues(status.RunFailed).Inc()
	e.observeDuration(ctx, run.ID)

	freshTicket, err := e.store.GetTicketByID(ctx, ticket.ID)
	if err != nil {
		return err
	}
	if !status.IsTerminal(freshTicket.Status) {
		if err := e.advanceTicket(ctx, ticket.ID, freshTicket.Status, status.TicketFailed, reason); err != nil {
			return err
		}
	}
	return nil
}

func (e *Engine) failStepAndRun(ctx context.Context, run *store.Run, ticket *store.Ticket, st *store.Step, reason string) error {
	fresh, err := e.store.GetStep(ctx, st.ID)
	if err != nil {
		return err
	}
	if !status.IsTerminal(fresh.Status) {
		if err := e.store.UpdateStepStatus(ctx, st.ID,
			fresh.Status, status.StepFailed, changedByEngine, reason); err != nil {
			return err
		}
	}
	return e.failRun(ctx, run, ticket, fmt.Sprintf("step %s: %s", st.Name, reason))
}

// cancelRun settles the run as cancelled; the ticket is failed so the queue
// can move on, with the cancellation recorded as the reason.
func (e *Engine) cancelRun(ctx context.Context, run *store.Run, ticket *store.Ticket, reason string) error {
	fresh, err := e.store.GetRun(ctx, run.ID)
	if err != nil {
		return err
	}
	if !status.IsTerminal(fresh.Status) {
		if err := e.store.UpdateRunStatus(ctx, run.ID,
			fresh.Status, status.RunCancelled, changedByEngine, reason); err != nil {
			return err
		}
	}
	if err := e.store.SetRunFailureReason(ctx, run.ID, reason); err != nil {
		return err
	}
	if err := e.store.SetTicketLastRun(ctx, ticket.ID, run.ID); err != nil {
		return err
	}
	metrics.RunsSettled.WithLabelValues(status.RunCancelled).Inc()

	freshTicket, err := e.store.GetTicketByID(ctx, ticket.ID)
	if err != nil {
		return err
	}
	if !status.IsTerminal(freshTicket.Status) {
		if err := e.advanceTicket(ctx, ticket.ID, freshTicket.Status, status.TicketFailed, reason); err != nil {
			return err
		}
	}
	return nil
}

// progressTicket advances the ticket along the canonical progression to the
// wanted status, walking intermediate stages one transition at a time.
func (e *Engine) progressTicket(ctx context.Context, ticket *store.Ticket, want, reason string) error {
	cur := progressionIndex(ticket.Status)
	target := progressionIndex(want)
	if cur < 0 || target < 0 || target <= cur {
		return nil
	}
	for i := cur + 1; i <= target; i++ {
		from := ticketProgression[i-1]
		to := ticketProgression[i]
		if err := e.advanceTicket(ctx, ticket.ID, from, to, reason); err != nil {
			return err
		}
		ticket.Status = to
	}
	return nil
}

func (e *Engine) advanceTicket(ctx context.Context, ticketID int64, from, to, reason string) error {
	return e.store.UpdateTicketStatus(ctx, ticketID, from, to, changedByEngine, reason)
}

func (e *Engine) observeDuration(ctx context.Context, runID string) {
	run, err := e.store.GetRun(ctx, runID)
	if err != nil || run.DurationMS == nil {
		return
	}
	metrics.RunDurationSeconds.Observe(float64(*run.DurationMS) / 1000)
}
