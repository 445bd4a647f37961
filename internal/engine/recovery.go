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
	"time"

	orclog "github.com/forgeline/orchestrator/internal/log"
	"github.com/forgeline/orchestrator/internal/status"
	orcerrors "github.com/forgeline/orchestrator/pkg/errors"
)

// RecoverOrphans finds runs left in the running status by a crashed process.
// A run whose interrupted step has a checkpoint is resumable: the step is
// reset to pending and the run ID returned so the caller can resume it, with
// the handler continuing from the checkpoint. A step caught mid-flight with
// no checkpoint has lost its work; that run is failed with orphan_on_restart
// and its queue entry settled.
func (e *Engine) RecoverOrphans(ctx context.Context) ([]string, error) {
	orphans, err := e.store.ListRunsByStatus(ctx, status.RunRunning)
	if err != nil {
		return nil, err
	}

	var recovered []string
	for i := range orphans {
		run := &orphans[i]
		steps, err := e.store.StepsForRun(ctx, run.ID)
		if err != nil {
			return nil, err
		}

		resumable := true
		for _, st := range steps {
			if st.Status != status.StepRunning {
				continue
			}
			orphanErr := &orcerrors.OrphanOnRestartError{RunID: run.ID, Step: st.Name}
			if _, cpErr := e.store.LatestCheckpoint(ctx, st.ID); cpErr != nil {
				if !orcerrors.IsNotFound(cpErr) {
					return nil, cpErr
				}
				resumable = false
				if err := e.store.UpdateStepStatus(ctx, st.ID,
					status.StepRunning, status.StepFailed, changedByEngine, orphanErr.Error()); err != nil {
					return nil, err
				}
				continue
			}
			if err := e.store.UpdateStepStatus(ctx, st.ID,
				status.StepRunning, status.StepPending, changedByEngine, orphanErr.Error()); err != nil {
				return nil, err
			}
			e.logger.Warn("recovered orphaned step",
				orclog.String(orclog.RunIDKey, run.ID),
				orclog.String(orclog.StepKey, st.Name))
		}

		if !resumable {
			ticket, err := e.store.GetTicketByID(ctx, run.TicketID)
			if err != nil {
				return nil, err
			}
			if err := e.failRun(ctx, run, ticket, "orphan_on_restart"); err != nil {
				return nil, err
			}
			if err := e.SettleEntryForRun(ctx, run.ID, RunSettledFailed, changedByEngine, "orphan_on_restart"); err != nil {
				return nil, err
			}
			e.logger.Warn("failed unresumable orphaned run",
				orclog.String(orclog.RunIDKey, run.ID))
			continue
		}
		recovered = append(recovered, run.ID)
	}
	return recovered, nil
}

// SettleEntryForRun moves the run's bound queue entry to the status matching
// how the run settled. A run with no live entry is a no-op; runs started by
// recovery or cancelled out-of-band may have none.
func (e *Engine) SettleEntryForRun(ctx context.Context, runID string, disp RunDisposition, changedBy, reason string) error {
	entry, err := e.store.ActiveEntryForRun(ctx, runID)
	if err != nil {
		if orcerrors.IsNotFound(err) {
			return nil
		}
		return err
	}

	var to string
	switch disp {
	case RunSettledCompleted:
		to = status.QueueCompleted
	case RunSettledCancelled:
		to = status.QueueCancelled
	case RunSuspended:
		to = status.QueueWaitingValidation
	default:
		to = status.QueueFailed
	}
	if entry.Status == to {
		return nil
	}
	if to == status.QueueFailed {
		if err := e.store.SetQueueEntryFailure(ctx, entry.ID, reason); err != nil {
			return err
		}
	}
	return e.store.UpdateQueueEntryStatus(ctx, entry.ID, entry.Status, to, changedBy, reason)
}

// Cancel stops a run. A run waiting on validation is cancelled immediately
// and its pending validation abandoned. A running run is given grace to
// reach its next persistence point; the status flip makes the engine's next
// write conflict, which it treats as the run having settled under it.
func (e *Engine) Cancel(ctx context.Context, runID, reason string, grace time.Duration) error {
	run, err := e.store.GetRun(ctx, runID)
	if err != nil {
		return err
	}

	switch run.Status {
	case status.RunWaitingValidation:
		if v, err := e.store.PendingValidationForRun(ctx, runID); err == nil {
			if err := e.store.UpdateValidationStatus(ctx, v.ID,
				status.ValidationPending, status.ValidationAbandoned, changedByEngine, reason); err != nil {
				return err
			}
		} else if !orcerrors.IsNotFound(err) {
			return err
		}
	case status.RunRunning:
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(grace):
		}
		// Re-read after grace; the run may have settled on its own. One
		// still running ignored the window, and that becomes the reason.
		run, err = e.store.GetRun(ctx, runID)
		if err != nil {
			return err
		}
		if !status.IsTerminal(run.Status) {
			reason = "cancel_grace_exceeded"
		}
	}

	if status.IsTerminal(run.Status) {
		return nil
	}
	if err := e.store.UpdateRunStatus(ctx, runID,
		run.Status, status.RunCancelled, changedByEngine, reason); err != nil {
		return err
	}
	return e.store.SetRunFailureReason(ctx, runID, reason)
}
