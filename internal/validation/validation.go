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

// Package validation is the human rendezvous point: a suspended run parks
// behind a validation UUID, and the decision that arrives under that UUID
// resumes, fails, or abandons the run.
package validation

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/forgeline/orchestrator/internal/config"
	"github.com/forgeline/orchestrator/internal/engine"
	"github.com/forgeline/orchestrator/internal/lock"
	orclog "github.com/forgeline/orchestrator/internal/log"
	"github.com/forgeline/orchestrator/internal/metrics"
	"github.com/forgeline/orchestrator/internal/status"
	"github.com/forgeline/orchestrator/internal/store"
	orcerrors "github.com/forgeline/orchestrator/pkg/errors"
)

const changedByValidator = "validator"
const changedBySweeper = "validation-sweeper"

// Decision is a human verdict on a pending validation.
type Decision string

const (
	DecisionApproved         Decision = "approved"
	DecisionRejected         Decision = "rejected"
	DecisionChangesRequested Decision = "changes_requested"
)

// ParseDecision maps a wire value to a Decision.
func ParseDecision(s string) (Decision, error) {
	switch Decision(s) {
	case DecisionApproved, DecisionRejected, DecisionChangesRequested:
		return Decision(s), nil
	default:
		return "", fmt.Errorf("unknown decision %q", s)
	}
}

// Manager settles validations and drives the consequences into the owning
// run, its queue entry, the dispatcher's ticket lock, and the ticket.
type Manager struct {
	store  *store.Store
	engine *engine.Engine
	locks  *lock.Manager
	cfg    *config.Config
	logger *slog.Logger
}

// NewManager builds a validation manager.
func NewManager(st *store.Store, eng *engine.Engine, locks *lock.Manager, cfg *config.Config, logger *slog.Logger) *Manager {
	return &Manager{
		store:  st,
		engine: eng,
		locks:  locks,
		cfg:    cfg,
		logger: orclog.WithComponent(logger, "validation"),
	}
}

// Respond records a human decision for the validation with the given UUID
// and settles the run accordingly. A decision for an unknown UUID is
// NotFound; for an already-settled validation, Conflict; for one past its
// expiry, ValidationExpired (the validation is expired as a side effect).
func (m *Manager) Respond(ctx context.Context, correlationUUID string, decision Decision, comments, validatorID string) (*store.Validation, error) {
	v, err := m.store.GetValidationByUUID(ctx, correlationUUID)
	if err != nil {
		return nil, err
	}
	if v.Status != status.ValidationPending {
		return nil, &orcerrors.ConflictError{
			Resource: "validation",
			ID:       correlationUUID,
			Reason:   "already " + v.Status,
		}
	}
	if !m.store.Now().Before(v.ExpiresAt) {
		if err := m.expireOne(ctx, v, changedByValidator); err != nil {
			return nil, err
		}
		return nil, &orcerrors.ValidationExpiredError{UUID: correlationUUID, ExpiredAt: v.ExpiresAt}
	}

	switch decision {
	case DecisionApproved:
		err = m.approve(ctx, v, comments, validatorID)
	case DecisionRejected:
		err = m.reject(ctx, v, comments, validatorID)
	case DecisionChangesRequested:
		err = m.requestChanges(ctx, v, comments, validatorID)
	default:
		return nil, fmt.Errorf("unknown decision %q", decision)
	}
	if err != nil {
		return nil, err
	}
	return m.store.GetValidationByUUID(ctx, correlationUUID)
}

// approve resumes the run at the step after the validation rendezvous.
func (m *Manager) approve(ctx context.Context, v *store.Validation, comments, validatorID string) error {
	if err := m.store.UpdateValidationStatus(ctx, v.ID,
		status.ValidationPending, status.ValidationApproved, changedByValidator, "approved by "+validatorID); err != nil {
		return err
	}
	if err := m.store.CreateValidationResponse(ctx, v.ID, string(DecisionApproved), comments, validatorID); err != nil {
		return err
	}
	metrics.ValidationsSettled.WithLabelValues(status.ValidationApproved).Inc()

	if err := m.store.UpdateStepStatus(ctx, v.StepID,
		status.StepRunning, status.StepCompleted, changedByValidator, "validation approved"); err != nil {
		return err
	}
	if err := m.store.UpdateRunStatus(ctx, v.RunID,
		status.RunWaitingValidation, status.RunRunning, changedByValidator, "validation approved"); err != nil {
		return err
	}

	m.logger.Info("validation approved, resuming run",
		orclog.String(orclog.ValidationKey, v.CorrelationUUID),
		orclog.String(orclog.RunIDKey, v.RunID))
	disp, err := m.engine.Resume(ctx, v.RunID)
	if err != nil {
		return err
	}
	if err := m.engine.SettleEntryForRun(ctx, v.RunID, disp, changedByValidator, "validation approved"); err != nil {
		return err
	}
	// A resumed run can suspend again on a later rendezvous; the entry and
	// lock then stay parked for the next decision.
	if disp != engine.RunSuspended {
		m.releaseRunLock(ctx, v.RunID)
	}
	return nil
}

// releaseRunLock gives back the dispatcher's ticket lock once the parked run
// has settled. Best effort: the lock sweeper reclaims anything missed here.
func (m *Manager) releaseRunLock(ctx context.Context, runID string) {
	run, err := m.store.GetRun(ctx, runID)
	if err != nil {
		m.logger.Warn("failed to look up run for lock release",
			orclog.String(orclog.RunIDKey, runID), orclog.Error(err))
		return
	}
	ticket, err := m.store.GetTicketByID(ctx, run.TicketID)
	if err != nil {
		m.logger.Warn("failed to look up ticket for lock release",
			orclog.String(orclog.RunIDKey, runID), orclog.Error(err))
		return
	}
	m.releaseTicketLock(ctx, ticket)
}

func (m *Manager) releaseTicketLock(ctx context.Context, ticket *store.Ticket) {
	if !ticket.IsLocked || ticket.LockedBy == nil {
		return
	}
	if err := m.locks.Release(ctx, ticket.ID, *ticket.LockedBy); err != nil {
		m.logger.Warn("failed to release ticket lock after validation",
			orclog.Int64(orclog.TicketIDKey, ticket.ID), orclog.Error(err))
	}
}

// reject settles the run as failed. The rejection chain is counted across
// the ticket's successive validations; reaching the limit abandons instead
// of rejecting, and nothing further on this chain is answerable.
func (m *Manager) reject(ctx context.Context, v *store.Validation, comments, validatorID string) error {
	newCount := v.RejectionCount + 1

	final := status.ValidationRejected
	reason := fmt.Sprintf("rejected by %s (%d of %d)", validatorID, newCount, m.cfg.MaxRejections)
	if newCount >= m.cfg.MaxRejections {
		final = status.ValidationAbandoned
		reason = "validation_abandoned_limit"
	}

	if err := m.store.UpdateValidationStatus(ctx, v.ID,
		status.ValidationPending, final, changedByValidator, reason); err != nil {
		return err
	}
	if err := m.store.CreateValidationResponse(ctx, v.ID, string(DecisionRejected), comments, validatorID); err != nil {
		return err
	}
	metrics.ValidationsSettled.WithLabelValues(final).Inc()

	return m.failSuspendedRun(ctx, v, changedByValidator, reason)
}

// requestChanges fails the run so the reactivation controller can spawn a
// child run carrying the reviewer's comments.
func (m *Manager) requestChanges(ctx context.Context, v *store.Validation, comments, validatorID string) error {
	if err := m.store.UpdateValidationStatus(ctx, v.ID,
		status.ValidationPending, status.ValidationChangesRequested, changedByValidator, "changes requested"); err != nil {
		return err
	}
	if err := m.store.CreateValidationResponse(ctx, v.ID, string(DecisionChangesRequested), comments, validatorID); err != nil {
		return err
	}
	metrics.ValidationsSettled.WithLabelValues(status.ValidationChangesRequested).Inc()

	return m.failSuspendedRun(ctx, v, changedByValidator, "changes_requested")
}

// failSuspendedRun settles a waiting run after a negative or expired
// validation, together with its queue entry, the dispatcher's ticket lock,
// the ticket, and the cooldown. Leaving the entry in waiting_validation
// would block the item's queue head forever.
func (m *Manager) failSuspendedRun(ctx context.Context, v *store.Validation, changedBy, reason string) error {
	if err := m.store.UpdateStepStatus(ctx, v.StepID,
		status.StepRunning, status.StepFailed, changedBy, reason); err != nil && !orcerrors.IsConflict(err) {
		return err
	}
	if err := m.store.UpdateRunStatus(ctx, v.RunID,
		status.RunWaitingValidation, status.RunFailed, changedBy, reason); err != nil {
		return err
	}
	if err := m.store.SetRunFailureReason(ctx, v.RunID, reason); err != nil {
		return err
	}
	metrics.RunsSettled.WithLabelValues(status.RunFailed).Inc()

	run, err := m.store.GetRun(ctx, v.RunID)
	if err != nil {
		return err
	}
	ticket, err := m.store.GetTicketByID(ctx, run.TicketID)
	if err != nil {
		return err
	}
	if !status.IsTerminal(ticket.Status) {
		if err := m.store.UpdateTicketStatus(ctx, ticket.ID,
			ticket.Status, status.TicketFailed, changedBy, reason); err != nil {
			return err
		}
	}
	// Failed runs record last_run_id here; the trigger covers completions.
	if err := m.store.SetTicketLastRun(ctx, ticket.ID, v.RunID); err != nil {
		return err
	}

	if err := m.engine.SettleEntryForRun(ctx, v.RunID, engine.RunSettledFailed, changedBy, reason); err != nil {
		return err
	}
	m.releaseTicketLock(ctx, ticket)

	cooldown := m.cfg.CooldownFor(ticket.FailedReactivationAttempts + 1)
	until := m.store.Now().Add(cooldown)
	if err := m.store.SetCooldown(ctx, ticket.ID, until); err != nil {
		return err
	}
	m.logger.Info("run failed after validation",
		orclog.String(orclog.RunIDKey, v.RunID),
		orclog.String(orclog.ReasonKey, reason),
		orclog.Duration("cooldown_ms", cooldown.Milliseconds()))
	return nil
}

// expireOne settles a single validation as expired and fails its run.
func (m *Manager) expireOne(ctx context.Context, v *store.Validation, changedBy string) error {
	if err := m.store.UpdateValidationStatus(ctx, v.ID,
		status.ValidationPending, status.ValidationExpired, changedBy, "validation TTL elapsed"); err != nil {
		return err
	}
	metrics.ValidationsSettled.WithLabelValues(status.ValidationExpired).Inc()
	return m.failSuspendedRun(ctx, v, changedBy, "validation_expired")
}

// Sweeper expires overdue validations and keeps locks of legitimately
// parked runs alive.
type Sweeper struct {
	manager  *Manager
	store    *store.Store
	interval time.Duration
	logger   *slog.Logger
}

// NewSweeper builds a validation sweeper.
func NewSweeper(m *Manager, st *store.Store, interval time.Duration, logger *slog.Logger) *Sweeper {
	return &Sweeper{
		manager:  m,
		store:    st,
		interval: interval,
		logger:   orclog.WithComponent(logger, "validation-sweeper"),
	}
}

// Run sweeps until the context is cancelled.
func (s *Sweeper) Run(ctx context.Context) error {
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			if err := s.SweepOnce(ctx); err != nil {
				s.logger.Error("validation sweep failed", orclog.Error(err))
			}
		}
	}
}

// SweepOnce expires overdue validations and fails their runs, then renews
// the ticket locks of runs still legitimately waiting on a pending
// validation so the lock sweeper does not yank them mid-wait.
func (s *Sweeper) SweepOnce(ctx context.Context) error {
	expired, err := s.store.ExpirePendingValidations(ctx, changedBySweeper)
	if err != nil {
		return err
	}
	for _, v := range expired {
		metrics.ValidationsSettled.WithLabelValues(status.ValidationExpired).Inc()
		if err := s.manager.failSuspendedRun(ctx, &v, changedBySweeper, "validation_expired"); err != nil {
			s.logger.Error("failed to settle run of expired validation",
				orclog.String(orclog.ValidationKey, v.CorrelationUUID), orclog.Error(err))
		}
	}

	waiting, err := s.store.ListRunsByStatus(ctx, status.RunWaitingValidation)
	if err != nil {
		return err
	}
	for _, run := range waiting {
		if _, err := s.store.PendingValidationForRun(ctx, run.ID); err != nil {
			if orcerrors.IsNotFound(err) {
				continue
			}
			return err
		}
		if _, err := s.store.TouchLock(ctx, run.TicketID); err != nil {
			s.logger.Warn("failed to renew lock for waiting run",
				orclog.String(orclog.RunIDKey, run.ID), orclog.Error(err))
		}
	}
	return nil
}
