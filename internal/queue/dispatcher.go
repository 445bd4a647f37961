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

// Package queue dispatches claimed queue entries into the run engine with a
// worker pool. Per-item serialization is enforced by the claim query; the
// dispatcher only adds the lock, the broker publish, and the entry
// bookkeeping around each run.
package queue

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/forgeline/orchestrator/internal/broker"
	"github.com/forgeline/orchestrator/internal/config"
	"github.com/forgeline/orchestrator/internal/engine"
	"github.com/forgeline/orchestrator/internal/lock"
	orclog "github.com/forgeline/orchestrator/internal/log"
	"github.com/forgeline/orchestrator/internal/metrics"
	"github.com/forgeline/orchestrator/internal/notify"
	"github.com/forgeline/orchestrator/internal/status"
	"github.com/forgeline/orchestrator/internal/store"
	orcerrors "github.com/forgeline/orchestrator/pkg/errors"
)

const (
	pollInterval    = 2 * time.Second
	lockRetries     = 3
	lockRetryPause  = 500 * time.Millisecond
	timeoutInterval = time.Minute
)

// Dispatcher pulls dispatchable entries and runs them.
type Dispatcher struct {
	store    *store.Store
	engine   *engine.Engine
	locks    *lock.Manager
	broker   broker.Broker
	notifier *notify.Notifier
	cfg      *config.Config
	logger   *slog.Logger
}

// New builds a dispatcher. The notifier may be nil.
func New(st *store.Store, eng *engine.Engine, locks *lock.Manager, br broker.Broker, nt *notify.Notifier, cfg *config.Config, logger *slog.Logger) *Dispatcher {
	return &Dispatcher{
		store:    st,
		engine:   eng,
		locks:    locks,
		broker:   br,
		notifier: nt,
		cfg:      cfg,
		logger:   orclog.WithComponent(logger, "dispatcher"),
	}
}

// Run starts the worker pool and the timeout loop, blocking until the
// context is cancelled.
func (d *Dispatcher) Run(ctx context.Context) error {
	g, ctx := errgroup.WithContext(ctx)

	for i := 0; i < d.cfg.DispatcherWorkers; i++ {
		workerID := fmt.Sprintf("dispatcher-%d", i)
		g.Go(func() error {
			return d.workerLoop(ctx, workerID)
		})
	}
	g.Go(func() error {
		return d.timeoutLoop(ctx)
	})

	return g.Wait()
}

func (d *Dispatcher) workerLoop(ctx context.Context, workerID string) error {
	ticker := time.NewTicker(pollInterval)
	defer ticker.Stop()

	for {
		// Drain everything dispatchable before sleeping. After each run
		// settles, the same item's next entry becomes claimable, so the
		// backlog empties without external re-triggering.
		for {
			claimed, err := d.DispatchOne(ctx, workerID)
			if err != nil {
				d.logger.Error("dispatch failed", orclog.Error(err),
					orclog.String("worker", workerID))
				break
			}
			if !claimed {
				break
			}
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
	}
}

// DispatchOne claims and executes a single entry. Returns false when the
// queue had nothing dispatchable.
func (d *Dispatcher) DispatchOne(ctx context.Context, workerID string) (bool, error) {
	entry, err := d.store.ClaimNextEntry(ctx, workerID)
	if err != nil {
		if orcerrors.IsNotFound(err) {
			return false, nil
		}
		return false, err
	}

	metrics.QueueWaitSeconds.Observe(d.store.Now().Sub(entry.EnqueuedAt).Seconds())
	if err := d.execute(ctx, workerID, entry); err != nil {
		return true, err
	}
	return true, nil
}

func (d *Dispatcher) execute(ctx context.Context, workerID string, entry *store.QueueEntry) error {
	logger := d.logger.With(orclog.Int64(orclog.EntryIDKey, entry.ID),
		orclog.String(orclog.TicketIDKey, entry.ItemID))

	ticket, err := d.store.GetTicket(ctx, entry.ItemID)
	if err != nil {
		return d.failEntry(ctx, workerID, entry, fmt.Sprintf("ticket lookup: %v", err))
	}

	if err := d.acquireLock(ctx, ticket.ID, workerID); err != nil {
		return d.failEntry(ctx, workerID, entry, fmt.Sprintf("lock refused: %v", err))
	}

	params := store.NewRunParams{
		IsReactivation: entry.IsReactivation,
	}
	if entry.IsReactivation && ticket.LastRunID != nil {
		params.ParentRunID = ticket.LastRunID
		params.ReactivationDepth = ticket.ReactivationCount
	}

	run, disp, runErr := d.engine.StartRun(ctx, ticket, params)
	if run != nil {
		handle, pubErr := d.broker.Publish(ctx, broker.DefaultStream, map[string]any{
			"run_id":    run.ID,
			"ticket_id": ticket.ExternalID,
			"entry_id":  entry.ID,
		})
		if pubErr != nil {
			logger.Warn("work order publish failed", orclog.Error(pubErr))
		} else {
			if err := d.store.BindDispatchHandle(ctx, run.ID, handle); err != nil {
				logger.Warn("failed to bind dispatch handle", orclog.Error(err))
			}
			if err := d.store.BindQueueEntryRun(ctx, entry.ID, run.ID, handle); err != nil {
				logger.Warn("failed to bind entry run", orclog.Error(err))
			}
		}
	}
	if runErr != nil {
		logger.Error("run execution error", orclog.Error(runErr))
	}

	return d.settle(ctx, workerID, entry, ticket, disp)
}

// settle records the run's disposition on the queue entry and the lock.
func (d *Dispatcher) settle(ctx context.Context, workerID string, entry *store.QueueEntry, ticket *store.Ticket, disp engine.RunDisposition) error {
	switch disp {
	case engine.RunSuspended:
		// The lock stays held and the entry parks in waiting_validation;
		// the validation sweeper renews the lock while the validation is
		// pending, and the validation manager settles both on the verdict.
		return d.store.UpdateQueueEntryStatus(ctx, entry.ID,
			status.QueueRunning, status.QueueWaitingValidation, workerID, "run awaiting validation")

	case engine.RunSettledCompleted:
		defer d.locks.Release(ctx, ticket.ID, workerID)
		d.announce(ctx, entry, ticket, status.RunCompleted, "")
		return d.store.UpdateQueueEntryStatus(ctx, entry.ID,
			status.QueueRunning, status.QueueCompleted, workerID, "run completed")

	case engine.RunSettledCancelled:
		defer d.locks.Release(ctx, ticket.ID, workerID)
		d.announce(ctx, entry, ticket, status.RunCancelled, "run cancelled")
		return d.store.UpdateQueueEntryStatus(ctx, entry.ID,
			status.QueueRunning, status.QueueCancelled, workerID, "run cancelled")

	default:
		defer d.locks.Release(ctx, ticket.ID, workerID)
		if entry.IsReactivation {
			fresh, err := d.store.GetTicketByID(ctx, ticket.ID)
			if err != nil {
				return err
			}
			cooldown := d.cfg.CooldownFor(fresh.FailedReactivationAttempts + 1)
			if err := d.store.SetCooldown(ctx, ticket.ID, d.store.Now().Add(cooldown)); err != nil {
				return err
			}
		}
		d.announce(ctx, entry, ticket, status.RunFailed, "run failed")
		return d.store.UpdateQueueEntryStatus(ctx, entry.ID,
			status.QueueRunning, status.QueueFailed, workerID, "run failed")
	}
}

func (d *Dispatcher) announce(ctx context.Context, entry *store.QueueEntry, ticket *store.Ticket, finalStatus, reason string) {
	if d.notifier == nil {
		return
	}
	runID := ""
	if entry.RunID != nil {
		runID = *entry.RunID
	}
	d.notifier.RunSettled(ctx, ticket.ExternalID, runID, finalStatus, reason)
}

func (d *Dispatcher) acquireLock(ctx context.Context, ticketID int64, workerID string) error {
	var err error
	for i := 0; i < lockRetries; i++ {
		if err = d.locks.Acquire(ctx, ticketID, workerID); err == nil {
			return nil
		}
		if !orcerrors.IsLockRefused(err) {
			return err
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(lockRetryPause):
		}
	}
	return err
}

// failEntry settles an entry that never reached the engine.
func (d *Dispatcher) failEntry(ctx context.Context, workerID string, entry *store.QueueEntry, reason string) error {
	if err := d.store.SetQueueEntryFailure(ctx, entry.ID, reason); err != nil {
		return err
	}
	return d.store.UpdateQueueEntryStatus(ctx, entry.ID,
		status.QueueRunning, status.QueueFailed, workerID, reason)
}

// timeoutLoop enforces the wall-clock budget on running entries.
func (d *Dispatcher) timeoutLoop(ctx context.Context) error {
	ticker := time.NewTicker(timeoutInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			if err := d.TimeoutOnce(ctx); err != nil {
				d.logger.Error("timeout sweep failed", orclog.Error(err))
			}
		}
	}
}

// TimeoutOnce times out over-budget entries and fails their runs. It also
// refreshes the queue depth gauge, piggybacking on the sweep cadence.
func (d *Dispatcher) TimeoutOnce(ctx context.Context) error {
	if depth, err := d.store.PendingQueueDepth(ctx); err == nil {
		metrics.QueueDepth.Set(float64(depth))
	}

	timedOut, err := d.store.TimeoutStaleEntries(ctx, d.cfg.QueueTimeout, "timeout-sweeper")
	if err != nil {
		return err
	}
	for _, e := range timedOut {
		budgetErr := &orcerrors.OrchestratorTimeoutError{EntryID: e.ID, Budget: d.cfg.QueueTimeout}
		d.logger.Warn("queue entry timed out",
			orclog.Int64(orclog.EntryIDKey, e.ID), orclog.Error(budgetErr))

		if e.RunID == nil {
			continue
		}
		run, err := d.store.GetRun(ctx, *e.RunID)
		if err != nil {
			if orcerrors.IsNotFound(err) {
				continue
			}
			return err
		}
		if status.IsTerminal(run.Status) {
			continue
		}
		if err := d.store.UpdateRunStatus(ctx, run.ID,
			run.Status, status.RunFailed, "timeout-sweeper", "orchestrator_timeout"); err != nil {
			d.logger.Error("failed to fail timed-out run",
				orclog.String(orclog.RunIDKey, run.ID), orclog.Error(err))
			continue
		}
		if err := d.store.SetRunFailureReason(ctx, run.ID, "orchestrator_timeout"); err != nil {
			return err
		}
	}
	return nil
}
