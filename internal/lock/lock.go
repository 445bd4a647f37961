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

// Package lock provides advisory per-ticket locking with TTL-based staleness
// recovery. A lock held past its TTL is treated as abandoned by a crashed
// holder and may be taken over or swept.
package lock

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	orclog "github.com/forgeline/orchestrator/internal/log"
	"github.com/forgeline/orchestrator/internal/metrics"
	"github.com/forgeline/orchestrator/internal/store"
	orcerrors "github.com/forgeline/orchestrator/pkg/errors"
)

// Manager acquires and releases ticket locks.
type Manager struct {
	store  *store.Store
	ttl    time.Duration
	logger *slog.Logger
}

// NewManager builds a lock manager with the given TTL.
func NewManager(st *store.Store, ttl time.Duration, logger *slog.Logger) *Manager {
	return &Manager{
		store:  st,
		ttl:    ttl,
		logger: orclog.WithComponent(logger, "lock"),
	}
}

// TTL returns the configured lock TTL.
func (m *Manager) TTL() time.Duration {
	return m.ttl
}

// Acquire takes the ticket lock for holder, or returns LockRefused when a
// live holder already has it. A stale lock is taken over silently; the
// previous holder is presumed dead.
func (m *Manager) Acquire(ctx context.Context, ticketID int64, holder string) error {
	ok, err := m.store.TryAcquireLock(ctx, ticketID, holder, m.ttl)
	if err != nil {
		return fmt.Errorf("failed to acquire lock for ticket %d: %w", ticketID, err)
	}
	if !ok {
		metrics.LocksAcquired.WithLabelValues("refused").Inc()
		t, err := m.store.GetTicketByID(ctx, ticketID)
		current := ""
		if err == nil && t.LockedBy != nil {
			current = *t.LockedBy
		}
		return &orcerrors.LockRefusedError{TicketID: fmt.Sprint(ticketID), Holder: current}
	}

	metrics.LocksAcquired.WithLabelValues("acquired").Inc()
	if err := m.store.RecordLockEvent(ctx, ticketID, "acquire", holder); err != nil {
		m.logger.Warn("failed to record lock event",
			orclog.Int64(orclog.TicketIDKey, ticketID), orclog.Error(err))
	}
	m.logger.Debug("lock acquired",
		orclog.Int64(orclog.TicketIDKey, ticketID),
		orclog.String(orclog.HolderKey, holder))
	return nil
}

// Release gives the lock back. Releasing a lock the holder no longer owns is
// not an error: the sweeper may have force-released it already.
func (m *Manager) Release(ctx context.Context, ticketID int64, holder string) error {
	ok, err := m.store.ReleaseLock(ctx, ticketID, holder)
	if err != nil {
		return fmt.Errorf("failed to release lock for ticket %d: %w", ticketID, err)
	}
	if !ok {
		m.logger.Warn("lock already released",
			orclog.Int64(orclog.TicketIDKey, ticketID),
			orclog.String(orclog.HolderKey, holder))
		return nil
	}
	if err := m.store.RecordLockEvent(ctx, ticketID, "release", holder); err != nil {
		m.logger.Warn("failed to record lock event",
			orclog.Int64(orclog.TicketIDKey, ticketID), orclog.Error(err))
	}
	return nil
}

// Sweeper periodically force-releases stale locks. The sweep interval is a
// fraction of the TTL so a stale lock is recovered promptly after expiry.
type Sweeper struct {
	store    *store.Store
	ttl      time.Duration
	interval time.Duration
	logger   *slog.Logger
}

// NewSweeper builds a sweeper that runs every interval.
func NewSweeper(st *store.Store, ttl, interval time.Duration, logger *slog.Logger) *Sweeper {
	return &Sweeper{
		store:    st,
		ttl:      ttl,
		interval: interval,
		logger:   orclog.WithComponent(logger, "lock-sweeper"),
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
				s.logger.Error("lock sweep failed", orclog.Error(err))
			}
		}
	}
}

// SweepOnce force-releases every stale lock and reports what it freed.
func (s *Sweeper) SweepOnce(ctx context.Context) error {
	released, err := s.store.ForceReleaseStaleLocks(ctx, s.ttl)
	if err != nil {
		return err
	}
	for _, id := range released {
		metrics.LocksForceReleased.Inc()
		s.logger.Info("force-released stale lock", orclog.Int64(orclog.TicketIDKey, id))
	}
	return nil
}
