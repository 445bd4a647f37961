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

// Package errors defines the typed errors surfaced by the orchestrator core.
package errors

import (
	"fmt"
	"time"
)

// InvalidTransitionError is returned when a status change is rejected by the
// status registry. The write is aborted; the caller decides whether to fail
// the owning run.
type InvalidTransitionError struct {
	// Category is the entity category (task, run, step, validation, queue)
	Category string

	// From is the current status
	From string

	// To is the requested status
	To string
}

// Error implements the error interface.
func (e *InvalidTransitionError) Error() string {
	return fmt.Sprintf("invalid %s transition: %s -> %s", e.Category, e.From, e.To)
}

// ConcurrentStatusChangeError is returned when a compare-and-update status
// write affects zero rows because another writer won the race.
type ConcurrentStatusChangeError struct {
	// Entity is the entity kind (ticket, run, step, validation, queue_entry)
	Entity string

	// ID is the entity identifier
	ID string

	// Expected is the status the writer expected to find
	Expected string
}

// Error implements the error interface.
func (e *ConcurrentStatusChangeError) Error() string {
	return fmt.Sprintf("concurrent status change on %s %s (expected %s)", e.Entity, e.ID, e.Expected)
}

// ConflictError is surfaced after compare-and-update retries are exhausted,
// and for duplicate validation responses.
type ConflictError struct {
	// Resource is the type of resource (e.g., "run", "validation")
	Resource string

	// ID is the conflicting identifier
	ID string

	// Reason explains the conflict
	Reason string
}

// Error implements the error interface.
func (e *ConflictError) Error() string {
	return fmt.Sprintf("conflict on %s %s: %s", e.Resource, e.ID, e.Reason)
}

// LockRefusedError is returned when the advisory ticket lock is held by
// another holder. Not an error to users; callers queue instead.
type LockRefusedError struct {
	// TicketID is the ticket whose lock was refused
	TicketID string

	// Holder is the current lock holder, if known
	Holder string
}

// Error implements the error interface.
func (e *LockRefusedError) Error() string {
	if e.Holder != "" {
		return fmt.Sprintf("lock refused for ticket %s (held by %s)", e.TicketID, e.Holder)
	}
	return fmt.Sprintf("lock refused for ticket %s", e.TicketID)
}

// TicketCoolingDownError is returned when a ticket has an active cooldown.
// The intake records a trigger row and reports accepted-with-skip.
type TicketCoolingDownError struct {
	// TicketID is the cooling-down ticket
	TicketID string

	// Until is when the cooldown expires
	Until time.Time
}

// Error implements the error interface.
func (e *TicketCoolingDownError) Error() string {
	return fmt.Sprintf("ticket %s is cooling down until %s", e.TicketID, e.Until.Format(time.RFC3339))
}

// ValidationExpiredError is returned when a validation response arrives after
// the validation's TTL has passed.
type ValidationExpiredError struct {
	// UUID is the validation correlation UUID
	UUID string

	// ExpiredAt is the validation's expiry time
	ExpiredAt time.Time
}

// Error implements the error interface.
func (e *ValidationExpiredError) Error() string {
	return fmt.Sprintf("validation %s expired at %s", e.UUID, e.ExpiredAt.Format(time.RFC3339))
}

// ReactivationDepthExceededError is returned when a reactivation chain is
// deeper than the configured cap. Requires a manual reset.
type ReactivationDepthExceededError struct {
	// TicketID is the ticket whose chain is too deep
	TicketID string

	// Depth is the attempted reactivation depth
	Depth int

	// Max is the configured cap
	Max int
}

// Error implements the error interface.
func (e *ReactivationDepthExceededError) Error() string {
	return fmt.Sprintf("reactivation depth %d exceeds cap %d for ticket %s", e.Depth, e.Max, e.TicketID)
}

// OrphanOnRestartError is returned by crash recovery when a mid-flight step
// cannot be safely resumed. The run is failed with its state preserved.
type OrphanOnRestartError struct {
	// RunID is the orphaned run
	RunID string

	// Step is the step that was mid-flight
	Step string
}

// Error implements the error interface.
func (e *OrphanOnRestartError) Error() string {
	return fmt.Sprintf("run %s orphaned on restart at step %s", e.RunID, e.Step)
}

// OrchestratorTimeoutError is returned when a queue entry exceeds its
// wall-clock budget.
type OrchestratorTimeoutError struct {
	// EntryID is the timed-out queue entry
	EntryID int64

	// Budget is the configured wall-clock budget
	Budget time.Duration
}

// Error implements the error interface.
func (e *OrchestratorTimeoutError) Error() string {
	return fmt.Sprintf("queue entry %d exceeded budget %v", e.EntryID, e.Budget)
}

// ModifyDeletedError is returned when a write targets a soft-deleted row.
type ModifyDeletedError struct {
	// Entity is the entity kind
	Entity string

	// ID is the soft-deleted identifier
	ID string
}

// Error implements the error interface.
func (e *ModifyDeletedError) Error() string {
	return fmt.Sprintf("cannot modify soft-deleted %s %s", e.Entity, e.ID)
}

// NotFoundError is returned when a requested entity does not exist or is
// soft-deleted.
type NotFoundError struct {
	// Resource is the type of resource (e.g., "ticket", "run", "validation")
	Resource string

	// ID is the identifier that was not found
	ID string
}

// Error implements the error interface.
func (e *NotFoundError) Error() string {
	return fmt.Sprintf("%s not found: %s", e.Resource, e.ID)
}
