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

// Package reactivate decides what to do with inbound events that reference a
// ticket already in a terminal state, and spawns child runs for the ones
// that reopen it.
package reactivate

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"

	"github.com/forgeline/orchestrator/internal/config"
	"github.com/forgeline/orchestrator/internal/lock"
	orclog "github.com/forgeline/orchestrator/internal/log"
	"github.com/forgeline/orchestrator/internal/metrics"
	"github.com/forgeline/orchestrator/internal/status"
	"github.com/forgeline/orchestrator/internal/store"
	orcerrors "github.com/forgeline/orchestrator/pkg/errors"
)

const changedByController = "reactivation-controller"
const lockHolder = "reactivation-controller"

// Action is a classification of an inbound event against a settled ticket.
type Action string

const (
	ActionIgnore         Action = "ignore"
	ActionReopen         Action = "reopen_with_new_requirement"
	ActionAnswerQuestion Action = "answer_question"

	// Recorded outcomes for reopen attempts that could not proceed.
	actionSkippedCooldown Action = "skipped_cooldown"
	actionSkippedLocked   Action = "skipped_locked"
	actionDepthExceeded   Action = "depth_exceeded"
	actionReopened        Action = "reopened"
)

// Event is the inbound update being classified.
type Event struct {
	EventID   string
	EventType string
	Payload   json.RawMessage
}

// Classifier decides what an inbound event means for a settled ticket. The
// real classifier lives outside the orchestrator; it is an external analyzer
// reached over the messaging surface.
type Classifier interface {
	Classify(ctx context.Context, ticket *store.Ticket, ev Event) (Action, error)
}

// KeywordClassifier is the built-in fallback classifier: comment-like events
// mentioning a new requirement reopen, question-like ones are answered, and
// everything else is ignored.
type KeywordClassifier struct{}

// Classify inspects the event type and payload text.
func (KeywordClassifier) Classify(_ context.Context, _ *store.Ticket, ev Event) (Action, error) {
	body := strings.ToLower(string(ev.Payload))
	switch {
	case strings.Contains(ev.EventType, "comment") && strings.Contains(body, "?"):
		return ActionAnswerQuestion, nil
	case strings.Contains(ev.EventType, "reopen"),
		strings.Contains(body, "requirement"),
		strings.Contains(body, "please change"),
		strings.Contains(body, "still broken"):
		return ActionReopen, nil
	default:
		return ActionIgnore, nil
	}
}

// Controller handles events that target settled tickets.
type Controller struct {
	store      *store.Store
	locks      *lock.Manager
	classifier Classifier
	cfg        *config.Config
	logger     *slog.Logger
}

// NewController builds a reactivation controller.
func NewController(st *store.Store, locks *lock.Manager, cls Classifier, cfg *config.Config, logger *slog.Logger) *Controller {
	if cls == nil {
		cls = KeywordClassifier{}
	}
	return &Controller{
		store:      st,
		locks:      locks,
		classifier: cls,
		cfg:        cfg,
		logger:     orclog.WithComponent(logger, "reactivate"),
	}
}

// HandleEvent classifies the event against the settled ticket and, on
// reopen, moves the ticket back to processing and enqueues a reactivation
// entry. Every classification outcome is recorded as a trigger row.
func (c *Controller) HandleEvent(ctx context.Context, ticket *store.Ticket, ev Event) (Action, error) {
	if !status.IsTerminal(ticket.Status) {
		return "", fmt.Errorf("ticket %s is not in a terminal state", ticket.ExternalID)
	}

	action, err := c.classifier.Classify(ctx, ticket, ev)
	if err != nil {
		return "", fmt.Errorf("failed to classify event: %w", err)
	}
	metrics.Reactivations.WithLabelValues(string(action)).Inc()

	if action != ActionReopen {
		if err := c.record(ctx, ticket.ID, action, ev); err != nil {
			return "", err
		}
		return action, nil
	}

	if err := c.reopen(ctx, ticket, ev); err != nil {
		return "", err
	}
	return ActionReopen, nil
}

// reopen performs the guarded reopen path: cooldown, lock, depth cap, then
// status snapshot and enqueue.
func (c *Controller) reopen(ctx context.Context, ticket *store.Ticket, ev Event) error {
	cooling, until, err := c.store.CooldownRemaining(ctx, ticket.ID)
	if err != nil {
		return err
	}
	if cooling {
		if err := c.record(ctx, ticket.ID, actionSkippedCooldown, ev); err != nil {
			return err
		}
		return &orcerrors.TicketCoolingDownError{TicketID: ticket.ExternalID, Until: until}
	}

	if err := c.locks.Acquire(ctx, ticket.ID, lockHolder); err != nil {
		if orcerrors.IsLockRefused(err) {
			if rerr := c.record(ctx, ticket.ID, actionSkippedLocked, ev); rerr != nil {
				return rerr
			}
		}
		return err
	}
	defer c.locks.Release(ctx, ticket.ID, lockHolder)

	if ticket.ReactivationCount+1 > c.cfg.MaxReactivationDepth {
		if err := c.record(ctx, ticket.ID, actionDepthExceeded, ev); err != nil {
			return err
		}
		return &orcerrors.ReactivationDepthExceededError{
			TicketID: ticket.ExternalID,
			Depth:    ticket.ReactivationCount + 1,
			Max:      c.cfg.MaxReactivationDepth,
		}
	}

	// UpdateTicketStatus snapshots the terminal status into
	// previous_status as part of the same write.
	if err := c.store.UpdateTicketStatus(ctx, ticket.ID,
		ticket.Status, status.TicketProcessing, changedByController, "reopened: "+ev.EventType); err != nil {
		return err
	}
	if err := c.store.IncrementReactivationCount(ctx, ticket.ID); err != nil {
		return err
	}

	if _, err := c.store.EnqueueEntry(ctx, store.EnqueueParams{
		ItemID:         ticket.ExternalID,
		Payload:        ev.Payload,
		IsReactivation: true,
	}); err != nil {
		return err
	}
	if err := c.record(ctx, ticket.ID, actionReopened, ev); err != nil {
		return err
	}

	c.logger.Info("ticket reopened for reactivation",
		orclog.String(orclog.TicketIDKey, ticket.ExternalID),
		orclog.Int("reactivation_count", ticket.ReactivationCount+1))
	return nil
}

func (c *Controller) record(ctx context.Context, ticketID int64, action Action, ev Event) error {
	detail, err := json.Marshal(map[string]string{
		"event_id":   ev.EventID,
		"event_type": ev.EventType,
	})
	if err != nil {
		return fmt.Errorf("failed to encode trigger detail: %w", err)
	}
	return c.store.RecordReactivationTrigger(ctx, ticketID, string(action), detail)
}

// Tree returns the run chain for a ticket, newest first, by walking
// parent_run_id from the last run. The walk is bounded by the configured
// depth cap so a corrupted cycle terminates.
func (c *Controller) Tree(ctx context.Context, externalID string) ([]store.Run, error) {
	ticket, err := c.store.GetTicket(ctx, externalID)
	if err != nil {
		return nil, err
	}
	if ticket.LastRunID == nil {
		return c.store.ListRunsForTicket(ctx, ticket.ID)
	}
	return c.store.RunChain(ctx, *ticket.LastRunID, c.cfg.MaxReactivationDepth)
}
