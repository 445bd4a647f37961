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

package store

import (
	"context"
	"encoding/json"
	"fmt"
	"time"
)

// RecordWebhookEvent appends the raw event to the partitioned event log and
// claims its event ID in the dedup table. Returns false when the ID was seen
// within the dedup window, in which case nothing is logged.
func (s *Store) RecordWebhookEvent(ctx context.Context, source, eventID, eventType string, payload json.RawMessage, window time.Duration) (bool, error) {
	now := s.clock.Now()

	// Claim the ID first. ON CONFLICT keeps the claim atomic under
	// concurrent deliveries of the same event.
	res, err := s.db.ExecContext(ctx, `
		INSERT INTO event_dedup (event_id, seen_at)
		VALUES ($1, $2)
		ON CONFLICT (event_id) DO UPDATE SET seen_at = EXCLUDED.seen_at
		WHERE event_dedup.seen_at < $3
	`, eventID, now, now.Add(-window))
	if err != nil {
		return false, fmt.Errorf("failed to claim event id: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("failed to read rows affected: %w", err)
	}
	if n == 0 {
		return false, nil
	}

	if _, err := s.db.ExecContext(ctx, `
		INSERT INTO logs.webhook_events (source, event_id, event_type, payload, received_at)
		VALUES ($1, $2, $3, $4, $5)
	`, source, eventID, eventType, payload, now); err != nil {
		return false, fmt.Errorf("failed to record webhook event: %w", err)
	}
	return true, nil
}

// PruneEventDedup removes claims older than the dedup window.
func (s *Store) PruneEventDedup(ctx context.Context, window time.Duration) (int64, error) {
	res, err := s.db.ExecContext(ctx,
		`DELETE FROM event_dedup WHERE seen_at < $1`, s.clock.Now().Add(-window))
	if err != nil {
		return 0, fmt.Errorf("failed to prune event dedup: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("failed to read rows affected: %w", err)
	}
	return n, nil
}

// RecordReactivationTrigger stores the classification outcome for an inbound
// event that targeted a settled ticket.
func (s *Store) RecordReactivationTrigger(ctx context.Context, ticketID int64, action string, detail json.RawMessage) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO reactivation_triggers (ticket_id, action, detail, created_at)
		VALUES ($1, $2, $3, $4)
	`, ticketID, action, detail, s.clock.Now())
	if err != nil {
		return fmt.Errorf("failed to record reactivation trigger: %w", err)
	}
	return nil
}

// ReactivationTriggersForTicket lists classification outcomes, newest first.
func (s *Store) ReactivationTriggersForTicket(ctx context.Context, ticketID int64) ([]ReactivationTrigger, error) {
	var triggers []ReactivationTrigger
	err := s.db.SelectContext(ctx, &triggers, `
		SELECT id, ticket_id, action, detail, created_at
		FROM reactivation_triggers
		WHERE ticket_id = $1
		ORDER BY id DESC
	`, ticketID)
	if err != nil {
		return nil, fmt.Errorf("failed to list reactivation triggers: %w", err)
	}
	return triggers, nil
}
