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

// Package notify emits outbound messages to the external messaging surface:
// validation requests carrying the correlation UUID, and run settlement
// notices. Messages ride the same broker as work orders, on their own
// stream.
package notify

import (
	"context"
	"log/slog"

	"github.com/forgeline/orchestrator/internal/broker"
	orclog "github.com/forgeline/orchestrator/internal/log"
)

// Stream is the notification stream name.
const Stream = "orchestrator:notifications"

// Notifier publishes outbound notices.
type Notifier struct {
	broker broker.Broker
	logger *slog.Logger
}

// New builds a notifier on top of the broker.
func New(br broker.Broker, logger *slog.Logger) *Notifier {
	return &Notifier{
		broker: br,
		logger: orclog.WithComponent(logger, "notify"),
	}
}

// ValidationRequested announces that a run waits on the given validation
// UUID. The UUID is the only routing identity the response channel gets.
func (n *Notifier) ValidationRequested(ctx context.Context, ticketExternalID, runID, correlationUUID string) {
	n.publish(ctx, map[string]any{
		"kind":            "validation_requested",
		"ticket_id":       ticketExternalID,
		"run_id":          runID,
		"validation_uuid": correlationUUID,
	})
}

// RunSettled announces a run's terminal status.
func (n *Notifier) RunSettled(ctx context.Context, ticketExternalID, runID, finalStatus, reason string) {
	n.publish(ctx, map[string]any{
		"kind":      "run_settled",
		"ticket_id": ticketExternalID,
		"run_id":    runID,
		"status":    finalStatus,
		"reason":    reason,
	})
}

// publish is best-effort: a dead messaging surface must not fail the run
// that triggered the notice.
func (n *Notifier) publish(ctx context.Context, fields map[string]any) {
	if _, err := n.broker.Publish(ctx, Stream, fields); err != nil {
		n.logger.Warn("notification publish failed", orclog.Error(err))
	}
}
