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

// Package cancel implements the cancel command.
package cancel

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/forgeline/orchestrator/internal/commands/shared"
	"github.com/forgeline/orchestrator/internal/engine"
	"github.com/forgeline/orchestrator/internal/status"
	"github.com/forgeline/orchestrator/pkg/clock"
	orcerrors "github.com/forgeline/orchestrator/pkg/errors"
)

const changedBy = "operator"
const cancelReason = "cancelled by operator"

// NewCommand creates the cancel command. It cancels the ticket's pending
// queue entries and its active run; a ticket with nothing active exits with
// code 3.
func NewCommand() *cobra.Command {
	var configPath string

	cmd := &cobra.Command{
		Use:   "cancel <ticketID>",
		Short: "Cancel a ticket's active run",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := shared.LoadConfig(configPath)
			if err != nil {
				return err
			}
			ctx := cmd.Context()

			st, err := shared.OpenStore(ctx, cfg)
			if err != nil {
				return err
			}
			defer st.Close()

			ticket, err := st.GetTicket(ctx, args[0])
			if err != nil {
				if orcerrors.IsNotFound(err) {
					return &shared.ExitError{Code: 3, Err: err}
				}
				return err
			}

			pending, err := st.CancelPendingEntries(ctx, ticket.ExternalID, changedBy, cancelReason)
			if err != nil {
				return err
			}
			cancelled := len(pending) > 0

			eng := engine.New(st, engine.Config{
				MaxStepRetries:   cfg.MaxStepRetries,
				RetryBackoffBase: cfg.StepRetryBackoffBase,
				ValidationTTL:    cfg.ValidationTTL,
			}, clock.RealClock{}, shared.NewLogger())

			entry, err := st.ActiveEntryForItem(ctx, ticket.ExternalID)
			if err != nil && !orcerrors.IsNotFound(err) {
				return err
			}
			if entry != nil {
				if entry.RunID != nil {
					if err := eng.Cancel(ctx, *entry.RunID, cancelReason, cfg.CancelGrace); err != nil {
						return err
					}
				}
				if err := st.UpdateQueueEntryStatus(ctx, entry.ID,
					entry.Status, status.QueueCancelled, changedBy, cancelReason); err != nil {
					return err
				}
				cancelled = true
			}

			// A run can outlive its entry binding when the handle bind
			// failed mid-dispatch. Cancel it directly in that case.
			run, err := st.ActiveRunForTicket(ctx, ticket.ID)
			if err != nil && !orcerrors.IsNotFound(err) {
				return err
			}
			if run != nil && (entry == nil || entry.RunID == nil || *entry.RunID != run.ID) {
				if err := eng.Cancel(ctx, run.ID, cancelReason, cfg.CancelGrace); err != nil {
					return err
				}
				cancelled = true
			}

			if !cancelled {
				return &shared.ExitError{
					Code: 3,
					Err:  fmt.Errorf("ticket %s has no active run or queued work", args[0]),
				}
			}
			fmt.Fprintf(cmd.OutOrStdout(), "cancelled active work for ticket %s\n", args[0])
			return nil
		},
	}

	cmd.Flags().StringVarP(&configPath, "config", "c", "", "path to YAML config file")
	return cmd
}
