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

// Package reactivations implements the reactivations command group.
package reactivations

import (
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/forgeline/orchestrator/internal/commands/shared"
	"github.com/forgeline/orchestrator/internal/lock"
	"github.com/forgeline/orchestrator/internal/reactivate"
	orcerrors "github.com/forgeline/orchestrator/pkg/errors"
)

// NewCommand creates the reactivations command group.
func NewCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "reactivations",
		Short: "Inspect reactivation chains",
	}
	cmd.AddCommand(newShowCommand())
	return cmd
}

// newShowCommand prints a ticket's run chain, newest first. An unknown
// ticket exits with code 4.
func newShowCommand() *cobra.Command {
	var configPath string

	cmd := &cobra.Command{
		Use:   "show <ticketID>",
		Short: "Print the reactivation tree for a ticket",
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

			logger := shared.NewLogger()
			locks := lock.NewManager(st, cfg.LockTTL, logger)
			controller := reactivate.NewController(st, locks, nil, cfg, logger)

			ticket, err := st.GetTicket(ctx, args[0])
			if err != nil {
				if orcerrors.IsNotFound(err) {
					return &shared.ExitError{Code: 4, Err: err}
				}
				return err
			}

			chain, err := controller.Tree(ctx, args[0])
			if err != nil {
				return err
			}

			out := cmd.OutOrStdout()
			for _, run := range chain {
				parent := "-"
				if run.ParentRunID != nil {
					parent = *run.ParentRunID
				}
				fmt.Fprintf(out, "run %s  number=%d  status=%s  reactivation=%t  depth=%d  parent=%s\n",
					run.ID, run.RunNumber, run.Status, run.IsReactivation, run.ReactivationDepth, parent)
			}

			recent, err := st.CountRunsSince(ctx, ticket.ID, st.Now().Add(-24*time.Hour))
			if err != nil {
				return err
			}
			fmt.Fprintf(out, "ticket %s  reactivations=%d  runs_last_24h=%d\n",
				ticket.ExternalID, ticket.ReactivationCount, recent)
			return nil
		},
	}

	cmd.Flags().StringVarP(&configPath, "config", "c", "", "path to YAML config file")
	return cmd
}
