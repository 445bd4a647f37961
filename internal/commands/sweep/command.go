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

// Package sweep implements the sweep command: one-shot runs of the
// background sweepers, for operators and cron jobs.
package sweep

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/forgeline/orchestrator/internal/commands/shared"
	"github.com/forgeline/orchestrator/internal/engine"
	"github.com/forgeline/orchestrator/internal/lock"
	"github.com/forgeline/orchestrator/internal/validation"
	"github.com/forgeline/orchestrator/pkg/clock"
)

// NewCommand creates the sweep command.
func NewCommand() *cobra.Command {
	var (
		configPath  string
		sweepLocks  bool
		sweepExpiry bool
		sweepDedup  bool
	)

	cmd := &cobra.Command{
		Use:   "sweep",
		Short: "Run the lock and validation sweepers once",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
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
			out := cmd.OutOrStdout()

			if sweepLocks {
				sweeper := lock.NewSweeper(st, cfg.LockTTL, cfg.LockSweepInterval(), logger)
				if err := sweeper.SweepOnce(ctx); err != nil {
					return err
				}
				fmt.Fprintln(out, "lock sweep complete")
			}

			if sweepExpiry {
				eng := engine.New(st, engine.Config{
					MaxStepRetries:   cfg.MaxStepRetries,
					RetryBackoffBase: cfg.StepRetryBackoffBase,
					ValidationTTL:    cfg.ValidationTTL,
				}, clock.RealClock{}, logger)
				locks := lock.NewManager(st, cfg.LockTTL, logger)
				manager := validation.NewManager(st, eng, locks, cfg, logger)
				sweeper := validation.NewSweeper(manager, st, cfg.LockSweepInterval(), logger)
				if err := sweeper.SweepOnce(ctx); err != nil {
					return err
				}
				fmt.Fprintln(out, "validation sweep complete")
			}

			if sweepDedup {
				pruned, err := st.PruneEventDedup(ctx, cfg.DedupWindow)
				if err != nil {
					return err
				}
				fmt.Fprintf(out, "pruned %d expired dedup entries\n", pruned)
			}
			return nil
		},
	}

	cmd.Flags().StringVarP(&configPath, "config", "c", "", "path to YAML config file")
	cmd.Flags().BoolVar(&sweepLocks, "locks", true, "sweep stale ticket locks")
	cmd.Flags().BoolVar(&sweepExpiry, "validations", true, "expire overdue validations")
	cmd.Flags().BoolVar(&sweepDedup, "dedup", true, "prune expired webhook dedup entries")
	return cmd
}
