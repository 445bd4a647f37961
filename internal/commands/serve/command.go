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

// Package serve implements the serve command: the long-running daemon with
// the intake, the dispatcher pool, and the sweepers.
package serve

import (
	"context"
	"errors"
	"log/slog"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/forgeline/orchestrator/internal/broker"
	"github.com/forgeline/orchestrator/internal/commands/shared"
	"github.com/forgeline/orchestrator/internal/config"
	"github.com/forgeline/orchestrator/internal/engine"
	"github.com/forgeline/orchestrator/internal/intake"
	"github.com/forgeline/orchestrator/internal/lock"
	orclog "github.com/forgeline/orchestrator/internal/log"
	"github.com/forgeline/orchestrator/internal/notify"
	"github.com/forgeline/orchestrator/internal/queue"
	"github.com/forgeline/orchestrator/internal/reactivate"
	"github.com/forgeline/orchestrator/internal/store"
	"github.com/forgeline/orchestrator/internal/validation"
	"github.com/forgeline/orchestrator/pkg/clock"
)

const (
	validationSweepInterval = time.Minute
	dedupPruneInterval      = time.Hour
)

// NewCommand creates the serve command.
func NewCommand() *cobra.Command {
	var configPath string

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the orchestrator daemon",
		Long: `Serve runs the webhook intake, the dispatcher worker pool, the lock
sweeper, and the validation sweeper until interrupted. Orphaned runs left by
a previous process are recovered before dispatching starts.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := shared.LoadConfig(configPath)
			if err != nil {
				return err
			}
			return run(cmd.Context(), cfg)
		},
	}

	cmd.Flags().StringVarP(&configPath, "config", "c", "", "path to YAML config file")
	return cmd
}

func run(parent context.Context, cfg *config.Config) error {
	logger := shared.NewLogger()

	ctx, stop := signal.NotifyContext(parent, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	st, err := shared.OpenStore(ctx, cfg)
	if err != nil {
		return err
	}
	defer st.Close()

	var br broker.Broker = broker.Nop{}
	if cfg.BrokerURL != "" {
		rb, err := broker.NewRedis(cfg.BrokerURL)
		if err != nil {
			return err
		}
		br = rb
	}
	defer br.Close()

	notifier := notify.New(br, logger)
	locks := lock.NewManager(st, cfg.LockTTL, logger)

	eng := engine.New(st, engine.Config{
		MaxStepRetries:   cfg.MaxStepRetries,
		RetryBackoffBase: cfg.StepRetryBackoffBase,
		ValidationTTL:    cfg.ValidationTTL,
	}, clock.RealClock{}, logger)
	eng.RegisterBuiltins()
	eng.OnSuspend(notifier.ValidationRequested)

	validations := validation.NewManager(st, eng, locks, cfg, logger)
	reactivator := reactivate.NewController(st, locks, nil, cfg, logger)
	dispatcher := queue.New(st, eng, locks, br, notifier, cfg, logger)
	server := intake.NewServer(st, validations, reactivator, cfg, logger)

	recovered, err := eng.RecoverOrphans(ctx)
	if err != nil {
		return err
	}
	for _, runID := range recovered {
		disp, err := eng.Resume(ctx, runID)
		if err != nil {
			logger.Error("failed to resume recovered run",
				orclog.String(orclog.RunIDKey, runID), orclog.Error(err))
			continue
		}
		if err := eng.SettleEntryForRun(ctx, runID, disp, "recovery", "recovered after restart"); err != nil {
			logger.Error("failed to settle entry of recovered run",
				orclog.String(orclog.RunIDKey, runID), orclog.Error(err))
		}
	}

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error { return server.Serve(ctx) })
	g.Go(func() error { return dispatcher.Run(ctx) })
	g.Go(func() error {
		return lock.NewSweeper(st, cfg.LockTTL, cfg.LockSweepInterval(), logger).Run(ctx)
	})
	g.Go(func() error {
		return validation.NewSweeper(validations, st, validationSweepInterval, logger).Run(ctx)
	})
	g.Go(func() error { return pruneDedupLoop(ctx, st, cfg, logger) })

	logger.Info("orchestrator started")
	err = g.Wait()
	if errors.Is(err, context.Canceled) {
		logger.Info("orchestrator stopped")
		return nil
	}
	return err
}

// pruneDedupLoop drops dedup rows older than the replay window so the
// table does not grow without bound.
func pruneDedupLoop(ctx context.Context, st *store.Store, cfg *config.Config, logger *slog.Logger) error {
	ticker := time.NewTicker(dedupPruneInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			pruned, err := st.PruneEventDedup(ctx, cfg.DedupWindow)
			if err != nil {
				logger.Error("dedup prune failed", orclog.Error(err))
				continue
			}
			if pruned > 0 {
				logger.Debug("pruned dedup entries", orclog.Int64("count", pruned))
			}
		}
	}
}
