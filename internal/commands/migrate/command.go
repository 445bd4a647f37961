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

// Package migrate implements the migrate command.
package migrate

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/forgeline/orchestrator/internal/commands/shared"
	"github.com/forgeline/orchestrator/internal/store"
)

// NewCommand creates the migrate command. It applies the embedded schema and
// seeds the status registry, then verifies the seeded tables against the
// canonical seed in code. Drift exits with code 2.
func NewCommand() *cobra.Command {
	var configPath string

	cmd := &cobra.Command{
		Use:   "migrate",
		Short: "Apply the database schema and seed the status registry",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := shared.LoadConfig(configPath)
			if err != nil {
				return err
			}
			ctx := cmd.Context()

			if err := store.Migrate(ctx, cfg.DatabaseURL); err != nil {
				return err
			}

			st, err := shared.OpenStore(ctx, cfg)
			if err != nil {
				return err
			}
			defer st.Close()

			if err := st.VerifyRegistry(ctx); err != nil {
				return &shared.ExitError{Code: 2, Err: err}
			}

			fmt.Fprintln(cmd.OutOrStdout(), "migrations applied, status registry verified")
			return nil
		},
	}

	cmd.Flags().StringVarP(&configPath, "config", "c", "", "path to YAML config file")
	return cmd
}
