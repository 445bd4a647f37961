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

package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/forgeline/orchestrator/internal/commands/cancel"
	"github.com/forgeline/orchestrator/internal/commands/migrate"
	"github.com/forgeline/orchestrator/internal/commands/reactivations"
	"github.com/forgeline/orchestrator/internal/commands/serve"
	"github.com/forgeline/orchestrator/internal/commands/shared"
	"github.com/forgeline/orchestrator/internal/commands/sweep"
)

// Version information (injected via ldflags at build time)
var (
	version = "dev"
	commit  = "unknown"
)

func main() {
	root := &cobra.Command{
		Use:   "orchestrator",
		Short: "Ticket-driven code-change orchestrator",
		Long: `Orchestrator turns inbound ticket events into serialized, resumable
code-change runs: a per-ticket FIFO queue, an advisory lock with TTL
recovery, a persistent step state machine, and a human validation
rendezvous, all backed by PostgreSQL.`,
		Version:       fmt.Sprintf("%s (%s)", version, commit),
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	root.AddCommand(serve.NewCommand())
	root.AddCommand(migrate.NewCommand())
	root.AddCommand(sweep.NewCommand())
	root.AddCommand(reactivations.NewCommand())
	root.AddCommand(cancel.NewCommand())

	if err := root.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(shared.ExitCode(err))
	}
}
