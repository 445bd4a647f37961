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

// Package shared holds helpers common to all CLI commands.
package shared

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/forgeline/orchestrator/internal/config"
	orclog "github.com/forgeline/orchestrator/internal/log"
	"github.com/forgeline/orchestrator/internal/store"
	"github.com/forgeline/orchestrator/pkg/clock"
)

// ExitError carries a process exit code through cobra's error return.
type ExitError struct {
	Code int
	Err  error
}

// Error implements the error interface.
func (e *ExitError) Error() string {
	if e.Err == nil {
		return fmt.Sprintf("exit code %d", e.Code)
	}
	return e.Err.Error()
}

// Unwrap exposes the underlying error.
func (e *ExitError) Unwrap() error { return e.Err }

// ExitCode extracts the process exit code from a command error. A plain
// error maps to 1.
func ExitCode(err error) int {
	if err == nil {
		return 0
	}
	var exit *ExitError
	if errors.As(err, &exit) {
		return exit.Code
	}
	return 1
}

// LoadConfig loads configuration from the optional file path and the
// environment.
func LoadConfig(path string) (*config.Config, error) {
	return config.Load(path)
}

// NewLogger builds the process logger from the environment.
func NewLogger() *slog.Logger {
	return orclog.New(orclog.FromEnv())
}

// OpenStore connects to the configured database.
func OpenStore(ctx context.Context, cfg *config.Config) (*store.Store, error) {
	return store.Open(ctx, store.Config{DSN: cfg.DatabaseURL}, clock.RealClock{})
}
