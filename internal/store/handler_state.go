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
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"

	orcerrors "github.com/forgeline/orchestrator/pkg/errors"
)

// Handler state lives in the external schema: it is owned by step handlers
// (idempotency keys, merge markers) rather than the orchestrator core, and
// survives run and ticket deletion.

// PutHandlerState upserts one handler-owned key.
func (s *Store) PutHandlerState(ctx context.Context, key string, value json.RawMessage) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO external.handler_state (key, value, updated_at)
		VALUES ($1, $2, $3)
		ON CONFLICT (key) DO UPDATE SET value = EXCLUDED.value, updated_at = EXCLUDED.updated_at
	`, key, value, s.clock.Now())
	if err != nil {
		return fmt.Errorf("failed to put handler state: %w", err)
	}
	return nil
}

// GetHandlerState reads one handler-owned key.
func (s *Store) GetHandlerState(ctx context.Context, key string) (json.RawMessage, error) {
	var value json.RawMessage
	err := s.db.GetContext(ctx, &value,
		`SELECT value FROM external.handler_state WHERE key = $1`, key)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, &orcerrors.NotFoundError{Resource: "handler state", ID: key}
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get handler state: %w", err)
	}
	return value, nil
}

// DeleteHandlerState removes one handler-owned key. Missing keys are not an
// error; deletion is idempotent.
func (s *Store) DeleteHandlerState(ctx context.Context, key string) error {
	if _, err := s.db.ExecContext(ctx,
		`DELETE FROM external.handler_state WHERE key = $1`, key); err != nil {
		return fmt.Errorf("failed to delete handler state: %w", err)
	}
	return nil
}
