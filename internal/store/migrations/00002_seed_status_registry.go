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

package migrations

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/pressly/goose/v3"

	"github.com/forgeline/orchestrator/internal/status"
)

func init() {
	goose.AddMigrationContext(upSeedStatusRegistry, downSeedStatusRegistry)
}

// upSeedStatusRegistry inserts the canonical status registry rows. The Go
// seed in internal/status is the version-controlled source of truth; seeding
// from it keeps the tables and the code from drifting apart.
func upSeedStatusRegistry(ctx context.Context, tx *sql.Tx) error {
	ids := make(map[status.Category]map[string]int)

	for _, s := range status.SeedStatuses() {
		var id int
		err := tx.QueryRowContext(ctx, `
			INSERT INTO status_types (category, name, is_terminal)
			VALUES ($1, $2, $3)
			RETURNING id
		`, string(s.Category), s.Name, s.Terminal).Scan(&id)
		if err != nil {
			return fmt.Errorf("failed to seed status %s/%s: %w", s.Category, s.Name, err)
		}
		if ids[s.Category] == nil {
			ids[s.Category] = make(map[string]int)
		}
		ids[s.Category][s.Name] = id
	}

	for _, t := range status.SeedTransitions() {
		from, ok := ids[t.Category][t.From]
		if !ok {
			return fmt.Errorf("seed transition references unknown status %s/%s", t.Category, t.From)
		}
		to, ok := ids[t.Category][t.To]
		if !ok {
			return fmt.Errorf("seed transition references unknown status %s/%s", t.Category, t.To)
		}
		if _, err := tx.ExecContext(ctx, `
			INSERT INTO status_transitions (category, from_status_id, to_status_id)
			VALUES ($1, $2, $3)
		`, string(t.Category), from, to); err != nil {
			return fmt.Errorf("failed to seed transition %s %s->%s: %w", t.Category, t.From, t.To, err)
		}
	}

	return nil
}

func downSeedStatusRegistry(ctx context.Context, tx *sql.Tx) error {
	if _, err := tx.ExecContext(ctx, `DELETE FROM status_transitions`); err != nil {
		return err
	}
	_, err := tx.ExecContext(ctx, `DELETE FROM status_types`)
	return err
}
