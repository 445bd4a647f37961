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

// Package store provides typed accessors over the relational store. All
// status writes are compare-and-update against the expected current status;
// history rows and updated_at stamps are written by database triggers so no
// update path can skip them. Soft-deleted rows are invisible to every read.
package store

import (
	"context"
	"database/sql"
	"fmt"
	"sort"
	"strings"
	"time"

	_ "github.com/jackc/pgx/v5/stdlib"
	"github.com/jmoiron/sqlx"

	"github.com/forgeline/orchestrator/internal/status"
	"github.com/forgeline/orchestrator/internal/store/migrations"
	"github.com/forgeline/orchestrator/pkg/clock"
	orcerrors "github.com/forgeline/orchestrator/pkg/errors"
)

// notDeleted is the soft-delete filter composed into every read and guarded
// write. Ad-hoc WHERE clauses must not restate it.
const notDeleted = "deleted_at IS NULL"

// casAttempts bounds compare-and-update retries before surfacing Conflict.
const casAttempts = 3

// Config contains database connection configuration.
type Config struct {
	// DSN is the PostgreSQL connection URL.
	DSN string

	// MaxOpenConns sets the maximum number of open connections.
	MaxOpenConns int

	// MaxIdleConns sets the maximum number of idle connections.
	MaxIdleConns int

	// ConnMaxLifetime sets the maximum lifetime of a connection.
	ConnMaxLifetime time.Duration
}

// Store is the persistence layer. It is safe for concurrent use.
type Store struct {
	db    *sqlx.DB
	reg   *status.Registry
	clock clock.Clock
}

// Open connects to the database and loads the status registry.
// The registry must already be seeded (run migrate first).
func Open(ctx context.Context, cfg Config, clk clock.Clock) (*Store, error) {
	db, err := sqlx.Open("pgx", cfg.DSN)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	if cfg.MaxOpenConns > 0 {
		db.SetMaxOpenConns(cfg.MaxOpenConns)
	}
	if cfg.MaxIdleConns > 0 {
		db.SetMaxIdleConns(cfg.MaxIdleConns)
	}
	if cfg.ConnMaxLifetime > 0 {
		db.SetConnMaxLifetime(cfg.ConnMaxLifetime)
	}

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := db.PingContext(pingCtx); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to connect to database: %w", err)
	}

	reg, err := status.Load(ctx, db.DB)
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to load status registry: %w", err)
	}

	return New(db, reg, clk), nil
}

// New wraps an existing connection. Used by tests with sqlmock.
func New(db *sqlx.DB, reg *status.Registry, clk clock.Clock) *Store {
	if clk == nil {
		clk = clock.RealClock{}
	}
	return &Store{db: db, reg: reg, clock: clk}
}

// Migrate applies the embedded schema and registry seed to the database at
// dsn. It does not require an existing Store.
func Migrate(ctx context.Context, dsn string) error {
	db, err := sql.Open("pgx", dsn)
	if err != nil {
		return fmt.Errorf("failed to open database: %w", err)
	}
	defer db.Close()
	return migrations.Up(ctx, db)
}

// Now returns the store clock's current time. Callers computing deadlines
// against store-written timestamps must use it instead of time.Now.
func (s *Store) Now() time.Time {
	return s.clock.Now()
}

// Registry returns the loaded status registry.
func (s *Store) Registry() *status.Registry {
	return s.reg
}

// DB returns the underlying database handle.
func (s *Store) DB() *sqlx.DB {
	return s.db
}

// Close closes the database connection.
func (s *Store) Close() error {
	return s.db.Close()
}

// VerifyRegistry checks that the seeded reference tables match the canonical
// seed in code. A mismatch means schema drift; migrate exits non-zero on it.
func (s *Store) VerifyRegistry(ctx context.Context) error {
	for _, seed := range status.SeedStatuses() {
		if !s.reg.Has(seed.Category, seed.Name) {
			return fmt.Errorf("registry drift: status %s/%s missing from database", seed.Category, seed.Name)
		}
	}
	for _, t := range status.SeedTransitions() {
		if !s.reg.IsTransitionAllowed(t.Category, t.From, t.To) {
			return fmt.Errorf("registry drift: transition %s %s->%s missing from database", t.Category, t.From, t.To)
		}
	}
	return nil
}

// statusChange describes one compare-and-update status write.
type statusChange struct {
	table    string
	idColumn string
	id       any
	entity   string
	category status.Category
	from     string
	to       string

	changedBy string
	reason    string

	// set holds extra column assignments applied atomically with the
	// status change.
	set map[string]any
}

// applyStatusChange performs a registry-validated compare-and-update:
//
//	UPDATE <table> SET status_id = <to>, ... WHERE id = ? AND status_id = <from>
//
// Zero rows affected means the row vanished, was soft-deleted, or another
// writer won the race; the race is retried up to casAttempts times and then
// surfaced as Conflict.
func (s *Store) applyStatusChange(ctx context.Context, ec sqlx.ExtContext, ch statusChange) error {
	if !s.reg.IsTransitionAllowed(ch.category, ch.from, ch.to) {
		return &orcerrors.InvalidTransitionError{Category: string(ch.category), From: ch.from, To: ch.to}
	}
	fromID, err := s.reg.IDFor(ch.category, ch.from)
	if err != nil {
		return err
	}
	toID, err := s.reg.IDFor(ch.category, ch.to)
	if err != nil {
		return err
	}

	assignments := []string{"status_id = ?", "last_changed_by = ?", "last_change_reason = ?"}
	args := []any{toID, ch.changedBy, ch.reason}

	cols := make([]string, 0, len(ch.set))
	for col := range ch.set {
		cols = append(cols, col)
	}
	sort.Strings(cols)
	for _, col := range cols {
		assignments = append(assignments, col+" = ?")
		args = append(args, ch.set[col])
	}

	query := fmt.Sprintf(
		"UPDATE %s SET %s WHERE %s = ? AND status_id = ? AND %s",
		ch.table, strings.Join(assignments, ", "), ch.idColumn, notDeleted,
	)
	args = append(args, ch.id, fromID)
	query = ec.Rebind(query)

	for attempt := 0; attempt < casAttempts; attempt++ {
		res, err := ec.ExecContext(ctx, query, args...)
		if err != nil {
			return fmt.Errorf("failed to update %s status: %w", ch.entity, err)
		}
		n, err := res.RowsAffected()
		if err != nil {
			return fmt.Errorf("failed to read rows affected: %w", err)
		}
		if n > 0 {
			return nil
		}

		// Distinguish a lost race from a missing or soft-deleted row.
		var deletedAt sql.NullTime
		probe := ec.Rebind(fmt.Sprintf("SELECT deleted_at FROM %s WHERE %s = ?", ch.table, ch.idColumn))
		err = sqlx.GetContext(ctx, ec, &deletedAt, probe, ch.id)
		if err == sql.ErrNoRows {
			return &orcerrors.NotFoundError{Resource: ch.entity, ID: fmt.Sprint(ch.id)}
		}
		if err != nil {
			return fmt.Errorf("failed to probe %s row: %w", ch.entity, err)
		}
		if deletedAt.Valid {
			return &orcerrors.ModifyDeletedError{Entity: ch.entity, ID: fmt.Sprint(ch.id)}
		}
	}

	return &orcerrors.ConflictError{
		Resource: ch.entity,
		ID:       fmt.Sprint(ch.id),
		Reason:   (&orcerrors.ConcurrentStatusChangeError{Entity: ch.entity, ID: fmt.Sprint(ch.id), Expected: ch.from}).Error(),
	}
}

// withTx runs fn inside a transaction, committing on nil error.
func (s *Store) withTx(ctx context.Context, fn func(tx *sqlx.Tx) error) error {
	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	if err := fn(tx); err != nil {
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit transaction: %w", err)
	}
	return nil
}

// statusID resolves a (category, name) pair to its status_types row ID.
func (s *Store) statusID(cat status.Category, name string) (int, error) {
	return s.reg.IDFor(cat, name)
}
