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
	"encoding/json"
	"time"
)

// Ticket is an external work item the orchestrator acts on.
type Ticket struct {
	ID                         int64      `db:"id" json:"id"`
	ExternalID                 string     `db:"external_id" json:"external_id"`
	Title                      string     `db:"title" json:"title"`
	Description                string     `db:"description" json:"description"`
	RepositoryURL              string     `db:"repository_url" json:"repository_url"`
	Status                     string     `db:"status" json:"status"`
	PreviousStatus             *string    `db:"previous_status" json:"previous_status,omitempty"`
	IsLocked                   bool       `db:"is_locked" json:"is_locked"`
	LockedBy                   *string    `db:"locked_by" json:"locked_by,omitempty"`
	LockedAt                   *time.Time `db:"locked_at" json:"locked_at,omitempty"`
	CooldownUntil              *time.Time `db:"cooldown_until" json:"cooldown_until,omitempty"`
	FailedReactivationAttempts int        `db:"failed_reactivation_attempts" json:"failed_reactivation_attempts"`
	ReactivationCount          int        `db:"reactivation_count" json:"reactivation_count"`
	LastRunID                  *string    `db:"last_run_id" json:"last_run_id,omitempty"`
	CreatedAt                  time.Time  `db:"created_at" json:"created_at"`
	UpdatedAt                  time.Time  `db:"updated_at" json:"updated_at"`
}

// Run is one end-to-end attempt on a ticket.
type Run struct {
	ID                string     `db:"id" json:"id"`
	TicketID          int64      `db:"ticket_id" json:"ticket_id"`
	RunNumber         int        `db:"run_number" json:"run_number"`
	Status            string     `db:"status" json:"status"`
	CurrentStep       string     `db:"current_step" json:"current_step"`
	Progress          int        `db:"progress" json:"progress"`
	ParentRunID       *string    `db:"parent_run_id" json:"parent_run_id,omitempty"`
	IsReactivation    bool       `db:"is_reactivation" json:"is_reactivation"`
	ReactivationDepth int        `db:"reactivation_depth" json:"reactivation_depth"`
	DispatchHandle    string     `db:"dispatch_handle" json:"dispatch_handle,omitempty"`
	StartedAt         *time.Time `db:"started_at" json:"started_at,omitempty"`
	CompletedAt       *time.Time `db:"completed_at" json:"completed_at,omitempty"`
	DurationMS        *int64     `db:"duration_ms" json:"duration_ms,omitempty"`
	FailureReason     string     `db:"failure_reason" json:"failure_reason,omitempty"`
	CreatedAt         time.Time  `db:"created_at" json:"created_at"`
	UpdatedAt         time.Time  `db:"updated_at" json:"updated_at"`
}

// Step is one named stage within a run.
type Step struct {
	ID          string          `db:"id" json:"id"`
	RunID       string          `db:"run_id" json:"run_id"`
	Name        string          `db:"name" json:"name"`
	StepOrder   int             `db:"step_order" json:"step_order"`
	Status      string          `db:"status" json:"status"`
	RetryCount  int             `db:"retry_count" json:"retry_count"`
	MaxRetries  int             `db:"max_retries" json:"max_retries"`
	OutputData  json.RawMessage `db:"output_data" json:"output_data,omitempty"`
	StartedAt   *time.Time      `db:"started_at" json:"started_at,omitempty"`
	CompletedAt *time.Time      `db:"completed_at" json:"completed_at,omitempty"`
	CreatedAt   time.Time       `db:"created_at" json:"created_at"`
	UpdatedAt   time.Time       `db:"updated_at" json:"updated_at"`
}

// Checkpoint is a persisted continuation point for a step.
type Checkpoint struct {
	ID        int64           `db:"id" json:"id"`
	RunID     string          `db:"run_id" json:"run_id"`
	StepID    string          `db:"step_id" json:"step_id"`
	Payload   json.RawMessage `db:"payload" json:"payload"`
	CreatedAt time.Time       `db:"created_at" json:"created_at"`
}

// Validation is a pending human decision about a run's proposed output.
type Validation struct {
	ID                 int64           `db:"id" json:"id"`
	CorrelationUUID    string          `db:"correlation_uuid" json:"correlation_uuid"`
	RunID              string          `db:"run_id" json:"run_id"`
	StepID             string          `db:"step_id" json:"step_id"`
	Status             string          `db:"status" json:"status"`
	Payload            json.RawMessage `db:"payload" json:"payload,omitempty"`
	RejectionCount     int             `db:"rejection_count" json:"rejection_count"`
	ParentValidationID *int64          `db:"parent_validation_id" json:"parent_validation_id,omitempty"`
	ExpiresAt          time.Time       `db:"expires_at" json:"expires_at"`
	CreatedAt          time.Time       `db:"created_at" json:"created_at"`
	UpdatedAt          time.Time       `db:"updated_at" json:"updated_at"`
}

// ValidationResponse is a recorded human answer to a validation.
type ValidationResponse struct {
	ID           int64     `db:"id" json:"id"`
	ValidationID int64     `db:"validation_id" json:"validation_id"`
	Status       string    `db:"status" json:"status"`
	Comments     string    `db:"comments" json:"comments,omitempty"`
	ValidatorID  string    `db:"validator_id" json:"validator_id,omitempty"`
	CreatedAt    time.Time `db:"created_at" json:"created_at"`
}

// QueueEntry is a persisted record of one accepted inbound event.
type QueueEntry struct {
	ID             int64           `db:"id" json:"id"`
	ItemID         string          `db:"item_id" json:"item_id"`
	Payload        json.RawMessage `db:"payload" json:"payload"`
	Priority       int             `db:"priority" json:"priority"`
	Status         string          `db:"status" json:"status"`
	DispatchHandle string          `db:"dispatch_handle" json:"dispatch_handle,omitempty"`
	IsReactivation bool            `db:"is_reactivation" json:"is_reactivation"`
	RunID          *string         `db:"run_id" json:"run_id,omitempty"`
	FailureReason  string          `db:"failure_reason" json:"failure_reason,omitempty"`
	EnqueuedAt     time.Time       `db:"enqueued_at" json:"enqueued_at"`
	StartedAt      *time.Time      `db:"started_at" json:"started_at,omitempty"`
	CompletedAt    *time.Time      `db:"completed_at" json:"completed_at,omitempty"`
	CreatedAt      time.Time       `db:"created_at" json:"created_at"`
	UpdatedAt      time.Time       `db:"updated_at" json:"updated_at"`
}

// HistoryRow is one status change recorded by the history triggers.
type HistoryRow struct {
	ID         int64     `db:"id" json:"id"`
	EntityID   string    `db:"entity_id" json:"entity_id"`
	FromStatus string    `db:"from_status" json:"from_status"`
	ToStatus   string    `db:"to_status" json:"to_status"`
	ChangedBy  string    `db:"changed_by" json:"changed_by"`
	Reason     string    `db:"reason" json:"reason"`
	ChangedAt  time.Time `db:"changed_at" json:"changed_at"`
}

// WebhookEvent is a raw inbound event persisted to the partitioned event log.
type WebhookEvent struct {
	ID         int64           `db:"id" json:"id"`
	Source     string          `db:"source" json:"source"`
	EventID    string          `db:"event_id" json:"event_id"`
	EventType  string          `db:"event_type" json:"event_type"`
	Payload    json.RawMessage `db:"payload" json:"payload"`
	ReceivedAt time.Time       `db:"received_at" json:"received_at"`
}

// ReactivationTrigger records the outcome of classifying an inbound event
// against a terminal ticket.
type ReactivationTrigger struct {
	ID        int64           `db:"id" json:"id"`
	TicketID  int64           `db:"ticket_id" json:"ticket_id"`
	Action    string          `db:"action" json:"action"`
	Detail    json.RawMessage `db:"detail" json:"detail,omitempty"`
	CreatedAt time.Time       `db:"created_at" json:"created_at"`
}
