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

package errors

import (
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestInvalidTransitionError(t *testing.T) {
	err := &InvalidTransitionError{Category: "run", From: "completed", To: "running"}
	assert.Equal(t, "invalid run transition: completed -> running", err.Error())
	assert.True(t, IsInvalidTransition(fmt.Errorf("write failed: %w", err)))
	assert.False(t, IsInvalidTransition(fmt.Errorf("plain error")))
}

func TestConcurrentStatusChangeError(t *testing.T) {
	err := &ConcurrentStatusChangeError{Entity: "run", ID: "r1", Expected: "running"}
	assert.Contains(t, err.Error(), "run r1")
	assert.True(t, IsConcurrentStatusChange(err))
}

func TestLockRefusedError(t *testing.T) {
	err := &LockRefusedError{TicketID: "T1", Holder: "worker-2"}
	assert.Equal(t, "lock refused for ticket T1 (held by worker-2)", err.Error())

	bare := &LockRefusedError{TicketID: "T1"}
	assert.Equal(t, "lock refused for ticket T1", bare.Error())
	assert.True(t, IsLockRefused(bare))
}

func TestTicketCoolingDownError(t *testing.T) {
	until := time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)
	err := &TicketCoolingDownError{TicketID: "T1", Until: until}
	assert.Contains(t, err.Error(), "2026-01-02T03:04:05Z")
	assert.True(t, IsTicketCoolingDown(fmt.Errorf("enqueue: %w", err)))
}

func TestReactivationDepthExceededError(t *testing.T) {
	err := &ReactivationDepthExceededError{TicketID: "T1", Depth: 21, Max: 20}
	assert.Equal(t, "reactivation depth 21 exceeds cap 20 for ticket T1", err.Error())
	assert.True(t, IsReactivationDepthExceeded(err))
}

func TestNotFoundError(t *testing.T) {
	err := &NotFoundError{Resource: "validation", ID: "abc"}
	assert.Equal(t, "validation not found: abc", err.Error())
	assert.True(t, IsNotFound(err))
	assert.False(t, IsConflict(err))
}
