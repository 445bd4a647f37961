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

import "errors"

// IsInvalidTransition reports whether err is an InvalidTransitionError.
func IsInvalidTransition(err error) bool {
	var e *InvalidTransitionError
	return errors.As(err, &e)
}

// IsConcurrentStatusChange reports whether err is a ConcurrentStatusChangeError.
func IsConcurrentStatusChange(err error) bool {
	var e *ConcurrentStatusChangeError
	return errors.As(err, &e)
}

// IsConflict reports whether err is a ConflictError.
func IsConflict(err error) bool {
	var e *ConflictError
	return errors.As(err, &e)
}

// IsLockRefused reports whether err is a LockRefusedError.
func IsLockRefused(err error) bool {
	var e *LockRefusedError
	return errors.As(err, &e)
}

// IsTicketCoolingDown reports whether err is a TicketCoolingDownError.
func IsTicketCoolingDown(err error) bool {
	var e *TicketCoolingDownError
	return errors.As(err, &e)
}

// IsValidationExpired reports whether err is a ValidationExpiredError.
func IsValidationExpired(err error) bool {
	var e *ValidationExpiredError
	return errors.As(err, &e)
}

// IsReactivationDepthExceeded reports whether err is a
// ReactivationDepthExceededError.
func IsReactivationDepthExceeded(err error) bool {
	var e *ReactivationDepthExceededError
	return errors.As(err, &e)
}

// IsModifyDeleted reports whether err is a ModifyDeletedError.
func IsModifyDeleted(err error) bool {
	var e *ModifyDeletedError
	return errors.As(err, &e)
}

// IsNotFound reports whether err is a NotFoundError.
func IsNotFound(err error) bool {
	var e *NotFoundError
	return errors.As(err, &e)
}
