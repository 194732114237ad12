// Copyright 2025 Tom Barlow
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

package worchflow

import "errors"

var (
	// ErrNotReady is returned when an operation is attempted before the
	// startup handshake with both stores has completed.
	ErrNotReady = errors.New("worchflow: not ready")

	// ErrDuplicateHandler is returned at construction when two handlers
	// register the same event name.
	ErrDuplicateHandler = errors.New("worchflow: duplicate handler")

	// ErrUnknownHandler is returned when an execution names an event no
	// registered handler consumes.
	ErrUnknownHandler = errors.New("worchflow: unknown handler")

	// ErrMalformedRecord is returned when a dequeued execution record is
	// missing required fields.
	ErrMalformedRecord = errors.New("worchflow: malformed execution record")

	// ErrMalformedPayload is returned when an execution payload cannot be
	// parsed as JSON.
	ErrMalformedPayload = errors.New("worchflow: malformed event payload")

	// ErrInvalidCron is returned at construction when a scheduled
	// handler carries an unparseable cron expression.
	ErrInvalidCron = errors.New("worchflow: invalid cron expression")

	// ErrNoSchedules is returned when a scheduler is constructed with no
	// cron-bearing handlers.
	ErrNoSchedules = errors.New("worchflow: no scheduled handlers")

	// ErrAlreadyRunning is returned by Start on a component that is
	// already running.
	ErrAlreadyRunning = errors.New("worchflow: already running")

	// ErrNotRunning is returned by Stop on a component that was never
	// started.
	ErrNotRunning = errors.New("worchflow: not running")

	// ErrNotFound is returned when a record does not exist in the
	// durable store.
	ErrNotFound = errors.New("worchflow: not found")
)
