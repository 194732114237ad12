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

// Package worchflow defines the public contracts of the worchflow engine:
// events submitted by producers, handlers registered by consumers, and the
// step runner handed to a handler for memoized execution.
//
// Payloads are opaque JSON throughout. The engine dispatches on the event
// name and hands the handler the raw bytes; decoding is the handler's job.
package worchflow

import (
	"context"
	"encoding/json"
	"time"
)

// Event is a unit of work submitted to the engine.
type Event struct {
	// Name selects the handler that will process this event.
	Name string `json:"name"`

	// Data is the opaque payload, stored and transported as raw JSON.
	Data json.RawMessage `json:"data"`

	// ID uniquely identifies the execution. Left empty, the client
	// generates one.
	ID string `json:"id,omitempty"`

	// Timestamp is the submission time in Unix milliseconds. Left zero,
	// the client stamps it.
	Timestamp int64 `json:"timestamp,omitempty"`
}

// StepFunc computes a step's value. It runs at most once successfully per
// (execution, step title) pair; later attempts read the cached result.
type StepFunc func() (any, error)

// StepRunner memoizes named steps within a single handler invocation.
//
// Run returns the step's value as raw JSON. On a cache hit the compute
// function is not invoked and the previously persisted value is returned,
// including values that are JSON null.
type StepRunner interface {
	Run(title string, fn StepFunc) (json.RawMessage, error)
}

// HandlerContext is passed to a handler function on each invocation.
type HandlerContext struct {
	Event Event
	Step  StepRunner
}

// HandlerFunc is the user-provided function bound to an event name. The
// returned value is JSON-marshaled and stored as the execution result.
type HandlerFunc func(ctx context.Context, hctx *HandlerContext) (any, error)

// Handler registers a function under an event name, with its retry policy
// and optional cron schedule.
type Handler struct {
	// ID is the event name this handler consumes. Must be unique within
	// a worker pool.
	ID string

	// Retries is the number of automatic retries after a failed attempt.
	// Zero means the first failure is terminal.
	Retries int

	// RetryDelay is the wait before a failed execution is re-enqueued.
	// Zero re-enqueues immediately.
	RetryDelay time.Duration

	// Cron, when non-empty, schedules this handler on a six-field cron
	// expression (seconds first). Scheduled firings carry an empty
	// payload.
	Cron string

	// Fn is the handler function.
	Fn HandlerFunc
}
