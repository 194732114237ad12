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

// Package execution defines the execution, step and cron-execution records
// and their two persisted representations.
//
// The durable store keeps typed values; Redis hashes accept only strings,
// so every numeric and enum field is stringified on the way in and parsed
// on the way out. All conversion goes through ToHash and FromHash so no
// call site ever sees both shapes.
package execution

import (
	"crypto/md5"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"strconv"
	"time"

	"github.com/google/uuid"
)

// Status is the lifecycle state of an execution.
type Status string

const (
	StatusQueued     Status = "queued"
	StatusProcessing Status = "processing"
	StatusCompleted  Status = "completed"
	StatusFailed     Status = "failed"
	StatusRetrying   Status = "retrying"
)

// Statuses lists every valid status, for validation and stats.
var Statuses = []Status{StatusQueued, StatusProcessing, StatusCompleted, StatusFailed, StatusRetrying}

// Valid reports whether s is a known status.
func (s Status) Valid() bool {
	for _, v := range Statuses {
		if s == v {
			return true
		}
	}
	return false
}

// Terminal reports whether s is absorbing for automatic processing.
// ManualRetry can still move a terminal execution back to queued.
func (s Status) Terminal() bool {
	return s == StatusCompleted || s == StatusFailed
}

// InFlight reports whether s indicates a worker owned the execution when
// it was last written. Records left in-flight by a crashed worker are
// orphans and are re-enqueued at the next pool startup.
func (s Status) InFlight() bool {
	return s == StatusProcessing || s == StatusRetrying
}

// Execution is one submitted event and its lifecycle.
type Execution struct {
	ID           string          `json:"id"`
	EventName    string          `json:"eventName"`
	EventData    json.RawMessage `json:"eventData"`
	Status       Status          `json:"status"`
	AttemptCount int             `json:"attemptCount"`
	Result       json.RawMessage `json:"result,omitempty"`
	Error        string          `json:"error,omitempty"`
	ErrorStack   string          `json:"errorStack,omitempty"`
	CreatedAt    int64           `json:"createdAt"`
	UpdatedAt    int64           `json:"updatedAt"`
}

// Step is one successfully completed, memoized unit of work inside a
// handler invocation. Only successful steps are recorded.
type Step struct {
	ExecutionID string          `json:"executionId"`
	StepID      string          `json:"stepId"`
	Name        string          `json:"name"`
	Status      Status          `json:"status"`
	Result      json.RawMessage `json:"result,omitempty"`
	Timestamp   int64           `json:"timestamp"`
}

// CronExecution tracks the last and next firing of one scheduled function.
type CronExecution struct {
	FunctionID        string `json:"functionId"`
	LastExecutionTime int64  `json:"lastExecutionTime"`
	NextScheduledTime int64  `json:"nextScheduledTime"`
	CronExpression    string `json:"cronExpression"`
	UpdatedAt         int64  `json:"updatedAt"`
}

// NewID generates a fresh execution id: 128 random bits, hex encoded.
func NewID() string {
	u := uuid.New()
	return hex.EncodeToString(u[:])
}

// StepID derives the deterministic step identifier from a human step
// title. MD5 is an identifier here, not a security boundary; titles within
// one handler are distinct human strings and collisions are accepted as
// practically impossible.
func StepID(title string) string {
	sum := md5.Sum([]byte(title))
	return hex.EncodeToString(sum[:])
}

// NowMillis returns the current time in Unix milliseconds, the timestamp
// unit of every record.
func NowMillis() int64 {
	return time.Now().UnixMilli()
}

// Hash field names of the Redis execution representation.
const (
	FieldID           = "id"
	FieldEventName    = "eventName"
	FieldEventData    = "eventData"
	FieldStatus       = "status"
	FieldAttemptCount = "attemptCount"
	FieldResult       = "result"
	FieldError        = "error"
	FieldErrorStack   = "errorStack"
	FieldCreatedAt    = "createdAt"
	FieldUpdatedAt    = "updatedAt"
)

// ToHash converts the execution to its Redis hash representation. Optional
// fields are present only when set.
func (e *Execution) ToHash() map[string]string {
	fields := map[string]string{
		FieldID:           e.ID,
		FieldEventName:    e.EventName,
		FieldEventData:    string(e.EventData),
		FieldStatus:       string(e.Status),
		FieldAttemptCount: strconv.Itoa(e.AttemptCount),
		FieldCreatedAt:    strconv.FormatInt(e.CreatedAt, 10),
		FieldUpdatedAt:    strconv.FormatInt(e.UpdatedAt, 10),
	}
	if e.Result != nil {
		fields[FieldResult] = string(e.Result)
	}
	if e.Error != "" {
		fields[FieldError] = e.Error
	}
	if e.ErrorStack != "" {
		fields[FieldErrorStack] = e.ErrorStack
	}
	return fields
}

// FromHash parses the Redis hash representation back into a typed record.
// Missing optional fields are zero values; unparseable numerics are an
// error. Presence of required fields is the caller's concern.
func FromHash(fields map[string]string) (*Execution, error) {
	e := &Execution{
		ID:         fields[FieldID],
		EventName:  fields[FieldEventName],
		Status:     Status(fields[FieldStatus]),
		Error:      fields[FieldError],
		ErrorStack: fields[FieldErrorStack],
	}
	if raw := fields[FieldEventData]; raw != "" {
		e.EventData = json.RawMessage(raw)
	}
	if raw := fields[FieldResult]; raw != "" {
		e.Result = json.RawMessage(raw)
	}

	var err error
	if raw, ok := fields[FieldAttemptCount]; ok && raw != "" {
		e.AttemptCount, err = strconv.Atoi(raw)
		if err != nil {
			return nil, fmt.Errorf("parse %s: %w", FieldAttemptCount, err)
		}
	}
	if raw, ok := fields[FieldCreatedAt]; ok && raw != "" {
		e.CreatedAt, err = strconv.ParseInt(raw, 10, 64)
		if err != nil {
			return nil, fmt.Errorf("parse %s: %w", FieldCreatedAt, err)
		}
	}
	if raw, ok := fields[FieldUpdatedAt]; ok && raw != "" {
		e.UpdatedAt, err = strconv.ParseInt(raw, 10, 64)
		if err != nil {
			return nil, fmt.Errorf("parse %s: %w", FieldUpdatedAt, err)
		}
	}
	return e, nil
}
