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

// Package bus is the in-process lifecycle event bus.
//
// Delivery is best-effort and synchronous: Emit iterates the subscriber
// list in registration order on the emitting goroutine. A panicking
// subscriber is recovered and logged so it cannot abort emission or crash
// the emitter. Events for one execution are emitted in the order that
// execution's worker produced them; there is no ordering across executions.
package bus

import (
	"encoding/json"
	"log/slog"
	"sync"
	"time"

	"github.com/worchflow/worchflow/internal/execution"
)

// Type identifies a lifecycle event.
type Type string

const (
	TypeReady              Type = "ready"
	TypeError              Type = "error"
	TypeExecutionStart     Type = "execution:start"
	TypeExecutionComplete  Type = "execution:complete"
	TypeExecutionFailed    Type = "execution:failed"
	TypeExecutionUpdated   Type = "execution:updated"
	TypeStepComplete       Type = "step:complete"
	TypeLeaderAcquired     Type = "leader:acquired"
	TypeLeaderLost         Type = "leader:lost"
	TypeScheduleRegistered Type = "schedule:registered"
	TypeScheduleTriggered  Type = "schedule:triggered"
	TypeScheduleMissed     Type = "schedule:missed"
	TypeStopped            Type = "stopped"
)

// Event is one lifecycle notification. Only the fields relevant to the
// event type are populated.
type Event struct {
	Type Type
	Time time.Time

	ExecutionID  string
	EventName    string
	Status       execution.Status
	AttemptCount int
	WillRetry    bool
	Result       json.RawMessage
	Err          string

	StepName string

	FunctionID string
	Missed     bool
}

// Subscriber receives every emitted event.
type Subscriber func(Event)

// Bus fans lifecycle events out to registered subscribers.
type Bus struct {
	mu     sync.RWMutex
	subs   []Subscriber
	logger *slog.Logger
}

// New creates an empty bus.
func New(logger *slog.Logger) *Bus {
	return &Bus{logger: logger}
}

// Subscribe registers a subscriber. Subscribers are invoked synchronously
// on the emitting goroutine and must return promptly.
func (b *Bus) Subscribe(fn Subscriber) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.subs = append(b.subs, fn)
}

// Emit delivers the event to every subscriber in registration order. A
// zero Time is stamped with the current time.
func (b *Bus) Emit(e Event) {
	if e.Time.IsZero() {
		e.Time = time.Now()
	}

	b.mu.RLock()
	subs := make([]Subscriber, len(b.subs))
	copy(subs, b.subs)
	b.mu.RUnlock()

	for _, fn := range subs {
		b.deliver(fn, e)
	}
}

func (b *Bus) deliver(fn Subscriber, e Event) {
	defer func() {
		if r := recover(); r != nil && b.logger != nil {
			b.logger.Error("event subscriber panicked",
				slog.String("event", string(e.Type)),
				slog.Any("panic", r))
		}
	}()
	fn(e)
}
