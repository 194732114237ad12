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

// Package step implements the memoized step runner handed to handlers.
//
// A step's result is looked up in three tiers: the in-process memo for this
// execution, the Redis step cache, and finally the compute function. The
// cache stores a wrapper envelope rather than the bare value so that a step
// which legitimately returned JSON null is a cache hit on retry, not a
// re-execution.
package step

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"

	"github.com/worchflow/worchflow/internal/bus"
	"github.com/worchflow/worchflow/internal/execution"
	"github.com/worchflow/worchflow/internal/kv"
	"github.com/worchflow/worchflow/internal/log"
	"github.com/worchflow/worchflow/internal/metrics"
	"github.com/worchflow/worchflow/pkg/worchflow"
)

// wrapper is the step-cache envelope. Cached discriminates a stored null
// from an absent entry.
type wrapper struct {
	Cached bool            `json:"cached"`
	Value  json.RawMessage `json:"value"`
}

// EncodeValue wraps a step value for the Redis cache. A nil value is
// encoded as JSON null.
func EncodeValue(value json.RawMessage) (string, error) {
	if value == nil {
		value = json.RawMessage("null")
	}
	blob, err := json.Marshal(wrapper{Cached: true, Value: value})
	if err != nil {
		return "", fmt.Errorf("encode step value: %w", err)
	}
	return string(blob), nil
}

// DecodeValue unwraps a cached blob. The second return is false on a cache
// miss: empty blob, unparseable blob, or an envelope without cached=true.
func DecodeValue(blob string) (json.RawMessage, bool) {
	if blob == "" {
		return nil, false
	}
	var w wrapper
	if err := json.Unmarshal([]byte(blob), &w); err != nil {
		return nil, false
	}
	if !w.Cached {
		return nil, false
	}
	if w.Value == nil {
		return json.RawMessage("null"), true
	}
	return w.Value, true
}

// Runner memoizes named steps for a single execution. It owns a dedicated
// Redis connection so step traffic never queues behind a blocking pop.
type Runner struct {
	ctx         context.Context
	executionID string
	kv          *kv.Store
	doc         docstore
	keys        kv.Keys
	bus         *bus.Bus
	logger      *slog.Logger

	mu   sync.Mutex
	memo map[string]json.RawMessage
}

// docstore is the durable-store surface the runner needs.
type docstore interface {
	InsertStep(ctx context.Context, step *execution.Step) error
}

var _ worchflow.StepRunner = (*Runner)(nil)

// NewRunner creates a runner bound to one execution and one dedicated step
// connection. The context bounds every store round-trip made by Run; it is
// held on the struct because the public Run contract takes no context.
func NewRunner(ctx context.Context, executionID string, kvStore *kv.Store, doc docstore, keys kv.Keys, b *bus.Bus, logger *slog.Logger) *Runner {
	return &Runner{
		ctx:         ctx,
		executionID: executionID,
		kv:          kvStore,
		doc:         doc,
		keys:        keys,
		bus:         b,
		logger:      logger,
		memo:        make(map[string]json.RawMessage),
	}
}

// Run executes a named step at most once successfully. Lookup order: the
// in-process memo, the Redis cache, then the compute function. On success
// the result is persisted to both stores in parallel before it is
// returned; a compute error propagates without writing anything.
func (r *Runner) Run(title string, fn worchflow.StepFunc) (json.RawMessage, error) {
	stepID := execution.StepID(title)

	r.mu.Lock()
	if value, ok := r.memo[stepID]; ok {
		r.mu.Unlock()
		metrics.StepsTotal.WithLabelValues("hit").Inc()
		return value, nil
	}
	r.mu.Unlock()

	blob, found, err := r.kv.HashField(r.ctx, r.keys.Steps(r.executionID), stepID)
	if err != nil {
		return nil, fmt.Errorf("step %q: read cache: %w", title, err)
	}
	if found {
		if value, hit := DecodeValue(blob); hit {
			r.remember(stepID, value)
			metrics.StepsTotal.WithLabelValues("hit").Inc()
			return value, nil
		}
		// Unparseable cache entries fall through to recompute.
		r.logger.Warn("discarding unparseable step cache entry",
			slog.String(log.ExecutionIDKey, r.executionID),
			slog.String(log.StepNameKey, title))
	}

	out, err := fn()
	if err != nil {
		return nil, err
	}

	value, err := json.Marshal(out)
	if err != nil {
		return nil, fmt.Errorf("step %q: marshal result: %w", title, err)
	}

	if err := r.persist(title, stepID, value); err != nil {
		return nil, err
	}

	r.remember(stepID, value)
	metrics.StepsTotal.WithLabelValues("miss").Inc()
	r.bus.Emit(bus.Event{
		Type:        bus.TypeStepComplete,
		ExecutionID: r.executionID,
		StepName:    title,
	})
	return value, nil
}

// persist writes the step record to the durable store and the wrapped
// value to the Redis cache in parallel.
func (r *Runner) persist(title, stepID string, value json.RawMessage) error {
	record := &execution.Step{
		ExecutionID: r.executionID,
		StepID:      stepID,
		Name:        title,
		Status:      execution.StatusCompleted,
		Result:      value,
		Timestamp:   execution.NowMillis(),
	}
	blob, err := EncodeValue(value)
	if err != nil {
		return fmt.Errorf("step %q: %w", title, err)
	}

	var wg sync.WaitGroup
	var docErr, kvErr error
	wg.Add(2)
	go func() {
		defer wg.Done()
		docErr = r.doc.InsertStep(r.ctx, record)
	}()
	go func() {
		defer wg.Done()
		kvErr = r.kv.HashSet(r.ctx, r.keys.Steps(r.executionID), map[string]string{stepID: blob})
	}()
	wg.Wait()

	if docErr != nil {
		return fmt.Errorf("step %q: persist record: %w", title, docErr)
	}
	if kvErr != nil {
		return fmt.Errorf("step %q: persist cache: %w", title, kvErr)
	}
	return nil
}

func (r *Runner) remember(stepID string, value json.RawMessage) {
	r.mu.Lock()
	r.memo[stepID] = value
	r.mu.Unlock()
}
