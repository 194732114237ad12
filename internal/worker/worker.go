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

// Package worker implements the worker pool: N dequeue loops feeding
// concurrent handler invocations, with orphan recovery at startup, a
// per-handler retry policy, and a graceful drain on stop.
//
// Connection policy: execution metadata always travels over the shared
// Redis adapter. Each dequeue loop owns a duplicated connection used only
// for the blocking pop, and each active execution duplicates one more for
// its step cache. A blocking pop can therefore never stall a metadata
// update or another worker.
package worker

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"runtime/debug"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/worchflow/worchflow/internal/bus"
	"github.com/worchflow/worchflow/internal/docstore"
	"github.com/worchflow/worchflow/internal/execution"
	"github.com/worchflow/worchflow/internal/kv"
	"github.com/worchflow/worchflow/internal/log"
	"github.com/worchflow/worchflow/internal/metrics"
	"github.com/worchflow/worchflow/internal/step"
	"github.com/worchflow/worchflow/pkg/worchflow"
)

const (
	// popTimeout bounds each blocking pop so stop stays responsive.
	popTimeout = 5 * time.Second

	// drainPoll is the stop-drain polling granularity.
	drainPoll = 100 * time.Millisecond
)

// Options configures a pool.
type Options struct {
	// KV is the shared adapter, used for metadata updates and never for
	// blocking pops.
	KV *kv.Store

	// Doc is the durable store.
	Doc *docstore.Store

	// Handlers are the registered handlers. Duplicate IDs are a
	// construction error.
	Handlers []worchflow.Handler

	// Concurrency is the number of dequeue loops, minimum 1.
	Concurrency int

	// QueuePrefix namespaces the Redis keys.
	QueuePrefix string

	// Bus receives lifecycle events.
	Bus *bus.Bus

	// Logger is the base logger.
	Logger *slog.Logger
}

// Pool consumes the execution queue.
type Pool struct {
	kv          *kv.Store
	doc         *docstore.Store
	keys        kv.Keys
	bus         *bus.Bus
	logger      *slog.Logger
	handlers    map[string]worchflow.Handler
	concurrency int

	mu      sync.Mutex
	started bool

	running  atomic.Bool
	inFlight atomic.Int64
	loops    sync.WaitGroup
}

// New validates the options and builds the handler registry.
func New(opts Options) (*Pool, error) {
	if opts.Concurrency < 1 {
		return nil, fmt.Errorf("concurrency must be at least 1, got %d", opts.Concurrency)
	}
	if len(opts.Handlers) == 0 {
		return nil, fmt.Errorf("at least one handler is required")
	}

	registry := make(map[string]worchflow.Handler, len(opts.Handlers))
	for _, h := range opts.Handlers {
		if h.ID == "" {
			return nil, fmt.Errorf("handler with empty id")
		}
		if h.Fn == nil {
			return nil, fmt.Errorf("handler %q has no function", h.ID)
		}
		if _, exists := registry[h.ID]; exists {
			return nil, fmt.Errorf("%w: %q", worchflow.ErrDuplicateHandler, h.ID)
		}
		registry[h.ID] = h
	}

	return &Pool{
		kv:          opts.KV,
		doc:         opts.Doc,
		keys:        kv.NewKeys(opts.QueuePrefix),
		bus:         opts.Bus,
		logger:      log.WithComponent(opts.Logger, "worker"),
		handlers:    registry,
		concurrency: opts.Concurrency,
	}, nil
}

// Start runs the startup handshake, emits ready, recovers orphans, and
// spawns the dequeue loops. A second Start is an error.
func (p *Pool) Start(ctx context.Context) error {
	p.mu.Lock()
	if p.started {
		p.mu.Unlock()
		return worchflow.ErrAlreadyRunning
	}
	p.started = true
	p.mu.Unlock()

	if err := p.kv.Ping(ctx); err != nil {
		return fmt.Errorf("worker handshake: %w", err)
	}
	if err := p.doc.Ping(ctx); err != nil {
		return fmt.Errorf("worker handshake: %w", err)
	}
	if err := p.doc.EnsureIndexes(ctx); err != nil {
		return fmt.Errorf("worker handshake: %w", err)
	}
	p.bus.Emit(bus.Event{Type: bus.TypeReady})

	if err := p.RecoverOrphans(ctx); err != nil {
		return fmt.Errorf("orphan recovery: %w", err)
	}

	p.running.Store(true)
	for i := 0; i < p.concurrency; i++ {
		p.loops.Add(1)
		go p.dequeueLoop(ctx, i)
	}

	p.logger.Info("worker pool started", slog.Int("concurrency", p.concurrency))
	return nil
}

// Stop drains the pool: no new pops, outstanding executions run to
// completion, retry re-enqueues scheduled after this point are dropped.
// Running handlers are not cancelled. The context bounds the wait.
func (p *Pool) Stop(ctx context.Context) error {
	p.mu.Lock()
	if !p.started {
		p.mu.Unlock()
		return worchflow.ErrNotRunning
	}
	p.mu.Unlock()

	p.running.Store(false)

	ticker := time.NewTicker(drainPoll)
	defer ticker.Stop()
	for p.inFlight.Load() > 0 {
		select {
		case <-ctx.Done():
			return fmt.Errorf("stop: %w", ctx.Err())
		case <-ticker.C:
		}
	}

	// Loops exit after their current pop iteration and close their own
	// connections.
	p.loops.Wait()
	p.logger.Info("worker pool stopped")
	return nil
}

// RecoverOrphans re-enqueues every execution left in an in-flight state by
// a crashed worker, oldest first. The full KV record is rewritten from the
// durable store, which also repairs a half-written pair after a store
// failure. Idempotent when no worker runs in between: the same set of ids
// is re-enqueued.
func (p *Pool) RecoverOrphans(ctx context.Context) error {
	orphans, err := p.doc.ListInFlight(ctx)
	if err != nil {
		return err
	}
	if len(orphans) == 0 {
		return nil
	}

	now := execution.NowMillis()
	for _, orphan := range orphans {
		orphan.Status = execution.StatusQueued
		orphan.UpdatedAt = now

		if err := p.kv.HashSet(ctx, p.keys.Execution(orphan.ID), orphan.ToHash()); err != nil {
			return fmt.Errorf("rewrite orphan %s: %w", orphan.ID, err)
		}
		if err := p.doc.UpdateExecution(ctx, orphan.ID, map[string]any{
			execution.FieldStatus:    execution.StatusQueued,
			execution.FieldUpdatedAt: now,
		}, nil); err != nil {
			return fmt.Errorf("update orphan %s: %w", orphan.ID, err)
		}
		if err := p.kv.ListPushRight(ctx, p.keys.Queue(), orphan.ID); err != nil {
			return fmt.Errorf("enqueue orphan %s: %w", orphan.ID, err)
		}
		p.logger.Info("orphaned execution re-enqueued",
			slog.String(log.ExecutionIDKey, orphan.ID),
			slog.String(log.EventNameKey, orphan.EventName))
	}
	return nil
}

// dequeueLoop pops execution ids on a dedicated connection and schedules
// their processing concurrently, so the next pop is not held back by a slow
// handler.
func (p *Pool) dequeueLoop(ctx context.Context, n int) {
	defer p.loops.Done()

	conn := p.kv.Duplicate()
	logger := p.logger.With(slog.Int("worker", n))

	// Outstanding executions started by this loop. The connection is
	// closed only after they settle; closing earlier would strand active
	// metadata updates.
	var tasks sync.WaitGroup

	for p.running.Load() {
		id, ok, err := conn.ListPopLeftBlocking(ctx, p.keys.Queue(), popTimeout)
		if err != nil {
			if ctx.Err() != nil || !p.running.Load() {
				break
			}
			logger.Error("queue pop failed", log.Error(err))
			p.bus.Emit(bus.Event{Type: bus.TypeError, Err: err.Error()})
			time.Sleep(drainPoll)
			continue
		}
		if !ok {
			// Timeout; reconsider the run flag.
			continue
		}

		p.inFlight.Add(1)
		tasks.Add(1)
		go func(id string) {
			defer tasks.Done()
			defer p.inFlight.Add(-1)
			p.processExecution(ctx, id)
		}(id)
	}

	tasks.Wait()
	if err := conn.Close(); err != nil {
		logger.Warn("closing worker connection", log.Error(err))
	}
}

// processExecution runs one dequeued execution through its handler and
// writes the outcome to both stores.
func (p *Pool) processExecution(ctx context.Context, id string) {
	logger := p.logger.With(slog.String(log.ExecutionIDKey, id))

	fields, err := p.kv.HashGetAll(ctx, p.keys.Execution(id))
	if err != nil {
		p.reportError(logger, "load execution", err)
		return
	}
	record, err := execution.FromHash(fields)
	if err != nil {
		p.markFailed(ctx, id, 0, fmt.Errorf("%w: %v", worchflow.ErrMalformedRecord, err))
		return
	}
	if record.EventName == "" || len(record.EventData) == 0 || record.CreatedAt == 0 {
		p.markFailed(ctx, id, record.AttemptCount, worchflow.ErrMalformedRecord)
		return
	}
	if !json.Valid(record.EventData) {
		p.markFailed(ctx, id, record.AttemptCount, worchflow.ErrMalformedPayload)
		return
	}

	handler, ok := p.handlers[record.EventName]
	if !ok {
		p.markFailed(ctx, id, record.AttemptCount, fmt.Errorf("%w: %q", worchflow.ErrUnknownHandler, record.EventName))
		return
	}
	logger = log.WithExecutionContext(p.logger, id, record.EventName)

	// Error fields belong to failed and retrying records only; a retry
	// attempt entering processing sheds the previous failure.
	now := execution.NowMillis()
	if err := p.writeStatus(ctx, id, map[string]string{
		execution.FieldStatus:    string(execution.StatusProcessing),
		execution.FieldUpdatedAt: strconv.FormatInt(now, 10),
	}, map[string]any{
		execution.FieldStatus:    execution.StatusProcessing,
		execution.FieldUpdatedAt: now,
	}, []string{execution.FieldError, execution.FieldErrorStack}); err != nil {
		p.reportError(logger, "transition to processing", err)
		return
	}
	p.bus.Emit(bus.Event{
		Type:         bus.TypeExecutionStart,
		ExecutionID:  id,
		EventName:    record.EventName,
		AttemptCount: record.AttemptCount,
	})
	p.bus.Emit(bus.Event{
		Type:        bus.TypeExecutionUpdated,
		ExecutionID: id,
		Status:      execution.StatusProcessing,
	})

	// Dedicated connection for the step cache; released on every exit
	// path.
	stepConn := p.kv.Duplicate()
	defer stepConn.Close()
	runner := step.NewRunner(ctx, id, stepConn, p.doc, p.keys, p.bus, logger)

	started := time.Now()
	result, err := p.invoke(ctx, handler, record, runner)
	metrics.ExecutionDuration.WithLabelValues(record.EventName).Observe(time.Since(started).Seconds())

	if err != nil {
		p.handleFailure(ctx, id, err)
		return
	}
	p.complete(ctx, id, record.AttemptCount, result)
}

// invoke calls the handler function, converting a panic into an error so a
// misbehaving handler cannot take the pool down.
func (p *Pool) invoke(ctx context.Context, handler worchflow.Handler, record *execution.Execution, runner worchflow.StepRunner) (result json.RawMessage, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("handler panic: %v\n%s", r, debug.Stack())
		}
	}()

	out, err := handler.Fn(ctx, &worchflow.HandlerContext{
		Event: worchflow.Event{
			Name:      record.EventName,
			Data:      record.EventData,
			ID:        record.ID,
			Timestamp: record.CreatedAt,
		},
		Step: runner,
	})
	if err != nil {
		return nil, err
	}
	return json.Marshal(out)
}

// complete writes the terminal completed state to both stores, then emits
// the completion events. The attempt count is preserved; error fields left
// by earlier failed attempts are cleared.
func (p *Pool) complete(ctx context.Context, id string, attemptCount int, result json.RawMessage) {
	now := execution.NowMillis()
	if err := p.writeStatus(ctx, id, map[string]string{
		execution.FieldStatus:    string(execution.StatusCompleted),
		execution.FieldResult:    string(result),
		execution.FieldUpdatedAt: strconv.FormatInt(now, 10),
	}, map[string]any{
		execution.FieldStatus:    execution.StatusCompleted,
		execution.FieldResult:    result,
		execution.FieldUpdatedAt: now,
	}, []string{execution.FieldError, execution.FieldErrorStack}); err != nil {
		p.reportError(p.logger.With(slog.String(log.ExecutionIDKey, id)), "write completion", err)
		return
	}

	metrics.ExecutionsTotal.WithLabelValues(string(execution.StatusCompleted)).Inc()
	p.bus.Emit(bus.Event{
		Type:        bus.TypeExecutionComplete,
		ExecutionID: id,
		Result:      result,
	})
	p.bus.Emit(bus.Event{
		Type:         bus.TypeExecutionUpdated,
		ExecutionID:  id,
		Status:       execution.StatusCompleted,
		Result:       result,
		AttemptCount: attemptCount,
	})
}

// handleFailure applies the retry policy after a handler error. The record
// is reloaded first: the KV store holds the authoritative attempt count.
func (p *Pool) handleFailure(ctx context.Context, id string, handlerErr error) {
	logger := p.logger.With(slog.String(log.ExecutionIDKey, id))

	fields, err := p.kv.HashGetAll(ctx, p.keys.Execution(id))
	if err != nil {
		p.reportError(logger, "reload after failure", err)
		return
	}
	record, err := execution.FromHash(fields)
	if err != nil {
		p.reportError(logger, "reload after failure", err)
		return
	}

	handler, registered := p.handlers[record.EventName]
	shouldRetry := registered && record.AttemptCount < handler.Retries

	status := execution.StatusFailed
	if shouldRetry {
		status = execution.StatusRetrying
	}
	attempts := record.AttemptCount + 1
	now := execution.NowMillis()
	errStack := fmt.Sprintf("%+v", handlerErr)

	if err := p.writeStatus(ctx, id, map[string]string{
		execution.FieldStatus:       string(status),
		execution.FieldError:        handlerErr.Error(),
		execution.FieldErrorStack:   errStack,
		execution.FieldAttemptCount: strconv.Itoa(attempts),
		execution.FieldUpdatedAt:    strconv.FormatInt(now, 10),
	}, map[string]any{
		execution.FieldStatus:       status,
		execution.FieldError:        handlerErr.Error(),
		execution.FieldErrorStack:   errStack,
		execution.FieldAttemptCount: attempts,
		execution.FieldUpdatedAt:    now,
	}, nil); err != nil {
		p.reportError(logger, "write failure", err)
		return
	}

	metrics.ExecutionsTotal.WithLabelValues(string(status)).Inc()
	p.bus.Emit(bus.Event{
		Type:         bus.TypeExecutionFailed,
		ExecutionID:  id,
		Err:          handlerErr.Error(),
		AttemptCount: attempts,
		WillRetry:    shouldRetry,
	})
	p.bus.Emit(bus.Event{
		Type:         bus.TypeExecutionUpdated,
		ExecutionID:  id,
		Status:       status,
		Err:          handlerErr.Error(),
		AttemptCount: attempts,
	})

	logger.Warn("execution failed",
		slog.String(log.EventNameKey, record.EventName),
		slog.Int(log.AttemptKey, attempts),
		slog.Bool("will_retry", shouldRetry),
		log.Error(handlerErr))

	if shouldRetry && p.running.Load() {
		p.scheduleRetry(id, handler.RetryDelay)
	}
}

// scheduleRetry re-enqueues the id after the handler's retry delay. A
// retry firing after the pool stopped is dropped.
func (p *Pool) scheduleRetry(id string, delay time.Duration) {
	time.AfterFunc(delay, func() {
		if !p.running.Load() {
			p.logger.Debug("dropping retry after stop", slog.String(log.ExecutionIDKey, id))
			return
		}
		ctx, cancel := context.WithTimeout(context.Background(), popTimeout)
		defer cancel()
		if err := p.kv.ListPushRight(ctx, p.keys.Queue(), id); err != nil {
			p.reportError(p.logger.With(slog.String(log.ExecutionIDKey, id)), "re-enqueue retry", err)
			return
		}
		metrics.RetriesTotal.Inc()
	})
}

// markFailed writes a terminal failed state for an execution that never
// reached its handler: malformed record, malformed payload, or an unknown
// event name. These do not retry.
func (p *Pool) markFailed(ctx context.Context, id string, attemptCount int, cause error) {
	now := execution.NowMillis()
	if err := p.writeStatus(ctx, id, map[string]string{
		execution.FieldStatus:    string(execution.StatusFailed),
		execution.FieldError:     cause.Error(),
		execution.FieldUpdatedAt: strconv.FormatInt(now, 10),
	}, map[string]any{
		execution.FieldStatus:    execution.StatusFailed,
		execution.FieldError:     cause.Error(),
		execution.FieldUpdatedAt: now,
	}, nil); err != nil {
		p.reportError(p.logger.With(slog.String(log.ExecutionIDKey, id)), "mark failed", err)
		return
	}

	metrics.ExecutionsTotal.WithLabelValues(string(execution.StatusFailed)).Inc()
	p.bus.Emit(bus.Event{
		Type:         bus.TypeExecutionFailed,
		ExecutionID:  id,
		Err:          cause.Error(),
		AttemptCount: attemptCount,
		WillRetry:    false,
	})
	p.bus.Emit(bus.Event{
		Type:        bus.TypeExecutionUpdated,
		ExecutionID: id,
		Status:      execution.StatusFailed,
		Err:         cause.Error(),
	})
}

// writeStatus applies the same state transition to both stores in
// parallel. unset names fields cleared on both sides: deleted from the KV
// hash, set to NULL in the doc store. KV updates go through the shared
// adapter, never a worker's dedicated pop connection.
func (p *Pool) writeStatus(ctx context.Context, id string, kvFields map[string]string, set map[string]any, unset []string) error {
	var wg sync.WaitGroup
	var kvErr, docErr error
	wg.Add(2)
	go func() {
		defer wg.Done()
		kvErr = p.kv.HashSet(ctx, p.keys.Execution(id), kvFields)
		if kvErr == nil && len(unset) > 0 {
			kvErr = p.kv.HashDelete(ctx, p.keys.Execution(id), unset...)
		}
	}()
	go func() {
		defer wg.Done()
		docErr = p.doc.UpdateExecution(ctx, id, set, unset)
	}()
	wg.Wait()

	if kvErr != nil {
		return kvErr
	}
	return docErr
}

// reportError logs a bookkeeping failure and surfaces it on the bus. The
// pool keeps running; orphan recovery repairs inconsistent records at the
// next startup.
func (p *Pool) reportError(logger *slog.Logger, op string, err error) {
	logger.Error(op, log.Error(err))
	p.bus.Emit(bus.Event{Type: bus.TypeError, Err: fmt.Sprintf("%s: %v", op, err)})
}
