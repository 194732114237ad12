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

// Package client implements event submission and manual retry.
package client

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"

	"github.com/worchflow/worchflow/internal/bus"
	"github.com/worchflow/worchflow/internal/docstore"
	"github.com/worchflow/worchflow/internal/execution"
	"github.com/worchflow/worchflow/internal/kv"
	"github.com/worchflow/worchflow/internal/log"
	"github.com/worchflow/worchflow/pkg/worchflow"
)

// Client submits events to the engine. Submission writes the execution
// record to both stores, then enqueues the id; the record exists before any
// worker can pop it.
type Client struct {
	kv     *kv.Store
	doc    *docstore.Store
	keys   kv.Keys
	bus    *bus.Bus
	logger *slog.Logger
	ready  bool
}

// New performs the startup handshake against both stores and returns a
// ready client. A failed handshake is a construction error.
func New(ctx context.Context, kvStore *kv.Store, doc *docstore.Store, queuePrefix string, b *bus.Bus, logger *slog.Logger) (*Client, error) {
	if err := kvStore.Ping(ctx); err != nil {
		return nil, fmt.Errorf("client handshake: %w", err)
	}
	if err := doc.Ping(ctx); err != nil {
		return nil, fmt.Errorf("client handshake: %w", err)
	}
	return &Client{
		kv:     kvStore,
		doc:    doc,
		keys:   kv.NewKeys(queuePrefix),
		bus:    b,
		logger: log.WithComponent(logger, "client"),
		ready:  true,
	}, nil
}

// Submit creates an execution for the event and enqueues it. Returns the
// execution id: the caller-supplied one, or a generated 128-bit hex id.
func (c *Client) Submit(ctx context.Context, event worchflow.Event) (string, error) {
	if !c.ready {
		return "", worchflow.ErrNotReady
	}
	if event.Name == "" {
		return "", fmt.Errorf("submit: event name is required")
	}

	id := event.ID
	if id == "" {
		id = execution.NewID()
	}
	now := execution.NowMillis()
	createdAt := event.Timestamp
	if createdAt == 0 {
		createdAt = now
	}
	data := event.Data
	if data == nil {
		// Empty payload by convention, matching scheduled firings.
		data = json.RawMessage("{}")
	}

	record := &execution.Execution{
		ID:           id,
		EventName:    event.Name,
		EventData:    data,
		Status:       execution.StatusQueued,
		AttemptCount: 0,
		CreatedAt:    createdAt,
		UpdatedAt:    now,
	}

	if err := c.writeBoth(ctx,
		func() error { return c.kv.HashSet(ctx, c.keys.Execution(id), record.ToHash()) },
		func() error { return c.doc.InsertExecution(ctx, record) },
	); err != nil {
		return "", fmt.Errorf("submit %s: %w", id, err)
	}

	if err := c.kv.ListPushRight(ctx, c.keys.Queue(), id); err != nil {
		return "", fmt.Errorf("submit %s: enqueue: %w", id, err)
	}

	c.logger.Debug("event submitted",
		slog.String(log.ExecutionIDKey, id),
		slog.String(log.EventNameKey, event.Name))
	return id, nil
}

// ManualRetry forces an execution back to queued from any state: attempt
// count reset to zero, error fields cleared, and the id re-enqueued. The
// current status is deliberately not checked.
func (c *Client) ManualRetry(ctx context.Context, id string) error {
	if !c.ready {
		return worchflow.ErrNotReady
	}

	now := execution.NowMillis()
	if err := c.writeBoth(ctx,
		func() error {
			if err := c.kv.HashSet(ctx, c.keys.Execution(id), map[string]string{
				execution.FieldStatus:       string(execution.StatusQueued),
				execution.FieldAttemptCount: "0",
				execution.FieldUpdatedAt:    fmt.Sprintf("%d", now),
			}); err != nil {
				return err
			}
			return c.kv.HashDelete(ctx, c.keys.Execution(id), execution.FieldError, execution.FieldErrorStack)
		},
		func() error {
			return c.doc.UpdateExecution(ctx, id,
				map[string]any{
					execution.FieldStatus:       execution.StatusQueued,
					execution.FieldAttemptCount: 0,
					execution.FieldUpdatedAt:    now,
				},
				[]string{execution.FieldError, execution.FieldErrorStack},
			)
		},
	); err != nil {
		return fmt.Errorf("manual retry %s: %w", id, err)
	}

	if err := c.kv.ListPushRight(ctx, c.keys.Queue(), id); err != nil {
		return fmt.Errorf("manual retry %s: enqueue: %w", id, err)
	}

	c.logger.Info("execution manually retried", slog.String(log.ExecutionIDKey, id))
	return nil
}

// writeBoth runs the two store writes in parallel and returns the first
// failure.
func (c *Client) writeBoth(ctx context.Context, kvWrite, docWrite func() error) error {
	var wg sync.WaitGroup
	var kvErr, docErr error
	wg.Add(2)
	go func() {
		defer wg.Done()
		kvErr = kvWrite()
	}()
	go func() {
		defer wg.Done()
		docErr = docWrite()
	}()
	wg.Wait()

	if kvErr != nil {
		return kvErr
	}
	return docErr
}
