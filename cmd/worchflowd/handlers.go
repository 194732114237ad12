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

package main

import (
	"context"
	"encoding/json"
	"strings"
	"time"

	"github.com/worchflow/worchflow/pkg/worchflow"
)

// demoHandlers returns the handlers the shipped daemon registers. Real
// deployments embed the engine and register their own.
func demoHandlers() []worchflow.Handler {
	return []worchflow.Handler{
		{
			ID:      "simple-event",
			Retries: 2,
			Fn:      simpleHandler,
		},
		{
			ID:         "counter-event",
			Retries:    1,
			RetryDelay: time.Second,
			Fn:         counterHandler,
		},
		{
			ID:   "heartbeat",
			Cron: "*/30 * * * * *",
			Fn:   heartbeatHandler,
		},
	}
}

// simpleHandler upper-cases the payload value in one step.
func simpleHandler(ctx context.Context, hctx *worchflow.HandlerContext) (any, error) {
	var payload struct {
		Value string `json:"value"`
	}
	if err := json.Unmarshal(hctx.Event.Data, &payload); err != nil {
		return nil, err
	}

	processed, err := hctx.Step.Run("process value", func() (any, error) {
		return map[string]string{"processed": strings.ToUpper(payload.Value)}, nil
	})
	if err != nil {
		return nil, err
	}

	var out map[string]string
	if err := json.Unmarshal(processed, &out); err != nil {
		return nil, err
	}
	return out, nil
}

// counterHandler runs a three-step arithmetic sequence over the payload
// count, demonstrating step chaining and checkpoint resume.
func counterHandler(ctx context.Context, hctx *worchflow.HandlerContext) (any, error) {
	var payload struct {
		Count int `json:"count"`
	}
	if err := json.Unmarshal(hctx.Event.Data, &payload); err != nil {
		return nil, err
	}

	step1, err := hctx.Step.Run("add ten", func() (any, error) {
		return payload.Count + 10, nil
	})
	if err != nil {
		return nil, err
	}
	var afterAdd int
	if err := json.Unmarshal(step1, &afterAdd); err != nil {
		return nil, err
	}

	step2, err := hctx.Step.Run("double", func() (any, error) {
		return afterAdd * 2, nil
	})
	if err != nil {
		return nil, err
	}
	var afterDouble int
	if err := json.Unmarshal(step2, &afterDouble); err != nil {
		return nil, err
	}

	step3, err := hctx.Step.Run("subtract five", func() (any, error) {
		return afterDouble - 5, nil
	})
	if err != nil {
		return nil, err
	}
	var final int
	if err := json.Unmarshal(step3, &final); err != nil {
		return nil, err
	}

	return map[string]int{"result": final}, nil
}

// heartbeatHandler is the scheduled demo handler; it records the firing
// time.
func heartbeatHandler(ctx context.Context, hctx *worchflow.HandlerContext) (any, error) {
	stamped, err := hctx.Step.Run("stamp", func() (any, error) {
		return map[string]int64{"firedAt": time.Now().UnixMilli()}, nil
	})
	if err != nil {
		return nil, err
	}
	var out map[string]int64
	if err := json.Unmarshal(stamped, &out); err != nil {
		return nil, err
	}
	return out, nil
}
