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

package api

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/worchflow/worchflow/internal/bus"
	"github.com/worchflow/worchflow/internal/client"
	"github.com/worchflow/worchflow/internal/docstore"
	"github.com/worchflow/worchflow/internal/execution"
	"github.com/worchflow/worchflow/internal/kv"
)

type fixture struct {
	kv     *kv.Store
	doc    *docstore.Store
	keys   kv.Keys
	server *httptest.Server
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	mr := miniredis.RunT(t)
	kvStore := kv.New(kv.Options{Addr: mr.Addr()})
	t.Cleanup(func() { kvStore.Close() })

	doc, err := docstore.New(docstore.Config{Path: filepath.Join(t.TempDir(), "test.db")}, slog.Default())
	require.NoError(t, err)
	t.Cleanup(func() { doc.Close() })

	c, err := client.New(context.Background(), kvStore, doc, "", bus.New(slog.Default()), slog.Default())
	require.NoError(t, err)

	h := New(doc, kvStore, c, "", slog.Default())
	server := httptest.NewServer(h.Router())
	t.Cleanup(server.Close)

	return &fixture{kv: kvStore, doc: doc, keys: kv.NewKeys(""), server: server}
}

func (f *fixture) insert(t *testing.T, id string, status execution.Status, createdAt int64) {
	t.Helper()
	e := &execution.Execution{
		ID:        id,
		EventName: "test-event",
		EventData: json.RawMessage(`{}`),
		Status:    status,
		CreatedAt: createdAt,
		UpdatedAt: createdAt,
	}
	require.NoError(t, f.doc.InsertExecution(context.Background(), e))
	require.NoError(t, f.kv.HashSet(context.Background(), f.keys.Execution(id), e.ToHash()))
}

func getJSON(t *testing.T, url string, out any) int {
	t.Helper()
	resp, err := http.Get(url)
	require.NoError(t, err)
	defer resp.Body.Close()
	if out != nil {
		require.NoError(t, json.NewDecoder(resp.Body).Decode(out))
	}
	return resp.StatusCode
}

func postJSON(t *testing.T, url, body string, out any) int {
	t.Helper()
	resp, err := http.Post(url, "application/json", strings.NewReader(body))
	require.NoError(t, err)
	defer resp.Body.Close()
	if out != nil {
		require.NoError(t, json.NewDecoder(resp.Body).Decode(out))
	}
	return resp.StatusCode
}

func TestListExecutions(t *testing.T) {
	f := newFixture(t)
	f.insert(t, "old", execution.StatusCompleted, 1000)
	f.insert(t, "new", execution.StatusFailed, 2000)

	var body struct {
		Executions []*execution.Execution `json:"executions"`
	}
	code := getJSON(t, f.server.URL+"/executions", &body)
	require.Equal(t, http.StatusOK, code)
	require.Len(t, body.Executions, 2)
	assert.Equal(t, "new", body.Executions[0].ID, "newest first")
	assert.Equal(t, "old", body.Executions[1].ID)

	code = getJSON(t, f.server.URL+"/executions?status=failed", &body)
	require.Equal(t, http.StatusOK, code)
	require.Len(t, body.Executions, 1)
	assert.Equal(t, "new", body.Executions[0].ID)

	code = getJSON(t, f.server.URL+"/executions?limit=1&skip=1", &body)
	require.Equal(t, http.StatusOK, code)
	require.Len(t, body.Executions, 1)
	assert.Equal(t, "old", body.Executions[0].ID)
}

func TestListExecutionsValidation(t *testing.T) {
	f := newFixture(t)

	assert.Equal(t, http.StatusBadRequest, getJSON(t, f.server.URL+"/executions?status=bogus", nil))
	assert.Equal(t, http.StatusBadRequest, getJSON(t, f.server.URL+"/executions?limit=0", nil))
	assert.Equal(t, http.StatusBadRequest, getJSON(t, f.server.URL+"/executions?limit=abc", nil))
	assert.Equal(t, http.StatusBadRequest, getJSON(t, f.server.URL+"/executions?skip=-1", nil))
}

func TestListExecutionsEmpty(t *testing.T) {
	f := newFixture(t)

	var body struct {
		Executions []*execution.Execution `json:"executions"`
	}
	code := getJSON(t, f.server.URL+"/executions", &body)
	require.Equal(t, http.StatusOK, code)
	assert.NotNil(t, body.Executions)
	assert.Empty(t, body.Executions)
}

func TestGetExecutionDetail(t *testing.T) {
	f := newFixture(t)
	f.insert(t, "exec-1", execution.StatusCompleted, 1000)
	require.NoError(t, f.doc.InsertStep(context.Background(), &execution.Step{
		ExecutionID: "exec-1", StepID: "s1", Name: "step one",
		Status: execution.StatusCompleted, Result: json.RawMessage(`1`), Timestamp: 1500,
	}))

	var body struct {
		Execution   *execution.Execution `json:"execution"`
		Steps       []*execution.Step    `json:"steps"`
		KVExecution map[string]string    `json:"kvExecution"`
	}
	code := getJSON(t, f.server.URL+"/executions/exec-1", &body)
	require.Equal(t, http.StatusOK, code)

	require.NotNil(t, body.Execution)
	assert.Equal(t, "exec-1", body.Execution.ID)
	require.Len(t, body.Steps, 1)
	assert.Equal(t, "step one", body.Steps[0].Name)
	assert.Equal(t, "completed", body.KVExecution[execution.FieldStatus])
}

func TestGetExecutionNotFound(t *testing.T) {
	f := newFixture(t)
	assert.Equal(t, http.StatusNotFound, getJSON(t, f.server.URL+"/executions/missing", nil))
}

func TestRetryExecution(t *testing.T) {
	f := newFixture(t)

	failed := &execution.Execution{
		ID:           "exec-1",
		EventName:    "test-event",
		EventData:    json.RawMessage(`{}`),
		Status:       execution.StatusFailed,
		AttemptCount: 2,
		Error:        "boom",
		CreatedAt:    1000,
		UpdatedAt:    1000,
	}
	require.NoError(t, f.doc.InsertExecution(context.Background(), failed))
	require.NoError(t, f.kv.HashSet(context.Background(), f.keys.Execution("exec-1"), failed.ToHash()))

	var body struct {
		Success     bool   `json:"success"`
		ExecutionID string `json:"executionId"`
	}
	code := postJSON(t, f.server.URL+"/executions/exec-1/retry", "", &body)
	require.Equal(t, http.StatusOK, code)
	assert.True(t, body.Success)
	assert.Equal(t, "exec-1", body.ExecutionID)

	record, err := f.doc.GetExecution(context.Background(), "exec-1")
	require.NoError(t, err)
	assert.Equal(t, execution.StatusQueued, record.Status)
	assert.Equal(t, 0, record.AttemptCount)
	assert.Empty(t, record.Error)

	queued, ok, err := f.kv.ListPopLeftBlocking(context.Background(), f.keys.Queue(), time.Second)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, "exec-1", queued)
}

func TestRetryExecutionNotFound(t *testing.T) {
	f := newFixture(t)
	assert.Equal(t, http.StatusNotFound, postJSON(t, f.server.URL+"/executions/missing/retry", "", nil))
}

func TestStats(t *testing.T) {
	f := newFixture(t)
	f.insert(t, "a", execution.StatusCompleted, 1000)
	f.insert(t, "b", execution.StatusCompleted, 2000)
	f.insert(t, "c", execution.StatusFailed, 3000)

	var stats map[string]int64
	code := getJSON(t, f.server.URL+"/stats", &stats)
	require.Equal(t, http.StatusOK, code)

	assert.Equal(t, int64(2), stats["completed"])
	assert.Equal(t, int64(1), stats["failed"])
	assert.Equal(t, int64(0), stats["queued"])
	assert.Equal(t, int64(3), stats["total"])
}

func TestSend(t *testing.T) {
	f := newFixture(t)

	var body struct {
		Success     bool   `json:"success"`
		ExecutionID string `json:"executionId"`
	}
	code := postJSON(t, f.server.URL+"/send", `{"name":"test-event","data":{"value":1}}`, &body)
	require.Equal(t, http.StatusAccepted, code)
	assert.True(t, body.Success)
	require.NotEmpty(t, body.ExecutionID)

	record, err := f.doc.GetExecution(context.Background(), body.ExecutionID)
	require.NoError(t, err)
	assert.Equal(t, "test-event", record.EventName)
	assert.Equal(t, execution.StatusQueued, record.Status)
	assert.JSONEq(t, `{"value":1}`, string(record.EventData))

	queued, ok, err := f.kv.ListPopLeftBlocking(context.Background(), f.keys.Queue(), time.Second)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, body.ExecutionID, queued)
}

func TestSendValidation(t *testing.T) {
	f := newFixture(t)

	assert.Equal(t, http.StatusBadRequest, postJSON(t, f.server.URL+"/send", `{"data":{}}`, nil))
	assert.Equal(t, http.StatusBadRequest, postJSON(t, f.server.URL+"/send", `not json`, nil))
}

func TestHealthz(t *testing.T) {
	f := newFixture(t)

	var body map[string]string
	code := getJSON(t, f.server.URL+"/healthz", &body)
	require.Equal(t, http.StatusOK, code)
	assert.Equal(t, "ok", body["status"])
}
