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

package scheduler

import (
	"context"
	"log/slog"
	"path/filepath"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/worchflow/worchflow/internal/bus"
	"github.com/worchflow/worchflow/internal/client"
	"github.com/worchflow/worchflow/internal/cron"
	"github.com/worchflow/worchflow/internal/docstore"
	"github.com/worchflow/worchflow/internal/execution"
	"github.com/worchflow/worchflow/internal/kv"
	"github.com/worchflow/worchflow/pkg/worchflow"
)

type harness struct {
	mr  *miniredis.Miniredis
	kv  *kv.Store
	doc *docstore.Store
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	mr := miniredis.RunT(t)
	kvStore := kv.New(kv.Options{Addr: mr.Addr()})
	t.Cleanup(func() { kvStore.Close() })

	doc, err := docstore.New(docstore.Config{Path: filepath.Join(t.TempDir(), "test.db")}, slog.Default())
	require.NoError(t, err)
	t.Cleanup(func() { doc.Close() })

	return &harness{mr: mr, kv: kvStore, doc: doc}
}

// instance wires one scheduler with its own bus, client and event channel,
// sharing the harness stores with other instances.
type instance struct {
	sched  *Scheduler
	events chan bus.Event
}

func (h *harness) newInstance(t *testing.T, opts Options) *instance {
	t.Helper()
	b := bus.New(slog.Default())
	events := make(chan bus.Event, 256)
	b.Subscribe(func(e bus.Event) {
		select {
		case events <- e:
		default:
		}
	})

	kvStore := kv.New(kv.Options{Addr: h.mr.Addr()})
	t.Cleanup(func() { kvStore.Close() })

	c, err := client.New(context.Background(), kvStore, h.doc, "", b, slog.Default())
	require.NoError(t, err)

	opts.KV = kvStore
	opts.Doc = h.doc
	opts.Client = c
	opts.Bus = b
	opts.Logger = slog.Default()

	s, err := New(opts)
	require.NoError(t, err)
	return &instance{sched: s, events: events}
}

func startScheduler(t *testing.T, in *instance) {
	t.Helper()
	require.NoError(t, in.sched.Start(context.Background()))
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		_ = in.sched.Stop(ctx)
	})
}

func waitForEvent(t *testing.T, events chan bus.Event, typ bus.Type, timeout time.Duration) bus.Event {
	t.Helper()
	deadline := time.After(timeout)
	for {
		select {
		case e := <-events:
			if e.Type == typ {
				return e
			}
		case <-deadline:
			t.Fatalf("timed out waiting for %s", typ)
		}
	}
}

func scheduledHandler(id, expr string) worchflow.Handler {
	return worchflow.Handler{
		ID:   id,
		Cron: expr,
		Fn: func(ctx context.Context, hctx *worchflow.HandlerContext) (any, error) {
			return nil, nil
		},
	}
}

func TestNewRequiresASchedule(t *testing.T) {
	h := newHarness(t)

	b := bus.New(slog.Default())
	c, err := client.New(context.Background(), h.kv, h.doc, "", b, slog.Default())
	require.NoError(t, err)

	_, err = New(Options{
		KV: h.kv, Doc: h.doc, Client: c, Bus: b, Logger: slog.Default(),
		Handlers: []worchflow.Handler{{ID: "plain", Fn: func(ctx context.Context, hctx *worchflow.HandlerContext) (any, error) { return nil, nil }}},
	})
	require.ErrorIs(t, err, worchflow.ErrNoSchedules)

	_, err = New(Options{
		KV: h.kv, Doc: h.doc, Client: c, Bus: b, Logger: slog.Default(),
		Handlers: []worchflow.Handler{scheduledHandler("bad", "not a cron")},
	})
	require.ErrorIs(t, err, worchflow.ErrInvalidCron)
}

func TestStartStopGuards(t *testing.T) {
	h := newHarness(t)
	in := h.newInstance(t, Options{
		Handlers: []worchflow.Handler{scheduledHandler("tick", "0 0 * * * *")},
	})

	err := in.sched.Stop(context.Background())
	require.ErrorIs(t, err, worchflow.ErrNotRunning)

	startScheduler(t, in)
	err = in.sched.Start(context.Background())
	require.ErrorIs(t, err, worchflow.ErrAlreadyRunning)
}

func TestSingleLeaderAcrossInstances(t *testing.T) {
	h := newHarness(t)

	opts := Options{
		Handlers:            []worchflow.Handler{scheduledHandler("tick", "0 0 * * * *")},
		LeaderElection:      true,
		LeaderTTL:           time.Minute,
		LeaderCheckInterval: 25 * time.Millisecond,
	}
	a := h.newInstance(t, opts)
	b := h.newInstance(t, opts)

	startScheduler(t, a)
	startScheduler(t, b)

	require.Eventually(t, func() bool {
		return a.sched.isLeader.Load() || b.sched.isLeader.Load()
	}, 2*time.Second, 10*time.Millisecond, "one instance must acquire leadership")

	// Let several election ticks pass; the follower keeps losing SETNX
	// while the leader's key lives.
	time.Sleep(200 * time.Millisecond)
	assert.NotEqual(t, a.sched.isLeader.Load(), b.sched.isLeader.Load(),
		"exactly one instance must lead")
}

func TestLeadershipLostOnExpiry(t *testing.T) {
	h := newHarness(t)

	in := h.newInstance(t, Options{
		Handlers:            []worchflow.Handler{scheduledHandler("tick", "0 0 * * * *")},
		LeaderElection:      true,
		LeaderTTL:           time.Second,
		LeaderCheckInterval: 25 * time.Millisecond,
	})
	startScheduler(t, in)

	waitForEvent(t, in.events, bus.TypeLeaderAcquired, 2*time.Second)

	// Expire the leader key behind the scheduler's back.
	h.mr.FastForward(2 * time.Second)

	waitForEvent(t, in.events, bus.TypeLeaderLost, 2*time.Second)

	// With the key gone the instance rejoins the electorate and wins again.
	waitForEvent(t, in.events, bus.TypeLeaderAcquired, 2*time.Second)
}

func TestLeaderFiresSchedule(t *testing.T) {
	h := newHarness(t)

	in := h.newInstance(t, Options{
		Handlers: []worchflow.Handler{scheduledHandler("every-second", "* * * * * *")},
	})
	startScheduler(t, in)

	triggered := waitForEvent(t, in.events, bus.TypeScheduleTriggered, 3*time.Second)
	assert.Equal(t, "every-second", triggered.FunctionID)
	assert.False(t, triggered.Missed)
	require.NotEmpty(t, triggered.ExecutionID)

	record, err := h.doc.GetExecution(context.Background(), triggered.ExecutionID)
	require.NoError(t, err)
	assert.Equal(t, "every-second", record.EventName)
	assert.Equal(t, execution.StatusQueued, record.Status)
	assert.JSONEq(t, `{}`, string(record.EventData))

	ce, err := h.doc.GetCronExecution(context.Background(), "every-second")
	require.NoError(t, err)
	assert.Equal(t, "* * * * * *", ce.CronExpression)
	assert.Greater(t, ce.NextScheduledTime, ce.LastExecutionTime)
}

func TestReplayMissedOnAcquisition(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	// A daily schedule that last fired two days ago: it was due while no
	// leader was active, and its regular timer cannot fire during the
	// test. Exactly one catch-up is submitted.
	lastRun := time.Now().Add(-48 * time.Hour)
	require.NoError(t, h.doc.UpsertCronExecution(ctx, &execution.CronExecution{
		FunctionID:        "nightly",
		LastExecutionTime: lastRun.UnixMilli(),
		NextScheduledTime: lastRun.Add(24 * time.Hour).UnixMilli(),
		CronExpression:    "0 0 3 * * *",
		UpdatedAt:         lastRun.UnixMilli(),
	}))

	in := h.newInstance(t, Options{
		Handlers: []worchflow.Handler{scheduledHandler("nightly", "0 0 3 * * *")},
	})
	startScheduler(t, in)

	missed := waitForEvent(t, in.events, bus.TypeScheduleMissed, 2*time.Second)
	assert.Equal(t, "nightly", missed.FunctionID)

	triggered := waitForEvent(t, in.events, bus.TypeScheduleTriggered, 2*time.Second)
	assert.True(t, triggered.Missed)

	n, err := h.doc.CountExecutions(ctx, execution.StatusQueued)
	require.NoError(t, err)
	assert.Equal(t, int64(1), n, "exactly one catch-up execution")

	ce, err := h.doc.GetCronExecution(ctx, "nightly")
	require.NoError(t, err)
	assert.Greater(t, ce.LastExecutionTime, lastRun.UnixMilli(), "catch-up restamps the record")
}

func TestFreshScheduleIsNotReplayed(t *testing.T) {
	h := newHarness(t)

	in := h.newInstance(t, Options{
		Handlers: []worchflow.Handler{scheduledHandler("never-fired", "0 30 4 * * *")},
	})
	startScheduler(t, in)

	// Give the replay pass time to run, then check nothing was missed.
	time.Sleep(200 * time.Millisecond)
	for {
		select {
		case e := <-in.events:
			if e.Type == bus.TypeScheduleMissed || e.Type == bus.TypeScheduleTriggered {
				t.Fatalf("unexpected %s for a schedule that never fired", e.Type)
			}
		default:
			return
		}
	}
}

func TestStopReleasesLeaderKey(t *testing.T) {
	h := newHarness(t)

	in := h.newInstance(t, Options{
		Handlers:            []worchflow.Handler{scheduledHandler("tick", "0 0 * * * *")},
		LeaderElection:      true,
		LeaderTTL:           time.Minute,
		LeaderCheckInterval: 25 * time.Millisecond,
	})
	require.NoError(t, in.sched.Start(context.Background()))
	waitForEvent(t, in.events, bus.TypeLeaderAcquired, 2*time.Second)

	require.NoError(t, in.sched.Stop(context.Background()))
	waitForEvent(t, in.events, bus.TypeStopped, time.Second)

	// The key is gone, so a new claimant wins immediately.
	keys := kv.NewKeys("")
	ok, err := h.kv.SetIfAbsentTTL(context.Background(), keys.Leader(), "other", time.Minute)
	require.NoError(t, err)
	assert.True(t, ok, "leader key must be released on stop")
}

func TestMinIntervalGuardsAgainstEagerReplay(t *testing.T) {
	// A literal-seconds schedule that fired moments ago must not be
	// replayed, even though its next firing is in the future.
	sched, err := cron.Parse("0 * * * * *")
	require.NoError(t, err)
	now := time.Now()
	assert.False(t, sched.ShouldHaveRun(now.Add(-5*time.Second), now))
}
