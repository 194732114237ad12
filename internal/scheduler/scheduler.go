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

// Package scheduler fires cron-scheduled handlers through the client.
//
// With leader election enabled (the default), any number of scheduler
// instances may run; exactly one holds the TTL-bound leader key at a time
// and only that one fires timers. Leadership is renewed on every check
// tick; an instance that finds its key expired stops its timers and
// rejoins the electorate. On becoming leader, an instance replays at most
// one missed firing per function, however long the outage was.
package scheduler

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/worchflow/worchflow/internal/bus"
	"github.com/worchflow/worchflow/internal/client"
	"github.com/worchflow/worchflow/internal/cron"
	"github.com/worchflow/worchflow/internal/docstore"
	"github.com/worchflow/worchflow/internal/execution"
	"github.com/worchflow/worchflow/internal/kv"
	"github.com/worchflow/worchflow/internal/log"
	"github.com/worchflow/worchflow/internal/metrics"
	"github.com/worchflow/worchflow/pkg/worchflow"
)

const (
	defaultLeaderTTL           = 60 * time.Second
	defaultLeaderCheckInterval = 30 * time.Second
)

// Options configures a scheduler.
type Options struct {
	KV     *kv.Store
	Doc    *docstore.Store
	Client *client.Client

	// Handlers must include at least one with a non-empty Cron.
	Handlers []worchflow.Handler

	// QueuePrefix namespaces the leader key.
	QueuePrefix string

	Bus    *bus.Bus
	Logger *slog.Logger

	// LeaderElection coordinates instances through the leader key.
	// Disabled, this instance fires unconditionally.
	LeaderElection bool

	// LeaderTTL is the leader key lifetime. Defaults to 60s.
	LeaderTTL time.Duration

	// LeaderCheckInterval is the election tick. Defaults to 30s.
	LeaderCheckInterval time.Duration
}

// schedule pairs a cron-bearing handler with its parsed expression.
type schedule struct {
	handler worchflow.Handler
	expr    *cron.Schedule
}

// Scheduler fires scheduled handlers while it holds leadership.
type Scheduler struct {
	kv         *kv.Store
	doc        *docstore.Store
	client     *client.Client
	keys       kv.Keys
	bus        *bus.Bus
	logger     *slog.Logger
	schedules  map[string]*schedule
	election   bool
	leaderTTL  time.Duration
	checkEvery time.Duration
	instanceID string

	mu       sync.Mutex
	started  bool
	cancel   context.CancelFunc
	loopDone chan struct{}

	isLeader atomic.Bool

	timersMu     sync.Mutex
	timersCancel context.CancelFunc
	timers       sync.WaitGroup
}

// New validates every cron expression and builds the scheduler. At least
// one scheduled handler is required.
func New(opts Options) (*Scheduler, error) {
	schedules := make(map[string]*schedule)
	for _, h := range opts.Handlers {
		if h.Cron == "" {
			continue
		}
		expr, err := cron.Parse(h.Cron)
		if err != nil {
			return nil, fmt.Errorf("handler %q: %w", h.ID, err)
		}
		schedules[h.ID] = &schedule{handler: h, expr: expr}
	}
	if len(schedules) == 0 {
		return nil, worchflow.ErrNoSchedules
	}

	ttl := opts.LeaderTTL
	if ttl <= 0 {
		ttl = defaultLeaderTTL
	}
	check := opts.LeaderCheckInterval
	if check <= 0 {
		check = defaultLeaderCheckInterval
	}

	return &Scheduler{
		kv:         opts.KV,
		doc:        opts.Doc,
		client:     opts.Client,
		keys:       kv.NewKeys(opts.QueuePrefix),
		bus:        opts.Bus,
		logger:     log.WithComponent(opts.Logger, "scheduler"),
		schedules:  schedules,
		election:   opts.LeaderElection,
		leaderTTL:  ttl,
		checkEvery: check,
		instanceID: execution.NewID(),
	}, nil
}

// Start begins the election loop, or fires immediately when leader
// election is disabled.
func (s *Scheduler) Start(ctx context.Context) error {
	s.mu.Lock()
	if s.started {
		s.mu.Unlock()
		return worchflow.ErrAlreadyRunning
	}
	s.started = true
	runCtx, cancel := context.WithCancel(ctx)
	s.cancel = cancel
	s.loopDone = make(chan struct{})
	s.mu.Unlock()

	for id := range s.schedules {
		s.bus.Emit(bus.Event{Type: bus.TypeScheduleRegistered, FunctionID: id})
	}

	if !s.election {
		s.becomeLeader(runCtx)
		close(s.loopDone)
		s.logger.Info("scheduler started without leader election",
			slog.Int("schedules", len(s.schedules)))
		return nil
	}

	go s.electionLoop(runCtx)
	s.logger.Info("scheduler started",
		slog.Int("schedules", len(s.schedules)),
		slog.Duration("leader_ttl", s.leaderTTL),
		slog.Duration("check_interval", s.checkEvery))
	return nil
}

// Stop halts timers and, if this instance leads, releases the leader key.
func (s *Scheduler) Stop(ctx context.Context) error {
	s.mu.Lock()
	if !s.started {
		s.mu.Unlock()
		return worchflow.ErrNotRunning
	}
	cancel := s.cancel
	done := s.loopDone
	s.mu.Unlock()

	cancel()
	<-done
	s.stopTimers()

	if s.isLeader.CompareAndSwap(true, false) {
		metrics.LeaderStatus.Set(0)
		if err := s.kv.Delete(ctx, s.keys.Leader()); err != nil {
			s.logger.Warn("releasing leader key", log.Error(err))
		}
	}

	s.bus.Emit(bus.Event{Type: bus.TypeStopped})
	s.logger.Info("scheduler stopped")
	return nil
}

// electionLoop acquires or renews leadership on every tick. The first tick
// runs immediately so a lone instance leads without waiting a full
// interval.
func (s *Scheduler) electionLoop(ctx context.Context) {
	defer close(s.loopDone)

	ticker := time.NewTicker(s.checkEvery)
	defer ticker.Stop()

	s.electionTick(ctx)
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.electionTick(ctx)
		}
	}
}

func (s *Scheduler) electionTick(ctx context.Context) {
	if s.isLeader.Load() {
		ttl, err := s.kv.RemainingTTL(ctx, s.keys.Leader())
		if err != nil {
			s.logger.Error("reading leader TTL", log.Error(err))
			return
		}
		if ttl > 0 {
			if err := s.kv.ExtendTTL(ctx, s.keys.Leader(), s.leaderTTL); err != nil {
				s.logger.Error("extending leader TTL", log.Error(err))
			}
			return
		}
		// Key expired under us; step down.
		s.isLeader.Store(false)
		metrics.LeaderStatus.Set(0)
		s.bus.Emit(bus.Event{Type: bus.TypeLeaderLost})
		s.logger.Warn("leadership lost")
		s.stopTimers()
		return
	}

	acquired, err := s.kv.SetIfAbsentTTL(ctx, s.keys.Leader(), s.instanceID, s.leaderTTL)
	if err != nil {
		s.logger.Error("acquiring leader key", log.Error(err))
		return
	}
	if acquired {
		s.becomeLeader(ctx)
	}
}

// becomeLeader starts the cron timers and replays missed executions.
func (s *Scheduler) becomeLeader(ctx context.Context) {
	s.isLeader.Store(true)
	metrics.LeaderStatus.Set(1)
	s.bus.Emit(bus.Event{Type: bus.TypeLeaderAcquired})
	s.logger.Info("leadership acquired")

	s.startTimers(ctx)
	s.replayMissed(ctx)
}

// startTimers spawns one timer goroutine per scheduled function.
func (s *Scheduler) startTimers(ctx context.Context) {
	s.timersMu.Lock()
	defer s.timersMu.Unlock()
	if s.timersCancel != nil {
		return
	}
	timersCtx, cancel := context.WithCancel(ctx)
	s.timersCancel = cancel

	for _, sched := range s.schedules {
		s.timers.Add(1)
		go s.runTimer(timersCtx, sched)
	}
}

// stopTimers cancels all timer goroutines and waits for them.
func (s *Scheduler) stopTimers() {
	s.timersMu.Lock()
	cancel := s.timersCancel
	s.timersCancel = nil
	s.timersMu.Unlock()

	if cancel != nil {
		cancel()
		s.timers.Wait()
	}
}

// runTimer fires one function on its cron expression until cancelled.
func (s *Scheduler) runTimer(ctx context.Context, sched *schedule) {
	defer s.timers.Done()

	for {
		next := sched.expr.Next(time.Now())
		timer := time.NewTimer(time.Until(next))
		select {
		case <-ctx.Done():
			timer.Stop()
			return
		case <-timer.C:
			s.fire(ctx, sched, false)
		}
	}
}

// fire submits one execution for the scheduled function, stamps the cron
// record, and emits schedule:triggered.
func (s *Scheduler) fire(ctx context.Context, sched *schedule, missed bool) {
	id, err := s.client.Submit(ctx, worchflow.Event{
		Name: sched.handler.ID,
		Data: json.RawMessage("{}"),
	})
	if err != nil {
		s.logger.Error("scheduled submission failed",
			slog.String("function_id", sched.handler.ID),
			log.Error(err))
		s.bus.Emit(bus.Event{Type: bus.TypeError, Err: err.Error(), FunctionID: sched.handler.ID})
		return
	}

	now := time.Now()
	if err := s.doc.UpsertCronExecution(ctx, &execution.CronExecution{
		FunctionID:        sched.handler.ID,
		LastExecutionTime: now.UnixMilli(),
		NextScheduledTime: sched.expr.Next(now).UnixMilli(),
		CronExpression:    sched.expr.Expression(),
		UpdatedAt:         now.UnixMilli(),
	}); err != nil {
		s.logger.Error("stamping cron execution",
			slog.String("function_id", sched.handler.ID),
			log.Error(err))
	}

	metrics.ScheduleFires.WithLabelValues(fmt.Sprintf("%t", missed)).Inc()
	s.bus.Emit(bus.Event{
		Type:        bus.TypeScheduleTriggered,
		FunctionID:  sched.handler.ID,
		ExecutionID: id,
		Missed:      missed,
	})
	s.logger.Debug("schedule triggered",
		slog.String("function_id", sched.handler.ID),
		slog.String(log.ExecutionIDKey, id),
		slog.Bool("missed", missed))
}

// replayMissed fires at most one catch-up execution per function whose
// schedule was due while no leader was active. Runs once per leadership
// acquisition, after the timers start.
func (s *Scheduler) replayMissed(ctx context.Context) {
	now := time.Now()
	for _, sched := range s.schedules {
		ce, err := s.doc.GetCronExecution(ctx, sched.handler.ID)
		if errors.Is(err, worchflow.ErrNotFound) {
			// Never fired: nothing to catch up.
			continue
		}
		if err != nil {
			s.logger.Error("loading cron execution",
				slog.String("function_id", sched.handler.ID),
				log.Error(err))
			continue
		}
		lastRun := time.UnixMilli(ce.LastExecutionTime)
		if !sched.expr.ShouldHaveRun(lastRun, now) {
			continue
		}
		s.bus.Emit(bus.Event{Type: bus.TypeScheduleMissed, FunctionID: sched.handler.ID})
		s.logger.Info("replaying missed schedule",
			slog.String("function_id", sched.handler.ID),
			slog.Int64("last_execution", ce.LastExecutionTime))
		s.fire(ctx, sched, true)
	}
}
