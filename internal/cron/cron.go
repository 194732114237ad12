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

// Package cron validates six-field cron expressions (seconds first),
// computes next firings, and estimates a schedule's minimum interval for
// missed-run detection.
package cron

import (
	"fmt"
	"sort"
	"strconv"
	"strings"
	"time"

	robfig "github.com/robfig/cron/v3"

	"github.com/worchflow/worchflow/pkg/worchflow"
)

// parser accepts the six-field format: second minute hour day-of-month
// month day-of-week.
var parser = robfig.NewParser(
	robfig.Second | robfig.Minute | robfig.Hour | robfig.Dom | robfig.Month | robfig.Dow,
)

// Schedule is a validated cron expression.
type Schedule struct {
	expr  string
	sched robfig.Schedule
}

// Parse validates expr and returns its schedule. Invalid expressions wrap
// worchflow.ErrInvalidCron.
func Parse(expr string) (*Schedule, error) {
	sched, err := parser.Parse(expr)
	if err != nil {
		return nil, fmt.Errorf("%w: %q: %v", worchflow.ErrInvalidCron, expr, err)
	}
	return &Schedule{expr: expr, sched: sched}, nil
}

// Expression returns the original expression text.
func (s *Schedule) Expression() string {
	return s.expr
}

// Next returns the first firing strictly after from.
func (s *Schedule) Next(from time.Time) time.Time {
	return s.sched.Next(from)
}

// MinInterval conservatively estimates the shortest gap between two
// firings by inspecting only the seconds field:
//
//   - "*/k"       → k seconds
//   - "*"         → 1 second
//   - literal "N" → 60 seconds (fires once per minute at second N)
//   - "a,b,c"     → smallest gap between successive listed seconds
//   - anything else → 60 seconds
//
// The estimate errs long on purpose: missed-run detection must not fire a
// catch-up for a schedule that was never actually due.
func (s *Schedule) MinInterval() time.Duration {
	fields := strings.Fields(s.expr)
	if len(fields) == 0 {
		return time.Minute
	}
	seconds := fields[0]

	switch {
	case seconds == "*":
		return time.Second

	case strings.HasPrefix(seconds, "*/"):
		k, err := strconv.Atoi(seconds[2:])
		if err != nil || k <= 0 {
			return time.Minute
		}
		return time.Duration(k) * time.Second

	case strings.Contains(seconds, ","):
		return commaListMinGap(seconds)

	default:
		if _, err := strconv.Atoi(seconds); err == nil {
			return time.Minute
		}
		return time.Minute
	}
}

// commaListMinGap returns the smallest gap between successive values in a
// sorted comma list of seconds.
func commaListMinGap(field string) time.Duration {
	parts := strings.Split(field, ",")
	values := make([]int, 0, len(parts))
	for _, part := range parts {
		n, err := strconv.Atoi(strings.TrimSpace(part))
		if err != nil {
			return time.Minute
		}
		values = append(values, n)
	}
	if len(values) < 2 {
		return time.Minute
	}
	sort.Ints(values)

	min := values[1] - values[0]
	for i := 2; i < len(values); i++ {
		if gap := values[i] - values[i-1]; gap < min {
			min = gap
		}
	}
	if min <= 0 {
		return time.Minute
	}
	return time.Duration(min) * time.Second
}

// ShouldHaveRun reports whether the schedule was due at least once between
// lastRun and now while no scheduler was firing.
func (s *Schedule) ShouldHaveRun(lastRun, now time.Time) bool {
	if !lastRun.Before(now) {
		return false
	}
	return !lastRun.Add(s.MinInterval()).After(now)
}
