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

package cron

import (
	"errors"
	"testing"
	"time"

	"github.com/worchflow/worchflow/pkg/worchflow"
)

func TestParse(t *testing.T) {
	s, err := Parse("*/30 * * * * *")
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	if s.Expression() != "*/30 * * * * *" {
		t.Errorf("Expression() = %q", s.Expression())
	}
}

func TestParseInvalid(t *testing.T) {
	for _, expr := range []string{"", "not a cron", "* * * * *", "61 * * * * *"} {
		_, err := Parse(expr)
		if err == nil {
			t.Errorf("Parse(%q): expected error", expr)
			continue
		}
		if !errors.Is(err, worchflow.ErrInvalidCron) {
			t.Errorf("Parse(%q): error %v must wrap ErrInvalidCron", expr, err)
		}
	}
}

func TestNext(t *testing.T) {
	s, err := Parse("0 0 * * * *")
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	from := time.Date(2026, 8, 24, 10, 15, 30, 0, time.UTC)
	next := s.Next(from)
	want := time.Date(2026, 8, 24, 11, 0, 0, 0, time.UTC)
	if !next.Equal(want) {
		t.Errorf("Next(%v) = %v, want %v", from, next, want)
	}
}

func TestMinInterval(t *testing.T) {
	cases := []struct {
		expr string
		want time.Duration
	}{
		{"*/30 * * * * *", 30 * time.Second},
		{"*/5 * * * * *", 5 * time.Second},
		{"* * * * * *", time.Second},
		{"0 * * * * *", time.Minute},
		{"15 */5 * * * *", time.Minute},
		{"0,15,45 * * * * *", 15 * time.Second},
		{"10,20 * * * * *", 10 * time.Second},
		{"0-30 * * * * *", time.Minute}, // range syntax: conservative fallback
	}
	for _, tc := range cases {
		s, err := Parse(tc.expr)
		if err != nil {
			t.Fatalf("Parse(%q): %v", tc.expr, err)
		}
		if got := s.MinInterval(); got != tc.want {
			t.Errorf("MinInterval(%q) = %v, want %v", tc.expr, got, tc.want)
		}
	}
}

func TestShouldHaveRun(t *testing.T) {
	s, err := Parse("*/30 * * * * *")
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	now := time.Date(2026, 8, 24, 12, 0, 0, 0, time.UTC)

	if !s.ShouldHaveRun(now.Add(-time.Minute), now) {
		t.Error("a full interval elapsed: should report missed")
	}
	if !s.ShouldHaveRun(now.Add(-30*time.Second), now) {
		t.Error("exactly one interval elapsed: should report missed")
	}
	if s.ShouldHaveRun(now.Add(-10*time.Second), now) {
		t.Error("less than one interval elapsed: must not report missed")
	}
	if s.ShouldHaveRun(now, now) {
		t.Error("lastRun == now: must not report missed")
	}
	if s.ShouldHaveRun(now.Add(time.Minute), now) {
		t.Error("lastRun in the future: must not report missed")
	}
}
