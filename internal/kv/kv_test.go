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

package kv

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	mr := miniredis.RunT(t)
	s := New(Options{Addr: mr.Addr()})
	t.Cleanup(func() { s.Close() })
	return s
}

func TestPing(t *testing.T) {
	s := newTestStore(t)
	require.NoError(t, s.Ping(context.Background()))
}

func TestHashSetGet(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	require.NoError(t, s.HashSet(ctx, "h", map[string]string{"a": "1", "b": "two"}))

	fields, err := s.HashGetAll(ctx, "h")
	require.NoError(t, err)
	assert.Equal(t, map[string]string{"a": "1", "b": "two"}, fields)

	val, ok, err := s.HashField(ctx, "h", "a")
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, "1", val)

	_, ok, err = s.HashField(ctx, "h", "missing")
	require.NoError(t, err)
	assert.False(t, ok)

	_, ok, err = s.HashField(ctx, "no-such-key", "a")
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestHashSetEmptyIsNoop(t *testing.T) {
	s := newTestStore(t)
	require.NoError(t, s.HashSet(context.Background(), "h", nil))
}

func TestHashGetAllMissingKey(t *testing.T) {
	s := newTestStore(t)

	fields, err := s.HashGetAll(context.Background(), "absent")
	require.NoError(t, err)
	assert.Empty(t, fields)
}

func TestHashDelete(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	require.NoError(t, s.HashSet(ctx, "h", map[string]string{"a": "1", "b": "2", "c": "3"}))
	require.NoError(t, s.HashDelete(ctx, "h", "a", "c"))

	fields, err := s.HashGetAll(ctx, "h")
	require.NoError(t, err)
	assert.Equal(t, map[string]string{"b": "2"}, fields)
}

func TestQueueFIFO(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	require.NoError(t, s.ListPushRight(ctx, "q", "first"))
	require.NoError(t, s.ListPushRight(ctx, "q", "second"))

	n, err := s.ListLength(ctx, "q")
	require.NoError(t, err)
	assert.Equal(t, int64(2), n)

	val, ok, err := s.ListPopLeftBlocking(ctx, "q", time.Second)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, "first", val)

	val, ok, err = s.ListPopLeftBlocking(ctx, "q", time.Second)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, "second", val)
}

func TestBlockingPopTimeout(t *testing.T) {
	s := newTestStore(t)

	_, ok, err := s.ListPopLeftBlocking(context.Background(), "empty", time.Second)
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestBlockingPopDeliversToOneConsumer(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	a := s.Duplicate()
	defer a.Close()
	b := s.Duplicate()
	defer b.Close()

	results := make(chan string, 2)
	for _, conn := range []*Store{a, b} {
		go func(c *Store) {
			val, ok, err := c.ListPopLeftBlocking(ctx, "q", 2*time.Second)
			if err != nil || !ok {
				results <- ""
				return
			}
			results <- val
		}(conn)
	}

	require.NoError(t, s.ListPushRight(ctx, "q", "only"))

	first := <-results
	second := <-results
	got := []string{first, second}
	assert.ElementsMatch(t, []string{"only", ""}, got)
}

func TestLeaderElectionPrimitives(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	ok, err := s.SetIfAbsentTTL(ctx, "leader", "node-a", time.Minute)
	require.NoError(t, err)
	assert.True(t, ok, "first claim must win")

	ok, err = s.SetIfAbsentTTL(ctx, "leader", "node-b", time.Minute)
	require.NoError(t, err)
	assert.False(t, ok, "second claim must lose while the key lives")

	ttl, err := s.RemainingTTL(ctx, "leader")
	require.NoError(t, err)
	assert.Greater(t, ttl, time.Duration(0))

	require.NoError(t, s.ExtendTTL(ctx, "leader", 2*time.Minute))
	ttl, err = s.RemainingTTL(ctx, "leader")
	require.NoError(t, err)
	assert.Greater(t, ttl, time.Minute)

	require.NoError(t, s.Delete(ctx, "leader"))
	ok, err = s.SetIfAbsentTTL(ctx, "leader", "node-b", time.Minute)
	require.NoError(t, err)
	assert.True(t, ok, "claim must succeed after release")
}

func TestRemainingTTLAbsentKey(t *testing.T) {
	s := newTestStore(t)

	ttl, err := s.RemainingTTL(context.Background(), "nothing")
	require.NoError(t, err)
	assert.Equal(t, time.Duration(0), ttl)
}

func TestKeys(t *testing.T) {
	k := NewKeys("")
	assert.Equal(t, "worchflow:queue", k.Queue())
	assert.Equal(t, "worchflow:execution:abc", k.Execution("abc"))
	assert.Equal(t, "worchflow:steps:abc", k.Steps("abc"))
	assert.Equal(t, "worchflow:scheduler:leader", k.Leader())

	custom := NewKeys("staging")
	assert.Equal(t, "staging:queue", custom.Queue())
	assert.Equal(t, "staging", custom.Prefix())
}
